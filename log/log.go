package log

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	ErrorMsgLogField   = "errorMsg"
	UserIDLogField     = "userID"
	ChannelIDLogField  = "channelID"
	CollectionLogField = "collection"
	ActionLogField     = "action"

	traceLogKey = "logging.googleapis.com/trace"
)

type ctxKey struct{}

type traceKey struct{}

// CloudLoggingHandler writes one JSON object per record in the Google Cloud structured format.
type CloudLoggingHandler struct {
	out   io.Writer
	mu    *sync.Mutex
	level slog.Leveler
	attrs []slog.Attr
}

// NewCloudLoggingHandler creates a handler writing to stdout at info level.
func NewCloudLoggingHandler() *CloudLoggingHandler {
	return NewCloudLoggingHandlerTo(os.Stdout, slog.LevelInfo)
}

func NewCloudLoggingHandlerTo(out io.Writer, level slog.Leveler) *CloudLoggingHandler {
	return &CloudLoggingHandler{out: out, mu: &sync.Mutex{}, level: level}
}

func (h *CloudLoggingHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := map[string]any{
		"severity": severity(r.Level),
		"time":     recordTime(r).Format(time.RFC3339Nano),
		"message":  r.Message,
	}
	if traceID := TraceID(ctx); traceID != "" {
		entry[traceLogKey] = traceID
	}
	for _, attr := range h.attrs {
		entry[attr.Key] = attr.Value.Any()
	}
	r.Attrs(func(attr slog.Attr) bool {
		entry[attr.Key] = attr.Value.Any()
		return true
	})

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.out.Write(append(jsonData, '\n'))
	return err
}

func (h *CloudLoggingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *CloudLoggingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &CloudLoggingHandler{out: h.out, mu: h.mu, level: h.level, attrs: newAttrs}
}

// WithGroup returns the same handler, as grouping is not implemented.
func (h *CloudLoggingHandler) WithGroup(_ string) slog.Handler {
	return h
}

// severity maps slog levels onto Cloud Logging severity names.
func severity(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARNING"
	case l >= slog.LevelInfo:
		return "INFO"
	}
	return "DEBUG"
}

func recordTime(r slog.Record) time.Time {
	if r.Time.IsZero() {
		return time.Now()
	}
	return r.Time
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	traceID, _ := ctx.Value(traceKey{}).(string)
	return traceID
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = slog.New(NewCloudLoggingHandler())
)

// SetDefault replaces the logger returned when a context carries none.
func SetDefault(logger *slog.Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
			return logger
		}
	}
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(s))
	return l, err
}
