package log

import (
	"context"
	"log/slog"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/logging"
)

const cloudLogName = "devconnect"

// CloudHandler sends records to Cloud Logging through the logging client instead of stdout.
type CloudHandler struct {
	logger *logging.Logger
	level  slog.Leveler
	attrs  []slog.Attr
}

// NewCloudHandler opens a Cloud Logging client. When projectID is empty it is read from the
// metadata server. The returned close function flushes buffered entries.
func NewCloudHandler(ctx context.Context, projectID string, level slog.Leveler) (*CloudHandler, func() error, error) {
	if projectID == "" {
		var err error
		projectID, err = metadata.ProjectIDWithContext(ctx)
		if err != nil {
			return nil, nil, err
		}
	}
	client, err := logging.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	h := &CloudHandler{logger: client.Logger(cloudLogName), level: level}
	return h, client.Close, nil
}

func (h *CloudHandler) Handle(ctx context.Context, r slog.Record) error {
	payload := make(map[string]any, len(h.attrs)+r.NumAttrs()+1)
	payload["message"] = r.Message
	for _, attr := range h.attrs {
		payload[attr.Key] = attr.Value.Any()
	}
	r.Attrs(func(attr slog.Attr) bool {
		payload[attr.Key] = attr.Value.Any()
		return true
	})
	h.logger.Log(logging.Entry{
		Timestamp: recordTime(r),
		Severity:  logging.ParseSeverity(severity(r.Level)),
		Payload:   payload,
		Trace:     TraceID(ctx),
	})
	return nil
}

func (h *CloudHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *CloudHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &CloudHandler{logger: h.logger, level: h.level, attrs: newAttrs}
}

func (h *CloudHandler) WithGroup(_ string) slog.Handler {
	return h
}
