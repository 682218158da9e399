package devconnect

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/gorilla/websocket"
	"github.com/klipach/devconnect/config"
	"github.com/klipach/devconnect/directory"
	"github.com/klipach/devconnect/identity"
	"github.com/klipach/devconnect/log"
	"github.com/klipach/devconnect/session"
	"github.com/klipach/devconnect/store"
)

var (
	handlerOnce sync.Once
	handler     *Handler
	handlerErr  error
)

func init() {
	functions.HTTP("Connect", Connect)
}

// Authenticator verifies the caller of Connect and the tokens it sends when refreshing.
type Authenticator interface {
	Authenticate(r *http.Request) (identity.Identity, error)
	Verify(ctx context.Context, idToken string) (identity.Identity, error)
}

// Connect upgrades an authenticated request to a WebSocket carrying one chat session.
func Connect(w http.ResponseWriter, r *http.Request) {
	handlerOnce.Do(func() {
		handler, handlerErr = setup(context.Background())
	})
	if handlerErr != nil {
		log.LoggerFromContext(r.Context()).Error("error while setting up connect handler",
			slog.String(log.ErrorMsgLogField, handlerErr.Error()),
		)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	handler.ServeHTTP(w, r)
}

type Handler struct {
	store     store.Store
	authn     Authenticator
	boot      *identity.Bootstrapper
	directory *directory.Directory
	upgrader  websocket.Upgrader
	projectID string
}

func NewHandler(st store.Store, authn Authenticator, cfg *config.Config) *Handler {
	return &Handler{
		store:     st,
		authn:     authn,
		boot:      identity.New(st, identity.WithDefaultCommunity(cfg.DefaultCommunityID, cfg.DefaultCommunityName)),
		directory: directory.New(st),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, a := range allowed {
			if origin == a {
				return true
			}
		}
		return false
	}
}

// traceID reads the trace of the X-Cloud-Trace-Context header in the form Cloud Logging correlates.
func traceID(r *http.Request, projectID string) string {
	header := r.Header.Get("X-Cloud-Trace-Context")
	if header == "" || projectID == "" {
		return ""
	}
	trace, _, _ := strings.Cut(header, "/")
	return "projects/" + projectID + "/traces/" + trace
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if trace := traceID(r, h.projectID); trace != "" {
		ctx = log.WithTraceID(ctx, trace)
	}
	logger := log.LoggerFromContext(ctx)
	logger.InfoContext(ctx, "connect function called")

	if r.Method != http.MethodGet {
		logger.ErrorContext(ctx, "invalid method: " + r.Method)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := h.authn.Authenticate(r)
	if err != nil {
		logger.ErrorContext(ctx, "error while authenticating", slog.String(log.ErrorMsgLogField, err.Error()))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	logger = logger.With(slog.String(log.UserIDLogField, id.UID))
	ctx = log.WithLogger(ctx, logger)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered the request
		logger.ErrorContext(ctx, "error while upgrading connection", slog.String(log.ErrorMsgLogField, err.Error()))
		return
	}

	sess := session.New(ctx, h.store, id,
		session.WithBootstrapper(h.boot),
		session.WithDirectory(h.directory),
	)
	newClient(conn, sess, h.authn).run(ctx)
	logger.InfoContext(ctx, "connection closed")
}
