package devconnect

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	firebase "firebase.google.com/go/v4"
	"github.com/klipach/devconnect/auth"
	"github.com/klipach/devconnect/config"
	"github.com/klipach/devconnect/log"
	"github.com/klipach/devconnect/store"
	"github.com/klipach/devconnect/store/memstore"
	"github.com/klipach/devconnect/store/pgstore"
)

// setup builds the process-wide handler once per function instance.
func setup(ctx context.Context) (*Handler, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := setupLogging(ctx, cfg); err != nil {
		return nil, err
	}

	var fbConfig *firebase.Config
	if cfg.ProjectID != "" {
		fbConfig = &firebase.Config{ProjectID: cfg.ProjectID}
	}
	app, err := firebase.NewApp(ctx, fbConfig)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	verifier, err := auth.NewFirebaseVerifier(ctx, app)
	if err != nil {
		return nil, fmt.Errorf("init firebase auth: %w", err)
	}
	st, err := openStore(ctx, cfg, app)
	if err != nil {
		return nil, err
	}

	log.LoggerFromContext(ctx).Info("connect handler ready",
		slog.String("storeBackend", cfg.StoreBackend),
		slog.String("logSink", cfg.LogSink),
	)
	h := NewHandler(st, verifier, cfg)
	h.projectID = cfg.ProjectID
	return h, nil
}

func setupLogging(ctx context.Context, cfg *config.Config) error {
	if cfg.LogSink != config.LogSinkCloudLogging {
		log.SetDefault(slog.New(log.NewCloudLoggingHandlerTo(os.Stdout, cfg.LogLevel)))
		return nil
	}
	// the client flushes buffered entries in the background
	h, _, err := log.NewCloudHandler(ctx, cfg.ProjectID, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init cloud logging: %w", err)
	}
	log.SetDefault(slog.New(h))
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, app *firebase.App) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		return pgstore.Open(ctx, cfg.PostgresDSN)
	case config.StoreMemory:
		return memstore.New(), nil
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firestore: %w", err)
	}
	return store.NewFirestore(client), nil
}
