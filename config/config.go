// Package config reads settings from the environment, after loading a .env file when one exists.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/klipach/devconnect/contract"
	"github.com/klipach/devconnect/log"
)

const (
	StoreFirestore = "firestore"
	StorePostgres  = "postgres"
	StoreMemory    = "memory"

	LogSinkStdout       = "stdout"
	LogSinkCloudLogging = "cloudlogging"

	defaultCredentialsFile = "service_account_key.json"
)

type Config struct {
	Port      string
	ProjectID string

	StoreBackend string
	PostgresDSN  string

	LogSink  string
	LogLevel slog.Level

	DefaultCommunityID   string
	DefaultCommunityName string

	// AllowedOrigins restricts WebSocket upgrades; empty allows any origin.
	AllowedOrigins []string

	// Used by cmd/gentoken only.
	FirebaseAPIKey  string
	CredentialsFile string
}

func Load() (*Config, error) {
	_ = godotenv.Load()
	return fromEnv()
}

func fromEnv() (*Config, error) {
	port := getEnv("PORT", "8080")
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return nil, fmt.Errorf("invalid PORT: %q", port)
	}

	level, err := log.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	cfg := &Config{
		Port:                 port,
		ProjectID:            getEnv("GOOGLE_CLOUD_PROJECT", ""),
		StoreBackend:         strings.ToLower(getEnv("STORE_BACKEND", StoreFirestore)),
		PostgresDSN:          getEnv("POSTGRES_DSN", ""),
		LogSink:              strings.ToLower(getEnv("LOG_SINK", LogSinkStdout)),
		LogLevel:             level,
		DefaultCommunityID:   getEnv("DEFAULT_COMMUNITY_ID", contract.DefaultCommunityID),
		DefaultCommunityName: getEnv("DEFAULT_COMMUNITY_NAME", contract.DefaultCommunityName),
		AllowedOrigins:       splitList(getEnv("ALLOWED_ORIGINS", "")),
		FirebaseAPIKey:       getEnv("FIREBASE_API_KEY", ""),
		CredentialsFile:      getEnv("GOOGLE_APPLICATION_CREDENTIALS", defaultCredentialsFile),
	}

	switch cfg.StoreBackend {
	case StoreFirestore, StoreMemory:
	case StorePostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("POSTGRES_DSN is required when STORE_BACKEND=%s", StorePostgres)
		}
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND: %q", cfg.StoreBackend)
	}

	switch cfg.LogSink {
	case LogSinkStdout, LogSinkCloudLogging:
	default:
		return nil, fmt.Errorf("invalid LOG_SINK: %q", cfg.LogSink)
	}

	if strings.TrimSpace(cfg.DefaultCommunityID) == "" {
		return nil, fmt.Errorf("DEFAULT_COMMUNITY_ID must not be empty")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
