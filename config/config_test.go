package config

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configEnv = []string{
	"PORT", "GOOGLE_CLOUD_PROJECT", "STORE_BACKEND", "POSTGRES_DSN", "LOG_SINK", "LOG_LEVEL",
	"DEFAULT_COMMUNITY_ID", "DEFAULT_COMMUNITY_NAME", "ALLOWED_ORIGINS",
	"FIREBASE_API_KEY", "GOOGLE_APPLICATION_CREDENTIALS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnv {
		// Setenv restores the original value when the test ends
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := fromEnv()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StoreFirestore, cfg.StoreBackend)
	assert.Equal(t, LogSinkStdout, cfg.LogSink)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "general", cfg.DefaultCommunityID)
	assert.Equal(t, "General", cfg.DefaultCommunityName)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.Empty(t, cfg.FirebaseAPIKey)
	assert.Equal(t, "service_account_key.json", cfg.CredentialsFile)
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "postgres backend",
			env:  map[string]string{"STORE_BACKEND": "Postgres", "POSTGRES_DSN": "postgres://localhost/devconnect"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, StorePostgres, cfg.StoreBackend)
				assert.Equal(t, "postgres://localhost/devconnect", cfg.PostgresDSN)
			},
		},
		{
			name:    "postgres without dsn",
			env:     map[string]string{"STORE_BACKEND": "postgres"},
			wantErr: true,
		},
		{
			name:    "unknown backend",
			env:     map[string]string{"STORE_BACKEND": "redis"},
			wantErr: true,
		},
		{
			name:    "bad port",
			env:     map[string]string{"PORT": "http"},
			wantErr: true,
		},
		{
			name:    "bad level",
			env:     map[string]string{"LOG_LEVEL": "loud"},
			wantErr: true,
		},
		{
			name:    "bad sink",
			env:     map[string]string{"LOG_SINK": "syslog"},
			wantErr: true,
		},
		{
			name: "origins",
			env:  map[string]string{"ALLOWED_ORIGINS": " https://a.example , ,https://b.example"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
			},
		},
		{
			name: "token tool settings",
			env:  map[string]string{"FIREBASE_API_KEY": "key-123", "GOOGLE_APPLICATION_CREDENTIALS": "/secrets/sa.json"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "key-123", cfg.FirebaseAPIKey)
				assert.Equal(t, "/secrets/sa.json", cfg.CredentialsFile)
			},
		},
		{
			name: "cloud logging at debug",
			env:  map[string]string{"LOG_SINK": "cloudlogging", "LOG_LEVEL": "debug", "GOOGLE_CLOUD_PROJECT": "devconnect-prod"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, LogSinkCloudLogging, cfg.LogSink)
				assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
				assert.Equal(t, "devconnect-prod", cfg.ProjectID)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := fromEnv()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}
