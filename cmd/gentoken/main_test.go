package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchangeCustomToken(t *testing.T) {
	var gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		if gotBody["token"] != "custom" {
			http.Error(w, `{"error":{"message":"INVALID_CUSTOM_TOKEN"}}`, http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(signInResponse{IDToken: "id-token", LocalID: "u1"})
	}))
	defer srv.Close()

	idToken, err := exchangeCustomToken(context.Background(), srv.Client(), srv.URL, "key-123", "custom")
	require.NoError(t, err)
	assert.Equal(t, "id-token", idToken)
	assert.Equal(t, "key-123", gotKey)
	assert.Equal(t, true, gotBody["returnSecureToken"])

	_, err = exchangeCustomToken(context.Background(), srv.Client(), srv.URL, "key-123", "forged")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID_CUSTOM_TOKEN")
}

func TestConnectURL(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		expected string
		wantErr  bool
	}{
		{name: "local websocket", base: "ws://localhost:8080/", expected: "ws://localhost:8080/?token=abc"},
		{name: "https function", base: "https://example.cloudfunctions.net/Connect", expected: "wss://example.cloudfunctions.net/Connect?token=abc"},
		{name: "keeps other parameters", base: "http://localhost:8080/?debug=1", expected: "ws://localhost:8080/?debug=1&token=abc"},
		{name: "unsupported scheme", base: "ftp://localhost/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := connectURL(tt.base, "abc")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}
