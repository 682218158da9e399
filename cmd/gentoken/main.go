// gentoken mints a Firebase ID token for a user and prints a Connect URL carrying it, for trying
// the chat against a local or deployed function.
//
//	go run ./cmd/gentoken -uid <uid> [-apikey <key>] [-url ws://localhost:8080/]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/klipach/devconnect/config"
	"google.golang.org/api/option"
)

const (
	signInEndpoint = "https://identitytoolkit.googleapis.com/v1/accounts:signInWithCustomToken"
	httpTimeout    = 10 * time.Second
)

type signInResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	LocalID      string `json:"localId"`
}

func main() {
	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config.Load: %v", err)
	}

	uid := flag.String("uid", "", "user UID to sign in as")
	apiKey := flag.String("apikey", cfg.FirebaseAPIKey, "Firebase web API key (FIREBASE_API_KEY)")
	credentials := flag.String("credentials", cfg.CredentialsFile, "service account key file (GOOGLE_APPLICATION_CREDENTIALS)")
	base := flag.String("url", "ws://localhost:"+cfg.Port+"/", "Connect endpoint")
	flag.Parse()

	if *uid == "" {
		log.Fatalf("please provide a user UID using the -uid flag")
	}
	if *apiKey == "" {
		log.Fatalf("please provide the Firebase API key using -apikey or FIREBASE_API_KEY")
	}

	absPath, err := filepath.Abs(*credentials)
	if err != nil {
		log.Fatalf("failed to get absolute path: %v", err)
	}
	var fbConfig *firebase.Config
	if cfg.ProjectID != "" {
		fbConfig = &firebase.Config{ProjectID: cfg.ProjectID}
	}
	app, err := firebase.NewApp(ctx, fbConfig, option.WithCredentialsFile(absPath))
	if err != nil {
		log.Fatalf("error initializing app: %v", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		log.Fatalf("error getting Auth client: %v", err)
	}
	customToken, err := client.CustomToken(ctx, *uid)
	if err != nil {
		log.Fatalf("error creating custom token: %v", err)
	}

	httpClient := &http.Client{Timeout: httpTimeout}
	idToken, err := exchangeCustomToken(ctx, httpClient, signInEndpoint, *apiKey, customToken)
	if err != nil {
		log.Fatalf("error exchanging custom token: %v", err)
	}
	connect, err := connectURL(*base, idToken)
	if err != nil {
		log.Fatalf("error building connect url: %v", err)
	}

	fmt.Println(idToken)
	fmt.Println(connect)
}

// exchangeCustomToken trades a custom token for an ID token through the Identity Toolkit REST API.
func exchangeCustomToken(ctx context.Context, client *http.Client, endpoint, apiKey, customToken string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"token":             customToken,
		"returnSecureToken": true,
	})
	if err != nil {
		return "", err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("key", apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("non-OK HTTP status: %d, response: %s", resp.StatusCode, string(body))
	}
	var signIn signInResponse
	if err := json.Unmarshal(body, &signIn); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if signIn.IDToken == "" {
		return "", fmt.Errorf("response carries no idToken")
	}
	return signIn.IDToken, nil
}

// connectURL adds idToken as the token query parameter browsers use in place of an Authorization
// header.
func connectURL(base, idToken string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("token", idToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
