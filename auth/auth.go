// Package auth verifies Firebase ID tokens and turns them into identities.
package auth

import (
	"context"
	"fmt"
	"net/http"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"github.com/klipach/devconnect/identity"
)

// TokenVerifier is implemented by *auth.Client.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

type Verifier struct {
	tokens TokenVerifier
}

func NewVerifier(tokens TokenVerifier) *Verifier {
	return &Verifier{tokens: tokens}
}

// NewFirebaseVerifier verifies tokens with the Auth client of app.
func NewFirebaseVerifier(ctx context.Context, app *firebase.App) (*Verifier, error) {
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, err
	}
	return NewVerifier(client), nil
}

// Authenticate verifies the token carried by the request.
func (v *Verifier) Authenticate(req *http.Request) (identity.Identity, error) {
	jwtToken, err := TokenFromRequest(req)
	if err != nil {
		return identity.Identity{}, err
	}
	return v.Verify(req.Context(), jwtToken)
}

func (v *Verifier) Verify(ctx context.Context, idToken string) (identity.Identity, error) {
	if idToken == "" {
		return identity.Identity{}, errMissingToken
	}
	token, err := v.tokens.VerifyIDToken(ctx, idToken)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("verify id token: %w", err)
	}
	return IdentityFromToken(token), nil
}

// IdentityFromToken reads the standard profile claims of a verified token.
func IdentityFromToken(token *auth.Token) identity.Identity {
	claim := func(name string) string {
		s, _ := token.Claims[name].(string)
		return s
	}
	return identity.Identity{
		UID:         token.UID,
		DisplayName: claim("name"),
		Email:       claim("email"),
		PhotoURL:    claim("picture"),
	}
}
