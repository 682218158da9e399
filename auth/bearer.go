package auth

import (
	"errors"
	"net/http"
	"strings"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	tokenQueryParam     = "token"
)

var (
	errMissingAuthorizationHeader = errors.New("missing Authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid Authorization header")
	errMissingToken               = errors.New("missing id token")
)

func BearerTokenFromRequest(r *http.Request) (string, error) {
	reqToken := r.Header.Get(authorizationHeader)
	if reqToken == "" {
		return "", errMissingAuthorizationHeader
	}
	splitToken := strings.Split(reqToken, bearerPrefix)
	if len(splitToken) != 2 {
		return "", errInvalidAuthorizationHeader
	}
	return strings.TrimSpace(splitToken[1]), nil
}

// TokenFromRequest prefers the Authorization header and falls back to the token query parameter,
// which browsers have to use when opening a WebSocket.
func TokenFromRequest(r *http.Request) (string, error) {
	token, err := BearerTokenFromRequest(r)
	if !errors.Is(err, errMissingAuthorizationHeader) {
		return token, err
	}
	if r.URL != nil {
		if token := strings.TrimSpace(r.URL.Query().Get(tokenQueryParam)); token != "" {
			return token, nil
		}
	}
	return "", errMissingToken
}
