package auth

import (
	"net/http"
	"strings"
)

// DefaultTokenParam is the query parameter read when a websocket handshake carries no
// Authorization header; browsers cannot set one.
const DefaultTokenParam = "token"

// BearerToken parses an Authorization header value of the form "Bearer <token>". The
// scheme is matched case-insensitively; anything else yields "".
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// RequestToken returns the bearer token of r, falling back to the query parameter.
func RequestToken(r *http.Request, queryParam string) string {
	if r == nil {
		return ""
	}
	if token := BearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	if queryParam == "" {
		queryParam = DefaultTokenParam
	}
	if r.URL == nil {
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get(queryParam))
}
