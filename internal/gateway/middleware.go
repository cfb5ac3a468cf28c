package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// tokenParam carries the token for WebSocket clients that cannot set headers.
const tokenParam = "token"

// BearerAuth returns middleware that, when token is non-empty, requires
// Authorization: Bearer <token>. A WebSocket handshake may pass the token as
// the ?token= query parameter instead. Anything else gets 401.
// An empty token disables the check.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || tokenMatches(requestToken(r), token) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="arcbot"`)
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
}

func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, rest, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(rest)
	}
	if isUpgrade(r) {
		return r.URL.Query().Get(tokenParam)
	}
	return ""
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func tokenMatches(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
