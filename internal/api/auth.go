package api

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

const (
	errorCodeInvalidRequest = "invalid_request"
	errorCodeInvalidToken   = "invalid_token"
	authRealm               = "issuesync"
)

// BearerTokenMiddleware rejects requests whose bearer token does not match token.
// The comparison takes constant time. An empty token rejects every request.
func BearerTokenMiddleware(token string) func(http.Handler) http.Handler {
	expected := []byte(token)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, ok := extractBearerToken(r)
			if !ok {
				slog.Warn("Trigger request without bearer token",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path)
				writeAuthError(w, errorCodeInvalidRequest, "missing or malformed authorization header")
				return
			}

			if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
				slog.Warn("Trigger request with invalid token",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path)
				writeAuthError(w, errorCodeInvalidToken, "token validation failed")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken returns the credentials of an "Authorization: Bearer" header
func extractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// writeAuthError writes a 401 with an RFC 6750 WWW-Authenticate header
func writeAuthError(w http.ResponseWriter, errCode, description string) {
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer realm="%s", error="%s", error_description="%s"`, authRealm, errCode, description))
	writeErrorResponse(w, description, http.StatusUnauthorized)
}
