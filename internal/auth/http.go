// ABOUTME: HTTP middleware that authenticates API requests
// ABOUTME: Accepts X-Access-Token, X-Developer-Token, or an Authorization bearer JWT

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// HTTPAuthMiddleware authenticates each request and attaches an AuthContext.
// Credentials are checked in order: X-Access-Token, X-Developer-Token, then
// Authorization. The first header present decides; later ones are ignored.
// A nil developers resolver rejects every developer token.
func HTTPAuthMiddleware(verifier TokenVerifier, developers DeveloperTokenResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				userID string
				method Method
				err    error
			)

			switch {
			case r.Header.Get(AccessTokenHeader) != "":
				method = MethodAccessToken
				userID, err = verifier.Verify(strings.TrimSpace(r.Header.Get(AccessTokenHeader)))
			case r.Header.Get(DeveloperTokenHeader) != "":
				method = MethodDeveloperToken
				if developers == nil {
					err = ErrInvalidToken
					break
				}
				userID, err = developers.Resolve(r.Context(), strings.TrimSpace(r.Header.Get(DeveloperTokenHeader)))
			default:
				token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
				if errMsg != "" {
					writeAuthError(w, errMsg)
					return
				}
				method = MethodBearer
				userID, err = verifier.Verify(token)
			}

			if err != nil {
				logger.Debug("rejected credentials", "path", r.URL.Path, "method", method, "error", err)
				switch {
				case errors.Is(err, ErrExpiredToken):
					writeAuthError(w, "token expired")
				case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrMissingClaim):
					writeAuthError(w, "invalid token")
				default:
					logger.Error("authenticating request", "path", r.URL.Path, "error", err)
					writeJSONError(w, http.StatusInternalServerError, "authentication unavailable")
				}
				return
			}

			ac := &AuthContext{UserID: userID, Method: method}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), ac)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusUnauthorized, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
