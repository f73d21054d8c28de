package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ech0r/blend/internal/domain"
)

type authContextKey string

const contextKeyUser authContextKey = "blend-user"

// requireAuth ensures the request has a valid bearer token before invoking
// the handler, and places the acting user in the context.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		user, err := r.auth.Authenticate(req.Context(), token)
		if err != nil {
			r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyUser, *user)
		next(w, req.WithContext(ctx))
	}
}

// userFromContext extracts the acting user from the request context.
func userFromContext(ctx context.Context) (domain.User, bool) {
	value := ctx.Value(contextKeyUser)
	if value == nil {
		return domain.User{}, false
	}
	user, ok := value.(domain.User)
	return user, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
