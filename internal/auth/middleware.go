package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

type claimsKey struct{}

// ClaimsFromContext returns the claims attached by RequireRole.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// BearerToken extracts the token from an "Authorization: Bearer ..." header.
func BearerToken(r *http.Request) (string, error) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

// RequireRole wraps next so it only runs for requests carrying a valid token
// with the given role. A nil Manager disables the check.
func RequireRole(m *Manager, role string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := BearerToken(r)
		if err != nil {
			deny(w, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := m.Verify(token)
		if err != nil {
			slog.Warn("auth.RequireRole: token rejected", "path", r.URL.Path, "error", err)
			deny(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if claims.Role != role {
			slog.Warn("auth.RequireRole: insufficient role", "path", r.URL.Path, "subject", claims.Subject, "role", claims.Role)
			deny(w, http.StatusForbidden, "insufficient permissions")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func deny(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="leadpipe"`)
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": message})
}
