package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/KlarePipe/internal/models"
	"github.com/BTreeMap/KlarePipe/internal/users"
)

type claimsContextKey struct{}

// ClaimsFromContext returns the verified token claims, or nil.
func ClaimsFromContext(ctx context.Context) *users.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(*users.Claims)
	return claims
}

// requireAuth rejects requests without a valid bearer token.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Missing bearer token"))
			return
		}

		claims, err := s.tokens.Verify(strings.TrimSpace(token))
		if err != nil {
			msg := "Invalid token"
			if errors.Is(err, users.ErrExpiredToken) {
				msg = "Token expired"
			}
			slog.Debug("Server.requireAuth: token rejected", "error", err, "path", r.URL.Path)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error(msg))
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
