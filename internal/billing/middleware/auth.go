package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/academy/internal/auth"
	"github.com/dukerupert/academy/internal/middleware"
	"github.com/dukerupert/academy/internal/supabase"
)

// RequireBearer validates the Authorization bearer token and stores the
// caller's identity in the request context. Failures are 401 JSON.
func RequireBearer(verifier supabase.TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				middleware.JSONError(w, http.StatusUnauthorized, "Missing bearer token")
				return
			}

			id, err := verifier.VerifyToken(r.Context(), token)
			if err != nil {
				if !errors.Is(err, supabase.ErrUnauthorized) {
					logger.Error("verify bearer token", "error", err)
				}
				middleware.JSONError(w, http.StatusUnauthorized, "Invalid or expired session")
				return
			}

			ctx := auth.WithIdentity(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
