package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rx3lixir/callcore/pkg/jwt"
)

type contextKey string

const claimsKey contextKey = "claims"

// AuthMiddleware validates the bearer token. Browsers cannot set headers on
// websocket upgrades, so the token may also come in the access_token query
// parameter.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.handleError(w, NewUnauthorizedError("Authentication required"))
			return
		}

		claims, err := s.tokens.ValidateToken(token)
		if err != nil {
			s.log.Debug("Rejected token", "error", err, "path", r.URL.Path)
			s.handleError(w, NewUnauthorizedError("Invalid or expired token"))
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return ""
		}
		return strings.TrimSpace(parts[1])
	}
	return r.URL.Query().Get("access_token")
}

func claimsFromContext(ctx context.Context) *jwt.Claims {
	claims, _ := ctx.Value(claimsKey).(*jwt.Claims)
	return claims
}

func userIDFromContext(ctx context.Context) uuid.UUID {
	if claims := claimsFromContext(ctx); claims != nil {
		return claims.UserID
	}
	return uuid.Nil
}

// RequestLogger logs one line per request.
func (s *Server) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.log.Debug("Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
