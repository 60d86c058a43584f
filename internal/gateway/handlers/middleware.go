package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mrmushfiq/llmgate/internal/shared/database"
	"github.com/mrmushfiq/llmgate/internal/shared/models"
)

type contextKey string

const principalKey contextKey = "principal"

// PrincipalFrom extracts the authenticated principal placed by
// AuthMiddleware.
func PrincipalFrom(ctx context.Context) (*models.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*models.Principal)
	return p, ok
}

type Middleware struct {
	db  *database.DB
	log zerolog.Logger
}

func NewMiddleware(db *database.DB, log zerolog.Logger) *Middleware {
	return &Middleware{
		db:  db,
		log: log.With().Str("component", "http").Logger(),
	}
}

// AuthMiddleware resolves the bearer key to its key principal. Policy and
// rate-limit enforcement happen later, inside admission; this only
// establishes identity.
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
			return
		}

		principal, err := m.db.GetPrincipalByKey(r.Context(), parts[1])
		if err != nil {
			http.Error(w, "invalid API key", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
