package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/fairyhunter13/szuru-ingest/internal/domain"
)

type userKey struct{}

// CurrentUser returns the authenticated caller, if any.
func CurrentUser(r *http.Request) (domain.User, bool) {
	u, ok := r.Context().Value(userKey{}).(domain.User)
	return u, ok
}

// ownerScope is the tenancy key passed to job operations. Admins get the
// empty scope, which the services treat as "any owner".
func ownerScope(u domain.User) string {
	if u.IsAdmin {
		return ""
	}
	return u.Name
}

// bearerToken extracts the token from an Authorization: Bearer header or,
// for EventSource clients that cannot set headers, a ?token= query param.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") || strings.HasPrefix(h, "bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// RequireAuth resolves the bearer token to a user and stores it on the
// request context. Unknown tokens get 401.
func (s *Server) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, r, fmt.Errorf("op=auth: missing bearer token: %w", domain.ErrUnauthorized), nil)
			return
		}
		u, err := s.Users.GetByAPIToken(r.Context(), token)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=auth: invalid token: %w", domain.ErrUnauthorized), nil)
			return
		}
		ctx := context.WithValue(r.Context(), userKey{}, u)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin gates settings mutation behind the admin flag.
func (s *Server) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r)
		if !ok {
			writeError(w, r, fmt.Errorf("op=auth: missing bearer token: %w", domain.ErrUnauthorized), nil)
			return
		}
		if !u.IsAdmin {
			writeError(w, r, fmt.Errorf("op=auth: admin required: %w", domain.ErrUnauthorized), nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
