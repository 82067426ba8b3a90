package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/belediye/bts/internal/models"
)

const CookieName = "access_token"

type ctxKey struct{}

func WithCaller(ctx context.Context, c models.Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// CallerFromContext returns the zero Caller when the request is anonymous.
func CallerFromContext(ctx context.Context) models.Caller {
	c, _ := ctx.Value(ctxKey{}).(models.Caller)
	return c
}

// Identify reads the token from "Authorization: Bearer" or the access_token
// cookie.
func (m *Manager) Identify(r *http.Request) (models.Caller, error) {
	token := ""
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			token = strings.TrimSpace(h[len(prefix):])
		}
	}
	if token == "" {
		if c, err := r.Cookie(CookieName); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		return models.Caller{}, models.ErrUnauthorized
	}
	return m.Validate(token)
}

// Attach puts the caller into the request context when a valid token is
// present. Anonymous requests pass through unchanged.
func (m *Manager) Attach(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := m.Identify(r); err == nil {
			r = r.WithContext(WithCaller(r.Context(), c))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireCaller rejects anonymous requests with 401. Use after Attach.
func RequireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !CallerFromContext(r.Context()).Authenticated() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
