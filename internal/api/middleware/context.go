package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type callerKey struct{}

// caller is the authenticated API key behind a request.
type caller struct {
	id     uuid.UUID
	prefix string
	scopes []string
}

// WithAPIKey stores the authenticated key's identity on ctx.
func WithAPIKey(ctx context.Context, id uuid.UUID, prefix string, scopes []string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller{id: id, prefix: prefix, scopes: scopes})
}

func callerOf(r *http.Request) (caller, bool) {
	c, ok := r.Context().Value(callerKey{}).(caller)
	return c, ok
}

// GetAPIKeyID returns the id of the key that authenticated r.
func GetAPIKeyID(r *http.Request) (uuid.UUID, bool) {
	c, ok := callerOf(r)
	return c.id, ok
}

func getKeyPrefix(r *http.Request) (string, bool) {
	c, ok := callerOf(r)
	return c.prefix, ok && c.prefix != ""
}

func getScopes(r *http.Request) []string {
	c, _ := callerOf(r)
	return c.scopes
}
