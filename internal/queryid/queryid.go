// Package queryid carries the id of the running query through a context.
package queryid

import (
	"context"

	"github.com/google/uuid"
)

type key struct{}

// NewContext returns a copy of parent carrying a fresh query id, and the id.
func NewContext(parent context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(parent, key{}, id), id
}

// WithID stores a known id, e.g. one received from a remote coordinator.
func WithID(parent context.Context, id string) context.Context {
	return context.WithValue(parent, key{}, id)
}

func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(key{}).(string)
	return id, ok
}
