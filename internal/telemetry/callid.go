package telemetry

import (
	"context"

	"github.com/google/uuid"
)

// key is the context key for the call ID.
type key struct{}

// NewCallContext returns a copy of parent carrying a fresh call ID, and the
// ID itself.
func NewCallContext(parent context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(parent, key{}, id), id
}

// CallIDFromContext extracts the call ID from ctx.
func CallIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(key{}).(string)
	return id, ok
}
