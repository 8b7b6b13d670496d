// Package edgectx carries the id of the edge whose uplink is being processed,
// so changes it causes are not sent back to it.
package edgectx

import (
	"context"

	"github.com/google/uuid"
)

type edgeKey struct{}

// With returns a context marked as processing an uplink from edgeID.
func With(ctx context.Context, edgeID uuid.UUID) context.Context {
	return context.WithValue(ctx, edgeKey{}, edgeID)
}

// EdgeID returns the source edge, if ctx was derived from With.
func EdgeID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(edgeKey{}).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}
