package routing

import (
	"context"

	"github.com/example/ride-convoy/internal/models"
)

// Client computes a turn-by-turn route between two points. Implementations
// return transient errors wrapped with models.ErrTransientNetwork so callers
// can retry.
type Client interface {
	ComputeRoute(ctx context.Context, origin, dest models.Coord) (*models.Route, error)
}
