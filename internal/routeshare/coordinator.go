package routeshare

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-convoy/internal/feed"
	"github.com/example/ride-convoy/internal/models"
	"github.com/example/ride-convoy/internal/storage"
)

// Coordinator owns the leader side of destination sharing: persisting the
// single shared destination and broadcasting it (or its cancellation) on the
// session's destination feed. Route computation is per member and lives in
// Follower.
type Coordinator struct {
	sessionID string
	leaderID  string
	store     storage.DestinationStore
	feed      feed.Publisher
	logger    *slog.Logger
}

func NewCoordinator(sessionID, leaderID string, store storage.DestinationStore, pub feed.Publisher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{sessionID: sessionID, leaderID: leaderID, store: store, feed: pub, logger: logger}
}

// ShareDestination publishes a destination to the session. Leader only.
func (c *Coordinator) ShareDestination(ctx context.Context, dest models.Coord, destName, actorID string) error {
	if actorID != c.leaderID {
		return models.ErrPermissionDenied
	}
	d := &models.SharedDestination{
		SessionID: c.sessionID,
		Dest:      dest,
		DestName:  destName,
		SharedBy:  actorID,
		SharedAt:  time.Now(),
	}
	if err := c.store.UpsertDestination(ctx, d); err != nil {
		return err
	}
	return c.feed.Publish(ctx, feed.Event{Kind: feed.KindDestination, SessionID: c.sessionID, Destination: d})
}

// CancelDestination withdraws the active destination. Leader only. The feed
// event carries a nil destination, which followers treat as "clear".
func (c *Coordinator) CancelDestination(ctx context.Context, actorID string) error {
	if actorID != c.leaderID {
		return models.ErrPermissionDenied
	}
	if err := c.store.DeleteDestination(ctx, c.sessionID); err != nil {
		return err
	}
	return c.feed.Publish(ctx, feed.Event{Kind: feed.KindDestination, SessionID: c.sessionID, Destination: nil})
}
