package feed

import (
	"context"

	"github.com/example/ride-convoy/internal/models"
)

// Kind labels the three change-feeds a session controller drains.
type Kind string

const (
	KindRoster      Kind = "roster"
	KindLocation    Kind = "locations"
	KindDestination Kind = "destination"
)

// Event is one change-feed record. Exactly one payload field is set,
// according to Kind; a destination event with Destination == nil means the
// leader cancelled it.
type Event struct {
	Kind        Kind                      `json:"kind"`
	SessionID   string                    `json:"session_id"`
	Roster      []*models.Participant     `json:"roster,omitempty"`
	Location    *models.LocationSample    `json:"location,omitempty"`
	Destination *models.SharedDestination `json:"destination,omitempty"`
}

// Publisher pushes change-feed events toward every subscribed controller.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscription delivers events from one session's feeds in receipt order.
// Close must release the underlying stream; a closed subscription's channel
// is closed.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Subscriber opens the merged feed for one session.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string) (Subscription, error)
}
