package roster

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-convoy/internal/feed"
	"github.com/example/ride-convoy/internal/models"
	"github.com/example/ride-convoy/internal/observability"
	"github.com/example/ride-convoy/internal/storage"
)

// Coordinator owns the participant approval state machine for live sessions.
// The store is authoritative; the local view is read-through, so a state is
// never reported Approved before the backing write succeeds. Every accepted
// mutation republishes the session roster on the feed.
type Coordinator struct {
	store  storage.ParticipantStore
	feed   feed.Publisher
	logger *slog.Logger

	mu      sync.RWMutex
	leaders map[string]string // sessionID → leader userID
}

func NewCoordinator(store storage.ParticipantStore, pub feed.Publisher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: store, feed: pub, logger: logger, leaders: make(map[string]string)}
}

// RegisterSession records the session leader. The leader's own join request
// is auto-approved; everyone else starts Pending.
func (c *Coordinator) RegisterSession(sessionID, leaderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaders[sessionID] = leaderID
}

// Leader returns the session leader's user ID.
func (c *Coordinator) Leader(sessionID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.leaders[sessionID]
	return id, ok
}

// RequestJoin is idempotent: an existing record of any state is left alone.
func (c *Coordinator) RequestJoin(ctx context.Context, sessionID, userID, displayName, photoURL string) (*models.Participant, error) {
	if existing, err := c.store.GetParticipant(ctx, sessionID, userID); err == nil {
		return existing, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	p := &models.Participant{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		UserID:        userID,
		DisplayName:   displayName,
		PhotoURL:      photoURL,
		ApprovalState: models.ApprovalPending,
		RequestedAt:   now,
	}
	if leader, ok := c.Leader(sessionID); ok && leader == userID {
		p.ApprovalState = models.ApprovalApproved
		p.TrackingActive = true
		p.ApprovedAt = &now
		p.ApprovedBy = userID
	}
	if err := c.store.InsertParticipant(ctx, p); err != nil {
		return nil, err
	}
	observability.JoinRequestsTotal.Inc()
	c.publishRoster(ctx, sessionID)
	return p, nil
}

// Approve moves a Pending record to Approved. Only the session leader may
// decide; a terminal record returns ErrAlreadyDecided.
func (c *Coordinator) Approve(ctx context.Context, participantID, actorID string) error {
	return c.decide(ctx, participantID, actorID, models.ApprovalApproved)
}

// Reject moves a Pending record to Rejected under the same rules as Approve.
func (c *Coordinator) Reject(ctx context.Context, participantID, actorID string) error {
	return c.decide(ctx, participantID, actorID, models.ApprovalRejected)
}

func (c *Coordinator) decide(ctx context.Context, participantID, actorID string, state models.ApprovalState) error {
	p, err := c.store.GetParticipantByID(ctx, participantID)
	if err != nil {
		return err
	}
	if leader, ok := c.Leader(p.SessionID); !ok || leader != actorID {
		return models.ErrPermissionDenied
	}
	if p.ApprovalState.Terminal() {
		return models.ErrAlreadyDecided
	}

	now := time.Now()
	p.ApprovalState = state
	p.ApprovedAt = &now
	p.ApprovedBy = actorID
	if err := c.store.UpdateApprovalState(ctx, p); err != nil {
		return err
	}
	if state == models.ApprovalApproved {
		observability.ApprovalsTotal.Inc()
	} else {
		observability.RejectionsTotal.Inc()
	}
	c.logger.Info("participant decided", "session", p.SessionID, "user", p.UserID, "state", state)
	c.publishRoster(ctx, p.SessionID)
	return nil
}

// Leave removes the record entirely; a later RequestJoin starts Pending again.
func (c *Coordinator) Leave(ctx context.Context, sessionID, userID string) error {
	if err := c.store.DeleteParticipant(ctx, sessionID, userID); err != nil {
		return err
	}
	c.publishRoster(ctx, sessionID)
	return nil
}

// SetTrackingActive toggles the tracking flag independent of approval.
func (c *Coordinator) SetTrackingActive(ctx context.Context, sessionID, userID string, active bool) error {
	if err := c.store.UpdateTracking(ctx, sessionID, userID, active); err != nil {
		return err
	}
	c.publishRoster(ctx, sessionID)
	return nil
}

// Roster lists the current participant set from the store.
func (c *Coordinator) Roster(ctx context.Context, sessionID string) ([]*models.Participant, error) {
	return c.store.ListParticipants(ctx, sessionID)
}

func (c *Coordinator) publishRoster(ctx context.Context, sessionID string) {
	if c.feed == nil {
		return
	}
	list, err := c.store.ListParticipants(ctx, sessionID)
	if err != nil {
		c.logger.Warn("roster: list after mutation failed", "session", sessionID, "error", err)
		return
	}
	ev := feed.Event{Kind: feed.KindRoster, SessionID: sessionID, Roster: list}
	if err := c.feed.Publish(ctx, ev); err != nil {
		c.logger.Warn("roster: feed publish failed", "session", sessionID, "error", err)
	}
}
