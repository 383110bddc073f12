package routeshare

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/ride-convoy/internal/models"
	"github.com/example/ride-convoy/internal/observability"
	"github.com/example/ride-convoy/internal/retry"
	"github.com/example/ride-convoy/internal/routing"
)

// Follower computes and holds one member's route to the shared destination.
// Computation runs off the event path under the retry policy; exhaustion
// leaves any previously displayed route untouched and surfaces a
// manual-retry affordance instead of a partial route.
type Follower struct {
	userID  string
	routing routing.Client
	retry   retry.Policy
	origin  func() (models.Coord, bool) // member's current position
	logger  *slog.Logger

	// OnRoute receives each successfully computed route; OnCleared fires on
	// cancellation; OnExhausted signals that automatic attempts stopped.
	OnRoute     func(userID string, route *models.Route)
	OnCleared   func(userID string)
	OnExhausted func(userID string, err error)

	mu        sync.Mutex
	parent    context.Context
	cancel    context.CancelFunc // in-flight computation for the current destination
	gen       uint64             // guards late results after cancel/replace
	dest      *models.SharedDestination
	route     *models.Route
	exhausted bool
}

func NewFollower(parent context.Context, userID string, rc routing.Client, policy retry.Policy, origin func() (models.Coord, bool), logger *slog.Logger) *Follower {
	if logger == nil {
		logger = slog.Default()
	}
	return &Follower{
		userID:  userID,
		routing: rc,
		retry:   policy,
		origin:  origin,
		logger:  logger,
		parent:  parent,
	}
}

// OnDestination reacts to a destination feed event. A nil destination is a
// cancellation: the displayed route clears and in-flight backoff timers die.
func (f *Follower) OnDestination(d *models.SharedDestination) {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.gen++
	if d == nil {
		f.dest = nil
		f.route = nil
		f.exhausted = false
		cleared := f.OnCleared
		f.mu.Unlock()
		if cleared != nil {
			cleared(f.userID)
		}
		return
	}
	f.dest = d
	f.exhausted = false
	gen := f.gen
	ctx, cancel := context.WithCancel(f.parent)
	f.cancel = cancel
	f.mu.Unlock()

	go f.compute(ctx, gen, d.Dest)
}

// RetryNow is the manual-retry affordance surfaced after exhaustion.
func (f *Follower) RetryNow() {
	f.mu.Lock()
	d := f.dest
	if d == nil || !f.exhausted {
		f.mu.Unlock()
		return
	}
	f.exhausted = false
	f.gen++
	gen := f.gen
	ctx, cancel := context.WithCancel(f.parent)
	f.cancel = cancel
	f.mu.Unlock()

	go f.compute(ctx, gen, d.Dest)
}

func (f *Follower) compute(ctx context.Context, gen uint64, dest models.Coord) {
	origin, ok := f.origin()
	if !ok {
		// no position yet; first sample will not retrigger automatically,
		// the member retries manually once tracking starts
		f.finishExhausted(gen, models.ErrNotFound)
		return
	}
	var route *models.Route
	err := f.retry.Do(ctx, func(ctx context.Context) error {
		r, err := f.routing.ComputeRoute(ctx, origin, dest)
		if err != nil {
			return err
		}
		route = r
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return // cancelled; never a user-visible error
		}
		f.logger.Warn("route computation exhausted", "user", f.userID, "error", err)
		observability.RouteExhaustedTotal.Inc()
		f.finishExhausted(gen, err)
		return
	}
	observability.RouteComputationsTotal.Inc()

	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return // superseded while computing
	}
	f.route = route
	onRoute := f.OnRoute
	f.mu.Unlock()
	if onRoute != nil {
		onRoute(f.userID, route)
	}
}

func (f *Follower) finishExhausted(gen uint64, err error) {
	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return
	}
	f.exhausted = true
	onExhausted := f.OnExhausted
	f.mu.Unlock()
	if onExhausted != nil {
		onExhausted(f.userID, err)
	}
}

// Route returns the currently displayed route, if any.
func (f *Follower) Route() (*models.Route, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.route, f.route != nil
}

// Exhausted reports whether automatic attempts have stopped for the current
// destination.
func (f *Follower) Exhausted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exhausted
}

// Close cancels any in-flight computation; late results are discarded.
func (f *Follower) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.gen++
}
