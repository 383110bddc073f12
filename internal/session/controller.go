package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-convoy/internal/announce"
	"github.com/example/ride-convoy/internal/dispatch"
	"github.com/example/ride-convoy/internal/feed"
	"github.com/example/ride-convoy/internal/geo"
	"github.com/example/ride-convoy/internal/hub"
	"github.com/example/ride-convoy/internal/marker"
	"github.com/example/ride-convoy/internal/models"
	"github.com/example/ride-convoy/internal/nav"
	"github.com/example/ride-convoy/internal/observability"
	"github.com/example/ride-convoy/internal/retry"
	"github.com/example/ride-convoy/internal/roster"
	"github.com/example/ride-convoy/internal/routeshare"
	"github.com/example/ride-convoy/internal/routing"
	"github.com/example/ride-convoy/internal/storage"
)

const destMarkerKey = "dest"

// Controller is the single reactive task for one live session. It drains the
// session's change-feeds in receipt order and applies them to the hub, the
// marker cache it owns, the route-share followers and any navigation
// machines. Slow work (route computation, icon construction) runs off the
// event path so a stalled network call never delays the next event.
//
// The marker cache is created with the controller and dies with it; nothing
// here outlives the session.
type Controller struct {
	SessionID string
	LeaderID  string

	Roster     *roster.Coordinator
	RouteShare *routeshare.Coordinator
	Hub        *hub.Hub
	Cache      *marker.Cache

	routing    routing.Client
	subscriber feed.Subscriber
	registry   *dispatch.WSRegistry
	geo        geo.Index
	policy     retry.Policy
	sweepEvery time.Duration
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	followers map[string]*routeshare.Follower
	machines  map[string]*nav.Machine
	known     map[string]struct{}
	dest      *models.SharedDestination
}

type Config struct {
	SessionID   string
	LeaderID    string
	Roster      *roster.Coordinator
	DestStore   storage.DestinationStore
	Feed        feed.Publisher
	Subscriber  feed.Subscriber
	Routing     routing.Client
	ImageSource marker.ImageSource
	Registry    *dispatch.WSRegistry
	Geo         geo.Index
	Retry       retry.Policy
	CacheOpts   marker.Options
	SweepEvery  time.Duration
	Logger      *slog.Logger
}

func NewController(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default()
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 5 * time.Minute
	}
	if cfg.CacheOpts.Logger == nil {
		cfg.CacheOpts.Logger = cfg.Logger
	}
	c := &Controller{
		SessionID:  cfg.SessionID,
		LeaderID:   cfg.LeaderID,
		Roster:     cfg.Roster,
		RouteShare: routeshare.NewCoordinator(cfg.SessionID, cfg.LeaderID, cfg.DestStore, cfg.Feed, cfg.Logger),
		Hub:        hub.New(),
		Cache:      marker.NewCache(cfg.ImageSource, cfg.CacheOpts),
		routing:    cfg.Routing,
		subscriber: cfg.Subscriber,
		registry:   cfg.Registry,
		geo:        cfg.Geo,
		policy:     cfg.Retry,
		sweepEvery: cfg.SweepEvery,
		logger:     cfg.Logger,
		done:       make(chan struct{}),
		followers:  make(map[string]*routeshare.Follower),
		machines:   make(map[string]*nav.Machine),
		known:      make(map[string]struct{}),
	}
	c.Hub.OnChange(c.broadcastMarkers)
	return c
}

// Start subscribes to the session feeds, loads the initial roster and runs
// the event loop until ctx is cancelled or Close is called.
func (c *Controller) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	sub, err := c.subscriber.Subscribe(c.ctx, c.SessionID)
	if err != nil {
		c.cancel()
		return err
	}

	c.Cache.StartSweeper(c.ctx, c.sweepEvery)
	observability.SessionsActive.Inc()

	// initial roster load flips the hub's readiness gate; samples that beat
	// it are buffered inside the hub, not lost
	if list, err := c.Roster.Roster(c.ctx, c.SessionID); err == nil {
		c.applyRoster(list)
	} else {
		c.logger.Warn("initial roster load failed", "session", c.SessionID, "error", err)
	}

	// seed the hub from the index so a restarted server renders members
	// before their next sample arrives
	if c.geo != nil {
		for _, s := range c.geo.Snapshot(c.SessionID) {
			c.Hub.ApplyLocation(s)
		}
	}

	go c.run(sub)
	return nil
}

func (c *Controller) run(sub feed.Subscription) {
	defer close(c.done)
	defer sub.Close()
	defer observability.SessionsActive.Dec()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			c.apply(ev)
		}
	}
}

// apply dispatches one feed event. The Kind set is closed; anything else is
// a wire bug worth logging, never a crash.
func (c *Controller) apply(ev feed.Event) {
	switch ev.Kind {
	case feed.KindRoster:
		c.applyRoster(ev.Roster)
	case feed.KindLocation:
		if ev.Location != nil {
			c.applyLocation(*ev.Location)
		}
	case feed.KindDestination:
		c.applyDestination(ev.Destination)
	default:
		c.logger.Warn("unknown feed event kind", "kind", ev.Kind, "session", c.SessionID)
	}
}

func (c *Controller) applyRoster(list []*models.Participant) {
	c.Hub.ApplyRoster(list)

	active := make(map[string]*models.Participant)
	present := make(map[string]struct{}, len(list))
	for _, p := range list {
		present[p.UserID] = struct{}{}
		if p.ApprovalState == models.ApprovalApproved && p.TrackingActive {
			active[p.UserID] = p
		}
	}

	c.mu.Lock()
	var departed []string
	for userID := range c.known {
		if _, ok := present[userID]; !ok {
			departed = append(departed, userID)
		}
	}
	c.known = present
	dest := c.dest
	// followers for users who left or lost approval die with their timers
	for userID, f := range c.followers {
		if _, ok := active[userID]; !ok {
			f.Close()
			delete(c.followers, userID)
		}
	}
	var added []*routeshare.Follower
	for userID := range active {
		if _, ok := c.followers[userID]; ok {
			continue
		}
		f := c.newFollowerLocked(userID)
		c.followers[userID] = f
		added = append(added, f)
	}
	for userID, m := range c.machines {
		if _, ok := active[userID]; !ok {
			m.Stop()
			delete(c.machines, userID)
		}
	}
	c.mu.Unlock()

	// members gone from the roster entirely also leave the geo index, so
	// a controller restart does not resurrect their last position
	if c.geo != nil {
		for _, userID := range departed {
			c.geo.Remove(c.SessionID, userID)
		}
	}

	// joining an active shared destination triggers this member's own
	// route computation
	if dest != nil {
		for _, f := range added {
			f.OnDestination(dest)
		}
	}

	// icon pregeneration is expensive; keep it off the event path
	parts := make([]*models.Participant, 0, len(active))
	for _, p := range active {
		parts = append(parts, p)
	}
	go c.Cache.Pregenerate(c.ctx, parts)
}

func (c *Controller) applyLocation(s models.LocationSample) {
	c.Hub.ApplyLocation(s)
	if c.geo != nil {
		c.geo.Upsert(s)
	}
	c.mu.Lock()
	m := c.machines[s.UserID]
	c.mu.Unlock()
	if m != nil {
		m.HandlePosition(s.Loc)
	}
}

func (c *Controller) applyDestination(d *models.SharedDestination) {
	c.mu.Lock()
	c.dest = d
	followers := make([]*routeshare.Follower, 0, len(c.followers))
	for _, f := range c.followers {
		followers = append(followers, f)
	}
	var machines []*nav.Machine
	if d == nil {
		for userID, m := range c.machines {
			machines = append(machines, m)
			delete(c.machines, userID)
		}
	}
	c.mu.Unlock()

	if d == nil {
		// cancellation clears the pin, every member's route and any voice
		// session derived from it within this reconciliation pass
		c.Hub.RemoveExternalMarker(destMarkerKey)
		for _, m := range machines {
			m.Stop()
		}
	} else {
		c.Hub.SetExternalMarker(models.Marker{
			Key:         destMarkerKey,
			DisplayName: d.DestName,
			Loc:         d.Dest,
		})
	}
	for _, f := range followers {
		f.OnDestination(d)
	}
}

func (c *Controller) newFollowerLocked(userID string) *routeshare.Follower {
	origin := func() (models.Coord, bool) {
		s, ok := c.Hub.Location(userID)
		return s.Loc, ok
	}
	f := routeshare.NewFollower(c.ctx, userID, c.routing, c.policy, origin, c.logger)
	f.OnRoute = func(userID string, route *models.Route) {
		if c.registry != nil {
			_ = c.registry.SendTo(c.SessionID, userID, dispatch.Frame{Type: "route", Route: route})
		}
	}
	f.OnCleared = func(userID string) {
		if c.registry != nil {
			_ = c.registry.SendTo(c.SessionID, userID, dispatch.Frame{Type: "route"})
		}
	}
	f.OnExhausted = func(userID string, err error) {
		c.logger.Warn("route share exhausted", "session", c.SessionID, "user", userID, "error", err)
	}
	return f
}

// SetPaused records an explicit pause toggle for the member. It competes
// with the paused flag carried on location samples under the hub's sequence
// stamps, so whichever write lands later owns the flag.
func (c *Controller) SetPaused(userID string, paused bool) {
	c.Hub.SetPaused(userID, paused)
}

// RetryRoute is the manual-retry affordance for one member's exhausted
// route computation.
func (c *Controller) RetryRoute(userID string) {
	c.mu.Lock()
	f := c.followers[userID]
	c.mu.Unlock()
	if f != nil {
		f.RetryNow()
	}
}

// StartNavigation builds a navigation machine for the member on the route
// its follower computed for the shared destination.
func (c *Controller) StartNavigation(userID string) (*nav.Machine, error) {
	c.mu.Lock()
	f := c.followers[userID]
	c.mu.Unlock()
	if f == nil {
		return nil, models.ErrNotFound
	}
	route, ok := f.Route()
	if !ok {
		return nil, models.ErrNotFound
	}

	var sink announce.Sink = announce.Nop{}
	if c.registry != nil {
		sink = &dispatch.WSAnnouncer{Registry: c.registry, SessionID: c.SessionID, UserID: userID}
	}
	m := nav.NewMachine(nav.Config{
		SessionID: c.SessionID,
		UserID:    userID,
		Routing:   c.routing,
		Retry:     c.policy,
		Sink:      sink,
		Logger:    c.logger,
	})
	if err := m.StartWithRoute(c.ctx, route); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if old := c.machines[userID]; old != nil {
		old.Stop()
	}
	c.machines[userID] = m
	c.mu.Unlock()
	return m, nil
}

// Machine returns the member's running navigation machine, if any.
func (c *Controller) Machine(userID string) (*nav.Machine, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.machines[userID]
	return m, ok
}

// StopNavigation tears down the member's machine; stopping is never an
// error, a missing machine is a no-op.
func (c *Controller) StopNavigation(userID string) {
	c.mu.Lock()
	m := c.machines[userID]
	delete(c.machines, userID)
	c.mu.Unlock()
	if m != nil {
		m.Stop()
	}
}

func (c *Controller) broadcastMarkers() {
	if c.registry == nil {
		return
	}
	c.registry.Broadcast(c.SessionID, dispatch.Frame{Type: "markers", Markers: c.Hub.Snapshot()})
}

// Close tears the session down: the feed subscription, every follower's
// backoff timers, every navigation machine and the cache sweeper all stop.
func (c *Controller) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	followers := c.followers
	machines := c.machines
	c.followers = make(map[string]*routeshare.Follower)
	c.machines = make(map[string]*nav.Machine)
	c.mu.Unlock()
	for _, f := range followers {
		f.Close()
	}
	for _, m := range machines {
		m.Stop()
	}
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
	}
}
