package nav

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/ride-convoy/internal/announce"
	"github.com/example/ride-convoy/internal/geo"
	"github.com/example/ride-convoy/internal/models"
	"github.com/example/ride-convoy/internal/observability"
	"github.com/example/ride-convoy/internal/retry"
	"github.com/example/ride-convoy/internal/routing"
)

// ErrAlreadyStarted rejects a second Start on the same instance: Loading is
// entered once, a fresh navigation is a fresh Machine.
var ErrAlreadyStarted = errors.New("navigation already started")

type State string

const (
	StateLoading       State = "loading"
	StateActive        State = "active"
	StatePaused        State = "paused"
	StateRecalculating State = "recalculating"
	StateArrival       State = "arrival"
	StateError         State = "error"
	StateStopped       State = "stopped"
)

const (
	// step end within this range advances to the next step
	stepAdvanceMeters = 30.0
	// off-route distance from the current step polyline that triggers a
	// recalculation; above urban GPS noise, below a city block
	defaultOffRouteMeters = 50.0
)

var proximityThresholds = [...]float64{200, 100}

// Machine drives turn-by-turn guidance for one member from its live
// position stream. Loading is entered exactly once per instance; a fresh
// navigation is a fresh Machine.
type Machine struct {
	sessionID string
	userID    string
	routing   routing.Client
	retry     retry.Policy
	sink      announce.Sink
	logger    *slog.Logger
	offRouteM float64

	mu       sync.Mutex
	state    State
	started  bool
	route    *models.Route
	stepIdx  int
	prevDist float64         // distance to the current step end at the previous update
	fired    map[float64]bool // proximity thresholds already fired for the current step
	dest     models.Coord
	lastPos  models.Coord
	progress models.NavigationProgress
	ctx      context.Context    // position subscription + recompute lifetime
	cancel   context.CancelFunc

	// OnProgress, if set, observes each progress update.
	OnProgress func(models.NavigationProgress)
	// OnState, if set, observes transitions.
	OnState func(State)
}

type Config struct {
	SessionID string
	UserID    string
	Routing   routing.Client
	Retry     retry.Policy
	Sink      announce.Sink
	Logger    *slog.Logger
	// OffRouteMeters overrides the recalculation trigger distance; <=0 keeps
	// the default 50m.
	OffRouteMeters float64
}

func NewMachine(cfg Config) *Machine {
	if cfg.Sink == nil {
		cfg.Sink = announce.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OffRouteMeters <= 0 {
		cfg.OffRouteMeters = defaultOffRouteMeters
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default()
	}
	return &Machine{
		sessionID: cfg.SessionID,
		userID:    cfg.UserID,
		routing:   cfg.Routing,
		retry:     cfg.Retry,
		sink:      cfg.Sink,
		logger:    cfg.Logger,
		offRouteM: cfg.OffRouteMeters,
		state:     StateLoading,
		fired:     make(map[float64]bool),
		prevDist:  math.Inf(1),
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start computes the initial route and enters Active. It may be called once;
// a failed computation moves Loading to Error since no prior active session
// exists to fall back to.
func (m *Machine) Start(ctx context.Context, origin, dest models.Coord) error {
	m.mu.Lock()
	if m.started || m.state != StateLoading {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.ctx = ctx
	m.dest = dest
	m.lastPos = origin
	m.mu.Unlock()

	var route *models.Route
	err := m.retry.Do(ctx, func(ctx context.Context) error {
		r, err := m.routing.ComputeRoute(ctx, origin, dest)
		if err != nil {
			return err
		}
		route = r
		return nil
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateStopped {
		return nil
	}
	if err != nil {
		m.setStateLocked(StateError)
		return err
	}
	m.installRouteLocked(route)
	m.setStateLocked(StateActive)
	if len(route.Steps) > 0 {
		s := route.Steps[0]
		m.sink.AnnounceInstruction(s.InstructionText, s.DistanceMeters)
	}
	return nil
}

// StartWithRoute enters Active on an already-computed route, e.g. one the
// route-share follower produced for the shared destination.
func (m *Machine) StartWithRoute(ctx context.Context, route *models.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.state != StateLoading {
		return ErrAlreadyStarted
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.dest = route.Destination
	m.installRouteLocked(route)
	m.setStateLocked(StateActive)
	if len(route.Steps) > 0 {
		s := route.Steps[0]
		m.sink.AnnounceInstruction(s.InstructionText, s.DistanceMeters)
	}
	return nil
}

func (m *Machine) installRouteLocked(route *models.Route) {
	m.route = route
	m.stepIdx = 0
	m.prevDist = math.Inf(1)
	m.fired = make(map[float64]bool)
}

// HandlePosition applies one position update. Outside Active it is a no-op:
// Paused freezes advancement, Recalculating waits for the recompute, and the
// terminal states ignore the stream entirely.
func (m *Machine) HandlePosition(pos models.Coord) {
	m.mu.Lock()
	if m.state != StateActive || m.route == nil || m.stepIdx >= len(m.route.Steps) {
		m.mu.Unlock()
		return
	}
	m.lastPos = pos
	step := m.route.Steps[m.stepIdx]

	// off-route check against the step polyline
	line := step.PolylinePoints
	if len(line) == 0 {
		line = []models.Coord{step.StartLoc, step.EndLoc}
	}
	if geo.DistanceToPolyline(pos, line) > m.offRouteM {
		m.setStateLocked(StateRecalculating)
		dest := m.dest
		m.mu.Unlock()
		go m.recalculate(pos, dest)
		return
	}

	d := geo.Distance(pos, step.EndLoc)
	if d < stepAdvanceMeters {
		m.stepIdx++
		m.prevDist = math.Inf(1)
		m.fired = make(map[float64]bool)
		if m.stepIdx >= len(m.route.Steps) {
			m.setStateLocked(StateArrival)
			m.updateProgressLocked(pos, 0)
			m.mu.Unlock()
			m.sink.AnnounceArrival()
			return
		}
		next := m.route.Steps[m.stepIdx]
		m.updateProgressLocked(pos, geo.Distance(pos, next.EndLoc))
		m.mu.Unlock()
		m.sink.AnnounceInstruction(next.InstructionText, next.DistanceMeters)
		return
	}

	// one-shot proximity alerts, each threshold fires once per step
	alerts := 0
	for _, t := range proximityThresholds {
		if m.prevDist >= t && d < t && !m.fired[t] {
			m.fired[t] = true
			alerts++
		}
	}
	m.prevDist = d
	m.updateProgressLocked(pos, d)
	m.mu.Unlock()
	for i := 0; i < alerts; i++ {
		m.sink.AnnounceInstruction(step.InstructionText, d)
	}
}

func (m *Machine) recalculate(pos, dest models.Coord) {
	m.mu.Lock()
	ctx := m.ctx
	if ctx == nil || m.state != StateRecalculating {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	var route *models.Route
	err := m.retry.Do(ctx, func(ctx context.Context) error {
		r, err := m.routing.ComputeRoute(ctx, pos, dest)
		if err != nil {
			return err
		}
		route = r
		return nil
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRecalculating {
		return // stopped or otherwise superseded while recomputing
	}
	if err != nil {
		// keep the prior route so the UI can still offer it as fallback
		m.logger.Warn("recalculation failed", "user", m.userID, "error", err)
		m.setStateLocked(StateError)
		return
	}
	m.installRouteLocked(route)
	m.setStateLocked(StateActive)
}

// Pause freezes step advancement and suppresses announcements.
func (m *Machine) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateActive {
		m.setStateLocked(StatePaused)
	}
}

// Resume returns to Active without losing the current step index.
func (m *Machine) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StatePaused {
		m.setStateLocked(StateActive)
	}
}

// Stop is terminal from any state. It cancels the position subscription and
// the voice session; stopping is not an error condition.
func (m *Machine) Stop() {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateStopped)
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.sink.Stop()
}

// Progress returns the latest navigation progress.
func (m *Machine) Progress() models.NavigationProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

// StepIndex returns the current step index.
func (m *Machine) StepIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stepIdx
}

func (m *Machine) updateProgressLocked(pos models.Coord, distToNext float64) {
	remaining := distToNext
	var eta float64
	if m.route != nil {
		for i := m.stepIdx + 1; i < len(m.route.Steps); i++ {
			remaining += m.route.Steps[i].DistanceMeters
		}
		if m.route.DistanceMeters > 0 {
			eta = m.route.DurationSeconds * remaining / m.route.DistanceMeters
		}
	}
	m.progress = models.NavigationProgress{
		SessionID:        m.sessionID,
		UserID:           m.userID,
		CurrentStepIndex: m.stepIdx,
		CurrentLocation:  pos,
		DistanceToNextM:  distToNext,
		ETASeconds:       eta,
		RemainingMeters:  remaining,
		UpdatedAt:        time.Now(),
	}
	if m.OnProgress != nil {
		// callback under lock would invite deadlock; copy and defer via goroutine
		p := m.progress
		cb := m.OnProgress
		go cb(p)
	}
}

func (m *Machine) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	observability.NavTransitionsTotal.WithLabelValues(string(s)).Inc()
	if m.OnState != nil {
		cb := m.OnState
		go cb(s)
	}
}
