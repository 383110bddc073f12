package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-convoy/internal/dispatch"
	"github.com/example/ride-convoy/internal/feed"
	"github.com/example/ride-convoy/internal/geo"
	"github.com/example/ride-convoy/internal/marker"
	"github.com/example/ride-convoy/internal/models"
	"github.com/example/ride-convoy/internal/retry"
	"github.com/example/ride-convoy/internal/roster"
	"github.com/example/ride-convoy/internal/routing"
	"github.com/example/ride-convoy/internal/storage"
)

// Manager owns one Controller per live session and the dependencies they
// share. Controllers outlive the request that created them, so their
// lifetime hangs off the manager's own context rather than the caller's.
type Manager struct {
	deps ManagerDeps

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Controller
}

type ManagerDeps struct {
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

func NewManager(deps ManagerDeps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{deps: deps, base: base, cancel: cancel, sessions: make(map[string]*Controller)}
}

// Create registers the session with its leader and starts its controller.
// Creating an existing session returns the running controller unchanged.
func (m *Manager) Create(ctx context.Context, sessionID, leaderID string) (*Controller, error) {
	m.mu.Lock()
	if c, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	m.deps.Roster.RegisterSession(sessionID, leaderID)
	c := NewController(Config{
		SessionID:   sessionID,
		LeaderID:    leaderID,
		Roster:      m.deps.Roster,
		DestStore:   m.deps.DestStore,
		Feed:        m.deps.Feed,
		Subscriber:  m.deps.Subscriber,
		Routing:     m.deps.Routing,
		ImageSource: m.deps.ImageSource,
		Registry:    m.deps.Registry,
		Geo:         m.deps.Geo,
		Retry:       m.deps.Retry,
		CacheOpts:   m.deps.CacheOpts,
		SweepEvery:  m.deps.SweepEvery,
		Logger:      m.deps.Logger,
	})
	if err := c.Start(m.base); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		c.Close()
		return existing, nil
	}
	m.sessions[sessionID] = c
	m.mu.Unlock()

	// the leader joins its own session immediately
	if _, err := m.deps.Roster.RequestJoin(ctx, sessionID, leaderID, leaderID, ""); err != nil {
		m.deps.Logger.Warn("leader join failed", "session", sessionID, "leader", leaderID, "error", err)
	}
	return c, nil
}

func (m *Manager) Get(sessionID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[sessionID]
	return c, ok
}

// End tears the session's controller down.
func (m *Manager) End(sessionID string) error {
	m.mu.Lock()
	c, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return models.ErrNotFound
	}
	c.Close()
	return nil
}

// Close stops every controller, used on process shutdown.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Controller)
	m.mu.Unlock()
	for _, c := range sessions {
		c.Close()
	}
}
