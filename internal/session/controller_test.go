package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-convoy/internal/feed"
	"github.com/example/ride-convoy/internal/geo"
	"github.com/example/ride-convoy/internal/logging"
	"github.com/example/ride-convoy/internal/models"
	"github.com/example/ride-convoy/internal/retry"
	"github.com/example/ride-convoy/internal/roster"
	"github.com/example/ride-convoy/internal/storage"
)

type fakeRouting struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeRouting) ComputeRoute(ctx context.Context, origin, dest models.Coord) (*models.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.Route{
		Origin:      origin,
		Destination: dest,
		Steps: []models.NavigationStep{{
			StartLoc:        origin,
			EndLoc:          dest,
			InstructionText: "Head to destination",
		}},
		PolylinePoints: []models.Coord{origin, dest},
		DistanceMeters: 1000,
	}, nil
}

func (f *fakeRouting) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeImages struct{}

func (fakeImages) Fetch(ctx context.Context, url string) ([]byte, error) {
	return []byte("png"), nil
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
}

func newTestController(t *testing.T) (*Controller, *roster.Coordinator, *storage.MemoryStore, *feed.MemoryFeed, *fakeRouting) {
	t.Helper()
	store := storage.NewMemoryStore()
	f := feed.NewMemoryFeed()
	logger := logging.NewNopLogger()
	rc := roster.NewCoordinator(store, f, logger)
	rc.RegisterSession("s1", "leader")
	routing := &fakeRouting{}
	c := NewController(Config{
		SessionID:   "s1",
		LeaderID:    "leader",
		Roster:      rc,
		DestStore:   store,
		Feed:        f,
		Subscriber:  f,
		Routing:     routing,
		ImageSource: fakeImages{},
		Geo:         geo.NewMemoryIndex(),
		Retry:       fastPolicy(),
		Logger:      logger,
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Close)
	return c, rc, store, f, routing
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func join(t *testing.T, rc *roster.Coordinator, userID string) *models.Participant {
	t.Helper()
	p, err := rc.RequestJoin(context.Background(), "s1", userID, userID, "")
	if err != nil {
		t.Fatalf("RequestJoin(%s): %v", userID, err)
	}
	return p
}

func approve(t *testing.T, rc *roster.Coordinator, p *models.Participant) {
	t.Helper()
	if err := rc.Approve(context.Background(), p.ID, "leader"); err != nil {
		t.Fatalf("Approve(%s): %v", p.UserID, err)
	}
	if err := rc.SetTrackingActive(context.Background(), "s1", p.UserID, true); err != nil {
		t.Fatalf("SetTrackingActive(%s): %v", p.UserID, err)
	}
}

func publishLocation(t *testing.T, f *feed.MemoryFeed, userID string, lat, lon float64) {
	t.Helper()
	err := f.Publish(context.Background(), feed.Event{
		Kind:      feed.KindLocation,
		SessionID: "s1",
		Location: &models.LocationSample{
			SessionID:  "s1",
			UserID:     userID,
			Loc:        models.Coord{Lat: lat, Lon: lon},
			ObservedAt: time.Now(),
		},
	})
	if err != nil {
		t.Fatalf("Publish location: %v", err)
	}
}

func TestRosterEventAddsFollower(t *testing.T) {
	c, rc, _, _, _ := newTestController(t)

	p := join(t, rc, "alice")
	approve(t, rc, p)

	waitFor(t, "follower for alice", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.followers["alice"]
		return ok
	})
}

func TestLocationEventRendersMarker(t *testing.T) {
	c, rc, _, f, _ := newTestController(t)

	p := join(t, rc, "alice")
	approve(t, rc, p)
	waitFor(t, "alice in roster", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.followers["alice"]
		return ok
	})

	publishLocation(t, f, "alice", 37.0, -122.0)

	waitFor(t, "alice marker", func() bool {
		for _, m := range c.Hub.Snapshot() {
			if m.UserID == "alice" {
				return true
			}
		}
		return false
	})
}

func TestDestinationEventComputesRoutes(t *testing.T) {
	c, rc, _, f, routing := newTestController(t)

	p := join(t, rc, "alice")
	approve(t, rc, p)
	publishLocation(t, f, "alice", 37.0, -122.0)
	waitFor(t, "alice location", func() bool {
		_, ok := c.Hub.Location("alice")
		return ok
	})

	if err := c.RouteShare.ShareDestination(context.Background(), models.Coord{Lat: 37.5, Lon: -122.5}, "Vista Point", "leader"); err != nil {
		t.Fatalf("ShareDestination: %v", err)
	}

	waitFor(t, "destination marker", func() bool {
		for _, m := range c.Hub.Snapshot() {
			if m.Key == "dest" {
				return true
			}
		}
		return false
	})
	waitFor(t, "alice route", func() bool {
		c.mu.Lock()
		fl := c.followers["alice"]
		c.mu.Unlock()
		if fl == nil {
			return false
		}
		_, ok := fl.Route()
		return ok
	})
	if routing.callCount() == 0 {
		t.Fatal("expected at least one route computation")
	}
}

func TestCancelDestinationClearsMarkerAndRoutes(t *testing.T) {
	c, rc, _, f, _ := newTestController(t)

	p := join(t, rc, "alice")
	approve(t, rc, p)
	publishLocation(t, f, "alice", 37.0, -122.0)
	waitFor(t, "alice location", func() bool {
		_, ok := c.Hub.Location("alice")
		return ok
	})
	if err := c.RouteShare.ShareDestination(context.Background(), models.Coord{Lat: 37.5, Lon: -122.5}, "Vista Point", "leader"); err != nil {
		t.Fatalf("ShareDestination: %v", err)
	}
	waitFor(t, "alice route", func() bool {
		c.mu.Lock()
		fl := c.followers["alice"]
		c.mu.Unlock()
		if fl == nil {
			return false
		}
		_, ok := fl.Route()
		return ok
	})

	if err := c.RouteShare.CancelDestination(context.Background(), "leader"); err != nil {
		t.Fatalf("CancelDestination: %v", err)
	}

	waitFor(t, "destination marker removed", func() bool {
		for _, m := range c.Hub.Snapshot() {
			if m.Key == "dest" {
				return false
			}
		}
		return true
	})
	waitFor(t, "alice route cleared", func() bool {
		c.mu.Lock()
		fl := c.followers["alice"]
		c.mu.Unlock()
		if fl == nil {
			return true
		}
		_, ok := fl.Route()
		return !ok
	})
}

func TestLateJoinerRetriesIntoActiveDestination(t *testing.T) {
	c, rc, _, f, _ := newTestController(t)

	if err := c.RouteShare.ShareDestination(context.Background(), models.Coord{Lat: 37.5, Lon: -122.5}, "Vista Point", "leader"); err != nil {
		t.Fatalf("ShareDestination: %v", err)
	}
	waitFor(t, "destination applied", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.dest != nil
	})

	// bob joins after the share; his first compute runs before any sample
	// lands so it exhausts, and the manual retry picks it up
	p := join(t, rc, "bob")
	approve(t, rc, p)
	waitFor(t, "bob exhausted without a position", func() bool {
		c.mu.Lock()
		fl := c.followers["bob"]
		c.mu.Unlock()
		return fl != nil && fl.Exhausted()
	})

	publishLocation(t, f, "bob", 37.1, -122.1)
	waitFor(t, "bob location", func() bool {
		_, ok := c.Hub.Location("bob")
		return ok
	})
	c.RetryRoute("bob")

	waitFor(t, "bob route", func() bool {
		c.mu.Lock()
		fl := c.followers["bob"]
		c.mu.Unlock()
		if fl == nil {
			return false
		}
		_, ok := fl.Route()
		return ok
	})
}

func TestLeaveRemovesFollower(t *testing.T) {
	c, rc, _, _, _ := newTestController(t)

	p := join(t, rc, "alice")
	approve(t, rc, p)
	waitFor(t, "follower for alice", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.followers["alice"]
		return ok
	})

	if err := rc.Leave(context.Background(), "s1", "alice"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	waitFor(t, "follower gone", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.followers["alice"]
		return !ok
	})
}

func TestLeavePurgesGeoIndex(t *testing.T) {
	c, rc, _, f, _ := newTestController(t)

	p := join(t, rc, "alice")
	approve(t, rc, p)
	publishLocation(t, f, "alice", 37.0, -122.0)
	waitFor(t, "alice indexed", func() bool {
		for _, s := range c.geo.Snapshot("s1") {
			if s.UserID == "alice" {
				return true
			}
		}
		return false
	})

	if err := rc.Leave(context.Background(), "s1", "alice"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	waitFor(t, "alice removed from index", func() bool {
		for _, s := range c.geo.Snapshot("s1") {
			if s.UserID == "alice" {
				return false
			}
		}
		return true
	})
}

func TestPauseToggleCompetesWithSamples(t *testing.T) {
	c, rc, _, f, _ := newTestController(t)

	p := join(t, rc, "alice")
	approve(t, rc, p)
	publishLocation(t, f, "alice", 37.0, -122.0)
	waitFor(t, "alice location", func() bool {
		_, ok := c.Hub.Location("alice")
		return ok
	})

	pausedMarker := func(want bool) bool {
		for _, m := range c.Hub.Snapshot() {
			if m.UserID == "alice" {
				return m.Paused == want
			}
		}
		return false
	}

	c.SetPaused("alice", true)
	if !pausedMarker(true) {
		t.Fatal("explicit pause toggle not rendered")
	}

	// a sample arriving after the toggle owns the flag again
	publishLocation(t, f, "alice", 37.1, -122.1)
	waitFor(t, "later sample to win the paused flag", func() bool {
		return pausedMarker(false)
	})
}

func TestStartNavigationRequiresRoute(t *testing.T) {
	c, rc, _, _, _ := newTestController(t)

	p := join(t, rc, "alice")
	approve(t, rc, p)
	waitFor(t, "follower for alice", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.followers["alice"]
		return ok
	})

	if _, err := c.StartNavigation("alice"); err == nil {
		t.Fatal("expected error starting navigation with no computed route")
	}
	if _, err := c.StartNavigation("nobody"); err == nil {
		t.Fatal("expected error for unknown member")
	}
}

func TestStartNavigationWithRoute(t *testing.T) {
	c, rc, _, f, _ := newTestController(t)

	p := join(t, rc, "alice")
	approve(t, rc, p)
	publishLocation(t, f, "alice", 37.0, -122.0)
	waitFor(t, "alice location", func() bool {
		_, ok := c.Hub.Location("alice")
		return ok
	})
	if err := c.RouteShare.ShareDestination(context.Background(), models.Coord{Lat: 37.5, Lon: -122.5}, "Vista Point", "leader"); err != nil {
		t.Fatalf("ShareDestination: %v", err)
	}
	waitFor(t, "alice route", func() bool {
		c.mu.Lock()
		fl := c.followers["alice"]
		c.mu.Unlock()
		if fl == nil {
			return false
		}
		_, ok := fl.Route()
		return ok
	})

	m, err := c.StartNavigation("alice")
	if err != nil {
		t.Fatalf("StartNavigation: %v", err)
	}
	if m == nil {
		t.Fatal("expected a machine")
	}
	c.StopNavigation("alice")
	c.mu.Lock()
	_, ok := c.machines["alice"]
	c.mu.Unlock()
	if ok {
		t.Fatal("machine should be removed after StopNavigation")
	}
}

func TestCloseStopsEventLoop(t *testing.T) {
	c, rc, _, f, _ := newTestController(t)

	p := join(t, rc, "alice")
	approve(t, rc, p)
	c.Close()

	// events published after Close must not land in the hub
	publishLocation(t, f, "alice", 37.0, -122.0)
	time.Sleep(50 * time.Millisecond)
	if _, ok := c.Hub.Location("alice"); ok {
		t.Fatal("location applied after Close")
	}
}
