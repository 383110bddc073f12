package routeshare

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-convoy/internal/feed"
	"github.com/example/ride-convoy/internal/models"
	"github.com/example/ride-convoy/internal/retry"
	"github.com/example/ride-convoy/internal/storage"
)

type fakeRouting struct {
	mu    sync.Mutex
	calls int
	fail  int // fail this many calls before succeeding
	stamp []time.Time
}

func (f *fakeRouting) ComputeRoute(ctx context.Context, origin, dest models.Coord) (*models.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.stamp = append(f.stamp, time.Now())
	if f.calls <= f.fail {
		return nil, errors.New("routing down")
	}
	return &models.Route{
		Origin:      origin,
		Destination: dest,
		Steps:       []models.NavigationStep{{EndLoc: dest, InstructionText: "arrive"}},
	}, nil
}

func (f *fakeRouting) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond, Multiplier: 2}
}

func origin(c models.Coord) func() (models.Coord, bool) {
	return func() (models.Coord, bool) { return c, true }
}

func dest() *models.SharedDestination {
	return &models.SharedDestination{SessionID: "s1", Dest: models.Coord{Lat: 1, Lon: 1}}
}

func TestShareDestinationLeaderOnly(t *testing.T) {
	st := storage.NewMemoryStore()
	c := NewCoordinator("s1", "leader", st, feed.NewMemoryFeed(), nil)
	ctx := context.Background()

	if err := c.ShareDestination(ctx, models.Coord{Lat: 1, Lon: 1}, "Cafe", "rider"); !errors.Is(err, models.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if err := c.ShareDestination(ctx, models.Coord{Lat: 1, Lon: 1}, "Cafe", "leader"); err != nil {
		t.Fatal(err)
	}
	if d, err := st.GetDestination(ctx, "s1"); err != nil || d.DestName != "Cafe" {
		t.Fatalf("destination not persisted: %v %v", d, err)
	}

	if err := c.CancelDestination(ctx, "rider"); !errors.Is(err, models.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if err := c.CancelDestination(ctx, "leader"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetDestination(ctx, "s1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected destination removed, got %v", err)
	}
}

func TestCancelEventCarriesNilDestination(t *testing.T) {
	st := storage.NewMemoryStore()
	f := feed.NewMemoryFeed()
	c := NewCoordinator("s1", "leader", st, f, nil)
	ctx := context.Background()
	sub, _ := f.Subscribe(ctx, "s1")
	defer sub.Close()

	_ = c.ShareDestination(ctx, models.Coord{Lat: 1, Lon: 1}, "", "leader")
	ev := <-sub.Events()
	if ev.Destination == nil {
		t.Fatal("share event missing destination")
	}
	_ = c.CancelDestination(ctx, "leader")
	ev = <-sub.Events()
	if ev.Destination != nil {
		t.Fatal("cancel event must carry nil destination")
	}
}

func TestFollowerComputesRoute(t *testing.T) {
	rc := &fakeRouting{}
	f := NewFollower(context.Background(), "u1", rc, fastPolicy(), origin(models.Coord{}), nil)
	got := make(chan *models.Route, 1)
	f.OnRoute = func(userID string, r *models.Route) { got <- r }

	f.OnDestination(dest())
	select {
	case r := <-got:
		if r.Destination.Lat != 1 {
			t.Fatalf("wrong route: %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("route never computed")
	}
	if _, ok := f.Route(); !ok {
		t.Fatal("route not retained")
	}
}

func TestFollowerExhaustionKeepsPreviousRoute(t *testing.T) {
	rc := &fakeRouting{}
	f := NewFollower(context.Background(), "u1", rc, fastPolicy(), origin(models.Coord{}), nil)
	routes := make(chan *models.Route, 2)
	exhausted := make(chan error, 1)
	f.OnRoute = func(userID string, r *models.Route) { routes <- r }
	f.OnExhausted = func(userID string, err error) { exhausted <- err }

	f.OnDestination(dest())
	first := <-routes

	// second destination: routing is down for good
	rc.mu.Lock()
	rc.fail = 1000
	rc.mu.Unlock()
	d2 := dest()
	d2.Dest = models.Coord{Lat: 2, Lon: 2}
	f.OnDestination(d2)

	select {
	case err := <-exhausted:
		if !errors.Is(err, models.ErrExhausted) {
			t.Fatalf("expected ErrExhausted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("exhaustion never surfaced")
	}
	if cur, ok := f.Route(); !ok || cur != first {
		t.Fatal("previous route must stay displayed after exhaustion")
	}
	if !f.Exhausted() {
		t.Fatal("manual-retry affordance not surfaced")
	}

	attempts := rc.count() - 1 // first destination used one call
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
	// no further automatic attempt
	time.Sleep(50 * time.Millisecond)
	if rc.count()-1 != 3 {
		t.Fatal("automatic attempt fired after exhaustion")
	}
}

func TestFollowerBackoffDelays(t *testing.T) {
	rc := &fakeRouting{fail: 1000}
	f := NewFollower(context.Background(), "u1", rc, retry.Policy{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond, Multiplier: 2}, origin(models.Coord{}), nil)
	exhausted := make(chan error, 1)
	f.OnExhausted = func(userID string, err error) { exhausted <- err }

	f.OnDestination(dest())
	<-exhausted
	rc.mu.Lock()
	stamps := append([]time.Time(nil), rc.stamp...)
	rc.mu.Unlock()
	if len(stamps) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(stamps))
	}
	if g := stamps[1].Sub(stamps[0]); g < 20*time.Millisecond {
		t.Fatalf("first backoff too short: %s", g)
	}
	if g := stamps[2].Sub(stamps[1]); g < 40*time.Millisecond {
		t.Fatalf("second backoff too short: %s", g)
	}
}

func TestFollowerRetryNow(t *testing.T) {
	rc := &fakeRouting{fail: 3}
	f := NewFollower(context.Background(), "u1", rc, fastPolicy(), origin(models.Coord{}), nil)
	routes := make(chan *models.Route, 1)
	exhausted := make(chan error, 1)
	f.OnRoute = func(userID string, r *models.Route) { routes <- r }
	f.OnExhausted = func(userID string, err error) { exhausted <- err }

	f.OnDestination(dest())
	<-exhausted

	f.RetryNow()
	select {
	case <-routes:
	case <-time.After(time.Second):
		t.Fatal("manual retry did not recompute")
	}
	if f.Exhausted() {
		t.Fatal("exhausted flag should clear on success")
	}
}

func TestFollowerCancelClearsAndStopsTimers(t *testing.T) {
	rc := &fakeRouting{fail: 1000}
	f := NewFollower(context.Background(), "u1", rc, retry.Policy{MaxAttempts: 3, BaseDelay: time.Hour, Multiplier: 2}, origin(models.Coord{}), nil)
	cleared := make(chan struct{}, 1)
	f.OnCleared = func(userID string) { cleared <- struct{}{} }

	f.OnDestination(dest())
	time.Sleep(10 * time.Millisecond) // let the first attempt fail into its hour-long backoff

	f.OnDestination(nil) // leader cancels
	select {
	case <-cleared:
	case <-time.After(time.Second):
		t.Fatal("cancel did not clear")
	}
	if _, ok := f.Route(); ok {
		t.Fatal("route must clear on cancel")
	}
	before := rc.count()
	time.Sleep(30 * time.Millisecond)
	if rc.count() != before {
		t.Fatal("backoff timer fired after cancellation")
	}
}
