package marker

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/example/ride-convoy/internal/models"
	"github.com/example/ride-convoy/internal/observability"
	"github.com/example/ride-convoy/internal/retry"
)

// Key identifies one renderable icon variant.
type Key struct {
	UserID      string
	DisplayName string
	PhotoURL    string
	ColorIndex  int
	Paused      bool
}

// Icon is the composed render artifact. Fallback marks the visually distinct
// placeholder served when construction could not complete.
type Icon struct {
	UserID     string
	Paused     bool
	Photo      []byte
	ColorIndex int
	Fallback   bool
}

type entry struct {
	icon         *Icon
	photoURL     string // url the icon was built from; a change invalidates
	createdAt    time.Time
	lastAccessed time.Time
}

// Cache builds and caches marker icons. Construction is expensive (network
// fetch + composition) so concurrent demands for the same key collapse into
// one flight, failures retry under the shared policy, and exhaustion yields
// a fallback icon rather than an error: the rendering path never fails on a
// cache miss.
//
// A Cache belongs to one session controller and dies with it.
type Cache struct {
	source      ImageSource
	retry       retry.Policy
	maxEntries  int
	ttl         time.Duration
	maxInflight int
	logger      *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry // userID + paused variant
	group   singleflight.Group
}

type Options struct {
	MaxEntries  int           // LRU bound; <=0 means 256
	TTL         time.Duration // sweep age; <=0 means 30m
	MaxInflight int           // pregeneration concurrency; <=0 means 4
	Retry       retry.Policy
	Logger      *slog.Logger
}

func NewCache(source ImageSource, opts Options) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 256
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 4
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, Multiplier: 2}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		source:      source,
		retry:       opts.Retry,
		maxEntries:  opts.MaxEntries,
		ttl:         opts.TTL,
		maxInflight: opts.MaxInflight,
		logger:      opts.Logger,
		entries:     make(map[string]*entry),
	}
}

func entryKey(userID string, paused bool) string {
	return userID + "|" + strconv.FormatBool(paused)
}

// GetOrCreate returns the cached icon when present and still built from the
// key's photo URL, otherwise constructs it. Concurrent calls with an
// identical key share exactly one construction.
func (c *Cache) GetOrCreate(ctx context.Context, key Key) *Icon {
	ek := entryKey(key.UserID, key.Paused)

	c.mu.Lock()
	if e, ok := c.entries[ek]; ok && e.photoURL == key.PhotoURL {
		e.lastAccessed = time.Now()
		c.mu.Unlock()
		observability.MarkerCacheHits.Inc()
		return e.icon
	}
	c.mu.Unlock()
	observability.MarkerCacheMisses.Inc()

	// flight key includes the photo URL so an invalidated variant is not
	// served a stale in-flight build
	fk := ek + "|" + key.PhotoURL
	v, _, _ := c.group.Do(fk, func() (interface{}, error) {
		icon, ok := c.build(ctx, key)
		if !ok {
			observability.MarkerFallbacksTotal.Inc()
			return c.fallback(key), nil
		}
		c.store(ek, key.PhotoURL, icon)
		return icon, nil
	})
	return v.(*Icon)
}

func (c *Cache) build(ctx context.Context, key Key) (*Icon, bool) {
	var photo []byte
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		b, err := c.source.Fetch(ctx, key.PhotoURL)
		if err != nil {
			return err
		}
		photo = b
		return nil
	})
	if err != nil {
		c.logger.Warn("marker build failed", "user", key.UserID, "paused", key.Paused, "error", err)
		return nil, false
	}
	return &Icon{UserID: key.UserID, Paused: key.Paused, Photo: photo, ColorIndex: key.ColorIndex}, true
}

// fallback icons are never cached: the next miss tries construction again.
func (c *Cache) fallback(key Key) *Icon {
	return &Icon{UserID: key.UserID, Paused: key.Paused, ColorIndex: key.ColorIndex, Fallback: true}
}

func (c *Cache) store(ek, photoURL string, icon *Icon) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ek] = &entry{icon: icon, photoURL: photoURL, createdAt: now, lastAccessed: now}
	for len(c.entries) > c.maxEntries {
		c.evictOldestLocked()
	}
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.lastAccessed.Before(oldest) {
			oldestKey = k
			oldest = e.lastAccessed
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		observability.MarkerCacheEvictions.Inc()
	}
}

// Invalidate drops both paused variants for the user. Callers invoke it when
// they observe the user's photo URL changed since the entries were built.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, entryKey(userID, false))
	delete(c.entries, entryKey(userID, true))
}

// Pregenerate eagerly builds both variants for a batch of participants with
// bounded concurrency. Individual failures already degrade to fallbacks
// inside GetOrCreate, so the batch never aborts.
func (c *Cache) Pregenerate(ctx context.Context, participants []*models.Participant) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxInflight)
	for _, p := range participants {
		for _, paused := range []bool{false, true} {
			key := Key{UserID: p.UserID, DisplayName: p.DisplayName, PhotoURL: p.PhotoURL, ColorIndex: p.ColorIndex, Paused: paused}
			g.Go(func() error {
				c.GetOrCreate(ctx, key)
				return nil
			})
		}
	}
	_ = g.Wait()
}

// Sweep removes entries older than the TTL and returns how many went.
func (c *Cache) Sweep() int {
	cutoff := time.Now().Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if e.createdAt.Before(cutoff) {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		observability.MarkerCacheSweeps.Add(float64(removed))
	}
	return removed
}

// StartSweeper runs Sweep on the interval until ctx is cancelled.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := c.Sweep(); n > 0 {
					c.logger.Debug("marker sweep", "removed", n)
				}
			}
		}
	}()
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
