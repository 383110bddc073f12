package feed

import (
	"context"
	"sync"
)

// MemoryFeed is an in-process feed for single-node runs and tests.
type MemoryFeed struct {
	mu   sync.Mutex
	subs map[string]map[*memorySubscription]struct{}
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[string]map[*memorySubscription]struct{})}
}

type memorySubscription struct {
	feed      *MemoryFeed
	sessionID string
	events    chan Event
	closeOnce sync.Once
}

func (s *memorySubscription) Events() <-chan Event { return s.events }

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		s.feed.mu.Lock()
		defer s.feed.mu.Unlock()
		if set, ok := s.feed.subs[s.sessionID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.feed.subs, s.sessionID)
			}
		}
		close(s.events)
	})
	return nil
}

func (f *MemoryFeed) Publish(ctx context.Context, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs[ev.SessionID] {
		select {
		case sub.events <- ev:
		default: // slow subscriber drops rather than blocking the publisher
		}
	}
	return nil
}

func (f *MemoryFeed) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	sub := &memorySubscription{feed: f, sessionID: sessionID, events: make(chan Event, 64)}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[sessionID] == nil {
		f.subs[sessionID] = make(map[*memorySubscription]struct{})
	}
	f.subs[sessionID][sub] = struct{}{}
	return sub, nil
}
