package feed

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisFeed carries session change-feeds over Redis pub/sub, one channel per
// (session, kind): "{prefix}:{session}:{kind}".
type RedisFeed struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisFeed(client *redis.Client, prefix string, logger *slog.Logger) *RedisFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFeed{client: client, prefix: prefix, logger: logger}
}

func (f *RedisFeed) channel(sessionID string, kind Kind) string {
	return f.prefix + ":" + sessionID + ":" + string(kind)
}

func (f *RedisFeed) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.channel(ev.SessionID, ev.Kind), payload).Err()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan Event
}

func (s *redisSubscription) Events() <-chan Event { return s.events }

func (s *redisSubscription) Close() error { return s.pubsub.Close() }

// Subscribe opens all three feed channels for the session. Receipt order is
// preserved per channel; cross-channel ordering is whatever the broker
// delivers, which consumers must tolerate.
func (f *RedisFeed) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	pubsub := f.client.Subscribe(ctx,
		f.channel(sessionID, KindRoster),
		f.channel(sessionID, KindLocation),
		f.channel(sessionID, KindDestination),
	)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{pubsub: pubsub, events: make(chan Event, 64)}
	go func() {
		defer close(sub.events)
		for msg := range pubsub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				f.logger.Warn("feed: dropping undecodable event", "channel", msg.Channel, "error", err)
				continue
			}
			sub.events <- ev
		}
	}()
	return sub, nil
}
