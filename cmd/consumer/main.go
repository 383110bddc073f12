package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-convoy/internal/config"
	"github.com/example/ride-convoy/internal/feed"
	"github.com/example/ride-convoy/internal/logging"
	"github.com/example/ride-convoy/internal/models"
	"github.com/example/ride-convoy/internal/retry"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total member location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis index updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis index errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (overrides METRICS_ADDR)")
	flag.Parse()

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	logger := logging.NewLogger(cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	updater := &redisIndexAdapter{c: rc}
	locationFeed := feed.NewRedisFeed(rc, cfg.RedisPrefix, logger)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup,
		MinBytes: 10e3, MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	policy := retry.Policy{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay, Multiplier: 2}
	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var s models.LocationSample
		if err := json.Unmarshal(m.Value, &s); err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err)
			continue
		}
		if s.SessionID == "" || s.UserID == "" {
			msgsInvalid.Inc()
			continue
		}

		if err := updateIndexWithRetry(ctx, updater, cfg.RedisPrefix, &s, policy); err != nil {
			redisErrors.Inc()
			logger.Warn("redis index update failed", "session", s.SessionID, "user", s.UserID, "error", err)
			continue
		}
		redisUpdates.Inc()

		// the fan-out only fires once the index write landed, a subscriber
		// that reconnects can always rebuild the same state from the index
		if err := locationFeed.Publish(ctx, feed.Event{
			Kind: feed.KindLocation, SessionID: s.SessionID, Location: &s,
		}); err != nil {
			logger.Warn("feed publish failed", "session", s.SessionID, "user", s.UserID, "error", err)
		}
	}
}

// IndexUpdater is the subset of redis operations the consumer needs, small
// enough to fake in tests.
type IndexUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisIndexAdapter struct{ c *redis.Client }

func (r *redisIndexAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisIndexAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

// updateIndexWithRetry writes one sample to the session geo index and its
// meta hash under the retry policy.
func updateIndexWithRetry(ctx context.Context, u IndexUpdater, prefix string, s *models.LocationSample, policy retry.Policy) error {
	geoKey := prefix + ":geo:" + s.SessionID
	metaKey := prefix + ":meta:" + s.SessionID + ":" + s.UserID
	return policy.Do(ctx, func(ctx context.Context) error {
		if err := u.GeoAdd(ctx, geoKey, &redis.GeoLocation{
			Longitude: s.Loc.Lon, Latitude: s.Loc.Lat, Name: s.UserID,
		}); err != nil {
			return err
		}
		return u.HSet(ctx, metaKey, map[string]interface{}{
			"speed_mps":   strconv.FormatFloat(s.SpeedMps, 'f', -1, 64),
			"heading_deg": strconv.FormatFloat(s.HeadingDeg, 'f', -1, 64),
			"paused":      strconv.FormatBool(s.Paused),
			"observed_at": s.ObservedAt.Format(time.RFC3339Nano),
		})
	})
}
