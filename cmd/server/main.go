package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-convoy/internal/config"
	"github.com/example/ride-convoy/internal/dispatch"
	"github.com/example/ride-convoy/internal/feed"
	"github.com/example/ride-convoy/internal/geo"
	httpapi "github.com/example/ride-convoy/internal/http"
	"github.com/example/ride-convoy/internal/ingest"
	"github.com/example/ride-convoy/internal/logging"
	"github.com/example/ride-convoy/internal/marker"
	"github.com/example/ride-convoy/internal/retry"
	"github.com/example/ride-convoy/internal/roster"
	"github.com/example/ride-convoy/internal/routing"
	"github.com/example/ride-convoy/internal/session"
	"github.com/example/ride-convoy/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN, logger)
	}

	var participantStore storage.ParticipantStore
	var destStore storage.DestinationStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		participantStore, destStore = ps, ps
	} else {
		ms := storage.NewMemoryStore()
		participantStore, destStore = ms, ms
	}

	var pub feed.Publisher
	var sub feed.Subscriber
	var gidx geo.Index
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		rf := feed.NewRedisFeed(rc, cfg.RedisPrefix, logger)
		pub, sub = rf, rf
		gidx = geo.NewRedisIndexFromClient(rc, cfg.RedisPrefix)
	} else {
		mf := feed.NewMemoryFeed()
		pub, sub = mf, mf
		gidx = geo.NewMemoryIndex()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
	}

	wsreg := dispatch.NewWSRegistry()
	rosterCoord := roster.NewCoordinator(participantStore, pub, logger)
	policy := retry.Policy{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay, Multiplier: 2}

	mgr := session.NewManager(session.ManagerDeps{
		Roster:      rosterCoord,
		DestStore:   destStore,
		Feed:        pub,
		Subscriber:  sub,
		Routing:     routing.NewOSRMClient(cfg.OSRMBaseURL),
		ImageSource: marker.NewHTTPImageSource(),
		Registry:    wsreg,
		Geo:         gidx,
		Retry:       policy,
		CacheOpts: marker.Options{
			MaxEntries:  cfg.MarkerMaxEntries,
			TTL:         cfg.MarkerTTL,
			MaxInflight: cfg.MarkerMaxInflight,
			Logger:      logger,
		},
		SweepEvery: cfg.MarkerSweepEvery,
		Logger:     logger,
	})
	defer mgr.Close()

	srv := httpapi.NewServer(rosterCoord, mgr, kp, pub, wsreg, gidx, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("ride-convoy listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open error", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_participants.sql"))
	if err != nil {
		logger.Error("migration read error", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_participants.sql")
}
