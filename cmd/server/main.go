// Command server runs the ride negotiation API: passenger and driver HTTP
// routes, the realtime WebSocket channel and the no-offer timers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-bidding/internal/config"
	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/events"
	"github.com/example/ride-bidding/internal/fare"
	"github.com/example/ride-bidding/internal/geo"
	httpapi "github.com/example/ride-bidding/internal/http"
	"github.com/example/ride-bidding/internal/ingest"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/rides"
	"github.com/example/ride-bidding/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "ride-bidding-api")
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var (
		index  geo.Gateway
		tokens dispatch.TokenStore
		rc     *redis.Client
	)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.DriverLocationTTL)
		tokens = dispatch.NewRedisTokenStore(rc)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process geo index")
		index = geo.NewIndex(cfg.DriverLocationTTL)
	}

	var pusher dispatch.Pusher = &dispatch.LogPusher{Logger: logger}
	if cfg.FirebaseProjectID != "" && tokens != nil {
		fp, err := dispatch.NewFirebasePusher(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentialsFile, tokens, logger)
		if err != nil {
			return fmt.Errorf("firebase: %w", err)
		}
		pusher = fp
	}

	var publisher events.Publisher = events.Nop{}
	var locations httpapi.LocationSink = index
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer kp.Close()
		publisher = kp
		// the consumer moves reports into Redis; without Redis there is
		// nothing on the other side of the topic
		if rc != nil {
			producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.DriverLocationTTL)
			defer producer.Close()
			locations = producer
		}
	}

	ws := dispatch.NewWSRegistry()
	svc := rides.New(rides.Deps{
		Store:    store,
		Geo:      index,
		Notifier: dispatch.NewNotifier(ws, pusher, logger),
		Events:   publisher,
		Fare:     fare.Estimator{BaseFare: cfg.Fare.Base, PerKm: cfg.Fare.PerKm, AvgSpeedKmh: cfg.Fare.AvgSpeedKmh},
		Rules:    cfg.Negotiation,
		Logger:   logger,
	})
	defer svc.Close()

	if n, err := svc.Rides.RecoverTimers(ctx); err != nil {
		logger.Error("recover ride timers", "err", err)
	} else if n > 0 {
		logger.Info("ride timers recovered", "rides", n)
	}

	api := httpapi.NewServer(httpapi.Options{
		Service:   svc,
		Locations: locations,
		WS:        ws,
		Tokens:    tokens,
		Checks: []httpapi.Check{
			{Name: "store", Fn: store.Ping},
			{Name: "geo", Fn: index.Ready},
		},
		Logger: logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-bidding listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if !cfg.RunMigrations {
		return ps, nil
	}
	files, err := filepath.Glob(filepath.Join(cfg.MigrationsDir, "*.sql"))
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("read migration %s: %w", f, err)
		}
		if err := ps.Migrate(ctx, string(b)); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("apply migration %s: %w", filepath.Base(f), err)
		}
		logger.Info("migration applied", "file", filepath.Base(f))
	}
	return ps, nil
}
