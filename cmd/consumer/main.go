// Command consumer drains the driver-location topic into the Redis geo index
// that ride requests are matched against.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-bidding/internal/config"
	"github.com/example/ride-bidding/internal/geo"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	msgsStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_stale_total",
		Help: "Location reports dropped because they were older than the freshness window",
	})
	geoUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_geo_updates_total",
		Help: "Total successful geo index updates",
	})
	geoErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_geo_errors_total",
		Help: "Total geo index update failures after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, msgsStale, geoUpdates, geoErrors)
}

var (
	errInvalidLocation = errors.New("invalid location message")
	errStaleLocation   = errors.New("stale location report")
)

// LocationUpdater is the part of the geo index the consumer writes to.
type LocationUpdater interface {
	UpdateDriverLocation(ctx context.Context, driverID string, lat, lng float64) (geo.LocationAck, error)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "location-consumer")
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	index := geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.DriverLocationTTL)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
			if err := index.Ready(r.Context()); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

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
			logger.Warn("kafka read error", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		err = handleMessage(ctx, index, m.Value, cfg.DriverLocationTTL, time.Now())
		switch {
		case err == nil:
			geoUpdates.Inc()
		case errors.Is(err, errStaleLocation):
			msgsStale.Inc()
		case errors.Is(err, errInvalidLocation):
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "err", err)
		default:
			geoErrors.Inc()
			logger.Error("geo update failed", "offset", m.Offset, "err", err)
		}
	}
}

// handleMessage decodes one location report and writes it to the index.
// Reports older than ttl are dropped since the index would treat them as
// offline anyway.
func handleMessage(ctx context.Context, u LocationUpdater, value []byte, ttl time.Duration, now time.Time) error {
	var loc models.DriverLocation
	if err := json.Unmarshal(value, &loc); err != nil {
		return fmt.Errorf("%w: %v", errInvalidLocation, err)
	}
	if loc.DriverID == "" || loc.Lat < -90 || loc.Lat > 90 || loc.Lng < -180 || loc.Lng > 180 {
		return fmt.Errorf("%w: driver %q at (%v, %v)", errInvalidLocation, loc.DriverID, loc.Lat, loc.Lng)
	}
	if !loc.Timestamp.IsZero() && now.Sub(loc.Timestamp) > ttl {
		return errStaleLocation
	}
	return updateLocationWithRetry(ctx, u, loc, 3, 200*time.Millisecond)
}

// updateLocationWithRetry writes the position with exponential backoff.
func updateLocationWithRetry(ctx context.Context, u LocationUpdater, loc models.DriverLocation, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = u.UpdateDriverLocation(ctx, loc.DriverID, loc.Lat, loc.Lng); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("update driver %s after %d attempts: %w", loc.DriverID, attempts, err)
}
