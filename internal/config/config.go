package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr         string
	RedisPassword     string
	RedisGeoKey       string
	DriverLocationTTL time.Duration

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventsTopic   string

	PGDSN         string
	RunMigrations bool
	MigrationsDir string

	FirebaseProjectID       string
	FirebaseCredentialsFile string

	Negotiation NegotiationConfig
	Fare        FareConfig

	LogLevel string
}

// NegotiationConfig holds the rules of the bidding window.
type NegotiationConfig struct {
	SearchRadiusKm   float64
	MaxPendingOffers int
	NoOfferTimeout   time.Duration
	OfferTTL         time.Duration
	// StaleRequestAge is how long a ride may sit in requested with no offers
	// before a new request from the same passenger replaces it.
	StaleRequestAge time.Duration
	NotifyTimeout   time.Duration
}

type FareConfig struct {
	Base        float64
	PerKm       float64
	AvgSpeedKmh float64
}

func DefaultNegotiation() NegotiationConfig {
	return NegotiationConfig{
		SearchRadiusKm:   20,
		MaxPendingOffers: 6,
		NoOfferTimeout:   5 * time.Minute,
		OfferTTL:         3 * time.Minute,
		StaleRequestAge:  10 * time.Minute,
		NotifyTimeout:    3 * time.Second,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		DriverLocationTTL:  2 * time.Minute,
		KafkaLocationTopic: "driver-locations",
		KafkaEventsTopic:   "ride-events",
		MigrationsDir:      "migrations",
		Negotiation:        DefaultNegotiation(),
		Fare:               FareConfig{Base: 3.50, PerKm: 1.20, AvgSpeedKmh: 25},
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.DriverLocationTTL, "DRIVER_LOCATION_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")

	setStringFromEnv(&cfg.FirebaseProjectID, "FIREBASE_PROJECT_ID")
	setStringFromEnv(&cfg.FirebaseCredentialsFile, "FIREBASE_CREDENTIALS_FILE")

	n := &cfg.Negotiation
	setFloatFromEnv(&n.SearchRadiusKm, "NEGOTIATION_SEARCH_RADIUS_KM", &errs)
	setIntFromEnv(&n.MaxPendingOffers, "NEGOTIATION_MAX_PENDING_OFFERS", &errs)
	setDurationFromEnv(&n.NoOfferTimeout, "NEGOTIATION_NO_OFFER_TIMEOUT", &errs)
	setDurationFromEnv(&n.OfferTTL, "NEGOTIATION_OFFER_TTL", &errs)
	setDurationFromEnv(&n.StaleRequestAge, "NEGOTIATION_STALE_REQUEST_AGE", &errs)
	setDurationFromEnv(&n.NotifyTimeout, "NOTIFY_TIMEOUT", &errs)

	setFloatFromEnv(&cfg.Fare.Base, "FARE_BASE", &errs)
	setFloatFromEnv(&cfg.Fare.PerKm, "FARE_PER_KM", &errs)
	setFloatFromEnv(&cfg.Fare.AvgSpeedKmh, "FARE_AVG_SPEED_KMH", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.Negotiation.Validate())
	if cfg.Fare.Base < 0 || cfg.Fare.PerKm < 0 {
		errs = append(errs, fmt.Errorf("FARE_BASE and FARE_PER_KM must be >= 0"))
	}
	if cfg.Fare.AvgSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("FARE_AVG_SPEED_KMH must be > 0"))
	}
	if cfg.DriverLocationTTL <= 0 {
		errs = append(errs, fmt.Errorf("DRIVER_LOCATION_TTL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func (n NegotiationConfig) Validate() error {
	var errs []error
	if n.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("NEGOTIATION_SEARCH_RADIUS_KM must be > 0"))
	}
	if n.MaxPendingOffers <= 0 {
		errs = append(errs, fmt.Errorf("NEGOTIATION_MAX_PENDING_OFFERS must be > 0"))
	}
	if n.NoOfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("NEGOTIATION_NO_OFFER_TIMEOUT must be > 0"))
	}
	if n.OfferTTL <= 0 || n.OfferTTL >= n.NoOfferTimeout {
		errs = append(errs, fmt.Errorf("NEGOTIATION_OFFER_TTL must be > 0 and shorter than NEGOTIATION_NO_OFFER_TIMEOUT"))
	}
	if n.StaleRequestAge <= 0 {
		errs = append(errs, fmt.Errorf("NEGOTIATION_STALE_REQUEST_AGE must be > 0"))
	}
	if n.NotifyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_TIMEOUT must be > 0"))
	}
	return errors.Join(errs...)
}

// ConsumerConfig configures the driver-location consumer.
type ConsumerConfig struct {
	MetricsAddr       string
	KafkaBrokers      []string
	KafkaTopic        string
	KafkaGroup        string
	RedisAddr         string
	RedisPassword     string
	RedisGeoKey       string
	DriverLocationTTL time.Duration
	LogLevel          string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:       ":2112",
		KafkaBrokers:      []string{"localhost:9092"},
		KafkaTopic:        "driver-locations",
		KafkaGroup:        "ride-bidding-consumer",
		RedisAddr:         "localhost:6379",
		RedisGeoKey:       "drivers_geo",
		DriverLocationTTL: 2 * time.Minute,
		LogLevel:          "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.DriverLocationTTL, "DRIVER_LOCATION_TTL", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
