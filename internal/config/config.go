package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values come from the environment (optionally seeded from a local .env file)
// with defaults that let the binary run locally with everything in memory.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr             string
	RedisPassword         string
	RedisRestaurantGeoKey string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventTopic    string

	AMQPURL      string
	AMQPExchange string

	PGDSN         string
	RunMigrations bool

	RoutingBackend            string
	OSRMEndpoint              string
	GoogleMapsAPIKey          string
	RouteTimeout              time.Duration
	RouteCacheTTL             time.Duration
	RouteFallbackSecondsPerKm float64

	NearbyCacheTTL       time.Duration
	NearbyMaxRadiusKm    float64
	NearbyETAConcurrency int

	TrackingStaleAfter         time.Duration
	TrackingRecomputeDistanceM float64
	TrackingRecomputeInterval  time.Duration
	TrackingSubscriberBuffer   int

	NotifyPushEndpoint string
	NotifyPushKey      string
	NotifyPushRate     float64
	NotifyQueueSize    int

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:                   ":8080",
		ReadTimeout:                5 * time.Second,
		WriteTimeout:               10 * time.Second,
		IdleTimeout:                120 * time.Second,
		ShutdownTimeout:            15 * time.Second,
		RedisRestaurantGeoKey:      "restaurants_geo",
		KafkaLocationTopic:         "driver-locations",
		KafkaEventTopic:            "order-events",
		AMQPExchange:               "order-events",
		RoutingBackend:             "osrm",
		OSRMEndpoint:               "http://localhost:5000",
		RouteTimeout:               5 * time.Second,
		RouteCacheTTL:              15 * time.Minute,
		RouteFallbackSecondsPerKm:  120,
		NearbyCacheTTL:             2 * time.Minute,
		NearbyMaxRadiusKm:          50,
		NearbyETAConcurrency:       8,
		TrackingStaleAfter:         2 * time.Minute,
		TrackingRecomputeDistanceM: 100,
		TrackingRecomputeInterval:  30 * time.Second,
		TrackingSubscriberBuffer:   16,
		NotifyPushRate:             50,
		NotifyQueueSize:            1024,
		LogLevel:                   "info",
	}
}

// LoadServerConfig reads .env (if present) and the environment. Every invalid value is reported.
func LoadServerConfig() (ServerConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ServerConfig{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisRestaurantGeoKey, "REDIS_RESTAURANT_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")
	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if v := os.Getenv("ROUTING_BACKEND"); v != "" {
		cfg.RoutingBackend = strings.ToLower(strings.TrimSpace(v))
	}
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	cfg.GoogleMapsAPIKey = strings.TrimSpace(os.Getenv("GOOGLE_MAPS_API_KEY"))
	setDurationFromEnv(&cfg.RouteTimeout, "ROUTE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.RouteFallbackSecondsPerKm, "ROUTE_FALLBACK_SECONDS_PER_KM", &errs)

	setDurationFromEnv(&cfg.NearbyCacheTTL, "NEARBY_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.NearbyMaxRadiusKm, "NEARBY_MAX_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.NearbyETAConcurrency, "NEARBY_ETA_CONCURRENCY", &errs)

	setDurationFromEnv(&cfg.TrackingStaleAfter, "TRACKING_STALE_AFTER", &errs)
	setFloatFromEnv(&cfg.TrackingRecomputeDistanceM, "TRACKING_RECOMPUTE_DISTANCE_M", &errs)
	setDurationFromEnv(&cfg.TrackingRecomputeInterval, "TRACKING_RECOMPUTE_INTERVAL", &errs)
	setIntFromEnv(&cfg.TrackingSubscriberBuffer, "TRACKING_SUBSCRIBER_BUFFER", &errs)

	cfg.NotifyPushEndpoint = strings.TrimSpace(os.Getenv("NOTIFY_PUSH_ENDPOINT"))
	cfg.NotifyPushKey = os.Getenv("NOTIFY_PUSH_KEY")
	setFloatFromEnv(&cfg.NotifyPushRate, "NOTIFY_PUSH_RATE", &errs)
	setIntFromEnv(&cfg.NotifyQueueSize, "NOTIFY_QUEUE_SIZE", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	for _, d := range []struct {
		key string
		v   time.Duration
	}{
		{"ROUTE_TIMEOUT", c.RouteTimeout},
		{"ROUTE_CACHE_TTL", c.RouteCacheTTL},
		{"NEARBY_CACHE_TTL", c.NearbyCacheTTL},
		{"TRACKING_STALE_AFTER", c.TrackingStaleAfter},
		{"TRACKING_RECOMPUTE_INTERVAL", c.TrackingRecomputeInterval},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", d.key))
		}
	}
	if c.RouteFallbackSecondsPerKm <= 0 {
		errs = append(errs, fmt.Errorf("ROUTE_FALLBACK_SECONDS_PER_KM must be > 0"))
	}
	if c.NearbyMaxRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("NEARBY_MAX_RADIUS_KM must be > 0"))
	}
	if c.NearbyETAConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("NEARBY_ETA_CONCURRENCY must be > 0"))
	}
	if c.TrackingRecomputeDistanceM <= 0 {
		errs = append(errs, fmt.Errorf("TRACKING_RECOMPUTE_DISTANCE_M must be > 0"))
	}
	if c.TrackingSubscriberBuffer <= 0 {
		errs = append(errs, fmt.Errorf("TRACKING_SUBSCRIBER_BUFFER must be > 0"))
	}
	if c.NotifyQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_QUEUE_SIZE must be > 0"))
	}
	switch c.RoutingBackend {
	case "osrm":
		if c.OSRMEndpoint == "" {
			errs = append(errs, fmt.Errorf("OSRM_ENDPOINT required for osrm routing"))
		}
	case "google":
		if c.GoogleMapsAPIKey == "" {
			errs = append(errs, fmt.Errorf("GOOGLE_MAPS_API_KEY required for google routing"))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("ROUTING_BACKEND must be osrm, google or none, got %q", c.RoutingBackend))
	}
	return errs
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

// ConsumerConfig configures the driver-location consumer.
type ConsumerConfig struct {
	MetricsAddr string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaGroup         string

	RedisAddr            string
	RedisPassword        string
	RedisDriverGeoKey    string
	RedisDriverKeyPrefix string

	UpdateAttempts int
	RetryDelay     time.Duration
	MaxBackoff     time.Duration

	LogLevel string
}

// LoadConsumerConfig mirrors LoadServerConfig for cmd/consumer.
func LoadConsumerConfig() (ConsumerConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ConsumerConfig{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := ConsumerConfig{
		MetricsAddr:          ":2112",
		KafkaBrokers:         []string{"localhost:9092"},
		KafkaLocationTopic:   "driver-locations",
		KafkaGroup:           "food-dispatch-location-mirror",
		RedisAddr:            "localhost:6379",
		RedisDriverGeoKey:    "drivers_geo",
		RedisDriverKeyPrefix: "driver:pos:",
		UpdateAttempts:       3,
		RetryDelay:           200 * time.Millisecond,
		MaxBackoff:           30 * time.Second,
		LogLevel:             "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisDriverGeoKey, "REDIS_DRIVER_GEO_KEY")
	setStringFromEnv(&cfg.RedisDriverKeyPrefix, "REDIS_DRIVER_KEY_PREFIX")
	setIntFromEnv(&cfg.UpdateAttempts, "REDIS_UPDATE_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "REDIS_RETRY_DELAY", &errs)
	setDurationFromEnv(&cfg.MaxBackoff, "KAFKA_MAX_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.UpdateAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_UPDATE_ATTEMPTS must be > 0"))
	}
	if cfg.RetryDelay <= 0 || cfg.MaxBackoff <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_DELAY and KAFKA_MAX_BACKOFF must be > 0"))
	}
	return cfg, errors.Join(errs...)
}
