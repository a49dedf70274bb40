package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/food-dispatch/internal/config"
	"github.com/example/food-dispatch/internal/ingest"
	"github.com/example/food-dispatch/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "food_dispatch",
		Name:      "consumer_messages_consumed_total",
		Help:      "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "food_dispatch",
		Name:      "consumer_messages_invalid_total",
		Help:      "Total invalid messages received",
	})
	msgsStale = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "food_dispatch",
		Name:      "consumer_messages_stale_total",
		Help:      "Messages skipped because a newer position was already mirrored",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "food_dispatch",
		Name:      "consumer_redis_updates_total",
		Help:      "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "food_dispatch",
		Name:      "consumer_redis_errors_total",
		Help:      "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, msgsStale, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger("food-dispatch-consumer", cfg.LogLevel)
	slog.SetDefault(logger)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	mirror := ingest.NewLocationMirror(rc, cfg.RedisDriverGeoKey, cfg.RedisDriverKeyPrefix)

	go serveMetrics(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaLocationTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaLocationTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, cfg.MaxBackoff)
			continue
		}
		backoff = time.Second
		handleMessage(ctx, mirror, m.Value, cfg.UpdateAttempts, cfg.RetryDelay, logger)
	}
}

func serveMetrics(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server stopped", "error", err)
	}
}

// PositionMirror is the subset of ingest.LocationMirror the consumer loop needs.
type PositionMirror interface {
	Apply(ctx context.Context, m ingest.LocationMessage) (bool, error)
}

func handleMessage(ctx context.Context, mirror PositionMirror, value []byte, attempts int, delay time.Duration, logger *slog.Logger) {
	msgsConsumed.Inc()
	loc, err := ingest.DecodeLocationMessage(value)
	if err != nil {
		msgsInvalid.Inc()
		logger.Warn("invalid location message", "error", err)
		return
	}
	applied, err := applyWithRetry(ctx, mirror, loc, attempts, delay)
	if err != nil {
		redisErrors.Inc()
		logger.Error("redis update failed", "driver_id", loc.DriverID, "error", err)
		return
	}
	if !applied {
		msgsStale.Inc()
		return
	}
	redisUpdates.Inc()
}

// applyWithRetry retries transient mirror failures with doubling delay.
func applyWithRetry(ctx context.Context, mirror PositionMirror, m ingest.LocationMessage, attempts int, delay time.Duration) (bool, error) {
	var err error
	for i := 0; i < attempts; i++ {
		var applied bool
		if applied, err = mirror.Apply(ctx, m); err == nil {
			return applied, nil
		}
		if i == attempts-1 || !sleepCtx(ctx, delay) {
			break
		}
		delay *= 2
	}
	return false, err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
