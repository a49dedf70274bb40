package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/food-dispatch/internal/config"
	"github.com/example/food-dispatch/internal/dispatch"
	"github.com/example/food-dispatch/internal/eta"
	"github.com/example/food-dispatch/internal/geo"
	httpapi "github.com/example/food-dispatch/internal/http"
	"github.com/example/food-dispatch/internal/ingest"
	"github.com/example/food-dispatch/internal/logging"
	"github.com/example/food-dispatch/internal/matcher"
	"github.com/example/food-dispatch/internal/nearby"
	"github.com/example/food-dispatch/internal/notify"
	"github.com/example/food-dispatch/internal/route"
	"github.com/example/food-dispatch/internal/storage"
	"github.com/example/food-dispatch/internal/tracking"
)

const (
	staleScanInterval = 15 * time.Second
	notifyWorkers     = 4
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("food-dispatch-api", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

type catalogStore interface {
	nearby.Catalog
	httpapi.Catalog
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var checks []func(context.Context) error

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		checks = append(checks, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	orders, drivers, db, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		checks = append(checks, db.PingContext)
	}

	backend, err := routingBackend(cfg)
	if err != nil {
		return err
	}
	routeOpts := []route.Option{
		route.WithLogger(logger),
		route.WithConfig(route.Config{
			Timeout:              cfg.RouteTimeout,
			TTL:                  cfg.RouteCacheTTL,
			FallbackTTL:          time.Minute,
			FallbackSecondsPerKm: cfg.RouteFallbackSecondsPerKm,
			KeyDecimals:          4,
		}),
	}
	var catalog catalogStore = geo.NewIndex()
	if rdb != nil {
		routeOpts = append(routeOpts, route.WithSharedCache(route.NewRedisCache(rdb, "route:")))
		catalog = geo.NewRedisIndex(rdb, cfg.RedisRestaurantGeoKey)
	}
	routes := route.NewProvider(backend, routeOpts...)
	estimator := eta.NewEstimator(routes)

	engine := nearby.NewEngine(catalog, estimator,
		nearby.WithLogger(logger),
		nearby.WithConfig(nearby.Config{
			CacheTTL:       cfg.NearbyCacheTTL,
			MaxRadiusKm:    cfg.NearbyMaxRadiusKm,
			ETAConcurrency: cfg.NearbyETAConcurrency,
		}),
	)

	parties := notify.NewWSRegistry()
	sinks := []notify.Notifier{notify.LogNotifier{Logger: logger}, parties}
	if cfg.NotifyPushEndpoint != "" {
		sinks = append(sinks, notify.NewPushNotifier(cfg.NotifyPushEndpoint, cfg.NotifyPushKey, cfg.NotifyPushRate))
	}
	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		events := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		defer events.Close()
		sinks = append(sinks, events)
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, logger)
		defer producer.Close()
	}
	if cfg.AMQPURL != "" {
		events, err := notify.NewAMQPNotifier(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Warn("rabbitmq unavailable, events not published there", "error", err)
		} else {
			defer events.Close()
			sinks = append(sinks, events)
		}
	}
	fanout := notify.NewFanout(logger, cfg.NotifyQueueSize, sinks...)
	fanout.Start(notifyWorkers)
	defer fanout.Close()

	trackOpts := []tracking.Option{
		tracking.WithLogger(logger),
		tracking.WithNotifier(fanout),
		tracking.WithConfig(tracking.Config{
			StaleAfter:         cfg.TrackingStaleAfter,
			RecomputeDistanceM: cfg.TrackingRecomputeDistanceM,
			RecomputeInterval:  cfg.TrackingRecomputeInterval,
			SubscriberBuffer:   cfg.TrackingSubscriberBuffer,
			Shards:             32,
		}),
	}
	if producer != nil {
		trackOpts = append(trackOpts, tracking.WithSink(producer))
	}
	broadcaster := tracking.NewBroadcaster(trackOpts...)
	coordinator := dispatch.NewCoordinator(orders, drivers, estimator, broadcaster,
		dispatch.WithLogger(logger),
		dispatch.WithNotifier(fanout),
	)
	broadcaster.OnRecompute(coordinator.HandlePosition)
	go broadcaster.RunStaleMonitor(ctx, staleScanInterval)

	api := httpapi.NewServer(httpapi.Deps{
		Positions:       broadcaster,
		Nearby:          engine,
		Orders:          coordinator,
		Catalog:         catalog,
		Drivers:         drivers,
		Ranker:          &matcher.Service{Drivers: drivers, Positions: broadcaster, Routes: routes},
		Parties:         parties,
		Logger:          logger,
		OnCatalogChange: engine.Invalidate,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, check := range checks {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
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
		logger.Info("food-dispatch listening", "addr", cfg.HTTPAddr, "routing", cfg.RoutingBackend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStores returns Postgres-backed stores when PG_DSN is set, in-memory ones otherwise.
func openStores(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.TrackingStore, storage.DriverStore, *sql.DB, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, order state is kept in memory")
		return storage.NewMemoryTrackingStore(), storage.NewMemoryDriverStore(), nil, nil
	}
	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.RunMigrations {
		if err := migrate(ctx, pg.DB(), logger); err != nil {
			_ = pg.Close()
			return nil, nil, nil, err
		}
	}
	return pg.Tracking(), pg.Drivers(), pg.DB(), nil
}

func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	const name = "001_create_tracking.sql"
	b, err := os.ReadFile(filepath.Join("migrations", name))
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	logger.Info("migration applied", "file", name)
	return nil
}

// routingBackend returns nil for "none", which makes the provider serve fallback routes only.
func routingBackend(cfg config.ServerConfig) (route.Backend, error) {
	switch cfg.RoutingBackend {
	case "osrm":
		return route.NewOSRMClient(cfg.OSRMEndpoint), nil
	case "google":
		g, err := route.NewGoogleBackend(cfg.GoogleMapsAPIKey)
		if err != nil {
			return nil, fmt.Errorf("google routing: %w", err)
		}
		return g, nil
	default:
		return nil, nil
	}
}
