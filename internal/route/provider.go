// Package route resolves driving routes through an external backend with caching and a
// straight-line fallback that never fails the caller.
package route

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/food-dispatch/internal/cache"
	"github.com/example/food-dispatch/internal/geo"
	"github.com/example/food-dispatch/internal/models"
	"github.com/example/food-dispatch/internal/observability"
)

// Backend is an external routing engine.
type Backend interface {
	Name() string
	Route(ctx context.Context, origin, destination models.Coordinate, mode models.Mode) (models.Route, error)
}

// SharedCache is an optional second-level cache shared across processes.
type SharedCache interface {
	Get(ctx context.Context, key string) (models.Route, bool, error)
	Set(ctx context.Context, key string, r models.Route, ttl time.Duration) error
}

// Config holds the provider tunables.
type Config struct {
	Timeout              time.Duration // hard deadline for one backend call
	TTL                  time.Duration // lifetime of backend routes
	FallbackTTL          time.Duration // lifetime of synthetic routes in the local cache
	FallbackSecondsPerKm float64       // driving pace for synthetic routes
	KeyDecimals          int
}

func DefaultConfig() Config {
	return Config{
		Timeout:              5 * time.Second,
		TTL:                  15 * time.Minute,
		FallbackTTL:          time.Minute,
		FallbackSecondsPerKm: 120,
		KeyDecimals:          4,
	}
}

// Provider implements getRoute. It is safe for concurrent use.
type Provider struct {
	backend Backend
	shared  SharedCache
	local   *cache.TTL[string, models.Route]
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	group   singleflight.Group
}

// Option customizes a Provider.
type Option func(*Provider)

func WithSharedCache(c SharedCache) Option  { return func(p *Provider) { p.shared = c } }
func WithClock(now func() time.Time) Option { return func(p *Provider) { p.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(p *Provider) { p.logger = l } }
func WithConfig(c Config) Option            { return func(p *Provider) { p.cfg = c } }

// NewProvider builds a provider. A nil backend serves fallback routes only.
func NewProvider(backend Backend, opts ...Option) *Provider {
	p := &Provider{backend: backend, cfg: DefaultConfig(), now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	if p.cfg.Timeout <= 0 {
		p.cfg.Timeout = 5 * time.Second
	}
	if p.cfg.FallbackSecondsPerKm <= 0 {
		p.cfg.FallbackSecondsPerKm = 120
	}
	p.local = cache.NewTTL[string, models.Route](p.cfg.TTL, cache.WithClock(p.now), cache.WithMaxEntries(50000))
	return p
}

// CacheKey is the rounded origin/destination/mode key.
func (p *Provider) CacheKey(origin, destination models.Coordinate, mode models.Mode) string {
	o := geo.Round(origin, p.cfg.KeyDecimals)
	d := geo.Round(destination, p.cfg.KeyDecimals)
	return fmt.Sprintf("%s|%.*f,%.*f|%.*f,%.*f", mode,
		p.cfg.KeyDecimals, o.Lat, p.cfg.KeyDecimals, o.Lng, p.cfg.KeyDecimals, d.Lat, p.cfg.KeyDecimals, d.Lng)
}

// GetRoute returns a backend route when one can be had within the timeout, otherwise a
// synthetic route marked IsEstimated. Only invalid input produces an error.
func (p *Provider) GetRoute(ctx context.Context, origin, destination models.Coordinate, mode models.Mode) (models.Route, error) {
	if err := geo.ValidateCoordinate(origin); err != nil {
		return models.Route{}, fmt.Errorf("origin: %w", err)
	}
	if err := geo.ValidateCoordinate(destination); err != nil {
		return models.Route{}, fmt.Errorf("destination: %w", err)
	}
	if mode == "" {
		mode = models.ModeDriving
	}
	if !mode.Valid() {
		return models.Route{}, fmt.Errorf("%w: unknown mode %q", models.ErrValidation, mode)
	}

	key := p.CacheKey(origin, destination, mode)
	if r, ok := p.local.Get(key); ok {
		observability.CacheLookups.WithLabelValues("route", "hit").Inc()
		return r, nil
	}
	observability.CacheLookups.WithLabelValues("route", "miss").Inc()

	v, _, _ := p.group.Do(key, func() (any, error) {
		return p.resolve(context.WithoutCancel(ctx), key, origin, destination, mode), nil
	})
	return v.(models.Route), nil
}

func (p *Provider) resolve(ctx context.Context, key string, origin, destination models.Coordinate, mode models.Mode) models.Route {
	if p.shared != nil {
		r, ok, err := p.shared.Get(ctx, key)
		if err != nil {
			p.logger.Warn("shared route cache read failed", "error", err)
		} else if ok {
			observability.CacheLookups.WithLabelValues("route_shared", "hit").Inc()
			p.local.Set(key, r)
			return r
		}
	}

	if p.backend != nil {
		r, err := p.fetch(ctx, origin, destination, mode)
		if err == nil {
			p.local.Set(key, r)
			if p.shared != nil {
				if err := p.shared.Set(ctx, key, r, p.cfg.TTL); err != nil {
					p.logger.Warn("shared route cache write failed", "error", err)
				}
			}
			return r
		}
		p.logger.Warn("routing backend failed, using straight-line fallback",
			"backend", p.backend.Name(), "error", err)
	}

	r := p.Fallback(origin, destination, mode)
	observability.RouteFallbacks.Inc()
	p.local.SetWithTTL(key, r, p.cfg.FallbackTTL)
	return r
}

func (p *Provider) fetch(ctx context.Context, origin, destination models.Coordinate, mode models.Mode) (models.Route, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	r, err := p.backend.Route(ctx, origin, destination, mode)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			observability.RouteRequests.WithLabelValues(p.backend.Name(), "timeout").Inc()
			return models.Route{}, fmt.Errorf("%w: %v", models.ErrUpstreamTimeout, err)
		}
		observability.RouteRequests.WithLabelValues(p.backend.Name(), "error").Inc()
		return models.Route{}, err
	}
	if !validRoute(r) {
		observability.RouteRequests.WithLabelValues(p.backend.Name(), "malformed").Inc()
		return models.Route{}, fmt.Errorf("malformed route: distance=%v duration=%v", r.DistanceMeters, r.DurationSeconds)
	}
	observability.RouteRequests.WithLabelValues(p.backend.Name(), "ok").Inc()
	r.Origin, r.Destination, r.Mode = origin, destination, mode
	r.ComputedAt = p.now()
	r.IsEstimated = false
	return r, nil
}

func validRoute(r models.Route) bool {
	for _, v := range []float64{r.DistanceMeters, r.DurationSeconds} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}
	return !(r.DistanceMeters > 0 && r.DurationSeconds == 0)
}

// Fallback builds the synthetic straight-line route.
func (p *Provider) Fallback(origin, destination models.Coordinate, mode models.Mode) models.Route {
	km := geo.DistanceKm(origin, destination)
	return models.Route{
		Origin:          origin,
		Destination:     destination,
		Mode:            mode,
		DistanceMeters:  km * 1000,
		DurationSeconds: km * p.secondsPerKm(mode),
		ComputedAt:      p.now(),
		IsEstimated:     true,
	}
}

func (p *Provider) secondsPerKm(mode models.Mode) float64 {
	switch mode {
	case models.ModeBicycling:
		return p.cfg.FallbackSecondsPerKm * 1.5
	case models.ModeWalking:
		return 720
	default:
		return p.cfg.FallbackSecondsPerKm
	}
}
