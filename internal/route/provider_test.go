package route

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/food-dispatch/internal/geo"
	"github.com/example/food-dispatch/internal/models"
)

type fakeBackend struct {
	calls atomic.Int32
	fn    func(ctx context.Context) (models.Route, error)
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Route(ctx context.Context, o, d models.Coordinate, m models.Mode) (models.Route, error) {
	f.calls.Add(1)
	return f.fn(ctx)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var (
	origin = models.Coordinate{Lat: 10.80, Lng: 106.70}
	dest   = models.Coordinate{Lat: 10.82, Lng: 106.63}
)

func okRoute(context.Context) (models.Route, error) {
	return models.Route{DistanceMeters: 9500, DurationSeconds: 1260, Polyline: "abc"}, nil
}

func TestGetRouteCachesBackendResult(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	b := &fakeBackend{fn: okRoute}
	p := NewProvider(b, WithClock(clk.Now))
	ctx := context.Background()

	r, err := p.GetRoute(ctx, origin, dest, models.ModeDriving)
	if err != nil {
		t.Fatal(err)
	}
	if r.IsEstimated || r.DistanceMeters != 9500 || r.Polyline != "abc" || !r.ComputedAt.Equal(clk.Now()) {
		t.Fatalf("unexpected route: %+v", r)
	}
	// nearby coordinates round to the same key
	if _, err := p.GetRoute(ctx, models.Coordinate{Lat: 10.80001, Lng: 106.70002}, dest, ""); err != nil {
		t.Fatal(err)
	}
	if n := b.calls.Load(); n != 1 {
		t.Fatalf("backend calls = %d, want 1", n)
	}

	clk.Advance(16 * time.Minute)
	if _, err := p.GetRoute(ctx, origin, dest, models.ModeDriving); err != nil {
		t.Fatal(err)
	}
	if n := b.calls.Load(); n != 2 {
		t.Fatalf("backend calls after ttl = %d, want 2", n)
	}
}

func TestGetRouteFallbackOnError(t *testing.T) {
	b := &fakeBackend{fn: func(context.Context) (models.Route, error) { return models.Route{}, errors.New("503") }}
	p := NewProvider(b)
	r, err := p.GetRoute(context.Background(), origin, dest, models.ModeDriving)
	if err != nil {
		t.Fatalf("fallback must not fail: %v", err)
	}
	wantM := geo.DistanceKm(origin, dest) * 1000
	if !r.IsEstimated || math.Abs(r.DistanceMeters-wantM) > 1e-6 {
		t.Fatalf("unexpected fallback: %+v", r)
	}
	if math.Abs(r.DurationSeconds-wantM/1000*120) > 1e-6 {
		t.Fatalf("fallback duration = %f", r.DurationSeconds)
	}
}

func TestGetRouteTimeoutFallsBack(t *testing.T) {
	b := &fakeBackend{fn: func(ctx context.Context) (models.Route, error) {
		<-ctx.Done()
		return models.Route{}, ctx.Err()
	}}
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	p := NewProvider(b, WithConfig(cfg))

	start := time.Now()
	r, err := p.GetRoute(context.Background(), origin, dest, models.ModeDriving)
	if err != nil {
		t.Fatal(err)
	}
	if !r.IsEstimated {
		t.Fatal("expected estimated route after timeout")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout not enforced")
	}
}

func TestGetRouteMalformedFallsBack(t *testing.T) {
	b := &fakeBackend{fn: func(context.Context) (models.Route, error) {
		return models.Route{DistanceMeters: math.NaN(), DurationSeconds: 10}, nil
	}}
	r, err := NewProvider(b).GetRoute(context.Background(), origin, dest, models.ModeDriving)
	if err != nil || !r.IsEstimated {
		t.Fatalf("expected fallback, got %+v err=%v", r, err)
	}
}

func TestFallbackCachedBriefly(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	fail := true
	b := &fakeBackend{fn: func(ctx context.Context) (models.Route, error) {
		if fail {
			return models.Route{}, errors.New("down")
		}
		return okRoute(ctx)
	}}
	p := NewProvider(b, WithClock(clk.Now))
	ctx := context.Background()
	_, _ = p.GetRoute(ctx, origin, dest, models.ModeDriving)
	_, _ = p.GetRoute(ctx, origin, dest, models.ModeDriving)
	if n := b.calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want fallback served from cache", n)
	}
	fail = false
	clk.Advance(61 * time.Second)
	r, _ := p.GetRoute(ctx, origin, dest, models.ModeDriving)
	if r.IsEstimated {
		t.Fatal("recovered backend should replace the fallback")
	}
}

func TestGetRouteNoBackend(t *testing.T) {
	r, err := NewProvider(nil).GetRoute(context.Background(), origin, dest, models.ModeWalking)
	if err != nil || !r.IsEstimated || r.Mode != models.ModeWalking {
		t.Fatalf("unexpected: %+v %v", r, err)
	}
}

func TestGetRouteValidation(t *testing.T) {
	p := NewProvider(nil)
	ctx := context.Background()
	if _, err := p.GetRoute(ctx, models.Coordinate{Lat: 95}, dest, ""); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("origin err = %v", err)
	}
	if _, err := p.GetRoute(ctx, origin, dest, "boat"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("mode err = %v", err)
	}
}

func TestGetRouteCollapsesConcurrentLookups(t *testing.T) {
	release := make(chan struct{})
	b := &fakeBackend{fn: func(ctx context.Context) (models.Route, error) {
		<-release
		return okRoute(ctx)
	}}
	p := NewProvider(b)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.GetRoute(context.Background(), origin, dest, models.ModeDriving)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	if n := b.calls.Load(); n != 1 {
		t.Fatalf("backend calls = %d, want 1", n)
	}
}

func TestSharedCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()
	shared := NewRedisCache(rc, "")

	b := &fakeBackend{fn: okRoute}
	first := NewProvider(b, WithSharedCache(shared))
	if _, err := first.GetRoute(context.Background(), origin, dest, models.ModeDriving); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("route:" + first.CacheKey(origin, dest, models.ModeDriving)) {
		t.Fatal("route not written to redis")
	}

	// a second replica with an empty local cache is served from redis
	second := NewProvider(b, WithSharedCache(shared))
	r, err := second.GetRoute(context.Background(), origin, dest, models.ModeDriving)
	if err != nil {
		t.Fatal(err)
	}
	if r.DistanceMeters != 9500 || b.calls.Load() != 1 {
		t.Fatalf("expected shared hit, route=%+v calls=%d", r, b.calls.Load())
	}

	mr.FastForward(16 * time.Minute)
	if _, ok, _ := shared.Get(context.Background(), first.CacheKey(origin, dest, models.ModeDriving)); ok {
		t.Fatal("redis entry should expire with the route ttl")
	}
}
