package nearby

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/food-dispatch/internal/eta"
	"github.com/example/food-dispatch/internal/geo"
	"github.com/example/food-dispatch/internal/models"
	"github.com/example/food-dispatch/internal/route"
)

type fakeEstimator struct {
	calls  atomic.Int32
	failID map[models.Coordinate]bool
}

func (f *fakeEstimator) Estimate(ctx context.Context, o, d models.Coordinate, prep int, now time.Time) (models.DeliveryEstimate, error) {
	f.calls.Add(1)
	if f.failID[o] {
		return models.DeliveryEstimate{}, errors.New("estimate failed")
	}
	return eta.FromRoute(models.Route{DurationSeconds: geo.DistanceKm(o, d) * 120}, prep, now), nil
}

type fakeAffinity map[string]float64

func (f fakeAffinity) Affinity(_ context.Context, _ string, id string) float64 { return f[id] }

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

var customer = models.Coordinate{Lat: 10.80, Lng: 106.70}

func catalog(t *testing.T, rs ...models.RestaurantSummary) *geo.Index {
	t.Helper()
	idx := geo.NewIndex()
	for _, r := range rs {
		r.Active = true
		if err := idx.Upsert(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
	return idx
}

func TestFindNearbyRadiusScenario(t *testing.T) {
	idx := catalog(t, models.RestaurantSummary{ID: "r1", Rating: 4.2, Location: models.Coordinate{Lat: 10.82, Lng: 106.63}, PreparationMinutes: 15})
	e := NewEngine(idx, &fakeEstimator{})
	ctx := context.Background()

	got, err := e.FindNearby(ctx, Query{Origin: customer, RadiusKm: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Restaurant.ID != "r1" || got[0].Estimate == nil {
		t.Fatalf("radius 10: %+v", got)
	}

	got, err = e.FindNearby(ctx, Query{Origin: customer, RadiusKm: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("radius 1: %+v", got)
	}
}

func TestFindNearbyResultsWithinRadius(t *testing.T) {
	var rs []models.RestaurantSummary
	for i := 0; i < 40; i++ {
		rs = append(rs, models.RestaurantSummary{
			ID:       string(rune('a'+i%26)) + string(rune('0'+i/26)),
			Rating:   float64(i % 5),
			Location: models.Coordinate{Lat: 10.80 + float64(i)*0.004, Lng: 106.70 - float64(i)*0.003},
		})
	}
	e := NewEngine(catalog(t, rs...), &fakeEstimator{})
	for _, radius := range []float64{0.5, 1, 2.5, 5, 10, 25} {
		for _, s := range []SortKey{SortDistance, SortRating, SortScore} {
			got, err := e.FindNearby(context.Background(), Query{Origin: customer, RadiusKm: radius, Sort: s, Limit: 100})
			if err != nil {
				t.Fatal(err)
			}
			for _, r := range got {
				if geo.DistanceKm(customer, r.Restaurant.Location) > radius {
					t.Fatalf("radius %v sort %s: %s outside radius", radius, s, r.Restaurant.ID)
				}
			}
		}
	}
}

func TestFindNearbySortKeys(t *testing.T) {
	near := models.RestaurantSummary{ID: "near", Rating: 3.0, Location: models.Coordinate{Lat: 10.801, Lng: 106.70}}
	mid := models.RestaurantSummary{ID: "mid", Rating: 4.8, Location: models.Coordinate{Lat: 10.82, Lng: 106.70}}
	far := models.RestaurantSummary{ID: "far", Rating: 4.7, Featured: true, Location: models.Coordinate{Lat: 10.84, Lng: 106.70}}
	tie := models.RestaurantSummary{ID: "aaa", Rating: 3.0, Location: models.Coordinate{Lat: 10.801, Lng: 106.70}}
	e := NewEngine(catalog(t, near, mid, far, tie), &fakeEstimator{}, WithAffinity(fakeAffinity{"near": 1}))

	ids := func(rs []Result) []string {
		out := make([]string, len(rs))
		for i, r := range rs {
			out[i] = r.Restaurant.ID
		}
		return out
	}
	tests := []struct {
		sort SortKey
		want []string
	}{
		{SortDistance, []string{"aaa", "near", "mid", "far"}},
		{SortRating, []string{"mid", "far", "aaa", "near"}},
		// mid 1.74, far 1.71, near 1.4 (affinity), aaa 1.2
		{SortScore, []string{"mid", "far", "near", "aaa"}},
	}
	for _, tt := range tests {
		got, err := e.FindNearby(context.Background(), Query{Origin: customer, RadiusKm: 10, Sort: tt.sort, CustomerID: "c1"})
		if err != nil {
			t.Fatal(err)
		}
		g := ids(got)
		if len(g) != len(tt.want) {
			t.Fatalf("%s: got %v want %v", tt.sort, g, tt.want)
		}
		for i := range g {
			if g[i] != tt.want[i] {
				t.Fatalf("%s: got %v want %v", tt.sort, g, tt.want)
			}
		}
	}
}

func TestDefaultScore(t *testing.T) {
	r := models.RestaurantSummary{Rating: 4, Featured: true}
	if got := DefaultScore(r, 2, 0.5); math.Abs(got-(1.2+0.1+0.3+0.2)) > 1e-9 {
		t.Fatalf("score = %f", got)
	}
	r.Featured = false
	if got := DefaultScore(r, 3.5, 0); math.Abs(got-(1.2+0.1)) > 1e-9 {
		t.Fatalf("score = %f", got)
	}
}

func TestCustomScoreFunc(t *testing.T) {
	a := models.RestaurantSummary{ID: "a", Rating: 5, Location: models.Coordinate{Lat: 10.801, Lng: 106.70}}
	b := models.RestaurantSummary{ID: "b", Rating: 1, Location: models.Coordinate{Lat: 10.81, Lng: 106.70}}
	lowRatingFirst := func(r models.RestaurantSummary, _, _ float64) float64 { return -r.Rating }
	e := NewEngine(catalog(t, a, b), &fakeEstimator{}, WithScore(lowRatingFirst))
	got, _ := e.FindNearby(context.Background(), Query{Origin: customer, RadiusKm: 5, Sort: SortScore})
	if len(got) != 2 || got[0].Restaurant.ID != "b" {
		t.Fatalf("custom score ignored: %+v", got)
	}
}

func TestFindNearbyFilters(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC)}
	rs := []models.RestaurantSummary{
		{ID: "pho", Category: "Vietnamese", Rating: 4.5, Location: models.Coordinate{Lat: 10.801, Lng: 106.70}},
		{ID: "pizza", Category: "Italian", Rating: 4.9, Location: models.Coordinate{Lat: 10.802, Lng: 106.70}},
		{ID: "banhmi", Category: "vietnamese", Rating: 3.9, Location: models.Coordinate{Lat: 10.803, Lng: 106.70}},
		{ID: "lunch", Category: "Vietnamese", Rating: 4.8, Location: models.Coordinate{Lat: 10.804, Lng: 106.70}, Hours: models.OpenHours{OpenMinute: 600, CloseMinute: 900}},
		{ID: "night", Category: "Vietnamese", Rating: 4.1, Location: models.Coordinate{Lat: 10.805, Lng: 106.70}, Hours: models.OpenHours{OpenMinute: 1200, CloseMinute: 120}},
	}
	e := NewEngine(catalog(t, rs...), &fakeEstimator{}, WithClock(clk.Now))
	got, err := e.FindNearby(context.Background(), Query{
		Origin:   customer,
		RadiusKm: 5,
		Filters:  Filters{Category: " VIETNAMESE ", MinRating: 4, OpenNow: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Restaurant.ID != "pho" || got[1].Restaurant.ID != "night" {
		t.Fatalf("unexpected filter result: %+v", got)
	}
}

func TestFindNearbyDegradesPerCandidate(t *testing.T) {
	bad := models.Coordinate{Lat: 10.802, Lng: 106.70}
	rs := []models.RestaurantSummary{
		{ID: "ok", Location: models.Coordinate{Lat: 10.801, Lng: 106.70}},
		{ID: "broken", Location: bad},
	}
	e := NewEngine(catalog(t, rs...), &fakeEstimator{failID: map[models.Coordinate]bool{bad: true}})
	got, err := e.FindNearby(context.Background(), Query{Origin: customer, RadiusKm: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("a failed estimate must not drop the candidate: %+v", got)
	}
	if got[1].Restaurant.ID != "broken" || got[1].Estimate != nil || got[1].DisplayText != FallbackDisplay {
		t.Fatalf("unexpected degraded result: %+v", got[1])
	}
	if got[0].Estimate == nil || got[0].DisplayText != got[0].Estimate.RangeText {
		t.Fatalf("unexpected healthy result: %+v", got[0])
	}
}

func TestFindNearbyCache(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	est := &fakeEstimator{}
	idx := catalog(t, models.RestaurantSummary{ID: "r1", Location: models.Coordinate{Lat: 10.81, Lng: 106.70}})
	e := NewEngine(idx, est, WithClock(clk.Now), WithConfig(Config{CacheTTL: 2 * time.Minute}))
	ctx := context.Background()

	if _, err := e.FindNearby(ctx, Query{Origin: customer, RadiusKm: 5}); err != nil {
		t.Fatal(err)
	}
	// within ~100 m the quantized key matches
	got, err := e.FindNearby(ctx, Query{Origin: models.Coordinate{Lat: 10.8003, Lng: 106.7002}, RadiusKm: 5})
	if err != nil {
		t.Fatal(err)
	}
	if est.calls.Load() != 1 || len(got) != 1 {
		t.Fatalf("expected cache hit, calls=%d results=%d", est.calls.Load(), len(got))
	}
	want := geo.DistanceKm(models.Coordinate{Lat: 10.8003, Lng: 106.7002}, got[0].Restaurant.Location)
	if math.Abs(got[0].DistanceKm-want) > 1e-9 {
		t.Fatalf("cached distance not re-anchored: %f vs %f", got[0].DistanceKm, want)
	}

	clk.t = clk.t.Add(3 * time.Minute)
	if _, err := e.FindNearby(ctx, Query{Origin: customer, RadiusKm: 5}); err != nil {
		t.Fatal(err)
	}
	if est.calls.Load() != 2 {
		t.Fatalf("expected recompute after ttl, calls=%d", est.calls.Load())
	}

	e.Invalidate()
	_, _ = e.FindNearby(ctx, Query{Origin: customer, RadiusKm: 5})
	if est.calls.Load() != 3 {
		t.Fatalf("expected recompute after invalidate, calls=%d", est.calls.Load())
	}
}

func TestCachedResultsRankedForCallerOrigin(t *testing.T) {
	est := &fakeEstimator{}
	idx := catalog(t,
		models.RestaurantSummary{ID: "north", Location: models.Coordinate{Lat: 10.8010, Lng: 106.70}},
		models.RestaurantSummary{ID: "south", Location: models.Coordinate{Lat: 10.7990, Lng: 106.70}},
	)
	e := NewEngine(idx, est)
	ctx := context.Background()

	first, err := e.FindNearby(ctx, Query{Origin: models.Coordinate{Lat: 10.8004, Lng: 106.70}, RadiusKm: 5})
	if err != nil {
		t.Fatal(err)
	}
	if first[0].Restaurant.ID != "north" {
		t.Fatalf("first query order = %s, %s", first[0].Restaurant.ID, first[1].Restaurant.ID)
	}
	// same ~100 m cell, but south is now the nearer one
	got, err := e.FindNearby(ctx, Query{Origin: models.Coordinate{Lat: 10.7996, Lng: 106.70}, RadiusKm: 5})
	if err != nil {
		t.Fatal(err)
	}
	if est.calls.Load() != 2 {
		t.Fatalf("expected cache hit, estimator calls=%d", est.calls.Load())
	}
	if len(got) != 2 || got[0].Restaurant.ID != "south" || got[0].DistanceKm > got[1].DistanceKm {
		t.Fatalf("cached results not ranked by distance: %+v", got)
	}
}

func TestCachedScoresFollowCallerOrigin(t *testing.T) {
	est := &fakeEstimator{}
	idx := catalog(t,
		models.RestaurantSummary{ID: "edge", Rating: 4, Location: models.Coordinate{Lat: 10.827, Lng: 106.70}},
		models.RestaurantSummary{ID: "mid", Rating: 3.5, Location: models.Coordinate{Lat: 10.81, Lng: 106.70}},
	)
	e := NewEngine(idx, est)
	ctx := context.Background()

	// edge sits just inside 3 km of the first origin and just outside it for the second
	first, err := e.FindNearby(ctx, Query{Origin: models.Coordinate{Lat: 10.8004, Lng: 106.70}, RadiusKm: 5, Sort: SortScore})
	if err != nil {
		t.Fatal(err)
	}
	if first[0].Restaurant.ID != "edge" {
		t.Fatalf("first query leader = %s", first[0].Restaurant.ID)
	}
	got, err := e.FindNearby(ctx, Query{Origin: models.Coordinate{Lat: 10.7996, Lng: 106.70}, RadiusKm: 5, Sort: SortScore})
	if err != nil {
		t.Fatal(err)
	}
	if est.calls.Load() != 2 {
		t.Fatalf("expected cache hit, estimator calls=%d", est.calls.Load())
	}
	if got[0].Restaurant.ID != "mid" {
		t.Fatalf("leader = %s, want mid", got[0].Restaurant.ID)
	}
	if math.Abs(got[1].Score-1.3) > 1e-9 {
		t.Fatalf("edge score = %f, want proximity bonus dropped", got[1].Score)
	}
}

func TestFindNearbyLimit(t *testing.T) {
	var rs []models.RestaurantSummary
	for i := 0; i < 5; i++ {
		rs = append(rs, models.RestaurantSummary{ID: string(rune('a' + i)), Location: models.Coordinate{Lat: 10.80 + float64(i+1)*0.001, Lng: 106.70}})
	}
	est := &fakeEstimator{}
	got, err := NewEngine(catalog(t, rs...), est).FindNearby(context.Background(), Query{Origin: customer, RadiusKm: 5, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Restaurant.ID != "a" || est.calls.Load() != 2 {
		t.Fatalf("limit not applied before enrichment: %+v calls=%d", got, est.calls.Load())
	}
}

func TestFindNearbyValidation(t *testing.T) {
	e := NewEngine(geo.NewIndex(), &fakeEstimator{})
	bad := []Query{
		{Origin: models.Coordinate{Lat: 91}, RadiusKm: 1},
		{Origin: customer, RadiusKm: 0},
		{Origin: customer, RadiusKm: 51},
		{Origin: customer, RadiusKm: 1, Limit: 101},
		{Origin: customer, RadiusKm: 1, Sort: "popularity"},
		{Origin: customer, RadiusKm: 1, Filters: Filters{MinRating: 6}},
	}
	for _, q := range bad {
		if _, err := e.FindNearby(context.Background(), q); !errors.Is(err, models.ErrValidation) {
			t.Errorf("query %+v: err = %v", q, err)
		}
	}
}

func TestFindNearbyWithTimedOutRouting(t *testing.T) {
	cfg := route.DefaultConfig()
	cfg.Timeout = 10 * time.Millisecond
	p := route.NewProvider(stuckBackend{}, route.WithConfig(cfg))
	idx := catalog(t, models.RestaurantSummary{ID: "r1", Location: models.Coordinate{Lat: 10.82, Lng: 106.63}})
	got, err := NewEngine(idx, eta.NewEstimator(p)).FindNearby(context.Background(), Query{Origin: customer, RadiusKm: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Estimate == nil || !got[0].Estimate.IsEstimated {
		t.Fatalf("expected estimated result: %+v", got)
	}
}

type stuckBackend struct{}

func (stuckBackend) Name() string { return "stuck" }

func (stuckBackend) Route(ctx context.Context, _, _ models.Coordinate, _ models.Mode) (models.Route, error) {
	<-ctx.Done()
	return models.Route{}, ctx.Err()
}
