// Package nearby answers "restaurants around me" queries: distance filtering, ranking,
// per-candidate delivery estimates and a short-lived result cache.
package nearby

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/food-dispatch/internal/cache"
	"github.com/example/food-dispatch/internal/geo"
	"github.com/example/food-dispatch/internal/models"
	"github.com/example/food-dispatch/internal/observability"
)

// FallbackDisplay is shown when a candidate's estimate could not be computed.
const FallbackDisplay = "30-45 min"

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// SortKey selects the ranking.
type SortKey string

const (
	SortDistance SortKey = "distance"
	SortRating   SortKey = "rating"
	SortScore    SortKey = "score"
)

// Catalog yields the active restaurants that may lie within radiusKm of origin.
type Catalog interface {
	Candidates(ctx context.Context, origin models.Coordinate, radiusKm float64) ([]models.RestaurantSummary, error)
}

// Estimator produces delivery estimates.
type Estimator interface {
	Estimate(ctx context.Context, origin, destination models.Coordinate, preparationMinutes int, now time.Time) (models.DeliveryEstimate, error)
}

// AffinitySource scores a customer's order history with a restaurant in [0,1].
type AffinitySource interface {
	Affinity(ctx context.Context, customerID, restaurantID string) float64
}

// ScoreFunc ranks a candidate for SortScore; higher is better.
type ScoreFunc func(r models.RestaurantSummary, distanceKm, affinity float64) float64

// DefaultScore is the product heuristic 0.3*rating + 0.2*affinity + proximity bonus + featured bonus.
func DefaultScore(r models.RestaurantSummary, distanceKm, affinity float64) float64 {
	s := 0.3*r.Rating + 0.2*affinity
	if distanceKm <= 3 {
		s += 0.3
	} else {
		s += 0.1
	}
	if r.Featured {
		s += 0.2
	}
	return s
}

// Filters narrow the candidate set before any distance work.
type Filters struct {
	Category  string  `json:"category,omitempty"`
	MinRating float64 `json:"min_rating,omitempty"`
	OpenNow   bool    `json:"open_now,omitempty"`
}

// Query is the request shape; its quantized form is the cache key.
type Query struct {
	Origin     models.Coordinate
	RadiusKm   float64
	Filters    Filters
	Sort       SortKey
	Limit      int
	CustomerID string
}

// Result is one ranked restaurant.
type Result struct {
	Restaurant  models.RestaurantSummary `json:"restaurant"`
	DistanceKm  float64                  `json:"distance_km"`
	Score       float64                  `json:"score,omitempty"`
	Estimate    *models.DeliveryEstimate `json:"delivery_estimate"`
	DisplayText string                   `json:"display_text"`

	affinity float64
}

// Config holds the engine tunables.
type Config struct {
	CacheTTL       time.Duration
	MaxRadiusKm    float64
	ETAConcurrency int
}

// Engine implements findNearby.
type Engine struct {
	catalog   Catalog
	estimator Estimator
	affinity  AffinitySource
	score     ScoreFunc
	cfg       Config
	cache     *cache.TTL[string, []Result]
	now       func() time.Time
	logger    *slog.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

func WithAffinity(a AffinitySource) Option  { return func(e *Engine) { e.affinity = a } }
func WithScore(f ScoreFunc) Option          { return func(e *Engine) { e.score = f } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(e *Engine) { e.logger = l } }
func WithConfig(c Config) Option            { return func(e *Engine) { e.cfg = c } }

func NewEngine(catalog Catalog, estimator Estimator, opts ...Option) *Engine {
	e := &Engine{
		catalog:   catalog,
		estimator: estimator,
		score:     DefaultScore,
		cfg:       Config{CacheTTL: 2 * time.Minute, MaxRadiusKm: 50, ETAConcurrency: 8},
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.cfg.ETAConcurrency <= 0 {
		e.cfg.ETAConcurrency = 8
	}
	if e.cfg.MaxRadiusKm <= 0 {
		e.cfg.MaxRadiusKm = 50
	}
	e.cache = cache.NewTTL[string, []Result](e.cfg.CacheTTL, cache.WithClock(e.now), cache.WithMaxEntries(10000))
	return e
}

// Invalidate drops every cached result list.
func (e *Engine) Invalidate() { e.cache.Purge() }

func (e *Engine) normalize(q Query) (Query, error) {
	if err := geo.ValidateCoordinate(q.Origin); err != nil {
		return q, err
	}
	if math.IsNaN(q.RadiusKm) || q.RadiusKm <= 0 || q.RadiusKm > e.cfg.MaxRadiusKm {
		return q, fmt.Errorf("%w: radius must be in (0, %g] km", models.ErrValidation, e.cfg.MaxRadiusKm)
	}
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit < 0 || q.Limit > MaxLimit {
		return q, fmt.Errorf("%w: limit must be in [1, %d]", models.ErrValidation, MaxLimit)
	}
	if q.Filters.MinRating < 0 || q.Filters.MinRating > 5 {
		return q, fmt.Errorf("%w: min rating must be in [0, 5]", models.ErrValidation)
	}
	switch q.Sort {
	case "":
		q.Sort = SortDistance
	case SortDistance, SortRating, SortScore:
	default:
		return q, fmt.Errorf("%w: unknown sort %q", models.ErrValidation, q.Sort)
	}
	q.Filters.Category = strings.ToLower(strings.TrimSpace(q.Filters.Category))
	if q.Sort != SortScore {
		// affinity only influences score ranking, so it must not fragment the cache otherwise
		q.CustomerID = ""
	}
	return q, nil
}

// CacheKey is the quantized query shape (origin rounded to ~100 m).
func CacheKey(q Query) string {
	o := geo.Round(q.Origin, 3)
	return fmt.Sprintf("%.3f,%.3f|r=%g|c=%s|mr=%g|open=%t|s=%s|l=%d|u=%s",
		o.Lat, o.Lng, q.RadiusKm, q.Filters.Category, q.Filters.MinRating, q.Filters.OpenNow, q.Sort, q.Limit, q.CustomerID)
}

// FindNearby returns at most q.Limit restaurants within q.RadiusKm of q.Origin, ranked by q.Sort.
// A failed estimate degrades that one result; it never fails the query.
func (e *Engine) FindNearby(ctx context.Context, q Query) ([]Result, error) {
	start := time.Now()
	defer func() { observability.NearbyLatency.Observe(time.Since(start).Seconds()) }()

	q, err := e.normalize(q)
	if err != nil {
		return nil, err
	}
	key := CacheKey(q)
	if cached, ok := e.cache.Get(key); ok {
		observability.CacheLookups.WithLabelValues("nearby", "hit").Inc()
		return e.reanchor(cached, q), nil
	}
	observability.CacheLookups.WithLabelValues("nearby", "miss").Inc()

	cands, err := e.catalog.Candidates(ctx, q.Origin, q.RadiusKm)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	now := e.now()
	results := make([]Result, 0, len(cands))
	for _, r := range cands {
		if !e.matches(r, q.Filters, now) {
			continue
		}
		d := geo.DistanceKm(q.Origin, r.Location)
		if d > q.RadiusKm {
			continue
		}
		res := Result{Restaurant: r, DistanceKm: d}
		if q.Sort == SortScore {
			var aff float64
			if e.affinity != nil && q.CustomerID != "" {
				aff = e.affinity.Affinity(ctx, q.CustomerID, r.ID)
			}
			res.affinity = aff
			res.Score = e.score(r, d, aff)
		}
		results = append(results, res)
	}
	rank(results, q.Sort)
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	e.enrich(ctx, results, q.Origin, now)

	e.cache.Set(key, results)
	return clone(results), nil
}

func (e *Engine) matches(r models.RestaurantSummary, f Filters, now time.Time) bool {
	if !r.Active {
		return false
	}
	if f.Category != "" && strings.ToLower(r.Category) != f.Category {
		return false
	}
	if r.Rating < f.MinRating {
		return false
	}
	if f.OpenNow && !r.IsOpen(now) {
		return false
	}
	return true
}

func rank(rs []Result, key SortKey) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		switch key {
		case SortRating:
			if a.Restaurant.Rating != b.Restaurant.Rating {
				return a.Restaurant.Rating > b.Restaurant.Rating
			}
		case SortScore:
			if a.Score != b.Score {
				return a.Score > b.Score
			}
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return a.Restaurant.ID < b.Restaurant.ID
	})
}

// enrich attaches an estimate to each result with bounded concurrency.
func (e *Engine) enrich(ctx context.Context, rs []Result, customer models.Coordinate, now time.Time) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ETAConcurrency)
	for i := range rs {
		i := i
		g.Go(func() error {
			r := rs[i].Restaurant
			est, err := e.estimator.Estimate(gctx, r.Location, customer, r.PreparationMinutes, now)
			if err != nil {
				observability.NearbyETAFail.Inc()
				e.logger.Warn("nearby estimate failed", "restaurant_id", r.ID, "error", err)
				rs[i].DisplayText = FallbackDisplay
				return nil
			}
			rs[i].Estimate = &est
			rs[i].DisplayText = est.RangeText
			return nil
		})
	}
	_ = g.Wait()
}

// reanchor recomputes distances and scores for the caller's exact origin, drops results that
// fall outside the radius and ranks again. The cache key only resolves the origin to ~100 m.
func (e *Engine) reanchor(cached []Result, q Query) []Result {
	out := make([]Result, 0, len(cached))
	for _, r := range cached {
		r.DistanceKm = geo.DistanceKm(q.Origin, r.Restaurant.Location)
		if r.DistanceKm > q.RadiusKm {
			continue
		}
		if q.Sort == SortScore {
			r.Score = e.score(r.Restaurant, r.DistanceKm, r.affinity)
		}
		out = append(out, r)
	}
	rank(out, q.Sort)
	return out
}

func clone(rs []Result) []Result {
	out := make([]Result, len(rs))
	copy(out, rs)
	return out
}
