package eta

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/example/food-dispatch/internal/models"
)

const (
	// BaseBufferMinutes is added to every estimate.
	BaseBufferMinutes = 5
	// MinPromiseMinutes floors the lower end of the display range.
	MinPromiseMinutes = 15

	rushHourSurchargePct = 30
	offPeakSurchargePct  = 10
)

// RouteSource is the subset of the route provider the estimator needs.
type RouteSource interface {
	GetRoute(ctx context.Context, origin, destination models.Coordinate, mode models.Mode) (models.Route, error)
}

// Estimator turns routes into delivery estimates.
type Estimator struct {
	routes RouteSource
}

func NewEstimator(routes RouteSource) *Estimator {
	return &Estimator{routes: routes}
}

// Estimate resolves the driving route and derives the delivery estimate. now supplies the
// hour used for the traffic surcharge; the estimator never reads the wall clock.
func (e *Estimator) Estimate(ctx context.Context, origin, destination models.Coordinate, preparationMinutes int, now time.Time) (models.DeliveryEstimate, error) {
	if preparationMinutes < 0 {
		return models.DeliveryEstimate{}, fmt.Errorf("%w: preparation minutes must be >= 0", models.ErrValidation)
	}
	r, err := e.routes.GetRoute(ctx, origin, destination, models.ModeDriving)
	if err != nil {
		return models.DeliveryEstimate{}, err
	}
	return FromRoute(r, preparationMinutes, now), nil
}

// FromRoute is the pure part of Estimate.
func FromRoute(r models.Route, preparationMinutes int, now time.Time) models.DeliveryEstimate {
	travel := ceilMinutes(r.DurationSeconds, 100)
	buffer := BaseBufferMinutes + TrafficSurchargeMinutes(r.DurationSeconds, now.Hour())
	total := preparationMinutes + travel + buffer
	lo, hi := DisplayRange(total)
	return models.DeliveryEstimate{
		PreparationMinutes: preparationMinutes,
		TravelMinutes:      travel,
		BufferMinutes:      buffer,
		TotalMinutes:       total,
		RangeMinMinutes:    lo,
		RangeMaxMinutes:    hi,
		RangeText:          fmt.Sprintf("%d-%d min", lo, hi),
		IsEstimated:        r.IsEstimated,
		EstimatedAt:        now,
		DeliverBy:          now.Add(time.Duration(total) * time.Minute),
	}
}

// IsRushHour reports whether hour falls in the 7-9 or 17-19 windows (inclusive).
func IsRushHour(hour int) bool {
	return (hour >= 7 && hour <= 9) || (hour >= 17 && hour <= 19)
}

// TrafficSurchargeMinutes is 30% of the travel time in rush hour and 10% otherwise, rounded up.
func TrafficSurchargeMinutes(durationSeconds float64, hour int) int {
	if IsRushHour(hour) {
		return ceilMinutes(durationSeconds, rushHourSurchargePct)
	}
	return ceilMinutes(durationSeconds, offPeakSurchargePct)
}

// DisplayRange returns [max(total-5, 15), total+10].
func DisplayRange(total int) (int, int) {
	lo := total - 5
	if lo < MinPromiseMinutes {
		lo = MinPromiseMinutes
	}
	hi := total + 10
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// ceilMinutes computes ceil(seconds*pct/100/60) keeping the percentage integral so that
// exact multiples do not round up through binary fractions.
func ceilMinutes(seconds float64, pct int) int {
	if seconds <= 0 || math.IsNaN(seconds) {
		return 0
	}
	return int(math.Ceil(seconds * float64(pct) / 6000))
}
