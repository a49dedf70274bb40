// Package matcher ranks the drivers who could pick up an order.
package matcher

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/example/food-dispatch/internal/geo"
	"github.com/example/food-dispatch/internal/models"
	"github.com/example/food-dispatch/internal/observability"
	"github.com/example/food-dispatch/internal/tracking"
)

type Drivers interface {
	ListAvailable(ctx context.Context) ([]models.Driver, error)
}

type Positions interface {
	Current(driverID string) (tracking.Fix, bool)
}

type Routes interface {
	GetRoute(ctx context.Context, origin, destination models.Coordinate, mode models.Mode) (models.Route, error)
}

// Candidate is one driver who could be assigned, with the pickup leg priced.
type Candidate struct {
	DriverID      string                `json:"driver_id"`
	Position      models.DriverPosition `json:"position"`
	DistanceKm    float64               `json:"distance_km"`
	PickupSeconds float64               `json:"pickup_seconds"`
	IsEstimated   bool                  `json:"is_estimated"`
}

type Service struct {
	Drivers     Drivers
	Positions   Positions
	Routes      Routes
	TopN        int     // candidates returned, default 5
	MaxPickupKm float64 // straight-line cut-off, default 10
	Concurrency int     // parallel route lookups, default 4
}

// Rank returns available drivers with a fresh position, quickest pickup first. Drivers are
// pre-filtered by straight-line distance so only the nearest 2*TopN are routed.
func (s *Service) Rank(ctx context.Context, pickup models.Coordinate) ([]Candidate, error) {
	if err := geo.ValidateCoordinate(pickup); err != nil {
		return nil, err
	}
	topN, maxKm, workers := s.TopN, s.MaxPickupKm, s.Concurrency
	if topN <= 0 {
		topN = 5
	}
	if maxKm <= 0 {
		maxKm = 10
	}
	if workers <= 0 {
		workers = 4
	}

	drivers, err := s.Drivers.ListAvailable(ctx)
	if err != nil {
		return nil, err
	}
	cands := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		fix, ok := s.Positions.Current(d.ID)
		if !ok || fix.Stale {
			continue
		}
		km := geo.DistanceKm(fix.Position.Coordinate, pickup)
		if km > maxKm {
			continue
		}
		cands = append(cands, Candidate{DriverID: d.ID, Position: fix.Position, DistanceKm: km})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].DistanceKm != cands[j].DistanceKm {
			return cands[i].DistanceKm < cands[j].DistanceKm
		}
		return cands[i].DriverID < cands[j].DriverID
	})
	if len(cands) > 2*topN {
		cands = cands[:2*topN]
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range cands {
		c := &cands[i]
		g.Go(func() error {
			r, err := s.Routes.GetRoute(gctx, c.Position.Coordinate, pickup, models.ModeDriving)
			if err != nil {
				return err
			}
			c.PickupSeconds, c.IsEstimated = r.DurationSeconds, r.IsEstimated
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].PickupSeconds != cands[j].PickupSeconds {
			return cands[i].PickupSeconds < cands[j].PickupSeconds
		}
		return cands[i].DriverID < cands[j].DriverID
	})
	if len(cands) > topN {
		cands = cands[:topN]
	}
	if len(cands) == 0 {
		observability.DriverRankings.WithLabelValues("empty").Inc()
	} else {
		observability.DriverRankings.WithLabelValues("found").Inc()
	}
	return cands, nil
}
