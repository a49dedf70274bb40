package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/example/food-dispatch/internal/geo"
	"github.com/example/food-dispatch/internal/models"
	"github.com/example/food-dispatch/internal/tracking"
)

type fakeDrivers struct{ ds []models.Driver }

func (f fakeDrivers) ListAvailable(context.Context) ([]models.Driver, error) { return f.ds, nil }

type fakePositions map[string]tracking.Fix

func (f fakePositions) Current(id string) (tracking.Fix, bool) {
	fix, ok := f[id]
	return fix, ok
}

// slowRoutes charges extra seconds for drivers whose origin is listed in detour.
type slowRoutes struct{ detour map[models.Coordinate]float64 }

func (s slowRoutes) GetRoute(_ context.Context, o, d models.Coordinate, _ models.Mode) (models.Route, error) {
	return models.Route{DurationSeconds: geo.DistanceKm(o, d)*120 + s.detour[o], IsEstimated: true}, nil
}

func fix(id string, lat, lng float64, stale bool) tracking.Fix {
	return tracking.Fix{Position: models.DriverPosition{DriverID: id, Coordinate: models.Coordinate{Lat: lat, Lng: lng}}, Stale: stale}
}

var pickup = models.Coordinate{Lat: 10.7769, Lng: 106.7009}

func TestRankPrefersQuickestPickup(t *testing.T) {
	near := models.Coordinate{Lat: 10.7779, Lng: 106.7009}
	s := &Service{
		Drivers: fakeDrivers{[]models.Driver{{ID: "near"}, {ID: "mid"}, {ID: "stale"}, {ID: "nofix"}, {ID: "far"}}},
		Positions: fakePositions{
			"near":  fix("near", near.Lat, near.Lng, false),
			"mid":   fix("mid", 10.7869, 106.7009, false),
			"stale": fix("stale", 10.7770, 106.7009, true),
			"far":   fix("far", 11.2, 106.7, false),
		},
		Routes: slowRoutes{detour: map[models.Coordinate]float64{near: 600}},
	}
	got, err := s.Rank(context.Background(), pickup)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].DriverID != "mid" || got[1].DriverID != "near" {
		t.Fatalf("ranking = %+v", got)
	}
	if !got[0].IsEstimated || got[0].PickupSeconds <= 0 {
		t.Fatalf("candidate = %+v", got[0])
	}
}

func TestRankTopNAndTies(t *testing.T) {
	pos := fakePositions{}
	var ds []models.Driver
	for _, id := range []string{"d3", "d1", "d2"} {
		ds = append(ds, models.Driver{ID: id})
		pos[id] = fix(id, 10.78, 106.70, false)
	}
	s := &Service{Drivers: fakeDrivers{ds}, Positions: pos, Routes: slowRoutes{}, TopN: 2}
	got, err := s.Rank(context.Background(), pickup)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].DriverID != "d1" || got[1].DriverID != "d2" {
		t.Fatalf("ranking = %+v", got)
	}
}

func TestRankValidatesPickup(t *testing.T) {
	s := &Service{Drivers: fakeDrivers{}, Positions: fakePositions{}, Routes: slowRoutes{}}
	if _, err := s.Rank(context.Background(), models.Coordinate{Lat: 95}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
}
