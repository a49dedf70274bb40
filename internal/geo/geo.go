package geo

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/example/food-dispatch/internal/models"
)

// EarthRadiusKm is the mean Earth radius used by DistanceKm.
const EarthRadiusKm = 6371.0

// DistanceKm is the Haversine great-circle distance between a and b.
// The clamp on the intermediate term keeps antipodal and polar inputs out of NaN territory.
func DistanceKm(a, b models.Coordinate) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// DistanceMeters is DistanceKm scaled to meters.
func DistanceMeters(a, b models.Coordinate) float64 { return DistanceKm(a, b) * 1000 }

// BearingDeg is the initial great-circle bearing from a to b in [0, 360).
func BearingDeg(a, b models.Coordinate) float64 {
	lat1, lat2 := toRad(a.Lat), toRad(b.Lat)
	dLng := toRad(b.Lng - a.Lng)
	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// ValidateCoordinate rejects NaN and out-of-range latitude/longitude.
func ValidateCoordinate(c models.Coordinate) error {
	if math.IsNaN(c.Lat) || c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range [-90,90]", models.ErrValidation, c.Lat)
	}
	if math.IsNaN(c.Lng) || c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range [-180,180]", models.ErrValidation, c.Lng)
	}
	return nil
}

// Round quantizes c to the given number of decimals (3 ≈ 110 m, 4 ≈ 11 m).
func Round(c models.Coordinate, decimals int) models.Coordinate {
	p := math.Pow(10, float64(decimals))
	return models.Coordinate{Lat: math.Round(c.Lat*p) / p, Lng: math.Round(c.Lng*p) / p}
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// Index is an in-memory restaurant catalog.
type Index struct {
	mu          sync.RWMutex
	restaurants map[string]models.RestaurantSummary
}

func NewIndex() *Index {
	return &Index{restaurants: make(map[string]models.RestaurantSummary)}
}

func (g *Index) Upsert(_ context.Context, r models.RestaurantSummary) error {
	if err := ValidateCoordinate(r.Location); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.restaurants[r.ID] = r
	return nil
}

func (g *Index) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.restaurants, id)
	return nil
}

// Candidates returns every active restaurant ordered by id; distance rejection is the caller's job.
// naive scan; a geohash or H3 cell index would narrow this in a large catalog
func (g *Index) Candidates(_ context.Context, _ models.Coordinate, _ float64) ([]models.RestaurantSummary, error) {
	g.mu.RLock()
	out := make([]models.RestaurantSummary, 0, len(g.restaurants))
	for _, r := range g.restaurants {
		if r.Active {
			out = append(out, r)
		}
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
