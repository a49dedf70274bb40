package route

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/food-dispatch/internal/models"
)

// GoogleBackend resolves routes with the Google Directions API.
type GoogleBackend struct {
	client *maps.Client
}

// NewGoogleBackend creates a backend with the given API key.
func NewGoogleBackend(apiKey string) (*GoogleBackend, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleBackend{client: client}, nil
}

func (g *GoogleBackend) Name() string { return "google" }

func googleMode(m models.Mode) maps.Mode {
	switch m {
	case models.ModeBicycling:
		return maps.TravelModeBicycling
	case models.ModeWalking:
		return maps.TravelModeWalking
	default:
		return maps.TravelModeDriving
	}
}

func latLng(c models.Coordinate) string { return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng) }

func (g *GoogleBackend) Route(ctx context.Context, origin, destination models.Coordinate, mode models.Mode) (models.Route, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(origin),
		Destination: latLng(destination),
		Mode:        googleMode(mode),
	}
	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return models.Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return models.Route{}, errors.New("no route found")
	}
	leg := routes[0].Legs[0]
	return models.Route{
		Origin:          origin,
		Destination:     destination,
		Mode:            mode,
		DistanceMeters:  float64(leg.Distance.Meters),
		DurationSeconds: leg.Duration.Seconds(),
		Polyline:        routes[0].OverviewPolyline.Points,
	}, nil
}
