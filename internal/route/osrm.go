package route

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/food-dispatch/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: strings.TrimRight(endpoint, "/"), Client: &http.Client{Timeout: 10 * time.Second}}
}

func (o *OSRMClient) Name() string { return "osrm" }

func osrmProfile(m models.Mode) string {
	switch m {
	case models.ModeBicycling:
		return "cycling"
	case models.ModeWalking:
		return "foot"
	default:
		return "driving"
	}
}

// Route queries /route/v1/{profile}/{lon1},{lat1};{lon2},{lat2} and returns the first route.
func (o *OSRMClient) Route(ctx context.Context, origin, destination models.Coordinate, mode models.Mode) (models.Route, error) {
	url := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=polyline",
		o.Endpoint, osrmProfile(mode), origin.Lng, origin.Lat, destination.Lng, destination.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return models.Route{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.Route{}, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	var out struct {
		Code   string `json:"code"`
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
			Geometry string  `json:"geometry"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Route{}, fmt.Errorf("osrm decode: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return models.Route{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	r := out.Routes[0]
	return models.Route{
		Origin:          origin,
		Destination:     destination,
		Mode:            mode,
		DistanceMeters:  r.Distance,
		DurationSeconds: r.Duration,
		Polyline:        r.Geometry,
	}, nil
}
