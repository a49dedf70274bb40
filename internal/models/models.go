package models

import "time"

// Coordinate is a WGS84 point. Values are immutable once validated.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Mode selects the routing profile.
type Mode string

const (
	ModeDriving   Mode = "driving"
	ModeBicycling Mode = "bicycling"
	ModeWalking   Mode = "walking"
)

// Valid reports whether m is a known mode. The empty mode is treated as driving by callers.
func (m Mode) Valid() bool {
	switch m {
	case ModeDriving, ModeBicycling, ModeWalking:
		return true
	}
	return false
}

// DriverPosition is the latest known fix reported by a driver.
type DriverPosition struct {
	DriverID   string     `json:"driver_id"`
	Coordinate Coordinate `json:"coordinate"`
	HeadingDeg float64    `json:"heading_deg"`
	SpeedKmh   float64    `json:"speed_kmh"`
	AccuracyM  float64    `json:"accuracy_m"`
	ObservedAt time.Time  `json:"observed_at"`
}

// Route is a normalized routing result. IsEstimated marks a straight-line fallback.
type Route struct {
	Origin          Coordinate `json:"origin"`
	Destination     Coordinate `json:"destination"`
	Mode            Mode       `json:"mode"`
	DistanceMeters  float64    `json:"distance_meters"`
	DurationSeconds float64    `json:"duration_seconds"`
	Polyline        string     `json:"polyline,omitempty"`
	ComputedAt      time.Time  `json:"computed_at"`
	IsEstimated     bool       `json:"is_estimated"`
}

// DeliveryEstimate is derived on demand and never persisted beyond an order's current estimate.
type DeliveryEstimate struct {
	PreparationMinutes int       `json:"preparation_minutes"`
	TravelMinutes      int       `json:"travel_minutes"`
	BufferMinutes      int       `json:"buffer_minutes"`
	TotalMinutes       int       `json:"total_minutes"`
	RangeMinMinutes    int       `json:"range_min_minutes"`
	RangeMaxMinutes    int       `json:"range_max_minutes"`
	RangeText          string    `json:"range_text"`
	IsEstimated        bool      `json:"is_estimated"`
	EstimatedAt        time.Time `json:"estimated_at"`
	DeliverBy          time.Time `json:"deliver_by"`
}

// OpenHours is a daily window in minutes since local midnight. A window whose close is
// before its open spans midnight. The zero value means open all day.
type OpenHours struct {
	OpenMinute  int `json:"open_minute"`
	CloseMinute int `json:"close_minute"`
}

// RestaurantSummary is the slice of catalog data the nearby search needs.
type RestaurantSummary struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Category           string     `json:"category"`
	Rating             float64    `json:"rating"` // 0..5
	Location           Coordinate `json:"location"`
	Featured           bool       `json:"featured"`
	Active             bool       `json:"active"`
	PreparationMinutes int        `json:"preparation_minutes"`
	Hours              OpenHours  `json:"hours"`
}

// IsOpen reports whether the restaurant accepts orders at now (local clock of now).
func (r RestaurantSummary) IsOpen(now time.Time) bool {
	h := r.Hours
	if h.OpenMinute == h.CloseMinute {
		return true
	}
	m := now.Hour()*60 + now.Minute()
	if h.OpenMinute < h.CloseMinute {
		return m >= h.OpenMinute && m < h.CloseMinute
	}
	return m >= h.OpenMinute || m < h.CloseMinute
}
