package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/example/food-dispatch/internal/models"
)

func TestLocationMessageRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := models.DriverPosition{DriverID: "d1", Coordinate: models.Coordinate{Lat: 10.8, Lng: 106.7}, HeadingDeg: 90, SpeedKmh: 22, AccuracyM: 5, ObservedAt: at}
	b, err := json.Marshal(NewLocationMessage(p))
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	_ = json.Unmarshal(b, &raw)
	for _, k := range []string{"driver_id", "lat", "lng", "observed_at"} {
		if _, ok := raw[k]; !ok {
			t.Fatalf("missing %s in %s", k, b)
		}
	}
	var m LocationMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m.DriverID != "d1" || m.Lat != 10.8 || !m.ObservedAt.Equal(at) {
		t.Fatalf("decoded = %+v", m)
	}
}
