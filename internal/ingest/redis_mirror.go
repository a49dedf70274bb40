package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/food-dispatch/internal/geo"
	"github.com/example/food-dispatch/internal/models"
)

// Redis GEO cannot index the polar caps.
const maxGeoLat = 85.05112878

// applyIfNewer writes the GEO member and the position hash unless the stored observation is
// strictly newer. KEYS: geo set, position hash. ARGV: lng, lat, observed_ms, member, heading, speed, accuracy.
var applyIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[2], 'observed_ms')
if cur and tonumber(cur) > tonumber(ARGV[3]) then
  return 0
end
redis.call('GEOADD', KEYS[1], ARGV[1], ARGV[2], ARGV[4])
redis.call('HSET', KEYS[2], 'lat', ARGV[2], 'lng', ARGV[1], 'observed_ms', ARGV[3], 'heading_deg', ARGV[5], 'speed_kmh', ARGV[6], 'accuracy_m', ARGV[7])
return 1
`)

// LocationMirror keeps the latest known position of every driver in Redis for readers outside
// the API process.
type LocationMirror struct {
	rdb    redis.Scripter
	geoKey string
	prefix string
}

func NewLocationMirror(rdb redis.Scripter, geoKey, prefix string) *LocationMirror {
	return &LocationMirror{rdb: rdb, geoKey: geoKey, prefix: prefix}
}

func (l *LocationMirror) positionKey(driverID string) string { return l.prefix + driverID }

// DecodeLocationMessage parses and validates one message from the location topic.
func DecodeLocationMessage(b []byte) (LocationMessage, error) {
	var m LocationMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if m.DriverID == "" {
		return m, fmt.Errorf("%w: driver id required", models.ErrValidation)
	}
	if err := geo.ValidateCoordinate(models.Coordinate{Lat: m.Lat, Lng: m.Lng}); err != nil {
		return m, err
	}
	if m.Lat > maxGeoLat || m.Lat < -maxGeoLat {
		return m, fmt.Errorf("%w: latitude %v outside the indexable range", models.ErrValidation, m.Lat)
	}
	if m.ObservedAt.IsZero() {
		return m, fmt.Errorf("%w: observed_at required", models.ErrValidation)
	}
	return m, nil
}

// Apply mirrors m unless an equal or newer observation is already stored. It reports whether
// m was written.
func (l *LocationMirror) Apply(ctx context.Context, m LocationMessage) (bool, error) {
	n, err := applyIfNewer.Run(ctx, l.rdb,
		[]string{l.geoKey, l.positionKey(m.DriverID)},
		m.Lng, m.Lat, m.ObservedAt.UnixMilli(), m.DriverID, m.HeadingDeg, m.SpeedKmh, m.AccuracyM,
	).Int()
	if err != nil {
		return false, fmt.Errorf("mirror driver %s: %w", m.DriverID, err)
	}
	return n == 1, nil
}
