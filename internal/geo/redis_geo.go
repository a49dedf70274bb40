package geo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/food-dispatch/internal/models"
)

// RedisIndex keeps restaurant locations in a GEO set and their summaries in a hash.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) metaKey() string { return r.key + ":meta" }

func (r *RedisIndex) Upsert(ctx context.Context, s models.RestaurantSummary) error {
	if err := ValidateCoordinate(s.Location); err != nil {
		return err
	}
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode restaurant %s: %w", s.ID, err)
	}
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: s.Location.Lng, Latitude: s.Location.Lat, Name: s.ID})
	pipe.HSet(ctx, r.metaKey(), s.ID, b)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis upsert restaurant %s: %w", s.ID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, id)
	pipe.HDel(ctx, r.metaKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// Candidates narrows by GEORADIUS first, then loads summaries and drops inactive entries.
func (r *RedisIndex) Candidates(ctx context.Context, origin models.Coordinate, radiusKm float64) ([]models.RestaurantSummary, error) {
	res, err := r.client.GeoRadius(ctx, r.key, origin.Lng, origin.Lat, &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", Sort: "ASC"}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(res))
	for _, g := range res {
		ids = append(ids, g.Name)
	}
	vals, err := r.client.HMGet(ctx, r.metaKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget: %w", err)
	}
	out := make([]models.RestaurantSummary, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var s models.RestaurantSummary
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("decode restaurant %s: %w", ids[i], err)
		}
		if s.Active {
			out = append(out, s)
		}
	}
	return out, nil
}
