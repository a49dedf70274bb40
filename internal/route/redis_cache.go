package route

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/food-dispatch/internal/models"
)

// RedisCache shares computed routes between API replicas.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "route:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) (models.Route, bool, error) {
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Route{}, false, nil
	}
	if err != nil {
		return models.Route{}, false, err
	}
	var r models.Route
	if err := json.Unmarshal(b, &r); err != nil {
		return models.Route{}, false, err
	}
	return r, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, r models.Route, ttl time.Duration) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, b, ttl).Err()
}
