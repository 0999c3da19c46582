package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const activeKeyPrefix = "demandcast:active:"

// activeCache caches the scope -> active model mapping. It is advisory:
// misses and errors fall through to the database, and promotions invalidate.
type activeCache interface {
	get(ctx context.Context, scope string) (uuid.UUID, bool)
	set(ctx context.Context, scope string, modelID uuid.UUID)
	invalidate(ctx context.Context, scope string)
}

type redisActiveCache struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisActiveCache(client *redis.Client) *redisActiveCache {
	return &redisActiveCache{client: client, ttl: 5 * time.Minute}
}

func (c *redisActiveCache) get(ctx context.Context, scope string) (uuid.UUID, bool) {
	val, err := c.client.Get(ctx, activeKeyPrefix+scope).Result()
	if err != nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (c *redisActiveCache) set(ctx context.Context, scope string, modelID uuid.UUID) {
	c.client.Set(ctx, activeKeyPrefix+scope, modelID.String(), c.ttl)
}

func (c *redisActiveCache) invalidate(ctx context.Context, scope string) {
	c.client.Del(ctx, activeKeyPrefix+scope)
}

type noopActiveCache struct{}

func (noopActiveCache) get(ctx context.Context, scope string) (uuid.UUID, bool) { return uuid.Nil, false }
func (noopActiveCache) set(ctx context.Context, scope string, modelID uuid.UUID) {}
func (noopActiveCache) invalidate(ctx context.Context, scope string)             {}
