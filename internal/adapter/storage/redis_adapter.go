package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/cart-ledger/internal/port"
)

const (
	idempotencyKeyPrefix = "idempotency:checkout:"
	idempotencyKeyTTL    = 24 * time.Hour
	idempotencyPending   = "pending"
)

var _ port.IdempotencyRepository = (*RedisAdapter)(nil)

// releases the key only while it still marks an unfinished checkout
var releaseIdempotencyScript = redis.NewScript(`
local key = KEYS[1]
local pending = ARGV[1]

local current = redis.call('GET', key)
if current == pending then
	redis.call('DEL', key)
	return 1
end

return 0
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, idempotencyPending, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) CompleteIdempotency(ctx context.Context, key, checkoutID string) error {
	return r.client.Set(ctx, idempotencyKeyPrefix+key, checkoutID, idempotencyKeyTTL).Err()
}

func (r *RedisAdapter) LookupIdempotency(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, idempotencyKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if value == idempotencyPending {
		return "", true, nil
	}

	return value, true, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return releaseIdempotencyScript.Run(ctx, r.client, []string{idempotencyKeyPrefix + key}, idempotencyPending).Err()
}
