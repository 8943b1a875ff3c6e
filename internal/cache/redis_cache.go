package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/sirbex/Digital-Shop-sub002/internal/domain"
)

type RedisBalanceCache struct {
	client *redis.Client
}

func NewRedisBalanceCache(addr string, password string, db int) *RedisBalanceCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisBalanceCache{client: client}
}

func (c *RedisBalanceCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisBalanceCache) Close() error {
	return c.client.Close()
}

func (c *RedisBalanceCache) Get(ctx context.Context, customerID string) (*domain.CustomerBalance, bool, error) {
	val, err := c.client.Get(ctx, balanceKey(customerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var balance domain.CustomerBalance
	if err := json.Unmarshal([]byte(val), &balance); err != nil {
		return nil, false, err
	}
	return &balance, true, nil
}

// generationTTL outlives any balance entry; an expired generation reads as
// zero, which no in-flight reader holding a higher value can match.
const generationTTL = 24 * time.Hour

func (c *RedisBalanceCache) Generation(ctx context.Context, customerID string) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey(customerID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Set stores value only while the customer's generation still equals
// generation. The check and the write run in one WATCH transaction, so an
// Invalidate landing in between aborts the write.
func (c *RedisBalanceCache) Set(ctx context.Context, value domain.CustomerBalance, generation int64, ttl time.Duration) error {
	if value.CustomerID == "" || ttl <= 0 {
		return nil
	}
	value.Cached = false
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}

	genKey := generationKey(value.CustomerID)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != generation {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, balanceKey(value.CustomerID), payload, ttl)
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

func (c *RedisBalanceCache) Invalidate(ctx context.Context, customerID string) error {
	if customerID == "" {
		return nil
	}
	genKey := generationKey(customerID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, generationTTL)
		pipe.Del(ctx, balanceKey(customerID))
		return nil
	})
	return err
}
