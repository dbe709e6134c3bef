package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateKeyPrefix = "fx:eur:"

// RedisRateSnapshotStore keeps one hash per day mapping currency to its
// EUR rate.
type RedisRateSnapshotStore struct {
	client *redis.Client
}

// NewRedisRateSnapshotStore creates a Redis-backed snapshot store.
func NewRedisRateSnapshotStore(client *redis.Client) *RedisRateSnapshotStore {
	return &RedisRateSnapshotStore{client: client}
}

func (s *RedisRateSnapshotStore) Load(ctx context.Context, date string) (map[string]float64, bool, error) {
	raw, err := s.client.HGetAll(ctx, rateKeyPrefix+date).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to load rate snapshot: %w", err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}

	rates := make(map[string]float64, len(raw))
	for currency, v := range raw {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, false, fmt.Errorf("rate snapshot %s: bad value for %s: %w", date, currency, err)
		}
		rates[currency] = rate
	}
	return rates, true, nil
}

func (s *RedisRateSnapshotStore) Save(ctx context.Context, date string, rates map[string]float64, ttl time.Duration) error {
	if len(rates) == 0 {
		return nil
	}

	key := rateKeyPrefix + date
	fields := make(map[string]any, len(rates))
	for currency, rate := range rates {
		fields[currency] = strconv.FormatFloat(rate, 'f', -1, 64)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save rate snapshot: %w", err)
	}
	return nil
}
