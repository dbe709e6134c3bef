package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRateSnapshotRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisRateSnapshotStore(client)
	ctx := context.Background()

	_, ok, err := store.Load(ctx, "2025-09-14")
	require.NoError(t, err)
	assert.False(t, ok)

	rates := map[string]float64{"USD": 1.0832, "ILS": 3.97, "EUR": 1}
	require.NoError(t, store.Save(ctx, "2025-09-14", rates, 26*time.Hour))

	got, ok, err := store.Load(ctx, "2025-09-14")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, rates, got)
	assert.Equal(t, 26*time.Hour, mr.TTL("fx:eur:2025-09-14"))

	mr.FastForward(27 * time.Hour)
	_, ok, err = store.Load(ctx, "2025-09-14")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisRateSnapshotBadValue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisRateSnapshotStore(client)

	mr.HSet("fx:eur:2025-09-14", "USD", "not-a-number")

	_, _, err := store.Load(context.Background(), "2025-09-14")
	assert.Error(t, err)
}
