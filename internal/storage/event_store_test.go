package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talya/search-analytics/internal/models"
)

func seedStore(t *testing.T) *InMemoryEventStore {
	t.Helper()
	ctx := context.Background()
	s := NewInMemoryEventStore()

	require.NoError(t, s.SaveSearch(ctx, &models.SearchEvent{ID: "s3", ShopID: "shop", SessionID: "A", Query: "red shoes", TimestampMs: 300, SearchGroup: models.IntPtr(1)}))
	require.NoError(t, s.SaveSearch(ctx, &models.SearchEvent{ID: "s1", ShopID: "shop", SessionID: "A", Query: "shoes", TimestampMs: 100}))
	require.NoError(t, s.SaveSearch(ctx, &models.SearchEvent{ID: "s2", ShopID: "shop", SessionID: "B", Query: "shoes", TimestampMs: 100, SearchGroup: models.IntPtr(0)}))
	require.NoError(t, s.SaveSearch(ctx, &models.SearchEvent{ID: "other", ShopID: "other-shop", SessionID: "A", Query: "hat", TimestampMs: 150}))
	require.NoError(t, s.SaveAddToCart(ctx, &models.AddToCartEvent{ID: "c1", ShopID: "shop", SessionID: "A", TimestampMs: 400}))
	require.NoError(t, s.SavePurchase(ctx, &models.PurchaseEvent{ID: "p1", ShopID: "shop", SessionID: "A", TimestampMs: 50}))
	return s
}

func TestInMemoryListOrdersByTimestampThenInsertion(t *testing.T) {
	s := seedStore(t)

	got, err := s.ListSearches(context.Background(), Query{ShopID: "shop", FromMs: 0, ToMs: 1000})
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"s1", "s2", "s3"}, ids)
}

func TestInMemoryWindowIsInclusive(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	n, err := s.Count(ctx, models.KindSearch, Query{ShopID: "shop", FromMs: 100, ToMs: 300})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = s.Count(ctx, models.KindSearch, Query{ShopID: "shop", FromMs: 101, ToMs: 299})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInMemoryGroupFilterSkipsUngrouped(t *testing.T) {
	s := seedStore(t)

	got, err := s.ListSearches(context.Background(), Query{ShopID: "shop", FromMs: 0, ToMs: 1000, Group: models.IntPtr(0)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s2", got[0].ID)
}

func TestInMemoryTopQueries(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	q := Query{ShopID: "shop", FromMs: 0, ToMs: 1000}

	top, err := s.TopQueries(ctx, q, 0)
	require.NoError(t, err)
	assert.Equal(t, []models.TopQuery{{Term: "shoes", Count: 2}, {Term: "red shoes", Count: 1}}, top)

	top, err = s.TopQueries(ctx, q, 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestInMemorySearchesBySession(t *testing.T) {
	s := seedStore(t)

	got, err := s.ListSearchesBySession(context.Background(), "shop", "A")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListSearchesBySession(context.Background(), "shop", "missing")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInMemoryBackfillGroup(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	n, err := s.BackfillGroup(ctx, models.KindSearch, "shop", 200, 1)
	require.NoError(t, err)
	// Only s1 is ungrouped, older than the cutoff and owned by the shop.
	assert.Equal(t, int64(1), n)

	n, err = s.BackfillGroup(ctx, models.KindSearch, "shop", 200, 1)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.BackfillGroup(ctx, models.KindAddToCart, "shop", 200, 1)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.BackfillGroup(ctx, models.EventKind("impression"), "shop", 200, 1)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestInMemoryBackfillGroupLeavesOtherShopsAlone(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	_, err := s.BackfillGroup(ctx, models.KindSearch, "shop", 1<<60, 42)
	require.NoError(t, err)

	others, err := s.ListSearches(ctx, Query{ShopID: "other-shop", FromMs: 0, ToMs: 1000})
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Nil(t, others[0].SearchGroup)

	tagged, err := s.Count(ctx, models.KindSearch, Query{ShopID: "other-shop", FromMs: 0, ToMs: 1000, Group: models.IntPtr(42)})
	require.NoError(t, err)
	assert.Zero(t, tagged)
}

func TestInMemoryCountPerKind(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	q := Query{ShopID: "shop", FromMs: 0, ToMs: 1000}

	for kind, want := range map[models.EventKind]int64{
		models.KindSearch:       3,
		models.KindAddToCart:    1,
		models.KindPurchase:     1,
		models.KindProductClick: 0,
		models.KindBuyNowClick:  0,
	} {
		n, err := s.Count(ctx, kind, q)
		require.NoError(t, err)
		assert.Equal(t, want, n, kind)
	}
}
