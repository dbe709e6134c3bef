package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/talya/search-analytics/internal/metrics"
	"github.com/talya/search-analytics/internal/models"
	"github.com/talya/search-analytics/internal/storage"
)

const prefix = "gid://shopify/Product/"

func strPtr(s string) *string { return &s }
func i64Ptr(v int64) *int64   { return &v }

func newTestService(t *testing.T) (*Service, *storage.InMemoryEventStore, *metrics.Metrics) {
	t.Helper()
	store := storage.NewInMemoryEventStore()
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	svc := NewService(store, prefix, zap.NewNop(), m)
	svc.now = func() time.Time { return time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC) }
	return svc, store, m
}

func seedSearch(t *testing.T, svc *Service, session string, products ...string) {
	t.Helper()
	_, err := svc.RecordSearch(context.Background(), SearchInput{
		ShopID: "s1", SessionID: session, Query: "red shoes", ProductIDs: products,
	})
	require.NoError(t, err)
}

func allEvents(t *testing.T, store *storage.InMemoryEventStore) *models.FullExport {
	t.Helper()
	q := storage.Query{ShopID: "s1", FromMs: 0, ToMs: time.Now().AddDate(10, 0, 0).UnixMilli()}
	ctx := context.Background()
	out := &models.FullExport{}
	var err error
	out.SearchEvents, err = store.ListSearches(ctx, q)
	require.NoError(t, err)
	out.AddToCartEvents, err = store.ListAddToCarts(ctx, q)
	require.NoError(t, err)
	out.ProductClickEvents, err = store.ListProductClicks(ctx, q)
	require.NoError(t, err)
	out.BuyNowClickEvents, err = store.ListBuyNowClicks(ctx, q)
	require.NoError(t, err)
	out.PurchaseEvents, err = store.ListPurchases(ctx, q)
	require.NoError(t, err)
	return out
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in       string
		price    *float64
		currency string
	}{
		{"50", models.Float64Ptr(50), ""},
		{"50 NIS", models.Float64Ptr(50), "NIS"},
		{"  12.50   USD ", models.Float64Ptr(12.5), "USD"},
		{"abc EUR", nil, "EUR"},
		{"", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			price, currency := ParsePrice(tt.in)
			assert.Equal(t, tt.price, price)
			assert.Equal(t, tt.currency, currency)
		})
	}
}

func TestRecordSearch(t *testing.T) {
	svc, store, m := newTestService(t)

	id, err := svc.RecordSearch(context.Background(), SearchInput{
		ShopID: "s1", SessionID: "a", Query: "red shoes",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	events := allEvents(t, store).SearchEvents
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].ID)
	assert.NotEmpty(t, events[0].SearchID)
	assert.NotNil(t, events[0].ProductIDs)
	assert.Equal(t, svc.now().UnixMilli(), events[0].TimestampMs)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsIngested.WithLabelValues("search", "stored")))

	_, err = svc.RecordSearch(context.Background(), SearchInput{SessionID: "a"})
	assert.ErrorIs(t, err, ErrMissingShop)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsIngested.WithLabelValues("search", "rejected")))

	_, err = svc.RecordSearch(context.Background(), SearchInput{ShopID: "s1", Query: "red shoes"})
	assert.ErrorIs(t, err, ErrMissingSession)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsIngested.WithLabelValues("search", "rejected")))
	assert.Len(t, allEvents(t, store).SearchEvents, 1)
}

func TestRecordAddToCart(t *testing.T) {
	svc, store, m := newTestService(t)
	seedSearch(t, svc, "a", "p1")

	id, err := svc.RecordAddToCart(context.Background(), CartInput{
		ShopID: "s1", SessionID: "a", ProductID: "p1", Price: strPtr("50 NIS"), TimestampMs: i64Ptr(1234),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	carts := allEvents(t, store).AddToCartEvents
	require.Len(t, carts, 1)
	assert.Equal(t, 50.0, *carts[0].Price)
	assert.Equal(t, "NIS", carts[0].Currency)
	assert.Equal(t, int64(1234), carts[0].TimestampMs)

	// Explicit currency beats the price suffix.
	_, err = svc.RecordAddToCart(context.Background(), CartInput{
		ShopID: "s1", SessionID: "a", ProductID: "p1", Price: strPtr("oops NIS"), Currency: "USD",
	})
	require.NoError(t, err)
	carts = allEvents(t, store).AddToCartEvents
	require.Len(t, carts, 2)
	assert.Nil(t, carts[1].Price)
	assert.Equal(t, "USD", carts[1].Currency)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsIngested.WithLabelValues("add_to_cart", "stored")))
}

func TestRecordAddToCart_Ignored(t *testing.T) {
	svc, store, m := newTestService(t)
	seedSearch(t, svc, "a", "p1")
	ctx := context.Background()

	_, err := svc.RecordAddToCart(ctx, CartInput{ShopID: "s1", SessionID: "a", ProductID: "p2"})
	assert.ErrorIs(t, err, ErrNotAttributed)

	_, err = svc.RecordAddToCart(ctx, CartInput{ShopID: "s1", SessionID: "b", ProductID: "p1"})
	assert.ErrorIs(t, err, ErrNotAttributed)

	_, err = svc.RecordAddToCart(ctx, CartInput{ShopID: "s1", ProductID: "p1"})
	assert.ErrorIs(t, err, ErrMissingSession)

	// Same session id under another shop is a different session.
	_, err = svc.RecordAddToCart(ctx, CartInput{ShopID: "s2", SessionID: "a", ProductID: "p1"})
	assert.ErrorIs(t, err, ErrNotAttributed)

	assert.Empty(t, allEvents(t, store).AddToCartEvents)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsIngested.WithLabelValues("add_to_cart", "ignored")))
}

func TestRecordProductClick(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedSearch(t, svc, "a", "p1")
	ctx := context.Background()

	// Returned product.
	_, err := svc.RecordProductClick(ctx, ClickInput{ShopID: "s1", SessionID: "a", ProductID: "p1"})
	require.NoError(t, err)

	// Recommendation with a storefront product id.
	_, err = svc.RecordProductClick(ctx, ClickInput{ShopID: "s1", SessionID: "a", ProductID: prefix + "42"})
	require.NoError(t, err)

	_, err = svc.RecordProductClick(ctx, ClickInput{ShopID: "s1", SessionID: "a", ProductID: "junk"})
	assert.ErrorIs(t, err, ErrNotAttributed)

	_, err = svc.RecordProductClick(ctx, ClickInput{ShopID: "s1", SessionID: "nobody", ProductID: prefix + "42"})
	assert.ErrorIs(t, err, ErrNotAttributed)

	assert.Len(t, allEvents(t, store).ProductClickEvents, 2)
}

func TestRecordBuyNowClick(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedSearch(t, svc, "a", "p1")
	ctx := context.Background()

	_, err := svc.RecordBuyNowClick(ctx, BuyNowInput{
		ShopID: "s1", SessionID: "a", ProductID: prefix + "7", Price: models.Float64Ptr(10), Currency: "EUR",
	})
	require.NoError(t, err)

	_, err = svc.RecordBuyNowClick(ctx, BuyNowInput{ShopID: "s1", ProductID: prefix + "7"})
	assert.ErrorIs(t, err, ErrMissingSession)

	assert.Len(t, allEvents(t, store).BuyNowClickEvents, 1)
}

func TestRecordPurchase(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RecordPurchase(ctx, PurchaseInput{
		ShopID: "s1", SessionID: "a", Currency: "NIS",
		Products: []PurchaseLineInput{{ProductID: "p1", Price: models.Float64Ptr(50), Quantity: models.IntPtr(2)}},
	})
	require.NoError(t, err)

	_, err = svc.RecordPurchase(ctx, PurchaseInput{
		ShopID: "s1", SessionID: "a", ProductIDs: []string{"p1", "p2"}, TotalAmount: models.Float64Ptr(80),
	})
	require.NoError(t, err)

	_, err = svc.RecordPurchase(ctx, PurchaseInput{ShopID: "s1", SessionID: "a"})
	require.NoError(t, err)

	purchases := allEvents(t, store).PurchaseEvents
	require.Len(t, purchases, 3)
	assert.Equal(t, models.VariantLineItems, purchases[0].Variant())
	assert.Equal(t, models.VariantFlatList, purchases[1].Variant())
	assert.Equal(t, []string{"p1", "p2"}, purchases[1].ProductIDs())
	assert.Nil(t, purchases[2].Lines)
}

func TestBackfillSearchGroup(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	cutoff := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for _, in := range []SearchInput{
		{ShopID: "s1", SessionID: "a", TimestampMs: i64Ptr(cutoff.UnixMilli() - 1)},
		{ShopID: "s1", SessionID: "b", TimestampMs: i64Ptr(cutoff.UnixMilli() - 1), SearchGroup: models.IntPtr(0)},
		{ShopID: "s1", SessionID: "c", TimestampMs: i64Ptr(cutoff.UnixMilli())},
		{ShopID: "s2", SessionID: "d", TimestampMs: i64Ptr(cutoff.UnixMilli() - 1)},
	} {
		_, err := svc.RecordSearch(ctx, in)
		require.NoError(t, err)
	}
	_, err := svc.RecordPurchase(ctx, PurchaseInput{ShopID: "s1", SessionID: "a", TimestampMs: i64Ptr(1)})
	require.NoError(t, err)

	res, err := svc.BackfillSearchGroup(ctx, "s1", cutoff, DefaultBackfillGroup)
	require.NoError(t, err)
	assert.Equal(t, "s1", res.ShopID)
	assert.Equal(t, int64(1), res.Updated[models.KindSearch])
	assert.Equal(t, int64(1), res.Updated[models.KindPurchase])
	assert.Equal(t, int64(0), res.Updated[models.KindAddToCart])
	assert.Len(t, res.Updated, len(models.AllKinds))

	searches := allEvents(t, store).SearchEvents
	require.Len(t, searches, 3)
	assert.Equal(t, models.GroupVariant, *searches[0].SearchGroup)
	assert.Equal(t, models.GroupBaseline, *searches[1].SearchGroup)
	assert.Nil(t, searches[2].SearchGroup)

	others, err := store.ListSearches(ctx, storage.Query{ShopID: "s2", ToMs: cutoff.UnixMilli()})
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Nil(t, others[0].SearchGroup)

	// A second run has nothing left to update.
	res, err = svc.BackfillSearchGroup(ctx, "s1", cutoff, DefaultBackfillGroup)
	require.NoError(t, err)
	assert.Zero(t, res.Updated[models.KindSearch])

	_, err = svc.BackfillSearchGroup(ctx, "", cutoff, DefaultBackfillGroup)
	assert.ErrorIs(t, err, ErrMissingShop)
}

type brokenStore struct {
	*storage.InMemoryEventStore
}

func (brokenStore) SavePurchase(context.Context, *models.PurchaseEvent) error {
	return errors.New("disk full")
}

func TestRecordPurchase_StoreError(t *testing.T) {
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	svc := NewService(brokenStore{storage.NewInMemoryEventStore()}, prefix, zap.NewNop(), m)

	_, err := svc.RecordPurchase(context.Background(), PurchaseInput{ShopID: "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsIngested.WithLabelValues("purchase", "error")))
}
