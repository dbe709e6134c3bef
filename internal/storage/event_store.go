package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/talya/search-analytics/internal/models"
)

// InMemoryEventStore keeps events in insertion order. It backs tests and
// the service when no database is reachable.
type InMemoryEventStore struct {
	mu            sync.RWMutex
	searches      []*models.SearchEvent
	addToCarts    []*models.AddToCartEvent
	productClicks []*models.ProductClickEvent
	buyNowClicks  []*models.BuyNowClickEvent
	purchases     []*models.PurchaseEvent

	// Indexes for faster lookups
	searchesBySession map[string][]*models.SearchEvent // shop_id/session_id -> searches
}

// NewInMemoryEventStore creates a new in-memory event store.
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{
		searchesBySession: make(map[string][]*models.SearchEvent),
	}
}

func sessionKey(shopID, sessionID string) string {
	return shopID + "/" + sessionID
}

// selectInWindow keeps matching items and orders them by timestamp. The
// stable sort leaves equal timestamps in insertion order.
func selectInWindow[T any](items []T, keep func(T) bool, ts func(T) int64) []T {
	out := make([]T, 0)
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	slices.SortStableFunc(out, func(a, b T) int {
		return cmp.Compare(ts(a), ts(b))
	})
	return out
}

// =============================================
// Searches
// =============================================

func (s *InMemoryEventStore) SaveSearch(ctx context.Context, e *models.SearchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.searches = append(s.searches, e)
	if e.SessionID != "" {
		key := sessionKey(e.ShopID, e.SessionID)
		s.searchesBySession[key] = append(s.searchesBySession[key], e)
	}
	return nil
}

func (s *InMemoryEventStore) ListSearches(ctx context.Context, q Query) ([]*models.SearchEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return selectInWindow(s.searches,
		func(e *models.SearchEvent) bool { return q.matches(e.ShopID, e.TimestampMs, e.SearchGroup) },
		func(e *models.SearchEvent) int64 { return e.TimestampMs },
	), nil
}

func (s *InMemoryEventStore) ListSearchesBySession(ctx context.Context, shopID, sessionID string) ([]*models.SearchEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.searchesBySession[sessionKey(shopID, sessionID)]), nil
}

// TopQueries orders by count descending, then by query text.
func (s *InMemoryEventStore) TopQueries(ctx context.Context, q Query, limit int) ([]models.TopQuery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, e := range s.searches {
		if q.matches(e.ShopID, e.TimestampMs, e.SearchGroup) {
			counts[e.Query]++
		}
	}

	result := make([]models.TopQuery, 0, len(counts))
	for term, n := range counts {
		result = append(result, models.TopQuery{Term: term, Count: n})
	}
	slices.SortFunc(result, func(a, b models.TopQuery) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Term, b.Term)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// =============================================
// Add-to-cart
// =============================================

func (s *InMemoryEventStore) SaveAddToCart(ctx context.Context, e *models.AddToCartEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addToCarts = append(s.addToCarts, e)
	return nil
}

func (s *InMemoryEventStore) ListAddToCarts(ctx context.Context, q Query) ([]*models.AddToCartEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return selectInWindow(s.addToCarts,
		func(e *models.AddToCartEvent) bool { return q.matches(e.ShopID, e.TimestampMs, e.SearchGroup) },
		func(e *models.AddToCartEvent) int64 { return e.TimestampMs },
	), nil
}

// =============================================
// Clicks
// =============================================

func (s *InMemoryEventStore) SaveProductClick(ctx context.Context, e *models.ProductClickEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.productClicks = append(s.productClicks, e)
	return nil
}

func (s *InMemoryEventStore) ListProductClicks(ctx context.Context, q Query) ([]*models.ProductClickEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return selectInWindow(s.productClicks,
		func(e *models.ProductClickEvent) bool { return q.matches(e.ShopID, e.TimestampMs, e.SearchGroup) },
		func(e *models.ProductClickEvent) int64 { return e.TimestampMs },
	), nil
}

func (s *InMemoryEventStore) SaveBuyNowClick(ctx context.Context, e *models.BuyNowClickEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buyNowClicks = append(s.buyNowClicks, e)
	return nil
}

func (s *InMemoryEventStore) ListBuyNowClicks(ctx context.Context, q Query) ([]*models.BuyNowClickEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return selectInWindow(s.buyNowClicks,
		func(e *models.BuyNowClickEvent) bool { return q.matches(e.ShopID, e.TimestampMs, e.SearchGroup) },
		func(e *models.BuyNowClickEvent) int64 { return e.TimestampMs },
	), nil
}

// =============================================
// Purchases
// =============================================

func (s *InMemoryEventStore) SavePurchase(ctx context.Context, e *models.PurchaseEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purchases = append(s.purchases, e)
	return nil
}

func (s *InMemoryEventStore) ListPurchases(ctx context.Context, q Query) ([]*models.PurchaseEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return selectInWindow(s.purchases,
		func(e *models.PurchaseEvent) bool { return q.matches(e.ShopID, e.TimestampMs, e.SearchGroup) },
		func(e *models.PurchaseEvent) int64 { return e.TimestampMs },
	), nil
}

// =============================================
// Aggregations
// =============================================

func (s *InMemoryEventStore) Count(ctx context.Context, kind models.EventKind, q Query) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	tally := func(shopID string, ts int64, group *int) {
		if q.matches(shopID, ts, group) {
			count++
		}
	}

	switch kind {
	case models.KindSearch:
		for _, e := range s.searches {
			tally(e.ShopID, e.TimestampMs, e.SearchGroup)
		}
	case models.KindAddToCart:
		for _, e := range s.addToCarts {
			tally(e.ShopID, e.TimestampMs, e.SearchGroup)
		}
	case models.KindProductClick:
		for _, e := range s.productClicks {
			tally(e.ShopID, e.TimestampMs, e.SearchGroup)
		}
	case models.KindBuyNowClick:
		for _, e := range s.buyNowClicks {
			tally(e.ShopID, e.TimestampMs, e.SearchGroup)
		}
	case models.KindPurchase:
		for _, e := range s.purchases {
			tally(e.ShopID, e.TimestampMs, e.SearchGroup)
		}
	default:
		return 0, ErrUnknownKind
	}
	return count, nil
}

// =============================================
// Backfill
// =============================================

func (s *InMemoryEventStore) BackfillGroup(ctx context.Context, kind models.EventKind, shopID string, beforeMs int64, group int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated int64
	assign := func(shop string, ts int64, g **int) {
		if shop == shopID && ts < beforeMs && *g == nil {
			*g = models.IntPtr(group)
			updated++
		}
	}

	switch kind {
	case models.KindSearch:
		for _, e := range s.searches {
			assign(e.ShopID, e.TimestampMs, &e.SearchGroup)
		}
	case models.KindAddToCart:
		for _, e := range s.addToCarts {
			assign(e.ShopID, e.TimestampMs, &e.SearchGroup)
		}
	case models.KindProductClick:
		for _, e := range s.productClicks {
			assign(e.ShopID, e.TimestampMs, &e.SearchGroup)
		}
	case models.KindBuyNowClick:
		for _, e := range s.buyNowClicks {
			assign(e.ShopID, e.TimestampMs, &e.SearchGroup)
		}
	case models.KindPurchase:
		for _, e := range s.purchases {
			assign(e.ShopID, e.TimestampMs, &e.SearchGroup)
		}
	default:
		return 0, ErrUnknownKind
	}
	return updated, nil
}
