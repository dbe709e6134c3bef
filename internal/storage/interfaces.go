package storage

import (
	"context"
	"errors"
	"time"

	"github.com/talya/search-analytics/internal/models"
)

// ErrUnknownKind is returned for an event kind a store has no table for.
var ErrUnknownKind = errors.New("unknown event kind")

// Query selects the events of one shop whose timestamp lies in
// [FromMs, ToMs], both ends inclusive. A non-nil Group keeps only events
// tagged with that group; events without a group never match it.
type Query struct {
	ShopID string
	FromMs int64
	ToMs   int64
	Group  *int
}

func (q Query) matches(shopID string, ts int64, group *int) bool {
	if shopID != q.ShopID || ts < q.FromMs || ts > q.ToMs {
		return false
	}
	if q.Group == nil {
		return true
	}
	return group != nil && *group == *q.Group
}

// =============================================
// EVENT STORE
// =============================================

// EventReader is the read side used by the analytics core. List methods
// return events ordered by timestamp ascending; ties keep storage order.
type EventReader interface {
	Count(ctx context.Context, kind models.EventKind, q Query) (int64, error)

	ListSearches(ctx context.Context, q Query) ([]*models.SearchEvent, error)
	ListAddToCarts(ctx context.Context, q Query) ([]*models.AddToCartEvent, error)
	ListProductClicks(ctx context.Context, q Query) ([]*models.ProductClickEvent, error)
	ListBuyNowClicks(ctx context.Context, q Query) ([]*models.BuyNowClickEvent, error)
	ListPurchases(ctx context.Context, q Query) ([]*models.PurchaseEvent, error)

	// ListSearchesBySession returns every search of a session regardless of time.
	ListSearchesBySession(ctx context.Context, shopID, sessionID string) ([]*models.SearchEvent, error)

	// TopQueries returns query strings by descending frequency. A limit
	// of zero or less returns every distinct query.
	TopQueries(ctx context.Context, q Query, limit int) ([]models.TopQuery, error)
}

// EventWriter is the write side used by ingestion.
type EventWriter interface {
	SaveSearch(ctx context.Context, e *models.SearchEvent) error
	SaveAddToCart(ctx context.Context, e *models.AddToCartEvent) error
	SaveProductClick(ctx context.Context, e *models.ProductClickEvent) error
	SaveBuyNowClick(ctx context.Context, e *models.BuyNowClickEvent) error
	SavePurchase(ctx context.Context, e *models.PurchaseEvent) error

	// BackfillGroup sets group on shopID's events of kind older than
	// beforeMs that have no group yet and reports how many were updated.
	BackfillGroup(ctx context.Context, kind models.EventKind, shopID string, beforeMs int64, group int) (int64, error)
}

// EventStore is implemented by every backend.
type EventStore interface {
	EventReader
	EventWriter
}

// =============================================
// RATE SNAPSHOTS
// =============================================

// RateSnapshotStore shares a day's EUR rate table between replicas.
type RateSnapshotStore interface {
	// Load returns the table stored for date (YYYY-MM-DD), if any.
	Load(ctx context.Context, date string) (map[string]float64, bool, error)
	Save(ctx context.Context, date string, rates map[string]float64, ttl time.Duration) error
}
