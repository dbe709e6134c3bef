// Package ingest records storefront events posted by the tracking script.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/talya/search-analytics/internal/analytics"
	"github.com/talya/search-analytics/internal/metrics"
	"github.com/talya/search-analytics/internal/models"
	"github.com/talya/search-analytics/internal/storage"
)

var (
	ErrMissingShop    = errors.New("shopId is required")
	ErrMissingSession = errors.New("sessionId is required")
	// ErrNotAttributed marks an event that cannot be tied to a search in
	// its session. Such events are dropped, not stored.
	ErrNotAttributed = errors.New("event not attributable to a search")
)

// Ingest outcomes reported to metrics.
const (
	outcomeStored   = "stored"
	outcomeIgnored  = "ignored"
	outcomeRejected = "rejected"
	outcomeFailed   = "error"
)

// DefaultBackfillCutoff is the moment experiment groups started being sent
// with every event. Older events without a group ran the AI search.
var DefaultBackfillCutoff = time.Date(2026, 2, 8, 0, 0, 0, 0, time.UTC)

// DefaultBackfillGroup is assigned to legacy events by the backfill.
const DefaultBackfillGroup = models.GroupVariant

// Service validates and stores incoming events.
type Service struct {
	store         storage.EventStore
	productPrefix string
	logger        *zap.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

// NewService creates an ingest service.
func NewService(store storage.EventStore, productPrefix string, logger *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:         store,
		productPrefix: productPrefix,
		logger:        logger,
		metrics:       m,
		now:           time.Now,
	}
}

func (s *Service) timestamp(ts *int64) int64 {
	if ts != nil && *ts > 0 {
		return *ts
	}
	return s.now().UnixMilli()
}

// finish records the outcome of one ingest call and passes err through.
func (s *Service) finish(kind models.EventKind, err error) error {
	switch {
	case err == nil:
		s.metrics.RecordIngest(string(kind), outcomeStored)
	case errors.Is(err, ErrNotAttributed):
		s.metrics.RecordIngest(string(kind), outcomeIgnored)
	case errors.Is(err, ErrMissingShop), errors.Is(err, ErrMissingSession):
		s.metrics.RecordIngest(string(kind), outcomeRejected)
	default:
		s.metrics.RecordIngest(string(kind), outcomeFailed)
		s.logger.Error("failed to store event", zap.String("kind", string(kind)), zap.Error(err))
	}
	return err
}

// sessionIndex loads the searches of one session for attribution checks.
func (s *Service) sessionIndex(ctx context.Context, shopID, sessionID string) (*analytics.SessionIndex, error) {
	searches, err := s.store.ListSearchesBySession(ctx, shopID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session searches: %w", err)
	}
	return analytics.NewSessionIndex(searches, s.productPrefix), nil
}

func (s *Service) ignore(kind models.EventKind, shopID, sessionID, productID string, v analytics.Verdict) error {
	s.logger.Debug("event ignored",
		zap.String("kind", string(kind)),
		zap.String("shop_id", shopID),
		zap.String("session_id", sessionID),
		zap.String("product_id", productID),
		zap.String("reason", string(v.Reason)),
	)
	return fmt.Errorf("%w: %s", ErrNotAttributed, v.Reason)
}

// ===========================================
// SEARCH
// ===========================================

type SearchInput struct {
	ShopID      string   `json:"shopId"`
	SearchID    string   `json:"searchId"`
	ClientID    string   `json:"clientId"`
	SessionID   string   `json:"sessionId"`
	Query       string   `json:"query"`
	ProductIDs  []string `json:"productIds"`
	SearchGroup *int     `json:"searchGroup"`
	TimestampMs *int64   `json:"timestampMs"`
}

// RecordSearch stores a search and returns its id. A search id is
// generated when the client sent none.
func (s *Service) RecordSearch(ctx context.Context, in SearchInput) (string, error) {
	switch {
	case in.ShopID == "":
		return "", s.finish(models.KindSearch, ErrMissingShop)
	case in.SessionID == "":
		return "", s.finish(models.KindSearch, ErrMissingSession)
	}
	searchID := in.SearchID
	if searchID == "" {
		searchID = uuid.NewString()
	}
	e := &models.SearchEvent{
		ID:          uuid.NewString(),
		ShopID:      in.ShopID,
		SearchID:    searchID,
		ClientID:    in.ClientID,
		SessionID:   in.SessionID,
		Query:       in.Query,
		ProductIDs:  in.ProductIDs,
		TimestampMs: s.timestamp(in.TimestampMs),
		SearchGroup: in.SearchGroup,
	}
	if e.ProductIDs == nil {
		e.ProductIDs = []string{}
	}
	if err := s.store.SaveSearch(ctx, e); err != nil {
		return "", s.finish(models.KindSearch, fmt.Errorf("save search: %w", err))
	}
	return e.ID, s.finish(models.KindSearch, nil)
}

// ===========================================
// ADD-TO-CART
// ===========================================

type CartInput struct {
	ShopID    string `json:"shopId"`
	ClientID  string `json:"clientId"`
	SessionID string `json:"sessionId"`
	ProductID string `json:"productId"`
	SearchID  string `json:"searchId"`
	// Price is sent as display text, for example "50" or "50 NIS".
	Price       *string `json:"price"`
	Currency    string  `json:"currency"`
	SearchGroup *int    `json:"searchGroup"`
	TimestampMs *int64  `json:"timestampMs"`
}

// ParsePrice splits "<number> [<currency>]". An unparseable number yields
// a nil price; the currency suffix is returned either way.
func ParsePrice(text string) (*float64, string) {
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil, ""
	}
	var currency string
	if len(parts) > 1 {
		currency = parts[1]
	}
	v, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return nil, currency
	}
	return &v, currency
}

// RecordAddToCart stores an add-to-cart whose product was returned by a
// search in the same session. Other carts are dropped with ErrNotAttributed.
func (s *Service) RecordAddToCart(ctx context.Context, in CartInput) (string, error) {
	switch {
	case in.ShopID == "":
		return "", s.finish(models.KindAddToCart, ErrMissingShop)
	case in.SessionID == "":
		return "", s.finish(models.KindAddToCart, ErrMissingSession)
	}

	e := &models.AddToCartEvent{
		ID:          uuid.NewString(),
		ShopID:      in.ShopID,
		ClientID:    in.ClientID,
		SessionID:   in.SessionID,
		ProductID:   in.ProductID,
		SearchID:    in.SearchID,
		TimestampMs: s.timestamp(in.TimestampMs),
		Currency:    in.Currency,
		SearchGroup: in.SearchGroup,
	}
	if in.Price != nil {
		price, suffix := ParsePrice(*in.Price)
		if price == nil {
			s.logger.Warn("failed to parse price", zap.String("price", *in.Price))
		}
		e.Price = price
		if e.Currency == "" {
			e.Currency = suffix
		}
	}

	idx, err := s.sessionIndex(ctx, in.ShopID, in.SessionID)
	if err != nil {
		return "", s.finish(models.KindAddToCart, err)
	}
	if v := idx.ValidateCart(e); !v.Valid {
		return "", s.finish(models.KindAddToCart, s.ignore(models.KindAddToCart, in.ShopID, in.SessionID, in.ProductID, v))
	}

	if err := s.store.SaveAddToCart(ctx, e); err != nil {
		return "", s.finish(models.KindAddToCart, fmt.Errorf("save add-to-cart: %w", err))
	}
	return e.ID, s.finish(models.KindAddToCart, nil)
}

// ===========================================
// PURCHASE
// ===========================================

type PurchaseLineInput struct {
	ProductID string   `json:"productId"`
	Name      string   `json:"name"`
	Price     *float64 `json:"price"`
	Quantity  *int     `json:"quantity"`
}

type PurchaseInput struct {
	ShopID    string `json:"shopId"`
	ClientID  string `json:"clientId"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	// Products carries priced line items. Older scripts send ProductIDs
	// and TotalAmount instead.
	Products    []PurchaseLineInput `json:"products"`
	ProductIDs  []string            `json:"productIds"`
	TotalAmount *float64            `json:"totalAmount"`
	Currency    string              `json:"currency"`
	OrderStatus string              `json:"orderStatus"`
	SearchGroup *int                `json:"searchGroup"`
	TimestampMs *int64              `json:"timestampMs"`
}

func (in PurchaseInput) lines() []models.PurchaseLine {
	if len(in.Products) > 0 {
		lines := make([]models.PurchaseLine, 0, len(in.Products))
		for _, p := range in.Products {
			lines = append(lines, models.PurchaseLine{
				ProductID: p.ProductID,
				Name:      p.Name,
				Price:     p.Price,
				Quantity:  p.Quantity,
			})
		}
		return lines
	}
	if in.ProductIDs != nil {
		return models.NewFlatPurchaseLines(in.ProductIDs)
	}
	return nil
}

// RecordPurchase stores an order. Purchases are attributed at query time,
// so nothing beyond the shop is checked here.
func (s *Service) RecordPurchase(ctx context.Context, in PurchaseInput) (string, error) {
	if in.ShopID == "" {
		return "", s.finish(models.KindPurchase, ErrMissingShop)
	}
	e := &models.PurchaseEvent{
		ID:          uuid.NewString(),
		ShopID:      in.ShopID,
		ClientID:    in.ClientID,
		SessionID:   in.SessionID,
		UserID:      in.UserID,
		Lines:       in.lines(),
		TotalAmount: in.TotalAmount,
		Currency:    in.Currency,
		OrderStatus: in.OrderStatus,
		TimestampMs: s.timestamp(in.TimestampMs),
		SearchGroup: in.SearchGroup,
	}
	if err := s.store.SavePurchase(ctx, e); err != nil {
		return "", s.finish(models.KindPurchase, fmt.Errorf("save purchase: %w", err))
	}
	return e.ID, s.finish(models.KindPurchase, nil)
}

// ===========================================
// CLICKS
// ===========================================

type ClickInput struct {
	ShopID       string `json:"shopId"`
	ClientID     string `json:"clientId"`
	SessionID    string `json:"sessionId"`
	ProductID    string `json:"productId"`
	SearchID     string `json:"searchId"`
	Query        string `json:"query"`
	ProductTitle string `json:"productTitle"`
	URL          string `json:"url"`
	SearchGroup  *int   `json:"searchGroup"`
	TimestampMs  *int64 `json:"timestampMs"`
}

// RecordProductClick stores a click from a session that searched.
func (s *Service) RecordProductClick(ctx context.Context, in ClickInput) (string, error) {
	switch {
	case in.ShopID == "":
		return "", s.finish(models.KindProductClick, ErrMissingShop)
	case in.SessionID == "":
		return "", s.finish(models.KindProductClick, ErrMissingSession)
	}

	e := &models.ProductClickEvent{
		ID:           uuid.NewString(),
		ShopID:       in.ShopID,
		ClientID:     in.ClientID,
		SessionID:    in.SessionID,
		ProductID:    in.ProductID,
		SearchID:     in.SearchID,
		Query:        in.Query,
		ProductTitle: in.ProductTitle,
		URL:          in.URL,
		TimestampMs:  s.timestamp(in.TimestampMs),
		SearchGroup:  in.SearchGroup,
	}

	idx, err := s.sessionIndex(ctx, in.ShopID, in.SessionID)
	if err != nil {
		return "", s.finish(models.KindProductClick, err)
	}
	if v := idx.ValidateClick(e); !v.Valid && !idx.Returned(e.SessionID, e.ProductID) {
		return "", s.finish(models.KindProductClick, s.ignore(models.KindProductClick, in.ShopID, in.SessionID, in.ProductID, v))
	}

	if err := s.store.SaveProductClick(ctx, e); err != nil {
		return "", s.finish(models.KindProductClick, fmt.Errorf("save product click: %w", err))
	}
	return e.ID, s.finish(models.KindProductClick, nil)
}

type BuyNowInput struct {
	ShopID      string   `json:"shopId"`
	ClientID    string   `json:"clientId"`
	SessionID   string   `json:"sessionId"`
	ProductID   string   `json:"productId"`
	Price       *float64 `json:"price"`
	Currency    string   `json:"currency"`
	SearchGroup *int     `json:"searchGroup"`
	TimestampMs *int64   `json:"timestampMs"`
}

// RecordBuyNowClick applies the product click rule to buy-now clicks.
func (s *Service) RecordBuyNowClick(ctx context.Context, in BuyNowInput) (string, error) {
	switch {
	case in.ShopID == "":
		return "", s.finish(models.KindBuyNowClick, ErrMissingShop)
	case in.SessionID == "":
		return "", s.finish(models.KindBuyNowClick, ErrMissingSession)
	}

	e := &models.BuyNowClickEvent{
		ID:          uuid.NewString(),
		ShopID:      in.ShopID,
		ClientID:    in.ClientID,
		SessionID:   in.SessionID,
		ProductID:   in.ProductID,
		TimestampMs: s.timestamp(in.TimestampMs),
		Price:       in.Price,
		Currency:    in.Currency,
		SearchGroup: in.SearchGroup,
	}

	idx, err := s.sessionIndex(ctx, in.ShopID, in.SessionID)
	if err != nil {
		return "", s.finish(models.KindBuyNowClick, err)
	}
	if v := idx.ValidateBuyNow(e); !v.Valid && !idx.Returned(e.SessionID, e.ProductID) {
		return "", s.finish(models.KindBuyNowClick, s.ignore(models.KindBuyNowClick, in.ShopID, in.SessionID, in.ProductID, v))
	}

	if err := s.store.SaveBuyNowClick(ctx, e); err != nil {
		return "", s.finish(models.KindBuyNowClick, fmt.Errorf("save buy-now click: %w", err))
	}
	return e.ID, s.finish(models.KindBuyNowClick, nil)
}

// ===========================================
// BACKFILL
// ===========================================

// BackfillSearchGroup assigns group to every event of shopID recorded
// before cutoff that has no group yet.
func (s *Service) BackfillSearchGroup(ctx context.Context, shopID string, cutoff time.Time, group int) (*models.BackfillResult, error) {
	if shopID == "" {
		return nil, ErrMissingShop
	}
	res := &models.BackfillResult{
		ShopID:   shopID,
		CutoffMs: cutoff.UnixMilli(),
		Group:    group,
		Updated:  make(map[models.EventKind]int64, len(models.AllKinds)),
	}
	for _, kind := range models.AllKinds {
		n, err := s.store.BackfillGroup(ctx, kind, shopID, res.CutoffMs, group)
		if err != nil {
			return nil, fmt.Errorf("backfill %s: %w", kind, err)
		}
		res.Updated[kind] = n
	}

	s.logger.Info("search group backfill complete",
		zap.String("shop_id", shopID),
		zap.Time("cutoff", cutoff),
		zap.Int("search_group", group),
		zap.Int64("searches", res.Updated[models.KindSearch]),
		zap.Int64("add_to_carts", res.Updated[models.KindAddToCart]),
		zap.Int64("product_clicks", res.Updated[models.KindProductClick]),
		zap.Int64("buy_now_clicks", res.Updated[models.KindBuyNowClick]),
		zap.Int64("purchases", res.Updated[models.KindPurchase]),
	)
	return res, nil
}
