package analytics

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/talya/search-analytics/internal/metrics"
	"github.com/talya/search-analytics/internal/models"
	"github.com/talya/search-analytics/internal/storage"
)

// RateSource converts purchase amounts to EUR.
type RateSource interface {
	ExchangeRate(ctx context.Context, currency string) float64
	ConvertToEUR(ctx context.Context, amount float64, currency string) float64
}

// PeriodAnalytics is the funnel of one window. It is built per call and
// never shared.
type PeriodAnalytics struct {
	Searches int64

	AddToCartCount  int64
	AddToCartAmount float64
	// Currency is the first non-empty currency of a valid cart event, or
	// empty when none carried one.
	Currency string

	ValidPurchasedProductCount int64
	ValidPurchaseRevenue       float64
	TotalPurchaseValueEUR      float64
	FallbackOrders             int

	ProductClicks int64
	BuyNowClicks  int64

	SearchSessions         set
	SessionsWithClicks     set
	SessionsWithAddToCarts set
	SessionsWithPurchases  set

	TotalQueryWords int64
	LongQueryCount  int64

	// RatesUsed maps each upper-cased purchase currency to its EUR rate.
	RatesUsed map[string]float64

	// Raw event counts before attribution, for diagnostics.
	RawAddToCarts    int
	RawProductClicks int
	RawBuyNowClicks  int
	RawPurchases     int
}

func newPeriodAnalytics() *PeriodAnalytics {
	return &PeriodAnalytics{
		SearchSessions:         make(set),
		SessionsWithClicks:     make(set),
		SessionsWithAddToCarts: make(set),
		SessionsWithPurchases:  make(set),
		RatesUsed:              make(map[string]float64),
	}
}

// CurrencyOr returns the observed cart currency or def.
func (p *PeriodAnalytics) CurrencyOr(def string) string {
	if p.Currency == "" {
		return def
	}
	return p.Currency
}

// AverageWordsPerQuery is the mean whitespace token count of the window's queries.
func (p *PeriodAnalytics) AverageWordsPerQuery() float64 {
	if p.Searches == 0 {
		return 0
	}
	return float64(p.TotalQueryWords) / float64(p.Searches)
}

// LongQueryPercentage is the share of long queries among all searches.
func (p *PeriodAnalytics) LongQueryPercentage() float64 {
	if p.Searches == 0 {
		return 0
	}
	return float64(p.LongQueryCount) * 100 / float64(p.Searches)
}

func sessionRate(sessions set, searched set) float64 {
	if len(searched) == 0 {
		return 0
	}
	return float64(len(sessions)) * 100 / float64(len(searched))
}

// ConversionRate is the percentage of searched sessions with an attributed purchase.
func ConversionRate(p *PeriodAnalytics) float64 {
	return sessionRate(p.SessionsWithPurchases, p.SearchSessions)
}

// ClickThroughRate is the percentage of searched sessions with a valid product click.
func ClickThroughRate(p *PeriodAnalytics) float64 {
	return sessionRate(p.SessionsWithClicks, p.SearchSessions)
}

// AddToCartRate is the percentage of searched sessions with a valid add-to-cart.
func AddToCartRate(p *PeriodAnalytics) float64 {
	return sessionRate(p.SessionsWithAddToCarts, p.SearchSessions)
}

// Window is an inclusive millisecond range.
type Window struct {
	FromMs int64
	ToMs   int64
}

// PeriodOptions tunes a single Period call.
type PeriodOptions struct {
	Group *int
	// Quiet disables logging and attribution metrics.
	Quiet bool
}

// Calculator computes the funnel of a window from raw events.
type Calculator struct {
	store          storage.EventReader
	rates          RateSource
	productPrefix  string
	longQueryWords int
	logger         *zap.Logger
	metrics        *metrics.Metrics
}

// NewCalculator creates a funnel calculator.
func NewCalculator(store storage.EventReader, rates RateSource, productPrefix string, longQueryWords int, logger *zap.Logger, m *metrics.Metrics) *Calculator {
	return &Calculator{
		store:          store,
		rates:          rates,
		productPrefix:  productPrefix,
		longQueryWords: longQueryWords,
		logger:         logger,
		metrics:        m,
	}
}

type periodEvents struct {
	searches  []*models.SearchEvent
	carts     []*models.AddToCartEvent
	clicks    []*models.ProductClickEvent
	buyNows   []*models.BuyNowClickEvent
	purchases []*models.PurchaseEvent
}

// load fetches the five collections of q concurrently.
func (c *Calculator) load(ctx context.Context, q storage.Query) (*periodEvents, error) {
	var ev periodEvents
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		ev.searches, err = c.store.ListSearches(gctx, q)
		return err
	})
	g.Go(func() (err error) {
		ev.carts, err = c.store.ListAddToCarts(gctx, q)
		return err
	})
	g.Go(func() (err error) {
		ev.clicks, err = c.store.ListProductClicks(gctx, q)
		return err
	})
	g.Go(func() (err error) {
		ev.buyNows, err = c.store.ListBuyNowClicks(gctx, q)
		return err
	})
	g.Go(func() (err error) {
		ev.purchases, err = c.store.ListPurchases(gctx, q)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return &ev, nil
}

func (c *Calculator) record(quiet bool, kind models.EventKind, v Verdict) {
	if quiet {
		return
	}
	c.metrics.RecordAttribution(string(kind), v.outcome())
}

// Period computes the funnel for shopID over w.
func (c *Calculator) Period(ctx context.Context, shopID string, w Window, opts PeriodOptions) (*PeriodAnalytics, error) {
	q := storage.Query{ShopID: shopID, FromMs: w.FromMs, ToMs: w.ToMs, Group: opts.Group}
	ev, err := c.load(ctx, q)
	if err != nil {
		return nil, err
	}

	pa := newPeriodAnalytics()
	pa.RawAddToCarts = len(ev.carts)
	pa.RawProductClicks = len(ev.clicks)
	pa.RawBuyNowClicks = len(ev.buyNows)
	pa.RawPurchases = len(ev.purchases)

	// Searches and query complexity
	idx := NewSessionIndex(ev.searches, c.productPrefix)
	pa.SearchSessions = idx.Sessions()
	pa.Searches = int64(len(ev.searches))
	for _, se := range ev.searches {
		words := se.WordCount()
		pa.TotalQueryWords += int64(words)
		if words >= c.longQueryWords {
			pa.LongQueryCount++
		}
	}

	// Add-to-cart
	validCarts := make([]*models.AddToCartEvent, 0, len(ev.carts))
	for _, e := range ev.carts {
		v := idx.ValidateCart(e)
		c.record(opts.Quiet, models.KindAddToCart, v)
		if !v.Valid {
			continue
		}
		validCarts = append(validCarts, e)
		pa.SessionsWithAddToCarts.add(e.SessionID)
		if e.Price != nil {
			pa.AddToCartAmount += *e.Price
		}
		if pa.Currency == "" && e.Currency != "" {
			pa.Currency = e.Currency
		}
	}
	pa.AddToCartCount = int64(len(validCarts))

	// Purchases, attributed through the cart step
	carts := NewCartIndex(validCarts)
	for _, p := range ev.purchases {
		a, v := AttributePurchase(p, carts)
		c.record(opts.Quiet, models.KindPurchase, v)
		if !v.Valid {
			continue
		}

		pa.ValidPurchasedProductCount += int64(a.ValidLines)
		if a.Fallback {
			pa.FallbackOrders++
		}
		currency := strings.ToUpper(p.Currency)
		for _, amount := range a.Amounts {
			pa.ValidPurchaseRevenue += amount
			if currency == "" {
				continue
			}
			pa.RatesUsed[currency] = c.rates.ExchangeRate(ctx, currency)
			pa.TotalPurchaseValueEUR += c.rates.ConvertToEUR(ctx, amount, currency)
		}
		if pa.SearchSessions.has(p.SessionID) {
			pa.SessionsWithPurchases.add(p.SessionID)
		}
	}

	// Clicks
	for _, e := range ev.clicks {
		v := idx.ValidateClick(e)
		c.record(opts.Quiet, models.KindProductClick, v)
		if v.Valid {
			pa.ProductClicks++
			pa.SessionsWithClicks.add(e.SessionID)
		}
	}
	for _, e := range ev.buyNows {
		v := idx.ValidateBuyNow(e)
		c.record(opts.Quiet, models.KindBuyNowClick, v)
		if v.Valid {
			pa.BuyNowClicks++
		}
	}

	if !opts.Quiet {
		c.metrics.RecordScanned(string(models.KindSearch), len(ev.searches))
		c.metrics.RecordScanned(string(models.KindAddToCart), pa.RawAddToCarts)
		c.metrics.RecordScanned(string(models.KindProductClick), pa.RawProductClicks)
		c.metrics.RecordScanned(string(models.KindBuyNowClick), pa.RawBuyNowClicks)
		c.metrics.RecordScanned(string(models.KindPurchase), pa.RawPurchases)

		fields := []zap.Field{
			zap.String("shop_id", shopID),
			zap.Int64("from_ms", w.FromMs),
			zap.Int64("to_ms", w.ToMs),
			zap.String("cart", fmt.Sprintf("%d/%d", pa.AddToCartCount, pa.RawAddToCarts)),
			zap.Int64("purchased_products", pa.ValidPurchasedProductCount),
			zap.Float64("purchase_value_eur", pa.TotalPurchaseValueEUR),
			zap.String("clicks", fmt.Sprintf("%d/%d", pa.ProductClicks, pa.RawProductClicks)),
			zap.String("buy_now", fmt.Sprintf("%d/%d", pa.BuyNowClicks, pa.RawBuyNowClicks)),
			zap.Float64("conversion_rate", ConversionRate(pa)),
			zap.Float64("click_through_rate", ClickThroughRate(pa)),
		}
		if opts.Group != nil {
			fields = append(fields, zap.Int("search_group", *opts.Group))
		}
		if pa.FallbackOrders > 0 {
			fields = append(fields, zap.Int("fallback_orders", pa.FallbackOrders))
		}
		c.logger.Info("analytics processed", fields...)
	}

	return pa, nil
}
