// Package analytics turns raw storefront events into the search funnel
// dashboard: session attribution, period comparison, daily series and A/B
// group comparison.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/talya/search-analytics/internal/config"
	"github.com/talya/search-analytics/internal/metrics"
	"github.com/talya/search-analytics/internal/models"
	"github.com/talya/search-analytics/internal/storage"
)

// ErrInvalidRange is returned when a window starts after it ends.
var ErrInvalidRange = errors.New("fromMs is after toMs")

// Service builds dashboard aggregates for one shop at a time.
type Service struct {
	store           storage.EventReader
	calc            *Calculator
	topQueriesLimit int
	logger          *zap.Logger
	metrics         *metrics.Metrics
}

// NewService creates an analytics service.
func NewService(store storage.EventReader, rates RateSource, cfg config.AnalyticsConfig, logger *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:           store,
		calc:            NewCalculator(store, rates, cfg.ProductIDPrefix, cfg.LongQueryWords, logger, m),
		topQueriesLimit: cfg.TopQueriesLimit,
		logger:          logger,
		metrics:         m,
	}
}

func groupField(group *int) zap.Field {
	if group == nil {
		return zap.Skip()
	}
	return zap.Int("search_group", *group)
}

func (s *Service) fail(operation, shopID string, fromMs, toMs int64, group *int, err error) {
	s.metrics.RecordSummaryFailure(operation)
	s.logger.Error("failed to calculate analytics summary",
		zap.String("operation", operation),
		zap.String("shop_id", shopID),
		zap.Int64("from_ms", fromMs),
		zap.Int64("to_ms", toMs),
		groupField(group),
		zap.Error(err),
	)
}

// Summary returns the dashboard aggregate for [fromMs, toMs], optionally
// restricted to one experiment group. It never fails: any error is logged
// and the empty default aggregate is returned.
func (s *Service) Summary(ctx context.Context, shopID string, fromMs, toMs int64, group *int) models.Summary {
	start := time.Now()
	defer func() { s.metrics.ObserveSummary("summary", time.Since(start)) }()

	res, err := s.aggregate(ctx, shopID, fromMs, toMs, group)
	if err != nil {
		s.fail("summary", shopID, fromMs, toMs, group, err)
		return models.DefaultSummary()
	}
	return res.summary
}

type aggregateResult struct {
	summary models.Summary
	current *PeriodAnalytics
}

func (s *Service) aggregate(ctx context.Context, shopID string, fromMs, toMs int64, group *int) (*aggregateResult, error) {
	if fromMs > toMs {
		return nil, ErrInvalidRange
	}
	if shopID == "" {
		return nil, errors.New("shop id is required")
	}

	s.logger.Info("starting analytics summary",
		zap.String("shop_id", shopID),
		zap.Int64("from_ms", fromMs),
		zap.Int64("to_ms", toMs),
		groupField(group),
	)

	cur := Window{FromMs: fromMs, ToMs: toMs}
	prev := PreviousWindow(cur)
	curQuery := storage.Query{ShopID: shopID, FromMs: cur.FromMs, ToMs: cur.ToMs, Group: group}
	prevQuery := storage.Query{ShopID: shopID, FromMs: prev.FromMs, ToMs: prev.ToMs, Group: group}

	var (
		current, previous      *PeriodAnalytics
		searches, prevSearches int64
		series                 []models.TimePoint
		topQueries             []models.TopQuery
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		current, err = s.calc.Period(gctx, shopID, cur, PeriodOptions{Group: group})
		if err != nil {
			return fmt.Errorf("current period: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		previous, err = s.calc.Period(gctx, shopID, prev, PeriodOptions{Group: group})
		if err != nil {
			return fmt.Errorf("previous period: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if searches, err = s.store.Count(gctx, models.KindSearch, curQuery); err != nil {
			return fmt.Errorf("count searches: %w", err)
		}
		if prevSearches, err = s.store.Count(gctx, models.KindSearch, prevQuery); err != nil {
			return fmt.Errorf("count previous searches: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if series, err = s.timeSeries(gctx, shopID, cur, group); err != nil {
			return fmt.Errorf("time series: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if topQueries, err = s.store.TopQueries(gctx, curQuery, s.topQueriesLimit); err != nil {
			return fmt.Errorf("top queries: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	currency := current.CurrencyOr(models.DefaultCurrency)
	for i := range series {
		if series[i].Currency == "" {
			series[i].Currency = currency
		}
	}

	ratesUsed := make(map[string]float64, len(current.RatesUsed)+len(previous.RatesUsed))
	for c, r := range current.RatesUsed {
		ratesUsed[c] = r
	}
	for c, r := range previous.RatesUsed {
		ratesUsed[c] = r
	}

	convRate, prevConvRate := ConversionRate(current), ConversionRate(previous)
	ctr, prevCTR := ClickThroughRate(current), ClickThroughRate(previous)
	cartRate, prevCartRate := AddToCartRate(current), AddToCartRate(previous)

	summary := models.Summary{
		SearchGroup: group,

		TotalSearches:      searches,
		TotalAddToCart:     current.AddToCartCount,
		TotalPurchases:     current.ValidPurchasedProductCount,
		TotalProductClicks: current.ProductClicks,
		TotalBuyNowClicks:  current.BuyNowClicks,
		TotalRevenue:       current.ValidPurchaseRevenue,

		ConversionRate:   RoundTenth(convRate),
		ClickThroughRate: RoundTenth(ctr),
		AddToCartRate:    RoundTenth(cartRate),

		SessionsWithSearches:   int64(len(current.SearchSessions)),
		SessionsWithClicks:     int64(len(current.SessionsWithClicks)),
		SessionsWithAddToCarts: int64(len(current.SessionsWithAddToCarts)),
		SessionsWithPurchases:  int64(len(current.SessionsWithPurchases)),

		AverageWordsPerQuery: RoundTenth(current.AverageWordsPerQuery()),
		LongQueryCount:       current.LongQueryCount,
		LongQueryPercentage:  RoundTenth(current.LongQueryPercentage()),

		TimeSeries: series,
		TopQueries: topQueries,

		SearchesChangePercent:         PercentChange(float64(prevSearches), float64(searches)),
		AddToCartChangePercent:        PercentChange(float64(previous.AddToCartCount), float64(current.AddToCartCount)),
		PurchasesChangePercent:        PercentChange(float64(previous.ValidPurchasedProductCount), float64(current.ValidPurchasedProductCount)),
		ProductClicksChangePercent:    PercentChange(float64(previous.ProductClicks), float64(current.ProductClicks)),
		BuyNowClicksChangePercent:     PercentChange(float64(previous.BuyNowClicks), float64(current.BuyNowClicks)),
		RevenueChangePercent:          PercentChange(previous.ValidPurchaseRevenue, current.ValidPurchaseRevenue),
		ConversionRateChangePercent:   PercentChange(prevConvRate, convRate),
		ClickThroughRateChangePercent: PercentChange(prevCTR, ctr),
		AddToCartRateChangePercent:    PercentChange(prevCartRate, cartRate),

		TotalAddToCartAmount:         current.AddToCartAmount,
		PrevAddToCartAmount:          previous.AddToCartAmount,
		AddToCartAmountChangePercent: PercentChange(previous.AddToCartAmount, current.AddToCartAmount),
		Currency:                     currency,
		TotalPurchaseValueEUR:        current.TotalPurchaseValueEUR,
		PurchaseValueChangePercent:   PercentChange(previous.TotalPurchaseValueEUR, current.TotalPurchaseValueEUR),
		ConversionRatesUsed:          ratesUsed,
	}

	return &aggregateResult{summary: summary, current: current}, nil
}

// Full returns every raw event of the window.
func (s *Service) Full(ctx context.Context, shopID string, fromMs, toMs int64) (*models.FullExport, error) {
	if fromMs > toMs {
		return nil, ErrInvalidRange
	}

	q := storage.Query{ShopID: shopID, FromMs: fromMs, ToMs: toMs}
	ev, err := s.calc.load(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", shopID, err)
	}

	return &models.FullExport{
		ShopID:             shopID,
		FromMs:             fromMs,
		ToMs:               toMs,
		SearchEvents:       ev.searches,
		ProductClickEvents: ev.clicks,
		AddToCartEvents:    ev.carts,
		PurchaseEvents:     ev.purchases,
		BuyNowClickEvents:  ev.buyNows,
	}, nil
}
