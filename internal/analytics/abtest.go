package analytics

import (
	"context"
	"math"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/talya/search-analytics/internal/models"
)

// tieThreshold is the smallest difference that names a winner.
const tieThreshold = 0.1

// GroupLabel names an experiment group for display.
func GroupLabel(group *int) string {
	if group == nil {
		return "All"
	}
	switch *group {
	case models.GroupBaseline:
		return "Shopify Search"
	case models.GroupVariant:
		return "AI Search"
	default:
		return "Group " + strconv.Itoa(*group)
	}
}

// winner picks the group with the higher value of a metric where bigger
// is better, given diff = b - a.
func winner(diff float64) string {
	switch {
	case math.Abs(diff) < tieThreshold:
		return models.WinnerTie
	case diff > 0:
		return models.WinnerB
	default:
		return models.WinnerA
	}
}

// groupResult is one arm of the comparison with its unrounded funnel.
type groupResult struct {
	summary models.Summary
	period  *PeriodAnalytics
}

// CompareGroups runs the summary pipeline for groupA and groupB over the
// same window and reports B relative to A. A group whose pipeline fails
// is compared as an empty default.
func (s *Service) CompareGroups(ctx context.Context, shopID string, fromMs, toMs int64, groupA, groupB int) models.GroupComparison {
	var a, b groupResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a = s.groupArm(gctx, shopID, fromMs, toMs, groupA)
		return nil
	})
	g.Go(func() error {
		b = s.groupArm(gctx, shopID, fromMs, toMs, groupB)
		return nil
	})
	_ = g.Wait()

	s.logger.Info("compared search groups",
		zap.String("shop_id", shopID),
		zap.Int64("from_ms", fromMs),
		zap.Int64("to_ms", toMs),
		zap.Int("group_a", groupA),
		zap.Int("group_b", groupB),
	)

	return models.GroupComparison{
		GroupA:      a.summary,
		GroupALabel: GroupLabel(&groupA),
		GroupB:      b.summary,
		GroupBLabel: GroupLabel(&groupB),
		Comparison:  compareMetrics(a, b),
	}
}

func (s *Service) groupArm(ctx context.Context, shopID string, fromMs, toMs int64, group int) groupResult {
	res, err := s.aggregate(ctx, shopID, fromMs, toMs, &group)
	if err != nil {
		s.fail("compare", shopID, fromMs, toMs, &group, err)
		return groupResult{summary: models.DefaultSummary(), period: newPeriodAnalytics()}
	}
	return groupResult{summary: res.summary, period: res.current}
}

// compareMetrics computes B versus A. Volume metrics use PercentChange
// with A as the baseline; rates are point differences of the unrounded
// rates, rounded to two decimals.
func compareMetrics(a, b groupResult) models.ComparisonMetrics {
	sa, sb := a.summary, b.summary
	pa, pb := a.period, b.period

	convDiff := ConversionRate(pb) - ConversionRate(pa)
	ctrDiff := ClickThroughRate(pb) - ClickThroughRate(pa)
	cartRateDiff := AddToCartRate(pb) - AddToCartRate(pa)
	revenueDiff := pb.TotalPurchaseValueEUR - pa.TotalPurchaseValueEUR

	return models.ComparisonMetrics{
		SearchesDiff:      PercentChange(float64(sa.TotalSearches), float64(sb.TotalSearches)),
		AddToCartDiff:     PercentChange(float64(sa.TotalAddToCart), float64(sb.TotalAddToCart)),
		PurchasesDiff:     PercentChange(float64(sa.TotalPurchases), float64(sb.TotalPurchases)),
		ProductClicksDiff: PercentChange(float64(sa.TotalProductClicks), float64(sb.TotalProductClicks)),
		BuyNowClicksDiff:  PercentChange(float64(sa.TotalBuyNowClicks), float64(sb.TotalBuyNowClicks)),
		RevenueDiff:       PercentChange(sa.TotalRevenue, sb.TotalRevenue),

		ConversionRateDiff:   roundHundredth(convDiff),
		ClickThroughRateDiff: roundHundredth(ctrDiff),
		AddToCartRateDiff:    roundHundredth(cartRateDiff),

		SessionsWithClicksDiff:     PercentChange(float64(len(pa.SessionsWithClicks)), float64(len(pb.SessionsWithClicks))),
		SessionsWithAddToCartsDiff: PercentChange(float64(len(pa.SessionsWithAddToCarts)), float64(len(pb.SessionsWithAddToCarts))),
		SessionsWithPurchasesDiff:  PercentChange(float64(len(pa.SessionsWithPurchases)), float64(len(pb.SessionsWithPurchases))),
		SessionsWithSearchesDiff:   PercentChange(float64(len(pa.SearchSessions)), float64(len(pb.SearchSessions))),

		AddToCartAmountDiff:  PercentChange(pa.AddToCartAmount, pb.AddToCartAmount),
		PurchaseValueEURDiff: PercentChange(pa.TotalPurchaseValueEUR, pb.TotalPurchaseValueEUR),

		AverageWordsPerQueryDiff: roundHundredth(pb.AverageWordsPerQuery() - pa.AverageWordsPerQuery()),
		LongQueryCountDiff:       PercentChange(float64(pa.LongQueryCount), float64(pb.LongQueryCount)),
		LongQueryPercentageDiff:  roundHundredth(pb.LongQueryPercentage() - pa.LongQueryPercentage()),

		ConversionWinner:   winner(convDiff),
		RevenueWinner:      winner(revenueDiff),
		ClickThroughWinner: winner(ctrDiff),
	}
}
