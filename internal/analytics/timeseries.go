package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/talya/search-analytics/internal/models"
	"github.com/talya/search-analytics/internal/storage"
)

const dateLayout = "2006-01-02"

// Day is one UTC calendar day and its inclusive millisecond bounds.
type Day struct {
	Date   string
	Window Window
}

// DaysInWindow lists every UTC day from the date of fromMs through the
// date of toMs.
func DaysInWindow(fromMs, toMs int64) []Day {
	start := truncateDay(time.UnixMilli(fromMs).UTC())
	end := truncateDay(time.UnixMilli(toMs).UTC())

	days := make([]Day, 0)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		next := d.AddDate(0, 0, 1)
		days = append(days, Day{
			Date:   d.Format(dateLayout),
			Window: Window{FromMs: d.UnixMilli(), ToMs: next.UnixMilli() - 1},
		})
	}
	return days
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// timeSeries recomputes the funnel for every day of the window. Currency
// stays empty for days without a cart currency.
func (s *Service) timeSeries(ctx context.Context, shopID string, w Window, group *int) ([]models.TimePoint, error) {
	days := DaysInWindow(w.FromMs, w.ToMs)
	series := make([]models.TimePoint, 0, len(days))

	for _, day := range days {
		pa, err := s.calc.Period(ctx, shopID, day.Window, PeriodOptions{Group: group, Quiet: true})
		if err != nil {
			return nil, fmt.Errorf("day %s: %w", day.Date, err)
		}
		searches, err := s.store.Count(ctx, models.KindSearch, storage.Query{
			ShopID: shopID, FromMs: day.Window.FromMs, ToMs: day.Window.ToMs, Group: group,
		})
		if err != nil {
			return nil, fmt.Errorf("day %s: count searches: %w", day.Date, err)
		}

		series = append(series, models.TimePoint{
			Date:            day.Date,
			Searches:        searches,
			AddToCart:       pa.AddToCartCount,
			Purchases:       pa.ValidPurchasedProductCount,
			AddToCartAmount: pa.AddToCartAmount,
			Currency:        pa.Currency,
		})
	}
	return series, nil
}
