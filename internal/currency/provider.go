// Package currency converts order amounts to EUR using a rate table that is
// refreshed at most once per UTC day.
package currency

import (
	"context"
	"maps"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/talya/search-analytics/internal/metrics"
	"github.com/talya/search-analytics/internal/storage"
)

// EUR is the base currency of every rate.
const EUR = "EUR"

const dayLayout = "2006-01-02"

// Rate table sources.
const (
	SourceAPI      = "api"
	SourceSnapshot = "snapshot"
	SourceFallback = "fallback"
)

// staticRates are used when no live table is available.
var staticRates = map[string]float64{
	"USD": 1.1,
	"GBP": 0.85,
	"NIS": 4.0,
	"ILS": 4.0,
	"EUR": 1.0,
}

func staticRate(currency string) float64 {
	if r, ok := staticRates[currency]; ok {
		return r
	}
	return 1.0
}

// rateTable is immutable once published.
type rateTable struct {
	day    string
	source string
	rates  map[string]float64
}

// Snapshot is a copy of the active rate table.
type Snapshot struct {
	Day    string
	Source string
	Rates  map[string]float64
}

// Provider serves EUR exchange rates. Readers never wait for a refresh:
// one caller refreshes while the rest read the previous table.
type Provider struct {
	fetcher     RateFetcher
	snapshots   storage.RateSnapshotStore
	snapshotTTL time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	table      atomic.Pointer[rateTable]
	refreshing atomic.Bool
}

// Option configures a Provider.
type Option func(*Provider)

// WithSnapshotStore shares the daily table through store.
func WithSnapshotStore(store storage.RateSnapshotStore, ttl time.Duration) Option {
	return func(p *Provider) {
		p.snapshots = store
		p.snapshotTTL = ttl
	}
}

// WithMetrics records refresh outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// NewProvider creates a provider that starts on the static table and
// fetches live rates on first use.
func NewProvider(fetcher RateFetcher, logger *zap.Logger, opts ...Option) *Provider {
	p := &Provider{
		fetcher: fetcher,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	// An empty day forces a refresh on the first lookup.
	p.table.Store(&rateTable{source: SourceFallback, rates: maps.Clone(staticRates)})
	return p
}

func (p *Provider) today() string {
	return p.now().UTC().Format(dayLayout)
}

// ExchangeRate returns how many units of currency buy one EUR.
func (p *Provider) ExchangeRate(ctx context.Context, currency string) float64 {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == EUR {
		return 1.0
	}

	p.ensureFresh(ctx)

	if r, ok := p.table.Load().rates[code]; ok && r > 0 {
		return r
	}
	return staticRate(code)
}

// ConvertToEUR converts amount from currency to EUR.
func (p *Provider) ConvertToEUR(ctx context.Context, amount float64, currency string) float64 {
	if strings.EqualFold(strings.TrimSpace(currency), EUR) {
		return amount
	}
	return amount / p.ExchangeRate(ctx, currency)
}

// Snapshot returns a copy of the table currently in use.
func (p *Provider) Snapshot() Snapshot {
	t := p.table.Load()
	return Snapshot{Day: t.day, Source: t.source, Rates: maps.Clone(t.rates)}
}

// ensureFresh refreshes when the table is from an earlier day. Only the
// caller that wins the flag refreshes; the others keep the current table.
func (p *Provider) ensureFresh(ctx context.Context) {
	if p.table.Load().day == p.today() {
		return
	}
	if !p.refreshing.CompareAndSwap(false, true) {
		return
	}
	defer p.refreshing.Store(false)

	// Re-check: another caller may have finished between the two loads.
	if p.table.Load().day == p.today() {
		return
	}
	_ = p.Refresh(context.WithoutCancel(ctx))
}

// Refresh installs today's table. It tries the shared snapshot, then the
// live API, then the static table. The returned error is the API failure;
// a fallback table is installed in that case and the day is still marked
// as refreshed.
func (p *Provider) Refresh(ctx context.Context) error {
	day := p.today()

	if p.snapshots != nil {
		rates, ok, err := p.snapshots.Load(ctx, day)
		if err != nil {
			p.logger.Warn("failed to load rate snapshot", zap.String("day", day), zap.Error(err))
		} else if ok {
			p.install(day, SourceSnapshot, rates)
			return nil
		}
	}

	rates, err := p.fetcher.FetchRates(ctx)
	if err != nil {
		p.logger.Warn("failed to fetch live exchange rates, using fallback", zap.Error(err))
		p.install(day, SourceFallback, staticRates)
		return err
	}

	p.install(day, SourceAPI, rates)

	if p.snapshots != nil {
		if err := p.snapshots.Save(ctx, day, rates, p.snapshotTTL); err != nil {
			p.logger.Warn("failed to save rate snapshot", zap.String("day", day), zap.Error(err))
		}
	}
	return nil
}

func (p *Provider) install(day, source string, rates map[string]float64) {
	table := &rateTable{day: day, source: source, rates: make(map[string]float64, len(rates))}
	for code, r := range rates {
		table.rates[strings.ToUpper(code)] = r
	}
	p.table.Store(table)
	p.metrics.RecordRateRefresh(source)

	p.logger.Info("exchange rates updated",
		zap.String("day", day),
		zap.String("source", source),
		zap.Int("currencies", len(table.rates)),
	)
}
