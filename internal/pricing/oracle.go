// Package pricing holds the hedge-cost oracle and builds premium quotes on
// top of it.
//
// The oracle keeps, per coverage type, the latest venue-native rates:
//   - prediction market: event probability (cost = odds × notional)
//   - perpetuals: daily funding rate (cost = |funding| × days × notional)
//   - reinsurance: premium per 1000 of cover per 30 days
//
// Rates older than the staleness bound are refused with ErrStaleOracleData;
// quotes derived from them expire after the shorter freshness window.
package pricing

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/metrics"
	"github.com/tonsurance/hedge-engine/internal/model"
)

var (
	// ErrStaleOracleData is returned when the oracle's rates for a coverage
	// type are missing or at least StalenessBound old.
	ErrStaleOracleData = errors.New("pricing: oracle data stale")

	// ErrStaleQuote is returned when a quote is presented at or after the
	// end of its freshness window.
	ErrStaleQuote = errors.New("pricing: quote expired")

	// ErrUnknownQuote is returned when a presented quote was never issued.
	ErrUnknownQuote = errors.New("pricing: unknown quote")

	// ErrQuoteMismatch is returned when a presented quote does not match the
	// policy terms it is used for.
	ErrQuoteMismatch = errors.New("pricing: quote does not match policy terms")

	// ErrIncompleteRates is returned by Update when a venue rate is missing.
	ErrIncompleteRates = errors.New("pricing: rates missing for a venue")

	// Scale is the number of decimal places prices are rounded to.
	Scale int32 = 8
)

var (
	thousand = decimal.NewFromInt(1000)
	thirty   = decimal.NewFromInt(30)
	year     = decimal.NewFromInt(365)
)

// Config holds pricing parameters.
type Config struct {
	StalenessBound  time.Duration
	FreshnessWindow time.Duration
	Weights         map[model.Venue]decimal.Decimal       // hedge notional share per venue
	BaseRates       map[model.CoverageType]decimal.Decimal // annual premium rate per coverage type
	ProtocolMargin  decimal.Decimal                       // fraction added on top of the pure premium
	HedgeRatio      decimal.Decimal                       // used when no RatioSource is set
}

// DefaultConfig returns the 5m staleness bound, 30s freshness window and
// 40/40/20 venue weights.
func DefaultConfig() Config {
	return Config{
		StalenessBound:  5 * time.Minute,
		FreshnessWindow: 30 * time.Second,
		Weights: map[model.Venue]decimal.Decimal{
			model.VenuePredictionMarket: decimal.NewFromFloat(0.4),
			model.VenuePerpetuals:       decimal.NewFromFloat(0.4),
			model.VenueReinsurance:      decimal.NewFromFloat(0.2),
		},
		BaseRates: map[model.CoverageType]decimal.Decimal{
			model.CoverageDepeg:   decimal.NewFromFloat(0.04),
			model.CoverageExploit: decimal.NewFromFloat(0.08),
			model.CoverageBridge:  decimal.NewFromFloat(0.06),
		},
		ProtocolMargin: decimal.NewFromFloat(0.10),
		HedgeRatio:     decimal.NewFromFloat(0.20),
	}
}

// RatioSource supplies the current hedge ratio.
type RatioSource interface {
	HedgeRatio() decimal.Decimal
}

// RatioFunc adapts a function to RatioSource.
type RatioFunc func() decimal.Decimal

func (f RatioFunc) HedgeRatio() decimal.Decimal { return f() }

// HedgeCost is the cost of hedging one policy.
type HedgeCost struct {
	CoverageType model.CoverageType              `json:"coverage_type"`
	Notional     decimal.Decimal                 `json:"notional"` // hedged notional, coverage × hedge ratio
	PerVenue     map[model.Venue]decimal.Decimal `json:"per_venue"`
	Total        decimal.Decimal                 `json:"total"`
	RatesAt      time.Time                       `json:"rates_at"`
}

// Oracle is the freshness-bounded store of hedge cost inputs.
type Oracle struct {
	cfg    Config
	ratio  RatioSource
	now    func() time.Time
	logger *slog.Logger

	mu      sync.RWMutex
	quotes  map[model.CoverageType]model.HedgeCostQuote
	markets map[model.CoverageType]model.MarketSnapshot
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Oracle) { o.now = now }
}

// WithRatioSource takes the hedge ratio from src instead of the config.
func WithRatioSource(src RatioSource) Option {
	return func(o *Oracle) { o.ratio = src }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Oracle) { o.logger = logger }
}

// NewOracle creates an empty oracle. Every coverage type is stale until
// its first Update.
func NewOracle(cfg Config, opts ...Option) *Oracle {
	o := &Oracle{
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default(),
		quotes:  make(map[model.CoverageType]model.HedgeCostQuote),
		markets: make(map[model.CoverageType]model.MarketSnapshot),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the oracle's configuration.
func (o *Oracle) Config() Config { return o.cfg }

// HedgeRatio returns the ratio used to size hedge notional.
func (o *Oracle) HedgeRatio() decimal.Decimal {
	if o.ratio != nil {
		return o.ratio.HedgeRatio()
	}
	return o.cfg.HedgeRatio
}

// VenueCostFraction converts a venue-native rate into the cost per unit of
// hedged notional over days.
func VenueCostFraction(v model.Venue, rate decimal.Decimal, days int) decimal.Decimal {
	n := decimal.NewFromInt(int64(days))
	switch v {
	case model.VenuePredictionMarket:
		return rate
	case model.VenuePerpetuals:
		return rate.Abs().Mul(n)
	case model.VenueReinsurance:
		return rate.Div(thousand).Mul(n).Div(thirty)
	}
	return decimal.Zero
}

// Update replaces the rates for coverageType, stamped at.
func (o *Oracle) Update(coverageType model.CoverageType, rates map[model.Venue]decimal.Decimal, at time.Time) error {
	for _, v := range model.Venues {
		if _, ok := rates[v]; !ok {
			metrics.OracleUpdates.WithLabelValues(string(coverageType), "incomplete").Inc()
			return fmt.Errorf("%w: %s", ErrIncompleteRates, v)
		}
	}

	perVenue := make(map[model.Venue]decimal.Decimal, len(rates))
	combined := decimal.Zero
	for _, v := range model.Venues {
		perVenue[v] = rates[v]
		combined = combined.Add(o.weight(v).Mul(VenueCostFraction(v, rates[v], 30)))
	}

	o.mu.Lock()
	o.quotes[coverageType] = model.HedgeCostQuote{
		CoverageType: coverageType,
		PerVenueCost: perVenue,
		CombinedCost: combined.Round(Scale),
		UpdatedAt:    at,
	}
	o.mu.Unlock()

	metrics.OracleUpdates.WithLabelValues(string(coverageType), "ok").Inc()
	return nil
}

// SetMarketData records a venue's latest capacity and confidence.
func (o *Oracle) SetMarketData(md model.MarketData) {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap, ok := o.markets[md.CoverageType]
	if !ok {
		snap = make(model.MarketSnapshot)
		o.markets[md.CoverageType] = snap
	}
	snap[md.Venue] = md
}

// Quote returns the current hedge cost inputs for coverageType, refusing
// stale data.
func (o *Oracle) Quote(coverageType model.CoverageType) (model.HedgeCostQuote, error) {
	o.mu.RLock()
	q, ok := o.quotes[coverageType]
	o.mu.RUnlock()

	if !ok {
		metrics.OracleStaleRejections.WithLabelValues(string(coverageType)).Inc()
		return model.HedgeCostQuote{}, fmt.Errorf("%w: no rates for %s", ErrStaleOracleData, coverageType)
	}
	if age := o.now().Sub(q.UpdatedAt); age >= o.cfg.StalenessBound {
		metrics.OracleStaleRejections.WithLabelValues(string(coverageType)).Inc()
		return model.HedgeCostQuote{}, fmt.Errorf("%w: %s rates are %s old", ErrStaleOracleData, coverageType, age.Round(time.Second))
	}
	return q, nil
}

// Quotes returns every coverage type's inputs regardless of age.
func (o *Oracle) Quotes() []model.HedgeCostQuote {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]model.HedgeCostQuote, 0, len(o.quotes))
	for _, ct := range model.CoverageTypes {
		if q, ok := o.quotes[ct]; ok {
			out = append(out, q)
		}
	}
	return out
}

// Snapshot returns per-venue market data for the optimizer. Cost is the
// 30-day cost fraction from the latest rates; venues whose market data is
// older than the staleness bound are left out.
func (o *Oracle) Snapshot(coverageType model.CoverageType) (model.MarketSnapshot, error) {
	q, err := o.Quote(coverageType)
	if err != nil {
		return nil, err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	now := o.now()
	out := make(model.MarketSnapshot)
	for v, md := range o.markets[coverageType] {
		if now.Sub(md.UpdatedAt) >= o.cfg.StalenessBound {
			continue
		}
		md.Cost = VenueCostFraction(v, q.PerVenueCost[v], 30)
		out[v] = md
	}
	return out, nil
}

// CalculateHedgeCost prices hedging amount of coverage for days: the hedged
// notional (amount × hedge ratio) is split by venue weight and each share
// is priced at its venue's rate.
func (o *Oracle) CalculateHedgeCost(coverageType model.CoverageType, amount decimal.Decimal, days int) (*HedgeCost, error) {
	if !amount.IsPositive() || days <= 0 {
		return nil, fmt.Errorf("pricing: amount and duration must be positive")
	}
	q, err := o.Quote(coverageType)
	if err != nil {
		return nil, err
	}

	notional := amount.Mul(o.HedgeRatio())
	hc := &HedgeCost{
		CoverageType: coverageType,
		Notional:     notional,
		PerVenue:     make(map[model.Venue]decimal.Decimal, len(model.Venues)),
		Total:        decimal.Zero,
		RatesAt:      q.UpdatedAt,
	}
	for _, v := range model.Venues {
		share := notional.Mul(o.weight(v))
		cost := VenueCostFraction(v, q.PerVenueCost[v], days).Mul(share).Round(Scale)
		hc.PerVenue[v] = cost
		hc.Total = hc.Total.Add(cost)
	}
	return hc, nil
}

func (o *Oracle) weight(v model.Venue) decimal.Decimal {
	return o.cfg.Weights[v]
}
