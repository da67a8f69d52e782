package pricing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/model"
	"github.com/tonsurance/hedge-engine/internal/venue"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

var t0 = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

// Odds 2.5%, funding -0.5%/day, reinsurer $4.50 per $1000.
func scenarioRates() map[model.Venue]decimal.Decimal {
	return map[model.Venue]decimal.Decimal{
		model.VenuePredictionMarket: d(0.025),
		model.VenuePerpetuals:       d(-0.005),
		model.VenueReinsurance:      d(4.5),
	}
}

func newOracle(t *testing.T) (*Oracle, *clock) {
	t.Helper()
	c := &clock{t: t0}
	o := NewOracle(DefaultConfig(), WithClock(c.now))
	if err := o.Update(model.CoverageDepeg, scenarioRates(), t0); err != nil {
		t.Fatalf("Update: %v", err)
	}
	return o, c
}

func TestVenueCostFraction(t *testing.T) {
	cases := []struct {
		venue model.Venue
		rate  float64
		days  int
		want  float64
	}{
		{model.VenuePredictionMarket, 0.025, 30, 0.025},
		{model.VenuePerpetuals, -0.005, 30, 0.15},
		{model.VenuePerpetuals, 0.002, 10, 0.02},
		{model.VenueReinsurance, 4.5, 30, 0.0045},
		{model.VenueReinsurance, 6, 60, 0.012},
	}
	for _, tc := range cases {
		got := VenueCostFraction(tc.venue, d(tc.rate), tc.days)
		if !got.Equal(d(tc.want)) {
			t.Errorf("%s rate %v over %d days = %s, want %v", tc.venue, tc.rate, tc.days, got, tc.want)
		}
	}
}

func TestOracle_CombinedCost(t *testing.T) {
	o, _ := newOracle(t)
	q, err := o.Quote(model.CoverageDepeg)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	// 0.4×0.025 + 0.4×0.15 + 0.2×0.0045
	if !q.CombinedCost.Equal(d(0.0709)) {
		t.Errorf("CombinedCost = %s, want 0.0709", q.CombinedCost)
	}
}

func TestCalculateHedgeCost_ScenarioA(t *testing.T) {
	o, _ := newOracle(t)

	hc, err := o.CalculateHedgeCost(model.CoverageDepeg, d(10000), 30)
	if err != nil {
		t.Fatalf("CalculateHedgeCost: %v", err)
	}
	if !hc.Notional.Equal(d(2000)) {
		t.Errorf("Notional = %s, want 2000", hc.Notional)
	}
	want := map[model.Venue]float64{
		model.VenuePredictionMarket: 20,
		model.VenuePerpetuals:       120,
		model.VenueReinsurance:      1.8,
	}
	for v, w := range want {
		if !hc.PerVenue[v].Equal(d(w)) {
			t.Errorf("%s cost = %s, want %v", v, hc.PerVenue[v], w)
		}
	}
	if !hc.Total.Equal(d(141.8)) {
		t.Errorf("Total = %s, want 141.8", hc.Total)
	}
}

func TestCalculateHedgeCost_StalenessBoundary(t *testing.T) {
	o, c := newOracle(t)

	c.advance(5*time.Minute - time.Second)
	if _, err := o.CalculateHedgeCost(model.CoverageDepeg, d(10000), 30); err != nil {
		t.Fatalf("one second under the bound should be accepted: %v", err)
	}

	c.advance(time.Second)
	_, err := o.CalculateHedgeCost(model.CoverageDepeg, d(10000), 30)
	if !errors.Is(err, ErrStaleOracleData) {
		t.Fatalf("exactly at the bound should be rejected, got %v", err)
	}
}

func TestCalculateHedgeCost_NoData(t *testing.T) {
	o, _ := newOracle(t)
	if _, err := o.CalculateHedgeCost(model.CoverageBridge, d(10000), 30); !errors.Is(err, ErrStaleOracleData) {
		t.Errorf("expected ErrStaleOracleData for a never-updated type, got %v", err)
	}
}

func TestOracle_UpdateIncomplete(t *testing.T) {
	o, _ := newOracle(t)
	err := o.Update(model.CoverageExploit, map[model.Venue]decimal.Decimal{
		model.VenuePredictionMarket: d(0.03),
	}, t0)
	if !errors.Is(err, ErrIncompleteRates) {
		t.Errorf("expected ErrIncompleteRates, got %v", err)
	}
}

func TestOracle_RatioSource(t *testing.T) {
	c := &clock{t: t0}
	o := NewOracle(DefaultConfig(), WithClock(c.now), WithRatioSource(RatioFunc(func() decimal.Decimal { return d(0.5) })))
	o.Update(model.CoverageDepeg, scenarioRates(), t0)

	hc, err := o.CalculateHedgeCost(model.CoverageDepeg, d(10000), 30)
	if err != nil {
		t.Fatalf("CalculateHedgeCost: %v", err)
	}
	if !hc.Notional.Equal(d(5000)) {
		t.Errorf("Notional = %s, want 5000", hc.Notional)
	}
}

func TestOracle_Snapshot(t *testing.T) {
	o, c := newOracle(t)
	o.SetMarketData(model.MarketData{Venue: model.VenuePredictionMarket, CoverageType: model.CoverageDepeg, Capacity: d(50000), Confidence: 0.9, UpdatedAt: t0})
	o.SetMarketData(model.MarketData{Venue: model.VenuePerpetuals, CoverageType: model.CoverageDepeg, Capacity: d(90000), Confidence: 0.8, UpdatedAt: t0.Add(-10 * time.Minute)})

	snap, err := o.Snapshot(model.CoverageDepeg)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, ok := snap[model.VenuePerpetuals]; ok {
		t.Error("stale venue market data should be left out")
	}
	pm, ok := snap[model.VenuePredictionMarket]
	if !ok || !pm.Cost.Equal(d(0.025)) || !pm.Capacity.Equal(d(50000)) {
		t.Errorf("unexpected prediction market data %+v", pm)
	}

	c.advance(5 * time.Minute)
	if _, err := o.Snapshot(model.CoverageDepeg); !errors.Is(err, ErrStaleOracleData) {
		t.Errorf("expected stale snapshot, got %v", err)
	}
}

// --- Quotes ---

func TestGetSwingQuote_ScenarioA(t *testing.T) {
	o, _ := newOracle(t)
	q := NewQuoter(o, NewMemoryQuoteBook(), nil)

	quote, err := q.GetSwingQuote(context.Background(), model.CoverageDepeg, d(10000), 30)
	if err != nil {
		t.Fatalf("GetSwingQuote: %v", err)
	}
	if !quote.HedgeCost.Equal(d(141.8)) {
		t.Errorf("HedgeCost = %s, want 141.8", quote.HedgeCost)
	}
	// 4% annual on 10000 for 30 days plus 10% margin.
	if !quote.BasePremium.Equal(d(36.16438356)) {
		t.Errorf("BasePremium = %s, want 36.16438356", quote.BasePremium)
	}
	if !quote.ProtocolMargin.Equal(d(3.28767123)) {
		t.Errorf("ProtocolMargin = %s", quote.ProtocolMargin)
	}
	if !quote.TotalPremium.Equal(quote.BasePremium.Add(quote.HedgeCost)) {
		t.Errorf("TotalPremium %s != base %s + hedge %s", quote.TotalPremium, quote.BasePremium, quote.HedgeCost)
	}
	if len(quote.HedgeCostBreakdown) != 3 {
		t.Errorf("expected 3-venue breakdown, got %v", quote.HedgeCostBreakdown)
	}
	if !quote.ValidUntil.Equal(t0.Add(30 * time.Second)) {
		t.Errorf("ValidUntil = %s", quote.ValidUntil)
	}
}

func TestValidateQuote_FreshnessWindow(t *testing.T) {
	o, _ := newOracle(t)
	q := NewQuoter(o, nil, nil)
	quote := &model.SwingQuote{IssuedAt: t0}

	if err := q.ValidateQuote(quote, t0.Add(29*time.Second)); err != nil {
		t.Errorf("29s old quote should be accepted: %v", err)
	}
	if err := q.ValidateQuote(quote, t0.Add(30*time.Second)); !errors.Is(err, ErrStaleQuote) {
		t.Errorf("30s old quote should be rejected, got %v", err)
	}
	if err := q.ValidateQuote(quote, t0.Add(60*time.Second)); !errors.Is(err, ErrStaleQuote) {
		t.Errorf("60s old quote should be rejected, got %v", err)
	}
}

func TestRedeem(t *testing.T) {
	o, c := newOracle(t)
	q := NewQuoter(o, NewMemoryQuoteBook(), nil)
	ctx := context.Background()

	quote, err := q.GetSwingQuote(ctx, model.CoverageDepeg, d(10000), 30)
	if err != nil {
		t.Fatalf("GetSwingQuote: %v", err)
	}

	if _, err := q.Redeem(ctx, "forged", model.CoverageDepeg, d(10000), 30); !errors.Is(err, ErrUnknownQuote) {
		t.Errorf("expected ErrUnknownQuote, got %v", err)
	}
	if _, err := q.Redeem(ctx, quote.ID, model.CoverageDepeg, d(20000), 30); !errors.Is(err, ErrQuoteMismatch) {
		t.Errorf("expected ErrQuoteMismatch, got %v", err)
	}

	c.advance(10 * time.Second)
	got, err := q.Redeem(ctx, quote.ID, model.CoverageDepeg, d(10000), 30)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if !got.TotalPremium.Equal(quote.TotalPremium) {
		t.Errorf("redeemed premium %s, issued %s", got.TotalPremium, quote.TotalPremium)
	}

	if _, err := q.Redeem(ctx, quote.ID, model.CoverageDepeg, d(10000), 30); !errors.Is(err, ErrUnknownQuote) {
		t.Errorf("second redemption: expected ErrUnknownQuote, got %v", err)
	}

	stale, err := q.GetSwingQuote(ctx, model.CoverageDepeg, d(10000), 30)
	if err != nil {
		t.Fatalf("GetSwingQuote: %v", err)
	}
	c.advance(30 * time.Second)
	if _, err := q.Redeem(ctx, stale.ID, model.CoverageDepeg, d(10000), 30); !errors.Is(err, ErrStaleQuote) {
		t.Errorf("expected ErrStaleQuote at 30s, got %v", err)
	}
}

func TestRedeem_ConcurrentSingleWinner(t *testing.T) {
	o, _ := newOracle(t)
	q := NewQuoter(o, NewMemoryQuoteBook(), nil)
	ctx := context.Background()

	quote, err := q.GetSwingQuote(ctx, model.CoverageDepeg, d(10000), 30)
	if err != nil {
		t.Fatalf("GetSwingQuote: %v", err)
	}

	var wg sync.WaitGroup
	var redeemed atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Redeem(ctx, quote.ID, model.CoverageDepeg, d(10000), 30); err == nil {
				redeemed.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := redeemed.Load(); n != 1 {
		t.Errorf("quote redeemed %d times, want 1", n)
	}
}

func TestMemoryQuoteBook_Take(t *testing.T) {
	b := NewMemoryQuoteBook()
	ctx := context.Background()
	b.Put(ctx, &model.SwingQuote{ID: "q1"}, 30*time.Second)

	if _, err := b.Get(ctx, "q1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := b.Take(ctx, "q1"); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if _, err := b.Take(ctx, "q1"); !errors.Is(err, ErrUnknownQuote) {
		t.Errorf("second Take: expected ErrUnknownQuote, got %v", err)
	}
	if _, err := b.Get(ctx, "q1"); !errors.Is(err, ErrUnknownQuote) {
		t.Errorf("Get after Take: expected ErrUnknownQuote, got %v", err)
	}
}

func TestGetSwingQuote_StaleOracle(t *testing.T) {
	o, c := newOracle(t)
	q := NewQuoter(o, NewMemoryQuoteBook(), nil)
	c.advance(6 * time.Minute)

	if _, err := q.GetSwingQuote(context.Background(), model.CoverageDepeg, d(10000), 30); !errors.Is(err, ErrStaleOracleData) {
		t.Errorf("expected ErrStaleOracleData, got %v", err)
	}
}

// --- Updater ---

func simulators() []*venue.Simulator {
	var sims []*venue.Simulator
	for _, v := range model.Venues {
		sims = append(sims, venue.NewSimulator(v))
	}
	return sims
}

func TestUpdater_Refresh(t *testing.T) {
	c := &clock{t: t0}
	o := NewOracle(DefaultConfig(), WithClock(c.now))
	sims := simulators()
	rates := scenarioRates()
	var conns []venue.Connector
	for _, s := range sims {
		s.SetQuote(model.CoverageDepeg, rates[s.Venue()], d(100000), 0.9)
		conns = append(conns, s)
	}
	u := NewUpdater(DefaultUpdaterConfig(), o, conns, nil)

	if n := u.RefreshAll(context.Background()); n != 1 {
		t.Fatalf("RefreshAll updated %d types, want 1 (only depeg is quoted)", n)
	}

	hc, err := o.CalculateHedgeCost(model.CoverageDepeg, d(10000), 30)
	if err != nil {
		t.Fatalf("CalculateHedgeCost after refresh: %v", err)
	}
	if !hc.Total.Equal(d(141.8)) {
		t.Errorf("Total = %s, want 141.8", hc.Total)
	}

	snap, err := o.Snapshot(model.CoverageDepeg)
	if err != nil || len(snap) != 3 {
		t.Fatalf("Snapshot = %v, %v", snap, err)
	}
	if !snap[model.VenuePerpetuals].Cost.Equal(d(0.15)) {
		t.Errorf("perpetuals cost = %s, want 0.15", snap[model.VenuePerpetuals].Cost)
	}
}

func TestUpdater_PartialAnswersKeepOldRates(t *testing.T) {
	c := &clock{t: t0}
	o := NewOracle(DefaultConfig(), WithClock(c.now))
	sims := simulators()
	var conns []venue.Connector
	for _, s := range sims {
		if s.Venue() != model.VenueReinsurance {
			s.SetQuote(model.CoverageBridge, d(0.01), d(1000), 0.5)
		}
		conns = append(conns, s)
	}
	u := NewUpdater(DefaultUpdaterConfig(), o, conns, nil)

	if u.Refresh(context.Background(), model.CoverageBridge) {
		t.Fatal("refresh with a silent venue must not update rates")
	}
	if _, err := o.Quote(model.CoverageBridge); !errors.Is(err, ErrStaleOracleData) {
		t.Errorf("expected no bridge rates, got %v", err)
	}
}

func TestUpdater_StartStop(t *testing.T) {
	o := NewOracle(DefaultConfig())
	u := NewUpdater(UpdaterConfig{Interval: 10 * time.Millisecond, Timeout: time.Second}, o, nil, nil)

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := u.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
