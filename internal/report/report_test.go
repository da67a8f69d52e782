package report

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/model"
	"github.com/tonsurance/hedge-engine/internal/montecarlo"
	"github.com/tonsurance/hedge-engine/internal/risk"
	"github.com/tonsurance/hedge-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type staticMarket model.MarketSnapshot

func (m staticMarket) Snapshot(model.CoverageType) (model.MarketSnapshot, error) {
	return model.MarketSnapshot(m), nil
}

func market() staticMarket {
	return staticMarket{
		model.VenuePredictionMarket: {Venue: model.VenuePredictionMarket, Cost: d(0.01), Capacity: d(1000000), Confidence: 0.9},
		model.VenuePerpetuals:       {Venue: model.VenuePerpetuals, Cost: d(0.02), Capacity: d(1000000), Confidence: 0.9},
		model.VenueReinsurance:      {Venue: model.VenueReinsurance, Cost: d(0.03), Capacity: d(1000000), Confidence: 0.9},
	}
}

func newBuilder(t *testing.T, cfg Config, scenarios montecarlo.StaticSource) (*Builder, *risk.Calculator, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	calc := risk.NewCalculator(st, market(), risk.DefaultConfig(), nil)

	mcfg := montecarlo.DefaultConfig()
	mcfg.BaseSimulations = 500
	mcfg.Workers = 2
	mcfg.BaseVolatility = 0
	engine := montecarlo.NewEngine(mcfg, scenarios, nil)

	return NewBuilder(cfg, st, calc, engine, nil), calc, st
}

func addPolicy(t *testing.T, st store.Store, id string, amount float64) {
	t.Helper()
	now := time.Now().UTC()
	err := st.CreatePolicy(context.Background(), &model.Policy{
		ID:             id,
		CoverageType:   model.CoverageDepeg,
		Asset:          "USDC",
		CoverageAmount: d(amount),
		TriggerPrice:   d(0.97),
		FloorPrice:     d(0.80),
		IssuedAt:       now.Add(-time.Hour),
		ExpiresAt:      now.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
}

func hasAlert(rep *Report, code string, sev Severity) bool {
	for _, a := range rep.Alerts {
		if a.Code == code && a.Severity == sev {
			return true
		}
	}
	return false
}

func TestGenerate_SevereBook(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capital = d(15000)
	cfg.ApplyHedgeRatio = true
	b, calc, st := newBuilder(t, cfg, montecarlo.StaticSource{{
		Name:          "collapse",
		Probability:   1,
		Weight:        1,
		ShockedPrices: map[string]float64{"USDC": 0.5},
	}})
	addPolicy(t, st, "p1", 10000)

	rep, err := b.Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	m := rep.PortfolioMetrics
	if m.ActivePolicies != 1 || !m.TotalCoverage.Equal(d(10000)) || !m.CapitalRatio.Equal(d(1.5)) {
		t.Errorf("unexpected metrics %+v", m)
	}
	if rep.VaRAnalysis == nil || !rep.VaRAnalysis.VaR99.Equal(d(10000)) {
		t.Fatalf("unexpected VaR %+v", rep.VaRAnalysis)
	}
	if rep.StressTests == nil || rep.StressTests.ExceedingAlert != 1 {
		t.Fatalf("unexpected stress results %+v", rep.StressTests)
	}

	if !hasAlert(rep, AlertVaRAboveCapital, SeverityWarning) {
		t.Error("expected a VaR warning")
	}
	if !hasAlert(rep, AlertStressBreach, SeverityCritical) {
		t.Error("expected a critical stress breach")
	}
	if !hasAlert(rep, AlertHedgeDrift, SeverityWarning) {
		t.Error("expected a hedge drift alert for the unhedged book")
	}

	var rebalance, ratio bool
	for _, r := range rep.Recommendations {
		switch r.Kind {
		case RecommendRebalance:
			rebalance = r.CoverageType == model.CoverageDepeg && len(r.Orders) == 3
		case RecommendHedgeRatio:
			ratio = r.HedgeRatio != nil && r.HedgeRatio.Equal(d(0.5))
		}
	}
	if !rebalance {
		t.Error("expected a depeg rebalance recommendation")
	}
	if !ratio {
		t.Error("expected the hedge ratio clamped to the 0.5 ceiling")
	}
	if !calc.HedgeRatio().Equal(d(0.5)) {
		t.Errorf("applied hedge ratio = %s, want 0.5", calc.HedgeRatio())
	}
	if b.Latest() != rep {
		t.Error("Latest should return the generated report")
	}
}

func TestGenerate_EmptyBook(t *testing.T) {
	b, _, _ := newBuilder(t, DefaultConfig(), montecarlo.StaticSource{{
		Name: "calm", Probability: 1, Weight: 1,
	}})
	if b.Latest() != nil {
		t.Fatal("Latest should be nil before the first run")
	}

	rep, err := b.Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if rep.VaRAnalysis != nil {
		t.Error("no VaR expected without policies")
	}
	if len(rep.Alerts) != 0 || len(rep.Recommendations) != 0 {
		t.Errorf("expected a quiet report, got %+v / %+v", rep.Alerts, rep.Recommendations)
	}
}

func TestGenerate_NoScenariosIsAnAlert(t *testing.T) {
	b, _, st := newBuilder(t, DefaultConfig(), montecarlo.StaticSource{})
	addPolicy(t, st, "p1", 10000)

	rep, err := b.Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !hasAlert(rep, "var_unavailable", SeverityWarning) {
		t.Errorf("expected var_unavailable alert, got %+v", rep.Alerts)
	}
}

func TestScheduler(t *testing.T) {
	b, _, _ := newBuilder(t, DefaultConfig(), montecarlo.StaticSource{})

	if _, err := NewScheduler("not a cron spec", time.Second, b, nil); err == nil {
		t.Error("expected an error for an invalid spec")
	}

	s, err := NewScheduler("* * * * * *", time.Second, b, nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Start()

	deadline := time.Now().Add(3 * time.Second)
	for b.Latest() == nil && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if b.Latest() == nil {
		t.Error("scheduler did not generate a report")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
