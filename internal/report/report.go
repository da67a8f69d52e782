// Package report assembles the periodic risk report: portfolio metrics,
// simulated VaR, the stress suite, alerts and recommendations.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/model"
	"github.com/tonsurance/hedge-engine/internal/montecarlo"
	"github.com/tonsurance/hedge-engine/internal/optimizer"
	"github.com/tonsurance/hedge-engine/internal/risk"
	"github.com/tonsurance/hedge-engine/internal/store"
)

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert codes.
const (
	AlertVaRAboveCapital  = "var_above_capital"
	AlertStressBreach     = "stress_breach"
	AlertHedgeDrift       = "hedge_drift"
	AlertAllocationFailed = "allocation_failed"
)

// Alert is a condition the risk desk should look at.
type Alert struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}

// Recommendation kinds.
const (
	RecommendRebalance  = "rebalance"
	RecommendHedgeRatio = "hedge_ratio"
)

// Recommendation is a suggested action.
type Recommendation struct {
	Kind         string                     `json:"kind"`
	CoverageType model.CoverageType         `json:"coverage_type,omitempty"`
	Message      string                     `json:"message"`
	Orders       []optimizer.RebalanceOrder `json:"orders,omitempty"`
	HedgeRatio   *decimal.Decimal           `json:"hedge_ratio,omitempty"`
}

// PortfolioMetrics summarizes the book.
type PortfolioMetrics struct {
	ActivePolicies int             `json:"active_policies"`
	TotalCoverage  decimal.Decimal `json:"total_coverage"`
	Capital        decimal.Decimal `json:"capital"`
	CapitalRatio   decimal.Decimal `json:"capital_ratio"` // capital / total coverage
	HedgeRatio     decimal.Decimal `json:"hedge_ratio"`
	RequiredHedge  decimal.Decimal `json:"required_hedge"`
	CurrentHedge   decimal.Decimal `json:"current_hedge"`
}

// Report is one risk report.
type Report struct {
	GeneratedAt      time.Time                `json:"generated_at"`
	PortfolioMetrics PortfolioMetrics         `json:"portfolio_metrics"`
	Exposure         []risk.Exposure          `json:"exposure"`
	VaRAnalysis      *model.VaRResult         `json:"var_analysis,omitempty"`
	StressTests      *montecarlo.StressReport `json:"stress_test_results,omitempty"`
	Alerts           []Alert                  `json:"alerts"`
	Recommendations  []Recommendation         `json:"recommendations"`
}

// Config holds report parameters.
type Config struct {
	Capital           decimal.Decimal    // reserve capital backing the book
	Prices            map[string]float64 // current asset prices for simulation
	Float             map[string]float64 // float holdings by asset
	Confidence        float64            // VaR confidence level (default: 0.95)
	VaRAlertFraction  decimal.Decimal    // VaR99 above this share of capital alerts (default: 0.3)
	HedgeRatioFloor   decimal.Decimal    // default: 0.10
	HedgeRatioCeiling decimal.Decimal    // default: 0.50
	ApplyHedgeRatio   bool               // push the VaR-sized ratio to the calculator
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capital:           decimal.Zero,
		Confidence:        0.95,
		VaRAlertFraction:  decimal.NewFromFloat(0.3),
		HedgeRatioFloor:   decimal.NewFromFloat(0.10),
		HedgeRatioCeiling: decimal.NewFromFloat(0.50),
	}
}

// Builder produces reports and keeps the latest one.
type Builder struct {
	cfg    Config
	store  store.Store
	calc   *risk.Calculator
	engine *montecarlo.Engine
	now    func() time.Time
	logger *slog.Logger

	mu     sync.RWMutex
	latest *Report
}

// NewBuilder creates a report builder.
func NewBuilder(cfg Config, st store.Store, calc *risk.Calculator, engine *montecarlo.Engine, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		cfg:    cfg,
		store:  st,
		calc:   calc,
		engine: engine,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Latest returns the most recent report, or nil before the first run.
func (b *Builder) Latest() *Report {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest
}

// Generate builds a fresh report and records it as the latest. A failing
// simulation or stress run is reported as an alert rather than failing the
// whole report.
func (b *Builder) Generate(ctx context.Context) (*Report, error) {
	now := b.now()
	exposures, err := b.calc.CalculateExposure(ctx)
	if err != nil {
		return nil, fmt.Errorf("calculate exposure: %w", err)
	}
	vault, err := montecarlo.LoadVault(ctx, b.store, b.cfg.Capital, b.cfg.Prices, b.cfg.Float, now)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		GeneratedAt:      now,
		PortfolioMetrics: b.portfolioMetrics(vault, exposures),
		Exposure:         exposures,
		Alerts:           []Alert{},
		Recommendations:  []Recommendation{},
	}

	if len(vault.Policies) > 0 {
		res, err := b.engine.CalculateAdaptiveVaR(ctx, vault, b.cfg.Confidence)
		if err != nil {
			rep.alert(SeverityWarning, "var_unavailable", fmt.Sprintf("VaR simulation failed: %v", err))
		} else {
			rep.VaRAnalysis = res
		}
	}

	stress, err := b.engine.RunStressTestSuite(ctx, vault)
	if err != nil {
		rep.alert(SeverityWarning, "stress_unavailable", fmt.Sprintf("stress suite failed: %v", err))
	} else {
		rep.StressTests = stress
	}

	b.varAlerts(rep)
	b.stressAlerts(rep)
	if err := b.hedgeRecommendations(ctx, rep); err != nil {
		return nil, err
	}
	b.ratioRecommendation(rep, vault.TotalCoverage())

	b.mu.Lock()
	b.latest = rep
	b.mu.Unlock()

	b.logger.Info("risk report generated",
		"policies", rep.PortfolioMetrics.ActivePolicies,
		"alerts", len(rep.Alerts),
		"recommendations", len(rep.Recommendations),
	)
	return rep, nil
}

// Stress runs the stress suite against the current book without building a
// full report.
func (b *Builder) Stress(ctx context.Context) (*montecarlo.StressReport, error) {
	vault, err := montecarlo.LoadVault(ctx, b.store, b.cfg.Capital, b.cfg.Prices, b.cfg.Float, b.now())
	if err != nil {
		return nil, err
	}
	return b.engine.RunStressTestSuite(ctx, vault)
}

func (b *Builder) portfolioMetrics(vault *montecarlo.Vault, exposures []risk.Exposure) PortfolioMetrics {
	m := PortfolioMetrics{
		ActivePolicies: len(vault.Policies),
		TotalCoverage:  vault.TotalCoverage(),
		Capital:        vault.Capital,
		CapitalRatio:   decimal.Zero,
		HedgeRatio:     b.calc.HedgeRatio(),
		RequiredHedge:  decimal.Zero,
		CurrentHedge:   decimal.Zero,
	}
	if m.TotalCoverage.IsPositive() {
		m.CapitalRatio = m.Capital.Div(m.TotalCoverage).Round(4)
	}
	for _, e := range exposures {
		m.RequiredHedge = m.RequiredHedge.Add(e.RequiredHedge)
		m.CurrentHedge = m.CurrentHedge.Add(e.CurrentHedge)
	}
	return m
}

func (b *Builder) varAlerts(rep *Report) {
	if rep.VaRAnalysis == nil || !b.cfg.Capital.IsPositive() {
		return
	}
	limit := b.cfg.Capital.Mul(b.cfg.VaRAlertFraction)
	if rep.VaRAnalysis.VaR99.GreaterThan(limit) {
		sev := SeverityWarning
		if rep.VaRAnalysis.VaR99.GreaterThan(b.cfg.Capital) {
			sev = SeverityCritical
		}
		rep.alert(sev, AlertVaRAboveCapital, fmt.Sprintf("VaR99 %s exceeds %s of capital %s",
			rep.VaRAnalysis.VaR99.StringFixed(2), b.cfg.VaRAlertFraction, b.cfg.Capital.StringFixed(2)))
	}
}

func (b *Builder) stressAlerts(rep *Report) {
	if rep.StressTests == nil {
		return
	}
	for _, r := range rep.StressTests.Results {
		if r.ExceedsAlert {
			rep.alert(SeverityCritical, AlertStressBreach, fmt.Sprintf("scenario %s loses %s (%s of capital)",
				r.Scenario, r.Loss.StringFixed(2), r.LossRatio))
		}
	}
}

func (b *Builder) hedgeRecommendations(ctx context.Context, rep *Report) error {
	plans, err := b.calc.CalculateRebalanceOrders(ctx)
	if err != nil {
		return fmt.Errorf("calculate rebalance orders: %w", err)
	}
	for _, p := range plans {
		rep.alert(SeverityWarning, AlertHedgeDrift, fmt.Sprintf("%s hedge off target by %s", p.CoverageType, p.Deficit.StringFixed(2)))
		if p.Error != "" {
			rep.alert(SeverityWarning, AlertAllocationFailed, fmt.Sprintf("%s rebalance not sized: %s", p.CoverageType, p.Error))
			continue
		}
		if !optimizer.NeedsAction(p.Orders) {
			continue
		}
		rep.Recommendations = append(rep.Recommendations, Recommendation{
			Kind:         RecommendRebalance,
			CoverageType: p.CoverageType,
			Message:      fmt.Sprintf("rebalance %s hedge by %s", p.CoverageType, p.Deficit.StringFixed(2)),
			Orders:       p.Orders,
		})
	}
	return nil
}

func (b *Builder) ratioRecommendation(rep *Report, totalCoverage decimal.Decimal) {
	if rep.VaRAnalysis == nil {
		return
	}
	suggested := montecarlo.HedgeRatioFromVaR(rep.VaRAnalysis, totalCoverage, b.cfg.HedgeRatioFloor, b.cfg.HedgeRatioCeiling)
	current := b.calc.HedgeRatio()
	if suggested.Equal(current) {
		return
	}
	rep.Recommendations = append(rep.Recommendations, Recommendation{
		Kind:       RecommendHedgeRatio,
		Message:    fmt.Sprintf("move hedge ratio from %s to %s", current, suggested),
		HedgeRatio: &suggested,
	})
	if b.cfg.ApplyHedgeRatio {
		if err := b.calc.SetHedgeRatio(suggested); err != nil {
			b.logger.Warn("hedge ratio not applied", "ratio", suggested.String(), "err", err)
		}
	}
}

func (r *Report) alert(sev Severity, code, msg string) {
	r.Alerts = append(r.Alerts, Alert{Severity: sev, Code: code, Message: msg})
}
