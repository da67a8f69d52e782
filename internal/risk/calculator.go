// Package risk computes hedge exposure per coverage type and decides when
// the book needs rebalancing.
//
// Exposure is recomputed on demand from the active policies and the hedge
// positions in the store:
//
//	required_hedge = total_coverage × hedge_ratio
//	deficit        = required_hedge − current_hedge
//
// A coverage type needs rebalancing when |deficit| / required_hedge exceeds
// the rebalance threshold (default 5%).
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/metrics"
	"github.com/tonsurance/hedge-engine/internal/model"
	"github.com/tonsurance/hedge-engine/internal/optimizer"
	"github.com/tonsurance/hedge-engine/internal/store"
)

// ErrInvalidHedgeRatio is returned by SetHedgeRatio for a ratio outside (0, 1].
var ErrInvalidHedgeRatio = errors.New("risk: hedge ratio must be in (0, 1]")

// MarketSource supplies the optimizer's market data for a coverage type.
type MarketSource interface {
	Snapshot(coverageType model.CoverageType) (model.MarketSnapshot, error)
}

// Config holds risk calculator parameters.
type Config struct {
	HedgeRatio         decimal.Decimal       // fraction of coverage to hedge (default: 0.20)
	RebalanceThreshold decimal.Decimal       // relative deficit that triggers a rebalance (default: 0.05)
	Constraints        optimizer.Constraints // venue share bounds for rebalance sizing
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HedgeRatio:         decimal.NewFromFloat(0.20),
		RebalanceThreshold: decimal.NewFromFloat(0.05),
		Constraints:        optimizer.DefaultConstraints(),
	}
}

// Exposure is one coverage type's exposure plus its current per-venue hedge.
type Exposure struct {
	model.ExposureByType
	PerVenue model.Allocation `json:"per_venue"`
}

// RebalancePlan is the rebalance for one coverage type.
type RebalancePlan struct {
	CoverageType model.CoverageType         `json:"coverage_type"`
	Deficit      decimal.Decimal            `json:"deficit"`
	Current      model.Allocation           `json:"current"`
	Target       model.Allocation           `json:"target"`
	Orders       []optimizer.RebalanceOrder `json:"orders"`
	Shortfall    decimal.Decimal            `json:"shortfall"`
	Error        string                     `json:"error,omitempty"`
}

// Calculator aggregates exposure and sizes rebalances.
type Calculator struct {
	store  store.Store
	market MarketSource
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu         sync.RWMutex
	hedgeRatio decimal.Decimal
}

// NewCalculator creates a calculator over st. market may be nil, in which
// case rebalance plans report an error instead of orders for deficits.
func NewCalculator(st store.Store, market MarketSource, cfg Config, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{
		store:      st,
		market:     market,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
		hedgeRatio: cfg.HedgeRatio,
	}
}

// HedgeRatio returns the current target hedge ratio.
func (c *Calculator) HedgeRatio() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hedgeRatio
}

// SetHedgeRatio replaces the target hedge ratio.
func (c *Calculator) SetHedgeRatio(ratio decimal.Decimal) error {
	if !ratio.IsPositive() || ratio.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: got %s", ErrInvalidHedgeRatio, ratio)
	}
	c.mu.Lock()
	old := c.hedgeRatio
	c.hedgeRatio = ratio
	c.mu.Unlock()

	if !old.Equal(ratio) {
		c.logger.Info("hedge ratio updated", "old", old.String(), "new", ratio.String())
	}
	return nil
}

// CalculateExposure returns one entry per coverage type, in
// model.CoverageTypes order, including types with no active policies.
func (c *Calculator) CalculateExposure(ctx context.Context) ([]Exposure, error) {
	policies, err := c.store.ListActivePolicies(ctx, c.now())
	if err != nil {
		return nil, fmt.Errorf("list active policies: %w", err)
	}
	positions, err := c.store.ListHedgePositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list hedge positions: %w", err)
	}

	byPolicy := make(map[string]*model.HedgePosition, len(positions))
	for i := range positions {
		byPolicy[positions[i].PolicyID] = &positions[i]
	}

	ratio := c.HedgeRatio()
	exposures := make(map[model.CoverageType]*Exposure, len(model.CoverageTypes))
	out := make([]Exposure, len(model.CoverageTypes))
	for i, ct := range model.CoverageTypes {
		out[i] = Exposure{
			ExposureByType: model.ExposureByType{
				CoverageType:  ct,
				TotalCoverage: decimal.Zero,
				CurrentHedge:  decimal.Zero,
			},
			PerVenue: zeroAllocation(),
		}
		exposures[ct] = &out[i]
	}

	for _, p := range policies {
		e, ok := exposures[p.CoverageType]
		if !ok {
			continue
		}
		e.PolicyCount++
		e.TotalCoverage = e.TotalCoverage.Add(p.CoverageAmount)

		pos, ok := byPolicy[p.ID]
		if !ok {
			continue
		}
		for v, leg := range pos.Legs {
			if leg.Status != model.LegActive {
				continue
			}
			e.PerVenue[v] = e.PerVenue[v].Add(leg.Amount)
			e.CurrentHedge = e.CurrentHedge.Add(leg.Amount)
		}
	}

	for i := range out {
		e := &out[i]
		e.RequiredHedge = e.TotalCoverage.Mul(ratio).Round(optimizer.Scale)
		e.Deficit = e.RequiredHedge.Sub(e.CurrentHedge)
		metrics.HedgeDeficit.WithLabelValues(string(e.CoverageType)).Set(e.Deficit.InexactFloat64())
	}
	return out, nil
}

// exceeds reports whether e is outside the rebalance threshold.
func (c *Calculator) exceeds(e model.ExposureByType) bool {
	if !e.RequiredHedge.IsPositive() {
		return e.CurrentHedge.IsPositive()
	}
	return e.Deficit.Abs().Div(e.RequiredHedge).GreaterThan(c.cfg.RebalanceThreshold)
}

// NeedsRebalancing reports whether any coverage type's relative deficit
// exceeds the rebalance threshold.
func (c *Calculator) NeedsRebalancing(ctx context.Context) (bool, error) {
	exposures, err := c.CalculateExposure(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range exposures {
		if c.exceeds(e.ExposureByType) {
			return true, nil
		}
	}
	return false, nil
}

// CalculateRebalanceOrders returns a plan for every coverage type over the
// threshold. A deficit is placed with the optimizer on top of the current
// hedge; a surplus scales every venue down proportionally.
func (c *Calculator) CalculateRebalanceOrders(ctx context.Context) ([]RebalancePlan, error) {
	exposures, err := c.CalculateExposure(ctx)
	if err != nil {
		return nil, err
	}

	var plans []RebalancePlan
	for _, e := range exposures {
		if !c.exceeds(e.ExposureByType) {
			continue
		}
		plan := RebalancePlan{
			CoverageType: e.CoverageType,
			Deficit:      e.Deficit,
			Current:      e.PerVenue,
			Shortfall:    decimal.Zero,
		}

		if e.Deficit.IsPositive() {
			target, shortfall, err := c.increase(e)
			if err != nil {
				plan.Error = err.Error()
				c.logger.Warn("rebalance not sized",
					"coverage_type", e.CoverageType,
					"deficit", e.Deficit.String(),
					"err", err,
				)
				plans = append(plans, plan)
				continue
			}
			plan.Target = target
			plan.Shortfall = shortfall
		} else {
			plan.Target = scale(e.PerVenue, e.RequiredHedge, e.CurrentHedge)
		}

		plan.Orders = optimizer.CalculateRebalance(plan.Current, plan.Target)
		plans = append(plans, plan)
	}
	return plans, nil
}

func (c *Calculator) increase(e Exposure) (model.Allocation, decimal.Decimal, error) {
	if c.market == nil {
		return nil, decimal.Zero, errors.New("risk: no market data source")
	}
	snap, err := c.market.Snapshot(e.CoverageType)
	if err != nil {
		return nil, decimal.Zero, err
	}
	res, err := optimizer.OptimizeAllocation(e.Deficit, snap, c.cfg.Constraints)
	if err != nil && !errors.Is(err, optimizer.ErrInsufficientCapacity) {
		return nil, decimal.Zero, err
	}

	target := make(model.Allocation, len(model.Venues))
	for _, v := range model.Venues {
		target[v] = e.PerVenue[v].Add(res.Allocation[v])
	}
	return target, res.Shortfall, nil
}

// scale shrinks current so it sums to want, keeping venue proportions.
func scale(current model.Allocation, want, have decimal.Decimal) model.Allocation {
	out := make(model.Allocation, len(model.Venues))
	for _, v := range model.Venues {
		if !have.IsPositive() {
			out[v] = decimal.Zero
			continue
		}
		out[v] = current[v].Mul(want).Div(have).Round(optimizer.Scale)
	}
	return out
}

func zeroAllocation() model.Allocation {
	a := make(model.Allocation, len(model.Venues))
	for _, v := range model.Venues {
		a[v] = decimal.Zero
	}
	return a
}
