package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/coordinator"
	"github.com/tonsurance/hedge-engine/internal/metrics"
	"github.com/tonsurance/hedge-engine/internal/model"
	"github.com/tonsurance/hedge-engine/internal/optimizer"
)

// MarketSource supplies the latest per-venue market data.
type MarketSource interface {
	Snapshot(coverageType model.CoverageType) (model.MarketSnapshot, error)
}

// RatioSource supplies the current hedge ratio.
type RatioSource interface {
	HedgeRatio() decimal.Decimal
}

// Dispatch is how one policy's hedge was split and submitted.
type Dispatch struct {
	PolicyID   string           `json:"policy_id"`
	Notional   decimal.Decimal  `json:"notional"`
	Allocation model.Allocation `json:"allocation"`
	Shortfall  decimal.Decimal  `json:"shortfall"`
	Submitted  []model.Venue    `json:"submitted"`
	Abandoned  []model.Venue    `json:"abandoned"`
	Errors     []string         `json:"errors,omitempty"`
}

// Dispatcher turns a newly issued policy into per-venue execution requests.
type Dispatcher struct {
	keepers     map[model.Venue]*Keeper
	market      MarketSource
	ratio       RatioSource
	constraints optimizer.Constraints
	fallback    model.Allocation // venue weights when market data is unavailable
	logger      *slog.Logger
}

// NewDispatcher creates a dispatcher. fallback holds per-venue weights
// summing to 1, used when no usable market snapshot exists.
func NewDispatcher(keepers []*Keeper, market MarketSource, ratio RatioSource, c optimizer.Constraints, fallback model.Allocation, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	byVenue := make(map[model.Venue]*Keeper, len(keepers))
	for _, k := range keepers {
		byVenue[k.Venue()] = k
	}
	return &Dispatcher{
		keepers:     byVenue,
		market:      market,
		ratio:       ratio,
		constraints: c,
		fallback:    fallback,
		logger:      logger,
	}
}

// Liquidators exposes the keepers as coordinator fan-out targets.
func (d *Dispatcher) Liquidators() map[model.Venue]coordinator.Liquidator {
	out := make(map[model.Venue]coordinator.Liquidator, len(d.keepers))
	for v, k := range d.keepers {
		out[v] = k
	}
	return out
}

// Dispatch sizes the policy's hedge as coverage × hedge ratio, splits it
// across venues and submits it. Venues with no allocation are registered
// failed straight away so they never hold up settlement.
func (d *Dispatcher) Dispatch(ctx context.Context, p *model.Policy) (*Dispatch, error) {
	notional := p.CoverageAmount.Mul(d.ratio.HedgeRatio()).Round(optimizer.Scale)
	out := &Dispatch{PolicyID: p.ID, Notional: notional, Shortfall: decimal.Zero}

	alloc, err := d.allocate(p.CoverageType, notional)
	switch {
	case errors.Is(err, optimizer.ErrInsufficientCapacity):
		out.Shortfall = notional.Sub(alloc.Total())
		metrics.AllocationShortfall.WithLabelValues(string(p.CoverageType)).Add(out.Shortfall.InexactFloat64())
		d.logger.Warn("hedge partially allocated",
			"policy_id", p.ID,
			"notional", notional.String(),
			"shortfall", out.Shortfall.String(),
		)
	case err != nil:
		return nil, fmt.Errorf("allocate hedge for %s: %w", p.ID, err)
	}
	out.Allocation = alloc

	for _, v := range model.Venues {
		k, ok := d.keepers[v]
		if !ok {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: no keeper", v))
			continue
		}
		amount := alloc[v]
		if !amount.IsPositive() {
			if err := k.Abandon(ctx, p.ID); err != nil {
				out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", v, err))
				continue
			}
			out.Abandoned = append(out.Abandoned, v)
			continue
		}
		if err := k.Execute(p.ID, p.CoverageType, amount); err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", v, err))
			continue
		}
		out.Submitted = append(out.Submitted, v)
	}

	d.logger.Info("hedge dispatched",
		"policy_id", p.ID,
		"coverage_type", p.CoverageType,
		"notional", notional.String(),
		"submitted", len(out.Submitted),
		"abandoned", len(out.Abandoned),
	)
	return out, nil
}

func (d *Dispatcher) allocate(coverageType model.CoverageType, notional decimal.Decimal) (model.Allocation, error) {
	snap, err := d.market.Snapshot(coverageType)
	if err == nil && len(snap) > 0 {
		res, err := optimizer.OptimizeAllocation(notional, snap, d.constraints)
		if res == nil {
			return nil, err
		}
		return res.Allocation, err
	}

	d.logger.Warn("no market snapshot, using fallback weights", "coverage_type", coverageType, "err", err)
	alloc := make(model.Allocation, len(model.Venues))
	for _, v := range model.Venues {
		alloc[v] = notional.Mul(d.fallback[v]).Round(optimizer.Scale)
	}
	if residual := notional.Sub(alloc.Total()); !residual.IsZero() {
		alloc[model.Venues[0]] = alloc[model.Venues[0]].Add(residual)
	}
	return alloc, nil
}
