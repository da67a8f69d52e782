// Package optimizer splits a hedge notional across venues.
//
// The allocation is a greedy cost-ordered fill under diversification bounds:
//   - each venue takes at most min(capacity, MaxShare × total)
//   - each usable venue then gets at least min(capacity, MinShare × total),
//     funded proportionally by the venues above that floor
//   - the split always sums to the total unless capacity runs out, in which
//     case the shortfall is returned alongside ErrInsufficientCapacity
//
// All arithmetic is decimal; shares are rounded to Scale places and the
// rounding residual is placed on the largest venue with headroom.
package optimizer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/model"
)

var (
	// ErrInsufficientCapacity is returned, together with the best feasible
	// allocation, when the venues cannot absorb the full notional.
	ErrInsufficientCapacity = errors.New("optimizer: insufficient venue capacity")

	// ErrInvalidConstraints is returned when the share bounds cannot be met
	// by any allocation.
	ErrInvalidConstraints = errors.New("optimizer: invalid constraints")

	// Scale is the number of decimal places allocations are rounded to.
	Scale int32 = 8
)

// Constraints bounds the per-venue share of the total.
type Constraints struct {
	MinShare      decimal.Decimal // floor per usable venue
	MaxShare      decimal.Decimal // ceiling per venue while capacity allows
	MinConfidence float64         // venues quoting at or below this are skipped
	Epsilon       decimal.Decimal // tolerated sum error
}

// DefaultConstraints returns the 15%/50% diversification bounds.
func DefaultConstraints() Constraints {
	return Constraints{
		MinShare: decimal.NewFromFloat(0.15),
		MaxShare: decimal.NewFromFloat(0.50),
		Epsilon:  decimal.New(1, -Scale),
	}
}

// Validate checks the bounds are satisfiable across len(model.Venues) venues.
func (c Constraints) Validate() error {
	n := decimal.NewFromInt(int64(len(model.Venues)))
	one := decimal.NewFromInt(1)
	switch {
	case c.MinShare.IsNegative() || c.MaxShare.LessThanOrEqual(decimal.Zero):
		return fmt.Errorf("%w: shares must be non-negative and max_share positive", ErrInvalidConstraints)
	case c.MinShare.GreaterThan(c.MaxShare):
		return fmt.Errorf("%w: min_share %s above max_share %s", ErrInvalidConstraints, c.MinShare, c.MaxShare)
	case c.MaxShare.GreaterThan(one):
		return fmt.Errorf("%w: max_share %s above 1", ErrInvalidConstraints, c.MaxShare)
	case c.MinShare.Mul(n).GreaterThan(one):
		return fmt.Errorf("%w: min_share %s cannot hold for %s venues", ErrInvalidConstraints, c.MinShare, n)
	case c.MaxShare.Mul(n).LessThan(one):
		return fmt.Errorf("%w: max_share %s cannot cover the total with %s venues", ErrInvalidConstraints, c.MaxShare, n)
	}
	return nil
}

// Result is an allocation plus how much of the request it covers.
type Result struct {
	Allocation model.Allocation `json:"allocation"`
	Requested  decimal.Decimal  `json:"requested"`
	Allocated  decimal.Decimal  `json:"allocated"`
	Shortfall  decimal.Decimal  `json:"shortfall"`
}

type candidate struct {
	venue    model.Venue
	cost     decimal.Decimal
	capacity decimal.Decimal
	order    int
}

// OptimizeAllocation splits total across the venues in market. Every venue
// in model.Venues appears in the allocation, with zero when it is unusable
// (no data, no capacity, or confidence at or below the minimum).
func OptimizeAllocation(total decimal.Decimal, market model.MarketSnapshot, c Constraints) (*Result, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	alloc := make(model.Allocation, len(model.Venues))
	for _, v := range model.Venues {
		alloc[v] = decimal.Zero
	}
	res := &Result{Allocation: alloc, Requested: total, Allocated: decimal.Zero, Shortfall: decimal.Zero}
	if !total.IsPositive() {
		return res, nil
	}

	cands := usable(market, c.MinConfidence)

	// 1. Greedy fill, cheapest first, capped by capacity and max share.
	ceiling := c.MaxShare.Mul(total)
	remaining := total
	for _, cd := range cands {
		take := decimal.Min(cd.capacity, ceiling, remaining)
		alloc[cd.venue] = take
		remaining = remaining.Sub(take)
	}

	// 2. If the share ceiling left notional unplaced, spill it onto spare
	// capacity in the same order.
	for _, cd := range cands {
		if !remaining.IsPositive() {
			break
		}
		spare := cd.capacity.Sub(alloc[cd.venue])
		if !spare.IsPositive() {
			continue
		}
		take := decimal.Min(spare, remaining)
		alloc[cd.venue] = alloc[cd.venue].Add(take)
		remaining = remaining.Sub(take)
	}

	// 3. Lift venues below the floor, funded by venues above it.
	floor := c.MinShare.Mul(total)
	for _, cd := range cands {
		target := decimal.Min(floor, cd.capacity)
		need := target.Sub(alloc[cd.venue])
		if !need.IsPositive() {
			continue
		}
		excess := decimal.Zero
		for _, donor := range cands {
			if donor.venue == cd.venue {
				continue
			}
			if over := alloc[donor.venue].Sub(floor); over.IsPositive() {
				excess = excess.Add(over)
			}
		}
		if !excess.IsPositive() {
			continue
		}
		give := decimal.Min(need, excess)
		for _, donor := range cands {
			if donor.venue == cd.venue {
				continue
			}
			over := alloc[donor.venue].Sub(floor)
			if !over.IsPositive() {
				continue
			}
			alloc[donor.venue] = alloc[donor.venue].Sub(give.Mul(over).Div(excess))
		}
		alloc[cd.venue] = alloc[cd.venue].Add(give)
	}

	placed := total.Sub(remaining)
	roundAllocation(alloc, placed, cands)

	res.Allocated = alloc.Total()
	res.Shortfall = total.Sub(res.Allocated)
	if res.Shortfall.GreaterThan(c.Epsilon) {
		return res, fmt.Errorf("%w: placed %s of %s", ErrInsufficientCapacity, res.Allocated, total)
	}
	return res, nil
}

// usable returns the venues that can take notional, cheapest first.
func usable(market model.MarketSnapshot, minConfidence float64) []candidate {
	var out []candidate
	for i, v := range model.Venues {
		md, ok := market[v]
		if !ok || !md.Capacity.IsPositive() || md.Confidence <= 0 || md.Confidence <= minConfidence {
			continue
		}
		out = append(out, candidate{venue: v, cost: md.Cost, capacity: md.Capacity, order: i})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].cost.Equal(out[j].cost) {
			return out[i].cost.LessThan(out[j].cost)
		}
		return out[i].order < out[j].order
	})
	return out
}

// roundAllocation rounds every share to Scale places and puts the residual
// against want on the largest venue that stays within capacity.
func roundAllocation(alloc model.Allocation, want decimal.Decimal, cands []candidate) {
	for v, amt := range alloc {
		alloc[v] = amt.Round(Scale)
	}
	residual := want.Round(Scale).Sub(alloc.Total())
	if residual.IsZero() {
		return
	}

	byAmount := make([]candidate, len(cands))
	copy(byAmount, cands)
	sort.SliceStable(byAmount, func(i, j int) bool {
		return alloc[byAmount[i].venue].GreaterThan(alloc[byAmount[j].venue])
	})
	for _, cd := range byAmount {
		adjusted := alloc[cd.venue].Add(residual)
		if adjusted.IsNegative() || adjusted.GreaterThan(cd.capacity) {
			continue
		}
		alloc[cd.venue] = adjusted
		return
	}
}
