package optimizer

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func market(costs, capacities [3]float64) model.MarketSnapshot {
	snap := make(model.MarketSnapshot)
	for i, v := range model.Venues {
		snap[v] = model.MarketData{
			Venue:      v,
			Cost:       d(costs[i]),
			Capacity:   d(capacities[i]),
			Confidence: 0.9,
		}
	}
	return snap
}

func checkBounds(t *testing.T, res *Result, total decimal.Decimal, c Constraints) {
	t.Helper()
	if diff := res.Allocation.Total().Sub(total).Abs(); diff.GreaterThan(c.Epsilon) {
		t.Errorf("sum %s != total %s", res.Allocation.Total(), total)
	}
	lo, hi := c.MinShare.Mul(total), c.MaxShare.Mul(total)
	for v, amt := range res.Allocation {
		if amt.LessThan(lo.Sub(c.Epsilon)) || amt.GreaterThan(hi.Add(c.Epsilon)) {
			t.Errorf("%s share %s outside [%s, %s]", v, amt, lo, hi)
		}
	}
}

func TestOptimizeAllocation_SumAndBounds(t *testing.T) {
	c := DefaultConstraints()
	cases := []struct {
		name  string
		total float64
		costs [3]float64
	}{
		{"prediction cheapest", 10000, [3]float64{0.01, 0.02, 0.05}},
		{"reinsurance cheapest", 10000, [3]float64{0.04, 0.03, 0.01}},
		{"equal costs", 12345.67, [3]float64{0.02, 0.02, 0.02}},
		{"odd total", 1, [3]float64{0.03, 0.01, 0.02}},
		{"large", 7777777.77, [3]float64{0.05, 0.01, 0.01}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			total := d(tc.total)
			res, err := OptimizeAllocation(total, market(tc.costs, [3]float64{1e9, 1e9, 1e9}), c)
			if err != nil {
				t.Fatalf("OptimizeAllocation: %v", err)
			}
			checkBounds(t, res, total, c)
			if !res.Shortfall.IsZero() {
				t.Errorf("unexpected shortfall %s", res.Shortfall)
			}
		})
	}
}

func TestOptimizeAllocation_GreedyThenFloor(t *testing.T) {
	res, err := OptimizeAllocation(d(10000), market([3]float64{0.01, 0.02, 0.05}, [3]float64{1e6, 1e6, 1e6}), DefaultConstraints())
	if err != nil {
		t.Fatalf("OptimizeAllocation: %v", err)
	}
	want := map[model.Venue]float64{
		model.VenuePredictionMarket: 4250,
		model.VenuePerpetuals:       4250,
		model.VenueReinsurance:      1500,
	}
	for v, w := range want {
		if !res.Allocation[v].Equal(d(w)) {
			t.Errorf("%s = %s, want %v", v, res.Allocation[v], w)
		}
	}
}

func TestOptimizeAllocation_CapacityLimitedVenue(t *testing.T) {
	// Capacities 2000 / 100000 / 30000, total 10000.
	res, err := OptimizeAllocation(d(10000), market([3]float64{0.01, 0.02, 0.03}, [3]float64{2000, 100000, 30000}), DefaultConstraints())
	if err != nil {
		t.Fatalf("OptimizeAllocation: %v", err)
	}
	if res.Allocation[model.VenuePredictionMarket].GreaterThan(d(2000)) {
		t.Errorf("capacity-limited venue got %s, max 2000", res.Allocation[model.VenuePredictionMarket])
	}
	if !res.Allocation.Total().Equal(d(10000)) {
		t.Errorf("remainder not redistributed: total %s", res.Allocation.Total())
	}
	if !res.Allocation[model.VenuePerpetuals].Equal(d(5000)) || !res.Allocation[model.VenueReinsurance].Equal(d(3000)) {
		t.Errorf("unexpected split %v", res.Allocation)
	}
}

func TestOptimizeAllocation_CapacityLimitedEvenWhenExpensive(t *testing.T) {
	res, err := OptimizeAllocation(d(10000), market([3]float64{0.05, 0.02, 0.01}, [3]float64{2000, 100000, 30000}), DefaultConstraints())
	if err != nil {
		t.Fatalf("OptimizeAllocation: %v", err)
	}
	if res.Allocation[model.VenuePredictionMarket].GreaterThan(d(2000)) {
		t.Errorf("capacity-limited venue got %s", res.Allocation[model.VenuePredictionMarket])
	}
	if !res.Allocation.Total().Equal(d(10000)) {
		t.Errorf("total %s, want 10000", res.Allocation.Total())
	}
}

func TestOptimizeAllocation_Shortfall(t *testing.T) {
	res, err := OptimizeAllocation(d(10000), market([3]float64{0.01, 0.02, 0.03}, [3]float64{1000, 2000, 3000}), DefaultConstraints())
	if !errors.Is(err, ErrInsufficientCapacity) {
		t.Fatalf("expected ErrInsufficientCapacity, got %v", err)
	}
	if res == nil {
		t.Fatal("expected partial result alongside the error")
	}
	if !res.Allocated.Equal(d(6000)) || !res.Shortfall.Equal(d(4000)) {
		t.Errorf("allocated %s shortfall %s, want 6000/4000", res.Allocated, res.Shortfall)
	}
	for i, v := range model.Venues {
		limit := []float64{1000, 2000, 3000}[i]
		if res.Allocation[v].GreaterThan(d(limit)) {
			t.Errorf("%s exceeds capacity: %s", v, res.Allocation[v])
		}
	}
}

func TestOptimizeAllocation_SkipsUnusableVenues(t *testing.T) {
	snap := market([3]float64{0.01, 0.02, 0.03}, [3]float64{1e6, 1e6, 1e6})
	re := snap[model.VenueReinsurance]
	re.Confidence = 0
	snap[model.VenueReinsurance] = re

	res, err := OptimizeAllocation(d(10000), snap, DefaultConstraints())
	if err != nil {
		t.Fatalf("OptimizeAllocation: %v", err)
	}
	if !res.Allocation[model.VenueReinsurance].IsZero() {
		t.Errorf("zero-confidence venue allocated %s", res.Allocation[model.VenueReinsurance])
	}
	if !res.Allocation.Total().Equal(d(10000)) {
		t.Errorf("total %s, want 10000", res.Allocation.Total())
	}
}

func TestOptimizeAllocation_ZeroTotal(t *testing.T) {
	res, err := OptimizeAllocation(decimal.Zero, market([3]float64{0.01, 0.02, 0.03}, [3]float64{1, 1, 1}), DefaultConstraints())
	if err != nil {
		t.Fatalf("OptimizeAllocation: %v", err)
	}
	if len(res.Allocation) != len(model.Venues) || !res.Allocation.Total().IsZero() {
		t.Errorf("expected all-zero allocation, got %v", res.Allocation)
	}
}

func TestOptimizeAllocation_RoundingResidual(t *testing.T) {
	total := d(100).Div(d(3))
	res, err := OptimizeAllocation(total, market([3]float64{0.01, 0.02, 0.05}, [3]float64{1e6, 1e6, 1e6}), DefaultConstraints())
	if err != nil {
		t.Fatalf("OptimizeAllocation: %v", err)
	}
	if !res.Allocation.Total().Equal(total.Round(Scale)) {
		t.Errorf("rounded total %s, want %s", res.Allocation.Total(), total.Round(Scale))
	}
}

func TestConstraints_Validate(t *testing.T) {
	bad := []Constraints{
		{MinShare: d(0.6), MaxShare: d(0.5)},
		{MinShare: d(0.4), MaxShare: d(0.5)},
		{MinShare: d(0.1), MaxShare: d(0.3)},
		{MinShare: d(0.1), MaxShare: d(1.5)},
	}
	for i, c := range bad {
		if err := c.Validate(); !errors.Is(err, ErrInvalidConstraints) {
			t.Errorf("case %d: expected ErrInvalidConstraints, got %v", i, err)
		}
	}
	if err := DefaultConstraints().Validate(); err != nil {
		t.Errorf("default constraints invalid: %v", err)
	}
}

func TestCalculateRebalance_Idempotent(t *testing.T) {
	x := model.Allocation{
		model.VenuePredictionMarket: d(4000),
		model.VenuePerpetuals:       d(4000),
		model.VenueReinsurance:      d(2000),
	}
	orders := CalculateRebalance(x, x)
	if len(orders) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(orders))
	}
	for _, o := range orders {
		if o.Action != ActionHold {
			t.Errorf("%s: expected hold, got %s", o.Venue, o.Action)
		}
	}
	if NeedsAction(orders) {
		t.Error("NeedsAction should be false for identical allocations")
	}
}

func TestCalculateRebalance_Band(t *testing.T) {
	current := model.Allocation{
		model.VenuePredictionMarket: d(3970), // 0.75% under
		model.VenuePerpetuals:       d(4500),
		model.VenueReinsurance:      d(1000),
	}
	target := model.Allocation{
		model.VenuePredictionMarket: d(4000),
		model.VenuePerpetuals:       d(4000),
		model.VenueReinsurance:      d(2000),
	}
	orders := CalculateRebalance(current, target)

	want := []struct {
		action Action
		amount float64
	}{
		{ActionHold, 0},
		{ActionDecrease, 500},
		{ActionIncrease, 1000},
	}
	for i, w := range want {
		if orders[i].Action != w.action || !orders[i].Amount.Equal(d(w.amount)) {
			t.Errorf("%s: got %s %s, want %s %v", orders[i].Venue, orders[i].Action, orders[i].Amount, w.action, w.amount)
		}
	}
}

func TestCalculateRebalance_ZeroTarget(t *testing.T) {
	orders := CalculateRebalance(
		model.Allocation{model.VenueReinsurance: d(500)},
		model.Allocation{},
	)
	re := orders[2]
	if re.Action != ActionDecrease || !re.Amount.Equal(d(500)) {
		t.Errorf("expected decrease 500 on zero target, got %s %s", re.Action, re.Amount)
	}
	if orders[0].Action != ActionHold {
		t.Errorf("zero/zero should hold, got %s", orders[0].Action)
	}
}
