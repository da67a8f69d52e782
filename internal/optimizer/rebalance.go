package optimizer

import (
	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/model"
)

// Action is what a rebalance asks of one venue.
type Action string

const (
	ActionIncrease Action = "increase"
	ActionDecrease Action = "decrease"
	ActionHold     Action = "hold"
)

// HoldBand is the relative drift below which a venue is left alone.
var HoldBand = decimal.NewFromFloat(0.01)

// RebalanceOrder moves one venue from Current toward Target by Amount.
type RebalanceOrder struct {
	Venue   model.Venue     `json:"venue"`
	Action  Action          `json:"action"`
	Amount  decimal.Decimal `json:"amount"`
	Current decimal.Decimal `json:"current"`
	Target  decimal.Decimal `json:"target"`
}

// CalculateRebalance returns one order per venue, in model.Venues order.
// A venue holds when |current - target| / target < HoldBand, so
// CalculateRebalance(x, x) is all holds.
func CalculateRebalance(current, target model.Allocation) []RebalanceOrder {
	orders := make([]RebalanceOrder, 0, len(model.Venues))
	for _, v := range model.Venues {
		cur, tgt := current[v], target[v]
		delta := tgt.Sub(cur)
		o := RebalanceOrder{Venue: v, Action: ActionHold, Amount: decimal.Zero, Current: cur, Target: tgt}

		switch {
		case delta.IsZero():
		case tgt.IsPositive() && delta.Abs().Div(tgt).LessThan(HoldBand):
		case delta.IsPositive():
			o.Action = ActionIncrease
			o.Amount = delta
		default:
			o.Action = ActionDecrease
			o.Amount = delta.Neg()
		}
		orders = append(orders, o)
	}
	return orders
}

// NeedsAction reports whether any order is not a hold.
func NeedsAction(orders []RebalanceOrder) bool {
	for _, o := range orders {
		if o.Action != ActionHold {
			return true
		}
	}
	return false
}
