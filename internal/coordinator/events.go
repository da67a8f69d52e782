package coordinator

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/model"
)

// EventType names a hedge state change.
type EventType string

const (
	EventLegRegistered   EventType = "leg_registered"
	EventLegLiquidated   EventType = "leg_liquidated"
	EventReserveRefilled EventType = "reserve_refilled"
)

// Event is emitted after a state change has been committed.
type Event struct {
	Type     EventType        `json:"type"`
	PolicyID string           `json:"policy_id"`
	Venue    model.Venue      `json:"venue,omitempty"`
	Status   model.LegStatus  `json:"status,omitempty"`
	Amount   decimal.Decimal  `json:"amount"`
	State    model.HedgeState `json:"hedge_state,omitempty"`
	At       time.Time        `json:"at"`
}

// Notifier receives committed events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
