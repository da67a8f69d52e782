// Package venue provides connectors to the external hedge venues. Every venue
// speaks the same small order/liquidate/market-data contract, so one HTTP
// client serves all three.
package venue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/model"
)

// Order sides.
const (
	SideBuy       = "buy"
	SideLiquidate = "liquidate"
)

// OrderTypeMarket is the only order type the keepers place.
const OrderTypeMarket = "market"

// Order statuses returned by venues.
const (
	OrderFilled          = "filled"
	OrderPartiallyFilled = "partially_filled"
	OrderRejected        = "rejected"
)

// Connector is a stateless client for one venue.
type Connector interface {
	Venue() model.Venue
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	LiquidatePosition(ctx context.Context, req LiquidateRequest) (*LiquidationResult, error)
	GetMarketData(ctx context.Context, coverageType model.CoverageType) (*MarketQuote, error)
}

// OrderRequest opens a hedge.
type OrderRequest struct {
	CoverageType  model.CoverageType `json:"coverage_type"`
	Amount        decimal.Decimal    `json:"amount"`
	Side          string             `json:"side"`
	Type          string             `json:"type"`
	ClientOrderID string             `json:"client_order_id,omitempty"` // lets the venue dedupe retried submits
}

// OrderResult is the venue's answer to an order.
type OrderResult struct {
	ExternalID string          `json:"order_id"`
	Status     string          `json:"status"`
	FillPrice  decimal.Decimal `json:"fill_price"`
	Size       decimal.Decimal `json:"size"`
	Cost       decimal.Decimal `json:"cost"`
}

// FilledAmount is the notional the venue actually took on.
func (r *OrderResult) FilledAmount(requested decimal.Decimal) decimal.Decimal {
	if r.Size.IsPositive() {
		return r.Size
	}
	if r.Status == OrderFilled {
		return requested
	}
	return decimal.Zero
}

// LiquidateRequest closes an open hedge.
type LiquidateRequest struct {
	ExternalID     string             `json:"order_id"`
	CoverageType   model.CoverageType `json:"coverage_type"`
	Amount         decimal.Decimal    `json:"amount"`
	ReferencePrice decimal.Decimal    `json:"-"` // for slippage; not sent
}

// LiquidationResult is what closing a hedge returned.
type LiquidationResult struct {
	Proceeds  decimal.Decimal `json:"proceeds"`
	FillPrice decimal.Decimal `json:"fill_price"`
	Size      decimal.Decimal `json:"size"`
	Slippage  decimal.Decimal `json:"slippage"`
	// ProceedsExplicit is set when the venue reported Proceeds itself, so a
	// zero figure is a total loss rather than a missing field.
	ProceedsExplicit bool `json:"-"`
}

// MarketQuote is a venue's current hedging terms for one coverage type.
// Rate is venue-native: an event probability on the prediction market, a
// daily funding rate on perpetuals, a premium per 1000 of cover at the
// reinsurer.
type MarketQuote struct {
	Venue        model.Venue        `json:"venue"`
	CoverageType model.CoverageType `json:"coverage_type"`
	Rate         decimal.Decimal    `json:"rate"`
	Capacity     decimal.Decimal    `json:"capacity"`
	Confidence   float64            `json:"confidence"`
	FetchedAt    time.Time          `json:"fetched_at"`
}

// ErrCircuitOpen is returned without contacting the venue while its breaker
// is open.
var ErrCircuitOpen = errors.New("venue: circuit open")

// ErrOrderRejected is returned when the venue accepted the request but
// declined to fill it.
var ErrOrderRejected = errors.New("venue: order rejected")

// Error is a failed venue call.
type Error struct {
	Venue      model.Venue
	StatusCode int // 0 for transport failures
	Message    string
	Body       []byte
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s venue error: %s", e.Venue, e.Message)
	}
	return fmt.Sprintf("%s venue error %d: %s", e.Venue, e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *Error) IsRetryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == 429
}

// IsRetryable reports whether err is a transient venue failure.
func IsRetryable(err error) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.IsRetryable()
}

// Slippage is 1 - fill/reference. Zero when either price is unknown.
func Slippage(fill, reference decimal.Decimal) decimal.Decimal {
	if !fill.IsPositive() || !reference.IsPositive() {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).Sub(fill.Div(reference))
}
