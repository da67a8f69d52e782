// Package model defines the core domain types shared across the hedge engine.
// All monetary values use shopspring/decimal; float64 is reserved for
// probabilities, shares and simulation internals.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CoverageType is the parametric trigger family a policy covers.
type CoverageType string

const (
	CoverageDepeg   CoverageType = "depeg"
	CoverageExploit CoverageType = "exploit"
	CoverageBridge  CoverageType = "bridge"
)

// CoverageTypes lists every supported coverage type in reporting order.
var CoverageTypes = []CoverageType{CoverageDepeg, CoverageExploit, CoverageBridge}

// Valid reports whether c is a supported coverage type.
func (c CoverageType) Valid() bool {
	switch c {
	case CoverageDepeg, CoverageExploit, CoverageBridge:
		return true
	}
	return false
}

// ParseCoverageType parses a case-insensitive coverage type name.
func ParseCoverageType(s string) (CoverageType, error) {
	c := CoverageType(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unsupported coverage type %q", s)
	}
	return c, nil
}

// Venue is one of the three external markets a policy is hedged on.
type Venue string

const (
	VenuePredictionMarket Venue = "prediction_market"
	VenuePerpetuals       Venue = "perpetuals"
	VenueReinsurance      Venue = "reinsurance"
)

// Venues lists the hedge venues. Every hedge position has exactly one leg
// per entry.
var Venues = []Venue{VenuePredictionMarket, VenuePerpetuals, VenueReinsurance}

// Valid reports whether v is a known venue.
func (v Venue) Valid() bool {
	switch v {
	case VenuePredictionMarket, VenuePerpetuals, VenueReinsurance:
		return true
	}
	return false
}

// LegStatus is the lifecycle state of one venue leg.
//
//	pending -> active | failed
//	active  -> liquidated
type LegStatus string

const (
	LegPending    LegStatus = "pending"
	LegActive     LegStatus = "active"
	LegLiquidated LegStatus = "liquidated"
	LegFailed     LegStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s LegStatus) Terminal() bool {
	return s == LegLiquidated || s == LegFailed
}

// CanTransition reports whether moving from s to next keeps the per-leg
// status monotonic. Rewriting pending with pending is allowed so a fresh
// keeper attempt can reclaim an abandoned leg.
func (s LegStatus) CanTransition(next LegStatus) bool {
	switch s {
	case LegPending:
		return next == LegPending || next == LegActive || next == LegFailed
	case LegActive:
		return next == LegLiquidated
	}
	return false
}

// Policy is an issued coverage contract. Owned by the ledger; read-only here.
type Policy struct {
	ID             string          `json:"id" db:"id"`
	Holder         string          `json:"holder" db:"holder"`
	CoverageType   CoverageType    `json:"coverage_type" db:"coverage_type"`
	Asset          string          `json:"asset" db:"asset"` // e.g. "USDC", protocol or bridge symbol
	CoverageAmount decimal.Decimal `json:"coverage_amount" db:"coverage_amount"`
	TriggerPrice   decimal.Decimal `json:"trigger_price" db:"trigger_price"` // payout starts below this
	FloorPrice     decimal.Decimal `json:"floor_price" db:"floor_price"`     // full payout at or below this
	DurationDays   int             `json:"duration_days" db:"duration_days"`
	Premium        decimal.Decimal `json:"premium" db:"premium"`
	IssuedAt       time.Time       `json:"issued_at" db:"issued_at"`
	ExpiresAt      time.Time       `json:"expires_at" db:"expires_at"`
}

// Active reports whether the policy is in force at now.
func (p Policy) Active(now time.Time) bool {
	return !now.Before(p.IssuedAt) && now.Before(p.ExpiresAt)
}

// HedgeLeg is one venue's hedge within a policy's three-way hedge.
type HedgeLeg struct {
	Venue           Venue           `json:"venue"`
	Status          LegStatus       `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	FillPrice       decimal.Decimal `json:"fill_price"` // entry fill, reference for liquidation slippage
	ExternalOrderID string          `json:"external_order_id,omitempty"`
	Proceeds        decimal.Decimal `json:"proceeds"`
	// Optimistic marks proceeds reported before the venue's real payout
	// settled (reinsurance). Reconciled out of band.
	Optimistic bool      `json:"optimistic,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HedgeState is the policy-level hedge state, derived from its legs.
type HedgeState string

const (
	HedgeUnhedged        HedgeState = "unhedged"
	HedgePartiallyHedged HedgeState = "partially_hedged"
	HedgeFullyHedged     HedgeState = "fully_hedged"
)

// HedgePosition is the authoritative hedge record of one policy.
type HedgePosition struct {
	PolicyID     string             `json:"policy_id"`
	CoverageType CoverageType       `json:"coverage_type"`
	Legs         map[Venue]HedgeLeg `json:"legs"`

	// CompletedLegs counts legs in a terminal liquidation state. Failed
	// legs are counted when liquidation is requested.
	CompletedLegs        int             `json:"completed_legs"`
	LiquidationRequested bool            `json:"liquidation_requested"`
	TotalProceeds        decimal.Decimal `json:"total_proceeds"`
	RefillTransferID     string          `json:"refill_transfer_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewHedgePosition returns a position with all three legs pending.
func NewHedgePosition(policyID string, coverageType CoverageType, now time.Time) *HedgePosition {
	legs := make(map[Venue]HedgeLeg, len(Venues))
	for _, v := range Venues {
		legs[v] = HedgeLeg{Venue: v, Status: LegPending, UpdatedAt: now}
	}
	return &HedgePosition{
		PolicyID:     policyID,
		CoverageType: coverageType,
		Legs:         legs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy.
func (p *HedgePosition) Clone() *HedgePosition {
	c := *p
	c.Legs = make(map[Venue]HedgeLeg, len(p.Legs))
	for v, leg := range p.Legs {
		c.Legs[v] = leg
	}
	return &c
}

// State derives the policy-level hedge state. Liquidated legs count as
// hedged: they carried notional until closed.
func (p *HedgePosition) State() HedgeState {
	hedged := 0
	for _, leg := range p.Legs {
		if leg.Status == LegActive || leg.Status == LegLiquidated {
			hedged++
		}
	}
	switch {
	case hedged == 0:
		return HedgeUnhedged
	case hedged == len(Venues):
		return HedgeFullyHedged
	}
	return HedgePartiallyHedged
}

// HedgedAmount sums the notional of active legs.
func (p *HedgePosition) HedgedAmount() decimal.Decimal {
	total := decimal.Zero
	for _, leg := range p.Legs {
		if leg.Status == LegActive {
			total = total.Add(leg.Amount)
		}
	}
	return total
}

// Settled reports whether the reserve refill has been emitted.
func (p *HedgePosition) Settled() bool {
	return p.RefillTransferID != ""
}

// ReserveTransfer is the single refill of liquidation proceeds back to the
// reserve vault, emitted once all three legs are terminal.
type ReserveTransfer struct {
	ID           string                    `json:"id"`
	PolicyID     string                    `json:"policy_id"`
	ReserveVault string                    `json:"reserve_vault"`
	Amount       decimal.Decimal           `json:"amount"`
	LegProceeds  map[Venue]decimal.Decimal `json:"leg_proceeds"`
	CreatedAt    time.Time                 `json:"created_at"`
}

// Allocation maps each venue to the hedge notional placed there.
type Allocation map[Venue]decimal.Decimal

// Total sums the allocation.
func (a Allocation) Total() decimal.Decimal {
	total := decimal.Zero
	for _, amt := range a {
		total = total.Add(amt)
	}
	return total
}

// MarketData is one venue's live hedging terms for a coverage type.
type MarketData struct {
	Venue        Venue           `json:"venue"`
	CoverageType CoverageType    `json:"coverage_type"`
	Cost         decimal.Decimal `json:"cost"`       // fraction of hedged notional
	Capacity     decimal.Decimal `json:"capacity"`   // max notional the venue absorbs
	Confidence   float64         `json:"confidence"` // 0..1
	UpdatedAt    time.Time       `json:"updated_at"`
}

// MarketSnapshot is the latest market data per venue for one coverage type.
type MarketSnapshot map[Venue]MarketData

// ExposureByType aggregates coverage and hedge for one coverage type.
// Recomputed on demand, never persisted.
type ExposureByType struct {
	CoverageType  CoverageType    `json:"coverage_type"`
	PolicyCount   int             `json:"policy_count"`
	TotalCoverage decimal.Decimal `json:"total_coverage"`
	RequiredHedge decimal.Decimal `json:"required_hedge"`
	CurrentHedge  decimal.Decimal `json:"current_hedge"`
	Deficit       decimal.Decimal `json:"deficit"` // required - current
}

// HedgeCostQuote holds the oracle's latest hedge cost inputs for one
// coverage type. PerVenueCost is the venue-native rate: prediction market
// odds, perpetual funding per day, reinsurance premium per 1000 of cover.
type HedgeCostQuote struct {
	CoverageType CoverageType              `json:"coverage_type"`
	PerVenueCost map[Venue]decimal.Decimal `json:"per_venue_cost"`
	CombinedCost decimal.Decimal           `json:"combined_cost"` // weighted cost fraction
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// SwingQuote is a user-facing premium quote.
type SwingQuote struct {
	ID                 string                    `json:"id"`
	CoverageType       CoverageType              `json:"coverage_type"`
	CoverageAmount     decimal.Decimal           `json:"coverage_amount"`
	DurationDays       int                       `json:"duration_days"`
	BasePremium        decimal.Decimal           `json:"base_premium"`
	HedgeCostBreakdown map[Venue]decimal.Decimal `json:"hedge_cost_breakdown"`
	HedgeCost          decimal.Decimal           `json:"hedge_cost"`
	ProtocolMargin     decimal.Decimal           `json:"protocol_margin"` // included in base premium
	TotalPremium       decimal.Decimal           `json:"total_premium"`
	IssuedAt           time.Time                 `json:"issued_at"`
	ValidUntil         time.Time                 `json:"valid_until"`
}

// Scenario is an immutable stress scenario used by the risk engine.
type Scenario struct {
	Name                 string             `json:"name" yaml:"name"`
	Probability          float64            `json:"probability" yaml:"probability"`
	SeverityMultiplier   float64            `json:"severity_multiplier" yaml:"severity_multiplier"`
	ShockedPrices        map[string]float64 `json:"shocked_prices" yaml:"shocked_prices"` // asset -> price
	CorrelationShift     float64            `json:"correlation_shift" yaml:"correlation_shift"`
	VolatilityMultiplier float64            `json:"volatility_multiplier" yaml:"volatility_multiplier"`
	Weight               float64            `json:"weight" yaml:"weight"`
}

// VaRResult is one risk cycle's simulated loss distribution summary.
type VaRResult struct {
	VaR95           decimal.Decimal `json:"var_95"`
	VaR99           decimal.Decimal `json:"var_99"`
	CVaR95          decimal.Decimal `json:"cvar_95"`
	VaRAtConfidence decimal.Decimal `json:"var_at_confidence"` // loss percentile at Confidence
	ExpectedLoss    decimal.Decimal `json:"expected_loss"`
	WorstCase       decimal.Decimal `json:"worst_case"`
	BestCase        decimal.Decimal `json:"best_case"`
	ScenarioCount   int             `json:"scenario_count"`
	Simulations     int             `json:"simulations"`
	Volatility      float64         `json:"volatility"` // coefficient of variation of coverage notionals
	Confidence      float64         `json:"confidence"`
}
