// Package coordinator implements the hedge settlement state machine: how a
// policy's three venue legs evolve, and when liquidation proceeds are
// refilled back into the reserve vault.
//
// Every mutation runs as a single read-modify-write through
// store.UpdateHedgePosition, so per-leg transitions are serialized and the
// refill gate (all three legs terminal) fires exactly once per policy no
// matter in which order the venue reports arrive.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/metrics"
	"github.com/tonsurance/hedge-engine/internal/model"
	"github.com/tonsurance/hedge-engine/internal/reserve"
	"github.com/tonsurance/hedge-engine/internal/store"
)

var (
	// ErrUnauthorized is returned when the caller is not the allow-listed
	// keeper for the venue, or not the policy factory.
	ErrUnauthorized = errors.New("coordinator: caller not authorized")

	// ErrConflict is returned when a leg already holds an authoritative
	// result and a second first-write (or a duplicate report) arrives.
	ErrConflict = errors.New("coordinator: leg already has an authoritative result")

	// ErrInvalidTransition is returned for transitions that can never be
	// valid, e.g. reporting liquidation of a leg that was never active.
	ErrInvalidTransition = errors.New("coordinator: invalid leg transition")

	// ErrNotFound is returned when no hedge position exists for a policy.
	ErrNotFound = errors.New("coordinator: hedge position not found")

	// ErrInvalidRequest is returned for malformed arguments.
	ErrInvalidRequest = errors.New("coordinator: invalid request")
)

// Identities is the caller allow-list.
type Identities struct {
	Factory      string                 // policy-issuing authority
	Keepers      map[model.Venue]string // keeper identity per venue
	ReserveVault string                 // default refill destination
}

// Registration is a keeper's result for one leg.
type Registration struct {
	PolicyID        string
	Venue           model.Venue
	Amount          decimal.Decimal
	FillPrice       decimal.Decimal
	ExternalOrderID string
	Status          model.LegStatus
}

// LiquidationReport is a keeper's realized proceeds for one leg.
type LiquidationReport struct {
	PolicyID     string
	Venue        model.Venue
	Proceeds     decimal.Decimal // may be negative (loss)
	ReserveVault string
	Optimistic   bool
}

// LiquidationRequest instructs a keeper to close one active leg.
type LiquidationRequest struct {
	PolicyID        string
	Venue           model.Venue
	CoverageType    model.CoverageType
	ExternalOrderID string
	Amount          decimal.Decimal
	EntryPrice      decimal.Decimal // fill price the leg was opened at
	ReserveVault    string
}

// Liquidator accepts liquidation instructions. Implemented by keepers.
type Liquidator interface {
	RequestLiquidation(ctx context.Context, req LiquidationRequest) error
}

// LiquidationSummary describes how a liquidate call fanned out.
type LiquidationSummary struct {
	Dispatched []model.Venue          `json:"dispatched"`
	Skipped    []model.Venue          `json:"skipped"` // failed legs, nothing to close
	Errors     []string               `json:"errors,omitempty"`
	Transfer   *model.ReserveTransfer `json:"transfer,omitempty"`
}

// Coordinator governs HedgePosition transitions.
type Coordinator struct {
	store  store.Store
	ids    Identities
	sink   reserve.Sink
	events Notifier
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithNotifier sets the event sink for state changes.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.events = n }
}

// New creates a coordinator over st. Refill transfers are published to sink.
func New(st store.Store, ids Identities, sink reserve.Sink, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  st,
		ids:    ids,
		sink:   sink,
		events: nopNotifier{},
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenPosition creates the all-pending hedge position for a new policy.
// Opening an existing position is a no-op.
func (c *Coordinator) OpenPosition(ctx context.Context, policyID string, coverageType model.CoverageType) error {
	pos := model.NewHedgePosition(policyID, coverageType, c.now())
	err := c.store.CreateHedgePosition(ctx, pos)
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil
	}
	return err
}

// RegisterHedge records a keeper's execution result for one leg. Only the
// keeper allow-listed for the venue may call it. A pending leg may be
// rewritten; any other leg already holds its authoritative result and the
// write is rejected with ErrConflict.
func (c *Coordinator) RegisterHedge(ctx context.Context, caller string, reg Registration) (*model.HedgePosition, error) {
	if reg.PolicyID == "" || !reg.Venue.Valid() {
		return nil, fmt.Errorf("%w: policy id and venue are required", ErrInvalidRequest)
	}
	switch reg.Status {
	case model.LegPending, model.LegActive, model.LegFailed:
	default:
		return nil, fmt.Errorf("%w: cannot register status %q", ErrInvalidRequest, reg.Status)
	}
	if reg.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount", ErrInvalidRequest)
	}
	if !c.isKeeper(caller, reg.Venue) {
		metrics.CoordinatorRejections.WithLabelValues("register", "unauthorized").Inc()
		return nil, ErrUnauthorized
	}

	amount := reg.Amount
	if reg.Status == model.LegFailed {
		amount = decimal.Zero
	}

	now := c.now()
	pos, err := c.update(ctx, reg.PolicyID, func(pos *model.HedgePosition) error {
		leg := pos.Legs[reg.Venue]
		if leg.Status == "" {
			leg = model.HedgeLeg{Venue: reg.Venue, Status: model.LegPending}
		}
		if !leg.Status.CanTransition(reg.Status) {
			return fmt.Errorf("%w: %s leg of %s is %s", ErrConflict, reg.Venue, reg.PolicyID, leg.Status)
		}
		leg.Status = reg.Status
		leg.Amount = amount
		leg.FillPrice = reg.FillPrice
		leg.ExternalOrderID = reg.ExternalOrderID
		leg.UpdatedAt = now
		pos.Legs[reg.Venue] = leg
		pos.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.CoordinatorRejections.WithLabelValues("register", "conflict").Inc()
			c.logger.Warn("hedge registration rejected",
				"policy_id", reg.PolicyID, "venue", reg.Venue, "status", reg.Status, "err", err)
		}
		return nil, err
	}

	metrics.LegsRegistered.WithLabelValues(string(reg.Venue), string(reg.Status)).Inc()
	c.logger.Info("hedge leg registered",
		"policy_id", reg.PolicyID,
		"venue", reg.Venue,
		"status", reg.Status,
		"amount", amount.String(),
		"external_order_id", reg.ExternalOrderID,
		"hedge_state", pos.State(),
	)
	c.events.Notify(Event{
		Type:     EventLegRegistered,
		PolicyID: reg.PolicyID,
		Venue:    reg.Venue,
		Status:   reg.Status,
		Amount:   amount,
		State:    pos.State(),
		At:       now,
	})
	return pos, nil
}

// LiquidateHedges fans a liquidation instruction out to the keepers of all
// active legs. Only the factory may call it. Failed legs are skipped and,
// like legs still pending, count as terminal with zero proceeds, so they
// never block completion of the others. Keeper dispatch errors are
// collected in the summary rather than aborting the fan-out.
func (c *Coordinator) LiquidateHedges(ctx context.Context, caller, policyID string, keepers map[model.Venue]Liquidator) (*LiquidationSummary, error) {
	if caller == "" || caller != c.ids.Factory {
		metrics.CoordinatorRejections.WithLabelValues("liquidate", "unauthorized").Inc()
		return nil, ErrUnauthorized
	}

	now := c.now()
	var (
		requests []LiquidationRequest
		skipped  []model.Venue
		transfer *model.ReserveTransfer
	)
	pos, err := c.mutate(ctx, policyID, func(pos *model.HedgePosition) error {
		requests, skipped, transfer = nil, nil, nil
		first := !pos.LiquidationRequested
		pos.LiquidationRequested = true
		pos.UpdatedAt = now

		for _, v := range model.Venues {
			leg := pos.Legs[v]
			switch leg.Status {
			case model.LegActive:
				requests = append(requests, LiquidationRequest{
					PolicyID:        pos.PolicyID,
					Venue:           v,
					CoverageType:    pos.CoverageType,
					ExternalOrderID: leg.ExternalOrderID,
					Amount:          leg.Amount,
					EntryPrice:      leg.FillPrice,
					ReserveVault:    c.ids.ReserveVault,
				})
			case model.LegPending, "":
				// Abandoned execution: nothing reached the venue ledger.
				leg.Venue = v
				leg.Status = model.LegFailed
				leg.Amount = decimal.Zero
				leg.UpdatedAt = now
				pos.Legs[v] = leg
				pos.CompletedLegs++
				skipped = append(skipped, v)
			case model.LegFailed:
				if first {
					pos.CompletedLegs++
				}
				skipped = append(skipped, v)
			}
		}
		transfer = c.maybeSettle(pos, c.ids.ReserveVault, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	summary := &LiquidationSummary{Skipped: skipped, Transfer: transfer}
	c.logger.Info("liquidation requested",
		"policy_id", policyID,
		"active_legs", len(requests),
		"skipped", len(skipped),
		"completed_legs", pos.CompletedLegs,
	)

	if transfer != nil {
		c.emitTransfer(ctx, transfer)
	}

	for _, req := range requests {
		k, ok := keepers[req.Venue]
		if !ok || k == nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: no keeper", req.Venue))
			c.logger.Error("no keeper for venue", "policy_id", policyID, "venue", req.Venue)
			continue
		}
		if err := k.RequestLiquidation(ctx, req); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", req.Venue, err))
			c.logger.Warn("liquidation dispatch failed",
				"policy_id", policyID, "venue", req.Venue, "err", err)
			continue
		}
		summary.Dispatched = append(summary.Dispatched, req.Venue)
	}
	return summary, nil
}

// ReportLiquidation marks an active leg liquidated and accumulates its
// proceeds, profit or loss as-is. Only the venue's keeper may call it. The
// report that makes the third leg terminal emits the single reserve
// transfer of the summed proceeds; earlier reports only update bookkeeping.
func (c *Coordinator) ReportLiquidation(ctx context.Context, caller string, rep LiquidationReport) (*model.HedgePosition, error) {
	if rep.PolicyID == "" || !rep.Venue.Valid() {
		return nil, fmt.Errorf("%w: policy id and venue are required", ErrInvalidRequest)
	}
	if !c.isKeeper(caller, rep.Venue) {
		metrics.CoordinatorRejections.WithLabelValues("report", "unauthorized").Inc()
		return nil, ErrUnauthorized
	}

	vault := rep.ReserveVault
	if vault == "" {
		vault = c.ids.ReserveVault
	}

	now := c.now()
	var transfer *model.ReserveTransfer
	pos, err := c.mutate(ctx, rep.PolicyID, func(pos *model.HedgePosition) error {
		transfer = nil
		leg := pos.Legs[rep.Venue]
		switch leg.Status {
		case model.LegActive:
		case model.LegLiquidated:
			return fmt.Errorf("%w: %s leg of %s already liquidated", ErrConflict, rep.Venue, rep.PolicyID)
		default:
			return fmt.Errorf("%w: %s leg of %s is %q", ErrInvalidTransition, rep.Venue, rep.PolicyID, leg.Status)
		}

		leg.Status = model.LegLiquidated
		leg.Proceeds = rep.Proceeds
		leg.Optimistic = rep.Optimistic
		leg.UpdatedAt = now
		pos.Legs[rep.Venue] = leg
		pos.CompletedLegs++
		pos.TotalProceeds = pos.TotalProceeds.Add(rep.Proceeds)
		pos.UpdatedAt = now

		transfer = c.maybeSettle(pos, vault, now)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.CoordinatorRejections.WithLabelValues("report", "conflict").Inc()
			c.logger.Warn("liquidation report rejected",
				"policy_id", rep.PolicyID, "venue", rep.Venue, "err", err)
		}
		return nil, err
	}

	metrics.LiquidationsReported.WithLabelValues(string(rep.Venue)).Inc()
	if rep.Optimistic {
		metrics.OptimisticLiquidations.WithLabelValues(string(rep.Venue)).Inc()
	}
	c.logger.Info("liquidation reported",
		"policy_id", rep.PolicyID,
		"venue", rep.Venue,
		"proceeds", rep.Proceeds.String(),
		"optimistic", rep.Optimistic,
		"completed_legs", pos.CompletedLegs,
	)
	c.events.Notify(Event{
		Type:     EventLegLiquidated,
		PolicyID: rep.PolicyID,
		Venue:    rep.Venue,
		Status:   model.LegLiquidated,
		Amount:   rep.Proceeds,
		State:    pos.State(),
		At:       now,
	})

	if transfer != nil {
		c.emitTransfer(ctx, transfer)
	}
	return pos, nil
}

// GetHedgePosition returns the current record for a policy.
func (c *Coordinator) GetHedgePosition(ctx context.Context, policyID string) (*model.HedgePosition, error) {
	pos, err := c.store.GetHedgePosition(ctx, policyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, policyID)
	}
	return pos, err
}

// maybeSettle closes the completion gate. It must run inside the update
// closure so only one writer can observe the counter reaching three.
func (c *Coordinator) maybeSettle(pos *model.HedgePosition, vault string, now time.Time) *model.ReserveTransfer {
	if pos.CompletedLegs < len(model.Venues) || pos.Settled() {
		return nil
	}

	legs := make(map[model.Venue]decimal.Decimal, len(pos.Legs))
	for v, leg := range pos.Legs {
		legs[v] = leg.Proceeds
	}
	t := &model.ReserveTransfer{
		ID:           uuid.New().String(),
		PolicyID:     pos.PolicyID,
		ReserveVault: vault,
		Amount:       pos.TotalProceeds,
		LegProceeds:  legs,
		CreatedAt:    now,
	}
	pos.RefillTransferID = t.ID
	return t
}

// emitTransfer records and publishes a refill. The position is already
// settled at this point; a publish failure is logged for out-of-band replay
// from the transfer log rather than undoing the settlement.
func (c *Coordinator) emitTransfer(ctx context.Context, t *model.ReserveTransfer) {
	if err := c.store.InsertReserveTransfer(ctx, t); err != nil {
		c.logger.Error("reserve transfer not recorded", "policy_id", t.PolicyID, "transfer_id", t.ID, "err", err)
	}
	if err := c.sink.Transfer(ctx, *t); err != nil {
		metrics.ReserveTransferFailures.Inc()
		c.logger.Error("reserve transfer publish failed", "policy_id", t.PolicyID, "transfer_id", t.ID, "err", err)
	} else {
		metrics.ReserveTransfers.Inc()
		metrics.ReserveTransferAmount.Observe(t.Amount.InexactFloat64())
	}

	c.logger.Info("reserve refilled",
		"policy_id", t.PolicyID,
		"transfer_id", t.ID,
		"reserve_vault", t.ReserveVault,
		"amount", t.Amount.String(),
	)
	c.events.Notify(Event{
		Type:     EventReserveRefilled,
		PolicyID: t.PolicyID,
		Amount:   t.Amount,
		At:       t.CreatedAt,
	})
}

// mutate runs fn against an existing position.
func (c *Coordinator) mutate(ctx context.Context, policyID string, fn store.PositionUpdate) (*model.HedgePosition, error) {
	pos, err := c.store.UpdateHedgePosition(ctx, policyID, fn)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, policyID)
	}
	return pos, err
}

// update runs fn against the stored position, creating an all-pending
// position on first touch.
func (c *Coordinator) update(ctx context.Context, policyID string, fn store.PositionUpdate) (*model.HedgePosition, error) {
	pos, err := c.store.UpdateHedgePosition(ctx, policyID, fn)
	if !errors.Is(err, store.ErrNotFound) {
		return pos, err
	}

	coverageType := model.CoverageType("")
	if p, perr := c.store.GetPolicy(ctx, policyID); perr == nil {
		coverageType = p.CoverageType
	}
	if err := c.OpenPosition(ctx, policyID, coverageType); err != nil {
		return nil, err
	}
	return c.store.UpdateHedgePosition(ctx, policyID, fn)
}

func (c *Coordinator) isKeeper(caller string, venue model.Venue) bool {
	id, ok := c.ids.Keepers[venue]
	return ok && caller != "" && caller == id
}
