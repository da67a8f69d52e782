// Package keeper runs one worker per hedge venue. A keeper takes hedge
// execution and liquidation requests, calls its venue connector and writes
// the outcome to the coordinator exactly once per request.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/coordinator"
	"github.com/tonsurance/hedge-engine/internal/metrics"
	"github.com/tonsurance/hedge-engine/internal/model"
	"github.com/tonsurance/hedge-engine/internal/venue"
)

var (
	// ErrDuplicateRequest is returned when a request arrives for a policy
	// the keeper is already working on. The request is dropped, not queued.
	ErrDuplicateRequest = errors.New("keeper: policy already in flight")

	// ErrQueueFull is returned when the request queue is at capacity.
	ErrQueueFull = errors.New("keeper: request queue full")
)

// Kind distinguishes execution from liquidation requests.
type Kind string

const (
	KindExecute   Kind = "execute"
	KindLiquidate Kind = "liquidate"
)

// Request is one unit of keeper work.
type Request struct {
	ID              string
	Kind            Kind
	PolicyID        string
	CoverageType    model.CoverageType
	Amount          decimal.Decimal
	ExternalOrderID string          // liquidation only
	EntryPrice      decimal.Decimal // liquidation only; the leg's entry fill
	ReserveVault    string          // liquidation only
	SubmittedAt     time.Time
}

// Result is what processing a request produced.
type Result struct {
	Request         Request
	Status          model.LegStatus
	ExternalOrderID string
	Amount          decimal.Decimal // filled notional or realized proceeds
	Err             error
	// Retryable is set when a liquidation failed at the venue. The leg is
	// still active, so the request can be submitted again.
	Retryable bool
}

// Ledger is the part of the coordinator a keeper writes to.
type Ledger interface {
	RegisterHedge(ctx context.Context, caller string, reg coordinator.Registration) (*model.HedgePosition, error)
	ReportLiquidation(ctx context.Context, caller string, rep coordinator.LiquidationReport) (*model.HedgePosition, error)
}

// Config holds keeper configuration.
type Config struct {
	Identity    string        // allow-listed caller id for this venue
	Interval    time.Duration // queue drain interval
	Concurrency int           // max requests processed at once
	QueueSize   int
	Timeout     time.Duration // per-request timeout
	// OptimisticProceeds marks liquidation reports as estimates, for venues
	// whose real payout settles days later.
	OptimisticProceeds bool
	// LiquidationRetries bounds how often a Retrier resubmits a liquidation
	// the venue failed; RetryDelay is the wait before the first resubmit and
	// grows linearly with each attempt.
	LiquidationRetries int
	RetryDelay         time.Duration
}

// DefaultConfig returns defaults for v: 5s for the fast venues, 10s and
// optimistic proceeds for reinsurance.
func DefaultConfig(v model.Venue) Config {
	cfg := Config{
		Interval:    5 * time.Second,
		Concurrency: 8,
		QueueSize:   256,
		Timeout:     30 * time.Second,

		LiquidationRetries: 5,
		RetryDelay:         30 * time.Second,
	}
	if v == model.VenueReinsurance {
		cfg.Interval = 10 * time.Second
		cfg.OptimisticProceeds = true
	}
	return cfg
}

// Keeper executes hedge requests against one venue.
type Keeper struct {
	cfg    Config
	conn   venue.Connector
	ledger Ledger
	logger *slog.Logger

	queue   chan Request
	results chan Result

	mu       sync.Mutex
	inFlight map[string]struct{} // policy ids queued or processing

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a keeper for conn's venue.
func New(cfg Config, conn venue.Connector, ledger Ledger, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Keeper{
		cfg:      cfg,
		conn:     conn,
		ledger:   ledger,
		logger:   logger.With("venue", conn.Venue()),
		queue:    make(chan Request, cfg.QueueSize),
		results:  make(chan Result, cfg.QueueSize),
		inFlight: make(map[string]struct{}),
	}
}

// Venue returns the venue this keeper serves.
func (k *Keeper) Venue() model.Venue { return k.conn.Venue() }

// Results delivers processed outcomes. Results are dropped when nobody
// reads and the buffer is full.
func (k *Keeper) Results() <-chan Result { return k.results }

func (k *Keeper) inFlightCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.inFlight)
}

// Execute queues a hedge execution of amount for a policy.
func (k *Keeper) Execute(policyID string, coverageType model.CoverageType, amount decimal.Decimal) error {
	return k.Submit(Request{
		Kind:         KindExecute,
		PolicyID:     policyID,
		CoverageType: coverageType,
		Amount:       amount,
	})
}

// RequestLiquidation queues the close of one active leg. It lets the
// keeper serve as the coordinator's liquidation fan-out target.
func (k *Keeper) RequestLiquidation(_ context.Context, req coordinator.LiquidationRequest) error {
	if req.Venue != k.Venue() {
		return fmt.Errorf("keeper for %s cannot liquidate %s leg", k.Venue(), req.Venue)
	}
	return k.Submit(Request{
		Kind:            KindLiquidate,
		PolicyID:        req.PolicyID,
		CoverageType:    req.CoverageType,
		Amount:          req.Amount,
		ExternalOrderID: req.ExternalOrderID,
		EntryPrice:      req.EntryPrice,
		ReserveVault:    req.ReserveVault,
	})
}

// Submit queues req without blocking. A policy already in flight is
// dropped with ErrDuplicateRequest.
func (k *Keeper) Submit(req Request) error {
	if req.PolicyID == "" {
		return errors.New("keeper: request without policy id")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.inFlight[req.PolicyID]; ok {
		metrics.KeeperDuplicates.WithLabelValues(string(k.Venue())).Inc()
		k.logger.Warn("dropping duplicate keeper request",
			"policy_id", req.PolicyID,
			"kind", req.Kind,
		)
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, req.PolicyID)
	}

	select {
	case k.queue <- req:
	default:
		return ErrQueueFull
	}
	k.inFlight[req.PolicyID] = struct{}{}
	metrics.KeeperInFlight.WithLabelValues(string(k.Venue())).Set(float64(len(k.inFlight)))
	return nil
}

// Abandon records the policy's leg on this venue as failed without calling
// the venue. Used for legs the optimizer gave no notional.
func (k *Keeper) Abandon(ctx context.Context, policyID string) error {
	_, err := k.ledger.RegisterHedge(ctx, k.cfg.Identity, coordinator.Registration{
		PolicyID: policyID,
		Venue:    k.Venue(),
		Amount:   decimal.Zero,
		Status:   model.LegFailed,
	})
	return err
}

// Start begins the keeper loop.
func (k *Keeper) Start(ctx context.Context) error {
	k.ctx, k.cancel = context.WithCancel(ctx)

	k.wg.Add(1)
	go k.run()

	k.logger.Info("keeper started",
		"interval", k.cfg.Interval,
		"concurrency", k.cfg.Concurrency,
		"optimistic_proceeds", k.cfg.OptimisticProceeds,
	)
	return nil
}

// Stop gracefully shuts down the keeper. Queued requests that were not
// started are left for the next process to rediscover; their legs stay
// pending in the ledger.
func (k *Keeper) Stop(ctx context.Context) error {
	if k.cancel != nil {
		k.cancel()
	}

	done := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		k.logger.Info("keeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *Keeper) run() {
	defer k.wg.Done()

	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	k.Flush(k.ctx)

	for {
		select {
		case <-k.ctx.Done():
			return
		case <-ticker.C:
			k.Flush(k.ctx)
		}
	}
}

// Flush processes everything currently queued and returns how many
// requests were handled.
func (k *Keeper) Flush(ctx context.Context) int {
	var batch []Request
drain:
	for {
		select {
		case req := <-k.queue:
			batch = append(batch, req)
		default:
			break drain
		}
	}
	if len(batch) == 0 {
		return 0
	}

	sem := make(chan struct{}, k.cfg.Concurrency)
	var wg sync.WaitGroup
	var failed atomic.Int64

	for _, req := range batch {
		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			defer k.release(req.PolicyID)

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			res := k.process(ctx, req)
			if res.Err != nil {
				failed.Add(1)
			}
			select {
			case k.results <- res:
			default:
			}
		}(req)
	}
	wg.Wait()

	k.logger.Debug("keeper batch complete", "requests", len(batch), "errors", failed.Load())
	return len(batch)
}

func (k *Keeper) release(policyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.inFlight, policyID)
	metrics.KeeperInFlight.WithLabelValues(string(k.Venue())).Set(float64(len(k.inFlight)))
}

func (k *Keeper) process(ctx context.Context, req Request) Result {
	ctx, cancel := context.WithTimeout(ctx, k.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var res Result
	switch req.Kind {
	case KindExecute:
		res = k.execute(ctx, req)
	case KindLiquidate:
		res = k.liquidate(ctx, req)
	default:
		res = Result{Request: req, Err: fmt.Errorf("keeper: unknown request kind %q", req.Kind)}
	}

	outcome := "ok"
	if res.Err != nil {
		outcome = "error"
	} else if res.Status == model.LegFailed {
		outcome = "failed"
	}
	v := string(k.Venue())
	metrics.KeeperRequests.WithLabelValues(v, string(req.Kind), outcome).Inc()
	metrics.KeeperLatency.WithLabelValues(v, string(req.Kind)).Observe(time.Since(start).Seconds())
	return res
}

// execute claims the leg as pending, places the order and registers the
// result. A venue failure becomes a failed leg; the keeper carries on.
func (k *Keeper) execute(ctx context.Context, req Request) Result {
	res := Result{Request: req}

	if _, err := k.ledger.RegisterHedge(ctx, k.cfg.Identity, coordinator.Registration{
		PolicyID: req.PolicyID,
		Venue:    k.Venue(),
		Amount:   req.Amount,
		Status:   model.LegPending,
	}); err != nil {
		k.logger.Warn("hedge leg not claimable", "policy_id", req.PolicyID, "err", err)
		res.Err = err
		return res
	}

	order, err := k.conn.PlaceOrder(ctx, venue.OrderRequest{
		CoverageType:  req.CoverageType,
		Amount:        req.Amount,
		Side:          venue.SideBuy,
		Type:          venue.OrderTypeMarket,
		ClientOrderID: req.ID,
	})

	reg := coordinator.Registration{PolicyID: req.PolicyID, Venue: k.Venue()}
	switch {
	case err != nil:
		k.logger.Error("hedge execution failed",
			"policy_id", req.PolicyID,
			"amount", req.Amount.String(),
			"err", err,
		)
		reg.Status = model.LegFailed
	case !order.FilledAmount(req.Amount).IsPositive():
		k.logger.Error("hedge order not filled", "policy_id", req.PolicyID, "order_id", order.ExternalID, "status", order.Status)
		reg.Status = model.LegFailed
		reg.ExternalOrderID = order.ExternalID
	default:
		reg.Status = model.LegActive
		reg.Amount = order.FilledAmount(req.Amount)
		reg.FillPrice = order.FillPrice
		reg.ExternalOrderID = order.ExternalID
	}

	// The ledger write must land even if the venue call ate the deadline.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, werr := k.ledger.RegisterHedge(writeCtx, k.cfg.Identity, reg); werr != nil {
		k.logger.Error("hedge result not recorded",
			"policy_id", req.PolicyID,
			"status", reg.Status,
			"err", werr,
		)
		res.Err = werr
		// The leg was closed under us (liquidation while the order was in
		// flight). The fill has no leg behind it, so close it at the venue.
		if reg.Status == model.LegActive && errors.Is(werr, coordinator.ErrConflict) {
			if uerr := k.unwind(writeCtx, req, order, reg.Amount); uerr != nil {
				res.Err = errors.Join(werr, uerr)
			}
		}
		return res
	}

	res.Status = reg.Status
	res.Amount = reg.Amount
	res.ExternalOrderID = reg.ExternalOrderID
	return res
}

// unwind closes a filled order the ledger refused to record.
func (k *Keeper) unwind(ctx context.Context, req Request, order *venue.OrderResult, amount decimal.Decimal) error {
	v := string(k.Venue())
	closed, err := k.conn.LiquidatePosition(ctx, venue.LiquidateRequest{
		ExternalID:     order.ExternalID,
		CoverageType:   req.CoverageType,
		Amount:         amount,
		ReferencePrice: order.FillPrice,
	})
	if err != nil {
		metrics.UnrecordedOrders.WithLabelValues(v, "stranded").Inc()
		k.logger.Error("unrecorded hedge order left open at venue",
			"policy_id", req.PolicyID,
			"order_id", order.ExternalID,
			"amount", amount.String(),
			"err", err,
		)
		return fmt.Errorf("unwind order %s: %w", order.ExternalID, err)
	}
	metrics.UnrecordedOrders.WithLabelValues(v, "unwound").Inc()
	k.logger.Warn("unrecorded hedge order closed",
		"policy_id", req.PolicyID,
		"order_id", order.ExternalID,
		"proceeds", realizedProceeds(closed).String(),
	)
	return nil
}

// liquidate closes the leg and reports realized proceeds, loss included.
// A venue failure leaves the leg active so a later liquidation call can
// retry it.
func (k *Keeper) liquidate(ctx context.Context, req Request) Result {
	res := Result{Request: req, ExternalOrderID: req.ExternalOrderID}

	closed, err := k.conn.LiquidatePosition(ctx, venue.LiquidateRequest{
		ExternalID:     req.ExternalOrderID,
		CoverageType:   req.CoverageType,
		Amount:         req.Amount,
		ReferencePrice: req.EntryPrice,
	})
	if err != nil {
		k.logger.Error("hedge liquidation failed",
			"policy_id", req.PolicyID,
			"order_id", req.ExternalOrderID,
			"err", err,
		)
		res.Err = err
		res.Retryable = true
		return res
	}

	proceeds := realizedProceeds(closed)
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := k.ledger.ReportLiquidation(writeCtx, k.cfg.Identity, coordinator.LiquidationReport{
		PolicyID:     req.PolicyID,
		Venue:        k.Venue(),
		Proceeds:     proceeds,
		ReserveVault: req.ReserveVault,
		Optimistic:   k.cfg.OptimisticProceeds,
	}); err != nil {
		k.logger.Error("liquidation not recorded",
			"policy_id", req.PolicyID,
			"proceeds", proceeds.String(),
			"err", err,
		)
		res.Err = err
		return res
	}

	k.logger.Info("hedge liquidated",
		"policy_id", req.PolicyID,
		"proceeds", proceeds.String(),
		"slippage", closed.Slippage.String(),
		"optimistic", k.cfg.OptimisticProceeds,
	)
	res.Status = model.LegLiquidated
	res.Amount = proceeds
	return res
}

// realizedProceeds prefers the venue's explicit figure, zero included, and
// falls back to fill price × size.
func realizedProceeds(r *venue.LiquidationResult) decimal.Decimal {
	if r.ProceedsExplicit || !r.Proceeds.IsZero() {
		return r.Proceeds
	}
	return r.FillPrice.Mul(r.Size)
}
