package keeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/tonsurance/hedge-engine/internal/metrics"
)

// Retrier consumes a keeper's results and resubmits liquidations that
// failed at the venue. Only venue failures are retried: the leg is still
// active then. A liquidation whose ledger write failed already closed at
// the venue and must not be sent again.
type Retrier struct {
	keeper      *Keeper
	delay       time.Duration
	maxAttempts int
	logger      *slog.Logger

	attempts map[string]int // policy id -> resubmits so far, owned by Run
}

// NewRetrier creates a retrier using k's LiquidationRetries and RetryDelay.
func NewRetrier(k *Keeper, logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	delay := k.cfg.RetryDelay
	if delay <= 0 {
		delay = k.cfg.Interval
	}
	return &Retrier{
		keeper:      k,
		delay:       delay,
		maxAttempts: k.cfg.LiquidationRetries,
		logger:      logger.With("venue", k.Venue()),
		attempts:    make(map[string]int),
	}
}

// Run reads results until ctx is cancelled.
func (r *Retrier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-r.keeper.Results():
			r.handle(ctx, res)
		}
	}
}

func (r *Retrier) handle(ctx context.Context, res Result) {
	req := res.Request
	if req.Kind != KindLiquidate {
		return
	}
	if !res.Retryable {
		delete(r.attempts, req.PolicyID)
		return
	}

	v := string(r.keeper.Venue())
	n := r.attempts[req.PolicyID] + 1
	if n > r.maxAttempts {
		delete(r.attempts, req.PolicyID)
		metrics.LiquidationRetries.WithLabelValues(v, "exhausted").Inc()
		r.logger.Error("liquidation retries exhausted, leg stays active",
			"policy_id", req.PolicyID,
			"order_id", req.ExternalOrderID,
			"attempts", n-1,
			"err", res.Err,
		)
		return
	}
	r.attempts[req.PolicyID] = n
	metrics.LiquidationRetries.WithLabelValues(v, "scheduled").Inc()

	req.ID = ""
	req.SubmittedAt = time.Time{}
	wait := r.delay * time.Duration(n)
	r.logger.Warn("liquidation retry scheduled",
		"policy_id", req.PolicyID,
		"attempt", n,
		"in", wait,
	)
	time.AfterFunc(wait, func() {
		if ctx.Err() != nil {
			return
		}
		if err := r.keeper.Submit(req); err != nil {
			r.logger.Warn("liquidation retry not queued", "policy_id", req.PolicyID, "err", err)
		}
	})
}
