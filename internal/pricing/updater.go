package pricing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/model"
	"github.com/tonsurance/hedge-engine/internal/venue"
)

// UpdaterConfig holds oracle updater configuration.
type UpdaterConfig struct {
	Interval time.Duration // refresh interval (default: 30s)
	Timeout  time.Duration // per-venue request timeout (default: 10s)
}

// DefaultUpdaterConfig returns sensible defaults.
func DefaultUpdaterConfig() UpdaterConfig {
	return UpdaterConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Updater periodically refreshes the oracle from the venue connectors.
// A coverage type's rates are only replaced when every venue answered, so a
// venue outage lets the old rates age into staleness instead of mixing
// fresh and old inputs.
type Updater struct {
	cfg        UpdaterConfig
	oracle     *Oracle
	connectors []venue.Connector
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUpdater creates an updater feeding oracle from connectors.
func NewUpdater(cfg UpdaterConfig, oracle *Oracle, connectors []venue.Connector, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		cfg:        cfg,
		oracle:     oracle,
		connectors: connectors,
		logger:     logger,
	}
}

// Start begins the refresh loop.
func (u *Updater) Start(ctx context.Context) error {
	u.ctx, u.cancel = context.WithCancel(ctx)

	u.wg.Add(1)
	go u.run()

	u.logger.Info("oracle updater started",
		"interval", u.cfg.Interval,
		"venues", len(u.connectors),
	)
	return nil
}

// Stop gracefully shuts down the updater.
func (u *Updater) Stop(ctx context.Context) error {
	if u.cancel != nil {
		u.cancel()
	}

	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		u.logger.Info("oracle updater stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Updater) run() {
	defer u.wg.Done()

	ticker := time.NewTicker(u.cfg.Interval)
	defer ticker.Stop()

	// Refresh immediately on start.
	u.RefreshAll(u.ctx)

	for {
		select {
		case <-u.ctx.Done():
			return
		case <-ticker.C:
			u.RefreshAll(u.ctx)
		}
	}
}

// RefreshAll refreshes every coverage type and returns how many were
// updated.
func (u *Updater) RefreshAll(ctx context.Context) int {
	updated := 0
	for _, ct := range model.CoverageTypes {
		if u.Refresh(ctx, ct) {
			updated++
		}
	}
	return updated
}

// Refresh queries every venue for coverageType concurrently.
func (u *Updater) Refresh(ctx context.Context, coverageType model.CoverageType) bool {
	type answer struct {
		venue model.Venue
		quote *venue.MarketQuote
		err   error
	}

	answers := make(chan answer, len(u.connectors))
	var wg sync.WaitGroup
	for _, conn := range u.connectors {
		wg.Add(1)
		go func(conn venue.Connector) {
			defer wg.Done()
			reqCtx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
			defer cancel()
			q, err := conn.GetMarketData(reqCtx, coverageType)
			answers <- answer{venue: conn.Venue(), quote: q, err: err}
		}(conn)
	}
	wg.Wait()
	close(answers)

	rates := make(map[model.Venue]decimal.Decimal, len(u.connectors))
	at := u.oracle.now()
	for a := range answers {
		if a.err != nil {
			u.logger.Warn("market data refresh failed",
				"venue", a.venue,
				"coverage_type", coverageType,
				"err", a.err,
			)
			continue
		}
		rates[a.venue] = a.quote.Rate
		u.oracle.SetMarketData(model.MarketData{
			Venue:        a.venue,
			CoverageType: coverageType,
			Capacity:     a.quote.Capacity,
			Confidence:   a.quote.Confidence,
			UpdatedAt:    at,
		})
	}

	if err := u.oracle.Update(coverageType, rates, at); err != nil {
		u.logger.Warn("oracle rates not updated", "coverage_type", coverageType, "err", err)
		return false
	}
	return true
}
