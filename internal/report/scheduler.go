package report

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule regenerates the report every five minutes.
const DefaultSchedule = "0 */5 * * * *"

// Scheduler regenerates the risk report on a cron schedule (with seconds).
type Scheduler struct {
	cron    *cron.Cron
	builder *Builder
	timeout time.Duration
	logger  *slog.Logger
}

// NewScheduler creates a scheduler running builder on spec. Each run is
// bounded by timeout.
func NewScheduler(spec string, timeout time.Duration, builder *Builder, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if spec == "" {
		spec = DefaultSchedule
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		builder: builder,
		timeout: timeout,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) run() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if _, err := s.builder.Generate(ctx); err != nil {
		s.logger.Error("risk report failed", "err", err)
	}
}

// Start begins running the schedule.
func (s *Scheduler) Start() {
	s.logger.Info("risk report scheduler started", "entries", len(s.cron.Entries()))
	s.cron.Start()
}

// Stop halts the schedule and waits for a running report, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("risk report scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
