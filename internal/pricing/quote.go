package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/metrics"
	"github.com/tonsurance/hedge-engine/internal/model"
)

// Quoter issues swing quotes and checks them again at policy creation.
type Quoter struct {
	oracle *Oracle
	book   QuoteBook
	now    func() time.Time
	logger *slog.Logger
}

// NewQuoter creates a quoter over oracle. Issued quotes are kept in book
// so a policy can only be created against a quote this service issued.
func NewQuoter(oracle *Oracle, book QuoteBook, logger *slog.Logger) *Quoter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Quoter{
		oracle: oracle,
		book:   book,
		now:    oracle.now,
		logger: logger,
	}
}

// BasePremium is the annualized pure premium for the coverage type scaled
// to days, plus the protocol margin. It returns the base premium and the
// margin it includes.
func (q *Quoter) BasePremium(coverageType model.CoverageType, amount decimal.Decimal, days int) (base, margin decimal.Decimal) {
	cfg := q.oracle.cfg
	pure := cfg.BaseRates[coverageType].Mul(amount).Mul(decimal.NewFromInt(int64(days))).Div(year)
	margin = pure.Mul(cfg.ProtocolMargin).Round(Scale)
	return pure.Round(Scale).Add(margin), margin
}

// GetSwingQuote prices coverage of amount for days. The quote is valid for
// the freshness window from now and fails with ErrStaleOracleData when the
// oracle cannot price the hedge.
func (q *Quoter) GetSwingQuote(ctx context.Context, coverageType model.CoverageType, amount decimal.Decimal, days int) (*model.SwingQuote, error) {
	if !coverageType.Valid() {
		return nil, fmt.Errorf("pricing: unsupported coverage type %q", coverageType)
	}
	hc, err := q.oracle.CalculateHedgeCost(coverageType, amount, days)
	if err != nil {
		return nil, err
	}

	base, margin := q.BasePremium(coverageType, amount, days)
	now := q.now()
	quote := &model.SwingQuote{
		ID:                 uuid.NewString(),
		CoverageType:       coverageType,
		CoverageAmount:     amount,
		DurationDays:       days,
		BasePremium:        base,
		HedgeCostBreakdown: hc.PerVenue,
		HedgeCost:          hc.Total,
		ProtocolMargin:     margin,
		TotalPremium:       base.Add(hc.Total),
		IssuedAt:           now,
		ValidUntil:         now.Add(q.oracle.cfg.FreshnessWindow),
	}

	if q.book != nil {
		if err := q.book.Put(ctx, quote, q.oracle.cfg.FreshnessWindow); err != nil {
			return nil, fmt.Errorf("record quote: %w", err)
		}
	}
	return quote, nil
}

// ValidateQuote rejects a quote whose age at at has reached the freshness
// window. It does not consult the oracle.
func (q *Quoter) ValidateQuote(quote *model.SwingQuote, at time.Time) error {
	if age := at.Sub(quote.IssuedAt); age >= q.oracle.cfg.FreshnessWindow {
		metrics.QuoteRejections.WithLabelValues("stale").Inc()
		return fmt.Errorf("%w: issued %s ago", ErrStaleQuote, age.Round(time.Second))
	}
	return nil
}

// Redeem checks that quoteID was issued here for these terms and is still
// fresh, then re-checks oracle staleness. A quote that passes is taken out
// of the book and returned; redeeming it again fails with ErrUnknownQuote.
// A rejected redemption leaves the quote in place.
func (q *Quoter) Redeem(ctx context.Context, quoteID string, coverageType model.CoverageType, amount decimal.Decimal, days int) (*model.SwingQuote, error) {
	quote, err := q.lookup(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if quote.CoverageType != coverageType || !quote.CoverageAmount.Equal(amount) || quote.DurationDays != days {
		metrics.QuoteRejections.WithLabelValues("mismatch").Inc()
		return nil, ErrQuoteMismatch
	}
	if err := q.ValidateQuote(quote, q.now()); err != nil {
		return nil, err
	}
	if _, err := q.oracle.Quote(coverageType); err != nil {
		metrics.QuoteRejections.WithLabelValues("stale_oracle").Inc()
		return nil, err
	}
	taken, err := q.book.Take(ctx, quoteID)
	if err != nil {
		metrics.QuoteRejections.WithLabelValues("redeemed").Inc()
		return nil, err
	}
	return taken, nil
}

func (q *Quoter) lookup(ctx context.Context, quoteID string) (*model.SwingQuote, error) {
	if q.book == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuote, quoteID)
	}
	quote, err := q.book.Get(ctx, quoteID)
	if err != nil {
		metrics.QuoteRejections.WithLabelValues("unknown").Inc()
		return nil, err
	}
	return quote, nil
}
