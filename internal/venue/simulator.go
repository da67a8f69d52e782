package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/model"
)

// Simulator is an in-process venue that fills every order at a fixed price
// and quotes fixed terms. Used when no venue URL is configured and in tests.
type Simulator struct {
	venue model.Venue

	mu     sync.Mutex
	quotes map[model.CoverageType]MarketQuote
	orders map[string]decimal.Decimal // order id -> size
	fill   decimal.Decimal
}

// NewSimulator creates a simulated venue filling at price 1.
func NewSimulator(v model.Venue) *Simulator {
	return &Simulator{
		venue:  v,
		quotes: make(map[model.CoverageType]MarketQuote),
		orders: make(map[string]decimal.Decimal),
		fill:   decimal.NewFromInt(1),
	}
}

// SetQuote sets the terms returned for coverageType.
func (s *Simulator) SetQuote(coverageType model.CoverageType, rate, capacity decimal.Decimal, confidence float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[coverageType] = MarketQuote{
		Venue:        s.venue,
		CoverageType: coverageType,
		Rate:         rate,
		Capacity:     capacity,
		Confidence:   confidence,
	}
}

// SetFillPrice sets the price used for liquidations.
func (s *Simulator) SetFillPrice(p decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fill = p
}

func (s *Simulator) Venue() model.Venue { return s.venue }

func (s *Simulator) PlaceOrder(_ context.Context, req OrderRequest) (*OrderResult, error) {
	if !req.Amount.IsPositive() {
		return nil, &Error{Venue: s.venue, StatusCode: 400, Message: "amount must be positive"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := fmt.Sprintf("%s-%s", s.venue, uuid.NewString())
	s.orders[id] = req.Amount
	return &OrderResult{
		ExternalID: id,
		Status:     OrderFilled,
		FillPrice:  decimal.NewFromInt(1),
		Size:       req.Amount,
		Cost:       s.quotes[req.CoverageType].Rate.Mul(req.Amount),
	}, nil
}

func (s *Simulator) LiquidatePosition(_ context.Context, req LiquidateRequest) (*LiquidationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size, ok := s.orders[req.ExternalID]
	if !ok {
		return nil, &Error{Venue: s.venue, StatusCode: 404, Message: "unknown order " + req.ExternalID}
	}
	delete(s.orders, req.ExternalID)
	return &LiquidationResult{
		Proceeds:         s.fill.Mul(size),
		FillPrice:        s.fill,
		Size:             size,
		Slippage:         Slippage(s.fill, req.ReferencePrice),
		ProceedsExplicit: true,
	}, nil
}

func (s *Simulator) GetMarketData(_ context.Context, coverageType model.CoverageType) (*MarketQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[coverageType]
	if !ok {
		return nil, &Error{Venue: s.venue, StatusCode: 404, Message: "no market for " + string(coverageType)}
	}
	q.FetchedAt = time.Now().UTC()
	return &q, nil
}
