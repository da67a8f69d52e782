// Package service provides the HTTP handlers for quoting and issuing
// policies, inspecting and liquidating hedges, and reading risk state.
//
// All monetary values use shopspring/decimal, never float64 for money.
package service

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/coordinator"
	"github.com/tonsurance/hedge-engine/internal/keeper"
	"github.com/tonsurance/hedge-engine/internal/model"
	"github.com/tonsurance/hedge-engine/internal/pricing"
	"github.com/tonsurance/hedge-engine/internal/report"
	"github.com/tonsurance/hedge-engine/internal/risk"
	"github.com/tonsurance/hedge-engine/internal/store"
	"github.com/tonsurance/hedge-engine/internal/venue"
)

// CallerHeader carries the ledger identity of the caller.
const CallerHeader = "X-Caller-ID"

// Deps are the components the service fronts.
type Deps struct {
	Store       store.Store
	Coordinator *coordinator.Coordinator
	Quoter      *pricing.Quoter
	Dispatcher  *keeper.Dispatcher
	Limiter     *risk.ConcentrationLimiter
	Risk        *risk.Calculator
	Reports     *report.Builder
	Logger      *slog.Logger
}

// Service handles policy issuance and hedge queries. Issuance is
// serialized so the concentration check and the insert see the same book.
type Service struct {
	store       store.Store
	coordinator *coordinator.Coordinator
	quoter      *pricing.Quoter
	dispatcher  *keeper.Dispatcher
	limiter     *risk.ConcentrationLimiter
	risk        *risk.Calculator
	reports     *report.Builder
	now         func() time.Time
	logger      *slog.Logger

	mu sync.Mutex
}

// NewService creates a new service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       d.Store,
		coordinator: d.Coordinator,
		quoter:      d.Quoter,
		dispatcher:  d.Dispatcher,
		limiter:     d.Limiter,
		risk:        d.Risk,
		reports:     d.Reports,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

// --- Request/Response types ---

// CreatePolicyRequest is the JSON body for POST /policies.
type CreatePolicyRequest struct {
	Holder         string          `json:"holder"`
	CoverageType   string          `json:"coverage_type"`
	Asset          string          `json:"asset"`
	CoverageAmount decimal.Decimal `json:"coverage_amount"`
	DurationDays   int             `json:"duration_days"`
	TriggerPrice   decimal.Decimal `json:"trigger_price"` // optional
	FloorPrice     decimal.Decimal `json:"floor_price"`   // optional
	QuoteID        string          `json:"quote"`         // id of a swing quote issued by GET /quotes
}

// CreatePolicyResponse is the JSON body returned from POST /policies.
type CreatePolicyResponse struct {
	Policy     *model.Policy     `json:"policy"`
	Quote      *model.SwingQuote `json:"quote"`
	Hedge      *keeper.Dispatch  `json:"hedge,omitempty"`
	HedgeError string            `json:"hedge_error,omitempty"`
}

// HedgeResponse is a hedge position with its derived state and transfers.
type HedgeResponse struct {
	*model.HedgePosition
	State        model.HedgeState        `json:"state"`
	HedgedAmount decimal.Decimal         `json:"hedged_amount"`
	Settled      bool                    `json:"settled"`
	Transfers    []model.ReserveTransfer `json:"transfers"`
}

// --- HTTP Handlers ---

// GetQuote handles GET /api/v1/quotes
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	coverageType, err := model.ParseCoverageType(q.Get("coverage_type"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil || !amount.IsPositive() {
		writeError(w, "amount must be a positive number", http.StatusBadRequest)
		return
	}
	days, err := strconv.Atoi(q.Get("duration_days"))
	if err != nil || days < 1 {
		writeError(w, "duration_days must be a positive integer", http.StatusBadRequest)
		return
	}

	quote, err := s.quoter.GetSwingQuote(r.Context(), coverageType, amount, days)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// CreatePolicy handles POST /api/v1/policies
// Redeems the quote, checks underwriting limits, opens the hedge position
// and dispatches the hedge to the keepers.
func (s *Service) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	coverageType, err := model.ParseCoverageType(req.CoverageType)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Asset == "" {
		writeError(w, "asset is required", http.StatusBadRequest)
		return
	}
	if !req.CoverageAmount.IsPositive() {
		writeError(w, "coverage_amount must be positive", http.StatusBadRequest)
		return
	}
	if req.DurationDays < 1 {
		writeError(w, "duration_days must be positive", http.StatusBadRequest)
		return
	}
	if req.QuoteID == "" {
		writeError(w, "quote is required", http.StatusBadRequest)
		return
	}
	if req.TriggerPrice.IsNegative() || req.FloorPrice.IsNegative() ||
		(req.TriggerPrice.IsPositive() && req.FloorPrice.GreaterThan(req.TriggerPrice)) {
		writeError(w, "floor_price must not exceed trigger_price", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// Serialize issuance.
	s.mu.Lock()
	defer s.mu.Unlock()

	quote, err := s.quoter.Redeem(ctx, req.QuoteID, coverageType, req.CoverageAmount, req.DurationDays)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	now := s.now()
	policy := &model.Policy{
		ID:             uuid.New().String(),
		Holder:         req.Holder,
		CoverageType:   coverageType,
		Asset:          req.Asset,
		CoverageAmount: req.CoverageAmount,
		TriggerPrice:   req.TriggerPrice,
		FloorPrice:     req.FloorPrice,
		DurationDays:   req.DurationDays,
		Premium:        quote.TotalPremium,
		IssuedAt:       now,
		ExpiresAt:      now.Add(time.Duration(req.DurationDays) * 24 * time.Hour),
	}

	// --- Underwriting limit check ---
	if s.limiter != nil {
		active, err := s.store.ListActivePolicies(ctx, now)
		if err != nil {
			writeError(w, "failed to check underwriting limits", http.StatusInternalServerError)
			return
		}
		if err := s.limiter.CheckLimit(policy, active); err != nil {
			s.writeErr(w, err)
			return
		}
	}

	if err := s.store.CreatePolicy(ctx, policy); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.coordinator.OpenPosition(ctx, policy.ID, coverageType); err != nil {
		s.logger.Error("open hedge position failed", "policy_id", policy.ID, "err", err)
		writeError(w, "failed to open hedge position", http.StatusInternalServerError)
		return
	}

	resp := CreatePolicyResponse{Policy: policy, Quote: quote}
	if s.dispatcher != nil {
		dispatch, err := s.dispatcher.Dispatch(ctx, policy)
		if err != nil {
			s.logger.Error("hedge dispatch failed", "policy_id", policy.ID, "err", err)
			resp.HedgeError = err.Error()
		}
		resp.Hedge = dispatch
	}

	s.logger.Info("policy issued",
		"policy_id", policy.ID,
		"coverage_type", coverageType,
		"asset", policy.Asset,
		"coverage_amount", policy.CoverageAmount.String(),
		"premium", policy.Premium.String(),
	)
	writeJSON(w, http.StatusCreated, resp)
}

// GetHedge handles GET /api/v1/hedges/{policyID}
func (s *Service) GetHedge(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "policyID")
	ctx := r.Context()

	pos, err := s.coordinator.GetHedgePosition(ctx, policyID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	transfers, err := s.store.ListReserveTransfers(ctx, policyID)
	if err != nil {
		writeError(w, "failed to load reserve transfers", http.StatusInternalServerError)
		return
	}
	if transfers == nil {
		transfers = []model.ReserveTransfer{}
	}

	writeJSON(w, http.StatusOK, HedgeResponse{
		HedgePosition: pos,
		State:         pos.State(),
		HedgedAmount:  pos.HedgedAmount(),
		Settled:       pos.Settled(),
		Transfers:     transfers,
	})
}

// LiquidateHedge handles POST /api/v1/hedges/{policyID}/liquidate
// Only the factory identity may liquidate. Returns 202: the venues report
// their proceeds asynchronously through the keepers.
func (s *Service) LiquidateHedge(w http.ResponseWriter, r *http.Request) {
	caller := r.Header.Get(CallerHeader)
	if caller == "" {
		writeError(w, CallerHeader+" header is required", http.StatusUnauthorized)
		return
	}
	policyID := chi.URLParam(r, "policyID")

	var liquidators map[model.Venue]coordinator.Liquidator
	if s.dispatcher != nil {
		liquidators = s.dispatcher.Liquidators()
	}
	summary, err := s.coordinator.LiquidateHedges(r.Context(), caller, policyID, liquidators)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, summary)
}

// GetExposure handles GET /api/v1/risk/exposure
func (s *Service) GetExposure(w http.ResponseWriter, r *http.Request) {
	exposures, err := s.risk.CalculateExposure(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hedge_ratio": s.risk.HedgeRatio(),
		"exposure":    exposures,
	})
}

// GetRebalance handles GET /api/v1/risk/rebalance
func (s *Service) GetRebalance(w http.ResponseWriter, r *http.Request) {
	plans, err := s.risk.CalculateRebalanceOrders(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if plans == nil {
		plans = []risk.RebalancePlan{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"needs_rebalancing": len(plans) > 0,
		"plans":             plans,
	})
}

// GetReport handles GET /api/v1/risk/report
// Serves the latest scheduled report; ?refresh=true builds a new one.
func (s *Service) GetReport(w http.ResponseWriter, r *http.Request) {
	rep := s.reports.Latest()
	if rep == nil || r.URL.Query().Get("refresh") == "true" {
		var err error
		if rep, err = s.reports.Generate(r.Context()); err != nil {
			s.writeErr(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, rep)
}

// GetStress handles GET /api/v1/risk/stress
func (s *Service) GetStress(w http.ResponseWriter, r *http.Request) {
	res, err := s.reports.Stress(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Helpers ---

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var venueErr *venue.Error
	switch {
	case errors.Is(err, coordinator.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, coordinator.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrConflict),
		errors.Is(err, coordinator.ErrInvalidTransition),
		errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, risk.ErrLimitExceeded):
		return http.StatusConflict
	case errors.Is(err, pricing.ErrStaleQuote),
		errors.Is(err, pricing.ErrStaleOracleData),
		errors.Is(err, pricing.ErrUnknownQuote),
		errors.Is(err, pricing.ErrQuoteMismatch),
		errors.Is(err, pricing.ErrIncompleteRates):
		return http.StatusUnprocessableEntity
	case errors.Is(err, venue.ErrCircuitOpen), errors.As(err, &venueErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
