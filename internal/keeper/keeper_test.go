package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/coordinator"
	"github.com/tonsurance/hedge-engine/internal/model"
	"github.com/tonsurance/hedge-engine/internal/optimizer"
	"github.com/tonsurance/hedge-engine/internal/reserve"
	"github.com/tonsurance/hedge-engine/internal/store"
	"github.com/tonsurance/hedge-engine/internal/venue"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var identities = coordinator.Identities{
	Factory: "factory",
	Keepers: map[model.Venue]string{
		model.VenuePredictionMarket: "keeper-pm",
		model.VenuePerpetuals:       "keeper-perp",
		model.VenueReinsurance:      "keeper-re",
	},
	ReserveVault: "vault",
}

type fakeConn struct {
	venue model.Venue

	// gate, when set, holds PlaceOrder until closed; started is signalled
	// on entry.
	gate    chan struct{}
	started chan struct{}

	mu         sync.Mutex
	placeErr   error
	placed     int
	liq        *venue.LiquidationResult
	liqErr     error
	liqCalls   int
	lastLiq    venue.LiquidateRequest
	liquidated []string
}

func (f *fakeConn) Venue() model.Venue { return f.venue }

func (f *fakeConn) PlaceOrder(_ context.Context, req venue.OrderRequest) (*venue.OrderResult, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.placed++
	return &venue.OrderResult{
		ExternalID: fmt.Sprintf("%s-%d", f.venue, f.placed),
		Status:     venue.OrderFilled,
		FillPrice:  decimal.NewFromInt(1),
		Size:       req.Amount,
	}, nil
}

func (f *fakeConn) LiquidatePosition(_ context.Context, req venue.LiquidateRequest) (*venue.LiquidationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liqCalls++
	f.lastLiq = req
	if f.liqErr != nil {
		return nil, f.liqErr
	}
	f.liquidated = append(f.liquidated, req.ExternalID)
	return f.liq, nil
}

func (f *fakeConn) setLiqErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liqErr = err
}

func (f *fakeConn) liquidations() (int, venue.LiquidateRequest, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liqCalls, f.lastLiq, append([]string(nil), f.liquidated...)
}

func (f *fakeConn) GetMarketData(context.Context, model.CoverageType) (*venue.MarketQuote, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeConn) orders() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placed
}

type harness struct {
	coord   *coordinator.Coordinator
	sink    *reserve.MemorySink
	keepers map[model.Venue]*Keeper
	conns   map[model.Venue]*fakeConn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sink := reserve.NewMemorySink()
	coord := coordinator.New(store.NewMemoryStore(), identities, sink)
	h := &harness{
		coord:   coord,
		sink:    sink,
		keepers: make(map[model.Venue]*Keeper),
		conns:   make(map[model.Venue]*fakeConn),
	}
	for _, v := range model.Venues {
		conn := &fakeConn{venue: v}
		cfg := DefaultConfig(v)
		cfg.Identity = identities.Keepers[v]
		h.conns[v] = conn
		h.keepers[v] = New(cfg, conn, coord, nil)
	}
	return h
}

func (h *harness) flushAll() {
	for _, k := range h.keepers {
		k.Flush(context.Background())
	}
}

func TestDefaultConfig_Intervals(t *testing.T) {
	if DefaultConfig(model.VenuePerpetuals).Interval != 5*time.Second {
		t.Error("fast venue interval should be 5s")
	}
	re := DefaultConfig(model.VenueReinsurance)
	if re.Interval != 10*time.Second || !re.OptimisticProceeds {
		t.Errorf("reinsurance config = %+v", re)
	}
}

func TestKeeper_ExecuteRegistersActive(t *testing.T) {
	h := newHarness(t)
	k := h.keepers[model.VenuePerpetuals]

	if err := k.Execute("p1", model.CoverageDepeg, d(4000)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := k.Flush(context.Background()); n != 1 {
		t.Fatalf("Flush processed %d, want 1", n)
	}

	res := <-k.Results()
	if res.Err != nil || res.Status != model.LegActive {
		t.Fatalf("unexpected result %+v", res)
	}

	pos, err := h.coord.GetHedgePosition(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetHedgePosition: %v", err)
	}
	leg := pos.Legs[model.VenuePerpetuals]
	if leg.Status != model.LegActive || !leg.Amount.Equal(d(4000)) || leg.ExternalOrderID != "perpetuals-1" {
		t.Errorf("unexpected leg %+v", leg)
	}
	if k.inFlightCount() != 0 {
		t.Errorf("in-flight set not released: %d", k.inFlightCount())
	}
}

func TestKeeper_VenueFailureRegistersFailedAndContinues(t *testing.T) {
	h := newHarness(t)
	k := h.keepers[model.VenuePredictionMarket]
	conn := h.conns[model.VenuePredictionMarket]
	conn.placeErr = &venue.Error{Venue: model.VenuePredictionMarket, StatusCode: 400, Message: "Bad Request"}

	k.Execute("p1", model.CoverageDepeg, d(4000))
	k.Flush(context.Background())

	pos, _ := h.coord.GetHedgePosition(context.Background(), "p1")
	leg := pos.Legs[model.VenuePredictionMarket]
	if leg.Status != model.LegFailed || !leg.Amount.IsZero() {
		t.Errorf("expected failed zero-amount leg, got %+v", leg)
	}

	conn.mu.Lock()
	conn.placeErr = nil
	conn.mu.Unlock()

	k.Execute("p2", model.CoverageDepeg, d(100))
	k.Flush(context.Background())
	pos, _ = h.coord.GetHedgePosition(context.Background(), "p2")
	if pos.Legs[model.VenuePredictionMarket].Status != model.LegActive {
		t.Errorf("keeper should keep working after a failure, got %s", pos.Legs[model.VenuePredictionMarket].Status)
	}
}

func TestKeeper_DuplicateInFlightDropped(t *testing.T) {
	h := newHarness(t)
	k := h.keepers[model.VenuePerpetuals]

	if err := k.Execute("p1", model.CoverageDepeg, d(4000)); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	err := k.Execute("p1", model.CoverageDepeg, d(4000))
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}

	k.Flush(context.Background())
	if n := h.conns[model.VenuePerpetuals].orders(); n != 1 {
		t.Errorf("expected one venue order, got %d", n)
	}
}

func TestKeeper_ReexecutionOfActiveLegRejected(t *testing.T) {
	h := newHarness(t)
	k := h.keepers[model.VenuePerpetuals]

	k.Execute("p1", model.CoverageDepeg, d(4000))
	k.Flush(context.Background())
	<-k.Results()

	// Same trigger fires again after the first request finished.
	k.Execute("p1", model.CoverageDepeg, d(4000))
	k.Flush(context.Background())
	res := <-k.Results()

	if !errors.Is(res.Err, coordinator.ErrConflict) {
		t.Errorf("expected conflict on re-execution, got %v", res.Err)
	}
	if n := h.conns[model.VenuePerpetuals].orders(); n != 1 {
		t.Errorf("venue must not see a second order, got %d", n)
	}
}

func TestKeeper_QueueFull(t *testing.T) {
	conn := &fakeConn{venue: model.VenuePerpetuals}
	k := New(Config{Identity: "keeper-perp", QueueSize: 1}, conn, nil, nil)

	if err := k.Execute("p1", model.CoverageDepeg, d(1)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := k.Execute("p2", model.CoverageDepeg, d(1)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if k.inFlightCount() != 1 {
		t.Errorf("rejected request must not stay in flight, got %d", k.inFlightCount())
	}
}

func TestKeeper_LiquidationProceedsFromFill(t *testing.T) {
	h := newHarness(t)
	k := h.keepers[model.VenuePerpetuals]
	h.conns[model.VenuePerpetuals].liq = &venue.LiquidationResult{FillPrice: d(0.975), Size: d(4000)}

	k.Execute("p1", model.CoverageDepeg, d(4000))
	k.Flush(context.Background())
	<-k.Results()

	err := k.RequestLiquidation(context.Background(), coordinator.LiquidationRequest{
		PolicyID:        "p1",
		Venue:           model.VenuePerpetuals,
		ExternalOrderID: "perpetuals-1",
		Amount:          d(4000),
		ReserveVault:    "vault",
	})
	if err != nil {
		t.Fatalf("RequestLiquidation: %v", err)
	}
	k.Flush(context.Background())
	res := <-k.Results()
	if res.Err != nil || !res.Amount.Equal(d(3900)) {
		t.Fatalf("expected proceeds 3900 (loss), got %+v", res)
	}

	pos, _ := h.coord.GetHedgePosition(context.Background(), "p1")
	leg := pos.Legs[model.VenuePerpetuals]
	if leg.Status != model.LegLiquidated || !leg.Proceeds.Equal(d(3900)) || leg.Optimistic {
		t.Errorf("unexpected leg %+v", leg)
	}
}

func TestKeeper_LiquidationFailureLeavesLegActive(t *testing.T) {
	h := newHarness(t)
	k := h.keepers[model.VenuePredictionMarket]
	h.conns[model.VenuePredictionMarket].liqErr = &venue.Error{Venue: model.VenuePredictionMarket, StatusCode: 503}

	k.Execute("p1", model.CoverageDepeg, d(4000))
	k.Flush(context.Background())
	<-k.Results()

	k.RequestLiquidation(context.Background(), coordinator.LiquidationRequest{
		PolicyID: "p1", Venue: model.VenuePredictionMarket, ExternalOrderID: "prediction_market-1",
	})
	k.Flush(context.Background())
	if res := <-k.Results(); res.Err == nil {
		t.Fatal("expected liquidation error")
	}

	pos, _ := h.coord.GetHedgePosition(context.Background(), "p1")
	if pos.Legs[model.VenuePredictionMarket].Status != model.LegActive {
		t.Errorf("leg should stay active for retry, got %s", pos.Legs[model.VenuePredictionMarket].Status)
	}
}

func TestKeeper_LiquidationExplicitZeroProceeds(t *testing.T) {
	h := newHarness(t)
	k := h.keepers[model.VenuePerpetuals]
	h.conns[model.VenuePerpetuals].liq = &venue.LiquidationResult{
		Proceeds:         decimal.Zero,
		ProceedsExplicit: true,
		FillPrice:        d(0.975),
		Size:             d(4000),
	}

	k.Execute("p1", model.CoverageDepeg, d(4000))
	k.Flush(context.Background())
	<-k.Results()

	k.RequestLiquidation(context.Background(), coordinator.LiquidationRequest{
		PolicyID: "p1", Venue: model.VenuePerpetuals, ExternalOrderID: "perpetuals-1", Amount: d(4000),
	})
	k.Flush(context.Background())
	res := <-k.Results()
	if res.Err != nil || !res.Amount.IsZero() {
		t.Fatalf("explicit zero proceeds must be kept, got %+v", res)
	}

	pos, _ := h.coord.GetHedgePosition(context.Background(), "p1")
	if leg := pos.Legs[model.VenuePerpetuals]; leg.Status != model.LegLiquidated || !leg.Proceeds.IsZero() {
		t.Errorf("unexpected leg %+v", leg)
	}
}

func TestKeeper_LiquidationCarriesEntryPrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k := h.keepers[model.VenuePerpetuals]
	conn := h.conns[model.VenuePerpetuals]
	conn.liq = &venue.LiquidationResult{Proceeds: d(3900)}

	k.Execute("p1", model.CoverageDepeg, d(4000))
	k.Flush(ctx)
	<-k.Results()

	pos, _ := h.coord.GetHedgePosition(ctx, "p1")
	if leg := pos.Legs[model.VenuePerpetuals]; !leg.FillPrice.Equal(d(1)) {
		t.Fatalf("entry fill not recorded on leg: %+v", leg)
	}

	summary, err := h.coord.LiquidateHedges(ctx, "factory", "p1", map[model.Venue]coordinator.Liquidator{
		model.VenuePerpetuals: k,
	})
	if err != nil || len(summary.Dispatched) != 1 {
		t.Fatalf("LiquidateHedges: %+v, %v", summary, err)
	}
	k.Flush(ctx)
	<-k.Results()

	_, last, _ := conn.liquidations()
	if !last.ReferencePrice.Equal(d(1)) || last.ExternalID != "perpetuals-1" {
		t.Errorf("liquidate request = %+v, want reference price 1", last)
	}
}

func TestKeeper_OrderFilledAfterLegClosedIsUnwound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k := h.keepers[model.VenuePerpetuals]
	conn := h.conns[model.VenuePerpetuals]
	conn.gate = make(chan struct{})
	conn.started = make(chan struct{}, 1)
	conn.liq = &venue.LiquidationResult{Proceeds: d(3990)}

	k.Execute("p1", model.CoverageDepeg, d(4000))
	done := make(chan struct{})
	go func() {
		defer close(done)
		k.Flush(ctx)
	}()
	<-conn.started

	// Settlement arrives while the order is at the venue.
	if _, err := h.coord.LiquidateHedges(ctx, "factory", "p1", map[model.Venue]coordinator.Liquidator{}); err != nil {
		t.Fatalf("LiquidateHedges: %v", err)
	}
	close(conn.gate)
	<-done

	res := <-k.Results()
	if !errors.Is(res.Err, coordinator.ErrConflict) {
		t.Fatalf("expected conflict result, got %+v", res)
	}
	if _, _, ids := conn.liquidations(); len(ids) != 1 || ids[0] != "perpetuals-1" {
		t.Errorf("filled order should be closed at the venue, liquidated %v", ids)
	}

	pos, _ := h.coord.GetHedgePosition(ctx, "p1")
	if leg := pos.Legs[model.VenuePerpetuals]; leg.Status != model.LegFailed || !leg.Amount.IsZero() {
		t.Errorf("leg should stay failed, got %+v", leg)
	}
}

func TestKeeper_UnwindFailureReported(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	k := h.keepers[model.VenuePerpetuals]
	conn := h.conns[model.VenuePerpetuals]
	conn.gate = make(chan struct{})
	conn.started = make(chan struct{}, 1)
	conn.liqErr = &venue.Error{Venue: model.VenuePerpetuals, StatusCode: 503}

	k.Execute("p1", model.CoverageDepeg, d(4000))
	done := make(chan struct{})
	go func() {
		defer close(done)
		k.Flush(ctx)
	}()
	<-conn.started
	h.coord.LiquidateHedges(ctx, "factory", "p1", map[model.Venue]coordinator.Liquidator{})
	close(conn.gate)
	<-done

	res := <-k.Results()
	var verr *venue.Error
	if !errors.Is(res.Err, coordinator.ErrConflict) || !errors.As(res.Err, &verr) {
		t.Fatalf("expected conflict joined with venue error, got %v", res.Err)
	}
	if res.Retryable {
		t.Error("an execution result is never retryable")
	}
}

func TestRetrier_ResubmitsVenueFailure(t *testing.T) {
	h := newHarness(t)
	k := h.keepers[model.VenuePredictionMarket]
	conn := h.conns[model.VenuePredictionMarket]
	conn.liq = &venue.LiquidationResult{Proceeds: d(3950)}
	conn.liqErr = &venue.Error{Venue: model.VenuePredictionMarket, StatusCode: 503}
	k.cfg.Interval = 5 * time.Millisecond
	k.cfg.RetryDelay = 10 * time.Millisecond

	k.Execute("p1", model.CoverageDepeg, d(4000))
	k.Flush(context.Background())
	<-k.Results()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := k.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer k.Stop(context.Background())
	go NewRetrier(k, nil).Run(ctx)

	k.RequestLiquidation(ctx, coordinator.LiquidationRequest{
		PolicyID: "p1", Venue: model.VenuePredictionMarket, ExternalOrderID: "prediction_market-1", Amount: d(4000),
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _, _ := conn.liquidations(); n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("liquidation never attempted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	conn.setLiqErr(nil)

	for {
		pos, _ := h.coord.GetHedgePosition(context.Background(), "p1")
		if pos.Legs[model.VenuePredictionMarket].Status == model.LegLiquidated {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("leg not liquidated after retry, got %s", pos.Legs[model.VenuePredictionMarket].Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRetrier_GivesUpAfterMaxAttempts(t *testing.T) {
	conn := &fakeConn{venue: model.VenuePerpetuals}
	k := New(Config{Identity: "keeper-perp", RetryDelay: time.Millisecond, LiquidationRetries: 2}, conn, nil, nil)
	r := NewRetrier(k, nil)
	ctx := context.Background()

	failed := Result{
		Request:   Request{Kind: KindLiquidate, PolicyID: "p1", ExternalOrderID: "perpetuals-1"},
		Err:       errors.New("venue down"),
		Retryable: true,
	}
	r.handle(ctx, failed)
	r.handle(ctx, failed)
	if r.attempts["p1"] != 2 {
		t.Fatalf("attempts = %d, want 2", r.attempts["p1"])
	}
	r.handle(ctx, failed)
	if _, ok := r.attempts["p1"]; ok {
		t.Error("attempt count should be cleared once retries are exhausted")
	}

	// Non-retryable outcomes are ignored.
	r.handle(ctx, Result{Request: Request{Kind: KindExecute, PolicyID: "p2"}, Err: errors.New("x")})
	r.handle(ctx, Result{Request: Request{Kind: KindLiquidate, PolicyID: "p3"}, Err: errors.New("ledger")})
	if len(r.attempts) != 0 {
		t.Errorf("unexpected attempts %v", r.attempts)
	}
}

func TestKeeper_RequestLiquidationWrongVenue(t *testing.T) {
	h := newHarness(t)
	err := h.keepers[model.VenuePerpetuals].RequestLiquidation(context.Background(), coordinator.LiquidationRequest{
		PolicyID: "p1", Venue: model.VenueReinsurance,
	})
	if err == nil {
		t.Error("expected error for a leg on another venue")
	}
}

func TestKeeper_EndToEndSettlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	amounts := map[model.Venue]float64{
		model.VenuePredictionMarket: 4000,
		model.VenuePerpetuals:       4000,
		model.VenueReinsurance:      2000,
	}
	proceeds := map[model.Venue]float64{
		model.VenuePredictionMarket: 3950,
		model.VenuePerpetuals:       4100,
		model.VenueReinsurance:      2000,
	}
	for v, amt := range amounts {
		h.conns[v].liq = &venue.LiquidationResult{Proceeds: d(proceeds[v])}
		if err := h.keepers[v].Execute("p1", model.CoverageDepeg, d(amt)); err != nil {
			t.Fatalf("Execute %s: %v", v, err)
		}
	}
	h.flushAll()

	pos, _ := h.coord.GetHedgePosition(ctx, "p1")
	if pos.State() != model.HedgeFullyHedged {
		t.Fatalf("expected fully hedged, got %s", pos.State())
	}

	liquidators := make(map[model.Venue]coordinator.Liquidator)
	for v, k := range h.keepers {
		liquidators[v] = k
	}
	summary, err := h.coord.LiquidateHedges(ctx, "factory", "p1", liquidators)
	if err != nil {
		t.Fatalf("LiquidateHedges: %v", err)
	}
	if len(summary.Dispatched) != 3 {
		t.Fatalf("expected 3 dispatched, got %+v", summary)
	}
	h.flushAll()

	transfers := h.sink.Transfers()
	if len(transfers) != 1 || !transfers[0].Amount.Equal(d(10050)) {
		t.Fatalf("expected one transfer of 10050, got %+v", transfers)
	}

	pos, _ = h.coord.GetHedgePosition(ctx, "p1")
	if !pos.Legs[model.VenueReinsurance].Optimistic {
		t.Error("reinsurance proceeds should be flagged optimistic")
	}
}

func TestKeeper_StartStop(t *testing.T) {
	h := newHarness(t)
	k := h.keepers[model.VenuePerpetuals]
	k.cfg.Interval = 10 * time.Millisecond

	if err := k.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	k.Execute("p1", model.CoverageExploit, d(500))

	select {
	case res := <-k.Results():
		if res.Status != model.LegActive {
			t.Errorf("unexpected result %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("keeper loop did not process the request")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := k.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

// --- Dispatcher ---

type staticMarket struct {
	snap model.MarketSnapshot
	err  error
}

func (m staticMarket) Snapshot(model.CoverageType) (model.MarketSnapshot, error) { return m.snap, m.err }

type fixedRatio decimal.Decimal

func (r fixedRatio) HedgeRatio() decimal.Decimal { return decimal.Decimal(r) }

func keeperList(h *harness) []*Keeper {
	var out []*Keeper
	for _, v := range model.Venues {
		out = append(out, h.keepers[v])
	}
	return out
}

func TestDispatcher_AbandonsZeroAllocation(t *testing.T) {
	h := newHarness(t)
	snap := model.MarketSnapshot{
		model.VenuePredictionMarket: {Cost: d(0.02), Capacity: d(1e6), Confidence: 0.9},
		model.VenuePerpetuals:       {Cost: d(0.01), Capacity: d(1e6), Confidence: 0.9},
		// reinsurance quoting nothing
	}
	disp := NewDispatcher(keeperList(h), staticMarket{snap: snap}, fixedRatio(d(0.2)), optimizer.DefaultConstraints(), nil, nil)

	policy := &model.Policy{ID: "p1", CoverageType: model.CoverageDepeg, CoverageAmount: d(50000)}
	out, err := disp.Dispatch(context.Background(), policy)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !out.Notional.Equal(d(10000)) {
		t.Errorf("notional = %s, want 10000", out.Notional)
	}
	if len(out.Submitted) != 2 || len(out.Abandoned) != 1 || out.Abandoned[0] != model.VenueReinsurance {
		t.Fatalf("unexpected dispatch %+v", out)
	}

	h.flushAll()
	pos, _ := h.coord.GetHedgePosition(context.Background(), "p1")
	if pos.Legs[model.VenueReinsurance].Status != model.LegFailed {
		t.Errorf("reinsurance leg should be failed, got %s", pos.Legs[model.VenueReinsurance].Status)
	}
	if !pos.HedgedAmount().Equal(d(10000)) {
		t.Errorf("hedged amount %s, want 10000", pos.HedgedAmount())
	}
}

func TestDispatcher_FallbackWeights(t *testing.T) {
	h := newHarness(t)
	weights := model.Allocation{
		model.VenuePredictionMarket: d(0.4),
		model.VenuePerpetuals:       d(0.4),
		model.VenueReinsurance:      d(0.2),
	}
	disp := NewDispatcher(keeperList(h), staticMarket{err: errors.New("stale")}, fixedRatio(d(0.2)), optimizer.DefaultConstraints(), weights, nil)

	out, err := disp.Dispatch(context.Background(), &model.Policy{ID: "p1", CoverageType: model.CoverageBridge, CoverageAmount: d(50000)})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !out.Allocation[model.VenueReinsurance].Equal(d(2000)) || !out.Allocation[model.VenuePerpetuals].Equal(d(4000)) {
		t.Errorf("unexpected fallback allocation %v", out.Allocation)
	}
	if len(out.Submitted) != 3 {
		t.Errorf("expected all venues submitted, got %v", out.Submitted)
	}
}

func TestDispatcher_ShortfallStillSubmits(t *testing.T) {
	h := newHarness(t)
	snap := model.MarketSnapshot{
		model.VenuePredictionMarket: {Cost: d(0.02), Capacity: d(1000), Confidence: 0.9},
		model.VenuePerpetuals:       {Cost: d(0.01), Capacity: d(1000), Confidence: 0.9},
		model.VenueReinsurance:      {Cost: d(0.03), Capacity: d(1000), Confidence: 0.9},
	}
	disp := NewDispatcher(keeperList(h), staticMarket{snap: snap}, fixedRatio(d(0.2)), optimizer.DefaultConstraints(), nil, nil)

	out, err := disp.Dispatch(context.Background(), &model.Policy{ID: "p1", CoverageType: model.CoverageExploit, CoverageAmount: d(50000)})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !out.Shortfall.Equal(d(7000)) {
		t.Errorf("shortfall = %s, want 7000", out.Shortfall)
	}
	if len(out.Submitted) != 3 {
		t.Errorf("expected partial allocation submitted, got %v", out.Submitted)
	}
}
