package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/model"
)

func TestMemoryStore_Policies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	early := &model.Policy{ID: "p1", CoverageType: model.CoverageDepeg, Asset: "USDC",
		CoverageAmount: decimal.NewFromInt(1000), IssuedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(24 * time.Hour)}
	late := &model.Policy{ID: "p2", CoverageType: model.CoverageBridge, Asset: "WETH",
		CoverageAmount: decimal.NewFromInt(2000), IssuedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour)}
	expired := &model.Policy{ID: "p3", CoverageType: model.CoverageDepeg, Asset: "USDT",
		CoverageAmount: decimal.NewFromInt(500), IssuedAt: now.Add(-72 * time.Hour), ExpiresAt: now}

	for _, p := range []*model.Policy{late, early, expired} {
		if err := s.CreatePolicy(ctx, p); err != nil {
			t.Fatalf("create %s: %v", p.ID, err)
		}
	}
	if err := s.CreatePolicy(ctx, early); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate create: err = %v, want ErrAlreadyExists", err)
	}

	got, err := s.GetPolicy(ctx, "p2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Asset = "mutated"
	again, _ := s.GetPolicy(ctx, "p2")
	if again.Asset != "WETH" {
		t.Error("GetPolicy returned a shared reference")
	}
	if _, err := s.GetPolicy(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get missing: err = %v, want ErrNotFound", err)
	}

	active, err := s.ListActivePolicies(ctx, now)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 2 || active[0].ID != "p1" || active[1].ID != "p2" {
		t.Fatalf("active = %+v, want p1 then p2", active)
	}
}

func TestMemoryStore_UpdateHedgePosition(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	if err := s.CreateHedgePosition(ctx, model.NewHedgePosition("p1", model.CoverageDepeg, now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateHedgePosition(ctx, model.NewHedgePosition("p1", model.CoverageDepeg, now)); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate create: err = %v, want ErrAlreadyExists", err)
	}

	pos, err := s.UpdateHedgePosition(ctx, "p1", func(pos *model.HedgePosition) error {
		leg := pos.Legs[model.VenuePerpetuals]
		leg.Status = model.LegActive
		leg.Amount = decimal.NewFromInt(800)
		pos.Legs[model.VenuePerpetuals] = leg
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if pos.Legs[model.VenuePerpetuals].Status != model.LegActive {
		t.Errorf("returned status = %s, want active", pos.Legs[model.VenuePerpetuals].Status)
	}

	// A failed update leaves no trace.
	boom := errors.New("boom")
	_, err = s.UpdateHedgePosition(ctx, "p1", func(pos *model.HedgePosition) error {
		leg := pos.Legs[model.VenueReinsurance]
		leg.Status = model.LegActive
		pos.Legs[model.VenueReinsurance] = leg
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	stored, err := s.GetHedgePosition(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Legs[model.VenueReinsurance].Status != model.LegPending {
		t.Error("failed update was persisted")
	}
	if !stored.Legs[model.VenuePerpetuals].Amount.Equal(decimal.NewFromInt(800)) {
		t.Errorf("perpetuals amount = %s, want 800", stored.Legs[model.VenuePerpetuals].Amount)
	}

	// Mutating a returned copy does not reach the store.
	stored.Legs[model.VenuePerpetuals] = model.HedgeLeg{}
	fresh, _ := s.GetHedgePosition(ctx, "p1")
	if fresh.Legs[model.VenuePerpetuals].Status != model.LegActive {
		t.Error("GetHedgePosition returned a shared legs map")
	}

	if _, err := s.UpdateHedgePosition(ctx, "missing", func(*model.HedgePosition) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_TransfersAndScenarios(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, tr := range []model.ReserveTransfer{
		{ID: "t1", PolicyID: "p1", Amount: decimal.NewFromInt(100)},
		{ID: "t2", PolicyID: "p2", Amount: decimal.NewFromInt(200)},
	} {
		if err := s.InsertReserveTransfer(ctx, &tr); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	got, _ := s.ListReserveTransfers(ctx, "p1")
	if len(got) != 1 || got[0].ID != "t1" {
		t.Errorf("transfers for p1 = %+v, want [t1]", got)
	}
	if none, _ := s.ListReserveTransfers(ctx, "p9"); len(none) != 0 {
		t.Errorf("transfers for p9 = %+v, want none", none)
	}

	s.UpsertScenario(ctx, &model.Scenario{Name: "b", Probability: 0.1})
	s.UpsertScenario(ctx, &model.Scenario{Name: "a", Probability: 0.2})
	s.UpsertScenario(ctx, &model.Scenario{Name: "b", Probability: 0.3})
	scs, _ := s.ListScenarios(ctx)
	if len(scs) != 2 || scs[0].Name != "a" || scs[1].Probability != 0.3 {
		t.Errorf("scenarios = %+v, want a then updated b", scs)
	}
}
