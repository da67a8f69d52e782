package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tonsurance/hedge-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePolicy(ctx context.Context, p *model.Policy) error {
	if err := s.primary.CreatePolicy(ctx, p); err != nil {
		return err
	}
	s.cache(ctx, policyKey(p.ID), p)
	return nil
}

func (s *CachedStore) CreateHedgePosition(ctx context.Context, pos *model.HedgePosition) error {
	if err := s.primary.CreateHedgePosition(ctx, pos); err != nil {
		return err
	}
	s.cache(ctx, positionKey(pos.PolicyID), pos)
	return nil
}

func (s *CachedStore) UpdateHedgePosition(ctx context.Context, policyID string, fn PositionUpdate) (*model.HedgePosition, error) {
	// Invalidate before and after: a reader racing the write must not
	// re-populate the cache with the pre-update record.
	s.rdb.Del(ctx, positionKey(policyID))
	pos, err := s.primary.UpdateHedgePosition(ctx, policyID, fn)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, positionKey(policyID))
	return pos, nil
}

func (s *CachedStore) InsertReserveTransfer(ctx context.Context, t *model.ReserveTransfer) error {
	return s.primary.InsertReserveTransfer(ctx, t)
}

func (s *CachedStore) UpsertScenario(ctx context.Context, sc *model.Scenario) error {
	if err := s.primary.UpsertScenario(ctx, sc); err != nil {
		return err
	}
	s.rdb.Del(ctx, scenariosKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPolicy(ctx context.Context, id string) (*model.Policy, error) {
	var p model.Policy
	if s.lookup(ctx, policyKey(id), &p) {
		return &p, nil
	}

	policy, err := s.primary.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, policyKey(id), policy)
	return policy, nil
}

func (s *CachedStore) GetHedgePosition(ctx context.Context, policyID string) (*model.HedgePosition, error) {
	var pos model.HedgePosition
	if s.lookup(ctx, positionKey(policyID), &pos) {
		return &pos, nil
	}

	p, err := s.primary.GetHedgePosition(ctx, policyID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionKey(policyID), p)
	return p, nil
}

func (s *CachedStore) ListScenarios(ctx context.Context) ([]model.Scenario, error) {
	var scenarios []model.Scenario
	if s.lookup(ctx, scenariosKey, &scenarios) {
		return scenarios, nil
	}

	scenarios, err := s.primary.ListScenarios(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, scenariosKey, scenarios)
	return scenarios, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListActivePolicies(ctx context.Context, now time.Time) ([]model.Policy, error) {
	return s.primary.ListActivePolicies(ctx, now)
}

func (s *CachedStore) ListHedgePositions(ctx context.Context) ([]model.HedgePosition, error) {
	return s.primary.ListHedgePositions(ctx)
}

func (s *CachedStore) ListReserveTransfers(ctx context.Context, policyID string) ([]model.ReserveTransfer, error) {
	return s.primary.ListReserveTransfers(ctx, policyID)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const scenariosKey = "scenarios"

func policyKey(id string) string   { return fmt.Sprintf("policy:%s", id) }
func positionKey(id string) string { return fmt.Sprintf("hedge:%s", id) }
