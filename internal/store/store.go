// Package store defines the persistence interface for the hedge engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tonsurance/hedge-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("store: already exists")
)

// PositionUpdate mutates a hedge position in place. Returning an error
// aborts the update and leaves the stored record untouched.
type PositionUpdate func(pos *model.HedgePosition) error

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Policies (read-only from the core's perspective) ---

	// CreatePolicy persists a newly issued policy.
	CreatePolicy(ctx context.Context, p *model.Policy) error

	// GetPolicy retrieves a policy by ID.
	GetPolicy(ctx context.Context, id string) (*model.Policy, error)

	// ListActivePolicies returns policies in force at now.
	ListActivePolicies(ctx context.Context, now time.Time) ([]model.Policy, error)

	// --- Hedge positions ---

	// CreateHedgePosition persists a new position.
	CreateHedgePosition(ctx context.Context, pos *model.HedgePosition) error

	// GetHedgePosition retrieves the position for a policy.
	GetHedgePosition(ctx context.Context, policyID string) (*model.HedgePosition, error)

	// ListHedgePositions returns every position.
	ListHedgePositions(ctx context.Context) ([]model.HedgePosition, error)

	// UpdateHedgePosition applies fn to the position under an exclusive
	// lock and persists the result atomically. Single writer per record.
	UpdateHedgePosition(ctx context.Context, policyID string, fn PositionUpdate) (*model.HedgePosition, error)

	// --- Reserve transfers (append-only) ---

	// InsertReserveTransfer appends a refill record.
	InsertReserveTransfer(ctx context.Context, t *model.ReserveTransfer) error

	// ListReserveTransfers returns the refills emitted for a policy.
	ListReserveTransfers(ctx context.Context, policyID string) ([]model.ReserveTransfer, error)

	// --- Scenarios ---

	// UpsertScenario inserts or replaces a scenario by name.
	UpsertScenario(ctx context.Context, s *model.Scenario) error

	// ListScenarios returns all stored scenarios ordered by name.
	ListScenarios(ctx context.Context) ([]model.Scenario, error)
}
