// Package reserve publishes reserve-vault refill transfers produced when a
// policy's hedge legs have all settled.
package reserve

import (
	"context"
	"sync"

	"github.com/tonsurance/hedge-engine/internal/model"
)

// Sink delivers a refill transfer to whatever moves funds into the vault.
type Sink interface {
	Transfer(ctx context.Context, t model.ReserveTransfer) error
}

// MemorySink records transfers in memory. Used for testing and development.
type MemorySink struct {
	mu        sync.Mutex
	transfers []model.ReserveTransfer
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Transfer(_ context.Context, t model.ReserveTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers = append(s.transfers, t)
	return nil
}

// Transfers returns a copy of everything received so far.
func (s *MemorySink) Transfers() []model.ReserveTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ReserveTransfer, len(s.transfers))
	copy(out, s.transfers)
	return out
}
