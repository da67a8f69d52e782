package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tonsurance/hedge-engine/internal/model"
)

// retention keeps a quote around past its window so a late redemption is
// reported as stale rather than unknown.
const retention = time.Minute

// QuoteBook remembers issued quotes until they can no longer be redeemed.
// Take removes the quote it returns, so of two concurrent redemptions only
// one gets it.
type QuoteBook interface {
	Put(ctx context.Context, q *model.SwingQuote, window time.Duration) error
	Get(ctx context.Context, id string) (*model.SwingQuote, error)
	Take(ctx context.Context, id string) (*model.SwingQuote, error)
}

// MemoryQuoteBook keeps quotes in a map. Used for testing and development.
type MemoryQuoteBook struct {
	mu      sync.Mutex
	quotes  map[string]model.SwingQuote
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryQuoteBook creates an empty in-memory quote book.
func NewMemoryQuoteBook() *MemoryQuoteBook {
	return &MemoryQuoteBook{
		quotes:  make(map[string]model.SwingQuote),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (b *MemoryQuoteBook) Put(_ context.Context, q *model.SwingQuote, window time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for id, exp := range b.expires {
		if now.After(exp) {
			delete(b.quotes, id)
			delete(b.expires, id)
		}
	}
	b.quotes[q.ID] = *q
	b.expires[q.ID] = now.Add(window + retention)
	return nil
}

func (b *MemoryQuoteBook) Get(_ context.Context, id string) (*model.SwingQuote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.quotes[id]
	if !ok || b.now().After(b.expires[id]) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuote, id)
	}
	return &q, nil
}

func (b *MemoryQuoteBook) Take(_ context.Context, id string) (*model.SwingQuote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.quotes[id]
	expired := b.now().After(b.expires[id])
	delete(b.quotes, id)
	delete(b.expires, id)
	if !ok || expired {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuote, id)
	}
	return &q, nil
}

// RedisQuoteBook keeps quotes in Redis with a TTL, so any replica can
// redeem a quote another replica issued.
type RedisQuoteBook struct {
	rdb *redis.Client
}

// NewRedisQuoteBook creates a Redis-backed quote book.
func NewRedisQuoteBook(rdb *redis.Client) *RedisQuoteBook {
	return &RedisQuoteBook{rdb: rdb}
}

func quoteKey(id string) string { return "quote:" + id }

func (b *RedisQuoteBook) Put(ctx context.Context, q *model.SwingQuote, window time.Duration) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal quote: %w", err)
	}
	if err := b.rdb.Set(ctx, quoteKey(q.ID), data, window+retention).Err(); err != nil {
		return fmt.Errorf("store quote %s: %w", q.ID, err)
	}
	return nil
}

func (b *RedisQuoteBook) Get(ctx context.Context, id string) (*model.SwingQuote, error) {
	return decodeQuote(id, b.rdb.Get(ctx, quoteKey(id)))
}

func (b *RedisQuoteBook) Take(ctx context.Context, id string) (*model.SwingQuote, error) {
	return decodeQuote(id, b.rdb.GetDel(ctx, quoteKey(id)))
}

func decodeQuote(id string, cmd *redis.StringCmd) (*model.SwingQuote, error) {
	data, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuote, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load quote %s: %w", id, err)
	}
	var q model.SwingQuote
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("unmarshal quote %s: %w", id, err)
	}
	return &q, nil
}
