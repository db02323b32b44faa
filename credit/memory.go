// Package credit provides LedgerStore implementations.
package credit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ineyio/imagegate"
)

// MemoryStore is an in-memory LedgerStore. Accounts must be opened with
// SetBalance before they can be charged.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]int64
	log      map[string][]imagegate.CreditTransaction
	now      func() time.Time
}

var _ imagegate.LedgerStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]int64),
		log:      make(map[string][]imagegate.CreditTransaction),
		now:      time.Now,
	}
}

// SetBalance creates or overwrites an account without logging a transaction.
func (s *MemoryStore) SetBalance(ownerID string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[ownerID] = balance
}

// Balance returns the balance of ownerID.
func (s *MemoryStore) Balance(_ context.Context, ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[ownerID]
	if !ok {
		return 0, imagegate.ErrAccountNotFound
	}
	return b, nil
}

// Adjust applies delta under the store lock.
func (s *MemoryStore) Adjust(_ context.Context, ownerID string, delta int64, reason string) (imagegate.CreditTransaction, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[ownerID]
	if !ok {
		return imagegate.CreditTransaction{}, 0, imagegate.ErrAccountNotFound
	}
	if delta > 0 && b > math.MaxInt64-delta {
		return imagegate.CreditTransaction{}, 0, &imagegate.ValidationError{Field: "delta", Message: "would overflow balance"}
	}
	if b+delta < 0 {
		return imagegate.CreditTransaction{}, 0, &imagegate.InsufficientCreditsError{Required: -delta}
	}

	tx := imagegate.CreditTransaction{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Delta:     delta,
		Reason:    reason,
		Timestamp: s.now().UTC(),
	}
	s.balances[ownerID] = b + delta
	s.log[ownerID] = append(s.log[ownerID], tx)
	return tx, b + delta, nil
}

// Transactions returns up to limit entries, newest first.
func (s *MemoryStore) Transactions(_ context.Context, ownerID string, limit int) ([]imagegate.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.log[ownerID]
	out := make([]imagegate.CreditTransaction, 0, min(limit, len(entries)))
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}
