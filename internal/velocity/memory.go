package velocity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

type entry struct {
	txID   string
	at     time.Time
	amount decimal.Decimal
}

// MemoryStore keeps velocity history in process memory.
// Used by the Community tier and in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string][]entry
	retention time.Duration
}

// NewMemoryStore creates an in-memory store that drops entries older than
// retention relative to the newest entry of the account.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string][]entry),
		retention: retention,
	}
}

// Record adds a transaction. A transaction id already present is ignored.
func (s *MemoryStore) Record(_ context.Context, tx *domain.TransactionEvent) error {
	if tx.AccountID == "" || tx.TransactionID == "" {
		return fmt.Errorf("accountID and transactionID are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.accounts[tx.AccountID]
	for _, e := range entries {
		if e.txID == tx.TransactionID {
			return nil
		}
	}
	entries = append(entries, entry{txID: tx.TransactionID, at: tx.Timestamp, amount: tx.Amount})

	// Trim by the newest timestamp seen
	newest := tx.Timestamp
	for _, e := range entries {
		if e.at.After(newest) {
			newest = e.at
		}
	}
	cutoff := newest.Add(-s.retention)
	kept := entries[:0]
	for _, e := range entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	s.accounts[tx.AccountID] = kept
	return nil
}

// Window returns the count and sum of transactions in (end-window, end].
func (s *MemoryStore) Window(ctx context.Context, accountID string, end time.Time, window time.Duration) (domain.VelocityWindow, error) {
	if err := ctx.Err(); err != nil {
		return domain.VelocityWindow{}, err
	}

	start, end := windowBounds(end, window)
	w := domain.VelocityWindow{Sum: decimal.Zero, Start: start, End: end}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.accounts[accountID] {
		if e.at.After(start) && !e.at.After(end) {
			w.Count++
			w.Sum = w.Sum.Add(e.amount)
		}
	}
	return w, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close drops all history.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = make(map[string][]entry)
	return nil
}
