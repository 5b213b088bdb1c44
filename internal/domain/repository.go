// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository persists scored transactions and dead letters for audit.
// Writes are upserts keyed by transaction id, so a redelivered message
// overwrites rather than duplicates.
type Repository interface {
	// Scored transactions
	SaveScored(ctx context.Context, s *ScoredTransaction) error
	GetScored(ctx context.Context, txID string) (*ScoredTransaction, error)
	ListScoredByAccount(ctx context.Context, accountID string, since time.Time, limit int) ([]*ScoredTransaction, error)

	// Dead letters
	SaveDeadLetter(ctx context.Context, dl *DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}
