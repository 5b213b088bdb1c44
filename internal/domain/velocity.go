package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// VelocityWindow aggregates an account's transactions over (Start, End].
type VelocityWindow struct {
	Count int64           `json:"count"`
	Sum   decimal.Decimal `json:"sum"`
	Start time.Time       `json:"start"`
	End   time.Time       `json:"end"`
}

// VelocityStore keeps per-account transaction history for windowed counts.
// The store owns expiry of old entries.
type VelocityStore interface {
	// Window returns count and amount sum of transactions with
	// end-window < timestamp <= end.
	Window(ctx context.Context, accountID string, end time.Time, window time.Duration) (VelocityWindow, error)

	// Record adds a transaction. Recording the same transaction twice is a no-op.
	Record(ctx context.Context, tx *TransactionEvent) error

	Ping(ctx context.Context) error
	Close() error
}
