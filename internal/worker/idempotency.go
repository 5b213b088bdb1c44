package worker

import (
	"context"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const markerPrefix = "published:"

// markers remembers which transactions already reached the output stream.
// A nil cache remembers nothing; every delivery is then scored and published,
// and consumers of the output stream dedupe on transactionId.
type markers struct {
	cache domain.Cache
	ttl   time.Duration
}

func (m markers) published(ctx context.Context, txID string) (bool, error) {
	if m.cache == nil {
		return false, nil
	}
	val, err := m.cache.Get(ctx, markerPrefix+txID)
	if err != nil {
		return false, err
	}
	return val != nil, nil
}

func (m markers) mark(ctx context.Context, txID string) error {
	if m.cache == nil {
		return nil
	}
	return m.cache.Set(ctx, markerPrefix+txID, []byte("1"), m.ttl)
}
