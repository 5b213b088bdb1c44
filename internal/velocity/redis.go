package velocity

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// recordScript adds a member to the account's sorted set unless present,
// trims entries older than the retention, and refreshes the key's expiry.
var recordScript = redis.NewScript(`
	local added = redis.call('ZADD', KEYS[1], 'NX', ARGV[1], ARGV[2])
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[3])
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	return added
`)

// RedisStore keeps velocity history in one sorted set per account:
// members are "<transactionId>:<amount>", scored by timestamp in milliseconds.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisStore creates a Redis-backed store on an existing client.
func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

// Record adds a transaction atomically. A transaction id already present is ignored.
func (s *RedisStore) Record(ctx context.Context, tx *domain.TransactionEvent) error {
	if tx.AccountID == "" || tx.TransactionID == "" {
		return fmt.Errorf("accountID and transactionID are required")
	}

	at := tx.Timestamp.UnixMilli()
	cutoff := tx.Timestamp.Add(-s.retention).UnixMilli()

	err := recordScript.Run(ctx, s.client,
		[]string{s.makeKey(tx.AccountID)},
		at,
		member(tx.TransactionID, tx.Amount),
		cutoff,
		s.retention.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to record velocity entry: %w", err)
	}
	return nil
}

// Window returns the count and sum of transactions in (end-window, end].
func (s *RedisStore) Window(ctx context.Context, accountID string, end time.Time, window time.Duration) (domain.VelocityWindow, error) {
	start, end := windowBounds(end, window)
	w := domain.VelocityWindow{Sum: decimal.Zero, Start: start, End: end}

	members, err := s.client.ZRangeByScore(ctx, s.makeKey(accountID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(start.UnixMilli(), 10),
		Max: strconv.FormatInt(end.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return domain.VelocityWindow{}, fmt.Errorf("failed to query velocity window: %w", err)
	}

	for _, m := range members {
		amount, err := parseMember(m)
		if err != nil {
			return domain.VelocityWindow{}, err
		}
		w.Count++
		w.Sum = w.Sum.Add(amount)
	}
	return w, nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the client is shared and closed by its owner.
func (s *RedisStore) Close() error {
	return nil
}

func (s *RedisStore) makeKey(accountID string) string {
	return "kestrel:velocity:" + accountID
}

func member(txID string, amount decimal.Decimal) string {
	return txID + ":" + amount.String()
}

// parseMember extracts the amount from a member. Transaction ids may contain ':'.
func parseMember(m string) (decimal.Decimal, error) {
	i := strings.LastIndexByte(m, ':')
	if i < 0 {
		return decimal.Zero, fmt.Errorf("malformed velocity member %q", m)
	}
	amount, err := decimal.NewFromString(m[i+1:])
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed velocity member %q: %w", m, err)
	}
	return amount, nil
}
