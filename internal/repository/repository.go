// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the connection pool to stores sharing the database.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

// Driver returns the configured driver name.
func (r *SQLRepository) Driver() string {
	return r.driver
}

// SaveScored upserts a scored transaction keyed by transaction id.
func (r *SQLRepository) SaveScored(ctx context.Context, s *domain.ScoredTransaction) error {
	if s == nil || s.TransactionID == "" {
		return fmt.Errorf("%w: transactionId is required", ErrInvalidInput)
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode scored transaction: %w", err)
	}
	rules, err := json.Marshal(s.RuleNames())
	if err != nil {
		return fmt.Errorf("failed to encode triggered rules: %w", err)
	}

	query := `
		INSERT INTO scored_transactions (
			transaction_id, account_id, merchant_id, amount, currency, timestamp,
			risk_score, risk_level, triggered_rules, scored_at, engine_version, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO UPDATE SET
			risk_score = excluded.risk_score,
			risk_level = excluded.risk_level,
			triggered_rules = excluded.triggered_rules,
			scored_at = excluded.scored_at,
			engine_version = excluded.engine_version,
			payload = excluded.payload
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		s.TransactionID, s.AccountID, s.MerchantID,
		s.Amount.String(), s.Currency, s.Timestamp.UTC(),
		s.RiskScore, string(s.RiskLevel), string(rules),
		s.ScoredAt.UTC(), s.EngineVersion, string(payload),
	)
	return err
}

// GetScored retrieves a scored transaction by transaction id.
func (r *SQLRepository) GetScored(ctx context.Context, txID string) (*domain.ScoredTransaction, error) {
	query := `SELECT payload FROM scored_transactions WHERE transaction_id = ?`

	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var s domain.ScoredTransaction
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil, fmt.Errorf("failed to decode scored transaction %s: %w", txID, err)
	}
	return &s, nil
}

// ListScoredByAccount returns up to limit of an account's scored
// transactions since a time, oldest first. A non-positive limit means 100.
func (r *SQLRepository) ListScoredByAccount(ctx context.Context, accountID string, since time.Time, limit int) ([]*domain.ScoredTransaction, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: accountID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT payload FROM scored_transactions
		WHERE account_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), accountID, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ScoredTransaction
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var s domain.ScoredTransaction
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			return nil, fmt.Errorf("failed to decode scored transaction: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// SaveDeadLetter records a message that could not be scored.
// A second record for the same source message is ignored.
func (r *SQLRepository) SaveDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	if dl == nil || dl.ID == "" {
		return fmt.Errorf("%w: dead letter id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO dead_letters (id, source_topic, message_id, reason, payload, failed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_topic, message_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		dl.ID, dl.SourceTopic, dl.MessageID, dl.Reason,
		strings.ToValidUTF8(string(dl.Payload), "�"), dl.FailedAt.UTC(),
	)
	return err
}

// ListDeadLetters returns the most recent dead letters, newest first.
func (r *SQLRepository) ListDeadLetters(ctx context.Context, limit int) ([]*domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, source_topic, message_id, reason, payload, failed_at
		FROM dead_letters
		ORDER BY failed_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.DeadLetter
	for rows.Next() {
		var dl domain.DeadLetter
		var payload string
		if err := rows.Scan(&dl.ID, &dl.SourceTopic, &dl.MessageID, &dl.Reason, &payload, &dl.FailedAt); err != nil {
			return nil, err
		}
		dl.Payload = []byte(payload)
		out = append(out, &dl)
	}
	return out, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) rebind(query string) string {
	return Rebind(r.driver, query)
}

// Rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func Rebind(driver, query string) string {
	if driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}
