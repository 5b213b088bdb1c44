package graph

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// SQLStore keeps the entity graph as an edge table in the repository
// database (SQLite or PostgreSQL). Ring detection walks the edges with
// one query per expanded node.
type SQLStore struct {
	db       *sql.DB
	driver   string
	maxDepth int
}

// NewSQLStore creates a store on a database migrated by the repository.
func NewSQLStore(db *sql.DB, driver string, maxDepth int) *SQLStore {
	if maxDepth <= 0 {
		maxDepth = DefaultRingMaxDepth
	}
	return &SQLStore{db: db, driver: driver, maxDepth: maxDepth}
}

// AddEdge links an account to a device (USED) or an IP (CONNECTED_FROM).
// Adding an existing edge is a no-op. The detection engine never calls this;
// it is used by seeding and tests.
func (s *SQLStore) AddEdge(ctx context.Context, accountID, kind, target string) error {
	if accountID == "" || target == "" {
		return fmt.Errorf("%w: accountID and target are required", repository.ErrInvalidInput)
	}
	if kind != domain.EdgeUsed && kind != domain.EdgeConnectedFrom {
		return fmt.Errorf("%w: unknown edge kind %q", repository.ErrInvalidInput, kind)
	}

	query := `
		INSERT INTO graph_edges (account_id, kind, target, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, kind, target) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, s.rebind(query), accountID, kind, target, time.Now().UTC())
	return err
}

// Facts answers the per-transaction graph query.
func (s *SQLStore) Facts(ctx context.Context, q domain.GraphQuery) (domain.GraphFacts, error) {
	var facts domain.GraphFacts
	var err error

	if q.DeviceID != "" {
		if facts.SharedDeviceAccounts, err = s.countAccounts(ctx, domain.EdgeUsed, q.DeviceID); err != nil {
			return domain.GraphFacts{}, err
		}
	}
	if q.IPAddress != "" {
		if facts.SharedIPAccounts, err = s.countAccounts(ctx, domain.EdgeConnectedFrom, q.IPAddress); err != nil {
			return domain.GraphFacts{}, err
		}
	}
	if q.AccountID != "" {
		facts.InRing, err = onCycle(accountNode(q.AccountID), func(node string) ([]string, error) {
			return s.neighbors(ctx, node)
		}, s.maxDepth)
		if err != nil {
			return domain.GraphFacts{}, fmt.Errorf("ring search failed: %w", err)
		}
	}

	return facts, nil
}

func (s *SQLStore) countAccounts(ctx context.Context, kind, target string) (int, error) {
	query := `SELECT COUNT(DISTINCT account_id) FROM graph_edges WHERE kind = ? AND target = ?`

	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(query), kind, target).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s accounts: %w", kind, err)
	}
	return n, nil
}

// neighbors expands one node: an account yields its devices and IPs,
// a device or IP yields its accounts.
func (s *SQLStore) neighbors(ctx context.Context, node string) ([]string, error) {
	prefix, id, ok := strings.Cut(node, ":")
	if !ok {
		return nil, fmt.Errorf("malformed node %q", node)
	}

	var (
		rows *sql.Rows
		err  error
	)
	switch prefix {
	case "a":
		rows, err = s.db.QueryContext(ctx, s.rebind(`SELECT kind, target FROM graph_edges WHERE account_id = ?`), id)
	case "d":
		rows, err = s.db.QueryContext(ctx, s.rebind(`SELECT kind, account_id FROM graph_edges WHERE kind = ? AND target = ?`), domain.EdgeUsed, id)
	case "i":
		rows, err = s.db.QueryContext(ctx, s.rebind(`SELECT kind, account_id FROM graph_edges WHERE kind = ? AND target = ?`), domain.EdgeConnectedFrom, id)
	default:
		return nil, fmt.Errorf("malformed node %q", node)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var kind, other string
		if err := rows.Scan(&kind, &other); err != nil {
			return nil, err
		}
		switch {
		case prefix != "a":
			out = append(out, accountNode(other))
		case kind == domain.EdgeUsed:
			out = append(out, deviceNode(other))
		default:
			out = append(out, ipNode(other))
		}
	}
	return out, rows.Err()
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the database belongs to the repository.
func (s *SQLStore) Close() error {
	return nil
}

func (s *SQLStore) rebind(query string) string {
	return repository.Rebind(s.driver, query)
}
