// Package graph answers entity-link questions (shared devices, shared IPs,
// rings) over the account-device/IP graph.
package graph

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultRingMaxDepth bounds the ring search when none is configured.
// Eight edges covers four accounts linked in a loop.
const DefaultRingMaxDepth = 8

// New creates the graph store selected by cfg.Type.
// db and driver are used by the sql store; "none" returns a nil store,
// which disables graph rules.
func New(ctx context.Context, cfg domain.GraphConfig, db *sql.DB, driver string) (domain.GraphStore, error) {
	depth := cfg.RingMaxDepth
	if depth <= 0 {
		depth = DefaultRingMaxDepth
	}

	switch cfg.Type {
	case "sql", "":
		if db == nil {
			return nil, fmt.Errorf("sql graph store requires a database (repository.driver is none)")
		}
		return NewSQLStore(db, driver, depth), nil
	case "neo4j":
		return NewNeo4jStore(ctx, cfg, depth)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown graph store type: %s", cfg.Type)
	}
}

// Node keys for the bipartite graph walk.
func accountNode(id string) string { return "a:" + id }
func deviceNode(id string) string  { return "d:" + id }
func ipNode(addr string) string    { return "i:" + addr }
