package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// factsQuery answers all three graph questions in one round trip.
// The graph uses the seed schema: (:Account)-[:USED]->(:Device) and
// (:Account)-[:CONNECTED_FROM]->(:IP). Seeds may hold parallel edges, so
// sharing counts distinct accounts and a ring must be a simple cycle: no
// node repeats before the path returns to the account.
const factsQuery = `
RETURN
  COUNT { MATCH (:Device {deviceId: $deviceId})<-[:USED]-(acc:Account) RETURN DISTINCT acc } AS deviceAccounts,
  COUNT { MATCH (:IP {address: $ipAddress})<-[:CONNECTED_FROM]-(acc:Account) RETURN DISTINCT acc } AS ipAccounts,
  EXISTS {
    MATCH p = (a:Account {accountId: $accountId})-[:USED|CONNECTED_FROM*4..%d]-(a)
    WHERE all(i IN range(1, length(p) - 1) WHERE nodes(p)[i] <> a
      AND all(j IN range(i + 1, length(p) - 1) WHERE nodes(p)[i] <> nodes(p)[j]))
  } AS inRing
`

// edgeQueries link an account to a device or an IP without duplicating
// nodes or relationships.
var edgeQueries = map[string]string{
	domain.EdgeUsed: `
MERGE (a:Account {accountId: $accountId})
MERGE (d:Device {deviceId: $target})
MERGE (a)-[:USED]->(d)`,
	domain.EdgeConnectedFrom: `
MERGE (a:Account {accountId: $accountId})
MERGE (i:IP {address: $target})
MERGE (a)-[:CONNECTED_FROM]->(i)`,
}

// Neo4jStore queries the production entity graph.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	query    string
}

// NewNeo4jStore connects to Neo4j and verifies connectivity.
func NewNeo4jStore(ctx context.Context, cfg domain.GraphConfig, maxDepth int) (*Neo4jStore, error) {
	if cfg.Neo4jURI == "" {
		return nil, fmt.Errorf("neo4j uri is required")
	}

	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURI, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(vctx); err != nil {
		driver.Close(context.Background())
		return nil, fmt.Errorf("failed to connect to neo4j: %w", err)
	}

	return &Neo4jStore{
		driver:   driver,
		database: cfg.Neo4jDatabase,
		query:    buildFactsQuery(maxDepth),
	}, nil
}

func buildFactsQuery(maxDepth int) string {
	if maxDepth < 4 {
		maxDepth = 4
	}
	return fmt.Sprintf(factsQuery, maxDepth)
}

// Facts runs the combined graph query on a reader.
func (s *Neo4jStore) Facts(ctx context.Context, q domain.GraphQuery) (domain.GraphFacts, error) {
	params := map[string]any{
		"accountId": q.AccountID,
		"deviceId":  q.DeviceID,
		"ipAddress": q.IPAddress,
	}

	opts := []neo4j.ExecuteQueryConfigurationOption{neo4j.ExecuteQueryWithReadersRouting()}
	if s.database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(s.database))
	}

	result, err := neo4j.ExecuteQuery(ctx, s.driver, s.query, params, neo4j.EagerResultTransformer, opts...)
	if err != nil {
		return domain.GraphFacts{}, fmt.Errorf("graph query failed: %w", err)
	}
	if len(result.Records) == 0 {
		return domain.GraphFacts{}, fmt.Errorf("graph query returned no rows")
	}
	record := result.Records[0]

	deviceAccounts, _, err := neo4j.GetRecordValue[int64](record, "deviceAccounts")
	if err != nil {
		return domain.GraphFacts{}, fmt.Errorf("read deviceAccounts: %w", err)
	}
	ipAccounts, _, err := neo4j.GetRecordValue[int64](record, "ipAccounts")
	if err != nil {
		return domain.GraphFacts{}, fmt.Errorf("read ipAccounts: %w", err)
	}
	inRing, _, err := neo4j.GetRecordValue[bool](record, "inRing")
	if err != nil {
		return domain.GraphFacts{}, fmt.Errorf("read inRing: %w", err)
	}

	facts := domain.GraphFacts{
		SharedDeviceAccounts: int(deviceAccounts),
		SharedIPAccounts:     int(ipAccounts),
		InRing:               inRing,
	}
	if q.DeviceID == "" {
		facts.SharedDeviceAccounts = 0
	}
	if q.IPAddress == "" {
		facts.SharedIPAccounts = 0
	}
	return facts, nil
}

// AddEdge links an account to a device (USED) or an IP (CONNECTED_FROM).
// The detection engine never calls this; the enrichment stage and tests do.
func (s *Neo4jStore) AddEdge(ctx context.Context, accountID, kind, target string) error {
	if accountID == "" || target == "" {
		return fmt.Errorf("%w: accountID and target are required", repository.ErrInvalidInput)
	}
	query, ok := edgeQueries[kind]
	if !ok {
		return fmt.Errorf("%w: unknown edge kind %q", repository.ErrInvalidInput, kind)
	}

	var opts []neo4j.ExecuteQueryConfigurationOption
	if s.database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(s.database))
	}
	params := map[string]any{"accountId": accountID, "target": target}
	if _, err := neo4j.ExecuteQuery(ctx, s.driver, query, params, neo4j.EagerResultTransformer, opts...); err != nil {
		return fmt.Errorf("failed to add %s edge: %w", kind, err)
	}
	return nil
}

// Ping verifies connectivity to the cluster.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// Close closes the driver.
func (s *Neo4jStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.driver.Close(ctx)
}
