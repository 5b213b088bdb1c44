//go:build integration

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const neo4jPassword = "kestrel-test"

func startNeo4j(t *testing.T) string {
	t.Helper()
	skipIfNoDocker(t)
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "neo4j:5",
			ExposedPorts: []string{"7687/tcp"},
			Env:          map[string]string{"NEO4J_AUTH": "neo4j/" + neo4jPassword},
			WaitingFor:   wait.ForLog("Started.").WithStartupTimeout(120 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start neo4j container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "7687")
	if err != nil {
		t.Fatalf("failed to get mapped port: %v", err)
	}
	return fmt.Sprintf("bolt://%s:%s", host, port.Port())
}

// seedNeo4j writes relationships with CREATE, as the demo seed script does,
// so parallel edges exist.
func seedNeo4j(t *testing.T, uri string) {
	t.Helper()
	ctx := context.Background()

	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth("neo4j", neo4jPassword, ""))
	if err != nil {
		t.Fatalf("failed to create driver: %v", err)
	}
	defer driver.Close(ctx)

	statements := []string{
		// One account reaching its device and IP twice each.
		`CREATE (a:Account {accountId: 'ACC-LONE'}),
		        (d:Device {deviceId: 'DEV-LONE'}),
		        (i:IP {address: '10.9.9.9'})
		 CREATE (a)-[:USED]->(d), (a)-[:USED]->(d),
		        (a)-[:CONNECTED_FROM]->(i), (a)-[:CONNECTED_FROM]->(i)`,
		// Two accounts sharing a device and an IP, with a duplicated edge.
		`CREATE (a1:Account {accountId: 'ACC-R1'}),
		        (a2:Account {accountId: 'ACC-R2'}),
		        (d:Device {deviceId: 'DEV-RING'}),
		        (i:IP {address: '10.0.0.66'})
		 CREATE (a1)-[:USED]->(d), (a1)-[:USED]->(d), (a2)-[:USED]->(d),
		        (a1)-[:CONNECTED_FROM]->(i), (a2)-[:CONNECTED_FROM]->(i)`,
	}
	for _, stmt := range statements {
		if _, err := neo4j.ExecuteQuery(ctx, driver, stmt, nil, neo4j.EagerResultTransformer); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
}

func TestNeo4jStoreFacts(t *testing.T) {
	uri := startNeo4j(t)
	seedNeo4j(t, uri)
	ctx := context.Background()

	store, err := graph.NewNeo4jStore(ctx, domain.GraphConfig{
		Neo4jURI:      uri,
		Neo4jUser:     "neo4j",
		Neo4jPassword: neo4jPassword,
	}, graph.DefaultRingMaxDepth)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	t.Run("ParallelEdgesAreNotARing", func(t *testing.T) {
		facts, err := store.Facts(ctx, domain.GraphQuery{
			AccountID: "ACC-LONE",
			DeviceID:  "DEV-LONE",
			IPAddress: "10.9.9.9",
		})
		if err != nil {
			t.Fatalf("Facts failed: %v", err)
		}
		if facts.SharedDeviceAccounts != 1 || facts.SharedIPAccounts != 1 {
			t.Errorf("expected distinct account counts of 1, got %+v", facts)
		}
		if facts.InRing {
			t.Error("a single account with repeated edges is not a ring")
		}
	})

	t.Run("SharedDeviceAndIP", func(t *testing.T) {
		facts, err := store.Facts(ctx, domain.GraphQuery{
			AccountID: "ACC-R1",
			DeviceID:  "DEV-RING",
			IPAddress: "10.0.0.66",
		})
		if err != nil {
			t.Fatalf("Facts failed: %v", err)
		}
		if facts.SharedDeviceAccounts != 2 || facts.SharedIPAccounts != 2 {
			t.Errorf("expected 2 distinct accounts each, got %+v", facts)
		}
		if !facts.InRing {
			t.Error("expected ACC-R1 to be in a ring")
		}
	})

	t.Run("AddEdgeMerges", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			if err := store.AddEdge(ctx, "ACC-NEW", domain.EdgeUsed, "DEV-NEW"); err != nil {
				t.Fatalf("AddEdge failed: %v", err)
			}
		}
		if err := store.AddEdge(ctx, "ACC-OTHER", domain.EdgeUsed, "DEV-NEW"); err != nil {
			t.Fatalf("AddEdge failed: %v", err)
		}

		facts, err := store.Facts(ctx, domain.GraphQuery{AccountID: "ACC-NEW", DeviceID: "DEV-NEW"})
		if err != nil {
			t.Fatalf("Facts failed: %v", err)
		}
		if facts.SharedDeviceAccounts != 2 {
			t.Errorf("expected 2 accounts on DEV-NEW, got %d", facts.SharedDeviceAccounts)
		}
		if facts.InRing {
			t.Error("two accounts on one device are not a ring")
		}
	})
}
