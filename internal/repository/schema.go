package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaScoredTransactions = `
CREATE TABLE IF NOT EXISTS scored_transactions (
    transaction_id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    merchant_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    risk_score INTEGER NOT NULL,
    risk_level TEXT NOT NULL,
    triggered_rules TEXT NOT NULL,
    scored_at TIMESTAMP NOT NULL,
    engine_version TEXT NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scored_account ON scored_transactions(account_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_scored_level ON scored_transactions(risk_level);
`

const schemaDeadLetters = `
CREATE TABLE IF NOT EXISTS dead_letters (
    id TEXT PRIMARY KEY,
    source_topic TEXT NOT NULL,
    message_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    payload TEXT NOT NULL,
    failed_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_dead_letters_message ON dead_letters(source_topic, message_id);
CREATE INDEX IF NOT EXISTS idx_dead_letters_failed_at ON dead_letters(failed_at);
`

// graph_edges holds account->device (USED) and account->IP (CONNECTED_FROM)
// links for the SQL graph store.
const schemaGraphEdges = `
CREATE TABLE IF NOT EXISTS graph_edges (
    account_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    target TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (account_id, kind, target)
);

CREATE INDEX IF NOT EXISTS idx_graph_edges_target ON graph_edges(kind, target);
`

// AllSchemas returns all schema definitions in order.
func AllSchemas() []string {
	return []string{
		schemaScoredTransactions,
		schemaDeadLetters,
		schemaGraphEdges,
	}
}
