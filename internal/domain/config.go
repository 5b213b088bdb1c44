package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server"`

	// Tier selects the default backing services
	Tier Tier `koanf:"tier"`

	// Backing services
	Queue      QueueConfig      `koanf:"queue"`
	Redis      RedisConfig      `koanf:"redis"`
	NATS       NATSConfig       `koanf:"nats"`
	Graph      GraphConfig      `koanf:"graph"`
	Velocity   VelocityConfig   `koanf:"velocity"`
	Repository RepositoryConfig `koanf:"repository"`
	Cache      CacheConfig      `koanf:"cache"`
	Breaker    BreakerConfig    `koanf:"breaker"`

	// Processing
	Worker WorkerConfig `koanf:"worker"`
	Rules  RulesConfig  `koanf:"rules"`

	// Observability
	Logging LoggingConfig `koanf:"logging"`
	Tracing TracingConfig `koanf:"tracing"`
}

// ServerConfig holds HTTP server settings for the health surface.
type ServerConfig struct {
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// QueueConfig selects the stream transport and names the streams.
type QueueConfig struct {
	// Type is "redis" or "nats". "memory" only carries messages published
	// inside the same process and is meant for tests.
	Type string `koanf:"type"`

	InputTopic      string `koanf:"input_topic"`
	OutputTopic     string `koanf:"output_topic"`
	DeadLetterTopic string `koanf:"dead_letter_topic"`
	Group           string `koanf:"group"`
	OutputGroup     string `koanf:"output_group"`

	// VisibilityTimeout is how long a claimed message may stay unacknowledged
	// before another consumer can claim it.
	VisibilityTimeout time.Duration `koanf:"visibility_timeout"`

	// BlockTimeout bounds one Receive call.
	BlockTimeout time.Duration `koanf:"block_timeout"`

	// BatchSize is the max messages claimed per Receive.
	BatchSize int `koanf:"batch_size"`

	// MaxLen trims streams approximately on publish (0 = unbounded). Redis only.
	MaxLen int64 `koanf:"max_len"`
}

// RedisConfig is shared by the Redis queue, velocity store and cache.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// NATSConfig holds JetStream settings.
type NATSConfig struct {
	URL           string        `koanf:"url"`
	Token         string        `koanf:"token"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
	StreamName    string        `koanf:"stream_name"`
}

// GraphConfig selects the entity graph store.
type GraphConfig struct {
	// Type is "sql", "neo4j" or "none"
	Type string `koanf:"type"`

	Neo4jURI      string `koanf:"neo4j_uri"`
	Neo4jUser     string `koanf:"neo4j_user"`
	Neo4jPassword string `koanf:"neo4j_password"`
	Neo4jDatabase string `koanf:"neo4j_database"`

	// RingMaxDepth bounds the cycle search, counted in edges. A ring of n
	// accounts is a cycle of 2n edges, so 8 finds rings of up to four accounts.
	RingMaxDepth int `koanf:"ring_max_depth"`

	QueryTimeout time.Duration `koanf:"query_timeout"`
}

// VelocityConfig selects the velocity store and the window length.
type VelocityConfig struct {
	// Type is "redis", "memory" or "none". The engine only reads windows;
	// the enrichment stage records into the same store, so "memory" is
	// only useful when both run in one process.
	Type string `koanf:"type"`

	Window time.Duration `koanf:"window"`

	// Retention is how long history is kept; must be >= Window.
	Retention time.Duration `koanf:"retention"`

	QueryTimeout time.Duration `koanf:"query_timeout"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is "sqlite", "postgres" or "none"
	Driver string `koanf:"driver"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host"`
	PostgresPort     int    `koanf:"postgres_port"`
	PostgresUser     string `koanf:"postgres_user"`
	PostgresPassword string `koanf:"postgres_password"`
	PostgresDB       string `koanf:"postgres_db"`
	PostgresSSLMode  string `koanf:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// CacheConfig holds configuration for the published-marker cache.
type CacheConfig struct {
	// Type is "memory" or "redis"
	Type string `koanf:"type"`

	// Local LRU cache settings
	LocalMaxSize int           `koanf:"local_max_size"`
	LocalTTL     time.Duration `koanf:"local_ttl"`

	// If true and Type is redis, check local first, then Redis
	EnableTwoPhase bool `koanf:"enable_two_phase"`

	// MarkerTTL is how long a published marker is remembered.
	// Should exceed the longest expected redelivery delay.
	MarkerTTL time.Duration `koanf:"marker_ttl"`
}

// BreakerConfig tunes the circuit breakers around the graph and velocity stores.
type BreakerConfig struct {
	Enabled bool `koanf:"enabled"`

	// MaxRequests allowed through while half-open
	MaxRequests uint32 `koanf:"max_requests"`

	// Interval clears counts while closed
	Interval time.Duration `koanf:"interval"`

	// Timeout is how long the breaker stays open
	Timeout time.Duration `koanf:"timeout"`

	// ConsecutiveFailures that trip the breaker
	ConsecutiveFailures uint32 `koanf:"consecutive_failures"`
}

// WorkerConfig sizes the consumer pool.
type WorkerConfig struct {
	Count          int           `koanf:"count"`
	ConsumerName   string        `koanf:"consumer_name"`
	ProcessTimeout time.Duration `koanf:"process_timeout"`

	// ErrorBackoff is the pause after a failed Receive.
	ErrorBackoff time.Duration `koanf:"error_backoff"`
}

// RulesConfig holds every rule constant. Scores are raw points (0-50).
type RulesConfig struct {
	// Rules listed here are not registered.
	Disabled []string `koanf:"disabled"`

	HighAmountThreshold float64 `koanf:"high_amount_threshold"`
	HighAmountBase      int     `koanf:"high_amount_base"`
	HighAmountStep      float64 `koanf:"high_amount_step"`

	RoundAmountUnits []int64 `koanf:"round_amount_units"`
	RoundAmountScore int     `koanf:"round_amount_score"`

	NewAccountMaxAge time.Duration `koanf:"new_account_max_age"`
	NewAccountScore  int           `koanf:"new_account_score"`

	HighRiskAccountScore int `koanf:"high_risk_account_score"`

	ForeignIPScore    int `koanf:"foreign_ip_score"`
	VPNScore          int `koanf:"vpn_score"`
	TorScore          int `koanf:"tor_score"`
	DatacenterIPScore int `koanf:"datacenter_ip_score"`

	VelocityTxnThreshold int64 `koanf:"velocity_txn_threshold"`
	VelocityTxnBase      int   `koanf:"velocity_txn_base"`
	VelocityTxnStep      int   `koanf:"velocity_txn_step"`

	VelocityAmountThreshold float64 `koanf:"velocity_amount_threshold"`
	VelocityAmountBase      int     `koanf:"velocity_amount_base"`
	VelocityAmountStep      float64 `koanf:"velocity_amount_step"`

	SharedDeviceThreshold int `koanf:"shared_device_threshold"`
	SharedDeviceBase      int `koanf:"shared_device_base"`
	SharedDeviceStep      int `koanf:"shared_device_step"`

	SharedIPThreshold int `koanf:"shared_ip_threshold"`
	SharedIPBase      int `koanf:"shared_ip_base"`
	SharedIPStep      int `koanf:"shared_ip_step"`

	GraphRingScore int `koanf:"graph_ring_score"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`

	// Endpoint is the OTLP gRPC collector (host:port). Empty disables export.
	Endpoint string `koanf:"endpoint"`
	Insecure bool   `koanf:"insecure"`

	// SampleRatio is the fraction of root spans kept (0-1).
	SampleRatio float64 `koanf:"sample_ratio"`
}

// Tier represents a deployment profile.
type Tier string

const (
	// TierCommunity runs on one box: SQLite, in-memory queue, cache and velocity.
	TierCommunity Tier = "community"

	// TierPro uses Redis Streams, Redis, Neo4j and PostgreSQL.
	TierPro Tier = "pro"
)

// DefaultRulesConfig returns the production rule constants.
func DefaultRulesConfig() RulesConfig {
	return RulesConfig{
		HighAmountThreshold: 3000,
		HighAmountBase:      20,
		HighAmountStep:      100,

		RoundAmountUnits: []int64{500, 1000},
		RoundAmountScore: 15,

		NewAccountMaxAge: 7 * 24 * time.Hour,
		NewAccountScore:  20,

		HighRiskAccountScore: 25,

		ForeignIPScore:    15,
		VPNScore:          15,
		TorScore:          35,
		DatacenterIPScore: 10,

		VelocityTxnThreshold: 10,
		VelocityTxnBase:      20,
		VelocityTxnStep:      5,

		VelocityAmountThreshold: 10000,
		VelocityAmountBase:      20,
		VelocityAmountStep:      500,

		SharedDeviceThreshold: 3,
		SharedDeviceBase:      30,
		SharedDeviceStep:      5,

		SharedIPThreshold: 5,
		SharedIPBase:      20,
		SharedIPStep:      5,

		GraphRingScore: 50,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         3004,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Tier: TierCommunity,
		Queue: QueueConfig{
			Type:              "redis",
			InputTopic:        TopicIncoming,
			OutputTopic:       TopicScored,
			DeadLetterTopic:   TopicDeadLetter,
			Group:             GroupDetection,
			OutputGroup:       GroupAlerts,
			VisibilityTimeout: 30 * time.Second,
			BlockTimeout:      2 * time.Second,
			BatchSize:         10,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: 10,
			ReconnectWait: 5 * time.Second,
			StreamName:    "KESTREL",
		},
		Graph: GraphConfig{
			Type:          "sql",
			Neo4jURI:      "neo4j://localhost:7687",
			Neo4jUser:     "neo4j",
			Neo4jDatabase: "neo4j",
			RingMaxDepth:  8,
			QueryTimeout:  500 * time.Millisecond,
		},
		Velocity: VelocityConfig{
			Type:         "redis",
			Window:       time.Hour,
			Retention:    24 * time.Hour,
			QueryTimeout: 200 * time.Millisecond,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100000,
			LocalTTL:     5 * time.Minute,
			MarkerTTL:    24 * time.Hour,
		},
		Breaker: BreakerConfig{
			Enabled:             true,
			MaxRequests:         1,
			Interval:            time.Minute,
			Timeout:             10 * time.Second,
			ConsecutiveFailures: 5,
		},
		Worker: WorkerConfig{
			Count:          4,
			ConsumerName:   "detector",
			ProcessTimeout: 5 * time.Second,
			ErrorBackoff:   time.Second,
		},
		Rules: DefaultRulesConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
			Insecure:    true,
			SampleRatio: 1.0,
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Graph.Type = "neo4j"
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache.Type = "redis"
	cfg.Cache.EnableTwoPhase = true
	cfg.Cache.LocalMaxSize = 10000
	cfg.Tracing.Enabled = true
	cfg.Tracing.Endpoint = "localhost:4317"
	cfg.Tracing.SampleRatio = 0.1
	return cfg
}
