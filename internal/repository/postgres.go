package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// openPostgres opens a PostgreSQL database connection through lib/pq.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return db, nil
}

// postgresDSN builds a key/value connection string, quoting values as libpq expects.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "kestrel"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	parts := []string{
		"host=" + quoteDSN(host),
		fmt.Sprintf("port=%d", port),
		"dbname=" + quoteDSN(dbname),
		"sslmode=" + sslmode,
	}
	if cfg.PostgresUser != "" {
		parts = append(parts, "user="+quoteDSN(cfg.PostgresUser))
	}
	if cfg.PostgresPassword != "" {
		parts = append(parts, "password="+quoteDSN(cfg.PostgresPassword))
	}
	return strings.Join(parts, " ")
}

func quoteDSN(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
