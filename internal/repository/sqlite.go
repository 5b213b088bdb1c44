package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	_ "modernc.org/sqlite"
)

const sqlitePragmas = "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"

// openSQLite opens a SQLite database with modernc.org/sqlite (no CGO).
// The path ":memory:" opens a private in-memory database on a single connection.
func openSQLite(cfg domain.RepositoryConfig) (*sql.DB, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./kestrel.db"
	}

	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?" + sqlitePragmas
	} else {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?%s", path, sqlitePragmas)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// A :memory: database lives on one connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	return db, nil
}
