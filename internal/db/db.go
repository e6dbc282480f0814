package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// pragmas applied to every connection. synchronous=FULL makes a committed
// transaction survive power loss, not only a process crash.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=FULL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=OFF",
}

// Open opens (creating if needed) the SQLite file at path and returns a
// single-connection pool. onConnect runs once per connection after the
// pragmas, typically to create the schema. The connection is taken once
// before returning so that open, pragma and schema errors surface here
// rather than on first use.
func Open(ctx context.Context, path string, onConnect func(*sqlite.Conn) error) (*sqlitex.Pool, error) {
	if path == "" {
		return nil, fmt.Errorf("db: path is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("db: create directory %s: %w", dir, err)
			}
		}
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: 1,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, onConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}

	// Ping the database to verify connection
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := pool.Take(ctxPing)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}
	err = sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping %s: %w", path, err)
	}
	return pool, nil
}

func prepareConnection(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return err
		}
	}
	return nil
}
