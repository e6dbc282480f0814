package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/onsitelogistics/handheld/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	url        TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TEXT NOT NULL
);`

var requiredColumns = []string{"id", "url", "payload", "created_at"}

// ErrSchemaMismatch is wrapped by the StorageError returned from Open when
// an existing outbox table lacks a required column.
var ErrSchemaMismatch = errors.New("incompatible outbox schema")

// QueuedRequest is one undelivered request.
type QueuedRequest struct {
	ID        int64
	URL       string
	Payload   []byte
	CreatedAt time.Time
}

// StorageError reports a failure of the backing file. It is always fatal to
// the caller: the outbox cannot promise durability once it has been returned.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("queue: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err wraps a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Store is a durable FIFO outbox kept in a single SQLite file.
// All methods are safe for concurrent use and are serialised internally.
type Store struct {
	mu   sync.Mutex
	pool *sqlitex.Pool
	path string
}

// Open opens or creates the outbox at path.
func Open(ctx context.Context, path string) (*Store, error) {
	pool, err := db.Open(ctx, path, prepareSchema)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}
	return &Store{pool: pool, path: path}, nil
}

func prepareSchema(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	present := make(map[string]bool)
	err := sqlitex.ExecuteTransient(conn, "PRAGMA table_info(outbox)", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			present[stmt.ColumnText(1)] = true
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	for _, col := range requiredColumns {
		if !present[col] {
			return fmt.Errorf("%w: missing column %q", ErrSchemaMismatch, col)
		}
	}
	return nil
}

// Path returns the file the store was opened from.
func (s *Store) Path() string { return s.path }

// withConn runs fn on the single pooled connection while holding the store
// lock. Any error is returned as a *StorageError for op.
func (s *Store) withConn(ctx context.Context, op string, fn func(*sqlite.Conn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return &StorageError{Op: op, Path: s.path, Err: err}
	}
	defer s.pool.Put(conn)

	if err := fn(conn); err != nil {
		return &StorageError{Op: op, Path: s.path, Err: err}
	}
	return nil
}

// Append persists a request and commits before returning its id.
func (s *Store) Append(ctx context.Context, url string, payload []byte, createdAt time.Time) (int64, error) {
	var id int64
	err := s.withConn(ctx, "append", func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTransaction(&err)

		err = sqlitex.Execute(conn,
			"INSERT INTO outbox (url, payload, created_at) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{
				Args: []any{url, string(payload), createdAt.UTC().Format(time.RFC3339Nano)},
			})
		if err != nil {
			return err
		}
		id = conn.LastInsertRowID()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Size returns the number of stored requests.
func (s *Store) Size(ctx context.Context) (int, error) {
	var n int
	err := s.withConn(ctx, "size", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT COUNT(*) FROM outbox", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	return n, err
}

// Oldest returns up to n requests in ascending id order without removing them.
func (s *Store) Oldest(ctx context.Context, n int) ([]QueuedRequest, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []QueuedRequest
	err := s.withConn(ctx, "oldest", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT id, url, payload, created_at FROM outbox ORDER BY id ASC LIMIT ?",
			&sqlitex.ExecOptions{
				Args: []any{n},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					createdAt, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(3))
					if err != nil {
						return fmt.Errorf("row %d: created_at: %w", stmt.ColumnInt64(0), err)
					}
					out = append(out, QueuedRequest{
						ID:        stmt.ColumnInt64(0),
						URL:       stmt.ColumnText(1),
						Payload:   []byte(stmt.ColumnText(2)),
						CreatedAt: createdAt,
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Remove deletes the request with the given id. Removing an id that is not
// stored is not an error.
func (s *Store) Remove(ctx context.Context, id int64) error {
	return s.withConn(ctx, "remove", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM outbox WHERE id = ?", &sqlitex.ExecOptions{
			Args: []any{id},
		})
	})
}

// LastID returns the highest id currently stored, or 0 when empty.
func (s *Store) LastID(ctx context.Context) (int64, error) {
	var id int64
	err := s.withConn(ctx, "last id", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT COALESCE(MAX(id), 0) FROM outbox", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.ColumnInt64(0)
				return nil
			},
		})
	})
	return id, err
}

// Close releases the backing file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pool.Close(); err != nil {
		return &StorageError{Op: "close", Path: s.path, Err: err}
	}
	return nil
}
