// Package sqlite persists captured items into a SQLite database. One database
// may hold any number of modules.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/hitcapture/packages/capture"

	// SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// FileName is the database file created inside a module storage path by FileFactory.
const FileName = "captures.db"

const schema = `
CREATE TABLE IF NOT EXISTS captures (
	exchange_id TEXT PRIMARY KEY,
	module      TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	method      TEXT    NOT NULL,
	url         TEXT    NOT NULL,
	status      INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	encrypted   INTEGER NOT NULL,
	elapsed_us  INTEGER NOT NULL,
	sent_at     TEXT    NOT NULL,
	item        TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_captures_module_seq ON captures (module, seq);
`

// Store is a SQLite capture database.
type Store struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// Open opens (creating if needed) the database named by connStr, which may be
// "sqlite://path", "sqlite:path" or a bare path.
func Open(connStr string) (*Store, error) {
	dsn, err := parseConnectionString(connStr)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; one connection avoids "database is locked".
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{
		db:           db,
		queryTimeout: 30 * time.Second,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Insert stores item, replacing any row with the same exchange ID.
func (s *Store) Insert(ctx context.Context, item capture.Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO captures
			(exchange_id, module, seq, method, url, status, failed, encrypted, elapsed_us, sent_at, item)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ExchangeID, item.Module, item.Seq, item.Request.Method, item.Request.URL,
		item.StatusCode(), item.Failure != nil, item.Encrypted, item.Elapsed.Microseconds(),
		item.Request.SentAt.UTC().Format(time.RFC3339Nano), string(data),
	)
	if err != nil {
		return fmt.Errorf("insert failed: %w", err)
	}
	return nil
}

// Modules lists the module names present in the database.
func (s *Store) Modules(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT module FROM captures ORDER BY module`)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	modules := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		modules = append(modules, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return modules, nil
}

// Items returns a module's items ordered by sequence number.
func (s *Store) Items(ctx context.Context, module string) ([]capture.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT item FROM captures WHERE module = ? ORDER BY seq`, module)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	items := make([]capture.Item, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var item capture.Item
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("corrupt item row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return items, nil
}

// Sink returns a capture.Sink writing into the store. Closing the sink leaves
// the shared store open.
func (s *Store) Sink() capture.Sink {
	return &sink{store: s}
}

// Factory hands every module a sink on the shared store.
func Factory(s *Store) capture.SinkFactory {
	return func(string, string) (capture.Sink, error) {
		return s.Sink(), nil
	}
}

// FileFactory opens a separate database in each module's storage path.
func FileFactory() capture.SinkFactory {
	return func(_ string, storagePath string) (capture.Sink, error) {
		if err := os.MkdirAll(storagePath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create capture directory: %w", err)
		}
		store, err := Open(filepath.Join(storagePath, FileName))
		if err != nil {
			return nil, err
		}
		return &sink{store: store, owned: true}, nil
	}
}

type sink struct {
	store *Store
	owned bool
}

func (s *sink) Write(ctx context.Context, item capture.Item) error {
	return s.store.Insert(ctx, item)
}

func (s *sink) Close() error {
	if s.owned {
		return s.store.Close()
	}
	return nil
}

func parseConnectionString(connStr string) (string, error) {
	connStr = strings.TrimSpace(connStr)
	switch {
	case connStr == "":
		return "", fmt.Errorf("empty connection string")
	case strings.HasPrefix(connStr, "sqlite://"):
		return strings.TrimPrefix(connStr, "sqlite://"), nil
	case strings.HasPrefix(connStr, "sqlite:"):
		return strings.TrimPrefix(connStr, "sqlite:"), nil
	case strings.Contains(connStr, "://"):
		return "", fmt.Errorf("unsupported database scheme: %s", connStr[:strings.Index(connStr, "://")])
	default:
		return connStr, nil
	}
}
