// Package sqlite implements the keyed store on a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/tallyhq/tally/internal/store"
	"github.com/tallyhq/tally/pkg/types"
)

// Store implements store.Store using SQLite.
type Store struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)

	upsertStmt *sql.Stmt
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the items database at dbPath. readPoolSize bounds the
// number of concurrent read connections.
func Open(dbPath string, readPoolSize int) (*Store, error) {
	if readPoolSize <= 0 {
		readPoolSize = 4
	}

	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: failed to initialize schema: %w", err)
	}

	// Read pool is opened after the schema exists; query_only keeps it read-only.
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_query_only=true")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(readPoolSize)
	readDB.SetMaxIdleConns(readPoolSize)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	s.readDB = readDB

	upsert, err := db.Prepare(upsertItemSQL)
	if err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("sqlite store: failed to prepare upsert statement: %w", err)
	}
	s.upsertStmt = upsert

	return s, nil
}

// initSchema creates all required tables and indexes.
func (s *Store) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, SchemaVersion)
	}
	if version < SchemaVersion {
		if _, err := s.db.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)", SchemaVersion, time.Now().Unix()); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	}
	return nil
}

// Put upserts an item by (id, timestamp).
func (s *Store) Put(ctx context.Context, item types.StoredItem) error {
	if err := item.ValidateKey(); err != nil {
		return fmt.Errorf("sqlite store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var category interface{}
	if item.Category != nil {
		category = *item.Category
	}
	if _, err := s.upsertStmt.ExecContext(ctx, item.ID, item.Timestamp, category, item.MetricValue.String()); err != nil {
		return fmt.Errorf("sqlite store: failed to upsert item: %w", err)
	}
	return nil
}

// QueryByCategory reads items of one category through the secondary index.
func (s *Store) QueryByCategory(ctx context.Context, category string, start, end time.Time) ([]types.StoredItem, error) {
	lo, hi := store.Bounds(start, end)
	return s.query(ctx, queryByCategorySQL, category, lo, hi)
}

// ScanByTimeRange reads every item in the window.
func (s *Store) ScanByTimeRange(ctx context.Context, start, end time.Time) ([]types.StoredItem, error) {
	lo, hi := store.Bounds(start, end)
	return s.query(ctx, scanByTimeRangeSQL, lo, hi)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]types.StoredItem, error) {
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: query failed: %w", err)
	}
	defer rows.Close()

	items := []types.StoredItem{}
	for rows.Next() {
		var (
			item     types.StoredItem
			category sql.NullString
			value    string
		)
		if err := rows.Scan(&item.ID, &item.Timestamp, &category, &value); err != nil {
			return nil, fmt.Errorf("sqlite store: failed to scan item: %w", err)
		}
		if category.Valid {
			item.Category = types.StringPtr(category.String)
		}
		item.MetricValue, err = decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: corrupt metric_value %q for item %s: %w", value, item.ID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: row iteration failed: %w", err)
	}
	return items, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the prepared statement and both connection pools.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.upsertStmt != nil {
		s.upsertStmt.Close()
	}
	var firstErr error
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
