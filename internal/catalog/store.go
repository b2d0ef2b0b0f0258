package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/saveenergy/speedkit/internal/logging"
	"github.com/saveenergy/speedkit/internal/target"
)

// ErrNotFound is returned by Remove when no entry matches.
var ErrNotFound = errors.New("catalog entry not found")

// Entry is one candidate measurement target.
type Entry struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Name      string    `json:"name,omitempty"`
	Priority  int       `json:"priority"`
	Failures  int       `json:"failures"`
	LastOK    time.Time `json:"last_ok,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store keeps the target catalog in sqlite. Lower priority values are tried
// first; among equal priorities, targets with fewer recent failures win.
type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(3)
	db.SetMaxIdleConns(2)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// modernc.org/sqlite requires explicit PRAGMAs (not query-string params)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		logging.Warn("catalog: close failed", logging.F("error", err))
	}
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS targets (
		id TEXT PRIMARY KEY,
		address TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		last_ok TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_targets_order ON targets(priority, failures)`)
	return err
}

// Add stores a new target. The address must parse as a target entry; it is
// stored as given so default ports still apply at run time.
func (s *Store) Add(ctx context.Context, address, name string, priority int) (*Entry, error) {
	address = strings.TrimSpace(address)
	if _, err := target.Parse(address, target.Defaults{DataPort: 1}); err != nil {
		return nil, err
	}

	e := &Entry{
		ID:        uuid.NewString(),
		Address:   address,
		Name:      name,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO targets (id, address, name, priority, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Address, e.Name, e.Priority, e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("target %s already in catalog", address)
		}
		return nil, fmt.Errorf("insert target: %w", err)
	}
	return e, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

// List returns every entry in try order.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, address, name, priority, failures, last_ok, created_at
		FROM targets ORDER BY priority, failures, created_at`)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var lastOK sql.NullTime
		if err := rows.Scan(&e.ID, &e.Address, &e.Name, &e.Priority, &e.Failures, &lastOK, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		if lastOK.Valid {
			e.LastOK = lastOK.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Addresses returns the target entries in try order, ready for
// speed.Config.Targets.
func (s *Store) Addresses(ctx context.Context) ([]string, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Address
	}
	return out, nil
}

// Remove deletes the entry whose ID or address equals key.
func (s *Store) Remove(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE id = ? OR address = ?`, key, key)
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordOutcome updates the failure counter of the entry with the given
// address: a success resets it, a failure increments it. Unknown addresses
// are ignored.
func (s *Store) RecordOutcome(ctx context.Context, address string, ok bool) error {
	var err error
	if ok {
		_, err = s.db.ExecContext(ctx,
			`UPDATE targets SET failures = 0, last_ok = ? WHERE address = ?`, time.Now().UTC(), address)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE targets SET failures = failures + 1 WHERE address = ?`, address)
	}
	if err != nil {
		return fmt.Errorf("update target: %w", err)
	}
	return nil
}
