package waitmodel

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Persisted is the durable slice of a per-kind estimate
type Persisted struct {
	Estimate    time.Duration
	Samples     int
	Baseline    time.Duration
	StableCount int
}

// Store persists wait estimates in a local SQLite file. Writes are
// serialized by the caller; the store itself only guards the schema.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
	path   string
}

const schema = `
CREATE TABLE IF NOT EXISTS wait_estimates (
	kind         TEXT PRIMARY KEY,
	estimate_ms  INTEGER NOT NULL,
	samples      INTEGER NOT NULL,
	baseline_ms  INTEGER NOT NULL,
	stable_count INTEGER NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);`

// OpenStore opens (creating if needed) the estimate database at path
func OpenStore(logger *zap.Logger, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create wait store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open wait store: %w", err)
	}
	// single writer, single connection keeps sqlite happy
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize wait store schema: %w", err)
	}

	logger.Info("Wait store opened", zap.String("path", path))
	return &Store{logger: logger, db: db, path: path}, nil
}

// Load reads every persisted estimate. A read failure returns the
// error; the caller decides whether to fall back to defaults.
func (s *Store) Load() (map[Kind]Persisted, error) {
	rows, err := s.db.Query(
		`SELECT kind, estimate_ms, samples, baseline_ms, stable_count FROM wait_estimates`)
	if err != nil {
		return nil, fmt.Errorf("failed to query wait estimates: %w", err)
	}
	defer rows.Close()

	out := make(map[Kind]Persisted)
	for rows.Next() {
		var kind string
		var estMS, baseMS int64
		var samples, stable int
		if err := rows.Scan(&kind, &estMS, &samples, &baseMS, &stable); err != nil {
			return nil, fmt.Errorf("failed to scan wait estimate: %w", err)
		}
		out[Kind(kind)] = Persisted{
			Estimate:    time.Duration(estMS) * time.Millisecond,
			Samples:     samples,
			Baseline:    time.Duration(baseMS) * time.Millisecond,
			StableCount: stable,
		}
	}
	return out, rows.Err()
}

// Save upserts the given estimates in one transaction
func (s *Store) Save(estimates map[Kind]Persisted) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin wait store transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO wait_estimates (kind, estimate_ms, samples, baseline_ms, stable_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET
			estimate_ms = excluded.estimate_ms,
			samples = excluded.samples,
			baseline_ms = excluded.baseline_ms,
			stable_count = excluded.stable_count,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare wait store upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for kind, p := range estimates {
		if _, err := stmt.Exec(string(kind),
			p.Estimate.Milliseconds(), p.Samples,
			p.Baseline.Milliseconds(), p.StableCount, now); err != nil {
			return fmt.Errorf("failed to upsert wait estimate %s: %w", kind, err)
		}
	}
	return tx.Commit()
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}
