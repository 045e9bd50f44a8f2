// Package store persists per-edge build fingerprints between runs.
//
// The rest of the system treats the store as an opaque keyed map: the
// loader reads everything into memory at startup, and the scheduler
// writes one record after each successful task. SQLite (WAL mode) keeps
// the write path cheap and survives interrupted builds.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/girder/internal/hash"
)

//go:embed schema.sql
var schemaSQL string

// keySeparator joins output paths into an edge key. Same byte as the
// signature engine's group separator; cannot appear in a path.
const keySeparator = "\x1f"

// EdgeKey derives the store key for an edge from its output paths, in
// declaration order. Output sets uniquely identify an edge within a
// graph, so the key is stable across runs of the same manifest.
func EdgeKey(outputs []string) string {
	return strings.Join(outputs, keySeparator)
}

// Record is the persisted state of one edge.
type Record struct {
	// Fingerprint is the signature computed after the edge last ran.
	Fingerprint hash.Fingerprint

	// Discovered lists the dependency paths the last run reported, in
	// reported order.
	Discovered []string
}

// Store is a fingerprint database handle.
type Store struct {
	db *sql.DB
}

// Open creates or opens the fingerprint database at path.
//
// The database is configured with WAL journaling, NORMAL synchronous
// mode, a 5-second busy timeout, and foreign key enforcement. SQLite
// allows only one writer, so the pool is capped at a single connection.
// Open is idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open fingerprint database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect fingerprint database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure fingerprint database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply fingerprint schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// LoadAll reads every persisted record into memory, keyed by edge key.
// Called once per load pass; the result is read-only for the rest of the
// pass.
func (s *Store) LoadAll(ctx context.Context) (map[string]Record, error) {
	records := make(map[string]Record)

	rows, err := s.db.QueryContext(ctx, `SELECT key, fingerprint FROM edges`)
	if err != nil {
		return nil, fmt.Errorf("load fingerprints: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var fp int64
		if err := rows.Scan(&key, &fp); err != nil {
			return nil, fmt.Errorf("load fingerprints: %w", err)
		}
		records[key] = Record{Fingerprint: hash.Fingerprint(uint64(fp))}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load fingerprints: %w", err)
	}

	deps, err := s.db.QueryContext(ctx,
		`SELECT edge_key, path FROM discovered_deps ORDER BY edge_key, ord`)
	if err != nil {
		return nil, fmt.Errorf("load discovered deps: %w", err)
	}
	defer deps.Close()
	for deps.Next() {
		var key, path string
		if err := deps.Scan(&key, &path); err != nil {
			return nil, fmt.Errorf("load discovered deps: %w", err)
		}
		rec, ok := records[key]
		if !ok {
			// Orphaned row from an interrupted write; skip it.
			continue
		}
		rec.Discovered = append(rec.Discovered, path)
		records[key] = rec
	}
	if err := deps.Err(); err != nil {
		return nil, fmt.Errorf("load discovered deps: %w", err)
	}
	return records, nil
}

// PutEdge records the fingerprint and discovered deps for one edge,
// replacing any earlier record. The fingerprint row and the dependency
// rows are written in one transaction so a crash cannot leave a
// fingerprint paired with a stale dependency list.
func (s *Store) PutEdge(ctx context.Context, key string, fp hash.Fingerprint, discovered []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record edge: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO edges (key, fingerprint) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET fingerprint = excluded.fingerprint
	`, key, int64(uint64(fp)))
	if err != nil {
		return fmt.Errorf("record edge: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM discovered_deps WHERE edge_key = ?`, key); err != nil {
		return fmt.Errorf("record edge deps: %w", err)
	}
	for ord, path := range discovered {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO discovered_deps (edge_key, ord, path) VALUES (?, ?, ?)`,
			key, ord, path)
		if err != nil {
			return fmt.Errorf("record edge deps: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record edge: %w", err)
	}
	return nil
}
