// Package store is the orchestrator's sole persistence layer: one SQLite
// database holding sub-band discovery state, the group task queue, the
// measurement-set index, the calibration registry, image and mosaic
// records, and pointing history (spec §4.1). It is grounded on the
// teacher's internal/db.DB — a thin *sql.DB wrapper with WAL pragmas and
// golang-migrate-driven schema migrations — trimmed of the teacher's
// legacy-schema-detection machinery, which has no analog in a project with
// no pre-migration installed base.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var SchemaSQL string

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a *sql.DB opened against the orchestrator's SQLite database.
type Store struct {
	*sql.DB
}

// Open opens (creating if absent) the SQLite database at path, applies the
// WAL/concurrency pragmas, and runs all pending migrations. The
// _txlock=immediate connection option makes every transaction this
// store begins a BEGIN IMMEDIATE: the write lock is taken at BEGIN time,
// so two concurrent group acquisitions serialize at the transaction
// boundary instead of both reading the same row before either writes —
// the SQLite stand-in for SELECT ... FOR UPDATE.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{DB: db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// applyPragmas sets the pragmas every connection needs: WAL journaling so
// readers never block the single writer, a busy timeout so lock
// contention waits instead of failing immediately, and an in-memory temp
// store for the query planner's scratch space.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("store: apply pragma %q: %w", p, err)
		}
	}
	return nil
}

// WithTx runs fn inside a single immediate transaction (BEGIN IMMEDIATE
// via the connection's _txlock option — see Open), committing on a nil
// return and rolling back otherwise. Every multi-statement mutation in
// this package goes through WithTx rather than holding a connection open
// across calls.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	return err
}
