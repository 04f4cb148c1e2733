// Package sqlite keeps a local exposure log in a SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/matt-riley/rolloutz/internal/core"
	"github.com/matt-riley/rolloutz/internal/exposure"
)

const schema = `
CREATE TABLE IF NOT EXISTS exposures (
	id          TEXT PRIMARY KEY,
	flag_key    TEXT NOT NULL,
	variant     TEXT NOT NULL DEFAULT '',
	subject_id  TEXT NOT NULL,
	enabled     INTEGER NOT NULL,
	reason      TEXT NOT NULL,
	exposed_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS exposures_flag_key_idx ON exposures (flag_key, exposed_at);
`

// timeLayout has a fixed width so exposed_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is an exposure.BatchWriter backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open creates the database file if needed and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InsertExposures(ctx context.Context, exposures []exposure.Exposure) error {
	if len(exposures) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO exposures (id, flag_key, variant, subject_id, enabled, reason, exposed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
	)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range exposures {
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.FlagKey, e.Variant, e.SubjectID, e.Enabled, string(e.Reason),
			e.Timestamp.UTC().Format(timeLayout),
		); err != nil {
			return fmt.Errorf("insert exposure %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// List returns the most recent exposures for flagKey, newest first. An empty
// flagKey lists every flag.
func (s *Store) List(ctx context.Context, flagKey string, limit int) ([]exposure.Exposure, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, flag_key, variant, subject_id, enabled, reason, exposed_at
		 FROM exposures
		 WHERE ? = '' OR flag_key = ?
		 ORDER BY exposed_at DESC
		 LIMIT ?`,
		flagKey, flagKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query exposures: %w", err)
	}
	defer rows.Close()

	var out []exposure.Exposure
	for rows.Next() {
		var (
			e         exposure.Exposure
			reason    string
			exposedAt string
		)
		if err := rows.Scan(&e.ID, &e.FlagKey, &e.Variant, &e.SubjectID, &e.Enabled, &reason, &exposedAt); err != nil {
			return nil, fmt.Errorf("scan exposure: %w", err)
		}
		e.Reason = core.Reason(reason)
		e.Timestamp, err = time.Parse(timeLayout, exposedAt)
		if err != nil {
			return nil, fmt.Errorf("parse exposed_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
