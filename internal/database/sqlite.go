package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // driver: sqlite
)

// sqliteSchema mirrors the attempts table of the PostgreSQL migrations.
// Timestamps are unix milliseconds, JSON columns are TEXT.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS attempts (
  id TEXT PRIMARY KEY,
  exam_definition_id TEXT NOT NULL,
  candidate_id TEXT NOT NULL,
  attempt_date TEXT NOT NULL,
  started_at INTEGER,
  deadline_at INTEGER,
  finished_at INTEGER,
  checkpointed_at INTEGER,
  score INTEGER NOT NULL DEFAULT 0,
  total_questions INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  answer_records TEXT NOT NULL,
  freeform_note TEXT,
  created_at INTEGER NOT NULL,
  UNIQUE (exam_definition_id, candidate_id, attempt_date)
);

CREATE INDEX IF NOT EXISTS idx_attempts_in_progress_deadline
  ON attempts (status, deadline_at);
`

// OpenSQLite opens an embedded attempt database and ensures its schema.
// SQLite allows one writer, so the pool is limited to a single connection.
func OpenSQLite(ctx context.Context, dsn string, log zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}

	log.Info().Str("dsn", dsn).Msg("SQLite attempt store opened")
	return db, nil
}
