// Package postgres archives final transcripts in PostgreSQL.
//
// Usage:
//
//	archive, err := postgres.NewArchive(ctx, dsn)
//	if err != nil { … }
//	defer archive.Close()
//
//	handler := archive.Handler(sessionID)
//	entries, _ := archive.Session(ctx, sessionID)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS caption_transcripts (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    result_id    TEXT         NOT NULL DEFAULT '',
    text         TEXT         NOT NULL,
    confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
    offset_ns    BIGINT       NOT NULL DEFAULT 0,
    duration_ns  BIGINT       NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_caption_transcripts_session
    ON caption_transcripts (session_id, offset_ns);

CREATE INDEX IF NOT EXISTS idx_caption_transcripts_fts
    ON caption_transcripts USING GIN (to_tsvector('simple', text));
`

// Migrate creates the transcript table and indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscripts); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
