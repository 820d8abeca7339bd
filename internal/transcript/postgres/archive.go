package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/streamcaption/internal/transcript"
	"github.com/MrWong99/streamcaption/pkg/provider/stt"
)

// Entry is one archived final transcript.
type Entry struct {
	SessionID  string
	ResultID   string
	Text       string
	Confidence float64
	Offset     time.Duration
	Duration   time.Duration
	CreatedAt  time.Time
}

// Archive stores final transcripts. All methods are safe for concurrent use.
type Archive struct {
	pool *pgxpool.Pool
}

// NewArchive connects to dsn, pings the server and runs [Migrate].
func NewArchive(ctx context.Context, dsn string) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcript archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript archive: migrate: %w", err)
	}
	return &Archive{pool: pool}, nil
}

// Handler returns a [transcript.Handler] that archives finals under
// sessionID and ignores partials.
func (a *Archive) Handler(sessionID string) transcript.Handler {
	return transcript.FinalsOnly(transcript.HandlerFunc(func(ctx context.Context, t stt.Transcript) error {
		if t.Text == "" {
			return nil
		}
		return a.Write(ctx, sessionID, t)
	}))
}

// Write appends t to the archive under sessionID.
func (a *Archive) Write(ctx context.Context, sessionID string, t stt.Transcript) error {
	const q = `
		INSERT INTO caption_transcripts
		    (session_id, result_id, text, confidence, offset_ns, duration_ns)
		VALUES ($1, $2, $3, $4, $5, $6)`

	start, end := t.Span()
	_, err := a.pool.Exec(ctx, q,
		sessionID,
		t.ResultID,
		t.Text,
		t.Confidence,
		start.Nanoseconds(),
		(end - start).Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("transcript archive: write: %w", err)
	}
	return nil
}

// Session returns all entries for sessionID ordered by stream offset.
func (a *Archive) Session(ctx context.Context, sessionID string) ([]Entry, error) {
	const q = `
		SELECT session_id, result_id, text, confidence, offset_ns, duration_ns, created_at
		FROM   caption_transcripts
		WHERE  session_id = $1
		ORDER  BY offset_ns, id`

	rows, err := a.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript archive: session: %w", err)
	}
	return collectEntries(rows)
}

// Search runs a full-text query over archived text, newest first. limit <= 0
// means no limit.
func (a *Archive) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	q := `
		SELECT session_id, result_id, text, confidence, offset_ns, duration_ns, created_at
		FROM   caption_transcripts
		WHERE  to_tsvector('simple', text) @@ plainto_tsquery('simple', $1)
		ORDER  BY created_at DESC, id DESC`
	args := []any{query}
	if limit > 0 {
		q += "\nLIMIT $2"
		args = append(args, limit)
	}

	rows, err := a.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("transcript archive: search: %w", err)
	}
	return collectEntries(rows)
}

// Ping checks that the database is reachable.
func (a *Archive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// Close releases the connection pool.
func (a *Archive) Close() {
	a.pool.Close()
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e                    Entry
			offsetNS, durationNS int64
		)
		if err := row.Scan(&e.SessionID, &e.ResultID, &e.Text, &e.Confidence, &offsetNS, &durationNS, &e.CreatedAt); err != nil {
			return Entry{}, err
		}
		e.Offset = time.Duration(offsetNS)
		e.Duration = time.Duration(durationNS)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript archive: scan rows: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}
