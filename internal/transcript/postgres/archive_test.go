package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/streamcaption/internal/transcript/postgres"
	"github.com/MrWong99/streamcaption/pkg/provider/stt"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if STREAMCAPTION_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("STREAMCAPTION_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STREAMCAPTION_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestArchive(t *testing.T) *postgres.Archive {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS caption_transcripts CASCADE"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	a, err := postgres.NewArchive(ctx, dsn)
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestNewArchive_BadDSN(t *testing.T) {
	if _, err := postgres.NewArchive(context.Background(), "://not a dsn"); err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}

func TestArchive_HandlerStoresFinalsOnly(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	h := a.Handler("sess-1")

	for _, tr := range []stt.Transcript{
		{Text: "par", Timestamp: time.Second},
		{Text: "second", IsFinal: true, Timestamp: 3 * time.Second, Duration: time.Second},
		{Text: "first", IsFinal: true, Timestamp: time.Second, Duration: 500 * time.Millisecond, ResultID: "r1", Confidence: 0.9},
		{Text: "", IsFinal: true},
	} {
		if err := h.Handle(ctx, tr); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}

	got, err := a.Session(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[0].Text != "first" || got[0].ResultID != "r1" || got[0].Offset != time.Second || got[0].Duration != 500*time.Millisecond {
		t.Errorf("entry[0] = %+v", got[0])
	}
	if got[1].Text != "second" {
		t.Errorf("entry[1] = %+v", got[1])
	}

	other, err := a.Session(ctx, "sess-2")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("other session entries = %d, want 0", len(other))
	}
}

func TestArchive_Search(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	_ = a.Write(ctx, "s", stt.Transcript{Text: "weather report for tomorrow", IsFinal: true})
	_ = a.Write(ctx, "s", stt.Transcript{Text: "traffic update", IsFinal: true})

	got, err := a.Search(ctx, "weather", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Text != "weather report for tomorrow" {
		t.Errorf("Search = %+v", got)
	}
}
