package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/streamcaption/internal/transcript/postgres"
	"github.com/MrWong99/streamcaption/pkg/provider/stt"
)

func TestTranscriptsCommand_RequiresOneSelector(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{
		{"transcripts"},
		{"transcripts", "--session", "a", "--search", "b"},
	} {
		cmd := newRootCmd()
		cmd.SetArgs(args)
		err := cmd.Execute()
		if err == nil || !strings.Contains(err.Error(), "exactly one of") {
			t.Errorf("%v: error = %v, want selector error", args, err)
		}
	}
}

func TestTranscriptsCommand_NoDSN(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "capture:\n  kind: device\n")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"transcripts", "--config", path, "--session", "s1"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "postgres_dsn") {
		t.Fatalf("error = %v, want missing postgres_dsn", err)
	}
}

func TestArchiveDSN(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "output:\n  postgres_dsn: postgres://captions@db/archive\n")
	dsn, err := archiveDSN(path)
	if err != nil {
		t.Fatalf("archiveDSN: %v", err)
	}
	if dsn != "postgres://captions@db/archive" {
		t.Errorf("dsn = %q", dsn)
	}

	if _, err := archiveDSN(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing config file")
	}
}

func TestPrintEntries(t *testing.T) {
	t.Parallel()

	entries := []postgres.Entry{
		{SessionID: "s1", Text: "good evening", Offset: 1500 * time.Millisecond},
		{SessionID: "s2", Text: "and welcome", Offset: 62 * time.Second},
	}

	var buf bytes.Buffer
	if err := printEntries(&buf, entries, false); err != nil {
		t.Fatal(err)
	}
	if want := "[00:00:01,500] good evening\n[00:01:02,000] and welcome\n"; buf.String() != want {
		t.Errorf("session output = %q, want %q", buf.String(), want)
	}

	buf.Reset()
	if err := printEntries(&buf, entries, true); err != nil {
		t.Fatal(err)
	}
	if want := "s1 [00:00:01,500] good evening\ns2 [00:01:02,000] and welcome\n"; buf.String() != want {
		t.Errorf("search output = %q, want %q", buf.String(), want)
	}
}

func TestTranscriptsCommand_ReadsArchive(t *testing.T) {
	dsn := os.Getenv("STREAMCAPTION_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STREAMCAPTION_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	ctx := context.Background()
	arch, err := postgres.NewArchive(ctx, dsn)
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}
	defer arch.Close()

	session := fmt.Sprintf("cli-%d", time.Now().UnixNano())
	for i, text := range []string{"first line", "second line"} {
		tr := stt.Transcript{Text: text, IsFinal: true, Timestamp: time.Duration(i) * time.Second}
		if err := arch.Write(ctx, session, tr); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"transcripts", "--dsn", dsn, "--session", session})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if want := "[00:00:00,000] first line\n[00:00:01,000] second line\n"; out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}
