package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/streamcaption/internal/config"
	"github.com/MrWong99/streamcaption/internal/transcript"
	"github.com/MrWong99/streamcaption/internal/transcript/postgres"
)

// transcriptsFlags selects what the transcripts command reads from the
// archive.
type transcriptsFlags struct {
	session string
	search  string
	dsn     string
	limit   int
}

func newTranscriptsCmd(configPath *string) *cobra.Command {
	var tf transcriptsFlags

	cmd := &cobra.Command{
		Use:   "transcripts",
		Short: "Print archived transcripts of a session or search all sessions",
		Example: `  streamcaption transcripts --session session-live-20260101T200000Z
  streamcaption transcripts --search "weather warning" --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (tf.session == "") == (tf.search == "") {
				return errors.New("exactly one of --session or --search is required")
			}
			dsn := tf.dsn
			if dsn == "" {
				var err error
				if dsn, err = archiveDSN(*configPath); err != nil {
					return err
				}
			}

			arch, err := postgres.NewArchive(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer arch.Close()

			var entries []postgres.Entry
			if tf.session != "" {
				entries, err = arch.Session(cmd.Context(), tf.session)
			} else {
				entries, err = arch.Search(cmd.Context(), tf.search, tf.limit)
			}
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries, tf.session == "")
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&tf.session, "session", "", "print every final transcript of this session")
	fl.StringVar(&tf.search, "search", "", "full-text search across all sessions, newest first")
	fl.StringVar(&tf.dsn, "dsn", "", "PostgreSQL DSN (default: output.postgres_dsn from the config file)")
	fl.IntVar(&tf.limit, "limit", 50, "maximum search results, 0 for all")
	return cmd
}

// archiveDSN reads output.postgres_dsn from the config file without
// validating the rest of it.
func archiveDSN(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	cfg, err := config.Decode(f)
	if err != nil {
		return "", err
	}
	if cfg.Output.PostgresDSN == "" {
		return "", fmt.Errorf("%s: output.postgres_dsn is not set and --dsn was not given", path)
	}
	return cfg.Output.PostgresDSN, nil
}

// printEntries writes one "[offset] text" line per entry, prefixed with the
// session id when entries span sessions.
func printEntries(w io.Writer, entries []postgres.Entry, withSession bool) error {
	for _, e := range entries {
		var err error
		if withSession {
			_, err = fmt.Fprintf(w, "%s [%s] %s\n", e.SessionID, transcript.FormatSRTTime(e.Offset), e.Text)
		} else {
			_, err = fmt.Fprintf(w, "[%s] %s\n", transcript.FormatSRTTime(e.Offset), e.Text)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
