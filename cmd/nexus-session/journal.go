package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/nexus-session/internal/journal/sqlite"
)

var journalCmd = &cobra.Command{
	Use:   "journal SESSION_ID",
	Short: "Print the journaled telemetry and transitions of a session",
	Long: `Reads the SQLite journal configured by journal.sqlite.path and prints
one JSON record per line, in arrival order.`,
	Args: cobra.ExactArgs(1),
	RunE: printJournal,
}

func printJournal(cmd *cobra.Command, args []string) error {
	cfg, _, cleanup, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.Journal.Type != "sqlite" {
		return errors.New("journal is only readable with journal.type=sqlite")
	}
	if _, err := os.Stat(cfg.Journal.SQLite.Path); err != nil {
		return fmt.Errorf("journal not found: %w", err)
	}

	store, err := sqlite.New(cfg.Journal.SQLite.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Events(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no records for session %s", args[0])
	}

	enc := json.NewEncoder(os.Stdout)
	for _, rec := range records {
		// Malformed frames are journaled verbatim; print them as strings.
		if len(rec.Payload) > 0 && !json.Valid(rec.Payload) {
			quoted, _ := json.Marshal(string(rec.Payload))
			rec.Payload = quoted
		}
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}
