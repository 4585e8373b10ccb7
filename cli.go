package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/breez/feedback-ledger/enrich"
	"github.com/breez/feedback-ledger/ledger"
	"github.com/breez/feedback-ledger/remote"
	"github.com/breez/feedback-ledger/store"
)

var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "List the recorded changes, oldest first",
	Long: `List the changes held in the configured ledger.

Run it against a stopped server or a database backend: the json backend is
read once at startup and a running server overwrites it on every mutation.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, closeStorage, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer closeStorage()

		l := ledger.New(storage, ledger.WithLogger(logger))
		l.Load(cmd.Context())
		return printChanges(cmd.OutOrStdout(), l.List())
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <change-id>",
	Short: "Roll back one recorded change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, closeStorage, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer closeStorage()

		l := ledger.New(storage, ledger.WithLogger(logger))
		l.Load(cmd.Context())
		result, err := ledger.NewRollbacker(l, newRemoteClient(cfg, logger)).Rollback(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := l.Flush(cmd.Context()); err != nil {
			return fmt.Errorf("change rolled back remotely but the ledger could not be saved: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Rolled back: %s\n", result.Change.Describe())
		if result.NewRemoteID != "" {
			fmt.Fprintf(out, "Note re-created as %s\n", result.NewRemoteID)
		}
		return nil
	},
}

var notesCmd = &cobra.Command{
	Use:   "notes",
	Short: "List notes with their company names",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newRemoteClient(cfg, logger)
		response, err := client.ListNotes(cmd.Context())
		if err != nil {
			return err
		}
		enriched, err := enrich.NewEnricher(client, enrich.WithLogger(logger)).EnrichNotes(cmd.Context(), response)
		if err != nil {
			return err
		}
		return printNotes(cmd.OutOrStdout(), enriched)
	},
}

func printChanges(w io.Writer, changes []store.Change) error {
	if len(changes) == 0 {
		_, err := fmt.Fprintln(w, "No changes recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tTIME\tNOTE\tDESCRIPTION")
	for _, c := range changes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Type, c.Timestamp.Format(time.RFC3339), orDash(c.RemoteID), c.Describe())
	}
	return tw.Flush()
}

type noteRow struct {
	ID      json.RawMessage `json:"id"`
	Title   string          `json:"title"`
	Company any             `json:"company"`
	Tags    []any           `json:"tags"`
}

func printNotes(w io.Writer, envelope store.Document) error {
	data, err := remote.Unwrap(envelope)
	if err != nil {
		return err
	}
	var notes []noteRow
	if err := data.Decode(&notes); err != nil {
		return fmt.Errorf("failed to decode notes: %w", err)
	}
	if len(notes) == 0 {
		_, err := fmt.Fprintln(w, "No notes")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tCOMPANY\tTAGS")
	for _, n := range notes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", orDash(rawID(n.ID)), orDash(n.Title), enrich.CompanyName(n.Company), tagList(n.Tags))
	}
	return tw.Flush()
}

func tagList(tags []any) string {
	names := make([]string, 0, len(tags))
	for _, t := range tags {
		switch v := t.(type) {
		case string:
			names = append(names, v)
		case map[string]any:
			if name, ok := v["name"].(string); ok {
				names = append(names, name)
			}
		}
	}
	return orDash(strings.Join(names, ", "))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// rawID renders a string or numeric JSON id.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
