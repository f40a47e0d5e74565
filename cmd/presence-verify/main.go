// Command presence-verify checks the persisted presence documents for schema
// and consistency problems without starting the service.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/PetoAdam/homenavi/serial-presence/internal/history"
	"github.com/PetoAdam/homenavi/serial-presence/internal/identity"
	"github.com/PetoAdam/homenavi/serial-presence/internal/stats"
	"github.com/PetoAdam/homenavi/serial-presence/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var dataDir string
	var sqlitePath string
	var maxHistory int

	cmd := &cobra.Command{
		Use:           "presence-verify",
		Short:         "Check persisted presence documents for schema and consistency problems",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := openBackend(dataDir, sqlitePath)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "ERROR: %v\n", err)
				return err
			}
			if failures := verify(cmd.Context(), backend, maxHistory, cmd.ErrOrStderr()); failures > 0 {
				return fmt.Errorf("%d verification failures", failures)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK: presence data verification passed")
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory holding the JSON documents")
	cmd.Flags().StringVar(&sqlitePath, "sqlite", "", "Read documents from this sqlite database instead of data-dir")
	cmd.Flags().IntVar(&maxHistory, "max-history", history.DefaultMaxEntries, "Configured history bound")
	return cmd
}

func openBackend(dataDir, sqlitePath string) (store.Backend, error) {
	if strings.TrimSpace(sqlitePath) == "" {
		return store.NewFileBackend(dataDir), nil
	}
	db, err := store.OpenSQLite(sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return store.NewDBBackend(db)
}

func verify(ctx context.Context, b store.Backend, maxHistory int, out io.Writer) int {
	failures := 0
	fail := func(format string, args ...any) {
		failures++
		fmt.Fprintf(out, "ERROR: "+format+"\n", args...)
	}
	warn := func(format string, args ...any) {
		fmt.Fprintf(out, "WARN: "+format+"\n", args...)
	}
	checkKey := func(where, key string) {
		if canon, changed := identity.Canonicalize(key); changed {
			warn("%s: legacy key %q will be migrated to %q", where, key, canon)
		}
	}

	var records map[string]store.DeviceRecord
	if ok, err := store.LoadDocument(ctx, b, store.DocRecords, &records); err != nil {
		fail("records: %v", err)
	} else if !ok {
		warn("records: document missing, service will start empty")
	}
	ids := map[int]string{}
	for key, rec := range records {
		checkKey("records", key)
		if rec.ID == nil {
			if rec.Installed {
				warn("records: %s is installed without an id", key)
			}
			continue
		}
		if *rec.ID <= 0 {
			fail("records: %s has non-positive id %d", key, *rec.ID)
			continue
		}
		if other, dup := ids[*rec.ID]; dup {
			fail("records: id %d is held by both %s and %s", *rec.ID, other, key)
			continue
		}
		ids[*rec.ID] = key
	}

	var events []history.Event
	if _, err := store.LoadDocument(ctx, b, store.DocHistory, &events); err != nil {
		fail("history: %v", err)
	}
	if len(events) > maxHistory {
		warn("history: %d entries exceed the bound of %d, oldest will be dropped on load", len(events), maxHistory)
	}
	for i, e := range events {
		checkKey("history", e.Key)
		if i > 0 && e.Time.Before(events[i-1].Time) {
			warn("history: entry %d is older than the entry before it", i)
		}
	}

	var ports map[string]stats.PortStat
	if _, err := store.LoadDocument(ctx, b, store.DocPortStats, &ports); err != nil {
		fail("port_stats: %v", err)
	}
	for port, st := range ports {
		if !st.FirstSeen.IsZero() && st.LastSeen.Before(st.FirstSeen) {
			fail("port_stats: %s last_seen precedes first_seen", port)
		}
		for _, key := range st.Devices {
			checkKey("port_stats "+port, key)
		}
	}
	return failures
}
