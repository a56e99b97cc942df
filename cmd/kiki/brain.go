package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/clawdbot/kiki/internal/memory"
)

// withStore opens the memory database for a maintenance command. Logs
// go to stderr so stdout stays clean for the command's output.
func withStore(opts *options, fn func(ctx context.Context, store *memory.Store) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig(opts.configPath)
		if err != nil {
			return err
		}
		store, err := openStore(cfg, newLogger(opts.stderr, slog.LevelWarn, cfg.LogFormat))
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(cmd.Context(), store)
	}
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show brain statistics",
		Args:  cobra.NoArgs,
		RunE: withStore(opts, func(ctx context.Context, store *memory.Store) error {
			st, err := store.GetStats(ctx)
			if err != nil {
				return err
			}
			if opts.json() {
				return printJSON(opts.stdout, st)
			}
			printStats(opts.stdout, st)
			return nil
		}),
	}
}

func printStats(w io.Writer, st *memory.Stats) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Brain version:\t%d\n", st.BrainVersion)
	fmt.Fprintf(tw, "Memories:\t%d (%d archived)\n", st.Memories, st.ArchivedMemories)
	fmt.Fprintf(tw, "Conversations:\t%d\n", st.Conversations)
	fmt.Fprintf(tw, "Errors:\t%d\n", st.Errors)
	fmt.Fprintf(tw, "Users:\t%d\n", st.Users)
	fmt.Fprintf(tw, "Open gaps:\t%d\n", st.OpenGaps)
	fmt.Fprintf(tw, "Size:\t%s\n", humanize.Bytes(uint64(st.SizeBytes)))

	types := make([]string, 0, len(st.MemoryTypes))
	for t := range st.MemoryTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(tw, "  %s:\t%d\n", t, st.MemoryTypes[t])
	}
	tw.Flush()
}

func newExportCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export [file]",
		Short: "Write the whole brain as JSON to a file or stdout",
		Args:  cobra.MaximumNArgs(1),
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		return withStore(opts, func(ctx context.Context, store *memory.Store) error {
			ex, err := store.Export(ctx)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				return printJSON(opts.stdout, ex)
			}
			f, err := os.OpenFile(args[0], os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return fmt.Errorf("create export file: %w", err)
			}
			if err := printJSON(f, ex); err != nil {
				f.Close()
				return fmt.Errorf("write export: %w", err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Fprintf(opts.stdout, "Exported %d memories, %d conversations and %d gaps to %s\n",
				len(ex.Memories), len(ex.Conversations), len(ex.Gaps), args[0])
			return nil
		})(c, args)
	}
	return cmd
}

func newCleanupCmd(opts *options) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Archive stale low-importance memories and prune old conversation logs",
		Args:  cobra.NoArgs,
		RunE: withStore(opts, func(ctx context.Context, store *memory.Store) error {
			res, err := store.Cleanup(ctx, memory.CleanupOptions{OlderThanDays: days})
			if err != nil {
				return err
			}
			if opts.json() {
				return printJSON(opts.stdout, res)
			}
			fmt.Fprintf(opts.stdout, "Archived %d memories, deleted %d conversation entries older than %d days.\n",
				res.Archived, res.ConversationsDeleted, days)
			return nil
		}),
	}
	cmd.Flags().IntVar(&days, "days", 90, "age threshold in days")
	return cmd
}

func newGapsCmd(opts *options) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "gaps",
		Short: "List capability gaps",
		Args:  cobra.NoArgs,
		RunE: withStore(opts, func(ctx context.Context, store *memory.Store) error {
			filter := status
			switch {
			case filter == "all":
				filter = ""
			case !memory.ValidGapStatus(filter):
				return fmt.Errorf("unknown status %q (valid: open, building, done, wont_fix, all)", status)
			}
			gaps, err := store.ListGaps(ctx, filter)
			if err != nil {
				return err
			}
			if opts.json() {
				if gaps == nil {
					gaps = []memory.CapabilityGap{}
				}
				return printJSON(opts.stdout, gaps)
			}
			printGaps(opts.stdout, gaps)
			return nil
		}),
	}
	cmd.Flags().StringVar(&status, "status", memory.GapOpen, "filter by status (open, building, done, wont_fix, all)")
	return cmd
}

func printGaps(w io.Writer, gaps []memory.CapabilityGap) {
	if len(gaps) == 0 {
		fmt.Fprintln(w, "No capability gaps.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tCREATED\tREQUEST")
	for _, g := range gaps {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", g.ID, g.Status, g.Priority, humanize.Time(g.CreatedAt), g.Request)
	}
	tw.Flush()
}
