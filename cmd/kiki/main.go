// Kiki is a personal assistant bot: a model-driven agent loop with a
// durable memory, reachable over Telegram, the phone and an operator
// HTTP API.
//
// Usage:
//
//	kiki serve                 Run the bot (Telegram, API, Twilio, MQTT)
//	kiki ask <message>         Run one turn from the command line
//	kiki mcp                   Serve the memory store over MCP on stdio
//	kiki stats                 Show brain statistics
//	kiki export [file]         Dump the whole brain as JSON
//	kiki cleanup [--days N]    Archive stale memories, prune old logs
//	kiki gaps [--status s]     List capability gaps
//	kiki init [dir]            Create a working directory with defaults
//	kiki version               Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/clawdbot/kiki/internal/buildinfo"
	"github.com/clawdbot/kiki/internal/config"
)

// main only wires the process environment into run, so the whole
// command surface can be driven from tests.
func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run executes the kiki command line. stdout receives command output and
// logs; stderr receives logs for commands whose stdout is a protocol
// stream (mcp). No package-level state is touched, so tests may call run
// in parallel.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath string
	output     string
	stdout     io.Writer
	stderr     io.Writer
}

func (o *options) json() bool { return o.output == "json" }

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "kiki",
		Short:         "Personal assistant bot with a durable memory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.output != "text" && opts.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		newServeCmd(opts),
		newAskCmd(opts),
		newMCPCmd(opts),
		newStatsCmd(opts),
		newExportCmd(opts),
		newCleanupCmd(opts),
		newGapsCmd(opts),
		newInitCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

func newVersionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVersion(opts.stdout, opts.json())
		},
	}
}

func runVersion(w io.Writer, asJSON bool) error {
	info := buildinfo.Info()
	if asJSON {
		return printJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newLogger creates a structured logger writing to w. Any format other
// than "json" yields text output.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger returns a logger honouring the config's level and
// format. The level was validated by config.Load.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the config file. An explicit path must
// exist; otherwise the default locations are searched.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
