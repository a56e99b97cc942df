package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clawdbot/kiki/internal/agent"
)

// cliPlatform identifies command-line turns in the conversation log.
const cliPlatform = "cli"

func newAskCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <message>",
		Short: "Run a single turn and print the replies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), opts, strings.Join(args, " "))
		},
	}
}

// runAsk boots the agent without any transport and runs one turn. Logs
// go to stderr at warn level so stdout carries only the replies.
func runAsk(ctx context.Context, opts *options, message string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(opts.stderr, slog.LevelWarn, cfg.LogFormat)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var replies []string
	out, err := a.loop.RunTurn(ctx, message, func(text string) {
		replies = append(replies, text)
		if !opts.json() {
			fmt.Fprintln(opts.stdout, text)
		}
	}, agent.TurnContext{
		Platform: cliPlatform,
		UserID:   cliPlatform + ":operator",
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if opts.json() {
		return printJSON(opts.stdout, map[string]any{
			"request_id": out.RequestID,
			"state":      out.State,
			"reply":      out.Text,
			"messages":   replies,
			"iterations": out.Iterations,
			"tool_calls": out.ToolCalls,
			"elapsed_ms": out.Elapsed.Milliseconds(),
		})
	}
	return nil
}
