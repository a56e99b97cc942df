package main

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/clawdbot/kiki/internal/mcpserver"
)

func newMCPCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the memory store over MCP on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMCP(cmd, opts)
		},
	}
}

// runMCP speaks MCP on stdio until the client disconnects. stdout is the
// protocol stream, so logs go to stderr.
func runMCP(cmd *cobra.Command, opts *options) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(opts.stderr, cfg)

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := mcpserver.New(mcpserver.Deps{Store: store, Name: cfg.Agent.Name})
	stdio := server.NewStdioServer(srv)

	logger.Info("mcp server ready", "database", cfg.DatabasePath())
	err = stdio.Listen(cmd.Context(), cmd.InOrStdin(), opts.stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
