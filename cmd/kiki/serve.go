package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clawdbot/kiki/internal/api"
	"github.com/clawdbot/kiki/internal/buildinfo"
	"github.com/clawdbot/kiki/internal/connwatch"
	"github.com/clawdbot/kiki/internal/events"
	"github.com/clawdbot/kiki/internal/httpkit"
	"github.com/clawdbot/kiki/internal/llm"
	"github.com/clawdbot/kiki/internal/memory"
	"github.com/clawdbot/kiki/internal/mqtt"
	"github.com/clawdbot/kiki/internal/telegram"
	"github.com/clawdbot/kiki/internal/telephony"
)

const threadSweepInterval = time.Minute

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot: Telegram bridge, operator API, Twilio webhooks and MQTT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// runServe is the primary operating mode. Every long-running component
// runs in one errgroup; the first to fail, a signal, or a storage
// failure reported through OnFatal stops them all.
func runServe(ctx context.Context, opts *options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(opts.stdout, cfg)
	logger.Info("starting Kiki", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "config", cfgPath)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	onFatal := func(err error) {
		logger.Error("storage failure, shutting down", "error", err)
		cancel(err)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	services := connwatch.NewManager(logger)
	defer services.Stop()
	modelURL := cfg.Anthropic.BaseURL
	if modelURL == "" {
		modelURL = llm.DefaultAnthropicURL
	}
	watch(gctx, services, a.events, "anthropic",
		connwatch.HTTPProbe(httpkit.NewClient(httpkit.WithTimeout(10*time.Second)), modelURL))
	if a.mailbox != nil {
		watch(gctx, services, a.events, "imap", a.mailbox.Ping)
	}

	g.Go(func() error {
		return a.threads.Run(gctx, threadSweepInterval)
	})

	var phone *telephony.Handler
	if cfg.Twilio.Configured() {
		phone = telephony.NewHandler(telephony.HandlerConfig{
			Runner:             a.loop,
			Governor:           a.gov,
			Threads:            a.threads,
			Events:             a.events,
			Logger:             logger,
			Name:               cfg.Agent.Name,
			Voice:              cfg.Twilio.Voice,
			AuthToken:          cfg.Twilio.AuthToken,
			PublicURL:          cfg.Twilio.PublicURL,
			ValidateSignatures: cfg.Twilio.ValidateSignatures,
			OnFatal:            onFatal,
		})
		logger.Info("telephony enabled", "number", cfg.Twilio.PhoneNumber, "public_url", cfg.Twilio.PublicURL)
	}

	server := api.NewServer(api.Config{
		Address: cfg.Listen.Address,
		Port:    cfg.Listen.Port,
		Token:   cfg.Listen.Token,
	}, api.Deps{
		Runner:    a.loop,
		Governor:  a.gov,
		Store:     a.store,
		Events:    a.events,
		Telephony: phone,
		Services:  services,
		Logger:    logger,
		OnFatal:   onFatal,
	})
	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	if cfg.Telegram.Configured() {
		var tgOpts []telegram.ClientOption
		if cfg.Telegram.BaseURL != "" {
			tgOpts = append(tgOpts, telegram.WithBaseURL(cfg.Telegram.BaseURL))
		}
		client := telegram.NewClient(cfg.Telegram.Token, logger, tgOpts...)

		meCtx, meCancel := context.WithTimeout(ctx, 15*time.Second)
		me, err := client.GetMe(meCtx)
		meCancel()
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		logger.Info("telegram bot authenticated", "username", me.Username, "admin_id", cfg.Telegram.AdminID)
		watch(gctx, services, a.events, "telegram", func(ctx context.Context) error {
			_, err := client.GetMe(ctx)
			return err
		})

		bridge := telegram.NewBridge(telegram.BridgeConfig{
			Client:      client,
			Runner:      a.loop,
			Governor:    a.gov,
			Store:       a.store,
			Skills:      a.skills,
			Events:      a.events,
			Logger:      logger,
			AdminID:     cfg.Telegram.AdminID,
			RateLimit:   cfg.Telegram.RateLimit,
			PollTimeout: cfg.Telegram.PollTimeout,
			OnFatal:     onFatal,
		})
		g.Go(func() error { return bridge.Start(gctx) })
	} else {
		logger.Info("telegram disabled (no token)")
	}

	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		pub := mqtt.New(cfg.MQTT, instanceID, a.gov, a.events, logger)
		g.Go(func() error {
			err := pub.Start(gctx)

			// Publish "offline" before the connection goes away.
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if stopErr := pub.Stop(stopCtx); stopErr != nil {
				logger.Warn("mqtt shutdown failed", "error", stopErr)
			}
			return err
		})
		logger.Info("mqtt enabled", "broker", cfg.MQTT.Broker, "topic_prefix", cfg.MQTT.TopicPrefix)
	}

	err = g.Wait()
	if cause := context.Cause(ctx); errors.Is(cause, memory.ErrStorage) {
		return fmt.Errorf("stopped after storage failure: %w", cause)
	}
	if err != nil {
		return err
	}
	logger.Info("Kiki stopped")
	return nil
}

// watch starts a reachability watcher that reports transitions on the
// event bus.
func watch(ctx context.Context, m *connwatch.Manager, bus *events.Bus, name string, probe connwatch.ProbeFunc) {
	m.Watch(ctx, connwatch.WatcherConfig{
		Name:  name,
		Probe: probe,
		OnReady: func() {
			bus.Emit(events.SourceConnwatch, events.KindServiceUp, map[string]any{"service": name})
		},
		OnDown: func(err error) {
			bus.Emit(events.SourceConnwatch, events.KindServiceDown, map[string]any{
				"service": name,
				"error":   err.Error(),
			})
		},
	})
}
