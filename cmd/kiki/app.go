package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql

	"github.com/clawdbot/kiki/internal/agent"
	"github.com/clawdbot/kiki/internal/config"
	"github.com/clawdbot/kiki/internal/email"
	"github.com/clawdbot/kiki/internal/events"
	"github.com/clawdbot/kiki/internal/fetch"
	"github.com/clawdbot/kiki/internal/governor"
	"github.com/clawdbot/kiki/internal/llm"
	"github.com/clawdbot/kiki/internal/memory"
	"github.com/clawdbot/kiki/internal/skills"
	"github.com/clawdbot/kiki/internal/telephony"
	"github.com/clawdbot/kiki/internal/thread"
	"github.com/clawdbot/kiki/internal/tools"
)

// app holds the components shared by serve and ask.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *memory.Store
	gov     *governor.Governor
	threads *thread.Cache
	events  *events.Bus
	skills  *skills.Loader
	tools   *tools.Registry
	twilio  *telephony.Client
	mailbox *email.Client
	loop    *agent.Loop
}

// openStore opens the memory database under the data directory.
func openStore(cfg *config.Config, logger *slog.Logger) (*memory.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	store, err := memory.Open(cfg.DatabasePath(), memory.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open memory database %s: %w", cfg.DatabasePath(), err)
	}
	return store, nil
}

// newApp builds the agent loop and everything it depends on. Close
// releases the database and mailbox connections.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if !cfg.Anthropic.Configured() {
		return nil, fmt.Errorf("anthropic.api_key is required")
	}

	persona, err := loadPersona(cfg.Agent.PersonaFile)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		gov:    governor.New(governor.Config{DailyLimit: cfg.Governor.DailyLimit}),
		threads: thread.New(thread.Config{
			MaxLength:  cfg.Agent.ThreadLength,
			Timeout:    cfg.Agent.ThreadTimeout,
			MaxThreads: cfg.Agent.MaxThreads,
		}),
		events: events.New(),
		skills: skills.NewLoader(cfg.Agent.SkillsDir, logger),
	}
	if err := os.MkdirAll(cfg.Agent.SkillsDir, 0o755); err != nil {
		store.Close()
		return nil, fmt.Errorf("create skills directory %s: %w", cfg.Agent.SkillsDir, err)
	}

	a.tools = a.buildTools()

	var llmOpts []llm.AnthropicOption
	if cfg.Anthropic.BaseURL != "" {
		llmOpts = append(llmOpts, llm.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	a.loop = agent.New(agent.Config{
		Name:               cfg.Agent.Name,
		Persona:            persona,
		MaxIterations:      cfg.Agent.MaxIterations,
		MaxToolResultChars: cfg.Agent.MaxToolResultChars,
		RecentMemories:     cfg.Agent.RecentMemories,
		RelevantMemories:   cfg.Agent.RelevantMemories,
		RecentErrors:       cfg.Agent.RecentErrors,
		MaxTokens:          cfg.Anthropic.MaxTokens,
		Models: agent.FirstThenFollowup{
			First:    cfg.Anthropic.Model,
			Followup: cfg.Anthropic.FollowupModel,
		},
	}, agent.Deps{
		LLM:      llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger, llmOpts...),
		Tools:    a.tools,
		Store:    store,
		Governor: a.gov,
		Threads:  a.threads,
		Skills:   a.skills,
		Events:   a.events,
		Logger:   logger,
	})

	logger.Info("agent ready",
		"name", cfg.Agent.Name,
		"model", cfg.Anthropic.Model,
		"followup_model", cfg.Anthropic.FollowupModel,
		"daily_limit", cfg.Governor.DailyLimit,
		"tools", a.tools.Names(),
	)
	return a, nil
}

// buildTools registers every configured effector.
func (a *app) buildTools() *tools.Registry {
	cfg := a.cfg
	reg := tools.NewRegistry(a.logger)

	reg.RegisterMemory(a.store)

	if cfg.ShellExec.Enabled {
		reg.RegisterShell(tools.NewShellExec(tools.ShellExecConfig{
			WorkingDir:      cfg.ShellExec.WorkingDir,
			AllowedPrefixes: cfg.ShellExec.AllowedPrefixes,
			DeniedPatterns:  cfg.ShellExec.DeniedPatterns,
			Timeout:         time.Duration(cfg.ShellExec.TimeoutSec) * time.Second,
		}))
	}

	if cfg.AppleScript.Enabled {
		if runtime.GOOS == "darwin" {
			reg.RegisterAppleScript(tools.NewAppleScript(time.Duration(cfg.AppleScript.TimeoutSec) * time.Second))
		} else {
			a.logger.Warn("applescript enabled but host is not macOS, skipping", "os", runtime.GOOS)
		}
	}

	if cfg.Workspace.Path != "" {
		reg.RegisterFiles(tools.NewFileTools(cfg.Workspace.Path))
	}

	if cfg.Fetch.Enabled {
		reg.RegisterFetch(fetch.New(fetch.WithMaxBytes(int64(cfg.Fetch.MaxBytes))))
	}

	var (
		mailbox email.Mailbox
		mailer  email.Mailer
	)
	if cfg.Email.IMAP.Configured() {
		a.mailbox = email.NewClient(email.IMAPConfig{
			Host:     cfg.Email.IMAP.Host,
			Port:     cfg.Email.IMAP.Port,
			Username: cfg.Email.IMAP.Username,
			Password: cfg.Email.IMAP.Password,
			TLS:      cfg.Email.IMAP.Port != 143,
			Mailbox:  cfg.Email.IMAP.Mailbox,
		}, a.logger)
		mailbox = a.mailbox
	}
	if cfg.Email.SMTP.Configured() {
		mailer = email.NewSender(email.SMTPConfig{
			Host:     cfg.Email.SMTP.Host,
			Port:     cfg.Email.SMTP.Port,
			Username: cfg.Email.SMTP.Username,
			Password: cfg.Email.SMTP.Password,
			StartTLS: cfg.Email.SMTP.StartTLS,
		}, cfg.Email.From)
	}
	reg.RegisterEmail(email.NewTools(mailbox, mailer))

	if cfg.Twilio.Configured() {
		a.twilio = telephony.NewClient(telephony.ClientConfig{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			From:       cfg.Twilio.PhoneNumber,
			Voice:      cfg.Twilio.Voice,
			PublicURL:  cfg.Twilio.PublicURL,
			BaseURL:    cfg.Twilio.BaseURL,
			Logger:     a.logger,
		})
		reg.RegisterPhone(a.twilio)
	}

	return reg
}

// Close releases the app's connections.
func (a *app) Close() {
	if a.mailbox != nil {
		if err := a.mailbox.Close(); err != nil {
			a.logger.Debug("imap close failed", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("memory database close failed", "error", err)
	}
}

// loadPersona reads the persona file. An empty path means no persona.
func loadPersona(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read persona file: %w", err)
	}
	return string(data), nil
}
