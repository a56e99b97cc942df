// Package config handles Kiki configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/kiki/config.yaml,
// /etc/kiki/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kiki", "config.yaml"))
	}

	paths = append(paths, "/etc/kiki/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing entry of DefaultSearchPaths is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Kiki configuration.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json

	Anthropic   AnthropicConfig   `yaml:"anthropic"`
	Agent       AgentConfig       `yaml:"agent"`
	Governor    GovernorConfig    `yaml:"governor"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Twilio      TwilioConfig      `yaml:"twilio"`
	Email       EmailConfig       `yaml:"email"`
	ShellExec   ShellExecConfig   `yaml:"shell_exec"`
	AppleScript AppleScriptConfig `yaml:"applescript"`
	Workspace   WorkspaceConfig   `yaml:"workspace"`
	Fetch       FetchConfig       `yaml:"fetch"`
	Listen      ListenConfig      `yaml:"listen"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
}

// AnthropicConfig defines model API settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// Model is used for the first model call of a turn.
	Model string `yaml:"model"`
	// FollowupModel is used for every later call in the same turn.
	// Empty means Model is used throughout.
	FollowupModel string `yaml:"followup_model"`
	MaxTokens     int    `yaml:"max_tokens"`
}

// Configured reports whether a model API key is present.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// AgentConfig tunes the agent loop and the context it injects.
type AgentConfig struct {
	MaxIterations      int           `yaml:"max_iterations"`
	MaxToolResultChars int           `yaml:"max_tool_result_chars"`
	RecentMemories     int           `yaml:"recent_memories"`
	RelevantMemories   int           `yaml:"relevant_memories"`
	RecentErrors       int           `yaml:"recent_errors"`
	ThreadLength       int           `yaml:"thread_length"`
	ThreadTimeout      time.Duration `yaml:"thread_timeout"`
	MaxThreads         int           `yaml:"max_threads"`
	Name               string        `yaml:"name"`
	PersonaFile        string        `yaml:"persona_file"`
	SkillsDir          string        `yaml:"skills_dir"`
}

// GovernorConfig defines the daily model-call quota.
type GovernorConfig struct {
	DailyLimit int `yaml:"daily_limit"`
}

// TelegramConfig defines the Telegram bot bridge.
type TelegramConfig struct {
	Token string `yaml:"token"`
	// AdminID restricts operator commands and conversations to one
	// Telegram user id. Empty means everyone is treated as admin.
	AdminID     string        `yaml:"admin_id"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// RateLimit is the number of messages accepted per sender per minute.
	RateLimit int    `yaml:"rate_limit"`
	BaseURL   string `yaml:"base_url"`
}

// Configured reports whether a bot token is present.
func (c TelegramConfig) Configured() bool {
	return c.Token != ""
}

// TwilioConfig defines voice calling.
type TwilioConfig struct {
	AccountSID  string `yaml:"account_sid"`
	AuthToken   string `yaml:"auth_token"`
	PhoneNumber string `yaml:"phone_number"`
	Voice       string `yaml:"voice"`
	// PublicURL is the externally reachable base URL of the listener,
	// used in webhook callbacks and signature validation.
	PublicURL          string `yaml:"public_url"`
	ValidateSignatures bool   `yaml:"validate_signatures"`
	BaseURL            string `yaml:"base_url"`
}

// Configured reports whether the account credentials and a caller
// number are present.
func (c TwilioConfig) Configured() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.PhoneNumber != ""
}

// EmailConfig defines mailbox access for the email effectors.
type EmailConfig struct {
	From string     `yaml:"from"`
	IMAP IMAPConfig `yaml:"imap"`
	SMTP SMTPConfig `yaml:"smtp"`
}

// IMAPConfig defines the mailbox read by read_email.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Mailbox  string `yaml:"mailbox"`
}

// Configured reports whether IMAP reading is possible.
func (c IMAPConfig) Configured() bool {
	return c.Host != "" && c.Username != ""
}

// SMTPConfig defines outbound mail.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// StartTLS upgrades a plain connection. When false and the port is
	// 465, implicit TLS is used.
	StartTLS bool `yaml:"starttls"`
}

// Configured reports whether sending is possible.
func (c SMTPConfig) Configured() bool {
	return c.Host != ""
}

// ShellExecConfig defines shell execution capabilities.
type ShellExecConfig struct {
	Enabled         bool     `yaml:"enabled"`
	WorkingDir      string   `yaml:"working_dir"`
	DeniedPatterns  []string `yaml:"denied_patterns"`
	AllowedPrefixes []string `yaml:"allowed_prefixes"`
	TimeoutSec      int      `yaml:"timeout_sec"`
}

// AppleScriptConfig enables osascript on macOS hosts.
type AppleScriptConfig struct {
	Enabled    bool `yaml:"enabled"`
	TimeoutSec int  `yaml:"timeout_sec"`
}

// WorkspaceConfig confines the file effectors to one directory tree.
type WorkspaceConfig struct {
	// Path is the root for read_file, write_file and list_files.
	// Empty disables the file effectors.
	Path string `yaml:"path"`
}

// FetchConfig defines the web_fetch effector.
type FetchConfig struct {
	Enabled  bool `yaml:"enabled"`
	MaxBytes int  `yaml:"max_bytes"`
}

// ListenConfig defines the operator HTTP server that also receives
// Twilio webhooks.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	// Token, when set, is required as a bearer token on the /v1 API.
	Token string `yaml:"token"`
}

// Addr returns the host:port to bind.
func (c ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// MQTTConfig defines the optional status publisher and command listener.
type MQTTConfig struct {
	Broker          string        `yaml:"broker"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	ClientID        string        `yaml:"client_id"`
	TopicPrefix     string        `yaml:"topic_prefix"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	// DiscoveryPrefix enables Home Assistant MQTT discovery of the
	// status sensors when set, typically "homeassistant".
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// Configured reports whether a broker URL is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// DatabasePath returns the path of the memory database under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "brain.db")
}

// Load reads configuration from a YAML file. A .env file next to the
// config, and one in the working directory, are loaded into the process
// environment first so ${VAR} references can resolve to them. Variables
// already set in the environment are never overridden.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(paths ...string) {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		_ = godotenv.Load(abs)
	}
}

// Default returns a configuration with every default applied and no
// integrations enabled.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Anthropic.Model == "" {
		c.Anthropic.Model = "claude-sonnet-4-20250514"
	}
	if c.Anthropic.MaxTokens == 0 {
		c.Anthropic.MaxTokens = 2048
	}

	a := &c.Agent
	if a.MaxIterations == 0 {
		a.MaxIterations = 15
	}
	if a.MaxToolResultChars == 0 {
		a.MaxToolResultChars = 10000
	}
	if a.RecentMemories == 0 {
		a.RecentMemories = 15
	}
	if a.RelevantMemories == 0 {
		a.RelevantMemories = 10
	}
	if a.RecentErrors == 0 {
		a.RecentErrors = 5
	}
	if a.ThreadLength == 0 {
		a.ThreadLength = 20
	}
	if a.ThreadTimeout == 0 {
		a.ThreadTimeout = 30 * time.Minute
	}
	if a.MaxThreads == 0 {
		a.MaxThreads = 1000
	}
	if a.Name == "" {
		a.Name = "Kiki"
	}
	if a.SkillsDir == "" {
		a.SkillsDir = filepath.Join(c.DataDir, "skills")
	}

	if c.Governor.DailyLimit == 0 {
		c.Governor.DailyLimit = 100
	}

	if c.Telegram.PollTimeout == 0 {
		c.Telegram.PollTimeout = 30 * time.Second
	}
	if c.Telegram.RateLimit == 0 {
		c.Telegram.RateLimit = 10
	}

	if c.Twilio.Voice == "" {
		c.Twilio.Voice = "Polly.Joanna"
	}

	if c.Email.IMAP.Port == 0 {
		c.Email.IMAP.Port = 993
	}
	if c.Email.IMAP.Mailbox == "" {
		c.Email.IMAP.Mailbox = "INBOX"
	}
	if c.Email.SMTP.Port == 0 {
		c.Email.SMTP.Port = 587
	}
	if c.Email.From == "" {
		c.Email.From = c.Email.SMTP.Username
	}

	if c.ShellExec.TimeoutSec == 0 {
		c.ShellExec.TimeoutSec = 30
	}
	if c.AppleScript.TimeoutSec == 0 {
		c.AppleScript.TimeoutSec = 15
	}
	if c.Fetch.MaxBytes == 0 {
		c.Fetch.MaxBytes = 2 << 20
	}

	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "kiki"
	}
	c.MQTT.TopicPrefix = strings.TrimSuffix(c.MQTT.TopicPrefix, "/")
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "kiki"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = time.Minute
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if c.Governor.DailyLimit < 0 {
		errs = append(errs, fmt.Errorf("governor.daily_limit must not be negative"))
	}
	if c.Agent.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be at least 1"))
	}
	if c.Agent.ThreadLength < 1 {
		errs = append(errs, fmt.Errorf("agent.thread_length must be at least 1"))
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.MQTT.PublishInterval < time.Second {
		errs = append(errs, fmt.Errorf("mqtt.publish_interval must be at least 1s"))
	}
	if c.Twilio.ValidateSignatures && c.Twilio.PublicURL == "" {
		errs = append(errs, fmt.Errorf("twilio.validate_signatures requires twilio.public_url"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
