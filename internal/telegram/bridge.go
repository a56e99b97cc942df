package telegram

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clawdbot/kiki/internal/agent"
	"github.com/clawdbot/kiki/internal/events"
	"github.com/clawdbot/kiki/internal/governor"
	"github.com/clawdbot/kiki/internal/memory"
	"github.com/clawdbot/kiki/internal/prompts"
	"github.com/clawdbot/kiki/internal/skills"
)

// Platform is the conversation-log platform name for Telegram turns.
const Platform = "telegram"

// handleTimeout bounds how long a single inbound message may be
// processed (agent turn + replies).
const handleTimeout = 5 * time.Minute

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// cleanupInterval controls how often stale rate-limit entries are
// evicted.
const cleanupInterval = 10 * time.Minute

// Poll backoff bounds.
const (
	minBackoff = time.Second
	maxBackoff = time.Minute
)

// DefaultPollTimeout is the getUpdates long-poll duration.
const DefaultPollTimeout = 30 * time.Second

// Runner abstracts the agent loop for testability. The real
// implementation is *agent.Loop.
type Runner interface {
	RunTurn(ctx context.Context, userMessage string, reply func(string), tc agent.TurnContext) (agent.Outcome, error)
}

// Messenger is the part of the Bot API the bridge uses.
type Messenger interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Store is the part of the memory store the operator commands read.
type Store interface {
	GetStats(ctx context.Context) (*memory.Stats, error)
	GetOpenGaps(ctx context.Context) ([]memory.CapabilityGap, error)
	RecentMemories(ctx context.Context, limit int) ([]memory.Memory, error)
	SearchMemories(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.Memory, error)
	ArchiveMemoriesByQuery(ctx context.Context, query string) (int, error)
	PurgeArchived(ctx context.Context) (int, error)
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Client   Messenger
	Runner   Runner
	Governor *governor.Governor
	Store    Store
	Skills   *skills.Loader
	Events   *events.Bus
	Logger   *slog.Logger

	// AdminID is the Telegram user ID allowed to talk to the bot and run
	// commands. Empty admits everyone.
	AdminID     string
	RateLimit   int // per sender per minute; 0 = unlimited
	PollTimeout time.Duration

	// OnFatal is called when a storage failure makes continuing unsafe.
	OnFatal func(error)
}

// Bridge polls Telegram for messages, routes them through the agent
// loop and sends the replies back to the chat.
type Bridge struct {
	client      Messenger
	runner      Runner
	gov         *governor.Governor
	store       Store
	skills      *skills.Loader
	events      *events.Bus
	logger      *slog.Logger
	adminID     string
	rateLimit   int
	pollTimeout time.Duration
	onFatal     func(error)

	wg sync.WaitGroup

	mu          sync.Mutex
	senderTimes map[string][]time.Time
	lastCleanup time.Time
	now         func() time.Time
}

// NewBridge creates a Telegram bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = DefaultPollTimeout
	}
	return &Bridge{
		client:      cfg.Client,
		runner:      cfg.Runner,
		gov:         cfg.Governor,
		store:       cfg.Store,
		skills:      cfg.Skills,
		events:      cfg.Events,
		logger:      logger.With("component", "telegram"),
		adminID:     strings.TrimSpace(cfg.AdminID),
		rateLimit:   cfg.RateLimit,
		pollTimeout: poll,
		onFatal:     cfg.OnFatal,
		senderTimes: make(map[string][]time.Time),
		now:         time.Now,
	}
}

// Start polls for updates until ctx is cancelled, handling each message
// on its own goroutine so commands such as /pause are answered while a
// turn is running. It waits for in-flight messages before returning.
func (b *Bridge) Start(ctx context.Context) error {
	b.logger.Info("telegram bridge started", "poll_timeout", b.pollTimeout, "admin_only", b.adminID != "")
	defer b.wg.Wait()

	var offset int64
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			b.logger.Info("telegram bridge shutting down")
			return nil
		}

		updates, err := b.client.GetUpdates(ctx, offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				b.logger.Info("telegram bridge shutting down")
				return nil
			}
			wait := backoff
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				wait = apiErr.RetryAfter
			}
			b.logger.Warn("telegram poll failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				b.logger.Info("telegram bridge shutting down")
				return nil
			case <-time.After(wait):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil {
				continue
			}
			msg := u.Message
			b.wg.Go(func() { b.handleMessage(ctx, msg) })
		}
	}
}

// handleMessage processes a single inbound message: a slash command is
// answered directly, anything else runs as an agent turn.
func (b *Bridge) handleMessage(ctx context.Context, msg *Message) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("telegram handler panicked", "panic", p, "stack", string(debug.Stack()))
			b.send(ctx, msg.Chat.ID, prompts.GenericFailure)
		}
	}()

	text := strings.TrimSpace(msg.Text)
	if msg.From == nil || text == "" {
		b.logger.Debug("telegram ignoring non-text message", "chat_id", msg.Chat.ID)
		return
	}

	if cmd, args, ok := parseCommand(text); ok {
		b.handleCommand(ctx, msg, cmd, args)
		return
	}

	sender := strconv.FormatInt(msg.From.ID, 10)
	if !b.isAdmin(msg.From) {
		b.logger.Warn("telegram message from non-admin ignored", "sender", sender)
		return
	}
	if !b.allowSender(sender) {
		b.logger.Warn("telegram message rate-limited", "sender", sender)
		return
	}

	convID := Platform + ":" + strconv.FormatInt(msg.Chat.ID, 10)
	b.logger.Info("telegram message received",
		"sender", sender,
		"conversation_id", convID,
		"message_len", len(text),
	)
	b.events.Emit(events.SourceTelegram, events.KindMessageReceived, map[string]any{
		"sender":          sender,
		"conversation_id": convID,
	})

	reply := func(s string) { b.send(ctx, msg.Chat.ID, s) }
	out, err := b.runner.RunTurn(ctx, text, reply, agent.TurnContext{
		Platform:       Platform,
		UserID:         Platform + ":" + sender,
		UserName:       msg.From.DisplayName(),
		ConversationID: convID,
		Acknowledge:    true,
	})
	if err != nil {
		b.logger.Error("telegram agent run failed",
			"sender", sender,
			"conversation_id", convID,
			"request_id", out.RequestID,
			"error", err,
		)
		b.fail(ctx, msg.Chat.ID, err)
		return
	}

	b.logger.Info("telegram agent run completed",
		"sender", sender,
		"conversation_id", convID,
		"request_id", out.RequestID,
		"state", out.State,
		"response_len", len(out.Text),
	)
}

// fail reports a failed operation to the chat and escalates storage
// failures.
func (b *Bridge) fail(ctx context.Context, chatID int64, err error) {
	if errors.Is(err, memory.ErrStorage) && b.onFatal != nil {
		b.onFatal(err)
	}
	if ctx.Err() == nil {
		b.send(ctx, chatID, prompts.GenericFailure)
	}
}

func (b *Bridge) send(ctx context.Context, chatID int64, text string) {
	if err := b.client.SendMessage(ctx, chatID, text); err != nil {
		b.logger.Error("telegram reply send failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bridge) isAdmin(u *User) bool {
	if b.adminID == "" {
		return true
	}
	return u != nil && strconv.FormatInt(u.ID, 10) == b.adminID
}

// allowSender checks whether the sender is within the per-minute rate
// limit. Returns true if the message should be processed.
func (b *Bridge) allowSender(senderID string) bool {
	if b.rateLimit <= 0 {
		return true
	}

	now := b.now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeCleanupLocked(now)

	timestamps := b.senderTimes[senderID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= b.rateLimit {
		b.senderTimes[senderID] = valid
		return false
	}

	b.senderTimes[senderID] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts stale sender entries. Must be called with
// b.mu held.
func (b *Bridge) maybeCleanupLocked(now time.Time) {
	if now.Sub(b.lastCleanup) < cleanupInterval {
		return
	}
	b.lastCleanup = now

	cutoff := now.Add(-2 * rateWindow)
	for sender, timestamps := range b.senderTimes {
		if len(timestamps) == 0 || timestamps[len(timestamps)-1].Before(cutoff) {
			delete(b.senderTimes, sender)
		}
	}
}
