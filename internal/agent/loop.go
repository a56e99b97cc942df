// Package agent implements the core agent loop: one user turn in, a
// bounded sequence of model calls and tool executions, one reply out.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawdbot/kiki/internal/events"
	"github.com/clawdbot/kiki/internal/governor"
	"github.com/clawdbot/kiki/internal/llm"
	"github.com/clawdbot/kiki/internal/memory"
	"github.com/clawdbot/kiki/internal/prompts"
	"github.com/clawdbot/kiki/internal/skills"
	"github.com/clawdbot/kiki/internal/thread"
	"github.com/clawdbot/kiki/internal/tools"
)

// Defaults for Config fields left at zero.
const (
	DefaultMaxIterations      = 15
	DefaultMaxToolResultChars = 10000
	DefaultRecentMemories     = 15
	DefaultRelevantMemories   = 10
	DefaultRecentErrors       = 5
	DefaultMaxTokens          = 2048

	// duplicateLimit is the number of consecutive repeats of the same
	// call that aborts a turn. The call itself runs duplicateLimit times.
	duplicateLimit = 2
)

// ErrModelCall wraps a failed model invocation. The turn is abandoned;
// the caller replies with a generic failure.
var ErrModelCall = errors.New("model call failed")

// Store is the part of the memory store the loop reads and writes.
type Store interface {
	LogConversation(ctx context.Context, platform, role, content string, opts memory.LogOptions) error
	UpsertUser(ctx context.Context, id string, opts memory.UserOptions) error
	RecentMemories(ctx context.Context, limit int) ([]memory.Memory, error)
	SearchMemories(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.Memory, error)
	GetRecentErrors(ctx context.Context, limit int) ([]memory.ErrorRecord, error)
	LogError(ctx context.Context, tool, input, message string) error
}

// Effectors is the tool surface the loop dispatches through.
type Effectors interface {
	Describe() []llm.ToolSchema
	Names() []string
	Execute(ctx context.Context, name string, args map[string]any) tools.Result
}

// Config configures a Loop. Zero numeric fields take the package
// defaults.
type Config struct {
	Name    string
	Persona string

	MaxIterations      int
	MaxToolResultChars int
	RecentMemories     int
	RelevantMemories   int
	RecentErrors       int
	MaxTokens          int

	// Models picks the model for each iteration.
	Models ModelSelector

	// Now is the clock shown to the model. Defaults to time.Now.
	Now func() time.Time
}

// Deps are the collaborators of a Loop. Threads, Skills and Events may
// be nil.
type Deps struct {
	LLM      llm.Client
	Tools    Effectors
	Store    Store
	Governor *governor.Governor
	Threads  *thread.Cache
	Skills   *skills.Loader
	Events   *events.Bus
	Logger   *slog.Logger
}

// Loop runs turns. It is safe for concurrent use; each turn keeps its
// own running message list.
type Loop struct {
	cfg     Config
	llm     llm.Client
	tools   Effectors
	store   Store
	gov     *governor.Governor
	threads *thread.Cache
	skills  *skills.Loader
	events  *events.Bus
	logger  *slog.Logger
}

// New creates a loop.
func New(cfg Config, deps Deps) *Loop {
	if cfg.Name == "" {
		cfg.Name = "Kiki"
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxToolResultChars <= 0 {
		cfg.MaxToolResultChars = DefaultMaxToolResultChars
	}
	if cfg.RecentMemories <= 0 {
		cfg.RecentMemories = DefaultRecentMemories
	}
	if cfg.RelevantMemories <= 0 {
		cfg.RelevantMemories = DefaultRelevantMemories
	}
	if cfg.RecentErrors <= 0 {
		cfg.RecentErrors = DefaultRecentErrors
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Models == nil {
		cfg.Models = Fixed("")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:     cfg,
		llm:     deps.LLM,
		tools:   deps.Tools,
		store:   deps.Store,
		gov:     deps.Governor,
		threads: deps.Threads,
		skills:  deps.Skills,
		events:  deps.Events,
		logger:  logger.With("component", "agent"),
	}
}

// TurnContext identifies who a turn is for and where it came from.
type TurnContext struct {
	Platform string
	UserID   string
	UserName string
	// ConversationID keys the thread cache. Defaults to
	// Platform:UserID.
	ConversationID string
	// Acknowledge sends prompts.Thinking through reply once the turn is
	// admitted, before the first model call.
	Acknowledge bool
}

func (tc TurnContext) conversationID() string {
	if tc.ConversationID != "" {
		return tc.ConversationID
	}
	return tc.Platform + ":" + tc.UserID
}

// State is the terminal state of a turn.
type State string

// Terminal states.
const (
	StateDone          State = "done"
	StateAborted       State = "aborted"
	StateLimitExceeded State = "limit_exceeded"
	StateInterrupted   State = "interrupted"
	StateFailed        State = "failed"
)

// Outcome summarizes a finished turn. Everything the user sees has
// already gone through reply; Text repeats the last message sent.
type Outcome struct {
	State      State
	Text       string
	Iterations int
	ToolCalls  int
	RequestID  string
	Elapsed    time.Duration
}

// turn is the mutable state of one RunTurn call.
type turn struct {
	id       string
	tc       TurnContext
	reply    func(string)
	token    *governor.Token
	logger   *slog.Logger
	messages []llm.Message
	outcome  Outcome

	lastKey    string
	duplicates int
}

func (t *turn) finish(state State, text string) Outcome {
	t.outcome.State = state
	if text != "" {
		t.outcome.Text = text
		t.reply(text)
	}
	return t.outcome
}

// RunTurn processes one user message to completion. reply receives every
// user-visible message. The returned error is non-nil only when the turn
// could not be carried out: a model failure (wrapping ErrModelCall), a
// storage failure (memory.ErrStorage) or a cancelled ctx.
func (l *Loop) RunTurn(ctx context.Context, userMessage string, reply func(string), tc TurnContext) (Outcome, error) {
	start := time.Now()
	if reply == nil {
		reply = func(string) {}
	}
	t := &turn{
		id:    generateRequestID(),
		tc:    tc,
		reply: reply,
	}
	t.outcome.RequestID = t.id
	t.logger = l.logger.With("request_id", t.id, "platform", tc.Platform, "user_id", tc.UserID)

	out, err := l.runTurn(ctx, t, userMessage)
	out.Elapsed = time.Since(start)

	l.events.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
		"request_id": t.id,
		"state":      string(out.State),
		"iterations": out.Iterations,
		"tool_calls": out.ToolCalls,
		"elapsed_ms": out.Elapsed.Milliseconds(),
	})
	t.logger.Info("turn finished",
		"state", out.State,
		"iterations", out.Iterations,
		"tool_calls", out.ToolCalls,
		"elapsed", out.Elapsed.Round(time.Millisecond),
	)
	return out, err
}

func (l *Loop) runTurn(ctx context.Context, t *turn, userMessage string) (Outcome, error) {
	if l.gov.Paused() {
		return t.finish(StateAborted, prompts.PausedMessage), nil
	}
	if l.gov.QuotaExhausted() {
		return t.finish(StateLimitExceeded, prompts.QuotaReached(l.gov.Usage().Limit)), nil
	}

	convID := t.tc.conversationID()
	l.events.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"request_id":      t.id,
		"conversation_id": convID,
		"platform":        t.tc.Platform,
		"user_id":         t.tc.UserID,
	})
	t.logger.Info("turn started", "conversation_id", convID, "message_len", len(userMessage))

	if err := l.store.LogConversation(ctx, t.tc.Platform, memory.RoleUser, userMessage, memory.LogOptions{
		UserID:   t.tc.UserID,
		Metadata: map[string]any{"request_id": t.id},
	}); err != nil {
		return t.finish(StateFailed, ""), err
	}
	if t.tc.UserID != "" {
		if err := l.store.UpsertUser(ctx, t.tc.UserID, memory.UserOptions{
			Name:     t.tc.UserName,
			Platform: t.tc.Platform,
		}); err != nil {
			return t.finish(StateFailed, ""), err
		}
	}

	t.token = l.gov.Acquire()
	defer t.token.Release()

	if t.tc.Acknowledge {
		t.reply(prompts.Thinking)
	}

	system, err := l.instructionBundle(ctx, t, userMessage)
	if err != nil {
		return t.finish(StateFailed, ""), err
	}

	var history []thread.Entry
	if l.threads != nil {
		history = l.threads.Get(convID)
	}
	t.messages = make([]llm.Message, 0, len(history)+1)
	for _, e := range history {
		t.messages = append(t.messages, llm.Message{Role: e.Role, Content: e.Content})
	}
	t.messages = append(t.messages, llm.Message{Role: llm.RoleUser, Content: userMessage})

	toolSchemas := l.tools.Describe()
	nudged := false

	for iter := 1; iter <= l.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return t.finish(StateInterrupted, ""), err
		}
		if t.token.Cancelled() || l.gov.Paused() {
			return t.finish(StateInterrupted, prompts.InterruptedMessage), nil
		}
		if !l.gov.CanProceed() {
			return t.finish(StateLimitExceeded, prompts.QuotaReachedMidTask(l.gov.Usage().Limit)), nil
		}

		t.outcome.Iterations = iter
		model := l.cfg.Models.Model(iter)
		l.gov.RecordCall()

		l.events.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"request_id": t.id,
			"iter":       iter,
			"model":      model,
		})

		resp, err := l.llm.Chat(ctx, llm.ChatRequest{
			Model:     model,
			System:    system,
			Messages:  t.messages,
			Tools:     toolSchemas,
			MaxTokens: l.cfg.MaxTokens,
		})
		if err != nil {
			t.logger.Error("model call failed", "iter", iter, "model", model, "error", err)
			return t.finish(StateFailed, ""), fmt.Errorf("%w: %w", ErrModelCall, err)
		}

		l.events.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
			"request_id": t.id,
			"iter":       iter,
			"model":      resp.Model,
			"tokens_in":  resp.InputTokens,
			"tokens_out": resp.OutputTokens,
			"tool_calls": len(resp.Message.ToolCalls),
		})
		t.logger.Debug("model responded",
			"iter", iter,
			"model", resp.Model,
			"tokens_in", resp.InputTokens,
			"tokens_out", resp.OutputTokens,
			"tool_calls", len(resp.Message.ToolCalls),
			"stop_reason", resp.StopReason,
		)

		if !resp.WantsTools() {
			text := strings.TrimSpace(resp.Message.Content)
			if text == "" && !nudged {
				nudged = true
				t.logger.Warn("empty model response, nudging", "iter", iter)
				t.messages = append(t.messages, llm.Message{Role: llm.RoleUser, Content: prompts.EmptyResponseNudge})
				continue
			}
			if text == "" {
				text = prompts.EmptyResponseFallback
			}
			if err := l.complete(context.WithoutCancel(ctx), t, convID, userMessage, text); err != nil {
				return t.finish(StateFailed, ""), err
			}
			return t.finish(StateDone, text), nil
		}

		t.messages = append(t.messages, resp.Message)
		state, text, err := l.dispatch(ctx, t, resp.Message.ToolCalls)
		if err != nil || state != "" {
			return t.finish(state, text), err
		}
	}

	t.logger.Warn("iteration cap reached", "max_iterations", l.cfg.MaxIterations)
	return t.finish(StateLimitExceeded, prompts.TooManySteps), nil
}

// dispatch executes one batch of tool calls in order. A non-empty state
// ends the turn with text.
func (l *Loop) dispatch(ctx context.Context, t *turn, calls []llm.ToolCall) (State, string, error) {
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return StateInterrupted, "", err
		}
		if t.token.Cancelled() {
			return StateInterrupted, prompts.InterruptedMessage, nil
		}

		input := canonicalInput(call.Arguments)
		key := call.Name + "\x00" + input
		if key == t.lastKey {
			t.duplicates++
		} else {
			t.duplicates = 0
		}
		t.lastKey = key
		if t.duplicates >= duplicateLimit {
			t.logger.Warn("aborting repeated tool call", "tool", call.Name, "repeats", t.duplicates)
			return StateAborted, prompts.GoingInCircles, nil
		}

		l.events.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
			"request_id": t.id,
			"tool":       call.Name,
		})
		t.logger.Info("tool call", "tool", call.Name)
		t.logger.Log(ctx, llm.LevelTrace, "tool input", "tool", call.Name, "input", input)

		callCtx := tools.WithToolCallID(l.toolContext(ctx, t.tc), call.ID)
		start := time.Now()
		res := l.tools.Execute(callCtx, call.Name, call.Arguments)
		t.outcome.ToolCalls++

		l.events.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
			"request_id":  t.id,
			"tool":        call.Name,
			"ok":          !res.Failed(),
			"duration_ms": time.Since(start).Milliseconds(),
		})

		if res.Failed() {
			t.logger.Warn("tool failed", "tool", call.Name, "error", res.Err)
			// The record outlives the turn: a tool that failed because
			// the turn's deadline passed is still worth remembering.
			if err := l.store.LogError(context.WithoutCancel(ctx), call.Name, input, res.Err.Error()); err != nil {
				return StateFailed, "", err
			}
		}

		t.messages = append(t.messages, llm.Message{
			Role:       llm.RoleTool,
			Content:    truncate(res.Text(), l.cfg.MaxToolResultChars),
			ToolCallID: call.ID,
			IsError:    res.Failed(),
		})
	}
	return "", "", nil
}

// complete persists the final answer to the durable log and the thread.
func (l *Loop) complete(ctx context.Context, t *turn, convID, userMessage, text string) error {
	if err := l.store.LogConversation(ctx, t.tc.Platform, memory.RoleAssistant, text, memory.LogOptions{
		UserID: t.tc.UserID,
		Metadata: map[string]any{
			"request_id": t.id,
			"iterations": t.outcome.Iterations,
			"tool_calls": t.outcome.ToolCalls,
		},
	}); err != nil {
		return err
	}
	if l.threads != nil {
		l.threads.Append(convID,
			thread.Entry{Role: llm.RoleUser, Content: userMessage},
			thread.Entry{Role: llm.RoleAssistant, Content: text},
		)
	}
	return nil
}

func (l *Loop) toolContext(ctx context.Context, tc TurnContext) context.Context {
	ctx = tools.WithConversationID(ctx, tc.conversationID())
	ctx = tools.WithUserID(ctx, tc.UserID)
	return tools.WithPlatform(ctx, tc.Platform)
}

// canonicalInput serializes tool arguments deterministically;
// encoding/json sorts map keys.
func canonicalInput(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(b)
}

// truncate caps s at max characters without splitting a rune.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

// generateRequestID returns a short identifier of the form r_xxxxxxxx
// for correlating a turn's log lines and events. It takes the random
// tail of a UUIDv7; the leading bits are a timestamp.
func generateRequestID() string {
	id := uuid.Must(uuid.NewV7()).String()
	return "r_" + id[len(id)-8:]
}
