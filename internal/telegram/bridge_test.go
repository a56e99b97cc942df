package telegram

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clawdbot/kiki/internal/agent"
	"github.com/clawdbot/kiki/internal/events"
	"github.com/clawdbot/kiki/internal/governor"
	"github.com/clawdbot/kiki/internal/memory"
	"github.com/clawdbot/kiki/internal/prompts"
	"github.com/clawdbot/kiki/internal/skills"
)

// testRunner records RunTurn calls and answers through reply.
type testRunner struct {
	mu    sync.Mutex
	calls []runCall
	text  string
	err   error
	panic bool
}

type runCall struct {
	message string
	tc      agent.TurnContext
}

func (r *testRunner) RunTurn(_ context.Context, msg string, reply func(string), tc agent.TurnContext) (agent.Outcome, error) {
	r.mu.Lock()
	r.calls = append(r.calls, runCall{message: msg, tc: tc})
	text, err, p := r.text, r.err, r.panic
	r.mu.Unlock()

	if p {
		panic("boom")
	}
	if err != nil {
		return agent.Outcome{State: agent.StateFailed, RequestID: "r_test"}, err
	}
	reply(text)
	return agent.Outcome{State: agent.StateDone, Text: text, RequestID: "r_test"}, nil
}

func (r *testRunner) getCalls() []runCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runCall(nil), r.calls...)
}

// testMessenger serves scripted update batches, then blocks until the
// poll context ends. Sent messages are recorded.
type testMessenger struct {
	mu      sync.Mutex
	batches [][]Update
	pollErr []error
	offsets []int64
	sent    []sentMessage
	sentCh  chan sentMessage
}

type sentMessage struct {
	chatID int64
	text   string
}

func newTestMessenger() *testMessenger {
	return &testMessenger{sentCh: make(chan sentMessage, 64)}
}

func (m *testMessenger) GetUpdates(ctx context.Context, offset int64, _ time.Duration) ([]Update, error) {
	m.mu.Lock()
	m.offsets = append(m.offsets, offset)
	if len(m.pollErr) > 0 {
		err := m.pollErr[0]
		m.pollErr = m.pollErr[1:]
		m.mu.Unlock()
		return nil, err
	}
	if len(m.batches) > 0 {
		b := m.batches[0]
		m.batches = m.batches[1:]
		m.mu.Unlock()
		return b, nil
	}
	m.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (m *testMessenger) SendMessage(_ context.Context, chatID int64, text string) error {
	m.mu.Lock()
	m.sent = append(m.sent, sentMessage{chatID: chatID, text: text})
	m.mu.Unlock()
	m.sentCh <- sentMessage{chatID: chatID, text: text}
	return nil
}

func (m *testMessenger) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, s := range m.sent {
		out[i] = s.text
	}
	return out
}

func (m *testMessenger) getOffsets() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.offsets...)
}

type bridgeEnv struct {
	bridge *Bridge
	client *testMessenger
	runner *testRunner
	gov    *governor.Governor
	store  *memory.Store
	bus    *events.Bus
}

func newTestStore(t *testing.T) *memory.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := memory.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func bridgeHelper(t *testing.T, opts ...func(*BridgeConfig)) *bridgeEnv {
	t.Helper()
	env := &bridgeEnv{
		client: newTestMessenger(),
		runner: &testRunner{text: "ok"},
		gov:    governor.New(governor.Config{DailyLimit: 100}),
		store:  newTestStore(t),
		bus:    events.New(),
	}
	cfg := BridgeConfig{
		Client:   env.client,
		Runner:   env.runner,
		Governor: env.gov,
		Store:    env.store,
		Skills:   skills.NewLoader(t.TempDir(), nil),
		Events:   env.bus,
	}
	for _, o := range opts {
		o(&cfg)
	}
	env.bridge = NewBridge(cfg)
	return env
}

func textMessage(from, chat int64, text string) *Message {
	return &Message{
		MessageID: 1,
		From:      &User{ID: from, FirstName: "Ada"},
		Chat:      Chat{ID: chat, Type: "private"},
		Text:      text,
	}
}

func TestBridge_MessageRunsTurn(t *testing.T) {
	env := bridgeHelper(t)
	env.bridge.handleMessage(context.Background(), textMessage(42, 7, "  what's up?  "))

	calls := env.runner.getCalls()
	if len(calls) != 1 {
		t.Fatalf("runner called %d times, want 1", len(calls))
	}
	want := agent.TurnContext{
		Platform:       "telegram",
		UserID:         "telegram:42",
		UserName:       "Ada",
		ConversationID: "telegram:7",
		Acknowledge:    true,
	}
	if calls[0].tc != want {
		t.Errorf("turn context = %+v, want %+v", calls[0].tc, want)
	}
	if calls[0].message != "what's up?" {
		t.Errorf("message = %q", calls[0].message)
	}
	if got := env.client.texts(); len(got) != 1 || got[0] != "ok" {
		t.Errorf("sent = %q", got)
	}

	var received bool
	for _, e := range env.bus.Recent() {
		if e.Source == events.SourceTelegram && e.Kind == events.KindMessageReceived {
			received = true
		}
	}
	if !received {
		t.Error("no message_received event")
	}
}

func TestBridge_IgnoresEmptyAndSenderless(t *testing.T) {
	env := bridgeHelper(t)
	env.bridge.handleMessage(context.Background(), textMessage(42, 7, "   "))
	env.bridge.handleMessage(context.Background(), &Message{Chat: Chat{ID: 7}, Text: "hi"})

	if n := len(env.runner.getCalls()); n != 0 {
		t.Errorf("runner called %d times, want 0", n)
	}
}

func TestBridge_AdminGate(t *testing.T) {
	tests := []struct {
		name    string
		adminID string
		from    int64
		runs    int
	}{
		{"no admin configured", "", 5, 1},
		{"admin", "5", 5, 1},
		{"stranger", "5", 6, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := bridgeHelper(t, func(c *BridgeConfig) { c.AdminID = tt.adminID })
			env.bridge.handleMessage(context.Background(), textMessage(tt.from, tt.from, "hello"))
			if n := len(env.runner.getCalls()); n != tt.runs {
				t.Errorf("runner called %d times, want %d", n, tt.runs)
			}
			if tt.runs == 0 && len(env.client.texts()) != 0 {
				t.Errorf("stranger got a reply: %q", env.client.texts())
			}
		})
	}
}

func TestBridge_RateLimit(t *testing.T) {
	env := bridgeHelper(t, func(c *BridgeConfig) { c.RateLimit = 2 })
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.bridge.now = func() time.Time { return now }

	for range 3 {
		env.bridge.handleMessage(context.Background(), textMessage(42, 42, "hi"))
	}
	if n := len(env.runner.getCalls()); n != 2 {
		t.Fatalf("runner called %d times, want 2", n)
	}

	// Another sender has its own budget.
	env.bridge.handleMessage(context.Background(), textMessage(43, 43, "hi"))
	if n := len(env.runner.getCalls()); n != 3 {
		t.Fatalf("runner called %d times, want 3", n)
	}

	now = now.Add(rateWindow + time.Second)
	env.bridge.handleMessage(context.Background(), textMessage(42, 42, "hi"))
	if n := len(env.runner.getCalls()); n != 4 {
		t.Errorf("runner called %d times after window, want 4", n)
	}
}

func TestBridge_RateLimitCleanup(t *testing.T) {
	env := bridgeHelper(t, func(c *BridgeConfig) { c.RateLimit = 5 })
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.bridge.now = func() time.Time { return now }

	env.bridge.allowSender("a")
	env.bridge.allowSender("b")
	now = now.Add(cleanupInterval + time.Second)
	env.bridge.allowSender("c")

	env.bridge.mu.Lock()
	defer env.bridge.mu.Unlock()
	if _, ok := env.bridge.senderTimes["a"]; ok {
		t.Error("stale sender a not evicted")
	}
	if _, ok := env.bridge.senderTimes["c"]; !ok {
		t.Error("current sender c missing")
	}
}

func TestBridge_TurnErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"model failure", fmt.Errorf("%w: 500", agent.ErrModelCall), false},
		{"storage failure", fmt.Errorf("log conversation: %w", memory.ErrStorage), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fatal error
			env := bridgeHelper(t, func(c *BridgeConfig) {
				c.OnFatal = func(err error) { fatal = err }
			})
			env.runner.err = tt.err

			env.bridge.handleMessage(context.Background(), textMessage(1, 1, "hi"))

			if got := env.client.texts(); len(got) != 1 || got[0] != prompts.GenericFailure {
				t.Errorf("sent = %q, want generic failure", got)
			}
			if (fatal != nil) != tt.fatal {
				t.Errorf("OnFatal called = %v, want %v", fatal != nil, tt.fatal)
			}
		})
	}
}

func TestBridge_PanicRecovered(t *testing.T) {
	env := bridgeHelper(t)
	env.runner.panic = true

	env.bridge.handleMessage(context.Background(), textMessage(1, 1, "hi"))

	if got := env.client.texts(); len(got) != 1 || got[0] != prompts.GenericFailure {
		t.Errorf("sent = %q, want generic failure", got)
	}
}

func TestBridge_Commands(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(t *testing.T, env *bridgeEnv)
		text  string
		want  string
		check func(t *testing.T, env *bridgeEnv)
	}{
		{name: "whoami", text: "/whoami", want: "Your Telegram user id is: 42"},
		{name: "ping", text: "/ping", want: "pong ✅"},
		{name: "ping with bot suffix", text: "/ping@kiki_bot", want: "pong ✅"},
		{name: "help", text: "/help", want: "/limit N"},
		{
			name: "pause",
			text: "/pause",
			want: "⏸️ Bot paused. Send /resume to continue.",
			check: func(t *testing.T, env *bridgeEnv) {
				if !env.gov.Paused() {
					t.Error("governor not paused")
				}
			},
		},
		{
			name:  "resume",
			setup: func(_ *testing.T, env *bridgeEnv) { env.gov.Pause() },
			text:  "/resume",
			want:  "▶️ Bot resumed.",
			check: func(t *testing.T, env *bridgeEnv) {
				if env.gov.Paused() {
					t.Error("governor still paused")
				}
			},
		},
		{
			name: "usage",
			setup: func(_ *testing.T, env *bridgeEnv) {
				env.gov.RecordCall()
				env.gov.RecordCall()
			},
			text: "/usage",
			want: "📊 API calls today: 2/100",
		},
		{
			name: "limit",
			text: "/limit 250",
			want: "✅ Daily limit set to 250 API calls.",
			check: func(t *testing.T, env *bridgeEnv) {
				if got := env.gov.Usage().Limit; got != 250 {
					t.Errorf("limit = %d, want 250", got)
				}
			},
		},
		{
			name: "limit not a number",
			text: "/limit lots",
			want: "Usage: /limit <number>",
			check: func(t *testing.T, env *bridgeEnv) {
				if got := env.gov.Usage().Limit; got != 100 {
					t.Errorf("limit changed to %d", got)
				}
			},
		},
		{name: "no skills", text: "/skills", want: "No skills learned yet."},
		{name: "no gaps", text: "/gaps", want: "No open capability gaps."},
		{
			name: "gaps",
			setup: func(t *testing.T, env *bridgeEnv) {
				if _, err := env.store.LogCapabilityGap(ctx, "book flights", memory.GapOptions{Priority: "high", Reason: "no airline api"}); err != nil {
					t.Fatal(err)
				}
			},
			text: "/gaps",
			want: "[high] book flights (no airline api)",
		},
		{name: "stats", text: "/stats", want: "Memories: 0 (0 archived)"},
		{name: "no memories", text: "/memories", want: "Nothing remembered yet."},
		{
			name: "memories search",
			setup: func(t *testing.T, env *bridgeEnv) {
				for _, c := range []string{"likes oat milk", "dentist on friday"} {
					if _, err := env.store.SaveMemory(ctx, "preference", c, memory.MemoryOptions{}); err != nil {
						t.Fatal(err)
					}
				}
			},
			text: "/memories milk",
			want: "- [preference] likes oat milk",
			check: func(t *testing.T, env *bridgeEnv) {
				if got := env.client.texts(); strings.Contains(got[0], "dentist") {
					t.Errorf("search returned unrelated memory: %q", got[0])
				}
			},
		},
		{name: "forget without query", text: "/forget", want: "Usage: /forget <query>"},
		{
			name: "forget then purge",
			setup: func(t *testing.T, env *bridgeEnv) {
				if _, err := env.store.SaveMemory(ctx, "fact", "old address", memory.MemoryOptions{}); err != nil {
					t.Fatal(err)
				}
			},
			text: "/forget address",
			want: `Archived 1 memories matching "address"`,
			check: func(t *testing.T, env *bridgeEnv) {
				env.bridge.handleMessage(ctx, textMessage(42, 42, "/purge"))
				if got := env.client.texts(); got[1] != "🧹 Purged 1 archived memories." {
					t.Errorf("purge reply = %q", got[1])
				}
			},
		},
		{name: "unknown", text: "/dance", want: "Unknown command."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := bridgeHelper(t, func(c *BridgeConfig) { c.AdminID = "42" })
			if tt.setup != nil {
				tt.setup(t, env)
			}
			env.bridge.handleMessage(ctx, textMessage(42, 42, tt.text))

			got := env.client.texts()
			if len(got) == 0 || !strings.Contains(got[0], tt.want) {
				t.Fatalf("reply = %q, want it to contain %q", got, tt.want)
			}
			if len(env.runner.getCalls()) != 0 {
				t.Error("command reached the agent loop")
			}
			if tt.check != nil {
				tt.check(t, env)
			}
		})
	}
}

func TestBridge_SkillsListed(t *testing.T) {
	dir := t.TempDir()
	skill := `{"name":"weather","description":"Local forecast","command":"bash weather.sh"}`
	if err := os.WriteFile(filepath.Join(dir, "weather.json"), []byte(skill), 0o644); err != nil {
		t.Fatal(err)
	}
	env := bridgeHelper(t, func(c *BridgeConfig) { c.Skills = skills.NewLoader(dir, nil) })

	env.bridge.handleMessage(context.Background(), textMessage(1, 1, "/skills"))

	want := "🧠 Learned skills:\n• weather: Local forecast"
	if got := env.client.texts(); len(got) != 1 || got[0] != want {
		t.Errorf("sent = %q, want %q", got, want)
	}
}

func TestBridge_CommandsFromStranger(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"/whoami", []string{"Your Telegram user id is: 6"}},
		{"/ping", []string{"Not authorized."}},
		{"/pause", nil},
		{"/limit 1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			env := bridgeHelper(t, func(c *BridgeConfig) { c.AdminID = "5" })
			env.bridge.handleMessage(context.Background(), textMessage(6, 6, tt.text))

			if got := env.client.texts(); strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("sent = %q, want %q", got, tt.want)
			}
			u := env.gov.Usage()
			if u.Paused || u.Limit != 100 {
				t.Errorf("stranger changed the governor: %+v", u)
			}
		})
	}
}

func TestBridge_PauseEvent(t *testing.T) {
	env := bridgeHelper(t)
	env.bridge.handleMessage(context.Background(), textMessage(1, 1, "/pause"))

	var kinds []string
	for _, e := range env.bus.Recent() {
		kinds = append(kinds, e.Source+"/"+e.Kind)
	}
	want := "telegram/command|governor/paused"
	if got := strings.Join(kinds, "|"); got != want {
		t.Errorf("events = %s, want %s", got, want)
	}
}

func TestBridge_StartPolls(t *testing.T) {
	env := bridgeHelper(t)
	env.client.batches = [][]Update{
		{
			{UpdateID: 10, Message: textMessage(1, 1, "first")},
			{UpdateID: 11},
		},
		{
			{UpdateID: 12, Message: textMessage(1, 1, "second")},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.bridge.Start(ctx) }()

	for range 2 {
		select {
		case <-env.client.sentCh:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for replies")
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	offsets := env.client.getOffsets()
	if len(offsets) < 3 || offsets[0] != 0 || offsets[1] != 12 || offsets[2] != 13 {
		t.Errorf("offsets = %v, want [0 12 13 ...]", offsets)
	}
	if n := len(env.runner.getCalls()); n != 2 {
		t.Errorf("runner called %d times, want 2", n)
	}
}

func TestBridge_StartRetriesAfterPollError(t *testing.T) {
	env := bridgeHelper(t)
	env.client.pollErr = []error{&APIError{Method: "getUpdates", Code: 429, RetryAfter: 10 * time.Millisecond}}
	env.client.batches = [][]Update{{{UpdateID: 1, Message: textMessage(1, 1, "hi")}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- env.bridge.Start(ctx) }()

	select {
	case msg := <-env.client.sentCh:
		if msg.text != "ok" {
			t.Errorf("reply = %q", msg.text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not recover from poll error")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start returned %v", err)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text     string
		cmd      string
		args     string
		expectOK bool
	}{
		{"/ping", "ping", "", true},
		{"/limit 50", "limit", "50", true},
		{"/LIMIT@kiki_bot  50 ", "limit", "50", true},
		{"/memories oat milk", "memories", "oat milk", true},
		{"hello", "", "", false},
		{"/", "", "", false},
		{"/@bot", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			cmd, args, ok := parseCommand(tt.text)
			if cmd != tt.cmd || args != tt.args || ok != tt.expectOK {
				t.Errorf("parseCommand(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.text, cmd, args, ok, tt.cmd, tt.args, tt.expectOK)
			}
		})
	}
}

func TestBridge_FailSkipsReplyWhenCancelled(t *testing.T) {
	env := bridgeHelper(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	env.bridge.fail(ctx, 1, errors.New("boom"))
	if got := env.client.texts(); len(got) != 0 {
		t.Errorf("sent = %q after cancellation", got)
	}
}
