package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clawdbot/kiki/internal/events"
	"github.com/clawdbot/kiki/internal/governor"
	"github.com/clawdbot/kiki/internal/llm"
	"github.com/clawdbot/kiki/internal/memory"
	"github.com/clawdbot/kiki/internal/prompts"
	"github.com/clawdbot/kiki/internal/thread"
	"github.com/clawdbot/kiki/internal/tools"
)

// mockLLM returns pre-configured responses in sequence and records each
// call. When next is set it is used instead of responses.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	next      func(call int) (*llm.ChatResponse, error)
	calls     []llm.ChatRequest
}

func (m *mockLLM) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := append([]llm.Message(nil), req.Messages...)
	req.Messages = msgs
	m.calls = append(m.calls, req)
	n := len(m.calls)

	if m.next != nil {
		return m.next(n)
	}
	if n > len(m.responses) {
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", n)
	}
	return m.responses[n-1], nil
}

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func textResponse(s string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:      "test-model",
		Message:    llm.Message{Role: llm.RoleAssistant, Content: s},
		StopReason: "end_turn",
	}
}

func toolResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:      "test-model",
		Message:    llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		StopReason: "tool_use",
	}
}

func call(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}

// replies collects everything sent through the reply callback.
type replies struct {
	mu   sync.Mutex
	msgs []string
}

func (r *replies) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, s)
}

func (r *replies) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return ""
	}
	return r.msgs[len(r.msgs)-1]
}

type testEnv struct {
	loop    *Loop
	llm     *mockLLM
	store   *memory.Store
	gov     *governor.Governor
	threads *thread.Cache
	reg     *tools.Registry
	execs   map[string]int
	bus     *events.Bus
}

// buildTestLoop creates a Loop backed by an in-memory store, a fresh
// governor and a registry with an "echo" tool that returns its "text"
// argument and a "fail" tool that always errors.
func buildTestLoop(t *testing.T, mock *mockLLM) *testEnv {
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

	env := &testEnv{
		llm:     mock,
		store:   store,
		gov:     governor.New(governor.Config{DailyLimit: 100}),
		threads: thread.New(thread.Config{MaxLength: 20, Timeout: 30 * time.Minute}),
		reg:     tools.NewRegistry(nil),
		execs:   make(map[string]int),
		bus:     events.New(),
	}

	var mu sync.Mutex
	count := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		env.execs[name]++
	}
	env.reg.Register(&tools.Tool{
		Name: "echo",
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			count("echo")
			s, _ := args["text"].(string)
			return s, nil
		},
	})
	env.reg.Register(&tools.Tool{
		Name: "fail",
		Handler: func(context.Context, map[string]any) (string, error) {
			count("fail")
			return "", errors.New("permission denied")
		},
	})

	env.loop = New(Config{
		Models: FirstThenFollowup{First: "big", Followup: "small"},
		Now:    func() time.Time { return time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC) },
	}, Deps{
		LLM:      mock,
		Tools:    env.reg,
		Store:    store,
		Governor: env.gov,
		Threads:  env.threads,
		Events:   env.bus,
	})
	return env
}

var testTurn = TurnContext{Platform: "telegram", UserID: "42", UserName: "Alice"}

func (e *testEnv) run(t *testing.T, msg string) (Outcome, *replies, error) {
	t.Helper()
	r := &replies{}
	out, err := e.loop.RunTurn(context.Background(), msg, r.add, testTurn)
	return out, r, err
}

func TestRunTurn_DirectAnswer(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse("Hi Alice!")}}
	env := buildTestLoop(t, mock)

	out, r, err := env.run(t, "hello")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if out.State != StateDone || out.Iterations != 1 || out.Text != "Hi Alice!" {
		t.Errorf("outcome = %+v", out)
	}
	if r.last() != "Hi Alice!" || len(r.msgs) != 1 {
		t.Errorf("replies = %v", r.msgs)
	}
	if !strings.HasPrefix(out.RequestID, "r_") {
		t.Errorf("RequestID = %q", out.RequestID)
	}

	req := mock.calls[0]
	if req.Model != "big" {
		t.Errorf("model = %q, want big", req.Model)
	}
	if !strings.Contains(req.System, "Talking with: Alice") {
		t.Errorf("system prompt missing user context:\n%s", req.System)
	}
	if len(req.Tools) != 2 {
		t.Errorf("tools = %d, want 2", len(req.Tools))
	}

	ctx := context.Background()
	hist, err := env.store.GetHistory(ctx, "telegram", "42", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].Content != "hello" || hist[1].Content != "Hi Alice!" {
		t.Errorf("history = %+v", hist)
	}
	if u, err := env.store.GetUser(ctx, "42"); err != nil || u.Name != "Alice" {
		t.Errorf("user = %+v, %v", u, err)
	}
	if got := env.threads.Len("telegram:42"); got != 2 {
		t.Errorf("thread length = %d, want 2", got)
	}
	if usage := env.gov.Usage(); usage.Count != 1 {
		t.Errorf("governor count = %d, want 1", usage.Count)
	}
}

func TestRunTurn_ThreadCarriesContext(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse("first"), textResponse("second")}}
	env := buildTestLoop(t, mock)

	env.run(t, "one")
	env.run(t, "two")

	msgs := mock.calls[1].Messages
	if len(msgs) != 3 {
		t.Fatalf("second turn sent %d messages, want 3", len(msgs))
	}
	if msgs[0].Content != "one" || msgs[1].Content != "first" || msgs[2].Content != "two" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestRunTurn_ToolChain(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(
			call("c1", "echo", map[string]any{"text": "a"}),
			call("c2", "echo", map[string]any{"text": "b"}),
		),
		textResponse("done"),
	}}
	env := buildTestLoop(t, mock)

	out, _, err := env.run(t, "go")
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateDone || out.ToolCalls != 2 || out.Iterations != 2 {
		t.Errorf("outcome = %+v", out)
	}
	if mock.calls[1].Model != "small" {
		t.Errorf("follow-up model = %q, want small", mock.calls[1].Model)
	}

	msgs := mock.calls[1].Messages
	// user, assistant tool use, two tool results in order.
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[2].ToolCallID != "c1" || msgs[2].Content != "a" || msgs[3].ToolCallID != "c2" || msgs[3].Content != "b" {
		t.Errorf("tool results = %+v %+v", msgs[2], msgs[3])
	}
}

func TestRunTurn_ToolFailureRecorded(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(call("c1", "fail", map[string]any{"path": "/root"})),
		toolResponse(call("c2", "nope", nil)),
		textResponse("could not do it"),
	}}
	env := buildTestLoop(t, mock)

	out, _, err := env.run(t, "try")
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateDone {
		t.Fatalf("state = %s, want done", out.State)
	}

	res := mock.calls[1].Messages[2]
	if !res.IsError || res.Content != "ERROR: permission denied" {
		t.Errorf("failed result = %+v", res)
	}

	errs, err := env.store.GetRecentErrors(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 2 {
		t.Fatalf("got %d error records, want 2", len(errs))
	}
	// Newest first.
	if errs[0].Tool != "nope" || !strings.Contains(errs[0].Message, "not available") {
		t.Errorf("errs[0] = %+v", errs[0])
	}
	if errs[1].Tool != "fail" || errs[1].Input != `{"path":"/root"}` || errs[1].Message != "permission denied" {
		t.Errorf("errs[1] = %+v", errs[1])
	}

	// The next turn sees them in its instruction bundle.
	mock.responses = append(mock.responses, textResponse("ok"))
	env.run(t, "again")
	if sys := mock.calls[3].System; !strings.Contains(sys, "- fail: permission denied") {
		t.Errorf("recent errors not injected:\n%s", sys)
	}
}

func TestRunTurn_DuplicateGuard(t *testing.T) {
	repeat := call("c", "echo", map[string]any{"a": 1.0, "text": "x"})
	mock := &mockLLM{next: func(int) (*llm.ChatResponse, error) {
		return toolResponse(repeat), nil
	}}
	env := buildTestLoop(t, mock)

	out, r, err := env.run(t, "loop forever")
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateAborted {
		t.Errorf("state = %s, want aborted", out.State)
	}
	if r.last() != prompts.GoingInCircles {
		t.Errorf("reply = %q", r.last())
	}
	if got := env.execs["echo"]; got != 2 {
		t.Errorf("tool executed %d times, want 2", got)
	}
	if got := mock.callCount(); got != 3 {
		t.Errorf("model called %d times, want 3", got)
	}
	if errs, _ := env.store.GetRecentErrors(context.Background(), 10); len(errs) != 0 {
		t.Errorf("duplicate abort logged %d tool errors", len(errs))
	}
}

func TestRunTurn_DuplicateGuardResets(t *testing.T) {
	// A, A, B, B, done: each run of repeats stays below the limit.
	a := call("c", "echo", map[string]any{"text": "a"})
	b := call("c", "echo", map[string]any{"text": "b"})
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(a), toolResponse(a), toolResponse(b), toolResponse(b), textResponse("fine"),
	}}
	env := buildTestLoop(t, mock)

	out, _, err := env.run(t, "alternate")
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateDone || env.execs["echo"] != 4 {
		t.Errorf("outcome = %+v, execs = %d", out, env.execs["echo"])
	}
}

func TestRunTurn_DuplicateWithinBatch(t *testing.T) {
	same := call("c", "echo", map[string]any{"text": "x"})
	mock := &mockLLM{responses: []*llm.ChatResponse{toolResponse(same, same, same)}}
	env := buildTestLoop(t, mock)

	out, _, _ := env.run(t, "batch")
	if out.State != StateAborted || env.execs["echo"] != 2 {
		t.Errorf("outcome = %+v, execs = %d", out, env.execs["echo"])
	}
}

func TestRunTurn_IterationCap(t *testing.T) {
	mock := &mockLLM{next: func(n int) (*llm.ChatResponse, error) {
		return toolResponse(call(fmt.Sprint(n), "echo", map[string]any{"text": fmt.Sprint(n)})), nil
	}}
	env := buildTestLoop(t, mock)

	out, r, err := env.run(t, "never ends")
	if err != nil {
		t.Fatal(err)
	}
	if got := mock.callCount(); got != DefaultMaxIterations {
		t.Errorf("model called %d times, want %d", got, DefaultMaxIterations)
	}
	if out.State != StateLimitExceeded || out.Iterations != DefaultMaxIterations {
		t.Errorf("outcome = %+v", out)
	}
	if r.last() != prompts.TooManySteps {
		t.Errorf("reply = %q", r.last())
	}
	if env.threads.Len("telegram:42") != 0 {
		t.Error("unfinished turn should not be added to the thread")
	}
}

func TestRunTurn_PauseMidTurn(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(
			call("c1", "pause_then_work", nil),
			call("c2", "echo", map[string]any{"text": "skipped"}),
		),
		textResponse("never sent"),
	}}
	env := buildTestLoop(t, mock)

	finished := false
	env.reg.Register(&tools.Tool{
		Name: "pause_then_work",
		Handler: func(context.Context, map[string]any) (string, error) {
			env.gov.Pause()
			finished = true
			return "in-flight work completed", nil
		},
	})

	out, r, err := env.run(t, "long task")
	if err != nil {
		t.Fatal(err)
	}
	if !finished {
		t.Error("in-flight tool did not finish")
	}
	if env.execs["echo"] != 0 {
		t.Error("tool after the pause ran")
	}
	if got := mock.callCount(); got != 1 {
		t.Errorf("model called %d times after pause, want 1", got)
	}
	if out.State != StateInterrupted || r.last() != prompts.InterruptedMessage {
		t.Errorf("outcome = %+v, reply = %q", out, r.last())
	}
	if env.gov.Active() != 0 {
		t.Error("token not released")
	}
}

func TestRunTurn_PauseAfterBatch(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(call("c1", "pause", nil)),
		textResponse("never sent"),
	}}
	env := buildTestLoop(t, mock)
	env.reg.Register(&tools.Tool{
		Name: "pause",
		Handler: func(context.Context, map[string]any) (string, error) {
			env.gov.Pause()
			return "ok", nil
		},
	})

	out, r, _ := env.run(t, "x")
	if mock.callCount() != 1 || out.State != StateInterrupted || r.last() != prompts.InterruptedMessage {
		t.Errorf("calls = %d, outcome = %+v, reply = %q", mock.callCount(), out, r.last())
	}
}

func TestRunTurn_Rejected(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*governor.Governor)
		wantState State
		wantReply string
	}{
		{
			name:      "paused",
			setup:     func(g *governor.Governor) { g.Pause() },
			wantState: StateAborted,
			wantReply: prompts.PausedMessage,
		},
		{
			name: "quota exhausted",
			setup: func(g *governor.Governor) {
				g.SetLimit(1)
				g.RecordCall()
			},
			wantState: StateLimitExceeded,
			wantReply: prompts.QuotaReached(1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockLLM{}
			env := buildTestLoop(t, mock)
			tt.setup(env.gov)

			out, r, err := env.run(t, "hello")
			if err != nil {
				t.Fatal(err)
			}
			if out.State != tt.wantState || r.last() != tt.wantReply {
				t.Errorf("outcome = %+v, reply = %q", out, r.last())
			}
			if mock.callCount() != 0 {
				t.Error("model was called")
			}
			hist, _ := env.store.GetHistory(context.Background(), "telegram", "42", 10)
			if len(hist) != 0 {
				t.Error("rejected message was logged")
			}
		})
	}
}

func TestRunTurn_QuotaMidTask(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(call("c1", "echo", map[string]any{"text": "a"})),
		textResponse("never"),
	}}
	env := buildTestLoop(t, mock)
	env.gov.SetLimit(1)

	out, r, _ := env.run(t, "x")
	if out.State != StateLimitExceeded || r.last() != prompts.QuotaReachedMidTask(1) {
		t.Errorf("outcome = %+v, reply = %q", out, r.last())
	}
	if mock.callCount() != 1 {
		t.Errorf("model called %d times, want 1", mock.callCount())
	}
}

func TestRunTurn_EmptyResponse(t *testing.T) {
	tests := []struct {
		name      string
		responses []*llm.ChatResponse
		want      string
	}{
		{
			name:      "nudge recovers",
			responses: []*llm.ChatResponse{textResponse(""), textResponse("Hello! How can I help?")},
			want:      "Hello! How can I help?",
		},
		{
			name:      "fallback after nudge",
			responses: []*llm.ChatResponse{textResponse("  "), textResponse("")},
			want:      prompts.EmptyResponseFallback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockLLM{responses: tt.responses}
			env := buildTestLoop(t, mock)

			out, _, err := env.run(t, "hi")
			if err != nil {
				t.Fatal(err)
			}
			if out.Text != tt.want || mock.callCount() != 2 {
				t.Errorf("text = %q, calls = %d", out.Text, mock.callCount())
			}
			last := mock.calls[1].Messages
			if got := last[len(last)-1]; got.Role != llm.RoleUser || got.Content != prompts.EmptyResponseNudge {
				t.Errorf("nudge not sent: %+v", got)
			}
		})
	}
}

func TestRunTurn_ModelError(t *testing.T) {
	apiErr := &llm.APIError{StatusCode: 529, Body: "overloaded"}
	mock := &mockLLM{next: func(int) (*llm.ChatResponse, error) { return nil, apiErr }}
	env := buildTestLoop(t, mock)

	out, r, err := env.run(t, "hi")
	if !errors.Is(err, ErrModelCall) {
		t.Fatalf("err = %v, want ErrModelCall", err)
	}
	var target *llm.APIError
	if !errors.As(err, &target) || target.StatusCode != 529 {
		t.Errorf("provider error not wrapped: %v", err)
	}
	if out.State != StateFailed || len(r.msgs) != 0 {
		t.Errorf("outcome = %+v, replies = %v", out, r.msgs)
	}
}

func TestRunTurn_Truncation(t *testing.T) {
	long := strings.Repeat("é", DefaultMaxToolResultChars+500)
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(call("c1", "echo", map[string]any{"text": long})),
		textResponse("ok"),
	}}
	env := buildTestLoop(t, mock)

	env.run(t, "big")
	got := mock.calls[1].Messages[2].Content
	if n := len([]rune(got)); n != DefaultMaxToolResultChars {
		t.Errorf("tool result has %d chars, want %d", n, DefaultMaxToolResultChars)
	}
}

func TestRunTurn_Acknowledge(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse("answer")}}
	env := buildTestLoop(t, mock)

	r := &replies{}
	tc := testTurn
	tc.Acknowledge = true
	env.loop.RunTurn(context.Background(), "q", r.add, tc)
	if len(r.msgs) != 2 || r.msgs[0] != prompts.Thinking || r.msgs[1] != "answer" {
		t.Errorf("replies = %v", r.msgs)
	}
}

func TestRunTurn_ToolContext(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(call("call_9", "whoami", nil)),
		textResponse("ok"),
	}}
	env := buildTestLoop(t, mock)

	var got []string
	env.reg.Register(&tools.Tool{
		Name: "whoami",
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			got = []string{
				tools.UserIDFromContext(ctx),
				tools.PlatformFromContext(ctx),
				tools.ConversationIDFromContext(ctx),
				tools.ToolCallIDFromContext(ctx),
			}
			return "", nil
		},
	})

	env.run(t, "who")
	want := []string{"42", "telegram", "telegram:42", "call_9"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("tool context = %v, want %v", got, want)
	}
}

func TestRunTurn_Events(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(call("c1", "echo", map[string]any{"text": "a"})),
		textResponse("done"),
	}}
	env := buildTestLoop(t, mock)

	env.run(t, "go")

	var kinds []string
	for _, e := range env.bus.Recent() {
		kinds = append(kinds, e.Kind)
	}
	want := []string{
		events.KindRequestStart,
		events.KindLLMCall, events.KindLLMResponse,
		events.KindToolCall, events.KindToolDone,
		events.KindLLMCall, events.KindLLMResponse,
		events.KindRequestComplete,
	}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v\nwant     %v", kinds, want)
	}
}

func TestRunTurn_MemoryInjection(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse("ok")}}
	env := buildTestLoop(t, mock)
	ctx := context.Background()

	if _, err := env.store.SaveMemory(ctx, "preference", "Alice drinks tea", memory.MemoryOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.SaveMemory(ctx, "fact", "archived thing", memory.MemoryOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.ArchiveMemoriesByQuery(ctx, "archived thing"); err != nil {
		t.Fatal(err)
	}

	env.run(t, "tea")
	sys := mock.calls[0].System
	if strings.Count(sys, "Alice drinks tea") != 1 {
		t.Errorf("memory should appear exactly once:\n%s", sys)
	}
	if strings.Contains(sys, "archived thing") {
		t.Error("archived memory injected")
	}
}

// A turn whose context dies while a tool runs ends interrupted. The
// error record is still written and the failure is not a storage error,
// so transports do not treat it as fatal.
func TestRunTurn_ContextEndsDuringTool(t *testing.T) {
	tests := []struct {
		name    string
		ctx     func() (context.Context, context.CancelFunc)
		cancel  bool
		wantErr error
	}{
		{
			name:    "deadline",
			ctx:     func() (context.Context, context.CancelFunc) { return context.WithTimeout(context.Background(), 50*time.Millisecond) },
			wantErr: context.DeadlineExceeded,
		},
		{
			name:    "client gone",
			ctx:     func() (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) },
			cancel:  true,
			wantErr: context.Canceled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockLLM{responses: []*llm.ChatResponse{
				toolResponse(call("c1", "slow", map[string]any{"url": "https://example.com"})),
				textResponse("never reached"),
			}}
			env := buildTestLoop(t, mock)

			ctx, cancel := tt.ctx()
			defer cancel()
			env.reg.Register(&tools.Tool{
				Name: "slow",
				Handler: func(ctx context.Context, _ map[string]any) (string, error) {
					if tt.cancel {
						cancel()
					}
					<-ctx.Done()
					return "", ctx.Err()
				},
			})

			r := &replies{}
			out, err := env.loop.RunTurn(ctx, "fetch it", r.add, testTurn)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if errors.Is(err, memory.ErrStorage) {
				t.Fatalf("err = %v is a storage failure", err)
			}
			if out.State != StateInterrupted {
				t.Errorf("state = %s, want interrupted", out.State)
			}
			if n := mock.callCount(); n != 1 {
				t.Errorf("model calls = %d, want 1", n)
			}

			errs, err := env.store.GetRecentErrors(context.Background(), 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(errs) != 1 || errs[0].Tool != "slow" {
				t.Errorf("error records = %+v, want one for slow", errs)
			}
		})
	}
}
