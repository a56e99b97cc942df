// Package telephony lets people talk to Kiki on the phone. Twilio posts
// call events to the webhooks here; caller speech is transcribed by
// Twilio's <Gather> and each utterance runs as one agent turn whose
// reply is spoken back. Outbound calls go through the REST Client.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clawdbot/kiki/internal/agent"
	"github.com/clawdbot/kiki/internal/events"
	"github.com/clawdbot/kiki/internal/governor"
	"github.com/clawdbot/kiki/internal/memory"
	"github.com/clawdbot/kiki/internal/thread"
)

// Platform is the conversation-log platform name for phone turns.
const Platform = "phone"

// RoutePrefix is where the webhooks are mounted; TwiML actions refer to
// it.
const RoutePrefix = "/twilio"

// DefaultVoice is the Twilio voice used when none is configured.
const DefaultVoice = "Polly.Joanna"

// turnTimeout bounds one spoken turn. Twilio gives up on a webhook after
// 15 seconds, so longer turns lose the call anyway.
const turnTimeout = 14 * time.Second

// Spoken messages.
const (
	sayNoSpeech   = "Sorry, I didn't catch that. Could you say it again?"
	sayTrouble    = "I'm having trouble right now. Let me try again."
	sayGoodbye    = "Goodbye!"
	sayStillThere = "I didn't hear anything, so I'll hang up now. Goodbye!"
)

// Runner abstracts the agent loop for testability. The real
// implementation is *agent.Loop.
type Runner interface {
	RunTurn(ctx context.Context, userMessage string, reply func(string), tc agent.TurnContext) (agent.Outcome, error)
}

// HandlerConfig holds the dependencies for a Handler.
type HandlerConfig struct {
	Runner   Runner
	Governor *governor.Governor
	Threads  *thread.Cache
	Events   *events.Bus
	Logger   *slog.Logger

	// Name is how Kiki introduces itself on inbound calls.
	Name  string
	Voice string

	// AuthToken and PublicURL validate X-Twilio-Signature when
	// ValidateSignatures is set.
	AuthToken          string
	PublicURL          string
	ValidateSignatures bool

	// OnFatal is called when a storage failure makes continuing unsafe.
	OnFatal func(error)
}

// Handler serves the Twilio voice webhooks.
type Handler struct {
	runner  Runner
	gov     *governor.Governor
	threads *thread.Cache
	events  *events.Bus
	logger  *slog.Logger
	name    string
	voice   string
	onFatal func(error)

	authToken string
	publicURL string
	validate  bool
}

// NewHandler creates the webhook handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "Kiki"
	}
	voice := cfg.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	return &Handler{
		runner:    cfg.Runner,
		gov:       cfg.Governor,
		threads:   cfg.Threads,
		events:    cfg.Events,
		logger:    logger.With("component", "telephony"),
		name:      name,
		voice:     voice,
		onFatal:   cfg.OnFatal,
		authToken: cfg.AuthToken,
		publicURL: cfg.PublicURL,
		validate:  cfg.ValidateSignatures,
	}
}

// Routes returns the webhook router, to be mounted at RoutePrefix.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	if h.validate {
		r.Use(RequireSignature(h.authToken, h.publicURL))
	}
	r.Post("/voice", h.handleVoice)
	r.Post("/process", h.handleProcess)
	r.Post("/status", h.handleStatus)
	return r
}

func (h *Handler) say(text string) Say {
	return Say{Voice: h.voice, Text: text}
}

func (h *Handler) gather(prompt string) Gather {
	g := Gather{
		Input:         "speech",
		Action:        RoutePrefix + "/process",
		Method:        http.MethodPost,
		Language:      "en-US",
		Timeout:       5,
		SpeechTimeout: "auto",
	}
	if prompt != "" {
		s := h.say(prompt)
		g.Say = &s
	}
	return g
}

// listen gathers the caller's next utterance and hangs up if none comes.
func (h *Handler) listen(resp *Response, prompt string) {
	resp.Add(h.gather(prompt), h.say(sayStillThere), Hangup{})
}

// handleVoice answers a new call. Inbound callers hear a greeting;
// outbound calls placed by make_phone_call carry their opening line in
// the message query parameter.
func (h *Handler) handleVoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	callSID := r.PostForm.Get("CallSid")
	from := r.PostForm.Get("From")
	direction := r.PostForm.Get("Direction")

	h.logger.Info("call started", "call_sid", callSID, "from", from, "direction", direction)
	h.events.Emit(events.SourceTelephony, events.KindCallStarted, map[string]any{
		"call_sid":  callSID,
		"from":      from,
		"to":        r.PostForm.Get("To"),
		"direction": direction,
	})

	opening := strings.TrimSpace(r.URL.Query().Get("message"))
	if opening != "" {
		opening = Speakable(opening)
	} else {
		opening = fmt.Sprintf("Hi, this is %s. How can I help you?", h.name)
	}

	resp := &Response{}
	h.listen(resp, opening)
	h.writeTwiML(w, resp)
}

// handleProcess runs one caller utterance through the agent loop.
func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	callSID := r.PostForm.Get("CallSid")
	caller := callerID(r)
	speech := strings.TrimSpace(r.PostForm.Get("SpeechResult"))

	resp := &Response{}
	if speech == "" {
		h.listen(resp, sayNoSpeech)
		h.writeTwiML(w, resp)
		return
	}

	h.logger.Info("caller speech received",
		"call_sid", callSID,
		"caller", caller,
		"speech_len", len(speech),
		"confidence", r.PostForm.Get("Confidence"),
	)

	answer, ok := h.runTurn(r.Context(), callSID, caller, speech)
	switch {
	case !ok:
		h.listen(resp, sayTrouble)
	case shouldHangUp(speech, answer) || (h.gov != nil && !h.gov.CanProceed()):
		resp.Add(h.say(answer), h.say(sayGoodbye), Hangup{})
	default:
		resp.Add(h.say(answer))
		h.listen(resp, "")
	}
	h.writeTwiML(w, resp)
}

// runTurn returns the speakable reply, or false when the turn failed.
func (h *Handler) runTurn(ctx context.Context, callSID, caller, speech string) (answer string, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, turnTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("phone turn panicked", "call_sid", callSID, "panic", p, "stack", string(debug.Stack()))
			answer, ok = "", false
		}
	}()

	// Only the last message is spoken; "thinking" acknowledgements are
	// not sent on calls.
	var last string
	out, err := h.runner.RunTurn(ctx, speech, func(s string) { last = s }, agent.TurnContext{
		Platform:       Platform,
		UserID:         caller,
		ConversationID: Platform + ":" + callSID,
	})
	if err != nil {
		h.logger.Error("phone turn failed", "call_sid", callSID, "request_id", out.RequestID, "error", err)
		if errors.Is(err, memory.ErrStorage) && h.onFatal != nil {
			h.onFatal(err)
		}
		return "", false
	}
	h.logger.Info("phone turn completed", "call_sid", callSID, "request_id", out.RequestID, "state", out.State)

	answer = Speakable(last)
	if answer == "" {
		return "", false
	}
	return answer, true
}

// handleStatus records call progress callbacks and drops the call's
// thread once it ends.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	callSID := r.PostForm.Get("CallSid")
	status := r.PostForm.Get("CallStatus")

	h.logger.Info("call status", "call_sid", callSID, "status", status, "duration", r.PostForm.Get("CallDuration"))
	h.events.Emit(events.SourceTelephony, events.KindCallStatus, map[string]any{
		"call_sid": callSID,
		"status":   status,
		"duration": r.PostForm.Get("CallDuration"),
	})

	switch status {
	case "completed", "busy", "failed", "no-answer", "canceled":
		if h.threads != nil {
			h.threads.Clear(Platform + ":" + callSID)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeTwiML(w http.ResponseWriter, resp *Response) {
	body, err := resp.Marshal()
	if err != nil {
		h.logger.Error("twiml render failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.Write(body)
}

// callerID identifies the remote party: the caller on inbound calls, the
// callee on outbound ones.
func callerID(r *http.Request) string {
	number := r.PostForm.Get("From")
	if strings.HasPrefix(r.PostForm.Get("Direction"), "outbound") {
		number = r.PostForm.Get("To")
	}
	if number == "" {
		return ""
	}
	return Platform + ":" + number
}

// shouldHangUp reports whether the caller said goodbye or the reply did.
func shouldHangUp(speech, answer string) bool {
	return containsPhrase(speech, "goodbye", "bye", "hang up") ||
		containsPhrase(answer, "goodbye")
}

func containsPhrase(s string, phrases ...string) bool {
	words := " " + strings.Join(strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	}), " ") + " "
	for _, p := range phrases {
		if strings.Contains(words, " "+p+" ") {
			return true
		}
	}
	return false
}
