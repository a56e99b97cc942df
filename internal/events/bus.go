// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (agent loop, Telegram
// bridge, telephony, governor) to subscribers (the WebSocket handler,
// the MQTT publisher). The bus is nil-safe: calling Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the core agent loop.
	SourceAgent = "agent"
	// SourceTelegram identifies events from the Telegram bridge.
	SourceTelegram = "telegram"
	// SourceTelephony identifies events from the phone webhooks.
	SourceTelephony = "telephony"
	// SourceGovernor identifies operator control changes.
	SourceGovernor = "governor"
	// SourceConnwatch identifies reachability changes of external services.
	SourceConnwatch = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of a turn.
	// Data: request_id, conversation_id, platform, user_id.
	KindRequestStart = "request_start"
	// KindLLMCall signals the start of a model call.
	// Data: request_id, iter, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a model call.
	// Data: request_id, iter, model, tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: request_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: request_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRequestComplete signals the end of a turn.
	// Data: request_id, state, iterations, tool_calls, elapsed_ms.
	KindRequestComplete = "request_complete"

	// KindMessageReceived signals an inbound chat message.
	// Data: user_id, conversation_id, message_len.
	KindMessageReceived = "message_received"
	// KindCommand signals an operator slash command.
	// Data: user_id, command.
	KindCommand = "command"

	// KindCallStarted signals an inbound or outbound phone call.
	// Data: call_sid, direction, to, from.
	KindCallStarted = "call_started"
	// KindCallStatus signals a call status callback.
	// Data: call_sid, status.
	KindCallStatus = "call_status"

	// KindPaused, KindResumed and KindLimitChanged report governor
	// control changes. Data: via, and limit for KindLimitChanged.
	KindPaused       = "paused"
	KindResumed      = "resumed"
	KindLimitChanged = "limit_changed"

	// KindServiceUp and KindServiceDown report a watched service
	// becoming reachable or unreachable. Data: service, and error for
	// KindServiceDown.
	KindServiceUp   = "service_up"
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// DefaultHistory is how many recent events a bus keeps for late
// subscribers.
const DefaultHistory = 100

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers. The most recent events are retained so a new
// subscriber can be shown what just happened.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's view of the channel.
	recvToSend map[<-chan Event]chan Event

	history []Event
	next    int
	full    bool

	now func() time.Time
}

// New creates a new event bus retaining DefaultHistory events.
func New() *Bus {
	return NewWithHistory(DefaultHistory)
}

// NewWithHistory creates a bus retaining the last n events. n <= 0
// disables retention.
func NewWithHistory(n int) *Bus {
	b := &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
		now:        time.Now,
	}
	if n > 0 {
		b.history = make([]Event, n)
	}
	return b
}

// Publish sends an event to all subscribers. A zero Timestamp is set to
// the current time. Non-blocking: if a subscriber's channel is full, the
// event is dropped for that subscriber. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.history) > 0 {
		b.history[b.next] = e
		b.next = (b.next + 1) % len(b.history)
		if b.next == 0 {
			b.full = true
		}
	}

	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Recent returns the retained events, oldest first.
func (b *Bus) Recent() []Event {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.full {
		return append([]Event(nil), b.history[:b.next]...)
	}
	out := make([]Event, 0, len(b.history))
	out = append(out, b.history[b.next:]...)
	return append(out, b.history[:b.next]...)
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe. 64 is a reasonable bufSize
// for WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
