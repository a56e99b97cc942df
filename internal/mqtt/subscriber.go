package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/clawdbot/kiki/internal/events"
)

// Platform identifies MQTT as the origin of governor changes.
const Platform = "mqtt"

// Command actions accepted on the command topic.
const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionLimit  = "limit"
)

// ErrUnknownCommand is returned by ParseCommand for unrecognized input.
var ErrUnknownCommand = errors.New("unknown command")

// Command is a parsed control message.
type Command struct {
	Action string
	Limit  int
}

// ParseCommand parses a command payload: "pause", "resume" or
// "limit <n>", case-insensitive, surrounding whitespace ignored.
func ParseCommand(payload []byte) (Command, error) {
	fields := strings.Fields(strings.ToLower(string(payload)))
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty payload", ErrUnknownCommand)
	}
	switch fields[0] {
	case ActionPause, ActionResume:
		if len(fields) != 1 {
			return Command{}, fmt.Errorf("%w: %s takes no argument", ErrUnknownCommand, fields[0])
		}
		return Command{Action: fields[0]}, nil
	case ActionLimit:
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("%w: usage: limit <number>", ErrUnknownCommand)
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 0 {
			return Command{}, fmt.Errorf("%w: limit must be a non-negative integer", ErrUnknownCommand)
		}
		return Command{Action: ActionLimit, Limit: n}, nil
	}
	return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, fields[0])
}

// handleCommand applies one message from the command topic to the
// governor and republishes the status so subscribers see the change.
func (p *Publisher) handleCommand(ctx context.Context, payload []byte) {
	if !p.limiter.allow() {
		return
	}
	cmd, err := ParseCommand(payload)
	if err != nil {
		p.logger.Warn("mqtt command rejected", "payload_size", len(payload), "error", err)
		return
	}

	switch cmd.Action {
	case ActionPause:
		p.gov.Pause()
		p.events.Emit(events.SourceGovernor, events.KindPaused, map[string]any{"via": Platform})
	case ActionResume:
		p.gov.Resume()
		p.events.Emit(events.SourceGovernor, events.KindResumed, map[string]any{"via": Platform})
	case ActionLimit:
		p.gov.SetLimit(cmd.Limit)
		p.events.Emit(events.SourceGovernor, events.KindLimitChanged, map[string]any{"via": Platform, "limit": cmd.Limit})
	}
	p.logger.Info("mqtt command applied", "action", cmd.Action, "limit", cmd.Limit)
	p.publishStatus(ctx)
}

// messageRateLimiter drops inbound messages beyond limit per interval.
// Counters are atomic so the receive path never blocks.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled,
// warning when messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			if dropped := r.dropped.Swap(0); dropped > 0 {
				r.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
