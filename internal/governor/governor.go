// Package governor gates model usage for the whole process. It owns the
// pause flag, the daily model-call quota and the cancellation tokens of
// in-flight turns.
//
// State lives in memory only. A restart clears the pause flag and the
// daily count.
package governor

import (
	"sync"
	"time"
)

// DefaultDailyLimit is used when Config.DailyLimit is zero.
const DefaultDailyLimit = 100

const dateLayout = "2006-01-02"

// Config configures a Governor.
type Config struct {
	// DailyLimit of zero takes DefaultDailyLimit; negative means zero.
	DailyLimit int
	// Now returns the current time. Defaults to time.Now. The calendar
	// day is taken in the location of the returned time.
	Now func() time.Time
}

// Governor is safe for concurrent use.
type Governor struct {
	mu        sync.Mutex
	now       func() time.Time
	paused    bool
	count     int
	limit     int
	resetDate string
	tokens    map[*Token]struct{}
}

// Usage is a snapshot of the governor's counters.
type Usage struct {
	Count  int    `json:"count"`
	Limit  int    `json:"limit"`
	Paused bool   `json:"paused"`
	Date   string `json:"date"`
}

// Remaining returns how many model calls are left today.
func (u Usage) Remaining() int {
	return max(u.Limit-u.Count, 0)
}

// New creates a Governor.
func New(cfg Config) *Governor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DailyLimit == 0 {
		cfg.DailyLimit = DefaultDailyLimit
	}
	return &Governor{
		now:       cfg.Now,
		limit:     max(cfg.DailyLimit, 0),
		resetDate: cfg.Now().Format(dateLayout),
		tokens:    make(map[*Token]struct{}),
	}
}

// resetIfNewDay must be called with g.mu held.
func (g *Governor) resetIfNewDay() {
	today := g.now().Format(dateLayout)
	if today != g.resetDate {
		g.count = 0
		g.resetDate = today
	}
}

// CanProceed reports whether a model call may be made now: not paused
// and under today's limit.
func (g *Governor) CanProceed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfNewDay()
	return !g.paused && g.count < g.limit
}

// Paused reports the pause flag.
func (g *Governor) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// QuotaExhausted reports whether today's limit has been reached.
func (g *Governor) QuotaExhausted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfNewDay()
	return g.count >= g.limit
}

// RecordCall counts one model invocation against today's quota.
func (g *Governor) RecordCall() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfNewDay()
	g.count++
}

// Pause stops new turns and signals every outstanding token. Work in
// progress stops at its next checkpoint.
func (g *Governor) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = true
	for t := range g.tokens {
		t.cancel()
	}
}

// Resume clears the pause flag. Tokens cancelled by an earlier Pause
// stay cancelled.
func (g *Governor) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = false
}

// SetLimit replaces the daily limit. Negative values are treated as zero.
func (g *Governor) SetLimit(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limit = max(n, 0)
}

// Usage returns the current counters.
func (g *Governor) Usage() Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfNewDay()
	return Usage{
		Count:  g.count,
		Limit:  g.limit,
		Paused: g.paused,
		Date:   g.resetDate,
	}
}

// Acquire registers a cancellation token for one turn. A token acquired
// while paused starts out cancelled. Callers must Release it.
func (g *Governor) Acquire() *Token {
	t := &Token{done: make(chan struct{}), gov: g}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		t.cancel()
		return t
	}
	g.tokens[t] = struct{}{}
	return t
}

// Active returns the number of unreleased tokens.
func (g *Governor) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tokens)
}

func (g *Governor) release(t *Token) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tokens, t)
}
