package mqtt

import (
	"sync"
	"time"

	"github.com/clawdbot/kiki/internal/events"
)

// DailyTokens totals model token usage for the current local day. It is
// fed from llm_response events and safe for concurrent use.
type DailyTokens struct {
	mu     sync.Mutex
	input  int64
	output int64
	day    string
	now    func() time.Time
}

// NewDailyTokens creates an accumulator. A nil now uses time.Now.
func NewDailyTokens(now func() time.Time) *DailyTokens {
	if now == nil {
		now = time.Now
	}
	return &DailyTokens{now: now, day: now().Format(time.DateOnly)}
}

// Add records the token counts of one model call.
func (d *DailyTokens) Add(input, output int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	d.input += input
	d.output += output
}

// Observe records an llm_response event; other events are ignored.
func (d *DailyTokens) Observe(e events.Event) {
	if e.Source != events.SourceAgent || e.Kind != events.KindLLMResponse {
		return
	}
	d.Add(asInt64(e.Data["tokens_in"]), asInt64(e.Data["tokens_out"]))
}

// Snapshot returns today's input and output totals.
func (d *DailyTokens) Snapshot() (input, output int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	return d.input, d.output
}

// maybeReset zeroes the totals when the local date changes. d.mu must be
// held.
func (d *DailyTokens) maybeReset() {
	if today := d.now().Format(time.DateOnly); today != d.day {
		d.input, d.output = 0, 0
		d.day = today
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
