package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/conduit/internal/events"
)

// Usage is a day's activity totals.
type Usage struct {
	Day          string `json:"day"`
	Requests     int64  `json:"requests"`
	ModelCalls   int64  `json:"model_calls"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	ToolCalls    int64  `json:"tool_calls"`
	ToolFailures int64  `json:"tool_failures"`
}

// DailyUsage accumulates activity from operational events and resets at
// local midnight. It is safe for concurrent use.
type DailyUsage struct {
	mu  sync.Mutex
	loc *time.Location
	now func() time.Time
	u   Usage
}

// NewDailyUsage creates an accumulator using loc for midnight detection.
// If loc is nil, [time.Local] is used.
func NewDailyUsage(loc *time.Location) *DailyUsage {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyUsage{loc: loc, now: time.Now}
	d.u.Day = d.today()
	return d
}

func (d *DailyUsage) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// Observe folds one event into the totals. Events that carry no usage
// are ignored.
func (d *DailyUsage) Observe(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()

	switch e.Kind {
	case events.KindRequestStart:
		d.u.Requests++
	case events.KindLLMResponse:
		d.u.ModelCalls++
		d.u.InputTokens += intField(e.Data, "tokens_in")
		d.u.OutputTokens += intField(e.Data, "tokens_out")
	case events.KindToolDone:
		d.u.ToolCalls++
		if ok, _ := e.Data["ok"].(bool); !ok {
			d.u.ToolFailures++
		}
	}
}

// Snapshot returns the current totals after checking for rollover.
func (d *DailyUsage) Snapshot() Usage {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	return d.u
}

// maybeReset zeroes the totals when the local date changed. Must be
// called with d.mu held.
func (d *DailyUsage) maybeReset() {
	if today := d.today(); today != d.u.Day {
		d.u = Usage{Day: today}
	}
}

// intField reads a numeric event field. Publishers use Go ints; events
// that went through JSON carry float64.
func intField(data map[string]any, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}
