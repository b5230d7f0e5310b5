package worker

import (
	"sync"
	"time"
)

// TickReport summarizes one scheduled run.
type TickReport struct {
	Kind      string        `json:"kind"`
	Due       int           `json:"due"`
	Processed int           `json:"processed"`
	Changed   int           `json:"changed"`
	Skipped   int           `json:"skipped"`
	Deferred  int           `json:"deferred"`
	Errors    int           `json:"errors"`
	Overlap   bool          `json:"overlap,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Tally collects counts from concurrent units of work.
type Tally struct {
	mu sync.Mutex
	r  TickReport
}

func (t *Tally) Processed(changed bool) {
	t.mu.Lock()
	t.r.Processed++
	if changed {
		t.r.Changed++
	}
	t.mu.Unlock()
}

func (t *Tally) Skipped() {
	t.mu.Lock()
	t.r.Skipped++
	t.mu.Unlock()
}

func (t *Tally) Deferred() {
	t.mu.Lock()
	t.r.Deferred++
	t.mu.Unlock()
}

func (t *Tally) Error() {
	t.mu.Lock()
	t.r.Errors++
	t.mu.Unlock()
}

// Report returns the collected counts.
func (t *Tally) Report(kind string, due int, started time.Time) TickReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.r
	r.Kind = kind
	r.Due = due
	r.Duration = time.Since(started)
	return r
}
