package run

import "sync"

// StepResult is one finished step as reported by the engine.
type StepResult struct {
	Step   int    `json:"step"`
	Prompt string `json:"prompt"`
	Result string `json:"result"`
}

// Accumulator is the append-only, ordered log of step results for one session.
// Results keep engine arrival order; nothing is sorted, deduplicated or dropped.
type Accumulator struct {
	mu      sync.RWMutex
	results []StepResult
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Append adds r at the end of the log and returns its index.
func (a *Accumulator) Append(r StepResult) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, r)
	return len(a.results) - 1
}

// Results returns a copy of the log.
func (a *Accumulator) Results() []StepResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]StepResult, len(a.results))
	copy(out, a.results)
	return out
}

// Len returns the number of results.
func (a *Accumulator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.results)
}
