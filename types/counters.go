package types

import (
	"slices"
	"sync"
)

// AggregateCounters accumulates test-level totals across all jobs of a run.
// Failure and error names are stored in arrival order and sorted only when read.
type AggregateCounters struct {
	mu        sync.Mutex
	succeeded int
	failures  []string
	errors    []string
}

func NewAggregateCounters() *AggregateCounters {
	return &AggregateCounters{}
}

func (c *AggregateCounters) AddSucceeded(n int) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	c.succeeded += n
	c.mu.Unlock()
}

func (c *AggregateCounters) AddFailures(names ...string) {
	if len(names) == 0 {
		return
	}
	c.mu.Lock()
	c.failures = append(c.failures, names...)
	c.mu.Unlock()
}

func (c *AggregateCounters) AddErrors(names ...string) {
	if len(names) == 0 {
		return
	}
	c.mu.Lock()
	c.errors = append(c.errors, names...)
	c.mu.Unlock()
}

func (c *AggregateCounters) Succeeded() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.succeeded
}

// Failures returns a sorted copy of the failing test names.
func (c *AggregateCounters) Failures() []string {
	c.mu.Lock()
	out := slices.Clone(c.failures)
	c.mu.Unlock()
	slices.Sort(out)
	return out
}

// Errors returns a sorted copy of the erroring test names.
func (c *AggregateCounters) Errors() []string {
	c.mu.Lock()
	out := slices.Clone(c.errors)
	c.mu.Unlock()
	slices.Sort(out)
	return out
}

// Snapshot is an immutable, sorted view of the counters.
type Snapshot struct {
	Succeeded int      `json:"succeeded"`
	Failures  []string `json:"failures"`
	Errors    []string `json:"errors"`
}

// Snapshot reads all counters at one instant.
func (c *AggregateCounters) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		Succeeded: c.succeeded,
		Failures:  slices.Clone(c.failures),
		Errors:    slices.Clone(c.errors),
	}
	c.mu.Unlock()
	slices.Sort(s.Failures)
	slices.Sort(s.Errors)
	return s
}
