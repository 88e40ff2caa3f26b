package types

import (
	"fmt"
	"sync"
)

// BuildStatus is the severity of a run outcome. Values are ordered: a larger value is a worse outcome.
type BuildStatus int

const (
	BuildNotInitialized BuildStatus = iota
	BuildSucceeded
	BuildHadFailuresOrErrors
	BuildHadTimeouts
	BuildFailed
	BuildTimedOut
)

var buildStatusNames = map[BuildStatus]string{
	BuildNotInitialized:      "NOT_INITIALIZED",
	BuildSucceeded:           "SUCCEEDED",
	BuildHadFailuresOrErrors: "HAD_FAILURES_OR_ERRORS",
	BuildHadTimeouts:         "HAD_TIMEOUTS",
	BuildFailed:              "FAILED",
	BuildTimedOut:            "TIMED_OUT",
}

func (s BuildStatus) String() string {
	if name, ok := buildStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("BuildStatus(%d)", int(s))
}

// ParseBuildStatus is the inverse of BuildStatus.String.
func ParseBuildStatus(name string) (BuildStatus, error) {
	for status, n := range buildStatusNames {
		if n == name {
			return status, nil
		}
	}
	return BuildNotInitialized, fmt.Errorf("unknown build status %q", name)
}

// MarshalText implements encoding.TextMarshaler so summaries carry the readable name.
func (s BuildStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *BuildStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseBuildStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// BuildState holds the run-wide verdict. It only ever moves towards a worse BuildStatus:
// every mutator is max(current, proposed) under a single mutex, so concurrent workers can
// report in any order and the final value is the worst status anyone proposed.
type BuildState struct {
	mu     sync.Mutex
	status BuildStatus
}

// NewBuildState returns a state at BuildNotInitialized.
func NewBuildState() *BuildState {
	return &BuildState{}
}

func (b *BuildState) propose(status BuildStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if status > b.status {
		b.status = status
	}
}

// Update folds another state's current severity into b.
func (b *BuildState) Update(other *BuildState) {
	if other == nil || other == b {
		return
	}
	b.propose(other.State())
}

// Propose folds an explicit status into the state.
func (b *BuildState) Propose(status BuildStatus) {
	b.propose(status)
}

func (b *BuildState) Success() {
	b.propose(BuildSucceeded)
}

func (b *BuildState) SawTestFailureOrError() {
	b.propose(BuildHadFailuresOrErrors)
}

func (b *BuildState) SawTimeouts() {
	b.propose(BuildHadTimeouts)
}

func (b *BuildState) Fail() {
	b.propose(BuildFailed)
}

func (b *BuildState) Timeout() {
	b.propose(BuildTimedOut)
}

// State returns the current status. Safe to call while workers are still reporting.
func (b *BuildState) State() BuildStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *BuildState) String() string {
	return b.State().String()
}
