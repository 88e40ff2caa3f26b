package analyzer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum-optimism/infra/op-dtest/types"
)

var ErrUnknownPolicy = errors.New("unknown failure policy")

// Evidence is what the two scans found for one job.
type Evidence struct {
	ExitCode int
	TimedOut bool
	Marked   bool // a report file carried a failure or error marker
}

// FailurePolicy decides a job's status and the severity it proposes for the run.
type FailurePolicy interface {
	Name() string
	Classify(e Evidence) (types.JobStatus, types.BuildStatus)
}

// Strict treats a test failure as a failed job and a failed run.
type Strict struct{}

func (Strict) Name() string { return "strict" }

func (Strict) Classify(e Evidence) (types.JobStatus, types.BuildStatus) {
	switch {
	case e.TimedOut:
		return types.JobStatusTimedOut, types.BuildHadTimeouts
	case e.ExitCode != 0 || e.Marked:
		return types.JobStatusFailed, types.BuildFailed
	default:
		return types.JobStatusSucceeded, types.BuildSucceeded
	}
}

// Lenient keeps a job that exited 0 SUCCEEDED even when its reports mark failing tests; the
// failures only fold HAD_FAILURES_OR_ERRORS. A non-zero exit is always FAILED.
type Lenient struct{}

func (Lenient) Name() string { return "lenient" }

func (Lenient) Classify(e Evidence) (types.JobStatus, types.BuildStatus) {
	switch {
	case e.TimedOut:
		return types.JobStatusTimedOut, types.BuildHadTimeouts
	case e.ExitCode != 0:
		return types.JobStatusFailed, types.BuildFailed
	case e.Marked:
		return types.JobStatusSucceeded, types.BuildHadFailuresOrErrors
	default:
		return types.JobStatusSucceeded, types.BuildSucceeded
	}
}

var policies = map[string]FailurePolicy{
	Strict{}.Name():  Strict{},
	Lenient{}.Name(): Lenient{},
}

// LookupPolicy resolves a policy by name; the empty name is strict.
func LookupPolicy(name string) (FailurePolicy, error) {
	if name == "" {
		return Strict{}, nil
	}
	p, ok := policies[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownPolicy, name, PolicyNames())
	}
	return p, nil
}

func PolicyNames() []string {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
