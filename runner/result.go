package runner

import (
	"time"

	"github.com/ethereum-optimism/infra/op-dtest/types"
)

// JobRecord is what the scheduler observed for one job. It is written only by the worker
// running the job and must be read after Run returned.
type JobRecord struct {
	Job       *types.JobDescriptor
	Outcome   types.JobOutcome
	Status    types.JobStatus
	ExitCode  int
	Succeeded int
	Failures  []string
	Errors    []string
	Duration  time.Duration
	LogDir    string
	LogFiles  []types.LogFile
	Err       error
}

// RunResult is the verdict of a run.
type RunResult struct {
	State    types.BuildStatus
	Counters types.Snapshot
	Jobs     []*JobRecord
	Duration time.Duration
}

// CountByOutcome tallies jobs per outcome.
func (r *RunResult) CountByOutcome() map[types.JobOutcome]int {
	counts := make(map[types.JobOutcome]int)
	for _, j := range r.Jobs {
		counts[j.Outcome]++
	}
	return counts
}

// FailedJobs returns the jobs that did not complete with a SUCCEEDED status, in submission order.
func (r *RunResult) FailedJobs() []*JobRecord {
	var out []*JobRecord
	for _, j := range r.Jobs {
		if j.Outcome == types.JobCancelled {
			continue
		}
		if j.Outcome != types.JobCompleted || j.Status != types.JobStatusSucceeded {
			out = append(out, j)
		}
	}
	return out
}
