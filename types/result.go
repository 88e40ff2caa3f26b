package types

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// JobStatus is the per-job verdict assigned by the analyzer.
type JobStatus string

const (
	JobStatusUnset     JobStatus = ""
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusTimedOut  JobStatus = "TIMED_OUT"
)

// JobOutcome tracks a job through the scheduler: SUBMITTED → RUNNING → {COMPLETED, FAULTED}.
// CANCELLED covers jobs that never ran or were interrupted by run cancellation.
type JobOutcome string

const (
	JobSubmitted JobOutcome = "SUBMITTED"
	JobRunning   JobOutcome = "RUNNING"
	JobCompleted JobOutcome = "COMPLETED"
	JobFaulted   JobOutcome = "FAULTED"
	JobCancelled JobOutcome = "CANCELLED"
)

var (
	ErrStatusAlreadySet = errors.New("job status already set")
	ErrStatusFinal      = errors.New("job status is final, no more log files can be added")
)

// LogFile is a file inside the job's container to retain, tagged with the test it belongs to.
type LogFile struct {
	Path string
	Tag  string
}

// JobResult is the outcome of executing one JobDescriptor.
type JobResult struct {
	Job       *JobDescriptor
	Handle    string // backend reference to the container, e.g. its name
	ExitCode  int
	RawOutput string
	ReportDir string // local directory holding this job's report files, if staged
	Duration  time.Duration

	mu       sync.Mutex
	status   JobStatus
	logFiles []LogFile
	seen     map[string]struct{}
}

func NewJobResult(job *JobDescriptor, handle string, exitCode int, rawOutput string) *JobResult {
	return &JobResult{
		Job:       job,
		Handle:    handle,
		ExitCode:  exitCode,
		RawOutput: rawOutput,
		seen:      make(map[string]struct{}),
	}
}

// SetStatus finalizes the result. It may be called exactly once.
func (r *JobResult) SetStatus(status JobStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != JobStatusUnset {
		return fmt.Errorf("%w: %s", ErrStatusAlreadySet, r.status)
	}
	r.status = status
	return nil
}

func (r *JobResult) Status() JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// AddLogFile enqueues a container path for retention. Paths are deduplicated.
func (r *JobResult) AddLogFile(path, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != JobStatusUnset {
		return ErrStatusFinal
	}
	if r.seen == nil {
		r.seen = make(map[string]struct{})
	}
	if _, ok := r.seen[path]; ok {
		return nil
	}
	r.seen[path] = struct{}{}
	r.logFiles = append(r.logFiles, LogFile{Path: path, Tag: tag})
	return nil
}

// LogFiles returns the enqueued files in insertion order.
func (r *JobResult) LogFiles() []LogFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogFile, len(r.logFiles))
	copy(out, r.logFiles)
	return out
}
