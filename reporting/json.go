package reporting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum-optimism/infra/op-dtest/types"
)

const SummaryFile = "summary.json"

// Summary is the machine-readable form of a report.
type Summary struct {
	RunID       string            `json:"runId"`
	Label       string            `json:"label"`
	GeneratedAt time.Time         `json:"generatedAt"`
	State       types.BuildStatus `json:"state"`
	Duration    string            `json:"duration"`
	types.Snapshot
	Jobs []JobSummary `json:"jobs"`
}

type JobSummary struct {
	ID        uint64           `json:"id"`
	Name      string           `json:"name"`
	Directory string           `json:"directory"`
	Tests     []string         `json:"tests,omitempty"`
	Outcome   types.JobOutcome `json:"outcome"`
	Status    types.JobStatus  `json:"status,omitempty"`
	ExitCode  int              `json:"exitCode"`
	Duration  string           `json:"duration"`
	LogDir    string           `json:"logDir,omitempty"`
	Error     string           `json:"error,omitempty"`
}

func NewSummary(r Report) Summary {
	s := Summary{
		RunID:       r.RunID,
		Label:       r.Label,
		GeneratedAt: r.GeneratedAt,
		State:       r.Result.State,
		Duration:    r.Result.Duration.String(),
		Snapshot:    r.Result.Counters,
	}
	for _, job := range r.Result.Jobs {
		js := JobSummary{
			ID:        job.Job.ID(),
			Name:      job.Job.Name(),
			Directory: job.Job.Directory(),
			Tests:     job.Job.IncludedTests(),
			Outcome:   job.Outcome,
			Status:    job.Status,
			ExitCode:  job.ExitCode,
			Duration:  job.Duration.String(),
			LogDir:    job.LogDir,
		}
		if job.Err != nil {
			js.Error = job.Err.Error()
		}
		s.Jobs = append(s.Jobs, js)
	}
	return s
}

// WriteSummaryJSON writes summary.json into dir.
func WriteSummaryJSON(dir string, r Report) error {
	data, err := json.MarshalIndent(NewSummary(r), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, SummaryFile), data, 0o644)
}

// JSONReporter adapts WriteSummaryJSON to Reporter.
type JSONReporter struct {
	Dir string
}

func (j JSONReporter) Report(r Report) error {
	return WriteSummaryJSON(j.Dir, r)
}
