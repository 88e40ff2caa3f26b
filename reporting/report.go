// Package reporting renders the verdict of a run for humans and machines.
package reporting

import (
	"fmt"
	"sort"
	"time"

	"github.com/ethereum-optimism/infra/op-dtest/backend"
	"github.com/ethereum-optimism/infra/op-dtest/runner"
	"github.com/ethereum-optimism/infra/op-dtest/types"
)

// Report is everything a reporter renders.
type Report struct {
	RunID       string
	Label       string
	GeneratedAt time.Time
	Result      *runner.RunResult
}

// Reporter produces one artifact from a report.
type Reporter interface {
	Report(r Report) error
}

// RetainedLog is a retained log file grouped under the test it was retained for.
type RetainedLog struct {
	Tag  string
	Path string // local path of the copy
}

// RetainedLogs lists the local copies of every log retained by the run, sorted by tag then path.
func RetainedLogs(result *runner.RunResult) []RetainedLog {
	var out []RetainedLog
	for _, job := range result.Jobs {
		if job.LogDir == "" {
			continue
		}
		for _, lf := range job.LogFiles {
			out = append(out, RetainedLog{Tag: lf.Tag, Path: backend.RetainedPath(job.LogDir, lf)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tag != out[j].Tag {
			return out[i].Tag < out[j].Tag
		}
		return out[i].Path < out[j].Path
	})
	return out
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Truncate(time.Second).String()
}

func statusText(job *runner.JobRecord) string {
	if job.Status == types.JobStatusUnset {
		return "-"
	}
	return string(job.Status)
}
