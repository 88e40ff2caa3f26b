package reporting

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-dtest/runner"
	"github.com/ethereum-optimism/infra/op-dtest/types"
)

func testReport(logDir string) Report {
	ids := &types.JobIDs{}
	ok := types.NewJobDescriptor(ids.Next(), types.JobParams{Directory: "common"})
	failing := types.NewJobDescriptor(ids.Next(), types.JobParams{Directory: "ql", IncludedTests: []string{"TestAcidOnTez", "TestB"}})
	faulted := types.NewJobDescriptor(ids.Next(), types.JobParams{Directory: "serde"})

	return Report{
		RunID:       "run-1",
		Label:       "nightly",
		GeneratedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Result: &runner.RunResult{
			State: types.BuildFailed,
			Counters: types.Snapshot{
				Succeeded: 12,
				Failures:  []string{"TestB.<script>"},
				Errors:    []string{"TestAcidOnTez.testGetSplitsLocks"},
			},
			Duration: 3 * time.Minute,
			Jobs: []*runner.JobRecord{
				{Job: ok, Outcome: types.JobCompleted, Status: types.JobStatusSucceeded, Succeeded: 10, Duration: time.Minute},
				{
					Job: failing, Outcome: types.JobCompleted, Status: types.JobStatusFailed, ExitCode: 1, Succeeded: 2,
					Failures: []string{"TestB.<script>"}, Errors: []string{"TestAcidOnTez.testGetSplitsLocks"},
					LogDir: filepath.Join(logDir, failing.Name()),
					LogFiles: []types.LogFile{
						{Path: "target/tmp/log/TestAcidOnTez.testGetSplitsLocks.log", Tag: "TestAcidOnTez.testGetSplitsLocks"},
						{Path: "target/surefire-reports", Tag: "Timed out"},
					},
				},
				{Job: faulted, Outcome: types.JobFaulted, Err: errors.New("docker daemon went away")},
			},
		},
	}
}

func TestRetainedLogs(t *testing.T) {
	r := testReport("/logs")
	assert.Equal(t, []RetainedLog{
		{Tag: "TestAcidOnTez.testGetSplitsLocks", Path: "/logs/0002-ql/TestAcidOnTez.testGetSplitsLocks/TestAcidOnTez.testGetSplitsLocks.log"},
		{Tag: "Timed out", Path: "/logs/0002-ql/Timed_out/surefire-reports"},
	}, RetainedLogs(r.Result))
}

func TestTextReporter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewTextReporter(&buf, false).Report(testReport("/logs")))

	out := buf.String()
	assert.Contains(t, out, "Test run nightly")
	assert.Contains(t, out, "FAULTED")
	assert.Contains(t, out, "Failed tests (1):\n  TestB.<script>\n")
	assert.Contains(t, out, "Errored tests (1):\n  TestAcidOnTez.testGetSplitsLocks\n")
	assert.Contains(t, out, "Retained logs (2):")
	assert.Contains(t, out, "Build state: FAILED")
}

func TestHTMLReporter(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHTMLReporter(dir)
	require.NoError(t, err)
	require.NoError(t, h.Report(testReport(filepath.Join(dir, "logs"))))

	data, err := os.ReadFile(filepath.Join(dir, HTMLReportFile))
	require.NoError(t, err)
	html := string(data)
	assert.Contains(t, html, "<title>Test run nightly</title>")
	assert.Contains(t, html, `class="state fail">FAILED`)
	assert.Contains(t, html, "TestB.&lt;script&gt;")
	assert.NotContains(t, html, "TestB.<script>")
	assert.Contains(t, html, `href="logs/0002-ql/TestAcidOnTez.testGetSplitsLocks/TestAcidOnTez.testGetSplitsLocks.log"`)
	assert.Contains(t, html, "docker daemon went away")
	assert.Contains(t, html, "2025-06-01 12:00:00 UTC")
}

func TestWriteSummaryJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, JSONReporter{Dir: dir}.Report(testReport("/logs")))

	data, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "FAILED", got["state"])
	assert.Equal(t, "nightly", got["label"])
	assert.EqualValues(t, 12, got["succeeded"])
	assert.Equal(t, []any{"TestAcidOnTez.testGetSplitsLocks"}, got["errors"])

	jobs := got["jobs"].([]any)
	require.Len(t, jobs, 3)
	faulted := jobs[2].(map[string]any)
	assert.Equal(t, "FAULTED", faulted["outcome"])
	assert.Equal(t, "docker daemon went away", faulted["error"])
	assert.Equal(t, "0003-serde", faulted["name"])
}
