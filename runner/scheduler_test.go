package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-dtest/analyzer"
	"github.com/ethereum-optimism/infra/op-dtest/backend"
	"github.com/ethereum-optimism/infra/op-dtest/types"
)

const acidOnTezReport = `<testsuite name="org.dtest.TestAcidOnTez" tests="2" errors="1" failures="0">
  <testcase name="testMapJoin"/>
  <testcase name="testGetSplitsLocks"><error message="lock timeout"/></testcase>
</testsuite>`

type runFunc func(ctx context.Context, job *types.JobDescriptor) (int, string, error)

// fakeBackend runs jobs in memory. Reports maps job IDs to report files served by FetchReports.
type fakeBackend struct {
	run     runFunc
	reports map[uint64]string
	copyErr error
	rmErr   error

	mu       sync.Mutex
	removed  []string
	copied   map[string][]types.LogFile
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeBackend) Run(ctx context.Context, job *types.JobDescriptor) (*types.JobResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	code, out, err := f.run(ctx, job)
	if err != nil {
		return nil, err
	}
	return types.NewJobResult(job, fmt.Sprintf("c-%d", job.ID()), code, out), nil
}

func (f *fakeBackend) FetchReports(_ context.Context, result *types.JobResult, targetDir string) error {
	report, ok := f.reports[result.Job.ID()]
	if !ok {
		return errors.New("no reports")
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(targetDir, "TEST-suite.xml"), []byte(report), 0o644)
}

func (f *fakeBackend) CopyLogFiles(_ context.Context, result *types.JobResult, targetDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copied == nil {
		f.copied = make(map[string][]types.LogFile)
	}
	f.copied[targetDir] = result.LogFiles()
	return f.copyErr
}

func (f *fakeBackend) RemoveContainer(_ context.Context, result *types.JobResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, result.Handle)
	return f.rmErr
}

func (f *fakeBackend) RemoveImage(context.Context) error { return nil }

func (f *fakeBackend) BaseDirectory() string { return "/src" }

// plainBackend hides FetchReports.
type plainBackend struct {
	backend.ContainerBackend
}

func makeJobs(n int) []*types.JobDescriptor {
	ids := &types.JobIDs{}
	jobs := make([]*types.JobDescriptor, n)
	for i := range jobs {
		jobs[i] = types.NewJobDescriptor(ids.Next(), types.JobParams{Directory: fmt.Sprintf("mod%d", i), Command: "true"})
	}
	return jobs
}

func summary(n int) string {
	return fmt.Sprintf("[INFO] Tests run: %d, Failures: 0, Errors: 0, Skipped: 0, Time elapsed: 1.0 s - in X\n", n)
}

func newTestScheduler(t *testing.T, b backend.ContainerBackend, policy analyzer.FailurePolicy, noCleanup bool) *Scheduler {
	t.Helper()
	lgr := log.NewLogger(log.DiscardHandler())
	s, err := NewScheduler(Config{
		Log:       lgr,
		Backend:   b,
		Analyzer:  analyzer.NewMaven(analyzer.Config{Log: lgr, Policy: policy}),
		PoolSize:  2,
		LogDir:    t.TempDir(),
		NoCleanup: noCleanup,
		Label:     "test",
	})
	require.NoError(t, err)
	return s
}

func TestScheduler_EndToEnd(t *testing.T) {
	b := &fakeBackend{run: func(_ context.Context, job *types.JobDescriptor) (int, string, error) {
		time.Sleep(20 * time.Millisecond)
		return 0, summary(int(job.ID())), nil
	}}
	s := newTestScheduler(t, b, nil, false)

	result, err := s.Run(context.Background(), makeJobs(5))
	require.NoError(t, err)

	assert.Equal(t, types.BuildSucceeded, result.State)
	assert.Equal(t, 1+2+3+4+5, result.Counters.Succeeded)
	assert.Empty(t, result.Counters.Failures)
	assert.Empty(t, result.Counters.Errors)
	assert.Equal(t, map[types.JobOutcome]int{types.JobCompleted: 5}, result.CountByOutcome())
	assert.Empty(t, result.FailedJobs())
	assert.LessOrEqual(t, b.peak.Load(), int32(2))
	assert.ElementsMatch(t, []string{"c-1", "c-2", "c-3", "c-4", "c-5"}, b.removed)
	assert.Empty(t, b.copied)
	for i, rec := range result.Jobs {
		assert.Equal(t, uint64(i+1), rec.Job.ID(), "records keep submission order")
		assert.Equal(t, types.JobStatusSucceeded, rec.Status)
	}
}

func TestScheduler_FaultDoesNotStopSiblings(t *testing.T) {
	b := &fakeBackend{run: func(_ context.Context, job *types.JobDescriptor) (int, string, error) {
		if job.ID() == 2 {
			return 0, "", errors.New("docker daemon went away")
		}
		return 0, summary(1), nil
	}}
	s := newTestScheduler(t, b, nil, false)

	result, err := s.Run(context.Background(), makeJobs(4))
	require.NoError(t, err)
	assert.Equal(t, types.BuildFailed, result.State)
	assert.Equal(t, 3, result.Counters.Succeeded)
	assert.Equal(t, map[types.JobOutcome]int{types.JobCompleted: 3, types.JobFaulted: 1}, result.CountByOutcome())

	faulted := result.Jobs[1]
	assert.Equal(t, types.JobFaulted, faulted.Outcome)
	assert.ErrorContains(t, faulted.Err, "daemon went away")
	assert.Equal(t, []*JobRecord{faulted}, result.FailedJobs())
	assert.Len(t, b.removed, 3)
}

func TestScheduler_BackendTimeoutFoldsTimedOut(t *testing.T) {
	b := &fakeBackend{run: func(_ context.Context, job *types.JobDescriptor) (int, string, error) {
		switch job.ID() {
		case 1:
			return 0, "", fmt.Errorf("%w: after 2h", backend.ErrJobTimedOut)
		case 2:
			return 0, "", errors.New("crash")
		}
		return 0, summary(1), nil
	}}
	s := newTestScheduler(t, b, nil, false)

	result, err := s.Run(context.Background(), makeJobs(3))
	require.NoError(t, err)
	assert.Equal(t, types.BuildTimedOut, result.State)
	assert.Equal(t, types.JobStatusTimedOut, result.Jobs[0].Status)
	assert.Equal(t, types.JobFaulted, result.Jobs[0].Outcome)
}

func TestScheduler_FailingTestsAreRetained(t *testing.T) {
	b := &fakeBackend{
		run: func(_ context.Context, job *types.JobDescriptor) (int, string, error) {
			if job.ID() == 1 {
				return 0, "[ERROR] Tests run: 2, Failures: 0, Errors: 1, Skipped: 0, Time elapsed: 3 s - in org.dtest.TestAcidOnTez\n", nil
			}
			return 0, summary(2), nil
		},
		reports: map[uint64]string{1: acidOnTezReport},
		copyErr: errors.New("one file missing"),
		rmErr:   errors.New("container already removed"),
	}
	s := newTestScheduler(t, b, analyzer.Lenient{}, false)

	result, err := s.Run(context.Background(), makeJobs(2))
	require.NoError(t, err)
	assert.Equal(t, types.BuildHadFailuresOrErrors, result.State)
	assert.Equal(t, 3, result.Counters.Succeeded)
	assert.Equal(t, []string{"TestAcidOnTez.testGetSplitsLocks"}, result.Counters.Errors)

	failing := result.Jobs[0]
	assert.Equal(t, types.JobCompleted, failing.Outcome)
	assert.Equal(t, types.JobStatusSucceeded, failing.Status)
	assert.Equal(t, filepath.Join(s.cfg.LogDir, failing.Job.Name()), failing.LogDir)
	assert.DirExists(t, failing.LogDir)
	assert.Len(t, failing.LogFiles, 3)
	assert.Len(t, b.copied[failing.LogDir], 3)
	assert.FileExists(t, filepath.Join(s.cfg.LogDir, "reports", failing.Job.Name(), "TEST-suite.xml"))

	assert.Empty(t, result.Jobs[1].LogDir)
	assert.Len(t, b.removed, 2, "cleanup errors are swallowed")
}

func TestScheduler_NoCleanupKeepsContainers(t *testing.T) {
	b := &fakeBackend{run: func(context.Context, *types.JobDescriptor) (int, string, error) {
		return 0, summary(1), nil
	}}
	s := newTestScheduler(t, b, nil, true)

	_, err := s.Run(context.Background(), makeJobs(3))
	require.NoError(t, err)
	assert.Empty(t, b.removed)
}

func TestScheduler_WithoutReportFetcher(t *testing.T) {
	b := &fakeBackend{
		run: func(context.Context, *types.JobDescriptor) (int, string, error) {
			return 0, summary(1), nil
		},
		reports: map[uint64]string{1: acidOnTezReport},
	}
	s := newTestScheduler(t, plainBackend{b}, nil, false)

	result, err := s.Run(context.Background(), makeJobs(1))
	require.NoError(t, err)
	assert.Equal(t, types.BuildSucceeded, result.State)
	assert.NoDirExists(t, filepath.Join(s.cfg.LogDir, "reports"))
}

func TestScheduler_CancelledBeforeStart(t *testing.T) {
	b := &fakeBackend{run: func(context.Context, *types.JobDescriptor) (int, string, error) {
		return 0, summary(1), nil
	}}
	s := newTestScheduler(t, b, nil, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := s.Run(ctx, makeJobs(3))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, map[types.JobOutcome]int{types.JobCancelled: 3}, result.CountByOutcome())
	assert.Zero(t, result.Counters.Succeeded)
	assert.Empty(t, result.FailedJobs())
}

func TestScheduler_CancelInFlight(t *testing.T) {
	started := make(chan struct{})
	firstDone := make(chan struct{})
	var once sync.Once
	b := &fakeBackend{run: func(ctx context.Context, job *types.JobDescriptor) (int, string, error) {
		if job.ID() == 1 {
			defer close(firstDone)
			return 0, summary(5), nil
		}
		once.Do(func() { close(started) })
		<-ctx.Done()
		return 0, "", ctx.Err()
	}}
	s := newTestScheduler(t, b, nil, false)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		<-firstDone
		cancel()
	}()

	result, err := s.Run(ctx, makeJobs(4))
	require.ErrorIs(t, err, context.Canceled)

	counts := result.CountByOutcome()
	assert.Equal(t, 1, counts[types.JobCompleted])
	assert.Equal(t, 3, counts[types.JobCancelled])
	assert.Equal(t, 5, result.Counters.Succeeded, "cancelled jobs contribute no counters")
	assert.NotEqual(t, types.BuildFailed, result.State)
}

func TestNewScheduler_Validation(t *testing.T) {
	lgr := log.NewLogger(log.DiscardHandler())
	a := analyzer.NewMaven(analyzer.Config{Log: lgr})
	_, err := NewScheduler(Config{Log: lgr, Analyzer: a, LogDir: "x"})
	require.Error(t, err)
	_, err = NewScheduler(Config{Log: lgr, Backend: &fakeBackend{}, LogDir: "x"})
	require.Error(t, err)
	_, err = NewScheduler(Config{Log: lgr, Backend: &fakeBackend{}, Analyzer: a})
	require.Error(t, err)

	s, err := NewScheduler(Config{Log: lgr, Backend: &fakeBackend{}, Analyzer: a, LogDir: "x"})
	require.NoError(t, err)
	assert.Equal(t, DefaultPoolSize, s.cfg.PoolSize)
}
