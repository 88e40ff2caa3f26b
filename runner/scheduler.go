// Package runner executes jobs on a bounded worker pool and folds their outcomes into a run verdict.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-dtest/analyzer"
	"github.com/ethereum-optimism/infra/op-dtest/backend"
	"github.com/ethereum-optimism/infra/op-dtest/metrics"
	"github.com/ethereum-optimism/infra/op-dtest/types"
)

const (
	DefaultPoolSize = 2

	reportsSubdir  = "reports"
	cleanupTimeout = 2 * time.Minute
)

type Config struct {
	Log      log.Logger
	Backend  backend.ContainerBackend
	Analyzer analyzer.Analyzer
	PoolSize int
	// LogDir receives staged reports and the retained logs of every job.
	LogDir    string
	NoCleanup bool
	// Label tags metrics of this run.
	Label string
}

// Scheduler runs jobs, at most PoolSize at a time.
type Scheduler struct {
	cfg    Config
	log    log.Logger
	tracer trace.Tracer
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if cfg.Analyzer == nil {
		return nil, errors.New("analyzer is required")
	}
	if cfg.LogDir == "" {
		return nil, errors.New("log directory is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.PoolSize > 32 {
		cfg.Log.Warn("Very high pool size requested", "poolSize", cfg.PoolSize,
			"recommendation", "Each slot runs a container, consider lower values")
	}
	return &Scheduler{
		cfg:    cfg,
		log:    cfg.Log.New("component", "scheduler"),
		tracer: otel.Tracer("dtest scheduler"),
	}, nil
}

// Run executes every job and returns once all of them finished, faulted or were cancelled.
// Job faults never abort sibling jobs. A cancelled ctx stops dispatching and is returned as
// the error alongside the partial result.
func (s *Scheduler) Run(ctx context.Context, jobs []*types.JobDescriptor) (*RunResult, error) {
	ctx, span := s.tracer.Start(ctx, "run")
	defer span.End()

	start := time.Now()
	state := types.NewBuildState()
	records := make([]*JobRecord, len(jobs))
	for i, job := range jobs {
		records[i] = &JobRecord{Job: job, Outcome: types.JobSubmitted}
	}

	s.log.Info("Starting jobs", "jobs", len(jobs), "poolSize", s.cfg.PoolSize)
	var finished atomic.Int32
	p := pool.New().WithMaxGoroutines(s.cfg.PoolSize).WithContext(ctx)
	for _, rec := range records {
		p.Go(func(ctx context.Context) error {
			s.runJob(ctx, rec, state)
			s.log.Debug("Job done", "job", rec.Job.ID(), "outcome", rec.Outcome,
				"finished", finished.Add(1), "total", len(records))
			return nil
		})
	}
	// jobs record their own faults, so the pool never returns an error
	_ = p.Wait()

	state.Success()
	state.Update(s.cfg.Analyzer.State())

	result := &RunResult{
		State:    state.State(),
		Counters: s.cfg.Analyzer.Counters().Snapshot(),
		Jobs:     records,
		Duration: time.Since(start),
	}
	span.SetAttributes(attribute.String("state", result.State.String()))
	s.log.Info("All jobs finished", "state", result.State, "duration", result.Duration,
		"succeeded", result.Counters.Succeeded,
		"failures", len(result.Counters.Failures), "errors", len(result.Counters.Errors))

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return result, fmt.Errorf("run interrupted: %w", err)
	}
	return result, nil
}

func (s *Scheduler) runJob(ctx context.Context, rec *JobRecord, state *types.BuildState) {
	job := rec.Job
	jobLog := s.log.New("job", job.ID(), "dir", job.Directory())
	if ctx.Err() != nil {
		rec.Outcome = types.JobCancelled
		jobLog.Debug("Job cancelled before start")
		return
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("job %s", job.Name()))
	defer span.End()

	rec.Outcome = types.JobRunning
	metrics.JobStarted(s.cfg.Label)
	start := time.Now()
	defer func() {
		rec.Duration = time.Since(start)
		metrics.RecordJob(s.cfg.Label, rec.Outcome, rec.Status, rec.Duration)
	}()

	jobLog.Info("Running job", "tests", len(job.IncludedTests()))
	result, err := s.cfg.Backend.Run(ctx, job)
	if err != nil {
		span.RecordError(err)
		rec.Err = err
		switch {
		case errors.Is(err, backend.ErrJobTimedOut):
			rec.Outcome = types.JobFaulted
			rec.Status = types.JobStatusTimedOut
			state.Timeout()
			jobLog.Error("Job timed out", "err", err)
		case ctx.Err() != nil:
			rec.Outcome = types.JobCancelled
			jobLog.Warn("Job cancelled", "err", err)
		default:
			rec.Outcome = types.JobFaulted
			state.Fail()
			metrics.RecordErrorDetails("job_fault", err)
			jobLog.Error("Job faulted", "err", err)
		}
		span.SetStatus(codes.Error, string(rec.Outcome))
		return
	}
	rec.ExitCode = result.ExitCode

	s.stageReports(ctx, jobLog, result)

	outcome, err := s.cfg.Analyzer.Analyze(ctx, result)
	if err != nil {
		rec.Outcome = types.JobFaulted
		rec.Err = fmt.Errorf("analyzing job %d: %w", job.ID(), err)
		state.Fail()
		jobLog.Error("Analysis failed", "err", err)
	} else {
		rec.Outcome = types.JobCompleted
		rec.Status = outcome.Status
		rec.Succeeded = outcome.Succeeded
		rec.Failures = outcome.Failures
		rec.Errors = outcome.Errors
		jobLog.Info("Job finished", "status", outcome.Status, "exitCode", result.ExitCode,
			"succeeded", outcome.Succeeded, "failures", len(outcome.Failures), "errors", len(outcome.Errors),
			"duration", result.Duration)
	}
	span.SetAttributes(
		attribute.String("status", string(rec.Status)),
		attribute.Int("exit_code", result.ExitCode),
	)

	s.retainLogs(ctx, jobLog, rec, result)
	s.removeContainer(ctx, jobLog, result)
}

func (s *Scheduler) stageReports(ctx context.Context, jobLog log.Logger, result *types.JobResult) {
	fetcher, ok := s.cfg.Backend.(backend.ReportFetcher)
	if !ok {
		return
	}
	dir := filepath.Join(s.cfg.LogDir, reportsSubdir, result.Job.Name())
	if err := fetcher.FetchReports(ctx, result, dir); err != nil {
		jobLog.Warn("Could not fetch report files", "err", err)
		return
	}
	result.ReportDir = dir
}

// retainLogs copies the result's enqueued log files into the job's own directory.
// Failures are logged only.
func (s *Scheduler) retainLogs(ctx context.Context, jobLog log.Logger, rec *JobRecord, result *types.JobResult) {
	files := result.LogFiles()
	if len(files) == 0 {
		return
	}
	dir := filepath.Join(s.cfg.LogDir, result.Job.Name())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		jobLog.Warn("Could not create log directory", "dir", dir, "err", err)
		return
	}
	rec.LogDir = dir
	rec.LogFiles = files

	copyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.cfg.Backend.CopyLogFiles(copyCtx, result, dir); err != nil {
		metrics.RecordErrorDetails("log_retention", err)
		jobLog.Warn("Some log files could not be retained", "dir", dir, "err", err)
		return
	}
	jobLog.Debug("Retained log files", "dir", dir, "files", len(files))
}

func (s *Scheduler) removeContainer(ctx context.Context, jobLog log.Logger, result *types.JobResult) {
	if s.cfg.NoCleanup {
		jobLog.Info("Keeping container", "container", result.Handle)
		return
	}
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.cfg.Backend.RemoveContainer(rmCtx, result); err != nil {
		metrics.RecordErrorDetails("cleanup", err)
		jobLog.Warn("Could not remove container", "container", result.Handle, "err", err)
	}
}
