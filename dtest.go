package dtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ethereum-optimism/infra/op-dtest/analyzer"
	"github.com/ethereum-optimism/infra/op-dtest/backend"
	"github.com/ethereum-optimism/infra/op-dtest/exitcodes"
	"github.com/ethereum-optimism/infra/op-dtest/metrics"
	"github.com/ethereum-optimism/infra/op-dtest/partition"
	"github.com/ethereum-optimism/infra/op-dtest/registry"
	"github.com/ethereum-optimism/infra/op-dtest/reporting"
	"github.com/ethereum-optimism/infra/op-dtest/runner"
	"github.com/ethereum-optimism/infra/op-dtest/service"
	"github.com/ethereum-optimism/infra/op-dtest/types"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

const (
	imageWorkDir       = "image"
	imageRemoveTimeout = 2 * time.Minute
)

// dtest implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &dtest{}

// dtest runs one distributed build: it partitions the configured modules into jobs, runs them
// on the container backend and reports the final build state.
type dtest struct {
	config      *Config
	version     string
	runID       string
	registry    *registry.Registry
	backend     backend.ContainerBackend
	partitioner *partition.Partitioner
	scheduler   *runner.Scheduler
	service     *service.Service
	out         io.Writer
	result      *runner.RunResult

	stopped atomic.Bool

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*dtest, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	runID := uuid.New().String()
	config.Log = config.Log.New("run_id", runID)

	config.Log.Debug("Creating dtest with config",
		"configDir", config.ConfigDir,
		"label", config.Label,
		"logDir", config.LogDir,
		"noCleanup", config.NoCleanup,
		"overrides", config.Overrides)

	reg, err := registry.NewRegistry(registry.Config{
		Log:        config.Log,
		ConfigDir:  config.ConfigDir,
		FlagValues: config.FlagValues,
		Overrides:  config.Overrides,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}
	defaults := reg.Defaults()

	be, err := backend.New(defaults.Backend, backendConfig(config, defaults))
	if err != nil {
		return nil, fmt.Errorf("failed to create backend: %w", err)
	}

	var lister partition.Lister
	exec, _ := be.(backend.Executor)
	if exec != nil {
		lister = partition.NewDiscoveryLister(exec, defaults.DiscoveryCommand)
	}
	part, err := partition.New(partition.Config{
		Log:               config.Log,
		IDs:               &types.JobIDs{},
		Lister:            lister,
		Executor:          exec,
		BaseDir:           be.BaseDirectory(),
		TestsPerContainer: defaults.TestsPerContainer,
		Timeout:           defaults.JobTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create partitioner: %w", err)
	}

	policy, err := analyzer.LookupPolicy(defaults.FailurePolicy)
	if err != nil {
		return nil, err
	}
	an, err := analyzer.New(defaults.Analyzer, analyzer.Config{
		Log:        config.Log,
		Policy:     policy,
		ReportsDir: defaults.ReportsDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create analyzer: %w", err)
	}

	sched, err := runner.NewScheduler(runner.Config{
		Log:       config.Log,
		Backend:   be,
		Analyzer:  an,
		PoolSize:  defaults.PoolSize,
		LogDir:    config.LogDir,
		NoCleanup: config.NoCleanup,
		Label:     config.Label,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	config.Log.Info("dtest.New: created registry, backend and scheduler",
		"backend", defaults.Backend, "analyzer", defaults.Analyzer, "policy", policy.Name(),
		"poolSize", defaults.PoolSize, "modules", len(reg.Modules()))

	return &dtest{
		config:           config,
		version:          version,
		runID:            runID,
		registry:         reg,
		backend:          be,
		partitioner:      part,
		scheduler:        sched,
		service:          service.New(config.Metrics, config.Log),
		out:              os.Stdout,
		shutdownCallback: shutdownCallback,
	}, nil
}

// backendConfig resolves the directories of the run. Relative source directories are taken
// relative to the configuration directory.
func backendConfig(config *Config, d registry.Defaults) backend.Config {
	sourceDir := d.SourceDir
	if sourceDir == "" {
		sourceDir = config.ConfigDir
	} else if !filepath.IsAbs(sourceDir) {
		sourceDir = filepath.Join(config.ConfigDir, sourceDir)
	}
	baseDir := d.BaseDir
	if baseDir == "" && d.Backend == "local" {
		baseDir = sourceDir
	}
	return backend.Config{
		Log:            config.Log,
		Label:          config.Label,
		BaseDir:        baseDir,
		SourceDir:      sourceDir,
		WorkDir:        filepath.Join(config.LogDir, imageWorkDir),
		BaseImage:      d.BaseImage,
		PrepareCommand: d.PrepareCommand,
		ReportsDir:     d.ReportsDir,
		DockerBinary:   config.DockerBinary,
		DefaultTimeout: d.JobTimeout,
		NoCleanup:      config.NoCleanup,
	}
}

// Start runs the build and returns once every job finished.
// Start implements the cliapp.Lifecycle interface.
func (d *dtest) Start(ctx context.Context) error {
	// Set up panic recovery to ensure we exit with code 2 for runtime errors
	defer func() {
		if r := recover(); r != nil {
			d.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	d.stopped.Store(false)
	d.config.Log.Info("Starting op-dtest", "label", d.config.Label, "version", d.version)
	d.service.Start(ctx)
	defer func() {
		if err := d.service.Shutdown(context.WithoutCancel(ctx)); err != nil {
			d.config.Log.Warn("Failed to shut down metrics server", "error", err)
		}
	}()

	result, err := d.runBuild(ctx)
	if err != nil {
		d.config.Log.Error("Runtime error running build", "error", err)
		return err
	}

	if err := StateError(result.State, summaryLine(result)); err != nil {
		d.config.Log.Warn("Build completed unsuccessfully", "state", result.State,
			"exitCode", exitcodes.FromBuildState(result.State))
		return err
	}

	d.config.Log.Info("Build succeeded, exiting")
	go func() {
		d.shutdownCallback(nil)
	}()
	return nil
}

// runBuild prepares the image, partitions the modules, runs every job and reports.
// Every error it returns is a RuntimeError.
func (d *dtest) runBuild(ctx context.Context) (*runner.RunResult, error) {
	if err := os.MkdirAll(d.config.LogDir, 0o755); err != nil {
		return nil, NewRuntimeError(fmt.Errorf("failed to create log directory: %w", err))
	}

	if prep, ok := d.backend.(backend.ImagePreparer); ok {
		d.config.Log.Info("Preparing image")
		if err := prep.PrepareImage(ctx); err != nil {
			metrics.RecordErrorDetails("prepare_image", err)
			return nil, NewRuntimeError(fmt.Errorf("failed to prepare image: %w", err))
		}
	}
	if !d.config.NoCleanup {
		defer d.removeImage(ctx)
	}

	jobs, err := d.partitioner.Partition(ctx, d.registry.Modules())
	if err != nil {
		metrics.RecordErrorDetails("partition", err)
		return nil, NewRuntimeError(fmt.Errorf("failed to partition modules: %w", err))
	}
	d.config.Log.Info("Partitioned modules", "jobs", len(jobs))

	result, runErr := d.scheduler.Run(ctx, jobs)
	d.result = result
	d.report(result)

	if runErr != nil {
		return result, NewRuntimeError(runErr)
	}
	return result, nil
}

func (d *dtest) removeImage(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), imageRemoveTimeout)
	defer cancel()
	if err := d.backend.RemoveImage(ctx); err != nil {
		d.config.Log.Warn("Failed to remove image", "error", err)
		metrics.RecordErrorDetails("remove_image", err)
	}
}

// report renders the result with every configured reporter. Reporter failures are logged only.
func (d *dtest) report(result *runner.RunResult) {
	metrics.RecordBuildState(d.config.Label, d.runID, result.State)
	metrics.RecordTests(d.config.Label, result.Counters.Succeeded,
		len(result.Counters.Failures), len(result.Counters.Errors))

	r := reporting.Report{
		RunID:       d.runID,
		Label:       d.config.Label,
		GeneratedAt: time.Now(),
		Result:      result,
	}
	reporters := []reporting.Reporter{
		reporting.NewTextReporter(d.out, false),
		reporting.JSONReporter{Dir: d.config.LogDir},
	}
	if d.config.HTMLReport {
		html, err := reporting.NewHTMLReporter(d.config.LogDir)
		if err != nil {
			d.config.Log.Error("Failed to create HTML reporter", "error", err)
		} else {
			reporters = append(reporters, html)
		}
	}
	for _, reporter := range reporters {
		if err := reporter.Report(r); err != nil {
			d.config.Log.Error("Failed to write report", "reporter", fmt.Sprintf("%T", reporter), "error", err)
			metrics.RecordErrorDetails("report", err)
		}
	}
}

func summaryLine(result *runner.RunResult) string {
	return fmt.Sprintf("%d succeeded, %d failures, %d errors, %d failed jobs",
		result.Counters.Succeeded, len(result.Counters.Failures), len(result.Counters.Errors),
		len(result.FailedJobs()))
}

// Result is the result of the last run, nil before a run completed.
func (d *dtest) Result() *runner.RunResult {
	return d.result
}

// Stop stops the op-dtest service.
// Stop implements the cliapp.Lifecycle interface.
func (d *dtest) Stop(ctx context.Context) error {
	d.config.Log.Info("Stopping op-dtest")
	d.stopped.Store(true)
	return nil
}

// Stopped returns true if the service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (d *dtest) Stopped() bool {
	return d.stopped.Load()
}
