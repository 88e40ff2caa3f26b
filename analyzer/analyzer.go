// Package analyzer classifies job results from their build output and report files.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-dtest/types"
)

const (
	DefaultReportsDir = "target/surefire-reports"
	DefaultCaseLogDir = "target/tmp/log"

	// TimedOutTag labels the logs retained for a job whose fork timed out.
	TimedOutTag = "Timed out"
)

var ErrUnknownAnalyzer = errors.New("unknown analyzer")

// Outcome is the verdict on one job.
type Outcome struct {
	Status    types.JobStatus
	Succeeded int
	Failures  []string
	Errors    []string
	TimedOut  bool
}

// Analyzer classifies results. Implementations fold what they find into the shared counters
// and their own run-wide BuildState, and must be safe for concurrent use.
type Analyzer interface {
	Analyze(ctx context.Context, result *types.JobResult) (Outcome, error)
	State() *types.BuildState
	Counters() *types.AggregateCounters
}

type Config struct {
	Log      log.Logger
	Policy   FailurePolicy
	Counters *types.AggregateCounters
	// ReportsDir and CaseLogDir are relative to the module directory in the job's container.
	ReportsDir string
	CaseLogDir string
}

// Maven analyzes surefire output and reports.
type Maven struct {
	cfg      Config
	log      log.Logger
	state    *types.BuildState
	counters *types.AggregateCounters
}

var _ Analyzer = (*Maven)(nil)

func NewMaven(cfg Config) *Maven {
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.Policy == nil {
		cfg.Policy = Strict{}
	}
	if cfg.Counters == nil {
		cfg.Counters = types.NewAggregateCounters()
	}
	if cfg.ReportsDir == "" {
		cfg.ReportsDir = DefaultReportsDir
	}
	if cfg.CaseLogDir == "" {
		cfg.CaseLogDir = DefaultCaseLogDir
	}
	return &Maven{
		cfg:      cfg,
		log:      cfg.Log.New("component", "analyzer", "policy", cfg.Policy.Name()),
		state:    types.NewBuildState(),
		counters: cfg.Counters,
	}
}

func (m *Maven) State() *types.BuildState { return m.state }

func (m *Maven) Counters() *types.AggregateCounters { return m.counters }

// Analyze runs the summary-line pass over the raw output and the report-file pass over the
// staged reports, enqueues the logs of every failing case, and sets the result's status.
func (m *Maven) Analyze(_ context.Context, result *types.JobResult) (Outcome, error) {
	jobLog := m.log.New("job", result.Job.ID(), "dir", result.Job.Directory())

	summary := ScanSummaryLines(result.RawOutput)
	if summary.TimedOut {
		jobLog.Warn("Fork timeout detected")
		m.state.SawTimeouts()
		if err := result.AddLogFile(m.cfg.ReportsDir, TimedOutTag); err != nil {
			return Outcome{}, err
		}
	}
	m.counters.AddSucceeded(summary.Succeeded)

	reports, err := ScanReportFiles(result.ReportDir)
	if err != nil {
		jobLog.Warn("Some report files could not be read", "err", err)
	}
	if len(reports.Suites) == 0 {
		jobLog.Warn("No report files found", "reportDir", result.ReportDir)
	}

	outcome := Outcome{Succeeded: summary.Succeeded, TimedOut: summary.TimedOut}
	for _, c := range reports.Failures {
		outcome.Failures = append(outcome.Failures, c.TestName())
		if err := m.retain(result, c); err != nil {
			return Outcome{}, err
		}
	}
	for _, c := range reports.Errors {
		outcome.Errors = append(outcome.Errors, c.TestName())
		if err := m.retain(result, c); err != nil {
			return Outcome{}, err
		}
	}
	if reports.Marked() {
		m.state.SawTestFailureOrError()
		m.counters.AddFailures(outcome.Failures...)
		m.counters.AddErrors(outcome.Errors...)
	}

	status, severity := m.cfg.Policy.Classify(Evidence{
		ExitCode: result.ExitCode,
		TimedOut: summary.TimedOut,
		Marked:   reports.Marked(),
	})
	m.state.Propose(severity)
	if err := result.SetStatus(status); err != nil {
		return Outcome{}, fmt.Errorf("job %d: %w", result.Job.ID(), err)
	}
	outcome.Status = status

	sort.Strings(outcome.Failures)
	sort.Strings(outcome.Errors)
	return outcome, nil
}

// retain enqueues the suite output and the case's own logs, tagged with the case's test name.
func (m *Maven) retain(result *types.JobResult, c CaseRef) error {
	tag := c.TestName()
	short := c.SuiteShortName()
	for _, p := range []string{
		path.Join(m.cfg.ReportsDir, c.Suite+"-output.txt"),
		path.Join(m.cfg.CaseLogDir, short+"."+c.Case+".log"),
		path.Join(m.cfg.CaseLogDir, short+"."+c.Case+"-output.txt"),
	} {
		if err := result.AddLogFile(p, tag); err != nil {
			return err
		}
	}
	return nil
}

// Factory builds an analyzer from configuration.
type Factory func(cfg Config) Analyzer

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{
		"maven": func(cfg Config) Analyzer { return NewMaven(cfg) },
	}
)

// Register makes an analyzer available under name.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[name]; dup {
		panic("analyzer: Register called twice for " + name)
	}
	factories[name] = factory
}

// New builds the analyzer registered under name.
func New(name string, cfg Config) (Analyzer, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownAnalyzer, name)
	}
	return factory(cfg), nil
}

func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
