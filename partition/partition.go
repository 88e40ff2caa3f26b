// Package partition turns module specs into job descriptors.
package partition

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-dtest/backend"
	"github.com/ethereum-optimism/infra/op-dtest/types"
)

const DefaultTestsPerContainer = 20

// ErrDiscovery is returned when tests of a split module could not be listed.
var ErrDiscovery = errors.New("test discovery failed")

// Lister enumerates the tests of a module directory, in the order the discovery emitted them.
type Lister interface {
	ListTests(ctx context.Context, dir string) ([]string, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func(ctx context.Context, dir string) ([]string, error)

func (f ListerFunc) ListTests(ctx context.Context, dir string) ([]string, error) {
	return f(ctx, dir)
}

// CommandBuilder derives the shell command of a job. baseDir is the checkout root the command runs against.
type CommandBuilder func(baseDir string, p types.JobParams) string

type Config struct {
	Log log.Logger
	// IDs is shared by every partitioning pass of the process.
	IDs               *types.JobIDs
	Lister            Lister
	Executor          backend.Executor // used by sub-shard strategies
	Command           CommandBuilder
	BaseDir           string
	TestsPerContainer int
	Timeout           time.Duration
}

type Partitioner struct {
	cfg Config
	log log.Logger
}

func New(cfg Config) (*Partitioner, error) {
	if cfg.IDs == nil {
		return nil, errors.New("job ID source is required")
	}
	if cfg.Lister == nil {
		if cfg.Executor == nil {
			return nil, errors.New("either a lister or an executor is required")
		}
		cfg.Lister = NewDiscoveryLister(cfg.Executor, DefaultDiscoveryCommand)
	}
	if cfg.Command == nil {
		cfg.Command = MavenCommand
	}
	if cfg.TestsPerContainer <= 0 {
		cfg.TestsPerContainer = DefaultTestsPerContainer
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	return &Partitioner{cfg: cfg, log: cfg.Log.New("component", "partitioner")}, nil
}

// Validate checks every spec, including the availability of named shard strategies.
func (p *Partitioner) Validate(specs []types.ModuleSpec) error {
	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("module %d: %w", i, err)
		}
		if spec.Shard != "" && !HasStrategy(spec.Shard) {
			return fmt.Errorf("module %d: %w: %s: %w %q", i, types.ErrInvalidModuleSpec, spec.Directory, ErrUnknownStrategy, spec.Shard)
		}
	}
	return nil
}

// Partition produces the jobs of all specs, in spec order. Every spec is validated before
// any discovery runs; any error aborts the whole pass and no jobs are returned.
func (p *Partitioner) Partition(ctx context.Context, specs []types.ModuleSpec) ([]*types.JobDescriptor, error) {
	if err := p.Validate(specs); err != nil {
		return nil, err
	}

	var jobs []*types.JobDescriptor
	for _, spec := range specs {
		var (
			moduleJobs []*types.JobDescriptor
			err        error
		)
		switch {
		case spec.Simple():
			moduleJobs = []*types.JobDescriptor{p.newJob(spec, nil, spec.SkippedTests, nil)}
		case spec.NeedsSplit:
			moduleJobs, err = p.split(ctx, spec)
		case spec.SingleTest != "":
			moduleJobs, err = p.single(ctx, spec)
		default:
			err = fmt.Errorf("%w: %s: unsupported combination", types.ErrInvalidModuleSpec, spec.Directory)
		}
		if err != nil {
			return nil, err
		}
		p.log.Info("Partitioned module", "dir", spec.Directory, "jobs", len(moduleJobs))
		jobs = append(jobs, moduleJobs...)
	}
	return jobs, nil
}

func (p *Partitioner) split(ctx context.Context, spec types.ModuleSpec) ([]*types.JobDescriptor, error) {
	discovered, err := p.cfg.Lister.ListTests(ctx, spec.Directory)
	if err != nil {
		if errors.Is(err, ErrDiscovery) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrDiscovery, spec.Directory, err)
	}
	p.log.Debug("Discovered tests", "dir", spec.Directory, "count", len(discovered))

	var jobs []*types.JobDescriptor
	for _, group := range Chunk(discovered, spec.IsolatedTests, spec.SkippedTests, spec.ChunkSize(p.cfg.TestsPerContainer)) {
		jobs = append(jobs, p.newJob(spec, group, nil, nil))
	}
	if len(jobs) == 0 {
		p.log.Warn("No tests left to run after discovery", "dir", spec.Directory, "discovered", len(discovered))
	}
	return jobs, nil
}

func (p *Partitioner) single(ctx context.Context, spec types.ModuleSpec) ([]*types.JobDescriptor, error) {
	included := []string{spec.SingleTest}
	if spec.Shard == "" {
		return []*types.JobDescriptor{p.newJob(spec, included, nil, nil)}, nil
	}

	strategy, err := LookupStrategy(spec.Shard, StrategyConfig{Executor: p.cfg.Executor, Log: p.log})
	if err != nil {
		return nil, err
	}
	keys, err := strategy.Keys(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: shard keys: %w", ErrDiscovery, spec.Directory, err)
	}
	groups := Chunk(keys, spec.IsolatedTests, spec.SkippedTests, spec.ChunkSize(p.cfg.TestsPerContainer))
	if len(groups) == 0 {
		return []*types.JobDescriptor{p.newJob(spec, included, nil, nil)}, nil
	}
	jobs := make([]*types.JobDescriptor, 0, len(groups))
	for _, group := range groups {
		jobs = append(jobs, p.newJob(spec, included, nil, map[string]string{strategy.Property(): joinKeys(group)}))
	}
	return jobs, nil
}

func (p *Partitioner) newJob(spec types.ModuleSpec, included, excluded []string, extraProps map[string]string) *types.JobDescriptor {
	props := make(map[string]*string, len(spec.Properties)+len(extraProps))
	for k, v := range spec.Properties {
		props[k] = v
	}
	for k, v := range extraProps {
		props[k] = &v
	}

	timeout := p.cfg.Timeout
	if spec.Timeout != nil {
		timeout = *spec.Timeout
	}

	params := types.JobParams{
		Directory:     spec.Directory,
		IncludedTests: included,
		ExcludedTests: excluded,
		Env:           spec.Env,
		Properties:    props,
		Timeout:       timeout,
	}
	params.Command = p.cfg.Command(p.cfg.BaseDir, params)
	return types.NewJobDescriptor(p.cfg.IDs.Next(), params)
}

// Chunk groups names for jobs: skipped names are dropped, each isolated name that is present
// gets a group of its own (in the order isolated is given), and the rest are taken in input
// order, size at a time. Only the last group may be smaller than size.
func Chunk(names, isolated, skipped []string, size int) [][]string {
	if size <= 0 {
		size = DefaultTestsPerContainer
	}
	drop := make(map[string]struct{}, len(skipped))
	for _, s := range skipped {
		drop[s] = struct{}{}
	}
	present := make(map[string]struct{}, len(names))
	remaining := make([]string, 0, len(names))
	for _, n := range names {
		if _, skip := drop[n]; skip {
			continue
		}
		if _, dup := present[n]; dup {
			continue
		}
		present[n] = struct{}{}
		remaining = append(remaining, n)
	}

	var groups [][]string
	taken := make(map[string]struct{}, len(isolated))
	for _, n := range isolated {
		if _, ok := present[n]; !ok {
			continue
		}
		if _, dup := taken[n]; dup {
			continue
		}
		taken[n] = struct{}{}
		groups = append(groups, []string{n})
	}
	remaining = slices.DeleteFunc(remaining, func(n string) bool {
		_, ok := taken[n]
		return ok
	})

	for len(remaining) > 0 {
		n := min(size, len(remaining))
		groups = append(groups, slices.Clone(remaining[:n]))
		remaining = remaining[n:]
	}
	return groups
}
