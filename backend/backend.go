// Package backend defines the container backend contract used by the scheduler and partitioner,
// together with the implementations selectable from configuration.
package backend

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-dtest/types"
)

var (
	// ErrJobTimedOut is returned by Run when a job exceeded its wall-clock limit.
	ErrJobTimedOut = errors.New("job timed out")
	// ErrUnknownBackend is returned by New for unregistered names.
	ErrUnknownBackend = errors.New("unknown backend")
)

// ContainerBackend executes jobs in disposable containers.
// Implementations must accept concurrent calls for different jobs.
type ContainerBackend interface {
	// Run executes the job's command and returns its exit code and combined output.
	Run(ctx context.Context, job *types.JobDescriptor) (*types.JobResult, error)
	// CopyLogFiles copies the result's enqueued log files out of its container into targetDir.
	CopyLogFiles(ctx context.Context, result *types.JobResult, targetDir string) error
	// RemoveContainer disposes of the result's container.
	RemoveContainer(ctx context.Context, result *types.JobResult) error
	// RemoveImage removes the image built for this run.
	RemoveImage(ctx context.Context) error
	// BaseDirectory is the source checkout directory inside the container.
	BaseDirectory() string
}

// Executor runs an arbitrary shell command in a module directory and returns its stdout.
// It is used for test discovery.
type Executor interface {
	Exec(ctx context.Context, dir string, command string) (string, error)
}

// ReportFetcher is implemented by backends that can stage a job's report files locally.
type ReportFetcher interface {
	FetchReports(ctx context.Context, result *types.JobResult, targetDir string) error
}

// ImagePreparer is implemented by backends that build an image before any job runs.
type ImagePreparer interface {
	PrepareImage(ctx context.Context) error
}

// Config holds the settings shared by all backends.
type Config struct {
	Log            log.Logger
	Label          string        // run label, embedded in container and image names
	BaseDir        string        // source checkout inside the container, or on the host for "local"
	SourceDir      string        // host directory used as the image build context
	WorkDir        string        // host scratch directory for generated files
	Image          string        // image to run, defaults to dtest-<label>
	BaseImage      string        // base image of the generated image definition
	PrepareCommand string        // command run once while building the image
	ReportsDir     string        // report directory relative to the module directory
	DockerBinary   string        // container runtime CLI
	DefaultTimeout time.Duration // job timeout when the job carries none
	NoCleanup      bool
}

// SanitizeTag turns a log file tag into the directory name its files are copied into.
func SanitizeTag(tag string) string {
	if tag == "" {
		return "untagged"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, tag)
}

// RetainedPath is where CopyLogFiles places lf when copying into targetDir.
func RetainedPath(targetDir string, lf types.LogFile) string {
	return filepath.Join(targetDir, SanitizeTag(lf.Tag), path.Base(lf.Path))
}

// Factory builds a backend from configuration.
type Factory func(cfg Config) (ContainerBackend, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register makes a backend available under name. It panics on duplicates, like database/sql drivers.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[name]; dup {
		panic("backend: Register called twice for " + name)
	}
	factories[name] = factory
}

// New builds the backend registered under name.
func New(name string, cfg Config) (ContainerBackend, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownBackend, name, Names())
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	return factory(cfg)
}

// Names lists the registered backends.
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

func init() {
	Register("docker", func(cfg Config) (ContainerBackend, error) { return NewDocker(cfg) })
	Register("local", func(cfg Config) (ContainerBackend, error) { return NewLocal(cfg) })
}
