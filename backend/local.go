package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/go-multierror"

	"github.com/ethereum-optimism/infra/op-dtest/types"
)

var _ ContainerBackend = (*Local)(nil)
var _ Executor = (*Local)(nil)
var _ ReportFetcher = (*Local)(nil)

// Local runs jobs as host processes inside BaseDir. There is no container to dispose of,
// which makes it useful for debugging a module configuration and for tests.
type Local struct {
	cfg Config
	log log.Logger
}

func NewLocal(cfg Config) (*Local, error) {
	if cfg.BaseDir == "" {
		return nil, errors.New("base directory is required for the local backend")
	}
	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolving base directory %s: %w", cfg.BaseDir, err)
	}
	cfg.BaseDir = abs
	if cfg.ReportsDir == "" {
		cfg.ReportsDir = DefaultReportsDir
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	return &Local{cfg: cfg, log: cfg.Log.New("component", "local-backend")}, nil
}

func (l *Local) BaseDirectory() string {
	return l.cfg.BaseDir
}

func (l *Local) shell(ctx context.Context, dir string, env map[string]string, command string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", command)
	cmd.Dir = filepath.Join(l.cfg.BaseDir, dir)
	environ := os.Environ()
	for k, v := range env {
		environ = append(environ, k+"="+v)
	}
	cmd.Env = telemetry.InstrumentEnvironment(ctx, environ)
	return cmd
}

func (l *Local) Run(ctx context.Context, job *types.JobDescriptor) (*types.JobResult, error) {
	timeout := job.Timeout()
	if timeout == 0 {
		timeout = l.cfg.DefaultTimeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var output bytes.Buffer
	cmd := l.shell(runCtx, job.Directory(), job.Env(), job.Command())
	cmd.Stdout = &output
	cmd.Stderr = &output

	l.log.Debug("Running job", "job", job.ID(), "dir", cmd.Dir, "command", job.Command())
	start := time.Now()
	res, err := runCommand(runCtx, cmd)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: job %d after %s", ErrJobTimedOut, job.ID(), timeout)
		}
		return nil, fmt.Errorf("running job %d: %w", job.ID(), err)
	}

	result := types.NewJobResult(job, job.Name(), res.ExitCode, output.String())
	result.Duration = time.Since(start)
	return result, nil
}

func (l *Local) CopyLogFiles(_ context.Context, result *types.JobResult, targetDir string) error {
	var errs *multierror.Error
	for _, lf := range result.LogFiles() {
		dest := filepath.Join(targetDir, SanitizeTag(lf.Tag))
		src := filepath.Join(l.cfg.BaseDir, result.Job.Directory(), lf.Path)
		if err := copyPath(src, dest); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("copying %s: %w", lf.Path, err))
		}
	}
	return errs.ErrorOrNil()
}

func (l *Local) FetchReports(_ context.Context, result *types.JobResult, targetDir string) error {
	src := filepath.Join(l.cfg.BaseDir, result.Job.Directory(), l.cfg.ReportsDir)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("fetching reports of job %d: %w", result.Job.ID(), err)
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", targetDir, err)
	}
	return os.CopyFS(targetDir, os.DirFS(src))
}

// RemoveContainer is a no-op: local jobs leave nothing behind but their working files.
func (l *Local) RemoveContainer(context.Context, *types.JobResult) error {
	return nil
}

func (l *Local) RemoveImage(context.Context) error {
	return nil
}

func (l *Local) Exec(ctx context.Context, dir string, command string) (string, error) {
	out, err := runChecked(ctx, l.shell(ctx, dir, nil, command))
	if err != nil {
		return "", fmt.Errorf("executing in %s: %w", dir, err)
	}
	return out, nil
}

// copyPath copies a file or a directory tree into destDir, keeping the base name.
func copyPath(src, destDir string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	target := filepath.Join(destDir, filepath.Base(src))
	if info.IsDir() {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
		return os.CopyFS(target, os.DirFS(src))
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
