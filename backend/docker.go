package backend

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-version"
	shellquote "github.com/kballard/go-shellquote"

	"github.com/ethereum-optimism/infra/op-dtest/types"
)

const (
	DefaultDockerBinary = "docker"
	DefaultBaseImage    = "maven:3.9-eclipse-temurin-17"
	DefaultBaseDir      = "/home/dtest/src"
	DefaultReportsDir   = "target/surefire-reports"

	// MinDockerVersion is the oldest server version with the cp/rm semantics relied on here.
	MinDockerVersion = ">= 20.10"

	// exit codes reserved by `docker run` for failures of the runtime itself
	dockerRunFailed = 125
	cleanupTimeout  = 2 * time.Minute
	dockerfileName  = "Dockerfile"
	containerPrefix = "dtest"
)

//go:embed templates/Dockerfile.tmpl
var dockerfileTemplate string

var _ ContainerBackend = (*Docker)(nil)
var _ Executor = (*Docker)(nil)
var _ ReportFetcher = (*Docker)(nil)
var _ ImagePreparer = (*Docker)(nil)

// Docker runs every job in its own container through the docker CLI.
type Docker struct {
	cfg   Config
	log   log.Logger
	image string
	tmpl  *template.Template
}

// NewDocker validates cfg and fills in defaults.
func NewDocker(cfg Config) (*Docker, error) {
	if cfg.Label == "" {
		return nil, errors.New("label is required for the docker backend")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.DockerBinary == "" {
		cfg.DockerBinary = DefaultDockerBinary
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = DefaultBaseDir
	}
	if cfg.BaseImage == "" {
		cfg.BaseImage = DefaultBaseImage
	}
	if cfg.ReportsDir == "" {
		cfg.ReportsDir = DefaultReportsDir
	}
	image := cfg.Image
	if image == "" {
		image = containerPrefix + "-" + strings.ToLower(cfg.Label)
	}
	tmpl, err := template.New(dockerfileName).Parse(dockerfileTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing image definition template: %w", err)
	}
	return &Docker{
		cfg:   cfg,
		log:   cfg.Log.New("component", "docker-backend"),
		image: image,
		tmpl:  tmpl,
	}, nil
}

func (d *Docker) command(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, d.cfg.DockerBinary, args...)
}

// Image is the tag jobs run in.
func (d *Docker) Image() string {
	return d.image
}

// ContainerName is unique per job within a run.
func (d *Docker) ContainerName(job *types.JobDescriptor) string {
	return fmt.Sprintf("%s-%s-%d", containerPrefix, d.cfg.Label, job.ID())
}

func (d *Docker) BaseDirectory() string {
	return d.cfg.BaseDir
}

func (d *Docker) moduleDir(dir string) string {
	return path.Join(d.cfg.BaseDir, dir)
}

// runArgs builds the `docker run` argument list for a job. Env vars are sorted for stable output.
func (d *Docker) runArgs(job *types.JobDescriptor) []string {
	args := []string{"run", "--name", d.ContainerName(job), "--workdir", d.moduleDir(job.Directory())}
	env := job.Env()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		args = append(args, "--env", k+"="+env[k])
	}
	return append(args, d.image, "/bin/bash", "-c", job.Command())
}

// Run starts the job's container and waits for it. The container is kept after exit so that
// logs and reports can be copied out of it; RemoveContainer disposes of it.
func (d *Docker) Run(ctx context.Context, job *types.JobDescriptor) (*types.JobResult, error) {
	timeout := job.Timeout()
	if timeout == 0 {
		timeout = d.cfg.DefaultTimeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	name := d.ContainerName(job)
	args := d.runArgs(job)
	d.log.Debug("Starting container", "job", job.ID(), "container", name, "command", shellquote.Join(args...))

	var output bytes.Buffer
	cmd := d.command(runCtx, args...)
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	res, err := runCommand(runCtx, cmd)
	elapsed := time.Since(start)
	if err != nil {
		// the CLI process is gone but the container may still be running
		d.kill(ctx, name)
		d.discard(ctx, name)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s after %s", ErrJobTimedOut, name, timeout)
		}
		return nil, fmt.Errorf("running container %s: %w", name, err)
	}
	if res.ExitCode == dockerRunFailed {
		d.discard(ctx, name)
		return nil, fmt.Errorf("docker could not run container %s: %s", name, lastLine(output.String()))
	}

	result := types.NewJobResult(job, name, res.ExitCode, output.String())
	result.Duration = elapsed
	return result, nil
}

func (d *Docker) kill(ctx context.Context, name string) {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if _, err := runChecked(killCtx, d.command(killCtx, "kill", name)); err != nil {
		d.log.Warn("Failed to kill container", "container", name, "err", err)
	}
}

// discard removes a container whose run never produced a result, unless cleanup is disabled.
func (d *Docker) discard(ctx context.Context, name string) {
	if d.cfg.NoCleanup {
		return
	}
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if _, err := runChecked(rmCtx, d.command(rmCtx, "rm", "--force", name)); err != nil {
		d.log.Warn("Failed to remove container", "container", name, "err", err)
	}
}

// CopyLogFiles copies each enqueued file into targetDir/<tag>/. Missing files do not stop the
// remaining copies; all failures are returned together.
func (d *Docker) CopyLogFiles(ctx context.Context, result *types.JobResult, targetDir string) error {
	var errs *multierror.Error
	for _, lf := range result.LogFiles() {
		dest := filepath.Join(targetDir, SanitizeTag(lf.Tag))
		if err := os.MkdirAll(dest, 0o755); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("creating %s: %w", dest, err))
			continue
		}
		src := result.Handle + ":" + path.Join(d.moduleDir(result.Job.Directory()), lf.Path)
		if _, err := runChecked(ctx, d.command(ctx, "cp", src, dest)); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("copying %s: %w", lf.Path, err))
		}
	}
	return errs.ErrorOrNil()
}

// FetchReports copies the module's report directory out of the container.
func (d *Docker) FetchReports(ctx context.Context, result *types.JobResult, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", targetDir, err)
	}
	src := result.Handle + ":" + path.Join(d.moduleDir(result.Job.Directory()), d.cfg.ReportsDir) + "/."
	if _, err := runChecked(ctx, d.command(ctx, "cp", src, targetDir)); err != nil {
		return fmt.Errorf("fetching reports of %s: %w", result.Handle, err)
	}
	return nil
}

func (d *Docker) RemoveContainer(ctx context.Context, result *types.JobResult) error {
	if _, err := runChecked(ctx, d.command(ctx, "rm", "--force", result.Handle)); err != nil {
		return fmt.Errorf("removing container %s: %w", result.Handle, err)
	}
	return nil
}

func (d *Docker) RemoveImage(ctx context.Context) error {
	if _, err := runChecked(ctx, d.command(ctx, "rmi", "--force", d.image)); err != nil {
		return fmt.Errorf("removing image %s: %w", d.image, err)
	}
	return nil
}

// Exec runs command in a throwaway container rooted at the module directory.
func (d *Docker) Exec(ctx context.Context, dir string, command string) (string, error) {
	out, err := runChecked(ctx, d.command(ctx, "run", "--rm", "--workdir", d.moduleDir(dir), d.image, "/bin/bash", "-c", command))
	if err != nil {
		return "", fmt.Errorf("executing in %s: %w", dir, err)
	}
	return out, nil
}

// CheckVersion fails if the docker server is older than MinDockerVersion.
func (d *Docker) CheckVersion(ctx context.Context) (*version.Version, error) {
	out, err := runChecked(ctx, d.command(ctx, "version", "--format", "{{.Server.Version}}"))
	if err != nil {
		return nil, fmt.Errorf("querying docker version: %w", err)
	}
	v, err := version.NewVersion(strings.TrimSpace(out))
	if err != nil {
		return nil, fmt.Errorf("parsing docker version %q: %w", strings.TrimSpace(out), err)
	}
	constraint, err := version.NewConstraint(MinDockerVersion)
	if err != nil {
		return nil, err
	}
	if !constraint.Check(v) {
		return v, fmt.Errorf("docker %s does not satisfy %s", v, MinDockerVersion)
	}
	return v, nil
}

type imageDefinition struct {
	BaseImage      string
	BaseDir        string
	PrepareCommand string
}

// WriteImageDefinition renders the Dockerfile for this run into dir.
func (d *Docker) WriteImageDefinition(dir string) (string, error) {
	var buf bytes.Buffer
	if err := d.tmpl.Execute(&buf, imageDefinition{
		BaseImage:      d.cfg.BaseImage,
		BaseDir:        d.cfg.BaseDir,
		PrepareCommand: d.cfg.PrepareCommand,
	}); err != nil {
		return "", fmt.Errorf("rendering image definition: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	file := filepath.Join(dir, dockerfileName)
	if err := os.WriteFile(file, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", file, err)
	}
	return file, nil
}

// PrepareImage checks the runtime version, writes the image definition and builds the image.
func (d *Docker) PrepareImage(ctx context.Context) error {
	v, err := d.CheckVersion(ctx)
	if err != nil {
		return err
	}
	d.log.Info("Using docker", "version", v.String())

	if d.cfg.SourceDir == "" {
		return errors.New("source directory is required to build the image")
	}
	workDir := d.cfg.WorkDir
	if workDir == "" {
		workDir = d.cfg.SourceDir
	}
	file, err := d.WriteImageDefinition(workDir)
	if err != nil {
		return err
	}

	d.log.Info("Building image", "image", d.image, "definition", file)
	cmd := d.command(ctx, "build", "--tag", d.image, "--file", file, d.cfg.SourceDir)
	if _, err := runChecked(ctx, cmd); err != nil {
		return fmt.Errorf("building image %s: %w", d.image, err)
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.LastIndex(s, "\n"); idx != -1 {
		return s[idx+1:]
	}
	return s
}
