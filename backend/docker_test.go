package backend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-dtest/types"
)

// fakeDocker writes a docker stand-in that appends its arguments to calls.log and answers a
// few subcommands the way the real CLI would.
func fakeDocker(t *testing.T, body string) (binary string, calls string) {
	t.Helper()
	dir := t.TempDir()
	calls = filepath.Join(dir, "calls.log")
	script := `#!/bin/sh
echo "$@" >> ` + calls + `
case "$1" in
  version) echo "24.0.7" ;;
` + body + `
esac
`
	binary = filepath.Join(dir, "docker")
	require.NoError(t, os.WriteFile(binary, []byte(script), 0o755))
	return binary, calls
}

func readCalls(t *testing.T, calls string) []string {
	t.Helper()
	data, err := os.ReadFile(calls)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func newTestDocker(t *testing.T, binary string) *Docker {
	t.Helper()
	d, err := NewDocker(Config{
		Log:          log.NewLogger(log.DiscardHandler()),
		Label:        "nightly",
		DockerBinary: binary,
		SourceDir:    t.TempDir(),
		WorkDir:      t.TempDir(),
	})
	require.NoError(t, err)
	return d
}

func TestDocker_RunBuildsArguments(t *testing.T) {
	binary, calls := fakeDocker(t, `  run) echo "[INFO] Tests run: 2, Failures: 0, Errors: 0"; exit 3 ;;`)
	d := newTestDocker(t, binary)

	job := types.NewJobDescriptor(42, types.JobParams{
		Directory: "itests/hive-unit",
		Env:       map[string]string{"B": "2", "A": "1"},
		Command:   "mvn -B test -Dtest=TestA",
	})
	result, err := d.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, "dtest-nightly-42", result.Handle)
	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, result.RawOutput, "Tests run: 2")
	assert.Equal(t, []string{
		"run --name dtest-nightly-42 --workdir /home/dtest/src/itests/hive-unit --env A=1 --env B=2 dtest-nightly /bin/bash -c mvn -B test -Dtest=TestA",
	}, readCalls(t, calls))
}

func TestDocker_RunTimeoutKillsContainer(t *testing.T) {
	binary, calls := fakeDocker(t, `  run) exec sleep 5 ;;`)
	d := newTestDocker(t, binary)

	job := types.NewJobDescriptor(1, types.JobParams{Directory: "ql", Command: "true", Timeout: 100 * time.Millisecond})
	_, err := d.Run(context.Background(), job)
	require.ErrorIs(t, err, ErrJobTimedOut)
	got := readCalls(t, calls)
	require.Len(t, got, 3)
	assert.True(t, strings.HasPrefix(got[0], "run --name dtest-nightly-1 "))
	assert.Equal(t, []string{"kill dtest-nightly-1", "rm --force dtest-nightly-1"}, got[1:])
}

func TestDocker_RunCancelledRemovesContainer(t *testing.T) {
	binary, calls := fakeDocker(t, `  run) exec sleep 5 ;;`)
	d := newTestDocker(t, binary)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	job := types.NewJobDescriptor(1, types.JobParams{Directory: "ql", Command: "true"})
	_, err := d.Run(ctx, job)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrJobTimedOut)
	got := readCalls(t, calls)
	assert.Contains(t, got, "kill dtest-nightly-1")
	assert.Contains(t, got, "rm --force dtest-nightly-1")
}

func TestDocker_RunRuntimeFailure(t *testing.T) {
	binary, calls := fakeDocker(t, `  run) echo "docker: Error response from daemon: conflict"; exit 125 ;;`)
	d := newTestDocker(t, binary)

	job := types.NewJobDescriptor(1, types.JobParams{Directory: "ql", Command: "true"})
	_, err := d.Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflict")
	assert.NotErrorIs(t, err, ErrJobTimedOut)
	got := readCalls(t, calls)
	require.Len(t, got, 2)
	assert.Equal(t, "rm --force dtest-nightly-1", got[1])
}

func TestDocker_RunFailureKeepsContainerWithNoCleanup(t *testing.T) {
	binary, calls := fakeDocker(t, `  run) exit 125 ;;`)
	d := newTestDocker(t, binary)
	d.cfg.NoCleanup = true

	job := types.NewJobDescriptor(1, types.JobParams{Directory: "ql", Command: "true"})
	_, err := d.Run(context.Background(), job)
	require.Error(t, err)
	for _, call := range readCalls(t, calls) {
		assert.False(t, strings.HasPrefix(call, "rm "), call)
	}
}

func TestDocker_CopyLogFilesContinuesAfterFailure(t *testing.T) {
	binary, calls := fakeDocker(t, `  cp) case "$2" in *missing*) echo "no such file" >&2; exit 1 ;; esac ;;`)
	d := newTestDocker(t, binary)

	job := types.NewJobDescriptor(5, types.JobParams{Directory: "ql"})
	result := types.NewJobResult(job, d.ContainerName(job), 1, "")
	require.NoError(t, result.AddLogFile("target/tmp/log/missing.log", "TestA.a"))
	require.NoError(t, result.AddLogFile("target/tmp/log/present.log", "TestA.a"))

	target := t.TempDir()
	err := d.CopyLogFiles(context.Background(), result, target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.log")

	got := readCalls(t, calls)
	require.Len(t, got, 2)
	assert.Equal(t, "cp dtest-nightly-5:/home/dtest/src/ql/target/tmp/log/present.log "+filepath.Join(target, "TestA.a"), got[1])
	assert.DirExists(t, filepath.Join(target, "TestA.a"))
}

func TestDocker_CleanupCommands(t *testing.T) {
	binary, calls := fakeDocker(t, "")
	d := newTestDocker(t, binary)
	job := types.NewJobDescriptor(9, types.JobParams{Directory: "ql"})
	result := types.NewJobResult(job, d.ContainerName(job), 0, "")

	require.NoError(t, d.RemoveContainer(context.Background(), result))
	require.NoError(t, d.RemoveImage(context.Background()))
	assert.Equal(t, []string{"rm --force dtest-nightly-9", "rmi --force dtest-nightly"}, readCalls(t, calls))
}

func TestDocker_ExecFailureIsError(t *testing.T) {
	binary, _ := fakeDocker(t, `  run) echo "find: src/test: No such file or directory" >&2; exit 1 ;;`)
	d := newTestDocker(t, binary)

	_, err := d.Exec(context.Background(), "ql", "find src/test -name 'Test*.java'")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No such file")
}

func TestDocker_CheckVersion(t *testing.T) {
	binary, _ := fakeDocker(t, "")
	d := newTestDocker(t, binary)
	v, err := d.CheckVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "24.0.7", v.String())

	old := filepath.Join(t.TempDir(), "docker")
	require.NoError(t, os.WriteFile(old, []byte("#!/bin/sh\necho 19.03.1\n"), 0o755))
	_, err = newTestDocker(t, old).CheckVersion(context.Background())
	require.Error(t, err)
}

func TestDocker_PrepareImage(t *testing.T) {
	binary, calls := fakeDocker(t, "")
	d, err := NewDocker(Config{
		Log:            log.NewLogger(log.DiscardHandler()),
		Label:          "pr-1234",
		DockerBinary:   binary,
		SourceDir:      t.TempDir(),
		WorkDir:        t.TempDir(),
		PrepareCommand: "mvn -B install -DskipTests",
	})
	require.NoError(t, err)

	require.NoError(t, d.PrepareImage(context.Background()))

	definition, err := os.ReadFile(filepath.Join(d.cfg.WorkDir, "Dockerfile"))
	require.NoError(t, err)
	assert.Contains(t, string(definition), "FROM "+DefaultBaseImage)
	assert.Contains(t, string(definition), "RUN mvn -B install -DskipTests")
	assert.Contains(t, string(definition), "WORKDIR "+DefaultBaseDir)

	got := readCalls(t, calls)
	require.Len(t, got, 2)
	assert.Equal(t, "version --format {{.Server.Version}}", got[0])
	assert.True(t, strings.HasPrefix(got[1], "build --tag dtest-pr-1234 --file "))
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New("kubernetes", Config{})
	require.ErrorIs(t, err, ErrUnknownBackend)
	assert.Equal(t, []string{"docker", "local"}, Names())
}
