package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// waitDelay bounds how long Wait keeps reading output after the process was killed.
const waitDelay = 5 * time.Second

// commandResult is the captured outcome of a subprocess.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// runCommand runs cmd to completion. A non-zero exit is not an error: callers decide from
// ExitCode. Errors are reserved for processes that could not be started or were killed.
func runCommand(ctx context.Context, cmd *exec.Cmd) (commandResult, error) {
	var stdout, stderr bytes.Buffer
	if cmd.Stdout == nil {
		cmd.Stdout = &stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = &stderr
	}
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = waitDelay
	}

	err := cmd.Run()
	res := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, fmt.Errorf("running %s: %w", cmd.Path, err)
}

// runChecked runs cmd and turns a non-zero exit into an error carrying stderr.
func runChecked(ctx context.Context, cmd *exec.Cmd) (string, error) {
	res, err := runCommand(ctx, cmd)
	if err != nil {
		return res.Stdout, err
	}
	if res.ExitCode != 0 {
		return res.Stdout, fmt.Errorf("command %q exited with %d\nstderr: %s",
			strings.Join(cmd.Args, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}
