package dtest

import (
	"errors"
	"fmt"

	"github.com/ethereum-optimism/infra/op-dtest/exitcodes"
	"github.com/ethereum-optimism/infra/op-dtest/types"
)

// RuntimeError represents an operational error that should lead to exit code 2.
// Examples include configuration errors, an image that fails to build, or a build
// that timed out or had failing jobs.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError creates a new RuntimeError
func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// TestFailureError represents failing or erroring tests in jobs that otherwise ran to completion (exit code 1)
type TestFailureError struct {
	Message string
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure: %s", e.Message)
}

// NewTestFailureError creates a new TestFailureError
func NewTestFailureError(message string) *TestFailureError {
	return &TestFailureError{Message: message}
}

// IsTestFailureError checks if the error is or wraps a TestFailureError
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}

// StateError turns a final build state into the error the process exits with, or nil on success.
func StateError(state types.BuildStatus, summary string) error {
	switch exitcodes.FromBuildState(state) {
	case exitcodes.Success:
		return nil
	case exitcodes.TestFailure:
		return NewTestFailureError(summary)
	default:
		return NewRuntimeError(fmt.Errorf("build %s: %s", state, summary))
	}
}

// ExitCode is the process exit code for err.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return exitcodes.Success
	case IsRuntimeError(err):
		return exitcodes.RuntimeErr
	default:
		return exitcodes.TestFailure
	}
}
