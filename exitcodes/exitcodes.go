// Package exitcodes defines the exit codes used by op-dtest.
package exitcodes

import "github.com/ethereum-optimism/infra/op-dtest/types"

// Exit code constants used by op-dtest:
//
// * Success (0): every job succeeded
// * TestFailure (1): tests failed or errored but every job ran to completion
// * RuntimeErr (2): timeouts, job failures, configuration or other runtime errors
const (
	Success     = 0 // All tests pass
	TestFailure = 1 // Test failures
	RuntimeErr  = 2 // Runtime errors or timeouts
)

// FromBuildState maps the final build state to the process exit code.
func FromBuildState(s types.BuildStatus) int {
	switch s {
	case types.BuildSucceeded:
		return Success
	case types.BuildHadFailuresOrErrors:
		return TestFailure
	default:
		return RuntimeErr
	}
}
