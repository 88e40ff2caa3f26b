package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidModuleSpec is returned for module specs that cannot be partitioned.
var ErrInvalidModuleSpec = errors.New("invalid module spec")

// ModuleSpec describes one source directory with its own test set.
type ModuleSpec struct {
	Directory         string             `yaml:"directory"`
	NeedsSplit        bool               `yaml:"needs_split,omitempty"`
	TestsPerContainer *int               `yaml:"tests_per_container,omitempty"`
	IsolatedTests     []string           `yaml:"isolated_tests,omitempty"`
	SingleTest        string             `yaml:"single_test,omitempty"`
	SkippedTests      []string           `yaml:"skipped_tests,omitempty"`
	Env               map[string]string  `yaml:"env,omitempty"`
	Properties        map[string]*string `yaml:"properties,omitempty"`
	Timeout           *time.Duration     `yaml:"timeout,omitempty"`

	// Shard names a registered sub-shard strategy for a single-test module.
	Shard string `yaml:"shard,omitempty"`
	// ShardCommand is handed to the strategy, typically a discovery command for shard keys.
	ShardCommand string `yaml:"shard_command,omitempty"`
}

// Validate checks the flag combination of the spec. It has no side effects, so calling it
// repeatedly on the same spec always yields the same result.
func (m ModuleSpec) Validate() error {
	if m.Directory == "" {
		return fmt.Errorf("%w: directory is required", ErrInvalidModuleSpec)
	}
	if m.NeedsSplit && m.SingleTest != "" {
		return fmt.Errorf("%w: %s: needs_split and single_test are mutually exclusive", ErrInvalidModuleSpec, m.Directory)
	}
	if m.TestsPerContainer != nil && *m.TestsPerContainer <= 0 {
		return fmt.Errorf("%w: %s: tests_per_container must be positive, got %d", ErrInvalidModuleSpec, m.Directory, *m.TestsPerContainer)
	}
	if m.Shard != "" && m.SingleTest == "" {
		return fmt.Errorf("%w: %s: shard strategy %q requires single_test", ErrInvalidModuleSpec, m.Directory, m.Shard)
	}
	if m.Timeout != nil && *m.Timeout <= 0 {
		return fmt.Errorf("%w: %s: timeout must be positive", ErrInvalidModuleSpec, m.Directory)
	}
	return nil
}

// Simple reports whether the whole directory runs as a single job.
func (m ModuleSpec) Simple() bool {
	return !m.NeedsSplit && m.SingleTest == ""
}

// ChunkSize returns the module override if set, otherwise fallback.
func (m ModuleSpec) ChunkSize(fallback int) int {
	if m.TestsPerContainer != nil {
		return *m.TestsPerContainer
	}
	return fallback
}
