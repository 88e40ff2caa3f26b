package partition

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/ethereum-optimism/infra/op-dtest/backend"
)

// DefaultDiscoveryCommand lists the surefire test classes of a module.
const DefaultDiscoveryCommand = "find src/test -name 'Test*.java'"

// DiscoveryLister lists tests by running a command through the backend in the module directory.
type DiscoveryLister struct {
	exec    backend.Executor
	command string
}

func NewDiscoveryLister(exec backend.Executor, command string) *DiscoveryLister {
	if command == "" {
		command = DefaultDiscoveryCommand
	}
	return &DiscoveryLister{exec: exec, command: command}
}

func (d *DiscoveryLister) ListTests(ctx context.Context, dir string) ([]string, error) {
	out, err := d.exec.Exec(ctx, dir, d.command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDiscovery, dir, err)
	}
	return ParseTestList(out), nil
}

// ParseTestList turns discovery output into test names, one per line, with the directory and
// file extension removed. Blank lines are ignored and duplicates keep their first position.
func ParseTestList(output string) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, line := range strings.Split(output, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		name = path.Base(name)
		name = strings.TrimSuffix(name, path.Ext(name))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// parseFileList is ParseTestList without the extension stripping.
func parseFileList(output string) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, line := range strings.Split(output, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		name = path.Base(name)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}
