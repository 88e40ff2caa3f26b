package partition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-dtest/backend"
	"github.com/ethereum-optimism/infra/op-dtest/types"
)

// DefaultShardProperty is the property that carries a chunk of discovered files.
const DefaultShardProperty = "qfile"

var ErrUnknownStrategy = errors.New("unknown shard strategy")

// ShardStrategy splits the single test of a module along a secondary dimension, such as the
// data files a parameterized test driver iterates over.
type ShardStrategy interface {
	// Keys returns the shard keys of spec, in a stable order.
	Keys(ctx context.Context, spec types.ModuleSpec) ([]string, error)
	// Property names the job property a chunk of keys is passed in.
	Property() string
}

type StrategyConfig struct {
	Executor backend.Executor
	Log      log.Logger
}

type StrategyFactory func(cfg StrategyConfig) (ShardStrategy, error)

var (
	strategiesMu sync.RWMutex
	strategies   = map[string]StrategyFactory{}
)

// RegisterStrategy makes a strategy available to module specs under name.
func RegisterStrategy(name string, factory StrategyFactory) {
	strategiesMu.Lock()
	defer strategiesMu.Unlock()
	if _, dup := strategies[name]; dup {
		panic("partition: RegisterStrategy called twice for " + name)
	}
	strategies[name] = factory
}

func HasStrategy(name string) bool {
	strategiesMu.RLock()
	defer strategiesMu.RUnlock()
	_, ok := strategies[name]
	return ok
}

func LookupStrategy(name string, cfg StrategyConfig) (ShardStrategy, error) {
	strategiesMu.RLock()
	factory, ok := strategies[name]
	strategiesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownStrategy, name, StrategyNames())
	}
	return factory(cfg)
}

func StrategyNames() []string {
	strategiesMu.RLock()
	defer strategiesMu.RUnlock()
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DiscoveredFiles shards by the file names a module's ShardCommand prints.
type DiscoveredFiles struct {
	exec     backend.Executor
	property string
}

func NewDiscoveredFiles(exec backend.Executor, property string) *DiscoveredFiles {
	if property == "" {
		property = DefaultShardProperty
	}
	return &DiscoveredFiles{exec: exec, property: property}
}

func (d *DiscoveredFiles) Keys(ctx context.Context, spec types.ModuleSpec) ([]string, error) {
	if spec.ShardCommand == "" {
		return nil, fmt.Errorf("%s: shard_command is required", spec.Directory)
	}
	out, err := d.exec.Exec(ctx, spec.Directory, spec.ShardCommand)
	if err != nil {
		return nil, err
	}
	return parseFileList(out), nil
}

func (d *DiscoveredFiles) Property() string {
	return d.property
}

func init() {
	RegisterStrategy("discovered-files", func(cfg StrategyConfig) (ShardStrategy, error) {
		if cfg.Executor == nil {
			return nil, errors.New("discovered-files strategy needs an executor")
		}
		return NewDiscoveredFiles(cfg.Executor, DefaultShardProperty), nil
	})
}
