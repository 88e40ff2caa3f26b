package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/op-dtest/types"
)

const (
	ConfigFileName     = "dtest.yaml"
	PropertiesFileName = "dtest.properties"
)

var (
	ErrInvalidLabel    = errors.New("invalid label")
	ErrInvalidOverride = errors.New("invalid override")
	ErrInvalidDefaults = errors.New("invalid defaults")

	labelPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
)

// Defaults are the run-wide settings. Every layer of configuration is decoded onto the same
// struct, keyed by the yaml tag names.
type Defaults struct {
	PoolSize          int           `yaml:"pool_size"`
	TestsPerContainer int           `yaml:"tests_per_container"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	Backend           string        `yaml:"backend"`
	Analyzer          string        `yaml:"analyzer"`
	FailurePolicy     string        `yaml:"failure_policy"`
	BaseImage         string        `yaml:"base_image"`
	BaseDir           string        `yaml:"base_dir"`
	SourceDir         string        `yaml:"source_dir"`
	PrepareCommand    string        `yaml:"prepare_command"`
	DiscoveryCommand  string        `yaml:"discovery_command"`
	ReportsDir        string        `yaml:"reports_dir"`
}

// BuiltinDefaults is the lowest configuration layer.
func BuiltinDefaults() Defaults {
	return Defaults{
		PoolSize:          2,
		TestsPerContainer: 20,
		JobTimeout:        2 * time.Hour,
		Backend:           "docker",
		Analyzer:          "maven",
		FailurePolicy:     "strict",
	}
}

func (d Defaults) Validate() error {
	switch {
	case d.PoolSize <= 0:
		return fmt.Errorf("%w: pool_size must be positive, got %d", ErrInvalidDefaults, d.PoolSize)
	case d.TestsPerContainer <= 0:
		return fmt.Errorf("%w: tests_per_container must be positive, got %d", ErrInvalidDefaults, d.TestsPerContainer)
	case d.JobTimeout <= 0:
		return fmt.Errorf("%w: job_timeout must be positive, got %s", ErrInvalidDefaults, d.JobTimeout)
	case d.Backend == "":
		return fmt.Errorf("%w: backend is required", ErrInvalidDefaults)
	case d.Analyzer == "":
		return fmt.Errorf("%w: analyzer is required", ErrInvalidDefaults)
	}
	return nil
}

// File is the layout of dtest.yaml.
type File struct {
	Defaults map[string]any     `yaml:"defaults"`
	Modules  []types.ModuleSpec `yaml:"modules"`
}

// Registry holds the module specs and defaults of a run.
type Registry struct {
	config   Config
	defaults Defaults
	modules  []types.ModuleSpec
	mu       sync.RWMutex
}

// Config contains registry configuration
type Config struct {
	Log       log.Logger
	ConfigDir string
	// FlagValues are settings given explicitly on the command line, keyed like Defaults.
	FlagValues map[string]any
	// Overrides are free-form key=value pairs applied last.
	Overrides []string
}

// NewRegistry loads and validates the configuration directory. Every module spec is validated
// here, before anything is partitioned.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.ConfigDir == "" {
		return nil, fmt.Errorf("config directory is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}

	r := &Registry{config: cfg}
	if err := r.load(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg.Log.Debug("Registry loaded", "len(modules)", len(r.modules), "defaults", r.defaults)
	return r, nil
}

func (r *Registry) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	defaults := BuiltinDefaults()

	propsPath := filepath.Join(r.config.ConfigDir, PropertiesFileName)
	props, err := loadProperties(propsPath)
	if err != nil {
		return err
	}
	if err := applyLayer(&defaults, toAny(props)); err != nil {
		return fmt.Errorf("%s: %w", propsPath, err)
	}

	file, err := loadFile(filepath.Join(r.config.ConfigDir, ConfigFileName))
	if err != nil {
		return err
	}
	if err := applyLayer(&defaults, file.Defaults); err != nil {
		return fmt.Errorf("%s defaults: %w", ConfigFileName, err)
	}

	if err := applyLayer(&defaults, r.config.FlagValues); err != nil {
		return fmt.Errorf("flags: %w", err)
	}

	overrides, err := ParseOverrides(r.config.Overrides)
	if err != nil {
		return err
	}
	if err := applyLayer(&defaults, overrides); err != nil {
		return fmt.Errorf("overrides: %w", err)
	}

	if err := defaults.Validate(); err != nil {
		return err
	}
	for i, m := range file.Modules {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("module %d: %w", i, err)
		}
	}

	r.defaults = defaults
	r.modules = file.Modules
	return nil
}

func (r *Registry) Defaults() Defaults {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Modules returns the module specs in configuration order.
func (r *Registry) Modules() []types.ModuleSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.modules)
}

func loadFile(path string) (*File, error) {
	log.Debug("Reading config file", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if len(f.Modules) == 0 {
		return nil, fmt.Errorf("%s: no modules configured", path)
	}
	return &f, nil
}

// loadProperties reads the optional properties file. A missing file is an empty layer.
func loadProperties(path string) (map[string]string, error) {
	props, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading properties file: %w", err)
	}
	return props, nil
}

// applyLayer decodes values onto d. Keys are the yaml names of Defaults; unknown keys fail.
func applyLayer(d *Defaults, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "yaml",
		Result:           d,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(values)
}

// ParseOverrides turns key=value pairs into a layer. The value may itself contain '='.
func ParseOverrides(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w %q: expected key=value", ErrInvalidOverride, pair)
		}
		out[key] = value
	}
	return out, nil
}

// ValidateLabel checks that label can be embedded in container and image names.
func ValidateLabel(label string) error {
	if !labelPattern.MatchString(label) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidLabel, label, labelPattern)
	}
	return nil
}

func toAny(m map[string]string) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
