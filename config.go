package dtest

import (
	"fmt"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-dtest/flags"
	"github.com/ethereum-optimism/infra/op-dtest/registry"
	"github.com/ethereum-optimism/infra/op-dtest/service"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

// Config holds the application configuration
type Config struct {
	ConfigDir    string         // Directory holding dtest.yaml
	Label        string         // Run label, safe to embed in container and image names
	NoCleanup    bool           // Keep containers and the image after the run
	Overrides    []string       // key=value pairs applied on top of every other layer
	FlagValues   map[string]any // Settings given explicitly on the command line, keyed like registry.Defaults
	LogDir       string         // Directory receiving staged reports and retained logs
	DockerBinary string
	HTMLReport   bool
	Metrics      service.Config
	Log          log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	label := ctx.String(flags.Label.Name)
	if err := registry.ValidateLabel(label); err != nil {
		return nil, err
	}

	configDir, err := filepath.Abs(ctx.String(flags.ConfigDir.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for config directory '%s': %w", ctx.String(flags.ConfigDir.Name), err)
	}

	// Get log directory, default to "logs" if not specified
	logDir := ctx.String(flags.LogDir.Name)
	if logDir == "" {
		logDir = "logs"
	}
	logDir, err = filepath.Abs(logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for log directory '%s': %w", logDir, err)
	}

	// only flags given explicitly take part in layering, so configured defaults survive
	flagValues := make(map[string]any)
	for name, key := range flags.SettingFlags {
		if ctx.IsSet(name) {
			flagValues[key] = ctx.Value(name)
		}
	}

	metricsCfg := opmetrics.ReadCLIConfig(ctx)
	if err := metricsCfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid metrics configuration: %w", err)
	}

	return &Config{
		ConfigDir:    configDir,
		Label:        label,
		NoCleanup:    ctx.Bool(flags.NoCleanup.Name),
		Overrides:    ctx.StringSlice(flags.Override.Name),
		FlagValues:   flagValues,
		LogDir:       logDir,
		DockerBinary: ctx.String(flags.DockerBinary.Name),
		HTMLReport:   ctx.Bool(flags.HTMLReport.Name),
		Metrics: service.Config{
			Enabled: metricsCfg.Enabled,
			Host:    metricsCfg.ListenAddr,
			Port:    metricsCfg.ListenPort,
		},
		Log: log,
	}, nil
}
