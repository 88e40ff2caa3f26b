package flags

import (
	"fmt"
	"slices"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-dtest/analyzer"
	"github.com/ethereum-optimism/infra/op-dtest/backend"
	"github.com/ethereum-optimism/infra/op-dtest/registry"
	opservice "github.com/ethereum-optimism/optimism/op-service"
	opflags "github.com/ethereum-optimism/optimism/op-service/flags"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "OP_DTEST"

var (
	ConfigDir = &cli.StringFlag{
		Name:     "config-dir",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "CONFIG_DIR"),
		Usage:    "Directory holding dtest.yaml and the optional dtest.properties",
	}
	Label = &cli.StringFlag{
		Name:     "label",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "LABEL"),
		Usage:    "Run label, embedded in container and image names (letters, digits, '_', '.', '-')",
		Action: func(_ *cli.Context, v string) error {
			return registry.ValidateLabel(v)
		},
	}
	NoCleanup = &cli.BoolFlag{
		Name:    "no-cleanup",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "NO_CLEANUP"),
		Usage:   "Keep containers and the image after the run",
	}
	Override = &cli.StringSliceFlag{
		Name:    "override",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "OVERRIDE"),
		Usage:   "Configuration override as key=value, applied last (repeatable)",
	}
	PoolSize = &cli.IntFlag{
		Name:    "pool-size",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "POOL_SIZE"),
		Usage:   "Number of jobs run concurrently",
	}
	TestsPerContainer = &cli.IntFlag{
		Name:    "tests-per-container",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TESTS_PER_CONTAINER"),
		Usage:   "Maximum number of test classes in one job of a split module",
	}
	JobTimeout = &cli.DurationFlag{
		Name:    "job-timeout",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "JOB_TIMEOUT"),
		Usage:   "Default timeout of a single job (e.g. '90m')",
	}
	LogDir = &cli.StringFlag{
		Name:    "log-dir",
		Value:   "logs",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOG_DIR"),
		Usage:   "Directory receiving retained logs and reports",
	}
	Backend = &cli.StringFlag{
		Name:    "backend",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BACKEND"),
		Usage:   fmt.Sprintf("Container backend (%s)", strings.Join(backend.Names(), ", ")),
		Action:  validateBackend,
	}
	Analyzer = &cli.StringFlag{
		Name:    "analyzer",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ANALYZER"),
		Usage:   fmt.Sprintf("Result analyzer (%s)", strings.Join(analyzer.Names(), ", ")),
	}
	FailurePolicy = &cli.StringFlag{
		Name:    "failure-policy",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FAILURE_POLICY"),
		Usage:   fmt.Sprintf("How failing tests affect job status (%s)", strings.Join(analyzer.PolicyNames(), ", ")),
		Action: func(_ *cli.Context, v string) error {
			_, err := analyzer.LookupPolicy(v)
			return err
		},
	}
	DockerBinary = &cli.StringFlag{
		Name:    "docker-binary",
		Value:   backend.DefaultDockerBinary,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DOCKER_BINARY"),
		Usage:   "Path to the container runtime CLI",
	}
	HTMLReport = &cli.BoolFlag{
		Name:    "html-report",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HTML_REPORT"),
		Usage:   "Write report.html into the log directory",
	}
)

var requiredFlags = []cli.Flag{
	ConfigDir,
	Label,
}

var optionalFlags = []cli.Flag{
	NoCleanup,
	Override,
	PoolSize,
	TestsPerContainer,
	JobTimeout,
	LogDir,
	Backend,
	Analyzer,
	FailurePolicy,
	DockerBinary,
	HTMLReport,
}
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return opflags.CheckRequiredXor(ctx)
}

// SettingFlags maps flags that layer onto the configured defaults to their configuration key.
var SettingFlags = map[string]string{
	PoolSize.Name:          "pool_size",
	TestsPerContainer.Name: "tests_per_container",
	JobTimeout.Name:        "job_timeout",
	Backend.Name:           "backend",
	Analyzer.Name:          "analyzer",
	FailurePolicy.Name:     "failure_policy",
}

func validateBackend(_ *cli.Context, v string) error {
	if !slices.Contains(backend.Names(), v) {
		return fmt.Errorf("backend must be one of %s, got %q", strings.Join(backend.Names(), ", "), v)
	}
	return nil
}
