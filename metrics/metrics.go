package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ethereum-optimism/infra/op-dtest/types"
)

const (
	MetricsNamespace = "dtest"
)

var (
	Debug                bool = false
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	allBuildStatuses = []types.BuildStatus{
		types.BuildNotInitialized,
		types.BuildSucceeded,
		types.BuildHadFailuresOrErrors,
		types.BuildHadTimeouts,
		types.BuildFailed,
		types.BuildTimedOut,
	}

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "jobs_total",
		Help:      "Count of jobs by outcome and status",
	}, []string{
		"label",
		"outcome",
		"status",
	})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "job_duration_seconds",
		Help:      "Wall-clock duration of jobs",
		Buckets:   prometheus.ExponentialBuckets(10, 2, 12),
	}, []string{
		"label",
		"outcome",
	})

	jobsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "jobs_in_flight",
		Help:      "Number of jobs currently running",
	}, []string{
		"label",
	})

	testsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "tests_total",
		Help:      "Count of tests by result",
	}, []string{
		"label",
		"result",
	})

	buildState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "build_state",
		Help:      "Final build state of a run, 1 for the state reached",
	}, []string{
		"label",
		"run_id",
		"state",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

func JobStarted(label string) {
	jobsInFlight.WithLabelValues(label).Inc()
}

// RecordJob counts a finished job. It balances a preceding JobStarted.
func RecordJob(label string, outcome types.JobOutcome, status types.JobStatus, duration time.Duration) {
	if Debug {
		log.Debug("metric inc",
			"m", "jobs_total",
			"label", label,
			"outcome", outcome,
			"status", status,
		)
	}
	jobsInFlight.WithLabelValues(label).Dec()
	jobsTotal.WithLabelValues(label, string(outcome), statusLabel(status)).Inc()
	if duration > 0 {
		jobDuration.WithLabelValues(label, string(outcome)).Observe(duration.Seconds())
	}
}

func RecordTests(label string, succeeded, failed, errored int) {
	testsTotal.WithLabelValues(label, "succeeded").Add(float64(succeeded))
	testsTotal.WithLabelValues(label, "failed").Add(float64(failed))
	testsTotal.WithLabelValues(label, "errored").Add(float64(errored))
}

// RecordBuildState sets the gauge of the reached state to 1 and all others of the run to 0.
func RecordBuildState(label string, runID string, state types.BuildStatus) {
	for _, s := range allBuildStatuses {
		v := 0.0
		if s == state {
			v = 1
		}
		buildState.WithLabelValues(label, runID, s.String()).Set(v)
	}
}

func statusLabel(status types.JobStatus) string {
	if status == types.JobStatusUnset {
		return "none"
	}
	return string(status)
}
