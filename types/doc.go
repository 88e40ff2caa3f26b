// Package types contains the shared data model of a dtest run: module specs as read from
// configuration, the job descriptors derived from them, per-job results, and the run-wide
// BuildState and AggregateCounters that every worker folds its outcome into.
package types
