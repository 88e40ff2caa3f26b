package types

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// JobIDs hands out job IDs. One instance is shared by every partitioning pass of a process so
// that IDs are unique for the whole run and follow creation order.
type JobIDs struct {
	last atomic.Uint64
}

// Next returns the next ID, starting at 1.
func (j *JobIDs) Next() uint64 {
	return j.last.Add(1)
}

// JobParams carries the inputs of a JobDescriptor.
type JobParams struct {
	Directory     string
	IncludedTests []string
	ExcludedTests []string
	Env           map[string]string
	Properties    map[string]*string
	Command       string
	Timeout       time.Duration
}

// JobDescriptor is one container invocation scoped to a subset of a module's tests.
// All accessors return copies; a descriptor never changes after NewJobDescriptor.
type JobDescriptor struct {
	id         uint64
	directory  string
	included   []string
	excluded   []string
	env        map[string]string
	properties map[string]*string
	command    string
	timeout    time.Duration
}

func NewJobDescriptor(id uint64, p JobParams) *JobDescriptor {
	excluded := slices.Clone(p.ExcludedTests)
	slices.Sort(excluded)
	excluded = slices.Compact(excluded)

	props := make(map[string]*string, len(p.Properties))
	for k, v := range p.Properties {
		if v == nil {
			props[k] = nil
			continue
		}
		val := *v
		props[k] = &val
	}

	return &JobDescriptor{
		id:         id,
		directory:  p.Directory,
		included:   slices.Clone(p.IncludedTests),
		excluded:   excluded,
		env:        maps.Clone(p.Env),
		properties: props,
		command:    p.Command,
		timeout:    p.Timeout,
	}
}

func (j *JobDescriptor) ID() uint64 { return j.id }

func (j *JobDescriptor) Directory() string { return j.directory }

func (j *JobDescriptor) IncludedTests() []string { return slices.Clone(j.included) }

// ExcludedTests returns the exclusion set in sorted order.
func (j *JobDescriptor) ExcludedTests() []string { return slices.Clone(j.excluded) }

func (j *JobDescriptor) Env() map[string]string { return maps.Clone(j.env) }

func (j *JobDescriptor) Properties() map[string]*string {
	out := make(map[string]*string, len(j.properties))
	for k, v := range j.properties {
		if v == nil {
			out[k] = nil
			continue
		}
		val := *v
		out[k] = &val
	}
	return out
}

func (j *JobDescriptor) Command() string { return j.command }

// Timeout is the wall-clock limit for the job, zero meaning none.
func (j *JobDescriptor) Timeout() time.Duration { return j.timeout }

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// Name is a filesystem-safe name used for per-job directories, e.g. "0007-itests_hive-unit".
func (j *JobDescriptor) Name() string {
	dir := strings.Trim(unsafeNameChars.ReplaceAllString(j.directory, "_"), "_")
	if dir == "" {
		dir = "root"
	}
	return fmt.Sprintf("%04d-%s", j.id, dir)
}

func (j *JobDescriptor) String() string {
	return fmt.Sprintf("job %d (%s, %d tests)", j.id, j.directory, len(j.included))
}
