package partition

import (
	"path"
	"slices"
	"strings"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/ethereum-optimism/infra/op-dtest/types"
)

// MavenCommand runs the surefire tests of the job's directory, offline, in batch mode.
//
//	cd /home/dtest/src/ql && mvn -B -o test -Dtest=TestA,TestB -Dqfile=a.q,b.q
func MavenCommand(baseDir string, p types.JobParams) string {
	args := []string{"mvn", "-B", "-o", "test"}
	if selector := testSelector(p.IncludedTests, p.ExcludedTests); selector != "" {
		args = append(args, "-Dtest="+selector)
	}

	keys := make([]string, 0, len(p.Properties))
	for k := range p.Properties {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if v := p.Properties[k]; v != nil {
			args = append(args, "-D"+k+"="+*v)
		} else {
			args = append(args, "-D"+k)
		}
	}

	dir := path.Join(baseDir, p.Directory)
	if dir == "" {
		dir = "."
	}
	return "cd " + shellquote.Join(dir) + " && " + shellquote.Join(args...)
}

// testSelector renders the surefire -Dtest value: included names, then sorted negated exclusions.
func testSelector(included, excluded []string) string {
	parts := make([]string, 0, len(included)+len(excluded))
	parts = append(parts, included...)
	excluded = slices.Clone(excluded)
	slices.Sort(excluded)
	for _, e := range slices.Compact(excluded) {
		parts = append(parts, "!"+e)
	}
	return strings.Join(parts, ",")
}

func joinKeys(keys []string) string {
	return strings.Join(keys, ",")
}
