package analyzer

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/acarl005/stripansi"
)

// TimeoutSignature is printed by surefire when a forked test JVM exceeded its timeout.
const TimeoutSignature = "There was a timeout or other error in the fork"

// summaryLine matches the per-suite line surefire prints, whatever its severity, e.g.
//
//	[INFO] Tests run: 4, Failures: 0, Errors: 0, Skipped: 0, Time elapsed: 27.497 s - in org.dtest.TestX
//
// The run-wide totals line has no "Time elapsed" and is not matched.
var summaryLine = regexp.MustCompile(`^\[(?:INFO|WARNING|ERROR)\] Tests run: (\d+), Failures: (\d+), Errors: (\d+).*Time elapsed:`)

// SummaryScan is what the line-oriented pass extracts from a job's output.
type SummaryScan struct {
	Suites    int // summary lines seen
	Tests     int
	Failures  int
	Errors    int
	Succeeded int // sum of tests-failures-errors over all summary lines
	TimedOut  bool
}

// ScanSummaryLines scans raw build output line by line for suite summaries and the fork
// timeout signature. ANSI colour codes are removed first.
func ScanSummaryLines(raw string) SummaryScan {
	var scan SummaryScan
	for _, line := range strings.Split(stripansi.Strip(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.Contains(line, TimeoutSignature) {
			scan.TimedOut = true
			continue
		}
		m := summaryLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		run, _ := strconv.Atoi(m[1])
		failures, _ := strconv.Atoi(m[2])
		errs, _ := strconv.Atoi(m[3])
		scan.Suites++
		scan.Tests += run
		scan.Failures += failures
		scan.Errors += errs
		scan.Succeeded += max(run-failures-errs, 0)
	}
	return scan
}
