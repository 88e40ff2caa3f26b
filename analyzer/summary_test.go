package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanSummaryLines(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want SummaryScan
	}{
		{
			name: "single info line",
			raw:  "[INFO] Tests run: 4, Failures: 0, Errors: 0, Skipped: 0, Time elapsed: 27.497 s - in org.dtest.TestX\n",
			want: SummaryScan{Suites: 1, Tests: 4, Succeeded: 4},
		},
		{
			name: "partial success counts under any severity",
			raw: "[ERROR] Tests run: 5, Failures: 1, Errors: 1, Skipped: 0, Time elapsed: 3.1 s <<< FAILURE! - in org.dtest.TestA\n" +
				"[WARNING] Tests run: 2, Failures: 0, Errors: 0, Skipped: 1, Time elapsed: 0.2 s - in org.dtest.TestB\n",
			want: SummaryScan{Suites: 2, Tests: 7, Failures: 1, Errors: 1, Succeeded: 5},
		},
		{
			name: "totals line is ignored",
			raw:  "[INFO] Results:\n[ERROR] Tests run: 9, Failures: 1, Errors: 0, Skipped: 0\n",
			want: SummaryScan{},
		},
		{
			name: "ansi colours and crlf",
			raw:  "\x1b[1;34m[INFO]\x1b[m Tests run: 3, Failures: 0, Errors: 0, Skipped: 0, Time elapsed: 1 s - in X\r\n",
			want: SummaryScan{Suites: 1, Tests: 3, Succeeded: 3},
		},
		{
			name: "fork timeout",
			raw:  "[ERROR] ExecutionException There was a timeout or other error in the fork\n",
			want: SummaryScan{TimedOut: true},
		},
		{
			name: "unrelated output",
			raw:  "Tests run: 4, Failures: 0, Errors: 0, Time elapsed: 1 s\n[INFO] BUILD SUCCESS\n",
			want: SummaryScan{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScanSummaryLines(tt.raw))
		})
	}
}
