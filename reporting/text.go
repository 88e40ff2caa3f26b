package reporting

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-dtest/types"
)

// TextReporter prints a table of jobs followed by the failing and erroring tests.
type TextReporter struct {
	out   io.Writer
	color bool
}

func NewTextReporter(out io.Writer, color bool) *TextReporter {
	return &TextReporter{out: out, color: color}
}

func (t *TextReporter) Report(r Report) error {
	res := r.Result
	tw := table.NewWriter()
	tw.SetOutputMirror(t.out)
	tw.SetTitle(fmt.Sprintf("Test run %s (%s)", r.Label, formatDuration(res.Duration)))

	tw.AppendHeader(table.Row{
		"Job", "Directory", "Tests", "Outcome", "Status", "Exit", "Succeeded", "Failures", "Errors", "Duration",
	})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Directory", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Exit", Align: text.AlignRight},
		{Name: "Succeeded", Align: text.AlignRight},
		{Name: "Failures", Align: text.AlignRight},
		{Name: "Errors", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
	})

	for _, job := range res.Jobs {
		tests := "all"
		if n := len(job.Job.IncludedTests()); n > 0 {
			tests = fmt.Sprint(n)
		}
		exit := "-"
		if job.Outcome == types.JobCompleted {
			exit = fmt.Sprint(job.ExitCode)
		}
		tw.AppendRow(table.Row{
			job.Job.ID(),
			job.Job.Directory(),
			tests,
			job.Outcome,
			statusText(job),
			exit,
			job.Succeeded,
			len(job.Failures),
			len(job.Errors),
			formatDuration(job.Duration),
		})
	}

	if t.color {
		switch res.State {
		case types.BuildSucceeded:
			tw.SetStyle(table.StyleColoredBlackOnGreenWhite)
		case types.BuildHadFailuresOrErrors, types.BuildHadTimeouts:
			tw.SetStyle(table.StyleColoredBlackOnYellowWhite)
		default:
			tw.SetStyle(table.StyleColoredBlackOnRedWhite)
		}
	}

	tw.AppendFooter(table.Row{
		"TOTAL",
		"",
		len(res.Jobs),
		"",
		res.State,
		"",
		res.Counters.Succeeded,
		len(res.Counters.Failures),
		len(res.Counters.Errors),
		formatDuration(res.Duration),
	})
	tw.Render()

	var b strings.Builder
	writeNames(&b, "Failed tests", res.Counters.Failures)
	writeNames(&b, "Errored tests", res.Counters.Errors)
	if logs := RetainedLogs(res); len(logs) > 0 {
		fmt.Fprintf(&b, "\nRetained logs (%d):\n", len(logs))
		for _, l := range logs {
			fmt.Fprintf(&b, "  %s: %s\n", l.Tag, l.Path)
		}
	}
	fmt.Fprintf(&b, "\nBuild state: %s\n", res.State)
	_, err := io.WriteString(t.out, b.String())
	return err
}

func writeNames(b *strings.Builder, title string, names []string) {
	if len(names) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s (%d):\n", title, len(names))
	for _, n := range names {
		fmt.Fprintf(b, "  %s\n", n)
	}
}
