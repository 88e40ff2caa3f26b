package reporting

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"os"
	"path/filepath"

	"github.com/ethereum-optimism/infra/op-dtest/runner"
	"github.com/ethereum-optimism/infra/op-dtest/types"
)

const HTMLReportFile = "report.html"

//go:embed templates/*.html.tmpl
var templateFS embed.FS

// HTMLReporter writes report.html into its directory, linking retained logs relative to it.
type HTMLReporter struct {
	dir  string
	tmpl *template.Template
}

type htmlLink struct {
	Tag  string
	Href string
}

type htmlData struct {
	Report
	Failures []string
	Errors   []string
	Logs     []htmlLink
}

func NewHTMLReporter(dir string) (*HTMLReporter, error) {
	tmpl, err := template.New("report.html.tmpl").Funcs(template.FuncMap{
		"formatDuration": formatDuration,
		"statusText":     statusText,
		"stateClass":     stateClass,
		"jobClass":       jobClass,
	}).ParseFS(templateFS, "templates/report.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML template: %w", err)
	}
	return &HTMLReporter{dir: dir, tmpl: tmpl}, nil
}

func (h *HTMLReporter) Report(r Report) error {
	data := htmlData{
		Report:   r,
		Failures: r.Result.Counters.Failures,
		Errors:   r.Result.Counters.Errors,
	}
	for _, l := range RetainedLogs(r.Result) {
		href, err := filepath.Rel(h.dir, l.Path)
		if err != nil {
			href = l.Path
		}
		data.Logs = append(data.Logs, htmlLink{Tag: l.Tag, Href: filepath.ToSlash(href)})
	}

	var buf bytes.Buffer
	if err := h.tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("failed to render HTML report: %w", err)
	}
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	return os.WriteFile(filepath.Join(h.dir, HTMLReportFile), buf.Bytes(), 0o644)
}

func stateClass(s types.BuildStatus) string {
	switch s {
	case types.BuildSucceeded:
		return "pass"
	case types.BuildHadFailuresOrErrors, types.BuildHadTimeouts:
		return "warn"
	default:
		return "fail"
	}
}

func jobClass(job *runner.JobRecord) string {
	switch {
	case job.Outcome == types.JobCancelled:
		return "skip"
	case job.Outcome == types.JobCompleted && job.Status == types.JobStatusSucceeded && len(job.Failures)+len(job.Errors) == 0:
		return "pass"
	case job.Outcome == types.JobCompleted && job.Status == types.JobStatusSucceeded:
		return "warn"
	default:
		return "fail"
	}
}
