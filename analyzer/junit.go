package analyzer

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ReportFilePattern matches the per-suite XML reports surefire writes.
const ReportFilePattern = "TEST-*.xml"

type junitSuites struct {
	XMLName xml.Name
	Suites  []junitSuite `xml:"testsuite"`
}

type junitSuite struct {
	XMLName  xml.Name
	Name     string      `xml:"name,attr"`
	Tests    int         `xml:"tests,attr"`
	Failures int         `xml:"failures,attr"`
	Errors   int         `xml:"errors,attr"`
	Skipped  int         `xml:"skipped,attr"`
	Cases    []junitCase `xml:"testcase"`
}

type junitCase struct {
	Name      string       `xml:"name,attr"`
	ClassName string       `xml:"classname,attr"`
	Failure   *junitMarker `xml:"failure"`
	Error     *junitMarker `xml:"error"`
}

type junitMarker struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
}

// CaseRef identifies a failing or erroring test case.
type CaseRef struct {
	Suite   string // fully qualified suite name, e.g. org.dtest.TestAcidOnTez
	Case    string
	Message string
}

// SuiteShortName is the suite name without its package.
func (c CaseRef) SuiteShortName() string {
	if i := strings.LastIndex(c.Suite, "."); i != -1 {
		return c.Suite[i+1:]
	}
	return c.Suite
}

// TestName is the name failures are reported under, SuiteShortName.caseName.
func (c CaseRef) TestName() string {
	return c.SuiteShortName() + "." + c.Case
}

// SuiteReport summarizes one report file root.
type SuiteReport struct {
	File     string
	Name     string
	Tests    int
	Failures int
	Errors   int
	Skipped  int
}

// ReportScan is what the report-file pass extracts from a job's report directory.
type ReportScan struct {
	Suites   []SuiteReport
	Failures []CaseRef
	Errors   []CaseRef
}

// Marked reports whether any case carried a failure or error marker.
func (r ReportScan) Marked() bool {
	return len(r.Failures) > 0 || len(r.Errors) > 0
}

// ScanReportFiles reads every report file below dir. A missing directory yields an empty scan.
// Unreadable or malformed files are skipped and returned together as the error, alongside the
// scan of the files that could be read.
func ScanReportFiles(dir string) (ReportScan, error) {
	var scan ReportScan
	if dir == "" {
		return scan, nil
	}
	var errs *multierror.Error
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == dir {
				return fs.SkipAll
			}
			errs = multierror.Append(errs, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(ReportFilePattern, d.Name()); !ok {
			return nil
		}
		if err := scan.readFile(path); err != nil {
			errs = multierror.Append(errs, err)
		}
		return nil
	})
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	return scan, errs.ErrorOrNil()
}

func (r *ReportScan) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading report %s: %w", path, err)
	}

	var root junitSuites
	if err := xml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("parsing report %s: %w", path, err)
	}
	switch root.XMLName.Local {
	case "testsuites":
		for _, suite := range root.Suites {
			r.addSuite(path, suite)
		}
	case "testsuite":
		var suite junitSuite
		if err := xml.Unmarshal(data, &suite); err != nil {
			return fmt.Errorf("parsing report %s: %w", path, err)
		}
		r.addSuite(path, suite)
	default:
		return fmt.Errorf("report %s: unexpected root element <%s>", path, root.XMLName.Local)
	}
	return nil
}

func (r *ReportScan) addSuite(path string, suite junitSuite) {
	r.Suites = append(r.Suites, SuiteReport{
		File:     path,
		Name:     suite.Name,
		Tests:    suite.Tests,
		Failures: suite.Failures,
		Errors:   suite.Errors,
		Skipped:  suite.Skipped,
	})
	for _, c := range suite.Cases {
		name := suite.Name
		if name == "" {
			name = c.ClassName
		}
		switch {
		case c.Error != nil:
			r.Errors = append(r.Errors, CaseRef{Suite: name, Case: c.Name, Message: c.Error.Message})
		case c.Failure != nil:
			r.Failures = append(r.Failures, CaseRef{Suite: name, Case: c.Name, Message: c.Failure.Message})
		}
	}
}
