package analyzer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const acidOnTezReport = `<?xml version="1.0" encoding="UTF-8"?>
<testsuite name="org.dtest.TestAcidOnTez" time="12.3" tests="3" errors="1" skipped="0" failures="1">
  <properties>
    <property name="java.version" value="17"/>
  </properties>
  <testcase name="testMapJoin" classname="org.dtest.TestAcidOnTez" time="1.1"/>
  <testcase name="testGetSplitsLocks" classname="org.dtest.TestAcidOnTez" time="2.2">
    <error message="lock timeout" type="java.lang.IllegalStateException">stack</error>
  </testcase>
  <testcase name="testBucketing" classname="org.dtest.TestAcidOnTez" time="0.4">
    <failure message="expected 2 but was 3" type="java.lang.AssertionError">stack</failure>
  </testcase>
</testsuite>
`

func writeReport(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestScanReportFiles(t *testing.T) {
	dir := t.TempDir()
	writeReport(t, dir, "TEST-org.dtest.TestAcidOnTez.xml", acidOnTezReport)
	writeReport(t, filepath.Join(dir, "nested"), "TEST-org.dtest.TestClean.xml",
		`<testsuites><testsuite name="org.dtest.TestClean" tests="1"><testcase name="ok"/></testsuite></testsuites>`)
	writeReport(t, dir, "org.dtest.TestAcidOnTez-output.txt", "not a report")

	scan, err := ScanReportFiles(dir)
	require.NoError(t, err)
	require.Len(t, scan.Suites, 2)
	assert.True(t, scan.Marked())

	require.Len(t, scan.Errors, 1)
	assert.Equal(t, "TestAcidOnTez.testGetSplitsLocks", scan.Errors[0].TestName())
	assert.Equal(t, "lock timeout", scan.Errors[0].Message)
	require.Len(t, scan.Failures, 1)
	assert.Equal(t, "TestAcidOnTez.testBucketing", scan.Failures[0].TestName())
}

func TestScanReportFiles_MissingAndMalformed(t *testing.T) {
	scan, err := ScanReportFiles(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, scan.Suites)

	scan, err = ScanReportFiles("")
	require.NoError(t, err)
	assert.False(t, scan.Marked())

	dir := t.TempDir()
	writeReport(t, dir, "TEST-broken.xml", "<testsuite name=")
	writeReport(t, dir, "TEST-other.xml", "<coverage/>")
	writeReport(t, dir, "TEST-good.xml", acidOnTezReport)
	scan, err = ScanReportFiles(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEST-broken.xml")
	assert.Contains(t, err.Error(), "unexpected root element <coverage>")
	assert.Len(t, scan.Suites, 1)
}

func TestCaseRefNames(t *testing.T) {
	c := CaseRef{Suite: "NoPackage", Case: "testIt[1]"}
	assert.Equal(t, "NoPackage", c.SuiteShortName())
	assert.Equal(t, "NoPackage.testIt[1]", c.TestName())
}
