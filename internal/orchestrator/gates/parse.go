package gates

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// maxDiagnostics caps extracted lint and typecheck findings.
	maxDiagnostics = 50

	// maxFindings caps extracted test failures and security findings.
	maxFindings = 20
)

// TruncateLines keeps the first max lines and appends a marker when
// anything was dropped.
func TruncateLines(s string, max int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= max {
		return s
	}
	kept := make([]string, 0, max+1)
	kept = append(kept, lines[:max]...)
	kept = append(kept, fmt.Sprintf("... (%d more lines truncated)", len(lines)-max))
	return strings.Join(kept, "\n")
}

func parseGate(gate, output string, exitOK bool) *Result {
	switch gate {
	case Security:
		return parseSecurity(output)
	case Test:
		return parseTest(output, exitOK)
	default:
		return parseDiagnostics(output, exitOK)
	}
}

// diagLineRe matches compiler-style file:line[:col] prefixes.
var diagLineRe = regexp.MustCompile(`^\S+:\d+(:\d+)?[: ]`)

// parseDiagnostics covers lint and typecheck output: file:line:col lines
// and anything self-labeled error or warning. Pass follows the exit code.
func parseDiagnostics(output string, exitOK bool) *Result {
	res := &Result{Passed: exitOK}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "warning"):
			if len(res.Warnings) < maxDiagnostics {
				res.Warnings = append(res.Warnings, line)
			}
		case strings.Contains(lower, "error") || diagLineRe.MatchString(line):
			if len(res.Errors) < maxDiagnostics {
				res.Errors = append(res.Errors, line)
			}
		}
	}
	return res
}

var (
	// testFailRe matches the failure lines of go test, pytest, jest, and
	// cargo test.
	testFailRe = regexp.MustCompile(`^(--- FAIL|FAIL\b|FAILED\b|✗|ERROR\b|error\[)`)

	// testCountsRe picks up "N passed" / "N failed" summary fragments.
	testCountsRe = regexp.MustCompile(`(\d+) (passed|failed)`)
)

// parseTest extracts failing test lines and pass/fail counts. Pass follows
// the exit code.
func parseTest(output string, exitOK bool) *Result {
	res := &Result{Passed: exitOK, Metrics: map[string]float64{}}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if testFailRe.MatchString(line) && len(res.Errors) < maxFindings {
			res.Errors = append(res.Errors, line)
		}
		for _, m := range testCountsRe.FindAllStringSubmatch(line, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			res.Metrics["tests_"+m[2]] += float64(n)
		}
	}
	return res
}

var severityRe = regexp.MustCompile(`(?i)\b(critical|high|moderate|medium|low)\b`)

// parseSecurity passes only when no high or critical finding is present.
// Scanner exit codes are advisory; many report findings through a nonzero
// exit even when everything is low severity.
func parseSecurity(output string) *Result {
	res := &Result{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := severityRe.FindString(line)
		if m == "" {
			continue
		}
		switch strings.ToLower(m) {
		case "critical", "high":
			if len(res.Errors) < maxFindings {
				res.Errors = append(res.Errors, line)
			}
		default:
			if len(res.Warnings) < maxFindings {
				res.Warnings = append(res.Warnings, line)
			}
		}
	}
	res.Passed = len(res.Errors) == 0
	return res
}

// finishMetrics records the finding counts every gate reports.
func finishMetrics(res *Result) {
	if res.Metrics == nil {
		res.Metrics = map[string]float64{}
	}
	res.Metrics["errors"] = float64(len(res.Errors))
	res.Metrics["warnings"] = float64(len(res.Warnings))
}
