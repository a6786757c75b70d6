// Package verification implements the test phase executor. Browser-based
// execution lives outside this system; the engine runs local structural
// checks against the generated artifact instead: existence, content, and
// presence of each planned function. A missing artifact yields a skip
// report rather than a failure.
package verification

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"cepmachine/internal/architect"
	"cepmachine/internal/logging"
)

// CheckResult is the outcome of a single verification check.
type CheckResult struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Report is the complete verification report for one unit.
type Report struct {
	UnitID       int           `json:"unit_id"`
	UnitName     string        `json:"unit_name"`
	Results      []CheckResult `json:"results"`
	TotalChecks  int           `json:"total_checks"`
	PassedChecks int           `json:"passed_checks"`
	FailedChecks int           `json:"failed_checks"`
	PassRate     float64       `json:"pass_rate"`
	Skipped      bool          `json:"skipped"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Engine runs artifact checks.
type Engine struct{}

// NewEngine creates a verification engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Verify checks the generated artifact for a unit. An empty artifact
// path produces a skip report: there is nothing to test, which is the
// build phase's failure to report, not this one's.
func (e *Engine) Verify(ctx context.Context, unitID int, unitName, artifactPath string, arch *architect.Architecture) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("verification cancelled: %w", err)
	}

	start := time.Now()
	report := &Report{UnitID: unitID, UnitName: unitName}
	log := logging.Get(logging.CategoryVerify)

	if artifactPath == "" {
		report.Skipped = true
		report.Elapsed = time.Since(start)
		log.Warn("unit %d verification skipped: no artifact", unitID)
		return report, nil
	}

	content, readErr := os.ReadFile(artifactPath)

	report.add(check("artifact_exists", func() error {
		if readErr != nil {
			return fmt.Errorf("artifact unreadable: %w", readErr)
		}
		return nil
	}))

	report.add(check("artifact_non_empty", func() error {
		if len(content) == 0 {
			return fmt.Errorf("artifact is empty")
		}
		return nil
	}))

	report.add(check("artifact_header_present", func() error {
		if !strings.HasPrefix(string(content), "// Layer") {
			return fmt.Errorf("artifact missing layer header")
		}
		return nil
	}))

	if arch != nil {
		source := string(content)
		for _, fn := range arch.Functions {
			report.add(check("declares_"+fn.Name, func() error {
				if !strings.Contains(source, "func "+fn.Name) {
					return fmt.Errorf("function %s not found in artifact", fn.Name)
				}
				return nil
			}))
		}
	}

	report.finalize(time.Since(start))
	log.Info("unit %d verified: %d/%d checks passed (%.0f%%)",
		unitID, report.PassedChecks, report.TotalChecks, report.PassRate*100)
	return report, nil
}

// check times a single named assertion.
func check(name string, fn func() error) CheckResult {
	start := time.Now()
	res := CheckResult{Name: name, Passed: true}
	if err := fn(); err != nil {
		res.Passed = false
		res.Error = err.Error()
	}
	res.Duration = time.Since(start)
	return res
}

func (r *Report) add(res CheckResult) {
	r.Results = append(r.Results, res)
}

func (r *Report) finalize(elapsed time.Duration) {
	r.TotalChecks = len(r.Results)
	for _, res := range r.Results {
		if res.Passed {
			r.PassedChecks++
		} else {
			r.FailedChecks++
		}
	}
	if r.TotalChecks > 0 {
		r.PassRate = float64(r.PassedChecks) / float64(r.TotalChecks)
	}
	r.Elapsed = elapsed
}
