// Package compliance evaluates DMT rules over a normalized work item.
// The evaluation is a pure function; the connectors call it on every
// write and persist the derived fields so rollups stay consistent with
// the dashboard.
package compliance

import (
	"strings"

	"github.com/shiplens/shiplens/internal/model"
)

// DefaultCoverageThreshold applies when the project does not override it.
const DefaultCoverageThreshold = 80.0

// Failure tags are stable identifiers consumed by the dashboard.
const (
	FailMissingACQuality   = "missing_ac_quality"
	FailUnitTestingNotDone = "unit_testing_not_done"
	FailLowCoverage        = "low_coverage"
	FailMissingPRLink      = "missing_pr_link"
	FailMissingDMTSignoff  = "missing_dmt_signoff"
	FailMissingAssignee    = "missing_assignee"
)

// Evaluate returns the compliance verdict and the accumulated failure
// tags for a work item. Subtasks are unconditionally compliant.
func Evaluate(item *model.WorkItem, coverageThreshold float64) (bool, []string) {
	if item.HasParent() {
		return true, nil
	}
	if coverageThreshold <= 0 {
		coverageThreshold = DefaultCoverageThreshold
	}

	var failures []string

	if item.ACQuality != model.ACTestable && item.ACQuality != model.ACFinal {
		failures = append(failures, FailMissingACQuality)
	}

	if item.UnitTestingStatus != model.UnitTestingExceptionApproved {
		if item.UnitTestingStatus != model.UnitTestingDone {
			failures = append(failures, FailUnitTestingNotDone)
		}
		if item.CoveragePercent == nil || *item.CoveragePercent < coverageThreshold {
			failures = append(failures, FailLowCoverage)
		}
	}

	if item.ItemType == model.ItemStory || item.ItemType == model.ItemBug {
		if !hasHTTPLink(item.PRLinks) {
			failures = append(failures, FailMissingPRLink)
		}
		if !item.ReviewerDMTSignoff {
			failures = append(failures, FailMissingDMTSignoff)
		}
	}

	if strings.TrimSpace(item.AssigneeEmail) == "" {
		failures = append(failures, FailMissingAssignee)
	}

	return len(failures) == 0, failures
}

// Apply evaluates the item and writes the derived fields in place.
func Apply(item *model.WorkItem, coverageThreshold float64) {
	compliant, failures := Evaluate(item, coverageThreshold)
	item.DMTCompliant = compliant
	item.ComplianceFailures = failures
}

func hasHTTPLink(links []string) bool {
	for _, link := range links {
		if strings.HasPrefix(strings.TrimSpace(link), "http") {
			return true
		}
	}
	return false
}
