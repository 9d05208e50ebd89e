package analytics

import (
	"math"

	"github.com/shiplens/shiplens/internal/model"
	"github.com/shiplens/shiplens/internal/store"
)

// complianceStalenessLimit is the largest divergence, in percentage
// points, tolerated between a stored compliance rate and its live
// recomputation before the live value wins.
const complianceStalenessLimit = 5.0

// Summary is what the dashboard's header cards show: the current
// sprint's compliance rate plus five-sprint averages.
type Summary struct {
	CurrentSprintName     string  `json:"current_sprint_name"`
	CurrentComplianceRate float64 `json:"current_compliance_rate"`
	AvgVelocity           float64 `json:"avg_velocity"`
	AvgItemsCompleted     float64 `json:"avg_items_completed"`
	AvgCycleTimeDays      float64 `json:"avg_cycle_time_days"`
	AvgBugsCompleted      float64 `json:"avg_bugs_completed"`
	Sprints               int     `json:"sprints"`
	ComplianceRecomputed  bool    `json:"compliance_recomputed"`
}

// DashboardSummary reads the last five rollups for a scope. The most
// recent sprint's compliance rate is cross-checked against a live
// recomputation; a stale stored value beyond the tolerance is replaced
// so the dashboard never shows a number the evaluator would contradict.
func DashboardSummary(ts *store.TenantStore, projectID string) (*Summary, error) {
	var rows []*model.SprintMetrics
	var err error
	if projectID == "" {
		rows, err = ts.RecentSprintMetrics(5)
	} else {
		rows, err = ts.SprintMetricsForProject(projectID, 5)
	}
	if err != nil {
		return nil, err
	}

	out := &Summary{Sprints: len(rows)}
	if len(rows) == 0 {
		return out, nil
	}

	var velocity, items, cycle, bugs float64
	for _, m := range rows {
		velocity += m.Velocity
		items += float64(m.ItemsCompleted)
		cycle += m.AvgCycleTimeDays
		bugs += float64(m.BugsCompleted)
	}
	n := float64(len(rows))
	out.AvgVelocity = round1(velocity / n)
	out.AvgItemsCompleted = round1(items / n)
	out.AvgCycleTimeDays = round1(cycle / n)
	out.AvgBugsCompleted = round1(bugs / n)

	latest := rows[0]
	out.CurrentSprintName = latest.SprintName
	out.CurrentComplianceRate = latest.ComplianceRate

	if live, ok, err := liveComplianceRate(ts, latest.SprintName); err != nil {
		return nil, err
	} else if ok && math.Abs(live-latest.ComplianceRate) > complianceStalenessLimit {
		out.CurrentComplianceRate = live
		out.ComplianceRecomputed = true
	}
	return out, nil
}

// liveComplianceRate recomputes the compliance rate of a sprint from
// its stored items.
func liveComplianceRate(ts *store.TenantStore, sprintName string) (float64, bool, error) {
	sprints, err := ts.ListSprints()
	if err != nil {
		return 0, false, err
	}
	for _, sp := range sprints {
		if sp.Name != sprintName {
			continue
		}
		items, err := ts.ListWorkItemsBySprint(sp.ExternalID)
		if err != nil {
			return 0, false, err
		}
		if len(items) == 0 {
			return 0, false, nil
		}
		compliant := 0
		for _, item := range items {
			if item.DMTCompliant {
				compliant++
			}
		}
		return round1(float64(compliant) / float64(len(items)) * 100), true, nil
	}
	return 0, false, nil
}
