package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// retentionMonth approximates one month for retention cutoffs.
const retentionMonth = 30 * 24 * time.Hour

// retentionSweep enforces the tenant's data retention caps. Cutoffs
// are months counted as 30 days.
func (t *Tasks) retentionSweep(ctx context.Context, env *JobEnv) error {
	if err := requireTenant(env); err != nil {
		return err
	}
	now := time.Now().UTC()
	cutoff := func(months int) time.Time {
		return now.Add(-time.Duration(months) * retentionMonth)
	}

	items, err := env.Store.DeleteWorkItemsResolvedBefore(cutoff(env.Tenant.RetentionWorkItemsMonths))
	if err != nil {
		return err
	}
	// Sprints age out on the work item cap.
	sprints, err := env.Store.DeleteSprintsBefore(cutoff(env.Tenant.RetentionWorkItemsMonths))
	if err != nil {
		return err
	}
	prs, err := env.Store.DeletePullRequestsBefore(cutoff(env.Tenant.RetentionPullRequestsMonths))
	if err != nil {
		return err
	}
	ins, err := env.Store.DeleteInsightsBefore(cutoff(env.Tenant.RetentionAIInsightsMonths))
	if err != nil {
		return err
	}
	t.Logger.Info("retention sweep",
		zap.String("tenant", env.Tenant.Slug),
		zap.Int64("work_items", items),
		zap.Int64("sprints", sprints),
		zap.Int64("pull_requests", prs),
		zap.Int64("insights", ins))
	return nil
}
