package etl

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shiplens/shiplens/internal/analytics"
	"github.com/shiplens/shiplens/internal/bus"
	"github.com/shiplens/shiplens/internal/model"
	"github.com/shiplens/shiplens/internal/store"
)

// recalcWindow bounds how far back finished sprints are recomputed.
const recalcWindow = 180 * 24 * time.Hour

// RecalcMetrics recomputes sprint and developer rollups for recent
// sprints, re-awards the competitive titles and announces the refresh
// on the tenant channel. It runs as a queue job after every successful
// sync.
func RecalcMetrics(ctx context.Context, ts *store.TenantStore, tenant *model.Tenant, pub bus.Publisher, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	agg := analytics.NewAggregator(ts, logger)

	sprints, err := ts.ListSprints()
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-recalcWindow)
	var titleSprint *model.Sprint
	for _, sp := range sprints {
		if sp.EndDate != nil && sp.EndDate.Before(cutoff) {
			continue
		}
		if err := agg.PopulateSprintMetrics(sp.ExternalID); err != nil {
			return err
		}
		if err := agg.PopulateDeveloperMetrics(sp.ExternalID); err != nil {
			return err
		}
		if sp.Status == model.SprintActive && titleSprint == nil {
			titleSprint = sp
		}
	}
	// Without an active sprint the titles follow the most recently
	// finished one.
	if titleSprint == nil {
		for _, sp := range sprints {
			if sp.EndDate != nil {
				titleSprint = sp
				break
			}
		}
	}
	if titleSprint != nil {
		if err := agg.UpdateCompetitiveTitles(titleSprint.ExternalID); err != nil {
			return err
		}
	}

	// Push the refreshed rollup so dashboards update without a fetch.
	summary, err := analytics.DashboardSummary(ts, "")
	if err != nil {
		return err
	}
	pub.Publish(ctx, bus.TenantChannel(tenant.Slug), bus.Event{
		Type:      bus.MetricsUpdate,
		Detail:    summary,
		Timestamp: time.Now().UTC(),
	})
	return nil
}
