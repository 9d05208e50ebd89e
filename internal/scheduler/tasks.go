package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shiplens/shiplens/internal/analytics"
	"github.com/shiplens/shiplens/internal/bus"
	"github.com/shiplens/shiplens/internal/etl"
	"github.com/shiplens/shiplens/internal/insights"
	"github.com/shiplens/shiplens/internal/secrets"
	"github.com/shiplens/shiplens/internal/store"
)

// Task names.
const (
	TaskSyncSource     = etl.TaskSyncSource
	TaskRecalcMetrics  = etl.TaskRecalcMetrics
	TaskAIInsight      = "ai_insight"
	TaskRetentionSweep = "retention_sweep"
	TaskDailyMetrics   = "daily_metrics"
)

// Tasks wires the platform's job handlers into a scheduler.
type Tasks struct {
	Root      *store.Store
	Bus       bus.Publisher
	Box       *secrets.Box
	Generator *insights.Generator
	Logger    *zap.Logger
}

// Register installs every handler.
func (t *Tasks) Register(s *Scheduler) {
	if t.Logger == nil {
		t.Logger = zap.NewNop()
	}
	s.Register(TaskSyncSource, t.syncSource)
	s.Register(TaskRecalcMetrics, t.recalcMetrics)
	s.Register(TaskAIInsight, t.aiInsight)
	s.Register(TaskRetentionSweep, t.retentionSweep)
	s.Register(TaskDailyMetrics, t.dailyMetrics)
}

func requireTenant(env *JobEnv) error {
	if env.Tenant == nil || env.Store == nil {
		return permanentf("task %s requires a tenant", env.Job.Task)
	}
	return nil
}

func (t *Tasks) syncSource(ctx context.Context, env *JobEnv) error {
	if err := requireTenant(env); err != nil {
		return err
	}
	o := etl.NewOrchestrator(t.Root, env.Store, env.Tenant, t.Bus, t.Box, t.Logger)
	return o.SyncSource(ctx, env.Job.TargetID)
}

func (t *Tasks) recalcMetrics(ctx context.Context, env *JobEnv) error {
	if err := requireTenant(env); err != nil {
		return err
	}
	return etl.RecalcMetrics(ctx, env.Store, env.Tenant, t.Bus, t.Logger)
}

// aiInsight generates one insight. Provider failures are absorbed by
// the generator's fallback, so only storage errors surface here.
func (t *Tasks) aiInsight(ctx context.Context, env *JobEnv) error {
	if err := requireTenant(env); err != nil {
		return err
	}
	_, err := t.Generator.Generate(ctx, env.Tenant, env.Store, env.Job.TargetID)
	return err
}

func (t *Tasks) dailyMetrics(ctx context.Context, env *JobEnv) error {
	if err := requireTenant(env); err != nil {
		return err
	}
	agg := analytics.NewAggregator(env.Store, t.Logger)
	return agg.PopulateDailyMetric(time.Now().UTC())
}
