package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/shiplens/shiplens/internal/store"
)

// Cron schedules, UTC. The retention sweep and the nightly audit row
// run in the quiet early morning; source syncs refresh hourly.
const (
	scheduleRetention    = "0 2 * * *"
	scheduleDailyMetrics = "30 2 * * *"
	scheduleSourceSync   = "@hourly"
	finishedJobRetention = 90 * 24 * time.Hour
)

func (s *Scheduler) startCron(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))

	entries := []struct {
		spec string
		run  func()
	}{
		{scheduleRetention, func() { s.enqueuePerTenant(TaskRetentionSweep); s.pruneBookkeeping() }},
		{scheduleDailyMetrics, func() { s.enqueuePerTenant(TaskDailyMetrics) }},
		{scheduleSourceSync, func() { s.enqueueSourceSyncs() }},
	}
	for _, e := range entries {
		if _, err := c.AddFunc(e.spec, e.run); err != nil {
			return err
		}
	}
	c.Start()

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}

// enqueuePerTenant queues one job per active tenant, skipping tenants
// that already have one pending.
func (s *Scheduler) enqueuePerTenant(task string) {
	tenants, err := s.root.ListActiveTenants()
	if err != nil {
		s.logger.Warn("list tenants for cron", zap.Error(err))
		return
	}
	for _, tn := range tenants {
		if pending, err := s.root.HasPendingJob(task, tn.ID); err != nil || pending {
			continue
		}
		job := &store.Job{Task: task, TargetID: tn.ID, SchemaName: tn.SchemaName}
		if err := s.root.EnqueueJob(job); err != nil {
			s.logger.Warn("enqueue cron job", zap.String("task", task), zap.Error(err))
		}
	}
}

// enqueueSourceSyncs queues a sync for every active source of every
// active tenant.
func (s *Scheduler) enqueueSourceSyncs() {
	tenants, err := s.root.ListActiveTenants()
	if err != nil {
		s.logger.Warn("list tenants for sync cron", zap.Error(err))
		return
	}
	for _, tn := range tenants {
		ts := s.root.Tenant(tn.ID)
		sources, err := ts.ListActiveSourceConfigs()
		if err != nil {
			s.logger.Warn("list sources for sync cron", zap.String("tenant", tn.Slug), zap.Error(err))
			continue
		}
		for _, src := range sources {
			if pending, err := s.root.HasPendingJob(TaskSyncSource, src.ID); err != nil || pending {
				continue
			}
			job := &store.Job{Task: TaskSyncSource, TargetID: src.ID, SchemaName: tn.SchemaName}
			if err := s.root.EnqueueJob(job); err != nil {
				s.logger.Warn("enqueue sync job", zap.String("source", src.ID), zap.Error(err))
			}
		}
	}
}

// pruneBookkeeping clears finished queue rows and old task logs.
func (s *Scheduler) pruneBookkeeping() {
	cutoff := time.Now().UTC().Add(-finishedJobRetention)
	if _, err := s.root.DeleteFinishedJobsBefore(cutoff); err != nil {
		s.logger.Warn("prune finished jobs", zap.Error(err))
	}
	if _, err := s.root.DeleteTaskLogsBefore(cutoff); err != nil {
		s.logger.Warn("prune task logs", zap.Error(err))
	}
}
