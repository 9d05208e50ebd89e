// Package scheduler runs the durable job queue: a worker pool claims
// jobs from the store, resolves each job's tenant from its schema name
// and dispatches to the registered task handler. Periodic work
// (source syncs, the nightly aggregation, the retention sweep) is
// enqueued by cron entries rather than executed inline, so a crashed
// node never loses a run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/shiplens/shiplens/internal/bus"
	"github.com/shiplens/shiplens/internal/connector"
	"github.com/shiplens/shiplens/internal/metrics"
	"github.com/shiplens/shiplens/internal/model"
	"github.com/shiplens/shiplens/internal/store"
	"github.com/shiplens/shiplens/internal/telemetry"
)

// Queue names. AI insight jobs run on their own queue so a slow model
// call never starves sync jobs.
const (
	QueueDefault  = "default"
	QueueInsights = "ai_insights"
)

const (
	pollInterval   = time.Second
	initialBackoff = 30 * time.Second
	maxBackoff     = 10 * time.Minute
)

// JobEnv is the resolved execution environment handed to a handler.
// Tenant and Store are nil for admin jobs with no schema name.
type JobEnv struct {
	Job    *store.Job
	Tenant *model.Tenant
	Store  *store.TenantStore
}

// HandlerFunc executes one job. A returned transient error reschedules
// the job with backoff; a permanent error fails it immediately.
type HandlerFunc func(ctx context.Context, env *JobEnv) error

// Scheduler owns the worker pool and the cron entries.
type Scheduler struct {
	root   *store.Store
	logger *zap.Logger
	bus    bus.Publisher

	workers int

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	cron     *cron.Cron
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a scheduler with the given default-queue worker count.
func New(root *store.Store, workers int, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers < 1 {
		workers = 4
	}
	return &Scheduler{
		root:     root,
		logger:   logger,
		workers:  workers,
		handlers: make(map[string]HandlerFunc),
	}
}

// SetBus enables activity announcements on the admin channel. Optional;
// a nil bus simply skips them.
func (s *Scheduler) SetBus(pub bus.Publisher) {
	s.bus = pub
}

// Register binds a task name to its handler. Registrations after Start
// are ignored by running workers until their next claim.
func (s *Scheduler) Register(task string, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[task] = h
	s.mu.Unlock()
}

// Start launches the worker pool and the cron entries. Safe to call
// once; Stop must be called before the process exits.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.workLoop(loopCtx, QueueDefault)
	}
	// One dedicated worker drains the insight queue.
	s.wg.Add(1)
	go s.workLoop(loopCtx, QueueInsights)

	return s.startCron(loopCtx)
}

// Stop halts cron and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.wg.Wait()
}

func (s *Scheduler) workLoop(ctx context.Context, queue string) {
	defer s.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// Drain everything due before sleeping again.
		for {
			job, err := s.root.ClaimJobFromQueue(queue)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					s.logger.Warn("claim job failed", zap.String("queue", queue), zap.Error(err))
				}
				break
			}
			s.runJob(ctx, job)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// runJob resolves the tenant, dispatches the handler and settles the
// job. Exported through ProcessOne for tests.
func (s *Scheduler) runJob(ctx context.Context, job *store.Job) {
	ctx, span := telemetry.StartJobSpan(ctx, job.Task, job.TargetID)
	started := time.Now()
	err := s.dispatch(ctx, job)
	telemetry.EndSpan(span, err)
	s.settle(job, err, time.Since(started))
}

// ProcessOne claims and runs a single due job from a queue. Returns
// store.ErrNotFound when nothing is due.
func (s *Scheduler) ProcessOne(ctx context.Context, queue string) error {
	job, err := s.root.ClaimJobFromQueue(queue)
	if err != nil {
		return err
	}
	s.runJob(ctx, job)
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, job *store.Job) error {
	s.mu.Lock()
	handler := s.handlers[job.Task]
	s.mu.Unlock()
	if handler == nil {
		return permanentf("no handler registered for task %q", job.Task)
	}

	env := &JobEnv{Job: job}
	if job.SchemaName != "" {
		tenant, err := s.root.TenantBySchema(job.SchemaName)
		if err != nil {
			// A job pointing at a missing tenant can never succeed.
			return permanentf("resolve tenant: %v", err)
		}
		env.Tenant = tenant
		env.Store = s.root.Tenant(tenant.ID)
	}
	return handler(ctx, env)
}

// settle completes, retries or fails the job and writes the audit log.
func (s *Scheduler) settle(job *store.Job, runErr error, took time.Duration) {
	log := &model.TaskLog{
		TaskName:   job.Task,
		TargetID:   job.TargetID,
		Status:     "success",
		DurationMS: took.Milliseconds(),
	}

	switch {
	case runErr == nil:
		if err := s.root.CompleteJob(job.ID); err != nil {
			s.logger.Error("complete job", zap.String("job", job.ID), zap.Error(err))
		}
	case isPermanent(runErr):
		log.Status = "failed"
		log.ErrorMessage = runErr.Error()
		if err := s.root.FailJob(job, runErr.Error()); err != nil {
			s.logger.Error("fail job", zap.String("job", job.ID), zap.Error(err))
		}
		s.logger.Warn("job failed permanently",
			zap.String("task", job.Task), zap.String("target", job.TargetID), zap.Error(runErr))
	default:
		log.Status = "retrying"
		log.ErrorMessage = runErr.Error()
		retryAt := time.Now().UTC().Add(backoffFor(job.Attempts))
		if err := s.root.RetryJob(job, runErr.Error(), retryAt); err != nil {
			s.logger.Error("retry job", zap.String("job", job.ID), zap.Error(err))
		}
		if job.Status == store.JobFailed {
			log.Status = "failed"
		}
		s.logger.Warn("job attempt failed",
			zap.String("task", job.Task),
			zap.String("target", job.TargetID),
			zap.Int("attempt", job.Attempts),
			zap.String("status", job.Status),
			zap.Error(runErr))
	}

	metrics.RecordJob(job.Task, log.Status)
	if err := s.root.AppendTaskLog(log); err != nil {
		s.logger.Error("append task log", zap.Error(err))
	}

	if s.bus != nil {
		s.bus.Publish(context.Background(), bus.AdminHealthChannel, bus.Event{
			Type:    bus.ActivityUpdate,
			Summary: job.Task,
			Detail: map[string]any{
				"task":        job.Task,
				"target":      job.TargetID,
				"status":      log.Status,
				"duration_ms": log.DurationMS,
			},
			Timestamp: time.Now().UTC(),
		})
	}
}

// backoffFor doubles from the initial backoff per completed attempt,
// capped.
func backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt-1)))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// permanentError wraps errors that must not be retried.
type permanentError struct{ msg string }

func (e *permanentError) Error() string { return e.msg }

func permanentf(format string, args ...any) error {
	return &permanentError{msg: fmt.Sprintf(format, args...)}
}

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{msg: err.Error()}
}

func isPermanent(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	// Vendor errors carry their own taxonomy: everything the connector
	// classified as non-transient fails fast.
	var se *connector.SyncError
	if errors.As(err, &se) {
		return !connector.IsTransient(se)
	}
	return false
}
