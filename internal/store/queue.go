package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shiplens/shiplens/internal/model"
)

// Job statuses.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Job is one durable unit of queued work. SchemaName identifies the
// tenant the job runs for; admin jobs leave it empty.
type Job struct {
	ID          string
	Queue       string
	Task        string
	TargetID    string
	SchemaName  string
	Payload     map[string]any
	Status      string
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const jobColumns = `id, queue, task, target_id, schema_name, payload, status,
	attempts, max_attempts, run_at, last_error, created_at, updated_at`

// EnqueueJob inserts a pending job. RunAt zero means run now.
func (s *Store) EnqueueJob(j *Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Queue == "" {
		j.Queue = "default"
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	now := time.Now().UTC()
	if j.RunAt.IsZero() {
		j.RunAt = now
	}
	j.Status = JobPending
	j.CreatedAt = now
	j.UpdatedAt = now

	_, err := s.exec(`INSERT INTO queue_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Queue, j.Task, j.TargetID, j.SchemaName, marshalJSON(j.Payload), j.Status,
		j.Attempts, j.MaxAttempts, fmtTime(j.RunAt), j.LastError,
		fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", j.Task, err)
	}
	return nil
}

// ClaimJob picks the oldest due pending job and transitions it to
// running. The conditional update makes the claim safe across
// concurrent workers: losing a race returns ErrNotFound and the caller
// just polls again.
func (s *Store) ClaimJob() (*Job, error) {
	return s.claim(`SELECT ` + jobColumns + ` FROM queue_jobs
		WHERE status = ? AND run_at <= ?
		ORDER BY run_at LIMIT 1`)
}

// ClaimJobFromQueue claims like ClaimJob but only from one queue, so
// slow queues get dedicated workers.
func (s *Store) ClaimJobFromQueue(queue string) (*Job, error) {
	return s.claim(`SELECT `+jobColumns+` FROM queue_jobs
		WHERE status = ? AND run_at <= ? AND queue = ?
		ORDER BY run_at LIMIT 1`, queue)
}

func (s *Store) claim(query string, extra ...any) (*Job, error) {
	now := time.Now().UTC()

	args := append([]any{JobPending, fmtTime(now)}, extra...)
	rows, err := s.query(query, args...)
	if err != nil {
		return nil, err
	}
	j, err := scanOneJob(rows)
	if err != nil {
		return nil, err
	}

	res, err := s.exec(`UPDATE queue_jobs SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = ?`,
		JobRunning, fmtTime(now), j.ID, JobPending)
	if err != nil {
		return nil, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, ErrNotFound
	}
	j.Status = JobRunning
	j.Attempts++
	return j, nil
}

// CompleteJob marks a running job done.
func (s *Store) CompleteJob(id string) error {
	_, err := s.exec(`UPDATE queue_jobs SET status = ?, updated_at = ? WHERE id = ?`,
		JobDone, fmtTime(time.Now().UTC()), id)
	return err
}

// RetryJob reschedules a failed attempt. When attempts are exhausted
// the job is marked failed instead and stays visible for inspection.
func (s *Store) RetryJob(j *Job, errMsg string, retryAt time.Time) error {
	status := JobPending
	if j.Attempts >= j.MaxAttempts {
		status = JobFailed
	}
	_, err := s.exec(`UPDATE queue_jobs SET status = ?, run_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		status, fmtTime(retryAt), errMsg, fmtTime(time.Now().UTC()), j.ID)
	if err != nil {
		return err
	}
	j.Status = status
	j.LastError = errMsg
	j.RunAt = retryAt
	return nil
}

// FailJob marks a job failed immediately, bypassing remaining retry
// attempts. Used for permanent errors where retrying cannot help.
func (s *Store) FailJob(j *Job, errMsg string) error {
	_, err := s.exec(`UPDATE queue_jobs SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		JobFailed, errMsg, fmtTime(time.Now().UTC()), j.ID)
	if err != nil {
		return err
	}
	j.Status = JobFailed
	j.LastError = errMsg
	return nil
}

// PendingJobCount reports how many jobs are waiting, for metrics.
func (s *Store) PendingJobCount() (int, error) {
	var n int
	err := s.get(&n, `SELECT COUNT(*) FROM queue_jobs WHERE status = ?`, JobPending)
	return n, err
}

// HasPendingJob reports whether an identical (task, target) job is
// already queued or running, so periodic enqueues do not pile up.
func (s *Store) HasPendingJob(task, targetID string) (bool, error) {
	var n int
	err := s.get(&n, `SELECT COUNT(*) FROM queue_jobs
		WHERE task = ? AND target_id = ? AND status IN (?, ?)`,
		task, targetID, JobPending, JobRunning)
	return n > 0, err
}

// DeleteFinishedJobsBefore prunes done and failed jobs.
func (s *Store) DeleteFinishedJobsBefore(cutoff time.Time) (int64, error) {
	res, err := s.exec(`DELETE FROM queue_jobs WHERE status IN (?, ?) AND updated_at < ?`,
		JobDone, JobFailed, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AppendTaskLog records one job execution for the operator audit trail.
func (s *Store) AppendTaskLog(l *model.TaskLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(`INSERT INTO task_logs (id, tenant_id, task_name, target_id, status, error_message, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.TenantID, l.TaskName, l.TargetID, l.Status, l.ErrorMessage, l.DurationMS, fmtTime(l.CreatedAt))
	return err
}

// ListTaskLogs returns the most recent task logs.
func (s *Store) ListTaskLogs(limit int) ([]*model.TaskLog, error) {
	rows, err := s.query(`SELECT id, tenant_id, task_name, target_id, status, error_message, duration_ms, created_at
		FROM task_logs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.TaskLog
	for rows.Next() {
		var (
			l         model.TaskLog
			createdAt string
		)
		err := rows.Scan(&l.ID, &l.TenantID, &l.TaskName, &l.TargetID, &l.Status,
			&l.ErrorMessage, &l.DurationMS, &createdAt)
		if err != nil {
			return nil, err
		}
		l.CreatedAt = parseTime(createdAt)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// DeleteTaskLogsBefore prunes old task logs.
func (s *Store) DeleteTaskLogsBefore(cutoff time.Time) (int64, error) {
	res, err := s.exec(`DELETE FROM task_logs WHERE created_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanOneJob(rows interface {
	Next() bool
	Close() error
	Scan(dest ...any) error
	Err() error
}) (*Job, error) {
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, ErrNotFound
	}
	var (
		j                           Job
		payload                     string
		runAt, createdAt, updatedAt string
	)
	err := rows.Scan(&j.ID, &j.Queue, &j.Task, &j.TargetID, &j.SchemaName, &payload, &j.Status,
		&j.Attempts, &j.MaxAttempts, &runAt, &j.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		j.Payload = map[string]any{}
	}
	j.RunAt = parseTime(runAt)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}
