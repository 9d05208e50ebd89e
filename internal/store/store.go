// Package store persists the normalized telemetry data. A single
// relational database backs all tenants; every tenant-owned table
// carries a tenant_id column and component code only ever receives a
// TenantStore handle bound to one tenant, so cross-tenant reads are
// impossible by construction.
//
// The backend is selected by DSN: postgres:// uses the pgx stdlib
// driver, mysql:// the mysql driver, anything else is opened as a
// SQLite file. Queries are written once with ? placeholders and
// rebound per driver.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	// Database drivers register themselves with database/sql.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = sql.ErrNoRows

// Store is the root handle. Only tenant CRUD and the job queue live at
// this scope; everything else goes through Tenant().
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects to the database selected by the DSN and bootstraps the
// schema.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	driver, source := driverFor(dsn)
	db, err := sqlx.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open database (%s): %w", driver, err)
	}

	if driver == "sqlite" {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
		} {
			if _, err := db.Exec(pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.bootstrap(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func driverFor(dsn string) (driver, source string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn
	case strings.HasPrefix(dsn, "mysql://"):
		return "mysql", strings.TrimPrefix(dsn, "mysql://")
	default:
		return "sqlite", dsn
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Tenant returns a handle bound to one tenant id. All queries issued
// through the handle include the bound id.
func (s *Store) Tenant(tenantID string) *TenantStore {
	return &TenantStore{s: s, tenantID: tenantID}
}

// TenantStore scopes every operation to a single tenant.
type TenantStore struct {
	s        *Store
	tenantID string
}

// TenantID returns the bound tenant id.
func (t *TenantStore) TenantID() string { return t.tenantID }

func (s *Store) bootstrap() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			slug          TEXT NOT NULL,
			schema_name   TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'active',
			retention_work_items_months    INTEGER NOT NULL DEFAULT 12,
			retention_pull_requests_months INTEGER NOT NULL DEFAULT 12,
			retention_ai_insights_months   INTEGER NOT NULL DEFAULT 6,
			ai_provider   TEXT NOT NULL DEFAULT '',
			ai_model      TEXT NOT NULL DEFAULT '',
			ai_api_key    TEXT NOT NULL DEFAULT '',
			ai_base_url   TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tenants_slug ON tenants(slug)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tenants_schema ON tenants(schema_name)`,

		`CREATE TABLE IF NOT EXISTS projects (
			id                 TEXT PRIMARY KEY,
			tenant_id          TEXT NOT NULL,
			name               TEXT NOT NULL,
			project_key        TEXT NOT NULL,
			description        TEXT NOT NULL DEFAULT '',
			active             INTEGER NOT NULL DEFAULT 1,
			coverage_threshold REAL NOT NULL DEFAULT 80.0,
			created_at         TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_projects_tenant ON projects(tenant_id)`,

		`CREATE TABLE IF NOT EXISTS source_configurations (
			id                      TEXT PRIMARY KEY,
			tenant_id               TEXT NOT NULL,
			project_id              TEXT NOT NULL,
			source_type             TEXT NOT NULL,
			name                    TEXT NOT NULL,
			base_url                TEXT NOT NULL DEFAULT '',
			credential_sealed       BLOB,
			username                TEXT NOT NULL DEFAULT '',
			workspace_id            TEXT NOT NULL DEFAULT '',
			config_json             TEXT NOT NULL DEFAULT '{}',
			field_mappings          TEXT NOT NULL DEFAULT '{}',
			active                  INTEGER NOT NULL DEFAULT 1,
			last_sync_at            TEXT,
			last_sync_status        TEXT NOT NULL DEFAULT 'never',
			last_error_message      TEXT NOT NULL DEFAULT '',
			consecutive_failures    INTEGER NOT NULL DEFAULT 0,
			failure_alert_threshold INTEGER NOT NULL DEFAULT 3,
			historical_import_days  INTEGER NOT NULL DEFAULT 30,
			created_at              TEXT NOT NULL,
			updated_at              TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sources_tenant ON source_configurations(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sources_project ON source_configurations(tenant_id, project_id)`,

		`CREATE TABLE IF NOT EXISTS users (
			id                       TEXT PRIMARY KEY,
			tenant_id                TEXT NOT NULL,
			username                 TEXT NOT NULL,
			email                    TEXT NOT NULL DEFAULT '',
			first_name               TEXT NOT NULL DEFAULT '',
			last_name                TEXT NOT NULL DEFAULT '',
			active                   INTEGER NOT NULL DEFAULT 0,
			is_platform_admin        INTEGER NOT NULL DEFAULT 0,
			is_manager               INTEGER NOT NULL DEFAULT 0,
			profile_picture          TEXT NOT NULL DEFAULT '',
			custom_title             TEXT NOT NULL DEFAULT '',
			competitive_title        TEXT NOT NULL DEFAULT '',
			competitive_title_reason TEXT NOT NULL DEFAULT '',
			created_at               TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username ON users(tenant_id, username)`,
		`CREATE INDEX IF NOT EXISTS idx_users_email ON users(tenant_id, email)`,

		`CREATE TABLE IF NOT EXISTS external_identities (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			provider    TEXT NOT NULL,
			external_id TEXT NOT NULL,
			user_id     TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_identities_key ON external_identities(tenant_id, provider, external_id)`,

		`CREATE TABLE IF NOT EXISTS work_items (
			id                     TEXT PRIMARY KEY,
			tenant_id              TEXT NOT NULL,
			source_config_id       TEXT NOT NULL,
			external_id            TEXT NOT NULL,
			title                  TEXT NOT NULL DEFAULT '',
			description            TEXT NOT NULL DEFAULT '',
			item_type              TEXT NOT NULL DEFAULT 'task',
			status                 TEXT NOT NULL DEFAULT '',
			status_category        TEXT NOT NULL DEFAULT 'todo',
			parent_external_id     TEXT NOT NULL DEFAULT '',
			story_points           REAL,
			ai_usage_percent       REAL,
			coverage_percent       REAL,
			assignee_email         TEXT NOT NULL DEFAULT '',
			assignee_name          TEXT NOT NULL DEFAULT '',
			assignee_user_id       TEXT NOT NULL DEFAULT '',
			sprint_external_id     TEXT NOT NULL DEFAULT '',
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL,
			started_at             TEXT,
			resolved_at            TEXT,
			ac_quality             TEXT NOT NULL DEFAULT 'incomplete',
			unit_testing_status    TEXT NOT NULL DEFAULT 'not_started',
			pr_links               TEXT NOT NULL DEFAULT '[]',
			reviewer_dmt_signoff   INTEGER NOT NULL DEFAULT 0,
			dmt_exception_required INTEGER NOT NULL DEFAULT 0,
			dmt_exception_reason   TEXT NOT NULL DEFAULT '',
			dmt_exception_approver TEXT NOT NULL DEFAULT '',
			dmt_compliant          INTEGER NOT NULL DEFAULT 0,
			compliance_failures    TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_items_key ON work_items(tenant_id, source_config_id, external_id)`,
		`CREATE INDEX IF NOT EXISTS idx_items_sprint ON work_items(tenant_id, sprint_external_id)`,
		`CREATE INDEX IF NOT EXISTS idx_items_status ON work_items(tenant_id, status_category)`,

		`CREATE TABLE IF NOT EXISTS pull_requests (
			id                    TEXT PRIMARY KEY,
			tenant_id             TEXT NOT NULL,
			source_config_id      TEXT NOT NULL,
			external_id           TEXT NOT NULL,
			title                 TEXT NOT NULL DEFAULT '',
			author_email          TEXT NOT NULL DEFAULT '',
			author_user_id        TEXT NOT NULL DEFAULT '',
			status                TEXT NOT NULL DEFAULT 'open',
			repository            TEXT NOT NULL DEFAULT '',
			source_branch         TEXT NOT NULL DEFAULT '',
			target_branch         TEXT NOT NULL DEFAULT '',
			work_item_external_id TEXT NOT NULL DEFAULT '',
			reviewer_emails       TEXT NOT NULL DEFAULT '[]',
			created_at            TEXT NOT NULL,
			updated_at            TEXT NOT NULL,
			merged_at             TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_prs_key ON pull_requests(tenant_id, source_config_id, external_id)`,

		`CREATE TABLE IF NOT EXISTS pull_request_checks (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			pull_request_id TEXT NOT NULL,
			name            TEXT NOT NULL,
			state           TEXT NOT NULL DEFAULT 'pending'
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_pr_checks_key ON pull_request_checks(tenant_id, pull_request_id, name)`,

		`CREATE TABLE IF NOT EXISTS sprints (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			external_id TEXT NOT NULL,
			name        TEXT NOT NULL,
			start_date  TEXT,
			end_date    TEXT,
			status      TEXT NOT NULL DEFAULT 'backlog'
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sprints_key ON sprints(tenant_id, external_id)`,

		`CREATE TABLE IF NOT EXISTS sprint_metrics (
			id                  TEXT PRIMARY KEY,
			tenant_id           TEXT NOT NULL,
			sprint_name         TEXT NOT NULL,
			sprint_end_date     TEXT NOT NULL DEFAULT '',
			project_id          TEXT NOT NULL DEFAULT '',
			velocity            REAL NOT NULL DEFAULT 0,
			story_points        REAL NOT NULL DEFAULT 0,
			items_completed     INTEGER NOT NULL DEFAULT 0,
			stories_completed   INTEGER NOT NULL DEFAULT 0,
			bugs_completed      INTEGER NOT NULL DEFAULT 0,
			total_items         INTEGER NOT NULL DEFAULT 0,
			compliant_items     INTEGER NOT NULL DEFAULT 0,
			compliance_rate     REAL NOT NULL DEFAULT 0,
			defect_density      REAL NOT NULL DEFAULT 0,
			avg_cycle_time_days REAL NOT NULL DEFAULT 0,
			prs_merged          INTEGER NOT NULL DEFAULT 0,
			prs_open            INTEGER NOT NULL DEFAULT 0,
			updated_at          TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sprint_metrics_key ON sprint_metrics(tenant_id, sprint_name, sprint_end_date, project_id)`,

		`CREATE TABLE IF NOT EXISTS developer_metrics (
			id                 TEXT PRIMARY KEY,
			tenant_id          TEXT NOT NULL,
			developer_email    TEXT NOT NULL,
			sprint_name        TEXT NOT NULL,
			sprint_end_date    TEXT NOT NULL DEFAULT '',
			project_id         TEXT NOT NULL DEFAULT '',
			completed_points   REAL NOT NULL DEFAULT 0,
			completed_items    INTEGER NOT NULL DEFAULT 0,
			prs_authored       INTEGER NOT NULL DEFAULT 0,
			prs_merged         INTEGER NOT NULL DEFAULT 0,
			prs_reviewed       INTEGER NOT NULL DEFAULT 0,
			defects_attributed INTEGER NOT NULL DEFAULT 0,
			coverage_avg       REAL NOT NULL DEFAULT 0,
			ai_usage_avg       REAL NOT NULL DEFAULT 0,
			compliance_rate    REAL NOT NULL DEFAULT 0,
			updated_at         TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_dev_metrics_key ON developer_metrics(tenant_id, developer_email, sprint_name, sprint_end_date, project_id)`,

		`CREATE TABLE IF NOT EXISTS ai_insights (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			project_id  TEXT NOT NULL DEFAULT '',
			summary     TEXT NOT NULL DEFAULT '',
			suggestions TEXT NOT NULL DEFAULT '[]',
			forecast    TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_insights_project ON ai_insights(tenant_id, project_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS daily_metrics (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			metric_date     TEXT NOT NULL,
			total_items     INTEGER NOT NULL DEFAULT 0,
			completed_items INTEGER NOT NULL DEFAULT 0,
			compliant_items INTEGER NOT NULL DEFAULT 0,
			compliance_rate REAL NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_daily_metrics_key ON daily_metrics(tenant_id, metric_date)`,

		`CREATE TABLE IF NOT EXISTS task_logs (
			id            TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL DEFAULT '',
			task_name     TEXT NOT NULL,
			target_id     TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			duration_ms   INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_logs_created ON task_logs(created_at)`,

		`CREATE TABLE IF NOT EXISTS queue_jobs (
			id           TEXT PRIMARY KEY,
			queue        TEXT NOT NULL DEFAULT 'default',
			task         TEXT NOT NULL,
			target_id    TEXT NOT NULL DEFAULT '',
			schema_name  TEXT NOT NULL DEFAULT '',
			payload      TEXT NOT NULL DEFAULT '{}',
			status       TEXT NOT NULL DEFAULT 'pending',
			attempts     INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			run_at       TEXT NOT NULL,
			last_error   TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_due ON queue_jobs(status, queue, run_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}

// exec rebinds and executes a ?-placeholder statement.
func (s *Store) exec(query string, args ...any) (sql.Result, error) {
	return s.db.Exec(s.db.Rebind(query), args...)
}

func (s *Store) get(dest any, query string, args ...any) error {
	return s.db.Get(dest, s.db.Rebind(query), args...)
}

func (s *Store) query(query string, args ...any) (*sqlx.Rows, error) {
	return s.db.Queryx(s.db.Rebind(query), args...)
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// nullableTime formats an optional timestamp for a nullable column.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func marshalList(v any) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return "[]"
	}
	return string(data)
}
