package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/shiplens/shiplens/internal/model"
)

const sprintMetricsColumns = `id, tenant_id, sprint_name, sprint_end_date, project_id,
	velocity, story_points, items_completed, stories_completed, bugs_completed,
	total_items, compliant_items, compliance_rate, defect_density, avg_cycle_time_days,
	prs_merged, prs_open, updated_at`

const devMetricsColumns = `id, tenant_id, developer_email, sprint_name, sprint_end_date, project_id,
	completed_points, completed_items, prs_authored, prs_merged, prs_reviewed,
	defects_attributed, coverage_avg, ai_usage_avg, compliance_rate, updated_at`

// sprintEndKey normalizes the optional end date into the unique key.
// Metrics rows for undated sprints collapse onto the empty key.
func sprintEndKey(end *time.Time) string {
	if end == nil {
		return ""
	}
	return fmtTime(*end)
}

// UpsertSprintMetrics rewrites the rollup keyed by
// (sprint_name, sprint_end_date, project_id). An empty project id is
// the tenant-global row.
func (t *TenantStore) UpsertSprintMetrics(m *model.SprintMetrics) error {
	m.TenantID = t.tenantID
	m.UpdatedAt = time.Now().UTC()
	endKey := sprintEndKey(m.SprintEndDate)

	var existingID string
	err := t.s.get(&existingID, `SELECT id FROM sprint_metrics
		WHERE tenant_id = ? AND sprint_name = ? AND sprint_end_date = ? AND project_id = ?`,
		t.tenantID, m.SprintName, endKey, m.ProjectID)
	switch {
	case err == nil:
		m.ID = existingID
		_, err = t.s.exec(`UPDATE sprint_metrics SET
			velocity = ?, story_points = ?, items_completed = ?, stories_completed = ?,
			bugs_completed = ?, total_items = ?, compliant_items = ?, compliance_rate = ?,
			defect_density = ?, avg_cycle_time_days = ?, prs_merged = ?, prs_open = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ?`,
			m.Velocity, m.StoryPoints, m.ItemsCompleted, m.StoriesCompleted,
			m.BugsCompleted, m.TotalItems, m.CompliantItems, m.ComplianceRate,
			m.DefectDensity, m.AvgCycleTimeDays, m.PRsMerged, m.PRsOpen, fmtTime(m.UpdatedAt),
			t.tenantID, m.ID)
		return err
	case errors.Is(err, sql.ErrNoRows):
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		_, err = t.s.exec(`INSERT INTO sprint_metrics (`+sprintMetricsColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.TenantID, m.SprintName, endKey, m.ProjectID,
			m.Velocity, m.StoryPoints, m.ItemsCompleted, m.StoriesCompleted, m.BugsCompleted,
			m.TotalItems, m.CompliantItems, m.ComplianceRate, m.DefectDensity, m.AvgCycleTimeDays,
			m.PRsMerged, m.PRsOpen, fmtTime(m.UpdatedAt))
		return err
	default:
		return err
	}
}

// RecentSprintMetrics returns up to limit global rollups, most recent
// sprint end first. Feeds the insight prompt and the forecaster.
func (t *TenantStore) RecentSprintMetrics(limit int) ([]*model.SprintMetrics, error) {
	rows, err := t.s.query(`SELECT `+sprintMetricsColumns+` FROM sprint_metrics
		WHERE tenant_id = ? AND project_id = ''
		ORDER BY sprint_end_date DESC LIMIT ?`, t.tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.SprintMetrics
	for rows.Next() {
		m, err := scanSprintMetrics(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SprintMetricsForProject returns the rollups scoped to one project.
func (t *TenantStore) SprintMetricsForProject(projectID string, limit int) ([]*model.SprintMetrics, error) {
	rows, err := t.s.query(`SELECT `+sprintMetricsColumns+` FROM sprint_metrics
		WHERE tenant_id = ? AND project_id = ?
		ORDER BY sprint_end_date DESC LIMIT ?`, t.tenantID, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.SprintMetrics
	for rows.Next() {
		m, err := scanSprintMetrics(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertDeveloperMetrics rewrites the per-developer rollup keyed by
// (developer_email, sprint_name, sprint_end_date, project_id).
func (t *TenantStore) UpsertDeveloperMetrics(m *model.DeveloperMetrics) error {
	m.TenantID = t.tenantID
	m.UpdatedAt = time.Now().UTC()
	endKey := sprintEndKey(m.SprintEndDate)

	var existingID string
	err := t.s.get(&existingID, `SELECT id FROM developer_metrics
		WHERE tenant_id = ? AND developer_email = ? AND sprint_name = ? AND sprint_end_date = ? AND project_id = ?`,
		t.tenantID, m.DeveloperEmail, m.SprintName, endKey, m.ProjectID)
	switch {
	case err == nil:
		m.ID = existingID
		_, err = t.s.exec(`UPDATE developer_metrics SET
			completed_points = ?, completed_items = ?, prs_authored = ?, prs_merged = ?,
			prs_reviewed = ?, defects_attributed = ?, coverage_avg = ?, ai_usage_avg = ?,
			compliance_rate = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ?`,
			m.CompletedPoints, m.CompletedItems, m.PRsAuthored, m.PRsMerged,
			m.PRsReviewed, m.DefectsAttributed, m.CoverageAvg, m.AIUsageAvg,
			m.ComplianceRate, fmtTime(m.UpdatedAt),
			t.tenantID, m.ID)
		return err
	case errors.Is(err, sql.ErrNoRows):
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		_, err = t.s.exec(`INSERT INTO developer_metrics (`+devMetricsColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.TenantID, m.DeveloperEmail, m.SprintName, endKey, m.ProjectID,
			m.CompletedPoints, m.CompletedItems, m.PRsAuthored, m.PRsMerged, m.PRsReviewed,
			m.DefectsAttributed, m.CoverageAvg, m.AIUsageAvg, m.ComplianceRate, fmtTime(m.UpdatedAt))
		return err
	default:
		return err
	}
}

// DeveloperMetricsForSprint returns the per-developer rollups for one
// sprint, global scope.
func (t *TenantStore) DeveloperMetricsForSprint(sprintName string, sprintEnd *time.Time) ([]*model.DeveloperMetrics, error) {
	rows, err := t.s.query(`SELECT `+devMetricsColumns+` FROM developer_metrics
		WHERE tenant_id = ? AND sprint_name = ? AND sprint_end_date = ? AND project_id = ''
		ORDER BY developer_email`, t.tenantID, sprintName, sprintEndKey(sprintEnd))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.DeveloperMetrics
	for rows.Next() {
		m, err := scanDevMetrics(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeveloperMetricsForSprintInProject returns the per-developer rollups
// for one sprint scoped to a single project.
func (t *TenantStore) DeveloperMetricsForSprintInProject(sprintName string, sprintEnd *time.Time, projectID string) ([]*model.DeveloperMetrics, error) {
	rows, err := t.s.query(`SELECT `+devMetricsColumns+` FROM developer_metrics
		WHERE tenant_id = ? AND sprint_name = ? AND sprint_end_date = ? AND project_id = ?
		ORDER BY developer_email`, t.tenantID, sprintName, sprintEndKey(sprintEnd), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.DeveloperMetrics
	for rows.Next() {
		m, err := scanDevMetrics(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertDailyMetric writes the nightly audit row keyed by date.
func (t *TenantStore) UpsertDailyMetric(m *model.DailyMetric) error {
	m.TenantID = t.tenantID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	var existingID string
	err := t.s.get(&existingID, `SELECT id FROM daily_metrics WHERE tenant_id = ? AND metric_date = ?`,
		t.tenantID, m.Date)
	switch {
	case err == nil:
		m.ID = existingID
		_, err = t.s.exec(`UPDATE daily_metrics SET total_items = ?, completed_items = ?,
			compliant_items = ?, compliance_rate = ? WHERE tenant_id = ? AND id = ?`,
			m.TotalItems, m.CompletedItems, m.CompliantItems, m.ComplianceRate,
			t.tenantID, m.ID)
		return err
	case errors.Is(err, sql.ErrNoRows):
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		_, err = t.s.exec(`INSERT INTO daily_metrics
			(id, tenant_id, metric_date, total_items, completed_items, compliant_items, compliance_rate, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.TenantID, m.Date, m.TotalItems, m.CompletedItems, m.CompliantItems,
			m.ComplianceRate, fmtTime(m.CreatedAt))
		return err
	default:
		return err
	}
}

// GetDailyMetric loads the audit row for one date (YYYY-MM-DD).
func (t *TenantStore) GetDailyMetric(date string) (*model.DailyMetric, error) {
	rows, err := t.s.query(`SELECT id, tenant_id, metric_date, total_items, completed_items,
		compliant_items, compliance_rate, created_at
		FROM daily_metrics WHERE tenant_id = ? AND metric_date = ?`, t.tenantID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	var (
		m         model.DailyMetric
		createdAt string
	)
	err = rows.Scan(&m.ID, &m.TenantID, &m.Date, &m.TotalItems, &m.CompletedItems,
		&m.CompliantItems, &m.ComplianceRate, &createdAt)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

func scanSprintMetrics(r rowScanner) (*model.SprintMetrics, error) {
	var (
		m         model.SprintMetrics
		endDate   string
		updatedAt string
	)
	err := r.Scan(&m.ID, &m.TenantID, &m.SprintName, &endDate, &m.ProjectID,
		&m.Velocity, &m.StoryPoints, &m.ItemsCompleted, &m.StoriesCompleted, &m.BugsCompleted,
		&m.TotalItems, &m.CompliantItems, &m.ComplianceRate, &m.DefectDensity, &m.AvgCycleTimeDays,
		&m.PRsMerged, &m.PRsOpen, &updatedAt)
	if err != nil {
		return nil, err
	}
	if endDate != "" {
		end := parseTime(endDate)
		m.SprintEndDate = &end
	}
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

func scanDevMetrics(r rowScanner) (*model.DeveloperMetrics, error) {
	var (
		m         model.DeveloperMetrics
		endDate   string
		updatedAt string
	)
	err := r.Scan(&m.ID, &m.TenantID, &m.DeveloperEmail, &m.SprintName, &endDate, &m.ProjectID,
		&m.CompletedPoints, &m.CompletedItems, &m.PRsAuthored, &m.PRsMerged, &m.PRsReviewed,
		&m.DefectsAttributed, &m.CoverageAvg, &m.AIUsageAvg, &m.ComplianceRate, &updatedAt)
	if err != nil {
		return nil, err
	}
	if endDate != "" {
		end := parseTime(endDate)
		m.SprintEndDate = &end
	}
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}
