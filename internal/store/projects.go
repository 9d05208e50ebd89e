package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shiplens/shiplens/internal/model"
)

const projectColumns = `id, tenant_id, name, project_key, description, active, coverage_threshold, created_at`

const sourceColumns = `id, tenant_id, project_id, source_type, name, base_url,
	credential_sealed, username, workspace_id, config_json, field_mappings, active,
	last_sync_at, last_sync_status, last_error_message, consecutive_failures,
	failure_alert_threshold, historical_import_days, created_at, updated_at`

// CreateProject inserts a project.
func (t *TenantStore) CreateProject(p *model.Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.TenantID = t.tenantID
	if p.CoverageThreshold == 0 {
		p.CoverageThreshold = 80.0
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := t.s.exec(`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.Name, p.Key, p.Description, boolInt(p.Active), p.CoverageThreshold, fmtTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject loads a project by id.
func (t *TenantStore) GetProject(id string) (*model.Project, error) {
	rows, err := t.s.query(`SELECT `+projectColumns+` FROM projects WHERE tenant_id = ? AND id = ?`,
		t.tenantID, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanProject(rows)
}

// ListProjects returns the tenant's projects ordered by name.
func (t *TenantStore) ListProjects() ([]*model.Project, error) {
	rows, err := t.s.query(`SELECT `+projectColumns+` FROM projects WHERE tenant_id = ? ORDER BY name`,
		t.tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateSourceConfig inserts a source configuration.
func (t *TenantStore) CreateSourceConfig(c *model.SourceConfiguration) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.TenantID = t.tenantID
	if c.LastSyncStatus == "" {
		c.LastSyncStatus = model.SyncNever
	}
	if c.FailureAlertThreshold == 0 {
		c.FailureAlertThreshold = 3
	}
	if c.HistoricalImportDays == 0 {
		c.HistoricalImportDays = 30
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := t.s.exec(`INSERT INTO source_configurations (`+sourceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.ProjectID, string(c.SourceType), c.Name, c.BaseURL,
		c.CredentialSealed, c.Username, c.WorkspaceID,
		marshalJSON(c.ConfigJSON), marshalJSON(c.FieldMappings), boolInt(c.Active),
		nullableTime(c.LastSyncAt), string(c.LastSyncStatus), c.LastErrorMessage,
		c.ConsecutiveFailures, c.FailureAlertThreshold, c.HistoricalImportDays,
		fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create source config: %w", err)
	}
	return nil
}

// GetSourceConfig loads a source configuration by id.
func (t *TenantStore) GetSourceConfig(id string) (*model.SourceConfiguration, error) {
	rows, err := t.s.query(`SELECT `+sourceColumns+` FROM source_configurations
		WHERE tenant_id = ? AND id = ?`, t.tenantID, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanSource(rows)
}

// ListActiveSourceConfigs returns the tenant's enabled sources.
func (t *TenantStore) ListActiveSourceConfigs() ([]*model.SourceConfiguration, error) {
	rows, err := t.s.query(`SELECT `+sourceColumns+` FROM source_configurations
		WHERE tenant_id = ? AND active = 1 ORDER BY name`, t.tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.SourceConfiguration
	for rows.Next() {
		c, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateSourceConfigJSON replaces the free-form config and reports the
// folder scope before and after, so the caller can wipe stale items
// when the sprint folder changes.
func (t *TenantStore) UpdateSourceConfigJSON(id string, cfg map[string]any) (oldFolder, newFolder string, err error) {
	existing, err := t.GetSourceConfig(id)
	if err != nil {
		return "", "", err
	}
	oldFolder = existing.ActiveFolderID()

	_, err = t.s.exec(`UPDATE source_configurations SET config_json = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		marshalJSON(cfg), fmtTime(time.Now().UTC()), t.tenantID, id)
	if err != nil {
		return "", "", err
	}

	existing.ConfigJSON = cfg
	return oldFolder, existing.ActiveFolderID(), nil
}

// MarkSyncStarted transitions a source to in_progress. It fails when a
// sync is already running so two workers never sync the same source.
func (t *TenantStore) MarkSyncStarted(id string) error {
	res, err := t.s.exec(`UPDATE source_configurations
		SET last_sync_status = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND last_sync_status != ?`,
		string(model.SyncInProgress), fmtTime(time.Now().UTC()),
		t.tenantID, id, string(model.SyncInProgress))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("source %s: sync already in progress", id)
	}
	return nil
}

// MarkSyncSuccess records a completed sync and resets the failure
// counter.
func (t *TenantStore) MarkSyncSuccess(id string) error {
	now := fmtTime(time.Now().UTC())
	_, err := t.s.exec(`UPDATE source_configurations
		SET last_sync_status = ?, last_sync_at = ?, last_error_message = '',
		    consecutive_failures = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		string(model.SyncSuccess), now, now, t.tenantID, id)
	return err
}

// MarkSyncFailure records a failed sync, increments the consecutive
// failure counter and returns its new value with the alert threshold.
func (t *TenantStore) MarkSyncFailure(id, message string) (failures, threshold int, err error) {
	now := fmtTime(time.Now().UTC())
	_, err = t.s.exec(`UPDATE source_configurations
		SET last_sync_status = ?, last_sync_at = ?, last_error_message = ?,
		    consecutive_failures = consecutive_failures + 1, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		string(model.SyncFailed), now, message, now, t.tenantID, id)
	if err != nil {
		return 0, 0, err
	}
	err = t.s.db.QueryRow(t.s.db.Rebind(`SELECT consecutive_failures, failure_alert_threshold
		FROM source_configurations WHERE tenant_id = ? AND id = ?`), t.tenantID, id).
		Scan(&failures, &threshold)
	return failures, threshold, err
}

func scanProject(r rowScanner) (*model.Project, error) {
	var (
		p         model.Project
		active    int
		createdAt string
	)
	err := r.Scan(&p.ID, &p.TenantID, &p.Name, &p.Key, &p.Description, &active, &p.CoverageThreshold, &createdAt)
	if err != nil {
		return nil, err
	}
	p.Active = active != 0
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func scanSource(r rowScanner) (*model.SourceConfiguration, error) {
	var (
		c                    model.SourceConfiguration
		sourceType, status   string
		configJSON, mappings string
		active               int
		lastSyncAt           sql.NullString
		createdAt, updatedAt string
	)
	err := r.Scan(&c.ID, &c.TenantID, &c.ProjectID, &sourceType, &c.Name, &c.BaseURL,
		&c.CredentialSealed, &c.Username, &c.WorkspaceID, &configJSON, &mappings, &active,
		&lastSyncAt, &status, &c.LastErrorMessage, &c.ConsecutiveFailures,
		&c.FailureAlertThreshold, &c.HistoricalImportDays, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.SourceType = model.SourceType(sourceType)
	c.LastSyncStatus = model.SyncStatus(status)
	c.Active = active != 0
	c.LastSyncAt = parseTimePtr(lastSyncAt)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(configJSON), &c.ConfigJSON); err != nil {
		c.ConfigJSON = map[string]any{}
	}
	if err := json.Unmarshal([]byte(mappings), &c.FieldMappings); err != nil {
		c.FieldMappings = map[string]string{}
	}
	return &c, nil
}
