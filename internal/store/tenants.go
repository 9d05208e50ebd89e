package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shiplens/shiplens/internal/model"
)

const tenantColumns = `id, name, slug, schema_name, status,
	retention_work_items_months, retention_pull_requests_months, retention_ai_insights_months,
	ai_provider, ai_model, ai_api_key, ai_base_url, created_at, updated_at`

// CreateTenant provisions a tenant record. Slug and schema name must be
// unique across the platform.
func (s *Store) CreateTenant(t *model.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.SchemaName == "" {
		return fmt.Errorf("tenant %q has no schema name", t.Slug)
	}
	if t.Status == "" {
		t.Status = model.TenantPending
	}
	if t.RetentionWorkItemsMonths == 0 {
		t.RetentionWorkItemsMonths = 12
	}
	if t.RetentionPullRequestsMonths == 0 {
		t.RetentionPullRequestsMonths = 12
	}
	if t.RetentionAIInsightsMonths == 0 {
		t.RetentionAIInsightsMonths = 6
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.exec(`INSERT INTO tenants (`+tenantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Slug, t.SchemaName, string(t.Status),
		t.RetentionWorkItemsMonths, t.RetentionPullRequestsMonths, t.RetentionAIInsightsMonths,
		t.AIProvider, t.AIModel, t.AIAPIKey, t.AIBaseURL,
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

// GetTenant loads a tenant by id.
func (s *Store) GetTenant(id string) (*model.Tenant, error) {
	return s.tenantWhere("id = ?", id)
}

// GetTenantBySlug loads a tenant by its portal slug.
func (s *Store) GetTenantBySlug(slug string) (*model.Tenant, error) {
	return s.tenantWhere("slug = ?", slug)
}

// TenantBySchema resolves the tenant a queued job belongs to. A job
// whose schema name matches no tenant is a hard error, never a silent
// fallback.
func (s *Store) TenantBySchema(schemaName string) (*model.Tenant, error) {
	t, err := s.tenantWhere("schema_name = ?", schemaName)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("no tenant with schema %q: %w", schemaName, ErrNotFound)
	}
	return t, err
}

func (s *Store) tenantWhere(cond string, arg any) (*model.Tenant, error) {
	rows, err := s.query(`SELECT `+tenantColumns+` FROM tenants WHERE `+cond, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanTenant(rows)
}

// ListTenants returns all tenants ordered by name.
func (s *Store) ListTenants() ([]*model.Tenant, error) {
	rows, err := s.query(`SELECT ` + tenantColumns + ` FROM tenants ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListActiveTenants returns tenants eligible for scheduled work.
func (s *Store) ListActiveTenants() ([]*model.Tenant, error) {
	rows, err := s.query(`SELECT `+tenantColumns+` FROM tenants WHERE status = ? ORDER BY name`,
		string(model.TenantActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTenantStatus moves a tenant through its lifecycle.
func (s *Store) UpdateTenantStatus(id string, status model.TenantStatus) error {
	res, err := s.exec(`UPDATE tenants SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), fmtTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTenantAI updates the tenant's AI provider settings.
func (s *Store) UpdateTenantAI(id, provider, mdl, apiKey, baseURL string) error {
	_, err := s.exec(`UPDATE tenants SET ai_provider = ?, ai_model = ?, ai_api_key = ?, ai_base_url = ?, updated_at = ?
		WHERE id = ?`,
		provider, mdl, apiKey, baseURL, fmtTime(time.Now().UTC()), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(r rowScanner) (*model.Tenant, error) {
	var (
		t                    model.Tenant
		status               string
		createdAt, updatedAt string
	)
	err := r.Scan(&t.ID, &t.Name, &t.Slug, &t.SchemaName, &status,
		&t.RetentionWorkItemsMonths, &t.RetentionPullRequestsMonths, &t.RetentionAIInsightsMonths,
		&t.AIProvider, &t.AIModel, &t.AIAPIKey, &t.AIBaseURL, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = model.TenantStatus(status)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}
