package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shiplens/shiplens/internal/model"
)

// CreateInsight appends a generated insight. Suggestions get ids and a
// pending status here so feedback can target them later.
func (t *TenantStore) CreateInsight(in *model.AIInsight) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.TenantID = t.tenantID
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	for i := range in.Suggestions {
		if in.Suggestions[i].ID == "" {
			in.Suggestions[i].ID = uuid.NewString()
		}
		if in.Suggestions[i].Status == "" {
			in.Suggestions[i].Status = model.SuggestionPending
		}
	}

	_, err := t.s.exec(`INSERT INTO ai_insights (id, tenant_id, project_id, summary, suggestions, forecast, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.TenantID, in.ProjectID, in.Summary, marshalList(in.Suggestions), in.Forecast,
		fmtTime(in.CreatedAt))
	if err != nil {
		return fmt.Errorf("create insight: %w", err)
	}
	return nil
}

// ListInsights returns insights for a project scope, newest first. An
// empty project id selects the tenant-global insights.
func (t *TenantStore) ListInsights(projectID string, limit int) ([]*model.AIInsight, error) {
	rows, err := t.s.query(`SELECT id, tenant_id, project_id, summary, suggestions, forecast, created_at
		FROM ai_insights WHERE tenant_id = ? AND project_id = ?
		ORDER BY created_at DESC LIMIT ?`, t.tenantID, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.AIInsight
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// LatestInsight returns the most recent insight for a project scope.
func (t *TenantStore) LatestInsight(projectID string) (*model.AIInsight, error) {
	list, err := t.ListInsights(projectID, 1)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

// UpdateSuggestionStatus records accept/reject feedback on one
// suggestion inside an insight.
func (t *TenantStore) UpdateSuggestionStatus(insightID, suggestionID string, status model.SuggestionStatus) error {
	var raw string
	err := t.s.get(&raw, `SELECT suggestions FROM ai_insights WHERE tenant_id = ? AND id = ?`,
		t.tenantID, insightID)
	if err != nil {
		return err
	}

	var suggestions []model.Suggestion
	if err := json.Unmarshal([]byte(raw), &suggestions); err != nil {
		return fmt.Errorf("insight %s: corrupt suggestions: %w", insightID, err)
	}

	found := false
	now := time.Now().UTC()
	for i := range suggestions {
		if suggestions[i].ID == suggestionID {
			suggestions[i].Status = status
			suggestions[i].UpdatedAt = &now
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("insight %s has no suggestion %s: %w", insightID, suggestionID, ErrNotFound)
	}

	_, err = t.s.exec(`UPDATE ai_insights SET suggestions = ? WHERE tenant_id = ? AND id = ?`,
		marshalList(suggestions), t.tenantID, insightID)
	return err
}

// PendingSuggestions collects every pending suggestion across recent
// insights, newest insight first. The insight prompt includes them so
// the model does not repeat advice still on the table.
func (t *TenantStore) PendingSuggestions(limit int) ([]model.Suggestion, error) {
	rows, err := t.s.query(`SELECT suggestions FROM ai_insights
		WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`, t.tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Suggestion
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var suggestions []model.Suggestion
		if err := json.Unmarshal([]byte(raw), &suggestions); err != nil {
			continue
		}
		for _, sg := range suggestions {
			if sg.Status == model.SuggestionPending {
				out = append(out, sg)
			}
		}
	}
	return out, rows.Err()
}

// DeleteInsightsBefore enforces retention on generated insights.
func (t *TenantStore) DeleteInsightsBefore(cutoff time.Time) (int64, error) {
	res, err := t.s.exec(`DELETE FROM ai_insights WHERE tenant_id = ? AND created_at < ?`,
		t.tenantID, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanInsight(r rowScanner) (*model.AIInsight, error) {
	var (
		in          model.AIInsight
		suggestions string
		createdAt   string
	)
	err := r.Scan(&in.ID, &in.TenantID, &in.ProjectID, &in.Summary, &suggestions, &in.Forecast, &createdAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(suggestions), &in.Suggestions)
	in.CreatedAt = parseTime(createdAt)
	return &in, nil
}
