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

const itemColumns = `id, tenant_id, source_config_id, external_id, title, description,
	item_type, status, status_category, parent_external_id,
	story_points, ai_usage_percent, coverage_percent,
	assignee_email, assignee_name, assignee_user_id, sprint_external_id,
	created_at, updated_at, started_at, resolved_at,
	ac_quality, unit_testing_status, pr_links, reviewer_dmt_signoff,
	dmt_exception_required, dmt_exception_reason, dmt_exception_approver,
	dmt_compliant, compliance_failures`

const prColumns = `id, tenant_id, source_config_id, external_id, title,
	author_email, author_user_id, status, repository, source_branch, target_branch,
	work_item_external_id, reviewer_emails, created_at, updated_at, merged_at`

// UpsertWorkItem inserts or replaces the row keyed by
// (source_config_id, external_id). Two fields survive re-syncs: a
// stored started_at is never overwritten with nil, and resolved_at is
// backfilled from updated_at when an item arrives already done.
func (t *TenantStore) UpsertWorkItem(w *model.WorkItem) error {
	w.TenantID = t.tenantID

	existing, err := t.workItemByKey(w.SourceConfigID, w.ExternalID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		w.ID = existing.ID
		if w.StartedAt == nil {
			w.StartedAt = existing.StartedAt
		}
		if w.ResolvedAt == nil {
			w.ResolvedAt = existing.ResolvedAt
		}
	}
	if w.ResolvedAt == nil && w.StatusCategory == model.CategoryDone {
		resolved := w.UpdatedAt
		w.ResolvedAt = &resolved
	}

	if existing == nil {
		if w.ID == "" {
			w.ID = uuid.NewString()
		}
		_, err = t.s.exec(`INSERT INTO work_items (`+itemColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			w.ID, w.TenantID, w.SourceConfigID, w.ExternalID, w.Title, w.Description,
			string(w.ItemType), w.Status, string(w.StatusCategory), w.ParentExternalID,
			w.StoryPoints, w.AIUsagePercent, w.CoveragePercent,
			w.AssigneeEmail, w.AssigneeName, w.AssigneeUserID, w.SprintExternalID,
			fmtTime(w.CreatedAt), fmtTime(w.UpdatedAt), nullableTime(w.StartedAt), nullableTime(w.ResolvedAt),
			string(w.ACQuality), string(w.UnitTestingStatus), marshalList(w.PRLinks), boolInt(w.ReviewerDMTSignoff),
			boolInt(w.DMTExceptionRequired), w.DMTExceptionReason, w.DMTExceptionApprover,
			boolInt(w.DMTCompliant), marshalList(w.ComplianceFailures))
		if err != nil {
			return fmt.Errorf("insert work item %s: %w", w.ExternalID, err)
		}
		return nil
	}

	_, err = t.s.exec(`UPDATE work_items SET
		title = ?, description = ?, item_type = ?, status = ?, status_category = ?,
		parent_external_id = ?, story_points = ?, ai_usage_percent = ?, coverage_percent = ?,
		assignee_email = ?, assignee_name = ?, assignee_user_id = ?, sprint_external_id = ?,
		created_at = ?, updated_at = ?, started_at = ?, resolved_at = ?,
		ac_quality = ?, unit_testing_status = ?, pr_links = ?, reviewer_dmt_signoff = ?,
		dmt_exception_required = ?, dmt_exception_reason = ?, dmt_exception_approver = ?,
		dmt_compliant = ?, compliance_failures = ?
		WHERE tenant_id = ? AND id = ?`,
		w.Title, w.Description, string(w.ItemType), w.Status, string(w.StatusCategory),
		w.ParentExternalID, w.StoryPoints, w.AIUsagePercent, w.CoveragePercent,
		w.AssigneeEmail, w.AssigneeName, w.AssigneeUserID, w.SprintExternalID,
		fmtTime(w.CreatedAt), fmtTime(w.UpdatedAt), nullableTime(w.StartedAt), nullableTime(w.ResolvedAt),
		string(w.ACQuality), string(w.UnitTestingStatus), marshalList(w.PRLinks), boolInt(w.ReviewerDMTSignoff),
		boolInt(w.DMTExceptionRequired), w.DMTExceptionReason, w.DMTExceptionApprover,
		boolInt(w.DMTCompliant), marshalList(w.ComplianceFailures),
		t.tenantID, w.ID)
	if err != nil {
		return fmt.Errorf("update work item %s: %w", w.ExternalID, err)
	}
	return nil
}

func (t *TenantStore) workItemByKey(sourceConfigID, externalID string) (*model.WorkItem, error) {
	rows, err := t.s.query(`SELECT `+itemColumns+` FROM work_items
		WHERE tenant_id = ? AND source_config_id = ? AND external_id = ?`,
		t.tenantID, sourceConfigID, externalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanWorkItem(rows)
}

// GetWorkItem loads a work item by its source-scoped external id.
func (t *TenantStore) GetWorkItem(sourceConfigID, externalID string) (*model.WorkItem, error) {
	return t.workItemByKey(sourceConfigID, externalID)
}

// ListWorkItemsBySprint returns all items linked to a sprint.
func (t *TenantStore) ListWorkItemsBySprint(sprintExternalID string) ([]*model.WorkItem, error) {
	return t.listItems(`SELECT `+itemColumns+` FROM work_items
		WHERE tenant_id = ? AND sprint_external_id = ? ORDER BY external_id`,
		t.tenantID, sprintExternalID)
}

// ListWorkItemsBySource returns all items belonging to one source.
func (t *TenantStore) ListWorkItemsBySource(sourceConfigID string) ([]*model.WorkItem, error) {
	return t.listItems(`SELECT `+itemColumns+` FROM work_items
		WHERE tenant_id = ? AND source_config_id = ? ORDER BY external_id`,
		t.tenantID, sourceConfigID)
}

// ListChildren returns the subtasks of a parent item within one source.
func (t *TenantStore) ListChildren(sourceConfigID, parentExternalID string) ([]*model.WorkItem, error) {
	return t.listItems(`SELECT `+itemColumns+` FROM work_items
		WHERE tenant_id = ? AND source_config_id = ? AND parent_external_id = ? ORDER BY external_id`,
		t.tenantID, sourceConfigID, parentExternalID)
}

// ListWorkItems returns every work item in the tenant.
func (t *TenantStore) ListWorkItems() ([]*model.WorkItem, error) {
	return t.listItems(`SELECT `+itemColumns+` FROM work_items
		WHERE tenant_id = ? ORDER BY external_id`, t.tenantID)
}

// ListStagnantInProgress returns in-progress items not updated since
// the cutoff. The insight worker feeds these to the model as risks.
func (t *TenantStore) ListStagnantInProgress(cutoff time.Time) ([]*model.WorkItem, error) {
	return t.listItems(`SELECT `+itemColumns+` FROM work_items
		WHERE tenant_id = ? AND status_category = ? AND updated_at < ? ORDER BY updated_at`,
		t.tenantID, string(model.CategoryInProgress), fmtTime(cutoff))
}

// ListResolvedSince returns done items resolved on or after the cutoff,
// oldest first. Used for cycle time samples.
func (t *TenantStore) ListResolvedSince(cutoff time.Time) ([]*model.WorkItem, error) {
	return t.listItems(`SELECT `+itemColumns+` FROM work_items
		WHERE tenant_id = ? AND resolved_at IS NOT NULL AND resolved_at >= ? ORDER BY resolved_at`,
		t.tenantID, fmtTime(cutoff))
}

func (t *TenantStore) listItems(query string, args ...any) ([]*model.WorkItem, error) {
	rows, err := t.s.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWorkItemsNotInSprints removes sprint-assigned items from a
// source whose sprint is not in the given set. Used when the admin
// repoints the sprint folder scope. Backlog items with no sprint are
// never touched.
func (t *TenantStore) DeleteWorkItemsNotInSprints(sourceConfigID string, keepSprintIDs []string) (int64, error) {
	if len(keepSprintIDs) == 0 {
		res, err := t.s.exec(`DELETE FROM work_items
			WHERE tenant_id = ? AND source_config_id = ? AND sprint_external_id <> ''`,
			t.tenantID, sourceConfigID)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}
	query, args, err := inQuery(`DELETE FROM work_items
		WHERE tenant_id = ? AND source_config_id = ? AND sprint_external_id <> ''
		AND sprint_external_id NOT IN (%s)`,
		[]any{t.tenantID, sourceConfigID}, keepSprintIDs)
	if err != nil {
		return 0, err
	}
	res, err := t.s.exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteWorkItemsResolvedBefore enforces retention on closed items.
func (t *TenantStore) DeleteWorkItemsResolvedBefore(cutoff time.Time) (int64, error) {
	res, err := t.s.exec(`DELETE FROM work_items
		WHERE tenant_id = ? AND resolved_at IS NOT NULL AND resolved_at < ?`,
		t.tenantID, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteSprintsBefore enforces retention on sprints that ended before
// the cutoff. Undated sprints are kept.
func (t *TenantStore) DeleteSprintsBefore(cutoff time.Time) (int64, error) {
	res, err := t.s.exec(`DELETE FROM sprints
		WHERE tenant_id = ? AND end_date IS NOT NULL AND end_date < ?`,
		t.tenantID, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpsertSprint inserts or updates the sprint keyed by external id and
// recomputes its status from the dates.
func (t *TenantStore) UpsertSprint(sp *model.Sprint) error {
	sp.TenantID = t.tenantID
	sp.Status = model.DeriveSprintStatus(sp.StartDate, sp.EndDate, time.Now().UTC())

	var existingID string
	err := t.s.get(&existingID, `SELECT id FROM sprints WHERE tenant_id = ? AND external_id = ?`,
		t.tenantID, sp.ExternalID)
	switch {
	case err == nil:
		sp.ID = existingID
		_, err = t.s.exec(`UPDATE sprints SET name = ?, start_date = ?, end_date = ?, status = ?
			WHERE tenant_id = ? AND id = ?`,
			sp.Name, nullableTime(sp.StartDate), nullableTime(sp.EndDate), string(sp.Status),
			t.tenantID, sp.ID)
		return err
	case errors.Is(err, sql.ErrNoRows):
		if sp.ID == "" {
			sp.ID = uuid.NewString()
		}
		_, err = t.s.exec(`INSERT INTO sprints (id, tenant_id, external_id, name, start_date, end_date, status)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sp.ID, sp.TenantID, sp.ExternalID, sp.Name,
			nullableTime(sp.StartDate), nullableTime(sp.EndDate), string(sp.Status))
		return err
	default:
		return err
	}
}

// GetSprint loads a sprint by external id.
func (t *TenantStore) GetSprint(externalID string) (*model.Sprint, error) {
	rows, err := t.s.query(`SELECT id, tenant_id, external_id, name, start_date, end_date, status
		FROM sprints WHERE tenant_id = ? AND external_id = ?`, t.tenantID, externalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanSprint(rows)
}

// ListSprints returns all sprints ordered by end date descending, with
// undated sprints last.
func (t *TenantStore) ListSprints() ([]*model.Sprint, error) {
	rows, err := t.s.query(`SELECT id, tenant_id, external_id, name, start_date, end_date, status
		FROM sprints WHERE tenant_id = ?
		ORDER BY end_date IS NULL, end_date DESC`, t.tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Sprint
	for rows.Next() {
		sp, err := scanSprint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// UpsertPullRequest inserts or replaces the PR keyed by
// (source_config_id, external_id).
func (t *TenantStore) UpsertPullRequest(pr *model.PullRequest) error {
	pr.TenantID = t.tenantID

	var existingID string
	err := t.s.get(&existingID, `SELECT id FROM pull_requests
		WHERE tenant_id = ? AND source_config_id = ? AND external_id = ?`,
		t.tenantID, pr.SourceConfigID, pr.ExternalID)
	switch {
	case err == nil:
		pr.ID = existingID
		_, err = t.s.exec(`UPDATE pull_requests SET
			title = ?, author_email = ?, author_user_id = ?, status = ?, repository = ?,
			source_branch = ?, target_branch = ?, work_item_external_id = ?,
			reviewer_emails = ?, created_at = ?, updated_at = ?, merged_at = ?
			WHERE tenant_id = ? AND id = ?`,
			pr.Title, pr.AuthorEmail, pr.AuthorUserID, pr.Status, pr.Repository,
			pr.SourceBranch, pr.TargetBranch, pr.WorkItemExternalID,
			marshalList(pr.ReviewerEmails), fmtTime(pr.CreatedAt), fmtTime(pr.UpdatedAt), nullableTime(pr.MergedAt),
			t.tenantID, pr.ID)
		return err
	case errors.Is(err, sql.ErrNoRows):
		if pr.ID == "" {
			pr.ID = uuid.NewString()
		}
		_, err = t.s.exec(`INSERT INTO pull_requests (`+prColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pr.ID, pr.TenantID, pr.SourceConfigID, pr.ExternalID, pr.Title,
			pr.AuthorEmail, pr.AuthorUserID, pr.Status, pr.Repository,
			pr.SourceBranch, pr.TargetBranch, pr.WorkItemExternalID,
			marshalList(pr.ReviewerEmails), fmtTime(pr.CreatedAt), fmtTime(pr.UpdatedAt), nullableTime(pr.MergedAt))
		return err
	default:
		return err
	}
}

// ListPullRequests returns all PRs in the tenant, newest first.
func (t *TenantStore) ListPullRequests() ([]*model.PullRequest, error) {
	rows, err := t.s.query(`SELECT `+prColumns+` FROM pull_requests
		WHERE tenant_id = ? ORDER BY updated_at DESC`, t.tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.PullRequest
	for rows.Next() {
		pr, err := scanPR(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// ListPullRequestsForItem returns PRs linked to a work item external id.
func (t *TenantStore) ListPullRequestsForItem(workItemExternalID string) ([]*model.PullRequest, error) {
	rows, err := t.s.query(`SELECT `+prColumns+` FROM pull_requests
		WHERE tenant_id = ? AND work_item_external_id = ? ORDER BY updated_at DESC`,
		t.tenantID, workItemExternalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.PullRequest
	for rows.Next() {
		pr, err := scanPR(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// UpsertPullRequestCheck records one status check keyed by (pr, name).
func (t *TenantStore) UpsertPullRequestCheck(c *model.PullRequestCheck) error {
	c.TenantID = t.tenantID

	var existingID string
	err := t.s.get(&existingID, `SELECT id FROM pull_request_checks
		WHERE tenant_id = ? AND pull_request_id = ? AND name = ?`,
		t.tenantID, c.PullRequestID, c.Name)
	switch {
	case err == nil:
		c.ID = existingID
		_, err = t.s.exec(`UPDATE pull_request_checks SET state = ? WHERE tenant_id = ? AND id = ?`,
			string(c.State), t.tenantID, c.ID)
		return err
	case errors.Is(err, sql.ErrNoRows):
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		_, err = t.s.exec(`INSERT INTO pull_request_checks (id, tenant_id, pull_request_id, name, state)
			VALUES (?, ?, ?, ?, ?)`,
			c.ID, c.TenantID, c.PullRequestID, c.Name, string(c.State))
		return err
	default:
		return err
	}
}

// ListPullRequestChecks returns the checks on one PR ordered by name.
func (t *TenantStore) ListPullRequestChecks(pullRequestID string) ([]*model.PullRequestCheck, error) {
	rows, err := t.s.query(`SELECT id, tenant_id, pull_request_id, name, state
		FROM pull_request_checks WHERE tenant_id = ? AND pull_request_id = ? ORDER BY name`,
		t.tenantID, pullRequestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.PullRequestCheck
	for rows.Next() {
		var (
			c     model.PullRequestCheck
			state string
		)
		if err := rows.Scan(&c.ID, &c.TenantID, &c.PullRequestID, &c.Name, &state); err != nil {
			return nil, err
		}
		c.State = model.CheckState(state)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeletePullRequestsBefore enforces retention: a PR goes when it was
// merged before the cutoff, or closed without merging and not touched
// since.
func (t *TenantStore) DeletePullRequestsBefore(cutoff time.Time) (int64, error) {
	cut := fmtTime(cutoff)
	res, err := t.s.exec(`DELETE FROM pull_requests WHERE tenant_id = ?
		AND ((merged_at IS NOT NULL AND merged_at < ?)
		  OR (merged_at IS NULL AND status != 'open' AND updated_at < ?))`,
		t.tenantID, cut, cut)
	if err != nil {
		return 0, err
	}
	if _, err := t.s.exec(`DELETE FROM pull_request_checks WHERE tenant_id = ?
		AND pull_request_id NOT IN (SELECT id FROM pull_requests WHERE tenant_id = ?)`,
		t.tenantID, t.tenantID); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanWorkItem(r rowScanner) (*model.WorkItem, error) {
	var (
		w                               model.WorkItem
		itemType, category              string
		acQuality, unitTesting          string
		prLinks, failures               string
		signoff, excRequired, compliant int
		createdAt, updatedAt            string
		startedAt, resolvedAt           sql.NullString
	)
	err := r.Scan(&w.ID, &w.TenantID, &w.SourceConfigID, &w.ExternalID, &w.Title, &w.Description,
		&itemType, &w.Status, &category, &w.ParentExternalID,
		&w.StoryPoints, &w.AIUsagePercent, &w.CoveragePercent,
		&w.AssigneeEmail, &w.AssigneeName, &w.AssigneeUserID, &w.SprintExternalID,
		&createdAt, &updatedAt, &startedAt, &resolvedAt,
		&acQuality, &unitTesting, &prLinks, &signoff,
		&excRequired, &w.DMTExceptionReason, &w.DMTExceptionApprover,
		&compliant, &failures)
	if err != nil {
		return nil, err
	}
	w.ItemType = model.ItemType(itemType)
	w.StatusCategory = model.StatusCategory(category)
	w.ACQuality = model.ACQuality(acQuality)
	w.UnitTestingStatus = model.UnitTestingStatus(unitTesting)
	w.ReviewerDMTSignoff = signoff != 0
	w.DMTExceptionRequired = excRequired != 0
	w.DMTCompliant = compliant != 0
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	w.StartedAt = parseTimePtr(startedAt)
	w.ResolvedAt = parseTimePtr(resolvedAt)
	_ = json.Unmarshal([]byte(prLinks), &w.PRLinks)
	_ = json.Unmarshal([]byte(failures), &w.ComplianceFailures)
	return &w, nil
}

func scanSprint(r rowScanner) (*model.Sprint, error) {
	var (
		sp         model.Sprint
		status     string
		start, end sql.NullString
	)
	if err := r.Scan(&sp.ID, &sp.TenantID, &sp.ExternalID, &sp.Name, &start, &end, &status); err != nil {
		return nil, err
	}
	sp.Status = model.SprintStatus(status)
	sp.StartDate = parseTimePtr(start)
	sp.EndDate = parseTimePtr(end)
	return &sp, nil
}

func scanPR(r rowScanner) (*model.PullRequest, error) {
	var (
		pr                   model.PullRequest
		reviewers            string
		createdAt, updatedAt string
		mergedAt             sql.NullString
	)
	err := r.Scan(&pr.ID, &pr.TenantID, &pr.SourceConfigID, &pr.ExternalID, &pr.Title,
		&pr.AuthorEmail, &pr.AuthorUserID, &pr.Status, &pr.Repository,
		&pr.SourceBranch, &pr.TargetBranch, &pr.WorkItemExternalID,
		&reviewers, &createdAt, &updatedAt, &mergedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(reviewers), &pr.ReviewerEmails)
	pr.CreatedAt = parseTime(createdAt)
	pr.UpdatedAt = parseTime(updatedAt)
	pr.MergedAt = parseTimePtr(mergedAt)
	return &pr, nil
}

// inQuery expands an IN clause with one placeholder per value.
func inQuery(format string, prefix []any, values []string) (string, []any, error) {
	if len(values) == 0 {
		return "", nil, fmt.Errorf("empty IN list")
	}
	placeholders := ""
	args := append([]any{}, prefix...)
	for i, v := range values {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, v)
	}
	return fmt.Sprintf(format, placeholders), args, nil
}
