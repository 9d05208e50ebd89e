package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shiplens/shiplens/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedTenant(t *testing.T, s *Store, slug string) *model.Tenant {
	t.Helper()
	tn := &model.Tenant{
		Name:       slug,
		Slug:       slug,
		SchemaName: "tenant_" + slug,
		Status:     model.TenantActive,
	}
	if err := s.CreateTenant(tn); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	return tn
}

func TestTenantLifecycle(t *testing.T) {
	s := openTestStore(t)
	tn := seedTenant(t, s, "acme")

	got, err := s.GetTenantBySlug("acme")
	if err != nil {
		t.Fatalf("get by slug: %v", err)
	}
	if got.ID != tn.ID || got.SchemaName != "tenant_acme" {
		t.Fatalf("unexpected tenant: %+v", got)
	}
	if got.RetentionWorkItemsMonths != 12 || got.RetentionAIInsightsMonths != 6 {
		t.Fatalf("retention defaults not applied: %+v", got)
	}

	if err := s.UpdateTenantStatus(tn.ID, model.TenantInactive); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ = s.GetTenant(tn.ID)
	if got.Status != model.TenantInactive {
		t.Fatalf("status not updated: %q", got.Status)
	}

	if err := s.UpdateTenantStatus("missing", model.TenantActive); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTenantBySchemaRejectsUnknownSchema(t *testing.T) {
	s := openTestStore(t)
	seedTenant(t, s, "acme")

	if _, err := s.TenantBySchema("tenant_acme"); err != nil {
		t.Fatalf("known schema: %v", err)
	}
	_, err := s.TenantBySchema("tenant_ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown schema must be a hard error, got %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	s := openTestStore(t)
	a := seedTenant(t, s, "alpha")
	b := seedTenant(t, s, "beta")

	ta, tb := s.Tenant(a.ID), s.Tenant(b.ID)
	if err := ta.CreateUser(&model.User{Username: "dev", Email: "dev@alpha.test"}); err != nil {
		t.Fatal(err)
	}

	if _, err := tb.FindUserByEmail("dev@alpha.test"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("tenant beta can see alpha's user: %v", err)
	}
	if _, err := ta.FindUserByEmail("DEV@ALPHA.TEST"); err != nil {
		t.Fatalf("email lookup should be case-insensitive: %v", err)
	}
}

func TestWorkItemUpsertPreservesStartedAt(t *testing.T) {
	s := openTestStore(t)
	tn := seedTenant(t, s, "acme")
	ts := s.Tenant(tn.ID)

	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	item := &model.WorkItem{
		SourceConfigID: "src-1",
		ExternalID:     "PROJ-1",
		Title:          "first pass",
		ItemType:       model.ItemStory,
		StatusCategory: model.CategoryInProgress,
		CreatedAt:      started.Add(-24 * time.Hour),
		UpdatedAt:      started,
		StartedAt:      &started,
	}
	if err := ts.UpsertWorkItem(item); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Re-sync without changelog data. The stored started_at must survive.
	resync := &model.WorkItem{
		SourceConfigID: "src-1",
		ExternalID:     "PROJ-1",
		Title:          "second pass",
		ItemType:       model.ItemStory,
		StatusCategory: model.CategoryDone,
		CreatedAt:      item.CreatedAt,
		UpdatedAt:      started.Add(48 * time.Hour),
	}
	if err := ts.UpsertWorkItem(resync); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := ts.GetWorkItem("src-1", "PROJ-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "second pass" {
		t.Fatalf("update lost: %q", got.Title)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("started_at not preserved: %v", got.StartedAt)
	}
	// Done without an explicit resolved_at backfills from updated_at.
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(resync.UpdatedAt) {
		t.Fatalf("resolved_at not backfilled: %v", got.ResolvedAt)
	}
}

func TestSprintUpsertDerivesStatus(t *testing.T) {
	s := openTestStore(t)
	tn := seedTenant(t, s, "acme")
	ts := s.Tenant(tn.ID)

	start := time.Now().UTC().Add(-48 * time.Hour)
	end := time.Now().UTC().Add(48 * time.Hour)
	sp := &model.Sprint{ExternalID: "sprint-1", Name: "Sprint 1", StartDate: &start, EndDate: &end}
	if err := ts.UpsertSprint(sp); err != nil {
		t.Fatal(err)
	}

	got, err := ts.GetSprint("sprint-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.SprintActive {
		t.Fatalf("expected active, got %q", got.Status)
	}

	// No dates at all means backlog.
	if err := ts.UpsertSprint(&model.Sprint{ExternalID: "sprint-2", Name: "Backlog"}); err != nil {
		t.Fatal(err)
	}
	got, _ = ts.GetSprint("sprint-2")
	if got.Status != model.SprintBacklog {
		t.Fatalf("expected backlog, got %q", got.Status)
	}
}

func TestSyncLifecycle(t *testing.T) {
	s := openTestStore(t)
	tn := seedTenant(t, s, "acme")
	ts := s.Tenant(tn.ID)

	cfg := &model.SourceConfiguration{
		ProjectID:  "proj-1",
		SourceType: model.SourceJira,
		Name:       "Jira main",
		Active:     true,
	}
	if err := ts.CreateSourceConfig(cfg); err != nil {
		t.Fatal(err)
	}

	if err := ts.MarkSyncStarted(cfg.ID); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := ts.MarkSyncStarted(cfg.ID); err == nil {
		t.Fatal("second start should fail while in progress")
	}

	failures, threshold, err := ts.MarkSyncFailure(cfg.ID, "boom")
	if err != nil {
		t.Fatal(err)
	}
	if failures != 1 || threshold != 3 {
		t.Fatalf("failures=%d threshold=%d", failures, threshold)
	}

	if err := ts.MarkSyncStarted(cfg.ID); err != nil {
		t.Fatalf("restart after failure: %v", err)
	}
	if err := ts.MarkSyncSuccess(cfg.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := ts.GetSourceConfig(cfg.ID)
	if got.LastSyncStatus != model.SyncSuccess || got.ConsecutiveFailures != 0 {
		t.Fatalf("success did not reset counters: %+v", got)
	}
	if got.LastSyncAt == nil {
		t.Fatal("last_sync_at not set")
	}
}

func TestUpdateSourceConfigJSONReportsFolderChange(t *testing.T) {
	s := openTestStore(t)
	tn := seedTenant(t, s, "acme")
	ts := s.Tenant(tn.ID)

	cfg := &model.SourceConfiguration{
		ProjectID:  "proj-1",
		SourceType: model.SourceClickUp,
		Name:       "ClickUp",
		ConfigJSON: map[string]any{"active_folder_id": "folder-a"},
	}
	if err := ts.CreateSourceConfig(cfg); err != nil {
		t.Fatal(err)
	}

	oldF, newF, err := ts.UpdateSourceConfigJSON(cfg.ID, map[string]any{"active_folder_id": "folder-b"})
	if err != nil {
		t.Fatal(err)
	}
	if oldF != "folder-a" || newF != "folder-b" {
		t.Fatalf("old=%q new=%q", oldF, newF)
	}
}

func TestQueueClaimAndRetry(t *testing.T) {
	s := openTestStore(t)

	j := &Job{Task: "sync_source", TargetID: "src-1", SchemaName: "tenant_acme", MaxAttempts: 2}
	if err := s.EnqueueJob(j); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimJob()
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Task != "sync_source" || claimed.Attempts != 1 || claimed.Status != JobRunning {
		t.Fatalf("unexpected claim: %+v", claimed)
	}

	// Nothing else is due.
	if _, err := s.ClaimJob(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected empty queue, got %v", err)
	}

	// First failure goes back to pending with a future run_at.
	if err := s.RetryJob(claimed, "transient", time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if claimed.Status != JobPending {
		t.Fatalf("expected pending, got %q", claimed.Status)
	}
	if _, err := s.ClaimJob(); !errors.Is(err, ErrNotFound) {
		t.Fatal("job due in the future must not be claimable")
	}

	// Make it due, exhaust attempts.
	if err := s.RetryJob(claimed, "transient", time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	claimed, err = s.ClaimJob()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RetryJob(claimed, "still broken", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if claimed.Status != JobFailed {
		t.Fatalf("exhausted job should be failed, got %q", claimed.Status)
	}
	if _, err := s.ClaimJob(); !errors.Is(err, ErrNotFound) {
		t.Fatal("failed job must not be claimable")
	}
}

func TestHasPendingJobDeduplicates(t *testing.T) {
	s := openTestStore(t)

	ok, err := s.HasPendingJob("sync_source", "src-1")
	if err != nil || ok {
		t.Fatalf("empty queue: ok=%v err=%v", ok, err)
	}
	if err := s.EnqueueJob(&Job{Task: "sync_source", TargetID: "src-1"}); err != nil {
		t.Fatal(err)
	}
	ok, _ = s.HasPendingJob("sync_source", "src-1")
	if !ok {
		t.Fatal("pending job not detected")
	}
}

func TestSuggestionFeedback(t *testing.T) {
	s := openTestStore(t)
	tn := seedTenant(t, s, "acme")
	ts := s.Tenant(tn.ID)

	in := &model.AIInsight{
		Summary: "velocity trending down",
		Suggestions: []model.Suggestion{
			{Title: "split large stories", Impact: "high"},
			{Title: "cap WIP", Impact: "medium"},
		},
		Forecast: "next sprint: 21 points",
	}
	if err := ts.CreateInsight(in); err != nil {
		t.Fatal(err)
	}
	if in.Suggestions[0].ID == "" {
		t.Fatal("suggestion ids not assigned")
	}

	if err := ts.UpdateSuggestionStatus(in.ID, in.Suggestions[0].ID, model.SuggestionAccepted); err != nil {
		t.Fatal(err)
	}

	pending, err := ts.PendingSuggestions(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Title != "cap WIP" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}

	err = ts.UpdateSuggestionStatus(in.ID, "nope", model.SuggestionRejected)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown suggestion should be ErrNotFound, got %v", err)
	}
}

func TestCompetitiveTitles(t *testing.T) {
	s := openTestStore(t)
	tn := seedTenant(t, s, "acme")
	ts := s.Tenant(tn.ID)

	for _, u := range []*model.User{
		{Username: "ada", Email: "ada@acme.test", CompetitiveTitle: "Velocity King"},
		{Username: "lin", Email: "lin@acme.test"},
	} {
		if err := ts.CreateUser(u); err != nil {
			t.Fatal(err)
		}
	}

	if err := ts.ClearCompetitiveTitles(); err != nil {
		t.Fatal(err)
	}
	if err := ts.SetCompetitiveTitleByEmail("lin@acme.test", "Quality Champion", "highest compliance rate"); err != nil {
		t.Fatal(err)
	}
	// Unknown email is a no-op, not an error.
	if err := ts.SetCompetitiveTitleByEmail("ghost@acme.test", "Top Reviewer", "most reviews"); err != nil {
		t.Fatal(err)
	}

	ada, _ := ts.FindUserByEmail("ada@acme.test")
	if ada.CompetitiveTitle != "" {
		t.Fatalf("title not cleared: %q", ada.CompetitiveTitle)
	}
	lin, _ := ts.FindUserByEmail("lin@acme.test")
	if lin.CompetitiveTitle != "Quality Champion" {
		t.Fatalf("title not awarded: %q", lin.CompetitiveTitle)
	}
}

func TestRetentionDeletes(t *testing.T) {
	s := openTestStore(t)
	tn := seedTenant(t, s, "acme")
	ts := s.Tenant(tn.ID)

	old := time.Now().UTC().Add(-400 * 24 * time.Hour)
	recent := time.Now().UTC().Add(-24 * time.Hour)

	for i, resolved := range []time.Time{old, recent} {
		item := &model.WorkItem{
			SourceConfigID: "src-1",
			ExternalID:     []string{"OLD-1", "NEW-1"}[i],
			StatusCategory: model.CategoryDone,
			CreatedAt:      resolved.Add(-time.Hour),
			UpdatedAt:      resolved,
			ResolvedAt:     &resolved,
		}
		if err := ts.UpsertWorkItem(item); err != nil {
			t.Fatal(err)
		}
	}

	cutoff := time.Now().UTC().Add(-360 * 24 * time.Hour)
	n, err := ts.DeleteWorkItemsResolvedBefore(cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
	if _, err := ts.GetWorkItem("src-1", "NEW-1"); err != nil {
		t.Fatalf("recent item must survive: %v", err)
	}
}

func TestSprintMetricsUpsertKey(t *testing.T) {
	s := openTestStore(t)
	tn := seedTenant(t, s, "acme")
	ts := s.Tenant(tn.ID)

	end := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	m := &model.SprintMetrics{SprintName: "Sprint 7", SprintEndDate: &end, Velocity: 20}
	if err := ts.UpsertSprintMetrics(m); err != nil {
		t.Fatal(err)
	}
	m2 := &model.SprintMetrics{SprintName: "Sprint 7", SprintEndDate: &end, Velocity: 25}
	if err := ts.UpsertSprintMetrics(m2); err != nil {
		t.Fatal(err)
	}

	got, err := ts.RecentSprintMetrics(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one row after re-upsert, got %d", len(got))
	}
	if got[0].Velocity != 25 {
		t.Fatalf("velocity not rewritten: %v", got[0].Velocity)
	}
}

func TestUpdateTenantAI(t *testing.T) {
	s := openTestStore(t)
	tn := seedTenant(t, s, "acme")

	if err := s.UpdateTenantAI(tn.ID, "kimi", "moonshot-v1-32k", "sk-1", "https://api.moonshot.ai/v1"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTenant(tn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AIProvider != "kimi" || got.AIModel != "moonshot-v1-32k" || got.AIAPIKey != "sk-1" {
		t.Fatalf("ai settings not stored: %+v", got)
	}
}

func TestListProjectsAndUsers(t *testing.T) {
	s := openTestStore(t)
	tn := seedTenant(t, s, "acme")
	ts := s.Tenant(tn.ID)

	for _, key := range []string{"ZED", "ALPHA"} {
		if err := ts.CreateProject(&model.Project{Name: key, Key: key}); err != nil {
			t.Fatal(err)
		}
	}
	projects, err := ts.ListProjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 2 || projects[0].Key != "ALPHA" {
		t.Fatalf("projects not sorted by name: %+v", projects)
	}

	if err := ts.CreateUser(&model.User{Username: "zoe", Email: "zoe@acme.test"}); err != nil {
		t.Fatal(err)
	}
	if err := ts.CreateUser(&model.User{Username: "ada", Email: "ada@acme.test"}); err != nil {
		t.Fatal(err)
	}
	users, err := ts.ListUsers()
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0].Username != "ada" {
		t.Fatalf("users not sorted by username: %+v", users)
	}
}
