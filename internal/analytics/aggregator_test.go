package analytics

import (
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/shiplens/shiplens/internal/model"
	"github.com/shiplens/shiplens/internal/store"
)

func testTenantStore(t *testing.T) *store.TenantStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	tn := &model.Tenant{Name: "Acme", Slug: "acme", SchemaName: "tenant_acme", Status: model.TenantActive}
	if err := s.CreateTenant(tn); err != nil {
		t.Fatal(err)
	}
	return s.Tenant(tn.ID)
}

func seedSprint(t *testing.T, ts *store.TenantStore) *model.Sprint {
	t.Helper()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	sp := &model.Sprint{ExternalID: "sprint-1", Name: "Sprint 1", StartDate: &start, EndDate: &end}
	if err := ts.UpsertSprint(sp); err != nil {
		t.Fatal(err)
	}
	return sp
}

func pts(v float64) *float64 { return &v }

func seedItem(t *testing.T, ts *store.TenantStore, ext, email string, itemType model.ItemType,
	cat model.StatusCategory, points *float64, compliant bool, cycleDays float64) {
	t.Helper()

	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	item := &model.WorkItem{
		SourceConfigID:   "src-1",
		ExternalID:       ext,
		Title:            ext,
		ItemType:         itemType,
		StatusCategory:   cat,
		StoryPoints:      points,
		AssigneeEmail:    email,
		SprintExternalID: "sprint-1",
		CreatedAt:        created,
		UpdatedAt:        created,
		DMTCompliant:     compliant,
	}
	if cat == model.CategoryDone {
		started := created.Add(24 * time.Hour)
		resolved := started.Add(time.Duration(cycleDays * 24 * float64(time.Hour)))
		item.StartedAt = &started
		item.ResolvedAt = &resolved
		item.UpdatedAt = resolved
	}
	if err := ts.UpsertWorkItem(item); err != nil {
		t.Fatal(err)
	}
}

func TestPopulateSprintMetrics(t *testing.T) {
	ts := testTenantStore(t)
	seedSprint(t, ts)

	seedItem(t, ts, "PROJ-1", "ada@acme.test", model.ItemStory, model.CategoryDone, pts(5), true, 3)
	seedItem(t, ts, "PROJ-2", "ada@acme.test", model.ItemBug, model.CategoryDone, pts(2), true, 1)
	seedItem(t, ts, "PROJ-3", "lin@acme.test", model.ItemStory, model.CategoryInProgress, pts(8), false, 0)
	seedItem(t, ts, "PROJ-4", "", model.ItemTask, model.CategoryTodo, nil, true, 0)

	agg := NewAggregator(ts, nil)
	if err := agg.PopulateSprintMetrics("sprint-1"); err != nil {
		t.Fatal(err)
	}

	rows, err := ts.RecentSprintMetrics(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one global row, got %d", len(rows))
	}
	m := rows[0]
	if m.Velocity != 7 {
		t.Errorf("velocity: %v", m.Velocity)
	}
	if m.ItemsCompleted != 2 || m.StoriesCompleted != 1 || m.BugsCompleted != 1 {
		t.Errorf("throughput: %+v", m)
	}
	if m.TotalItems != 4 || m.CompliantItems != 3 || m.ComplianceRate != 75.0 {
		t.Errorf("compliance: %+v", m)
	}
	// Cycle times 3d and 1d average to 2.0.
	if m.AvgCycleTimeDays != 2.0 {
		t.Errorf("cycle time: %v", m.AvgCycleTimeDays)
	}
	// One bug against 7 completed points: 1/7*100 rounded to one place.
	if m.DefectDensity != 14.3 {
		t.Errorf("defect density: %v", m.DefectDensity)
	}

	// Re-running rewrites in place.
	if err := agg.PopulateSprintMetrics("sprint-1"); err != nil {
		t.Fatal(err)
	}
	rows, _ = ts.RecentSprintMetrics(5)
	if len(rows) != 1 {
		t.Fatalf("re-run duplicated rows: %d", len(rows))
	}
}

func TestCompetitiveTitlesSingleHolder(t *testing.T) {
	ts := testTenantStore(t)
	sp := seedSprint(t, ts)

	for _, u := range []*model.User{
		{Username: "ada", Email: "ada@acme.test"},
		{Username: "lin", Email: "lin@acme.test"},
		{Username: "sam", Email: "sam@acme.test"},
	} {
		if err := ts.CreateUser(u); err != nil {
			t.Fatal(err)
		}
	}

	// Ada tops both points and compliance; Lin tops AI usage; Sam is the
	// only reviewer.
	for _, m := range []*model.DeveloperMetrics{
		{DeveloperEmail: "ada@acme.test", SprintName: sp.Name, SprintEndDate: sp.EndDate,
			CompletedPoints: 13, ComplianceRate: 100, AIUsageAvg: 10},
		{DeveloperEmail: "lin@acme.test", SprintName: sp.Name, SprintEndDate: sp.EndDate,
			CompletedPoints: 8, ComplianceRate: 90, AIUsageAvg: 60},
		{DeveloperEmail: "sam@acme.test", SprintName: sp.Name, SprintEndDate: sp.EndDate,
			CompletedPoints: 2, ComplianceRate: 50, PRsReviewed: 4},
	} {
		if err := ts.UpsertDeveloperMetrics(m); err != nil {
			t.Fatal(err)
		}
	}

	agg := NewAggregator(ts, nil)
	if err := agg.UpdateCompetitiveTitles("sprint-1"); err != nil {
		t.Fatal(err)
	}

	ada, _ := ts.FindUserByEmail("ada@acme.test")
	lin, _ := ts.FindUserByEmail("lin@acme.test")
	sam, _ := ts.FindUserByEmail("sam@acme.test")

	if ada.CompetitiveTitle != TitleVelocityKing {
		t.Errorf("ada: %q", ada.CompetitiveTitle)
	}
	// Ada tops compliance too but already holds a title, so Quality
	// Champion passes to Lin.
	if lin.CompetitiveTitle != TitleQualityChampion {
		t.Errorf("lin: %q", lin.CompetitiveTitle)
	}
	if sam.CompetitiveTitle != TitleTopReviewer {
		t.Errorf("sam: %q", sam.CompetitiveTitle)
	}
	if ada.CompetitiveTitleReason == "" || lin.CompetitiveTitleReason == "" {
		t.Error("reason strings missing")
	}
}

func TestPopulateDeveloperMetricsPerProject(t *testing.T) {
	ts := testTenantStore(t)
	sp := seedSprint(t, ts)

	project := &model.Project{Name: "Proj", Key: "PROJ"}
	if err := ts.CreateProject(project); err != nil {
		t.Fatal(err)
	}
	src := &model.SourceConfiguration{ProjectID: project.ID, SourceType: model.SourceJira, Name: "Jira", Active: true}
	if err := ts.CreateSourceConfig(src); err != nil {
		t.Fatal(err)
	}

	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	item := &model.WorkItem{
		SourceConfigID:   src.ID,
		ExternalID:       "PROJ-1",
		Title:            "PROJ-1",
		ItemType:         model.ItemStory,
		StatusCategory:   model.CategoryDone,
		StoryPoints:      pts(5),
		AssigneeEmail:    "ada@acme.test",
		SprintExternalID: "sprint-1",
		CreatedAt:        created,
		UpdatedAt:        created,
		DMTCompliant:     true,
	}
	if err := ts.UpsertWorkItem(item); err != nil {
		t.Fatal(err)
	}
	pr := &model.PullRequest{
		SourceConfigID:     src.ID,
		ExternalID:         "app#1",
		Title:              "PROJ-1: fix",
		Status:             "merged",
		AuthorEmail:        "ada@acme.test",
		WorkItemExternalID: "PROJ-1",
		ReviewerEmails:     []string{"lin@acme.test"},
		CreatedAt:          created,
		UpdatedAt:          created,
	}
	if err := ts.UpsertPullRequest(pr); err != nil {
		t.Fatal(err)
	}

	agg := NewAggregator(ts, nil)
	if err := agg.PopulateDeveloperMetrics("sprint-1"); err != nil {
		t.Fatal(err)
	}

	check := func(label string, rows []*model.DeveloperMetrics) {
		t.Helper()
		if len(rows) != 2 {
			t.Fatalf("%s rows: %+v", label, rows)
		}
		ada, lin := rows[0], rows[1]
		if ada.DeveloperEmail != "ada@acme.test" || ada.CompletedPoints != 5 || ada.PRsAuthored != 1 || ada.PRsMerged != 1 {
			t.Errorf("%s ada: %+v", label, ada)
		}
		if lin.DeveloperEmail != "lin@acme.test" || lin.PRsReviewed != 1 {
			t.Errorf("%s lin: %+v", label, lin)
		}
	}
	global, err := ts.DeveloperMetricsForSprint(sp.Name, sp.EndDate)
	if err != nil {
		t.Fatal(err)
	}
	check("global", global)

	scoped, err := ts.DeveloperMetricsForSprintInProject(sp.Name, sp.EndDate, project.ID)
	if err != nil {
		t.Fatal(err)
	}
	check("project", scoped)
}

func TestDashboardSummaryStalenessOverride(t *testing.T) {
	ts := testTenantStore(t)
	sp := seedSprint(t, ts)

	// Two items, one compliant: live rate is 50%.
	seedItem(t, ts, "PROJ-1", "ada@acme.test", model.ItemStory, model.CategoryDone, pts(5), true, 2)
	seedItem(t, ts, "PROJ-2", "ada@acme.test", model.ItemStory, model.CategoryInProgress, pts(3), false, 0)

	// Stored rollup claims 90%: diverges by 40 points, so the live
	// value must win.
	stale := &model.SprintMetrics{
		SprintName:     sp.Name,
		SprintEndDate:  sp.EndDate,
		Velocity:       5,
		ItemsCompleted: 1,
		TotalItems:     2,
		ComplianceRate: 90,
	}
	if err := ts.UpsertSprintMetrics(stale); err != nil {
		t.Fatal(err)
	}

	sum, err := DashboardSummary(ts, "")
	if err != nil {
		t.Fatal(err)
	}
	if !sum.ComplianceRecomputed || sum.CurrentComplianceRate != 50.0 {
		t.Fatalf("staleness override failed: %+v", sum)
	}

	// Within tolerance the stored value stands.
	stale.ComplianceRate = 52
	if err := ts.UpsertSprintMetrics(stale); err != nil {
		t.Fatal(err)
	}
	sum, err = DashboardSummary(ts, "")
	if err != nil {
		t.Fatal(err)
	}
	if sum.ComplianceRecomputed || sum.CurrentComplianceRate != 52.0 {
		t.Fatalf("tolerated divergence overridden: %+v", sum)
	}
}

func TestForecastPercentilesOrdered(t *testing.T) {
	samples := []float64{1, 2, 3, 4, 5}
	f := simulate(samples, 10, rand.New(rand.NewSource(1)))

	if f.Samples != 5 {
		t.Fatalf("samples: %d", f.Samples)
	}
	if !(f.P50 <= f.P75 && f.P75 <= f.P85 && f.P85 <= f.P95) {
		t.Fatalf("percentiles out of order: %+v", f)
	}
	// Ten items of 1..5 day work cannot finish in under 10 days or
	// take more than 50.
	if f.P50 < 10 || f.P95 > 50 {
		t.Fatalf("implausible forecast: %+v", f)
	}
}

func TestForecastEmptyHistory(t *testing.T) {
	f := simulate(nil, 10, rand.New(rand.NewSource(1)))
	if f.Samples != 0 || f.String() != "N/A" {
		t.Fatalf("empty history: %+v %q", f, f.String())
	}
}

func TestPopulateDailyMetric(t *testing.T) {
	ts := testTenantStore(t)
	seedSprint(t, ts)
	seedItem(t, ts, "PROJ-1", "ada@acme.test", model.ItemStory, model.CategoryDone, pts(5), true, 2)
	seedItem(t, ts, "PROJ-2", "ada@acme.test", model.ItemStory, model.CategoryTodo, nil, false, 0)

	agg := NewAggregator(ts, nil)
	day := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if err := agg.PopulateDailyMetric(day); err != nil {
		t.Fatal(err)
	}

	m, err := ts.GetDailyMetric("2026-03-10")
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalItems != 2 || m.CompletedItems != 1 || m.ComplianceRate != 50.0 {
		t.Fatalf("daily metric: %+v", m)
	}
}
