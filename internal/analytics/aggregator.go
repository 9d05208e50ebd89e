// Package analytics derives sprint, project and developer rollups from
// the normalized records and awards the per-sprint competitive titles.
package analytics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shiplens/shiplens/internal/model"
	"github.com/shiplens/shiplens/internal/store"
)

// Aggregator computes metric rollups for one tenant.
type Aggregator struct {
	store  *store.TenantStore
	logger *zap.Logger
}

// NewAggregator creates an aggregator bound to a tenant store.
func NewAggregator(ts *store.TenantStore, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{store: ts, logger: logger}
}

// PopulateSprintMetrics rewrites the rollup rows for one sprint: one
// tenant-global row plus one row per project that had items in the
// sprint.
func (a *Aggregator) PopulateSprintMetrics(sprintExternalID string) error {
	sprint, err := a.store.GetSprint(sprintExternalID)
	if err != nil {
		return fmt.Errorf("sprint %s: %w", sprintExternalID, err)
	}
	items, err := a.store.ListWorkItemsBySprint(sprintExternalID)
	if err != nil {
		return err
	}
	prs, err := a.prsForItems(items)
	if err != nil {
		return err
	}
	sourceProject, err := a.sourceProjectMap()
	if err != nil {
		return err
	}

	// Global row first.
	global := computeSprintMetrics(sprint, items, prs)
	if err := a.store.UpsertSprintMetrics(global); err != nil {
		return err
	}

	// Per-project rows, only for projects with items in the sprint.
	byProject := map[string][]*model.WorkItem{}
	for _, item := range items {
		if pid := sourceProject[item.SourceConfigID]; pid != "" {
			byProject[pid] = append(byProject[pid], item)
		}
	}
	for projectID, projectItems := range byProject {
		m := computeSprintMetrics(sprint, projectItems, filterPRsByItems(prs, projectItems))
		m.ProjectID = projectID
		if err := a.store.UpsertSprintMetrics(m); err != nil {
			return err
		}
	}

	a.logger.Info("sprint metrics populated",
		zap.String("sprint", sprint.Name),
		zap.Int("items", len(items)),
		zap.Int("projects", len(byProject)))
	return nil
}

func (a *Aggregator) sourceProjectMap() (map[string]string, error) {
	sources, err := a.store.ListActiveSourceConfigs()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(sources))
	for _, src := range sources {
		out[src.ID] = src.ProjectID
	}
	return out, nil
}

func (a *Aggregator) prsForItems(items []*model.WorkItem) ([]*model.PullRequest, error) {
	all, err := a.store.ListPullRequests()
	if err != nil {
		return nil, err
	}
	return filterPRsByItems(all, items), nil
}

func filterPRsByItems(prs []*model.PullRequest, items []*model.WorkItem) []*model.PullRequest {
	ids := make(map[string]bool, len(items))
	for _, item := range items {
		ids[strings.ToLower(item.ExternalID)] = true
	}
	var out []*model.PullRequest
	for _, pr := range prs {
		if pr.WorkItemExternalID != "" && ids[strings.ToLower(pr.WorkItemExternalID)] {
			out = append(out, pr)
		}
	}
	return out
}

func computeSprintMetrics(sprint *model.Sprint, items []*model.WorkItem, prs []*model.PullRequest) *model.SprintMetrics {
	m := &model.SprintMetrics{
		SprintName:    sprint.Name,
		SprintEndDate: sprint.EndDate,
		TotalItems:    len(items),
	}

	var cycleSum float64
	var cycleCount int
	for _, item := range items {
		if item.DMTCompliant {
			m.CompliantItems++
		}
		if item.StatusCategory != model.CategoryDone {
			continue
		}
		m.ItemsCompleted++
		switch item.ItemType {
		case model.ItemStory:
			m.StoriesCompleted++
		case model.ItemBug:
			m.BugsCompleted++
		}
		if item.StoryPoints != nil {
			m.Velocity += *item.StoryPoints
			m.StoryPoints += *item.StoryPoints
		}
		if d, ok := cycleTimeDays(item); ok {
			cycleSum += d
			cycleCount++
		}
	}

	if m.TotalItems > 0 {
		m.ComplianceRate = round1(float64(m.CompliantItems) / float64(m.TotalItems) * 100)
	}
	// Bugs per 100 completed story points.
	if m.Velocity > 0 {
		m.DefectDensity = round1(float64(m.BugsCompleted) / m.Velocity * 100)
	}
	if cycleCount > 0 {
		m.AvgCycleTimeDays = round1(cycleSum / float64(cycleCount))
	}

	for _, pr := range prs {
		switch pr.Status {
		case "merged":
			m.PRsMerged++
		case "open":
			m.PRsOpen++
		}
	}
	return m
}

// cycleTimeDays measures resolved minus started, falling back to lead
// time (resolved minus created) when the start was never observed.
func cycleTimeDays(item *model.WorkItem) (float64, bool) {
	if item.ResolvedAt == nil {
		return 0, false
	}
	start := item.CreatedAt
	if item.StartedAt != nil {
		start = *item.StartedAt
	}
	if start.IsZero() || item.ResolvedAt.Before(start) {
		return 0, false
	}
	return item.ResolvedAt.Sub(start).Hours() / 24, true
}

// PopulateDeveloperMetrics rewrites the per-developer rollups for one
// sprint: one tenant-global row per developer plus one row per project
// the developer touched in the sprint.
func (a *Aggregator) PopulateDeveloperMetrics(sprintExternalID string) error {
	sprint, err := a.store.GetSprint(sprintExternalID)
	if err != nil {
		return fmt.Errorf("sprint %s: %w", sprintExternalID, err)
	}
	items, err := a.store.ListWorkItemsBySprint(sprintExternalID)
	if err != nil {
		return err
	}
	prs, err := a.prsForItems(items)
	if err != nil {
		return err
	}
	sourceProject, err := a.sourceProjectMap()
	if err != nil {
		return err
	}

	for _, m := range computeDeveloperMetrics(sprint, items, prs) {
		if err := a.store.UpsertDeveloperMetrics(m); err != nil {
			return err
		}
	}

	byProject := map[string][]*model.WorkItem{}
	for _, item := range items {
		if pid := sourceProject[item.SourceConfigID]; pid != "" {
			byProject[pid] = append(byProject[pid], item)
		}
	}
	for projectID, projectItems := range byProject {
		for _, m := range computeDeveloperMetrics(sprint, projectItems, filterPRsByItems(prs, projectItems)) {
			m.ProjectID = projectID
			if err := a.store.UpsertDeveloperMetrics(m); err != nil {
				return err
			}
		}
	}
	return nil
}

func computeDeveloperMetrics(sprint *model.Sprint, items []*model.WorkItem, prs []*model.PullRequest) []*model.DeveloperMetrics {
	type acc struct {
		points           float64
		completed        int
		total            int
		compliant        int
		defects          int
		coverageSum      float64
		coverageN        int
		aiSum            float64
		aiN              int
		authored, merged int
		reviewed         int
	}
	byEmail := map[string]*acc{}
	get := func(email string) *acc {
		email = strings.ToLower(email)
		if byEmail[email] == nil {
			byEmail[email] = &acc{}
		}
		return byEmail[email]
	}

	for _, item := range items {
		if item.AssigneeEmail == "" {
			continue
		}
		dev := get(item.AssigneeEmail)
		dev.total++
		if item.DMTCompliant {
			dev.compliant++
		}
		if item.CoveragePercent != nil {
			dev.coverageSum += *item.CoveragePercent
			dev.coverageN++
		}
		if item.AIUsagePercent != nil {
			dev.aiSum += *item.AIUsagePercent
			dev.aiN++
		}
		if item.StatusCategory == model.CategoryDone {
			dev.completed++
			if item.StoryPoints != nil {
				dev.points += *item.StoryPoints
			}
			if item.ItemType == model.ItemBug {
				dev.defects++
			}
		}
	}
	for _, pr := range prs {
		if pr.AuthorEmail != "" {
			dev := get(pr.AuthorEmail)
			dev.authored++
			if pr.Status == "merged" {
				dev.merged++
			}
		}
		for _, reviewer := range pr.ReviewerEmails {
			if reviewer != "" {
				get(reviewer).reviewed++
			}
		}
	}

	out := make([]*model.DeveloperMetrics, 0, len(byEmail))
	for email, dev := range byEmail {
		m := &model.DeveloperMetrics{
			DeveloperEmail:    email,
			SprintName:        sprint.Name,
			SprintEndDate:     sprint.EndDate,
			CompletedPoints:   dev.points,
			CompletedItems:    dev.completed,
			PRsAuthored:       dev.authored,
			PRsMerged:         dev.merged,
			PRsReviewed:       dev.reviewed,
			DefectsAttributed: dev.defects,
		}
		if dev.coverageN > 0 {
			m.CoverageAvg = round1(dev.coverageSum / float64(dev.coverageN))
		}
		if dev.aiN > 0 {
			m.AIUsageAvg = round1(dev.aiSum / float64(dev.aiN))
		}
		if dev.total > 0 {
			m.ComplianceRate = round1(float64(dev.compliant) / float64(dev.total) * 100)
		}
		out = append(out, m)
	}
	return out
}

// Competitive title names.
const (
	TitleVelocityKing    = "Velocity King"
	TitleQualityChampion = "Quality Champion"
	TitleTopReviewer     = "Top Reviewer"
	TitleAISpecialist    = "AI Specialist"
)

// UpdateCompetitiveTitles clears every title in the tenant and awards
// each of the four categories to its single top developer for the
// sprint. A developer holds at most one title; when the same developer
// tops two categories the later category goes to the runner-up. Ties
// break toward the first row in email sort order.
func (a *Aggregator) UpdateCompetitiveTitles(sprintExternalID string) error {
	sprint, err := a.store.GetSprint(sprintExternalID)
	if err != nil {
		return err
	}
	rows, err := a.store.DeveloperMetricsForSprint(sprint.Name, sprint.EndDate)
	if err != nil {
		return err
	}
	if err := a.store.ClearCompetitiveTitles(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].DeveloperEmail < rows[j].DeveloperEmail })

	categories := []struct {
		title  string
		metric func(*model.DeveloperMetrics) float64
		reason func(float64) string
	}{
		{TitleVelocityKing, func(m *model.DeveloperMetrics) float64 { return m.CompletedPoints },
			func(v float64) string { return fmt.Sprintf("completed %.1f story points", v) }},
		{TitleQualityChampion, func(m *model.DeveloperMetrics) float64 { return m.ComplianceRate },
			func(v float64) string { return fmt.Sprintf("%.1f%% DMT compliance", v) }},
		{TitleTopReviewer, func(m *model.DeveloperMetrics) float64 { return float64(m.PRsReviewed) },
			func(v float64) string { return fmt.Sprintf("reviewed %.0f pull requests", v) }},
		{TitleAISpecialist, func(m *model.DeveloperMetrics) float64 { return m.AIUsageAvg },
			func(v float64) string { return fmt.Sprintf("%.1f%% average AI usage", v) }},
	}

	awarded := map[string]bool{}
	for _, cat := range categories {
		var winner *model.DeveloperMetrics
		var best float64
		for _, row := range rows {
			if awarded[row.DeveloperEmail] {
				continue
			}
			v := cat.metric(row)
			if v <= 0 {
				continue
			}
			if winner == nil || v > best {
				winner, best = row, v
			}
		}
		if winner == nil {
			continue
		}
		awarded[winner.DeveloperEmail] = true
		if err := a.store.SetCompetitiveTitleByEmail(winner.DeveloperEmail, cat.title, cat.reason(best)); err != nil {
			return err
		}
	}
	return nil
}

// PopulateDailyMetric writes the nightly audit row for a date.
func (a *Aggregator) PopulateDailyMetric(date time.Time) error {
	sprints, err := a.store.ListSprints()
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	var total, completed, compliant int
	for _, sp := range sprints {
		items, err := a.store.ListWorkItemsBySprint(sp.ExternalID)
		if err != nil {
			return err
		}
		for _, item := range items {
			if seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			total++
			if item.StatusCategory == model.CategoryDone {
				completed++
			}
			if item.DMTCompliant {
				compliant++
			}
		}
	}

	m := &model.DailyMetric{
		Date:           date.UTC().Format("2006-01-02"),
		TotalItems:     total,
		CompletedItems: completed,
		CompliantItems: compliant,
	}
	if total > 0 {
		m.ComplianceRate = round1(float64(compliant) / float64(total) * 100)
	}
	return a.store.UpsertDailyMetric(m)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
