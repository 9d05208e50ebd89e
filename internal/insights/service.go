package insights

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/shiplens/shiplens/internal/analytics"
	"github.com/shiplens/shiplens/internal/bus"
	"github.com/shiplens/shiplens/internal/config"
	"github.com/shiplens/shiplens/internal/metrics"
	"github.com/shiplens/shiplens/internal/model"
	"github.com/shiplens/shiplens/internal/store"
	"github.com/shiplens/shiplens/internal/telemetry"
)

const (
	maxAttempts    = 3
	breakerTrip    = 5
	breakerTimeout = 5 * time.Minute
	summaryLimit   = 100
	stagnantAfter  = 5 * 24 * time.Hour
)

// Generator produces and persists AI insights for tenants. One
// generator is shared by all workers so the circuit breaker sees every
// provider failure in the process.
type Generator struct {
	bus      bus.Publisher
	defaults config.AIConfig
	logger   *zap.Logger
	breaker  *gobreaker.CircuitBreaker

	// sleep and rng are swapped out in tests.
	sleep func(time.Duration)
	rng   *rand.Rand

	// newProvider lets tests inject a fake provider.
	newProvider func(ProviderConfig) (Provider, error)
}

// NewGenerator creates a generator with the breaker armed.
func NewGenerator(pub bus.Publisher, defaults config.AIConfig, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ai-provider",
		Timeout: breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTrip
		},
	})
	return &Generator{
		bus:         pub,
		defaults:    defaults,
		logger:      logger,
		breaker:     cb,
		sleep:       time.Sleep,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		newProvider: NewProvider,
	}
}

// Generate builds the metrics digest for a tenant, consults the AI
// provider and persists the resulting insight. Provider failure does
// not return an error: the fallback insight is stored instead so the
// calling job always completes.
func (g *Generator) Generate(ctx context.Context, tenant *model.Tenant, ts *store.TenantStore, projectID string) (*model.AIInsight, error) {
	channel := bus.TenantChannel(tenant.Slug)
	g.progress(ctx, channel, 25, "Gathering project metrics...")

	digest, err := g.buildDigest(ts, projectID)
	if err != nil {
		return nil, fmt.Errorf("build metrics digest: %w", err)
	}

	g.progress(ctx, channel, 60, "Consulting AI expert...")

	result, provErr := g.consult(ctx, tenant, digest)
	if provErr != nil {
		g.logger.Warn("ai provider unavailable, storing fallback insight",
			zap.String("tenant", tenant.Slug), zap.Error(provErr))
		g.bus.Publish(ctx, channel, bus.Event{
			Type:      bus.InsightProgress,
			Phase:     "failed",
			Summary:   "AI provider unavailable",
			Detail:    provErr.Error(),
			Timestamp: time.Now().UTC(),
		})
		result = Fallback()
	}

	g.progress(ctx, channel, 90, "Finalizing suggestions...")

	forecast, err := analytics.ForecastDelivery(ts, g.rng)
	if err != nil {
		return nil, fmt.Errorf("delivery forecast: %w", err)
	}
	forecastText := forecast.String()
	if forecast.Samples == 0 && result.Forecast != "" {
		forecastText = result.Forecast
	}

	insight := &model.AIInsight{
		ProjectID: projectID,
		Summary:   result.Summary,
		Forecast:  forecastText,
	}
	for _, s := range result.Suggestions {
		insight.Suggestions = append(insight.Suggestions, model.Suggestion{
			Title:       s.Title,
			Impact:      s.Impact,
			Description: s.Description,
		})
	}
	if err := ts.CreateInsight(insight); err != nil {
		return nil, fmt.Errorf("persist insight: %w", err)
	}

	// Dashboards listen for the update to refetch the insight list and
	// for the ready event to surface the headline.
	g.bus.Publish(ctx, channel, bus.Event{
		Type:      bus.InsightUpdate,
		Detail:    insight.ID,
		Timestamp: time.Now().UTC(),
	})
	g.bus.Publish(ctx, channel, bus.Event{
		Type:    bus.InsightReady,
		Summary: truncateSummary(insight.Summary),
		Detail: map[string]any{
			"insight_id": insight.ID,
			"summary":    truncateSummary(insight.Summary),
			"created_at": insight.CreatedAt.UTC().Format(time.RFC3339),
		},
		Timestamp: time.Now().UTC(),
	})
	return insight, nil
}

func (g *Generator) progress(ctx context.Context, channel string, percent int, phase string) {
	g.bus.Publish(ctx, channel, bus.Event{
		Type:      bus.InsightProgress,
		Percent:   percent,
		Phase:     phase,
		Timestamp: time.Now().UTC(),
	})
}

// consult calls the provider through the breaker with up to three
// attempts, backing off 2^n plus jitter seconds between them.
func (g *Generator) consult(ctx context.Context, tenant *model.Tenant, digest string) (out Insight, retErr error) {
	cfg := g.providerConfig(tenant)
	provider, err := g.newProvider(cfg)
	if err != nil {
		return Insight{}, err
	}

	ctx, span := telemetry.StartInsightSpan(ctx, cfg.Provider, cfg.Model)
	defer func() { telemetry.EndSpan(span, retErr) }()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := g.breaker.Execute(func() (any, error) {
			return provider.GenerateInsights(ctx, digest)
		})
		if err == nil {
			metrics.RecordInsightCall(provider.Name(), "success")
			return res.(Insight), nil
		}
		lastErr = err
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			// No point retrying while the breaker is open.
			metrics.RecordInsightCall(provider.Name(), "short_circuit")
			return Insight{}, err
		}
		metrics.RecordInsightCall(provider.Name(), "error")
		if attempt < maxAttempts {
			backoff := math.Pow(2, float64(attempt)) + g.rng.Float64()
			g.sleep(time.Duration(backoff * float64(time.Second)))
		}
	}
	return Insight{}, fmt.Errorf("provider %s failed after %d attempts: %w", provider.Name(), maxAttempts, lastErr)
}

// providerConfig resolves the tenant's provider settings over the
// platform defaults.
func (g *Generator) providerConfig(tenant *model.Tenant) ProviderConfig {
	cfg := ProviderConfig{
		Provider: g.defaults.Provider,
		BaseURL:  g.defaults.BaseURL,
		APIKey:   g.defaults.APIKey,
		Model:    g.defaults.Model,
	}
	if tenant.AIProvider != "" {
		cfg.Provider = tenant.AIProvider
		cfg.BaseURL = tenant.AIBaseURL
		cfg.Model = tenant.AIModel
	}
	if tenant.AIAPIKey != "" {
		cfg.APIKey = tenant.AIAPIKey
	}
	return cfg
}

// buildDigest assembles the text the model reasons over: recent sprint
// rollups, the workload split by assignee, per-developer rollups,
// stagnant items and suggestions still awaiting feedback.
func (g *Generator) buildDigest(ts *store.TenantStore, projectID string) (string, error) {
	var b strings.Builder

	var sprints []*model.SprintMetrics
	var err error
	if projectID == "" {
		sprints, err = ts.RecentSprintMetrics(5)
	} else {
		sprints, err = ts.SprintMetricsForProject(projectID, 5)
	}
	if err != nil {
		return "", err
	}

	items, err := ts.ListWorkItems()
	if err != nil {
		return "", err
	}

	b.WriteString("Recent sprints (newest first):\n")
	if len(sprints) == 0 {
		b.WriteString("  none recorded\n")
		writeLiveRollup(&b, items)
	}
	for _, m := range sprints {
		fmt.Fprintf(&b, "  %s: velocity %.1f, %d/%d items done, compliance %.1f%%, cycle %.1fd, defect density %.1f%%, PRs %d merged/%d open\n",
			m.SprintName, m.Velocity, m.ItemsCompleted, m.TotalItems,
			m.ComplianceRate, m.AvgCycleTimeDays, m.DefectDensity, m.PRsMerged, m.PRsOpen)
	}

	if len(sprints) > 0 {
		devs, err := ts.DeveloperMetricsForSprint(sprints[0].SprintName, sprints[0].SprintEndDate)
		if err != nil {
			return "", err
		}
		if len(devs) > 0 {
			fmt.Fprintf(&b, "Developers in %s:\n", sprints[0].SprintName)
			for _, d := range devs {
				fmt.Fprintf(&b, "  %s: %.1f points, %d items, compliance %.1f%%, coverage %.1f%%, AI usage %.1f%%, PRs %d authored/%d merged\n",
					d.DeveloperEmail, d.CompletedPoints, d.CompletedItems,
					d.ComplianceRate, d.CoverageAvg, d.AIUsageAvg, d.PRsAuthored, d.PRsMerged)
			}
		}
	}

	dist, err := assigneeDistribution(ts, items)
	if err != nil {
		return "", err
	}
	if len(dist) > 0 {
		b.WriteString("Workload by assignee:\n")
		for _, r := range dist {
			fmt.Fprintf(&b, "  %s <%s>: %d in progress, %d completed",
				r.Name, r.Email, r.InProgress, r.Completed)
			if r.CycleSamples > 0 {
				fmt.Fprintf(&b, ", avg cycle %.1fd", r.CycleSum/float64(r.CycleSamples))
			}
			b.WriteByte('\n')
		}
	}

	stagnant, err := ts.ListStagnantInProgress(time.Now().UTC().Add(-stagnantAfter))
	if err != nil {
		return "", err
	}
	if len(stagnant) > 0 {
		b.WriteString("Stagnant in-progress items (no update in 5+ days):\n")
		for _, item := range stagnant {
			fmt.Fprintf(&b, "  %s %q assigned to %s, last updated %s\n",
				item.ExternalID, item.Title, orUnassigned(item.AssigneeEmail),
				item.UpdatedAt.Format("2006-01-02"))
		}
	}

	pending, err := ts.PendingSuggestions(20)
	if err != nil {
		return "", err
	}
	if len(pending) > 0 {
		b.WriteString("Suggestions still pending feedback (do not repeat):\n")
		for _, s := range pending {
			fmt.Fprintf(&b, "  [%s] %s\n", s.Impact, s.Title)
		}
	}
	return b.String(), nil
}

// assigneeRow is one line of the workload distribution handed to the
// model.
type assigneeRow struct {
	Name         string
	Email        string
	InProgress   int
	Completed    int
	CycleSum     float64
	CycleSamples int
}

// assigneeDistribution groups the workload by resolved user first, then
// folds in emails no user claims, so one developer never shows up
// twice even when items carry their address in mixed case.
func assigneeDistribution(ts *store.TenantStore, items []*model.WorkItem) ([]*assigneeRow, error) {
	users, err := ts.ListUsers()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.User, len(users))
	claimed := make(map[string]string, len(users))
	for _, u := range users {
		byID[u.ID] = u
		if u.Email != "" {
			claimed[strings.ToLower(u.Email)] = u.ID
		}
	}

	rows := make(map[string]*assigneeRow)
	var order []string
	rowFor := func(it *model.WorkItem) *assigneeRow {
		key := ""
		var fresh assigneeRow
		if u := byID[it.AssigneeUserID]; u != nil {
			key = "user:" + u.ID
			fresh = assigneeRow{Name: userDisplayName(u), Email: u.Email}
		} else if email := strings.ToLower(it.AssigneeEmail); email != "" {
			if id, ok := claimed[email]; ok {
				u := byID[id]
				key = "user:" + id
				fresh = assigneeRow{Name: userDisplayName(u), Email: u.Email}
			} else {
				key = "email:" + email
				name := it.AssigneeName
				if name == "" {
					name = it.AssigneeEmail
				}
				fresh = assigneeRow{Name: name, Email: it.AssigneeEmail}
			}
		} else {
			return nil
		}
		if row, ok := rows[key]; ok {
			return row
		}
		row := fresh
		rows[key] = &row
		order = append(order, key)
		return &row
	}

	for _, it := range items {
		row := rowFor(it)
		if row == nil {
			continue
		}
		switch it.StatusCategory {
		case model.CategoryInProgress:
			row.InProgress++
		case model.CategoryDone:
			row.Completed++
			if d, ok := cycleDays(it); ok {
				row.CycleSum += d
				row.CycleSamples++
			}
		}
	}

	out := make([]*assigneeRow, 0, len(order))
	for _, key := range order {
		out = append(out, rows[key])
	}
	return out, nil
}

func userDisplayName(u *model.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// writeLiveRollup computes compliance and cycle time straight from the
// work items when no sprint rollups exist yet, so a fresh tenant still
// gets a grounded prompt.
func writeLiveRollup(b *strings.Builder, items []*model.WorkItem) {
	if len(items) == 0 {
		return
	}
	compliant := 0
	var cycleSum float64
	cycleN := 0
	for _, it := range items {
		if it.DMTCompliant {
			compliant++
		}
		if d, ok := cycleDays(it); ok {
			cycleSum += d
			cycleN++
		}
	}
	fmt.Fprintf(b, "Live rollup over %d items: compliance %.1f%%",
		len(items), float64(compliant)/float64(len(items))*100)
	if cycleN > 0 {
		fmt.Fprintf(b, ", avg cycle %.1fd", cycleSum/float64(cycleN))
	}
	b.WriteByte('\n')
}

func cycleDays(it *model.WorkItem) (float64, bool) {
	if it.StartedAt == nil || it.ResolvedAt == nil {
		return 0, false
	}
	d := it.ResolvedAt.Sub(*it.StartedAt).Hours() / 24
	if d < 0 {
		return 0, false
	}
	return d, true
}

func orUnassigned(email string) string {
	if email == "" {
		return "nobody"
	}
	return email
}

// truncateSummary caps the summary carried on the bus event.
func truncateSummary(s string) string {
	runes := []rune(s)
	if len(runes) <= summaryLimit {
		return s
	}
	return string(runes[:summaryLimit]) + "…"
}
