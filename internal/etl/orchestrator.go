// Package etl runs the sync pipeline for one source configuration:
// connect, discover sprints, fetch and normalize items and pull
// requests, resolve identities, evaluate compliance and persist. The
// orchestrator owns the progress state machine that dashboards watch.
package etl

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shiplens/shiplens/internal/bus"
	"github.com/shiplens/shiplens/internal/compliance"
	"github.com/shiplens/shiplens/internal/connector"
	"github.com/shiplens/shiplens/internal/identity"
	"github.com/shiplens/shiplens/internal/metrics"
	"github.com/shiplens/shiplens/internal/model"
	"github.com/shiplens/shiplens/internal/secrets"
	"github.com/shiplens/shiplens/internal/store"
	"github.com/shiplens/shiplens/internal/telemetry"
)

// Progress percents for the sync state machine. A failed sync reports
// zero so the progress bar visibly resets.
const (
	pctStarting   = 5
	pctConnecting = 20
	pctDiscovery  = 25
	pctSprints    = 45
	pctFetch      = 50
	pctTransform  = 90
	pctPostSync   = 95
	pctDone       = 100
)

// TaskRecalcMetrics is the queue task enqueued after a successful sync.
const TaskRecalcMetrics = "recalc_metrics"

// TaskSyncSource is the queue task that runs one source sync.
const TaskSyncSource = "sync_source"

// ReconfigureSource applies a config change to a source. When the
// change moves the sprint folder scope, a fresh sync is enqueued so
// out-of-scope items get purged and the new scope imported. The
// enqueue decision lives here, not in the storage layer.
func ReconfigureSource(root *store.Store, ts *store.TenantStore, tenant *model.Tenant, sourceConfigID string, cfg map[string]any) (resync bool, err error) {
	oldFolder, newFolder, err := ts.UpdateSourceConfigJSON(sourceConfigID, cfg)
	if err != nil {
		return false, err
	}
	if oldFolder == newFolder {
		return false, nil
	}
	if pending, err := root.HasPendingJob(TaskSyncSource, sourceConfigID); err == nil && pending {
		return true, nil
	}
	job := &store.Job{
		Task:       TaskSyncSource,
		TargetID:   sourceConfigID,
		SchemaName: tenant.SchemaName,
	}
	if err := root.EnqueueJob(job); err != nil {
		return true, err
	}
	return true, nil
}

// Orchestrator drives syncs for one tenant.
type Orchestrator struct {
	root   *store.Store
	store  *store.TenantStore
	tenant *model.Tenant
	bus    bus.Publisher
	box    *secrets.Box
	logger *zap.Logger

	// newConnector is swapped in tests.
	newConnector func(model.SourceType, connector.Config) (connector.Connector, error)
}

// NewOrchestrator creates an orchestrator bound to one tenant.
func NewOrchestrator(root *store.Store, ts *store.TenantStore, tenant *model.Tenant, pub bus.Publisher, box *secrets.Box, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		root:         root,
		store:        ts,
		tenant:       tenant,
		bus:          pub,
		box:          box,
		logger:       logger.With(zap.String("tenant", tenant.Slug)),
		newConnector: connector.New,
	}
}

// SyncSource runs one full sync of a source configuration. The
// in_progress status row is the overlap lock: a second sync of the
// same source fails fast before touching the vendor.
func (o *Orchestrator) SyncSource(ctx context.Context, sourceConfigID string) (err error) {
	src, err := o.store.GetSourceConfig(sourceConfigID)
	if err != nil {
		return fmt.Errorf("source config %s: %w", sourceConfigID, err)
	}
	if err = o.store.MarkSyncStarted(src.ID); err != nil {
		return err
	}
	ctx, span := telemetry.StartSyncSpan(ctx, o.tenant.Slug, string(src.SourceType), src.ID)
	defer func() { telemetry.EndSpan(span, err) }()
	started := time.Now()
	o.progress(ctx, src.ID, pctStarting, "starting")

	items, err := o.runSync(ctx, src)
	if err != nil {
		metrics.RecordSync(string(src.SourceType), "failed", time.Since(started), items)
		o.recordFailure(ctx, src, err)
		return err
	}
	metrics.RecordSync(string(src.SourceType), "success", time.Since(started), items)

	if err = o.store.MarkSyncSuccess(src.ID); err != nil {
		return err
	}
	o.enqueueRecalc(src.ID)
	o.progress(ctx, src.ID, pctDone, "success")
	return nil
}

func (o *Orchestrator) runSync(ctx context.Context, src *model.SourceConfiguration) (int, error) {
	o.progress(ctx, src.ID, pctConnecting, "connecting")
	conn, err := o.connect(src)
	if err != nil {
		return 0, err
	}
	if err := conn.TestConnection(ctx); err != nil {
		return 0, err
	}

	o.progress(ctx, src.ID, pctDiscovery, "discovering sprints")
	sprintIDs, err := o.syncSprints(ctx, conn)
	if err != nil {
		return 0, err
	}
	o.progress(ctx, src.ID, pctSprints, "sprints synced")

	o.progress(ctx, src.ID, pctFetch, "fetching work items")
	items, err := conn.FetchWorkItems(ctx)
	if err != nil {
		return 0, err
	}
	if err := o.storeItems(ctx, src, items); err != nil {
		return len(items), err
	}

	prs, err := conn.FetchPullRequests(ctx)
	if err != nil {
		return len(items), err
	}
	if err := o.storePullRequests(src, prs); err != nil {
		return len(items), err
	}
	o.progress(ctx, src.ID, pctTransform, "items transformed")

	o.progress(ctx, src.ID, pctPostSync, "post-sync cleanup")
	// Items that fell out of every known sprint, including everything
	// from a deselected folder, are purged so the rollups stop counting
	// them.
	if len(sprintIDs) > 0 {
		if n, err := o.store.DeleteWorkItemsNotInSprints(src.ID, sprintIDs); err != nil {
			return len(items), err
		} else if n > 0 {
			o.logger.Info("purged out-of-scope items", zap.String("source", src.ID), zap.Int64("count", n))
		}
	}
	return len(items), nil
}

func (o *Orchestrator) connect(src *model.SourceConfiguration) (connector.Connector, error) {
	credential, err := o.box.Open(src.CredentialSealed)
	if err != nil {
		return nil, &connector.SyncError{Code: connector.CodeConfigInvalid, Message: "cannot unseal credential", Detail: err.Error()}
	}
	return o.newConnector(src.SourceType, connector.Config{
		SourceConfigID: src.ID,
		BaseURL:        src.BaseURL,
		Credential:     credential,
		Username:       src.Username,
		WorkspaceID:    src.WorkspaceID,
		Settings:       src.ConfigJSON,
		FieldMappings:  src.FieldMappings,
		HistoricalDays: src.HistoricalImportDays,
	})
}

func (o *Orchestrator) syncSprints(ctx context.Context, conn connector.Connector) ([]string, error) {
	sprints, err := conn.FetchSprints(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(sprints))
	for i := range sprints {
		sp := sprints[i]
		if err := o.store.UpsertSprint(&sp); err != nil {
			return nil, err
		}
		ids = append(ids, sp.ExternalID)
	}
	return ids, nil
}

// storeItems resolves assignees, evaluates compliance and upserts every
// fetched item, then rolls subtask points up into pointless parents.
func (o *Orchestrator) storeItems(ctx context.Context, src *model.SourceConfiguration, items []connector.Item) error {
	threshold := o.coverageThreshold(src)
	resolver := identity.NewResolver(o.store, o.logger)

	for i := range items {
		item := &items[i].WorkItem
		user, err := resolver.Resolve(items[i].Assignee)
		if err != nil {
			return fmt.Errorf("resolve assignee for %s: %w", item.ExternalID, err)
		}
		if user != nil {
			item.AssigneeUserID = user.ID
			if user.Email != "" {
				item.AssigneeEmail = user.Email
			}
		}
		compliance.Apply(item, threshold)
		if err := o.store.UpsertWorkItem(item); err != nil {
			return fmt.Errorf("upsert item %s: %w", item.ExternalID, err)
		}
	}
	return o.rollUpParentPoints(src.ID, items)
}

// rollUpParentPoints fills in story points and AI usage for parents
// that carry none of their own, from their subtasks. A parent with an
// explicit zero counts as unestimated and gets rolled up too.
func (o *Orchestrator) rollUpParentPoints(sourceConfigID string, items []connector.Item) error {
	parents := map[string]bool{}
	for i := range items {
		if p := items[i].WorkItem.ParentExternalID; p != "" {
			parents[p] = true
		}
	}

	for parentID := range parents {
		parent, err := o.store.GetWorkItem(sourceConfigID, parentID)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return err
		}
		// Stored children, not just this batch: incremental syncs may
		// deliver only some subtasks.
		children, err := o.store.ListChildren(sourceConfigID, parentID)
		if err != nil {
			return err
		}

		changed := false
		if parent.StoryPoints == nil || *parent.StoryPoints == 0 {
			var sum float64
			for _, c := range children {
				if c.StoryPoints != nil {
					sum += *c.StoryPoints
				}
			}
			if sum > 0 {
				parent.StoryPoints = &sum
				changed = true
			}
		}
		if parent.AIUsagePercent == nil || *parent.AIUsagePercent == 0 {
			var sum float64
			var n int
			for _, c := range children {
				if c.AIUsagePercent != nil {
					sum += *c.AIUsagePercent
					n++
				}
			}
			if n > 0 {
				avg := sum / float64(n)
				parent.AIUsagePercent = &avg
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := o.store.UpsertWorkItem(parent); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) coverageThreshold(src *model.SourceConfiguration) float64 {
	if src.ProjectID != "" {
		if p, err := o.store.GetProject(src.ProjectID); err == nil {
			return p.CoverageThreshold
		}
	}
	return 80.0
}

// issueKeyPattern matches tracker keys like PROJ-123 and numeric
// references like #4512 in PR titles and branch names,
// case-insensitively.
var issueKeyPattern = regexp.MustCompile(`(?i)\b[a-z][a-z0-9_]*-\d+\b|#\d+`)

func (o *Orchestrator) storePullRequests(src *model.SourceConfiguration, prs []connector.PRBundle) error {
	if len(prs) == 0 {
		return nil
	}
	itemIDs, err := o.knownItemIDs()
	if err != nil {
		return err
	}
	resolver := identity.NewResolver(o.store, o.logger)

	for i := range prs {
		pr := &prs[i].PullRequest
		user, err := resolver.Resolve(prs[i].Author)
		if err != nil {
			return fmt.Errorf("resolve author for %s: %w", pr.ExternalID, err)
		}
		if user != nil {
			pr.AuthorUserID = user.ID
			if user.Email != "" {
				pr.AuthorEmail = user.Email
			}
		}
		if pr.WorkItemExternalID == "" {
			pr.WorkItemExternalID = linkWorkItem(pr, itemIDs)
		}
		pr.ReviewerEmails = o.resolveReviewerEmails(resolver, prs[i].Reviewers, pr.AuthorEmail)
		if err := o.store.UpsertPullRequest(pr); err != nil {
			return fmt.Errorf("upsert pr %s: %w", pr.ExternalID, err)
		}
		for j := range prs[i].Checks {
			check := prs[i].Checks[j]
			check.PullRequestID = pr.ID
			if err := o.store.UpsertPullRequestCheck(&check); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveReviewerEmails maps reviewer refs onto portal emails,
// deduplicated and with the author excluded so self-reviews never
// count.
func (o *Orchestrator) resolveReviewerEmails(resolver *identity.Resolver, reviewers []identity.Ref, authorEmail string) []string {
	seen := map[string]bool{}
	var out []string
	for _, ref := range reviewers {
		user, err := resolver.Resolve(ref)
		if err != nil {
			o.logger.Warn("resolve reviewer failed", zap.String("reviewer", ref.ExternalID), zap.Error(err))
			continue
		}
		email := ref.Email
		if user != nil && user.Email != "" {
			email = user.Email
		}
		email = strings.ToLower(email)
		if email == "" || email == strings.ToLower(authorEmail) || seen[email] {
			continue
		}
		seen[email] = true
		out = append(out, email)
	}
	return out
}

// knownItemIDs returns every work item external id in the tenant,
// lowercased, mapped to its canonical form.
func (o *Orchestrator) knownItemIDs() (map[string]string, error) {
	sources, err := o.store.ListActiveSourceConfigs()
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, src := range sources {
		items, err := o.store.ListWorkItemsBySource(src.ID)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			out[strings.ToLower(item.ExternalID)] = item.ExternalID
		}
	}
	return out, nil
}

// linkWorkItem scans the PR title and source branch for a tracker key
// matching a known work item.
func linkWorkItem(pr *model.PullRequest, itemIDs map[string]string) string {
	for _, text := range []string{pr.Title, pr.SourceBranch} {
		for _, match := range issueKeyPattern.FindAllString(text, -1) {
			key := strings.ToLower(strings.TrimPrefix(match, "#"))
			if canonical, ok := itemIDs[key]; ok {
				return canonical
			}
		}
	}
	return ""
}

func (o *Orchestrator) enqueueRecalc(sourceConfigID string) {
	pending, err := o.root.HasPendingJob(TaskRecalcMetrics, o.tenant.ID)
	if err == nil && pending {
		return
	}
	job := &store.Job{
		Task:       TaskRecalcMetrics,
		TargetID:   o.tenant.ID,
		SchemaName: o.tenant.SchemaName,
	}
	if err := o.root.EnqueueJob(job); err != nil {
		o.logger.Warn("enqueue metric recalc failed", zap.Error(err))
	}
}

// recordFailure marks the source failed, resets the progress bar and
// raises the repeated-failure alert once the threshold is crossed.
func (o *Orchestrator) recordFailure(ctx context.Context, src *model.SourceConfiguration, cause error) {
	failures, threshold, err := o.store.MarkSyncFailure(src.ID, cause.Error())
	if err != nil {
		o.logger.Error("mark sync failure", zap.Error(err))
	}
	o.logger.Warn("sync failed",
		zap.String("source", src.ID),
		zap.Int("consecutive_failures", failures),
		zap.Error(cause))

	// A failed sync resets the progress bar: progress 0, status failed.
	channel := bus.TenantChannel(o.tenant.Slug)
	o.bus.Publish(ctx, channel, bus.Event{
		Type:      bus.SyncProgress,
		SourceID:  src.ID,
		Percent:   0,
		Phase:     "failed",
		Summary:   cause.Error(),
		Timestamp: time.Now().UTC(),
	})
	if threshold > 0 && failures >= threshold {
		o.bus.Publish(ctx, channel, bus.Event{
			Type:      bus.SyncAlert,
			SourceID:  src.ID,
			Summary:   fmt.Sprintf("%s has failed %d times in a row", src.Name, failures),
			Detail:    cause.Error(),
			Timestamp: time.Now().UTC(),
		})
	}
}

func (o *Orchestrator) progress(ctx context.Context, sourceID string, percent int, phase string) {
	o.bus.Publish(ctx, bus.TenantChannel(o.tenant.Slug), bus.Event{
		Type:      bus.SyncProgress,
		SourceID:  sourceID,
		Percent:   percent,
		Phase:     phase,
		Timestamp: time.Now().UTC(),
	})
}
