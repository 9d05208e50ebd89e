package connector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shiplens/shiplens/internal/identity"
	"github.com/shiplens/shiplens/internal/model"
)

const (
	azureAPIVersion = "6.0"
	azureBatchSize  = 200
)

// azureConnector talks to Azure DevOps. Work items are discovered with
// a WIQL query and then hydrated in batches of 200, the API's cap.
type azureConnector struct {
	cfg     Config
	client  *http.Client
	project string
}

func newAzureDevOps(cfg Config) (*azureConnector, error) {
	if cfg.BaseURL == "" {
		return nil, &SyncError{Code: CodeConfigInvalid, Message: "azure_devops: organization URL is required"}
	}
	if cfg.Credential == "" {
		return nil, &SyncError{Code: CodeConfigInvalid, Message: "azure_devops: personal access token is required"}
	}
	project := firstNonEmpty(cfg.setting("project"), cfg.WorkspaceID)
	if project == "" {
		return nil, &SyncError{Code: CodeConfigInvalid, Message: "azure_devops: project is required"}
	}
	if len(cfg.FieldMappings) == 0 {
		cfg.FieldMappings = azureDefaultMappings
	}
	return &azureConnector{cfg: cfg, client: cfg.httpClient(), project: project}, nil
}

// azureDefaultMappings covers the Custom.* fields of the standard
// delivery-compliance process template. Configuring any explicit
// mapping replaces the whole set.
var azureDefaultMappings = map[string]string{
	"ac_quality":             "Custom.ACQuality",
	"unit_testing_status":    "Custom.UnitTestingStatus",
	"reviewer_dmt_signoff":   "Custom.ReviewerDMTSignoff",
	"ai_usage_percent":       "Custom.AIUsagePercentage",
	"coverage_percent":       "Custom.CoveragePercentageChange",
	"dmt_exception_required": "Custom.DMTExceptionRequired",
}

func (a *azureConnector) SourceType() model.SourceType { return model.SourceAzureDevOps }

// authHeader is Basic with an empty username and the PAT as password.
func (a *azureConnector) authHeader() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(":"+a.cfg.Credential))
}

func (a *azureConnector) do(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", azureAPIVersion)
	u := strings.TrimSuffix(a.cfg.BaseURL, "/") + path + "?" + query.Encode()

	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &SyncError{Code: CodeConfigInvalid, Message: "azure_devops: bad payload", Detail: err.Error()}
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, &SyncError{Code: CodeConfigInvalid, Message: "azure_devops: bad request", Detail: err.Error()}
	}
	req.Header.Set("Authorization", a.authHeader())
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	respBody, _, err := doJSON(a.client, req, "azure_devops")
	return respBody, err
}

func (a *azureConnector) TestConnection(ctx context.Context) error {
	_, err := a.do(ctx, http.MethodGet, "/_apis/projects", nil, nil)
	return err
}

// ListFolders enumerates the organization's projects so the admin can
// pick the one to sync.
func (a *azureConnector) ListFolders(ctx context.Context) ([]Folder, error) {
	body, err := a.do(ctx, http.MethodGet, "/_apis/projects", nil, nil)
	if err != nil {
		return nil, err
	}

	var page struct {
		Value []map[string]any `json:"value"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &SyncError{Code: CodeParseError, Message: "azure_devops: failed to parse projects", Detail: err.Error()}
	}

	out := make([]Folder, 0, len(page.Value))
	for _, p := range page.Value {
		out = append(out, Folder{
			ID:   stringField(p, "id"),
			Name: stringField(p, "name"),
		})
	}
	return out, nil
}

// FetchSprints maps the project's iterations onto sprints. The
// iteration path doubles as the external id because work items carry
// the path, not the iteration guid.
func (a *azureConnector) FetchSprints(ctx context.Context) ([]model.Sprint, error) {
	body, err := a.do(ctx, http.MethodGet, "/"+a.project+"/_apis/work/teamsettings/iterations", nil, nil)
	if err != nil {
		return nil, err
	}

	var page struct {
		Value []map[string]any `json:"value"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &SyncError{Code: CodeParseError, Message: "azure_devops: failed to parse iterations", Detail: err.Error()}
	}

	out := make([]model.Sprint, 0, len(page.Value))
	for _, it := range page.Value {
		attrs := mapField(it, "attributes")
		sp := model.Sprint{
			ExternalID: firstNonEmpty(stringField(it, "path"), stringField(it, "id")),
			Name:       stringField(it, "name"),
		}
		if t := parseRFC3339(stringField(attrs, "startDate")); !t.IsZero() {
			sp.StartDate = &t
		}
		if t := parseRFC3339(stringField(attrs, "finishDate")); !t.IsZero() {
			sp.EndDate = &t
		}
		out = append(out, sp)
	}
	return out, nil
}

// FetchWorkItems runs a WIQL query over the import window and hydrates
// the resulting ids in batches.
func (a *azureConnector) FetchWorkItems(ctx context.Context) ([]Item, error) {
	wiql := map[string]string{
		"query": fmt.Sprintf(
			"SELECT [System.Id] FROM WorkItems WHERE [System.TeamProject] = '%s' AND [System.ChangedDate] >= @Today - %d ORDER BY [System.ChangedDate] DESC",
			a.project, max(a.cfg.HistoricalDays, 1)),
	}
	body, err := a.do(ctx, http.MethodPost, "/"+a.project+"/_apis/wit/wiql", nil, wiql)
	if err != nil {
		return nil, err
	}

	var result struct {
		WorkItems []struct {
			ID int `json:"id"`
		} `json:"workItems"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &SyncError{Code: CodeParseError, Message: "azure_devops: failed to parse wiql result", Detail: err.Error()}
	}

	var out []Item
	for start := 0; start < len(result.WorkItems); start += azureBatchSize {
		end := min(start+azureBatchSize, len(result.WorkItems))
		ids := make([]string, 0, end-start)
		for _, wi := range result.WorkItems[start:end] {
			ids = append(ids, fmt.Sprint(wi.ID))
		}

		query := url.Values{}
		query.Set("ids", strings.Join(ids, ","))
		batch, err := a.do(ctx, http.MethodGet, "/_apis/wit/workitems", query, nil)
		if err != nil {
			return nil, err
		}

		var items struct {
			Value []map[string]any `json:"value"`
		}
		if err := json.Unmarshal(batch, &items); err != nil {
			return nil, &SyncError{Code: CodeParseError, Message: "azure_devops: failed to parse work item batch", Detail: err.Error()}
		}
		for _, raw := range items.Value {
			out = append(out, a.mapWorkItem(raw))
		}
	}
	return out, nil
}

func (a *azureConnector) mapWorkItem(raw map[string]any) Item {
	fields := mapField(raw, "fields")
	state := stringField(fields, "System.State")

	w := model.WorkItem{
		SourceConfigID:   a.cfg.SourceConfigID,
		ExternalID:       stringField(raw, "id"),
		Title:            stringField(fields, "System.Title"),
		Description:      stripTags(stringField(fields, "System.Description")),
		ItemType:         NormalizeItemType(stringField(fields, "System.WorkItemType")),
		Status:           state,
		StatusCategory:   NormalizeStatusCategory(state),
		ParentExternalID: stringField(fields, "System.Parent"),
		SprintExternalID: stringField(fields, "System.IterationPath"),
		CreatedAt:        parseRFC3339(stringField(fields, "System.CreatedDate")),
		UpdatedAt:        parseRFC3339(stringField(fields, "System.ChangedDate")),
	}
	if pts := floatField(fields, "Microsoft.VSTS.Scheduling.StoryPoints"); pts != nil {
		w.StoryPoints = pts
	}
	if t := parseRFC3339(stringField(fields, "Microsoft.VSTS.Common.ClosedDate")); !t.IsZero() {
		w.ResolvedAt = &t
	}
	if t := parseRFC3339(stringField(fields, "Microsoft.VSTS.Common.ActivatedDate")); !t.IsZero() {
		w.StartedAt = &t
	}

	assigned := mapField(fields, "System.AssignedTo")
	ref := identity.Ref{
		Provider:    string(model.SourceAzureDevOps),
		ExternalID:  firstNonEmpty(stringField(assigned, "uniqueName"), stringField(assigned, "id")),
		DisplayName: stringField(assigned, "displayName"),
		Email:       stringField(assigned, "uniqueName"),
	}
	if !strings.Contains(ref.Email, "@") {
		ref.Email = ""
	}
	w.AssigneeEmail = ref.Email
	w.AssigneeName = ref.DisplayName

	applyMappedFields(&w, a.cfg.FieldMappings, func(fieldID string) any {
		return fields[fieldID]
	})

	return Item{WorkItem: w, Assignee: ref}
}

// FetchPullRequests lists the project's PRs across repositories.
func (a *azureConnector) FetchPullRequests(ctx context.Context) ([]PRBundle, error) {
	query := url.Values{}
	query.Set("searchCriteria.status", "all")
	query.Set("$top", fmt.Sprint(azureBatchSize))

	body, err := a.do(ctx, http.MethodGet, "/"+a.project+"/_apis/git/pullrequests", query, nil)
	if err != nil {
		return nil, err
	}

	var page struct {
		Value []map[string]any `json:"value"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &SyncError{Code: CodeParseError, Message: "azure_devops: failed to parse pull requests", Detail: err.Error()}
	}

	out := make([]PRBundle, 0, len(page.Value))
	for _, raw := range page.Value {
		out = append(out, a.mapPullRequest(raw))
	}
	return out, nil
}

func (a *azureConnector) mapPullRequest(raw map[string]any) PRBundle {
	createdBy := mapField(raw, "createdBy")
	ref := identity.Ref{
		Provider:    string(model.SourceAzureDevOps),
		ExternalID:  firstNonEmpty(stringField(createdBy, "uniqueName"), stringField(createdBy, "id")),
		DisplayName: stringField(createdBy, "displayName"),
		Email:       stringField(createdBy, "uniqueName"),
	}
	if !strings.Contains(ref.Email, "@") {
		ref.Email = ""
	}

	status := stringField(raw, "status") // active, completed, abandoned
	pr := model.PullRequest{
		SourceConfigID: a.cfg.SourceConfigID,
		ExternalID:     stringField(raw, "pullRequestId"),
		Title:          stringField(raw, "title"),
		AuthorEmail:    ref.Email,
		Status:         azurePRStatus(status),
		Repository:     stringField(mapField(raw, "repository"), "name"),
		SourceBranch:   strings.TrimPrefix(stringField(raw, "sourceRefName"), "refs/heads/"),
		TargetBranch:   strings.TrimPrefix(stringField(raw, "targetRefName"), "refs/heads/"),
		CreatedAt:      parseRFC3339(stringField(raw, "creationDate")),
		UpdatedAt:      parseRFC3339(firstNonEmpty(stringField(raw, "closedDate"), stringField(raw, "creationDate"))),
	}
	if status == "completed" {
		if t := parseRFC3339(stringField(raw, "closedDate")); !t.IsZero() {
			pr.MergedAt = &t
		}
	}

	// A zero vote means the reviewer never acted on the PR.
	var reviewers []identity.Ref
	for _, r := range sliceField(raw, "reviewers") {
		rev, ok := r.(map[string]any)
		if !ok {
			continue
		}
		if vote, _ := rev["vote"].(float64); vote == 0 {
			continue
		}
		unique := stringField(rev, "uniqueName")
		if unique == ref.ExternalID {
			continue
		}
		rr := identity.Ref{
			Provider:    string(model.SourceAzureDevOps),
			ExternalID:  firstNonEmpty(unique, stringField(rev, "id")),
			DisplayName: stringField(rev, "displayName"),
		}
		if strings.Contains(unique, "@") {
			rr.Email = unique
		}
		reviewers = append(reviewers, rr)
	}

	return PRBundle{PullRequest: pr, Author: ref, Reviewers: reviewers}
}

func azurePRStatus(status string) string {
	switch status {
	case "completed":
		return "merged"
	case "abandoned":
		return "closed"
	default:
		return "open"
	}
}

// stripTags removes HTML tags, which Azure DevOps uses for rich text
// descriptions.
func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
