package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/shiplens/shiplens/internal/identity"
	"github.com/shiplens/shiplens/internal/model"
)

const jiraPageSize = 50

// jiraConnector talks to Jira Cloud. Auth is Basic with email:token.
type jiraConnector struct {
	cfg        Config
	client     *http.Client
	projectKey string
	boardID    string
}

func newJira(cfg Config) (*jiraConnector, error) {
	if cfg.BaseURL == "" {
		return nil, &SyncError{Code: CodeConfigInvalid, Message: "jira: base URL is required"}
	}
	if cfg.Username == "" || cfg.Credential == "" {
		return nil, &SyncError{Code: CodeConfigInvalid, Message: "jira: email and API token are required"}
	}
	projectKey := cfg.setting("project_key")
	if projectKey == "" {
		return nil, &SyncError{Code: CodeConfigInvalid, Message: "jira: project_key setting is required"}
	}
	return &jiraConnector{
		cfg:        cfg,
		client:     cfg.httpClient(),
		projectKey: projectKey,
		boardID:    cfg.setting("board_id"),
	}, nil
}

func (j *jiraConnector) SourceType() model.SourceType { return model.SourceJira }

func (j *jiraConnector) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := strings.TrimSuffix(j.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &SyncError{Code: CodeConfigInvalid, Message: "jira: bad request", Detail: err.Error()}
	}
	req.SetBasicAuth(j.cfg.Username, j.cfg.Credential)
	req.Header.Set("Accept", "application/json")

	body, _, err := doJSON(j.client, req, "jira")
	return body, err
}

func (j *jiraConnector) TestConnection(ctx context.Context) error {
	_, err := j.get(ctx, "/rest/api/3/myself", nil)
	return err
}

// ListFolders enumerates the agile boards visible to the credential so
// the admin can pick the board to pull sprints from.
func (j *jiraConnector) ListFolders(ctx context.Context) ([]Folder, error) {
	var out []Folder
	startAt := 0
	for {
		query := url.Values{}
		query.Set("startAt", fmt.Sprint(startAt))
		query.Set("maxResults", fmt.Sprint(jiraPageSize))

		body, err := j.get(ctx, "/rest/agile/1.0/board", query)
		if err != nil {
			return nil, err
		}

		var page struct {
			IsLast bool             `json:"isLast"`
			Values []map[string]any `json:"values"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &SyncError{Code: CodeParseError, Message: "jira: failed to parse board page", Detail: err.Error()}
		}

		for _, raw := range page.Values {
			out = append(out, Folder{
				ID:   stringField(raw, "id"),
				Name: stringField(raw, "name"),
			})
		}

		startAt += len(page.Values)
		if page.IsLast || len(page.Values) == 0 {
			break
		}
	}
	return out, nil
}

// FetchSprints pulls sprints from the configured agile board. Without
// a board id, sprints are derived from the sprint field on items and
// this returns empty.
func (j *jiraConnector) FetchSprints(ctx context.Context) ([]model.Sprint, error) {
	if j.boardID == "" {
		return nil, nil
	}

	var out []model.Sprint
	startAt := 0
	for {
		query := url.Values{}
		query.Set("startAt", fmt.Sprint(startAt))
		query.Set("maxResults", fmt.Sprint(jiraPageSize))

		body, err := j.get(ctx, "/rest/agile/1.0/board/"+j.boardID+"/sprint", query)
		if err != nil {
			return nil, err
		}

		var page struct {
			IsLast bool             `json:"isLast"`
			Values []map[string]any `json:"values"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &SyncError{Code: CodeParseError, Message: "jira: failed to parse sprint page", Detail: err.Error()}
		}

		for _, raw := range page.Values {
			out = append(out, jiraSprint(raw))
		}

		startAt += len(page.Values)
		if page.IsLast || len(page.Values) == 0 {
			break
		}
	}
	return out, nil
}

func jiraSprint(raw map[string]any) model.Sprint {
	sp := model.Sprint{
		ExternalID: stringField(raw, "id"),
		Name:       stringField(raw, "name"),
	}
	if t := parseRFC3339(stringField(raw, "startDate")); !t.IsZero() {
		sp.StartDate = &t
	}
	if t := parseRFC3339(stringField(raw, "endDate")); !t.IsZero() {
		sp.EndDate = &t
	}
	return sp
}

// FetchWorkItems searches the project for issues updated inside the
// import window, 50 per page, with changelogs expanded so cycle time
// start can be read off the first transition into an in-progress
// status.
func (j *jiraConnector) FetchWorkItems(ctx context.Context) ([]Item, error) {
	jql := fmt.Sprintf("project = %q AND updated >= -%dd ORDER BY updated DESC",
		j.projectKey, max(j.cfg.HistoricalDays, 1))

	var out []Item
	startAt := 0
	for {
		query := url.Values{}
		query.Set("jql", jql)
		query.Set("startAt", fmt.Sprint(startAt))
		query.Set("maxResults", fmt.Sprint(jiraPageSize))
		query.Set("expand", "changelog")

		body, err := j.get(ctx, "/rest/api/3/search", query)
		if err != nil {
			return nil, err
		}

		var page struct {
			Total  int              `json:"total"`
			Issues []map[string]any `json:"issues"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &SyncError{Code: CodeParseError, Message: "jira: failed to parse search page", Detail: err.Error()}
		}

		for _, issue := range page.Issues {
			out = append(out, j.mapIssue(issue))
		}

		startAt += len(page.Issues)
		if startAt >= page.Total || len(page.Issues) == 0 {
			break
		}
	}
	return out, nil
}

func (j *jiraConnector) mapIssue(issue map[string]any) Item {
	fields := mapField(issue, "fields")
	status := mapField(fields, "status")
	statusName := stringField(status, "name")

	w := model.WorkItem{
		SourceConfigID: j.cfg.SourceConfigID,
		ExternalID:     stringField(issue, "key"),
		Title:          stringField(fields, "summary"),
		Description:    flattenADF(mapField(fields, "description")),
		ItemType:       NormalizeItemType(stringField(mapField(fields, "issuetype"), "name")),
		Status:         statusName,
		StatusCategory: jiraStatusCategory(stringField(mapField(status, "statusCategory"), "key"), statusName),
		CreatedAt:      parseRFC3339(stringField(fields, "created")),
		UpdatedAt:      parseRFC3339(stringField(fields, "updated")),
	}

	if boolField(mapField(fields, "issuetype"), "subtask") {
		w.ParentExternalID = stringField(mapField(fields, "parent"), "key")
	} else if parent := mapField(fields, "parent"); parent != nil {
		if NormalizeItemType(stringField(mapField(mapField(parent, "fields"), "issuetype"), "name")) != model.ItemEpic {
			w.ParentExternalID = stringField(parent, "key")
		}
	}

	if t := parseRFC3339(stringField(fields, "resolutiondate")); !t.IsZero() {
		w.ResolvedAt = &t
	}
	if started := jiraStartedAt(mapField(issue, "changelog")); !started.IsZero() {
		w.StartedAt = &started
	}

	if sprints := j.sprintValues(fields); len(sprints) > 0 {
		w.SprintExternalID = jiraSprintID(sprints[len(sprints)-1])
	}

	assignee := mapField(fields, "assignee")
	ref := identity.Ref{
		Provider:    string(model.SourceJira),
		ExternalID:  stringField(assignee, "accountId"),
		DisplayName: stringField(assignee, "displayName"),
		Email:       stringField(assignee, "emailAddress"),
	}
	w.AssigneeEmail = ref.Email
	w.AssigneeName = ref.DisplayName

	applyMappedFields(&w, j.cfg.FieldMappings, func(fieldID string) any {
		return fields[fieldID]
	})

	return Item{WorkItem: w, Assignee: ref}
}

// jiraStatusCategory maps Jira's canonical statusCategory key onto the
// normalized category, falling back to the status-name heuristic when
// the key is absent.
func jiraStatusCategory(key, statusName string) model.StatusCategory {
	switch strings.ToLower(key) {
	case "done":
		return model.CategoryDone
	case "indeterminate":
		return model.CategoryInProgress
	case "new":
		return model.CategoryTodo
	}
	return NormalizeStatusCategory(statusName)
}

// sprintValues returns the issue's sprint list. An explicit field
// mapping wins; otherwise the custom fields are scanned for a list
// whose elements look like sprints, since the sprint field id varies
// per Jira instance.
func (j *jiraConnector) sprintValues(fields map[string]any) []any {
	if id := j.cfg.FieldMappings["sprint"]; id != "" {
		return sliceField(fields, id)
	}
	for name, v := range fields {
		if !strings.HasPrefix(name, "customfield_") {
			continue
		}
		list, ok := v.([]any)
		if !ok || len(list) == 0 {
			continue
		}
		if jiraSprintID(list[0]) != "" {
			return list
		}
	}
	return nil
}

var jiraSprintIDPattern = regexp.MustCompile(`\bid=(\d+)`)

// jiraSprintID extracts the sprint id from one sprint field element,
// which is either an object with an id or the legacy
// "com.atlassian...[id=123,...]" string form.
func jiraSprintID(v any) string {
	switch e := v.(type) {
	case map[string]any:
		return stringField(e, "id")
	case string:
		if m := jiraSprintIDPattern.FindStringSubmatch(e); m != nil {
			return m[1]
		}
	}
	return ""
}

// jiraStartedAt walks the changelog for the earliest transition into a
// started status. Zero when the item never left todo.
func jiraStartedAt(changelog map[string]any) time.Time {
	var earliest time.Time
	for _, h := range sliceField(changelog, "histories") {
		history, ok := h.(map[string]any)
		if !ok {
			continue
		}
		created := parseRFC3339(stringField(history, "created"))
		if created.IsZero() {
			continue
		}
		for _, it := range sliceField(history, "items") {
			change, ok := it.(map[string]any)
			if !ok || !strings.EqualFold(stringField(change, "field"), "status") {
				continue
			}
			if startedStatus(stringField(change, "toString")) {
				if earliest.IsZero() || created.Before(earliest) {
					earliest = created
				}
			}
		}
	}
	return earliest
}

// FetchPullRequests is outside Jira's domain.
func (j *jiraConnector) FetchPullRequests(context.Context) ([]PRBundle, error) {
	return nil, nil
}

// flattenADF concatenates the text leaves of an Atlassian Document
// Format tree into plain text.
func flattenADF(doc map[string]any) string {
	if doc == nil {
		return ""
	}
	var b strings.Builder
	var walk func(node map[string]any)
	walk = func(node map[string]any) {
		if t := stringField(node, "text"); t != "" {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(t)
		}
		for _, child := range sliceField(node, "content") {
			if m, ok := child.(map[string]any); ok {
				walk(m)
			}
		}
	}
	walk(doc)
	return b.String()
}
