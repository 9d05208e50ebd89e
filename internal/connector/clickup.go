package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shiplens/shiplens/internal/identity"
	"github.com/shiplens/shiplens/internal/model"
)

const clickupPageSize = 100

// clickupConnector talks to the ClickUp v2 API. The workspace
// hierarchy is team, space, folder, list; the admin selects one folder
// as the sprint folder and its lists become sprints.
type clickupConnector struct {
	cfg     Config
	client  *http.Client
	baseURL string
}

func newClickUp(cfg Config) (*clickupConnector, error) {
	if cfg.Credential == "" {
		return nil, &SyncError{Code: CodeConfigInvalid, Message: "clickup: API token is required"}
	}
	if cfg.WorkspaceID == "" {
		return nil, &SyncError{Code: CodeConfigInvalid, Message: "clickup: workspace id is required"}
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.clickup.com/api/v2"
	}
	return &clickupConnector{cfg: cfg, client: cfg.httpClient(), baseURL: strings.TrimSuffix(base, "/")}, nil
}

func (c *clickupConnector) SourceType() model.SourceType { return model.SourceClickUp }

func (c *clickupConnector) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &SyncError{Code: CodeConfigInvalid, Message: "clickup: bad request", Detail: err.Error()}
	}
	req.Header.Set("Authorization", c.cfg.Credential)
	req.Header.Set("Accept", "application/json")

	body, _, err := doJSON(c.client, req, "clickup")
	return body, err
}

func (c *clickupConnector) TestConnection(ctx context.Context) error {
	_, err := c.get(ctx, "/user", nil)
	return err
}

// workspaceFolders walks every space in the workspace and returns the
// raw folder payloads.
func (c *clickupConnector) workspaceFolders(ctx context.Context) ([]map[string]any, error) {
	body, err := c.get(ctx, "/team/"+c.cfg.WorkspaceID+"/space", nil)
	if err != nil {
		return nil, err
	}
	var spaces struct {
		Spaces []map[string]any `json:"spaces"`
	}
	if err := json.Unmarshal(body, &spaces); err != nil {
		return nil, &SyncError{Code: CodeParseError, Message: "clickup: failed to parse spaces", Detail: err.Error()}
	}

	var out []map[string]any
	for _, space := range spaces.Spaces {
		spaceID := stringField(space, "id")
		body, err := c.get(ctx, "/space/"+spaceID+"/folder", nil)
		if err != nil {
			return nil, err
		}
		var folders struct {
			Folders []map[string]any `json:"folders"`
		}
		if err := json.Unmarshal(body, &folders); err != nil {
			return nil, &SyncError{Code: CodeParseError, Message: "clickup: failed to parse folders", Detail: err.Error()}
		}
		out = append(out, folders.Folders...)
	}
	return out, nil
}

// ListFolders returns every folder in the workspace so the admin can
// pick the sprint folder.
func (c *clickupConnector) ListFolders(ctx context.Context) ([]Folder, error) {
	folders, err := c.workspaceFolders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Folder, 0, len(folders))
	for _, folder := range folders {
		out = append(out, Folder{
			ID:   stringField(folder, "id"),
			Name: stringField(folder, "name"),
		})
	}
	return out, nil
}

// sprintLists returns the lists of the active sprint folder. Without a
// configured folder every folder in every space is scanned, which is
// correct but slow on large workspaces.
func (c *clickupConnector) sprintLists(ctx context.Context) ([]map[string]any, error) {
	folderID := c.cfg.setting("active_folder_id")
	if folderID != "" {
		return c.folderLists(ctx, folderID)
	}

	folders, err := c.workspaceFolders(ctx)
	if err != nil {
		return nil, err
	}

	var lists []map[string]any
	for _, folder := range folders {
		// Only folders flagged (or named) as sprint folders count.
		if !boolField(folder, "is_sprint_folder") &&
			!strings.Contains(strings.ToLower(stringField(folder, "name")), "sprint") {
			continue
		}
		fl, err := c.folderLists(ctx, stringField(folder, "id"))
		if err != nil {
			return nil, err
		}
		lists = append(lists, fl...)
	}
	return lists, nil
}

func (c *clickupConnector) folderLists(ctx context.Context, folderID string) ([]map[string]any, error) {
	body, err := c.get(ctx, "/folder/"+folderID+"/list", nil)
	if err != nil {
		return nil, err
	}
	var page struct {
		Lists []map[string]any `json:"lists"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &SyncError{Code: CodeParseError, Message: "clickup: failed to parse lists", Detail: err.Error()}
	}
	return page.Lists, nil
}

// FetchSprints maps the sprint folder's lists onto sprints. List start
// and due dates arrive as millisecond epoch strings.
func (c *clickupConnector) FetchSprints(ctx context.Context) ([]model.Sprint, error) {
	lists, err := c.sprintLists(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]model.Sprint, 0, len(lists))
	for _, list := range lists {
		sp := model.Sprint{
			ExternalID: clickupSprintKey(stringField(list, "id")),
			Name:       stringField(list, "name"),
		}
		if t := parseMillis(stringField(list, "start_date")); !t.IsZero() {
			sp.StartDate = &t
		}
		if t := parseMillis(stringField(list, "due_date")); !t.IsZero() {
			sp.EndDate = &t
		}
		out = append(out, sp)
	}
	return out, nil
}

// FetchWorkItems pulls the tasks of every sprint list, 100 per page,
// subtasks included.
func (c *clickupConnector) FetchWorkItems(ctx context.Context) ([]Item, error) {
	lists, err := c.sprintLists(ctx)
	if err != nil {
		return nil, err
	}

	var out []Item
	for _, list := range lists {
		listID := stringField(list, "id")
		for page := 0; ; page++ {
			query := url.Values{}
			query.Set("page", fmt.Sprint(page))
			query.Set("subtasks", "true")
			query.Set("include_closed", "true")
			query.Set("limit", fmt.Sprint(clickupPageSize))

			body, err := c.get(ctx, "/list/"+listID+"/task", query)
			if err != nil {
				return nil, err
			}
			var tasks struct {
				Tasks []map[string]any `json:"tasks"`
			}
			if err := json.Unmarshal(body, &tasks); err != nil {
				return nil, &SyncError{Code: CodeParseError, Message: "clickup: failed to parse tasks", Detail: err.Error()}
			}

			for _, task := range tasks.Tasks {
				out = append(out, c.mapTask(task, listID))
			}
			if len(tasks.Tasks) < clickupPageSize {
				break
			}
		}
	}
	return out, nil
}

func (c *clickupConnector) mapTask(task map[string]any, listID string) Item {
	statusName := stringField(mapField(task, "status"), "status")

	w := model.WorkItem{
		SourceConfigID:   c.cfg.SourceConfigID,
		ExternalID:       stringField(task, "id"),
		Title:            stringField(task, "name"),
		Description:      stringField(task, "text_content"),
		Status:           statusName,
		StatusCategory:   NormalizeStatusCategory(statusName),
		ParentExternalID: stringField(task, "parent"),
		SprintExternalID: clickupSprintKey(listID),
		CreatedAt:        parseMillis(stringField(task, "date_created")),
		UpdatedAt:        parseMillis(stringField(task, "date_updated")),
	}
	w.ItemType = NormalizeItemType(firstNonEmpty(
		stringField(mapField(task, "custom_item_id"), "name"),
		stringField(task, "custom_type"),
		"task"))
	if w.ParentExternalID != "" {
		w.ItemType = model.ItemTask
	}
	if pts := floatField(task, "points"); pts != nil {
		w.StoryPoints = pts
	}
	if t := parseMillis(stringField(task, "date_done")); !t.IsZero() {
		w.ResolvedAt = &t
	} else if t := parseMillis(stringField(task, "date_closed")); !t.IsZero() {
		w.ResolvedAt = &t
	}
	if t := parseMillis(stringField(task, "start_date")); !t.IsZero() {
		w.StartedAt = &t
	}

	var ref identity.Ref
	if assignees := sliceField(task, "assignees"); len(assignees) > 0 {
		if first, ok := assignees[0].(map[string]any); ok {
			ref = identity.Ref{
				Provider:    string(model.SourceClickUp),
				ExternalID:  stringField(first, "id"),
				DisplayName: stringField(first, "username"),
				Email:       stringField(first, "email"),
			}
		}
	}
	w.AssigneeEmail = ref.Email
	w.AssigneeName = ref.DisplayName

	// Custom fields arrive as a list of {id, value, type_config}; index
	// them so the shared mapping logic can look up by field id.
	custom := map[string]any{}
	for _, f := range sliceField(task, "custom_fields") {
		field, ok := f.(map[string]any)
		if !ok {
			continue
		}
		custom[stringField(field, "id")] = clickupFieldValue(field)
	}
	applyMappedFields(&w, c.cfg.FieldMappings, func(fieldID string) any {
		return custom[fieldID]
	})

	return Item{WorkItem: w, Assignee: ref}
}

// clickupSprintKey namespaces list ids so they never collide with
// sprint ids from another source in the shared sprints table.
func clickupSprintKey(listID string) string {
	if listID == "" {
		return ""
	}
	return "clickup_sprint_" + listID
}

// clickupFieldValue resolves a custom field to its usable value.
// Dropdown fields store the selected option's index or id in value;
// the human-readable name lives in type_config.options.
func clickupFieldValue(field map[string]any) any {
	value := field["value"]
	options := sliceField(mapField(field, "type_config"), "options")
	if value == nil || len(options) == 0 {
		return value
	}
	for _, o := range options {
		opt, ok := o.(map[string]any)
		if !ok {
			continue
		}
		switch v := value.(type) {
		case float64:
			if idx, ok := opt["orderindex"].(float64); ok && idx == v {
				return stringField(opt, "name")
			}
		case string:
			if stringField(opt, "id") == v || stringField(opt, "orderindex") == v {
				return stringField(opt, "name")
			}
		}
	}
	return value
}

// FetchPullRequests is outside ClickUp's domain.
func (c *clickupConnector) FetchPullRequests(context.Context) ([]PRBundle, error) {
	return nil, nil
}

// parseMillis parses a millisecond epoch, which ClickUp sends as a
// string.
func parseMillis(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
