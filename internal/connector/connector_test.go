package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shiplens/shiplens/internal/model"
)

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		code   string
	}{
		{http.StatusUnauthorized, CodeAuthFailed},
		{http.StatusForbidden, CodeAuthFailed},
		{http.StatusTooManyRequests, CodeTransient},
		{http.StatusBadGateway, CodeTransient},
		{http.StatusNotFound, CodePermanent},
		{http.StatusBadRequest, CodePermanent},
	}
	for _, tc := range cases {
		got := classifyHTTPStatus("jira", tc.status, nil)
		if got.Code != tc.code {
			t.Errorf("status %d: got %q, want %q", tc.status, got.Code, tc.code)
		}
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(&SyncError{Code: CodeTransient}) {
		t.Fatal("transient error not recognized")
	}
	if IsTransient(&SyncError{Code: CodeAuthFailed}) {
		t.Fatal("auth error must not be retried")
	}
	// Unclassified errors (raw network failures) default to retryable.
	if !IsTransient(errors.New("connection reset")) {
		t.Fatal("unclassified error should be retryable")
	}
}

func TestJiraFetchWorkItems(t *testing.T) {
	var pages int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/3/search" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if u, p, ok := r.BasicAuth(); !ok || u != "dev@acme.test" || p != "token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		pages++

		issue := map[string]any{
			"key": "PROJ-7",
			"fields": map[string]any{
				"summary": "Build the widget",
				"description": map[string]any{
					"type": "doc",
					"content": []any{
						map[string]any{"type": "paragraph", "content": []any{
							map[string]any{"type": "text", "text": "As a user"},
							map[string]any{"type": "text", "text": "I want widgets"},
						}},
					},
				},
				"issuetype": map[string]any{"name": "Story", "subtask": false},
				"status": map[string]any{
					"name":           "Blocked",
					"statusCategory": map[string]any{"key": "indeterminate"},
				},
				"created":       "2026-03-01T08:00:00.000+0000",
				"updated":       "2026-03-05T08:00:00.000+0000",
				"resolutiondate": "2026-03-05T09:00:00.000+0000",
				"assignee": map[string]any{
					"accountId":    "acct-1",
					"displayName":  "Ada Lovelace",
					"emailAddress": "ada@acme.test",
				},
				"customfield_10020": []any{
					map[string]any{"id": float64(55), "name": "Sprint 9"},
					"com.atlassian.greenhopper.service.sprint.Sprint@1f3[id=56,rapidViewId=3,name=Sprint 10]",
				},
				"customfield_90001": 5.0,
			},
			"changelog": map[string]any{
				"histories": []any{
					map[string]any{
						"created": "2026-03-03T10:00:00.000+0000",
						"items": []any{
							map[string]any{"field": "status", "toString": "In Progress"},
						},
					},
					map[string]any{
						"created": "2026-03-02T09:00:00.000+0000",
						"items": []any{
							map[string]any{"field": "status", "toString": "In Development"},
						},
					},
				},
			},
		}
		json.NewEncoder(w).Encode(map[string]any{"total": 1, "issues": []any{issue}})
	}))
	defer srv.Close()

	conn, err := newJira(Config{
		SourceConfigID: "src-1",
		BaseURL:        srv.URL,
		Username:       "dev@acme.test",
		Credential:     "token-1",
		Settings:       map[string]any{"project_key": "PROJ"},
		FieldMappings:  map[string]string{"story_points": "customfield_90001"},
		HistoricalDays: 30,
		HTTPClient:     srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}

	items, err := conn.FetchWorkItems(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || pages != 1 {
		t.Fatalf("items=%d pages=%d", len(items), pages)
	}

	w := items[0].WorkItem
	if w.ExternalID != "PROJ-7" || w.ItemType != model.ItemStory {
		t.Fatalf("bad mapping: %+v", w)
	}
	if w.Description != "As a user I want widgets" {
		t.Fatalf("ADF not flattened: %q", w.Description)
	}
	// The statusCategory key decides; the opaque status name does not.
	if w.StatusCategory != model.CategoryInProgress {
		t.Fatalf("status category: %q", w.StatusCategory)
	}
	// Earliest transition into a started status wins.
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if w.StartedAt == nil || !w.StartedAt.Equal(want) {
		t.Fatalf("started_at: %v, want %v", w.StartedAt, want)
	}
	if w.ResolvedAt == nil || w.ResolvedAt.Sub(*w.StartedAt) != 72*time.Hour {
		t.Fatalf("cycle window: started %v resolved %v", w.StartedAt, w.ResolvedAt)
	}
	// The most recent sprint entry wins; the legacy string form parses.
	if w.SprintExternalID != "56" {
		t.Fatalf("sprint id: %q", w.SprintExternalID)
	}
	if w.StoryPoints == nil || *w.StoryPoints != 5 {
		t.Fatalf("mapped story points lost: %v", w.StoryPoints)
	}
	if items[0].Assignee.ExternalID != "acct-1" {
		t.Fatalf("assignee ref: %+v", items[0].Assignee)
	}
}

func TestClickUpSprintFolderScope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "cu-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/folder/folder-9/list":
			json.NewEncoder(w).Encode(map[string]any{"lists": []any{
				map[string]any{
					"id":         "list-1",
					"name":       "Sprint 1",
					"start_date": "1767225600000",
					"due_date":   "1768435200000",
				},
			}})
		case "/list/list-1/task":
			json.NewEncoder(w).Encode(map[string]any{"tasks": []any{
				map[string]any{
					"id":           "task-1",
					"name":         "Parent story",
					"status":       map[string]any{"status": "complete"},
					"date_created": "1767225600000",
					"date_updated": "1768262400000",
					"date_done":    "1768262400000",
					"assignees": []any{
						map[string]any{"id": float64(42), "username": "Lin Chen", "email": "lin@acme.test"},
					},
				},
				map[string]any{
					"id":           "task-2",
					"name":         "Subtask",
					"parent":       "task-1",
					"status":       map[string]any{"status": "in progress"},
					"date_created": "1767225600000",
					"date_updated": "1768003200000",
				},
			}})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	conn, err := newClickUp(Config{
		SourceConfigID: "src-2",
		BaseURL:        srv.URL,
		Credential:     "cu-token",
		WorkspaceID:    "team-1",
		Settings:       map[string]any{"active_folder_id": "folder-9"},
		HTTPClient:     srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}

	sprints, err := conn.FetchSprints(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sprints) != 1 || sprints[0].ExternalID != "clickup_sprint_list-1" {
		t.Fatalf("sprints: %+v", sprints)
	}
	if sprints[0].StartDate == nil || sprints[0].StartDate.Year() != 2026 {
		t.Fatalf("ms timestamp not parsed: %v", sprints[0].StartDate)
	}

	items, err := conn.FetchWorkItems(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("items: %d", len(items))
	}
	parent, sub := items[0].WorkItem, items[1].WorkItem
	if parent.HasParent() || !sub.HasParent() || sub.ParentExternalID != "task-1" {
		t.Fatalf("parent linkage: %+v / %+v", parent, sub)
	}
	if parent.StatusCategory != model.CategoryDone || parent.ResolvedAt == nil {
		t.Fatalf("done mapping: %+v", parent)
	}
	if parent.SprintExternalID != "clickup_sprint_list-1" {
		t.Fatalf("sprint binding: %q", parent.SprintExternalID)
	}
}

func TestClickUpDropdownFieldsResolved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/folder/folder-9/list":
			json.NewEncoder(w).Encode(map[string]any{"lists": []any{
				map[string]any{"id": "list-1", "name": "Sprint 1"},
			}})
		case "/list/list-1/task":
			json.NewEncoder(w).Encode(map[string]any{"tasks": []any{
				map[string]any{
					"id":           "task-1",
					"name":         "Story",
					"status":       map[string]any{"status": "open"},
					"date_created": "1767225600000",
					"date_updated": "1767225600000",
					"custom_fields": []any{
						map[string]any{
							"id":    "fld-ac",
							"value": float64(1),
							"type_config": map[string]any{"options": []any{
								map[string]any{"id": "opt-a", "name": "Incomplete", "orderindex": float64(0)},
								map[string]any{"id": "opt-b", "name": "Testable", "orderindex": float64(1)},
							}},
						},
						map[string]any{
							"id":    "fld-ut",
							"value": "opt-d",
							"type_config": map[string]any{"options": []any{
								map[string]any{"id": "opt-c", "name": "Not Started"},
								map[string]any{"id": "opt-d", "name": "Done"},
							}},
						},
						map[string]any{"id": "fld-ai", "value": float64(35)},
					},
				},
			}})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	conn, err := newClickUp(Config{
		SourceConfigID: "src-2",
		BaseURL:        srv.URL,
		Credential:     "cu-token",
		WorkspaceID:    "team-1",
		Settings:       map[string]any{"active_folder_id": "folder-9"},
		FieldMappings: map[string]string{
			"ac_quality":          "fld-ac",
			"unit_testing_status": "fld-ut",
			"ai_usage_percent":    "fld-ai",
		},
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}

	items, err := conn.FetchWorkItems(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("items: %d", len(items))
	}
	w := items[0].WorkItem
	// Dropdown values arrive as an option index or option id; the option
	// name is what the compliance mapping understands.
	if w.ACQuality != model.ACTestable {
		t.Errorf("ac quality: %q", w.ACQuality)
	}
	if w.UnitTestingStatus != model.UnitTestingDone {
		t.Errorf("unit testing: %q", w.UnitTestingStatus)
	}
	if w.AIUsagePercent == nil || *w.AIUsagePercent != 35 {
		t.Errorf("ai usage: %v", w.AIUsagePercent)
	}
}

func TestGitHubPaginationAndChecks(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/acme/app/pulls":
			if r.URL.Query().Get("page") == "2" {
				json.NewEncoder(w).Encode([]any{prPayload(12, "closed", "")})
				return
			}
			w.Header().Set("Link", fmt.Sprintf(`<%s/repos/acme/app/pulls?page=2>; rel="next"`, srv.URL))
			json.NewEncoder(w).Encode([]any{prPayload(11, "closed", "2026-04-01T10:00:00Z")})
		case "/repos/acme/app/pulls/11/reviews":
			json.NewEncoder(w).Encode([]any{
				map[string]any{"state": "APPROVED", "user": map[string]any{"login": "lin", "email": "lin@acme.test"}},
				map[string]any{"state": "COMMENTED", "user": map[string]any{"login": "lin", "email": "lin@acme.test"}},
				map[string]any{"state": "COMMENTED", "user": map[string]any{"login": "ada"}},
			})
		case "/repos/acme/app/pulls/12/reviews":
			json.NewEncoder(w).Encode([]any{})
		case "/repos/acme/app/commits/sha-11/check-runs", "/repos/acme/app/commits/sha-12/check-runs":
			json.NewEncoder(w).Encode(map[string]any{"check_runs": []any{
				map[string]any{"name": "build", "status": "completed", "conclusion": "success"},
				map[string]any{"name": "lint", "status": "completed", "conclusion": "timed_out"},
				map[string]any{"name": "e2e", "status": "in_progress", "conclusion": nil},
				map[string]any{"name": "deploy", "status": "completed", "conclusion": "skipped"},
			}})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	conn, err := newGitHub(Config{
		SourceConfigID: "src-3",
		BaseURL:        srv.URL,
		Credential:     "gh-token",
		WorkspaceID:    "acme",
		Settings:       map[string]any{"repositories": "app"},
		HTTPClient:     srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}

	prs, err := conn.FetchPullRequests(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(prs) != 2 {
		t.Fatalf("pagination lost pages: %d prs", len(prs))
	}

	merged := prs[0]
	if merged.ExternalID != "app#11" || merged.Status != "merged" || merged.MergedAt == nil {
		t.Fatalf("merged pr: %+v", merged.PullRequest)
	}
	if prs[1].Status != "closed" {
		t.Fatalf("closed pr: %+v", prs[1].PullRequest)
	}
	// One distinct reviewer; repeat reviews and the author collapse out.
	if len(merged.Reviewers) != 1 || merged.Reviewers[0].ExternalID != "lin" || merged.Reviewers[0].Email != "lin@acme.test" {
		t.Fatalf("reviewers: %+v", merged.Reviewers)
	}
	if len(prs[1].Reviewers) != 0 {
		t.Fatalf("unreviewed pr grew reviewers: %+v", prs[1].Reviewers)
	}

	states := map[string]model.CheckState{}
	for _, c := range merged.Checks {
		states[c.Name] = c.State
	}
	want := map[string]model.CheckState{
		"build":  model.CheckSuccess,
		"lint":   model.CheckFailure,
		"e2e":    model.CheckPending,
		"deploy": model.CheckError,
	}
	for name, state := range want {
		if states[name] != state {
			t.Errorf("check %s: got %q, want %q", name, states[name], state)
		}
	}
}

func prPayload(number int, state, mergedAt string) map[string]any {
	p := map[string]any{
		"number":     float64(number),
		"title":      fmt.Sprintf("PROJ-%d: change", number),
		"state":      state,
		"created_at": "2026-03-20T08:00:00Z",
		"updated_at": "2026-04-01T10:00:00Z",
		"user":       map[string]any{"login": "ada"},
		"head":       map[string]any{"ref": fmt.Sprintf("feature/PROJ-%d", number), "sha": fmt.Sprintf("sha-%d", number)},
		"base":       map[string]any{"ref": "main"},
	}
	if mergedAt != "" {
		p["merged_at"] = mergedAt
	}
	return p
}

func TestAzureWorkItemBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/proj/_apis/wit/wiql":
			json.NewEncoder(w).Encode(map[string]any{"workItems": []any{
				map[string]any{"id": float64(301)},
			}})
		case "/_apis/wit/workitems":
			if ids := r.URL.Query().Get("ids"); ids != "301" {
				t.Fatalf("batch ids: %q", ids)
			}
			json.NewEncoder(w).Encode(map[string]any{"value": []any{
				map[string]any{
					"id": float64(301),
					"fields": map[string]any{
						"System.Title":        "Fix crash",
						"System.WorkItemType": "Bug",
						"System.State":        "Done",
						"System.IterationPath": "proj\\Sprint 3",
						"System.CreatedDate":  "2026-02-01T08:00:00Z",
						"System.ChangedDate":  "2026-02-10T08:00:00Z",
						"System.AssignedTo": map[string]any{
							"displayName": "Sam Li",
							"uniqueName":  "sam@acme.test",
						},
						"Microsoft.VSTS.Common.ClosedDate":      "2026-02-10T08:00:00Z",
						"Microsoft.VSTS.Scheduling.StoryPoints": 3.0,
						"Custom.ACQuality":                      "Testable",
						"Custom.UnitTestingStatus":              "Done",
						"Custom.ReviewerDMTSignoff":             true,
						"Custom.AIUsagePercentage":              40.0,
						"Custom.CoveragePercentageChange":       2.5,
						"Custom.DMTExceptionRequired":           false,
					},
				},
			}})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	conn, err := newAzureDevOps(Config{
		SourceConfigID: "src-4",
		BaseURL:        srv.URL,
		Credential:     "pat-1",
		Settings:       map[string]any{"project": "proj"},
		HistoricalDays: 30,
		HTTPClient:     srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}

	items, err := conn.FetchWorkItems(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("items: %d", len(items))
	}
	w := items[0].WorkItem
	if w.ExternalID != "301" || w.ItemType != model.ItemBug || w.StatusCategory != model.CategoryDone {
		t.Fatalf("mapping: %+v", w)
	}
	if w.SprintExternalID != "proj\\Sprint 3" {
		t.Fatalf("iteration path: %q", w.SprintExternalID)
	}
	if items[0].Assignee.Email != "sam@acme.test" {
		t.Fatalf("assignee: %+v", items[0].Assignee)
	}
	// The Custom.* process-template fields map without any configured
	// field mappings.
	if w.ACQuality != model.ACTestable || w.UnitTestingStatus != model.UnitTestingDone || !w.ReviewerDMTSignoff {
		t.Fatalf("compliance fields: %+v", w)
	}
	if w.AIUsagePercent == nil || *w.AIUsagePercent != 40 {
		t.Fatalf("ai usage: %v", w.AIUsagePercent)
	}
	if w.CoveragePercent == nil || *w.CoveragePercent != 2.5 {
		t.Fatalf("coverage: %v", w.CoveragePercent)
	}
	if w.DMTExceptionRequired {
		t.Fatal("exception flag set from a false field")
	}
}

func TestAzurePullRequestReviewers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proj/_apis/git/pullrequests" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"value": []any{
			map[string]any{
				"pullRequestId": float64(7),
				"title":         "Fix crash",
				"status":        "completed",
				"creationDate":  "2026-02-01T08:00:00Z",
				"closedDate":    "2026-02-02T08:00:00Z",
				"createdBy": map[string]any{
					"uniqueName":  "sam@acme.test",
					"displayName": "Sam Li",
				},
				"repository": map[string]any{"name": "app"},
				"reviewers": []any{
					map[string]any{"uniqueName": "lin@acme.test", "displayName": "Lin Chen", "vote": float64(10)},
					map[string]any{"uniqueName": "idle@acme.test", "displayName": "Idle", "vote": float64(0)},
					map[string]any{"uniqueName": "sam@acme.test", "displayName": "Sam Li", "vote": float64(10)},
				},
			},
		}})
	}))
	defer srv.Close()

	conn, err := newAzureDevOps(Config{
		SourceConfigID: "src-4",
		BaseURL:        srv.URL,
		Credential:     "pat-1",
		Settings:       map[string]any{"project": "proj"},
		HTTPClient:     srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}

	prs, err := conn.FetchPullRequests(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(prs) != 1 {
		t.Fatalf("prs: %d", len(prs))
	}
	if prs[0].Status != "merged" || prs[0].MergedAt == nil {
		t.Fatalf("completed pr: %+v", prs[0].PullRequest)
	}
	// Zero-vote reviewers never acted; the author reviewing their own PR
	// does not count.
	if len(prs[0].Reviewers) != 1 || prs[0].Reviewers[0].Email != "lin@acme.test" {
		t.Fatalf("reviewers: %+v", prs[0].Reviewers)
	}
}

func TestClickUpListFolders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/team/team-1/space":
			json.NewEncoder(w).Encode(map[string]any{"spaces": []any{
				map[string]any{"id": "space-1", "name": "Engineering"},
			}})
		case "/space/space-1/folder":
			json.NewEncoder(w).Encode(map[string]any{"folders": []any{
				map[string]any{"id": "folder-1", "name": "Sprints 2026"},
				map[string]any{"id": "folder-2", "name": "Backlog"},
			}})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	conn, err := newClickUp(Config{
		BaseURL:     srv.URL,
		Credential:  "cu-token",
		WorkspaceID: "team-1",
		HTTPClient:  srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}

	folders, err := conn.ListFolders(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(folders) != 2 {
		t.Fatalf("folders: %+v", folders)
	}
	if folders[0].ID != "folder-1" || folders[0].Name != "Sprints 2026" {
		t.Fatalf("first folder: %+v", folders[0])
	}
}

func TestJiraListFoldersPaginates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/agile/1.0/board" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("startAt") == "0" {
			json.NewEncoder(w).Encode(map[string]any{
				"isLast": false,
				"values": []any{map[string]any{"id": float64(1), "name": "Alpha board"}},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"isLast": true,
			"values": []any{map[string]any{"id": float64(2), "name": "Beta board"}},
		})
	}))
	defer srv.Close()

	conn, err := newJira(Config{
		BaseURL:    srv.URL,
		Username:   "dev@acme.test",
		Credential: "token-1",
		Settings:   map[string]any{"project_key": "PROJ"},
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}

	folders, err := conn.ListFolders(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(folders) != 2 || folders[0].ID != "1" || folders[1].Name != "Beta board" {
		t.Fatalf("folders: %+v", folders)
	}
}

func TestGitHubListFoldersUserFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orgs/ada/repos":
			w.WriteHeader(http.StatusNotFound)
		case "/users/ada/repos":
			json.NewEncoder(w).Encode([]any{
				map[string]any{"name": "app", "full_name": "ada/app"},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	conn, err := newGitHub(Config{
		BaseURL:     srv.URL,
		Credential:  "gh-token",
		WorkspaceID: "ada",
		HTTPClient:  srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}

	folders, err := conn.ListFolders(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(folders) != 1 || folders[0].ID != "app" || folders[0].Name != "ada/app" {
		t.Fatalf("folders: %+v", folders)
	}
}

func TestConnectorAuthFailureClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	conn, err := newJira(Config{
		BaseURL:    srv.URL,
		Username:   "x@y.z",
		Credential: "bad",
		Settings:   map[string]any{"project_key": "PROJ"},
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}

	err = conn.TestConnection(context.Background())
	if !IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}
