package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/shiplens/shiplens/internal/identity"
	"github.com/shiplens/shiplens/internal/model"
)

// githubConnector talks to the GitHub REST API. It only contributes
// pull requests and their status checks; sprints and work items come
// from a work tracking source.
type githubConnector struct {
	cfg     Config
	client  *http.Client
	baseURL string
	owner   string
	repos   []string
}

func newGitHub(cfg Config) (*githubConnector, error) {
	if cfg.Credential == "" {
		return nil, &SyncError{Code: CodeConfigInvalid, Message: "github: access token is required"}
	}
	owner := firstNonEmpty(cfg.setting("owner"), cfg.WorkspaceID)
	if owner == "" {
		return nil, &SyncError{Code: CodeConfigInvalid, Message: "github: owner is required"}
	}

	var repos []string
	switch v := cfg.Settings["repositories"].(type) {
	case string:
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				repos = append(repos, r)
			}
		}
	case []any:
		for _, item := range v {
			if r, ok := item.(string); ok && r != "" {
				repos = append(repos, r)
			}
		}
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.github.com"
	}
	return &githubConnector{
		cfg:     cfg,
		client:  cfg.httpClient(),
		baseURL: strings.TrimSuffix(base, "/"),
		owner:   owner,
		repos:   repos,
	}, nil
}

func (g *githubConnector) SourceType() model.SourceType { return model.SourceGitHub }

// get follows one URL and returns body plus the rel="next" link, which
// is how GitHub paginates.
func (g *githubConnector) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", &SyncError{Code: CodeConfigInvalid, Message: "github: bad request", Detail: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.Credential)
	req.Header.Set("Accept", "application/vnd.github+json")

	body, resp, err := doJSON(g.client, req, "github")
	if err != nil {
		return nil, "", err
	}
	return body, nextLink(resp.Header.Get("Link")), nil
}

// nextLink extracts the rel="next" URL from a Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		section := strings.Split(part, ";")
		if len(section) < 2 {
			continue
		}
		if strings.TrimSpace(section[1]) == `rel="next"` {
			u := strings.TrimSpace(section[0])
			return strings.Trim(u, "<>")
		}
	}
	return ""
}

func (g *githubConnector) TestConnection(ctx context.Context) error {
	if len(g.repos) == 0 {
		_, _, err := g.get(ctx, g.baseURL+"/user")
		return err
	}
	_, _, err := g.get(ctx, g.baseURL+"/repos/"+g.owner+"/"+g.repos[0])
	return err
}

// ListFolders enumerates the owner's repositories so the admin can pick
// which ones to pull. Organization owners are tried first; a permanent
// miss falls back to the user listing.
func (g *githubConnector) ListFolders(ctx context.Context) ([]Folder, error) {
	repos, err := g.listRepos(ctx, g.baseURL+"/orgs/"+g.owner+"/repos?per_page=100")
	if err != nil {
		var se *SyncError
		if errors.As(err, &se) && se.Code == CodePermanent {
			return g.listRepos(ctx, g.baseURL+"/users/"+g.owner+"/repos?per_page=100")
		}
		return nil, err
	}
	return repos, nil
}

func (g *githubConnector) listRepos(ctx context.Context, startURL string) ([]Folder, error) {
	var out []Folder
	next := startURL
	for next != "" {
		body, link, err := g.get(ctx, next)
		if err != nil {
			return nil, err
		}
		var repos []map[string]any
		if err := json.Unmarshal(body, &repos); err != nil {
			return nil, &SyncError{Code: CodeParseError, Message: "github: failed to parse repositories", Detail: err.Error()}
		}
		for _, raw := range repos {
			out = append(out, Folder{
				ID:   stringField(raw, "name"),
				Name: stringField(raw, "full_name"),
			})
		}
		next = link
	}
	return out, nil
}

// FetchSprints is outside GitHub's domain.
func (g *githubConnector) FetchSprints(context.Context) ([]model.Sprint, error) {
	return nil, nil
}

// FetchWorkItems is outside GitHub's domain.
func (g *githubConnector) FetchWorkItems(context.Context) ([]Item, error) {
	return nil, nil
}

// FetchPullRequests pages through every configured repository's PRs
// and attaches the head commit's check runs.
func (g *githubConnector) FetchPullRequests(ctx context.Context) ([]PRBundle, error) {
	if len(g.repos) == 0 {
		return nil, &SyncError{Code: CodeConfigInvalid, Message: "github: at least one repository is required"}
	}
	var out []PRBundle
	for _, repo := range g.repos {
		query := url.Values{}
		query.Set("state", "all")
		query.Set("per_page", "100")
		query.Set("sort", "updated")
		query.Set("direction", "desc")
		next := g.baseURL + "/repos/" + g.owner + "/" + repo + "/pulls?" + query.Encode()

		for next != "" {
			body, link, err := g.get(ctx, next)
			if err != nil {
				return nil, err
			}

			var prs []map[string]any
			if err := json.Unmarshal(body, &prs); err != nil {
				return nil, &SyncError{Code: CodeParseError, Message: "github: failed to parse pull requests", Detail: err.Error()}
			}

			for _, raw := range prs {
				bundle := g.mapPullRequest(raw, repo)
				checks, err := g.fetchChecks(ctx, repo, stringField(mapField(raw, "head"), "sha"))
				if err != nil {
					return nil, err
				}
				bundle.Checks = checks
				reviewers, err := g.fetchReviewers(ctx, repo, stringField(raw, "number"), bundle.Author.ExternalID)
				if err != nil {
					return nil, err
				}
				bundle.Reviewers = reviewers
				out = append(out, bundle)
			}
			next = link
		}
	}
	return out, nil
}

func (g *githubConnector) mapPullRequest(raw map[string]any, repo string) PRBundle {
	user := mapField(raw, "user")
	ref := identity.Ref{
		Provider:    string(model.SourceGitHub),
		ExternalID:  stringField(user, "login"),
		DisplayName: firstNonEmpty(stringField(user, "name"), stringField(user, "login")),
		Email:       stringField(user, "email"),
	}

	pr := model.PullRequest{
		SourceConfigID: g.cfg.SourceConfigID,
		ExternalID:     repo + "#" + stringField(raw, "number"),
		Title:          stringField(raw, "title"),
		AuthorEmail:    ref.Email,
		Repository:     repo,
		SourceBranch:   stringField(mapField(raw, "head"), "ref"),
		TargetBranch:   stringField(mapField(raw, "base"), "ref"),
		CreatedAt:      parseRFC3339(stringField(raw, "created_at")),
		UpdatedAt:      parseRFC3339(stringField(raw, "updated_at")),
	}

	switch {
	case stringField(raw, "merged_at") != "":
		pr.Status = "merged"
		t := parseRFC3339(stringField(raw, "merged_at"))
		pr.MergedAt = &t
	case stringField(raw, "state") == "closed":
		pr.Status = "closed"
	default:
		pr.Status = "open"
	}

	return PRBundle{PullRequest: pr, Author: ref}
}

// fetchChecks returns the check runs on a commit, normalized. A run
// that has not completed is pending regardless of conclusion; a
// completed run maps success to success, failure, timed_out and
// cancelled to failure, and anything else to error.
func (g *githubConnector) fetchChecks(ctx context.Context, repo, sha string) ([]model.PullRequestCheck, error) {
	if sha == "" {
		return nil, nil
	}
	body, _, err := g.get(ctx, g.baseURL+"/repos/"+g.owner+"/"+repo+"/commits/"+sha+"/check-runs")
	if err != nil {
		return nil, err
	}

	var page struct {
		CheckRuns []map[string]any `json:"check_runs"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &SyncError{Code: CodeParseError, Message: "github: failed to parse check runs", Detail: err.Error()}
	}

	out := make([]model.PullRequestCheck, 0, len(page.CheckRuns))
	for _, run := range page.CheckRuns {
		out = append(out, model.PullRequestCheck{
			Name:  stringField(run, "name"),
			State: mapCheckState(stringField(run, "status"), stringField(run, "conclusion")),
		})
	}
	return out, nil
}

// fetchReviewers returns the distinct users who submitted a review on
// the PR, the author excluded.
func (g *githubConnector) fetchReviewers(ctx context.Context, repo, number, authorLogin string) ([]identity.Ref, error) {
	if number == "" {
		return nil, nil
	}
	body, _, err := g.get(ctx, g.baseURL+"/repos/"+g.owner+"/"+repo+"/pulls/"+number+"/reviews")
	if err != nil {
		return nil, err
	}

	var reviews []map[string]any
	if err := json.Unmarshal(body, &reviews); err != nil {
		return nil, &SyncError{Code: CodeParseError, Message: "github: failed to parse reviews", Detail: err.Error()}
	}

	seen := map[string]bool{}
	var out []identity.Ref
	for _, review := range reviews {
		user := mapField(review, "user")
		login := stringField(user, "login")
		if login == "" || login == authorLogin || seen[login] {
			continue
		}
		seen[login] = true
		out = append(out, identity.Ref{
			Provider:    string(model.SourceGitHub),
			ExternalID:  login,
			DisplayName: firstNonEmpty(stringField(user, "name"), login),
			Email:       stringField(user, "email"),
		})
	}
	return out, nil
}

func mapCheckState(status, conclusion string) model.CheckState {
	if status != "completed" {
		return model.CheckPending
	}
	switch conclusion {
	case "success":
		return model.CheckSuccess
	case "failure", "timed_out", "cancelled":
		return model.CheckFailure
	default:
		return model.CheckError
	}
}
