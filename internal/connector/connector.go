// Package connector pulls work tracking data out of the supported
// vendors and maps it onto the normalized model. Each connector hides
// its vendor's pagination, auth scheme and payload shape; the ETL
// orchestrator only sees sprints, work items and pull requests.
package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shiplens/shiplens/internal/identity"
	"github.com/shiplens/shiplens/internal/model"
)

// Item is a normalized work item plus the vendor reference of its
// assignee, resolved later by the identity resolver.
type Item struct {
	model.WorkItem
	Assignee identity.Ref
}

// PRBundle is a normalized pull request with its status checks and the
// vendor references of its author and reviewers.
type PRBundle struct {
	model.PullRequest
	Checks    []model.PullRequestCheck
	Author    identity.Ref
	Reviewers []identity.Ref
}

// Folder is one scoping option a vendor offers: a ClickUp folder, a
// Jira board, an Azure DevOps project or a GitHub repository. The admin
// picks one to narrow what a sync pulls.
type Folder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Connector is one authenticated vendor binding. Work tracking vendors
// return sprints and items; code hosting vendors return pull requests.
// A method outside a vendor's domain returns empty without error.
type Connector interface {
	SourceType() model.SourceType
	TestConnection(ctx context.Context) error
	ListFolders(ctx context.Context) ([]Folder, error)
	FetchSprints(ctx context.Context) ([]model.Sprint, error)
	FetchWorkItems(ctx context.Context) ([]Item, error)
	FetchPullRequests(ctx context.Context) ([]PRBundle, error)
}

// Config carries everything a connector needs, with the credential
// already unsealed.
type Config struct {
	SourceConfigID string
	BaseURL        string
	Credential     string
	Username       string
	WorkspaceID    string
	Settings       map[string]any
	FieldMappings  map[string]string

	// HistoricalDays bounds the initial import window.
	HistoricalDays int

	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func (c Config) setting(key string) string {
	if c.Settings == nil {
		return ""
	}
	v, _ := c.Settings[key].(string)
	return v
}

// New builds the connector for a source type.
func New(sourceType model.SourceType, cfg Config) (Connector, error) {
	switch sourceType {
	case model.SourceJira:
		return newJira(cfg)
	case model.SourceClickUp:
		return newClickUp(cfg)
	case model.SourceAzureDevOps:
		return newAzureDevOps(cfg)
	case model.SourceGitHub:
		return newGitHub(cfg)
	default:
		return nil, &SyncError{Code: CodeConfigInvalid, Message: fmt.Sprintf("unsupported source type: %s", sourceType)}
	}
}

// Error codes.
const (
	CodeConfigInvalid = "config_invalid"
	CodeAuthFailed    = "auth_failed"
	CodeTransient     = "transient"
	CodePermanent     = "permanent"
	CodeParseError    = "parse_error"
)

// SyncError is a classified vendor failure. The code decides whether
// the job scheduler retries (transient) or fails fast (everything
// else).
type SyncError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (e *SyncError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsTransient reports whether an error is worth retrying. Network
// failures and context timeouts count as transient even when they
// never reached classification.
func IsTransient(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == CodeTransient
	}
	return true
}

// IsAuthError reports whether an error is a credential problem.
func IsAuthError(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Code == CodeAuthFailed
}

// classifyHTTPStatus maps a non-2xx vendor response to a SyncError.
func classifyHTTPStatus(vendor string, status int, body []byte) *SyncError {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 500 {
		detail = detail[:500]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &SyncError{Code: CodeAuthFailed, Message: fmt.Sprintf("%s rejected the credential (HTTP %d)", vendor, status), Detail: detail}
	case status == http.StatusTooManyRequests:
		return &SyncError{Code: CodeTransient, Message: fmt.Sprintf("%s rate limited the sync", vendor), Detail: detail}
	case status >= 500:
		return &SyncError{Code: CodeTransient, Message: fmt.Sprintf("%s returned HTTP %d", vendor, status), Detail: detail}
	default:
		return &SyncError{Code: CodePermanent, Message: fmt.Sprintf("%s returned HTTP %d", vendor, status), Detail: detail}
	}
}

// doJSON issues a request and returns the body, classifying failures.
func doJSON(client *http.Client, req *http.Request, vendor string) ([]byte, *http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, nil, &SyncError{Code: CodeTransient, Message: fmt.Sprintf("%s request timed out", vendor), Detail: err.Error()}
		}
		return nil, nil, &SyncError{Code: CodeTransient, Message: fmt.Sprintf("%s unreachable", vendor), Detail: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, nil, &SyncError{Code: CodeTransient, Message: fmt.Sprintf("%s response truncated", vendor), Detail: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, classifyHTTPStatus(vendor, resp.StatusCode, body)
	}
	return body, resp, nil
}

// JSON field helpers for vendor payloads decoded into map[string]any.

func mapField(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := m[key].(map[string]any)
	return out
}

func sliceField(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	out, _ := m[key].([]any)
	return out
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", t))
	}
}

func floatField(m map[string]any, key string) *float64 {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case float64:
		return &v
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			return &f
		}
	}
	return nil
}

func boolField(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
