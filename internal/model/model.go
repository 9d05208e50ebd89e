// Package model defines the normalized records shared by the connectors,
// the compliance evaluator, the aggregator and the storage layer. Vendor
// payloads are mapped into these types before anything else touches them.
package model

import "time"

// SourceType identifies a supported vendor.
type SourceType string

const (
	SourceJira        SourceType = "jira"
	SourceClickUp     SourceType = "clickup"
	SourceAzureDevOps SourceType = "azure_devops"
	SourceGitHub      SourceType = "github"
)

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	TenantActive   TenantStatus = "active"
	TenantInactive TenantStatus = "inactive"
	TenantPending  TenantStatus = "pending"
)

// SyncStatus is the last observed outcome of a source sync.
type SyncStatus string

const (
	SyncSuccess    SyncStatus = "success"
	SyncFailed     SyncStatus = "failed"
	SyncInProgress SyncStatus = "in_progress"
	SyncNever      SyncStatus = "never"
)

// ItemType classifies a work item.
type ItemType string

const (
	ItemStory ItemType = "story"
	ItemBug   ItemType = "bug"
	ItemTask  ItemType = "task"
	ItemEpic  ItemType = "epic"
)

// StatusCategory is the normalized workflow bucket for a raw vendor status.
type StatusCategory string

const (
	CategoryTodo       StatusCategory = "todo"
	CategoryInProgress StatusCategory = "in_progress"
	CategoryDone       StatusCategory = "done"
)

// ACQuality grades the acceptance criteria on a work item.
type ACQuality string

const (
	ACIncomplete ACQuality = "incomplete"
	ACTestable   ACQuality = "testable"
	ACFinal      ACQuality = "final"
)

// UnitTestingStatus tracks the unit-testing gate on a work item.
type UnitTestingStatus string

const (
	UnitTestingNotStarted        UnitTestingStatus = "not_started"
	UnitTestingInProgress        UnitTestingStatus = "in_progress"
	UnitTestingDone              UnitTestingStatus = "done"
	UnitTestingExceptionApproved UnitTestingStatus = "exception_approved"
)

// SprintStatus is derived from the sprint's dates on every sync.
type SprintStatus string

const (
	SprintBacklog   SprintStatus = "backlog"
	SprintPlanned   SprintStatus = "planned"
	SprintActive    SprintStatus = "active"
	SprintCompleted SprintStatus = "completed"
)

// CheckState is the normalized state of one PR status check.
type CheckState string

const (
	CheckPending CheckState = "pending"
	CheckSuccess CheckState = "success"
	CheckFailure CheckState = "failure"
	CheckError   CheckState = "error"
)

// SuggestionStatus tracks feedback on an AI suggestion.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionAccepted SuggestionStatus = "accepted"
	SuggestionRejected SuggestionStatus = "rejected"
)

// Tenant is a customer boundary. Slug doubles as the pub/sub channel key.
type Tenant struct {
	ID         string       `json:"id" db:"id"`
	Name       string       `json:"name" db:"name"`
	Slug       string       `json:"slug" db:"slug"`
	SchemaName string       `json:"schema_name" db:"schema_name"`
	Status     TenantStatus `json:"status" db:"status"`

	// Retention caps in months. Zero means the package default applies.
	RetentionWorkItemsMonths    int `json:"retention_work_items_months" db:"retention_work_items_months"`
	RetentionPullRequestsMonths int `json:"retention_pull_requests_months" db:"retention_pull_requests_months"`
	RetentionAIInsightsMonths   int `json:"retention_ai_insights_months" db:"retention_ai_insights_months"`

	AIProvider string `json:"ai_provider" db:"ai_provider"`
	AIModel    string `json:"ai_model" db:"ai_model"`
	AIAPIKey   string `json:"-" db:"ai_api_key"`
	AIBaseURL  string `json:"ai_base_url" db:"ai_base_url"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Project groups sources inside a tenant.
type Project struct {
	ID                string    `json:"id" db:"id"`
	TenantID          string    `json:"tenant_id" db:"tenant_id"`
	Name              string    `json:"name" db:"name"`
	Key               string    `json:"key" db:"key"`
	Description       string    `json:"description" db:"description"`
	Active            bool      `json:"active" db:"active"`
	CoverageThreshold float64   `json:"coverage_threshold" db:"coverage_threshold"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// SourceConfiguration is an authenticated binding of a project to one
// external system. The API credential is stored sealed.
type SourceConfiguration struct {
	ID         string     `json:"id" db:"id"`
	TenantID   string     `json:"tenant_id" db:"tenant_id"`
	ProjectID  string     `json:"project_id" db:"project_id"`
	SourceType SourceType `json:"source_type" db:"source_type"`
	Name       string     `json:"name" db:"name"`

	BaseURL          string `json:"base_url" db:"base_url"`
	CredentialSealed []byte `json:"-" db:"credential_sealed"`
	Username         string `json:"username" db:"username"`
	WorkspaceID      string `json:"workspace_id" db:"workspace_id"`

	ConfigJSON    map[string]any    `json:"config_json"`
	FieldMappings map[string]string `json:"field_mappings"`

	Active                bool       `json:"active" db:"active"`
	LastSyncAt            *time.Time `json:"last_sync_at"`
	LastSyncStatus        SyncStatus `json:"last_sync_status" db:"last_sync_status"`
	LastErrorMessage      string     `json:"last_error_message" db:"last_error_message"`
	ConsecutiveFailures   int        `json:"consecutive_failures" db:"consecutive_failures"`
	FailureAlertThreshold int        `json:"failure_alert_threshold" db:"failure_alert_threshold"`
	HistoricalImportDays  int        `json:"historical_import_days" db:"historical_import_days"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ActiveFolderID returns the admin-selected scope folder, if any.
func (s *SourceConfiguration) ActiveFolderID() string {
	if s.ConfigJSON == nil {
		return ""
	}
	v, _ := s.ConfigJSON["active_folder_id"].(string)
	return v
}

// User is a portal account. Accounts created by the identity resolver
// start inactive and cannot log in until an admin invites them.
type User struct {
	ID        string `json:"id" db:"id"`
	TenantID  string `json:"tenant_id" db:"tenant_id"`
	Username  string `json:"username" db:"username"`
	Email     string `json:"email" db:"email"`
	FirstName string `json:"first_name" db:"first_name"`
	LastName  string `json:"last_name" db:"last_name"`

	Active          bool   `json:"active" db:"active"`
	IsPlatformAdmin bool   `json:"is_platform_admin" db:"is_platform_admin"`
	IsManager       bool   `json:"is_manager" db:"is_manager"`
	ProfilePicture  string `json:"profile_picture" db:"profile_picture"`
	CustomTitle     string `json:"custom_title" db:"custom_title"`

	// Owned by the aggregator; cleared and rewritten on every run.
	CompetitiveTitle       string `json:"competitive_title" db:"competitive_title"`
	CompetitiveTitleReason string `json:"competitive_title_reason" db:"competitive_title_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ExternalIdentity links a vendor-stable user id to a portal user.
type ExternalIdentity struct {
	ID         string `json:"id" db:"id"`
	TenantID   string `json:"tenant_id" db:"tenant_id"`
	Provider   string `json:"provider" db:"provider"`
	ExternalID string `json:"external_id" db:"external_id"`
	UserID     string `json:"user_id" db:"user_id"`
}

// WorkItem is the normalized issue/task record. Unique per
// (source_config_id, external_id).
type WorkItem struct {
	ID             string         `json:"id" db:"id"`
	TenantID       string         `json:"tenant_id" db:"tenant_id"`
	SourceConfigID string         `json:"source_config_id" db:"source_config_id"`
	ExternalID     string         `json:"external_id" db:"external_id"`
	Title          string         `json:"title" db:"title"`
	Description    string         `json:"description" db:"description"`
	ItemType       ItemType       `json:"item_type" db:"item_type"`
	Status         string         `json:"status" db:"status"`
	StatusCategory StatusCategory `json:"status_category" db:"status_category"`

	// ParentExternalID forms a forest within one source, never a cycle.
	ParentExternalID string `json:"parent_external_id" db:"parent_external_id"`

	StoryPoints     *float64 `json:"story_points"`
	AIUsagePercent  *float64 `json:"ai_usage_percent"`
	CoveragePercent *float64 `json:"coverage_percent"`

	AssigneeEmail  string `json:"assignee_email" db:"assignee_email"`
	AssigneeName   string `json:"assignee_name" db:"assignee_name"`
	AssigneeUserID string `json:"assignee_user_id" db:"assignee_user_id"`

	SprintExternalID string `json:"sprint_external_id" db:"sprint_external_id"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
	StartedAt  *time.Time `json:"started_at"`
	ResolvedAt *time.Time `json:"resolved_at"`

	// DMT evidence fields.
	ACQuality            ACQuality         `json:"ac_quality" db:"ac_quality"`
	UnitTestingStatus    UnitTestingStatus `json:"unit_testing_status" db:"unit_testing_status"`
	PRLinks              []string          `json:"pr_links"`
	ReviewerDMTSignoff   bool              `json:"reviewer_dmt_signoff" db:"reviewer_dmt_signoff"`
	DMTExceptionRequired bool              `json:"dmt_exception_required" db:"dmt_exception_required"`
	DMTExceptionReason   string            `json:"dmt_exception_reason" db:"dmt_exception_reason"`
	DMTExceptionApprover string            `json:"dmt_exception_approver" db:"dmt_exception_approver"`

	// Derived by the compliance evaluator on every write.
	DMTCompliant       bool     `json:"dmt_compliant" db:"dmt_compliant"`
	ComplianceFailures []string `json:"compliance_failures"`
}

// HasParent reports whether the item is a subtask.
func (w *WorkItem) HasParent() bool { return w.ParentExternalID != "" }

// PullRequest is the normalized PR record. Unique per
// (source_config_id, external_id).
type PullRequest struct {
	ID             string `json:"id" db:"id"`
	TenantID       string `json:"tenant_id" db:"tenant_id"`
	SourceConfigID string `json:"source_config_id" db:"source_config_id"`
	ExternalID     string `json:"external_id" db:"external_id"`
	Title          string `json:"title" db:"title"`
	AuthorEmail    string `json:"author_email" db:"author_email"`
	AuthorUserID   string `json:"author_user_id" db:"author_user_id"`
	Status         string `json:"status" db:"status"`
	Repository     string `json:"repository" db:"repository"`
	SourceBranch   string `json:"source_branch" db:"source_branch"`
	TargetBranch   string `json:"target_branch" db:"target_branch"`

	// WorkItemExternalID is resolved from the PR title and source branch.
	WorkItemExternalID string `json:"work_item_external_id" db:"work_item_external_id"`

	// ReviewerEmails are the resolved addresses of everyone who reviewed
	// the PR. Feeds the per-developer review counts.
	ReviewerEmails []string `json:"reviewer_emails"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	MergedAt  *time.Time `json:"merged_at"`
}

// PullRequestCheck is one status check on a PR, unique per (pr, name).
type PullRequestCheck struct {
	ID            string     `json:"id" db:"id"`
	TenantID      string     `json:"tenant_id" db:"tenant_id"`
	PullRequestID string     `json:"pull_request_id" db:"pull_request_id"`
	Name          string     `json:"name" db:"name"`
	State         CheckState `json:"state" db:"state"`
}

// Sprint is a time-boxed container of work items, unique per external id.
type Sprint struct {
	ID         string       `json:"id" db:"id"`
	TenantID   string       `json:"tenant_id" db:"tenant_id"`
	ExternalID string       `json:"external_id" db:"external_id"`
	Name       string       `json:"name" db:"name"`
	StartDate  *time.Time   `json:"start_date"`
	EndDate    *time.Time   `json:"end_date"`
	Status     SprintStatus `json:"status" db:"status"`
}

// DeriveSprintStatus recomputes the sprint status from its dates.
// Unset dates mean backlog; otherwise the status follows the clock.
func DeriveSprintStatus(start, end *time.Time, now time.Time) SprintStatus {
	if start == nil || end == nil {
		return SprintBacklog
	}
	switch {
	case now.Before(*start):
		return SprintPlanned
	case !now.After(*end):
		return SprintActive
	default:
		return SprintCompleted
	}
}

// SprintMetrics is the per-sprint rollup, unique per
// (sprint_name, sprint_end_date, project). A nil project id is the
// tenant-global row. Rewritten by the aggregator, never edited by hand.
type SprintMetrics struct {
	ID            string     `json:"id" db:"id"`
	TenantID      string     `json:"tenant_id" db:"tenant_id"`
	SprintName    string     `json:"sprint_name" db:"sprint_name"`
	SprintEndDate *time.Time `json:"sprint_end_date"`
	ProjectID     string     `json:"project_id" db:"project_id"`

	Velocity         float64 `json:"velocity" db:"velocity"`
	StoryPoints      float64 `json:"story_points" db:"story_points"`
	ItemsCompleted   int     `json:"items_completed" db:"items_completed"`
	StoriesCompleted int     `json:"stories_completed" db:"stories_completed"`
	BugsCompleted    int     `json:"bugs_completed" db:"bugs_completed"`
	TotalItems       int     `json:"total_items" db:"total_items"`
	CompliantItems   int     `json:"compliant_items" db:"compliant_items"`
	ComplianceRate   float64 `json:"compliance_rate" db:"compliance_rate"`
	DefectDensity    float64 `json:"defect_density" db:"defect_density"`
	AvgCycleTimeDays float64 `json:"avg_cycle_time_days" db:"avg_cycle_time_days"`
	PRsMerged        int     `json:"prs_merged" db:"prs_merged"`
	PRsOpen          int     `json:"prs_open" db:"prs_open"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DeveloperMetrics is the per-developer rollup, unique per
// (developer_email, sprint_name, sprint_end_date, project).
type DeveloperMetrics struct {
	ID             string     `json:"id" db:"id"`
	TenantID       string     `json:"tenant_id" db:"tenant_id"`
	DeveloperEmail string     `json:"developer_email" db:"developer_email"`
	SprintName     string     `json:"sprint_name" db:"sprint_name"`
	SprintEndDate  *time.Time `json:"sprint_end_date"`
	ProjectID      string     `json:"project_id" db:"project_id"`

	CompletedPoints   float64 `json:"completed_points" db:"completed_points"`
	CompletedItems    int     `json:"completed_items" db:"completed_items"`
	PRsAuthored       int     `json:"prs_authored" db:"prs_authored"`
	PRsMerged         int     `json:"prs_merged" db:"prs_merged"`
	PRsReviewed       int     `json:"prs_reviewed" db:"prs_reviewed"`
	DefectsAttributed int     `json:"defects_attributed" db:"defects_attributed"`
	CoverageAvg       float64 `json:"coverage_avg" db:"coverage_avg"`
	AIUsageAvg        float64 `json:"ai_usage_avg" db:"ai_usage_avg"`
	ComplianceRate    float64 `json:"compliance_rate" db:"compliance_rate"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Suggestion is one actionable recommendation inside an AI insight.
type Suggestion struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Impact      string           `json:"impact"`
	Description string           `json:"description"`
	Status      SuggestionStatus `json:"status"`
	UpdatedAt   *time.Time       `json:"updated_at,omitempty"`
}

// AIInsight is one generated insight. Append-only per project; a blank
// project id means tenant-global.
type AIInsight struct {
	ID          string       `json:"id" db:"id"`
	TenantID    string       `json:"tenant_id" db:"tenant_id"`
	ProjectID   string       `json:"project_id" db:"project_id"`
	Summary     string       `json:"summary" db:"summary"`
	Suggestions []Suggestion `json:"suggestions"`
	Forecast    string       `json:"forecast" db:"forecast"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
}

// DailyMetric is the nightly operator audit row. SprintMetrics remains
// the dashboard's truth.
type DailyMetric struct {
	ID             string    `json:"id" db:"id"`
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	Date           string    `json:"date" db:"date"` // YYYY-MM-DD
	TotalItems     int       `json:"total_items" db:"total_items"`
	CompletedItems int       `json:"completed_items" db:"completed_items"`
	CompliantItems int       `json:"compliant_items" db:"compliant_items"`
	ComplianceRate float64   `json:"compliance_rate" db:"compliance_rate"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// TaskLog records one job execution.
type TaskLog struct {
	ID           string    `json:"id" db:"id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	TaskName     string    `json:"task_name" db:"task_name"`
	TargetID     string    `json:"target_id" db:"target_id"`
	Status       string    `json:"status" db:"status"`
	ErrorMessage string    `json:"error_message" db:"error_message"`
	DurationMS   int64     `json:"duration_ms" db:"duration_ms"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
