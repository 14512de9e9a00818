package domain

import "time"

// TaskSourceType discriminates the config/issue payload a task source carries.
type TaskSourceType string

const (
	TaskSourceGitLabIssues TaskSourceType = "gitlab_issues"
	TaskSourceGitHubIssues TaskSourceType = "github_issues"
	TaskSourceJira         TaskSourceType = "jira"
	TaskSourceManual       TaskSourceType = "manual"
)

// SyncStatus is the lifecycle of one task source's ingestion state.
type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusQueued   SyncStatus = "queued"
	SyncStatusSyncing  SyncStatus = "syncing"
	SyncStatusComplete SyncStatus = "completed"
	SyncStatusFailed   SyncStatus = "failed"
)

// TaskSource is a configured connection to an external issue tracker.
type TaskSource struct {
	ID           string
	ProjectID    string
	Name         string
	Enabled      bool
	Type         TaskSourceType
	Config       []byte // JSONB, discriminated by Type
	SyncStatus   SyncStatus
	SyncError    string
	LastSyncedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Syncable reports whether the source is eligible to be driven through
// SyncTaskSource at all (§4.5 step 2).
func (t *TaskSource) Syncable() bool {
	return t.Enabled && t.Type != TaskSourceManual
}

// GitLabSourceConfig is the discriminated config payload for gitlab_issues sources.
type GitLabSourceConfig struct {
	Host      string   `json:"host"`
	ProjectID string   `json:"project_id"`
	Repo      string   `json:"repo"`
	Labels    []string `json:"labels,omitempty"`
	SecretID  string   `json:"secret_id,omitempty"`
}

// GitHubSourceConfig is the discriminated config payload for github_issues sources.
type GitHubSourceConfig struct {
	Owner    string   `json:"owner"`
	Repo     string   `json:"repo"`
	Labels   []string `json:"labels,omitempty"`
	SecretID string   `json:"secret_id,omitempty"`
}

// JiraSourceConfig is the discriminated config payload for jira sources.
type JiraSourceConfig struct {
	Host       string `json:"host"`
	ProjectKey string `json:"project_key"`
	JQL        string `json:"jql,omitempty"`
	SecretID   string `json:"secret_id,omitempty"`
}

// TaskSourceSyncState caches the last-seen remote updated-at per issue so the
// sync pipeline can distinguish new/updated/unchanged issues (§3).
type TaskSourceSyncState struct {
	TaskSourceID   string
	IssueID        string
	IssueUpdatedAt time.Time
}
