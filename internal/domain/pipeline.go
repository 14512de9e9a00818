package domain

import "time"

// Runner identifies which phase a Session drives.
type Runner string

const (
	RunnerEvaluation     Runner = "evaluation"
	RunnerImplementation Runner = "implementation"
)

// Session is a handle for one remote attempt of one phase of one task.
type Session struct {
	ID        string
	TaskID    string
	Runner    Runner
	CreatedAt time.Time
}

// PipelineStatus is the internal status alphabet every CI provider status is
// mapped onto (§4.4).
type PipelineStatus string

const (
	PipelinePending  PipelineStatus = "pending"
	PipelineRunning  PipelineStatus = "running"
	PipelineSuccess  PipelineStatus = "success"
	PipelineFailed   PipelineStatus = "failed"
	PipelineCanceled PipelineStatus = "canceled"
)

// Terminal reports whether status can never transition further (§8 invariant 3).
func (s PipelineStatus) Terminal() bool {
	switch s {
	case PipelineSuccess, PipelineFailed, PipelineCanceled:
		return true
	default:
		return false
	}
}

// PipelineExecution is one row per remote CI run.
type PipelineExecution struct {
	ID                string
	SessionID         string
	WorkerRepositoryID string
	PipelineID        string // opaque id assigned by the CI provider
	Status            PipelineStatus
	LastStatusUpdate  *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ArtifactType discriminates the metadata shape of a PipelineArtifact.
type ArtifactType string

const (
	ArtifactMergeRequest     ArtifactType = "merge_request"
	ArtifactIssue            ArtifactType = "issue"
	ArtifactBranch           ArtifactType = "branch"
	ArtifactCommit           ArtifactType = "commit"
	ArtifactExecutionResult  ArtifactType = "execution_result"
	ArtifactText             ArtifactType = "text"
	ArtifactTaskEvaluation   ArtifactType = "task_evaluation"
	ArtifactTaskImplementation ArtifactType = "task_implementation"
)

// PipelineArtifact is the canonical record of what a pipeline produced.
type PipelineArtifact struct {
	ID                  string
	PipelineExecutionID string
	ArtifactType        ArtifactType
	ReferenceURL        string
	Metadata            []byte // JSONB, shape depends on ArtifactType
	CreatedAt           time.Time
}

// TextArtifactMetadata is the shape of an ArtifactText metadata blob produced
// by an evaluation pipeline (§4.11a).
type TextArtifactMetadata struct {
	TaskID  string `json:"task_id"`
	IsReady *bool  `json:"is_ready,omitempty"`
	Report  string `json:"report,omitempty"`
}

// MergeRequestArtifactMetadata is the shape of an ArtifactMergeRequest metadata blob.
type MergeRequestArtifactMetadata struct {
	FileSpaceID string `json:"file_space_id"`
	Number      int    `json:"number"`
	Branch      string `json:"branch"`
}

// WorkerRepository is the per-project repository the CI templates are
// pushed to and pipelines are triggered against.
type WorkerRepository struct {
	ID             string
	ProjectID      string
	SourceHost     string
	SourceProjectID string
	SourcePath     string
	AccessTokenCiphertext []byte
	CurrentVersion int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FileSpaceType discriminates the provider a FileSpace pushes to.
type FileSpaceType string

const (
	FileSpaceGitLab FileSpaceType = "gitlab"
	FileSpaceGitHub FileSpaceType = "github"
)

// FileSpace is a destination repository for implementation pushes.
type FileSpace struct {
	ID             string
	ProjectID      string
	Name           string
	Type           FileSpaceType
	Enabled        bool
	DefaultBranch  string
	Config         []byte // JSONB, discriminated by Type
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// GitLabFileSpaceConfig is the discriminated config payload for gitlab FileSpaces.
type GitLabFileSpaceConfig struct {
	Host      string `json:"host"`
	ProjectID string `json:"project_id"`
	SecretID  string `json:"secret_id"`
}

// GitHubFileSpaceConfig is the discriminated config payload for github FileSpaces.
type GitHubFileSpaceConfig struct {
	Owner    string `json:"owner"`
	Repo     string `json:"repo"`
	SecretID string `json:"secret_id"`
}

// UserQuota tracks per-user soft/hard evaluation limits (§4.6).
type UserQuota struct {
	UserID       string
	SimpleUsed   int
	SimpleSoft   int
	SimpleHard   int
	AdvancedUsed int
	AdvancedSoft int
	AdvancedHard int
	UpdatedAt    time.Time
}
