package domain

import "time"

// RemoteStatus mirrors the open/closed state of the originating issue.
type RemoteStatus string

const (
	RemoteStatusOpened RemoteStatus = "opened"
	RemoteStatusClosed RemoteStatus = "closed"
)

// EvalStatus is the shared state alphabet used by both the simple and the
// advanced evaluation phases (§3).
type EvalStatus string

const (
	EvalNotStarted EvalStatus = "not_started"
	EvalPending    EvalStatus = "pending"
	EvalQueued     EvalStatus = "queued"
	EvalEvaluating EvalStatus = "evaluating"
	EvalCompleted  EvalStatus = "completed"
	EvalFailed     EvalStatus = "failed"
)

// ImplStatus is the shared state alphabet for implementation.
type ImplStatus string

const (
	ImplNotStarted  ImplStatus = "not_started"
	ImplPending     ImplStatus = "pending"
	ImplQueued      ImplStatus = "queued"
	ImplImplementing ImplStatus = "implementing"
	ImplCompleted   ImplStatus = "completed"
	ImplFailed      ImplStatus = "failed"
	ImplCanceled    ImplStatus = "canceled"
)

// Verdict is the outcome of an evaluation phase.
type Verdict string

const (
	VerdictReady              Verdict = "ready"
	VerdictNeedsClarification Verdict = "needs_clarification"
	VerdictNone               Verdict = ""
)

// SourceIssue is the discriminated union over the provider-specific issue
// payload a task was created from.
type SourceIssue struct {
	Provider string // "gitlab", "github", "jira"
	Payload  []byte // JSONB, shape depends on Provider
}

// Task mirrors one remote issue and carries the engine's local decisions.
type Task struct {
	ID           string
	ProjectID    string
	TaskSourceID string
	Title        string
	Description  string
	Status       string // coarse lifecycle label surfaced to users (not a state-machine input)
	RemoteStatus RemoteStatus
	SourceIssue  SourceIssue
	UniqueID     string // "{provider}-{repo-or-project}-{id}"

	SimpleStatus  EvalStatus
	SimpleVerdict Verdict
	SimpleResult  []byte // JSONB: {should_evaluate, reason, categories, usage}

	AdvancedStatus  EvalStatus
	AdvancedVerdict Verdict
	AdvancedResult  []byte // JSONB: {report, ...}

	ImplementationStatus ImplStatus

	EvalSessionID *string
	ImplSessionID *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanEnterAdvanced enforces invariant 2 of §8: advanced evaluation may not
// leave not_started unless the simple phase completed ready.
func (t *Task) CanEnterAdvanced() bool {
	return t.SimpleStatus == EvalCompleted && t.SimpleVerdict == VerdictReady
}

// CanImplement mirrors §4.9's precondition on the implementation driver.
func (t *Task) CanImplement() bool {
	readyVerdict := t.AdvancedVerdict == VerdictReady || t.SimpleVerdict == VerdictReady
	retryable := t.ImplementationStatus == ImplNotStarted ||
		t.ImplementationStatus == ImplFailed ||
		t.ImplementationStatus == ImplCanceled
	return readyVerdict && retryable
}
