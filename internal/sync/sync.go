// Package sync implements the sync service (§4.5, C5): driving a task
// source's tracker adapter to completion, upserting observed issues into
// tasks, publishing newly-eligible tasks for simple evaluation, and running
// the revalidation sweep that catches upstream issue closures. Grounded on
// the teacher's runner-package shape (a Service wrapping the store plus its
// external collaborators, one exported entry method, errors collected
// rather than aborting the batch) seen across internal/executor and
// internal/gate.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskops/engine/internal/broker"
	"github.com/taskops/engine/internal/config"
	"github.com/taskops/engine/internal/domain"
	engerrors "github.com/taskops/engine/internal/errors"
	"github.com/taskops/engine/internal/quota"
	"github.com/taskops/engine/internal/secrets"
	"github.com/taskops/engine/internal/store"
	"github.com/taskops/engine/internal/tracker"

	_ "github.com/taskops/engine/internal/tracker/github"
	_ "github.com/taskops/engine/internal/tracker/gitlab"
	_ "github.com/taskops/engine/internal/tracker/jira"
)

// Result is the §6 `{tasksPublished, errors}` response shape for both the
// queue-driven and direct-API-call entry points.
type Result struct {
	TasksPublished int
	Errors         []string
}

// Message is the durable queue payload published to task-sync (§4.2).
type Message struct {
	TaskSourceID string `json:"taskSourceId"`
	Provider     string `json:"provider"`
}

// EvalMessage is the payload published to task-eval once a task becomes
// eligible for simple evaluation (§4.5 step 5, §4.2).
type EvalMessage struct {
	TaskID string `json:"taskId"`
}

// publisher is the slice of *broker.Broker this package calls, so tests can
// substitute a fake instead of a live NATS connection.
type publisher interface {
	Publish(ctx context.Context, queue broker.Queue, payload any) error
}

// Service drives one task source through a full sync pass.
type Service struct {
	st      *store.Store
	secrets secrets.Client
	br      publisher
	quota   *quota.Selector
	cfg     *config.Config
	log     *slog.Logger
}

// New builds a Service. cfg may be nil for task sources that carry no
// OAuth-refreshable secrets (every provider but Jira at present); passing a
// populated cfg is what lets tracker.New refresh an expired Jira secret
// instead of handing the adapter a stale token.
func New(st *store.Store, secretsClient secrets.Client, br publisher, selector *quota.Selector, cfg *config.Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{st: st, secrets: secretsClient, br: br, quota: selector, cfg: cfg, log: log}
}

// HandleMessage adapts the broker.Handler signature for the task-sync
// consumer (§4.2), ignoring the published provider hint (the task source's
// own Type is authoritative) and discarding the publish count.
func (s *Service) HandleMessage(ctx context.Context, payload []byte, attempt int) error {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return engerrors.Validation("sync.HandleMessage", "decode message: "+err.Error())
	}
	_, err := s.SyncTaskSource(ctx, msg.TaskSourceID)
	return err
}

// SyncTaskSource runs the full §4.5 algorithm for one task source, callable
// both from the queue consumer and directly from an API handler.
func (s *Service) SyncTaskSource(ctx context.Context, taskSourceID string) (*Result, error) {
	start := time.Now()
	result := &Result{}

	if err := s.st.UpdateTaskSourceSyncStatus(ctx, taskSourceID, domain.SyncStatusSyncing, ""); err != nil {
		return nil, fmt.Errorf("sync: mark syncing: %w", err)
	}

	ts, err := s.st.FindTaskSource(ctx, taskSourceID)
	if err != nil {
		return nil, fmt.Errorf("sync: load task source: %w", err)
	}

	project, err := s.st.FindProject(ctx, ts.ProjectID)
	if err != nil {
		_ = s.st.UpdateTaskSourceSyncStatus(ctx, taskSourceID, domain.SyncStatusFailed, "project not found")
		return nil, fmt.Errorf("sync: load project: %w", err)
	}

	if !project.Enabled {
		s.fail(ctx, taskSourceID, "project is disabled")
		return result, nil
	}
	if !ts.Syncable() {
		s.fail(ctx, taskSourceID, "task source is disabled or manual")
		return result, nil
	}

	seen, err := s.loadSeenIssues(ctx, taskSourceID)
	if err != nil {
		s.fail(ctx, taskSourceID, err.Error())
		return nil, err
	}

	adapter, err := tracker.New(ctx, s.st, s.cfg, ts, extractSecretID(ts.Config), s.secrets)
	if err != nil {
		s.fail(ctx, taskSourceID, "build tracker adapter: "+err.Error())
		return nil, err
	}

	var newStates []*domain.TaskSourceSyncState
	for issue, iterErr := range adapter.ListIssues(ctx) {
		if iterErr != nil {
			s.fail(ctx, taskSourceID, "list issues: "+iterErr.Error())
			return nil, iterErr
		}

		prevUpdatedAt, isSeen := seen[issue.ID]
		changed := !isSeen || !prevUpdatedAt.Equal(issue.UpdatedAt)
		newStates = append(newStates, &domain.TaskSourceSyncState{
			TaskSourceID: taskSourceID, IssueID: issue.ID, IssueUpdatedAt: issue.UpdatedAt,
		})
		if !changed {
			continue
		}

		task, _, err := s.upsertIssue(ctx, ts, issue)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("upsert issue %s: %v", issue.UniqueID, err))
			continue
		}
		// §4.5 step 5: both the new-issue and updated-issue cases are
		// considered for simple evaluation, not just inserts.
		published, err := s.publishForEvaluation(ctx, project, task)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("publish eval for task %s: %v", task.ID, err))
		} else if published {
			result.TasksPublished++
		}
	}

	if err := s.st.BatchUpsertSyncStates(ctx, newStates); err != nil {
		s.fail(ctx, taskSourceID, "batch upsert sync states: "+err.Error())
		return nil, err
	}

	if err := s.st.MarkTaskSourceSynced(ctx, taskSourceID, start); err != nil {
		return nil, fmt.Errorf("sync: mark completed: %w", err)
	}

	if sweepErrs := s.revalidationSweep(ctx, ts); len(sweepErrs) > 0 {
		result.Errors = append(result.Errors, sweepErrs...)
	}

	return result, nil
}

func (s *Service) fail(ctx context.Context, taskSourceID, reason string) {
	if err := s.st.UpdateTaskSourceSyncStatus(ctx, taskSourceID, domain.SyncStatusFailed, reason); err != nil {
		s.log.Error("sync: failed to record failure", "task_source_id", taskSourceID, "error", err)
	}
}

func (s *Service) loadSeenIssues(ctx context.Context, taskSourceID string) (map[string]time.Time, error) {
	states, err := s.st.ListSyncStates(ctx, taskSourceID)
	if err != nil {
		return nil, fmt.Errorf("load sync states: %w", err)
	}
	seen := make(map[string]time.Time, len(states))
	for _, st := range states {
		seen[st.IssueID] = st.IssueUpdatedAt
	}
	return seen, nil
}

// upsertIssue maps a normalized tracker.Issue onto the provider-specific
// upsert_task_from_* store operation (§4.1, §4.5 step 5), folding the
// issue's IID into the persisted payload so the revalidation sweep can
// recover it without re-deriving provider-specific addressing.
func (s *Service) upsertIssue(ctx context.Context, ts *domain.TaskSource, issue tracker.Issue) (*domain.Task, bool, error) {
	payload := withIID(issue.Metadata, issue.IID)
	task := &domain.Task{
		ID:           uuid.NewString(),
		ProjectID:    ts.ProjectID,
		TaskSourceID: ts.ID,
		Title:        issue.Title,
		Description:  issue.Description,
		Status:       "open",
		RemoteStatus: issue.State,
		UniqueID:     issue.UniqueID,
		SourceIssue:  domain.SourceIssue{Payload: payload},
	}

	switch ts.Type {
	case domain.TaskSourceGitLabIssues:
		return s.st.UpsertTaskFromGitLab(ctx, task)
	case domain.TaskSourceGitHubIssues:
		return s.st.UpsertTaskFromGitHub(ctx, task)
	case domain.TaskSourceJira:
		return s.st.UpsertTaskFromJira(ctx, task)
	default:
		return nil, false, fmt.Errorf("sync: unsupported task source type %q", ts.Type)
	}
}

// publishForEvaluation consults the quota selector for the project owner
// and publishes to task-eval only if a simple-evaluation slot is available
// (§4.5 step 5). Quota exhaustion and missing ownership both leave the task
// not_started for the eval scheduler to pick up later, silently by design.
func (s *Service) publishForEvaluation(ctx context.Context, project *domain.Project, task *domain.Task) (bool, error) {
	if project.OwnerUserID == "" {
		return false, nil
	}
	if _, err := s.quota.Select(ctx, project.OwnerUserID, project, quota.KindSimple); err != nil {
		var qe *engerrors.QuotaExceededError
		if errors.As(err, &qe) {
			return false, nil
		}
		return false, err
	}
	if err := s.br.Publish(ctx, broker.QueueEval, EvalMessage{TaskID: task.ID}); err != nil {
		return false, err
	}
	return true, nil
}

// revalidationSweep implements §4.5 step 8: for providers that support
// re-reading specific issues (GitLab, GitHub; Jira is excluded per §4.5),
// refresh every still-open task from this source and flip any that closed
// upstream.
func (s *Service) revalidationSweep(ctx context.Context, ts *domain.TaskSource) []string {
	if ts.Type != domain.TaskSourceGitLabIssues && ts.Type != domain.TaskSourceGitHubIssues {
		return nil
	}

	open, err := s.st.FindOpenTasksBySource(ctx, ts.ID)
	if err != nil {
		return []string{"revalidation: load open tasks: " + err.Error()}
	}
	if len(open) == 0 {
		return nil
	}

	adapter, err := tracker.New(ctx, s.st, s.cfg, ts, extractSecretID(ts.Config), s.secrets)
	if err != nil {
		return []string{"revalidation: build adapter: " + err.Error()}
	}

	byIID := make(map[string]*domain.Task, len(open))
	ids := make([]string, 0, len(open))
	for _, t := range open {
		iid := extractIID(t.SourceIssue.Payload)
		if iid == "" {
			continue
		}
		byIID[iid] = t
		ids = append(ids, iid)
	}
	if len(ids) == 0 {
		return nil
	}

	var errs []string
	for issue, revalErr := range adapter.Revalidate(ctx, ids) {
		if revalErr != nil {
			errs = append(errs, "revalidation: "+revalErr.Error())
			continue
		}
		if issue.State != domain.RemoteStatusClosed {
			continue
		}
		task, ok := byIID[issue.IID]
		if !ok {
			continue
		}
		if err := s.st.UpdateTaskRemoteStatus(ctx, task.ID, domain.RemoteStatusClosed); err != nil {
			errs = append(errs, fmt.Sprintf("revalidation: update task %s: %v", task.ID, err))
		}
	}
	return errs
}

func extractSecretID(config []byte) string {
	var v struct {
		SecretID string `json:"secret_id"`
	}
	_ = json.Unmarshal(config, &v)
	return v.SecretID
}

func withIID(metadata json.RawMessage, iid string) []byte {
	var m map[string]any
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &m)
	}
	if m == nil {
		m = map[string]any{}
	}
	m["iid"] = iid
	out, _ := json.Marshal(m)
	return out
}

func extractIID(payload []byte) string {
	var v struct {
		IID string `json:"iid"`
	}
	_ = json.Unmarshal(payload, &v)
	return v.IID
}

