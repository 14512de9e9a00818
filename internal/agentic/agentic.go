// Package agentic implements the advanced-evaluation driver (§4.8, C8): the
// second, remote-pipeline evaluation phase a task enters once the simple
// evaluator has marked it ready. Grounded on the same runner-package shape
// as internal/sync (a Service wrapping the store plus narrow interfaces over
// its external collaborators), generalized here to "claim a task, trigger a
// remote pipeline, record the execution" instead of "drain a tracker
// adapter." Reconciliation of the triggered pipeline's outcome happens later,
// out of process, in internal/monitor (§4.11/§4.11a).
package agentic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskops/engine/internal/ci"
	"github.com/taskops/engine/internal/domain"
	engerrors "github.com/taskops/engine/internal/errors"
	"github.com/taskops/engine/internal/quota"
	"github.com/taskops/engine/internal/secrets"
	"github.com/taskops/engine/internal/store"
)

// workerRepoRef is the branch worker-repository pipelines run on. Worker
// repositories are engine-managed template checkouts (§4.4, §4.9), not
// arbitrary user repos, so a single fixed branch is sufficient.
const workerRepoRef = "main"

// pipelineTrigger is the slice of *ci.Client this package calls, so tests
// can fake it without a live GitLab connection.
type pipelineTrigger interface {
	TriggerPipeline(ctx context.Context, id, ref string, variables map[string]string) (*ci.Pipeline, error)
}

// ciFactory builds a pipelineTrigger for one worker repository's host/token.
// Overridable in tests; defaults to wrapping ci.New.
type ciFactory func(host, token string) (pipelineTrigger, error)

// Driver runs one task through the §4.8 advanced-evaluation entry steps.
type Driver struct {
	st      *store.Store
	secrets secrets.Client
	quota   *quota.Selector
	newCI   ciFactory
	log     *slog.Logger
}

// New builds a Driver with a real GitLab-backed CI client factory.
func New(st *store.Store, secretsClient secrets.Client, selector *quota.Selector, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		st:      st,
		secrets: secretsClient,
		quota:   selector,
		newCI: func(host, token string) (pipelineTrigger, error) {
			return ci.New(host, token)
		},
		log: log,
	}
}

// Evaluate runs the §4.8 entry steps for one task. It is called in-process
// from internal/evaluator.Service immediately after the simple evaluator
// writes a ready verdict — the task-eval queue has exactly one consumer
// (evaluator.Service), which dispatches to whichever phase applies rather
// than round-tripping advanced evaluation through the queue a second time —
// and is equally callable directly from a user-initiated "Run advanced
// evaluation" action. It returns nil without effect when the task is not
// eligible (precondition unmet) or already claimed by a concurrent caller,
// and when the owner's advanced quota is currently exhausted (the task stays
// not_started for a later retry rather than failing permanently).
func (d *Driver) Evaluate(ctx context.Context, taskID string) error {
	task, err := d.st.FindTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("agentic: load task: %w", err)
	}
	if task.ProjectID == "" || !task.CanEnterAdvanced() {
		d.log.Warn("agentic: task not eligible for advanced evaluation", "task_id", taskID)
		return nil
	}

	project, err := d.st.FindProject(ctx, task.ProjectID)
	if err != nil {
		return fmt.Errorf("agentic: load project: %w", err)
	}
	if project.OwnerUserID == "" {
		d.log.Warn("agentic: project has no owner, cannot resolve quota", "project_id", project.ID)
		return nil
	}

	sel, err := d.quota.Select(ctx, project.OwnerUserID, project, quota.KindAdvanced)
	if err != nil {
		var qe *engerrors.QuotaExceededError
		if errors.As(err, &qe) {
			d.log.Info("agentic: advanced quota exceeded, leaving task for later retry", "task_id", taskID)
			return nil
		}
		return fmt.Errorf("agentic: resolve quota: %w", err)
	}

	claimed, err := d.st.CompareAndUpdateAdvancedStatus(ctx, taskID, domain.EvalNotStarted, domain.EvalEvaluating)
	if err != nil {
		return fmt.Errorf("agentic: claim task: %w", err)
	}
	if !claimed {
		d.log.Info("agentic: task already claimed by another worker", "task_id", taskID)
		return nil
	}

	// §4.6: quota increments happen before triggering the remote pipeline
	// when the platform token was chosen, to avoid a race oversubscribing
	// the cap while the pipeline is in flight.
	if sel.UsePlatformToken {
		if err := d.quota.Increment(ctx, project.OwnerUserID, quota.KindAdvanced); err != nil {
			d.log.Error("agentic: increment advanced quota", "error", err)
		}
	}

	session := &domain.Session{ID: uuid.NewString(), TaskID: taskID, Runner: domain.RunnerEvaluation, CreatedAt: time.Now()}
	if err := d.st.CreateSession(ctx, session); err != nil {
		return fmt.Errorf("agentic: create session: %w", err)
	}
	if err := d.st.SetTaskEvalSession(ctx, taskID, session.ID); err != nil {
		return fmt.Errorf("agentic: link session to task: %w", err)
	}

	workerRepo, err := d.st.FindWorkerRepositoryByProject(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("agentic: load worker repository: %w", err)
	}
	token, err := d.secrets.DecryptCiphertext(ctx, workerRepo.AccessTokenCiphertext)
	if err != nil {
		return fmt.Errorf("agentic: decrypt worker repository token: %w", err)
	}
	client, err := d.newCI(workerRepo.SourceHost, token)
	if err != nil {
		return fmt.Errorf("agentic: build ci client: %w", err)
	}

	variables := map[string]string{
		"TASKOPS_MODE":             "evaluation",
		"TASKOPS_TASK_ID":          task.ID,
		"TASKOPS_SESSION_ID":       session.ID,
		"TASKOPS_TASK_TITLE":       task.Title,
		"TASKOPS_TASK_DESCRIPTION": task.Description,
		"ANTHROPIC_API_KEY":        sel.APIKey,
		"ANTHROPIC_MODEL":          sel.Model,
	}
	pipeline, err := client.TriggerPipeline(ctx, workerRepo.SourceProjectID, workerRepoRef, variables)
	if err != nil {
		// session and its task-session link stay in place; the task moves to
		// failed, which recovery's stuck-task sweep (evaluating/implementing
		// tasks only) does not select.
		_, _ = d.st.CompareAndUpdateAdvancedStatus(ctx, taskID, domain.EvalEvaluating, domain.EvalFailed)
		return fmt.Errorf("agentic: trigger pipeline: %w", err)
	}

	now := time.Now()
	execution := &domain.PipelineExecution{
		ID:                 uuid.NewString(),
		SessionID:          session.ID,
		WorkerRepositoryID: workerRepo.ID,
		PipelineID:         fmt.Sprintf("%d", pipeline.ID),
		Status:             domain.PipelinePending,
		LastStatusUpdate:   &now,
		CreatedAt:          now,
	}
	if err := d.st.CreatePipelineExecution(ctx, execution); err != nil {
		return fmt.Errorf("agentic: record pipeline execution: %w", err)
	}
	return nil
}
