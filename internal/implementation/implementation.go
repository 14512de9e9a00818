// Package implementation implements the implementation driver (§4.9, C9):
// structurally identical to internal/agentic's advanced-evaluation driver,
// but triggering the in-CI "push changes to file spaces" pipeline instead of
// an evaluation, and additionally resolving the project's push destinations
// into pipeline variables via internal/filespace. Grounded the same way as
// internal/agentic — a claim-then-call-out Driver over narrow interfaces —
// with the claim and pipeline-variable resolution generalized for this
// phase's distinct precondition and inputs.
package implementation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskops/engine/internal/ci"
	"github.com/taskops/engine/internal/domain"
	engerrors "github.com/taskops/engine/internal/errors"
	"github.com/taskops/engine/internal/filespace"
	"github.com/taskops/engine/internal/quota"
	"github.com/taskops/engine/internal/secrets"
	"github.com/taskops/engine/internal/store"
)

// workerRepoRef mirrors internal/agentic's fixed worker-repository branch.
const workerRepoRef = "main"

// claimableFrom is every implementation_status the driver may claim from,
// mirroring Task.CanImplement's retryable set (§4.9).
var claimableFrom = []domain.ImplStatus{domain.ImplNotStarted, domain.ImplFailed, domain.ImplCanceled}

// Message is the task-impl queue payload (§4.2).
type Message struct {
	TaskID string `json:"taskId"`
}

type pipelineTrigger interface {
	TriggerPipeline(ctx context.Context, id, ref string, variables map[string]string) (*ci.Pipeline, error)
}

type ciFactory func(host, token string) (pipelineTrigger, error)

// Driver runs one task through the §4.9 implementation entry steps.
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

// HandleMessage adapts the broker.Handler signature for the task-impl
// consumer (§4.2).
func (d *Driver) HandleMessage(ctx context.Context, payload []byte, attempt int) error {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return engerrors.Validation("implementation.HandleMessage", "decode message: "+err.Error())
	}
	return d.Implement(ctx, msg.TaskID)
}

// Implement runs the §4.9 entry steps for one task. Like internal/agentic's
// Evaluate, it is a no-op (nil error, no state change) when the task fails
// its precondition, is already claimed, or the owner's quota is currently
// exhausted.
func (d *Driver) Implement(ctx context.Context, taskID string) error {
	task, err := d.st.FindTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("implementation: load task: %w", err)
	}
	if task.ProjectID == "" || !task.CanImplement() {
		d.log.Warn("implementation: task not eligible for implementation", "task_id", taskID)
		return nil
	}

	project, err := d.st.FindProject(ctx, task.ProjectID)
	if err != nil {
		return fmt.Errorf("implementation: load project: %w", err)
	}
	if project.OwnerUserID == "" {
		d.log.Warn("implementation: project has no owner, cannot resolve quota", "project_id", project.ID)
		return nil
	}

	sel, err := d.quota.Select(ctx, project.OwnerUserID, project, quota.KindAdvanced)
	if err != nil {
		var qe *engerrors.QuotaExceededError
		if errors.As(err, &qe) {
			d.log.Info("implementation: advanced quota exceeded, leaving task for later retry", "task_id", taskID)
			return nil
		}
		return fmt.Errorf("implementation: resolve quota: %w", err)
	}

	claimed, err := d.claim(ctx, taskID)
	if err != nil {
		return fmt.Errorf("implementation: claim task: %w", err)
	}
	if !claimed {
		d.log.Info("implementation: task already claimed by another worker", "task_id", taskID)
		return nil
	}

	if sel.UsePlatformToken {
		if err := d.quota.Increment(ctx, project.OwnerUserID, quota.KindAdvanced); err != nil {
			d.log.Error("implementation: increment advanced quota", "error", err)
		}
	}

	session := &domain.Session{ID: uuid.NewString(), TaskID: taskID, Runner: domain.RunnerImplementation, CreatedAt: time.Now()}
	if err := d.st.CreateSession(ctx, session); err != nil {
		return fmt.Errorf("implementation: create session: %w", err)
	}
	if err := d.st.SetTaskImplSession(ctx, taskID, session.ID); err != nil {
		return fmt.Errorf("implementation: link session to task: %w", err)
	}

	workerRepo, err := d.st.FindWorkerRepositoryByProject(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("implementation: load worker repository: %w", err)
	}
	token, err := d.secrets.DecryptCiphertext(ctx, workerRepo.AccessTokenCiphertext)
	if err != nil {
		return fmt.Errorf("implementation: decrypt worker repository token: %w", err)
	}
	client, err := d.newCI(workerRepo.SourceHost, token)
	if err != nil {
		return fmt.Errorf("implementation: build ci client: %w", err)
	}

	spaces, err := d.st.ListFileSpacesByProject(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("implementation: load file spaces: %w", err)
	}
	fsVars, err := filespace.ResolveAll(ctx, spaces, d.secrets)
	if err != nil {
		_ = d.resetClaim(ctx, taskID)
		return fmt.Errorf("implementation: resolve file spaces: %w", err)
	}

	variables := map[string]string{
		"TASKOPS_MODE":             "implementation",
		"TASKOPS_TASK_ID":          task.ID,
		"TASKOPS_SESSION_ID":       session.ID,
		"TASKOPS_TASK_TITLE":       task.Title,
		"TASKOPS_TASK_DESCRIPTION": task.Description,
		"ANTHROPIC_API_KEY":        sel.APIKey,
		"ANTHROPIC_MODEL":          sel.Model,
	}
	for k, v := range fsVars {
		variables[k] = v
	}

	pipeline, err := client.TriggerPipeline(ctx, workerRepo.SourceProjectID, workerRepoRef, variables)
	if err != nil {
		// session and its task-session link stay in place; the task moves to
		// failed, which recovery's stuck-task sweep (evaluating/implementing
		// tasks only) does not select.
		_, _ = d.st.CompareAndUpdateImplementationStatus(ctx, taskID, domain.ImplImplementing, domain.ImplFailed)
		return fmt.Errorf("implementation: trigger pipeline: %w", err)
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
		return fmt.Errorf("implementation: record pipeline execution: %w", err)
	}
	return nil
}

// claim tries each of claimableFrom in turn, since implementation_status's
// retryable set (unlike advanced_status's single not_started) has three
// members (§4.9, Task.CanImplement).
func (d *Driver) claim(ctx context.Context, taskID string) (bool, error) {
	for _, from := range claimableFrom {
		ok, err := d.st.CompareAndUpdateImplementationStatus(ctx, taskID, from, domain.ImplImplementing)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// resetClaim reverts a claimed-but-not-yet-triggered task back to
// not_started when a step before the pipeline trigger fails, so it remains
// retryable rather than stuck in implementing indefinitely.
func (d *Driver) resetClaim(ctx context.Context, taskID string) error {
	_, err := d.st.CompareAndUpdateImplementationStatus(ctx, taskID, domain.ImplImplementing, domain.ImplNotStarted)
	return err
}
