// Package monitor implements the pipeline monitor (§4.11, C11) and the
// evaluation-status sync routine §4.11a explicitly calls out as shared
// between C11 and C12: internal/recovery calls SyncEvaluationStatus
// directly rather than duplicating the branch-on-runner logic here.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/taskops/engine/internal/ci"
	"github.com/taskops/engine/internal/config"
	"github.com/taskops/engine/internal/domain"
	"github.com/taskops/engine/internal/secrets"
	"github.com/taskops/engine/internal/store"
)

// pipelineGetter is the slice of *ci.Client this package calls, so tests
// substitute a fake instead of a real GitLab client.
type pipelineGetter interface {
	GetPipeline(ctx context.Context, id string, pipelineID int) (*ci.Pipeline, error)
}

type ciFactory func(host, token string) (pipelineGetter, error)

// Monitor periodically reconciles stale PipelineExecution rows against the
// CI provider's actual state (§4.11).
type Monitor struct {
	st      *store.Store
	secrets secrets.Client
	cfg     *config.Config
	newCI   ciFactory
	log     *slog.Logger

	mu      sync.Mutex
	started bool
	stop    chan struct{}
}

// New builds a Monitor with a real GitLab-backed CI client factory.
func New(st *store.Store, secretsClient secrets.Client, cfg *config.Config, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		st: st, secrets: secretsClient, cfg: cfg, log: log,
		newCI: func(host, token string) (pipelineGetter, error) { return ci.New(host, token) },
	}
}

// Label identifies this runner to the supervisor (§4.13).
func (m *Monitor) Label() string { return "pipeline-monitor" }

// Start runs Sweep once immediately, then on cfg.PipelinePollInterval until
// ctx is canceled or Stop is called. A second Start on an already-running
// Monitor is a no-op (§4.10's self-silencing rule applies equally here).
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	if err := m.Sweep(ctx); err != nil {
		m.log.Error("pipeline monitor sweep failed", "error", err)
	}

	ticker := time.NewTicker(m.cfg.PipelinePollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.markStopped()
			return nil
		case <-stop:
			return nil
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.log.Error("pipeline monitor sweep failed", "error", err)
			}
		}
	}
}

// Stop ends a running Start loop (§4.13).
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	close(m.stop)
	m.started = false
}

func (m *Monitor) markStopped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
}

// Sweep runs one pass of §4.11's algorithm over every stale execution.
// Errors reconciling one execution are logged and do not abort the sweep.
func (m *Monitor) Sweep(ctx context.Context) error {
	deadline := time.Now().Add(-m.cfg.PipelineStatusTimeout())
	stale, err := m.st.FindStalePipelineExecutions(ctx, deadline)
	if err != nil {
		return fmt.Errorf("monitor: list stale pipeline executions: %w", err)
	}
	for _, execution := range stale {
		if err := m.reconcile(ctx, execution); err != nil {
			m.log.Error("monitor: reconcile pipeline execution failed", "execution_id", execution.ID, "error", err)
		}
	}
	return nil
}

func (m *Monitor) reconcile(ctx context.Context, execution *domain.PipelineExecution) error {
	workerRepo, err := m.st.FindWorkerRepository(ctx, execution.WorkerRepositoryID)
	if err != nil {
		return fmt.Errorf("load worker repository: %w", err)
	}
	token, err := m.secrets.DecryptCiphertext(ctx, workerRepo.AccessTokenCiphertext)
	if err != nil {
		return fmt.Errorf("decrypt worker repository token: %w", err)
	}
	client, err := m.newCI(workerRepo.SourceHost, token)
	if err != nil {
		return fmt.Errorf("build ci client: %w", err)
	}
	pipelineID, err := strconv.Atoi(execution.PipelineID)
	if err != nil {
		return fmt.Errorf("parse pipeline id %q: %w", execution.PipelineID, err)
	}
	pipeline, err := client.GetPipeline(ctx, workerRepo.SourceProjectID, pipelineID)
	if err != nil {
		return fmt.Errorf("get pipeline: %w", err)
	}

	mapped := domain.PipelineStatus(pipeline.MappedStatus())
	now := time.Now()

	if mapped != execution.Status {
		if err := m.st.UpdatePipelineStatus(ctx, execution.ID, mapped, now); err != nil {
			return fmt.Errorf("update pipeline status: %w", err)
		}
		return SyncEvaluationStatus(ctx, m.st, execution, mapped, m.log)
	}

	if err := m.st.UpdatePipelineStatus(ctx, execution.ID, mapped, now); err != nil {
		return fmt.Errorf("refresh pipeline status: %w", err)
	}
	if mapped.Terminal() {
		// Recovers from an earlier pass whose artifact upload step failed
		// silently: the status never changed, but the task was never synced.
		return SyncEvaluationStatus(ctx, m.st, execution, mapped, m.log)
	}
	return nil
}

// SyncEvaluationStatus implements §4.11a, shared between the pipeline
// monitor and internal/recovery. It is a no-op unless the execution is
// linked to a task's in-flight phase that is still waiting on it.
func SyncEvaluationStatus(ctx context.Context, st *store.Store, execution *domain.PipelineExecution, status domain.PipelineStatus, log *slog.Logger) error {
	if execution.SessionID == "" {
		return nil
	}
	session, err := st.FindSession(ctx, execution.SessionID)
	if err != nil {
		log.Warn("monitor: session not found for pipeline execution", "execution_id", execution.ID)
		return nil
	}
	if session.TaskID == "" {
		return nil
	}
	task, err := st.FindTask(ctx, session.TaskID)
	if err != nil {
		log.Warn("monitor: task not found for session", "session_id", session.ID)
		return nil
	}

	switch session.Runner {
	case domain.RunnerEvaluation:
		return syncAdvancedEvaluation(ctx, st, execution, task, session, status, log)
	case domain.RunnerImplementation:
		return syncImplementation(ctx, st, execution, task, session, status, log)
	default:
		return nil
	}
}

func syncAdvancedEvaluation(ctx context.Context, st *store.Store, execution *domain.PipelineExecution, task *domain.Task, session *domain.Session, status domain.PipelineStatus, log *slog.Logger) error {
	if task.AdvancedStatus != domain.EvalEvaluating {
		return nil
	}
	switch status {
	case domain.PipelineSuccess:
		verdict, resultJSON, err := advancedResultFromArtifacts(ctx, st, execution, task.ID, log)
		if err != nil {
			return err
		}
		sid := session.ID
		return st.SaveAdvancedResult(ctx, task.ID, verdict, resultJSON, &sid)
	case domain.PipelineFailed:
		_, err := st.CompareAndUpdateAdvancedStatus(ctx, task.ID, domain.EvalEvaluating, domain.EvalFailed)
		return err
	case domain.PipelineCanceled:
		// §4.8's own state diagram resets a canceled advanced-evaluation
		// pipeline to not_started (retryable), which is also the state
		// FindTasksNeedingEvaluation already polls for re-publish.
		_, err := st.CompareAndUpdateAdvancedStatus(ctx, task.ID, domain.EvalEvaluating, domain.EvalNotStarted)
		return err
	default:
		return nil
	}
}

func advancedResultFromArtifacts(ctx context.Context, st *store.Store, execution *domain.PipelineExecution, taskID string, log *slog.Logger) (domain.Verdict, []byte, error) {
	artifacts, err := st.FindArtifactsByExecution(ctx, execution.ID)
	if err != nil {
		return domain.VerdictNone, nil, fmt.Errorf("load artifacts: %w", err)
	}
	for _, a := range artifacts {
		if a.ArtifactType != domain.ArtifactText {
			continue
		}
		var meta domain.TextArtifactMetadata
		if err := json.Unmarshal(a.Metadata, &meta); err != nil {
			continue
		}
		if meta.TaskID != taskID {
			continue
		}
		if meta.IsReady == nil {
			log.Warn("monitor: text artifact missing is_ready", "task_id", taskID, "execution_id", execution.ID)
			return domain.VerdictNone, a.Metadata, nil
		}
		verdict := domain.VerdictNeedsClarification
		if *meta.IsReady {
			verdict = domain.VerdictReady
		}
		return verdict, a.Metadata, nil
	}
	log.Warn("monitor: no matching text artifact for completed pipeline", "task_id", taskID, "execution_id", execution.ID)
	return domain.VerdictNone, nil, nil
}

func syncImplementation(ctx context.Context, st *store.Store, execution *domain.PipelineExecution, task *domain.Task, session *domain.Session, status domain.PipelineStatus, log *slog.Logger) error {
	if task.ImplementationStatus != domain.ImplImplementing {
		return nil
	}
	switch status {
	case domain.PipelineSuccess:
		artifacts, err := st.FindArtifactsByExecution(ctx, execution.ID)
		if err != nil {
			return fmt.Errorf("load artifacts: %w", err)
		}
		mrCount := 0
		for _, a := range artifacts {
			if a.ArtifactType == domain.ArtifactMergeRequest {
				mrCount++
			}
		}
		if mrCount == 0 {
			log.Warn("monitor: implementation pipeline succeeded with no merge_request artifacts", "task_id", task.ID, "execution_id", execution.ID)
		}
		_, err = st.CompareAndUpdateImplementationStatus(ctx, task.ID, domain.ImplImplementing, domain.ImplCompleted)
		return err
	case domain.PipelineFailed:
		_, err := st.CompareAndUpdateImplementationStatus(ctx, task.ID, domain.ImplImplementing, domain.ImplFailed)
		return err
	case domain.PipelineCanceled:
		// Unlike advanced evaluation, implementation_status's own retryable
		// set already includes "canceled" (Task.CanImplement), so canceled
		// pipelines land there directly rather than needing a not_started hop.
		_, err := st.CompareAndUpdateImplementationStatus(ctx, task.ID, domain.ImplImplementing, domain.ImplCanceled)
		return err
	default:
		return nil
	}
}
