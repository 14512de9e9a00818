// Package recovery implements stuck-task recovery (§4.12, C12): a periodic
// safety net that reconciles tasks left sitting in evaluating/implementing
// long after their pipeline should have resolved, delegating to
// internal/monitor's §4.11a sync wherever a pipeline is actually linked so
// the two components never disagree about how to apply an outcome.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskops/engine/internal/config"
	"github.com/taskops/engine/internal/domain"
	"github.com/taskops/engine/internal/monitor"
	"github.com/taskops/engine/internal/store"
)

// Recovery periodically sweeps for tasks stuck past the stall timeout.
type Recovery struct {
	st  *store.Store
	cfg *config.Config
	log *slog.Logger

	mu      sync.Mutex
	started bool
	stop    chan struct{}
}

// New builds a Recovery.
func New(st *store.Store, cfg *config.Config, log *slog.Logger) *Recovery {
	if log == nil {
		log = slog.Default()
	}
	return &Recovery{st: st, cfg: cfg, log: log}
}

// Label identifies this runner to the supervisor (§4.13).
func (r *Recovery) Label() string { return "stuck-task-recovery" }

// Start runs Sweep once immediately, then on cfg.StuckEvalCheckInterval
// until ctx is canceled or Stop is called. A second Start on an
// already-running Recovery is a no-op (§4.10's self-silencing rule).
func (r *Recovery) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.stop = make(chan struct{})
	stop := r.stop
	r.mu.Unlock()

	if err := r.Sweep(ctx); err != nil {
		r.log.Error("stuck-task recovery sweep failed", "error", err)
	}

	ticker := time.NewTicker(r.cfg.StuckEvalCheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.markStopped()
			return nil
		case <-stop:
			return nil
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.log.Error("stuck-task recovery sweep failed", "error", err)
			}
		}
	}
}

// Stop ends a running Start loop (§4.13).
func (r *Recovery) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	close(r.stop)
	r.started = false
}

func (r *Recovery) markStopped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = false
}

// Sweep implements §4.12: find every task stuck past the stall timeout and
// reconcile it. Recovery is strictly additive — it never overwrites a task
// that has already moved past evaluating/implementing by the time it runs.
func (r *Recovery) Sweep(ctx context.Context) error {
	deadline := time.Now().Add(-r.cfg.StuckEvaluationTimeout())
	stuck, err := r.st.FindStuckEvaluatingTasks(ctx, deadline)
	if err != nil {
		return fmt.Errorf("recovery: list stuck tasks: %w", err)
	}
	for _, task := range stuck {
		if err := r.reconcile(ctx, task); err != nil {
			r.log.Error("recovery: reconcile task failed", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

func (r *Recovery) reconcile(ctx context.Context, task *domain.Task) error {
	switch {
	case task.SimpleStatus == domain.EvalEvaluating:
		return r.reconcileSimple(ctx, task)
	case task.AdvancedStatus == domain.EvalEvaluating:
		return r.reconcileViaPipeline(ctx, task, task.EvalSessionID, func() error {
			_, err := r.st.CompareAndUpdateAdvancedStatus(ctx, task.ID, domain.EvalEvaluating, domain.EvalNotStarted)
			return err
		})
	case task.ImplementationStatus == domain.ImplImplementing:
		return r.reconcileViaPipeline(ctx, task, task.ImplSessionID, func() error {
			_, err := r.st.CompareAndUpdateImplementationStatus(ctx, task.ID, domain.ImplImplementing, domain.ImplNotStarted)
			return err
		})
	}
	return nil
}

// reconcileSimple covers a task stuck in the simple phase: §4.12 only
// describes pipeline-backed recovery (advanced evaluation/implementation),
// since the simple phase has no PipelineExecution to consult — lost work
// is simply reset to not_started for the eval scheduler to retry.
func (r *Recovery) reconcileSimple(ctx context.Context, task *domain.Task) error {
	_, err := r.st.CompareAndUpdateSimpleStatus(ctx, task.ID, domain.EvalEvaluating, domain.EvalNotStarted)
	return err
}

// reconcileViaPipeline implements §4.12's per-phase branch: no linked
// pipeline resets lost work directly; a linked pipeline's outcome is applied
// through the same SyncEvaluationStatus the monitor uses, so a success is
// never missed just because its upload step crashed; pending/running is
// left alone for the monitor to eventually catch.
func (r *Recovery) reconcileViaPipeline(ctx context.Context, task *domain.Task, sessionID *string, resetToNotStarted func() error) error {
	if sessionID == nil {
		return resetToNotStarted()
	}
	session, err := r.st.FindSession(ctx, *sessionID)
	if err != nil {
		return resetToNotStarted()
	}
	execution, err := r.st.FindPipelineExecutionBySession(ctx, session.ID)
	if err != nil {
		return resetToNotStarted()
	}
	switch execution.Status {
	case domain.PipelineSuccess, domain.PipelineFailed, domain.PipelineCanceled:
		return monitor.SyncEvaluationStatus(ctx, r.st, execution, execution.Status, r.log)
	default:
		return nil
	}
}
