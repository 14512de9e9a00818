// Package scheduler implements the two cooperatively-scheduled timers of
// §4.10 (C10): the sync scheduler re-publishes task sources that have gone
// stale or stuck, and the eval scheduler re-publishes tasks that are
// eligible for evaluation but never made it onto (or fell off) the task-eval
// queue. Both are grounded on the same started/stop/ticker shape used by
// internal/monitor and internal/recovery, generalizing the teacher's
// executor retry-loop idiom to a periodic sweep instead of a bounded retry.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskops/engine/internal/broker"
	"github.com/taskops/engine/internal/config"
	"github.com/taskops/engine/internal/domain"
	"github.com/taskops/engine/internal/evaluator"
	engsync "github.com/taskops/engine/internal/sync"
	"github.com/taskops/engine/internal/store"
)

// publisher is the slice of *broker.Broker this package calls, mirroring
// internal/sync's narrow collaborator interface so tests can substitute a
// fake instead of a live NATS connection.
type publisher interface {
	Publish(ctx context.Context, queue broker.Queue, payload any) error
}

// ticker is the shared started/stop/poll-loop shape both schedulers embed.
// Each owner supplies its own sweep function; ticker only owns the loop.
type ticker struct {
	interval time.Duration
	sweep    func(ctx context.Context) error
	log      *slog.Logger
	label    string

	mu      sync.Mutex
	started bool
	stop    chan struct{}
}

func (t *ticker) Label() string { return t.label }

func (t *ticker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.stop = make(chan struct{})
	stop := t.stop
	t.mu.Unlock()

	if err := t.sweep(ctx); err != nil {
		t.log.Error(t.label+" sweep failed", "error", err)
	}

	tk := time.NewTicker(t.interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			t.markStopped()
			return nil
		case <-stop:
			return nil
		case <-tk.C:
			if err := t.sweep(ctx); err != nil {
				t.log.Error(t.label+" sweep failed", "error", err)
			}
		}
	}
}

func (t *ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return
	}
	close(t.stop)
	t.started = false
}

func (t *ticker) markStopped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = false
}

// SyncScheduler re-publishes task sources that are due for a sync pass
// (§4.10 first timer), either because they've gone stale or because a prior
// publish got stuck in queued/syncing past the queued timeout.
type SyncScheduler struct {
	*ticker
	st  *store.Store
	br  publisher
	cfg *config.Config
}

// NewSyncScheduler builds a SyncScheduler on cfg.SyncInterval.
func NewSyncScheduler(st *store.Store, br publisher, cfg *config.Config, log *slog.Logger) *SyncScheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &SyncScheduler{st: st, br: br, cfg: cfg}
	s.ticker = &ticker{interval: cfg.SyncInterval(), log: log, label: "sync-scheduler", sweep: s.Sweep}
	return s
}

// Sweep implements §4.1's find_task_sources_needing_sync poll, marking each
// returned task source queued and republishing it to task-sync. A task
// source already sitting in queued/syncing past the queued timeout is a
// stuck re-publish and logged distinctly from a regular catch-up sync.
func (s *SyncScheduler) Sweep(ctx context.Context) error {
	staleBefore := time.Now().Add(-s.cfg.SyncThreshold())
	queuedBefore := time.Now().Add(-s.cfg.QueuedTimeout())
	sources, err := s.st.FindTaskSourcesNeedingSync(ctx, staleBefore, queuedBefore)
	if err != nil {
		return fmt.Errorf("scheduler: list task sources needing sync: %w", err)
	}
	for _, ts := range sources {
		stuck := ts.SyncStatus == domain.SyncStatusQueued || ts.SyncStatus == domain.SyncStatusSyncing
		if stuck {
			s.log.Warn("scheduler: re-publishing stuck task source", "task_source_id", ts.ID, "sync_status", ts.SyncStatus)
		} else {
			s.log.Info("scheduler: publishing task source for sync", "task_source_id", ts.ID)
		}
		if err := s.st.UpdateTaskSourceSyncStatus(ctx, ts.ID, domain.SyncStatusQueued, ""); err != nil {
			s.log.Error("scheduler: mark task source queued", "task_source_id", ts.ID, "error", err)
			continue
		}
		msg := engsync.Message{TaskSourceID: ts.ID, Provider: string(ts.Type)}
		if err := s.br.Publish(ctx, broker.QueueSync, msg); err != nil {
			s.log.Error("scheduler: publish task-sync message", "task_source_id", ts.ID, "error", err)
		}
	}
	return nil
}

// EvalScheduler re-publishes tasks eligible for simple or advanced
// evaluation that aren't already in flight (§4.10 second timer).
type EvalScheduler struct {
	*ticker
	st  *store.Store
	br  publisher
	cfg *config.Config
}

// NewEvalScheduler builds an EvalScheduler on cfg.EvalInterval.
func NewEvalScheduler(st *store.Store, br publisher, cfg *config.Config, log *slog.Logger) *EvalScheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &EvalScheduler{st: st, br: br, cfg: cfg}
	s.ticker = &ticker{interval: cfg.EvalInterval(), log: log, label: "eval-scheduler", sweep: s.Sweep}
	return s
}

// Sweep implements §4.1's find_tasks_needing_evaluation poll. The query is
// scoped per project, so every enabled project is swept in turn; a
// publish failure for one task is logged and skipped rather than aborting
// the rest of the batch.
func (s *EvalScheduler) Sweep(ctx context.Context) error {
	projects, err := s.st.ListEnabledProjects(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list enabled projects: %w", err)
	}
	for _, project := range projects {
		tasks, err := s.st.FindTasksNeedingEvaluation(ctx, project.ID, 100)
		if err != nil {
			s.log.Error("scheduler: list tasks needing evaluation", "project_id", project.ID, "error", err)
			continue
		}
		for _, task := range tasks {
			msg := evaluator.Message{TaskID: task.ID}
			if err := s.br.Publish(ctx, broker.QueueEval, msg); err != nil {
				s.log.Error("scheduler: publish task-eval message", "task_id", task.ID, "error", err)
			}
		}
	}
	return nil
}
