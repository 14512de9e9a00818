package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/taskops/engine/internal/domain"
	engerrors "github.com/taskops/engine/internal/errors"
	"github.com/taskops/engine/internal/quota"
	"github.com/taskops/engine/internal/secrets"
	"github.com/taskops/engine/internal/store"
)

// Message is the task-eval queue payload (§4.2), shared between the simple
// (§4.7) and advanced (§4.8) evaluation phases: both are entered from the
// same `{taskId}` message, with the task's current state deciding which
// phase actually runs.
type Message struct {
	TaskID string `json:"taskId"`
}

// advancer is the slice of internal/agentic.Driver this package calls once
// the simple phase has produced a ready verdict, so the two packages stay
// decoupled (evaluator never imports agentic's CI/session machinery
// directly) and so tests can substitute a fake.
type advancer interface {
	Evaluate(ctx context.Context, taskID string) error
}

// simpleEvaluator is the slice of *Evaluator this package calls, so tests
// can substitute a fake instead of constructing a real Anthropic client.
type simpleEvaluator interface {
	Evaluate(ctx context.Context, title, description string) (*Verdict, error)
}

// Service is the §4.7 consumer: on every task-eval message it resolves
// quota/credentials, runs the simple evaluator, persists the verdict, and —
// if the task is ready — hands it straight to the advanced-evaluation
// driver in the same pass, rather than round-tripping through the queue a
// second time.
type Service struct {
	st       *store.Store
	secrets  secrets.Client
	quota    *quota.Selector
	advancer advancer
	client   func(apiKey, model string) simpleEvaluator
	log      *slog.Logger
}

// NewService builds a Service. advance may be nil if advanced evaluation is
// deliberately out of scope for the caller (e.g. a test exercising only the
// simple phase).
func NewService(st *store.Store, secretsClient secrets.Client, selector *quota.Selector, advance advancer, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		st: st, secrets: secretsClient, quota: selector, advancer: advance, log: log,
		client: func(apiKey, model string) simpleEvaluator { return New(apiKey, model) },
	}
}

// HandleMessage adapts the broker.Handler signature for the task-eval
// consumer (§4.2).
func (s *Service) HandleMessage(ctx context.Context, payload []byte, attempt int) error {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return engerrors.Validation("evaluator.HandleMessage", "decode message: "+err.Error())
	}
	return s.ProcessTask(ctx, msg.TaskID)
}

// ProcessTask dispatches one task-eval message to whichever phase its
// current state calls for, or no-ops if neither phase applies (already
// in progress, already terminal, or failed to reach evaluable state).
func (s *Service) ProcessTask(ctx context.Context, taskID string) error {
	task, err := s.st.FindTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("evaluator: load task: %w", err)
	}

	switch {
	case task.SimpleStatus == domain.EvalNotStarted:
		return s.runSimple(ctx, task)
	case task.CanEnterAdvanced() && task.AdvancedStatus == domain.EvalNotStarted:
		if s.advancer == nil {
			return nil
		}
		return s.advancer.Evaluate(ctx, task.ID)
	default:
		return nil
	}
}

// runSimple implements §4.7: one LLM call against the project's resolved
// credentials, persisting a needs_clarification-equivalent verdict even on
// a malformed model response. A claimed-but-unresolvable task (quota
// exhausted, transport failure) reverts its claim so the eval scheduler
// can retry it later instead of leaving it stuck in evaluating.
func (s *Service) runSimple(ctx context.Context, task *domain.Task) error {
	if task.ProjectID == "" {
		s.log.Warn("evaluator: task has no project", "task_id", task.ID)
		return nil
	}
	project, err := s.st.FindProject(ctx, task.ProjectID)
	if err != nil {
		return fmt.Errorf("evaluator: load project: %w", err)
	}
	if project.OwnerUserID == "" {
		s.log.Warn("evaluator: project has no owner, cannot resolve quota", "project_id", project.ID)
		return nil
	}

	claimed, err := s.st.CompareAndUpdateSimpleStatus(ctx, task.ID, domain.EvalNotStarted, domain.EvalEvaluating)
	if err != nil {
		return fmt.Errorf("evaluator: claim task: %w", err)
	}
	if !claimed {
		return nil
	}

	sel, err := s.quota.Select(ctx, project.OwnerUserID, project, quota.KindSimple)
	if err != nil {
		s.revertClaim(ctx, task.ID)
		var qe *engerrors.QuotaExceededError
		if errors.As(err, &qe) {
			s.log.Info("evaluator: simple quota exceeded, leaving task for later retry", "task_id", task.ID)
			return nil
		}
		return fmt.Errorf("evaluator: resolve quota: %w", err)
	}

	verdict, err := s.client(sel.APIKey, sel.Model).Evaluate(ctx, task.Title, task.Description)
	if err != nil {
		s.revertClaim(ctx, task.ID)
		return fmt.Errorf("evaluator: run simple evaluation: %w", err)
	}

	// §4.6: quota increments after a successful in-process simple evaluation.
	if err := s.quota.Increment(ctx, project.OwnerUserID, quota.KindSimple); err != nil {
		s.log.Error("evaluator: increment simple quota", "error", err)
	}

	domVerdict := domain.VerdictNeedsClarification
	if verdict.ShouldEvaluate {
		domVerdict = domain.VerdictReady
	}
	resultJSON, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("evaluator: marshal verdict: %w", err)
	}
	if err := s.st.SaveSimpleResult(ctx, task.ID, domVerdict, resultJSON, nil); err != nil {
		return fmt.Errorf("evaluator: save simple result: %w", err)
	}

	if domVerdict != domain.VerdictReady || s.advancer == nil {
		return nil
	}
	return s.advancer.Evaluate(ctx, task.ID)
}

func (s *Service) revertClaim(ctx context.Context, taskID string) {
	if _, err := s.st.CompareAndUpdateSimpleStatus(ctx, taskID, domain.EvalEvaluating, domain.EvalNotStarted); err != nil {
		s.log.Error("evaluator: revert claim", "task_id", taskID, "error", err)
	}
}
