package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskops/engine/internal/domain"
	engerrors "github.com/taskops/engine/internal/errors"
)

const taskColumns = `id, project_id, task_source_id, title, description, status, remote_status,
	      source_provider, source_issue_payload, unique_id, simple_status, simple_verdict, simple_result,
	      advanced_status, advanced_verdict, advanced_result, implementation_status,
	      eval_session_id, impl_session_id, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*domain.Task, error) {
	var t domain.Task
	var status, remoteStatus, provider, payload string
	var description, simpleVerdict, simpleResult sql.NullString
	var advancedVerdict, advancedResult sql.NullString
	var evalSessionID, implSessionID sql.NullString
	var createdAt, updatedAt sql.NullString
	if err := row.Scan(&t.ID, &t.ProjectID, &t.TaskSourceID, &t.Title, &description, &status, &remoteStatus,
		&provider, &payload, &t.UniqueID, &t.SimpleStatus, &simpleVerdict, &simpleResult,
		&t.AdvancedStatus, &advancedVerdict, &advancedResult, &t.ImplementationStatus,
		&evalSessionID, &implSessionID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Description = description.String
	t.Status = status
	t.RemoteStatus = domain.RemoteStatus(remoteStatus)
	t.SourceIssue = domain.SourceIssue{Provider: provider, Payload: []byte(payload)}
	t.SimpleVerdict = domain.Verdict(simpleVerdict.String)
	t.SimpleResult = []byte(simpleResult.String)
	t.AdvancedVerdict = domain.Verdict(advancedVerdict.String)
	t.AdvancedResult = []byte(advancedResult.String)
	if evalSessionID.Valid {
		v := evalSessionID.String
		t.EvalSessionID = &v
	}
	if implSessionID.Valid {
		v := implSessionID.String
		t.ImplSessionID = &v
	}
	if ct := parseTime(createdAt); ct != nil {
		t.CreatedAt = *ct
	}
	if ut := parseTime(updatedAt); ut != nil {
		t.UpdatedAt = *ut
	}
	return &t, nil
}

// FindTask loads a task by id.
func (s *Store) FindTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.drv.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = `+s.ph(1), id)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, engerrors.NotFound("store.FindTask", "task not found: "+id)
		}
		return nil, engerrors.Transient("store.FindTask", "query task", err)
	}
	return t, nil
}

// FindTaskByUniqueID loads a task by its provider-derived unique id.
func (s *Store) FindTaskByUniqueID(ctx context.Context, uniqueID string) (*domain.Task, error) {
	row := s.drv.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE unique_id = `+s.ph(1), uniqueID)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, engerrors.NotFound("store.FindTaskByUniqueID", "task not found: "+uniqueID)
		}
		return nil, engerrors.Transient("store.FindTaskByUniqueID", "query task", err)
	}
	return t, nil
}

// upsertTask is the provider-agnostic core of the upsert_task_from_{gitlab,github,jira}
// composite queries (§4.1, §4.5 step 6): it creates a task on first sight of a
// unique_id, or on subsequent sightings refreshes only the fields that mirror the
// remote issue (title, description, status, remote status, payload), leaving every
// evaluation/implementation field the engine owns untouched.
func (s *Store) upsertTask(ctx context.Context, t *domain.Task) (*domain.Task, bool, error) {
	existing, err := s.FindTaskByUniqueID(ctx, t.UniqueID)
	if err != nil && !errorsIsNotFound(err) {
		return nil, false, err
	}
	now := time.Now()
	if existing == nil {
		if t.ID == "" {
			return nil, false, engerrors.Validation("store.upsertTask", "task id required")
		}
		t.CreatedAt = now
		t.UpdatedAt = now
		if t.SimpleStatus == "" {
			t.SimpleStatus = domain.EvalNotStarted
		}
		if t.AdvancedStatus == "" {
			t.AdvancedStatus = domain.EvalNotStarted
		}
		if t.ImplementationStatus == "" {
			t.ImplementationStatus = domain.ImplNotStarted
		}
		q := `INSERT INTO tasks (id, project_id, task_source_id, title, description, status, remote_status,
		      source_provider, source_issue_payload, unique_id, simple_status, advanced_status,
		      implementation_status, created_at, updated_at) VALUES (` +
			s.ph(1) + `,` + s.ph(2) + `,` + s.ph(3) + `,` + s.ph(4) + `,` + s.ph(5) + `,` + s.ph(6) + `,` +
			s.ph(7) + `,` + s.ph(8) + `,` + s.ph(9) + `,` + s.ph(10) + `,` + s.ph(11) + `,` + s.ph(12) + `,` +
			s.ph(13) + `,` + s.ph(14) + `,` + s.ph(15) + `)`
		_, err := s.drv.Exec(ctx, q, t.ID, t.ProjectID, t.TaskSourceID, t.Title, t.Description, t.Status,
			string(t.RemoteStatus), t.SourceIssue.Provider, string(t.SourceIssue.Payload), t.UniqueID,
			string(t.SimpleStatus), string(t.AdvancedStatus), string(t.ImplementationStatus),
			formatTimeV(now), formatTimeV(now))
		if err != nil {
			return nil, false, engerrors.Transient("store.upsertTask", "insert task", err)
		}
		return t, true, nil
	}

	q := `UPDATE tasks SET title = ` + s.ph(1) + `, description = ` + s.ph(2) + `, status = ` + s.ph(3) +
		`, remote_status = ` + s.ph(4) + `, source_issue_payload = ` + s.ph(5) + `, updated_at = ` + s.ph(6) +
		` WHERE unique_id = ` + s.ph(7)
	_, err = s.drv.Exec(ctx, q, t.Title, t.Description, t.Status, string(t.RemoteStatus),
		string(t.SourceIssue.Payload), formatTimeV(now), t.UniqueID)
	if err != nil {
		return nil, false, engerrors.Transient("store.upsertTask", "update task", err)
	}
	existing.Title = t.Title
	existing.Description = t.Description
	existing.Status = t.Status
	existing.RemoteStatus = t.RemoteStatus
	existing.SourceIssue.Payload = t.SourceIssue.Payload
	existing.UpdatedAt = now
	return existing, false, nil
}

// UpsertTaskFromGitLab implements upsert_task_from_gitlab (§4.1, §4.5).
func (s *Store) UpsertTaskFromGitLab(ctx context.Context, t *domain.Task) (*domain.Task, bool, error) {
	t.SourceIssue.Provider = "gitlab"
	return s.upsertTask(ctx, t)
}

// UpsertTaskFromGitHub implements upsert_task_from_github (§4.1, §4.5).
func (s *Store) UpsertTaskFromGitHub(ctx context.Context, t *domain.Task) (*domain.Task, bool, error) {
	t.SourceIssue.Provider = "github"
	return s.upsertTask(ctx, t)
}

// UpsertTaskFromJira implements upsert_task_from_jira (§4.1, §4.5).
func (s *Store) UpsertTaskFromJira(ctx context.Context, t *domain.Task) (*domain.Task, bool, error) {
	t.SourceIssue.Provider = "jira"
	return s.upsertTask(ctx, t)
}

// FindOpenTasksBySource returns every task created from taskSourceID whose
// RemoteStatus is still opened, the revalidation sweep's target set
// (§4.5 step 8).
func (s *Store) FindOpenTasksBySource(ctx context.Context, taskSourceID string) ([]*domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE task_source_id = ` + s.ph(1) + ` AND remote_status = ` + s.ph(2)
	rows, err := s.drv.Query(ctx, q, taskSourceID, string(domain.RemoteStatusOpened))
	if err != nil {
		return nil, engerrors.Transient("store.FindOpenTasksBySource", "query tasks", err)
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, engerrors.Transient("store.FindOpenTasksBySource", "scan task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskRemoteStatus flips a task's RemoteStatus, used when the
// revalidation sweep observes an issue has closed upstream (§4.5 step 8).
func (s *Store) UpdateTaskRemoteStatus(ctx context.Context, taskID string, status domain.RemoteStatus) error {
	q := `UPDATE tasks SET remote_status = ` + s.ph(1) + `, updated_at = ` + s.ph(2) + ` WHERE id = ` + s.ph(3)
	_, err := s.drv.Exec(ctx, q, string(status), formatTimeV(time.Now()), taskID)
	if err != nil {
		return engerrors.Transient("store.UpdateTaskRemoteStatus", "update task", err)
	}
	return nil
}

// FindTasksNeedingEvaluation implements find_tasks_needing_evaluation
// (§4.1, §4.6, §4.10): tasks whose simple phase has never run, or whose
// simple phase completed ready and whose advanced phase has never run.
func (s *Store) FindTasksNeedingEvaluation(ctx context.Context, projectID string, limit int) ([]*domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = ` + s.ph(1) + ` AND (
	        simple_status = ` + s.ph(2) + `
	        OR (simple_status = ` + s.ph(3) + ` AND simple_verdict = ` + s.ph(4) + ` AND advanced_status = ` + s.ph(5) + `)
	      ) ORDER BY created_at ASC LIMIT ` + s.ph(6)
	rows, err := s.drv.Query(ctx, q, projectID, string(domain.EvalNotStarted), string(domain.EvalCompleted),
		string(domain.VerdictReady), string(domain.EvalNotStarted), limit)
	if err != nil {
		return nil, engerrors.Transient("store.FindTasksNeedingEvaluation", "query tasks", err)
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, engerrors.Transient("store.FindTasksNeedingEvaluation", "scan task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FindTasksReadyForImplementation returns tasks passing Task.CanImplement,
// used by the implementation driver's poll loop (§4.9).
func (s *Store) FindTasksReadyForImplementation(ctx context.Context, projectID string, limit int) ([]*domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = ` + s.ph(1) +
		` AND (advanced_verdict = ` + s.ph(2) + ` OR simple_verdict = ` + s.ph(3) + `)` +
		` AND implementation_status IN (` + s.ph(4) + `,` + s.ph(5) + `,` + s.ph(6) + `)` +
		` ORDER BY created_at ASC LIMIT ` + s.ph(7)
	rows, err := s.drv.Query(ctx, q, projectID, string(domain.VerdictReady), string(domain.VerdictReady),
		string(domain.ImplNotStarted), string(domain.ImplFailed), string(domain.ImplCanceled), limit)
	if err != nil {
		return nil, engerrors.Transient("store.FindTasksReadyForImplementation", "query tasks", err)
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, engerrors.Transient("store.FindTasksReadyForImplementation", "scan task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FindStuckEvaluatingTasks implements find_stuck_evaluating_tasks
// (§4.1, §4.12): tasks that have sat in evaluating/implementing past the
// given deadline, the recovery sweep's target set.
func (s *Store) FindStuckEvaluatingTasks(ctx context.Context, olderThan time.Time) ([]*domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE updated_at < ` + s.ph(1) +
		` AND (simple_status = ` + s.ph(2) + ` OR advanced_status = ` + s.ph(3) + ` OR implementation_status = ` + s.ph(4) + `)`
	rows, err := s.drv.Query(ctx, q, formatTimeV(olderThan), string(domain.EvalEvaluating),
		string(domain.EvalEvaluating), string(domain.ImplImplementing))
	if err != nil {
		return nil, engerrors.Transient("store.FindStuckEvaluatingTasks", "query tasks", err)
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, engerrors.Transient("store.FindStuckEvaluatingTasks", "scan task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CompareAndUpdateSimpleStatus performs the compare-and-update transition the
// evaluator relies on for exactly-once pickup (§4.1, §4.7): it only applies
// when the task's current simple_status matches expectedFrom, returning
// false (no error) if another worker already moved it.
func (s *Store) CompareAndUpdateSimpleStatus(ctx context.Context, taskID string, expectedFrom, to domain.EvalStatus) (bool, error) {
	q := `UPDATE tasks SET simple_status = ` + s.ph(1) + `, updated_at = ` + s.ph(2) +
		` WHERE id = ` + s.ph(3) + ` AND simple_status = ` + s.ph(4)
	res, err := s.drv.Exec(ctx, q, string(to), formatTimeV(time.Now()), taskID, string(expectedFrom))
	if err != nil {
		return false, engerrors.Transient("store.CompareAndUpdateSimpleStatus", "update task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, engerrors.Transient("store.CompareAndUpdateSimpleStatus", "rows affected", err)
	}
	return n > 0, nil
}

// CompareAndUpdateAdvancedStatus is the advanced-phase analogue of
// CompareAndUpdateSimpleStatus (§4.1, §4.8).
func (s *Store) CompareAndUpdateAdvancedStatus(ctx context.Context, taskID string, expectedFrom, to domain.EvalStatus) (bool, error) {
	q := `UPDATE tasks SET advanced_status = ` + s.ph(1) + `, updated_at = ` + s.ph(2) +
		` WHERE id = ` + s.ph(3) + ` AND advanced_status = ` + s.ph(4)
	res, err := s.drv.Exec(ctx, q, string(to), formatTimeV(time.Now()), taskID, string(expectedFrom))
	if err != nil {
		return false, engerrors.Transient("store.CompareAndUpdateAdvancedStatus", "update task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, engerrors.Transient("store.CompareAndUpdateAdvancedStatus", "rows affected", err)
	}
	return n > 0, nil
}

// CompareAndUpdateImplementationStatus is the implementation-phase analogue
// of CompareAndUpdateSimpleStatus (§4.1, §4.9).
func (s *Store) CompareAndUpdateImplementationStatus(ctx context.Context, taskID string, expectedFrom, to domain.ImplStatus) (bool, error) {
	q := `UPDATE tasks SET implementation_status = ` + s.ph(1) + `, updated_at = ` + s.ph(2) +
		` WHERE id = ` + s.ph(3) + ` AND implementation_status = ` + s.ph(4)
	res, err := s.drv.Exec(ctx, q, string(to), formatTimeV(time.Now()), taskID, string(expectedFrom))
	if err != nil {
		return false, engerrors.Transient("store.CompareAndUpdateImplementationStatus", "update task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, engerrors.Transient("store.CompareAndUpdateImplementationStatus", "rows affected", err)
	}
	return n > 0, nil
}

// SaveSimpleResult records the simple evaluator's verdict and result payload
// (§4.7), and is only meaningful once CompareAndUpdateSimpleStatus has
// claimed the task into EvalEvaluating.
func (s *Store) SaveSimpleResult(ctx context.Context, taskID string, verdict domain.Verdict, result []byte, sessionID *string) error {
	q := `UPDATE tasks SET simple_status = ` + s.ph(1) + `, simple_verdict = ` + s.ph(2) +
		`, simple_result = ` + s.ph(3) + `, eval_session_id = ` + s.ph(4) + `, updated_at = ` + s.ph(5) +
		` WHERE id = ` + s.ph(6)
	var sid sql.NullString
	if sessionID != nil {
		sid = sql.NullString{String: *sessionID, Valid: true}
	}
	_, err := s.drv.Exec(ctx, q, string(domain.EvalCompleted), string(verdict), string(result), sid, formatTimeV(time.Now()), taskID)
	if err != nil {
		return engerrors.Transient("store.SaveSimpleResult", "update task", err)
	}
	return nil
}

// SaveAdvancedResult records the advanced driver's verdict and report (§4.8).
func (s *Store) SaveAdvancedResult(ctx context.Context, taskID string, verdict domain.Verdict, result []byte, sessionID *string) error {
	q := `UPDATE tasks SET advanced_status = ` + s.ph(1) + `, advanced_verdict = ` + s.ph(2) +
		`, advanced_result = ` + s.ph(3) + `, eval_session_id = ` + s.ph(4) + `, updated_at = ` + s.ph(5) +
		` WHERE id = ` + s.ph(6)
	var sid sql.NullString
	if sessionID != nil {
		sid = sql.NullString{String: *sessionID, Valid: true}
	}
	_, err := s.drv.Exec(ctx, q, string(domain.EvalCompleted), string(verdict), string(result), sid, formatTimeV(time.Now()), taskID)
	if err != nil {
		return engerrors.Transient("store.SaveAdvancedResult", "update task", err)
	}
	return nil
}

// SetTaskEvalSession links an in-flight advanced-evaluation session to its
// task (§4.8 step 3), ahead of the pipeline completing and SaveAdvancedResult
// recording the final verdict.
func (s *Store) SetTaskEvalSession(ctx context.Context, taskID, sessionID string) error {
	q := `UPDATE tasks SET eval_session_id = ` + s.ph(1) + `, updated_at = ` + s.ph(2) + ` WHERE id = ` + s.ph(3)
	_, err := s.drv.Exec(ctx, q, sessionID, formatTimeV(time.Now()), taskID)
	if err != nil {
		return engerrors.Transient("store.SetTaskEvalSession", "update task", err)
	}
	return nil
}

// SetTaskImplSession links an in-flight implementation session to its task
// (§4.9), the implementation-phase analogue of SetTaskEvalSession.
func (s *Store) SetTaskImplSession(ctx context.Context, taskID, sessionID string) error {
	q := `UPDATE tasks SET impl_session_id = ` + s.ph(1) + `, updated_at = ` + s.ph(2) + ` WHERE id = ` + s.ph(3)
	_, err := s.drv.Exec(ctx, q, sessionID, formatTimeV(time.Now()), taskID)
	if err != nil {
		return engerrors.Transient("store.SetTaskImplSession", "update task", err)
	}
	return nil
}

// FindTaskByEvalSessionID resolves an advanced-evaluation session back to
// its task, the lookup evaluation-status sync (§4.11a) needs to apply a
// pipeline's outcome.
func (s *Store) FindTaskByEvalSessionID(ctx context.Context, sessionID string) (*domain.Task, error) {
	row := s.drv.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE eval_session_id = `+s.ph(1), sessionID)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, engerrors.NotFound("store.FindTaskByEvalSessionID", "task not found for eval session: "+sessionID)
		}
		return nil, engerrors.Transient("store.FindTaskByEvalSessionID", "query task", err)
	}
	return t, nil
}

// FindTaskByImplSessionID is the implementation-phase analogue of
// FindTaskByEvalSessionID.
func (s *Store) FindTaskByImplSessionID(ctx context.Context, sessionID string) (*domain.Task, error) {
	row := s.drv.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE impl_session_id = `+s.ph(1), sessionID)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, engerrors.NotFound("store.FindTaskByImplSessionID", "task not found for impl session: "+sessionID)
		}
		return nil, engerrors.Transient("store.FindTaskByImplSessionID", "query task", err)
	}
	return t, nil
}

func errorsIsNotFound(err error) bool {
	return engerrors.IsCategory(err, engerrors.CategoryNotFound)
}
