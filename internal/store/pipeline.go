package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskops/engine/internal/domain"
	engerrors "github.com/taskops/engine/internal/errors"
)

const pipelineExecutionColumns = `id, session_id, worker_repository_id, pipeline_id, status, last_status_update, created_at, updated_at`

func scanPipelineExecution(row interface{ Scan(...any) error }) (*domain.PipelineExecution, error) {
	var pe domain.PipelineExecution
	var status string
	var lastStatusUpdate, createdAt, updatedAt sql.NullString
	if err := row.Scan(&pe.ID, &pe.SessionID, &pe.WorkerRepositoryID, &pe.PipelineID, &status,
		&lastStatusUpdate, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	pe.Status = domain.PipelineStatus(status)
	pe.LastStatusUpdate = parseTime(lastStatusUpdate)
	if t := parseTime(createdAt); t != nil {
		pe.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		pe.UpdatedAt = *t
	}
	return &pe, nil
}

// CreatePipelineExecution inserts a new pipeline execution row (§4.4).
func (s *Store) CreatePipelineExecution(ctx context.Context, pe *domain.PipelineExecution) error {
	q := `INSERT INTO pipeline_executions (id, session_id, worker_repository_id, pipeline_id, status,
	      last_status_update, created_at, updated_at) VALUES (` +
		s.ph(1) + `,` + s.ph(2) + `,` + s.ph(3) + `,` + s.ph(4) + `,` + s.ph(5) + `,` + s.ph(6) + `,` + s.ph(7) + `,` + s.ph(8) + `)`
	now := formatTimeV(pe.CreatedAt)
	_, err := s.drv.Exec(ctx, q, pe.ID, pe.SessionID, pe.WorkerRepositoryID, pe.PipelineID,
		string(pe.Status), formatTime(pe.LastStatusUpdate), now, now)
	if err != nil {
		return engerrors.Transient("store.CreatePipelineExecution", "insert pipeline execution", err)
	}
	return nil
}

// FindPipelineExecution loads a pipeline execution by id.
func (s *Store) FindPipelineExecution(ctx context.Context, id string) (*domain.PipelineExecution, error) {
	row := s.drv.QueryRow(ctx, `SELECT `+pipelineExecutionColumns+` FROM pipeline_executions WHERE id = `+s.ph(1), id)
	pe, err := scanPipelineExecution(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, engerrors.NotFound("store.FindPipelineExecution", "pipeline execution not found: "+id)
		}
		return nil, engerrors.Transient("store.FindPipelineExecution", "query pipeline execution", err)
	}
	return pe, nil
}

// FindPipelineExecutionBySession loads the pipeline execution triggered by
// a session, the lookup §4.12's stuck-task recovery needs to find a
// stuck task's in-flight pipeline without it being in the stale set yet.
// One session triggers exactly one execution (§4.8/§4.9), so the most
// recently created row is the execution to reconcile.
func (s *Store) FindPipelineExecutionBySession(ctx context.Context, sessionID string) (*domain.PipelineExecution, error) {
	row := s.drv.QueryRow(ctx, `SELECT `+pipelineExecutionColumns+` FROM pipeline_executions
	      WHERE session_id = `+s.ph(1)+` ORDER BY created_at DESC LIMIT 1`, sessionID)
	pe, err := scanPipelineExecution(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, engerrors.NotFound("store.FindPipelineExecutionBySession", "pipeline execution not found for session: "+sessionID)
		}
		return nil, engerrors.Transient("store.FindPipelineExecutionBySession", "query pipeline execution", err)
	}
	return pe, nil
}

// UpdatePipelineStatus applies a new status mapped from the CI provider's
// native status (§4.4), refusing to move a terminal status (§8 invariant 3).
func (s *Store) UpdatePipelineStatus(ctx context.Context, id string, status domain.PipelineStatus, when time.Time) error {
	existing, err := s.FindPipelineExecution(ctx, id)
	if err != nil {
		return err
	}
	if existing.Status.Terminal() {
		return nil
	}
	q := `UPDATE pipeline_executions SET status = ` + s.ph(1) + `, last_status_update = ` + s.ph(2) +
		`, updated_at = ` + s.ph(3) + ` WHERE id = ` + s.ph(4)
	_, err = s.drv.Exec(ctx, q, string(status), formatTimeV(when), formatTimeV(when), id)
	if err != nil {
		return engerrors.Transient("store.UpdatePipelineStatus", "update pipeline execution", err)
	}
	return nil
}

// FindStalePipelineExecutions implements find_stale_pipeline_executions
// (§4.1, §4.11): non-terminal executions whose last_status_update predates
// the given deadline, the pipeline monitor's polling target set.
func (s *Store) FindStalePipelineExecutions(ctx context.Context, olderThan time.Time) ([]*domain.PipelineExecution, error) {
	q := `SELECT ` + pipelineExecutionColumns + ` FROM pipeline_executions
	      WHERE status NOT IN (` + s.ph(1) + `,` + s.ph(2) + `,` + s.ph(3) + `)
	      AND (last_status_update IS NULL OR last_status_update < ` + s.ph(4) + `)`
	rows, err := s.drv.Query(ctx, q, string(domain.PipelineSuccess), string(domain.PipelineFailed),
		string(domain.PipelineCanceled), formatTimeV(olderThan))
	if err != nil {
		return nil, engerrors.Transient("store.FindStalePipelineExecutions", "query pipeline executions", err)
	}
	defer rows.Close()

	var out []*domain.PipelineExecution
	for rows.Next() {
		pe, err := scanPipelineExecution(rows)
		if err != nil {
			return nil, engerrors.Transient("store.FindStalePipelineExecutions", "scan pipeline execution", err)
		}
		out = append(out, pe)
	}
	return out, rows.Err()
}

// CreatePipelineArtifact records one artifact produced by a pipeline
// execution (§4.11, §4.11a).
func (s *Store) CreatePipelineArtifact(ctx context.Context, a *domain.PipelineArtifact) error {
	q := `INSERT INTO pipeline_artifacts (id, pipeline_execution_id, artifact_type, reference_url, metadata, created_at)
	      VALUES (` + s.ph(1) + `,` + s.ph(2) + `,` + s.ph(3) + `,` + s.ph(4) + `,` + s.ph(5) + `,` + s.ph(6) + `)`
	_, err := s.drv.Exec(ctx, q, a.ID, a.PipelineExecutionID, string(a.ArtifactType), a.ReferenceURL,
		string(a.Metadata), formatTimeV(a.CreatedAt))
	if err != nil {
		return engerrors.Transient("store.CreatePipelineArtifact", "insert artifact", err)
	}
	return nil
}

// FindArtifactsByExecution lists every artifact a pipeline execution produced.
func (s *Store) FindArtifactsByExecution(ctx context.Context, executionID string) ([]*domain.PipelineArtifact, error) {
	q := `SELECT id, pipeline_execution_id, artifact_type, reference_url, metadata, created_at
	      FROM pipeline_artifacts WHERE pipeline_execution_id = ` + s.ph(1) + ` ORDER BY created_at ASC`
	rows, err := s.drv.Query(ctx, q, executionID)
	if err != nil {
		return nil, engerrors.Transient("store.FindArtifactsByExecution", "query artifacts", err)
	}
	defer rows.Close()

	var out []*domain.PipelineArtifact
	for rows.Next() {
		var a domain.PipelineArtifact
		var artifactType, referenceURL, metadata sql.NullString
		var createdAt sql.NullString
		if err := rows.Scan(&a.ID, &a.PipelineExecutionID, &artifactType, &referenceURL, &metadata, &createdAt); err != nil {
			return nil, engerrors.Transient("store.FindArtifactsByExecution", "scan artifact", err)
		}
		a.ArtifactType = domain.ArtifactType(artifactType.String)
		a.ReferenceURL = referenceURL.String
		a.Metadata = []byte(metadata.String)
		if t := parseTime(createdAt); t != nil {
			a.CreatedAt = *t
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
