package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskops/engine/internal/domain"
	engerrors "github.com/taskops/engine/internal/errors"
)

const workerRepoColumns = `id, project_id, source_host, source_project_id, source_path,
	      access_token_ciphertext, current_version, created_at, updated_at`

func scanWorkerRepository(row interface{ Scan(...any) error }) (*domain.WorkerRepository, error) {
	var wr domain.WorkerRepository
	var createdAt, updatedAt sql.NullString
	if err := row.Scan(&wr.ID, &wr.ProjectID, &wr.SourceHost, &wr.SourceProjectID, &wr.SourcePath,
		&wr.AccessTokenCiphertext, &wr.CurrentVersion, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if t := parseTime(createdAt); t != nil {
		wr.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		wr.UpdatedAt = *t
	}
	return &wr, nil
}

// CreateWorkerRepository inserts the per-project worker repository that CI
// templates are pushed to and pipelines are triggered against (§4.4).
func (s *Store) CreateWorkerRepository(ctx context.Context, wr *domain.WorkerRepository) error {
	q := `INSERT INTO worker_repositories (id, project_id, source_host, source_project_id, source_path,
	      access_token_ciphertext, current_version, created_at, updated_at) VALUES (` +
		s.ph(1) + `,` + s.ph(2) + `,` + s.ph(3) + `,` + s.ph(4) + `,` + s.ph(5) + `,` + s.ph(6) + `,` + s.ph(7) + `,` + s.ph(8) + `,` + s.ph(9) + `)`
	now := formatTimeV(wr.CreatedAt)
	_, err := s.drv.Exec(ctx, q, wr.ID, wr.ProjectID, wr.SourceHost, wr.SourceProjectID, wr.SourcePath,
		wr.AccessTokenCiphertext, wr.CurrentVersion, now, now)
	if err != nil {
		return engerrors.Transient("store.CreateWorkerRepository", "insert worker repository", err)
	}
	return nil
}

// FindWorkerRepositoryByProject loads the (unique) worker repository for a project.
func (s *Store) FindWorkerRepositoryByProject(ctx context.Context, projectID string) (*domain.WorkerRepository, error) {
	row := s.drv.QueryRow(ctx, `SELECT `+workerRepoColumns+` FROM worker_repositories WHERE project_id = `+s.ph(1), projectID)
	wr, err := scanWorkerRepository(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, engerrors.NotFound("store.FindWorkerRepositoryByProject", "worker repository not found for project: "+projectID)
		}
		return nil, engerrors.Transient("store.FindWorkerRepositoryByProject", "query worker repository", err)
	}
	return wr, nil
}

// FindWorkerRepository loads a worker repository by id, the lookup the
// pipeline monitor needs since a PipelineExecution references its worker
// repository directly rather than by project (§4.11).
func (s *Store) FindWorkerRepository(ctx context.Context, id string) (*domain.WorkerRepository, error) {
	row := s.drv.QueryRow(ctx, `SELECT `+workerRepoColumns+` FROM worker_repositories WHERE id = `+s.ph(1), id)
	wr, err := scanWorkerRepository(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, engerrors.NotFound("store.FindWorkerRepository", "worker repository not found: "+id)
		}
		return nil, engerrors.Transient("store.FindWorkerRepository", "query worker repository", err)
	}
	return wr, nil
}

// BumpWorkerRepositoryVersion increments current_version, used when CI
// templates are re-pushed after a template change (§4.4).
func (s *Store) BumpWorkerRepositoryVersion(ctx context.Context, id string, version int) error {
	q := `UPDATE worker_repositories SET current_version = ` + s.ph(1) + `, updated_at = ` + s.ph(2) + ` WHERE id = ` + s.ph(3)
	_, err := s.drv.Exec(ctx, q, version, formatTimeV(time.Now()), id)
	if err != nil {
		return engerrors.Transient("store.BumpWorkerRepositoryVersion", "update worker repository", err)
	}
	return nil
}
