package store

import (
	"context"
	"database/sql"

	"github.com/taskops/engine/internal/domain"
	engerrors "github.com/taskops/engine/internal/errors"
)

const fileSpaceColumns = `id, project_id, name, type, enabled, default_branch, config, created_at, updated_at`

func scanFileSpace(row interface{ Scan(...any) error }) (*domain.FileSpace, error) {
	var fs domain.FileSpace
	var typ string
	var defaultBranch, config sql.NullString
	var createdAt, updatedAt sql.NullString
	if err := row.Scan(&fs.ID, &fs.ProjectID, &fs.Name, &typ, &fs.Enabled, &defaultBranch, &config,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	fs.Type = domain.FileSpaceType(typ)
	fs.DefaultBranch = defaultBranch.String
	fs.Config = []byte(config.String)
	if t := parseTime(createdAt); t != nil {
		fs.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		fs.UpdatedAt = *t
	}
	return &fs, nil
}

// CreateFileSpace inserts a new push destination (§4.9).
func (s *Store) CreateFileSpace(ctx context.Context, fs *domain.FileSpace) error {
	q := `INSERT INTO file_spaces (id, project_id, name, type, enabled, default_branch, config, created_at, updated_at)
	      VALUES (` + s.ph(1) + `,` + s.ph(2) + `,` + s.ph(3) + `,` + s.ph(4) + `,` + s.ph(5) + `,` + s.ph(6) + `,` + s.ph(7) + `,` + s.ph(8) + `,` + s.ph(9) + `)`
	now := formatTimeV(fs.CreatedAt)
	_, err := s.drv.Exec(ctx, q, fs.ID, fs.ProjectID, fs.Name, string(fs.Type), fs.Enabled,
		fs.DefaultBranch, string(fs.Config), now, now)
	if err != nil {
		return engerrors.Transient("store.CreateFileSpace", "insert file space", err)
	}
	return nil
}

// FindFileSpace loads a file space by id.
func (s *Store) FindFileSpace(ctx context.Context, id string) (*domain.FileSpace, error) {
	row := s.drv.QueryRow(ctx, `SELECT `+fileSpaceColumns+` FROM file_spaces WHERE id = `+s.ph(1), id)
	fs, err := scanFileSpace(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, engerrors.NotFound("store.FindFileSpace", "file space not found: "+id)
		}
		return nil, engerrors.Transient("store.FindFileSpace", "query file space", err)
	}
	return fs, nil
}

// ListFileSpacesByProject returns every enabled file space for a project.
func (s *Store) ListFileSpacesByProject(ctx context.Context, projectID string) ([]*domain.FileSpace, error) {
	q := `SELECT ` + fileSpaceColumns + ` FROM file_spaces WHERE project_id = ` + s.ph(1) + ` AND enabled = ` + s.ph(2)
	rows, err := s.drv.Query(ctx, q, projectID, true)
	if err != nil {
		return nil, engerrors.Transient("store.ListFileSpacesByProject", "query file spaces", err)
	}
	defer rows.Close()

	var out []*domain.FileSpace
	for rows.Next() {
		fs, err := scanFileSpace(rows)
		if err != nil {
			return nil, engerrors.Transient("store.ListFileSpacesByProject", "scan file space", err)
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}
