package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskops/engine/internal/domain"
	engerrors "github.com/taskops/engine/internal/errors"
)

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func formatTimeV(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// CreateProject inserts a new project.
func (s *Store) CreateProject(ctx context.Context, p *domain.Project) error {
	q := `INSERT INTO projects (id, name, enabled, owner_user_id, job_executor_config, ai_provider_configs, created_at, updated_at)
	      VALUES (` + s.ph(1) + `,` + s.ph(2) + `,` + s.ph(3) + `,` + s.ph(4) + `,` + s.ph(5) + `,` + s.ph(6) + `,` + s.ph(7) + `,` + s.ph(8) + `)`
	now := formatTimeV(p.CreatedAt)
	_, err := s.drv.Exec(ctx, q, p.ID, p.Name, p.Enabled, p.OwnerUserID, p.JobExecutorConfig, p.AIProviderConfigs, now, now)
	if err != nil {
		return engerrors.Transient("store.CreateProject", "insert project", err)
	}
	return nil
}

// FindProject loads a project by id.
func (s *Store) FindProject(ctx context.Context, id string) (*domain.Project, error) {
	q := `SELECT id, name, enabled, owner_user_id, job_executor_config, ai_provider_configs, last_synced_at, created_at, updated_at
	      FROM projects WHERE id = ` + s.ph(1)
	row := s.drv.QueryRow(ctx, q, id)

	var p domain.Project
	var lastSynced, createdAt, updatedAt sql.NullString
	var jobCfg, aiCfg sql.NullString
	var ownerUserID sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.Enabled, &ownerUserID, &jobCfg, &aiCfg, &lastSynced, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, engerrors.NotFound("store.FindProject", "project not found: "+id)
		}
		return nil, engerrors.Transient("store.FindProject", "query project", err)
	}
	p.OwnerUserID = ownerUserID.String
	if jobCfg.Valid {
		p.JobExecutorConfig = []byte(jobCfg.String)
	}
	if aiCfg.Valid {
		p.AIProviderConfigs = []byte(aiCfg.String)
	}
	p.LastSyncedAt = parseTime(lastSynced)
	if t := parseTime(createdAt); t != nil {
		p.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		p.UpdatedAt = *t
	}
	return &p, nil
}

// ListEnabledProjects returns every enabled project, the set the eval
// scheduler iterates since find_tasks_needing_evaluation is scoped per
// project (§4.1, §4.10).
func (s *Store) ListEnabledProjects(ctx context.Context) ([]*domain.Project, error) {
	q := `SELECT id, name, enabled, owner_user_id, job_executor_config, ai_provider_configs, last_synced_at, created_at, updated_at
	      FROM projects WHERE enabled = ` + s.ph(1) + ` ORDER BY created_at ASC`
	rows, err := s.drv.Query(ctx, q, true)
	if err != nil {
		return nil, engerrors.Transient("store.ListEnabledProjects", "query projects", err)
	}
	defer rows.Close()

	var out []*domain.Project
	for rows.Next() {
		var p domain.Project
		var lastSynced, createdAt, updatedAt sql.NullString
		var jobCfg, aiCfg sql.NullString
		var ownerUserID sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.Enabled, &ownerUserID, &jobCfg, &aiCfg, &lastSynced, &createdAt, &updatedAt); err != nil {
			return nil, engerrors.Transient("store.ListEnabledProjects", "scan project", err)
		}
		p.OwnerUserID = ownerUserID.String
		if jobCfg.Valid {
			p.JobExecutorConfig = []byte(jobCfg.String)
		}
		if aiCfg.Valid {
			p.AIProviderConfigs = []byte(aiCfg.String)
		}
		p.LastSyncedAt = parseTime(lastSynced)
		if t := parseTime(createdAt); t != nil {
			p.CreatedAt = *t
		}
		if t := parseTime(updatedAt); t != nil {
			p.UpdatedAt = *t
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// UpdateProjectLastSynced sets last_synced_at to the given time.
func (s *Store) UpdateProjectLastSynced(ctx context.Context, id string, when time.Time) error {
	q := `UPDATE projects SET last_synced_at = ` + s.ph(1) + `, updated_at = ` + s.ph(2) + ` WHERE id = ` + s.ph(3)
	_, err := s.drv.Exec(ctx, q, formatTimeV(when), formatTimeV(time.Now()), id)
	if err != nil {
		return engerrors.Transient("store.UpdateProjectLastSynced", "update project", err)
	}
	return nil
}
