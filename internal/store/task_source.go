package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskops/engine/internal/domain"
	engerrors "github.com/taskops/engine/internal/errors"
	"github.com/taskops/engine/internal/store/driver"
)

const taskSourceColumns = `id, project_id, name, enabled, type, config, sync_status, sync_error, last_synced_at, created_at, updated_at`

func scanTaskSource(row interface{ Scan(...any) error }) (*domain.TaskSource, error) {
	var ts domain.TaskSource
	var typ, config, syncStatus, syncError sql.NullString
	var lastSynced, createdAt, updatedAt sql.NullString
	if err := row.Scan(&ts.ID, &ts.ProjectID, &ts.Name, &ts.Enabled, &typ, &config, &syncStatus,
		&syncError, &lastSynced, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	ts.Type = domain.TaskSourceType(typ.String)
	ts.Config = []byte(config.String)
	ts.SyncStatus = domain.SyncStatus(syncStatus.String)
	ts.SyncError = syncError.String
	ts.LastSyncedAt = parseTime(lastSynced)
	if t := parseTime(createdAt); t != nil {
		ts.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		ts.UpdatedAt = *t
	}
	return &ts, nil
}

// CreateTaskSource inserts a new task source.
func (s *Store) CreateTaskSource(ctx context.Context, ts *domain.TaskSource) error {
	q := `INSERT INTO task_sources (id, project_id, name, enabled, type, config, sync_status, sync_error,
	      last_synced_at, created_at, updated_at) VALUES (` +
		s.ph(1) + `,` + s.ph(2) + `,` + s.ph(3) + `,` + s.ph(4) + `,` + s.ph(5) + `,` + s.ph(6) + `,` +
		s.ph(7) + `,` + s.ph(8) + `,` + s.ph(9) + `,` + s.ph(10) + `,` + s.ph(11) + `)`
	now := formatTimeV(ts.CreatedAt)
	status := ts.SyncStatus
	if status == "" {
		status = domain.SyncStatusPending
	}
	_, err := s.drv.Exec(ctx, q, ts.ID, ts.ProjectID, ts.Name, ts.Enabled, string(ts.Type), string(ts.Config),
		string(status), ts.SyncError, formatTime(ts.LastSyncedAt), now, now)
	if err != nil {
		return engerrors.Transient("store.CreateTaskSource", "insert task source", err)
	}
	return nil
}

// FindTaskSource loads a task source by id.
func (s *Store) FindTaskSource(ctx context.Context, id string) (*domain.TaskSource, error) {
	row := s.drv.QueryRow(ctx, `SELECT `+taskSourceColumns+` FROM task_sources WHERE id = `+s.ph(1), id)
	ts, err := scanTaskSource(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, engerrors.NotFound("store.FindTaskSource", "task source not found: "+id)
		}
		return nil, engerrors.Transient("store.FindTaskSource", "query task source", err)
	}
	return ts, nil
}

// FindTaskSourcesNeedingSync returns every enabled, non-manual task source
// that is due for a sync pass: either last_synced_at predates staleBefore
// (regular catch-up), or it has sat in queued/syncing past queuedBefore
// (stuck and due for a forced re-publish). The find_task_sources_needing_sync
// composite query the scheduler polls on (§4.1, §4.10); callers distinguish
// the two cases post-hoc from the returned SyncStatus to log them separately.
func (s *Store) FindTaskSourcesNeedingSync(ctx context.Context, staleBefore, queuedBefore time.Time) ([]*domain.TaskSource, error) {
	q := `SELECT ` + taskSourceColumns + ` FROM task_sources
	      WHERE enabled = ` + s.ph(1) + ` AND type != ` + s.ph(2) + ` AND (
	        (last_synced_at IS NULL OR last_synced_at < ` + s.ph(3) + `)
	        OR (sync_status IN (` + s.ph(4) + `,` + s.ph(5) + `) AND updated_at < ` + s.ph(6) + `)
	      )
	      ORDER BY last_synced_at ASC NULLS FIRST`
	if s.drv.Dialect() == driver.DialectSQLite {
		q = `SELECT ` + taskSourceColumns + ` FROM task_sources
	      WHERE enabled = ` + s.ph(1) + ` AND type != ` + s.ph(2) + ` AND (
	        (last_synced_at IS NULL OR last_synced_at < ` + s.ph(3) + `)
	        OR (sync_status IN (` + s.ph(4) + `,` + s.ph(5) + `) AND updated_at < ` + s.ph(6) + `)
	      )
	      ORDER BY (last_synced_at IS NULL) DESC, last_synced_at ASC`
	}
	rows, err := s.drv.Query(ctx, q, true, string(domain.TaskSourceManual), formatTimeV(staleBefore),
		string(domain.SyncStatusQueued), string(domain.SyncStatusSyncing), formatTimeV(queuedBefore))
	if err != nil {
		return nil, engerrors.Transient("store.FindTaskSourcesNeedingSync", "query task sources", err)
	}
	defer rows.Close()

	var out []*domain.TaskSource
	for rows.Next() {
		ts, err := scanTaskSource(rows)
		if err != nil {
			return nil, engerrors.Transient("store.FindTaskSourcesNeedingSync", "scan task source", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// UpdateTaskSourceSyncStatus transitions a task source's sync_status and,
// on failure, records the error (§4.5 steps 2 and 8).
func (s *Store) UpdateTaskSourceSyncStatus(ctx context.Context, id string, status domain.SyncStatus, syncErr string) error {
	q := `UPDATE task_sources SET sync_status = ` + s.ph(1) + `, sync_error = ` + s.ph(2) +
		`, updated_at = ` + s.ph(3) + ` WHERE id = ` + s.ph(4)
	_, err := s.drv.Exec(ctx, q, string(status), syncErr, formatTimeV(time.Now()), id)
	if err != nil {
		return engerrors.Transient("store.UpdateTaskSourceSyncStatus", "update task source", err)
	}
	return nil
}

// MarkTaskSourceSynced sets sync_status to completed and stamps last_synced_at.
func (s *Store) MarkTaskSourceSynced(ctx context.Context, id string, when time.Time) error {
	q := `UPDATE task_sources SET sync_status = ` + s.ph(1) + `, sync_error = ` + s.ph(2) +
		`, last_synced_at = ` + s.ph(3) + `, updated_at = ` + s.ph(4) + ` WHERE id = ` + s.ph(5)
	_, err := s.drv.Exec(ctx, q, string(domain.SyncStatusComplete), "", formatTimeV(when), formatTimeV(when), id)
	if err != nil {
		return engerrors.Transient("store.MarkTaskSourceSynced", "update task source", err)
	}
	return nil
}
