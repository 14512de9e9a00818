package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskops/engine/internal/domain"
	engerrors "github.com/taskops/engine/internal/errors"
)

// FindSyncState looks up the cached issue_updated_at for one issue.
// SyncTaskSource does not call it; it reads every watermark of a source at
// once through ListSyncStates.
func (s *Store) FindSyncState(ctx context.Context, taskSourceID, issueID string) (*domain.TaskSourceSyncState, error) {
	q := `SELECT task_source_id, issue_id, issue_updated_at FROM task_source_sync_states
	      WHERE task_source_id = ` + s.ph(1) + ` AND issue_id = ` + s.ph(2)
	row := s.drv.QueryRow(ctx, q, taskSourceID, issueID)

	var st domain.TaskSourceSyncState
	var updatedAt sql.NullString
	if err := row.Scan(&st.TaskSourceID, &st.IssueID, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, engerrors.NotFound("store.FindSyncState", "sync state not found")
		}
		return nil, engerrors.Transient("store.FindSyncState", "query sync state", err)
	}
	if t := parseTime(updatedAt); t != nil {
		st.IssueUpdatedAt = *t
	}
	return &st, nil
}

// ListSyncStates loads every cached watermark for a task source into
// memory, the bulk read SyncTaskSource uses to classify each observed issue
// as new/updated/unchanged (§4.5 step 3) without one query per issue.
func (s *Store) ListSyncStates(ctx context.Context, taskSourceID string) ([]*domain.TaskSourceSyncState, error) {
	q := `SELECT task_source_id, issue_id, issue_updated_at FROM task_source_sync_states
	      WHERE task_source_id = ` + s.ph(1)
	rows, err := s.drv.Query(ctx, q, taskSourceID)
	if err != nil {
		return nil, engerrors.Transient("store.ListSyncStates", "query sync states", err)
	}
	defer rows.Close()

	var out []*domain.TaskSourceSyncState
	for rows.Next() {
		var st domain.TaskSourceSyncState
		var updatedAt sql.NullString
		if err := rows.Scan(&st.TaskSourceID, &st.IssueID, &updatedAt); err != nil {
			return nil, engerrors.Transient("store.ListSyncStates", "scan sync state", err)
		}
		if t := parseTime(updatedAt); t != nil {
			st.IssueUpdatedAt = *t
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// BatchUpsertSyncStates writes the issue_updated_at watermark for every
// issue seen in one sync pass (§4.1 batch_upsert_sync_states, §4.5 step 7),
// inside a single transaction so a partial write never leaves the cache
// ahead of what was actually persisted to tasks.
func (s *Store) BatchUpsertSyncStates(ctx context.Context, states []*domain.TaskSourceSyncState) error {
	if len(states) == 0 {
		return nil
	}
	tx, err := s.drv.BeginTx(ctx, nil)
	if err != nil {
		return engerrors.Transient("store.BatchUpsertSyncStates", "begin tx", err)
	}
	defer tx.Rollback()

	var q string
	switch s.drv.Dialect() {
	case "postgres":
		q = `INSERT INTO task_source_sync_states (task_source_id, issue_id, issue_updated_at)
		     VALUES ($1, $2, $3)
		     ON CONFLICT (task_source_id, issue_id) DO UPDATE SET issue_updated_at = EXCLUDED.issue_updated_at`
	default:
		q = `INSERT INTO task_source_sync_states (task_source_id, issue_id, issue_updated_at)
		     VALUES (?, ?, ?)
		     ON CONFLICT (task_source_id, issue_id) DO UPDATE SET issue_updated_at = excluded.issue_updated_at`
	}

	for _, st := range states {
		if _, err := tx.Exec(ctx, q, st.TaskSourceID, st.IssueID, formatTimeV(st.IssueUpdatedAt)); err != nil {
			return engerrors.Transient("store.BatchUpsertSyncStates", "upsert sync state", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return engerrors.Transient("store.BatchUpsertSyncStates", "commit", err)
	}
	return nil
}

// PruneSyncStatesOlderThan removes cached watermarks that predate the given
// time, bounding the table's growth for long-lived task sources.
func (s *Store) PruneSyncStatesOlderThan(ctx context.Context, taskSourceID string, before time.Time) error {
	q := `DELETE FROM task_source_sync_states WHERE task_source_id = ` + s.ph(1) + ` AND issue_updated_at < ` + s.ph(2)
	_, err := s.drv.Exec(ctx, q, taskSourceID, formatTimeV(before))
	if err != nil {
		return engerrors.Transient("store.PruneSyncStatesOlderThan", "delete sync states", err)
	}
	return nil
}
