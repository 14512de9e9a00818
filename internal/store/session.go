package store

import (
	"context"
	"database/sql"

	"github.com/taskops/engine/internal/domain"
	engerrors "github.com/taskops/engine/internal/errors"
)

// CreateSession inserts a new session handle for one remote attempt of one
// phase of one task (§3, §4.8, §4.9).
func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	q := `INSERT INTO sessions (id, task_id, runner, created_at) VALUES (` +
		s.ph(1) + `,` + s.ph(2) + `,` + s.ph(3) + `,` + s.ph(4) + `)`
	_, err := s.drv.Exec(ctx, q, sess.ID, sess.TaskID, string(sess.Runner), formatTimeV(sess.CreatedAt))
	if err != nil {
		return engerrors.Transient("store.CreateSession", "insert session", err)
	}
	return nil
}

// FindSession loads a session by id.
func (s *Store) FindSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.drv.QueryRow(ctx, `SELECT id, task_id, runner, created_at FROM sessions WHERE id = `+s.ph(1), id)

	var sess domain.Session
	var taskID sql.NullString
	var createdAt sql.NullString
	if err := row.Scan(&sess.ID, &taskID, &sess.Runner, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, engerrors.NotFound("store.FindSession", "session not found: "+id)
		}
		return nil, engerrors.Transient("store.FindSession", "query session", err)
	}
	sess.TaskID = taskID.String
	if t := parseTime(createdAt); t != nil {
		sess.CreatedAt = *t
	}
	return &sess, nil
}
