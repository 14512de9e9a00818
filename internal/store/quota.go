package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskops/engine/internal/domain"
	engerrors "github.com/taskops/engine/internal/errors"
)

const quotaColumns = `user_id, simple_used, simple_soft, simple_hard, advanced_used, advanced_soft, advanced_hard, updated_at`

func scanQuota(row interface{ Scan(...any) error }) (*domain.UserQuota, error) {
	var q domain.UserQuota
	var updatedAt sql.NullString
	if err := row.Scan(&q.UserID, &q.SimpleUsed, &q.SimpleSoft, &q.SimpleHard, &q.AdvancedUsed,
		&q.AdvancedSoft, &q.AdvancedHard, &updatedAt); err != nil {
		return nil, err
	}
	if t := parseTime(updatedAt); t != nil {
		q.UpdatedAt = *t
	}
	return &q, nil
}

// FindQuota loads a user's quota row, creating a zero-usage row with the
// given defaults on first sight (§4.6).
func (s *Store) FindQuota(ctx context.Context, userID string, defaultSoft, defaultHard domain.QuotaLimits) (*domain.UserQuota, error) {
	row := s.drv.QueryRow(ctx, `SELECT `+quotaColumns+` FROM user_quotas WHERE user_id = `+s.ph(1), userID)
	q, err := scanQuota(row)
	if err == nil {
		return q, nil
	}
	if err != sql.ErrNoRows {
		return nil, engerrors.Transient("store.FindQuota", "query quota", err)
	}

	now := time.Now()
	ins := `INSERT INTO user_quotas (user_id, simple_used, simple_soft, simple_hard, advanced_used,
	      advanced_soft, advanced_hard, updated_at) VALUES (` +
		s.ph(1) + `,0,` + s.ph(2) + `,` + s.ph(3) + `,0,` + s.ph(4) + `,` + s.ph(5) + `,` + s.ph(6) + `)`
	_, err = s.drv.Exec(ctx, ins, userID, defaultSoft.Simple, defaultHard.Simple, defaultSoft.Advanced,
		defaultHard.Advanced, formatTimeV(now))
	if err != nil {
		return nil, engerrors.Transient("store.FindQuota", "insert quota", err)
	}
	return &domain.UserQuota{
		UserID: userID, SimpleSoft: defaultSoft.Simple, SimpleHard: defaultHard.Simple,
		AdvancedSoft: defaultSoft.Advanced, AdvancedHard: defaultHard.Advanced, UpdatedAt: now,
	}, nil
}

// IncrementQuotaUsage implements increment_quota_usage (§4.1, §4.6): it
// atomically bumps one phase's used counter and returns the row as it
// stands after the increment, so the selector can compare against soft/hard
// without a second round trip.
func (s *Store) IncrementQuotaUsage(ctx context.Context, userID string, kind domain.QuotaKindColumn, delta int) (*domain.UserQuota, error) {
	col := "simple_used"
	if kind == domain.QuotaKindAdvanced {
		col = "advanced_used"
	}
	q := `UPDATE user_quotas SET ` + col + ` = ` + col + ` + ` + s.ph(1) + `, updated_at = ` + s.ph(2) + ` WHERE user_id = ` + s.ph(3)
	_, err := s.drv.Exec(ctx, q, delta, formatTimeV(time.Now()), userID)
	if err != nil {
		return nil, engerrors.Transient("store.IncrementQuotaUsage", "update quota", err)
	}
	row := s.drv.QueryRow(ctx, `SELECT `+quotaColumns+` FROM user_quotas WHERE user_id = `+s.ph(1), userID)
	return scanQuota(row)
}
