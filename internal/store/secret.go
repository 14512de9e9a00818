package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/taskops/engine/internal/domain"
	engerrors "github.com/taskops/engine/internal/errors"
)

// CreateSecret inserts a new secret.
func (s *Store) CreateSecret(ctx context.Context, sec *domain.Secret) error {
	scopes, err := json.Marshal(sec.Scopes)
	if err != nil {
		return engerrors.Validation("store.CreateSecret", "marshal scopes: "+err.Error())
	}
	q := `INSERT INTO secrets (id, project_id, name, description, ciphertext, encryption_version,
	      token_type, oauth_provider, refresh_ciphertext, expires_at, scopes, created_at, updated_at)
	      VALUES (` + s.ph(1) + `,` + s.ph(2) + `,` + s.ph(3) + `,` + s.ph(4) + `,` + s.ph(5) + `,` + s.ph(6) + `,` +
		s.ph(7) + `,` + s.ph(8) + `,` + s.ph(9) + `,` + s.ph(10) + `,` + s.ph(11) + `,` + s.ph(12) + `,` + s.ph(13) + `)`
	now := formatTimeV(sec.CreatedAt)
	_, err = s.drv.Exec(ctx, q, sec.ID, sec.ProjectID, sec.Name, sec.Description, sec.Ciphertext,
		sec.EncryptionVersion, string(sec.TokenType), sec.OAuthProvider, sec.RefreshCiphertext,
		formatTime(sec.ExpiresAt), string(scopes), now, now)
	if err != nil {
		return engerrors.Transient("store.CreateSecret", "insert secret", err)
	}
	return nil
}

func scanSecret(row interface{ Scan(...any) error }) (*domain.Secret, error) {
	var sec domain.Secret
	var description, oauthProvider, tokenType sql.NullString
	var refreshCiphertext []byte
	var expiresAt sql.NullString
	var scopes sql.NullString
	var createdAt, updatedAt sql.NullString
	if err := row.Scan(&sec.ID, &sec.ProjectID, &sec.Name, &description, &sec.Ciphertext,
		&sec.EncryptionVersion, &tokenType, &oauthProvider, &refreshCiphertext, &expiresAt,
		&scopes, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sec.Description = description.String
	sec.TokenType = domain.TokenType(tokenType.String)
	sec.OAuthProvider = oauthProvider.String
	sec.RefreshCiphertext = refreshCiphertext
	sec.ExpiresAt = parseTime(expiresAt)
	if scopes.Valid && scopes.String != "" {
		_ = json.Unmarshal([]byte(scopes.String), &sec.Scopes)
	}
	if t := parseTime(createdAt); t != nil {
		sec.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		sec.UpdatedAt = *t
	}
	return &sec, nil
}

const secretColumns = `id, project_id, name, description, ciphertext, encryption_version,
	      token_type, oauth_provider, refresh_ciphertext, expires_at, scopes, created_at, updated_at`

// FindSecret loads a secret by id.
func (s *Store) FindSecret(ctx context.Context, id string) (*domain.Secret, error) {
	row := s.drv.QueryRow(ctx, `SELECT `+secretColumns+` FROM secrets WHERE id = `+s.ph(1), id)
	sec, err := scanSecret(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, engerrors.NotFound("store.FindSecret", "secret not found: "+id)
		}
		return nil, engerrors.Transient("store.FindSecret", "query secret", err)
	}
	return sec, nil
}

// UpdateSecretTokens persists a refreshed OAuth access/refresh token pair,
// called under the tracker's per-secret advisory-lock/singleflight guard
// (§4.3, §5) so concurrent refreshers never race each other's writes.
func (s *Store) UpdateSecretTokens(ctx context.Context, id string, ciphertext, refreshCiphertext []byte, expiresAt *time.Time) error {
	q := `UPDATE secrets SET ciphertext = ` + s.ph(1) + `, refresh_ciphertext = ` + s.ph(2) +
		`, expires_at = ` + s.ph(3) + `, updated_at = ` + s.ph(4) + ` WHERE id = ` + s.ph(5)
	_, err := s.drv.Exec(ctx, q, ciphertext, refreshCiphertext, formatTime(expiresAt), formatTimeV(time.Now()), id)
	if err != nil {
		return engerrors.Transient("store.UpdateSecretTokens", "update secret", err)
	}
	return nil
}
