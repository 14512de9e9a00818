// Package domain defines the entities owned by the task-ops engine (§3).
package domain

import "time"

// Project is the root of ownership for secrets, task sources, file spaces,
// worker repositories, tasks, and quotas.
type Project struct {
	ID                string
	Name              string
	Enabled           bool
	OwnerUserID       string // the user whose quota gates platform-token use (§4.6)
	JobExecutorConfig []byte // opaque JSONB, discriminated by the CI provider in use
	AIProviderConfigs []byte // opaque JSONB, keyed by provider name
	LastSyncedAt      *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AIProviderConfig is one entry of Project.AIProviderConfigs, keyed by
// provider name ("anthropic" today). A project that wants to use its own
// credentials instead of the platform token configures one of these.
type AIProviderConfig struct {
	SecretID string `json:"secret_id"`
	Model    string `json:"model,omitempty"`
}

// TokenType enumerates the kinds of bearer material a Secret can hold.
type TokenType string

const (
	TokenTypeAPI   TokenType = "api"
	TokenTypeOAuth TokenType = "oauth"
	TokenTypePAT   TokenType = "pat"
	TokenTypeNone  TokenType = ""
)

// Secret is an encrypted credential scoped to a project. The engine never
// sees plaintext except through the secrets service (§1, out of scope).
type Secret struct {
	ID                string
	ProjectID         string
	Name              string
	Description       string
	Ciphertext        []byte
	EncryptionVersion int
	TokenType         TokenType
	OAuthProvider     string
	RefreshCiphertext []byte
	ExpiresAt         *time.Time
	Scopes            []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Expired reports whether an OAuth secret's access token has passed its
// expiry and must be refreshed before use (§4.3).
func (s *Secret) Expired(now time.Time) bool {
	return s.TokenType == TokenTypeOAuth && s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}
