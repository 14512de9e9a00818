package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/taskops/engine/internal/store"
)

// LocalClient is the engine's own Client implementation (§1): secrets are
// encrypted at rest in the engine's own `secrets` table with AES-256-GCM
// under a single symmetric key, rather than delegated to an external KMS.
// It exists so the engine runs standalone; a deployment that wants a real
// KMS/vault swaps in its own Client without touching any caller here.
type LocalClient struct {
	st  *store.Store
	gcm cipher.AEAD
}

// NewLocalClient derives a 256-bit AES key from key via SHA-256 (so
// operators can configure ENCRYPTION_KEY as any passphrase, not just a raw
// 32-byte value) and builds an AES-GCM client over it.
func NewLocalClient(st *store.Store, key string) (*LocalClient, error) {
	if key == "" {
		return nil, errors.New("secrets: encryption key is required")
	}
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("secrets: build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: build gcm: %w", err)
	}
	return &LocalClient{st: st, gcm: gcm}, nil
}

// Decrypt loads the secret row by id and decrypts its access-token ciphertext.
func (c *LocalClient) Decrypt(ctx context.Context, secretID string) (string, error) {
	sec, err := c.st.FindSecret(ctx, secretID)
	if err != nil {
		return "", fmt.Errorf("secrets: load secret %s: %w", secretID, err)
	}
	return c.DecryptCiphertext(ctx, sec.Ciphertext)
}

// DecryptRefreshToken loads the secret row by id and decrypts its refresh
// token ciphertext, if any.
func (c *LocalClient) DecryptRefreshToken(ctx context.Context, secretID string) (string, error) {
	sec, err := c.st.FindSecret(ctx, secretID)
	if err != nil {
		return "", fmt.Errorf("secrets: load secret %s: %w", secretID, err)
	}
	if len(sec.RefreshCiphertext) == 0 {
		return "", nil
	}
	return c.DecryptCiphertext(ctx, sec.RefreshCiphertext)
}

// Encrypt seals plaintext under the engine's key, returning ciphertext the
// caller persists itself (e.g. via UpdateSecretTokens or CreateWorkerRepository).
func (c *LocalClient) Encrypt(ctx context.Context, plaintext string) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secrets: generate nonce: %w", err)
	}
	return c.gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// DecryptCiphertext opens ciphertext sealed by Encrypt, for callers holding
// ciphertext directly rather than a secret id (e.g. WorkerRepository's
// inline access token, §4.4).
func (c *LocalClient) DecryptCiphertext(ctx context.Context, ciphertext []byte) (string, error) {
	n := c.gcm.NonceSize()
	if len(ciphertext) < n {
		return "", errors.New("secrets: ciphertext too short")
	}
	nonce, sealed := ciphertext[:n], ciphertext[n:]
	plaintext, err := c.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: open ciphertext: %w", err)
	}
	return string(plaintext), nil
}
