// Package secrets describes the engine's collaborator boundary with the
// external secrets service (§1: plaintext credential material is out of
// scope for the engine itself). Trackers and the quota selector depend on
// this narrow interface rather than on any concrete KMS/vault client.
package secrets

import "context"

// Client resolves a stored Secret's ciphertext to the plaintext bearer
// material an adapter needs, and encrypts refreshed OAuth tokens for the
// caller to persist (it does not write them back itself).
type Client interface {
	// Decrypt returns the plaintext for the given secret id.
	Decrypt(ctx context.Context, secretID string) (string, error)
	// DecryptRefreshToken returns the plaintext refresh token, if any.
	DecryptRefreshToken(ctx context.Context, secretID string) (string, error)
	// Encrypt returns ciphertext for plaintext, to be persisted by the caller.
	Encrypt(ctx context.Context, plaintext string) ([]byte, error)
	// DecryptCiphertext is the inverse of Encrypt: it resolves ciphertext the
	// caller is holding directly (not addressed by a secret id), used for
	// WorkerRepository's access token, which is persisted inline rather than
	// through the secrets table (§4.4).
	DecryptCiphertext(ctx context.Context, ciphertext []byte) (string, error)
}
