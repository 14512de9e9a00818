package secrets

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskops/engine/internal/domain"
	"github.com/taskops/engine/internal/store"
	"github.com/taskops/engine/internal/store/driver"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "engine.db")
	st, err := store.Open(context.Background(), driver.DialectSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestEncryptDecryptCiphertextRoundTrips(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	c, err := NewLocalClient(st, "test-passphrase")
	require.NoError(t, err)

	sealed, err := c.Encrypt(ctx, "super-secret-token")
	require.NoError(t, err)
	require.NotEqual(t, "super-secret-token", string(sealed))

	plain, err := c.DecryptCiphertext(ctx, sealed)
	require.NoError(t, err)
	require.Equal(t, "super-secret-token", plain)
}

func TestDecryptLoadsSecretRowById(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	p := &domain.Project{ID: "proj-1", Name: "demo", Enabled: true, CreatedAt: time.Now()}
	require.NoError(t, st.CreateProject(ctx, p))

	c, err := NewLocalClient(st, "test-passphrase")
	require.NoError(t, err)

	sealed, err := c.Encrypt(ctx, "access-token-value")
	require.NoError(t, err)

	sec := &domain.Secret{
		ID: "sec-1", ProjectID: p.ID, Name: "token", Ciphertext: sealed,
		TokenType: domain.TokenTypeAPI, CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreateSecret(ctx, sec))

	plain, err := c.Decrypt(ctx, "sec-1")
	require.NoError(t, err)
	require.Equal(t, "access-token-value", plain)
}

func TestDecryptRefreshTokenEmptyWhenUnset(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	p := &domain.Project{ID: "proj-1", Name: "demo", Enabled: true, CreatedAt: time.Now()}
	require.NoError(t, st.CreateProject(ctx, p))

	c, err := NewLocalClient(st, "test-passphrase")
	require.NoError(t, err)

	sealed, err := c.Encrypt(ctx, "access-token-value")
	require.NoError(t, err)
	sec := &domain.Secret{
		ID: "sec-2", ProjectID: p.ID, Name: "token", Ciphertext: sealed,
		TokenType: domain.TokenTypeAPI, CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreateSecret(ctx, sec))

	refresh, err := c.DecryptRefreshToken(ctx, "sec-2")
	require.NoError(t, err)
	require.Empty(t, refresh)
}

func TestNewLocalClientRequiresKey(t *testing.T) {
	st := openTestStore(t)
	_, err := NewLocalClient(st, "")
	require.Error(t, err)
}
