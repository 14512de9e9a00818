package tracker_test

import (
	"context"
	"encoding/json"
	"iter"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskops/engine/internal/config"
	"github.com/taskops/engine/internal/domain"
	"github.com/taskops/engine/internal/secrets"
	"github.com/taskops/engine/internal/store"
	"github.com/taskops/engine/internal/store/driver"
	"github.com/taskops/engine/internal/tracker"
)

const fakeSourceType domain.TaskSourceType = "tracker-test-fake"

type capturedToken struct{ token string }

type fakeAdapter struct{ token string }

func (a *fakeAdapter) ListIssues(ctx context.Context) iter.Seq2[tracker.Issue, error] {
	return func(yield func(tracker.Issue, error) bool) {}
}

func (a *fakeAdapter) Revalidate(ctx context.Context, ids []string) iter.Seq2[tracker.Issue, error] {
	return func(yield func(tracker.Issue, error) bool) {}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "engine.db")
	st, err := store.Open(context.Background(), driver.DialectSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedSecret(t *testing.T, st *store.Store, sec *secrets.LocalClient, plaintext string, expiresAt *time.Time) *domain.Secret {
	t.Helper()
	ciphertext, err := sec.Encrypt(context.Background(), plaintext)
	require.NoError(t, err)
	s := &domain.Secret{
		ID: "sec-1", ProjectID: "proj-1", Name: "jira-token",
		Ciphertext: ciphertext, TokenType: domain.TokenTypeOAuth,
		RefreshCiphertext: ciphertext, ExpiresAt: expiresAt, CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreateSecret(context.Background(), s))
	return s
}

func TestNewWithoutOAuthRefresherDecryptsDirectly(t *testing.T) {
	captured := &capturedToken{}
	tracker.Register(fakeSourceType, func(configJSON []byte, token string) (tracker.Adapter, error) {
		captured.token = token
		return &fakeAdapter{token: token}, nil
	})

	st := openTestStore(t)
	sec, err := secrets.NewLocalClient(st, "test-key")
	require.NoError(t, err)

	notExpired := time.Now().Add(time.Hour)
	seedSecret(t, st, sec, "plain-token", &notExpired)

	ts := &domain.TaskSource{ID: "ts-1", Type: fakeSourceType, Config: json.RawMessage(`{}`)}
	_, err = tracker.New(context.Background(), st, nil, ts, "sec-1", sec)
	require.NoError(t, err)
	require.Equal(t, "plain-token", captured.token)
}

func TestNewWithRegisteredOAuthRefresherRefreshesExpiredSecret(t *testing.T) {
	captured := &capturedToken{}
	tracker.Register(fakeSourceType, func(configJSON []byte, token string) (tracker.Adapter, error) {
		captured.token = token
		return &fakeAdapter{token: token}, nil
	})
	tracker.RegisterOAuthRefresh(fakeSourceType, func(cfg *config.Config) tracker.RefreshFunc {
		return func(ctx context.Context, refreshToken string) (string, string, time.Time, error) {
			require.Equal(t, "expected-client-id", cfg.JiraOAuthClientID)
			return "refreshed-access-token", "refreshed-refresh-token", time.Now().Add(time.Hour), nil
		}
	})

	st := openTestStore(t)
	sec, err := secrets.NewLocalClient(st, "test-key")
	require.NoError(t, err)

	expired := time.Now().Add(-time.Hour)
	seedSecret(t, st, sec, "stale-token", &expired)

	cfg := &config.Config{JiraOAuthClientID: "expected-client-id"}
	ts := &domain.TaskSource{ID: "ts-1", Type: fakeSourceType, Config: json.RawMessage(`{}`)}
	_, err = tracker.New(context.Background(), st, cfg, ts, "sec-1", sec)
	require.NoError(t, err)
	require.Equal(t, "refreshed-access-token", captured.token)

	persisted, err := st.FindSecret(context.Background(), "sec-1")
	require.NoError(t, err)
	require.False(t, persisted.Expired(time.Now()))
}

func TestNewUnknownTaskSourceTypeErrors(t *testing.T) {
	_, err := tracker.New(context.Background(), nil, nil, &domain.TaskSource{Type: "nonexistent"}, "", nil)
	require.Error(t, err)
}
