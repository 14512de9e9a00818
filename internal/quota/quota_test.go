package quota_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskops/engine/internal/config"
	"github.com/taskops/engine/internal/domain"
	engerrors "github.com/taskops/engine/internal/errors"
	"github.com/taskops/engine/internal/quota"
	"github.com/taskops/engine/internal/store"
	"github.com/taskops/engine/internal/store/driver"
)

type fakeSecrets struct{}

func (fakeSecrets) Decrypt(ctx context.Context, id string) (string, error) { return "plain-" + id, nil }
func (fakeSecrets) DecryptRefreshToken(ctx context.Context, id string) (string, error) {
	return "", nil
}
func (fakeSecrets) Encrypt(ctx context.Context, plaintext string) ([]byte, error) {
	return []byte(plaintext), nil
}
func (fakeSecrets) DecryptCiphertext(ctx context.Context, ciphertext []byte) (string, error) {
	return string(ciphertext), nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "engine.db")
	st, err := store.Open(context.Background(), driver.DialectSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testConfig(platformKey string) *config.Config {
	return &config.Config{
		AnthropicPlatformAPIKey:  platformKey,
		AnthropicModel:           "claude-sonnet-4-5",
		DefaultSimpleQuotaSoft:   4,
		DefaultSimpleQuotaHard:   5,
		DefaultAdvancedQuotaSoft: 2,
		DefaultAdvancedQuotaHard: 3,
	}
}

func TestSelectUsesPlatformTokenForOwner(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	project := &domain.Project{ID: "p1", Name: "demo", Enabled: true, OwnerUserID: "u1", CreatedAt: time.Now()}
	require.NoError(t, st.CreateProject(ctx, project))

	sel := quota.New(st, fakeSecrets{}, testConfig("platform-key"))
	out, err := sel.Select(ctx, "u1", project, quota.KindSimple)
	require.NoError(t, err)
	require.True(t, out.UsePlatformToken)
	require.Equal(t, "platform-key", out.APIKey)
	require.Empty(t, out.Warning)
}

func TestSelectWarnsNearSoftLimit(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	project := &domain.Project{ID: "p1", Name: "demo", Enabled: true, OwnerUserID: "u1", CreatedAt: time.Now()}
	require.NoError(t, st.CreateProject(ctx, project))

	sel := quota.New(st, fakeSecrets{}, testConfig("platform-key"))
	for i := 0; i < 4; i++ {
		require.NoError(t, sel.Increment(ctx, "u1", quota.KindSimple))
	}
	out, err := sel.Select(ctx, "u1", project, quota.KindSimple)
	require.NoError(t, err)
	require.True(t, out.UsePlatformToken)
	require.NotEmpty(t, out.Warning)
}

func TestSelectFallsBackToProjectConfigWhenHardLimitHit(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	aiCfg, _ := json.Marshal(map[string]domain.AIProviderConfig{
		"anthropic": {SecretID: "sec-1", Model: "claude-sonnet-4-5"},
	})
	project := &domain.Project{ID: "p1", Name: "demo", Enabled: true, OwnerUserID: "u1",
		AIProviderConfigs: aiCfg, CreatedAt: time.Now()}
	require.NoError(t, st.CreateProject(ctx, project))

	sel := quota.New(st, fakeSecrets{}, testConfig("platform-key"))
	for i := 0; i < 5; i++ {
		require.NoError(t, sel.Increment(ctx, "u1", quota.KindSimple))
	}
	out, err := sel.Select(ctx, "u1", project, quota.KindSimple)
	require.NoError(t, err)
	require.False(t, out.UsePlatformToken)
	require.Equal(t, "plain-sec-1", out.APIKey)
}

func TestSelectRaisesQuotaExceededWithNoProjectConfig(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	project := &domain.Project{ID: "p1", Name: "demo", Enabled: true, OwnerUserID: "u1", CreatedAt: time.Now()}
	require.NoError(t, st.CreateProject(ctx, project))

	sel := quota.New(st, fakeSecrets{}, testConfig("platform-key"))
	for i := 0; i < 5; i++ {
		require.NoError(t, sel.Increment(ctx, "u1", quota.KindSimple))
	}
	_, err := sel.Select(ctx, "u1", project, quota.KindSimple)
	require.Error(t, err)
	var qe *engerrors.QuotaExceededError
	require.ErrorAs(t, err, &qe)
}

func TestSelectUsesProjectConfigForNonOwner(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	aiCfg, _ := json.Marshal(map[string]domain.AIProviderConfig{
		"anthropic": {SecretID: "sec-2"},
	})
	project := &domain.Project{ID: "p1", Name: "demo", Enabled: true, OwnerUserID: "owner",
		AIProviderConfigs: aiCfg, CreatedAt: time.Now()}
	require.NoError(t, st.CreateProject(ctx, project))

	sel := quota.New(st, fakeSecrets{}, testConfig("platform-key"))
	out, err := sel.Select(ctx, "someone-else", project, quota.KindSimple)
	require.NoError(t, err)
	require.False(t, out.UsePlatformToken)
	require.Equal(t, "plain-sec-2", out.APIKey)
}
