package filespace_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskops/engine/internal/domain"
	"github.com/taskops/engine/internal/filespace"
	_ "github.com/taskops/engine/internal/filespace/github"
	_ "github.com/taskops/engine/internal/filespace/gitlab"
)

type fakeSecrets struct{}

func (fakeSecrets) Decrypt(ctx context.Context, id string) (string, error) { return "tok-" + id, nil }
func (fakeSecrets) DecryptRefreshToken(ctx context.Context, id string) (string, error) {
	return "", nil
}
func (fakeSecrets) Encrypt(ctx context.Context, plaintext string) ([]byte, error) {
	return []byte(plaintext), nil
}
func (fakeSecrets) DecryptCiphertext(ctx context.Context, ciphertext []byte) (string, error) {
	return string(ciphertext), nil
}

func TestResolveAllSkipsDisabled(t *testing.T) {
	glCfg, _ := json.Marshal(domain.GitLabFileSpaceConfig{ProjectID: "acme/widgets", SecretID: "s1"})
	ghCfg, _ := json.Marshal(domain.GitHubFileSpaceConfig{Owner: "acme", Repo: "widgets", SecretID: "s2"})

	spaces := []*domain.FileSpace{
		{Name: "gl", Type: domain.FileSpaceGitLab, Enabled: true, DefaultBranch: "main", Config: glCfg},
		{Name: "gh", Type: domain.FileSpaceGitHub, Enabled: false, DefaultBranch: "main", Config: ghCfg},
	}

	vars, err := filespace.ResolveAll(context.Background(), spaces, fakeSecrets{})
	require.NoError(t, err)
	require.Equal(t, "1", vars["FILESPACE_COUNT"])
	require.Equal(t, "gitlab", vars["FILESPACE_0_TYPE"])
	require.Equal(t, "tok-s1", vars["FILESPACE_0_TOKEN"])
	require.NotContains(t, vars, "FILESPACE_1_TYPE")
}

func TestResolveAllMultipleDestinations(t *testing.T) {
	glCfg, _ := json.Marshal(domain.GitLabFileSpaceConfig{ProjectID: "acme/widgets"})
	ghCfg, _ := json.Marshal(domain.GitHubFileSpaceConfig{Owner: "acme", Repo: "widgets"})

	spaces := []*domain.FileSpace{
		{Name: "gl", Type: domain.FileSpaceGitLab, Enabled: true, Config: glCfg},
		{Name: "gh", Type: domain.FileSpaceGitHub, Enabled: true, Config: ghCfg},
	}

	vars, err := filespace.ResolveAll(context.Background(), spaces, fakeSecrets{})
	require.NoError(t, err)
	require.Equal(t, "2", vars["FILESPACE_COUNT"])
	require.Equal(t, "gitlab", vars["FILESPACE_0_TYPE"])
	require.Equal(t, "github", vars["FILESPACE_1_TYPE"])
}
