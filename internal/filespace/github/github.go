// Package github is the GitHub push-destination provider for
// internal/filespace (§4.9).
package github

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskops/engine/internal/domain"
	"github.com/taskops/engine/internal/filespace"
	"github.com/taskops/engine/internal/secrets"
)

func init() {
	filespace.Register(domain.FileSpaceGitHub, New)
}

// Provider is the GitHub implementation of filespace.Provider.
type Provider struct {
	cfg     domain.GitHubFileSpaceConfig
	branch  string
	secrets secrets.Client
}

// New constructs a Provider from fs's discriminated config.
func New(fs *domain.FileSpace, secretsClient secrets.Client) (filespace.Provider, error) {
	var cfg domain.GitHubFileSpaceConfig
	if err := json.Unmarshal(fs.Config, &cfg); err != nil {
		return nil, fmt.Errorf("github filespace: parse config: %w", err)
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github filespace: owner and repo are required")
	}
	return &Provider{cfg: cfg, branch: fs.DefaultBranch, secrets: secretsClient}, nil
}

// Variables returns the push destination as pipeline variables.
func (p *Provider) Variables(ctx context.Context) (map[string]string, error) {
	var token string
	if p.cfg.SecretID != "" {
		t, err := p.secrets.Decrypt(ctx, p.cfg.SecretID)
		if err != nil {
			return nil, fmt.Errorf("github filespace: decrypt token: %w", err)
		}
		token = t
	}
	return map[string]string{
		"TYPE":   "github",
		"OWNER":  p.cfg.Owner,
		"REPO":   p.cfg.Repo,
		"BRANCH": p.branch,
		"TOKEN":  token,
	}, nil
}
