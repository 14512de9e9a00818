// Package gitlab is the GitLab push-destination provider for
// internal/filespace (§4.9), grounded the same way as
// internal/tracker/gitlab: parse the discriminated config, decrypt the
// configured secret, expose what the in-CI push step needs.
package gitlab

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskops/engine/internal/domain"
	"github.com/taskops/engine/internal/filespace"
	"github.com/taskops/engine/internal/secrets"
)

func init() {
	filespace.Register(domain.FileSpaceGitLab, New)
}

// Provider is the GitLab implementation of filespace.Provider.
type Provider struct {
	cfg     domain.GitLabFileSpaceConfig
	branch  string
	secrets secrets.Client
}

// New constructs a Provider from fs's discriminated config.
func New(fs *domain.FileSpace, secretsClient secrets.Client) (filespace.Provider, error) {
	var cfg domain.GitLabFileSpaceConfig
	if err := json.Unmarshal(fs.Config, &cfg); err != nil {
		return nil, fmt.Errorf("gitlab filespace: parse config: %w", err)
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("gitlab filespace: project_id is required")
	}
	return &Provider{cfg: cfg, branch: fs.DefaultBranch, secrets: secretsClient}, nil
}

// Variables returns the push destination as pipeline variables.
func (p *Provider) Variables(ctx context.Context) (map[string]string, error) {
	var token string
	if p.cfg.SecretID != "" {
		t, err := p.secrets.Decrypt(ctx, p.cfg.SecretID)
		if err != nil {
			return nil, fmt.Errorf("gitlab filespace: decrypt token: %w", err)
		}
		token = t
	}
	return map[string]string{
		"TYPE":       "gitlab",
		"HOST":       p.cfg.Host,
		"PROJECT_ID": p.cfg.ProjectID,
		"BRANCH":     p.branch,
		"TOKEN":      token,
	}, nil
}
