// Package quota implements the provider selector (§4.6, C6): choosing
// between the platform's Anthropic credentials and a project's own, gated by
// a per-user soft/hard usage cap.
package quota

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskops/engine/internal/config"
	"github.com/taskops/engine/internal/domain"
	engerrors "github.com/taskops/engine/internal/errors"
	"github.com/taskops/engine/internal/secrets"
	"github.com/taskops/engine/internal/store"
)

// Kind is the evaluation phase a selection is made for.
type Kind = domain.QuotaKindColumn

const (
	KindSimple   = domain.QuotaKindSimple
	KindAdvanced = domain.QuotaKindAdvanced
)

// Selection is the resolved LLM credential a caller should use, plus the
// bookkeeping needed to account for its use afterward (§4.6).
type Selection struct {
	APIKey          string
	Model           string
	UsePlatformToken bool
	Warning         string
	Quota           *domain.UserQuota
}

// Selector implements the §4.6 policy over a Store, secrets client, and
// platform configuration.
type Selector struct {
	st      *store.Store
	secrets secrets.Client
	cfg     *config.Config
}

// New builds a Selector.
func New(st *store.Store, secretsClient secrets.Client, cfg *config.Config) *Selector {
	return &Selector{st: st, secrets: secretsClient, cfg: cfg}
}

// Select resolves credentials for userID/kind against project's config,
// following §4.6's three-step policy. Usage is NOT incremented here; callers
// increment after a successful simple evaluation, or before triggering a
// remote advanced evaluation/implementation pipeline.
func (s *Selector) Select(ctx context.Context, userID string, project *domain.Project, kind Kind) (*Selection, error) {
	q, err := s.st.FindQuota(ctx, userID, s.cfg.DefaultQuotaSoft(), s.cfg.DefaultQuotaHard())
	if err != nil {
		return nil, fmt.Errorf("quota: load quota for %s: %w", userID, err)
	}

	used, soft, hard := quotaFields(q, kind)
	if used >= hard {
		return s.selectProjectConfig(ctx, userID, project, kind, q)
	}

	if s.cfg.PlatformConfigured() && project.OwnerUserID == userID {
		sel := &Selection{
			APIKey:           s.cfg.AnthropicPlatformAPIKey,
			Model:            s.cfg.AnthropicModel,
			UsePlatformToken: true,
			Quota:            q,
		}
		if used >= soft {
			sel.Warning = fmt.Sprintf("approaching %s evaluation quota: %d/%d used", kind, used, hard)
		}
		return sel, nil
	}

	return s.selectProjectConfig(ctx, userID, project, kind, q)
}

func (s *Selector) selectProjectConfig(ctx context.Context, userID string, project *domain.Project, kind Kind, q *domain.UserQuota) (*Selection, error) {
	cfg, ok := projectAnthropicConfig(project)
	if !ok {
		snapshotKind := engerrors.QuotaSimple
		if kind == KindAdvanced {
			snapshotKind = engerrors.QuotaAdvanced
		}
		return nil, engerrors.QuotaExceeded(userID,
			"no platform credentials available and project has no Anthropic configuration; configure one under project settings",
			engerrors.QuotaSnapshot{Kind: snapshotKind, Used: usedFor(q, kind), Soft: softFor(q, kind), Hard: hardFor(q, kind)})
	}
	apiKey, err := s.secrets.Decrypt(ctx, cfg.SecretID)
	if err != nil {
		return nil, fmt.Errorf("quota: decrypt project anthropic secret: %w", err)
	}
	return &Selection{APIKey: apiKey, Model: cfg.Model, UsePlatformToken: false, Quota: q}, nil
}

func projectAnthropicConfig(project *domain.Project) (domain.AIProviderConfig, bool) {
	if len(project.AIProviderConfigs) == 0 {
		return domain.AIProviderConfig{}, false
	}
	var configs map[string]domain.AIProviderConfig
	if err := json.Unmarshal(project.AIProviderConfigs, &configs); err != nil {
		return domain.AIProviderConfig{}, false
	}
	cfg, ok := configs["anthropic"]
	if !ok || cfg.SecretID == "" {
		return domain.AIProviderConfig{}, false
	}
	return cfg, true
}

// Increment bumps usage for userID/kind after a successful call (§4.6).
func (s *Selector) Increment(ctx context.Context, userID string, kind Kind) error {
	_, err := s.st.IncrementQuotaUsage(ctx, userID, kind, 1)
	if err != nil {
		return fmt.Errorf("quota: increment %s usage for %s: %w", kind, userID, err)
	}
	return nil
}

func quotaFields(q *domain.UserQuota, kind Kind) (used, soft, hard int) {
	return usedFor(q, kind), softFor(q, kind), hardFor(q, kind)
}

func usedFor(q *domain.UserQuota, kind Kind) int {
	if kind == KindAdvanced {
		return q.AdvancedUsed
	}
	return q.SimpleUsed
}

func softFor(q *domain.UserQuota, kind Kind) int {
	if kind == KindAdvanced {
		return q.AdvancedSoft
	}
	return q.SimpleSoft
}

func hardFor(q *domain.UserQuota, kind Kind) int {
	if kind == KindAdvanced {
		return q.AdvancedHard
	}
	return q.SimpleHard
}
