// Package tracker adapts remote issue trackers (GitLab, GitHub, Jira) into
// the engine's normalized Issue shape (§4.3, C3). Each provider package
// registers a constructor at init time, mirroring the teacher's
// internal/hosting provider-registry pattern generalized from PR hosting to
// issue tracking.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/taskops/engine/internal/config"
	"github.com/taskops/engine/internal/domain"
	"github.com/taskops/engine/internal/secrets"
	"github.com/taskops/engine/internal/store"
)

// Issue is the normalized record every adapter emits (§4.3).
type Issue struct {
	ID          string
	IID         string
	Title       string
	Description string
	UpdatedAt   time.Time
	UniqueID    string
	State       domain.RemoteStatus
	Metadata    json.RawMessage
}

// Adapter produces a lazy finite sequence of normalized issues from a
// remote tracker, and can re-read the current state of specific issues.
type Adapter interface {
	// ListIssues drives the remote search/list endpoint to completion,
	// yielding one (Issue, nil) per issue or (zero, err) on a full-listing
	// failure that aborts the sequence.
	ListIssues(ctx context.Context) iter.Seq2[Issue, error]
	// Revalidate re-reads current state for specific issue ids, used by
	// the sync service's revalidation sweep (§4.5 step 8).
	Revalidate(ctx context.Context, ids []string) iter.Seq2[Issue, error]
}

// NewAdapterFunc constructs an Adapter from a task source's discriminated
// config payload and a resolved access token (empty if the source has no
// secret configured).
type NewAdapterFunc func(config []byte, token string) (Adapter, error)

var constructors = map[domain.TaskSourceType]NewAdapterFunc{}

// Register records a constructor for a task source type. Called from each
// provider package's init().
func Register(t domain.TaskSourceType, fn NewAdapterFunc) {
	constructors[t] = fn
}

// OAuthRefreshFactory builds a provider's RefreshFunc from engine config
// (the OAuth client credentials it needs to talk to the provider's token
// endpoint).
type OAuthRefreshFactory func(cfg *config.Config) RefreshFunc

var oauthRefreshers = map[domain.TaskSourceType]OAuthRefreshFactory{}

// RegisterOAuthRefresh records how to refresh an expired OAuth secret for a
// task source type. Providers whose secrets are never OAuth (a static PAT,
// e.g. GitLab/GitHub) have nothing to register and fall back to a plain
// decrypt in New.
func RegisterOAuthRefresh(t domain.TaskSourceType, fn OAuthRefreshFactory) {
	oauthRefreshers[t] = fn
}

// New resolves ts's configured secret (if any) to plaintext and constructs
// the matching Adapter. When ts.Type has a registered OAuth refresher, the
// secret is resolved through a Refresher so an expired access token is
// refreshed-then-persisted (with cross-process locking on Postgres) instead
// of handed to the adapter stale; every other provider keeps the plain
// decrypt it always used.
func New(ctx context.Context, st *store.Store, cfg *config.Config, ts *domain.TaskSource, secretID string, secretsClient secrets.Client) (Adapter, error) {
	ctor, ok := constructors[ts.Type]
	if !ok {
		return nil, fmt.Errorf("tracker: no adapter registered for type %q", ts.Type)
	}
	var token string
	if secretID != "" && secretsClient != nil {
		t, err := resolveToken(ctx, st, cfg, ts.Type, secretID, secretsClient)
		if err != nil {
			return nil, fmt.Errorf("tracker: resolve secret %s: %w", secretID, err)
		}
		token = t
	}
	return ctor(ts.Config, token)
}

func resolveToken(ctx context.Context, st *store.Store, cfg *config.Config, t domain.TaskSourceType, secretID string, secretsClient secrets.Client) (string, error) {
	factory, ok := oauthRefreshers[t]
	if !ok || st == nil || cfg == nil {
		return secretsClient.Decrypt(ctx, secretID)
	}
	refresher := NewRefresher(st, secretsClient)
	return refresher.Plaintext(ctx, secretID, factory(cfg))
}
