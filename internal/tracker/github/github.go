// Package github is the GitHub tracker adapter (§4.3, C3), grounded on the
// teacher's internal/hosting/github token-transport pattern and generalized
// from pull-request hosting to issue listing.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/taskops/engine/internal/domain"
	"github.com/taskops/engine/internal/tracker"
)

func init() {
	tracker.Register(domain.TaskSourceGitHubIssues, New)
}

// Adapter is the GitHub implementation of tracker.Adapter.
type Adapter struct {
	client *gogithub.Client
	cfg    domain.GitHubSourceConfig
}

// New constructs a GitHub Adapter from a task source's discriminated
// config and a resolved access token (PAT or OAuth).
func New(configJSON []byte, token string) (tracker.Adapter, error) {
	var cfg domain.GitHubSourceConfig
	if err := json.Unmarshal(configJSON, &cfg); err != nil {
		return nil, fmt.Errorf("github: parse config: %w", err)
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github: owner and repo are required")
	}

	httpClient := &http.Client{Transport: &tokenTransport{token: token}}
	return &Adapter{client: gogithub.NewClient(httpClient), cfg: cfg}, nil
}

type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	if t.token != "" {
		req2.Header.Set("Authorization", "Bearer "+t.token)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req2)
}

// ListIssues lists every open+closed issue matching the configured labels,
// following go-github's page cursor until exhausted (§4.3).
func (a *Adapter) ListIssues(ctx context.Context) iter.Seq2[tracker.Issue, error] {
	return func(yield func(tracker.Issue, error) bool) {
		opts := &gogithub.IssueListByRepoOptions{
			State:       "all",
			Labels:      a.cfg.Labels,
			ListOptions: gogithub.ListOptions{PerPage: 100},
		}
		for {
			issues, resp, err := a.client.Issues.ListByRepo(ctx, a.cfg.Owner, a.cfg.Repo, opts)
			if err != nil {
				status := 0
				if resp != nil {
					status = resp.StatusCode
				}
				yield(tracker.Issue{}, fmt.Errorf("github: list issues (status %d): %w", status, err))
				return
			}
			for _, issue := range issues {
				if issue.PullRequestLinks != nil {
					continue // issues endpoint also returns PRs; skip them
				}
				if !yield(convertIssue(a.cfg.Owner, a.cfg.Repo, issue), nil) {
					return
				}
			}
			if resp.NextPage == 0 {
				return
			}
			opts.Page = resp.NextPage
		}
	}
}

// Revalidate re-fetches each issue by number.
func (a *Adapter) Revalidate(ctx context.Context, ids []string) iter.Seq2[tracker.Issue, error] {
	return func(yield func(tracker.Issue, error) bool) {
		for _, id := range ids {
			var number int
			if _, err := fmt.Sscanf(id, "%d", &number); err != nil {
				if !yield(tracker.Issue{}, fmt.Errorf("github: invalid issue number %q: %w", id, err)) {
					return
				}
				continue
			}
			issue, resp, err := a.client.Issues.Get(ctx, a.cfg.Owner, a.cfg.Repo, number)
			if err != nil {
				status := 0
				if resp != nil {
					status = resp.StatusCode
				}
				if !yield(tracker.Issue{}, fmt.Errorf("github: get issue %d (status %d): %w", number, status, err)) {
					return
				}
				continue
			}
			if !yield(convertIssue(a.cfg.Owner, a.cfg.Repo, issue), nil) {
				return
			}
		}
	}
}

func convertIssue(owner, repo string, issue *gogithub.Issue) tracker.Issue {
	state := domain.RemoteStatusOpened
	if issue.GetState() == "closed" {
		state = domain.RemoteStatusClosed
	}
	meta, _ := json.Marshal(map[string]string{"owner": owner, "repo": repo})
	return tracker.Issue{
		ID:          fmt.Sprintf("%d", issue.GetID()),
		IID:         fmt.Sprintf("%d", issue.GetNumber()),
		Title:       issue.GetTitle(),
		Description: issue.GetBody(),
		UpdatedAt:   issue.GetUpdatedAt().Time,
		UniqueID:    fmt.Sprintf("github-%s/%s-%d", owner, repo, issue.GetNumber()),
		State:       state,
		Metadata:    meta,
	}
}
