// Package jira is the Jira tracker adapter (§4.3, C3). It searches via JQL,
// flattens ADF descriptions to plain text, and paginates with
// nextPageToken, registering itself with internal/tracker at init time the
// way the teacher's internal/hosting/{github,gitlab} packages register
// with internal/hosting's factory.
package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"time"

	v3 "github.com/ctreminiom/go-atlassian/v2/jira/v3"
	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"

	"github.com/taskops/engine/internal/domain"
	"github.com/taskops/engine/internal/tracker"
)

func init() {
	tracker.Register(domain.TaskSourceJira, New)
}

// defaultJQL is used when a task source carries no explicit JQL (§4.3).
const defaultJQL = "resolution = Unresolved ORDER BY updated DESC"

var searchFields = []string{"summary", "description", "status", "updated", "created", "project"}

// Adapter is the Jira implementation of tracker.Adapter.
type Adapter struct {
	client *v3.Client
	cfg    domain.JiraSourceConfig
}

// New constructs a Jira Adapter from a task source's discriminated config
// and the resolved token (Jira Cloud API token used as HTTP basic auth
// password; the configured host's user is carried in cfg, since Jira's
// basic auth needs both an email and a token).
func New(configJSON []byte, token string) (tracker.Adapter, error) {
	var cfg domain.JiraSourceConfig
	if err := json.Unmarshal(configJSON, &cfg); err != nil {
		return nil, fmt.Errorf("jira: parse config: %w", err)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("jira: host is required")
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	client, err := v3.New(httpClient, cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("jira: create client: %w", err)
	}
	client.Auth.SetBasicAuth(cfg.Host, token)

	return &Adapter{client: client, cfg: cfg}, nil
}

func (a *Adapter) jql() string {
	if a.cfg.JQL != "" {
		return a.cfg.JQL
	}
	return defaultJQL
}

// ListIssues drives SearchJQL to completion, following nextPageToken (§4.3).
func (a *Adapter) ListIssues(ctx context.Context) iter.Seq2[tracker.Issue, error] {
	return func(yield func(tracker.Issue, error) bool) {
		nextPageToken := ""
		for {
			result, resp, err := a.client.Issue.Search.SearchJQL(ctx, a.jql(), searchFields, nil, 50, nextPageToken)
			if err != nil {
				status := 0
				if resp != nil {
					status = resp.StatusCode
				}
				yield(tracker.Issue{}, fmt.Errorf("jira: search jql (status %d): %w", status, err))
				return
			}
			for _, issue := range result.Issues {
				if !yield(convertIssue(a.cfg.ProjectKey, issue), nil) {
					return
				}
			}
			if result.NextPageToken == "" || len(result.Issues) == 0 {
				return
			}
			nextPageToken = result.NextPageToken
		}
	}
}

// Revalidate re-fetches each issue by key individually (Jira has no
// batch-by-key search shared with SearchJQL's field set, so each id gets
// its own lookup; per-issue errors are yielded rather than aborting the
// whole sequence, per §4.3's "adapter failures are non-fatal at the issue
// level").
func (a *Adapter) Revalidate(ctx context.Context, ids []string) iter.Seq2[tracker.Issue, error] {
	return func(yield func(tracker.Issue, error) bool) {
		for _, key := range ids {
			issue, resp, err := a.client.Issue.Get(ctx, key, searchFields, nil, false)
			if err != nil {
				status := 0
				if resp != nil {
					status = resp.StatusCode
				}
				if !yield(tracker.Issue{}, fmt.Errorf("jira: get issue %s (status %d): %w", key, status, err)) {
					return
				}
				continue
			}
			if !yield(convertIssue(a.cfg.ProjectKey, issue), nil) {
				return
			}
		}
	}
}

func convertIssue(projectKey string, issue *models.IssueScheme) tracker.Issue {
	if issue == nil || issue.Fields == nil {
		return tracker.Issue{}
	}
	f := issue.Fields

	state := domain.RemoteStatusOpened
	if f.Status != nil && f.Status.StatusCategory != nil && f.Status.StatusCategory.Key == "done" {
		state = domain.RemoteStatusClosed
	}

	var updatedAt time.Time
	if f.Updated != nil {
		updatedAt = time.Time(*f.Updated)
	}

	meta, _ := json.Marshal(map[string]string{"host": "", "key": issue.Key, "project": projectKey})

	return tracker.Issue{
		ID:          issue.ID,
		IID:         issue.Key,
		Title:       f.Summary,
		Description: flattenADF(f.Description),
		UpdatedAt:   updatedAt,
		UniqueID:    fmt.Sprintf("jira-%s-%s", projectKey, issue.Key),
		State:       state,
		Metadata:    meta,
	}
}
