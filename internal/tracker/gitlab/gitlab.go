// Package gitlab is the GitLab tracker adapter (§4.3, C3), grounded on the
// teacher's internal/hosting/gitlab client construction (go-gitlab's
// non-ctx-first, RequestOptionFunc calling convention) generalized from MR
// hosting to issue listing.
package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/taskops/engine/internal/domain"
	"github.com/taskops/engine/internal/tracker"
)

func init() {
	tracker.Register(domain.TaskSourceGitLabIssues, New)
}

// Adapter is the GitLab implementation of tracker.Adapter.
type Adapter struct {
	client    *gogitlab.Client
	projectID string
	cfg       domain.GitLabSourceConfig
}

// New constructs a GitLab Adapter from a task source's discriminated config
// and a resolved access token.
func New(configJSON []byte, token string) (tracker.Adapter, error) {
	var cfg domain.GitLabSourceConfig
	if err := json.Unmarshal(configJSON, &cfg); err != nil {
		return nil, fmt.Errorf("gitlab: parse config: %w", err)
	}
	if cfg.ProjectID == "" && cfg.Repo == "" {
		return nil, fmt.Errorf("gitlab: project_id or repo is required")
	}

	var client *gogitlab.Client
	var err error
	if cfg.Host != "" {
		baseURL := strings.TrimSuffix(cfg.Host, "/")
		client, err = gogitlab.NewClient(token, gogitlab.WithBaseURL(baseURL+"/api/v4"))
	} else {
		client, err = gogitlab.NewClient(token)
	}
	if err != nil {
		return nil, fmt.Errorf("gitlab: create client: %w", err)
	}

	projectID := cfg.ProjectID
	if projectID == "" {
		projectID = cfg.Repo
	}

	return &Adapter{client: client, projectID: projectID, cfg: cfg}, nil
}

// ListIssues pages through every issue on the project matching the
// configured labels, following go-gitlab's page cursor (§4.3).
func (a *Adapter) ListIssues(ctx context.Context) iter.Seq2[tracker.Issue, error] {
	return func(yield func(tracker.Issue, error) bool) {
		opts := &gogitlab.ListProjectIssuesOptions{
			ListOptions: gogitlab.ListOptions{PerPage: 100, Page: 1},
		}
		if len(a.cfg.Labels) > 0 {
			labels := gogitlab.LabelOptions(a.cfg.Labels)
			opts.Labels = &labels
		}
		for {
			issues, resp, err := a.client.Issues.ListProjectIssues(a.projectID, opts, gogitlab.WithContext(ctx))
			if err != nil {
				status := 0
				if resp != nil {
					status = resp.StatusCode
				}
				yield(tracker.Issue{}, fmt.Errorf("gitlab: list issues (status %d): %w", status, err))
				return
			}
			for _, issue := range issues {
				if !yield(convertIssue(a.cfg.Repo, issue), nil) {
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

// Revalidate re-fetches each issue by its project-scoped IID.
func (a *Adapter) Revalidate(ctx context.Context, ids []string) iter.Seq2[tracker.Issue, error] {
	return func(yield func(tracker.Issue, error) bool) {
		for _, id := range ids {
			iid, err := strconv.Atoi(id)
			if err != nil {
				if !yield(tracker.Issue{}, fmt.Errorf("gitlab: invalid issue iid %q: %w", id, err)) {
					return
				}
				continue
			}
			issue, resp, err := a.client.Issues.GetIssue(a.projectID, iid, gogitlab.WithContext(ctx))
			if err != nil {
				status := 0
				if resp != nil {
					status = resp.StatusCode
				}
				if !yield(tracker.Issue{}, fmt.Errorf("gitlab: get issue %d (status %d): %w", iid, status, err)) {
					return
				}
				continue
			}
			if !yield(convertIssue(a.cfg.Repo, issue), nil) {
				return
			}
		}
	}
}

func convertIssue(repo string, issue *gogitlab.Issue) tracker.Issue {
	state := domain.RemoteStatusOpened
	if issue.State == "closed" {
		state = domain.RemoteStatusClosed
	}
	var updatedAt time.Time
	if issue.UpdatedAt != nil {
		updatedAt = *issue.UpdatedAt
	}
	meta, _ := json.Marshal(map[string]string{"repo": repo})
	return tracker.Issue{
		ID:          strconv.Itoa(issue.ID),
		IID:         strconv.Itoa(issue.IID),
		Title:       issue.Title,
		Description: issue.Description,
		UpdatedAt:   updatedAt,
		UniqueID:    fmt.Sprintf("gitlab-%s-%d", repo, issue.IID),
		State:       state,
		Metadata:    meta,
	}
}
