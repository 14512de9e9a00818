// Package ci is the CI client (§4.4, C4): a minimal, timed-out, retried
// surface over the remote CI provider, GitLab today. Grounded on the
// teacher's internal/hosting/gitlab client construction (same
// NewClient/WithBaseURL/WithContext calling convention) but scoped to
// pipeline + repository-file operations rather than PR review.
package ci

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	gogitlab "gitlab.com/gitlab-org/api/client-go"
)

// defaultTimeout bounds every operation except upload_files, which scales up
// for large batched commits, to at most maxUploadTimeout (§4.4).
const (
	defaultTimeout   = 30 * time.Second
	maxUploadTimeout = 15 * time.Minute
)

// File is one entry of a batched commit passed to UploadFiles.
type File struct {
	Path    string
	Content string
	// Action is "create" or "update"; UploadFiles mixes both in one commit.
	Action string
}

// Pipeline is the subset of a CI provider's pipeline resource this client cares about.
type Pipeline struct {
	ID     int
	Status string // raw provider status string, map through MappedStatus() for internal alphabet
	WebURL string
}

// MergeRequest is the subset of a CI provider's merge-request resource this
// client cares about.
type MergeRequest struct {
	IID     int
	WebURL  string
	Existed bool // true when create_merge_request hit a 409 already-exists and this is the existing MR
}

// Client is a GitLab-backed CI client. One Client is built per WorkerRepository token.
type Client struct {
	gl *gogitlab.Client
}

// New builds a Client against host (empty for gitlab.com) using token.
func New(host, token string) (*Client, error) {
	var (
		gl  *gogitlab.Client
		err error
	)
	if host != "" {
		baseURL := strings.TrimSuffix(host, "/")
		gl, err = gogitlab.NewClient(token, gogitlab.WithBaseURL(baseURL+"/api/v4"))
	} else {
		gl, err = gogitlab.NewClient(token)
	}
	if err != nil {
		return nil, fmt.Errorf("ci: create gitlab client: %w", err)
	}
	return &Client{gl: gl}, nil
}

// GetUser returns the authenticated user, used to validate a worker token.
func (c *Client) GetUser(ctx context.Context) (*gogitlab.User, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	var user *gogitlab.User
	err := retry(ctx, func() error {
		u, resp, err := c.gl.Users.CurrentUser(gogitlab.WithContext(ctx))
		if err != nil {
			return classify(resp, err)
		}
		user = u
		return nil
	})
	return user, err
}

// GetProject loads project metadata by id or "namespace/path".
func (c *Client) GetProject(ctx context.Context, id string) (*gogitlab.Project, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	var project *gogitlab.Project
	err := retry(ctx, func() error {
		p, resp, err := c.gl.Projects.GetProject(id, nil, gogitlab.WithContext(ctx))
		if err != nil {
			return classify(resp, err)
		}
		project = p
		return nil
	})
	return project, err
}

// EnableCICD turns on the project's CI/CD pipelines.
func (c *Client) EnableCICD(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return retry(ctx, func() error {
		_, resp, err := c.gl.Projects.EditProject(id, &gogitlab.EditProjectOptions{
			JobsEnabled: gogitlab.Ptr(true),
		}, gogitlab.WithContext(ctx))
		return classify(resp, err)
	})
}

// EnableExternalPipelineVariables allows trigger_pipeline callers to pass
// arbitrary pipeline variables (GitLab otherwise restricts this to
// maintainers by default).
func (c *Client) EnableExternalPipelineVariables(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return retry(ctx, func() error {
		_, resp, err := c.gl.Projects.EditProject(id, &gogitlab.EditProjectOptions{
			RestrictUserDefinedVariables: gogitlab.Ptr(false),
		}, gogitlab.WithContext(ctx))
		return classify(resp, err)
	})
}

// GetFile returns the decoded contents of path at ref.
func (c *Client) GetFile(ctx context.Context, id, path, ref string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	var content []byte
	err := retry(ctx, func() error {
		f, resp, err := c.gl.RepositoryFiles.GetFile(id, path, &gogitlab.GetFileOptions{
			Ref: gogitlab.Ptr(ref),
		}, gogitlab.WithContext(ctx))
		if err != nil {
			return classify(resp, err)
		}
		content = []byte(f.Content)
		return nil
	})
	return content, err
}

// UploadFiles commits every file to branch in a single atomic commit, with
// mixed create/update actions. The timeout scales with the number of files,
// capped at maxUploadTimeout (§4.4).
func (c *Client) UploadFiles(ctx context.Context, id string, files []File, commitMessage, branch string) error {
	timeout := defaultTimeout * time.Duration(1+len(files)/10)
	if timeout > maxUploadTimeout {
		timeout = maxUploadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	actions := make([]*gogitlab.CommitActionOptions, len(files))
	for i, f := range files {
		action := gogitlab.FileCreate
		if f.Action == "update" {
			action = gogitlab.FileUpdate
		}
		actions[i] = &gogitlab.CommitActionOptions{
			Action:   gogitlab.Ptr(action),
			FilePath: gogitlab.Ptr(f.Path),
			Content:  gogitlab.Ptr(f.Content),
		}
	}

	return retry(ctx, func() error {
		_, resp, err := c.gl.Commits.CreateCommit(id, &gogitlab.CreateCommitOptions{
			Branch:        gogitlab.Ptr(branch),
			CommitMessage: gogitlab.Ptr(commitMessage),
			Actions:       actions,
		}, gogitlab.WithContext(ctx))
		return classify(resp, err)
	})
}

// TriggerPipeline starts a new pipeline run on ref with variables.
func (c *Client) TriggerPipeline(ctx context.Context, id, ref string, variables map[string]string) (*Pipeline, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	varOpts := make([]*gogitlab.PipelineVariableOptions, 0, len(variables))
	for k, v := range variables {
		varOpts = append(varOpts, &gogitlab.PipelineVariableOptions{
			Key:   gogitlab.Ptr(k),
			Value: gogitlab.Ptr(v),
		})
	}

	var out *Pipeline
	err := retry(ctx, func() error {
		p, resp, err := c.gl.Pipelines.CreatePipeline(id, &gogitlab.CreatePipelineOptions{
			Ref:       gogitlab.Ptr(ref),
			Variables: &varOpts,
		}, gogitlab.WithContext(ctx))
		if err != nil {
			return classify(resp, err)
		}
		out = &Pipeline{ID: p.ID, Status: p.Status, WebURL: p.WebURL}
		return nil
	})
	return out, err
}

// GetPipeline returns the current state of pipelineID.
func (c *Client) GetPipeline(ctx context.Context, id string, pipelineID int) (*Pipeline, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	var out *Pipeline
	err := retry(ctx, func() error {
		p, resp, err := c.gl.Pipelines.GetPipeline(id, pipelineID, gogitlab.WithContext(ctx))
		if err != nil {
			return classify(resp, err)
		}
		out = &Pipeline{ID: p.ID, Status: p.Status, WebURL: p.WebURL}
		return nil
	})
	return out, err
}

// CreateMergeRequest opens a merge request from source into target. A 409
// "already exists" response is treated as success: the existing MR is
// looked up and returned with Existed=true (§4.4).
func (c *Client) CreateMergeRequest(ctx context.Context, id, source, target, title, description string) (*MergeRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var out *MergeRequest
	err := retry(ctx, func() error {
		mr, resp, err := c.gl.MergeRequests.CreateMergeRequest(id, &gogitlab.CreateMergeRequestOptions{
			Title:        gogitlab.Ptr(title),
			Description:  gogitlab.Ptr(description),
			SourceBranch: gogitlab.Ptr(source),
			TargetBranch: gogitlab.Ptr(target),
		}, gogitlab.WithContext(ctx))
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusConflict {
				existing, lookupErr := c.findExistingMR(ctx, id, source)
				if lookupErr != nil {
					return lookupErr
				}
				out = existing
				return nil
			}
			return classify(resp, err)
		}
		out = &MergeRequest{IID: mr.IID, WebURL: mr.WebURL}
		return nil
	})
	return out, err
}

func (c *Client) findExistingMR(ctx context.Context, id, source string) (*MergeRequest, error) {
	mrs, resp, err := c.gl.MergeRequests.ListProjectMergeRequests(id, &gogitlab.ListProjectMergeRequestsOptions{
		SourceBranch: gogitlab.Ptr(source),
		ListOptions:  gogitlab.ListOptions{PerPage: 1},
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, classify(resp, err)
	}
	if len(mrs) == 0 {
		return nil, fmt.Errorf("ci: merge request reported as existing but not found for branch %s", source)
	}
	return &MergeRequest{IID: mrs[0].IID, WebURL: mrs[0].WebURL, Existed: true}, nil
}

// MappedStatus maps p.Status from the CI provider's status vocabulary onto
// the engine's internal five-state alphabet (§4.4).
func (p *Pipeline) MappedStatus() string {
	switch p.Status {
	case "created", "waiting_for_resource", "preparing", "pending":
		return "pending"
	case "running":
		return "running"
	case "success":
		return "success"
	case "failed":
		return "failed"
	case "canceled", "skipped", "manual":
		return "canceled"
	default:
		return "pending"
	}
}

// classify wraps err so retry() can distinguish transport/5xx (retriable)
// from 4xx (terminal), per §4.4.
func classify(resp *gogitlab.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp == nil {
		return err // transport-level failure: retriable
	}
	if resp.StatusCode >= 500 {
		return err // retriable
	}
	return backoff.Permanent(err)
}

// retry runs op with exponential backoff (github.com/cenkalti/backoff/v4),
// stopping immediately on a backoff.Permanent error (4xx) and otherwise
// retrying until ctx's deadline, per §4.4/§4.11's transport/5xx-retriable,
// 4xx-terminal contract.
func retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.Retry(op, b)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}
