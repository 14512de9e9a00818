package github

import (
	"testing"

	gogithub "github.com/google/go-github/v82/github"
	"github.com/stretchr/testify/require"

	"github.com/taskops/engine/internal/domain"
)

func TestNewRejectsMissingOwnerRepo(t *testing.T) {
	_, err := New([]byte(`{"owner":"","repo":""}`), "tok")
	require.Error(t, err)
}

func TestNewRejectsBadJSON(t *testing.T) {
	_, err := New([]byte(`not json`), "tok")
	require.Error(t, err)
}

func TestConvertIssueClosedState(t *testing.T) {
	issue := &gogithub.Issue{
		ID:     gogithub.Int64(42),
		Number: gogithub.Int(7),
		Title:  gogithub.String("fix thing"),
		State:  gogithub.String("closed"),
	}
	out := convertIssue("acme", "widgets", issue)
	require.Equal(t, domain.RemoteStatusClosed, out.State)
	require.Equal(t, "github-acme/widgets-7", out.UniqueID)
}

func TestConvertIssueOpenState(t *testing.T) {
	issue := &gogithub.Issue{
		ID:     gogithub.Int64(1),
		Number: gogithub.Int(1),
		State:  gogithub.String("open"),
	}
	out := convertIssue("acme", "widgets", issue)
	require.Equal(t, domain.RemoteStatusOpened, out.State)
}
