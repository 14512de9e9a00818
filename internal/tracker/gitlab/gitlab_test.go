package gitlab

import (
	"testing"
	"time"

	gogitlab "gitlab.com/gitlab-org/api/client-go"
	"github.com/stretchr/testify/require"

	"github.com/taskops/engine/internal/domain"
)

func TestNewRejectsMissingProject(t *testing.T) {
	_, err := New([]byte(`{}`), "tok")
	require.Error(t, err)
}

func TestNewRejectsBadJSON(t *testing.T) {
	_, err := New([]byte(`not json`), "tok")
	require.Error(t, err)
}

func TestConvertIssueClosedState(t *testing.T) {
	now := time.Now()
	issue := &gogitlab.Issue{
		ID:          1,
		IID:         5,
		Title:       "fix thing",
		Description: "details",
		State:       "closed",
		UpdatedAt:   &now,
	}
	out := convertIssue("acme/widgets", issue)
	require.Equal(t, domain.RemoteStatusClosed, out.State)
	require.Equal(t, "gitlab-acme/widgets-5", out.UniqueID)
}

func TestConvertIssueOpenState(t *testing.T) {
	issue := &gogitlab.Issue{ID: 2, IID: 2, State: "opened"}
	out := convertIssue("acme/widgets", issue)
	require.Equal(t, domain.RemoteStatusOpened, out.State)
}
