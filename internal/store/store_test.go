package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskops/engine/internal/domain"
	"github.com/taskops/engine/internal/store/driver"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "engine.db")
	st, err := Open(context.Background(), driver.DialectSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedProject(t *testing.T, st *Store) *domain.Project {
	t.Helper()
	p := &domain.Project{ID: "proj-1", Name: "demo", Enabled: true, CreatedAt: time.Now()}
	require.NoError(t, st.CreateProject(context.Background(), p))
	return p
}

func TestProjectCreateAndFind(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	p := seedProject(t, st)

	got, err := st.FindProject(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, p.Name, got.Name)
	require.Nil(t, got.LastSyncedAt)

	require.NoError(t, st.UpdateProjectLastSynced(ctx, p.ID, time.Now()))
	got, err = st.FindProject(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncedAt)
}

func TestFindProjectNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.FindProject(context.Background(), "missing")
	require.Error(t, err)
}

func TestTaskSourceNeedingSync(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedProject(t, st)

	ts := &domain.TaskSource{
		ID: "ts-1", ProjectID: "proj-1", Name: "main", Enabled: true,
		Type: domain.TaskSourceGitLabIssues, Config: []byte(`{}`), CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreateTaskSource(ctx, ts))

	sources, err := st.FindTaskSourcesNeedingSync(ctx, time.Now().Add(time.Minute), time.Now())
	require.NoError(t, err)
	require.Len(t, sources, 1)

	require.NoError(t, st.MarkTaskSourceSynced(ctx, ts.ID, time.Now()))
	sources, err = st.FindTaskSourcesNeedingSync(ctx, time.Now().Add(-time.Hour), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Empty(t, sources)
}

func TestUpsertTaskFromGitLabIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedProject(t, st)
	ts := &domain.TaskSource{ID: "ts-1", ProjectID: "proj-1", Name: "main", Enabled: true, Type: domain.TaskSourceGitLabIssues, Config: []byte(`{}`), CreatedAt: time.Now()}
	require.NoError(t, st.CreateTaskSource(ctx, ts))

	task := &domain.Task{
		ID: "task-1", ProjectID: "proj-1", TaskSourceID: "ts-1", Title: "fix bug",
		Status: "open", RemoteStatus: domain.RemoteStatusOpened,
		SourceIssue: domain.SourceIssue{Payload: []byte(`{"iid":1}`)},
		UniqueID:    "gitlab-proj-1-1",
	}
	created, isNew, err := st.UpsertTaskFromGitLab(ctx, task)
	require.NoError(t, err)
	require.True(t, isNew)
	require.Equal(t, domain.EvalNotStarted, created.SimpleStatus)

	task.Title = "fix bug (updated)"
	updated, isNew, err := st.UpsertTaskFromGitLab(ctx, task)
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, "fix bug (updated)", updated.Title)

	again, err := st.FindTaskByUniqueID(ctx, "gitlab-proj-1-1")
	require.NoError(t, err)
	require.Equal(t, "fix bug (updated)", again.Title)
}

func TestCompareAndUpdateSimpleStatus(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedProject(t, st)
	ts := &domain.TaskSource{ID: "ts-1", ProjectID: "proj-1", Name: "main", Enabled: true, Type: domain.TaskSourceGitLabIssues, Config: []byte(`{}`), CreatedAt: time.Now()}
	require.NoError(t, st.CreateTaskSource(ctx, ts))
	task := &domain.Task{ID: "task-1", ProjectID: "proj-1", TaskSourceID: "ts-1", Title: "t", UniqueID: "u-1"}
	_, _, err := st.UpsertTaskFromGitLab(ctx, task)
	require.NoError(t, err)

	ok, err := st.CompareAndUpdateSimpleStatus(ctx, "task-1", domain.EvalNotStarted, domain.EvalEvaluating)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = st.CompareAndUpdateSimpleStatus(ctx, "task-1", domain.EvalNotStarted, domain.EvalEvaluating)
	require.NoError(t, err)
	require.False(t, ok, "second claim of an already-claimed task must fail")

	require.NoError(t, st.SaveSimpleResult(ctx, "task-1", domain.VerdictReady, []byte(`{}`), nil))
	got, err := st.FindTask(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, got.CanEnterAdvanced())
}

func TestQuotaIncrement(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	_, err := st.FindQuota(ctx, "user-1", domain.QuotaLimits{Simple: 10, Advanced: 5}, domain.QuotaLimits{Simple: 20, Advanced: 10})
	require.NoError(t, err)

	q, err := st.IncrementQuotaUsage(ctx, "user-1", domain.QuotaKindSimple, 1)
	require.NoError(t, err)
	require.Equal(t, 1, q.SimpleUsed)
	require.Equal(t, 10, q.SimpleSoft)
}

func TestBatchUpsertSyncStates(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedProject(t, st)
	ts := &domain.TaskSource{ID: "ts-1", ProjectID: "proj-1", Name: "main", Enabled: true, Type: domain.TaskSourceGitLabIssues, Config: []byte(`{}`), CreatedAt: time.Now()}
	require.NoError(t, st.CreateTaskSource(ctx, ts))

	states := []*domain.TaskSourceSyncState{
		{TaskSourceID: "ts-1", IssueID: "1", IssueUpdatedAt: time.Now()},
		{TaskSourceID: "ts-1", IssueID: "2", IssueUpdatedAt: time.Now()},
	}
	require.NoError(t, st.BatchUpsertSyncStates(ctx, states))

	st2, err := st.FindSyncState(ctx, "ts-1", "1")
	require.NoError(t, err)
	require.Equal(t, "1", st2.IssueID)

	newer := time.Now().Add(time.Hour)
	require.NoError(t, st.BatchUpsertSyncStates(ctx, []*domain.TaskSourceSyncState{{TaskSourceID: "ts-1", IssueID: "1", IssueUpdatedAt: newer}}))
	st3, err := st.FindSyncState(ctx, "ts-1", "1")
	require.NoError(t, err)
	require.WithinDuration(t, newer, st3.IssueUpdatedAt, time.Second)
}
