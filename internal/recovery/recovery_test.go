package recovery

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/taskops/engine/internal/config"
	"github.com/taskops/engine/internal/domain"
	"github.com/taskops/engine/internal/store"
	"github.com/taskops/engine/internal/store/driver"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "engine.db")
	st, err := store.Open(context.Background(), driver.DialectSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testConfig() *config.Config {
	return &config.Config{StuckEvalCheckIntervalMin: 15, StuckEvaluationTimeoutMin: 60}
}

func seedProjectAndWorkerRepo(t *testing.T, st *store.Store) *domain.Project {
	t.Helper()
	p := &domain.Project{ID: "proj-1", Name: "demo", Enabled: true, OwnerUserID: "user-1", CreatedAt: time.Now()}
	require.NoError(t, st.CreateProject(context.Background(), p))
	wr := &domain.WorkerRepository{
		ID: "wr-1", ProjectID: p.ID, SourceProjectID: "123", SourcePath: "group/worker",
		AccessTokenCiphertext: []byte("worker-token"), CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreateWorkerRepository(context.Background(), wr))
	return p
}

func TestSweepResetsSimplePhaseStuckWithNoPipeline(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	project := seedProjectAndWorkerRepo(t, st)
	task := &domain.Task{
		ID: "task-1", ProjectID: project.ID, TaskSourceID: "ts-1", Title: "Add retry",
		RemoteStatus: domain.RemoteStatusOpened, UniqueID: "gitlab-repo-1",
	}
	_, _, err := st.UpsertTaskFromGitLab(ctx, task)
	require.NoError(t, err)
	ok, err := st.CompareAndUpdateSimpleStatus(ctx, task.ID, domain.EvalNotStarted, domain.EvalEvaluating)
	require.NoError(t, err)
	require.True(t, ok)

	r := New(st, testConfig(), discardLogger())
	stuck, err := st.FindStuckEvaluatingTasks(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stuck, 1)

	for _, task := range stuck {
		require.NoError(t, r.reconcile(ctx, task))
	}

	reloaded, err := st.FindTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EvalNotStarted, reloaded.SimpleStatus)
}

func TestSweepResetsAdvancedPhaseStuckWithNoSession(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	project := seedProjectAndWorkerRepo(t, st)
	task := &domain.Task{
		ID: "task-2", ProjectID: project.ID, TaskSourceID: "ts-1", Title: "Add retry",
		RemoteStatus: domain.RemoteStatusOpened, UniqueID: "gitlab-repo-2",
	}
	_, _, err := st.UpsertTaskFromGitLab(ctx, task)
	require.NoError(t, err)
	require.NoError(t, st.SaveSimpleResult(ctx, task.ID, domain.VerdictReady, []byte(`{}`), nil))
	ok, err := st.CompareAndUpdateAdvancedStatus(ctx, task.ID, domain.EvalNotStarted, domain.EvalEvaluating)
	require.NoError(t, err)
	require.True(t, ok)

	reloaded, err := st.FindTask(ctx, task.ID)
	require.NoError(t, err)

	r := New(st, testConfig(), discardLogger())
	require.NoError(t, r.reconcile(ctx, reloaded))

	final, err := st.FindTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EvalNotStarted, final.AdvancedStatus)
}

func TestSweepAppliesSuccessfulPipelineForStuckAdvancedTask(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	project := seedProjectAndWorkerRepo(t, st)
	task := &domain.Task{
		ID: "task-3", ProjectID: project.ID, TaskSourceID: "ts-1", Title: "Add retry",
		RemoteStatus: domain.RemoteStatusOpened, UniqueID: "gitlab-repo-3",
	}
	_, _, err := st.UpsertTaskFromGitLab(ctx, task)
	require.NoError(t, err)
	require.NoError(t, st.SaveSimpleResult(ctx, task.ID, domain.VerdictReady, []byte(`{}`), nil))
	ok, err := st.CompareAndUpdateAdvancedStatus(ctx, task.ID, domain.EvalNotStarted, domain.EvalEvaluating)
	require.NoError(t, err)
	require.True(t, ok)

	session := &domain.Session{ID: uuid.NewString(), TaskID: task.ID, Runner: domain.RunnerEvaluation, CreatedAt: time.Now()}
	require.NoError(t, st.CreateSession(ctx, session))
	require.NoError(t, st.SetTaskEvalSession(ctx, task.ID, session.ID))

	execution := &domain.PipelineExecution{
		ID: uuid.NewString(), SessionID: session.ID, WorkerRepositoryID: "wr-1",
		PipelineID: "99", Status: domain.PipelineSuccess, CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreatePipelineExecution(ctx, execution))

	reloaded, err := st.FindTask(ctx, task.ID)
	require.NoError(t, err)

	r := New(st, testConfig(), discardLogger())
	require.NoError(t, r.reconcile(ctx, reloaded))

	final, err := st.FindTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EvalCompleted, final.AdvancedStatus)
}

func TestSweepLeavesRunningPipelineAlone(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	project := seedProjectAndWorkerRepo(t, st)
	task := &domain.Task{
		ID: "task-4", ProjectID: project.ID, TaskSourceID: "ts-1", Title: "Add retry",
		RemoteStatus: domain.RemoteStatusOpened, UniqueID: "gitlab-repo-4",
	}
	_, _, err := st.UpsertTaskFromGitLab(ctx, task)
	require.NoError(t, err)
	require.NoError(t, st.SaveSimpleResult(ctx, task.ID, domain.VerdictReady, []byte(`{}`), nil))
	ok, err := st.CompareAndUpdateAdvancedStatus(ctx, task.ID, domain.EvalNotStarted, domain.EvalEvaluating)
	require.NoError(t, err)
	require.True(t, ok)

	session := &domain.Session{ID: uuid.NewString(), TaskID: task.ID, Runner: domain.RunnerEvaluation, CreatedAt: time.Now()}
	require.NoError(t, st.CreateSession(ctx, session))
	require.NoError(t, st.SetTaskEvalSession(ctx, task.ID, session.ID))

	require.NoError(t, st.CreatePipelineExecution(ctx, &domain.PipelineExecution{
		ID: uuid.NewString(), SessionID: session.ID, WorkerRepositoryID: "wr-1",
		PipelineID: "100", Status: domain.PipelineRunning, CreatedAt: time.Now(),
	}))

	reloaded, err := st.FindTask(ctx, task.ID)
	require.NoError(t, err)

	r := New(st, testConfig(), discardLogger())
	require.NoError(t, r.reconcile(ctx, reloaded))

	final, err := st.FindTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EvalEvaluating, final.AdvancedStatus)
}
