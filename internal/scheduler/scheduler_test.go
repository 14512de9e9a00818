package scheduler

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskops/engine/internal/broker"
	"github.com/taskops/engine/internal/config"
	"github.com/taskops/engine/internal/domain"
	"github.com/taskops/engine/internal/evaluator"
	engsync "github.com/taskops/engine/internal/sync"
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
	return &config.Config{
		TaskSyncIntervalMinutes:  15,
		TaskSyncThresholdMinutes: 30,
		TaskQueuedTimeoutMinutes: 120,
		EvalIntervalMinutes:      1,
	}
}

type fakePublisher struct {
	published []struct {
		queue   broker.Queue
		payload any
	}
}

func (f *fakePublisher) Publish(ctx context.Context, queue broker.Queue, payload any) error {
	f.published = append(f.published, struct {
		queue   broker.Queue
		payload any
	}{queue, payload})
	return nil
}

func seedProject(t *testing.T, st *store.Store) *domain.Project {
	t.Helper()
	p := &domain.Project{ID: "proj-1", Name: "demo", Enabled: true, OwnerUserID: "user-1", CreatedAt: time.Now()}
	require.NoError(t, st.CreateProject(context.Background(), p))
	return p
}

func TestSyncSchedulerPublishesStaleTaskSource(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	project := seedProject(t, st)

	old := time.Now().Add(-time.Hour)
	ts := &domain.TaskSource{
		ID: "ts-1", ProjectID: project.ID, Name: "issues", Enabled: true,
		Type: domain.TaskSourceGitLabIssues, Config: []byte(`{}`), LastSyncedAt: &old, CreatedAt: old,
	}
	require.NoError(t, st.CreateTaskSource(ctx, ts))

	pub := &fakePublisher{}
	s := NewSyncScheduler(st, pub, testConfig(), discardLogger())
	require.NoError(t, s.Sweep(ctx))

	require.Len(t, pub.published, 1)
	require.Equal(t, broker.QueueSync, pub.published[0].queue)
	msg, ok := pub.published[0].payload.(engsync.Message)
	require.True(t, ok)
	require.Equal(t, "ts-1", msg.TaskSourceID)

	reloaded, err := st.FindTaskSource(ctx, "ts-1")
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusQueued, reloaded.SyncStatus)
}

func TestSyncSchedulerSkipsManualSources(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	project := seedProject(t, st)

	old := time.Now().Add(-time.Hour)
	ts := &domain.TaskSource{
		ID: "ts-1", ProjectID: project.ID, Name: "manual", Enabled: true,
		Type: domain.TaskSourceManual, Config: []byte(`{}`), LastSyncedAt: &old, CreatedAt: old,
	}
	require.NoError(t, st.CreateTaskSource(ctx, ts))

	pub := &fakePublisher{}
	s := NewSyncScheduler(st, pub, testConfig(), discardLogger())
	require.NoError(t, s.Sweep(ctx))

	require.Empty(t, pub.published)
}

func TestSyncSchedulerRepublishesStuckQueuedSource(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	project := seedProject(t, st)

	ts := &domain.TaskSource{
		ID: "ts-1", ProjectID: project.ID, Name: "issues", Enabled: true,
		Type: domain.TaskSourceGitLabIssues, Config: []byte(`{}`), CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreateTaskSource(ctx, ts))
	require.NoError(t, st.UpdateTaskSourceSyncStatus(ctx, "ts-1", domain.SyncStatusQueued, ""))

	cfg := testConfig()
	cfg.TaskQueuedTimeoutMinutes = -60
	cfg.TaskSyncThresholdMinutes = 999999

	pub := &fakePublisher{}
	s := NewSyncScheduler(st, pub, cfg, discardLogger())
	require.NoError(t, s.Sweep(ctx))

	require.Len(t, pub.published, 1)
}

func TestEvalSchedulerPublishesTaskNeedingEvaluation(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	project := seedProject(t, st)

	task := &domain.Task{
		ID: "task-1", ProjectID: project.ID, TaskSourceID: "ts-1", Title: "Add retry",
		RemoteStatus: domain.RemoteStatusOpened, UniqueID: "gitlab-repo-1",
	}
	_, _, err := st.UpsertTaskFromGitLab(ctx, task)
	require.NoError(t, err)

	pub := &fakePublisher{}
	s := NewEvalScheduler(st, pub, testConfig(), discardLogger())
	require.NoError(t, s.Sweep(ctx))

	require.Len(t, pub.published, 1)
	require.Equal(t, broker.QueueEval, pub.published[0].queue)
	msg, ok := pub.published[0].payload.(evaluator.Message)
	require.True(t, ok)
	require.Equal(t, "task-1", msg.TaskID)
}

func TestEvalSchedulerIgnoresDisabledProjects(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	p := &domain.Project{ID: "proj-2", Name: "disabled", Enabled: false, OwnerUserID: "user-1", CreatedAt: time.Now()}
	require.NoError(t, st.CreateProject(ctx, p))

	task := &domain.Task{
		ID: "task-1", ProjectID: p.ID, TaskSourceID: "ts-1", Title: "Add retry",
		RemoteStatus: domain.RemoteStatusOpened, UniqueID: "gitlab-repo-1",
	}
	_, _, err := st.UpsertTaskFromGitLab(ctx, task)
	require.NoError(t, err)

	pub := &fakePublisher{}
	s := NewEvalScheduler(st, pub, testConfig(), discardLogger())
	require.NoError(t, s.Sweep(ctx))

	require.Empty(t, pub.published)
}

