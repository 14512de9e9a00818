package implementation

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskops/engine/internal/ci"
	"github.com/taskops/engine/internal/config"
	"github.com/taskops/engine/internal/domain"
	"github.com/taskops/engine/internal/quota"
	"github.com/taskops/engine/internal/store"
	"github.com/taskops/engine/internal/store/driver"
)

type fakeSecrets struct{}

func (fakeSecrets) Decrypt(ctx context.Context, id string) (string, error) { return "token", nil }
func (fakeSecrets) DecryptRefreshToken(ctx context.Context, id string) (string, error) {
	return "", nil
}
func (fakeSecrets) Encrypt(ctx context.Context, plaintext string) ([]byte, error) {
	return []byte(plaintext), nil
}
func (fakeSecrets) DecryptCiphertext(ctx context.Context, ciphertext []byte) (string, error) {
	return string(ciphertext), nil
}

type fakeCI struct {
	pipeline *ci.Pipeline
	err      error
}

func (f fakeCI) TriggerPipeline(ctx context.Context, id, ref string, variables map[string]string) (*ci.Pipeline, error) {
	return f.pipeline, f.err
}

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

func testSelector(st *store.Store, platformConfigured bool, advancedHard int) *quota.Selector {
	apiKey := ""
	if platformConfigured {
		apiKey = "platform-key"
	}
	cfg := &config.Config{
		AnthropicPlatformAPIKey:  apiKey,
		AnthropicModel:           "claude-sonnet-4-5",
		DefaultSimpleQuotaSoft:   40,
		DefaultSimpleQuotaHard:   50,
		DefaultAdvancedQuotaSoft: advancedHard,
		DefaultAdvancedQuotaHard: advancedHard,
	}
	return quota.New(st, fakeSecrets{}, cfg)
}

func seedProjectAndWorkerRepo(t *testing.T, st *store.Store, ownerUserID string) *domain.Project {
	t.Helper()
	p := &domain.Project{ID: "proj-1", Name: "demo", Enabled: true, OwnerUserID: ownerUserID, CreatedAt: time.Now()}
	require.NoError(t, st.CreateProject(context.Background(), p))
	wr := &domain.WorkerRepository{
		ID: "wr-1", ProjectID: p.ID, SourceHost: "", SourceProjectID: "123", SourcePath: "group/worker",
		AccessTokenCiphertext: []byte("worker-token"), CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreateWorkerRepository(context.Background(), wr))
	return p
}

func seedImplementableTask(t *testing.T, st *store.Store, projectID string) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ID: "task-1", ProjectID: projectID, TaskSourceID: "ts-1", Title: "Add retry",
		Description: "Retry failed jobs", RemoteStatus: domain.RemoteStatusOpened, UniqueID: "gitlab-repo-1",
	}
	_, _, err := st.UpsertTaskFromGitLab(context.Background(), task)
	require.NoError(t, err)
	require.NoError(t, st.SaveSimpleResult(context.Background(), task.ID, domain.VerdictReady, []byte(`{}`), nil))
	reloaded, err := st.FindTask(context.Background(), task.ID)
	require.NoError(t, err)
	return reloaded
}

func TestImplementTriggersPipelineForEligibleTask(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	project := seedProjectAndWorkerRepo(t, st, "user-1")
	task := seedImplementableTask(t, st, project.ID)

	d := &Driver{
		st: st, secrets: fakeSecrets{}, quota: testSelector(st, true, 10),
		newCI: func(host, token string) (pipelineTrigger, error) {
			return fakeCI{pipeline: &ci.Pipeline{ID: 99, Status: "pending"}}, nil
		},
		log: discardLogger(),
	}

	require.NoError(t, d.Implement(ctx, task.ID))

	reloaded, err := st.FindTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ImplImplementing, reloaded.ImplementationStatus)
	require.NotNil(t, reloaded.ImplSessionID)

	linked, err := st.FindTaskByImplSessionID(ctx, *reloaded.ImplSessionID)
	require.NoError(t, err)
	require.Equal(t, task.ID, linked.ID)
}

func TestImplementSkipsTaskWithoutReadyVerdict(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	project := seedProjectAndWorkerRepo(t, st, "user-1")
	task := &domain.Task{
		ID: "task-2", ProjectID: project.ID, TaskSourceID: "ts-1", Title: "Untriaged",
		RemoteStatus: domain.RemoteStatusOpened, UniqueID: "gitlab-repo-2",
	}
	_, _, err := st.UpsertTaskFromGitLab(ctx, task)
	require.NoError(t, err)

	d := &Driver{
		st: st, secrets: fakeSecrets{}, quota: testSelector(st, true, 10),
		newCI: func(host, token string) (pipelineTrigger, error) { return fakeCI{}, nil },
		log:   discardLogger(),
	}

	require.NoError(t, d.Implement(ctx, task.ID))

	reloaded, err := st.FindTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ImplNotStarted, reloaded.ImplementationStatus)
}

func TestImplementReclaimsFailedTask(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	project := seedProjectAndWorkerRepo(t, st, "user-1")
	task := seedImplementableTask(t, st, project.ID)

	ok, err := st.CompareAndUpdateImplementationStatus(ctx, task.ID, domain.ImplNotStarted, domain.ImplImplementing)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.CompareAndUpdateImplementationStatus(ctx, task.ID, domain.ImplImplementing, domain.ImplFailed)
	require.NoError(t, err)
	require.True(t, ok)

	d := &Driver{
		st: st, secrets: fakeSecrets{}, quota: testSelector(st, true, 10),
		newCI: func(host, token string) (pipelineTrigger, error) {
			return fakeCI{pipeline: &ci.Pipeline{ID: 7, Status: "pending"}}, nil
		},
		log: discardLogger(),
	}

	require.NoError(t, d.Implement(ctx, task.ID))

	reloaded, err := st.FindTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ImplImplementing, reloaded.ImplementationStatus)
}
