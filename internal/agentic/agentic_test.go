package agentic

import (
	"context"
	"encoding/json"
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

func seedReadyTask(t *testing.T, st *store.Store, projectID string) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ID: "task-1", ProjectID: projectID, TaskSourceID: "ts-1", Title: "Add retry",
		Description: "Retry failed jobs", RemoteStatus: domain.RemoteStatusOpened, UniqueID: "gitlab-repo-1",
	}
	_, _, err := st.UpsertTaskFromGitLab(context.Background(), task)
	require.NoError(t, err)
	result, _ := json.Marshal(map[string]any{"should_evaluate": true, "reason": "clear"})
	require.NoError(t, st.SaveSimpleResult(context.Background(), task.ID, domain.VerdictReady, result, nil))
	reloaded, err := st.FindTask(context.Background(), task.ID)
	require.NoError(t, err)
	return reloaded
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

func TestEvaluateTriggersPipelineForEligibleTask(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	project := seedProjectAndWorkerRepo(t, st, "user-1")
	task := seedReadyTask(t, st, project.ID)

	d := &Driver{
		st: st, secrets: fakeSecrets{}, quota: testSelector(st, true, 10),
		newCI: func(host, token string) (pipelineTrigger, error) {
			return fakeCI{pipeline: &ci.Pipeline{ID: 42, Status: "pending"}}, nil
		},
		log: discardLogger(),
	}

	require.NoError(t, d.Evaluate(ctx, task.ID))

	reloaded, err := st.FindTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EvalEvaluating, reloaded.AdvancedStatus)
	require.NotNil(t, reloaded.EvalSessionID)

	linked, err := st.FindTaskByEvalSessionID(ctx, *reloaded.EvalSessionID)
	require.NoError(t, err)
	require.Equal(t, task.ID, linked.ID)
}

func TestEvaluateSkipsIneligibleTask(t *testing.T) {
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

	require.NoError(t, d.Evaluate(ctx, task.ID))

	reloaded, err := st.FindTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EvalNotStarted, reloaded.AdvancedStatus)
}

func TestEvaluateLeavesTaskNotStartedWhenQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	project := seedProjectAndWorkerRepo(t, st, "user-1")
	task := seedReadyTask(t, st, project.ID)

	d := &Driver{
		st: st, secrets: fakeSecrets{}, quota: testSelector(st, false, 0),
		newCI: func(host, token string) (pipelineTrigger, error) { return fakeCI{}, nil },
		log:   discardLogger(),
	}

	require.NoError(t, d.Evaluate(ctx, task.ID))

	reloaded, err := st.FindTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EvalNotStarted, reloaded.AdvancedStatus)
}
