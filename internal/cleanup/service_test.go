package cleanup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybot/relaybot/internal/codebase"
	"github.com/relaybot/relaybot/internal/common/logger"
	"github.com/relaybot/relaybot/internal/conversation"
	"github.com/relaybot/relaybot/internal/git"
	"github.com/relaybot/relaybot/internal/isolation"
)

type fakeEnvStore struct {
	isolation.Store
	envs []*isolation.EnvironmentWithAge
}

func (f *fakeEnvStore) ListByCodebaseWithAge(_ context.Context, _ string) ([]*isolation.EnvironmentWithAge, error) {
	return f.envs, nil
}

type fakeProvider struct {
	isolation.Provider
	destroyed []string
	destroyErr map[string]error
}

func (f *fakeProvider) Destroy(_ context.Context, envID string, _ isolation.DestroyOptions) error {
	if err := f.destroyErr[envID]; err != nil {
		return err
	}
	f.destroyed = append(f.destroyed, envID)
	return nil
}

type fakeConvStore struct {
	conversation.Store
	conversations map[string]*conversation.Conversation
	refs          map[string][]*conversation.Conversation
	updates       []string
}

func (f *fakeConvStore) GetConversation(_ context.Context, id string) (*conversation.Conversation, error) {
	conv, ok := f.conversations[id]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	return conv, nil
}

func (f *fakeConvStore) GetConversationsByIsolationEnv(_ context.Context, envID string) ([]*conversation.Conversation, error) {
	return f.refs[envID], nil
}

func (f *fakeConvStore) UpdateConversation(_ context.Context, id string, update conversation.Update) error {
	f.updates = append(f.updates, id)
	if update.IsolationEnvID != nil {
		if conv, ok := f.conversations[id]; ok {
			conv.IsolationEnvID = *update.IsolationEnvID
		}
	}
	return nil
}

type fakeGit struct {
	git.Executor
	merged map[string][]string // base -> branches
	dirty  map[string]bool     // working path -> dirty
}

func (f *fakeGit) DefaultBranch(_ context.Context, _ string) string { return "main" }

func (f *fakeGit) MergedBranches(_ context.Context, _ string, base string) ([]string, error) {
	return f.merged[base], nil
}

func (f *fakeGit) StatusPorcelain(_ context.Context, dir string) (string, error) {
	if f.dirty[dir] {
		return " M file.go\n", nil
	}
	return "", nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func env(id, branch, path, platform string, age int) *isolation.EnvironmentWithAge {
	return &isolation.EnvironmentWithAge{
		Environment: isolation.Environment{
			ID:                id,
			BranchName:        branch,
			WorkingPath:       path,
			CreatedByPlatform: platform,
		},
		DaysSinceActivity: age,
	}
}

func newTestService(envs *fakeEnvStore, provider *fakeProvider, convs *fakeConvStore, gitExec *fakeGit, t *testing.T) *Service {
	if provider.destroyErr == nil {
		provider.destroyErr = map[string]error{}
	}
	return NewService(envs, provider, convs, gitExec, nil, Config{StaleThresholdDays: 14}, testLogger(t))
}

func TestStatusBreakdown_Classification(t *testing.T) {
	envs := &fakeEnvStore{envs: []*isolation.EnvironmentWithAge{
		env("e1", "issue-1", "/wt/issue-1", "github", 1),
		env("e2", "issue-2", "/wt/issue-2", "github", 30),
		env("e3", "issue-3", "/wt/issue-3", "github", 2),
		env("e4", "task-chat", "/wt/task-chat", "telegram", 90),
	}}
	gitExec := &fakeGit{merged: map[string][]string{"main": {"issue-1", "main"}}}
	svc := newTestService(envs, &fakeProvider{}, &fakeConvStore{}, gitExec, t)

	breakdown, err := svc.StatusBreakdown(context.Background(), &codebase.Codebase{ID: "cb", LocalPath: "/repo", DefaultBranch: "main"})
	require.NoError(t, err)

	assert.Equal(t, 4, breakdown.Total)
	require.Len(t, breakdown.Merged, 1)
	assert.Equal(t, "issue-1", breakdown.Merged[0].Env.BranchName)
	require.Len(t, breakdown.Stale, 1)
	assert.Equal(t, "issue-2", breakdown.Stale[0].Env.BranchName)
	// e3 is young, e4 is telegram-created and therefore never stale.
	assert.Len(t, breakdown.Active, 2)
}

func TestCleanupMerged_SkipsProtected(t *testing.T) {
	envs := &fakeEnvStore{envs: []*isolation.EnvironmentWithAge{
		env("e1", "issue-1", "/wt/issue-1", "github", 1),
		env("e2", "issue-2", "/wt/issue-2", "github", 1),
		env("e3", "issue-3", "/wt/issue-3", "github", 1),
	}}
	gitExec := &fakeGit{
		merged: map[string][]string{"main": {"issue-1", "issue-2", "issue-3"}},
		dirty:  map[string]bool{"/wt/issue-2": true},
	}
	convs := &fakeConvStore{refs: map[string][]*conversation.Conversation{
		"e3": {{ID: "c1"}},
	}}
	provider := &fakeProvider{}
	svc := newTestService(envs, provider, convs, gitExec, t)

	result, err := svc.CleanupMerged(context.Background(), &codebase.Codebase{ID: "cb", DefaultBranch: "main"})
	require.NoError(t, err)

	assert.Equal(t, []string{"issue-1"}, result.Removed)
	assert.Equal(t, []string{"e1"}, provider.destroyed)
	require.Len(t, result.Skipped, 2)
	reasons := map[string]string{}
	for _, skip := range result.Skipped {
		reasons[skip.Branch] = skip.Reason
	}
	assert.Equal(t, "uncommitted changes", reasons["issue-2"])
	assert.Equal(t, "still referenced", reasons["issue-3"])
}

func TestCleanupStale_IgnoresMergedAndFresh(t *testing.T) {
	envs := &fakeEnvStore{envs: []*isolation.EnvironmentWithAge{
		env("e1", "issue-1", "/wt/issue-1", "github", 30), // merged, not stale bucket
		env("e2", "issue-2", "/wt/issue-2", "github", 30),
		env("e3", "issue-3", "/wt/issue-3", "github", 3),
	}}
	gitExec := &fakeGit{merged: map[string][]string{"main": {"issue-1"}}}
	provider := &fakeProvider{}
	svc := newTestService(envs, provider, &fakeConvStore{}, gitExec, t)

	result, err := svc.CleanupStale(context.Background(), &codebase.Codebase{ID: "cb", DefaultBranch: "main"})
	require.NoError(t, err)

	assert.Equal(t, []string{"issue-2"}, result.Removed)
	assert.Empty(t, result.Skipped)
}

func TestOnConversationClosed_DestroysUnreferencedEnv(t *testing.T) {
	convs := &fakeConvStore{conversations: map[string]*conversation.Conversation{
		"c1": {ID: "c1", IsolationEnvID: "e1"},
	}}
	provider := &fakeProvider{}
	svc := newTestService(&fakeEnvStore{}, provider, convs, &fakeGit{}, t)

	require.NoError(t, svc.OnConversationClosed(context.Background(), "c1"))
	assert.Equal(t, []string{"e1"}, provider.destroyed)
	assert.Empty(t, convs.conversations["c1"].IsolationEnvID)
}

func TestOnConversationClosed_KeepsSharedEnv(t *testing.T) {
	convs := &fakeConvStore{
		conversations: map[string]*conversation.Conversation{
			"c1": {ID: "c1", IsolationEnvID: "e1"},
		},
		refs: map[string][]*conversation.Conversation{
			"e1": {{ID: "c2", IsolationEnvID: "e1"}},
		},
	}
	provider := &fakeProvider{}
	svc := newTestService(&fakeEnvStore{}, provider, convs, &fakeGit{}, t)

	require.NoError(t, svc.OnConversationClosed(context.Background(), "c1"))
	assert.Empty(t, provider.destroyed)
}

func TestOnConversationClosed_ToleratesDirtyEnv(t *testing.T) {
	convs := &fakeConvStore{conversations: map[string]*conversation.Conversation{
		"c1": {ID: "c1", IsolationEnvID: "e1"},
	}}
	provider := &fakeProvider{destroyErr: map[string]error{"e1": isolation.ErrDirty}}
	svc := newTestService(&fakeEnvStore{}, provider, convs, &fakeGit{}, t)

	require.NoError(t, svc.OnConversationClosed(context.Background(), "c1"))
	assert.Empty(t, provider.destroyed)
}

func TestOnConversationClosed_NoEnvIsNoop(t *testing.T) {
	convs := &fakeConvStore{conversations: map[string]*conversation.Conversation{
		"c1": {ID: "c1"},
	}}
	provider := &fakeProvider{}
	svc := newTestService(&fakeEnvStore{}, provider, convs, &fakeGit{}, t)

	require.NoError(t, svc.OnConversationClosed(context.Background(), "c1"))
	require.NoError(t, svc.OnConversationClosed(context.Background(), "missing"))
	assert.Empty(t, provider.destroyed)
}
