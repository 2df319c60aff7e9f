package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybot/relaybot/internal/cleanup"
	"github.com/relaybot/relaybot/internal/codebase"
	"github.com/relaybot/relaybot/internal/commands"
	"github.com/relaybot/relaybot/internal/common/logger"
	"github.com/relaybot/relaybot/internal/conversation"
	"github.com/relaybot/relaybot/internal/db"
	"github.com/relaybot/relaybot/internal/git"
	"github.com/relaybot/relaybot/internal/isolation"
	"github.com/relaybot/relaybot/internal/locks"
	"github.com/relaybot/relaybot/internal/platform"
	"github.com/relaybot/relaybot/internal/platform/testadapter"
	"github.com/relaybot/relaybot/internal/repoclone"
	"github.com/relaybot/relaybot/internal/template"
	"github.com/relaybot/relaybot/pkg/ai"
)

// stubGit satisfies git.Executor for dispatch tests: clones are empty
// directories and every tree is clean.
type stubGit struct {
	git.Executor
}

func (stubGit) Clone(_ context.Context, _, dir string) error {
	return os.MkdirAll(filepath.Join(dir, ".git"), 0o755)
}

func (stubGit) AddSafeDirectory(_ context.Context, _ string) error { return nil }

func (stubGit) DefaultBranch(_ context.Context, _ string) string { return "main" }

func (stubGit) MergedBranches(_ context.Context, _, _ string) ([]string, error) { return nil, nil }

func (stubGit) StatusPorcelain(_ context.Context, _ string) (string, error) { return "", nil }

func (stubGit) Pull(_ context.Context, _ string) (string, error) { return "Already up to date.", nil }

func (stubGit) WorktreeList(_ context.Context, _ string) ([]git.Worktree, error) { return nil, nil }

// stubIsolation realizes environments as plain directories backed by the
// real store, so quota counting and uniqueness behave like production.
type stubIsolation struct {
	store   isolation.Store
	baseDir string
}

func (p *stubIsolation) Create(ctx context.Context, req isolation.CreateRequest) (*isolation.Environment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	branch := isolation.BranchName(req)
	env := &isolation.Environment{
		CodebaseID:        req.CodebaseID,
		WorkingPath:       filepath.Join(p.baseDir, branch),
		BranchName:        branch,
		WorkflowType:      req.WorkflowType,
		Identifier:        req.Identifier,
		CreatedByPlatform: req.CreatedByPlatform,
	}
	if req.PRSha != "" {
		env.Metadata = map[string]string{"pr_sha": req.PRSha}
	}
	if err := os.MkdirAll(env.WorkingPath, 0o755); err != nil {
		return nil, err
	}
	if err := p.store.CreateEnvironment(ctx, env); err != nil {
		return nil, err
	}
	return env, nil
}

func (p *stubIsolation) Get(ctx context.Context, envID string) (*isolation.Environment, error) {
	return p.store.GetEnvironment(ctx, envID)
}

func (p *stubIsolation) Destroy(ctx context.Context, envID string, _ isolation.DestroyOptions) error {
	return p.store.MarkDestroyed(ctx, envID)
}

func (p *stubIsolation) List(ctx context.Context, codebaseID string) ([]*isolation.Environment, error) {
	return p.store.ListByCodebase(ctx, codebaseID)
}

func (p *stubIsolation) HealthCheck(_ context.Context, _ string) (bool, error) { return true, nil }

type fixture struct {
	svc       *Service
	adapter   *testadapter.Adapter
	client    *ai.ScriptedClient
	convs     conversation.Store
	codebases codebase.Store
	envs      isolation.Store
	templates template.Store
	provider  *stubIsolation
	workspace string
}

func newFixture(t *testing.T, worktreeLimit int) *fixture {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	root := t.TempDir()
	dbConn, err := db.OpenSQLite(filepath.Join(root, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbConn.Close() })
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")

	convStore, err := conversation.NewStore(sqlxDB, sqlxDB)
	require.NoError(t, err)
	cbStore, err := codebase.NewStore(sqlxDB, sqlxDB)
	require.NoError(t, err)
	envStore, err := isolation.NewStore(sqlxDB, sqlxDB)
	require.NoError(t, err)
	tplStore, err := template.NewStore(sqlxDB, sqlxDB)
	require.NoError(t, err)

	workspace := filepath.Join(root, "workspace")
	require.NoError(t, os.MkdirAll(workspace, 0o755))

	gitExec := stubGit{}
	provider := &stubIsolation{store: envStore, baseDir: filepath.Join(root, "worktrees")}
	cleanupSvc := cleanup.NewService(envStore, provider, convStore, gitExec, nil,
		cleanup.Config{MaxWorktreesPerCodebase: worktreeLimit}, log)
	cloner := repoclone.NewCloner(repoclone.Config{WorkspacePath: workspace}, gitExec, cbStore, log)
	registry := template.NewRegistry(tplStore, log)
	handler := commands.NewHandler(convStore, cbStore, envStore, provider, tplStore, registry, cleanupSvc, cloner, gitExec, log)

	client := ai.NewScriptedClient()
	adapters := platform.NewRegistry()
	svc := NewService(convStore, cbStore, provider, registry, handler, cleanupSvc, locks.NewManager(10),
		adapters, func(string) (ai.Client, error) { return client, nil }, nil, Config{}, log)

	adapter := testadapter.New(svc, log)
	adapters.Register(adapter)

	return &fixture{
		svc:       svc,
		adapter:   adapter,
		client:    client,
		convs:     convStore,
		codebases: cbStore,
		envs:      envStore,
		templates: tplStore,
		provider:  provider,
		workspace: workspace,
	}
}

func (f *fixture) seedTemplate(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, f.templates.Upsert(context.Background(), &template.Template{Name: name, Content: content}))
}

func (f *fixture) lastMessage(t *testing.T, conversationID string) string {
	t.Helper()
	messages := f.adapter.Messages(conversationID)
	require.NotEmpty(t, messages, "no messages for %s", conversationID)
	return messages[len(messages)-1]
}

func (f *fixture) conversation(t *testing.T, conversationID string) *conversation.Conversation {
	t.Helper()
	conv, err := f.convs.GetConversationByPlatformID(context.Background(), "test", conversationID)
	require.NoError(t, err)
	return conv
}

func TestCloneAndStatus(t *testing.T) {
	f := newFixture(t, 25)
	ctx := context.Background()

	f.adapter.Inject(ctx, "t1", "/clone https://github.com/acme/lib")
	reply := f.lastMessage(t, "t1")
	assert.Contains(t, reply, "Codebase: lib")

	conv := f.conversation(t, "t1")
	assert.NotEmpty(t, conv.CodebaseID)
	cb, err := f.codebases.GetCodebase(ctx, conv.CodebaseID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.workspace, "lib"), cb.LocalPath)

	f.adapter.Inject(ctx, "t1", "/status")
	status := f.lastMessage(t, "t1")
	assert.Contains(t, status, "Codebase: lib")
	assert.Contains(t, status, "Worktrees: 0/25")
}

func TestCommandSetQuotedArguments(t *testing.T) {
	f := newFixture(t, 25)
	ctx := context.Background()

	f.adapter.Inject(ctx, "t2", "/clone https://github.com/acme/lib")
	f.adapter.Inject(ctx, "t2", `/command-set plan .claude/plan.md "Task: $1"`)
	assert.Contains(t, f.lastMessage(t, "t2"), "plan")

	conv := f.conversation(t, "t2")
	cb, err := f.codebases.GetCodebase(ctx, conv.CodebaseID)
	require.NoError(t, err)
	require.Contains(t, cb.Commands, "plan")
	assert.Equal(t, ".claude/plan.md", cb.Commands["plan"].Path)
	assert.Equal(t, "Custom: plan", cb.Commands["plan"].Description)

	data, err := os.ReadFile(filepath.Join(cb.LocalPath, ".claude", "plan.md"))
	require.NoError(t, err)
	assert.Equal(t, "Task: $1\n", string(data))
}

func TestTemplateInvocation(t *testing.T) {
	f := newFixture(t, 25)
	ctx := context.Background()
	f.seedTemplate(t, "plan", "Plan the following work:\n$1")

	f.adapter.Inject(ctx, "t3", "/clone https://github.com/acme/lib")
	f.adapter.Inject(ctx, "t3", `/plan "Add dark mode"`)

	calls := f.client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Plan the following work:\nAdd dark mode", calls[0].Prompt)

	// The default script answers "ok" and mints a session.
	assert.Contains(t, f.adapter.Messages("t3"), "ok")
	conv := f.conversation(t, "t3")
	session, err := f.convs.GetActiveSession(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "scripted-session", session.AssistantSessionID)
	assert.Equal(t, "plan", session.Metadata["lastCommand"])
}

func TestRouterFlow(t *testing.T) {
	f := newFixture(t, 25)
	ctx := context.Background()
	f.seedTemplate(t, "router", "Decide how to handle this request and act on it:\n\n$1")

	f.adapter.Inject(ctx, "t4", "/clone https://github.com/acme/lib")
	f.adapter.Inject(ctx, "t4", "the login form isn't redirecting")

	calls := f.client.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "the login form isn't redirecting")
	assert.NotEqual(t, "the login form isn't redirecting", calls[0].Prompt)
}

func TestRawPathRequiresCodebase(t *testing.T) {
	f := newFixture(t, 25)
	ctx := context.Background()

	f.adapter.Inject(ctx, "t5", "do something")
	assert.Contains(t, f.lastMessage(t, "t5"), "No codebase configured")
	assert.Empty(t, f.client.Calls())
}

func TestUnknownCommandWithoutTemplate(t *testing.T) {
	f := newFixture(t, 25)
	ctx := context.Background()

	f.adapter.Inject(ctx, "t6", "/clone https://github.com/acme/lib")
	f.adapter.Inject(ctx, "t6", "/frobnicate now")
	assert.Contains(t, f.lastMessage(t, "t6"), "Unknown command: /frobnicate")
	assert.Empty(t, f.client.Calls())
}

func TestWorktreeCreatePreservesSession(t *testing.T) {
	f := newFixture(t, 25)
	ctx := context.Background()
	f.seedTemplate(t, "plan", "Plan: $1")

	f.adapter.Inject(ctx, "t7", "/clone https://github.com/acme/lib")
	f.adapter.Inject(ctx, "t7", "/plan x")

	conv := f.conversation(t, "t7")
	before, err := f.convs.GetActiveSession(ctx, conv.ID)
	require.NoError(t, err)

	f.adapter.Inject(ctx, "t7", "/worktree create feat-a")
	assert.Contains(t, f.lastMessage(t, "t7"), "task-feat-a")

	after, err := f.convs.GetActiveSession(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)

	conv = f.conversation(t, "t7")
	assert.NotEmpty(t, conv.IsolationEnvID)
}

func TestPlanExecuteTransition(t *testing.T) {
	f := newFixture(t, 25)
	ctx := context.Background()
	f.seedTemplate(t, "plan", "Plan: $ARGUMENTS")
	f.seedTemplate(t, "execute", "Execute the plan.")

	f.adapter.Inject(ctx, "t8", "/clone https://github.com/acme/lib")
	f.adapter.Inject(ctx, "t8", "/plan add dark mode")

	conv := f.conversation(t, "t8")
	planned, err := f.convs.GetActiveSession(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, "plan", planned.Metadata["lastCommand"])

	f.adapter.Inject(ctx, "t8", "/execute")

	executed, err := f.convs.GetActiveSession(ctx, conv.ID)
	require.NoError(t, err)
	assert.NotEqual(t, planned.ID, executed.ID)
	assert.Equal(t, "execute", executed.Metadata["lastCommand"])
}

func TestStaleSessionRetry(t *testing.T) {
	f := newFixture(t, 25)
	ctx := context.Background()
	f.seedTemplate(t, "plan", "Plan: $1")

	f.adapter.Inject(ctx, "t9", "/clone https://github.com/acme/lib")
	f.adapter.Inject(ctx, "t9", "/plan first")

	conv := f.conversation(t, "t9")
	first, err := f.convs.GetActiveSession(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, "scripted-session", first.AssistantSessionID)

	// The provider rejects the resume once; dispatch must renew and retry.
	f.client.FailWith(ai.ErrSessionNotFound)
	f.adapter.Inject(ctx, "t9", "/plan second")

	second, err := f.convs.GetActiveSession(ctx, conv.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	calls := f.client.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "scripted-session", calls[1].ResumeSessionID)
	assert.Empty(t, calls[2].ResumeSessionID)
	assert.Contains(t, f.adapter.Messages("t9"), "ok")
}

func TestGitHubLimitEnforcement(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	cb := &codebase.Codebase{Name: "lib", LocalPath: filepath.Join(f.workspace, "lib"), DefaultBranch: "main"}
	require.NoError(t, os.MkdirAll(cb.LocalPath, 0o755))
	require.NoError(t, f.codebases.CreateCodebase(ctx, cb))

	for _, branch := range []string{"issue-1", "issue-2"} {
		require.NoError(t, f.envs.CreateEnvironment(ctx, &isolation.Environment{
			CodebaseID:  cb.ID,
			WorkingPath: filepath.Join(f.workspace, "wt", branch),
			BranchName:  branch,
		}))
	}

	recorder := &recordingAdapter{}
	f.svc.adapters.Register(recorder)

	_, err := f.convs.GetOrCreateConversation(ctx, "github", "acme/lib#999", conversation.Defaults{CodebaseID: cb.ID})
	require.NoError(t, err)

	f.svc.HandleInbound(ctx, platform.InboundMessage{
		Platform:       platform.TypeGitHub,
		ConversationID: "acme/lib#999",
		Text:           "please fix this",
	})

	require.NotEmpty(t, recorder.messages)
	reply := strings.Join(recorder.messages, "\n")
	assert.Contains(t, reply, "Worktree limit reached")
	assert.Contains(t, reply, "0 merged, 0 stale, 2 active")

	count, err := f.envs.CountActiveByCodebase(ctx, cb.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	conv, err := f.convs.GetConversationByPlatformID(ctx, "github", "acme/lib#999")
	require.NoError(t, err)
	assert.Empty(t, conv.IsolationEnvID)
	assert.Empty(t, f.client.Calls())
}

func TestGitHubAutoIsolation(t *testing.T) {
	f := newFixture(t, 25)
	ctx := context.Background()

	cb := &codebase.Codebase{Name: "lib", LocalPath: filepath.Join(f.workspace, "lib"), DefaultBranch: "main"}
	require.NoError(t, os.MkdirAll(cb.LocalPath, 0o755))
	require.NoError(t, f.codebases.CreateCodebase(ctx, cb))

	recorder := &recordingAdapter{}
	f.svc.adapters.Register(recorder)

	_, err := f.convs.GetOrCreateConversation(ctx, "github", "acme/lib#42", conversation.Defaults{CodebaseID: cb.ID})
	require.NoError(t, err)

	f.svc.HandleInbound(ctx, platform.InboundMessage{
		Platform:       platform.TypeGitHub,
		ConversationID: "acme/lib#42",
		Text:           "please fix this",
		IssueContext:   "Issue #42: login broken\n\nThe login form 500s.",
	})

	conv, err := f.convs.GetConversationByPlatformID(ctx, "github", "acme/lib#42")
	require.NoError(t, err)
	require.NotEmpty(t, conv.IsolationEnvID)

	env, err := f.envs.GetEnvironment(ctx, conv.IsolationEnvID)
	require.NoError(t, err)
	assert.Equal(t, "issue-42", env.BranchName)
	assert.Equal(t, env.WorkingPath, conv.CWD)

	calls := f.client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, env.WorkingPath, calls[0].CWD)
	assert.Contains(t, calls[0].Prompt, "Issue #42: login broken")
	assert.Contains(t, calls[0].Prompt, "\n\n---\n\n")
}

// recordingAdapter is a minimal batch adapter for the GitHub dispatch tests.
type recordingAdapter struct {
	messages []string
}

func (r *recordingAdapter) SendMessage(_ context.Context, _ string, message string) error {
	r.messages = append(r.messages, message)
	return nil
}

func (r *recordingAdapter) StreamingMode() platform.StreamingMode { return platform.ModeBatch }

func (r *recordingAdapter) PlatformType() platform.Type { return platform.TypeGitHub }

func (r *recordingAdapter) EnsureThread(_ context.Context, conversationID string, _ *platform.ThreadContext) (string, error) {
	return conversationID, nil
}
