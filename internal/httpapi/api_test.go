package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybot/relaybot/internal/cleanup"
	"github.com/relaybot/relaybot/internal/codebase"
	"github.com/relaybot/relaybot/internal/common/logger"
	"github.com/relaybot/relaybot/internal/conversation"
	"github.com/relaybot/relaybot/internal/db"
	"github.com/relaybot/relaybot/internal/git"
	"github.com/relaybot/relaybot/internal/isolation"
	"github.com/relaybot/relaybot/internal/locks"
	"github.com/relaybot/relaybot/internal/metrics"
	"github.com/relaybot/relaybot/internal/platform"
	"github.com/relaybot/relaybot/internal/template"
)

type apiGit struct {
	git.Executor
}

func (apiGit) DefaultBranch(_ context.Context, _ string) string { return "main" }

func (apiGit) MergedBranches(_ context.Context, _, _ string) ([]string, error) { return nil, nil }

func (apiGit) StatusPorcelain(_ context.Context, _ string) (string, error) { return "", nil }

type apiProvider struct {
	isolation.Provider
}

type apiFixture struct {
	router    *gin.Engine
	codebases codebase.Store
	convs     conversation.Store
	templates template.Store
	envs      isolation.Store
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	dbConn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
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

	cleanupSvc := cleanup.NewService(envStore, apiProvider{}, convStore, apiGit{}, nil,
		cleanup.Config{MaxWorktreesPerCodebase: 5}, log)

	api := New(convStore, cbStore, tplStore, cleanupSvc, locks.NewManager(5),
		platform.NewRegistry(), metrics.NewExporter(metrics.Config{}), nil, log)

	router := gin.New()
	api.RegisterRoutes(router)

	return &apiFixture{
		router:    router,
		codebases: cbStore,
		convs:     convStore,
		templates: tplStore,
		envs:      envStore,
	}
}

func (f *apiFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	w := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestStatus(t *testing.T) {
	f := newAPIFixture(t)
	w := f.get(t, "/api/v1/status")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Contains(t, body, "locks")
	assert.Contains(t, body, "platforms")
}

func TestCodebases(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.codebases.CreateCodebase(ctx, &codebase.Codebase{
		Name: "lib", LocalPath: "/workspace/lib",
	}))

	w := f.get(t, "/api/v1/codebases")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)["codebases"].([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "lib", list[0].(map[string]interface{})["name"])
}

func TestWorktreeBreakdown(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	cb := &codebase.Codebase{Name: "lib", LocalPath: "/workspace/lib", DefaultBranch: "main"}
	require.NoError(t, f.codebases.CreateCodebase(ctx, cb))
	require.NoError(t, f.envs.CreateEnvironment(ctx, &isolation.Environment{
		CodebaseID:   cb.ID,
		WorkingPath:  "/workspace/wt/issue-7",
		BranchName:   "issue-7",
		WorkflowType: isolation.WorkflowIssue,
	}))

	w := f.get(t, "/api/v1/codebases/"+cb.ID+"/worktrees")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, float64(5), body["limit"])
	active := body["active"].([]interface{})
	require.Len(t, active, 1)
	assert.Equal(t, "issue-7", active[0].(map[string]interface{})["branch"])
}

func TestWorktreeBreakdownUnknownCodebase(t *testing.T) {
	f := newAPIFixture(t)
	w := f.get(t, "/api/v1/codebases/nope/worktrees")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTemplates(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.templates.Upsert(context.Background(), &template.Template{
		Name: "plan", Content: "Plan: $1",
	}))

	w := f.get(t, "/api/v1/templates")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)["templates"].([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "plan", list[0].(map[string]interface{})["name"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	w := f.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
}
