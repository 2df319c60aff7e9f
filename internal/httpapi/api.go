// Package httpapi exposes the broker's read-only HTTP surface: health,
// runtime status, codebase and conversation listings, the worktree quota
// breakdown, templates, Prometheus metrics and the chunk-streaming
// WebSocket endpoint.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/cleanup"
	"github.com/relaybot/relaybot/internal/codebase"
	"github.com/relaybot/relaybot/internal/common/logger"
	"github.com/relaybot/relaybot/internal/conversation"
	"github.com/relaybot/relaybot/internal/locks"
	"github.com/relaybot/relaybot/internal/metrics"
	"github.com/relaybot/relaybot/internal/platform"
	"github.com/relaybot/relaybot/internal/streaming"
	"github.com/relaybot/relaybot/internal/template"
)

// API serves the broker's HTTP endpoints.
type API struct {
	convs     conversation.Store
	codebases codebase.Store
	templates template.Store
	cleanup   *cleanup.Service
	locks     *locks.Manager
	adapters  *platform.Registry
	metrics   *metrics.Exporter
	ws        *streaming.Handler
	started   time.Time
	log       *logger.Logger
}

// New creates the API. Metrics and the WebSocket handler are optional.
func New(
	convs conversation.Store,
	codebases codebase.Store,
	templates template.Store,
	cleanupSvc *cleanup.Service,
	lockManager *locks.Manager,
	adapters *platform.Registry,
	exporter *metrics.Exporter,
	wsHandler *streaming.Handler,
	log *logger.Logger,
) *API {
	return &API{
		convs:     convs,
		codebases: codebases,
		templates: templates,
		cleanup:   cleanupSvc,
		locks:     lockManager,
		adapters:  adapters,
		metrics:   exporter,
		ws:        wsHandler,
		started:   time.Now().UTC(),
		log:       log.WithFields(zap.String("component", "httpapi")),
	}
}

// RegisterRoutes mounts all endpoints on the router.
func (a *API) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", a.handleHealth)

	v1 := r.Group("/api/v1")
	v1.GET("/status", a.handleStatus)
	v1.GET("/codebases", a.handleCodebases)
	v1.GET("/codebases/:id/worktrees", a.handleWorktrees)
	v1.GET("/conversations", a.handleConversations)
	v1.GET("/templates", a.handleTemplates)

	if a.metrics != nil {
		r.GET("/metrics", gin.WrapH(a.metrics.Handler()))
	}
	if a.ws != nil {
		r.GET("/ws", a.ws.HandleConnection)
	}
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "relaybot",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleStatus(c *gin.Context) {
	stats := a.locks.Stats()
	if a.metrics != nil {
		a.metrics.SetLockStats(stats.Active, stats.QueuedGlobal)
	}
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": int(time.Since(a.started).Seconds()),
		"locks":          stats,
		"platforms":      a.adapters.Types(),
	})
}

func (a *API) handleCodebases(c *gin.Context) {
	codebases, err := a.codebases.ListCodebases(c.Request.Context())
	if err != nil {
		a.log.WithError(err).Error("Failed to list codebases")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list codebases"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"codebases": codebases})
}

func (a *API) handleWorktrees(c *gin.Context) {
	ctx := c.Request.Context()
	cb, err := a.codebases.GetCodebase(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "codebase not found"})
		return
	}

	breakdown, err := a.cleanup.StatusBreakdown(ctx, cb)
	if err != nil {
		a.log.WithError(err).WithCodebaseID(cb.ID).Error("Failed to build worktree breakdown")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to inspect worktrees"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"codebase_id": cb.ID,
		"total":       breakdown.Total,
		"limit":       breakdown.Limit,
		"merged":      worktreeEntries(breakdown.Merged),
		"stale":       worktreeEntries(breakdown.Stale),
		"active":      worktreeEntries(breakdown.Active),
	})
}

type worktreeEntry struct {
	Branch            string `json:"branch"`
	WorkingPath       string `json:"working_path"`
	WorkflowType      string `json:"workflow_type"`
	DaysSinceActivity int    `json:"days_since_activity"`
}

func worktreeEntries(statuses []*cleanup.EnvStatus) []worktreeEntry {
	entries := make([]worktreeEntry, 0, len(statuses))
	for _, status := range statuses {
		entries = append(entries, worktreeEntry{
			Branch:            status.Env.BranchName,
			WorkingPath:       status.Env.WorkingPath,
			WorkflowType:      string(status.Env.WorkflowType),
			DaysSinceActivity: status.Env.DaysSinceActivity,
		})
	}
	return entries
}

func (a *API) handleConversations(c *gin.Context) {
	conversations, err := a.convs.ListConversations(c.Request.Context())
	if err != nil {
		a.log.WithError(err).Error("Failed to list conversations")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (a *API) handleTemplates(c *gin.Context) {
	templates, err := a.templates.List(c.Request.Context())
	if err != nil {
		a.log.WithError(err).Error("Failed to list templates")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list templates"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates})
}
