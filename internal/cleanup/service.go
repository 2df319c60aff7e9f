// Package cleanup reaps worktree-backed isolation environments: merged
// branches on demand and after limit breaches, stale environments on a
// schedule. Environments with uncommitted changes or live conversation
// references are never touched, and stale cleanup spares long-lived
// Telegram conversations.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/relaybot/relaybot/internal/codebase"
	"github.com/relaybot/relaybot/internal/common/logger"
	"github.com/relaybot/relaybot/internal/conversation"
	"github.com/relaybot/relaybot/internal/events"
	"github.com/relaybot/relaybot/internal/events/bus"
	"github.com/relaybot/relaybot/internal/git"
	"github.com/relaybot/relaybot/internal/isolation"
	"github.com/relaybot/relaybot/internal/metrics"
	"github.com/relaybot/relaybot/internal/platform"
)

// Defaults applied when the config leaves fields zero.
const (
	DefaultMaxWorktreesPerCodebase = 25
	DefaultStaleThresholdDays      = 14
)

// Config tunes the cleanup service.
type Config struct {
	// MaxWorktreesPerCodebase caps active environments per codebase.
	MaxWorktreesPerCodebase int

	// StaleThresholdDays marks environments stale after this many days
	// without activity.
	StaleThresholdDays int
}

func (c Config) limit() int {
	if c.MaxWorktreesPerCodebase <= 0 {
		return DefaultMaxWorktreesPerCodebase
	}
	return c.MaxWorktreesPerCodebase
}

func (c Config) staleDays() int {
	if c.StaleThresholdDays <= 0 {
		return DefaultStaleThresholdDays
	}
	return c.StaleThresholdDays
}

// EnvStatus annotates an environment with its cleanup classification.
type EnvStatus struct {
	Env    *isolation.EnvironmentWithAge
	Merged bool
	Stale  bool
}

// Breakdown is the per-codebase worktree quota picture shown by /status
// and the limit-reached message.
type Breakdown struct {
	Total  int
	Limit  int
	Merged []*EnvStatus
	Stale  []*EnvStatus
	Active []*EnvStatus
}

// Result reports one cleanup pass.
type Result struct {
	Removed []string // branch names
	Skipped []Skip
}

// Skip is one environment a pass left alone, with the reason.
type Skip struct {
	Branch string
	Reason string
}

// Service classifies and destroys environments.
type Service struct {
	envs     isolation.Store
	provider isolation.Provider
	convs    conversation.Store
	git      git.Executor
	bus      bus.EventBus
	metrics  *metrics.Exporter
	cfg      Config
	log      *logger.Logger
}

// SetMetrics attaches a Prometheus exporter. Optional; when unset no
// metrics are recorded.
func (s *Service) SetMetrics(exporter *metrics.Exporter) {
	s.metrics = exporter
}

// NewService creates a cleanup service. The event bus is optional.
func NewService(envs isolation.Store, provider isolation.Provider, convs conversation.Store, gitExec git.Executor, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Service {
	return &Service{
		envs:     envs,
		provider: provider,
		convs:    convs,
		git:      gitExec,
		bus:      eventBus,
		cfg:      cfg,
		log:      log,
	}
}

// Limit returns the active-environment cap per codebase.
func (s *Service) Limit() int { return s.cfg.limit() }

// StatusBreakdown classifies every active environment of a codebase.
func (s *Service) StatusBreakdown(ctx context.Context, cb *codebase.Codebase) (*Breakdown, error) {
	envs, err := s.envs.ListByCodebaseWithAge(ctx, cb.ID)
	if err != nil {
		return nil, err
	}
	merged, err := s.mergedBranches(ctx, cb)
	if err != nil {
		s.log.WithError(err).WithCodebaseID(cb.ID).Debug("Merged-branch detection failed")
		merged = nil
	}

	breakdown := &Breakdown{Total: len(envs), Limit: s.cfg.limit()}
	for _, env := range envs {
		status := &EnvStatus{Env: env}
		status.Merged = merged[env.BranchName]
		status.Stale = !status.Merged && s.isStale(env)
		switch {
		case status.Merged:
			breakdown.Merged = append(breakdown.Merged, status)
		case status.Stale:
			breakdown.Stale = append(breakdown.Stale, status)
		default:
			breakdown.Active = append(breakdown.Active, status)
		}
	}
	return breakdown, nil
}

// CleanupMerged destroys every merged, unprotected environment of a
// codebase.
func (s *Service) CleanupMerged(ctx context.Context, cb *codebase.Codebase) (*Result, error) {
	breakdown, err := s.StatusBreakdown(ctx, cb)
	if err != nil {
		return nil, err
	}
	return s.destroyAll(ctx, cb, "merged", breakdown.Merged)
}

// CleanupStale destroys every stale, unprotected environment. Telegram
// environments are never stale by definition, so they are never touched.
func (s *Service) CleanupStale(ctx context.Context, cb *codebase.Codebase) (*Result, error) {
	breakdown, err := s.StatusBreakdown(ctx, cb)
	if err != nil {
		return nil, err
	}
	return s.destroyAll(ctx, cb, "stale", breakdown.Stale)
}

// CleanupToMakeRoom frees quota before creating a new environment. Only
// merged environments are safe enough to reap implicitly.
func (s *Service) CleanupToMakeRoom(ctx context.Context, cb *codebase.Codebase) (*Result, error) {
	return s.CleanupMerged(ctx, cb)
}

// EnsureCapacity makes room for one more environment. When the codebase is
// at its cap it reaps merged worktrees; if any were removed it returns a
// one-line note to prepend to the reply. ok=false means the cap still
// holds and message carries the formatted status block to send instead.
func (s *Service) EnsureCapacity(ctx context.Context, cb *codebase.Codebase) (note string, ok bool, err error) {
	count, err := s.envs.CountActiveByCodebase(ctx, cb.ID)
	if err != nil {
		return "", false, err
	}
	if count < s.cfg.limit() {
		return "", true, nil
	}

	result, err := s.CleanupToMakeRoom(ctx, cb)
	if err != nil {
		return "", false, err
	}
	if len(result.Removed) > 0 {
		return fmt.Sprintf("Cleaned up %d merged worktree(s) to make room.", len(result.Removed)), true, nil
	}

	breakdown, err := s.StatusBreakdown(ctx, cb)
	if err != nil {
		return "", false, err
	}
	return FormatLimitMessage(breakdown), false, nil
}

// OnConversationClosed clears the conversation's isolation reference and
// destroys the environment when no other conversation still uses it.
func (s *Service) OnConversationClosed(ctx context.Context, conversationID string) error {
	conv, err := s.convs.GetConversation(ctx, conversationID)
	if errors.Is(err, conversation.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	envID := conv.IsolationEnvID
	if envID == "" {
		return nil
	}

	if err := s.convs.UpdateConversation(ctx, conversationID, conversation.Update{
		IsolationEnvID: conversation.String(""),
	}); err != nil {
		return err
	}

	refs, err := s.convs.GetConversationsByIsolationEnv(ctx, envID)
	if err != nil {
		return err
	}
	if len(refs) > 0 {
		return nil
	}

	err = s.provider.Destroy(ctx, envID, isolation.DestroyOptions{})
	if errors.Is(err, isolation.ErrDirty) {
		s.log.WithConversationID(conversationID).
			Info("Keeping dirty environment after conversation close: " + envID)
		return nil
	}
	return err
}

func (s *Service) destroyAll(ctx context.Context, cb *codebase.Codebase, kind string, candidates []*EnvStatus) (*Result, error) {
	result := &Result{}
	for _, candidate := range candidates {
		env := candidate.Env
		if reason := s.protection(ctx, env); reason != "" {
			result.Skipped = append(result.Skipped, Skip{Branch: env.BranchName, Reason: reason})
			continue
		}
		err := s.provider.Destroy(ctx, env.ID, isolation.DestroyOptions{})
		switch {
		case err == nil:
			result.Removed = append(result.Removed, env.BranchName)
		case errors.Is(err, isolation.ErrDirty):
			result.Skipped = append(result.Skipped, Skip{Branch: env.BranchName, Reason: "uncommitted changes"})
		case errors.Is(err, isolation.ErrStillReferenced):
			result.Skipped = append(result.Skipped, Skip{Branch: env.BranchName, Reason: "still referenced"})
		default:
			return result, fmt.Errorf("failed to destroy %s: %w", env.BranchName, err)
		}
	}

	if s.metrics != nil {
		reasons := make([]string, 0, len(result.Skipped))
		for _, skip := range result.Skipped {
			reasons = append(reasons, skip.Reason)
		}
		s.metrics.RecordCleanup(kind, len(result.Removed), reasons)
		for range result.Removed {
			s.metrics.RecordWorktree("destroyed")
		}
	}

	s.publishRun(ctx, cb, result)
	return result, nil
}

// protection reports why an environment must not be destroyed, empty when
// it is fair game. The provider re-checks both conditions; checking here
// produces the user-facing skip reason without a failed destroy attempt.
func (s *Service) protection(ctx context.Context, env *isolation.EnvironmentWithAge) string {
	refs, err := s.convs.GetConversationsByIsolationEnv(ctx, env.ID)
	if err == nil && len(refs) > 0 {
		return "still referenced"
	}
	status, err := s.git.StatusPorcelain(ctx, env.WorkingPath)
	if err == nil && strings.TrimSpace(status) != "" {
		return "uncommitted changes"
	}
	return ""
}

// mergedBranches returns the set of local branches merged into the
// codebase's default branch.
func (s *Service) mergedBranches(ctx context.Context, cb *codebase.Codebase) (map[string]bool, error) {
	base := cb.DefaultBranch
	if base == "" {
		base = s.git.DefaultBranch(ctx, cb.LocalPath)
	}
	branches, err := s.git.MergedBranches(ctx, cb.LocalPath, base)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(branches))
	for _, branch := range branches {
		if branch != base {
			set[branch] = true
		}
	}
	return set, nil
}

func (s *Service) isStale(env *isolation.EnvironmentWithAge) bool {
	if env.CreatedByPlatform == string(platform.TypeTelegram) {
		return false
	}
	return env.DaysSinceActivity >= s.cfg.staleDays()
}

func (s *Service) publishRun(ctx context.Context, cb *codebase.Codebase, result *Result) {
	if s.bus == nil || (len(result.Removed) == 0 && len(result.Skipped) == 0) {
		return
	}
	event := bus.NewEvent(events.CleanupRunCompleted, "cleanup", map[string]interface{}{
		"codebase_id": cb.ID,
		"removed":     len(result.Removed),
		"skipped":     len(result.Skipped),
	})
	if err := s.bus.Publish(ctx, events.CleanupRunCompleted, event); err != nil {
		s.log.WithError(err).Debug("Failed to publish cleanup event")
	}
}
