package cleanup

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/codebase"
	"github.com/relaybot/relaybot/internal/common/constants"
	"github.com/relaybot/relaybot/internal/common/logger"
)

// DefaultInterval is used when the config does not set a cleanup interval.
const DefaultInterval = 6 * time.Hour

// Scheduler reaps merged and stale worktrees across all codebases on a
// fixed interval.
type Scheduler struct {
	service   *Service
	codebases codebase.Store
	interval  time.Duration
	log       *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler over every registered codebase.
func NewScheduler(service *Service, codebases codebase.Store, interval time.Duration, log *logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		service:   service,
		codebases: codebases,
		interval:  interval,
		log:       log,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background loop. The first sweep happens after one
// full interval, not at startup.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.RunOnce(context.Background())
			}
		}
	}()
	s.log.Info("Cleanup scheduler started", zap.Duration("interval", s.interval))
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// RunOnce sweeps merged and stale environments in every codebase.
func (s *Scheduler) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, constants.CleanupRunTimeout)
	defer cancel()

	codebases, err := s.codebases.ListCodebases(ctx)
	if err != nil {
		s.log.WithError(err).Error("Cleanup sweep aborted: cannot list codebases")
		return
	}
	for _, cb := range codebases {
		s.sweep(ctx, cb, "merged", s.service.CleanupMerged)
		s.sweep(ctx, cb, "stale", s.service.CleanupStale)
	}
}

func (s *Scheduler) sweep(ctx context.Context, cb *codebase.Codebase, kind string, run func(context.Context, *codebase.Codebase) (*Result, error)) {
	result, err := run(ctx, cb)
	if err != nil {
		s.log.WithError(err).WithCodebaseID(cb.ID).Warn("Cleanup failed", zap.String("kind", kind))
		return
	}
	if len(result.Removed) > 0 || len(result.Skipped) > 0 {
		s.log.WithCodebaseID(cb.ID).Info("Cleanup finished",
			zap.String("kind", kind),
			zap.Int("removed", len(result.Removed)),
			zap.Int("skipped", len(result.Skipped)))
	}
}
