package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/ech0r/blend/internal/domain"
	"github.com/ech0r/blend/internal/repository"
)

// Orchestrator runs one deployment pass for a release.
type Orchestrator interface {
	Execute(ctx context.Context, release domain.Release) error
}

// SessionPruner drops viewer sessions with no recent liveness signal.
type SessionPruner interface {
	PruneStale(maxIdle time.Duration) int
}

// Scheduler wakes on a fixed interval, discovers releases needing work and
// dispatches orchestration for each without blocking the loop. It also
// performs connection-registry maintenance on every tick.
type Scheduler struct {
	releases    repository.ReleaseRepository
	orch        Orchestrator
	pruner      SessionPruner
	interval    time.Duration
	sessionIdle time.Duration
	log         *slog.Logger
}

// New constructs a Scheduler.
func New(releases repository.ReleaseRepository, orch Orchestrator, pruner SessionPruner, interval, sessionIdle time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		releases:    releases,
		orch:        orch,
		pruner:      pruner,
		interval:    interval,
		sessionIdle: sessionIdle,
		log:         log,
	}
}

// Run loops until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info("scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick performs one discovery pass. A storage failure is logged and retried
// on the next tick; one release's failure never affects the others.
func (s *Scheduler) tick(ctx context.Context) {
	releases, err := s.releases.ListReleasesNeedingWork(ctx)
	if err != nil {
		s.log.Error("failed to discover pending releases", "error", err)
	} else if len(releases) > 0 {
		s.log.Info("found pending releases", "count", len(releases))
		for _, release := range releases {
			rel := release
			go func() {
				if err := s.orch.Execute(ctx, rel); err != nil {
					s.log.Error("release processing failed", "release_id", rel.ID, "error", err)
				}
			}()
		}
	}

	if s.pruner != nil {
		if pruned := s.pruner.PruneStale(s.sessionIdle); pruned > 0 {
			s.log.Info("pruned stale viewer sessions", "count", pruned)
		}
	}
}
