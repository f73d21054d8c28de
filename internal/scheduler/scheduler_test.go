package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ech0r/blend/internal/domain"
)

type stubReleaseRepo struct {
	pending []domain.Release
	err     error
}

func (s *stubReleaseRepo) SaveRelease(context.Context, *domain.Release) error { return nil }
func (s *stubReleaseRepo) GetRelease(context.Context, uuid.UUID) (*domain.Release, error) {
	return nil, errors.New("not used")
}
func (s *stubReleaseRepo) DeleteRelease(context.Context, uuid.UUID) error { return nil }
func (s *stubReleaseRepo) ListReleases(context.Context) ([]domain.Release, error) {
	return nil, nil
}
func (s *stubReleaseRepo) ListReleasesNeedingWork(context.Context) ([]domain.Release, error) {
	return s.pending, s.err
}

type collectingOrchestrator struct {
	executed chan uuid.UUID
}

func (c *collectingOrchestrator) Execute(_ context.Context, release domain.Release) error {
	c.executed <- release.ID
	return nil
}

type countingPruner struct {
	calls atomic.Int64
}

func (c *countingPruner) PruneStale(time.Duration) int {
	c.calls.Add(1)
	return 0
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickDispatchesEachPendingRelease(t *testing.T) {
	pending := []domain.Release{
		{ID: uuid.New(), Status: domain.StatusWaitingForStaging},
		{ID: uuid.New(), Status: domain.StatusDeployingToProduction},
	}
	orch := &collectingOrchestrator{executed: make(chan uuid.UUID, len(pending))}
	pruner := &countingPruner{}
	s := New(&stubReleaseRepo{pending: pending}, orch, pruner, time.Minute, time.Minute, discardLogger())

	s.tick(context.Background())

	seen := make(map[uuid.UUID]bool)
	for range pending {
		select {
		case id := <-orch.executed:
			seen[id] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for dispatch")
		}
	}
	for _, release := range pending {
		if !seen[release.ID] {
			t.Errorf("release %s never dispatched", release.ID)
		}
	}
	if pruner.calls.Load() != 1 {
		t.Errorf("pruner called %d times, want 1", pruner.calls.Load())
	}
}

func TestTickSurvivesStorageFailure(t *testing.T) {
	orch := &collectingOrchestrator{executed: make(chan uuid.UUID, 1)}
	pruner := &countingPruner{}
	s := New(&stubReleaseRepo{err: errors.New("db down")}, orch, pruner, time.Minute, time.Minute, discardLogger())

	s.tick(context.Background())

	select {
	case <-orch.executed:
		t.Fatal("nothing should be dispatched on discovery failure")
	default:
	}
	if pruner.calls.Load() != 1 {
		t.Error("session pruning must still run when discovery fails")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	orch := &collectingOrchestrator{executed: make(chan uuid.UUID, 1)}
	s := New(&stubReleaseRepo{}, orch, nil, 10*time.Millisecond, time.Minute, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
