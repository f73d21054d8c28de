package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ech0r/blend/internal/domain"
	"github.com/ech0r/blend/internal/repository"
)

// ItemRunner executes one deployment item against one environment and
// returns the output lines it produced.
type ItemRunner interface {
	Run(ctx context.Context, releaseID, item string, status domain.ReleaseStatus, env domain.Environment) ([]string, error)
}

// Sink receives broadcast events.
type Sink interface {
	BroadcastEvent(event domain.Event)
}

// Orchestrator drives one release's deployment items to completion and
// folds their outcomes into release-level state. Sibling item completions
// read-modify-write the same release record, so every such update runs
// under a per-release mutex; the final fold re-reads after all runners are
// awaited and therefore observes every prior item write.
type Orchestrator struct {
	releases repository.ReleaseRepository
	runner   ItemRunner
	sink     Sink
	log      *slog.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
	locks    map[uuid.UUID]*sync.Mutex
}

// New constructs an Orchestrator.
func New(releases repository.ReleaseRepository, runner ItemRunner, sink Sink, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		releases: releases,
		runner:   runner,
		sink:     sink,
		log:      log,
		inflight: make(map[uuid.UUID]struct{}),
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

// Execute runs one deployment pass for the release. A release already being
// processed is skipped, which makes scheduler re-dispatch idempotent.
func (o *Orchestrator) Execute(ctx context.Context, release domain.Release) error {
	if !o.begin(release.ID) {
		o.log.Info("release already executing, skipping", "release_id", release.ID)
		return nil
	}
	defer o.end(release.ID)

	deploying, ok := release.Status.DeployingStatus()
	if !ok {
		return fmt.Errorf("release %s is not processable in status %s", release.ID, release.Status)
	}
	ready, ok := deploying.ReadyStatus()
	if !ok {
		return fmt.Errorf("no ready status for %s", deploying)
	}
	env, _ := deploying.Environment()

	if err := o.start(ctx, &release, deploying); err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, item := range release.DeploymentItems {
		name := item.Name
		eg.Go(func() error {
			lines, runErr := o.runner.Run(egCtx, release.ID.String(), name, deploying, env)
			if err := o.completeItem(ctx, release.ID, name, ready, lines, runErr); err != nil {
				o.log.Error("failed to record item completion", "release_id", release.ID, "item", name, "error", err)
			}
			return nil
		})
	}
	_ = eg.Wait()

	return o.finalize(ctx, release.ID, ready)
}

// start promotes a waiting release into its Deploying* status, marks every
// item accordingly, persists and announces the pass. Releases already in a
// Deploying* status proceed without a second transition.
func (o *Orchestrator) start(ctx context.Context, release *domain.Release, deploying domain.ReleaseStatus) error {
	lock := o.lockFor(release.ID)
	lock.Lock()
	defer lock.Unlock()

	release.Status = deploying
	for i := range release.DeploymentItems {
		release.DeploymentItems[i].Status = deploying
	}
	release.Progress = 0
	if err := o.releases.SaveRelease(ctx, release); err != nil {
		return fmt.Errorf("persist deployment start: %w", err)
	}
	o.log.Info("deployment starting", "release_id", release.ID, "title", release.Title, "status", deploying)
	o.sink.BroadcastEvent(domain.ReleaseUpdate{
		ReleaseID: release.ID.String(),
		Status:    deploying,
		Progress:  0,
		LogLine:   fmt.Sprintf("Starting deployment process for %s", release.Title),
	})
	return nil
}

// completeItem records one runner outcome. The release is re-read under the
// per-release lock so sibling completions never clobber each other.
func (o *Orchestrator) completeItem(ctx context.Context, id uuid.UUID, name string, ready domain.ReleaseStatus, lines []string, runErr error) error {
	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	release, err := o.releases.GetRelease(ctx, id)
	if err != nil {
		return fmt.Errorf("reload release: %w", err)
	}
	item := release.Item(name)
	if item == nil {
		return fmt.Errorf("%w: %q", domain.ErrUnknownItem, name)
	}
	item.Logs = append(item.Logs, lines...)
	if runErr != nil {
		item.Status = domain.StatusError
		if item.Error == "" {
			item.Error = runErr.Error()
		}
	} else {
		item.Status = ready
	}
	release.Progress = release.CompletedProgress()
	if err := o.releases.SaveRelease(ctx, release); err != nil {
		return fmt.Errorf("persist item completion: %w", err)
	}

	line := fmt.Sprintf("%s deployment completed", name)
	if runErr != nil {
		line = fmt.Sprintf("%s deployment failed: %v", name, runErr)
	}
	o.sink.BroadcastEvent(domain.ReleaseUpdate{
		ReleaseID: id.String(),
		Status:    release.Status,
		Progress:  release.Progress,
		LogLine:   line,
	})
	return nil
}

// finalize folds item outcomes into the release's final state. If a late
// item update has not landed yet, the fold is skipped; the next scheduler
// tick picks the release up again.
func (o *Orchestrator) finalize(ctx context.Context, id uuid.UUID, ready domain.ReleaseStatus) error {
	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	release, err := o.releases.GetRelease(ctx, id)
	if err != nil {
		return fmt.Errorf("reload release for finalization: %w", err)
	}
	if !release.AllItemsDone() {
		o.log.Info("items still pending, deferring finalization", "release_id", id)
		return nil
	}

	var line string
	if release.AnyItemFailed() {
		release.Status = domain.StatusError
		release.Progress = 0
		line = fmt.Sprintf("Deployment failed for %s", release.Title)
	} else {
		release.Status = ready
		release.Progress = 100
		// Successful items advance with the release; failed ones keep
		// their error state untouched.
		for i := range release.DeploymentItems {
			if release.DeploymentItems[i].Status != domain.StatusError {
				release.DeploymentItems[i].Status = ready
			}
		}
		if env, ok := ready.Environment(); ok {
			release.CurrentEnvironment = env
		}
		line = fmt.Sprintf("Deployment process complete for %s", release.Title)
	}
	if err := o.releases.SaveRelease(ctx, release); err != nil {
		return fmt.Errorf("persist finalization: %w", err)
	}
	o.log.Info("release finalized", "release_id", id, "status", release.Status, "progress", release.Progress)
	o.sink.BroadcastEvent(domain.ReleaseUpdate{
		ReleaseID: id.String(),
		Status:    release.Status,
		Progress:  release.Progress,
		LogLine:   line,
	})
	return nil
}

func (o *Orchestrator) begin(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, running := o.inflight[id]; running {
		return false
	}
	o.inflight[id] = struct{}{}
	return true
}

func (o *Orchestrator) end(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, id)
	delete(o.locks, id)
}

func (o *Orchestrator) lockFor(id uuid.UUID) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[id] = lock
	}
	return lock
}
