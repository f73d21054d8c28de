package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ech0r/blend/internal/domain"
	"github.com/ech0r/blend/internal/repository"
)

var (
	// ErrActiveRelease means the client already holds its pipeline slot.
	ErrActiveRelease = errors.New("client already has an active release")
	// ErrNotClearable means the release's status has no clear transition.
	ErrNotClearable = errors.New("release cannot be cleared in its current state")
	// ErrForbidden means the actor's role does not allow the action.
	ErrForbidden = errors.New("insufficient role for this action")
	// ErrUnknownClient means the referenced client is not registered.
	ErrUnknownClient = errors.New("unknown client")
)

// Sink receives broadcast events.
type Sink interface {
	BroadcastEvent(event domain.Event)
}

// Service exposes the release lifecycle to the API layer.
type Service struct {
	releases repository.ReleaseRepository
	clients  repository.ClientRepository
	sink     Sink
	logger   *slog.Logger
}

// New constructs a release service.
func New(releases repository.ReleaseRepository, clients repository.ClientRepository, sink Sink, logger *slog.Logger) Service {
	return Service{releases: releases, clients: clients, sink: sink, logger: logger}
}

// CreateInput carries a release creation request.
type CreateInput struct {
	Title              string    `json:"title"`
	ClientID           string    `json:"client_id"`
	CurrentEnvironment string    `json:"current_environment"`
	TargetEnvironment  string    `json:"target_environment"`
	DeploymentItems    []string  `json:"deployment_items"`
	ScheduledAt        time.Time `json:"scheduled_at"`
	SkipStaging        bool      `json:"skip_staging"`
}

// Create validates and persists a new release in InDevelopment.
func (s Service) Create(ctx context.Context, input CreateInput, createdBy string) (*domain.Release, error) {
	current, err := domain.ParseEnvironment(input.CurrentEnvironment)
	if err != nil {
		return nil, err
	}
	target, err := domain.ParseEnvironment(input.TargetEnvironment)
	if err != nil {
		return nil, err
	}
	if err := domain.ValidateDeploymentPath(current, target, input.SkipStaging); err != nil {
		return nil, err
	}
	if err := s.verifyClient(ctx, input.ClientID); err != nil {
		return nil, err
	}

	active, err := s.clientHasActiveRelease(ctx, input.ClientID)
	if err != nil {
		return nil, fmt.Errorf("check active releases: %w", err)
	}
	if active {
		return nil, fmt.Errorf("%w: %s", ErrActiveRelease, input.ClientID)
	}

	release, err := domain.NewRelease(input.Title, input.ClientID, current, target, input.DeploymentItems, input.ScheduledAt, createdBy, input.SkipStaging)
	if err != nil {
		return nil, err
	}
	if err := s.releases.SaveRelease(ctx, release); err != nil {
		return nil, fmt.Errorf("persist release: %w", err)
	}
	s.logger.Info("release created", "release_id", release.ID, "client_id", release.ClientID, "title", release.Title, "created_by", createdBy)
	s.appLog("info", fmt.Sprintf("Release %q created for client %s by %s", release.Title, release.ClientID, createdBy))
	return release, nil
}

// Clear advances a release out of a ready-to-proceed status. The actor's
// role must cover the stage the release is heading into.
func (s Service) Clear(ctx context.Context, id uuid.UUID, actor domain.User) (*domain.Release, error) {
	release, err := s.releases.GetRelease(ctx, id)
	if err != nil {
		return nil, err
	}
	next, ok := domain.NextStatusWhenCleared(release.Status, release.SkipStaging)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotClearable, release.Status)
	}
	if err := authorizeClear(actor, next); err != nil {
		return nil, err
	}

	release.Status = next
	if err := s.releases.SaveRelease(ctx, release); err != nil {
		return nil, fmt.Errorf("persist cleared release: %w", err)
	}
	s.logger.Info("release cleared", "release_id", id, "status", next, "actor", actor.Username)
	s.sink.BroadcastEvent(domain.ReleaseUpdate{
		ReleaseID: id.String(),
		Status:    next,
		Progress:  release.Progress,
		LogLine:   fmt.Sprintf("%s cleared by %s", release.Title, actor.Username),
	})
	return release, nil
}

// authorizeClear gates the clear action on where the release is heading:
// staging needs a deployer, production an admin.
func authorizeClear(actor domain.User, next domain.ReleaseStatus) error {
	switch next {
	case domain.StatusWaitingForStaging:
		if !actor.CanDeployToStaging() {
			return fmt.Errorf("%w: staging requires deployer role", ErrForbidden)
		}
	case domain.StatusWaitingForProduction, domain.StatusWaitingForProductionFromStaging,
		domain.StatusClearedInProduction:
		if !actor.CanDeployToProduction() {
			return fmt.Errorf("%w: production requires admin role", ErrForbidden)
		}
	}
	return nil
}

// UpdateInput carries an edit to an existing release. Items, when present,
// replace the existing set and reset to InDevelopment.
type UpdateInput = CreateInput

// Update edits a release's descriptive fields, preserving status, progress
// and provenance.
func (s Service) Update(ctx context.Context, id uuid.UUID, input UpdateInput) (*domain.Release, error) {
	existing, err := s.releases.GetRelease(ctx, id)
	if err != nil {
		return nil, err
	}
	current, err := domain.ParseEnvironment(input.CurrentEnvironment)
	if err != nil {
		return nil, err
	}
	target, err := domain.ParseEnvironment(input.TargetEnvironment)
	if err != nil {
		return nil, err
	}
	if input.ClientID != existing.ClientID {
		if err := s.verifyClient(ctx, input.ClientID); err != nil {
			return nil, err
		}
	}

	existing.Title = input.Title
	existing.ClientID = input.ClientID
	existing.CurrentEnvironment = current
	existing.TargetEnvironment = target
	existing.ScheduledAt = input.ScheduledAt.UTC()
	existing.SkipStaging = input.SkipStaging
	if len(input.DeploymentItems) > 0 {
		rebuilt, err := domain.NewRelease(input.Title, input.ClientID, current, target, input.DeploymentItems, input.ScheduledAt, existing.CreatedBy, input.SkipStaging)
		if err != nil {
			return nil, err
		}
		existing.DeploymentItems = rebuilt.DeploymentItems
	}

	if err := s.releases.SaveRelease(ctx, existing); err != nil {
		return nil, fmt.Errorf("persist updated release: %w", err)
	}
	s.logger.Info("release updated", "release_id", id)
	return existing, nil
}

// Delete removes a release. Admin only.
func (s Service) Delete(ctx context.Context, id uuid.UUID, actor domain.User) error {
	if actor.Role != domain.RoleAdmin {
		return fmt.Errorf("%w: delete requires admin role", ErrForbidden)
	}
	release, err := s.releases.GetRelease(ctx, id)
	if err != nil {
		return err
	}
	if err := s.releases.DeleteRelease(ctx, id); err != nil {
		return err
	}
	s.logger.Info("release deleted", "release_id", id, "actor", actor.Username)
	s.appLog("info", fmt.Sprintf("Release %q deleted by %s", release.Title, actor.Username))
	return nil
}

// Get fetches one release.
func (s Service) Get(ctx context.Context, id uuid.UUID) (*domain.Release, error) {
	return s.releases.GetRelease(ctx, id)
}

// List returns all releases.
func (s Service) List(ctx context.Context) ([]domain.Release, error) {
	return s.releases.ListReleases(ctx)
}

// verifyClient resolves a referenced client id against the registry.
func (s Service) verifyClient(ctx context.Context, clientID string) error {
	id, err := uuid.Parse(clientID)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownClient, clientID)
	}
	if _, err := s.clients.GetClient(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %q", ErrUnknownClient, clientID)
		}
		return fmt.Errorf("look up client: %w", err)
	}
	return nil
}

func (s Service) clientHasActiveRelease(ctx context.Context, clientID string) (bool, error) {
	releases, err := s.releases.ListReleases(ctx)
	if err != nil {
		return false, err
	}
	for i := range releases {
		if releases[i].ClientID == clientID && releases[i].Active() {
			return true, nil
		}
	}
	return false, nil
}

func (s Service) appLog(level, message string) {
	if s.sink == nil {
		return
	}
	s.sink.BroadcastEvent(domain.AppLog{
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
