package release

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ech0r/blend/internal/domain"
	"github.com/ech0r/blend/internal/repository"
)

type stubReleaseRepo struct {
	releases map[uuid.UUID]*domain.Release
}

func newStubReleaseRepo() *stubReleaseRepo {
	return &stubReleaseRepo{releases: make(map[uuid.UUID]*domain.Release)}
}

func (s *stubReleaseRepo) SaveRelease(_ context.Context, release *domain.Release) error {
	copied := *release
	s.releases[release.ID] = &copied
	return nil
}

func (s *stubReleaseRepo) GetRelease(_ context.Context, id uuid.UUID) (*domain.Release, error) {
	release, ok := s.releases[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *release
	return &copied, nil
}

func (s *stubReleaseRepo) DeleteRelease(_ context.Context, id uuid.UUID) error {
	if _, ok := s.releases[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.releases, id)
	return nil
}

func (s *stubReleaseRepo) ListReleases(context.Context) ([]domain.Release, error) {
	out := make([]domain.Release, 0, len(s.releases))
	for _, release := range s.releases {
		out = append(out, *release)
	}
	return out, nil
}

func (s *stubReleaseRepo) ListReleasesNeedingWork(context.Context) ([]domain.Release, error) {
	return nil, nil
}

var testClientID = uuid.MustParse("f47ac10b-58cc-4372-a567-0e02b2c3d479")

type stubClientRepo struct{}

func (stubClientRepo) SaveClient(context.Context, *domain.Client) error { return nil }
func (stubClientRepo) GetClient(_ context.Context, id uuid.UUID) (*domain.Client, error) {
	if id == testClientID {
		return &domain.Client{ID: id, Name: "Acme Corp"}, nil
	}
	return nil, repository.ErrNotFound
}
func (stubClientRepo) ListClients(context.Context) ([]domain.Client, error) { return nil, nil }

type recordingSink struct {
	events []domain.Event
}

func (r *recordingSink) BroadcastEvent(event domain.Event) {
	r.events = append(r.events, event)
}

func testService(repo *stubReleaseRepo, sink *recordingSink) Service {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(repo, stubClientRepo{}, sink, log)
}

func validInput() CreateInput {
	return CreateInput{
		Title:              "acme launch",
		ClientID:           testClientID.String(),
		CurrentEnvironment: "development",
		TargetEnvironment:  "staging",
		DeploymentItems:    []string{"data", "app"},
		ScheduledAt:        time.Now().Add(time.Hour),
	}
}

func TestCreateValidRelease(t *testing.T) {
	repo := newStubReleaseRepo()
	sink := &recordingSink{}
	svc := testService(repo, sink)

	release, err := svc.Create(context.Background(), validInput(), "admin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if release.Status != domain.StatusInDevelopment {
		t.Errorf("status = %s, want InDevelopment", release.Status)
	}
	if release.CreatedBy != "admin" {
		t.Errorf("created_by = %q, want admin", release.CreatedBy)
	}
	if _, ok := repo.releases[release.ID]; !ok {
		t.Error("release not persisted")
	}
	if len(sink.events) == 0 {
		t.Error("creation should broadcast an app log")
	}
}

func TestCreateRejectsInvalidPath(t *testing.T) {
	svc := testService(newStubReleaseRepo(), &recordingSink{})

	input := validInput()
	input.CurrentEnvironment = "production"
	input.TargetEnvironment = "staging"
	if _, err := svc.Create(context.Background(), input, "admin"); !errors.Is(err, domain.ErrInvalidPath) {
		t.Errorf("backwards path: want ErrInvalidPath, got %v", err)
	}

	input = validInput()
	input.TargetEnvironment = "qa"
	if _, err := svc.Create(context.Background(), input, "admin"); !errors.Is(err, domain.ErrUnknownEnvironment) {
		t.Errorf("unknown environment: want ErrUnknownEnvironment, got %v", err)
	}
}

func TestCreateAcceptsSkipStagingToStaging(t *testing.T) {
	svc := testService(newStubReleaseRepo(), &recordingSink{})

	input := validInput()
	input.SkipStaging = true
	if _, err := svc.Create(context.Background(), input, "admin"); err != nil {
		t.Fatalf("skip_staging flag must not invalidate a staging target: %v", err)
	}
}

func TestCreateRejectsUnknownClient(t *testing.T) {
	svc := testService(newStubReleaseRepo(), &recordingSink{})

	input := validInput()
	input.ClientID = uuid.NewString()
	if _, err := svc.Create(context.Background(), input, "admin"); !errors.Is(err, ErrUnknownClient) {
		t.Errorf("unregistered client: want ErrUnknownClient, got %v", err)
	}

	input = validInput()
	input.ClientID = "not-a-uuid"
	if _, err := svc.Create(context.Background(), input, "admin"); !errors.Is(err, ErrUnknownClient) {
		t.Errorf("malformed client id: want ErrUnknownClient, got %v", err)
	}
}

func TestCreateRejectsSecondActiveRelease(t *testing.T) {
	repo := newStubReleaseRepo()
	svc := testService(repo, &recordingSink{})

	if _, err := svc.Create(context.Background(), validInput(), "admin"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := svc.Create(context.Background(), validInput(), "admin"); !errors.Is(err, ErrActiveRelease) {
		t.Fatalf("second create: want ErrActiveRelease, got %v", err)
	}

	// A terminal release frees the slot.
	for _, release := range repo.releases {
		release.Status = domain.StatusClearedInProduction
	}
	if _, err := svc.Create(context.Background(), validInput(), "admin"); err != nil {
		t.Fatalf("create after terminal release: %v", err)
	}
}

func TestClearTransitions(t *testing.T) {
	repo := newStubReleaseRepo()
	sink := &recordingSink{}
	svc := testService(repo, sink)
	admin := domain.User{Username: "root", Role: domain.RoleAdmin}
	deployer := domain.User{Username: "dep", Role: domain.RoleDeployer}

	release, err := svc.Create(context.Background(), validInput(), "admin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cleared, err := svc.Clear(context.Background(), release.ID, deployer)
	if err != nil {
		t.Fatalf("Clear from InDevelopment: %v", err)
	}
	if cleared.Status != domain.StatusWaitingForStaging {
		t.Errorf("status = %s, want WaitingForStaging", cleared.Status)
	}

	// Waiting statuses have no clear transition.
	if _, err := svc.Clear(context.Background(), release.ID, admin); !errors.Is(err, ErrNotClearable) {
		t.Errorf("clear of waiting release: want ErrNotClearable, got %v", err)
	}

	repo.releases[release.ID].Status = domain.StatusReadyToTestInStaging
	cleared, err = svc.Clear(context.Background(), release.ID, admin)
	if err != nil {
		t.Fatalf("Clear from ReadyToTestInStaging: %v", err)
	}
	if cleared.Status != domain.StatusWaitingForProductionFromStaging {
		t.Errorf("status = %s, want WaitingForProductionFromStaging", cleared.Status)
	}
}

func TestClearRoleGates(t *testing.T) {
	repo := newStubReleaseRepo()
	svc := testService(repo, &recordingSink{})
	viewer := domain.User{Username: "v", Role: domain.RoleViewer}
	deployer := domain.User{Username: "d", Role: domain.RoleDeployer}

	release, err := svc.Create(context.Background(), validInput(), "admin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := svc.Clear(context.Background(), release.ID, viewer); !errors.Is(err, ErrForbidden) {
		t.Errorf("viewer clearing to staging: want ErrForbidden, got %v", err)
	}

	repo.releases[release.ID].Status = domain.StatusReadyToTestInStaging
	if _, err := svc.Clear(context.Background(), release.ID, deployer); !errors.Is(err, ErrForbidden) {
		t.Errorf("deployer clearing to production: want ErrForbidden, got %v", err)
	}
}

func TestClearSkipStaging(t *testing.T) {
	repo := newStubReleaseRepo()
	svc := testService(repo, &recordingSink{})
	admin := domain.User{Username: "root", Role: domain.RoleAdmin}

	input := validInput()
	input.TargetEnvironment = "production"
	input.SkipStaging = true
	release, err := svc.Create(context.Background(), input, "admin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cleared, err := svc.Clear(context.Background(), release.ID, admin)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if cleared.Status != domain.StatusWaitingForProduction {
		t.Errorf("status = %s, want WaitingForProduction", cleared.Status)
	}
}

func TestUpdatePreservesLifecycleState(t *testing.T) {
	repo := newStubReleaseRepo()
	svc := testService(repo, &recordingSink{})

	release, err := svc.Create(context.Background(), validInput(), "admin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	repo.releases[release.ID].Status = domain.StatusReadyToTestInStaging
	repo.releases[release.ID].Progress = 100

	input := validInput()
	input.Title = "acme launch v2"
	input.DeploymentItems = nil
	updated, err := svc.Update(context.Background(), release.ID, input)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Title != "acme launch v2" {
		t.Errorf("title = %q", updated.Title)
	}
	if updated.Status != domain.StatusReadyToTestInStaging || updated.Progress != 100 {
		t.Errorf("update must preserve status and progress, got %s/%f", updated.Status, updated.Progress)
	}
	if updated.CreatedBy != "admin" {
		t.Errorf("update must preserve provenance, got %q", updated.CreatedBy)
	}
}

func TestDeleteRequiresAdmin(t *testing.T) {
	repo := newStubReleaseRepo()
	svc := testService(repo, &recordingSink{})
	release, err := svc.Create(context.Background(), validInput(), "admin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	deployer := domain.User{Username: "d", Role: domain.RoleDeployer}
	if err := svc.Delete(context.Background(), release.ID, deployer); !errors.Is(err, ErrForbidden) {
		t.Errorf("deployer delete: want ErrForbidden, got %v", err)
	}

	admin := domain.User{Username: "root", Role: domain.RoleAdmin}
	if err := svc.Delete(context.Background(), release.ID, admin); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if _, err := svc.Get(context.Background(), release.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("release should be gone, got %v", err)
	}
}
