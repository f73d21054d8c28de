package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/ech0r/blend/internal/domain"
	"github.com/ech0r/blend/internal/repository"
)

type memoryClientRepo struct {
	clients map[uuid.UUID]domain.Client
}

func (m *memoryClientRepo) SaveClient(_ context.Context, client *domain.Client) error {
	m.clients[client.ID] = *client
	return nil
}

func (m *memoryClientRepo) GetClient(_ context.Context, id uuid.UUID) (*domain.Client, error) {
	client, ok := m.clients[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &client, nil
}

func (m *memoryClientRepo) ListClients(context.Context) ([]domain.Client, error) {
	out := make([]domain.Client, 0, len(m.clients))
	for _, client := range m.clients {
		out = append(out, client)
	}
	return out, nil
}

func testService() (Service, *memoryClientRepo) {
	repo := &memoryClientRepo{clients: make(map[uuid.UUID]domain.Client)}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(repo, log), repo
}

func TestCreateTrimsAndPersists(t *testing.T) {
	svc, repo := testService()

	created, err := svc.Create(context.Background(), "  Acme Corp  ")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Name != "Acme Corp" {
		t.Errorf("name = %q, want trimmed", created.Name)
	}
	if _, ok := repo.clients[created.ID]; !ok {
		t.Error("client not persisted")
	}

	got, err := svc.Get(context.Background(), created.ID)
	if err != nil || got.Name != "Acme Corp" {
		t.Errorf("Get: (%+v, %v)", got, err)
	}
}

func TestCreateRejectsEmptyName(t *testing.T) {
	svc, _ := testService()
	if _, err := svc.Create(context.Background(), "   "); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("want ErrEmptyName, got %v", err)
	}
}
