package client

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ech0r/blend/internal/domain"
	"github.com/ech0r/blend/internal/repository"
)

// ErrEmptyName rejects unnamed clients.
var ErrEmptyName = errors.New("client name required")

// Service maintains the client registry.
type Service struct {
	clients repository.ClientRepository
	logger  *slog.Logger
}

// New constructs a client service.
func New(clients repository.ClientRepository, logger *slog.Logger) Service {
	return Service{clients: clients, logger: logger}
}

// Create registers a new client.
func (s Service) Create(ctx context.Context, name string) (*domain.Client, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}
	c := &domain.Client{ID: uuid.New(), Name: name}
	if err := s.clients.SaveClient(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("client created", "client_id", c.ID, "name", c.Name)
	return c, nil
}

// Get fetches one client.
func (s Service) Get(ctx context.Context, id uuid.UUID) (*domain.Client, error) {
	return s.clients.GetClient(ctx, id)
}

// List returns every client.
func (s Service) List(ctx context.Context) ([]domain.Client, error) {
	return s.clients.ListClients(ctx)
}
