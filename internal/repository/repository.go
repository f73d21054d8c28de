package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/ech0r/blend/internal/domain"
)

// ReleaseRepository persists releases. SaveRelease is a full-document
// upsert; concurrent writers must serialize per release above this layer.
type ReleaseRepository interface {
	SaveRelease(ctx context.Context, release *domain.Release) error
	GetRelease(ctx context.Context, id uuid.UUID) (*domain.Release, error)
	DeleteRelease(ctx context.Context, id uuid.UUID) error
	ListReleases(ctx context.Context) ([]domain.Release, error)
	ListReleasesNeedingWork(ctx context.Context) ([]domain.Release, error)
}

// ClientRepository persists the client registry.
type ClientRepository interface {
	SaveClient(ctx context.Context, client *domain.Client) error
	GetClient(ctx context.Context, id uuid.UUID) (*domain.Client, error)
	ListClients(ctx context.Context) ([]domain.Client, error)
}

// UserRepository persists board operators.
type UserRepository interface {
	SaveUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, username string) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
}

// SessionRepository persists login sessions.
type SessionRepository interface {
	SaveSession(ctx context.Context, id, username string) error
	GetSession(ctx context.Context, id string) (string, error)
	DeleteSession(ctx context.Context, id string) error
}
