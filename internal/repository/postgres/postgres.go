package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ech0r/blend/internal/domain"
	"github.com/ech0r/blend/internal/repository"
)

// Repository implements persistence on PostgreSQL. Entities are stored as
// JSONB documents keyed by id, with the columns needed for server-side
// filtering lifted out of the document.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	_ repository.ReleaseRepository = (*Repository)(nil)
	_ repository.ClientRepository  = (*Repository)(nil)
	_ repository.UserRepository    = (*Repository)(nil)
	_ repository.SessionRepository = (*Repository)(nil)
)

// processableStatuses mirrors domain.ReleaseStatus.ShouldProcess for the
// scheduler's discovery query.
var processableStatuses = []string{
	string(domain.StatusWaitingForStaging),
	string(domain.StatusWaitingForProduction),
	string(domain.StatusWaitingForProductionFromStaging),
	string(domain.StatusDeployingToStaging),
	string(domain.StatusDeployingToProduction),
}

// SaveRelease upserts the full release document.
func (r *Repository) SaveRelease(ctx context.Context, release *domain.Release) error {
	data, err := json.Marshal(release)
	if err != nil {
		return fmt.Errorf("encode release: %w", err)
	}
	const query = `INSERT INTO releases (id, client_id, status, data, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET client_id = $2, status = $3, data = $4, updated_at = $5`
	_, err = r.pool.Exec(ctx, query, release.ID, release.ClientID, string(release.Status), data, time.Now().UTC())
	return err
}

// GetRelease fetches one release by id.
func (r *Repository) GetRelease(ctx context.Context, id uuid.UUID) (*domain.Release, error) {
	const query = `SELECT data FROM releases WHERE id = $1`
	var data []byte
	if err := r.pool.QueryRow(ctx, query, id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	var release domain.Release
	if err := json.Unmarshal(data, &release); err != nil {
		return nil, fmt.Errorf("decode release %s: %w", id, err)
	}
	return &release, nil
}

// DeleteRelease removes a release.
func (r *Repository) DeleteRelease(ctx context.Context, id uuid.UUID) error {
	const query = `DELETE FROM releases WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListReleases returns every release, newest first.
func (r *Repository) ListReleases(ctx context.Context) ([]domain.Release, error) {
	const query = `SELECT data FROM releases ORDER BY data->>'created_at' DESC`
	return r.scanReleases(ctx, query)
}

// ListReleasesNeedingWork returns releases in a Waiting* or Deploying*
// status, the scheduler's work queue.
func (r *Repository) ListReleasesNeedingWork(ctx context.Context) ([]domain.Release, error) {
	const query = `SELECT data FROM releases WHERE status = ANY($1) ORDER BY data->>'scheduled_at'`
	return r.scanReleases(ctx, query, processableStatuses)
}

func (r *Repository) scanReleases(ctx context.Context, query string, args ...any) ([]domain.Release, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var releases []domain.Release
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var release domain.Release
		if err := json.Unmarshal(data, &release); err != nil {
			return nil, fmt.Errorf("decode release: %w", err)
		}
		releases = append(releases, release)
	}
	return releases, rows.Err()
}

// SaveClient upserts a client.
func (r *Repository) SaveClient(ctx context.Context, client *domain.Client) error {
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("encode client: %w", err)
	}
	const query = `INSERT INTO clients (id, data) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET data = $2`
	_, err = r.pool.Exec(ctx, query, client.ID, data)
	return err
}

// GetClient fetches one client.
func (r *Repository) GetClient(ctx context.Context, id uuid.UUID) (*domain.Client, error) {
	const query = `SELECT data FROM clients WHERE id = $1`
	var data []byte
	if err := r.pool.QueryRow(ctx, query, id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	var client domain.Client
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("decode client %s: %w", id, err)
	}
	return &client, nil
}

// ListClients returns every client.
func (r *Repository) ListClients(ctx context.Context) ([]domain.Client, error) {
	const query = `SELECT data FROM clients ORDER BY data->>'name'`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []domain.Client
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var client domain.Client
		if err := json.Unmarshal(data, &client); err != nil {
			return nil, fmt.Errorf("decode client: %w", err)
		}
		clients = append(clients, client)
	}
	return clients, rows.Err()
}

// SaveUser upserts a user keyed by username.
func (r *Repository) SaveUser(ctx context.Context, user *domain.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	const query = `INSERT INTO users (username, data) VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE SET data = $2`
	_, err = r.pool.Exec(ctx, query, user.Username, data)
	return err
}

// GetUser fetches one user.
func (r *Repository) GetUser(ctx context.Context, username string) (*domain.User, error) {
	const query = `SELECT data FROM users WHERE username = $1`
	var data []byte
	if err := r.pool.QueryRow(ctx, query, username).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	var user domain.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", username, err)
	}
	return &user, nil
}

// ListUsers returns every user.
func (r *Repository) ListUsers(ctx context.Context) ([]domain.User, error) {
	const query = `SELECT data FROM users ORDER BY username`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var user domain.User
		if err := json.Unmarshal(data, &user); err != nil {
			return nil, fmt.Errorf("decode user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// SaveSession stores a login session.
func (r *Repository) SaveSession(ctx context.Context, id, username string) error {
	const query = `INSERT INTO sessions (id, username, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET username = $2`
	_, err := r.pool.Exec(ctx, query, id, username, time.Now().UTC())
	return err
}

// GetSession resolves a session id to its username.
func (r *Repository) GetSession(ctx context.Context, id string) (string, error) {
	const query = `SELECT username FROM sessions WHERE id = $1`
	var username string
	if err := r.pool.QueryRow(ctx, query, id).Scan(&username); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", err
	}
	return username, nil
}

// DeleteSession removes a session.
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	const query = `DELETE FROM sessions WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id)
	return err
}
