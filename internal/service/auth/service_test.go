package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ech0r/blend/internal/domain"
	"github.com/ech0r/blend/internal/repository"
)

type memoryUserRepo struct {
	users map[string]domain.User
}

func (m *memoryUserRepo) SaveUser(_ context.Context, user *domain.User) error {
	m.users[user.Username] = *user
	return nil
}

func (m *memoryUserRepo) GetUser(_ context.Context, username string) (*domain.User, error) {
	user, ok := m.users[username]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &user, nil
}

func (m *memoryUserRepo) ListUsers(context.Context) ([]domain.User, error) {
	out := make([]domain.User, 0, len(m.users))
	for _, user := range m.users {
		out = append(out, user)
	}
	return out, nil
}

type memorySessionRepo struct {
	sessions map[string]string
}

func (m *memorySessionRepo) SaveSession(_ context.Context, id, username string) error {
	m.sessions[id] = username
	return nil
}

func (m *memorySessionRepo) GetSession(_ context.Context, id string) (string, error) {
	username, ok := m.sessions[id]
	if !ok {
		return "", repository.ErrNotFound
	}
	return username, nil
}

func (m *memorySessionRepo) DeleteSession(_ context.Context, id string) error {
	delete(m.sessions, id)
	return nil
}

func testAuth() (Service, *memoryUserRepo, *memorySessionRepo) {
	users := &memoryUserRepo{users: make(map[string]domain.User)}
	sessions := &memorySessionRepo{sessions: make(map[string]string)}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(users, sessions, "test-secret", time.Hour, log), users, sessions
}

func writeUsersFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write users file: %v", err)
	}
	return path
}

func TestLoadUsersFile(t *testing.T) {
	path := writeUsersFile(t, `
users:
  - username: alice
    role: admin
  - username: bob
    role: viewer
`)
	users, err := LoadUsersFile(path)
	if err != nil {
		t.Fatalf("LoadUsersFile: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("got %d users, want 2", len(users))
	}
	if users[0].Role != domain.RoleAdmin || users[1].Role != domain.RoleViewer {
		t.Errorf("roles not parsed: %+v", users)
	}
}

func TestLoadUsersFileRejectsBadEntries(t *testing.T) {
	path := writeUsersFile(t, `
users:
  - username: alice
    role: superuser
`)
	if _, err := LoadUsersFile(path); err == nil {
		t.Fatal("unknown role must be rejected")
	}

	path = writeUsersFile(t, `
users:
  - role: admin
`)
	if _, err := LoadUsersFile(path); err == nil {
		t.Fatal("missing username must be rejected")
	}
}

func TestIssueAndAuthenticate(t *testing.T) {
	svc, users, _ := testAuth()
	users.users["alice"] = domain.User{Username: "alice", Role: domain.RoleDeployer}

	token, err := svc.IssueSession(context.Background(), "alice")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	user, err := svc.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if user.Username != "alice" || user.Role != domain.RoleDeployer {
		t.Errorf("got %+v", user)
	}
}

func TestIssueSessionUnknownUser(t *testing.T) {
	svc, _, _ := testAuth()
	if _, err := svc.IssueSession(context.Background(), "mallory"); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("want ErrUnknownUser, got %v", err)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	svc, users, sessions := testAuth()
	users.users["alice"] = domain.User{Username: "alice", Role: domain.RoleAdmin}

	token, err := svc.IssueSession(context.Background(), "alice")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if err := svc.Logout(context.Background(), token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if len(sessions.sessions) != 0 {
		t.Error("session not removed from storage")
	}
	if _, err := svc.Authenticate(context.Background(), token); err == nil {
		t.Fatal("revoked token must not authenticate")
	}
}

func TestAuthenticateRejectsForgedToken(t *testing.T) {
	svc, users, _ := testAuth()
	users.users["alice"] = domain.User{Username: "alice", Role: domain.RoleAdmin}

	forger, forgerUsers, _ := testAuthWithSecret("other-secret")
	forgerUsers.users["alice"] = domain.User{Username: "alice", Role: domain.RoleAdmin}
	token, err := forger.IssueSession(context.Background(), "alice")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	if _, err := svc.Authenticate(context.Background(), token); err == nil {
		t.Fatal("token signed with another secret must not authenticate")
	}
}

func testAuthWithSecret(secret string) (Service, *memoryUserRepo, *memorySessionRepo) {
	users := &memoryUserRepo{users: make(map[string]domain.User)}
	sessions := &memorySessionRepo{sessions: make(map[string]string)}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(users, sessions, secret, time.Hour, log), users, sessions
}

func TestBootstrapSavesRoster(t *testing.T) {
	svc, users, _ := testAuth()
	path := writeUsersFile(t, `
users:
  - username: alice
    role: admin
`)
	if err := svc.Bootstrap(context.Background(), path); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, ok := users.users["alice"]; !ok {
		t.Error("bootstrap did not persist the roster")
	}
}
