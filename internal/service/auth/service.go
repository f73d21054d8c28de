package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ech0r/blend/internal/domain"
	"github.com/ech0r/blend/internal/repository"
)

// ErrUnknownUser means the username is not in the users file.
var ErrUnknownUser = errors.New("unknown user")

// Claims defines the JWT payload carried by session tokens.
type Claims struct {
	Username  string `json:"username"`
	SessionID string `json:"session_id"`
	jwtlib.RegisteredClaims
}

// Service issues and validates login sessions. The identity provider (the
// original system's OAuth flow) is external; this layer trusts a users file
// mapping usernames to roles and binds tokens to stored sessions.
type Service struct {
	users    repository.UserRepository
	sessions repository.SessionRepository
	secret   string
	ttl      time.Duration
	logger   *slog.Logger
}

// New constructs an auth service.
func New(users repository.UserRepository, sessions repository.SessionRepository, secret string, ttl time.Duration, logger *slog.Logger) Service {
	return Service{users: users, sessions: sessions, secret: secret, ttl: ttl, logger: logger}
}

// usersFile is the on-disk operator roster.
type usersFile struct {
	Users []domain.User `yaml:"users"`
}

// LoadUsersFile parses the YAML operator roster.
func LoadUsersFile(path string) ([]domain.User, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	var file usersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse users file: %w", err)
	}
	for i, user := range file.Users {
		if user.Username == "" {
			return nil, fmt.Errorf("users file entry %d: username required", i)
		}
		if _, err := domain.ParseRole(string(user.Role)); err != nil {
			return nil, fmt.Errorf("users file entry %q: %w", user.Username, err)
		}
	}
	return file.Users, nil
}

// Bootstrap loads the users file into the repository at startup.
func (s Service) Bootstrap(ctx context.Context, path string) error {
	users, err := LoadUsersFile(path)
	if err != nil {
		return err
	}
	for i := range users {
		if err := s.users.SaveUser(ctx, &users[i]); err != nil {
			return fmt.Errorf("save user %q: %w", users[i].Username, err)
		}
	}
	s.logger.Info("users loaded", "count", len(users), "path", path)
	return nil
}

// IssueSession creates a session for a known user and returns a signed
// token.
func (s Service) IssueSession(ctx context.Context, username string) (string, error) {
	user, err := s.users.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("%w: %q", ErrUnknownUser, username)
		}
		return "", err
	}

	sessionID := uuid.NewString()
	if err := s.sessions.SaveSession(ctx, sessionID, user.Username); err != nil {
		return "", fmt.Errorf("persist session: %w", err)
	}

	now := time.Now()
	claims := Claims{
		Username:  user.Username,
		SessionID: sessionID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    "blend",
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.secret))
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	s.logger.Info("session issued", "username", username, "session_id", sessionID)
	return signed, nil
}

// Authenticate validates a token and resolves the acting user. The session
// must still exist in storage, so logout revokes tokens immediately.
func (s Service) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	if _, err := s.sessions.GetSession(ctx, claims.SessionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errors.New("session revoked")
		}
		return nil, err
	}
	return s.users.GetUser(ctx, claims.Username)
}

// Logout deletes the token's session.
func (s Service) Logout(ctx context.Context, token string) error {
	claims, err := s.parse(token)
	if err != nil {
		return err
	}
	return s.sessions.DeleteSession(ctx, claims.SessionID)
}

func (s Service) parse(token string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(s.secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
