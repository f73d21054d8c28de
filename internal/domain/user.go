package domain

import (
	"errors"
	"fmt"
)

// ErrUnknownRole means a role name outside the fixed vocabulary.
var ErrUnknownRole = errors.New("unknown role")

// Role controls how far through the pipeline a user may clear releases.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleDeployer Role = "deployer"
	RoleAdmin    Role = "admin"
)

// ParseRole decodes a role name, rejecting unknown values.
func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleViewer, RoleDeployer, RoleAdmin:
		return Role(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
}

// User is an operator of the release board.
type User struct {
	Username  string `json:"username" yaml:"username"`
	AvatarURL string `json:"avatar_url,omitempty" yaml:"avatar_url,omitempty"`
	Role      Role   `json:"role" yaml:"role"`
}

// CanDeployToStaging reports whether the user may clear releases into staging.
func (u User) CanDeployToStaging() bool {
	return u.Role == RoleDeployer || u.Role == RoleAdmin
}

// CanDeployToProduction reports whether the user may clear releases into production.
func (u User) CanDeployToProduction() bool {
	return u.Role == RoleAdmin
}
