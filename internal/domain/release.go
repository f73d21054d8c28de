package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Environment is a pipeline stage. The three stages form a total order:
// development < staging < production.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// ParseEnvironment decodes a wire environment name, rejecting unknown values.
func ParseEnvironment(raw string) (Environment, error) {
	switch Environment(raw) {
	case EnvDevelopment, EnvStaging, EnvProduction:
		return Environment(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEnvironment, raw)
}

// ReleaseStatus is a node in the release lifecycle state machine.
type ReleaseStatus string

const (
	// Development phase.
	StatusInDevelopment        ReleaseStatus = "InDevelopment"
	StatusClearedInDevelopment ReleaseStatus = "ClearedInDevelopment"
	StatusWaitingForStaging    ReleaseStatus = "WaitingForStaging"
	StatusWaitingForProduction ReleaseStatus = "WaitingForProduction"

	// Staging phase.
	StatusDeployingToStaging              ReleaseStatus = "DeployingToStaging"
	StatusReadyToTestInStaging            ReleaseStatus = "ReadyToTestInStaging"
	StatusClearedInStaging                ReleaseStatus = "ClearedInStaging"
	StatusWaitingForProductionFromStaging ReleaseStatus = "WaitingForProductionFromStaging"

	// Production phase.
	StatusDeployingToProduction   ReleaseStatus = "DeployingToProduction"
	StatusReadyToTestInProduction ReleaseStatus = "ReadyToTestInProduction"
	StatusClearedInProduction     ReleaseStatus = "ClearedInProduction"

	// Failure states. Board column comes from the release's last-known
	// current environment, not from the status itself.
	StatusError   ReleaseStatus = "Error"
	StatusBlocked ReleaseStatus = "Blocked"
)

var (
	ErrUnknownEnvironment = errors.New("unknown environment")
	ErrUnknownStatus      = errors.New("unknown release status")
	ErrUnknownItem        = errors.New("unknown deployment item")
	ErrDuplicateItem      = errors.New("duplicate deployment item")
	ErrNoItems            = errors.New("release requires at least one deployment item")
	ErrInvalidPath        = errors.New("invalid deployment path")
)

var allStatuses = []ReleaseStatus{
	StatusInDevelopment, StatusClearedInDevelopment,
	StatusWaitingForStaging, StatusWaitingForProduction,
	StatusDeployingToStaging, StatusReadyToTestInStaging,
	StatusClearedInStaging, StatusWaitingForProductionFromStaging,
	StatusDeployingToProduction, StatusReadyToTestInProduction,
	StatusClearedInProduction,
	StatusError, StatusBlocked,
}

// ParseReleaseStatus decodes a wire status name, rejecting unknown values.
func ParseReleaseStatus(raw string) (ReleaseStatus, error) {
	for _, s := range allStatuses {
		if ReleaseStatus(raw) == s {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
}

// Environment reports the board column for the status. The second return is
// false for Error and Blocked, whose column depends on release state.
func (s ReleaseStatus) Environment() (Environment, bool) {
	switch s {
	case StatusInDevelopment, StatusClearedInDevelopment,
		StatusWaitingForStaging, StatusWaitingForProduction:
		return EnvDevelopment, true
	case StatusDeployingToStaging, StatusReadyToTestInStaging,
		StatusClearedInStaging, StatusWaitingForProductionFromStaging:
		return EnvStaging, true
	case StatusDeployingToProduction, StatusReadyToTestInProduction,
		StatusClearedInProduction:
		return EnvProduction, true
	}
	return "", false
}

// ShouldProcess reports whether the scheduler has work to do for a release in
// this status: cleared by an operator but not picked up, or mid-deployment.
func (s ReleaseStatus) ShouldProcess() bool {
	switch s {
	case StatusWaitingForStaging, StatusWaitingForProduction,
		StatusWaitingForProductionFromStaging,
		StatusDeployingToStaging, StatusDeployingToProduction:
		return true
	}
	return false
}

// CanBeCleared reports whether an operator "clear" action is legal.
func (s ReleaseStatus) CanBeCleared() bool {
	_, ok := NextStatusWhenCleared(s, false)
	return ok
}

// NextStatusWhenCleared returns the status a release moves to when an
// operator clears it. The skipStaging branch only matters in development.
func NextStatusWhenCleared(s ReleaseStatus, skipStaging bool) (ReleaseStatus, bool) {
	switch s {
	case StatusInDevelopment:
		if skipStaging {
			return StatusWaitingForProduction, true
		}
		return StatusWaitingForStaging, true
	case StatusReadyToTestInStaging:
		return StatusWaitingForProductionFromStaging, true
	case StatusReadyToTestInProduction:
		return StatusClearedInProduction, true
	}
	return "", false
}

// DeployingStatus maps a processable status to the Deploying* status the
// scheduler drives it with. Deploying statuses map to themselves.
func (s ReleaseStatus) DeployingStatus() (ReleaseStatus, bool) {
	switch s {
	case StatusWaitingForStaging, StatusDeployingToStaging:
		return StatusDeployingToStaging, true
	case StatusWaitingForProduction, StatusWaitingForProductionFromStaging,
		StatusDeployingToProduction:
		return StatusDeployingToProduction, true
	}
	return "", false
}

// ReadyStatus maps a Deploying* status to the Ready* status a successful
// deployment finalizes into.
func (s ReleaseStatus) ReadyStatus() (ReleaseStatus, bool) {
	switch s {
	case StatusDeployingToStaging:
		return StatusReadyToTestInStaging, true
	case StatusDeployingToProduction:
		return StatusReadyToTestInProduction, true
	}
	return "", false
}

// Terminal reports whether the status ends the release lifecycle.
func (s ReleaseStatus) Terminal() bool {
	switch s {
	case StatusClearedInProduction, StatusError, StatusBlocked:
		return true
	}
	return false
}

// itemSucceeded reports whether a deployment item reached a terminal
// success sub-state.
func (s ReleaseStatus) itemSucceeded() bool {
	switch s {
	case StatusReadyToTestInStaging, StatusClearedInStaging,
		StatusReadyToTestInProduction, StatusClearedInProduction:
		return true
	}
	return false
}

// itemTerminal reports whether a deployment item is done, either way.
func (s ReleaseStatus) itemTerminal() bool {
	return s.itemSucceeded() || s == StatusError
}

// ValidateDeploymentPath checks that a requested pipeline passage is legal.
// Anything other than dev->staging, dev->production and staging->production
// is a validation error, never silently corrected. The skip_staging flag
// only matters for dev->production; elsewhere it is ignored.
func ValidateDeploymentPath(current, target Environment, skipStaging bool) error {
	switch {
	case current == EnvDevelopment && target == EnvStaging:
		return nil
	case current == EnvDevelopment && target == EnvProduction:
		return nil
	case current == EnvStaging && target == EnvProduction:
		return nil
	}
	return fmt.Errorf("%w: %s to %s (skip_staging=%t)", ErrInvalidPath, current, target, skipStaging)
}

// DeploymentItemKinds is the fixed vocabulary of item names.
var DeploymentItemKinds = []string{"data", "solr", "app"}

// ValidDeploymentItem reports whether name belongs to the item vocabulary.
func ValidDeploymentItem(name string) bool {
	for _, kind := range DeploymentItemKinds {
		if name == kind {
			return true
		}
	}
	return false
}

// DeploymentItem is one independently executed unit of work in a release.
type DeploymentItem struct {
	Name   string        `json:"name"`
	Status ReleaseStatus `json:"status"`
	Logs   []string      `json:"logs"`
	Error  string        `json:"error,omitempty"`
}

// Succeeded reports whether the item finished in a success sub-state.
func (i DeploymentItem) Succeeded() bool { return i.Status.itemSucceeded() }

// Done reports whether the item finished, successfully or not.
func (i DeploymentItem) Done() bool { return i.Status.itemTerminal() }

// Release tracks one client's passage through the deployment pipeline.
type Release struct {
	ID                 uuid.UUID        `json:"id"`
	Title              string           `json:"title"`
	ClientID           string           `json:"client_id"`
	CurrentEnvironment Environment      `json:"current_environment"`
	TargetEnvironment  Environment      `json:"target_environment"`
	DeploymentItems    []DeploymentItem `json:"deployment_items"`
	CreatedAt          time.Time        `json:"created_at"`
	ScheduledAt        time.Time        `json:"scheduled_at"`
	Status             ReleaseStatus    `json:"status"`
	CreatedBy          string           `json:"created_by"`
	Progress           float64          `json:"progress"`
	SkipStaging        bool             `json:"skip_staging"`
}

// NewRelease builds a release in InDevelopment with zero progress. Item
// names must come from the fixed vocabulary and be unique.
func NewRelease(title, clientID string, current, target Environment, items []string, scheduledAt time.Time, createdBy string, skipStaging bool) (*Release, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	seen := make(map[string]struct{}, len(items))
	deploymentItems := make([]DeploymentItem, 0, len(items))
	for _, name := range items {
		if !ValidDeploymentItem(name) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownItem, name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateItem, name)
		}
		seen[name] = struct{}{}
		deploymentItems = append(deploymentItems, DeploymentItem{
			Name:   name,
			Status: StatusInDevelopment,
			Logs:   []string{},
		})
	}
	return &Release{
		ID:                 uuid.New(),
		Title:              title,
		ClientID:           clientID,
		CurrentEnvironment: current,
		TargetEnvironment:  target,
		DeploymentItems:    deploymentItems,
		CreatedAt:          time.Now().UTC(),
		ScheduledAt:        scheduledAt.UTC(),
		Status:             StatusInDevelopment,
		CreatedBy:          createdBy,
		Progress:           0,
		SkipStaging:        skipStaging,
	}, nil
}

// BoardColumn is the kanban column for the release. Error and Blocked
// releases stay in their last-known environment.
func (r *Release) BoardColumn() Environment {
	if env, ok := r.Status.Environment(); ok {
		return env
	}
	return r.CurrentEnvironment
}

// Active reports whether the release still occupies its client's pipeline
// slot. Only one active release may exist per client at creation time.
func (r *Release) Active() bool {
	return !r.Status.Terminal()
}

// Item returns the deployment item with the given name, or nil.
func (r *Release) Item(name string) *DeploymentItem {
	for i := range r.DeploymentItems {
		if r.DeploymentItems[i].Name == name {
			return &r.DeploymentItems[i]
		}
	}
	return nil
}

// CompletedProgress derives aggregate progress from item outcomes: the
// proportion of items in a terminal success sub-state, as a percentage.
func (r *Release) CompletedProgress() float64 {
	if len(r.DeploymentItems) == 0 {
		return 0
	}
	done := 0
	for _, item := range r.DeploymentItems {
		if item.Succeeded() {
			done++
		}
	}
	return float64(done) / float64(len(r.DeploymentItems)) * 100
}

// AllItemsDone reports whether every item reached a terminal state.
func (r *Release) AllItemsDone() bool {
	for _, item := range r.DeploymentItems {
		if !item.Done() {
			return false
		}
	}
	return true
}

// AnyItemFailed reports whether at least one item ended in error.
func (r *Release) AnyItemFailed() bool {
	for _, item := range r.DeploymentItems {
		if item.Status == StatusError {
			return true
		}
	}
	return false
}
