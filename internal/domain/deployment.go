package domain

import (
	"encoding/json"
	"time"
)

// Deployment states. A deployment moves queued -> in-progress and then lands
// on exactly one terminal state; it never leaves a terminal state.
const (
	StateQueued     = "queued"
	StateInProgress = "in-progress"
	StateCompleted  = "completed"
	StateFailed     = "failed"
	StateCancelled  = "cancelled"
)

// IsTerminalState reports whether state permits no further transitions.
func IsTerminalState(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Step statuses.
const (
	StepPending    = "pending"
	StepInProgress = "in-progress"
	StepCompleted  = "completed"
	StepFailed     = "failed"
	StepSkipped    = "skipped"
)

// Deployment captures a single execution of the configuration pipeline
// against one commit of the tracked repository.
type Deployment struct {
	ID               string            `json:"deploymentId"`
	Repository       string            `json:"repository"`
	Branch           string            `json:"branch"`
	CommitSHA        string            `json:"commitSha,omitempty"`
	State            string            `json:"state"`
	Source           string            `json:"source,omitempty"`
	Steps            []DeploymentStep  `json:"steps,omitempty"`
	ConfigValidation *ValidationResult `json:"configValidation,omitempty"`
	ErrorMessage     string            `json:"errorMessage,omitempty"`
	BackupRef        string            `json:"backupRef,omitempty"`
	Metadata         json.RawMessage   `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	StartedAt        *time.Time        `json:"startedAt,omitempty"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// DeploymentStep records one named unit of pipeline work.
type DeploymentStep struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts,omitempty"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// ValidationResult is the snapshot of a configuration validation run. It is
// stored on the deployment even when the validation step fails.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// StatusHistoryEntry is one append-only record of a state transition.
type StatusHistoryEntry struct {
	ID           int64     `json:"id"`
	DeploymentID string    `json:"deploymentId"`
	State        string    `json:"state"`
	Message      string    `json:"message,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HistoryFilter selects deployments for paginated listing.
type HistoryFilter struct {
	Limit  int
	Offset int
	Status string
	Since  *time.Time
}

// HistoryPage is one page of deployments, newest first.
type HistoryPage struct {
	Deployments []Deployment `json:"deployments"`
	Total       int          `json:"total"`
	HasNext     bool         `json:"hasNext"`
	HasPrevious bool         `json:"hasPrevious"`
}
