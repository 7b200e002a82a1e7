package domain

import "time"

// Rollback reverts a previously completed deployment by restoring its backup.
// It runs through the same step machinery as a deployment but is kept as a
// distinct record type so deployment and rollback histories stay separable.
type Rollback struct {
	ID                 string           `json:"rollbackId"`
	TargetDeploymentID string           `json:"targetDeploymentId"`
	Reason             string           `json:"reason"`
	State              string           `json:"state"`
	Steps              []DeploymentStep `json:"steps,omitempty"`
	ErrorMessage       string           `json:"errorMessage,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	CompletedAt        *time.Time       `json:"completedAt,omitempty"`
}
