package domain

import (
	"encoding/json"
	"time"
)

// Audit event types.
const (
	AuditWebhookProcessed   = "webhook_processed"
	AuditDeploymentCreated  = "deployment_created"
	AuditDeploymentFinished = "deployment_finished"
	AuditDeploymentCancel   = "deployment_cancelled"
	AuditDeploymentDeleted  = "deployment_deleted"
	AuditRollbackExecuted   = "rollback_executed"
	AuditAuthRejected       = "auth_rejected"
)

// Audit severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// AuditEvent is one append-only record of a security-relevant or operational
// action.
type AuditEvent struct {
	ID         string          `json:"id"`
	OccurredAt time.Time       `json:"timestamp"`
	Type       string          `json:"type"`
	Severity   string          `json:"severity"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	Resource   string          `json:"resource,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}
