package repository

import (
	"context"
	"encoding/json"

	"github.com/festion/homelab-gitops-auditor-sub007/internal/domain"
)

// DeploymentRepository stores deployments and their status history.
type DeploymentRepository interface {
	// CreateDeployment inserts a new deployment. activeScope is the
	// single-flight key the row holds while non-terminal; insertion fails
	// with ErrActiveDeployment when another row already holds it.
	CreateDeployment(ctx context.Context, deployment *domain.Deployment, activeScope string) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	// UpdateStatus transitions the deployment state and appends a status
	// history entry. It sets startedAt on the first transition to
	// in-progress, completedAt (and releases the single-flight scope) on any
	// terminal transition, and fails with ErrTerminalState when the
	// deployment is already terminal.
	UpdateStatus(ctx context.Context, id, state, message string) error
	// CancelQueued transitions the deployment to cancelled only while it is
	// still queued, in one conditional statement. It fails with
	// ErrNotCancellable when the deployment already left the queued state.
	CancelQueued(ctx context.Context, id, message string) error
	// UpdateSteps merges the given steps into the stored sequence by step
	// name; steps not mentioned are left untouched.
	UpdateSteps(ctx context.Context, id string, steps []domain.DeploymentStep) error
	UpdateValidation(ctx context.Context, id string, result *domain.ValidationResult) error
	SetBackupRef(ctx context.Context, id, ref string) error
	FindCurrent(ctx context.Context) (*domain.Deployment, error)
	FindByStatus(ctx context.Context, state string) ([]domain.Deployment, error)
	History(ctx context.Context, filter domain.HistoryFilter) ([]domain.Deployment, int, error)
	StatusHistory(ctx context.Context, id string) ([]domain.StatusHistoryEntry, error)
	// DeleteDeployment removes the deployment and cascades to its status
	// history.
	DeleteDeployment(ctx context.Context, id string) error
	// RecoverInterrupted fails every non-terminal deployment, releasing the
	// single-flight gate. Returns the number of deployments failed.
	RecoverInterrupted(ctx context.Context, message string) (int, error)
}

// RollbackRepository stores rollback requests.
type RollbackRepository interface {
	CreateRollback(ctx context.Context, rollback *domain.Rollback) error
	GetRollback(ctx context.Context, id string) (*domain.Rollback, error)
	UpdateRollbackStatus(ctx context.Context, id, state, message string) error
	UpdateRollbackSteps(ctx context.Context, id string, steps []domain.DeploymentStep) error
}

// WebhookDeliveryRepository is the dedupe ledger for webhook deliveries.
type WebhookDeliveryRepository interface {
	// ClaimDelivery inserts the delivery record, failing with ErrDuplicate
	// when the delivery identifier was already claimed. Claiming before
	// side effects makes replay handling atomic.
	ClaimDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error
	UpdateDeliveryOutcome(ctx context.Context, deliveryID, action, reason, deploymentID string) error
	GetDelivery(ctx context.Context, deliveryID string) (*domain.WebhookDelivery, error)
}

// AuditRepository appends audit events.
type AuditRepository interface {
	AppendAudit(ctx context.Context, event *domain.AuditEvent) error
	ListAudit(ctx context.Context, limit, offset int) ([]domain.AuditEvent, error)
}

// RawJSON is a helper for building detail payloads without error plumbing at
// call sites; marshal failures collapse to null.
func RawJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
