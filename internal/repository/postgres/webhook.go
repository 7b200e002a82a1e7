package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/festion/homelab-gitops-auditor-sub007/internal/domain"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/repository"
)

// ClaimDelivery inserts the delivery row, failing with ErrDuplicate on replay.
func (r *Repository) ClaimDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	const query = `INSERT INTO webhook_deliveries (delivery_id, event_type, action, reason, deployment_id, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, d.DeliveryID, d.EventType, d.Action, d.Reason, d.DeploymentID, d.ProcessedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrDuplicate
		}
		return err
	}
	return nil
}

// UpdateDeliveryOutcome records the final outcome for a claimed delivery.
func (r *Repository) UpdateDeliveryOutcome(ctx context.Context, deliveryID, action, reason, deploymentID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE webhook_deliveries
		SET action = $2, reason = $3, deployment_id = $4 WHERE delivery_id = $1`,
		deliveryID, action, reason, deploymentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetDelivery retrieves a delivery record by identifier.
func (r *Repository) GetDelivery(ctx context.Context, deliveryID string) (*domain.WebhookDelivery, error) {
	const query = `SELECT delivery_id, event_type, action, reason, deployment_id, processed_at
		FROM webhook_deliveries WHERE delivery_id = $1`
	var d domain.WebhookDelivery
	err := r.pool.QueryRow(ctx, query, deliveryID).Scan(&d.DeliveryID, &d.EventType,
		&d.Action, &d.Reason, &d.DeploymentID, &d.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}
