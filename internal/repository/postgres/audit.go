package postgres

import (
	"context"

	"github.com/festion/homelab-gitops-auditor-sub007/internal/domain"
)

// AppendAudit inserts an audit event.
func (r *Repository) AppendAudit(ctx context.Context, e *domain.AuditEvent) error {
	const query = `INSERT INTO audit_logs (id, occurred_at, type, severity, actor, action, resource, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query, e.ID, e.OccurredAt, e.Type, e.Severity,
		e.Actor, e.Action, e.Resource, nullableJSON(e.Details))
	return err
}

// ListAudit returns audit events newest first.
func (r *Repository) ListAudit(ctx context.Context, limit, offset int) ([]domain.AuditEvent, error) {
	const query = `SELECT id, occurred_at, type, severity, actor, action, resource, details
		FROM audit_logs ORDER BY occurred_at DESC LIMIT $1 OFFSET $2`
	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Type, &e.Severity,
			&e.Actor, &e.Action, &e.Resource, &e.Details); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
