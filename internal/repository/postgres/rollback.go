package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/festion/homelab-gitops-auditor-sub007/internal/domain"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/repository"
)

// CreateRollback inserts a rollback request.
func (r *Repository) CreateRollback(ctx context.Context, rb *domain.Rollback) error {
	const query = `INSERT INTO rollbacks (id, target_deployment_id, reason, state, steps, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	steps, err := marshalSteps(rb.Steps)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, query, rb.ID, rb.TargetDeploymentID, rb.Reason, rb.State, steps, rb.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrDuplicate
		}
		return err
	}
	return nil
}

// GetRollback retrieves one rollback by identifier.
func (r *Repository) GetRollback(ctx context.Context, id string) (*domain.Rollback, error) {
	const query = `SELECT id, target_deployment_id, reason, state, steps, error_message, created_at, completed_at
		FROM rollbacks WHERE id = $1`
	var rb domain.Rollback
	var steps []byte
	err := r.pool.QueryRow(ctx, query, id).Scan(&rb.ID, &rb.TargetDeploymentID, &rb.Reason,
		&rb.State, &steps, &rb.ErrorMessage, &rb.CreatedAt, &rb.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if rb.Steps, err = unmarshalSteps(steps); err != nil {
		return nil, err
	}
	return &rb, nil
}

// UpdateRollbackStatus transitions the rollback state; terminal transitions
// record completion time and the error message on failure.
func (r *Repository) UpdateRollbackStatus(ctx context.Context, id, state, message string) error {
	now := time.Now().UTC()
	var tag pgconn.CommandTag
	var err error
	if domain.IsTerminalState(state) {
		errMsg := ""
		if state == domain.StateFailed {
			errMsg = message
		}
		tag, err = r.pool.Exec(ctx, `UPDATE rollbacks
			SET state = $2, error_message = $3, completed_at = $4 WHERE id = $1`,
			id, state, errMsg, now)
	} else {
		tag, err = r.pool.Exec(ctx, `UPDATE rollbacks SET state = $2 WHERE id = $1`, id, state)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateRollbackSteps merges steps by name, mirroring deployment steps.
func (r *Repository) UpdateRollbackSteps(ctx context.Context, id string, steps []domain.DeploymentStep) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT steps FROM rollbacks WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	current, err := unmarshalSteps(raw)
	if err != nil {
		return err
	}
	payload, err := marshalSteps(mergeSteps(current, steps))
	if err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `UPDATE rollbacks SET steps = $2 WHERE id = $1`, id, payload); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
