package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/festion/homelab-gitops-auditor-sub007/internal/domain"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/repository"
)

const uniqueViolation = "23505"

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.DeploymentRepository      = (*Repository)(nil)
	_ repository.RollbackRepository        = (*Repository)(nil)
	_ repository.WebhookDeliveryRepository = (*Repository)(nil)
	_ repository.AuditRepository           = (*Repository)(nil)
)

const deploymentColumns = `id, repository, branch, commit_sha, state, source,
	steps, config_validation, error_message, backup_ref, metadata,
	created_at, started_at, completed_at, updated_at`

// CreateDeployment inserts a deployment holding the given single-flight scope.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment, activeScope string) error {
	const query = `INSERT INTO deployments
		(id, repository, branch, commit_sha, state, source, steps, metadata, active_scope, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`
	steps, err := marshalSteps(d.Steps)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, query,
		d.ID, d.Repository, d.Branch, d.CommitSHA, d.State, d.Source,
		steps, nullableJSON(d.Metadata), activeScope, d.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if strings.Contains(pgErr.ConstraintName, "single_flight") {
				return repository.ErrActiveDeployment
			}
			return repository.ErrDuplicate
		}
		return err
	}
	return r.appendHistory(ctx, r.pool, d.ID, d.State, "deployment created")
}

// GetDeployment retrieves one deployment by identifier.
func (r *Repository) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	return scanDeployment(r.pool.QueryRow(ctx, query, id))
}

// UpdateStatus transitions the deployment state, appends history, and
// releases the single-flight scope on terminal transitions. Transitions out
// of a terminal state are rejected.
func (r *Repository) UpdateStatus(ctx context.Context, id, state, message string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT state FROM deployments WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	if domain.IsTerminalState(current) {
		return repository.ErrTerminalState
	}

	now := time.Now().UTC()
	switch {
	case state == domain.StateInProgress:
		_, err = tx.Exec(ctx, `UPDATE deployments
			SET state = $2, started_at = COALESCE(started_at, $3), updated_at = $3
			WHERE id = $1`, id, state, now)
	case domain.IsTerminalState(state):
		errMsg := ""
		if state == domain.StateFailed {
			errMsg = message
		}
		_, err = tx.Exec(ctx, `UPDATE deployments
			SET state = $2, error_message = $3, completed_at = $4, updated_at = $4, active_scope = NULL
			WHERE id = $1`, id, state, errMsg, now)
	default:
		_, err = tx.Exec(ctx, `UPDATE deployments SET state = $2, updated_at = $3 WHERE id = $1`,
			id, state, now)
	}
	if err != nil {
		return err
	}
	if err := r.appendHistory(ctx, tx, id, state, message); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CancelQueued lands the cancelled state with a conditional UPDATE so a
// cancel cannot overwrite a run that started between the caller's read and
// this write.
func (r *Repository) CancelQueued(ctx context.Context, id, message string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `UPDATE deployments
		SET state = $2, completed_at = $3, updated_at = $3, active_scope = NULL
		WHERE id = $1 AND state = $4`,
		id, domain.StateCancelled, now, domain.StateQueued)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := tx.QueryRow(ctx, `SELECT state FROM deployments WHERE id = $1`, id).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return repository.ErrNotFound
			}
			return err
		}
		return repository.ErrNotCancellable
	}
	if err := r.appendHistory(ctx, tx, id, domain.StateCancelled, message); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateSteps merges steps by name into the stored sequence so interleaved
// writers cannot drop each other's step records.
func (r *Repository) UpdateSteps(ctx context.Context, id string, steps []domain.DeploymentStep) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT steps FROM deployments WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
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
	merged := mergeSteps(current, steps)
	payload, err := marshalSteps(merged)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `UPDATE deployments SET steps = $2, updated_at = $3 WHERE id = $1`,
		id, payload, time.Now().UTC())
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateValidation stores the configuration validation snapshot.
func (r *Repository) UpdateValidation(ctx context.Context, id string, result *domain.ValidationResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE deployments SET config_validation = $2, updated_at = $3 WHERE id = $1`,
		id, payload, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetBackupRef stores the restorable backup reference for the deployment.
func (r *Repository) SetBackupRef(ctx context.Context, id, ref string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE deployments SET backup_ref = $2, updated_at = $3 WHERE id = $1`,
		id, ref, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// FindCurrent returns the single active deployment, preferring in-progress
// over queued, or ErrNotFound when the system is idle.
func (r *Repository) FindCurrent(ctx context.Context) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE state IN ($1, $2)
		ORDER BY CASE state WHEN $2 THEN 0 ELSE 1 END, created_at DESC
		LIMIT 1`
	return scanDeployment(r.pool.QueryRow(ctx, query, domain.StateQueued, domain.StateInProgress))
}

// FindByStatus lists deployments in the given state, newest first.
func (r *Repository) FindByStatus(ctx context.Context, state string) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE state = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// History returns a page of deployments newest first plus the total count.
func (r *Repository) History(ctx context.Context, filter domain.HistoryFilter) ([]domain.Deployment, int, error) {
	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM deployments`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, filter.Limit)
	limitArg := len(args)
	args = append(args, filter.Offset)
	offsetArg := len(args)
	query := fmt.Sprintf(`SELECT %s FROM deployments%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		deploymentColumns, clause, limitArg, offsetArg)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	deployments, err := collectDeployments(rows)
	if err != nil {
		return nil, 0, err
	}
	return deployments, total, nil
}

// StatusHistory returns the append-only transition log, oldest first.
func (r *Repository) StatusHistory(ctx context.Context, id string) ([]domain.StatusHistoryEntry, error) {
	const query = `SELECT id, deployment_id, state, message, created_at
		FROM deployment_status_history WHERE deployment_id = $1 ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []domain.StatusHistoryEntry
	for rows.Next() {
		var e domain.StatusHistoryEntry
		if err := rows.Scan(&e.ID, &e.DeploymentID, &e.State, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteDeployment removes the deployment; status history cascades.
func (r *Repository) DeleteDeployment(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM deployments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// RecoverInterrupted fails every non-terminal deployment and releases the
// single-flight gate. Used at startup so a crashed run resolves
// deterministically instead of wedging the gate.
func (r *Repository) RecoverInterrupted(ctx context.Context, message string) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	rows, err := tx.Query(ctx, `UPDATE deployments
		SET state = $1, error_message = $2, completed_at = $3, updated_at = $3, active_scope = NULL
		WHERE state IN ($4, $5)
		RETURNING id`,
		domain.StateFailed, message, now, domain.StateQueued, domain.StateInProgress)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := r.appendHistory(ctx, tx, id, domain.StateFailed, message); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (r *Repository) appendHistory(ctx context.Context, db execer, id, state, message string) error {
	_, err := db.Exec(ctx, `INSERT INTO deployment_status_history (deployment_id, state, message)
		VALUES ($1, $2, $3)`, id, state, message)
	return err
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	var steps, validation []byte
	err := row.Scan(&d.ID, &d.Repository, &d.Branch, &d.CommitSHA, &d.State, &d.Source,
		&steps, &validation, &d.ErrorMessage, &d.BackupRef, &d.Metadata,
		&d.CreatedAt, &d.StartedAt, &d.CompletedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if d.Steps, err = unmarshalSteps(steps); err != nil {
		return nil, err
	}
	if len(validation) > 0 {
		var v domain.ValidationResult
		if err := json.Unmarshal(validation, &v); err != nil {
			return nil, err
		}
		d.ConfigValidation = &v
	}
	return &d, nil
}

func collectDeployments(rows pgx.Rows) ([]domain.Deployment, error) {
	var deployments []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func marshalSteps(steps []domain.DeploymentStep) ([]byte, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	return json.Marshal(steps)
}

func unmarshalSteps(raw []byte) ([]domain.DeploymentStep, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var steps []domain.DeploymentStep
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// mergeSteps overlays updates onto current by step name, preserving order and
// appending steps not yet present.
func mergeSteps(current, updates []domain.DeploymentStep) []domain.DeploymentStep {
	merged := make([]domain.DeploymentStep, len(current))
	copy(merged, current)
	index := make(map[string]int, len(merged))
	for i, s := range merged {
		index[s.Name] = i
	}
	for _, u := range updates {
		if i, ok := index[u.Name]; ok {
			merged[i] = u
			continue
		}
		index[u.Name] = len(merged)
		merged = append(merged, u)
	}
	return merged
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
