package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/festion/homelab-gitops-auditor-sub007/internal/domain"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/events"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/repository"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/service/audit"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/service/executor"
)

// StepsProvider builds the restore pipeline for a backup reference.
type StepsProvider interface {
	RollbackSteps(backupRef string) []executor.Step
}

// Service restores a previously completed deployment from its backup.
type Service struct {
	rollbacks   repository.RollbackRepository
	deployments repository.DeploymentRepository
	exec        *executor.Executor
	steps       StepsProvider
	audit       audit.Service
	bus         *events.Bus
	logger      *slog.Logger

	rootCtx context.Context
	wg      sync.WaitGroup

	idMu   sync.Mutex
	lastID time.Time
}

// New constructs the rollback service.
func New(
	rootCtx context.Context,
	rollbacks repository.RollbackRepository,
	deployments repository.DeploymentRepository,
	exec *executor.Executor,
	steps StepsProvider,
	auditSvc audit.Service,
	bus *events.Bus,
	logger *slog.Logger,
) *Service {
	return &Service{
		rollbacks:   rollbacks,
		deployments: deployments,
		exec:        exec,
		steps:       steps,
		audit:       auditSvc,
		bus:         bus,
		logger:      logger,
		rootCtx:     rootCtx,
	}
}

// Create validates the rollback target and persists a queued rollback, then
// starts the restore in the background. Only completed deployments with a
// recorded backup are valid targets.
func (s *Service) Create(ctx context.Context, targetID, reason, actor string) (*domain.Rollback, error) {
	if strings.TrimSpace(targetID) == "" {
		return nil, domain.E(domain.CodeValidation, "deploymentId is required")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, domain.E(domain.CodeValidation, "reason is required")
	}
	target, err := s.deployments.GetDeployment(ctx, targetID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.E(domain.CodeDeploymentNotFound, "deployment not found: "+targetID)
		}
		return nil, err
	}
	if target.State != domain.StateCompleted {
		return nil, domain.E(domain.CodeInvalidRollbackTarget,
			fmt.Sprintf("deployment %s is %s; only completed deployments can be rolled back", target.ID, target.State))
	}
	if target.BackupRef == "" {
		return nil, domain.E(domain.CodeInvalidRollbackTarget,
			fmt.Sprintf("deployment %s has no backup to restore", target.ID))
	}

	now := time.Now().UTC()
	rb := &domain.Rollback{
		ID:                 s.nextID(now),
		TargetDeploymentID: target.ID,
		Reason:             reason,
		State:              domain.StateQueued,
		CreatedAt:          now,
	}
	if err := s.rollbacks.CreateRollback(ctx, rb); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		Type:     domain.AuditRollbackExecuted,
		Actor:    actor,
		Action:   "create rollback",
		Resource: rb.ID,
		Details: map[string]any{
			"targetDeploymentId": target.ID,
			"reason":             reason,
			"backupRef":          target.BackupRef,
		},
	})
	s.bus.Publish(events.Event{
		Type:         events.RollbackCreated,
		RollbackID:   rb.ID,
		DeploymentID: target.ID,
		Repository:   target.Repository,
		State:        rb.State,
	})
	s.logger.Info("rollback created", "rollback_id", rb.ID, "target", target.ID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.rootCtx, rb, target)
	}()
	return rb, nil
}

// Get returns one rollback by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Rollback, error) {
	rb, err := s.rollbacks.GetRollback(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.E(domain.CodeDeploymentNotFound, "rollback not found: "+id)
		}
		return nil, err
	}
	return rb, nil
}

// Wait blocks until background restores finish. Used on shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) execute(ctx context.Context, rb *domain.Rollback, target *domain.Deployment) {
	if err := s.rollbacks.UpdateRollbackStatus(ctx, rb.ID, domain.StateInProgress, "rollback started"); err != nil {
		s.logger.Error("failed to start rollback", "rollback_id", rb.ID, "error", err)
		return
	}

	err := s.exec.Run(ctx, rb.ID, rollbackStepSink{s.rollbacks}, s.steps.RollbackSteps(target.BackupRef), nil)
	if err != nil {
		if uerr := s.rollbacks.UpdateRollbackStatus(ctx, rb.ID, domain.StateFailed, err.Error()); uerr != nil {
			s.logger.Error("failed to mark rollback failed", "rollback_id", rb.ID, "error", uerr)
		}
		s.audit.Record(ctx, audit.Entry{
			Type:     domain.AuditRollbackExecuted,
			Severity: domain.SeverityError,
			Action:   "rollback failed",
			Resource: rb.ID,
			Details:  map[string]any{"targetDeploymentId": target.ID, "error": err.Error()},
		})
		s.bus.Publish(events.Event{
			Type:         events.RollbackFailed,
			RollbackID:   rb.ID,
			DeploymentID: target.ID,
			Repository:   target.Repository,
			State:        domain.StateFailed,
			Message:      err.Error(),
		})
		s.logger.Error("rollback failed", "rollback_id", rb.ID, "error", err)
		return
	}

	if err := s.rollbacks.UpdateRollbackStatus(ctx, rb.ID, domain.StateCompleted, "rollback completed"); err != nil {
		s.logger.Error("failed to complete rollback", "rollback_id", rb.ID, "error", err)
		return
	}
	s.audit.Record(ctx, audit.Entry{
		Type:     domain.AuditRollbackExecuted,
		Action:   "rollback completed",
		Resource: rb.ID,
		Details:  map[string]any{"targetDeploymentId": target.ID, "backupRef": target.BackupRef},
	})
	s.bus.Publish(events.Event{
		Type:         events.RollbackCompleted,
		RollbackID:   rb.ID,
		DeploymentID: target.ID,
		Repository:   target.Repository,
		State:        domain.StateCompleted,
	})
	s.logger.Info("rollback completed", "rollback_id", rb.ID, "target", target.ID)
}

func (s *Service) nextID(now time.Time) string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	now = now.Truncate(time.Second)
	if !now.After(s.lastID) {
		now = s.lastID.Add(time.Second)
	}
	s.lastID = now
	return "rollback-" + now.Format("20060102-150405")
}

// rollbackStepSink adapts the rollback repository to the executor.
type rollbackStepSink struct {
	repo repository.RollbackRepository
}

func (s rollbackStepSink) UpdateSteps(ctx context.Context, id string, steps []domain.DeploymentStep) error {
	return s.repo.UpdateRollbackSteps(ctx, id, steps)
}
