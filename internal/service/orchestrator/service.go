package orchestrator

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
	pkgconfig "github.com/festion/homelab-gitops-auditor-sub007/pkg/config"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// RepoChecker verifies repository reachability before a deployment is
// accepted. Optional; nil skips the remote check.
type RepoChecker interface {
	Check(ctx context.Context, repository string) error
}

// StepsProvider builds the step list for one deployment.
type StepsProvider interface {
	DeploymentSteps(d *domain.Deployment) []executor.Step
}

// WorkspaceCleaner releases per-run working directories after execution.
type WorkspaceCleaner interface {
	CleanupByID(identifier string) error
}

// Service owns the deployment state machine: single-flight creation,
// asynchronous execution through the step executor, cancellation, and
// status/history queries.
type Service struct {
	deployments repository.DeploymentRepository
	exec        *executor.Executor
	steps       StepsProvider
	checker     RepoChecker
	cleaner     WorkspaceCleaner
	audit       audit.Service
	bus         *events.Bus
	logger      *slog.Logger

	allowedRepos []string
	scope        string

	// rootCtx bounds background execution independently of request contexts.
	rootCtx context.Context
	wg      sync.WaitGroup

	idMu   sync.Mutex
	lastID time.Time
}

// New constructs the orchestrator.
func New(
	rootCtx context.Context,
	deployments repository.DeploymentRepository,
	exec *executor.Executor,
	steps StepsProvider,
	checker RepoChecker,
	cleaner WorkspaceCleaner,
	auditSvc audit.Service,
	bus *events.Bus,
	logger *slog.Logger,
	allowedRepos []string,
	scope string,
) *Service {
	return &Service{
		deployments:  deployments,
		exec:         exec,
		steps:        steps,
		checker:      checker,
		cleaner:      cleaner,
		audit:        auditSvc,
		bus:          bus,
		logger:       logger,
		allowedRepos: allowedRepos,
		scope:        scope,
		rootCtx:      rootCtx,
	}
}

// CreateRequest carries the fields of a new deployment.
type CreateRequest struct {
	Repository string
	Branch     string
	CommitSHA  string
	Source     string
	Actor      string
	Metadata   map[string]any
}

// Create validates the request and persists a queued deployment. The
// single-flight gate is enforced atomically by the storage layer, so two
// racing creates yield exactly one success.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Deployment, error) {
	if strings.TrimSpace(req.Repository) == "" {
		return nil, domain.E(domain.CodeValidation, "repository is required")
	}
	if strings.TrimSpace(req.Branch) == "" {
		return nil, domain.E(domain.CodeValidation, "branch is required")
	}
	if !s.repoAllowed(req.Repository) {
		return nil, domain.E(domain.CodeRepositoryAccess,
			fmt.Sprintf("repository %s is not authorized for deployment", req.Repository))
	}
	if s.checker != nil {
		if err := s.checker.Check(ctx, req.Repository); err != nil {
			return nil, domain.E(domain.CodeRepositoryAccess, err.Error())
		}
	}

	source := req.Source
	if source == "" {
		source = "api"
	}
	now := time.Now().UTC()
	d := &domain.Deployment{
		ID:         s.nextID(now),
		Repository: req.Repository,
		Branch:     req.Branch,
		CommitSHA:  req.CommitSHA,
		State:      domain.StateQueued,
		Source:     source,
		Metadata:   repository.RawJSON(req.Metadata),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.deployments.CreateDeployment(ctx, d, s.scopeKey(req.Repository)); err != nil {
		if errors.Is(err, repository.ErrActiveDeployment) || errors.Is(err, repository.ErrDuplicate) {
			return nil, domain.E(domain.CodeDeploymentInProgress, "a deployment is already queued or in progress")
		}
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		Type:     domain.AuditDeploymentCreated,
		Actor:    req.Actor,
		Action:   "create deployment",
		Resource: d.ID,
		Details: map[string]any{
			"repository": d.Repository,
			"branch":     d.Branch,
			"commitSha":  d.CommitSHA,
			"source":     d.Source,
		},
	})
	s.bus.Publish(events.Event{
		Type:         events.DeploymentCreated,
		DeploymentID: d.ID,
		Repository:   d.Repository,
		State:        d.State,
	})
	s.logger.Info("deployment created", "deployment_id", d.ID,
		"repository", d.Repository, "branch", d.Branch, "commit", d.CommitSHA)
	return d, nil
}

// StartAsync launches execution in the background so the triggering request
// returns immediately with the queued deployment.
func (s *Service) StartAsync(d *domain.Deployment) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.rootCtx, d)
	}()
}

// Wait blocks until all background executions finish. Used on shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}

// execute drives the step pipeline and resolves the deployment to a terminal
// state. Failures here are recorded on the deployment, never raised to the
// triggering caller.
func (s *Service) execute(ctx context.Context, d *domain.Deployment) {
	if s.cleaner != nil {
		defer func() {
			if err := s.cleaner.CleanupByID(d.ID); err != nil {
				s.logger.Warn("workspace cleanup failed", "deployment_id", d.ID, "error", err)
			}
		}()
	}

	if err := s.deployments.UpdateStatus(ctx, d.ID, domain.StateInProgress, "deployment started"); err != nil {
		if errors.Is(err, repository.ErrTerminalState) {
			// cancelled between creation and pickup
			s.logger.Info("deployment no longer runnable", "deployment_id", d.ID)
			return
		}
		s.logger.Error("failed to start deployment", "deployment_id", d.ID, "error", err)
		s.fail(ctx, d, "failed to start deployment: "+err.Error())
		return
	}
	s.bus.Publish(events.Event{
		Type:         events.DeploymentStarted,
		DeploymentID: d.ID,
		Repository:   d.Repository,
		State:        domain.StateInProgress,
	})

	observe := func(step domain.DeploymentStep) {
		s.bus.Publish(events.Event{
			Type:         events.DeploymentStep,
			DeploymentID: d.ID,
			Repository:   d.Repository,
			Step:         step.Name,
			StepStatus:   step.Status,
		})
	}
	err := s.exec.Run(ctx, d.ID, deploymentStepSink{s.deployments}, s.steps.DeploymentSteps(d), observe)
	if err != nil {
		s.fail(ctx, d, err.Error())
		return
	}

	if err := s.deployments.UpdateStatus(ctx, d.ID, domain.StateCompleted, "deployment completed"); err != nil {
		s.logger.Error("failed to complete deployment", "deployment_id", d.ID, "error", err)
		return
	}
	deploymentsTotal.WithLabelValues(domain.StateCompleted).Inc()
	s.audit.Record(ctx, audit.Entry{
		Type:     domain.AuditDeploymentFinished,
		Action:   "deployment completed",
		Resource: d.ID,
		Details:  map[string]any{"repository": d.Repository, "commitSha": d.CommitSHA},
	})
	s.bus.Publish(events.Event{
		Type:         events.DeploymentCompleted,
		DeploymentID: d.ID,
		Repository:   d.Repository,
		State:        domain.StateCompleted,
	})
	s.logger.Info("deployment completed", "deployment_id", d.ID)
}

func (s *Service) fail(ctx context.Context, d *domain.Deployment, message string) {
	if err := s.deployments.UpdateStatus(ctx, d.ID, domain.StateFailed, message); err != nil &&
		!errors.Is(err, repository.ErrTerminalState) {
		s.logger.Error("failed to mark deployment failed", "deployment_id", d.ID, "error", err)
	}
	deploymentsTotal.WithLabelValues(domain.StateFailed).Inc()
	s.audit.Record(ctx, audit.Entry{
		Type:     domain.AuditDeploymentFinished,
		Severity: domain.SeverityError,
		Action:   "deployment failed",
		Resource: d.ID,
		Details:  map[string]any{"repository": d.Repository, "error": message},
	})
	s.bus.Publish(events.Event{
		Type:         events.DeploymentFailed,
		DeploymentID: d.ID,
		Repository:   d.Repository,
		State:        domain.StateFailed,
		Message:      message,
	})
	s.logger.Error("deployment failed", "deployment_id", d.ID, "error", message)
}

// Cancel cancels the queued deployment. Only queued deployments are
// cancellable; in-progress runs go to completion.
func (s *Service) Cancel(ctx context.Context, actor string) (*domain.Deployment, error) {
	current, err := s.deployments.FindCurrent(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.E(domain.CodeNoActiveDeployment, "no active deployment to cancel")
		}
		return nil, err
	}
	if current.State != domain.StateQueued {
		return nil, domain.E(domain.CodeNotCancellable,
			fmt.Sprintf("deployment %s is %s and cannot be cancelled", current.ID, current.State))
	}
	if err := s.deployments.CancelQueued(ctx, current.ID, "cancelled by "+orActor(actor)); err != nil {
		if errors.Is(err, repository.ErrNotCancellable) {
			return nil, domain.E(domain.CodeNotCancellable,
				fmt.Sprintf("deployment %s already started or finished", current.ID))
		}
		return nil, err
	}
	deploymentsTotal.WithLabelValues(domain.StateCancelled).Inc()
	s.audit.Record(ctx, audit.Entry{
		Type:     domain.AuditDeploymentCancel,
		Actor:    actor,
		Action:   "cancel deployment",
		Resource: current.ID,
	})
	s.bus.Publish(events.Event{
		Type:         events.DeploymentCancelled,
		DeploymentID: current.ID,
		Repository:   current.Repository,
		State:        domain.StateCancelled,
	})
	return s.deployments.GetDeployment(ctx, current.ID)
}

// CurrentStatus returns the active deployment or nil when idle.
func (s *Service) CurrentStatus(ctx context.Context) (*domain.Deployment, error) {
	current, err := s.deployments.FindCurrent(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return current, nil
}

// Get returns one deployment by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	d, err := s.deployments.GetDeployment(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.E(domain.CodeDeploymentNotFound, "deployment not found: "+id)
		}
		return nil, err
	}
	return d, nil
}

// History returns a page of deployments, newest first. An empty page is a
// valid result, not an error.
func (s *Service) History(ctx context.Context, filter domain.HistoryFilter) (*domain.HistoryPage, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultHistoryLimit
	}
	if filter.Limit > maxHistoryLimit {
		filter.Limit = maxHistoryLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	deployments, total, err := s.deployments.History(ctx, filter)
	if err != nil {
		return nil, err
	}
	if deployments == nil {
		deployments = []domain.Deployment{}
	}
	return &domain.HistoryPage{
		Deployments: deployments,
		Total:       total,
		HasNext:     filter.Offset+len(deployments) < total,
		HasPrevious: filter.Offset > 0,
	}, nil
}

// StatusHistory returns the append-only transition log for a deployment.
func (s *Service) StatusHistory(ctx context.Context, id string) ([]domain.StatusHistoryEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	entries, err := s.deployments.StatusHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []domain.StatusHistoryEntry{}
	}
	return entries, nil
}

// Delete removes a deployment and its status history. Administrative only.
func (s *Service) Delete(ctx context.Context, id, actor string) error {
	if err := s.deployments.DeleteDeployment(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.E(domain.CodeDeploymentNotFound, "deployment not found: "+id)
		}
		return err
	}
	s.audit.Record(ctx, audit.Entry{
		Type:     domain.AuditDeploymentDeleted,
		Severity: domain.SeverityWarning,
		Actor:    actor,
		Action:   "delete deployment",
		Resource: id,
	})
	return nil
}

// Recover resolves deployments left non-terminal by a crash so the
// single-flight gate is released deterministically at startup.
func (s *Service) Recover(ctx context.Context) error {
	count, err := s.deployments.RecoverInterrupted(ctx, "interrupted by restart")
	if err != nil {
		return fmt.Errorf("recover interrupted deployments: %w", err)
	}
	if count > 0 {
		s.logger.Warn("recovered interrupted deployments", "count", count)
	}
	return nil
}

func (s *Service) repoAllowed(repo string) bool {
	if len(s.allowedRepos) == 0 {
		return true
	}
	for _, allowed := range s.allowedRepos {
		if strings.EqualFold(allowed, repo) {
			return true
		}
	}
	return false
}

func (s *Service) scopeKey(repo string) string {
	if s.scope == pkgconfig.ScopeRepository {
		return repo
	}
	return pkgconfig.ScopeGlobal
}

// nextID derives a time-based identifier, bumping the clock by one second
// when needed so two creates in the same second cannot collide.
func (s *Service) nextID(now time.Time) string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	now = now.Truncate(time.Second)
	if !now.After(s.lastID) {
		now = s.lastID.Add(time.Second)
	}
	s.lastID = now
	return "deploy-" + now.Format("20060102-150405")
}

func orActor(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}

// deploymentStepSink adapts the deployment repository to the executor.
type deploymentStepSink struct {
	repo repository.DeploymentRepository
}

func (s deploymentStepSink) UpdateSteps(ctx context.Context, id string, steps []domain.DeploymentStep) error {
	return s.repo.UpdateSteps(ctx, id, steps)
}
