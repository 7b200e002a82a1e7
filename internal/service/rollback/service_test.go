package rollback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/festion/homelab-gitops-auditor-sub007/internal/domain"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/events"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/repository"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/service/audit"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/service/executor"
)

// deploymentStub serves only the lookups the rollback manager performs.
type deploymentStub struct {
	deployments map[string]*domain.Deployment
}

func (s *deploymentStub) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	d, ok := s.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (s *deploymentStub) CreateDeployment(context.Context, *domain.Deployment, string) error {
	return errors.New("not implemented")
}
func (s *deploymentStub) UpdateStatus(context.Context, string, string, string) error { return nil }
func (s *deploymentStub) CancelQueued(context.Context, string, string) error { return nil }
func (s *deploymentStub) UpdateSteps(context.Context, string, []domain.DeploymentStep) error {
	return nil
}
func (s *deploymentStub) UpdateValidation(context.Context, string, *domain.ValidationResult) error {
	return nil
}
func (s *deploymentStub) SetBackupRef(context.Context, string, string) error { return nil }
func (s *deploymentStub) FindCurrent(context.Context) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}
func (s *deploymentStub) FindByStatus(context.Context, string) ([]domain.Deployment, error) {
	return nil, nil
}
func (s *deploymentStub) History(context.Context, domain.HistoryFilter) ([]domain.Deployment, int, error) {
	return nil, 0, nil
}
func (s *deploymentStub) StatusHistory(context.Context, string) ([]domain.StatusHistoryEntry, error) {
	return nil, nil
}
func (s *deploymentStub) DeleteDeployment(context.Context, string) error { return nil }
func (s *deploymentStub) RecoverInterrupted(context.Context, string) (int, error) {
	return 0, nil
}

type rollbackStore struct {
	mu        sync.Mutex
	rollbacks map[string]*domain.Rollback
}

func newRollbackStore() *rollbackStore {
	return &rollbackStore{rollbacks: make(map[string]*domain.Rollback)}
}

func (s *rollbackStore) CreateRollback(ctx context.Context, rb *domain.Rollback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rollbacks[rb.ID]; exists {
		return repository.ErrDuplicate
	}
	copied := *rb
	s.rollbacks[rb.ID] = &copied
	return nil
}

func (s *rollbackStore) GetRollback(ctx context.Context, id string) (*domain.Rollback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rb, ok := s.rollbacks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *rb
	return &copied, nil
}

func (s *rollbackStore) UpdateRollbackStatus(ctx context.Context, id, state, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rb, ok := s.rollbacks[id]
	if !ok {
		return repository.ErrNotFound
	}
	rb.State = state
	if state == domain.StateFailed {
		rb.ErrorMessage = message
	}
	return nil
}

func (s *rollbackStore) UpdateRollbackSteps(ctx context.Context, id string, steps []domain.DeploymentStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rb, ok := s.rollbacks[id]
	if !ok {
		return repository.ErrNotFound
	}
	for _, incoming := range steps {
		merged := false
		for i, existing := range rb.Steps {
			if existing.Name == incoming.Name {
				rb.Steps[i] = incoming
				merged = true
				break
			}
		}
		if !merged {
			rb.Steps = append(rb.Steps, incoming)
		}
	}
	return nil
}

type restoreSteps struct {
	steps []executor.Step
}

func (r restoreSteps) RollbackSteps(backupRef string) []executor.Step {
	return r.steps
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(deployments *deploymentStub, store *rollbackStore, steps []executor.Step) *Service {
	return New(context.Background(), store, deployments, executor.New(testLogger()),
		restoreSteps{steps}, audit.New(nil, testLogger()), events.NewBus(16), testLogger())
}

func seedDeployment(state, backupRef string) *deploymentStub {
	return &deploymentStub{deployments: map[string]*domain.Deployment{
		"deploy-20250901-120000": {
			ID:         "deploy-20250901-120000",
			Repository: "festion/home-assistant-config",
			Branch:     "main",
			State:      state,
			BackupRef:  backupRef,
		},
	}}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var derr *domain.Error
	if !errors.As(err, &derr) {
		t.Fatalf("expected coded error, got %v", err)
	}
	if derr.Code != code {
		t.Fatalf("expected code %s, got %s", code, derr.Code)
	}
}

func TestCreateRequiresTargetAndReason(t *testing.T) {
	svc := newService(seedDeployment(domain.StateCompleted, "backup.tar.gz"), newRollbackStore(), nil)

	_, err := svc.Create(context.Background(), "", "bad deploy", "operator")
	assertCode(t, err, domain.CodeValidation)

	_, err = svc.Create(context.Background(), "deploy-20250901-120000", "  ", "operator")
	assertCode(t, err, domain.CodeValidation)
}

func TestCreateUnknownTarget(t *testing.T) {
	svc := newService(seedDeployment(domain.StateCompleted, "backup.tar.gz"), newRollbackStore(), nil)
	_, err := svc.Create(context.Background(), "deploy-19990101-000000", "bad deploy", "operator")
	assertCode(t, err, domain.CodeDeploymentNotFound)
}

func TestCreateRejectsNonCompletedTarget(t *testing.T) {
	for _, state := range []string{domain.StateQueued, domain.StateInProgress, domain.StateFailed, domain.StateCancelled} {
		svc := newService(seedDeployment(state, "backup.tar.gz"), newRollbackStore(), nil)
		_, err := svc.Create(context.Background(), "deploy-20250901-120000", "bad deploy", "operator")
		assertCode(t, err, domain.CodeInvalidRollbackTarget)
	}
}

func TestCreateRejectsTargetWithoutBackup(t *testing.T) {
	svc := newService(seedDeployment(domain.StateCompleted, ""), newRollbackStore(), nil)
	_, err := svc.Create(context.Background(), "deploy-20250901-120000", "bad deploy", "operator")
	assertCode(t, err, domain.CodeInvalidRollbackTarget)
}

func TestCreateRunsRestorePipeline(t *testing.T) {
	store := newRollbackStore()
	restored := make(chan string, 1)
	steps := []executor.Step{{
		Name:        "Restore Backup",
		MaxAttempts: 1,
		Run: func(ctx context.Context) (string, error) {
			restored <- "done"
			return "restored", nil
		},
	}}
	svc := newService(seedDeployment(domain.StateCompleted, "backup.tar.gz"), store, steps)

	rb, err := svc.Create(context.Background(), "deploy-20250901-120000", "bad deploy", "operator")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if rb.State != domain.StateQueued {
		t.Fatalf("expected queued, got %q", rb.State)
	}
	select {
	case <-restored:
	case <-time.After(2 * time.Second):
		t.Fatal("restore step never ran")
	}
	svc.Wait()

	stored, err := store.GetRollback(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("rollback not persisted: %v", err)
	}
	if stored.State != domain.StateCompleted {
		t.Fatalf("expected completed, got %q", stored.State)
	}
	if len(stored.Steps) != 1 || stored.Steps[0].Status != domain.StepCompleted {
		t.Fatalf("unexpected steps: %+v", stored.Steps)
	}
}

func TestFailedRestoreMarksRollbackFailed(t *testing.T) {
	store := newRollbackStore()
	steps := []executor.Step{{
		Name:        "Restore Backup",
		MaxAttempts: 2,
		RetryDelay:  time.Millisecond,
		Run: func(ctx context.Context) (string, error) {
			return "", errors.New("archive corrupt")
		},
	}}
	svc := newService(seedDeployment(domain.StateCompleted, "backup.tar.gz"), store, steps)

	rb, err := svc.Create(context.Background(), "deploy-20250901-120000", "bad deploy", "operator")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	svc.Wait()

	stored, _ := store.GetRollback(context.Background(), rb.ID)
	if stored.State != domain.StateFailed {
		t.Fatalf("expected failed, got %q", stored.State)
	}
	if stored.ErrorMessage == "" {
		t.Fatal("failed rollback must record an error message")
	}
}
