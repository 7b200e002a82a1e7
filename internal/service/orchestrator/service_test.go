package orchestrator

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
	pkgconfig "github.com/festion/homelab-gitops-auditor-sub007/pkg/config"
)

// fakeRepo is an in-memory DeploymentRepository enforcing the same
// single-flight and terminal-state rules as the postgres implementation.
type fakeRepo struct {
	mu          sync.Mutex
	deployments map[string]*domain.Deployment
	order       []string
	history     map[string][]domain.StatusHistoryEntry
	scopes      map[string]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		deployments: make(map[string]*domain.Deployment),
		history:     make(map[string][]domain.StatusHistoryEntry),
		scopes:      make(map[string]string),
	}
}

func (f *fakeRepo) CreateDeployment(ctx context.Context, d *domain.Deployment, activeScope string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, scope := range f.scopes {
		if scope == activeScope && !domain.IsTerminalState(f.deployments[id].State) {
			return repository.ErrActiveDeployment
		}
	}
	if _, exists := f.deployments[d.ID]; exists {
		return repository.ErrDuplicate
	}
	copied := *d
	f.deployments[d.ID] = &copied
	f.order = append(f.order, d.ID)
	f.scopes[d.ID] = activeScope
	f.appendHistory(d.ID, d.State, "deployment created")
	return nil
}

func (f *fakeRepo) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (f *fakeRepo) UpdateStatus(ctx context.Context, id, state, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[id]
	if !ok {
		return repository.ErrNotFound
	}
	if domain.IsTerminalState(d.State) {
		return repository.ErrTerminalState
	}
	d.State = state
	if domain.IsTerminalState(state) {
		delete(f.scopes, id)
		if state == domain.StateFailed {
			d.ErrorMessage = message
		}
		now := time.Now().UTC()
		d.CompletedAt = &now
	}
	f.appendHistory(id, state, message)
	return nil
}

func (f *fakeRepo) CancelQueued(ctx context.Context, id, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[id]
	if !ok {
		return repository.ErrNotFound
	}
	if d.State != domain.StateQueued {
		return repository.ErrNotCancellable
	}
	d.State = domain.StateCancelled
	delete(f.scopes, id)
	now := time.Now().UTC()
	d.CompletedAt = &now
	f.appendHistory(id, domain.StateCancelled, message)
	return nil
}

func (f *fakeRepo) UpdateSteps(ctx context.Context, id string, steps []domain.DeploymentStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[id]
	if !ok {
		return repository.ErrNotFound
	}
	for _, incoming := range steps {
		merged := false
		for i, existing := range d.Steps {
			if existing.Name == incoming.Name {
				d.Steps[i] = incoming
				merged = true
				break
			}
		}
		if !merged {
			d.Steps = append(d.Steps, incoming)
		}
	}
	return nil
}

func (f *fakeRepo) UpdateValidation(ctx context.Context, id string, result *domain.ValidationResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.deployments[id]; ok {
		d.ConfigValidation = result
	}
	return nil
}

func (f *fakeRepo) SetBackupRef(ctx context.Context, id, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.deployments[id]; ok {
		d.BackupRef = ref
	}
	return nil
}

func (f *fakeRepo) FindCurrent(ctx context.Context) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.order) - 1; i >= 0; i-- {
		d := f.deployments[f.order[i]]
		if !domain.IsTerminalState(d.State) {
			copied := *d
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeRepo) FindByStatus(ctx context.Context, state string) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Deployment
	for _, id := range f.order {
		if d := f.deployments[id]; d.State == state {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeRepo) History(ctx context.Context, filter domain.HistoryFilter) ([]domain.Deployment, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []domain.Deployment
	for i := len(f.order) - 1; i >= 0; i-- {
		d := f.deployments[f.order[i]]
		if filter.Status != "" && d.State != filter.Status {
			continue
		}
		all = append(all, *d)
	}
	total := len(all)
	if filter.Offset >= total {
		return nil, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}
	return all[filter.Offset:end], total, nil
}

func (f *fakeRepo) StatusHistory(ctx context.Context, id string) ([]domain.StatusHistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.StatusHistoryEntry(nil), f.history[id]...), nil
}

func (f *fakeRepo) DeleteDeployment(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.deployments[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.deployments, id)
	delete(f.history, id)
	delete(f.scopes, id)
	for i, existing := range f.order {
		if existing == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeRepo) RecoverInterrupted(ctx context.Context, message string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for id, d := range f.deployments {
		if !domain.IsTerminalState(d.State) {
			d.State = domain.StateFailed
			d.ErrorMessage = message
			delete(f.scopes, id)
			count++
		}
	}
	return count, nil
}

func (f *fakeRepo) appendHistory(id, state, message string) {
	f.history[id] = append(f.history[id], domain.StatusHistoryEntry{
		DeploymentID: id,
		State:        state,
		Message:      message,
		CreatedAt:    time.Now().UTC(),
	})
}

type fakeSteps struct {
	steps []executor.Step
}

func (f fakeSteps) DeploymentSteps(d *domain.Deployment) []executor.Step {
	return f.steps
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(repo *fakeRepo, steps []executor.Step) *Service {
	bus := events.NewBus(16)
	return New(context.Background(), repo, executor.New(testLogger()), fakeSteps{steps},
		nil, nil, audit.New(nil, testLogger()), bus, testLogger(),
		[]string{"festion/home-assistant-config"}, pkgconfig.ScopeGlobal)
}

func validRequest() CreateRequest {
	return CreateRequest{
		Repository: "festion/home-assistant-config",
		Branch:     "main",
		CommitSHA:  "689a045f",
		Source:     "api",
	}
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

func TestCreateRequiresFields(t *testing.T) {
	svc := newService(newFakeRepo(), nil)

	req := validRequest()
	req.Repository = ""
	_, err := svc.Create(context.Background(), req)
	assertCode(t, err, domain.CodeValidation)

	req = validRequest()
	req.Branch = " "
	_, err = svc.Create(context.Background(), req)
	assertCode(t, err, domain.CodeValidation)
}

func TestCreateRejectsUnlistedRepository(t *testing.T) {
	svc := newService(newFakeRepo(), nil)
	req := validRequest()
	req.Repository = "someone-else/other-repo"
	_, err := svc.Create(context.Background(), req)
	assertCode(t, err, domain.CodeRepositoryAccess)
}

func TestCreateQueuesDeployment(t *testing.T) {
	repo := newFakeRepo()
	svc := newService(repo, nil)

	d, err := svc.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.State != domain.StateQueued {
		t.Fatalf("expected queued, got %q", d.State)
	}
	if d.ID == "" {
		t.Fatal("expected a deployment id")
	}
	stored, err := repo.GetDeployment(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("deployment not persisted: %v", err)
	}
	if stored.CommitSHA != "689a045f" {
		t.Fatalf("unexpected commit: %q", stored.CommitSHA)
	}
}

func TestCreateSingleFlight(t *testing.T) {
	repo := newFakeRepo()
	svc := newService(repo, nil)

	if _, err := svc.Create(context.Background(), validRequest()); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	_, err := svc.Create(context.Background(), validRequest())
	assertCode(t, err, domain.CodeDeploymentInProgress)
}

func TestConcurrentCreatesYieldOneSuccess(t *testing.T) {
	repo := newFakeRepo()
	svc := newService(repo, nil)

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(context.Background(), validRequest())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes, conflicts := 0, 0
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		var derr *domain.Error
		if errors.As(err, &derr) && derr.Code == domain.CodeDeploymentInProgress {
			conflicts++
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one success, got %d", successes)
	}
	if conflicts != racers-1 {
		t.Fatalf("expected %d conflicts, got %d", racers-1, conflicts)
	}
}

func TestExecuteCompletesDeployment(t *testing.T) {
	repo := newFakeRepo()
	steps := []executor.Step{{
		Name:        "Deploy Configuration",
		MaxAttempts: 1,
		Run:         func(ctx context.Context) (string, error) { return "applied", nil },
	}}
	svc := newService(repo, steps)

	d, err := svc.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	svc.execute(context.Background(), d)

	stored, _ := repo.GetDeployment(context.Background(), d.ID)
	if stored.State != domain.StateCompleted {
		t.Fatalf("expected completed, got %q", stored.State)
	}
	if stored.CompletedAt == nil {
		t.Fatal("completedAt must be set on terminal transition")
	}
}

func TestExecuteFailureRecordsErrorAndStep(t *testing.T) {
	repo := newFakeRepo()
	steps := []executor.Step{{
		Name:        "Clone Repository",
		MaxAttempts: 2,
		RetryDelay:  time.Millisecond,
		Run:         func(ctx context.Context) (string, error) { return "", errors.New("auth failed") },
	}}
	svc := newService(repo, steps)

	d, err := svc.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	svc.execute(context.Background(), d)

	stored, _ := repo.GetDeployment(context.Background(), d.ID)
	if stored.State != domain.StateFailed {
		t.Fatalf("expected failed, got %q", stored.State)
	}
	if stored.ErrorMessage == "" {
		t.Fatal("failed deployment must record an error message")
	}
	if len(stored.Steps) != 1 {
		t.Fatalf("expected one step, got %d", len(stored.Steps))
	}
	step := stored.Steps[0]
	if step.Status != domain.StepFailed || step.Attempts != 2 {
		t.Fatalf("unexpected step record: %+v", step)
	}
	// a failed run releases the gate for the next deployment
	if _, err := svc.Create(context.Background(), validRequest()); err != nil {
		t.Fatalf("gate not released after failure: %v", err)
	}
}

func TestCancelWithoutActiveDeployment(t *testing.T) {
	svc := newService(newFakeRepo(), nil)
	_, err := svc.Cancel(context.Background(), "operator")
	assertCode(t, err, domain.CodeNoActiveDeployment)
}

func TestCancelQueuedDeployment(t *testing.T) {
	repo := newFakeRepo()
	svc := newService(repo, nil)

	d, err := svc.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	cancelled, err := svc.Cancel(context.Background(), "operator")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.ID != d.ID || cancelled.State != domain.StateCancelled {
		t.Fatalf("unexpected cancel result: %+v", cancelled)
	}
}

func TestCancelInProgressRejected(t *testing.T) {
	repo := newFakeRepo()
	svc := newService(repo, nil)

	d, err := svc.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.UpdateStatus(context.Background(), d.ID, domain.StateInProgress, ""); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	_, err = svc.Cancel(context.Background(), "operator")
	assertCode(t, err, domain.CodeNotCancellable)
}

// staleCurrentRepo reports deployments as still queued so a cancel can race
// a start that already happened.
type staleCurrentRepo struct {
	*fakeRepo
}

func (r *staleCurrentRepo) FindCurrent(ctx context.Context) (*domain.Deployment, error) {
	d, err := r.fakeRepo.FindCurrent(ctx)
	if err != nil {
		return nil, err
	}
	d.State = domain.StateQueued
	return d, nil
}

func TestCancelRacingStartDoesNotOverwrite(t *testing.T) {
	repo := newFakeRepo()
	svc := New(context.Background(), &staleCurrentRepo{repo}, executor.New(testLogger()), fakeSteps{nil},
		nil, nil, audit.New(nil, testLogger()), events.NewBus(16), testLogger(),
		[]string{"festion/home-assistant-config"}, pkgconfig.ScopeGlobal)

	d, err := svc.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.UpdateStatus(context.Background(), d.ID, domain.StateInProgress, ""); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	_, err = svc.Cancel(context.Background(), "operator")
	assertCode(t, err, domain.CodeNotCancellable)

	stored, err := repo.GetDeployment(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.State != domain.StateInProgress {
		t.Fatalf("cancel overwrote a started run: state %s", stored.State)
	}
}

func TestTerminalStateNeverRegresses(t *testing.T) {
	repo := newFakeRepo()
	svc := newService(repo, nil)

	d, err := svc.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.UpdateStatus(context.Background(), d.ID, domain.StateCancelled, ""); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	err = repo.UpdateStatus(context.Background(), d.ID, domain.StateInProgress, "")
	if !errors.Is(err, repository.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
}

func TestHistoryPagination(t *testing.T) {
	repo := newFakeRepo()
	svc := newService(repo, nil)

	const seeded = 5
	for i := 0; i < seeded; i++ {
		d, err := svc.Create(context.Background(), validRequest())
		if err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
		if err := repo.UpdateStatus(context.Background(), d.ID, domain.StateCompleted, "done"); err != nil {
			t.Fatalf("complete %d failed: %v", i, err)
		}
	}

	seen := make(map[string]bool)
	for offset := 0; offset < seeded; offset += 2 {
		page, err := svc.History(context.Background(), domain.HistoryFilter{Limit: 2, Offset: offset})
		if err != nil {
			t.Fatalf("history failed at offset %d: %v", offset, err)
		}
		if page.Total != seeded {
			t.Fatalf("expected total %d, got %d", seeded, page.Total)
		}
		if page.HasPrevious != (offset > 0) {
			t.Fatalf("unexpected hasPrevious at offset %d", offset)
		}
		wantNext := offset+len(page.Deployments) < seeded
		if page.HasNext != wantNext {
			t.Fatalf("unexpected hasNext at offset %d", offset)
		}
		for _, d := range page.Deployments {
			if seen[d.ID] {
				t.Fatalf("deployment %s returned twice", d.ID)
			}
			seen[d.ID] = true
		}
	}
	if len(seen) != seeded {
		t.Fatalf("expected %d unique deployments across pages, got %d", seeded, len(seen))
	}
}

func TestDeleteCascadesStatusHistory(t *testing.T) {
	repo := newFakeRepo()
	svc := newService(repo, nil)

	d, err := svc.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.UpdateStatus(context.Background(), d.ID, domain.StateCompleted, "done"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if err := svc.Delete(context.Background(), d.ID, "admin"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	entries, err := repo.StatusHistory(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("status history failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty history after cascade delete, got %d entries", len(entries))
	}
	_, err = svc.Get(context.Background(), d.ID)
	assertCode(t, err, domain.CodeDeploymentNotFound)
}

func TestRecoverFailsInterrupted(t *testing.T) {
	repo := newFakeRepo()
	svc := newService(repo, nil)

	d, err := svc.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.UpdateStatus(context.Background(), d.ID, domain.StateInProgress, ""); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := svc.Recover(context.Background()); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	stored, _ := repo.GetDeployment(context.Background(), d.ID)
	if stored.State != domain.StateFailed {
		t.Fatalf("expected failed after recovery, got %q", stored.State)
	}
	// gate must be free again
	if _, err := svc.Create(context.Background(), validRequest()); err != nil {
		t.Fatalf("gate not released by recovery: %v", err)
	}
}
