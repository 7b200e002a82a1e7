package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/festion/homelab-gitops-auditor-sub007/internal/domain"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/repository"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/service/audit"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/service/orchestrator"
	pkgconfig "github.com/festion/homelab-gitops-auditor-sub007/pkg/config"
)

const testSecret = "hook-secret"

type deliveryStore struct {
	mu         sync.Mutex
	deliveries map[string]*domain.WebhookDelivery
	claims     []domain.WebhookDelivery
}

func newDeliveryStore() *deliveryStore {
	return &deliveryStore{deliveries: make(map[string]*domain.WebhookDelivery)}
}

func (s *deliveryStore) ClaimDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deliveries[delivery.DeliveryID]; exists {
		return repository.ErrDuplicate
	}
	copied := *delivery
	s.deliveries[delivery.DeliveryID] = &copied
	s.claims = append(s.claims, copied)
	return nil
}

func (s *deliveryStore) UpdateDeliveryOutcome(ctx context.Context, deliveryID, action, reason, deploymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryID]
	if !ok {
		return repository.ErrNotFound
	}
	d.Action = action
	d.Reason = reason
	d.DeploymentID = deploymentID
	return nil
}

func (s *deliveryStore) GetDelivery(ctx context.Context, deliveryID string) (*domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *d
	return &copied, nil
}

type orchestratorStub struct {
	mu       sync.Mutex
	created  []orchestrator.CreateRequest
	started  int
	current  *domain.Deployment
	createFn func(orchestrator.CreateRequest) (*domain.Deployment, error)
}

func (o *orchestratorStub) Create(ctx context.Context, req orchestrator.CreateRequest) (*domain.Deployment, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.createFn != nil {
		return o.createFn(req)
	}
	o.created = append(o.created, req)
	return &domain.Deployment{
		ID:         "deploy-20250901-120000",
		Repository: req.Repository,
		Branch:     req.Branch,
		CommitSHA:  req.CommitSHA,
		State:      domain.StateQueued,
	}, nil
}

func (o *orchestratorStub) StartAsync(d *domain.Deployment) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *orchestratorStub) CurrentStatus(ctx context.Context) (*domain.Deployment, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGateway(store *deliveryStore, orch *orchestratorStub, busyPolicy string) *Service {
	return New(store, orch, audit.New(nil, testLogger()), testLogger(), testSecret,
		[]string{"festion/home-assistant-config"}, "main", busyPolicy)
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushRequest(deliveryID string, body []byte) Request {
	return Request{
		EventType:  "push",
		DeliveryID: deliveryID,
		Signature:  sign(body),
		Body:       body,
	}
}

const mainPush = `{
	"ref": "refs/heads/main",
	"after": "689a045f2c3e8d1b",
	"repository": {"full_name": "festion/home-assistant-config"},
	"pusher": {"name": "festion"}
}`

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

func TestMissingSignatureRejected(t *testing.T) {
	svc := newGateway(newDeliveryStore(), &orchestratorStub{}, pkgconfig.BusyPolicyQueue)
	_, err := svc.Handle(context.Background(), Request{
		EventType:  "push",
		DeliveryID: "d-1",
		Body:       []byte(mainPush),
	})
	assertCode(t, err, domain.CodeMissingWebhookSignature)
}

func TestInvalidSignatureRejected(t *testing.T) {
	svc := newGateway(newDeliveryStore(), &orchestratorStub{}, pkgconfig.BusyPolicyQueue)
	req := pushRequest("d-1", []byte(mainPush))
	req.Signature = "sha256=" + hex.EncodeToString(make([]byte, 32))
	_, err := svc.Handle(context.Background(), req)
	assertCode(t, err, domain.CodeInvalidWebhookSignature)
}

func TestMalformedPayloadRejected(t *testing.T) {
	svc := newGateway(newDeliveryStore(), &orchestratorStub{}, pkgconfig.BusyPolicyQueue)
	body := []byte(`{"not": "a push"}`)
	_, err := svc.Handle(context.Background(), pushRequest("d-1", body))
	assertCode(t, err, domain.CodeInvalidWebhookPayload)
}

type auditLog struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *auditLog) AppendAudit(ctx context.Context, e *domain.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, *e)
	return nil
}

func (a *auditLog) ListAudit(ctx context.Context, limit, offset int) ([]domain.AuditEvent, error) {
	return nil, nil
}

func TestMalformedPayloadWritesAudit(t *testing.T) {
	audits := &auditLog{}
	svc := New(newDeliveryStore(), &orchestratorStub{}, audit.New(audits, testLogger()), testLogger(),
		testSecret, []string{"festion/home-assistant-config"}, "main", pkgconfig.BusyPolicyQueue)

	_, err := svc.Handle(context.Background(), pushRequest("d-1", []byte(`{"not": "a push"}`)))
	assertCode(t, err, domain.CodeInvalidWebhookPayload)

	audits.mu.Lock()
	defer audits.mu.Unlock()
	if len(audits.events) != 1 {
		t.Fatalf("expected one audit event, got %d", len(audits.events))
	}
	if audits.events[0].Type != domain.AuditWebhookProcessed || audits.events[0].Severity != domain.SeverityWarning {
		t.Fatalf("unexpected audit event: %+v", audits.events[0])
	}
}

func TestClaimStampsProcessingState(t *testing.T) {
	store := newDeliveryStore()
	svc := newGateway(store, &orchestratorStub{}, pkgconfig.BusyPolicyQueue)

	if _, err := svc.Handle(context.Background(), pushRequest("d-1", []byte(mainPush))); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	store.mu.Lock()
	claimed := store.claims[0]
	stored := *store.deliveries["d-1"]
	store.mu.Unlock()
	if claimed.Action != ActionProcessing {
		t.Fatalf("claimed action %q, want %q", claimed.Action, ActionProcessing)
	}
	if claimed.ProcessedAt.IsZero() || stored.ProcessedAt.IsZero() {
		t.Fatal("delivery persisted without a processed timestamp")
	}
	if stored.Action != ActionTriggered {
		t.Fatalf("final action %q, want %q", stored.Action, ActionTriggered)
	}
}

func TestMainPushTriggersDeployment(t *testing.T) {
	orch := &orchestratorStub{}
	svc := newGateway(newDeliveryStore(), orch, pkgconfig.BusyPolicyQueue)

	res, err := svc.Handle(context.Background(), pushRequest("d-1", []byte(mainPush)))
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !res.Processed || res.Action != ActionTriggered {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.DeploymentID == "" {
		t.Fatal("expected a deployment id")
	}
	if len(orch.created) != 1 {
		t.Fatalf("expected one create, got %d", len(orch.created))
	}
	created := orch.created[0]
	if created.Repository != "festion/home-assistant-config" || created.Branch != "main" ||
		created.CommitSHA != "689a045f2c3e8d1b" || created.Source != "webhook" {
		t.Fatalf("unexpected create request: %+v", created)
	}
	if orch.started != 1 {
		t.Fatalf("expected execution to start once, started %d", orch.started)
	}
}

func TestNonMainBranchIgnored(t *testing.T) {
	orch := &orchestratorStub{}
	svc := newGateway(newDeliveryStore(), orch, pkgconfig.BusyPolicyQueue)
	body := []byte(`{
		"ref": "refs/heads/feature-x",
		"after": "abc123",
		"repository": {"full_name": "festion/home-assistant-config"}
	}`)

	res, err := svc.Handle(context.Background(), pushRequest("d-1", body))
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if res.Action != ActionIgnored || res.Reason != "Non-main branch push" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(orch.created) != 0 {
		t.Fatalf("filtered event must not create deployments, created %d", len(orch.created))
	}
}

func TestUnlistedRepositoryIgnored(t *testing.T) {
	orch := &orchestratorStub{}
	svc := newGateway(newDeliveryStore(), orch, pkgconfig.BusyPolicyQueue)
	body := []byte(`{
		"ref": "refs/heads/main",
		"after": "abc123",
		"repository": {"full_name": "someone-else/repo"}
	}`)

	res, err := svc.Handle(context.Background(), pushRequest("d-1", body))
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if res.Action != ActionIgnored || res.Reason != "repository not authorized" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestReplayReturnsRecordedOutcome(t *testing.T) {
	orch := &orchestratorStub{}
	store := newDeliveryStore()
	svc := newGateway(store, orch, pkgconfig.BusyPolicyQueue)
	req := pushRequest("d-1", []byte(mainPush))

	first, err := svc.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if first.Action != ActionTriggered {
		t.Fatalf("unexpected first action: %q", first.Action)
	}

	second, err := svc.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if second.Action != ActionAlreadyProcessed {
		t.Fatalf("expected already_processed, got %q", second.Action)
	}
	if second.DeploymentID != first.DeploymentID {
		t.Fatalf("replay must return the original deployment id, got %q", second.DeploymentID)
	}
	if len(orch.created) != 1 {
		t.Fatalf("replay must not create a second deployment, created %d", len(orch.created))
	}
}

func TestBusyQueuePolicy(t *testing.T) {
	orch := &orchestratorStub{current: &domain.Deployment{
		ID:    "deploy-20250901-110000",
		State: domain.StateInProgress,
	}}
	svc := newGateway(newDeliveryStore(), orch, pkgconfig.BusyPolicyQueue)

	res, err := svc.Handle(context.Background(), pushRequest("d-1", []byte(mainPush)))
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if res.Action != ActionQueued {
		t.Fatalf("expected queued, got %q", res.Action)
	}
	if len(orch.created) != 0 {
		t.Fatalf("busy gateway must not create deployments, created %d", len(orch.created))
	}
}

func TestBusyRejectPolicy(t *testing.T) {
	orch := &orchestratorStub{current: &domain.Deployment{
		ID:    "deploy-20250901-110000",
		State: domain.StateQueued,
	}}
	svc := newGateway(newDeliveryStore(), orch, pkgconfig.BusyPolicyReject)

	res, err := svc.Handle(context.Background(), pushRequest("d-1", []byte(mainPush)))
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if res.Action != ActionRejected {
		t.Fatalf("expected rejected, got %q", res.Action)
	}
}

func TestPullRequestActionFiltered(t *testing.T) {
	orch := &orchestratorStub{}
	svc := newGateway(newDeliveryStore(), orch, pkgconfig.BusyPolicyQueue)
	body := []byte(`{
		"action": "closed",
		"pull_request": {"head": {"sha": "abc"}, "base": {"ref": "main"}},
		"repository": {"full_name": "festion/home-assistant-config"}
	}`)

	res, err := svc.Handle(context.Background(), Request{
		EventType:  "pull_request",
		DeliveryID: "d-1",
		Signature:  sign(body),
		Body:       body,
	})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if res.Action != ActionIgnored {
		t.Fatalf("expected ignored, got %q", res.Action)
	}
	if len(orch.created) != 0 {
		t.Fatalf("filtered PR must not create deployments, created %d", len(orch.created))
	}
}

func TestPullRequestOpenedAgainstMainTriggers(t *testing.T) {
	orch := &orchestratorStub{}
	svc := newGateway(newDeliveryStore(), orch, pkgconfig.BusyPolicyQueue)
	body := []byte(`{
		"action": "opened",
		"pull_request": {"head": {"sha": "abc123"}, "base": {"ref": "main"}},
		"repository": {"full_name": "festion/home-assistant-config"}
	}`)

	res, err := svc.Handle(context.Background(), Request{
		EventType:  "pull_request",
		DeliveryID: "d-1",
		Signature:  sign(body),
		Body:       body,
	})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if res.Action != ActionTriggered {
		t.Fatalf("expected deployment_triggered, got %q (%s)", res.Action, res.Reason)
	}
}

func TestUnknownEventTypeIgnored(t *testing.T) {
	orch := &orchestratorStub{}
	svc := newGateway(newDeliveryStore(), orch, pkgconfig.BusyPolicyQueue)
	body := []byte(`{"repository": {"full_name": "festion/home-assistant-config"}}`)

	res, err := svc.Handle(context.Background(), Request{
		EventType:  "ping",
		DeliveryID: "d-1",
		Signature:  sign(body),
		Body:       body,
	})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if res.Action != ActionIgnored {
		t.Fatalf("expected ignored, got %q", res.Action)
	}
}
