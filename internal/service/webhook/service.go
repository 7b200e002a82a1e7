package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/festion/homelab-gitops-auditor-sub007/internal/domain"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/repository"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/service/audit"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/service/orchestrator"
	pkgconfig "github.com/festion/homelab-gitops-auditor-sub007/pkg/config"
)

const signaturePrefix = "sha256="

// Outcome actions recorded in the delivery ledger. A delivery is claimed as
// ActionProcessing and resolved to one of the terminal actions.
const (
	ActionProcessing       = "processing"
	ActionTriggered        = "deployment_triggered"
	ActionIgnored          = "ignored"
	ActionAlreadyProcessed = "already_processed"
	ActionQueued           = "queued"
	ActionRejected         = "rejected"
)

// Orchestrator is the slice of the deployment orchestrator the gateway uses.
type Orchestrator interface {
	Create(ctx context.Context, req orchestrator.CreateRequest) (*domain.Deployment, error)
	StartAsync(d *domain.Deployment)
	CurrentStatus(ctx context.Context) (*domain.Deployment, error)
}

// Request is one inbound webhook delivery: the raw body plus the provider
// headers the gateway verifies against.
type Request struct {
	EventType  string
	DeliveryID string
	Signature  string
	Body       []byte
}

// Result is the gateway's answer for one delivery.
type Result struct {
	Processed    bool   `json:"processed"`
	Action       string `json:"action"`
	Reason       string `json:"reason,omitempty"`
	DeploymentID string `json:"deploymentId,omitempty"`
}

// Service verifies, deduplicates, and filters webhook deliveries, triggering
// deployments for qualifying pushes to the tracked branch.
type Service struct {
	deliveries   repository.WebhookDeliveryRepository
	orch         Orchestrator
	audit        audit.Service
	logger       *slog.Logger
	secret       []byte
	allowedRepos []string
	branch       string
	busyPolicy   string
	prActions    map[string]bool
}

// New constructs the webhook gateway.
func New(
	deliveries repository.WebhookDeliveryRepository,
	orch Orchestrator,
	auditSvc audit.Service,
	logger *slog.Logger,
	secret string,
	allowedRepos []string,
	trackedBranch string,
	busyPolicy string,
) *Service {
	return &Service{
		deliveries:   deliveries,
		orch:         orch,
		audit:        auditSvc,
		logger:       logger,
		secret:       []byte(secret),
		allowedRepos: allowedRepos,
		branch:       trackedBranch,
		busyPolicy:   busyPolicy,
		prActions:    map[string]bool{"opened": true, "synchronize": true},
	}
}

// pushPayload is the subset of a push event the gateway inspects.
type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

// prPayload is the subset of a pull_request event the gateway inspects.
type prPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		Head struct {
			SHA string `json:"sha"`
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Handle processes one delivery. Signature and payload problems return a
// domain error; every other outcome, including filtered events, is a
// successful Result.
func (s *Service) Handle(ctx context.Context, req Request) (*Result, error) {
	if err := s.verifySignature(req.Signature, req.Body); err != nil {
		s.audit.Record(ctx, audit.Entry{
			Type:     domain.AuditWebhookProcessed,
			Severity: domain.SeverityWarning,
			Action:   "webhook rejected",
			Resource: req.DeliveryID,
			Details:  map[string]any{"error": errMessage(err)},
		})
		return nil, err
	}

	repo, branch, commitSHA, reason, err := s.parse(req)
	if err != nil {
		s.audit.Record(ctx, audit.Entry{
			Type:     domain.AuditWebhookProcessed,
			Severity: domain.SeverityWarning,
			Action:   "webhook rejected",
			Resource: req.DeliveryID,
			Details:  map[string]any{"error": errMessage(err)},
		})
		return nil, err
	}

	if req.DeliveryID != "" {
		claimErr := s.deliveries.ClaimDelivery(ctx, &domain.WebhookDelivery{
			DeliveryID:  req.DeliveryID,
			EventType:   req.EventType,
			Action:      ActionProcessing,
			ProcessedAt: time.Now().UTC(),
		})
		if claimErr != nil {
			if errors.Is(claimErr, repository.ErrDuplicate) {
				return s.replay(ctx, req.DeliveryID)
			}
			return nil, claimErr
		}
	}

	// filters decided during parse (event type, PR action, base branch)
	if reason == "" {
		reason = s.filter(repo, branch)
	}
	if reason != "" {
		return s.finish(ctx, req, &Result{Action: ActionIgnored, Reason: reason}, repo, branch, commitSHA)
	}

	if current, err := s.orch.CurrentStatus(ctx); err != nil {
		return nil, err
	} else if current != nil {
		return s.busy(ctx, req, current, repo, branch, commitSHA)
	}

	d, err := s.orch.Create(ctx, orchestrator.CreateRequest{
		Repository: repo,
		Branch:     branch,
		CommitSHA:  commitSHA,
		Source:     "webhook",
		Actor:      "webhook:" + req.DeliveryID,
		Metadata: map[string]any{
			"deliveryId": req.DeliveryID,
			"eventType":  req.EventType,
		},
	})
	if err != nil {
		var derr *domain.Error
		if errors.As(err, &derr) && derr.Code == domain.CodeDeploymentInProgress {
			// lost the race to a concurrent create
			return s.busy(ctx, req, nil, repo, branch, commitSHA)
		}
		return nil, err
	}
	s.orch.StartAsync(d)
	return s.finish(ctx, req,
		&Result{Processed: true, Action: ActionTriggered, DeploymentID: d.ID},
		repo, branch, commitSHA)
}

// replay answers a duplicate delivery with its recorded outcome.
func (s *Service) replay(ctx context.Context, deliveryID string) (*Result, error) {
	prev, err := s.deliveries.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("duplicate webhook delivery", "delivery_id", deliveryID, "original_action", prev.Action)
	return &Result{
		Action:       ActionAlreadyProcessed,
		Reason:       fmt.Sprintf("delivery already processed with action %q", prev.Action),
		DeploymentID: prev.DeploymentID,
	}, nil
}

// busy applies the configured policy when a deployment is already active.
func (s *Service) busy(ctx context.Context, req Request, current *domain.Deployment, repo, branch, commitSHA string) (*Result, error) {
	activeID := ""
	if current != nil {
		activeID = current.ID
	}
	action := ActionRejected
	if s.busyPolicy == pkgconfig.BusyPolicyQueue {
		action = ActionQueued
	}
	res := &Result{
		Action: action,
		Reason: "a deployment is already active",
	}
	if activeID != "" {
		res.Reason = fmt.Sprintf("deployment %s is already active", activeID)
	}
	return s.finish(ctx, req, res, repo, branch, commitSHA)
}

// finish records the outcome in the delivery ledger and the audit trail.
func (s *Service) finish(ctx context.Context, req Request, res *Result, repo, branch, commitSHA string) (*Result, error) {
	if req.DeliveryID != "" {
		if err := s.deliveries.UpdateDeliveryOutcome(ctx, req.DeliveryID, res.Action, res.Reason, res.DeploymentID); err != nil {
			s.logger.Error("failed to record delivery outcome", "delivery_id", req.DeliveryID, "error", err)
		}
	}
	severity := ""
	if !res.Processed {
		severity = domain.SeverityInfo
	}
	s.audit.Record(ctx, audit.Entry{
		Type:     domain.AuditWebhookProcessed,
		Severity: severity,
		Actor:    "webhook:" + req.DeliveryID,
		Action:   res.Action,
		Resource: req.DeliveryID,
		Details: map[string]any{
			"repository":   repo,
			"branch":       branch,
			"commitSha":    commitSHA,
			"eventType":    req.EventType,
			"reason":       res.Reason,
			"deploymentId": res.DeploymentID,
		},
	})
	return res, nil
}

func (s *Service) verifySignature(signature string, body []byte) error {
	if len(s.secret) == 0 {
		return domain.E(domain.CodeInternal, "webhook secret is not configured")
	}
	if signature == "" {
		return domain.E(domain.CodeMissingWebhookSignature, "X-Hub-Signature-256 header is required")
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
		return domain.E(domain.CodeInvalidWebhookSignature, "signature must use sha256")
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return domain.E(domain.CodeInvalidWebhookSignature, "signature is not valid hex")
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return domain.E(domain.CodeInvalidWebhookSignature, "signature verification failed")
	}
	return nil
}

// parse extracts repository, branch, and commit from the payload. A non-empty
// reason marks an event filtered by type-specific rules.
func (s *Service) parse(req Request) (repo, branch, commitSHA, reason string, err error) {
	switch req.EventType {
	case "push":
		var p pushPayload
		if uerr := json.Unmarshal(req.Body, &p); uerr != nil || p.Repository.FullName == "" || p.Ref == "" {
			return "", "", "", "", domain.E(domain.CodeInvalidWebhookPayload, "malformed push payload")
		}
		return p.Repository.FullName, strings.TrimPrefix(p.Ref, "refs/heads/"), p.After, "", nil
	case "pull_request":
		var p prPayload
		if uerr := json.Unmarshal(req.Body, &p); uerr != nil || p.Repository.FullName == "" || p.Action == "" {
			return "", "", "", "", domain.E(domain.CodeInvalidWebhookPayload, "malformed pull_request payload")
		}
		if !s.prActions[p.Action] {
			return p.Repository.FullName, p.PullRequest.Base.Ref, p.PullRequest.Head.SHA,
				fmt.Sprintf("Pull request action %q is not deployable", p.Action), nil
		}
		if p.PullRequest.Base.Ref != s.branch {
			return p.Repository.FullName, p.PullRequest.Base.Ref, p.PullRequest.Head.SHA,
				fmt.Sprintf("Pull request does not target %s", s.branch), nil
		}
		return p.Repository.FullName, p.PullRequest.Base.Ref, p.PullRequest.Head.SHA, "", nil
	default:
		var meta struct {
			Repository struct {
				FullName string `json:"full_name"`
			} `json:"repository"`
		}
		_ = json.Unmarshal(req.Body, &meta)
		return meta.Repository.FullName, "", "",
			fmt.Sprintf("Event type %q is not handled", req.EventType), nil
	}
}

// filter applies the ordered policy shared by all event types.
func (s *Service) filter(repo, branch string) string {
	if !s.repoAllowed(repo) {
		return "repository not authorized"
	}
	if branch != s.branch {
		return fmt.Sprintf("Non-%s branch push", s.branch)
	}
	return ""
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

func errMessage(err error) string {
	var derr *domain.Error
	if errors.As(err, &derr) {
		return derr.Message
	}
	return err.Error()
}
