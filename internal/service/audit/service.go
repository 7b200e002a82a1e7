package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/festion/homelab-gitops-auditor-sub007/internal/domain"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/repository"
)

// Service writes the audit trail. Recording never fails the caller: a failed
// append is logged and dropped so an audit outage cannot take deployments
// down with it.
type Service struct {
	repo   repository.AuditRepository
	logger *slog.Logger
}

// New constructs an audit service.
func New(repo repository.AuditRepository, logger *slog.Logger) Service {
	return Service{repo: repo, logger: logger}
}

// Entry is the caller-facing shape of one audit record.
type Entry struct {
	Type     string
	Severity string
	Actor    string
	Action   string
	Resource string
	Details  map[string]any
}

// Record appends an audit event.
func (s Service) Record(ctx context.Context, entry Entry) {
	if s.repo == nil {
		return
	}
	severity := entry.Severity
	if severity == "" {
		severity = domain.SeverityInfo
	}
	actor := entry.Actor
	if actor == "" {
		actor = "system"
	}
	var details json.RawMessage
	if len(entry.Details) > 0 {
		details, _ = json.Marshal(entry.Details)
	}
	event := &domain.AuditEvent{
		ID:         uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Type:       entry.Type,
		Severity:   severity,
		Actor:      actor,
		Action:     entry.Action,
		Resource:   entry.Resource,
		Details:    details,
	}
	if err := s.repo.AppendAudit(ctx, event); err != nil {
		s.logger.Error("audit append failed", "type", entry.Type, "action", entry.Action, "error", err)
	}
}

// List returns recent audit events, newest first.
func (s Service) List(ctx context.Context, limit, offset int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListAudit(ctx, limit, offset)
}
