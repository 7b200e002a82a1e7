package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/festion/homelab-gitops-auditor-sub007/internal/domain"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/service/audit"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/service/orchestrator"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/service/rollback"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/service/webhook"
	"github.com/festion/homelab-gitops-auditor-sub007/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	webhook   *webhook.Service
	orch      *orchestrator.Service
	rollback  *rollback.Service
	audits    audit.Service
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	jwtSecret string
	dbHealth  func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWebhook   = 120
	rateLimitRead      = 120
	rateLimitWrite     = 60
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	maxWebhookBody     = 1 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(
	logger *slog.Logger,
	webhookSvc *webhook.Service,
	orch *orchestrator.Service,
	rollbackSvc *rollback.Service,
	auditSvc audit.Service,
	hub *ws.Hub,
	limiter RateLimiter,
	jwtSecret string,
	dbHealth func(context.Context) error,
) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		webhook:  webhookSvc,
		orch:     orch,
		rollback: rollbackSvc,
		audits:   auditSvc,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		jwtSecret: jwtSecret,
		dbHealth:  dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.observe(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/webhook/github", r.observe(r.withRateLimit("/webhook/github", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleWebhook)))
	r.mux.HandleFunc("/deploy", r.observe(r.handlerRoleRate("/deploy", RoleWrite, rateLimitWrite, rateWindowDefault, r.handleDeploy)))
	r.mux.HandleFunc("/status", r.observe(r.handlerRoleRate("/status", RoleRead, rateLimitRead, rateWindowDefault, r.handleStatus)))
	r.mux.HandleFunc("/history", r.observe(r.handlerRoleRate("/history", RoleRead, rateLimitRead, rateWindowDefault, r.handleHistory)))
	r.mux.HandleFunc("/deployments/", r.observe(r.handlerRoleRate("/deployments/", RoleRead, rateLimitRead, rateWindowDefault, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/rollback", r.observe(r.handlerRoleRate("/rollback", RoleWrite, rateLimitWrite, rateWindowDefault, r.handleRollback)))
	r.mux.HandleFunc("/cancel", r.observe(r.handlerRoleRate("/cancel", RoleWrite, rateLimitWrite, rateWindowDefault, r.handleCancel)))
	r.mux.HandleFunc("/ws/events", r.observe(r.handlerRoleRate("/ws/events", RoleRead, rateLimitWebsocket, rateWindowRealtime, r.handleEventsWS)))
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidWebhookPayload, "failed to read request body")
		return
	}
	result, err := r.webhook.Handle(req.Context(), webhook.Request{
		EventType:  req.Header.Get("X-GitHub-Event"),
		DeliveryID: req.Header.Get("X-GitHub-Delivery"),
		Signature:  req.Header.Get("X-Hub-Signature-256"),
		Body:       body,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Repository string         `json:"repository"`
		Branch     string         `json:"branch"`
		CommitSHA  string         `json:"commitSha"`
		Metadata   map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "invalid JSON body")
		return
	}
	d, err := r.orch.Create(req.Context(), orchestrator.CreateRequest{
		Repository: payload.Repository,
		Branch:     payload.Branch,
		CommitSHA:  payload.CommitSHA,
		Source:     "api",
		Actor:      r.actor(req),
		Metadata:   payload.Metadata,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	r.orch.StartAsync(d)
	writeData(w, http.StatusCreated, d)
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	current, err := r.orch.CurrentStatus(req.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	// data is null when no deployment is active
	writeData(w, http.StatusOK, current)
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	filter := domain.HistoryFilter{Status: req.URL.Query().Get("status")}
	filter.Limit, _ = strconv.Atoi(req.URL.Query().Get("limit"))
	filter.Offset, _ = strconv.Atoi(req.URL.Query().Get("offset"))
	if since := req.URL.Query().Get("since"); since != "" {
		parsed, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, domain.CodeValidation, "since must be RFC3339")
			return
		}
		filter.Since = &parsed
	}
	page, err := r.orch.History(req.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, page)
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/deployments/")
	if trimmed == "" {
		r.notFound(w)
		return
	}
	parts := strings.Split(trimmed, "/")
	id := parts[0]
	switch {
	case len(parts) == 1:
		switch req.Method {
		case http.MethodGet:
			r.handleGetDeployment(w, req, id)
		case http.MethodDelete:
			r.handleDeleteDeployment(w, req, id)
		default:
			r.methodNotAllowed(w)
		}
	case len(parts) == 2 && parts[1] == "history":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		entries, err := r.orch.StatusHistory(req.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeData(w, http.StatusOK, entries)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request, id string) {
	d, err := r.orch.Get(req.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, d)
}

func (r *Router) handleDeleteDeployment(w http.ResponseWriter, req *http.Request, id string) {
	info, _ := authInfoFromContext(req.Context())
	if !roleAllows(info.Role, RoleAdmin) {
		r.auditAuthRejected(req.Context(), info.Subject, req.URL.Path)
		writeError(w, http.StatusForbidden, domain.CodeForbidden, "admin role required")
		return
	}
	if err := r.orch.Delete(req.Context(), id, info.Subject); err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"deploymentId": id, "deleted": "true"})
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		DeploymentID string `json:"deploymentId"`
		Reason       string `json:"reason"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "invalid JSON body")
		return
	}
	rb, err := r.rollback.Create(req.Context(), payload.DeploymentID, payload.Reason, r.actor(req))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusCreated, rb)
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	d, err := r.orch.Cancel(req.Context(), r.actor(req))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, d)
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for events websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, domain.CodeInternal, "authorization context missing")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(client)
	go func() {
		defer func() {
			r.hub.Unregister(client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSONRaw(w, code, payload)
}

// writeJSONRaw bypasses the envelope for infrastructure endpoints.
func writeJSONRaw(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// observe wraps a handler with request logging and metrics.
func (r *Router) observe(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = info.Subject
			fields = append(fields, "subject", info.Subject, "role", info.Role)
		} else if strings.HasPrefix(req.URL.Path, "/webhook/") {
			actor = "webhook"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

// routeLabel collapses id-bearing paths to keep metric cardinality bounded.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/deployments/") {
		if strings.HasSuffix(path, "/history") {
			return "/deployments/{id}/history"
		}
		return "/deployments/{id}"
	}
	return path
}

func (r *Router) auditAuthRejected(ctx context.Context, subject, path string) {
	r.audits.Record(ctx, audit.Entry{
		Type:     domain.AuditAuthRejected,
		Severity: domain.SeverityWarning,
		Actor:    subject,
		Action:   "authorization rejected",
		Resource: path,
	})
}

func (r *Router) actor(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok {
		return info.Subject
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, domain.CodeValidation, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, domain.CodeDeploymentNotFound, "not found")
}
