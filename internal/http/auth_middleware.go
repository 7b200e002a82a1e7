package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/festion/homelab-gitops-auditor-sub007/internal/domain"
	"github.com/festion/homelab-gitops-auditor-sub007/pkg/jwt"
)

// Roles accepted by the API. Admin implies write, write implies read.
const (
	RoleRead  = "deployment:read"
	RoleWrite = "deployment:write"
	RoleAdmin = "admin"
)

type authContextKey string

type authInfo struct {
	Subject string
	Role    string
}

const contextKeyAuth authContextKey = "deployd-auth-info"

type contextSetter interface {
	SetContext(context.Context)
}

// requireRole ensures the request carries a valid bearer token whose role
// covers the required one before invoking the handler.
func (r *Router) requireRole(required string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, info, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if !roleAllows(info.Role, required) {
			r.logger.Warn("insufficient role", "subject", info.Subject,
				"role", info.Role, "required", required, "path", req.URL.Path)
			r.auditAuthRejected(ctx, info.Subject, req.URL.Path)
			writeError(w, http.StatusForbidden, domain.CodeForbidden, "insufficient role")
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth validates the Authorization header and enriches the context.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, authInfo, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "authentication required")
		return req.Context(), authInfo{}, false
	}
	claims, err := jwt.Parse(token, r.jwtSecret)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "authentication failed")
		return req.Context(), authInfo{}, false
	}
	info := authInfo{Subject: claims.Subject, Role: claims.Role}
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	return ctx, info, true
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func roleAllows(have, required string) bool {
	switch have {
	case RoleAdmin:
		return true
	case RoleWrite:
		return required == RoleWrite || required == RoleRead
	case RoleRead:
		return required == RoleRead
	default:
		return false
	}
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
