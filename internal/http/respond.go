package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/festion/homelab-gitops-auditor-sub007/internal/domain"
)

// writeData writes a success envelope with status code.
func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "success",
		"data":   data,
	})
}

// writeError writes an error envelope with a stable code.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "error",
		"error":  map[string]string{"code": code, "message": message},
	})
}

// writeServiceError maps a coded domain error onto the HTTP status space.
// Unrecognized errors are reported as internal without leaking detail.
func writeServiceError(w http.ResponseWriter, err error) {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		writeError(w, http.StatusInternalServerError, domain.CodeInternal, "internal error")
		return
	}
	writeError(w, statusFor(derr.Code), derr.Code, derr.Message)
}

func statusFor(code string) int {
	switch code {
	case domain.CodeValidation, domain.CodeInvalidWebhookPayload:
		return http.StatusBadRequest
	case domain.CodeUnauthorized, domain.CodeMissingWebhookSignature, domain.CodeInvalidWebhookSignature:
		return http.StatusUnauthorized
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeDeploymentNotFound, domain.CodeNoActiveDeployment:
		return http.StatusNotFound
	case domain.CodeDeploymentInProgress:
		return http.StatusConflict
	case domain.CodeRepositoryAccess, domain.CodeInvalidRollbackTarget, domain.CodeNotCancellable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
