package domain

// Stable API error codes.
const (
	CodeValidation              = "VALIDATION_ERROR"
	CodeUnauthorized            = "UNAUTHORIZED"
	CodeForbidden               = "FORBIDDEN"
	CodeDeploymentInProgress    = "DEPLOYMENT_IN_PROGRESS"
	CodeRepositoryAccess        = "REPOSITORY_ACCESS_ERROR"
	CodeDeploymentNotFound      = "DEPLOYMENT_NOT_FOUND"
	CodeNoActiveDeployment      = "NO_ACTIVE_DEPLOYMENT"
	CodeNotCancellable          = "DEPLOYMENT_NOT_CANCELLABLE"
	CodeInvalidRollbackTarget   = "INVALID_ROLLBACK_TARGET"
	CodeMissingWebhookSignature = "MISSING_WEBHOOK_SIGNATURE"
	CodeInvalidWebhookSignature = "INVALID_WEBHOOK_SIGNATURE"
	CodeInvalidWebhookPayload   = "INVALID_WEBHOOK_PAYLOAD"
	CodeInternal                = "INTERNAL_ERROR"
)

// Error couples a stable machine-readable code with a human-readable message.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// E constructs a coded error.
func E(code, message string) *Error {
	return &Error{Code: code, Message: message}
}
