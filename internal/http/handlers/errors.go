// Package handlers defines HTTP-layer error codes used across all API
// endpoints. These symbolic constants are mapped to HTTP responses via the
// fail() helper and give clients a stable, machine-readable taxonomy that
// supplements human-readable messages.
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeSendFailed     = "send_failed"
	ErrCodeListFailed     = "list_failed"
	ErrCodeNotPending     = "not_pending"
	ErrCodeScheduleNeeded = "schedule_required"
)
