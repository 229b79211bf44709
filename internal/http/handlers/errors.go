// Package handlers defines the HTTP-layer error codes used across all API
// endpoints. Codes are lowercase snake_case; generic codes mirror HTTP status
// semantics, domain-specific codes name the operation that failed.
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeControlFailed = "control_failed"
	ErrCodeListFailed    = "list_failed"
	ErrCodeApproveFailed = "approve_failed"
	ErrCodeBalanceFailed = "balance_failed"
)
