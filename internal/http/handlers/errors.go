package handlers

// Error codes of the admin API. Generic codes mirror HTTP status semantics;
// the rest name the failed operation.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	ErrCodeListFailed    = "list_failed"
	ErrCodeStatsFailed   = "stats_failed"
	ErrCodeAbandonFailed = "abandon_failed"
)
