package matrix

import (
	"errors"
	"fmt"
	"time"
)

// MatrixError is the structured error body returned by the homeserver.
// Extract it with errors.As or test the code with IsMatrixError.
type MatrixError struct {
	Code         string `json:"errcode"`
	Message      string `json:"error"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	StatusCode   int    `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// RetryAfter is the server-requested delay for M_LIMIT_EXCEEDED, or zero.
func (e *MatrixError) RetryAfter() time.Duration {
	if e == nil || e.RetryAfterMS <= 0 {
		return 0
	}
	return time.Duration(e.RetryAfterMS) * time.Millisecond
}

// Standard Matrix error codes the bot reacts to.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnknown       = "M_UNKNOWN"
)

// IsMatrixError checks whether err is a *MatrixError with the given code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}
