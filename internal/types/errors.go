package types

import "fmt"

const (
	CodeValidation         = "VALIDATION"
	CodeNotFound           = "NOT_FOUND"
	CodeBusy               = "BUSY"
	CodeBrowserUnavailable = "BROWSER_UNAVAILABLE"
	CodeNavProxy           = "NAV_PROXY"
	CodeNavTimeout         = "NAV_TIMEOUT"
	CodeNavRateLimited     = "NAV_RATE_LIMITED"
	CodeNavFailed          = "NAV_FAILED"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError builds a CodedError.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}
