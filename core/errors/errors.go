package errors

import (
	"errors"
	"net/http"
)

type Category string

const (
	CategoryInvalidInput     Category = "invalid_input"
	CategoryStateConflict    Category = "state_conflict"
	CategoryPolicyBlocked    Category = "policy_blocked"
	CategoryKillSwitchActive Category = "kill_switch_active"
	CategoryNotFound         Category = "not_found"
	CategoryIOFailure        Category = "io_failure"
	CategoryInternalFailure  Category = "internal_failure"
)

type classifiedError struct {
	category  Category
	code      string
	hint      string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Category() Category {
	return e.category
}

func (e *classifiedError) Code() string {
	return e.code
}

func (e *classifiedError) Hint() string {
	return e.hint
}

func (e *classifiedError) Retryable() bool {
	return e.retryable
}

// Wrap attaches a category to cause. The outermost classification wins when an
// already classified error is wrapped again.
func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		hint:      hint,
		retryable: retryable,
		cause:     cause,
	}
}

func classifiedOf(err error) (*classifiedError, bool) {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified, true
	}
	return nil, false
}

func CategoryOf(err error) Category {
	if classified, ok := classifiedOf(err); ok {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	if classified, ok := classifiedOf(err); ok {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	if classified, ok := classifiedOf(err); ok {
		return classified.hint
	}
	return ""
}

func RetryableOf(err error) bool {
	if classified, ok := classifiedOf(err); ok {
		return classified.retryable
	}
	return false
}

// HTTPStatus maps a classified error onto the transport status the API layer returns.
// Unclassified errors are treated as internal failures.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch CategoryOf(err) {
	case CategoryInvalidInput:
		return http.StatusBadRequest
	case CategoryStateConflict:
		return http.StatusConflict
	case CategoryPolicyBlocked, CategoryKillSwitchActive:
		return http.StatusForbidden
	case CategoryNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the error body written by the API and by CLI JSON output.
type Envelope struct {
	OK            bool   `json:"ok"`
	Error         string `json:"error"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorCategory string `json:"error_category,omitempty"`
	Retryable     bool   `json:"retryable"`
	Hint          string `json:"hint,omitempty"`
}

func EnvelopeOf(err error) Envelope {
	if err == nil {
		return Envelope{OK: true}
	}
	category := CategoryOf(err)
	if category == "" {
		category = CategoryInternalFailure
	}
	code := CodeOf(err)
	if code == "" {
		code = string(category)
	}
	return Envelope{
		Error:         err.Error(),
		ErrorCode:     code,
		ErrorCategory: string(category),
		Retryable:     RetryableOf(err),
		Hint:          HintOf(err),
	}
}
