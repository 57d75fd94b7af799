package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors shared by stores, the pipeline and the clock.
var (
	ErrNotFound           = errors.New("not found")
	ErrPatientNotFound    = fmt.Errorf("patient %w", ErrNotFound)
	ErrPatientExists      = errors.New("patient identifier already registered")
	ErrReadingOutOfOrder  = errors.New("reading captured before the latest stored reading")
	ErrAssessmentExists   = errors.New("reading already has an assessment")
	ErrScoringUnavailable = errors.New("scoring unavailable")
	ErrClockStopped       = errors.New("simulated clock is not running")
	ErrMalformedInput     = errors.New("malformed input")
)

// ErrorCategory is the caller-facing class of a failure.
type ErrorCategory string

const (
	CategoryValidation      ErrorCategory = "VALIDATION_FAILURE"
	CategoryPatientNotFound ErrorCategory = "PATIENT_NOT_FOUND"
	CategoryStorage         ErrorCategory = "STORAGE_FAILURE"
	CategoryScoring         ErrorCategory = "SCORING_UNAVAILABLE"
	CategoryClockMisuse     ErrorCategory = "CLOCK_MISUSE"
	CategoryConflict        ErrorCategory = "CONFLICT"
	CategoryInternal        ErrorCategory = "INTERNAL_ERROR"
)

// Violation reason codes.
const (
	ReasonRequired   = "REQUIRED"
	ReasonOutOfRange = "OUT_OF_RANGE"
	ReasonCrossField = "CROSS_FIELD"
	ReasonDuplicate  = "DUPLICATE"
	ReasonOutOfOrder = "OUT_OF_ORDER"
	ReasonInvalid    = "INVALID"
)

// Violation is a single field-level validation problem.
type Violation struct {
	Field   string      `json:"field"`
	Reason  string      `json:"reason"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (v *Violation) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", v.Field, v.Message)
}

// NewViolation creates a new Violation
func NewViolation(field, reason, message string, value interface{}) Violation {
	return Violation{Field: field, Reason: reason, Message: message, Value: value}
}

// ValidationFailure rejects a submission with one or more violations.
// Duplicate is set when the only problem is a repeat of the previous reading.
type ValidationFailure struct {
	Violations []Violation `json:"violations"`
	Duplicate  bool        `json:"duplicate"`
}

func (e *ValidationFailure) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Field, v.Reason))
	}
	if e.Duplicate {
		return "duplicate reading: " + strings.Join(parts, ", ")
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// HasField reports whether any violation names field.
func (e *ValidationFailure) HasField(field string) bool {
	for _, v := range e.Violations {
		if v.Field == field {
			return true
		}
	}
	return false
}

// NewValidationFailure is a convenience for a single violation.
func NewValidationFailure(field, reason, message string, value interface{}) *ValidationFailure {
	return &ValidationFailure{Violations: []Violation{NewViolation(field, reason, message, value)}}
}

// StorageFailure wraps an error from the time-series store.
type StorageFailure struct {
	Op  string
	Err error
}

func (e *StorageFailure) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageFailure) Unwrap() error { return e.Err }

// ScoringFailure carries the reason a score could not be produced.
// It always matches ErrScoringUnavailable under errors.Is.
type ScoringFailure struct {
	Reason string
	Err    error
}

func (e *ScoringFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scoring unavailable (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("scoring unavailable (%s)", e.Reason)
}

func (e *ScoringFailure) Is(target error) bool { return target == ErrScoringUnavailable }

func (e *ScoringFailure) Unwrap() error { return e.Err }

// ClockMisuse reports an operation the clock cannot perform in its state.
type ClockMisuse struct {
	Op     string
	Reason string
}

func (e *ClockMisuse) Error() string {
	return fmt.Sprintf("clock %s: %s", e.Op, e.Reason)
}

func (e *ClockMisuse) Is(target error) bool { return target == ErrClockStopped }

// CategoryOf classifies an error chain.
func CategoryOf(err error) ErrorCategory {
	var (
		vf *ValidationFailure
		sf *StorageFailure
		cm *ClockMisuse
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &vf), errors.Is(err, ErrMalformedInput):
		return CategoryValidation
	case errors.Is(err, ErrPatientNotFound):
		return CategoryPatientNotFound
	case errors.Is(err, ErrPatientExists):
		return CategoryConflict
	case errors.As(err, &cm):
		return CategoryClockMisuse
	case errors.Is(err, ErrScoringUnavailable):
		return CategoryScoring
	case errors.As(err, &sf):
		return CategoryStorage
	default:
		return CategoryInternal
	}
}

var safeMessages = map[ErrorCategory]string{
	CategoryValidation:      "The submitted data failed validation",
	CategoryPatientNotFound: "Patient not found",
	CategoryStorage:         "The reading could not be stored; please retry",
	CategoryScoring:         "Risk assessment is temporarily unavailable",
	CategoryClockMisuse:     "The simulated clock cannot perform that operation in its current state",
	CategoryConflict:        "The resource already exists",
	CategoryInternal:        "An internal error occurred",
}

// SafeMessage is the caller-facing text for a category. It never includes
// internal identifiers or error detail.
func SafeMessage(category ErrorCategory) string {
	if msg, ok := safeMessages[category]; ok {
		return msg
	}
	return safeMessages[CategoryInternal]
}

// APIError represents a standardized error response
type APIError struct {
	Code       ErrorCategory `json:"code"`
	Message    string        `json:"message"`
	Details    string        `json:"details,omitempty"`
	Violations []Violation   `json:"violations,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	RequestID  string        `json:"request_id"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAPIError creates a new APIError with timestamp
func NewAPIError(code ErrorCategory, message, details, requestID string) *APIError {
	return &APIError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// APIErrorFrom builds the caller-facing error for err. Validation and
// not-found errors keep their detail; everything else is reduced to the
// category's safe message.
func APIErrorFrom(err error, requestID string) *APIError {
	category := CategoryOf(err)
	apiErr := NewAPIError(category, SafeMessage(category), "", requestID)

	var vf *ValidationFailure
	if errors.As(err, &vf) {
		apiErr.Violations = vf.Violations
		if vf.Duplicate {
			apiErr.Details = "duplicate of the previous reading"
		}
	} else if category == CategoryValidation {
		apiErr.Details = err.Error()
	}
	return apiErr
}
