package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestAPIError(t *testing.T) {
	tests := []struct {
		name      string
		code      ErrorCategory
		message   string
		details   string
		requestID string
	}{
		{
			name:      "Validation error",
			code:      CategoryValidation,
			message:   "The submitted data failed validation",
			details:   "heartRate out of range",
			requestID: "req-123",
		},
		{
			name:      "Storage error",
			code:      CategoryStorage,
			message:   "The reading could not be stored; please retry",
			requestID: "req-456",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewAPIError(tt.code, tt.message, tt.details, tt.requestID)

			if err.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, err.Code)
			}
			if err.Details != tt.details {
				t.Errorf("Expected details %s, got %s", tt.details, err.Details)
			}
			if err.RequestID != tt.requestID {
				t.Errorf("Expected requestID %s, got %s", tt.requestID, err.RequestID)
			}
			if time.Since(err.Timestamp) > time.Minute {
				t.Errorf("Timestamp should be recent, got %v", err.Timestamp)
			}

			expectedError := string(tt.code) + ": " + tt.message
			if err.Error() != expectedError {
				t.Errorf("Expected error string %s, got %s", expectedError, err.Error())
			}
		})
	}
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCategory
	}{
		{"nil", nil, ""},
		{"validation", NewValidationFailure("heartRate", ReasonOutOfRange, "too high", 260.0), CategoryValidation},
		{"wrapped validation", fmt.Errorf("submitting: %w", &ValidationFailure{Duplicate: true}), CategoryValidation},
		{"malformed", fmt.Errorf("decoding: %w", ErrMalformedInput), CategoryValidation},
		{"patient not found", fmt.Errorf("loading: %w", ErrPatientNotFound), CategoryPatientNotFound},
		{"patient exists", ErrPatientExists, CategoryConflict},
		{"storage", &StorageFailure{Op: "append", Err: errors.New("disk full")}, CategoryStorage},
		{"scoring", &ScoringFailure{Reason: "timeout", Err: context.DeadlineExceeded}, CategoryScoring},
		{"clock", &ClockMisuse{Op: "tick", Reason: "stopped"}, CategoryClockMisuse},
		{"unknown", errors.New("boom"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategoryOf(tt.err); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestScoringFailureMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("assessing: %w", &ScoringFailure{Reason: "timeout", Err: context.DeadlineExceeded})
	if !errors.Is(err, ErrScoringUnavailable) {
		t.Error("Expected ScoringFailure to match ErrScoringUnavailable")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("Expected ScoringFailure to unwrap to its cause")
	}
}

func TestPatientNotFoundIsNotFound(t *testing.T) {
	if !errors.Is(ErrPatientNotFound, ErrNotFound) {
		t.Error("Expected ErrPatientNotFound to match ErrNotFound")
	}
}

func TestAPIErrorFromHidesInternalDetail(t *testing.T) {
	internal := &StorageFailure{Op: "append", Err: errors.New("pq: relation \"readings\" does not exist at 10.0.0.4")}
	apiErr := APIErrorFrom(internal, "req-1")

	if apiErr.Code != CategoryStorage {
		t.Fatalf("Expected %s, got %s", CategoryStorage, apiErr.Code)
	}
	if strings.Contains(apiErr.Message, "readings") || apiErr.Details != "" {
		t.Errorf("Expected no internal detail, got %q / %q", apiErr.Message, apiErr.Details)
	}
}

func TestAPIErrorFromKeepsViolations(t *testing.T) {
	vf := &ValidationFailure{Violations: []Violation{
		NewViolation("heartRate", ReasonOutOfRange, "heart rate must be between 30 and 200", 260.0),
	}}
	apiErr := APIErrorFrom(vf, "req-2")

	if len(apiErr.Violations) != 1 || apiErr.Violations[0].Field != "heartRate" {
		t.Errorf("Expected heartRate violation, got %+v", apiErr.Violations)
	}
}

func TestViolationError(t *testing.T) {
	v := NewViolation("diastolicBP", ReasonCrossField, "must be lower than systolic", 130.0)
	expected := "validation error for field 'diastolicBP': must be lower than systolic"
	if v.Error() != expected {
		t.Errorf("Expected error string %s, got %s", expected, v.Error())
	}
}

func TestValidationFailureHelpers(t *testing.T) {
	vf := &ValidationFailure{Violations: []Violation{
		NewViolation("heartRate", ReasonOutOfRange, "too high", 260.0),
	}}
	if !vf.HasField("heartRate") || vf.HasField("temperature") {
		t.Error("HasField returned the wrong answer")
	}
	if !strings.HasPrefix(vf.Error(), "validation failed") {
		t.Errorf("Unexpected error text %q", vf.Error())
	}
	vf.Duplicate = true
	if !strings.HasPrefix(vf.Error(), "duplicate reading") {
		t.Errorf("Unexpected error text %q", vf.Error())
	}
}
