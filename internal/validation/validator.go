// Package validation decides whether a candidate reading may enter a
// patient's time series. It is a pure function of the candidate, the
// patient's previous reading and the clinical policy.
package validation

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/patient-risk-monitor/internal/domain"
)

// Field names used in violations and anomalies.
const (
	FieldHeartRate        = "heartRate"
	FieldSystolicBP       = "systolicBP"
	FieldDiastolicBP      = "diastolicBP"
	FieldRespiratoryRate  = "respiratoryRate"
	FieldOxygenSaturation = "oxygenSaturation"
	FieldTemperature      = "temperature"
	FieldCapturedAt       = "capturedAt"
	FieldPatientID        = "patientId"
)

// DefaultRecorder is used when a candidate names no recorder.
const DefaultRecorder = "SYSTEM"

// Candidate is an unvalidated reading. Nil measurements are malformed.
type Candidate struct {
	PatientID        string
	HeartRate        *float64
	SystolicBP       *float64
	DiastolicBP      *float64
	RespiratoryRate  *float64
	OxygenSaturation *float64
	Temperature      *float64
	CapturedAt       time.Time
	RecordedBy       string
}

// CandidateFromVitals builds a fully populated candidate.
func CandidateFromVitals(patientID string, v domain.VitalSigns, capturedAt time.Time, recordedBy string) Candidate {
	return Candidate{
		PatientID:        patientID,
		HeartRate:        &v.HeartRate,
		SystolicBP:       &v.SystolicBP,
		DiastolicBP:      &v.DiastolicBP,
		RespiratoryRate:  &v.RespiratoryRate,
		OxygenSaturation: &v.OxygenSaturation,
		Temperature:      &v.Temperature,
		CapturedAt:       capturedAt,
		RecordedBy:       recordedBy,
	}
}

// Result is the outcome for a well-formed candidate. Exactly one of
// Reading and Rejection is set.
type Result struct {
	Reading   *domain.Reading
	Rejection *domain.ValidationFailure
	Anomalies []domain.Anomaly
}

// Accepted reports whether the candidate may be stored.
func (r *Result) Accepted() bool { return r.Rejection == nil }

// Validator applies the clinical policy.
type Validator struct {
	policy domain.PolicyConfig
}

// New creates a validator for policy.
func New(policy domain.PolicyConfig) *Validator {
	return &Validator{policy: policy}
}

// Policy returns the policy in force.
func (v *Validator) Policy() domain.PolicyConfig { return v.policy }

// Validate checks c against the policy and the patient's latest stored
// reading (nil when there is none). It returns an error only when the
// candidate is malformed: missing or non-finite values, no patient or no
// capture time.
func (v *Validator) Validate(c Candidate, prior *domain.Reading) (*Result, error) {
	vitals, err := measurements(c)
	if err != nil {
		return nil, err
	}
	patientID := strings.TrimSpace(c.PatientID)
	if patientID == "" {
		return nil, fmt.Errorf("%w: %s is required", domain.ErrMalformedInput, FieldPatientID)
	}
	if c.CapturedAt.IsZero() {
		return nil, fmt.Errorf("%w: %s is required", domain.ErrMalformedInput, FieldCapturedAt)
	}

	reading := &domain.Reading{
		PatientID:  patientID,
		Vitals:     vitals,
		CapturedAt: c.CapturedAt.UTC(),
		RecordedBy: strings.TrimSpace(c.RecordedBy),
	}
	if reading.RecordedBy == "" {
		reading.RecordedBy = DefaultRecorder
	}

	violations := v.checkBounds(vitals)
	if vitals.DiastolicBP >= vitals.SystolicBP {
		violations = append(violations, domain.NewViolation(FieldDiastolicBP, domain.ReasonCrossField,
			fmt.Sprintf("diastolic pressure (%.1f) must be lower than systolic pressure (%.1f)",
				vitals.DiastolicBP, vitals.SystolicBP),
			vitals.DiastolicBP))
	}
	if len(violations) > 0 {
		return &Result{Rejection: &domain.ValidationFailure{Violations: violations}}, nil
	}

	if prior != nil {
		if v.isDuplicate(reading, prior) {
			return &Result{Rejection: &domain.ValidationFailure{
				Duplicate: true,
				Violations: []domain.Violation{domain.NewViolation(FieldCapturedAt, domain.ReasonDuplicate,
					fmt.Sprintf("identical to the previous reading within %s", v.policy.DuplicateWindow),
					reading.CapturedAt)},
			}}, nil
		}
		if reading.CapturedAt.Before(prior.CapturedAt) {
			return &Result{Rejection: domain.NewValidationFailure(FieldCapturedAt, domain.ReasonOutOfOrder,
				fmt.Sprintf("captured before the latest stored reading (%s)", prior.CapturedAt.Format(time.RFC3339)),
				reading.CapturedAt)}, nil
		}
	}

	return &Result{Reading: reading, Anomalies: v.detectAnomalies(vitals, prior)}, nil
}

func measurements(c Candidate) (domain.VitalSigns, error) {
	fields := []struct {
		name  string
		value *float64
	}{
		{FieldHeartRate, c.HeartRate},
		{FieldSystolicBP, c.SystolicBP},
		{FieldDiastolicBP, c.DiastolicBP},
		{FieldRespiratoryRate, c.RespiratoryRate},
		{FieldOxygenSaturation, c.OxygenSaturation},
		{FieldTemperature, c.Temperature},
	}
	for _, f := range fields {
		if f.value == nil {
			return domain.VitalSigns{}, fmt.Errorf("%w: %s is required", domain.ErrMalformedInput, f.name)
		}
		if math.IsNaN(*f.value) || math.IsInf(*f.value, 0) {
			return domain.VitalSigns{}, fmt.Errorf("%w: %s is not a finite number", domain.ErrMalformedInput, f.name)
		}
	}
	return domain.VitalSigns{
		HeartRate:        *c.HeartRate,
		SystolicBP:       *c.SystolicBP,
		DiastolicBP:      *c.DiastolicBP,
		RespiratoryRate:  *c.RespiratoryRate,
		OxygenSaturation: *c.OxygenSaturation,
		Temperature:      *c.Temperature,
	}, nil
}

func (v *Validator) checkBounds(vitals domain.VitalSigns) []domain.Violation {
	b := v.policy.Bounds
	checks := []struct {
		field  string
		label  string
		value  float64
		bounds domain.Bounds
	}{
		{FieldHeartRate, "heart rate", vitals.HeartRate, b.HeartRate},
		{FieldSystolicBP, "systolic pressure", vitals.SystolicBP, b.SystolicBP},
		{FieldDiastolicBP, "diastolic pressure", vitals.DiastolicBP, b.DiastolicBP},
		{FieldRespiratoryRate, "respiratory rate", vitals.RespiratoryRate, b.RespiratoryRate},
		{FieldOxygenSaturation, "oxygen saturation", vitals.OxygenSaturation, b.OxygenSaturation},
		{FieldTemperature, "temperature", vitals.Temperature, b.Temperature},
	}

	var violations []domain.Violation
	for _, c := range checks {
		if !c.bounds.Contains(c.value) {
			violations = append(violations, domain.NewViolation(c.field, domain.ReasonOutOfRange,
				fmt.Sprintf("%s must be between %g and %g", c.label, c.bounds.Min, c.bounds.Max),
				c.value))
		}
	}
	return violations
}

func (v *Validator) isDuplicate(r, prior *domain.Reading) bool {
	if r.Vitals != prior.Vitals {
		return false
	}
	gap := r.CapturedAt.Sub(prior.CapturedAt)
	if gap < 0 {
		gap = -gap
	}
	return gap <= v.policy.DuplicateWindow
}

func (v *Validator) detectAnomalies(vitals domain.VitalSigns, prior *domain.Reading) []domain.Anomaly {
	var anomalies []domain.Anomaly
	a := v.policy.Anomaly

	if prior != nil {
		deltas := []struct {
			field     string
			label     string
			delta     float64
			threshold float64
		}{
			{FieldHeartRate, "heart rate", vitals.HeartRate - prior.Vitals.HeartRate, a.HeartRateDelta},
			{FieldSystolicBP, "systolic pressure", vitals.SystolicBP - prior.Vitals.SystolicBP, a.SystolicDelta},
			{FieldTemperature, "temperature", vitals.Temperature - prior.Vitals.Temperature, a.TemperatureDelta},
		}
		for _, d := range deltas {
			if d.threshold > 0 && math.Abs(d.delta) > d.threshold {
				anomalies = append(anomalies, domain.Anomaly{
					Field:   d.field,
					Message: fmt.Sprintf("%s changed by %+.1f since the previous reading", d.label, d.delta),
					Delta:   d.delta,
				})
			}
		}
	}

	if vitals.HeartRate > 180 && vitals.Temperature < 35 {
		anomalies = append(anomalies, domain.Anomaly{
			Field:   FieldHeartRate,
			Message: "very high heart rate with low temperature is physiologically unusual",
		})
	}
	if vitals.OxygenSaturation < 70 && vitals.RespiratoryRate < 10 {
		anomalies = append(anomalies, domain.Anomaly{
			Field:   FieldOxygenSaturation,
			Message: "very low oxygen saturation with low respiratory rate needs review",
		})
	}
	return anomalies
}
