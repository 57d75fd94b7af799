package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/patient-risk-monitor/internal/domain"
	"github.com/patient-risk-monitor/internal/validation"
)

// MaxPatientIDLength bounds explicit identifiers.
const MaxPatientIDLength = 50

var patientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// RegisterRequest creates a patient. An empty ID is generated.
type RegisterRequest struct {
	ID            string
	ArrivalMode   domain.ArrivalMode
	AcuityLevel   int
	InitialVitals *domain.VitalSigns
	RecordedBy    string
}

// RegisterResult is the new patient plus the outcome of its initial
// reading, if one was given.
type RegisterResult struct {
	Patient *domain.Patient `json:"patient"`
	Initial *SubmitResult   `json:"initialReading,omitempty"`
}

func validateRegistration(req RegisterRequest) *domain.ValidationFailure {
	var violations []domain.Violation
	if req.ID != "" {
		switch {
		case len(req.ID) > MaxPatientIDLength:
			violations = append(violations, domain.NewViolation("id", domain.ReasonInvalid,
				fmt.Sprintf("patient id must be at most %d characters", MaxPatientIDLength), req.ID))
		case !patientIDPattern.MatchString(req.ID):
			violations = append(violations, domain.NewViolation("id", domain.ReasonInvalid,
				"patient id may only contain letters, digits, '_', '.' and '-'", req.ID))
		}
	}
	if !req.ArrivalMode.Valid() {
		violations = append(violations, domain.NewViolation("arrivalMode", domain.ReasonInvalid,
			"arrival mode must be Ambulance or Walk-in", string(req.ArrivalMode)))
	}
	if req.AcuityLevel < 1 || req.AcuityLevel > 5 {
		violations = append(violations, domain.NewViolation("acuityLevel", domain.ReasonOutOfRange,
			"acuity level must be between 1 and 5", req.AcuityLevel))
	}
	if len(violations) == 0 {
		return nil
	}
	return &domain.ValidationFailure{Violations: violations}
}

// generatePatientID returns P + simulated timestamp + 4 upper-case
// alphanumerics.
func (p *Pipeline) generatePatientID() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:4])
	return "P" + p.clock.Now().UTC().Format("20060102150405") + suffix
}

// RegisterPatient creates a patient and runs its initial vitals, if any,
// through the pipeline. Initial vitals are validated before anything is
// written so a rejected registration leaves no patient behind.
func (p *Pipeline) RegisterPatient(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if vf := validateRegistration(req); vf != nil {
		return nil, vf
	}

	now := p.clock.Now().UTC()
	if req.InitialVitals != nil {
		probe := validation.CandidateFromVitals("pending", *req.InitialVitals, now, req.RecordedBy)
		res, err := p.validator.Validate(probe, nil)
		if err != nil {
			return nil, err
		}
		if !res.Accepted() {
			return nil, res.Rejection
		}
	}

	patient := &domain.Patient{
		ID:           req.ID,
		ArrivalMode:  req.ArrivalMode,
		AcuityLevel:  req.AcuityLevel,
		RegisteredAt: now,
		LastUpdated:  now,
	}

	// Generated ids retry on the unlikely collision; explicit ids do not.
	attempts := 1
	if patient.ID == "" {
		attempts = 3
	}
	var err error
	for i := 0; i < attempts; i++ {
		if req.ID == "" {
			patient.ID = p.generatePatientID()
		}
		err = p.repo.CreatePatient(ctx, patient)
		if !errors.Is(err, domain.ErrPatientExists) {
			break
		}
	}
	switch {
	case errors.Is(err, domain.ErrPatientExists):
		return nil, fmt.Errorf("registering patient %s: %w", patient.ID, err)
	case err != nil:
		p.log.WithError(err).Error("Failed to create patient")
		return nil, &domain.StorageFailure{Op: "create patient", Err: err}
	}

	p.log.WithFields(logrus.Fields{
		"patient_id":   patient.ID,
		"arrival_mode": patient.ArrivalMode,
		"acuity":       patient.AcuityLevel,
	}).Info("Patient registered")

	result := &RegisterResult{Patient: patient}
	if req.InitialVitals != nil {
		c := validation.CandidateFromVitals(patient.ID, *req.InitialVitals, now, req.RecordedBy)
		submitted, err := p.Submit(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("submitting initial vitals for %s: %w", patient.ID, err)
		}
		result.Initial = submitted
		if refreshed, err := p.repo.GetPatient(ctx, patient.ID); err == nil {
			result.Patient = refreshed
		}
	}
	return result, nil
}

// GetPatient returns one patient header.
func (p *Pipeline) GetPatient(ctx context.Context, id string) (*domain.Patient, error) {
	return p.loadPatient(ctx, id)
}

// ListPatients returns every registered patient in registration order.
func (p *Pipeline) ListPatients(ctx context.Context) ([]*domain.Patient, error) {
	patients, err := p.repo.ListPatients(ctx)
	if err != nil {
		return nil, &domain.StorageFailure{Op: "list patients", Err: err}
	}
	return patients, nil
}

// RemovePatient deletes the patient and everything recorded for it. The
// identifier is never reused.
func (p *Pipeline) RemovePatient(ctx context.Context, id string) error {
	if _, err := p.loadPatient(ctx, id); err != nil {
		return err
	}
	unlock, err := p.locks.Lock(ctx, id)
	if err != nil {
		return fmt.Errorf("waiting for patient %s: %w", id, err)
	}
	defer unlock()

	err = p.repo.RemovePatient(ctx, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("removing patient %s: %w", id, domain.ErrPatientNotFound)
	case err != nil:
		p.log.WithFields(logrus.Fields{"patient_id": id, "error": err.Error()}).Error("Failed to remove patient")
		return &domain.StorageFailure{Op: "remove patient", Err: err}
	}

	if p.cache != nil {
		if err := p.cache.Delete(ctx, id); err != nil {
			p.log.WithFields(logrus.Fields{"patient_id": id, "error": err.Error()}).Warn("Failed to evict status snapshot")
		}
	}
	p.log.WithField("patient_id", id).Info("Patient removed")
	return nil
}

// PatientStatus returns the header with the latest reading and
// assessment, served from the snapshot cache when it has them. Every
// stored reading evicts the snapshot under the patient's lock, and a miss
// is refilled under the same lock, so a snapshot never predates a
// completed submission.
func (p *Pipeline) PatientStatus(ctx context.Context, id string) (*domain.PatientStatus, error) {
	if p.cache == nil {
		return p.loadStatus(ctx, id)
	}

	status, err := p.cache.Get(ctx, id)
	if err != nil {
		p.log.WithFields(logrus.Fields{"patient_id": id, "error": err.Error()}).Warn("Status cache read failed")
	} else if status != nil {
		return status, nil
	}

	if _, err := p.loadPatient(ctx, id); err != nil {
		return nil, err
	}
	unlock, err := p.locks.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("waiting for patient %s: %w", id, err)
	}
	defer unlock()

	status, err = p.loadStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.cache.Put(ctx, status); err != nil {
		p.log.WithFields(logrus.Fields{"patient_id": id, "error": err.Error()}).Warn("Status cache write failed")
	}
	return status, nil
}

func (p *Pipeline) loadStatus(ctx context.Context, id string) (*domain.PatientStatus, error) {
	patient, err := p.loadPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	latest, err := p.repo.LatestReading(ctx, id)
	if err != nil {
		return nil, &domain.StorageFailure{Op: "load latest reading", Err: err}
	}
	assessment, err := p.repo.LatestAssessment(ctx, id)
	if err != nil {
		return nil, &domain.StorageFailure{Op: "load latest assessment", Err: err}
	}
	return &domain.PatientStatus{Patient: patient, LatestReading: latest, LatestAssessment: assessment}, nil
}

// HighRiskPatients lists patients whose latest assessment is HIGH, highest
// score first.
func (p *Pipeline) HighRiskPatients(ctx context.Context) ([]*domain.PatientStatus, error) {
	statuses, err := p.allStatuses(ctx)
	if err != nil {
		return nil, err
	}
	high := make([]*domain.PatientStatus, 0)
	for _, s := range statuses {
		if s.LatestAssessment != nil && s.LatestAssessment.Category == domain.RiskHigh {
			high = append(high, s)
		}
	}
	sort.SliceStable(high, func(i, j int) bool {
		return high[i].LatestAssessment.Score > high[j].LatestAssessment.Score
	})
	return high, nil
}

// AssessmentStats summarizes the latest assessment of every patient.
func (p *Pipeline) AssessmentStats(ctx context.Context) (*domain.AssessmentStats, error) {
	statuses, err := p.allStatuses(ctx)
	if err != nil {
		return nil, err
	}
	stats := &domain.AssessmentStats{
		TotalPatients: len(statuses),
		ByCategory:    make(map[string]int, 3),
	}
	for _, c := range domain.RiskCategories() {
		stats.ByCategory[c.String()] = 0
	}

	total := 0.0
	for _, s := range statuses {
		a := s.LatestAssessment
		if a == nil {
			stats.Unassessed++
			continue
		}
		stats.Assessed++
		stats.ByCategory[a.Category.String()]++
		total += a.Score
		if a.Flag {
			stats.Flagged++
		}
	}
	if stats.Assessed > 0 {
		stats.AverageScore = total / float64(stats.Assessed)
	}
	return stats, nil
}

func (p *Pipeline) allStatuses(ctx context.Context) ([]*domain.PatientStatus, error) {
	patients, err := p.ListPatients(ctx)
	if err != nil {
		return nil, err
	}
	statuses := make([]*domain.PatientStatus, 0, len(patients))
	for _, patient := range patients {
		assessment, err := p.repo.LatestAssessment(ctx, patient.ID)
		if err != nil {
			return nil, &domain.StorageFailure{Op: "load latest assessment", Err: err}
		}
		statuses = append(statuses, &domain.PatientStatus{Patient: patient, LatestAssessment: assessment})
	}
	return statuses, nil
}
