// Package service sequences a submitted reading through validation,
// storage, scoring and persistence, and hosts the patient registry and
// the recomputation pass driven by the simulated clock.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/patient-risk-monitor/internal/domain"
	"github.com/patient-risk-monitor/internal/events"
	"github.com/patient-risk-monitor/internal/scoring"
	"github.com/patient-risk-monitor/internal/validation"
)

// StatusCache holds the dashboard view of a patient. Get returns nil, nil
// on a miss.
type StatusCache interface {
	Get(ctx context.Context, patientID string) (*domain.PatientStatus, error)
	Put(ctx context.Context, status *domain.PatientStatus) error
	Delete(ctx context.Context, patientID string) error
}

// Deps are the collaborators of a Pipeline. Cache, Events and Generator
// are optional.
type Deps struct {
	Repository domain.Repository
	Validator  *validation.Validator
	Scorer     *scoring.Adapter
	Clock      domain.TimeSource
	Events     events.Publisher
	Cache      StatusCache
	Generator  *Generator
	Logger     *logrus.Logger
}

// Pipeline is the risk assessment orchestrator.
type Pipeline struct {
	repo      domain.Repository
	validator *validation.Validator
	scorer    *scoring.Adapter
	clock     domain.TimeSource
	events    events.Publisher
	cache     StatusCache
	generator *Generator
	locks     *patientLocks
	log       *logrus.Logger
}

// NewPipeline wires a pipeline from deps.
func NewPipeline(deps Deps) (*Pipeline, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if deps.Validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if deps.Scorer == nil {
		return nil, fmt.Errorf("scorer is required")
	}
	p := &Pipeline{
		repo:      deps.Repository,
		validator: deps.Validator,
		scorer:    deps.Scorer,
		clock:     deps.Clock,
		events:    deps.Events,
		cache:     deps.Cache,
		generator: deps.Generator,
		locks:     newPatientLocks(),
		log:       deps.Logger,
	}
	if p.clock == nil {
		p.clock = domain.TimeSourceFunc(func() time.Time { return time.Now().UTC() })
	}
	if p.events == nil {
		p.events = events.Nop{}
	}
	if p.log == nil {
		p.log = logrus.StandardLogger()
	}
	return p, nil
}

// SubmitResult reports a stored reading. A nil Assessment means scoring
// was unavailable and the reading is degraded.
type SubmitResult struct {
	ReadingID  string                 `json:"readingId"`
	Stored     bool                   `json:"stored"`
	Assessment *domain.RiskAssessment `json:"assessment"`
	Reading    *domain.Reading        `json:"-"`
	Anomalies  []domain.Anomaly       `json:"anomalies,omitempty"`
	Trace      []domain.PipelineState `json:"-"`
}

// Degraded reports whether the reading was stored without an assessment.
func (r *SubmitResult) Degraded() bool { return r.Stored && r.Assessment == nil }

// Submit runs one reading through the pipeline. Rejections come back as
// *domain.ValidationFailure with nothing written. Once the reading is
// stored Submit succeeds, with or without an assessment.
func (p *Pipeline) Submit(ctx context.Context, c validation.Candidate) (*SubmitResult, error) {
	patient, err := p.loadPatient(ctx, c.PatientID)
	if err != nil {
		return nil, err
	}
	if c.CapturedAt.IsZero() {
		c.CapturedAt = p.clock.Now()
	}

	unlock, err := p.locks.Lock(ctx, patient.ID)
	if err != nil {
		return nil, fmt.Errorf("waiting for patient %s: %w", patient.ID, err)
	}
	defer unlock()

	return p.submitLocked(ctx, patient, c)
}

// submitLocked must run under the patient's lock.
func (p *Pipeline) submitLocked(ctx context.Context, patient *domain.Patient, c validation.Candidate) (*SubmitResult, error) {
	trace := []domain.PipelineState{domain.StateReceived}
	logger := p.log.WithFields(logrus.Fields{"patient_id": patient.ID})

	// Step 1: validate against the latest stored reading
	prior, err := p.repo.LatestReading(ctx, patient.ID)
	if err != nil {
		logger.WithError(err).Error("Failed to load latest reading")
		return nil, &domain.StorageFailure{Op: "load latest reading", Err: err}
	}
	res, err := p.validator.Validate(c, prior)
	if err != nil {
		return nil, err
	}
	if !res.Accepted() {
		trace = append(trace, domain.StateRejected)
		logger.WithFields(logrus.Fields{
			"state":     domain.StateRejected,
			"duplicate": res.Rejection.Duplicate,
			"reason":    res.Rejection.Error(),
		}).Info("Reading rejected")
		return nil, res.Rejection
	}
	trace = append(trace, domain.StateValidated)
	for _, a := range res.Anomalies {
		logger.WithFields(logrus.Fields{
			"field": a.Field,
			"delta": a.Delta,
		}).Warn(a.Message)
	}

	// Step 2: append to the series
	reading := res.Reading
	reading.ID = uuid.NewString()
	readingID, err := p.repo.AppendReading(ctx, patient.ID, reading)
	switch {
	case errors.Is(err, domain.ErrReadingOutOfOrder):
		return nil, domain.NewValidationFailure(validation.FieldCapturedAt, domain.ReasonOutOfOrder,
			"captured before the latest stored reading", reading.CapturedAt)
	case errors.Is(err, domain.ErrPatientNotFound):
		return nil, err
	case err != nil:
		logger.WithError(err).Error("Failed to store reading")
		return nil, &domain.StorageFailure{Op: "append reading", Err: err}
	}
	reading.ID = readingID
	trace = append(trace, domain.StateStored)

	// Step 3: score. The reading is stored, so the caller going away must
	// not stop its assessment.
	assessment, states := p.assess(context.WithoutCancel(ctx), patient, reading)
	trace = append(trace, states...)

	logger.WithFields(logrus.Fields{
		"reading_id": readingID,
		"trace":      trace,
	}).Debug("Reading processed")

	return &SubmitResult{
		ReadingID:  readingID,
		Stored:     true,
		Assessment: assessment,
		Reading:    reading,
		Anomalies:  res.Anomalies,
		Trace:      trace,
	}, nil
}

// assess scores a stored reading and persists the result. It never fails:
// any problem leaves the reading degraded. Must run under the patient's
// lock.
func (p *Pipeline) assess(ctx context.Context, patient *domain.Patient, reading *domain.Reading) (*domain.RiskAssessment, []domain.PipelineState) {
	states := []domain.PipelineState{domain.StateScoring}
	logger := p.log.WithFields(logrus.Fields{
		"patient_id": patient.ID,
		"reading_id": reading.ID,
	})

	start := time.Now()
	outcome, err := p.scorer.Assess(ctx, patient, reading)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"state":       domain.StateDegraded,
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Warn("Scoring unavailable, reading stored without assessment")
		return nil, append(states, p.degrade(ctx, patient, reading)...)
	}
	states = append(states, domain.StateScored)

	now := p.clock.Now().UTC()
	assessment := &domain.RiskAssessment{
		ID:           uuid.NewString(),
		PatientID:    patient.ID,
		ReadingID:    reading.ID,
		Score:        outcome.Score,
		RawScore:     outcome.RawScore,
		Category:     outcome.Category,
		Flag:         outcome.Flag,
		Overrides:    outcome.Overrides,
		AssessedAt:   now,
		ModelVersion: outcome.ModelVersion,
	}
	if err := p.repo.SaveAssessment(ctx, assessment); err != nil {
		logger.WithFields(logrus.Fields{
			"state": domain.StateDegraded,
			"error": err.Error(),
		}).Error("Failed to persist assessment")
		return nil, append(states, p.degrade(ctx, patient, reading)...)
	}

	if err := p.repo.TouchPatient(ctx, patient.ID, now, assessment.ID); err != nil {
		logger.WithError(err).Error("Failed to update patient header")
	}
	patient.LastUpdated = now
	patient.LatestAssessmentID = assessment.ID
	p.invalidateStatus(ctx, patient.ID)

	if len(assessment.Overrides) > 0 {
		logger.WithFields(logrus.Fields{
			"score":     assessment.Score,
			"overrides": assessment.Overrides,
		}).Info("Clinical overlay escalated risk category")
	}
	logger.WithFields(logrus.Fields{
		"state":       domain.StatePersisted,
		"category":    assessment.Category.String(),
		"score":       assessment.Score,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Risk assessment recorded")

	header := *patient
	p.events.Publish(ctx, events.Event{
		Type:       events.AssessmentCreated,
		PatientID:  patient.ID,
		Patient:    &header,
		Reading:    reading,
		Assessment: assessment,
		OccurredAt: now,
	})
	return assessment, append(states, domain.StatePersisted)
}

func (p *Pipeline) degrade(ctx context.Context, patient *domain.Patient, reading *domain.Reading) []domain.PipelineState {
	now := p.clock.Now().UTC()
	if err := p.repo.TouchPatient(ctx, patient.ID, now, ""); err != nil {
		p.log.WithFields(logrus.Fields{
			"patient_id": patient.ID,
			"error":      err.Error(),
		}).Error("Failed to update patient header")
	}
	patient.LastUpdated = now
	p.invalidateStatus(ctx, patient.ID)

	header := *patient
	p.events.Publish(ctx, events.Event{
		Type:       events.ReadingDegraded,
		PatientID:  patient.ID,
		Patient:    &header,
		Reading:    reading,
		OccurredAt: now,
	})
	return []domain.PipelineState{domain.StateDegraded, domain.StatePersisted}
}

// invalidateStatus drops the cached status view so the next read rebuilds
// it from the store. Must run under the patient's lock.
func (p *Pipeline) invalidateStatus(ctx context.Context, patientID string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Delete(ctx, patientID); err != nil {
		p.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"error":      err.Error(),
		}).Error("Failed to evict status snapshot")
	}
}

func (p *Pipeline) loadPatient(ctx context.Context, id string) (*domain.Patient, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: %s is required", domain.ErrMalformedInput, validation.FieldPatientID)
	}
	patient, err := p.repo.GetPatient(ctx, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("loading patient %s: %w", id, domain.ErrPatientNotFound)
	case err != nil:
		return nil, &domain.StorageFailure{Op: "load patient", Err: err}
	}
	return patient, nil
}

// History returns the patient's readings in the inclusive range, oldest
// first, each paired with its assessment or nil.
func (p *Pipeline) History(ctx context.Context, patientID string, q domain.RangeQuery) ([]domain.HistoryEntry, error) {
	if q.Limit < 0 || q.Limit > domain.MaxHistoryLimit {
		return nil, domain.NewValidationFailure("limit", domain.ReasonOutOfRange,
			fmt.Sprintf("limit must be between 1 and %d", domain.MaxHistoryLimit), q.Limit)
	}
	if !q.Start.IsZero() && !q.End.IsZero() && q.Start.After(q.End) {
		return nil, domain.NewValidationFailure("startTime", domain.ReasonInvalid,
			"startTime must not be after endTime", q.Start)
	}
	if _, err := p.loadPatient(ctx, patientID); err != nil {
		return nil, err
	}

	readings, err := p.repo.QueryReadings(ctx, patientID, q)
	if err != nil {
		return nil, &domain.StorageFailure{Op: "query readings", Err: err}
	}
	ids := make([]string, len(readings))
	for i, r := range readings {
		ids[i] = r.ID
	}
	assessments, err := p.repo.AssessmentsForReadings(ctx, patientID, ids)
	if err != nil {
		return nil, &domain.StorageFailure{Op: "query assessments", Err: err}
	}

	entries := make([]domain.HistoryEntry, len(readings))
	for i, r := range readings {
		entries[i] = domain.HistoryEntry{Reading: r, Assessment: assessments[r.ID]}
	}
	return entries, nil
}

// Now is the pipeline's current time.
func (p *Pipeline) Now() time.Time { return p.clock.Now() }
