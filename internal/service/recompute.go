package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/patient-risk-monitor/internal/domain"
	"github.com/patient-risk-monitor/internal/validation"
)

// SimulationRecorder marks readings produced by the recomputation pass.
const SimulationRecorder = "SIMULATION"

// RecomputeAll runs one recomputation pass at simTime over every patient
// with at least one reading. With a generator configured it appends a new
// generated reading per patient and runs it through the pipeline;
// otherwise it re-scores latest readings that have no assessment. Each
// patient is handled under its own serialization, and a failure for one
// patient does not stop the pass. It returns how many patients were
// processed.
func (p *Pipeline) RecomputeAll(ctx context.Context, simTime time.Time) (int, error) {
	patients, err := p.ListPatients(ctx)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	processed := 0
	for _, patient := range patients {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		ok, err := p.recomputePatient(ctx, patient, simTime)
		if err != nil {
			p.log.WithFields(logrus.Fields{
				"patient_id": patient.ID,
				"error":      err.Error(),
			}).Warn("Recomputation failed for patient")
			continue
		}
		if ok {
			processed++
		}
	}

	p.log.WithFields(logrus.Fields{
		"simulated_time": simTime.Format(time.RFC3339),
		"patients":       processed,
		"duration_ms":    time.Since(start).Milliseconds(),
	}).Info("Recomputation pass completed")
	return processed, nil
}

func (p *Pipeline) recomputePatient(ctx context.Context, patient *domain.Patient, simTime time.Time) (bool, error) {
	unlock, err := p.locks.Lock(ctx, patient.ID)
	if err != nil {
		return false, err
	}
	defer unlock()

	latest, err := p.repo.LatestReading(ctx, patient.ID)
	if err != nil {
		return false, &domain.StorageFailure{Op: "load latest reading", Err: err}
	}
	if latest == nil {
		return false, nil
	}

	if p.generator == nil {
		return p.refreshLatest(ctx, patient, latest)
	}

	category := domain.RiskModerate
	if a, err := p.repo.LatestAssessment(ctx, patient.ID); err != nil {
		return false, &domain.StorageFailure{Op: "load latest assessment", Err: err}
	} else if a != nil {
		category = a.Category
	}

	capturedAt := simTime.UTC()
	if capturedAt.Before(latest.CapturedAt) {
		capturedAt = latest.CapturedAt
	}
	vitals := p.generator.Next(latest.Vitals, category)
	c := validation.CandidateFromVitals(patient.ID, vitals, capturedAt, SimulationRecorder)

	_, err = p.submitLocked(ctx, patient, c)
	var vf *domain.ValidationFailure
	if errors.As(err, &vf) {
		// A generated reading can land on a duplicate; the patient was
		// still visited.
		p.log.WithFields(logrus.Fields{
			"patient_id": patient.ID,
			"reason":     vf.Error(),
		}).Debug("Generated reading rejected")
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("submitting generated reading: %w", err)
	}
	return true, nil
}

// refreshLatest scores the latest reading when it is still degraded.
func (p *Pipeline) refreshLatest(ctx context.Context, patient *domain.Patient, latest *domain.Reading) (bool, error) {
	existing, err := p.repo.AssessmentsForReadings(ctx, patient.ID, []string{latest.ID})
	if err != nil {
		return false, &domain.StorageFailure{Op: "query assessments", Err: err}
	}
	if existing[latest.ID] == nil {
		p.assess(context.WithoutCancel(ctx), patient, latest)
	}
	return true, nil
}
