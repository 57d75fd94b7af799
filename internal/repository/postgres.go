package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/patient-risk-monitor/internal/domain"
)

// PostgresRepository stores the series in PostgreSQL through a pgx pool.
type PostgresRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewPostgresRepository creates a new repository over pool.
func NewPostgresRepository(db *pgxpool.Pool, logger *logrus.Logger) *PostgresRepository {
	return &PostgresRepository{
		db:  db,
		log: logger,
	}
}

const pgPatientColumns = `id, arrival_mode, acuity_level, registered_at, last_updated, latest_assessment_id`

func scanPgPatient(row pgx.Row) (*domain.Patient, error) {
	p := &domain.Patient{}
	var mode string
	if err := row.Scan(&p.ID, &mode, &p.AcuityLevel, &p.RegisteredAt, &p.LastUpdated, &p.LatestAssessmentID); err != nil {
		return nil, err
	}
	p.ArrivalMode = domain.ArrivalMode(mode)
	p.RegisteredAt = p.RegisteredAt.UTC()
	p.LastUpdated = p.LastUpdated.UTC()
	return p, nil
}

const pgReadingColumns = `seq, id, patient_id, heart_rate, systolic_bp, diastolic_bp,
	respiratory_rate, oxygen_saturation, temperature, captured_at, recorded_by`

func scanPgReading(row pgx.Row) (*domain.Reading, error) {
	r := &domain.Reading{}
	err := row.Scan(&r.Seq, &r.ID, &r.PatientID,
		&r.Vitals.HeartRate, &r.Vitals.SystolicBP, &r.Vitals.DiastolicBP,
		&r.Vitals.RespiratoryRate, &r.Vitals.OxygenSaturation, &r.Vitals.Temperature,
		&r.CapturedAt, &r.RecordedBy)
	if err != nil {
		return nil, err
	}
	r.CapturedAt = r.CapturedAt.UTC()
	return r, nil
}

const pgAssessmentColumns = `a.id, a.patient_id, a.reading_id, a.score, a.raw_score, a.category, a.flag,
	a.overrides, a.assessed_at, a.model_version`

func scanPgAssessment(row pgx.Row) (*domain.RiskAssessment, error) {
	a := &domain.RiskAssessment{}
	var category string
	var overrides []byte
	err := row.Scan(&a.ID, &a.PatientID, &a.ReadingID, &a.Score, &a.RawScore, &category, &a.Flag,
		&overrides, &a.AssessedAt, &a.ModelVersion)
	if err != nil {
		return nil, err
	}
	if a.Category, err = domain.ParseRiskCategory(category); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(overrides, &a.Overrides); err != nil {
		return nil, fmt.Errorf("decoding overrides: %w", err)
	}
	a.AssessedAt = a.AssessedAt.UTC()
	return a, nil
}

// CreatePatient registers a new patient header.
func (r *PostgresRepository) CreatePatient(ctx context.Context, patient *domain.Patient) error {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO patients (`+pgPatientColumns+`)
		SELECT $1::varchar, $2::varchar, $3::smallint, $4::timestamptz, $5::timestamptz, $6::text
		WHERE NOT EXISTS (SELECT 1 FROM retired_patient_ids WHERE id = $1::varchar)
		ON CONFLICT (id) DO NOTHING`,
		patient.ID, string(patient.ArrivalMode), patient.AcuityLevel,
		patient.RegisteredAt.UTC(), patient.LastUpdated.UTC(), patient.LatestAssessmentID)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"patient_id": patient.ID,
			"error":      err,
		}).Error("Failed to create patient")
		return fmt.Errorf("creating patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPatientExists
	}

	r.log.WithFields(logrus.Fields{
		"patient_id":   patient.ID,
		"arrival_mode": patient.ArrivalMode,
		"acuity":       patient.AcuityLevel,
	}).Info("Patient registered")
	return nil
}

// GetPatient returns a patient header.
func (r *PostgresRepository) GetPatient(ctx context.Context, id string) (*domain.Patient, error) {
	p, err := scanPgPatient(r.db.QueryRow(ctx, `SELECT `+pgPatientColumns+` FROM patients WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPatientNotFound
		}
		return nil, fmt.Errorf("getting patient: %w", err)
	}
	return p, nil
}

// ListPatients returns all patients ordered by registration time.
func (r *PostgresRepository) ListPatients(ctx context.Context) ([]*domain.Patient, error) {
	rows, err := r.db.Query(ctx, `SELECT `+pgPatientColumns+` FROM patients ORDER BY registered_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing patients: %w", err)
	}
	defer rows.Close()

	var out []*domain.Patient
	for rows.Next() {
		p, err := scanPgPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning patient: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TouchPatient updates the mutable header fields.
func (r *PostgresRepository) TouchPatient(ctx context.Context, id string, lastUpdated time.Time, assessmentID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE patients SET last_updated = $2,
			latest_assessment_id = COALESCE(NULLIF($3, ''), latest_assessment_id)
		WHERE id = $1`, id, lastUpdated.UTC(), assessmentID)
	if err != nil {
		return fmt.Errorf("updating patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPatientNotFound
	}
	return nil
}

// AppendReading appends a reading. The patient row is locked so that the
// ordering check and the insert are atomic per patient.
func (r *PostgresRepository) AppendReading(ctx context.Context, patientID string, reading *domain.Reading) (string, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	if err := tx.QueryRow(ctx, `SELECT id FROM patients WHERE id = $1 FOR UPDATE`, patientID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrPatientNotFound
		}
		return "", fmt.Errorf("locking patient: %w", err)
	}

	var latest *time.Time
	if err := tx.QueryRow(ctx, `SELECT MAX(captured_at) FROM readings WHERE patient_id = $1`, patientID).Scan(&latest); err != nil {
		return "", fmt.Errorf("checking latest reading: %w", err)
	}
	if latest != nil && reading.CapturedAt.Before(*latest) {
		return "", domain.ErrReadingOutOfOrder
	}

	id := reading.ID
	if id == "" {
		id = uuid.New().String()
	}
	v := reading.Vitals
	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO readings (id, patient_id, heart_rate, systolic_bp, diastolic_bp,
			respiratory_rate, oxygen_saturation, temperature, captured_at, recorded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq`,
		id, patientID, v.HeartRate, v.SystolicBP, v.DiastolicBP,
		v.RespiratoryRate, v.OxygenSaturation, v.Temperature, reading.CapturedAt.UTC(), reading.RecordedBy,
	).Scan(&seq)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"error":      err,
		}).Error("Failed to append reading")
		return "", fmt.Errorf("inserting reading: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing reading: %w", err)
	}

	reading.ID, reading.Seq, reading.PatientID = id, seq, patientID
	reading.CapturedAt = reading.CapturedAt.UTC()
	return id, nil
}

// QueryReadings returns the most recent matching readings, oldest first.
func (r *PostgresRepository) QueryReadings(ctx context.Context, patientID string, q domain.RangeQuery) ([]*domain.Reading, error) {
	if _, err := r.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}

	var start, end *time.Time
	if !q.Start.IsZero() {
		s := q.Start.UTC()
		start = &s
	}
	if !q.End.IsZero() {
		e := q.End.UTC()
		end = &e
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+pgReadingColumns+` FROM (
			SELECT `+pgReadingColumns+` FROM readings
			WHERE patient_id = $1
			  AND ($2::timestamptz IS NULL OR captured_at >= $2)
			  AND ($3::timestamptz IS NULL OR captured_at <= $3)
			ORDER BY captured_at DESC, seq DESC
			LIMIT $4
		) recent ORDER BY captured_at ASC, seq ASC`,
		patientID, start, end, effectiveLimit(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}
	defer rows.Close()

	var out []*domain.Reading
	for rows.Next() {
		reading, err := scanPgReading(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning reading: %w", err)
		}
		out = append(out, reading)
	}
	return out, rows.Err()
}

// LatestReading returns the newest reading or nil.
func (r *PostgresRepository) LatestReading(ctx context.Context, patientID string) (*domain.Reading, error) {
	reading, err := scanPgReading(r.db.QueryRow(ctx, `SELECT `+pgReadingColumns+` FROM readings
		WHERE patient_id = $1 ORDER BY captured_at DESC, seq DESC LIMIT 1`, patientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, perr := r.GetPatient(ctx, patientID); perr != nil {
				return nil, perr
			}
			return nil, nil
		}
		return nil, fmt.Errorf("getting latest reading: %w", err)
	}
	return reading, nil
}

// LatestCaptureTime returns the newest capture time across all patients.
func (r *PostgresRepository) LatestCaptureTime(ctx context.Context) (time.Time, error) {
	var latest *time.Time
	if err := r.db.QueryRow(ctx, `SELECT MAX(captured_at) FROM readings`).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("getting latest capture time: %w", err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return latest.UTC(), nil
}

// RemovePatient deletes everything stored for a patient in one transaction.
func (r *PostgresRepository) RemovePatient(ctx context.Context, patientID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM assessments WHERE patient_id = $1`, patientID); err != nil {
		return fmt.Errorf("deleting assessments: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM readings WHERE patient_id = $1`, patientID); err != nil {
		return fmt.Errorf("deleting readings: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM patients WHERE id = $1`, patientID)
	if err != nil {
		return fmt.Errorf("deleting patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPatientNotFound
	}
	if _, err := tx.Exec(ctx, `INSERT INTO retired_patient_ids (id) VALUES ($1) ON CONFLICT DO NOTHING`, patientID); err != nil {
		return fmt.Errorf("retiring patient id: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing removal: %w", err)
	}

	r.log.WithField("patient_id", patientID).Info("Patient records removed")
	return nil
}

// SaveAssessment stores the one assessment allowed for a reading.
func (r *PostgresRepository) SaveAssessment(ctx context.Context, a *domain.RiskAssessment) error {
	var owner string
	err := r.db.QueryRow(ctx, `SELECT patient_id FROM readings WHERE id = $1`, a.ReadingID).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("reading %s: %w", a.ReadingID, domain.ErrNotFound)
		}
		return fmt.Errorf("checking reading: %w", err)
	}
	if owner != a.PatientID {
		return fmt.Errorf("reading %s: %w", a.ReadingID, domain.ErrNotFound)
	}

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	overrides, err := json.Marshal(nonNil(a.Overrides))
	if err != nil {
		return fmt.Errorf("encoding overrides: %w", err)
	}

	tag, err := r.db.Exec(ctx, `
		INSERT INTO assessments (id, patient_id, reading_id, score, raw_score, category, flag,
			overrides, assessed_at, model_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (reading_id) DO NOTHING`,
		a.ID, a.PatientID, a.ReadingID, a.Score, a.RawScore, a.Category.String(), a.Flag,
		overrides, a.AssessedAt.UTC(), a.ModelVersion)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"reading_id": a.ReadingID,
			"error":      err,
		}).Error("Failed to save assessment")
		return fmt.Errorf("inserting assessment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAssessmentExists
	}
	return nil
}

// AssessmentsForReadings returns assessments keyed by reading id.
func (r *PostgresRepository) AssessmentsForReadings(ctx context.Context, patientID string, readingIDs []string) (map[string]*domain.RiskAssessment, error) {
	out := make(map[string]*domain.RiskAssessment, len(readingIDs))
	if len(readingIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.Query(ctx, `SELECT `+pgAssessmentColumns+` FROM assessments a
		WHERE a.patient_id = $1 AND a.reading_id = ANY($2)`, patientID, readingIDs)
	if err != nil {
		return nil, fmt.Errorf("querying assessments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanPgAssessment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning assessment: %w", err)
		}
		out[a.ReadingID] = a
	}
	return out, rows.Err()
}

// LatestAssessment returns the assessment of the newest assessed reading.
func (r *PostgresRepository) LatestAssessment(ctx context.Context, patientID string) (*domain.RiskAssessment, error) {
	a, err := scanPgAssessment(r.db.QueryRow(ctx, `SELECT `+pgAssessmentColumns+`
		FROM assessments a JOIN readings rd ON rd.id = a.reading_id
		WHERE a.patient_id = $1 ORDER BY rd.captured_at DESC, rd.seq DESC LIMIT 1`, patientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, perr := r.GetPatient(ctx, patientID); perr != nil {
				return nil, perr
			}
			return nil, nil
		}
		return nil, fmt.Errorf("getting latest assessment: %w", err)
	}
	return a, nil
}

// Close is a no-op; the pool is owned by database.DB.
func (r *PostgresRepository) Close() error { return nil }
