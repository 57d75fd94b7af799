package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/patient-risk-monitor/internal/domain"
)

// SQLiteRepository stores the series in a single SQLite file. Timestamps
// are stored as UTC unix nanoseconds so range comparisons are numeric.
type SQLiteRepository struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewSQLiteRepository opens (or creates) the database at dbPath.
func NewSQLiteRepository(dbPath string, logger *logrus.Logger) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return NewSQLiteRepositoryWithDB(db, logger), nil
}

// NewSQLiteRepositoryWithDB wraps an already prepared database handle.
func NewSQLiteRepositoryWithDB(db *sql.DB, logger *logrus.Logger) *SQLiteRepository {
	return &SQLiteRepository{db: db, log: logger}
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		arrival_mode TEXT NOT NULL,
		acuity_level INTEGER NOT NULL,
		registered_at INTEGER NOT NULL,
		last_updated INTEGER NOT NULL,
		latest_assessment_id TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS retired_patient_ids (
		id TEXT PRIMARY KEY,
		retired_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS readings (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		heart_rate REAL NOT NULL,
		systolic_bp REAL NOT NULL,
		diastolic_bp REAL NOT NULL,
		respiratory_rate REAL NOT NULL,
		oxygen_saturation REAL NOT NULL,
		temperature REAL NOT NULL,
		captured_at INTEGER NOT NULL,
		recorded_by TEXT NOT NULL,
		CHECK (diastolic_bp < systolic_bp)
	);

	CREATE INDEX IF NOT EXISTS idx_readings_patient_time ON readings(patient_id, captured_at, seq);

	CREATE TABLE IF NOT EXISTS assessments (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		reading_id TEXT NOT NULL UNIQUE REFERENCES readings(id),
		score REAL NOT NULL,
		raw_score REAL NOT NULL,
		category TEXT NOT NULL,
		flag INTEGER NOT NULL,
		overrides TEXT NOT NULL DEFAULT '[]',
		assessed_at INTEGER NOT NULL,
		model_version TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_assessments_patient ON assessments(patient_id);
	`

	_, err := db.Exec(schema)
	return err
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

const sqlitePatientColumns = `id, arrival_mode, acuity_level, registered_at, last_updated, latest_assessment_id`

func scanSQLitePatient(s scanner) (*domain.Patient, error) {
	p := &domain.Patient{}
	var mode string
	var registered, updated int64
	if err := s.Scan(&p.ID, &mode, &p.AcuityLevel, &registered, &updated, &p.LatestAssessmentID); err != nil {
		return nil, err
	}
	p.ArrivalMode = domain.ArrivalMode(mode)
	p.RegisteredAt = fromNanos(registered)
	p.LastUpdated = fromNanos(updated)
	return p, nil
}

const sqliteReadingColumns = `seq, id, patient_id, heart_rate, systolic_bp, diastolic_bp,
	respiratory_rate, oxygen_saturation, temperature, captured_at, recorded_by`

func scanSQLiteReading(s scanner) (*domain.Reading, error) {
	r := &domain.Reading{}
	var captured int64
	err := s.Scan(&r.Seq, &r.ID, &r.PatientID,
		&r.Vitals.HeartRate, &r.Vitals.SystolicBP, &r.Vitals.DiastolicBP,
		&r.Vitals.RespiratoryRate, &r.Vitals.OxygenSaturation, &r.Vitals.Temperature,
		&captured, &r.RecordedBy)
	if err != nil {
		return nil, err
	}
	r.CapturedAt = fromNanos(captured)
	return r, nil
}

const sqliteAssessmentColumns = `id, patient_id, reading_id, score, raw_score, category, flag,
	overrides, assessed_at, model_version`

func scanSQLiteAssessment(s scanner) (*domain.RiskAssessment, error) {
	a := &domain.RiskAssessment{}
	var category, overrides string
	var assessed int64
	err := s.Scan(&a.ID, &a.PatientID, &a.ReadingID, &a.Score, &a.RawScore, &category, &a.Flag,
		&overrides, &assessed, &a.ModelVersion)
	if err != nil {
		return nil, err
	}
	if a.Category, err = domain.ParseRiskCategory(category); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(overrides), &a.Overrides); err != nil {
		return nil, fmt.Errorf("decoding overrides: %w", err)
	}
	a.AssessedAt = fromNanos(assessed)
	return a, nil
}

// CreatePatient registers a new patient header.
func (s *SQLiteRepository) CreatePatient(ctx context.Context, patient *domain.Patient) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var taken int
	err = tx.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM patients WHERE id = ?) + (SELECT COUNT(*) FROM retired_patient_ids WHERE id = ?)`,
		patient.ID, patient.ID).Scan(&taken)
	if err != nil {
		return fmt.Errorf("checking patient id: %w", err)
	}
	if taken > 0 {
		return domain.ErrPatientExists
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO patients (`+sqlitePatientColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		patient.ID, string(patient.ArrivalMode), patient.AcuityLevel,
		toNanos(patient.RegisteredAt), toNanos(patient.LastUpdated), patient.LatestAssessmentID)
	if err != nil {
		s.log.WithFields(logrus.Fields{"patient_id": patient.ID, "error": err}).Error("Failed to create patient")
		return fmt.Errorf("creating patient: %w", err)
	}
	return tx.Commit()
}

// GetPatient returns a patient header.
func (s *SQLiteRepository) GetPatient(ctx context.Context, id string) (*domain.Patient, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqlitePatientColumns+` FROM patients WHERE id = ?`, id)
	p, err := scanSQLitePatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting patient: %w", err)
	}
	return p, nil
}

// ListPatients returns all patients ordered by registration time.
func (s *SQLiteRepository) ListPatients(ctx context.Context) ([]*domain.Patient, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqlitePatientColumns+` FROM patients ORDER BY registered_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing patients: %w", err)
	}
	defer rows.Close()

	var out []*domain.Patient
	for rows.Next() {
		p, err := scanSQLitePatient(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning patient: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TouchPatient updates the mutable header fields.
func (s *SQLiteRepository) TouchPatient(ctx context.Context, id string, lastUpdated time.Time, assessmentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE patients SET last_updated = ?,
			latest_assessment_id = CASE WHEN ? = '' THEN latest_assessment_id ELSE ? END
		WHERE id = ?`,
		toNanos(lastUpdated), assessmentID, assessmentID, id)
	if err != nil {
		return fmt.Errorf("updating patient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPatientNotFound
	}
	return nil
}

// AppendReading appends r to the patient's series.
func (s *SQLiteRepository) AppendReading(ctx context.Context, patientID string, r *domain.Reading) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM patients WHERE id = ?`, patientID).Scan(&exists); err != nil {
		return "", fmt.Errorf("checking patient: %w", err)
	}
	if exists == 0 {
		return "", domain.ErrPatientNotFound
	}

	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(captured_at) FROM readings WHERE patient_id = ?`, patientID).Scan(&latest); err != nil {
		return "", fmt.Errorf("checking latest reading: %w", err)
	}
	if latest.Valid && toNanos(r.CapturedAt) < latest.Int64 {
		return "", domain.ErrReadingOutOfOrder
	}

	id := r.ID
	if id == "" {
		id = uuid.New().String()
	}
	v := r.Vitals
	res, err := tx.ExecContext(ctx, `
		INSERT INTO readings (id, patient_id, heart_rate, systolic_bp, diastolic_bp,
			respiratory_rate, oxygen_saturation, temperature, captured_at, recorded_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, patientID, v.HeartRate, v.SystolicBP, v.DiastolicBP,
		v.RespiratoryRate, v.OxygenSaturation, v.Temperature, toNanos(r.CapturedAt), r.RecordedBy)
	if err != nil {
		s.log.WithFields(logrus.Fields{"patient_id": patientID, "error": err}).Error("Failed to append reading")
		return "", fmt.Errorf("inserting reading: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("reading sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing reading: %w", err)
	}

	r.ID, r.Seq, r.PatientID = id, seq, patientID
	r.CapturedAt = r.CapturedAt.UTC()
	return id, nil
}

// QueryReadings returns the most recent matching readings, oldest first.
func (s *SQLiteRepository) QueryReadings(ctx context.Context, patientID string, q domain.RangeQuery) ([]*domain.Reading, error) {
	if _, err := s.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}

	var where strings.Builder
	args := []interface{}{patientID}
	where.WriteString("patient_id = ?")
	if !q.Start.IsZero() {
		where.WriteString(" AND captured_at >= ?")
		args = append(args, toNanos(q.Start))
	}
	if !q.End.IsZero() {
		where.WriteString(" AND captured_at <= ?")
		args = append(args, toNanos(q.End))
	}
	args = append(args, effectiveLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteReadingColumns+` FROM readings
		WHERE `+where.String()+` ORDER BY captured_at DESC, seq DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}
	defer rows.Close()

	var out []*domain.Reading
	for rows.Next() {
		r, err := scanSQLiteReading(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning reading: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseReadings(out)
	return out, nil
}

// LatestReading returns the newest reading or nil.
func (s *SQLiteRepository) LatestReading(ctx context.Context, patientID string) (*domain.Reading, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteReadingColumns+` FROM readings
		WHERE patient_id = ? ORDER BY captured_at DESC, seq DESC LIMIT 1`, patientID)
	r, err := scanSQLiteReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, perr := s.GetPatient(ctx, patientID); perr != nil {
			return nil, perr
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest reading: %w", err)
	}
	return r, nil
}

// LatestCaptureTime returns the newest capture time across all patients.
func (s *SQLiteRepository) LatestCaptureTime(ctx context.Context) (time.Time, error) {
	var latest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(captured_at) FROM readings`).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("getting latest capture time: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return fromNanos(latest.Int64), nil
}

// RemovePatient deletes everything stored for a patient in one transaction.
func (s *SQLiteRepository) RemovePatient(ctx context.Context, patientID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM assessments WHERE patient_id = ?`, patientID); err != nil {
		return fmt.Errorf("deleting assessments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM readings WHERE patient_id = ?`, patientID); err != nil {
		return fmt.Errorf("deleting readings: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM patients WHERE id = ?`, patientID)
	if err != nil {
		return fmt.Errorf("deleting patient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPatientNotFound
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO retired_patient_ids (id, retired_at) VALUES (?, ?)`,
		patientID, toNanos(time.Now())); err != nil {
		return fmt.Errorf("retiring patient id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing removal: %w", err)
	}

	s.log.WithField("patient_id", patientID).Info("Patient records removed")
	return nil
}

// SaveAssessment stores the one assessment allowed for a reading.
func (s *SQLiteRepository) SaveAssessment(ctx context.Context, a *domain.RiskAssessment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var readings, assessed int
	err = tx.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM readings WHERE id = ? AND patient_id = ?),
		       (SELECT COUNT(*) FROM assessments WHERE reading_id = ?)`,
		a.ReadingID, a.PatientID, a.ReadingID).Scan(&readings, &assessed)
	if err != nil {
		return fmt.Errorf("checking reading: %w", err)
	}
	if readings == 0 {
		return fmt.Errorf("reading %s: %w", a.ReadingID, domain.ErrNotFound)
	}
	if assessed > 0 {
		return domain.ErrAssessmentExists
	}

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	overrides, err := json.Marshal(nonNil(a.Overrides))
	if err != nil {
		return fmt.Errorf("encoding overrides: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO assessments (`+sqliteAssessmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.PatientID, a.ReadingID, a.Score, a.RawScore, a.Category.String(), a.Flag,
		string(overrides), toNanos(a.AssessedAt), a.ModelVersion)
	if err != nil {
		s.log.WithFields(logrus.Fields{"reading_id": a.ReadingID, "error": err}).Error("Failed to save assessment")
		return fmt.Errorf("inserting assessment: %w", err)
	}
	return tx.Commit()
}

// AssessmentsForReadings returns assessments keyed by reading id.
func (s *SQLiteRepository) AssessmentsForReadings(ctx context.Context, patientID string, readingIDs []string) (map[string]*domain.RiskAssessment, error) {
	out := make(map[string]*domain.RiskAssessment, len(readingIDs))
	if len(readingIDs) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(readingIDs)), ",")
	args := make([]interface{}, 0, len(readingIDs)+1)
	args = append(args, patientID)
	for _, id := range readingIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteAssessmentColumns+` FROM assessments
		WHERE patient_id = ? AND reading_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying assessments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanSQLiteAssessment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning assessment: %w", err)
		}
		out[a.ReadingID] = a
	}
	return out, rows.Err()
}

// LatestAssessment returns the assessment of the newest assessed reading.
func (s *SQLiteRepository) LatestAssessment(ctx context.Context, patientID string) (*domain.RiskAssessment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT a.id, a.patient_id, a.reading_id, a.score, a.raw_score,
			a.category, a.flag, a.overrides, a.assessed_at, a.model_version
		FROM assessments a JOIN readings r ON r.id = a.reading_id
		WHERE a.patient_id = ? ORDER BY r.captured_at DESC, r.seq DESC LIMIT 1`, patientID)
	a, err := scanSQLiteAssessment(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, perr := s.GetPatient(ctx, patientID); perr != nil {
			return nil, perr
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest assessment: %w", err)
	}
	return a, nil
}

// Close closes the database.
func (s *SQLiteRepository) Close() error {
	return s.db.Close()
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// Ping checks that the database is reachable.
func (s *SQLiteRepository) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
