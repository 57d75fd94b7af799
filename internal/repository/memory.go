package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patient-risk-monitor/internal/domain"
)

// MemoryRepository keeps all three series in process memory. Returned
// values are copies; stored records are never mutated in place.
type MemoryRepository struct {
	mu          sync.RWMutex
	patients    map[string]*domain.Patient
	retired     map[string]struct{}
	readings    map[string][]*domain.Reading
	readingByID map[string]*domain.Reading
	assessments map[string]*domain.RiskAssessment
	seq         int64
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		patients:    make(map[string]*domain.Patient),
		retired:     make(map[string]struct{}),
		readings:    make(map[string][]*domain.Reading),
		readingByID: make(map[string]*domain.Reading),
		assessments: make(map[string]*domain.RiskAssessment),
	}
}

// CreatePatient registers a new patient header.
func (m *MemoryRepository) CreatePatient(ctx context.Context, patient *domain.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.patients[patient.ID]; ok {
		return domain.ErrPatientExists
	}
	if _, ok := m.retired[patient.ID]; ok {
		return domain.ErrPatientExists
	}
	p := *patient
	m.patients[p.ID] = &p
	return nil
}

// GetPatient returns a patient header.
func (m *MemoryRepository) GetPatient(ctx context.Context, id string) (*domain.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.patients[id]
	if !ok {
		return nil, domain.ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

// ListPatients returns all patients ordered by registration time.
func (m *MemoryRepository) ListPatients(ctx context.Context) ([]*domain.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.Patient, 0, len(m.patients))
	for _, p := range m.patients {
		cp := *p
		out = append(out, &cp)
	}
	sortPatients(out)
	return out, nil
}

// TouchPatient updates the mutable header fields.
func (m *MemoryRepository) TouchPatient(ctx context.Context, id string, lastUpdated time.Time, assessmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.patients[id]
	if !ok {
		return domain.ErrPatientNotFound
	}
	p.LastUpdated = lastUpdated.UTC()
	if assessmentID != "" {
		p.LatestAssessmentID = assessmentID
	}
	return nil
}

// AppendReading appends r to the patient's series.
func (m *MemoryRepository) AppendReading(ctx context.Context, patientID string, r *domain.Reading) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.patients[patientID]; !ok {
		return "", domain.ErrPatientNotFound
	}
	series := m.readings[patientID]
	if n := len(series); n > 0 && r.CapturedAt.Before(series[n-1].CapturedAt) {
		return "", domain.ErrReadingOutOfOrder
	}

	stored := *r
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if _, dup := m.readingByID[stored.ID]; dup {
		return "", fmt.Errorf("reading %s already stored", stored.ID)
	}
	m.seq++
	stored.Seq = m.seq
	stored.PatientID = patientID
	stored.CapturedAt = stored.CapturedAt.UTC()

	m.readings[patientID] = append(series, &stored)
	m.readingByID[stored.ID] = &stored

	r.ID, r.Seq, r.PatientID = stored.ID, stored.Seq, patientID
	return stored.ID, nil
}

// QueryReadings returns the most recent matching readings, oldest first.
func (m *MemoryRepository) QueryReadings(ctx context.Context, patientID string, q domain.RangeQuery) ([]*domain.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.patients[patientID]; !ok {
		return nil, domain.ErrPatientNotFound
	}

	var matched []*domain.Reading
	for _, r := range m.readings[patientID] {
		if !q.Start.IsZero() && r.CapturedAt.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && r.CapturedAt.After(q.End) {
			continue
		}
		matched = append(matched, r)
	}

	limit := effectiveLimit(q.Limit)
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	out := make([]*domain.Reading, len(matched))
	for i, r := range matched {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

// LatestReading returns the newest reading or nil.
func (m *MemoryRepository) LatestReading(ctx context.Context, patientID string) (*domain.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.patients[patientID]; !ok {
		return nil, domain.ErrPatientNotFound
	}
	series := m.readings[patientID]
	if len(series) == 0 {
		return nil, nil
	}
	cp := *series[len(series)-1]
	return &cp, nil
}

// LatestCaptureTime returns the newest capture time across all patients.
func (m *MemoryRepository) LatestCaptureTime(ctx context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest time.Time
	for _, series := range m.readings {
		if n := len(series); n > 0 && series[n-1].CapturedAt.After(latest) {
			latest = series[n-1].CapturedAt
		}
	}
	return latest, nil
}

// RemovePatient deletes everything stored for a patient and retires the id.
func (m *MemoryRepository) RemovePatient(ctx context.Context, patientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.patients[patientID]; !ok {
		return domain.ErrPatientNotFound
	}
	for _, r := range m.readings[patientID] {
		delete(m.assessments, r.ID)
		delete(m.readingByID, r.ID)
	}
	delete(m.readings, patientID)
	delete(m.patients, patientID)
	m.retired[patientID] = struct{}{}
	return nil
}

// SaveAssessment stores the one assessment allowed for a reading.
func (m *MemoryRepository) SaveAssessment(ctx context.Context, a *domain.RiskAssessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.readingByID[a.ReadingID]
	if !ok || r.PatientID != a.PatientID {
		return fmt.Errorf("reading %s: %w", a.ReadingID, domain.ErrNotFound)
	}
	if _, exists := m.assessments[a.ReadingID]; exists {
		return domain.ErrAssessmentExists
	}

	stored := *a
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	stored.AssessedAt = stored.AssessedAt.UTC()
	stored.Overrides = append([]string(nil), a.Overrides...)
	m.assessments[a.ReadingID] = &stored
	a.ID = stored.ID
	return nil
}

// AssessmentsForReadings returns assessments keyed by reading id.
func (m *MemoryRepository) AssessmentsForReadings(ctx context.Context, patientID string, readingIDs []string) (map[string]*domain.RiskAssessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*domain.RiskAssessment, len(readingIDs))
	for _, id := range readingIDs {
		if a, ok := m.assessments[id]; ok && a.PatientID == patientID {
			cp := *a
			out[id] = &cp
		}
	}
	return out, nil
}

// LatestAssessment returns the assessment of the newest assessed reading.
func (m *MemoryRepository) LatestAssessment(ctx context.Context, patientID string) (*domain.RiskAssessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.patients[patientID]; !ok {
		return nil, domain.ErrPatientNotFound
	}
	series := m.readings[patientID]
	for i := len(series) - 1; i >= 0; i-- {
		if a, ok := m.assessments[series[i].ID]; ok {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

// Close is a no-op.
func (m *MemoryRepository) Close() error { return nil }
