package domain

import (
	"context"
	"time"
)

// PatientStore persists patient header records.
type PatientStore interface {
	// CreatePatient fails with ErrPatientExists for any identifier ever
	// registered, including removed ones.
	CreatePatient(ctx context.Context, patient *Patient) error
	GetPatient(ctx context.Context, id string) (*Patient, error)
	ListPatients(ctx context.Context) ([]*Patient, error)
	// TouchPatient writes the two mutable header fields. An empty
	// assessmentID leaves the latest assessment pointer unchanged.
	TouchPatient(ctx context.Context, id string, lastUpdated time.Time, assessmentID string) error
}

// TimeSeriesStore is the append-only, ordered reading series per patient.
type TimeSeriesStore interface {
	// AppendReading stores r and returns its identifier. It fails with
	// ErrPatientNotFound or ErrReadingOutOfOrder.
	AppendReading(ctx context.Context, patientID string, r *Reading) (string, error)
	// QueryReadings returns the most recent q.Limit readings inside the
	// inclusive range, oldest first.
	QueryReadings(ctx context.Context, patientID string, q RangeQuery) ([]*Reading, error)
	// LatestReading returns nil, nil when the patient has no readings.
	LatestReading(ctx context.Context, patientID string) (*Reading, error)
	// LatestCaptureTime is the newest capture time across all patients;
	// zero when nothing is stored.
	LatestCaptureTime(ctx context.Context) (time.Time, error)
	// RemovePatient deletes every reading, assessment and the header of a
	// patient in one transaction. The identifier stays retired.
	RemovePatient(ctx context.Context, patientID string) error
}

// AssessmentStore persists assessments, at most one per reading.
type AssessmentStore interface {
	// SaveAssessment fails with ErrAssessmentExists if the reading already
	// has one.
	SaveAssessment(ctx context.Context, a *RiskAssessment) error
	AssessmentsForReadings(ctx context.Context, patientID string, readingIDs []string) (map[string]*RiskAssessment, error)
	// LatestAssessment returns nil, nil when the patient has none.
	LatestAssessment(ctx context.Context, patientID string) (*RiskAssessment, error)
}

// Repository is everything the pipeline needs from storage.
type Repository interface {
	PatientStore
	TimeSeriesStore
	AssessmentStore
	Close() error
}

// ModelInput is the scorer's input vector.
type ModelInput struct {
	HeartRate        float64 `json:"heartrate"`
	SystolicBP       float64 `json:"sbp"`
	DiastolicBP      float64 `json:"dbp"`
	RespiratoryRate  float64 `json:"resprate"`
	OxygenSaturation float64 `json:"o2sat"`
	Temperature      float64 `json:"temperature"`
	Acuity           int     `json:"acuity"`
	ArrivalAmbulance int     `json:"arrival_ambulance"`
}

// Vector returns the input in the model's fixed feature order.
func (in ModelInput) Vector() []float64 {
	return []float64{
		in.HeartRate, in.SystolicBP, in.DiastolicBP, in.RespiratoryRate,
		in.OxygenSaturation, in.Temperature, float64(in.Acuity), float64(in.ArrivalAmbulance),
	}
}

// Scorer produces a continuous risk score, nominally on the 0-100 scale.
type Scorer interface {
	Score(ctx context.Context, in ModelInput) (float64, error)
	Version() string
}

// TimeSource is the single source of current time for the pipeline.
type TimeSource interface {
	Now() time.Time
}

// TimeSourceFunc adapts a function to TimeSource.
type TimeSourceFunc func() time.Time

// Now implements TimeSource.
func (f TimeSourceFunc) Now() time.Time { return f() }

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	GetPolicyConfig() *PolicyConfig
	Validate() error
	Reload() error
}
