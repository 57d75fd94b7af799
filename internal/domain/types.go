// Package domain contains the core entities of the vitals monitoring pipeline:
// patients, their vital-sign readings, the risk assessments derived from those
// readings, and the contracts the pipeline depends on.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ArrivalMode is how a patient arrived at the department.
type ArrivalMode string

const (
	ArrivalAmbulance ArrivalMode = "Ambulance"
	ArrivalWalkIn    ArrivalMode = "Walk-in"
)

// Valid reports whether m is one of the known arrival modes.
func (m ArrivalMode) Valid() bool {
	return m == ArrivalAmbulance || m == ArrivalWalkIn
}

// ParseArrivalMode accepts the canonical names case-insensitively, plus the
// common "walkin" and "walk_in" spellings.
func ParseArrivalMode(s string) (ArrivalMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ambulance":
		return ArrivalAmbulance, nil
	case "walk-in", "walkin", "walk_in":
		return ArrivalWalkIn, nil
	}
	return "", fmt.Errorf("unknown arrival mode %q", s)
}

// RiskCategory is the closed, totally ordered set of risk labels.
// The zero value is not a valid category.
type RiskCategory int

const (
	RiskLow RiskCategory = iota + 1
	RiskModerate
	RiskHigh
)

var riskCategoryNames = map[RiskCategory]string{
	RiskLow:      "LOW",
	RiskModerate: "MODERATE",
	RiskHigh:     "HIGH",
}

// String returns the wire name of the category.
func (c RiskCategory) String() string {
	if name, ok := riskCategoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("RiskCategory(%d)", int(c))
}

// Valid reports whether c is LOW, MODERATE or HIGH.
func (c RiskCategory) Valid() bool {
	return c >= RiskLow && c <= RiskHigh
}

// Compare returns -1, 0 or +1 in the order LOW < MODERATE < HIGH.
func (c RiskCategory) Compare(other RiskCategory) int {
	switch {
	case c < other:
		return -1
	case c > other:
		return 1
	default:
		return 0
	}
}

// Max returns the more severe of the two categories.
func (c RiskCategory) Max(other RiskCategory) RiskCategory {
	if other > c {
		return other
	}
	return c
}

// ParseRiskCategory parses a wire name such as "HIGH".
func ParseRiskCategory(s string) (RiskCategory, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for c, name := range riskCategoryNames {
		if name == upper {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown risk category %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c RiskCategory) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid risk category %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *RiskCategory) UnmarshalText(text []byte) error {
	parsed, err := ParseRiskCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// RiskCategories lists every category in ascending order.
func RiskCategories() []RiskCategory {
	return []RiskCategory{RiskLow, RiskModerate, RiskHigh}
}

// Patient is the single mutable header record per patient. LastUpdated and
// LatestAssessmentID are only written under that patient's serialization.
type Patient struct {
	ID                 string      `json:"id"`
	ArrivalMode        ArrivalMode `json:"arrivalMode"`
	AcuityLevel        int         `json:"acuityLevel"`
	RegisteredAt       time.Time   `json:"registeredAt"`
	LastUpdated        time.Time   `json:"lastUpdated"`
	LatestAssessmentID string      `json:"latestAssessmentId,omitempty"`
}

// VitalSigns holds the six measured values of one reading.
type VitalSigns struct {
	HeartRate        float64 `json:"heartRate"`
	SystolicBP       float64 `json:"systolicBP"`
	DiastolicBP      float64 `json:"diastolicBP"`
	RespiratoryRate  float64 `json:"respiratoryRate"`
	OxygenSaturation float64 `json:"oxygenSaturation"`
	Temperature      float64 `json:"temperature"`
}

// Reading is one immutable, timestamped set of vitals for a patient.
// Seq is the store's insertion order and breaks capture-time ties.
type Reading struct {
	ID         string     `json:"id"`
	PatientID  string     `json:"patientId"`
	Vitals     VitalSigns `json:"vitals"`
	CapturedAt time.Time  `json:"capturedAt"`
	RecordedBy string     `json:"recordedBy"`
	Seq        int64      `json:"-"`
}

// Before orders readings by capture time, then insertion order.
func (r *Reading) Before(other *Reading) bool {
	if r.CapturedAt.Equal(other.CapturedAt) {
		return r.Seq < other.Seq
	}
	return r.CapturedAt.Before(other.CapturedAt)
}

// RiskAssessment is the scored output tied to exactly one reading.
type RiskAssessment struct {
	ID           string       `json:"id"`
	PatientID    string       `json:"patientId"`
	ReadingID    string       `json:"readingId"`
	Score        float64      `json:"score"`
	RawScore     float64      `json:"rawScore"`
	Category     RiskCategory `json:"category"`
	Flag         bool         `json:"flag"`
	Overrides    []string     `json:"overrides"`
	AssessedAt   time.Time    `json:"assessedAt"`
	ModelVersion string       `json:"modelVersion"`
}

// MarshalJSON keeps the overrides list stable as an empty array.
func (a RiskAssessment) MarshalJSON() ([]byte, error) {
	type alias RiskAssessment
	if a.Overrides == nil {
		a.Overrides = []string{}
	}
	return json.Marshal(alias(a))
}

// HistoryEntry pairs a reading with its assessment, nil when degraded.
type HistoryEntry struct {
	Reading    *Reading        `json:"reading"`
	Assessment *RiskAssessment `json:"assessment"`
}

// RangeQuery selects readings for one patient. Zero Start or End leaves that
// side of the inclusive range open; Limit of zero means the store maximum.
type RangeQuery struct {
	Start time.Time
	End   time.Time
	Limit int
}

// MaxHistoryLimit caps every history query.
const MaxHistoryLimit = 1000

// PipelineState is one step in the life of a submitted reading.
type PipelineState string

const (
	StateReceived  PipelineState = "RECEIVED"
	StateValidated PipelineState = "VALIDATED"
	StateRejected  PipelineState = "REJECTED"
	StateStored    PipelineState = "STORED"
	StateScoring   PipelineState = "SCORING"
	StateScored    PipelineState = "SCORED"
	StateDegraded  PipelineState = "DEGRADED"
	StatePersisted PipelineState = "PERSISTED"
)

// Anomaly is an advisory finding about a reading that is still accepted.
type Anomaly struct {
	Field   string  `json:"field"`
	Message string  `json:"message"`
	Delta   float64 `json:"delta,omitempty"`
}

// PatientStatus is the dashboard view of one patient.
type PatientStatus struct {
	Patient          *Patient        `json:"patient"`
	LatestReading    *Reading        `json:"latestReading"`
	LatestAssessment *RiskAssessment `json:"latestAssessment"`
}

// AssessmentStats counts patients by the category of their latest assessment.
type AssessmentStats struct {
	TotalPatients int            `json:"totalPatients"`
	Assessed      int            `json:"assessed"`
	Unassessed    int            `json:"unassessed"`
	ByCategory    map[string]int `json:"byCategory"`
	AverageScore  float64        `json:"averageScore"`
	Flagged       int            `json:"flagged"`
}
