package validation

import "time"

// Payload is the wire shape of a submitted reading shared by the HTTP,
// MQTT and tool surfaces. Missing measurements stay nil so they can be
// reported as malformed.
type Payload struct {
	PatientID        string     `json:"patientId,omitempty"`
	HeartRate        *float64   `json:"heartRate"`
	SystolicBP       *float64   `json:"systolicBP"`
	DiastolicBP      *float64   `json:"diastolicBP"`
	RespiratoryRate  *float64   `json:"respiratoryRate"`
	OxygenSaturation *float64   `json:"oxygenSaturation"`
	Temperature      *float64   `json:"temperature"`
	CapturedAt       *time.Time `json:"capturedAt,omitempty"`
	RecordedBy       string     `json:"recordedBy,omitempty"`
}

// Candidate converts the payload for patientID. A nil capture time stays
// zero for the pipeline to fill from its clock.
func (p Payload) Candidate(patientID string) Candidate {
	c := Candidate{
		PatientID:        patientID,
		HeartRate:        p.HeartRate,
		SystolicBP:       p.SystolicBP,
		DiastolicBP:      p.DiastolicBP,
		RespiratoryRate:  p.RespiratoryRate,
		OxygenSaturation: p.OxygenSaturation,
		Temperature:      p.Temperature,
		RecordedBy:       p.RecordedBy,
	}
	if p.CapturedAt != nil {
		c.CapturedAt = *p.CapturedAt
	}
	return c
}
