package mcp

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/patient-risk-monitor/internal/domain"
	"github.com/patient-risk-monitor/internal/export"
	"github.com/patient-risk-monitor/internal/service"
	"github.com/patient-risk-monitor/internal/validation"
)

// VitalsInput carries the six measurements of one reading.
type VitalsInput struct {
	HeartRate        float64 `json:"heartRate" jsonschema:"heart rate in beats per minute"`
	SystolicBP       float64 `json:"systolicBP" jsonschema:"systolic blood pressure in mmHg"`
	DiastolicBP      float64 `json:"diastolicBP" jsonschema:"diastolic blood pressure in mmHg"`
	RespiratoryRate  float64 `json:"respiratoryRate" jsonschema:"breaths per minute"`
	OxygenSaturation float64 `json:"oxygenSaturation" jsonschema:"SpO2 percentage"`
	Temperature      float64 `json:"temperature" jsonschema:"body temperature in Celsius"`
}

func (v VitalsInput) signs() domain.VitalSigns {
	return domain.VitalSigns{
		HeartRate:        v.HeartRate,
		SystolicBP:       v.SystolicBP,
		DiastolicBP:      v.DiastolicBP,
		RespiratoryRate:  v.RespiratoryRate,
		OxygenSaturation: v.OxygenSaturation,
		Temperature:      v.Temperature,
	}
}

// RegisterPatientInput is the register_patient argument.
type RegisterPatientInput struct {
	ID            string       `json:"id,omitempty" jsonschema:"patient identifier; generated when empty"`
	ArrivalMode   string       `json:"arrivalMode" jsonschema:"Ambulance or Walk-in"`
	AcuityLevel   int          `json:"acuityLevel" jsonschema:"triage acuity from 1 to 5"`
	InitialVitals *VitalsInput `json:"initialVitals,omitempty" jsonschema:"optional first reading"`
	RecordedBy    string       `json:"recordedBy,omitempty" jsonschema:"who recorded the initial vitals"`
}

// SubmitVitalsInput is the submit_vitals argument.
type SubmitVitalsInput struct {
	PatientID        string  `json:"patientId" jsonschema:"registered patient identifier"`
	HeartRate        float64 `json:"heartRate" jsonschema:"heart rate in beats per minute"`
	SystolicBP       float64 `json:"systolicBP" jsonschema:"systolic blood pressure in mmHg"`
	DiastolicBP      float64 `json:"diastolicBP" jsonschema:"diastolic blood pressure in mmHg"`
	RespiratoryRate  float64 `json:"respiratoryRate" jsonschema:"breaths per minute"`
	OxygenSaturation float64 `json:"oxygenSaturation" jsonschema:"SpO2 percentage"`
	Temperature      float64 `json:"temperature" jsonschema:"body temperature in Celsius"`
	CapturedAt       string  `json:"capturedAt,omitempty" jsonschema:"RFC 3339 capture time; defaults to the simulated now"`
	RecordedBy       string  `json:"recordedBy,omitempty" jsonschema:"who recorded the reading"`
}

func (in SubmitVitalsInput) signs() domain.VitalSigns {
	return VitalsInput{
		HeartRate:        in.HeartRate,
		SystolicBP:       in.SystolicBP,
		DiastolicBP:      in.DiastolicBP,
		RespiratoryRate:  in.RespiratoryRate,
		OxygenSaturation: in.OxygenSaturation,
		Temperature:      in.Temperature,
	}.signs()
}

// HistoryInput is the get_history and export_history argument.
type HistoryInput struct {
	PatientID string `json:"patientId" jsonschema:"registered patient identifier"`
	StartTime string `json:"startTime,omitempty" jsonschema:"inclusive RFC 3339 lower bound"`
	EndTime   string `json:"endTime,omitempty" jsonschema:"inclusive RFC 3339 upper bound"`
	Limit     int    `json:"limit,omitempty" jsonschema:"most recent readings to return, at most 1000"`
}

func (in HistoryInput) query() (domain.RangeQuery, error) {
	start, err := parseOptionalTime("startTime", in.StartTime)
	if err != nil {
		return domain.RangeQuery{}, err
	}
	end, err := parseOptionalTime("endTime", in.EndTime)
	if err != nil {
		return domain.RangeQuery{}, err
	}
	return domain.RangeQuery{Start: start, End: end, Limit: in.Limit}, nil
}

// PatientInput names one patient.
type PatientInput struct {
	PatientID string `json:"patientId" jsonschema:"registered patient identifier"`
}

// ClockStartInput is the clock_start argument.
type ClockStartInput struct {
	AnchorTime string `json:"anchorTime,omitempty" jsonschema:"RFC 3339 simulated start; defaults to the latest stored reading"`
}

// NoInput is the argument of tools that take none.
type NoInput struct{}

func (s *Server) registerPatient(ctx context.Context, _ *mcp.CallToolRequest, in RegisterPatientInput) (*mcp.CallToolResult, any, error) {
	mode, err := domain.ParseArrivalMode(in.ArrivalMode)
	if err != nil {
		mode = domain.ArrivalMode(in.ArrivalMode)
	}
	req := service.RegisterRequest{
		ID:          in.ID,
		ArrivalMode: mode,
		AcuityLevel: in.AcuityLevel,
		RecordedBy:  in.RecordedBy,
	}
	if in.InitialVitals != nil {
		v := in.InitialVitals.signs()
		req.InitialVitals = &v
	}

	result, err := s.pipeline.RegisterPatient(ctx, req)
	if err != nil {
		return s.errorResult("register_patient", err)
	}
	return textResult(result)
}

func (s *Server) submitVitals(ctx context.Context, _ *mcp.CallToolRequest, in SubmitVitalsInput) (*mcp.CallToolResult, any, error) {
	capturedAt, err := parseOptionalTime(validation.FieldCapturedAt, in.CapturedAt)
	if err != nil {
		return s.errorResult("submit_vitals", err)
	}
	recordedBy := in.RecordedBy
	if recordedBy == "" {
		recordedBy = "mcp"
	}

	c := validation.CandidateFromVitals(in.PatientID, in.signs(), capturedAt, recordedBy)
	result, err := s.pipeline.Submit(ctx, c)
	if err != nil {
		return s.errorResult("submit_vitals", err)
	}
	return textResult(map[string]interface{}{
		"readingId":  result.ReadingID,
		"stored":     result.Stored,
		"degraded":   result.Degraded(),
		"assessment": result.Assessment,
		"anomalies":  result.Anomalies,
		"trace":      result.Trace,
	})
}

func (s *Server) getHistory(ctx context.Context, _ *mcp.CallToolRequest, in HistoryInput) (*mcp.CallToolResult, any, error) {
	q, err := in.query()
	if err != nil {
		return s.errorResult("get_history", err)
	}
	entries, err := s.pipeline.History(ctx, in.PatientID, q)
	if err != nil {
		return s.errorResult("get_history", err)
	}
	return textResult(map[string]interface{}{
		"patientId": in.PatientID,
		"entries":   entries,
		"count":     len(entries),
	})
}

func (s *Server) patientStatus(ctx context.Context, _ *mcp.CallToolRequest, in PatientInput) (*mcp.CallToolResult, any, error) {
	status, err := s.pipeline.PatientStatus(ctx, in.PatientID)
	if err != nil {
		return s.errorResult("patient_status", err)
	}
	return textResult(status)
}

func (s *Server) clockStart(ctx context.Context, _ *mcp.CallToolRequest, in ClockStartInput) (*mcp.CallToolResult, any, error) {
	anchor, err := parseOptionalTime("anchorTime", in.AnchorTime)
	if err != nil {
		return s.errorResult("clock_start", err)
	}
	started, err := s.clock.Start(ctx, anchor)
	if err != nil {
		return s.errorResult("clock_start", err)
	}
	return textResult(map[string]interface{}{"simulatedStartTime": started})
}

func (s *Server) clockTick(ctx context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, any, error) {
	result, err := s.clock.Tick(ctx)
	if err != nil {
		return s.errorResult("clock_tick", err)
	}
	return textResult(result)
}

func (s *Server) clockStop(_ context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, any, error) {
	return textResult(map[string]interface{}{"finalSimulatedTime": s.clock.Stop()})
}

func (s *Server) clockStatus(_ context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, any, error) {
	return textResult(s.clock.Status())
}

func (s *Server) exportHistory(ctx context.Context, _ *mcp.CallToolRequest, in HistoryInput) (*mcp.CallToolResult, any, error) {
	q, err := in.query()
	if err != nil {
		return s.errorResult("export_history", err)
	}
	patient, err := s.pipeline.GetPatient(ctx, in.PatientID)
	if err != nil {
		return s.errorResult("export_history", err)
	}
	entries, err := s.pipeline.History(ctx, in.PatientID, q)
	if err != nil {
		return s.errorResult("export_history", err)
	}

	path, err := export.SaveHistory(s.exportDir, patient, entries, time.Now())
	if err != nil {
		return s.errorResult("export_history", err)
	}
	return textResult(map[string]interface{}{"path": path, "count": len(entries)})
}
