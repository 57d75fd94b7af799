package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/patient-risk-monitor/internal/domain"
	"github.com/patient-risk-monitor/internal/export"
	"github.com/patient-risk-monitor/internal/middleware"
	"github.com/patient-risk-monitor/internal/service"
	"github.com/patient-risk-monitor/internal/validation"
)

type registerBody struct {
	ID            string             `json:"id"`
	ArrivalMode   string             `json:"arrivalMode"`
	AcuityLevel   int                `json:"acuityLevel"`
	InitialVitals *domain.VitalSigns `json:"initialVitals"`
	RecordedBy    string             `json:"recordedBy"`
}

type submitResponse struct {
	*service.SubmitResult
	Degraded bool                   `json:"degraded"`
	Trace    []domain.PipelineState `json:"trace"`
}

type startBody struct {
	AnchorTime *time.Time `json:"anchorTime"`
}

// statusFor maps an error chain to an HTTP status.
func statusFor(err error) int {
	var vf *domain.ValidationFailure
	if errors.As(err, &vf) && vf.Duplicate {
		return http.StatusConflict
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch domain.CategoryOf(err) {
	case domain.CategoryValidation:
		return http.StatusBadRequest
	case domain.CategoryPatientNotFound:
		return http.StatusNotFound
	case domain.CategoryConflict, domain.CategoryClockMisuse:
		return http.StatusConflict
	case domain.CategoryStorage, domain.CategoryScoring:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(statusFor(err), domain.APIErrorFrom(err, c.GetString(middleware.CorrelationKey)))
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
}

// handleRegisterPatient handles POST /patients
func (s *Server) handleRegisterPatient(c *gin.Context) {
	var body registerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, malformed(err))
		return
	}

	mode, err := domain.ParseArrivalMode(body.ArrivalMode)
	if err != nil {
		// left invalid so registration reports it with the other violations
		mode = domain.ArrivalMode(body.ArrivalMode)
	}

	result, err := s.pipeline.RegisterPatient(c.Request.Context(), service.RegisterRequest{
		ID:            body.ID,
		ArrivalMode:   mode,
		AcuityLevel:   body.AcuityLevel,
		InitialVitals: body.InitialVitals,
		RecordedBy:    body.RecordedBy,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// handleListPatients handles GET /patients
func (s *Server) handleListPatients(c *gin.Context) {
	patients, err := s.pipeline.ListPatients(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"patients": patients, "count": len(patients)})
}

// handleHighRisk handles GET /patients/high-risk
func (s *Server) handleHighRisk(c *gin.Context) {
	statuses, err := s.pipeline.HighRiskPatients(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"patients": statuses, "count": len(statuses)})
}

// handlePatientStatus handles GET /patients/:id
func (s *Server) handlePatientStatus(c *gin.Context) {
	status, err := s.pipeline.PatientStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// handleRemovePatient handles DELETE /patients/:id
func (s *Server) handleRemovePatient(c *gin.Context) {
	if err := s.pipeline.RemovePatient(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSubmitVitals handles POST /patients/:id/vitals
func (s *Server) handleSubmitVitals(c *gin.Context) {
	id := c.Param("id")
	var payload validation.Payload
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.respondError(c, malformed(err))
		return
	}
	if payload.PatientID != "" && payload.PatientID != id {
		s.respondError(c, domain.NewValidationFailure(validation.FieldPatientID, domain.ReasonInvalid,
			"patientId in the body does not match the path", payload.PatientID))
		return
	}

	result, err := s.pipeline.Submit(c.Request.Context(), payload.Candidate(id))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, submitResponse{
		SubmitResult: result,
		Degraded:     result.Degraded(),
		Trace:        result.Trace,
	})
}

func parseRange(c *gin.Context) (domain.RangeQuery, error) {
	var q domain.RangeQuery
	parseTime := func(field string) (time.Time, error) {
		raw := c.Query(field)
		if raw == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, domain.NewValidationFailure(field, domain.ReasonInvalid,
				field+" must be an RFC 3339 timestamp", raw)
		}
		return t, nil
	}

	var err error
	if q.Start, err = parseTime("startTime"); err != nil {
		return q, err
	}
	if q.End, err = parseTime("endTime"); err != nil {
		return q, err
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, domain.NewValidationFailure("limit", domain.ReasonInvalid, "limit must be an integer", raw)
		}
		q.Limit = n
	}
	return q, nil
}

// handleHistory handles GET /patients/:id/history
func (s *Server) handleHistory(c *gin.Context) {
	q, err := parseRange(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	entries, err := s.pipeline.History(c.Request.Context(), c.Param("id"), q)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"patientId": c.Param("id"), "entries": entries, "count": len(entries)})
}

// handleHistoryExport handles GET /patients/:id/history.xlsx
func (s *Server) handleHistoryExport(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	q, err := parseRange(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	patient, err := s.pipeline.GetPatient(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	entries, err := s.pipeline.History(ctx, id, q)
	if err != nil {
		s.respondError(c, err)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteHistory(&buf, patient, entries); err != nil {
		s.respondError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-history.xlsx"`, id))
	c.Data(http.StatusOK, export.ContentType, buf.Bytes())
}

// handleStats handles GET /assessments/stats
func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.pipeline.AssessmentStats(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleClockStart handles POST /simulation/start. The body is optional.
func (s *Server) handleClockStart(c *gin.Context) {
	var body startBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			s.respondError(c, malformed(err))
			return
		}
	}
	var anchor time.Time
	if body.AnchorTime != nil {
		anchor = *body.AnchorTime
	}

	started, err := s.clock.Start(c.Request.Context(), anchor)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"simulatedStartTime": started, "status": s.clock.Status()})
}

// handleClockTick handles POST /simulation/tick
func (s *Server) handleClockTick(c *gin.Context) {
	result, err := s.clock.Tick(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleClockStop handles POST /simulation/stop
func (s *Server) handleClockStop(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"finalSimulatedTime": s.clock.Stop()})
}

// handleClockStatus handles GET /simulation/status
func (s *Server) handleClockStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.clock.Status())
}
