// Package mcp exposes the monitor as Model Context Protocol tools over
// stdio. Every tool goes through the same pipeline and clock as the HTTP
// API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/patient-risk-monitor/internal/clock"
	"github.com/patient-risk-monitor/internal/domain"
	"github.com/patient-risk-monitor/internal/service"
)

// Clock is the simulation control surface.
type Clock interface {
	Start(ctx context.Context, anchor time.Time) (time.Time, error)
	Tick(ctx context.Context) (*clock.TickResult, error)
	Stop() time.Time
	Status() clock.Status
}

// Options configure a Server. An empty ExportDir disables export_history.
type Options struct {
	Name      string
	Version   string
	Pipeline  *service.Pipeline
	Clock     Clock
	ExportDir string
	Logger    *logrus.Logger
}

// Server is the MCP tool server.
type Server struct {
	pipeline  *service.Pipeline
	clock     Clock
	exportDir string
	mcpServer *mcp.Server
	logger    *logrus.Logger
}

// NewServer creates the server and registers every tool.
func NewServer(opts Options) (*Server, error) {
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if opts.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Name == "" {
		opts.Name = "patient-risk-monitor"
	}
	if opts.Version == "" {
		opts.Version = "v1.0.0"
	}

	s := &Server{
		pipeline:  opts.Pipeline,
		clock:     opts.Clock,
		exportDir: opts.ExportDir,
		logger:    opts.Logger,
		mcpServer: mcp.NewServer(&mcp.Implementation{Name: opts.Name, Version: opts.Version}, nil),
	}
	s.registerTools()
	return s, nil
}

// Run serves over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting MCP server on stdio")
	if err := s.mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}

// Connect serves one session over t, mainly for in-process clients.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcpServer.Connect(ctx, t, nil)
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "register_patient",
		Description: "Register a patient, optionally with initial vitals that are validated and scored",
	}, s.registerPatient)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "submit_vitals",
		Description: "Submit one vital-signs reading; it is validated, stored and risk-scored",
	}, s.submitVitals)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_history",
		Description: "Readings for a patient, oldest first, each with its assessment or null when degraded",
	}, s.getHistory)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "patient_status",
		Description: "Patient header with the latest reading and latest risk assessment",
	}, s.patientStatus)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "clock_start",
		Description: "Start the accelerated simulated clock; idempotent while running",
	}, s.clockStart)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "clock_tick",
		Description: "Run one recomputation pass over every patient now",
	}, s.clockTick)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "clock_stop",
		Description: "Stop the simulated clock and freeze simulated time",
	}, s.clockStop)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "clock_status",
		Description: "Simulated clock state and tick count",
	}, s.clockStatus)
	if s.exportDir != "" {
		mcp.AddTool(s.mcpServer, &mcp.Tool{
			Name:        "export_history",
			Description: "Write a patient's history to an xlsx workbook and return its path",
		}, s.exportHistory)
	}
	s.logger.Debug("Registered MCP tools")
}

// textResult renders v as the JSON text content of a tool result.
func textResult(v interface{}) (*mcp.CallToolResult, any, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
	}, nil, nil
}

// errorResult reports err to the client with the same safe shape the HTTP
// API uses. Internal detail only goes to the log.
func (s *Server) errorResult(tool string, err error) (*mcp.CallToolResult, any, error) {
	apiErr := domain.APIErrorFrom(err, "")
	s.logger.WithFields(logrus.Fields{
		"tool":     tool,
		"category": apiErr.Code,
		"error":    err.Error(),
	}).Warn("Tool call failed")

	payload, mErr := json.MarshalIndent(apiErr, "", "  ")
	if mErr != nil {
		return nil, nil, fmt.Errorf("failed to marshal error: %w", mErr)
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
	}, nil, nil
}

func parseOptionalTime(field, raw string) (time.Time, error) {
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
