// Package events fans pipeline and clock notifications out to sinks such
// as the live websocket feed, the snapshot cache and the alert topic.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/patient-risk-monitor/internal/domain"
)

// Type names an event kind on the wire.
type Type string

const (
	AssessmentCreated Type = "assessment.created"
	ReadingDegraded   Type = "reading.degraded"
	ClockTick         Type = "clock.tick"
)

// TickSummary describes one completed recomputation pass.
type TickSummary struct {
	Seq               int64     `json:"seq"`
	SimulatedTime     time.Time `json:"simulatedTime"`
	PatientsProcessed int       `json:"patientsProcessed"`
}

// Event is one notification. Which payload fields are set depends on Type.
type Event struct {
	Type       Type                   `json:"type"`
	PatientID  string                 `json:"patientId,omitempty"`
	Patient    *domain.Patient        `json:"patient,omitempty"`
	Reading    *domain.Reading        `json:"reading,omitempty"`
	Assessment *domain.RiskAssessment `json:"assessment,omitempty"`
	Tick       *TickSummary           `json:"tick,omitempty"`
	OccurredAt time.Time              `json:"occurredAt"`
}

// Publisher accepts events without blocking the caller on delivery.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Sink receives events from a Bus.
type Sink interface {
	Name() string
	Handle(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) {}

// DefaultBufferSize is the queue length of a Bus.
const DefaultBufferSize = 256

// Bus queues events and delivers them to every sink from one goroutine, so
// sinks see events in publish order. A full queue drops the event.
type Bus struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	log     *logrus.Logger

	once sync.Once
	done chan struct{}
}

// NewBus creates a bus over sinks. Call Run to start delivery.
func NewBus(logger *logrus.Logger, sinks ...Sink) *Bus {
	return &Bus{
		sinks:   sinks,
		queue:   make(chan Event, DefaultBufferSize),
		timeout: 5 * time.Second,
		log:     logger,
		done:    make(chan struct{}),
	}
}

// Publish implements Publisher.
func (b *Bus) Publish(_ context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	select {
	case b.queue <- e:
	default:
		b.log.WithFields(logrus.Fields{
			"event":      e.Type,
			"patient_id": e.PatientID,
		}).Warn("Event queue full, dropping event")
	}
}

// Run delivers events until ctx is cancelled or Close is called, then
// drains whatever is still queued.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case e := <-b.queue:
			b.deliver(e)
		case <-ctx.Done():
			b.drain()
			return
		case <-b.done:
			b.drain()
			return
		}
	}
}

// Close stops Run after the queue drains.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.done) })
}

func (b *Bus) drain() {
	for {
		select {
		case e := <-b.queue:
			b.deliver(e)
		default:
			return
		}
	}
}

func (b *Bus) deliver(e Event) {
	for _, s := range b.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		if err := s.Handle(ctx, e); err != nil {
			b.log.WithFields(logrus.Fields{
				"sink":       s.Name(),
				"event":      e.Type,
				"patient_id": e.PatientID,
				"error":      err.Error(),
			}).Error("Event sink failed")
		}
		cancel()
	}
}
