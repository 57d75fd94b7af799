package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/patient-risk-monitor/internal/domain"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes assessments at or above a minimum category to a
// topic, keyed by patient id so one patient's alerts stay ordered.
type KafkaSink struct {
	writer      messageWriter
	minCategory domain.RiskCategory
}

// NewKafkaSink creates a writer for cfg.
func NewKafkaSink(cfg domain.KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	minCategory := domain.RiskHigh
	if cfg.MinCategory != "" {
		c, err := domain.ParseRiskCategory(cfg.MinCategory)
		if err != nil {
			return nil, fmt.Errorf("parsing kafka min category: %w", err)
		}
		minCategory = c
	}

	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: timeout,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaSink(writer, minCategory), nil
}

func newKafkaSink(w messageWriter, minCategory domain.RiskCategory) *KafkaSink {
	return &KafkaSink{writer: w, minCategory: minCategory}
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Handle implements Sink.
func (s *KafkaSink) Handle(ctx context.Context, e Event) error {
	if e.Type != AssessmentCreated || e.Assessment == nil {
		return nil
	}
	if e.Assessment.Category.Compare(s.minCategory) < 0 {
		return nil
	}

	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.PatientID),
		Value: value,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(e.Type)},
			{Key: "category", Value: []byte(e.Assessment.Category.String())},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing alert for patient %s: %w", e.PatientID, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
