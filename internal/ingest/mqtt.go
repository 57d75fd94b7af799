// Package ingest subscribes to bedside monitors over MQTT and feeds their
// readings into the pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/patient-risk-monitor/internal/domain"
	"github.com/patient-risk-monitor/internal/service"
	"github.com/patient-risk-monitor/internal/validation"
)

// Submitter accepts readings. *service.Pipeline satisfies it.
type Submitter interface {
	Submit(ctx context.Context, c validation.Candidate) (*service.SubmitResult, error)
}

// Subscriber consumes vitals/<patientId>/readings messages.
type Subscriber struct {
	cfg       domain.MQTTConfig
	submitter Submitter
	log       *logrus.Logger
	timeout   time.Duration

	mu     sync.Mutex
	client mqtt.Client
	ctx    context.Context
}

// NewSubscriber creates an unconnected subscriber.
func NewSubscriber(cfg domain.MQTTConfig, submitter Submitter, logger *logrus.Logger) *Subscriber {
	if cfg.Topic == "" {
		cfg.Topic = "vitals/+/readings"
	}
	return &Subscriber{
		cfg:       cfg,
		submitter: submitter,
		log:       logger,
		timeout:   10 * time.Second,
		ctx:       context.Background(),
	}
}

// Start connects and subscribes. The subscription is renewed on every
// reconnect. Messages are processed with a context derived from ctx.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.OnConnect = func(client mqtt.Client) {
		token := client.Subscribe(s.cfg.Topic, s.cfg.QoS, s.onMessage)
		if token.Wait() && token.Error() != nil {
			s.log.WithError(token.Error()).WithField("topic", s.cfg.Topic).Error("Failed to subscribe")
			return
		}
		s.log.WithField("topic", s.cfg.Topic).Info("Subscribed to bedside monitor topic")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.log.WithError(err).Warn("MQTT connection lost")
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return nil
}

// Stop unsubscribes and disconnects.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client == nil {
		return
	}
	if token := client.Unsubscribe(s.cfg.Topic); token.WaitTimeout(time.Second) && token.Error() != nil {
		s.log.WithError(token.Error()).Warn("Failed to unsubscribe")
	}
	client.Disconnect(250)
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	if err := s.HandleMessage(ctx, msg.Topic(), msg.Payload()); err != nil {
		s.log.WithFields(logrus.Fields{
			"topic": msg.Topic(),
			"error": err.Error(),
		}).Warn("Bedside reading not accepted")
	}
}

// HandleMessage decodes one message and submits it. The patient comes from
// the topic; a patientId in the payload must agree with it.
func (s *Subscriber) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	patientID, err := PatientFromTopic(s.cfg.Topic, topic)
	if err != nil {
		return err
	}

	var p validation.Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: decoding reading: %v", domain.ErrMalformedInput, err)
	}
	if p.PatientID != "" && p.PatientID != patientID {
		return fmt.Errorf("%w: payload patient %q does not match topic patient %q",
			domain.ErrMalformedInput, p.PatientID, patientID)
	}
	if p.RecordedBy == "" {
		p.RecordedBy = "mqtt:" + topic
	}

	res, err := s.submitter.Submit(ctx, p.Candidate(patientID))
	if err != nil {
		return fmt.Errorf("submitting reading for %s: %w", patientID, err)
	}

	fields := logrus.Fields{"patient_id": patientID, "reading_id": res.ReadingID}
	if res.Assessment != nil {
		fields["category"] = res.Assessment.Category.String()
		fields["score"] = res.Assessment.Score
	} else {
		fields["state"] = domain.StateDegraded
	}
	s.log.WithFields(fields).Info("Bedside reading stored")
	return nil
}

// PatientFromTopic extracts the segment matched by the single '+' in
// pattern.
func PatientFromTopic(pattern, topic string) (string, error) {
	want := strings.Split(pattern, "/")
	got := strings.Split(topic, "/")
	if len(want) != len(got) {
		return "", fmt.Errorf("%w: topic %q does not match %q", domain.ErrMalformedInput, topic, pattern)
	}
	id := ""
	for i, seg := range want {
		switch {
		case seg == "+":
			id = got[i]
		case seg != got[i]:
			return "", fmt.Errorf("%w: topic %q does not match %q", domain.ErrMalformedInput, topic, pattern)
		}
	}
	if id == "" {
		return "", fmt.Errorf("%w: topic %q names no patient", domain.ErrMalformedInput, topic)
	}
	return id, nil
}
