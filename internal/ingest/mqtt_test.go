package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patient-risk-monitor/internal/domain"
	"github.com/patient-risk-monitor/internal/logging"
	"github.com/patient-risk-monitor/internal/service"
	"github.com/patient-risk-monitor/internal/validation"
)

type fakeSubmitter struct {
	got []validation.Candidate
	err error
}

func (f *fakeSubmitter) Submit(_ context.Context, c validation.Candidate) (*service.SubmitResult, error) {
	f.got = append(f.got, c)
	if f.err != nil {
		return nil, f.err
	}
	return &service.SubmitResult{ReadingID: "r1", Stored: true}, nil
}

func newTestSubscriber(s Submitter) *Subscriber {
	return NewSubscriber(domain.MQTTConfig{Topic: "vitals/+/readings"}, s, logging.Discard())
}

const payload = `{"heartRate":82,"systolicBP":118,"diastolicBP":77,"respiratoryRate":17,
"oxygenSaturation":96,"temperature":37.1,"capturedAt":"2024-05-01T10:00:00+02:00"}`

func TestPatientFromTopic(t *testing.T) {
	tests := []struct {
		topic   string
		want    string
		wantErr bool
	}{
		{"vitals/P1/readings", "P1", false},
		{"vitals/bed-12/readings", "bed-12", false},
		{"vitals//readings", "", true},
		{"vitals/P1/alarms", "", true},
		{"vitals/P1", "", true},
		{"other/P1/readings", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, err := PatientFromTopic("vitals/+/readings", tt.topic)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrMalformedInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandleMessage_Submits(t *testing.T) {
	sub := &fakeSubmitter{}
	s := newTestSubscriber(sub)

	require.NoError(t, s.HandleMessage(context.Background(), "vitals/P7/readings", []byte(payload)))
	require.Len(t, sub.got, 1)

	c := sub.got[0]
	assert.Equal(t, "P7", c.PatientID)
	require.NotNil(t, c.HeartRate)
	assert.Equal(t, 82.0, *c.HeartRate)
	assert.True(t, c.CapturedAt.Equal(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)))
	assert.Equal(t, "mqtt:vitals/P7/readings", c.RecordedBy)
}

func TestHandleMessage_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"bad json", "vitals/P1/readings", "{"},
		{"patient mismatch", "vitals/P1/readings", `{"patientId":"P2","heartRate":80}`},
		{"bad topic", "vitals/P1", payload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{}
			err := newTestSubscriber(sub).HandleMessage(context.Background(), tt.topic, []byte(tt.payload))
			assert.ErrorIs(t, err, domain.ErrMalformedInput)
			assert.Empty(t, sub.got)
		})
	}
}

func TestHandleMessage_PropagatesPipelineErrors(t *testing.T) {
	rejection := domain.NewValidationFailure("heartRate", domain.ReasonOutOfRange, "too high", 260.0)
	s := newTestSubscriber(&fakeSubmitter{err: rejection})

	err := s.HandleMessage(context.Background(), "vitals/P1/readings", []byte(payload))
	var vf *domain.ValidationFailure
	require.True(t, errors.As(err, &vf))
	assert.True(t, vf.HasField("heartRate"))
}

func TestStop_WithoutStartIsSafe(t *testing.T) {
	newTestSubscriber(&fakeSubmitter{}).Stop()
}
