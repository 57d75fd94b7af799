package scoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patient-risk-monitor/internal/domain"
	"github.com/patient-risk-monitor/internal/logging"
)

func remoteConfig(url string) domain.ScoringConfig {
	return domain.ScoringConfig{
		Mode:         domain.ScoringModeHTTP,
		Endpoint:     url,
		Timeout:      time.Second,
		BreakerTrips: 2,
		BreakerReset: time.Minute,
	}
}

func TestRemoteModel_Score(t *testing.T) {
	var received domain.ModelInput
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"risk_score": 72.5, "model_version": "xgb-2024-05"}`))
	}))
	defer server.Close()

	m, err := NewRemoteModel(remoteConfig(server.URL), logging.Discard())
	require.NoError(t, err)

	in := domain.ModelInput{HeartRate: 120, SystolicBP: 95, Acuity: 4, ArrivalAmbulance: 1}
	score, err := m.Score(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 72.5, score)
	assert.Equal(t, "xgb-2024-05", m.Version())
	assert.Equal(t, in, received)
}

func TestRemoteModel_ProbabilityFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"probability": 0.25}`))
	}))
	defer server.Close()

	m, err := NewRemoteModel(remoteConfig(server.URL), logging.Discard())
	require.NoError(t, err)

	score, err := m.Score(context.Background(), domain.ModelInput{})
	require.NoError(t, err)
	assert.Equal(t, 25.0, score)
}

func TestRemoteModel_MissingScoreIsUnavailableThroughAdapter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model_version": "v9"}`))
	}))
	defer server.Close()

	m, err := NewRemoteModel(remoteConfig(server.URL), logging.Discard())
	require.NoError(t, err)

	a := newAdapter(t, m)
	_, err = a.Assess(context.Background(), testPatient(), testReading(normalVitals()))
	assert.ErrorIs(t, err, domain.ErrScoringUnavailable)
}

func TestRemoteModel_BreakerOpensAfterFailures(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	m, err := NewRemoteModel(remoteConfig(server.URL), logging.Discard())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := m.Score(context.Background(), domain.ModelInput{})
		require.Error(t, err)
	}
	_, err = m.Score(context.Background(), domain.ModelInput{})
	require.Error(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "open breaker must not call the service")
	assert.Equal(t, "open", m.State().String())
}

func TestNewRemoteModel_RequiresEndpoint(t *testing.T) {
	_, err := NewRemoteModel(domain.ScoringConfig{}, logging.Discard())
	assert.Error(t, err)
}
