package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patient-risk-monitor/internal/domain"
	"github.com/patient-risk-monitor/internal/scoring"
)

func TestRecomputeAll_GeneratesReadings(t *testing.T) {
	h := newHarness(t, constantScorer(50), withGenerator(7))
	ctx := context.Background()

	for _, id := range []string{"A", "B", "empty"} {
		h.register(t, id)
	}
	for _, id := range []string{"A", "B"} {
		_, err := h.pipeline.Submit(ctx, submitAt(id, stableVitals(), simNow))
		require.NoError(t, err)
	}

	tickTime := simNow.Add(5 * time.Minute)
	processed, err := h.pipeline.RecomputeAll(ctx, tickTime)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	for _, id := range []string{"A", "B"} {
		history, err := h.pipeline.History(ctx, id, domain.RangeQuery{})
		require.NoError(t, err)
		require.Len(t, history, 2, id)
		generated := history[1]
		assert.Equal(t, SimulationRecorder, generated.Reading.RecordedBy)
		assert.True(t, generated.Reading.CapturedAt.Equal(tickTime))
		assert.NotNil(t, generated.Assessment)
	}

	empty, err := h.pipeline.History(ctx, "empty", domain.RangeQuery{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRecomputeAll_NeverStampsBeforeLatest(t *testing.T) {
	h := newHarness(t, constantScorer(50), withGenerator(7))
	ctx := context.Background()
	h.register(t, "A")

	_, err := h.pipeline.Submit(ctx, submitAt("A", stableVitals(), simNow))
	require.NoError(t, err)

	_, err = h.pipeline.RecomputeAll(ctx, simNow.Add(-time.Hour))
	require.NoError(t, err)

	history, err := h.pipeline.History(ctx, "A", domain.RangeQuery{})
	require.NoError(t, err)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].Reading.CapturedAt.Before(history[i-1].Reading.CapturedAt))
	}
}

func TestRecomputeAll_RefreshesDegradedReadings(t *testing.T) {
	var healthy atomic.Bool
	flaky := scoring.ScorerFunc{Tag: "flaky", Fn: func(context.Context, domain.ModelInput) (float64, error) {
		if !healthy.Load() {
			return 0, errors.New("model warming up")
		}
		return 42, nil
	}}
	h := newHarness(t, flaky)
	ctx := context.Background()
	h.register(t, "A")

	res, err := h.pipeline.Submit(ctx, submitAt("A", stableVitals(), simNow))
	require.NoError(t, err)
	require.Nil(t, res.Assessment)

	healthy.Store(true)
	processed, err := h.pipeline.RecomputeAll(ctx, simNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	history, err := h.pipeline.History(ctx, "A", domain.RangeQuery{})
	require.NoError(t, err)
	require.Len(t, history, 1, "refresh mode must not add readings")
	require.NotNil(t, history[0].Assessment)
	assert.Equal(t, 42.0, history[0].Assessment.Score)

	// A second pass leaves the now-assessed reading alone.
	_, err = h.pipeline.RecomputeAll(ctx, simNow.Add(2*time.Minute))
	require.NoError(t, err)
	latest, err := h.repo.LatestAssessment(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, history[0].Assessment.ID, latest.ID)
}

func TestRecomputeAll_StopsOnCancelledContext(t *testing.T) {
	h := newHarness(t, constantScorer(50), withGenerator(1))
	h.register(t, "A")
	_, err := h.pipeline.Submit(context.Background(), submitAt("A", stableVitals(), simNow))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	processed, err := h.pipeline.RecomputeAll(ctx, simNow.Add(time.Minute))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, processed)
}

func TestGenerator_DeterministicAndBounded(t *testing.T) {
	a, b := NewGenerator(42), NewGenerator(42)
	prev := stableVitals()
	extreme := domain.VitalSigns{
		HeartRate: 179, SystolicBP: 71, DiastolicBP: 69,
		RespiratoryRate: 39, OxygenSaturation: 71, Temperature: 40.9,
	}

	for i := 0; i < 200; i++ {
		va := a.Next(prev, domain.RiskHigh)
		vb := b.Next(prev, domain.RiskHigh)
		assert.Equal(t, va, vb, "same seed must replay the same sequence")
		prev = va

		e := a.Next(extreme, domain.RiskHigh)
		_ = b.Next(extreme, domain.RiskHigh)
		for _, v := range []domain.VitalSigns{va, e} {
			assert.True(t, generatedBounds.heartRate.Contains(v.HeartRate))
			assert.True(t, generatedBounds.systolic.Contains(v.SystolicBP))
			assert.True(t, generatedBounds.diastolic.Contains(v.DiastolicBP))
			assert.True(t, generatedBounds.respiratory.Contains(v.RespiratoryRate))
			assert.True(t, generatedBounds.oxygen.Contains(v.OxygenSaturation))
			assert.True(t, generatedBounds.temperature.Contains(v.Temperature))
			assert.Less(t, v.DiastolicBP, v.SystolicBP)
		}
	}
}

func TestGenerator_VariationByCategory(t *testing.T) {
	assert.Greater(t, variation(domain.RiskHigh), variation(domain.RiskModerate))
	assert.Greater(t, variation(domain.RiskModerate), variation(domain.RiskLow))
}
