package service

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patient-risk-monitor/internal/cache"
	"github.com/patient-risk-monitor/internal/domain"
	"github.com/patient-risk-monitor/internal/logging"
	"github.com/patient-risk-monitor/internal/scoring"
	"github.com/patient-risk-monitor/internal/validation"
)

func TestRegisterPatient_GeneratesID(t *testing.T) {
	h := newHarness(t, constantScorer(20))

	res, err := h.pipeline.RegisterPatient(context.Background(), RegisterRequest{
		ArrivalMode: domain.ArrivalAmbulance, AcuityLevel: 2,
	})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^P20240701090000[0-9A-F]{4}$`), res.Patient.ID)
	assert.True(t, res.Patient.RegisteredAt.Equal(simNow))
	assert.Nil(t, res.Initial)
}

func TestRegisterPatient_RejectsBadRequests(t *testing.T) {
	h := newHarness(t, constantScorer(20))

	tests := []struct {
		name  string
		req   RegisterRequest
		field string
	}{
		{"bad id characters", RegisterRequest{ID: "bed 4", ArrivalMode: domain.ArrivalWalkIn, AcuityLevel: 3}, "id"},
		{"id too long", RegisterRequest{ID: string(make([]byte, 51)), ArrivalMode: domain.ArrivalWalkIn, AcuityLevel: 3}, "id"},
		{"unknown arrival", RegisterRequest{ID: "P1", ArrivalMode: "Helicopter", AcuityLevel: 3}, "arrivalMode"},
		{"acuity zero", RegisterRequest{ID: "P1", ArrivalMode: domain.ArrivalWalkIn, AcuityLevel: 0}, "acuityLevel"},
		{"acuity six", RegisterRequest{ID: "P1", ArrivalMode: domain.ArrivalWalkIn, AcuityLevel: 6}, "acuityLevel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.pipeline.RegisterPatient(context.Background(), tt.req)
			var vf *domain.ValidationFailure
			require.ErrorAs(t, err, &vf)
			assert.True(t, vf.HasField(tt.field), "expected violation on %s, got %v", tt.field, vf)
		})
	}
}

func TestRegisterPatient_InitialVitals(t *testing.T) {
	h := newHarness(t, constantScorer(55))
	v := stableVitals()

	res, err := h.pipeline.RegisterPatient(context.Background(), RegisterRequest{
		ID: "bed-1", ArrivalMode: domain.ArrivalWalkIn, AcuityLevel: 3, InitialVitals: &v,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Initial)
	require.NotNil(t, res.Initial.Assessment)
	assert.Equal(t, domain.RiskModerate, res.Initial.Assessment.Category)
	assert.Equal(t, res.Initial.Assessment.ID, res.Patient.LatestAssessmentID)
}

func TestRegisterPatient_InvalidInitialVitalsWritesNothing(t *testing.T) {
	h := newHarness(t, constantScorer(55))
	v := stableVitals()
	v.HeartRate = 260

	_, err := h.pipeline.RegisterPatient(context.Background(), RegisterRequest{
		ID: "bed-1", ArrivalMode: domain.ArrivalWalkIn, AcuityLevel: 3, InitialVitals: &v,
	})
	assert.Equal(t, domain.CategoryValidation, domain.CategoryOf(err))

	_, err = h.pipeline.GetPatient(context.Background(), "bed-1")
	assert.ErrorIs(t, err, domain.ErrPatientNotFound)
}

func TestRemovePatient_RetiresID(t *testing.T) {
	h := newHarness(t, constantScorer(55))
	h.register(t, "P1")
	ctx := context.Background()

	_, err := h.pipeline.Submit(ctx, submitAt("P1", stableVitals(), simNow))
	require.NoError(t, err)

	require.NoError(t, h.pipeline.RemovePatient(ctx, "P1"))
	_, err = h.pipeline.History(ctx, "P1", domain.RangeQuery{})
	assert.ErrorIs(t, err, domain.ErrPatientNotFound)

	_, err = h.pipeline.RegisterPatient(ctx, RegisterRequest{ID: "P1", ArrivalMode: domain.ArrivalWalkIn, AcuityLevel: 1})
	assert.ErrorIs(t, err, domain.ErrPatientExists)
	assert.Equal(t, domain.CategoryConflict, domain.CategoryOf(err))

	assert.ErrorIs(t, h.pipeline.RemovePatient(ctx, "P1"), domain.ErrPatientNotFound)
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]*domain.PatientStatus
	gets    int
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]*domain.PatientStatus)}
}

func (c *mapCache) Get(_ context.Context, id string) (*domain.PatientStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	return c.entries[id], nil
}

func (c *mapCache) Put(_ context.Context, s *domain.PatientStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[s.Patient.ID] = s
	return nil
}

func (c *mapCache) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	return nil
}

func TestPatientStatus_CacheFirst(t *testing.T) {
	cache := newMapCache()
	h := newHarness(t, constantScorer(70), withCache(cache))
	h.register(t, "P1")
	ctx := context.Background()

	_, err := h.pipeline.Submit(ctx, submitAt("P1", stableVitals(), simNow))
	require.NoError(t, err)

	status, err := h.pipeline.PatientStatus(ctx, "P1")
	require.NoError(t, err)
	require.NotNil(t, status.LatestAssessment)
	assert.Equal(t, domain.RiskHigh, status.LatestAssessment.Category)
	require.Contains(t, cache.entries, "P1")

	sentinel := &domain.PatientStatus{Patient: &domain.Patient{ID: "P1", AcuityLevel: 5}}
	require.NoError(t, cache.Put(ctx, sentinel))
	cached, err := h.pipeline.PatientStatus(ctx, "P1")
	require.NoError(t, err)
	assert.Same(t, sentinel, cached)

	require.NoError(t, h.pipeline.RemovePatient(ctx, "P1"))
	assert.NotContains(t, cache.entries, "P1")
}

func newRedisSnapshots(t *testing.T) *cache.SnapshotCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewSnapshotCacheWithClient(client, "test", 24*time.Hour, logging.Discard())
}

// The snapshot is refreshed by the submission itself, with no event
// delivery in between.
func TestPatientStatus_ReflectsReadingJustStored(t *testing.T) {
	h := newHarness(t, constantScorer(30), withCache(newRedisSnapshots(t)))
	h.register(t, "P1")
	ctx := context.Background()

	first := stableVitals()
	first.HeartRate = 80
	_, err := h.pipeline.Submit(ctx, submitAt("P1", first, simNow))
	require.NoError(t, err)

	before, err := h.pipeline.PatientStatus(ctx, "P1")
	require.NoError(t, err)
	require.NotNil(t, before.LatestReading)
	assert.Equal(t, 80.0, before.LatestReading.Vitals.HeartRate)

	second := stableVitals()
	second.HeartRate = 130
	res, err := h.pipeline.Submit(ctx, submitAt("P1", second, simNow.Add(10*time.Minute)))
	require.NoError(t, err)

	after, err := h.pipeline.PatientStatus(ctx, "P1")
	require.NoError(t, err)
	require.NotNil(t, after.LatestReading)
	assert.Equal(t, res.ReadingID, after.LatestReading.ID)
	assert.Equal(t, 130.0, after.LatestReading.Vitals.HeartRate)
	require.NotNil(t, after.LatestAssessment)
	assert.Equal(t, res.Assessment.ID, after.LatestAssessment.ID)
}

func TestPatientStatus_DegradedReadingEvictsSnapshot(t *testing.T) {
	var fail bool
	scorer := scoring.ScorerFunc{Tag: "flaky-v1", Fn: func(context.Context, domain.ModelInput) (float64, error) {
		if fail {
			return 0, errors.New("model offline")
		}
		return 30, nil
	}}
	snapshots := newMapCache()
	h := newHarness(t, scorer, withCache(snapshots))
	h.register(t, "P1")
	ctx := context.Background()

	_, err := h.pipeline.Submit(ctx, submitAt("P1", stableVitals(), simNow))
	require.NoError(t, err)
	_, err = h.pipeline.PatientStatus(ctx, "P1")
	require.NoError(t, err)
	require.Contains(t, snapshots.entries, "P1")

	fail = true
	res, err := h.pipeline.Submit(ctx, submitAt("P1", stableVitals(), simNow.Add(10*time.Minute)))
	require.NoError(t, err)
	require.True(t, res.Degraded())
	assert.NotContains(t, snapshots.entries, "P1")

	status, err := h.pipeline.PatientStatus(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, res.ReadingID, status.LatestReading.ID)
}

func TestHighRiskAndStats(t *testing.T) {
	scores := map[string]float64{"low": 10, "mid": 50, "high-a": 70, "high-b": 90}
	scorer := scoreByAcuity(scores)
	h := newHarness(t, scorer)
	ctx := context.Background()

	acuity := 1
	for _, id := range []string{"low", "mid", "high-a", "high-b", "silent"} {
		_, err := h.pipeline.RegisterPatient(ctx, RegisterRequest{ID: id, ArrivalMode: domain.ArrivalWalkIn, AcuityLevel: acuity})
		require.NoError(t, err)
		acuity++
		if id == "silent" {
			continue
		}
		_, err = h.pipeline.Submit(ctx, submitAt(id, stableVitals(), simNow))
		require.NoError(t, err)
	}

	high, err := h.pipeline.HighRiskPatients(ctx)
	require.NoError(t, err)
	require.Len(t, high, 2)
	assert.Equal(t, "high-b", high[0].Patient.ID)
	assert.Equal(t, "high-a", high[1].Patient.ID)

	stats, err := h.pipeline.AssessmentStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalPatients)
	assert.Equal(t, 4, stats.Assessed)
	assert.Equal(t, 1, stats.Unassessed)
	assert.Equal(t, 2, stats.Flagged)
	assert.Equal(t, map[string]int{"LOW": 1, "MODERATE": 1, "HIGH": 2}, stats.ByCategory)
	assert.InDelta(t, 55.0, stats.AverageScore, 0.001)
}

// scoreByAcuity maps acuity 1..4 onto the scores of low, mid, high-a and
// high-b so each patient gets a known score.
func scoreByAcuity(scores map[string]float64) domain.Scorer {
	order := []string{"low", "mid", "high-a", "high-b"}
	return scoringFunc(func(in domain.ModelInput) float64 {
		if in.Acuity >= 1 && in.Acuity <= len(order) {
			return scores[order[in.Acuity-1]]
		}
		return 0
	})
}

type scoringFunc func(in domain.ModelInput) float64

func (f scoringFunc) Score(_ context.Context, in domain.ModelInput) (float64, error) { return f(in), nil }
func (f scoringFunc) Version() string                                                { return "acuity-v1" }

func TestPatientLocks_CancelWhileWaiting(t *testing.T) {
	locks := newPatientLocks()
	unlock, err := locks.Lock(context.Background(), "P1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "P1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Equal(t, 0, locks.size())
}

func TestPatientLocks_IndependentPatients(t *testing.T) {
	locks := newPatientLocks()
	unlockA, err := locks.Lock(context.Background(), "A")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := locks.Lock(ctx, "B")
	require.NoError(t, err)
	unlockB()
}

func TestRegisterPatient_CandidateUsesRegistrationTime(t *testing.T) {
	h := newHarness(t, constantScorer(20))
	v := stableVitals()
	res, err := h.pipeline.RegisterPatient(context.Background(), RegisterRequest{
		ID: "bed-2", ArrivalMode: domain.ArrivalAmbulance, AcuityLevel: 4, InitialVitals: &v,
	})
	require.NoError(t, err)
	assert.True(t, res.Initial.Reading.CapturedAt.Equal(simNow))
	assert.Equal(t, "SYSTEM", res.Initial.Reading.RecordedBy)
	assert.Equal(t, validation.DefaultRecorder, res.Initial.Reading.RecordedBy)
}
