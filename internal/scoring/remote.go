package scoring

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/patient-risk-monitor/internal/domain"
)

// RemoteModel calls an HTTP prediction service. Requests go through a rate
// limiter and a circuit breaker so a failing service is not hammered.
type RemoteModel struct {
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	version atomic.Value
	log     *logrus.Logger
}

type predictResponse struct {
	RiskScore    *float64 `json:"risk_score"`
	Probability  *float64 `json:"probability"`
	ModelVersion string   `json:"model_version"`
}

// NewRemoteModel creates a client for cfg.Endpoint.
func NewRemoteModel(cfg domain.ScoringConfig, logger *logrus.Logger) (*RemoteModel, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("scoring endpoint is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	trips := cfg.BreakerTrips
	if trips == 0 {
		trips = 5
	}
	reset := cfg.BreakerReset
	if reset <= 0 {
		reset = 30 * time.Second
	}

	m := &RemoteModel{client: client, log: logger}
	m.version.Store("remote-unknown")

	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "risk-model",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     reset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Scoring circuit breaker changed state")
		},
	})

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	m.limiter = rate.NewLimiter(limit, 1)

	return m, nil
}

// Version reports the model version the service last announced.
func (m *RemoteModel) Version() string {
	return m.version.Load().(string)
}

// State exposes the breaker state for health reporting.
func (m *RemoteModel) State() gobreaker.State {
	return m.breaker.State()
}

// Score implements domain.Scorer.
func (m *RemoteModel) Score(ctx context.Context, in domain.ModelInput) (float64, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	result, err := m.breaker.Execute(func() (interface{}, error) {
		var out predictResponse
		resp, err := m.client.R().
			SetContext(ctx).
			SetBody(in).
			SetResult(&out).
			Post("/predict")
		if err != nil {
			return nil, fmt.Errorf("calling prediction service: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("prediction service returned status %d", resp.StatusCode())
		}
		return &out, nil
	})
	if err != nil {
		return 0, err
	}

	out := result.(*predictResponse)
	if out.ModelVersion != "" {
		m.version.Store(out.ModelVersion)
	}

	switch {
	case out.RiskScore != nil:
		return *out.RiskScore, nil
	case out.Probability != nil:
		return *out.Probability * 100, nil
	default:
		return math.NaN(), nil
	}
}
