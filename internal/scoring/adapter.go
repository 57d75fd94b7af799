// Package scoring turns a stored reading and its patient context into a
// risk assessment: it builds the model input, calls the scorer under a
// deadline, normalizes the score and applies the clinical safety overlay.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/patient-risk-monitor/internal/domain"
)

// DefaultTimeout bounds every scorer call.
const DefaultTimeout = 5 * time.Second

// Outcome is a successful, normalized score.
type Outcome struct {
	Score        float64
	RawScore     float64
	Category     domain.RiskCategory
	Flag         bool
	Overrides    []string
	ModelVersion string
	Latency      time.Duration
	Cached       bool
}

// Deterministic is implemented by scorers whose output depends only on the
// input vector. Only their scores are memoized, so an outage of any other
// scorer always surfaces as a failure.
type Deterministic interface {
	Deterministic() bool
}

func memoizable(s domain.Scorer) bool {
	d, ok := s.(Deterministic)
	return ok && d.Deterministic()
}

type memoKey struct {
	version string
	vector  [8]float64
}

// Adapter wraps a domain.Scorer.
type Adapter struct {
	scorer  domain.Scorer
	policy  *CategoryPolicy
	overlay *Overlay
	timeout time.Duration
	memo    *lru.Cache[memoKey, float64]
	log     *logrus.Logger
}

// Option configures an Adapter.
type Option func(*Adapter) error

// WithTimeout overrides the scorer deadline.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) error {
		if d <= 0 {
			return fmt.Errorf("scoring timeout must be positive")
		}
		a.timeout = d
		return nil
	}
}

// WithMemo caches raw scores by input vector. Size zero disables it, and
// it has no effect unless the scorer is Deterministic.
func WithMemo(size int) Option {
	return func(a *Adapter) error {
		if size <= 0 {
			a.memo = nil
			return nil
		}
		memo, err := lru.New[memoKey, float64](size)
		if err != nil {
			return fmt.Errorf("creating score memo: %w", err)
		}
		a.memo = memo
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(a *Adapter) error {
		a.log = logger
		return nil
	}
}

// WithOverlay replaces the configured safety overlay.
func WithOverlay(o *Overlay) Option {
	return func(a *Adapter) error {
		a.overlay = o
		return nil
	}
}

// NewAdapter creates an adapter over scorer using the category thresholds
// and overlay bounds of policy.
func NewAdapter(scorer domain.Scorer, policy domain.PolicyConfig, opts ...Option) (*Adapter, error) {
	categories, err := NewCategoryPolicy(policy.Categories)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		scorer:  scorer,
		policy:  categories,
		overlay: NewOverlay(policy.Overlay),
		timeout: DefaultTimeout,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if !memoizable(scorer) {
		a.memo = nil
	}
	return a, nil
}

// Policy returns the category policy in force.
func (a *Adapter) Policy() *CategoryPolicy { return a.policy }

// BuildInput maps a reading plus patient context onto the model vector.
func BuildInput(p *domain.Patient, r *domain.Reading) domain.ModelInput {
	in := domain.ModelInput{
		HeartRate:        r.Vitals.HeartRate,
		SystolicBP:       r.Vitals.SystolicBP,
		DiastolicBP:      r.Vitals.DiastolicBP,
		RespiratoryRate:  r.Vitals.RespiratoryRate,
		OxygenSaturation: r.Vitals.OxygenSaturation,
		Temperature:      r.Vitals.Temperature,
		Acuity:           p.AcuityLevel,
	}
	if p.ArrivalMode == domain.ArrivalAmbulance {
		in.ArrivalAmbulance = 1
	}
	return in
}

// Assess scores r for patient p. Every failure to get a usable number,
// including the deadline passing, is a *domain.ScoringFailure. A late
// scorer result is discarded.
func (a *Adapter) Assess(ctx context.Context, p *domain.Patient, r *domain.Reading) (*Outcome, error) {
	in := BuildInput(p, r)
	version := a.scorer.Version()
	key := memoKey{version: version}
	copy(key.vector[:], in.Vector())

	start := time.Now()
	raw, cached := 0.0, false
	if a.memo != nil {
		raw, cached = a.memo.Get(key)
	}
	if !cached {
		var err error
		raw, err = a.call(ctx, in)
		if err != nil {
			return nil, err
		}
		if a.memo != nil {
			a.memo.Add(key, raw)
		}
	}

	score := clamp(raw)
	category, overrides := a.overlay.Apply(r.Vitals, a.policy.Categorize(score))

	if score != raw {
		a.log.WithFields(logrus.Fields{
			"patient_id": p.ID,
			"raw_score":  raw,
			"score":      score,
		}).Debug("Clamped scorer output to 0-100")
	}

	return &Outcome{
		Score:        score,
		RawScore:     raw,
		Category:     category,
		Flag:         category.Compare(domain.RiskHigh) >= 0,
		Overrides:    overrides,
		ModelVersion: version,
		Latency:      time.Since(start),
		Cached:       cached,
	}, nil
}

type scoreResult struct {
	score float64
	err   error
}

func (a *Adapter) call(ctx context.Context, in domain.ModelInput) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// Buffered so an abandoned call can still deliver and exit.
	done := make(chan scoreResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- scoreResult{err: fmt.Errorf("scorer panicked: %v", rec)}
			}
		}()
		s, err := a.scorer.Score(ctx, in)
		done <- scoreResult{score: s, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return 0, &domain.ScoringFailure{Reason: "timeout", Err: res.err}
			}
			return 0, &domain.ScoringFailure{Reason: "scorer error", Err: res.err}
		}
		if math.IsNaN(res.score) || math.IsInf(res.score, 0) {
			return 0, &domain.ScoringFailure{Reason: "malformed output", Err: fmt.Errorf("score %v is not finite", res.score)}
		}
		return res.score, nil
	case <-ctx.Done():
		reason := "timeout"
		if errors.Is(ctx.Err(), context.Canceled) {
			reason = "cancelled"
		}
		return 0, &domain.ScoringFailure{Reason: reason, Err: ctx.Err()}
	}
}

func clamp(score float64) float64 {
	return math.Max(0, math.Min(100, score))
}

// ScorerFunc adapts a function to domain.Scorer. Pure marks Fn as
// Deterministic.
type ScorerFunc struct {
	Fn   func(ctx context.Context, in domain.ModelInput) (float64, error)
	Tag  string
	Pure bool
}

// Score implements domain.Scorer.
func (f ScorerFunc) Score(ctx context.Context, in domain.ModelInput) (float64, error) {
	return f.Fn(ctx, in)
}

// Version implements domain.Scorer.
func (f ScorerFunc) Version() string { return f.Tag }

// Deterministic implements Deterministic.
func (f ScorerFunc) Deterministic() bool { return f.Pure }
