package scoring

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/patient-risk-monitor/internal/domain"
)

// NewScorer builds the model named by cfg.Mode.
func NewScorer(cfg domain.ScoringConfig, logger *logrus.Logger) (domain.Scorer, error) {
	switch cfg.Mode {
	case "", domain.ScoringModeHeuristic:
		return NewHeuristicModel(), nil
	case domain.ScoringModeHTTP:
		return NewRemoteModel(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown scoring mode %q", cfg.Mode)
	}
}

// NewAdapterFromConfig builds the configured model and wraps it in an
// adapter for policy.
func NewAdapterFromConfig(cfg domain.ScoringConfig, policy domain.PolicyConfig, logger *logrus.Logger) (*Adapter, error) {
	scorer, err := NewScorer(cfg, logger)
	if err != nil {
		return nil, err
	}
	opts := []Option{WithLogger(logger)}
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}
	if cfg.MemoSize > 0 {
		opts = append(opts, WithMemo(cfg.MemoSize))
	}
	return NewAdapter(scorer, policy, opts...)
}
