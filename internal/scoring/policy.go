package scoring

import (
	"fmt"

	"github.com/patient-risk-monitor/internal/domain"
)

// CategoryPolicy maps a 0-100 score onto a risk category. One policy value
// is shared by every assessment so categories stay comparable.
type CategoryPolicy struct {
	lowUpper  float64
	highLower float64
}

// NewCategoryPolicy validates that the thresholds are monotonic.
func NewCategoryPolicy(t domain.CategoryThresholds) (*CategoryPolicy, error) {
	if t.LowUpper < 0 || t.HighLower > 100 || t.LowUpper > t.HighLower {
		return nil, fmt.Errorf("category thresholds must satisfy 0 <= %.1f <= %.1f <= 100", t.LowUpper, t.HighLower)
	}
	return &CategoryPolicy{lowUpper: t.LowUpper, highLower: t.HighLower}, nil
}

// Categorize returns LOW below the low threshold, HIGH at or above the high
// threshold and MODERATE between.
func (p *CategoryPolicy) Categorize(score float64) domain.RiskCategory {
	switch {
	case score >= p.highLower:
		return domain.RiskHigh
	case score >= p.lowUpper:
		return domain.RiskModerate
	default:
		return domain.RiskLow
	}
}

// Thresholds returns the configured boundaries.
func (p *CategoryPolicy) Thresholds() domain.CategoryThresholds {
	return domain.CategoryThresholds{LowUpper: p.lowUpper, HighLower: p.highLower}
}

// Rule is one clinical safety override. When Applies holds, the final
// category is at least HIGH whatever the model said.
type Rule struct {
	Name    string
	Applies func(v domain.VitalSigns) bool
}

// Overlay is the ordered set of safety rules.
type Overlay struct {
	rules []Rule
}

// NewOverlay builds the critical-bound rules from configuration. A zero
// bound disables its rule.
func NewOverlay(cfg domain.OverlayConfig) *Overlay {
	var rules []Rule
	if floor := cfg.OxygenSaturationFloor; floor > 0 {
		rules = append(rules, Rule{
			Name:    fmt.Sprintf("oxygen saturation below %g%%", floor),
			Applies: func(v domain.VitalSigns) bool { return v.OxygenSaturation < floor },
		})
	}
	if low := cfg.SystolicLow; low > 0 {
		rules = append(rules, Rule{
			Name:    fmt.Sprintf("systolic pressure below %g", low),
			Applies: func(v domain.VitalSigns) bool { return v.SystolicBP < low },
		})
	}
	if high := cfg.SystolicHigh; high > 0 {
		rules = append(rules, Rule{
			Name:    fmt.Sprintf("systolic pressure above %g", high),
			Applies: func(v domain.VitalSigns) bool { return v.SystolicBP > high },
		})
	}
	if low := cfg.DiastolicLow; low > 0 {
		rules = append(rules, Rule{
			Name:    fmt.Sprintf("diastolic pressure below %g", low),
			Applies: func(v domain.VitalSigns) bool { return v.DiastolicBP < low },
		})
	}
	if high := cfg.DiastolicHigh; high > 0 {
		rules = append(rules, Rule{
			Name:    fmt.Sprintf("diastolic pressure above %g", high),
			Applies: func(v domain.VitalSigns) bool { return v.DiastolicBP > high },
		})
	}
	return &Overlay{rules: rules}
}

// NewOverlayWithRules builds an overlay from explicit rules.
func NewOverlayWithRules(rules ...Rule) *Overlay {
	return &Overlay{rules: rules}
}

// Apply escalates category to HIGH when any rule fires. It never lowers a
// category. The names of the rules that fired are returned in order.
func (o *Overlay) Apply(v domain.VitalSigns, category domain.RiskCategory) (domain.RiskCategory, []string) {
	var fired []string
	for _, r := range o.rules {
		if r.Applies(v) {
			fired = append(fired, r.Name)
		}
	}
	if len(fired) > 0 {
		category = category.Max(domain.RiskHigh)
	}
	return category, fired
}
