package service

import (
	"math"
	"math/rand"
	"sync"

	"github.com/patient-risk-monitor/internal/domain"
)

// Generator derives a plausible next reading from the previous one. It
// owns its random source, so a fixed seed replays the same sequence.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator creates a generator with an explicit seed.
func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// variation is the relative spread per step. Sicker patients drift more.
func variation(c domain.RiskCategory) float64 {
	switch c {
	case domain.RiskHigh:
		return 0.08
	case domain.RiskLow:
		return 0.03
	default:
		return 0.05
	}
}

var generatedBounds = struct {
	heartRate, systolic, diastolic, respiratory, oxygen, temperature domain.Bounds
}{
	heartRate:   domain.Bounds{Min: 40, Max: 180},
	systolic:    domain.Bounds{Min: 70, Max: 220},
	diastolic:   domain.Bounds{Min: 40, Max: 140},
	respiratory: domain.Bounds{Min: 8, Max: 40},
	oxygen:      domain.Bounds{Min: 70, Max: 100},
	temperature: domain.Bounds{Min: 35, Max: 41},
}

// Next returns the vitals that follow prev for a patient currently in
// category c.
func (g *Generator) Next(prev domain.VitalSigns, c domain.RiskCategory) domain.VitalSigns {
	g.mu.Lock()
	defer g.mu.Unlock()

	v := variation(c)
	b := generatedBounds
	next := domain.VitalSigns{
		HeartRate:        math.Round(clampTo(g.jitter(prev.HeartRate, v), b.heartRate)),
		SystolicBP:       math.Round(clampTo(g.jitter(prev.SystolicBP, v), b.systolic)),
		DiastolicBP:      math.Round(clampTo(g.jitter(prev.DiastolicBP, v), b.diastolic)),
		RespiratoryRate:  math.Round(clampTo(g.jitter(prev.RespiratoryRate, v), b.respiratory)),
		OxygenSaturation: math.Round(clampTo(g.jitter(prev.OxygenSaturation, v/2), b.oxygen)),
		Temperature:      math.Round(clampTo(prev.Temperature+g.uniform()*0.3, b.temperature)*10) / 10,
	}
	if next.DiastolicBP >= next.SystolicBP {
		next.DiastolicBP = math.Max(b.diastolic.Min, next.SystolicBP-10)
	}
	return next
}

// uniform is in [-1, 1).
func (g *Generator) uniform() float64 {
	return g.rng.Float64()*2 - 1
}

func (g *Generator) jitter(x, v float64) float64 {
	return x * (1 + g.uniform()*v)
}

func clampTo(x float64, b domain.Bounds) float64 {
	return math.Max(b.Min, math.Min(b.Max, x))
}
