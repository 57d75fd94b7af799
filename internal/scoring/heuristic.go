package scoring

import (
	"context"
	"math"

	"github.com/patient-risk-monitor/internal/domain"
)

// HeuristicVersion identifies the in-process model.
const HeuristicVersion = "heuristic-v1"

// HeuristicModel scores without any external service. It sums
// early-warning points for each vital, squashes the sum through a logistic
// curve and adds adjustments for acuity and arrival mode.
type HeuristicModel struct{}

// NewHeuristicModel returns the in-process model.
func NewHeuristicModel() *HeuristicModel { return &HeuristicModel{} }

// Version implements domain.Scorer.
func (m *HeuristicModel) Version() string { return HeuristicVersion }

// Deterministic implements Deterministic.
func (m *HeuristicModel) Deterministic() bool { return true }

// Score implements domain.Scorer.
func (m *HeuristicModel) Score(ctx context.Context, in domain.ModelInput) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	points := warningPoints(in)
	probability := 1 / (1 + math.Exp(-(float64(points)-5)/1.5))
	score := probability*100 + adjustment(in)
	return math.Min(score, 100), nil
}

func warningPoints(in domain.ModelInput) int {
	points := 0

	switch rr := in.RespiratoryRate; {
	case rr <= 8:
		points += 3
	case rr <= 11:
		points++
	case rr <= 20:
	case rr <= 24:
		points += 2
	default:
		points += 3
	}

	switch spo2 := in.OxygenSaturation; {
	case spo2 <= 91:
		points += 3
	case spo2 <= 93:
		points += 2
	case spo2 <= 95:
		points++
	}

	switch sbp := in.SystolicBP; {
	case sbp <= 90:
		points += 3
	case sbp <= 100:
		points += 2
	case sbp <= 110:
		points++
	case sbp >= 220:
		points += 3
	}

	switch hr := in.HeartRate; {
	case hr <= 40:
		points += 3
	case hr <= 50:
		points++
	case hr <= 90:
	case hr <= 110:
		points++
	case hr <= 130:
		points += 2
	default:
		points += 3
	}

	switch t := in.Temperature; {
	case t <= 35:
		points += 3
	case t <= 36:
		points++
	case t <= 38:
	case t <= 39:
		points++
	default:
		points += 2
	}

	return points
}

// adjustment adds clinical context the vitals alone miss. Acuity 1 is the
// least urgent triage level.
func adjustment(in domain.ModelInput) float64 {
	adj := 0.0

	switch {
	case in.OxygenSaturation < 88:
		adj += 20
	case in.OxygenSaturation < 92:
		adj += 10
	}
	if in.SystolicBP < 90 {
		adj += 15
	}
	if in.RespiratoryRate > 24 {
		adj += 10
	}
	if in.HeartRate > 120 || in.HeartRate < 40 {
		adj += 10
	}

	switch {
	case in.Acuity >= 4:
		adj += 15
	case in.Acuity == 3:
		adj += 10
	case in.Acuity == 2:
		adj += 5
	}
	if in.ArrivalAmbulance == 1 {
		adj += 5
	}
	return adj
}
