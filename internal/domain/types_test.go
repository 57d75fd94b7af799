package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRiskCategoryOrdering(t *testing.T) {
	tests := []struct {
		name     string
		a, b     RiskCategory
		expected int
	}{
		{"Low below moderate", RiskLow, RiskModerate, -1},
		{"Moderate below high", RiskModerate, RiskHigh, -1},
		{"Low below high", RiskLow, RiskHigh, -1},
		{"High above low", RiskHigh, RiskLow, 1},
		{"Equal", RiskModerate, RiskModerate, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.expected {
				t.Errorf("Expected %s.Compare(%s) = %d, got %d", tt.a, tt.b, tt.expected, got)
			}
		})
	}
}

func TestRiskCategoryMax(t *testing.T) {
	if got := RiskLow.Max(RiskHigh); got != RiskHigh {
		t.Errorf("Expected HIGH, got %s", got)
	}
	if got := RiskHigh.Max(RiskModerate); got != RiskHigh {
		t.Errorf("Expected HIGH, got %s", got)
	}
}

func TestRiskCategoryText(t *testing.T) {
	for _, c := range RiskCategories() {
		text, err := c.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d) failed: %v", c, err)
		}
		var parsed RiskCategory
		if err := parsed.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%s) failed: %v", text, err)
		}
		if parsed != c {
			t.Errorf("Expected %s, got %s", c, parsed)
		}
	}

	if _, err := RiskCategory(0).MarshalText(); err == nil {
		t.Error("Expected zero category to fail marshalling")
	}
	if _, err := ParseRiskCategory("CRITICAL"); err == nil {
		t.Error("Expected unknown category to fail parsing")
	}
	if c, err := ParseRiskCategory(" moderate "); err != nil || c != RiskModerate {
		t.Errorf("Expected MODERATE, got %s (%v)", c, err)
	}
}

func TestParseArrivalMode(t *testing.T) {
	tests := []struct {
		input    string
		expected ArrivalMode
		wantErr  bool
	}{
		{"Ambulance", ArrivalAmbulance, false},
		{"ambulance", ArrivalAmbulance, false},
		{"Walk-in", ArrivalWalkIn, false},
		{"walkin", ArrivalWalkIn, false},
		{"helicopter", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseArrivalMode(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestReadingBefore(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	first := &Reading{CapturedAt: at, Seq: 1}
	tie := &Reading{CapturedAt: at, Seq: 2}
	later := &Reading{CapturedAt: at.Add(time.Second), Seq: 0}

	if !first.Before(tie) {
		t.Error("Expected insertion order to break capture-time ties")
	}
	if !tie.Before(later) {
		t.Error("Expected earlier capture time to sort first")
	}
	if later.Before(first) {
		t.Error("Expected later capture time to sort last")
	}
}

func TestRiskAssessmentJSON(t *testing.T) {
	a := RiskAssessment{ID: "a1", Category: RiskHigh, Score: 71.5}
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded["category"] != "HIGH" {
		t.Errorf("Expected category HIGH, got %v", decoded["category"])
	}
	if overrides, ok := decoded["overrides"].([]interface{}); !ok || len(overrides) != 0 {
		t.Errorf("Expected empty overrides array, got %v", decoded["overrides"])
	}
}

func TestModelInputVector(t *testing.T) {
	in := ModelInput{
		HeartRate: 80, SystolicBP: 120, DiastolicBP: 80, RespiratoryRate: 16,
		OxygenSaturation: 98, Temperature: 36.8, Acuity: 3, ArrivalAmbulance: 1,
	}
	expected := []float64{80, 120, 80, 16, 98, 36.8, 3, 1}
	got := in.Vector()
	if len(got) != len(expected) {
		t.Fatalf("Expected %d features, got %d", len(expected), len(got))
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("Feature %d: expected %v, got %v", i, expected[i], got[i])
		}
	}
}

func TestBoundsContains(t *testing.T) {
	b := Bounds{Min: 30, Max: 200}
	if !b.Contains(30) || !b.Contains(200) {
		t.Error("Expected bounds to be inclusive")
	}
	if b.Contains(29.9) || b.Contains(200.1) {
		t.Error("Expected values outside bounds to be rejected")
	}
}
