package tactics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAssessImpactByType(t *testing.T) {
	tests := []struct {
		name     string
		event    TacticalEvent
		flow     string
		sig      string
		delay    float64
		split    bool
		gcImpact bool
	}{
		{
			name:  "solo crash",
			event: TacticalEvent{Type: EventCrash, Severity: SeverityMedium, Riders: []string{"r1"}},
			flow:  FlowMajor, sig: SignificanceHigh, delay: 30,
		},
		{
			name:  "pileup splits the race",
			event: TacticalEvent{Type: EventCrash, Severity: SeverityMedium, Riders: []string{"r1", "r2", "r3", "r4"}},
			flow:  FlowMajor, sig: SignificanceHigh, delay: 75, split: true,
		},
		{
			name:  "attack",
			event: TacticalEvent{Type: EventAttack, Severity: SeverityMedium, Riders: []string{"r7"}},
			flow:  FlowModerate, sig: SignificanceHigh, split: true,
		},
		{
			name:  "mechanical",
			event: TacticalEvent{Type: EventMechanical, Severity: SeverityMedium, Riders: []string{"r2"}},
			flow:  FlowMinor, sig: SignificanceLow, delay: 45,
		},
		{
			name:  "breakaway",
			event: TacticalEvent{Type: EventBreakaway, Severity: SeverityMedium, Riders: []string{"r1", "r2"}},
			flow:  FlowModerate, sig: SignificanceHigh, split: true,
		},
		{
			name:  "chase",
			event: TacticalEvent{Type: EventChase, Severity: SeverityMedium, Riders: []string{"r1"}},
			flow:  FlowModerate, sig: SignificanceMedium,
		},
		{
			name:  "sprint",
			event: TacticalEvent{Type: EventSprint, Severity: SeverityMedium, Riders: []string{"r1"}},
			flow:  FlowModerate, sig: SignificanceHigh,
		},
		{
			name:  "unknown type stays minor",
			event: TacticalEvent{Type: "flat_tire_rumor", Severity: SeverityMedium, Riders: []string{"r1"}},
			flow:  FlowMinor, sig: SignificanceLow,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			imp := assessImpact(&tc.event)
			assert.Equal(t, tc.flow, imp.RaceFlow)
			assert.Equal(t, tc.sig, imp.TacticalSignificance)
			assert.Equal(t, len(tc.event.Riders), imp.AffectedRiders)
			assert.InDelta(t, tc.delay, imp.EstimatedTimeDelay, 1e-9)
			assert.Equal(t, tc.split, imp.GroupSplit)
			assert.Equal(t, tc.gcImpact, imp.GCImpact)
		})
	}
}

func TestAssessImpactSeverityEscalation(t *testing.T) {
	// High severity lifts the flow one notch and arms the GC flag for
	// moves that can reshape the standings.
	high := assessImpact(&TacticalEvent{Type: EventMechanical, Severity: SeverityHigh, Riders: []string{"r1"}})
	assert.Equal(t, FlowModerate, high.RaceFlow)
	assert.False(t, high.GCImpact, "a mechanical never threatens the GC")

	attack := assessImpact(&TacticalEvent{Type: EventAttack, Severity: SeverityHigh, Riders: []string{"r1"}})
	assert.Equal(t, FlowMajor, attack.RaceFlow)
	assert.True(t, attack.GCImpact)

	// Critical forces the ceiling and doubles the delay estimate.
	critical := assessImpact(&TacticalEvent{Type: EventCrash, Severity: SeverityCritical, Riders: []string{"r1", "r2"}})
	assert.Equal(t, FlowMajor, critical.RaceFlow)
	assert.Equal(t, SignificanceHigh, critical.TacticalSignificance)
	assert.InDelta(t, 90.0, critical.EstimatedTimeDelay, 1e-9)
	assert.True(t, critical.GCImpact)
}

func TestAssessImpactWeather(t *testing.T) {
	small := assessImpact(&TacticalEvent{Type: EventWeather, Severity: SeverityMedium, Riders: []string{"r1"}})
	assert.Equal(t, FlowMajor, small.RaceFlow)
	assert.False(t, small.GroupSplit)

	riders := make([]string, 15)
	for i := 0; i < len(riders); i++ {
		riders[i] = riderName(i)
	}
	wide := assessImpact(&TacticalEvent{Type: EventWeather, Severity: SeverityMedium, Riders: riders})
	assert.True(t, wide.GroupSplit, "weather hitting most of the field splits it")
	assert.Equal(t, 15, wide.AffectedRiders)
}

func riderName(i int) string {
	return string(rune('a' + i))
}

func TestEscalateFlow(t *testing.T) {
	assert.Equal(t, FlowMinor, escalateFlow(FlowNone))
	assert.Equal(t, FlowModerate, escalateFlow(FlowMinor))
	assert.Equal(t, FlowMajor, escalateFlow(FlowModerate))
	assert.Equal(t, FlowMajor, escalateFlow(FlowMajor))
}
