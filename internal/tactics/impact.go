package tactics

// Impact is the derived consequence estimate attached to every event.
// Flow and significance use the low-to-high scales below.
type Impact struct {
	RaceFlow             string  `json:"raceFlow"`
	TacticalSignificance string  `json:"tacticalSignificance"`
	AffectedRiders       int     `json:"affectedRiders"`
	EstimatedTimeDelay   float64 `json:"estimatedTimeDelay"`
	GroupSplit           bool    `json:"groupSplit"`
	GCImpact             bool    `json:"gcImpact"`
}

const (
	FlowNone     = "none"
	FlowMinor    = "minor"
	FlowModerate = "moderate"
	FlowMajor    = "major"

	SignificanceLow    = "low"
	SignificanceMedium = "medium"
	SignificanceHigh   = "high"
)

// assessImpact derives the impact from the event's type, severity, and
// rider count alone. Deterministic; safe to re-run after every merge.
func assessImpact(e *TacticalEvent) Impact {
	n := len(e.Riders)
	imp := Impact{AffectedRiders: n}

	switch e.Type {
	case EventCrash:
		imp.RaceFlow = FlowMajor
		imp.TacticalSignificance = SignificanceHigh
		imp.EstimatedTimeDelay = 30 + 15*float64(max(n, 1)-1)
		imp.GroupSplit = n >= 3
	case EventAttack:
		imp.RaceFlow = FlowModerate
		imp.TacticalSignificance = SignificanceHigh
		imp.GroupSplit = true
	case EventMechanical:
		imp.RaceFlow = FlowMinor
		imp.TacticalSignificance = SignificanceLow
		imp.EstimatedTimeDelay = 45
	case EventBreakaway:
		imp.RaceFlow = FlowModerate
		imp.TacticalSignificance = SignificanceHigh
		imp.GroupSplit = true
	case EventChase:
		imp.RaceFlow = FlowModerate
		imp.TacticalSignificance = SignificanceMedium
	case EventSprint:
		imp.RaceFlow = FlowModerate
		imp.TacticalSignificance = SignificanceHigh
	case EventWeather:
		imp.RaceFlow = FlowMajor
		imp.TacticalSignificance = SignificanceMedium
		imp.GroupSplit = n > 10
	default:
		imp.RaceFlow = FlowMinor
		imp.TacticalSignificance = SignificanceLow
	}

	switch e.Severity {
	case SeverityHigh:
		imp.RaceFlow = escalateFlow(imp.RaceFlow)
	case SeverityCritical:
		imp.RaceFlow = FlowMajor
		imp.TacticalSignificance = SignificanceHigh
		imp.EstimatedTimeDelay *= 2
	}

	switch e.Type {
	case EventCrash, EventBreakaway, EventAttack:
		imp.GCImpact = e.Severity == SeverityHigh || e.Severity == SeverityCritical
	}
	return imp
}

func escalateFlow(flow string) string {
	switch flow {
	case FlowNone:
		return FlowMinor
	case FlowMinor:
		return FlowModerate
	default:
		return FlowMajor
	}
}
