// Package tactics watches the tracked race picture for tactical moves:
// attacks, crashes, mechanicals, breakaways, chases, and sprints. Matches
// are scored, deduplicated, correlated, and published as tactical events.
package tactics

import (
	"time"
)

// Event type names. The detector is open to new types via AddPattern.
const (
	EventAttack     = "attack"
	EventCrash      = "crash"
	EventMechanical = "mechanical"
	EventBreakaway  = "breakaway"
	EventChase      = "chase"
	EventSprint     = "sprint"
	EventWeather    = "weather_event"
)

// Severity grades an event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// VerificationStatus is the manual review state of an event.
type VerificationStatus string

const (
	VerificationUnverified    VerificationStatus = "unverified"
	VerificationPending       VerificationStatus = "pending"
	VerificationVerified      VerificationStatus = "verified"
	VerificationFalsePositive VerificationStatus = "false_positive"
)

// Relationship tags a link between two events.
type Relationship string

const (
	RelationRelated     Relationship = "related"
	RelationConsequence Relationship = "consequence"
	RelationPrecursor   Relationship = "precursor"
	RelationConcurrent  Relationship = "concurrent"
)

// EventLink points at another event by id.
type EventLink struct {
	EventID      string       `json:"eventId"`
	Relationship Relationship `json:"relationship"`
}

// TacticalEvent is one detected race incident. Events are created by the
// detection cycle and mutated only through merge, verify, and link.
type TacticalEvent struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Severity     Severity           `json:"severity"`
	Confidence   float64            `json:"confidence"`
	Timestamp    time.Time          `json:"timestamp"`
	UpdatedAt    time.Time          `json:"updatedAt,omitempty"`
	Latitude     float64            `json:"latitude,omitempty"`
	Longitude    float64            `json:"longitude,omitempty"`
	RaceDistance float64            `json:"raceDistance,omitempty"`
	Riders       []string           `json:"involvedRiders"`
	TriggerData  []map[string]any   `json:"triggerData,omitempty"`
	Tags         []string           `json:"tags,omitempty"`
	Verification VerificationStatus `json:"verification"`
	Links        []EventLink        `json:"relatedEvents,omitempty"`
	Impact       Impact             `json:"impact"`
}

func (e *TacticalEvent) hasLocation() bool {
	return e.Latitude != 0 || e.Longitude != 0
}

func (e *TacticalEvent) involves(riderID string) bool {
	for _, r := range e.Riders {
		if r == riderID {
			return true
		}
	}
	return false
}

func (e *TacticalEvent) sharesRider(other *TacticalEvent) bool {
	for _, r := range other.Riders {
		if e.involves(r) {
			return true
		}
	}
	return false
}
