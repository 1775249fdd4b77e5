package tracker

import (
	"time"

	"github.com/vardaan112/PelotonIQ-sub000/internal/geo"
)

// RaceStatus is the administrative phase of the race.
type RaceStatus string

const (
	StatusNotStarted  RaceStatus = "not_started"
	StatusRacing      RaceStatus = "racing"
	StatusNeutralized RaceStatus = "neutralized"
	StatusFinished    RaceStatus = "finished"
)

// TacticalSituation is the derived read on what the field is doing.
type TacticalSituation string

const (
	SituationStable    TacticalSituation = "stable"
	SituationAttacking TacticalSituation = "attacking"
	SituationChasing   TacticalSituation = "chasing"
	SituationBreakaway TacticalSituation = "breakaway"
	SituationSprint    TacticalSituation = "sprint"
	SituationClimb     TacticalSituation = "climb"
)

const (
	attackWindow       = 30 * time.Second
	attackPositionGain = 5
	attackMinRiders    = 4
	sprintSpeedMS      = 15.0
	sprintMinRiders    = 10
	sprintGroupRadius  = 200.0
	climbSpeedMS       = 8.0
	climbWindow        = 60 * time.Second
	climbAltitudeGain  = 50.0
	breakawayGapSecs   = 60.0
)

// RaceState is the whole-race summary recomputed every tick.
type RaceState struct {
	RaceID              string            `json:"raceId"`
	Status              RaceStatus        `json:"status"`
	Situation           TacticalSituation `json:"situation"`
	KilometersCovered   float64           `json:"kilometersCovered"`
	KilometersRemaining float64           `json:"kilometersRemaining,omitempty"`
	AverageSpeed        float64           `json:"averageSpeed"`
	TotalRiders         int               `json:"totalRiders"`
	ActiveRiders        int               `json:"activeRiders"`
	GroupCount          int               `json:"groupCount"`
	LeadingGroupID      string            `json:"leadingGroupId,omitempty"`
	Timestamp           time.Time         `json:"timestamp"`
}

// deriveSituation applies the tactical rules in priority order: attacks
// trump sprints, sprints trump climbs, then breakaway and chase reads,
// otherwise the race is stable.
func (t *Tracker) deriveSituation(positions []RiderPosition, groups []Group, now time.Time) TacticalSituation {
	if t.countAttackers(positions, now) >= attackMinRiders {
		return SituationAttacking
	}
	if sprintDetected(positions, groups) {
		return SituationSprint
	}
	if t.climbDetected(positions, now) {
		return SituationClimb
	}
	if len(groups) > 0 && groups[0].Type == GroupBreakaway &&
		groups[0].GapToNext != nil && *groups[0].GapToNext > breakawayGapSecs {
		return SituationBreakaway
	}
	for i := 1; i < len(groups); i++ {
		if groups[i].Type == GroupChase {
			return SituationChasing
		}
	}
	return SituationStable
}

// countAttackers counts riders who gained more than attackPositionGain
// places since their oldest fix inside the attack window.
func (t *Tracker) countAttackers(positions []RiderPosition, now time.Time) int {
	cutoff := now.Add(-attackWindow)
	attackers := 0
	for _, p := range positions {
		if p.Position <= 0 {
			continue
		}
		rs, ok := t.riders.Load(p.RiderID)
		if !ok {
			continue
		}
		for _, h := range rs.tail(0) {
			if h.Timestamp.Before(cutoff) || h.Position <= 0 {
				continue
			}
			if h.Position-p.Position > attackPositionGain {
				attackers++
			}
			break
		}
	}
	return attackers
}

// sprintDetected fires when enough riders are above sprint speed and the
// largest group is wound up tight around its own centroid.
func sprintDetected(positions []RiderPosition, groups []Group) bool {
	fast := 0
	for _, p := range positions {
		if p.Speed > sprintSpeedMS {
			fast++
		}
	}
	if fast <= sprintMinRiders {
		return false
	}

	var main *Group
	for i := range groups {
		if main == nil || groups[i].Size > main.Size {
			main = &groups[i]
		}
	}
	if main == nil {
		return false
	}

	var latSum, lonSum float64
	var fixes []RiderPosition
	for _, p := range positions {
		if p.GroupID == main.ID && p.hasGPS() {
			latSum += p.Latitude
			lonSum += p.Longitude
			fixes = append(fixes, p)
		}
	}
	if len(fixes) < 2 {
		return true
	}
	latC := latSum / float64(len(fixes))
	lonC := lonSum / float64(len(fixes))
	for _, p := range fixes {
		if geo.Distance(latC, lonC, p.Latitude, p.Longitude) > sprintGroupRadius {
			return false
		}
	}
	return true
}

// climbDetected fires when the majority of the field is below climbing
// speed and riders have on average gained altitude inside the climb
// window.
func (t *Tracker) climbDetected(positions []RiderPosition, now time.Time) bool {
	if len(positions) == 0 {
		return false
	}
	slow := 0
	for _, p := range positions {
		if p.Speed > 0 && p.Speed < climbSpeedMS {
			slow++
		}
	}
	if slow*2 <= len(positions) {
		return false
	}

	cutoff := now.Add(-climbWindow)
	var gainSum float64
	var gainN int
	for _, p := range positions {
		rs, ok := t.riders.Load(p.RiderID)
		if !ok {
			continue
		}
		for _, h := range rs.tail(0) {
			if h.Timestamp.Before(cutoff) {
				continue
			}
			if h.Altitude == 0 && p.Altitude == 0 {
				break
			}
			if h.Timestamp.Equal(p.Timestamp) {
				break
			}
			gainSum += p.Altitude - h.Altitude
			gainN++
			break
		}
	}
	return gainN > 0 && gainSum/float64(gainN) > climbAltitudeGain
}
