package tactics

import (
	"time"

	"github.com/vardaan112/PelotonIQ-sub000/internal/geo"
	"github.com/vardaan112/PelotonIQ-sub000/internal/monitoring"
)

// correlationRule links a later event back to an earlier one of another
// (or the same) type when both time and distance limits hold.
type correlationRule struct {
	earlier  string
	later    string
	maxDelta time.Duration
	maxDistM float64
	relation Relationship
}

func defaultCorrelations() []correlationRule {
	return []correlationRule{
		{EventCrash, EventMechanical, 3 * time.Minute, 500, RelationConsequence},
		{EventAttack, EventChase, 2 * time.Minute, 2000, RelationConsequence},
		{EventCrash, EventCrash, 30 * time.Second, 200, RelationConcurrent},
	}
}

// correlate links each fresh event against the live set. The later event
// carries the rule's relationship tag; the earlier one points back with
// related, or with concurrent when the rule is symmetric.
func (d *Detector) correlate(fresh []*TacticalEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, later := range fresh {
		for _, earlier := range d.events {
			if earlier.ID == later.ID {
				continue
			}
			for _, rule := range d.rules {
				if earlier.Type != rule.earlier || later.Type != rule.later {
					continue
				}
				dt := later.Timestamp.Sub(earlier.Timestamp)
				if dt < 0 || dt > rule.maxDelta {
					continue
				}
				if earlier.hasLocation() && later.hasLocation() &&
					geo.Distance(earlier.Latitude, earlier.Longitude, later.Latitude, later.Longitude) > rule.maxDistM {
					continue
				}
				if linked(later, earlier.ID) {
					continue
				}

				back := RelationRelated
				if rule.relation == RelationConcurrent {
					back = RelationConcurrent
				}
				later.Links = append(later.Links, EventLink{EventID: earlier.ID, Relationship: rule.relation})
				if !linked(earlier, later.ID) {
					earlier.Links = append(earlier.Links, EventLink{EventID: later.ID, Relationship: back})
				}
				monitoring.TacticsEventsCorrelated.Inc()
				d.logger.Debug().
					Str("earlier", earlier.ID).
					Str("later", later.ID).
					Str("relation", string(rule.relation)).
					Msg("events correlated")
			}
		}
	}
}

func linked(e *TacticalEvent, id string) bool {
	for _, l := range e.Links {
		if l.EventID == id {
			return true
		}
	}
	return false
}
