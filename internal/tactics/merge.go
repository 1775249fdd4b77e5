package tactics

import (
	"sort"

	"github.com/google/uuid"

	"github.com/vardaan112/PelotonIQ-sub000/internal/geo"
	"github.com/vardaan112/PelotonIQ-sub000/internal/monitoring"
)

const (
	// mergeWindow is how long after its last activity an event keeps
	// absorbing matching detections.
	mergeWindow = 60 // seconds

	// mergeDistanceM caps the geographic spread of a merged event.
	mergeDistanceM = 500.0
)

// admit either merges the candidate into a live event of the same type or
// registers it as a new event. Merge requires activity within the merge
// window, proximity when both sides carry a location, and at least one
// shared rider.
func (d *Detector) admit(c *TacticalEvent) (*TacticalEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range d.events {
		if e.Type != c.Type || e.Verification == VerificationFalsePositive {
			continue
		}
		ref := e.Timestamp
		if e.UpdatedAt.After(ref) {
			ref = e.UpdatedAt
		}
		dt := c.Timestamp.Sub(ref).Seconds()
		if dt < 0 {
			dt = -dt
		}
		if dt > mergeWindow {
			continue
		}
		if e.hasLocation() && c.hasLocation() &&
			geo.Distance(e.Latitude, e.Longitude, c.Latitude, c.Longitude) > mergeDistanceM {
			continue
		}
		if !e.sharesRider(c) {
			continue
		}
		mergeInto(e, c)
		monitoring.TacticsEventsMerged.Inc()
		return e, true
	}

	c.ID = uuid.NewString()
	c.Verification = VerificationUnverified
	c.Impact = assessImpact(c)
	d.events[c.ID] = c
	monitoring.TacticsEventsDetected.WithLabelValues(c.Type).Inc()
	return c, false
}

// mergeInto folds src into dst: riders union, averaged confidence,
// appended trigger data, and a fresh impact read.
func mergeInto(dst, src *TacticalEvent) {
	dst.Riders = unionSorted(dst.Riders, src.Riders)
	dst.Confidence = (dst.Confidence + src.Confidence) / 2
	dst.TriggerData = append(dst.TriggerData, src.TriggerData...)
	if !dst.hasLocation() && src.hasLocation() {
		dst.Latitude, dst.Longitude = src.Latitude, src.Longitude
	}
	if src.RaceDistance > dst.RaceDistance {
		dst.RaceDistance = src.RaceDistance
	}
	dst.UpdatedAt = src.Timestamp
	dst.Impact = assessImpact(dst)
}

func unionSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
