package tracker

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/vardaan112/PelotonIQ-sub000/internal/geo"
)

// GroupType classifies a detected group by size and front proximity.
type GroupType string

const (
	GroupSolo      GroupType = "solo"
	GroupSmall     GroupType = "small_group"
	GroupBreakaway GroupType = "breakaway"
	GroupPeloton   GroupType = "peloton"
	GroupChase     GroupType = "chase_group"
)

const (
	smallGroupMaxSize    = 5
	pelotonMinSize       = 50
	breakawayMaxPosition = 10
	positionGroupSpan    = 5
)

// Group is one contiguous cluster of riders in race order. Gap fields are
// in seconds and nil when no neighboring group reports timeFromStart.
type Group struct {
	ID               string    `json:"id"`
	Type             GroupType `json:"type"`
	Riders           []string  `json:"riders"`
	Size             int       `json:"size"`
	MinPosition      int       `json:"minPosition,omitempty"`
	AvgSpeed         float64   `json:"avgSpeed,omitempty"`
	MinTimeFromStart float64   `json:"minTimeFromStart,omitempty"`
	MaxTimeFromStart float64   `json:"maxTimeFromStart,omitempty"`
	GapToNext        *float64  `json:"gapToNext"`
	GapToPrevious    *float64  `json:"gapToPrevious"`
}

// RiderGap is one rider's time deficit within the sorted field. Riders
// without timeFromStart do not appear in the gap table.
type RiderGap struct {
	RiderID       string  `json:"riderId"`
	Position      int     `json:"position,omitempty"`
	GroupID       string  `json:"groupId,omitempty"`
	TimeFromStart float64 `json:"timeFromStart"`
	GapToLeader   float64 `json:"gapToLeader"`
	GapToPrevious float64 `json:"gapToPrevious"`
}

// sortByRaceOrder orders riders by race position with unknown positions
// last, breaking ties by timeFromStart and then rider id.
func sortByRaceOrder(positions []RiderPosition) {
	sort.SliceStable(positions, func(i, j int) bool {
		a, b := positions[i], positions[j]
		if a.Position != b.Position {
			if a.Position == 0 {
				return false
			}
			if b.Position == 0 {
				return true
			}
			return a.Position < b.Position
		}
		if a.TimeFromStart != b.TimeFromStart {
			return a.TimeFromStart < b.TimeFromStart
		}
		return a.RiderID < b.RiderID
	})
}

// sameGroup decides whether two adjacent riders in race order belong
// together. The first criterion both riders can answer decides: shared
// timeFromStart, then shared GPS, then race-position span.
func sameGroup(a, b RiderPosition, timeThreshold time.Duration, distThreshold float64) bool {
	if a.TimeFromStart > 0 && b.TimeFromStart > 0 {
		return math.Abs(a.TimeFromStart-b.TimeFromStart) <= timeThreshold.Seconds()
	}
	if a.hasGPS() && b.hasGPS() {
		return geo.Distance(a.Latitude, a.Longitude, b.Latitude, b.Longitude) <= distThreshold
	}
	if a.Position > 0 && b.Position > 0 {
		d := a.Position - b.Position
		if d < 0 {
			d = -d
		}
		return d <= positionGroupSpan
	}
	return false
}

func classifyGroup(size, minPosition int) GroupType {
	switch {
	case size == 1:
		return GroupSolo
	case size > pelotonMinSize:
		return GroupPeloton
	case minPosition >= 1 && minPosition <= breakawayMaxPosition:
		return GroupBreakaway
	case size < smallGroupMaxSize:
		return GroupSmall
	default:
		return GroupChase
	}
}

// buildGroups partitions the field into groups. Riders are sorted by race
// position (unknown positions last), walked greedily so each rider joins
// the group of its predecessor when sameGroup holds, and the resulting
// groups are ordered leading-first by min timeFromStart before gaps are
// chained between neighbors.
func buildGroups(positions []RiderPosition, timeThreshold time.Duration, distThreshold float64) []Group {
	if len(positions) == 0 {
		return nil
	}

	sorted := make([]RiderPosition, len(positions))
	copy(sorted, positions)
	sortByRaceOrder(sorted)

	var clusters [][]RiderPosition
	for _, p := range sorted {
		if len(clusters) == 0 {
			clusters = append(clusters, []RiderPosition{p})
			continue
		}
		cur := clusters[len(clusters)-1]
		if sameGroup(cur[len(cur)-1], p, timeThreshold, distThreshold) {
			clusters[len(clusters)-1] = append(cur, p)
		} else {
			clusters = append(clusters, []RiderPosition{p})
		}
	}

	groups := make([]Group, 0, len(clusters))
	for _, members := range clusters {
		g := Group{Size: len(members)}
		var speedSum float64
		var speedN int
		for _, m := range members {
			g.Riders = append(g.Riders, m.RiderID)
			if m.Position > 0 && (g.MinPosition == 0 || m.Position < g.MinPosition) {
				g.MinPosition = m.Position
			}
			if m.Speed > 0 {
				speedSum += m.Speed
				speedN++
			}
			if m.TimeFromStart > 0 {
				if g.MinTimeFromStart == 0 || m.TimeFromStart < g.MinTimeFromStart {
					g.MinTimeFromStart = m.TimeFromStart
				}
				if m.TimeFromStart > g.MaxTimeFromStart {
					g.MaxTimeFromStart = m.TimeFromStart
				}
			}
		}
		if speedN > 0 {
			g.AvgSpeed = speedSum / float64(speedN)
		}
		g.Type = classifyGroup(g.Size, g.MinPosition)
		groups = append(groups, g)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.MinTimeFromStart > 0 && b.MinTimeFromStart > 0 {
			return a.MinTimeFromStart < b.MinTimeFromStart
		}
		return a.MinTimeFromStart > 0 && b.MinTimeFromStart == 0
	})

	for i := range groups {
		groups[i].ID = fmt.Sprintf("group-%d", i+1)
		if i == 0 {
			continue
		}
		prev := &groups[i-1]
		if prev.MaxTimeFromStart > 0 && groups[i].MinTimeFromStart > 0 {
			gap := groups[i].MinTimeFromStart - prev.MaxTimeFromStart
			prev.GapToNext = &gap
			back := gap
			groups[i].GapToPrevious = &back
		}
	}
	return groups
}

// buildRiderGaps computes each rider's deficit to the race leader and to
// the rider directly ahead, over riders reporting timeFromStart.
func buildRiderGaps(positions []RiderPosition) []RiderGap {
	timed := make([]RiderPosition, 0, len(positions))
	for _, p := range positions {
		if p.TimeFromStart > 0 {
			timed = append(timed, p)
		}
	}
	if len(timed) == 0 {
		return nil
	}
	sort.SliceStable(timed, func(i, j int) bool {
		if timed[i].TimeFromStart != timed[j].TimeFromStart {
			return timed[i].TimeFromStart < timed[j].TimeFromStart
		}
		return timed[i].RiderID < timed[j].RiderID
	})

	leader := timed[0].TimeFromStart
	gaps := make([]RiderGap, 0, len(timed))
	for i, p := range timed {
		g := RiderGap{
			RiderID:       p.RiderID,
			Position:      p.Position,
			GroupID:       p.GroupID,
			TimeFromStart: p.TimeFromStart,
			GapToLeader:   p.TimeFromStart - leader,
		}
		if i > 0 {
			g.GapToPrevious = p.TimeFromStart - timed[i-1].TimeFromStart
		}
		gaps = append(gaps, g)
	}
	return gaps
}
