package tactics

import (
	"time"

	"github.com/vardaan112/PelotonIQ-sub000/internal/geo"
	"github.com/vardaan112/PelotonIQ-sub000/internal/tracker"
)

// defaultDeltaWindow scopes delta and trend fields whose condition does
// not carry its own window.
const defaultDeltaWindow = 30 * time.Second

// breakawayHoldGap is the gap in seconds that starts the sustain clock
// for a group pulling clear.
const breakawayHoldGap = 30.0

// trackHorizon bounds the per-group time series.
const trackHorizon = 6 * time.Minute

// riderSubject answers pattern fields for one rider from their current
// view and ground-truth history tail.
type riderSubject struct {
	now        time.Time
	current    tracker.RiderPosition
	history    []tracker.RiderPosition
	gapToGroup float64 // seconds; negative when unknown
}

func (s *riderSubject) field(name string, window time.Duration) (any, bool) {
	if window <= 0 {
		window = defaultDeltaWindow
	}
	switch name {
	case "speed":
		return s.current.Speed, true
	case "position":
		if s.current.Position <= 0 {
			return nil, false
		}
		return float64(s.current.Position), true
	case "speedDelta":
		base, ok := s.baseline(window)
		if !ok {
			return nil, false
		}
		return s.current.Speed - base.Speed, true
	case "positionGain":
		base, ok := s.baseline(window)
		if !ok || base.Position <= 0 || s.current.Position <= 0 {
			return nil, false
		}
		return float64(base.Position - s.current.Position), true
	case "positionDrop":
		base, ok := s.baseline(window)
		if !ok || base.Position <= 0 || s.current.Position <= 0 {
			return nil, false
		}
		return float64(s.current.Position - base.Position), true
	case "altitudeDelta":
		base, ok := s.baseline(window)
		if !ok {
			return nil, false
		}
		return s.current.Altitude - base.Altitude, true
	case "gapToGroup":
		if s.gapToGroup < 0 {
			return nil, false
		}
		return s.gapToGroup, true
	case "steadyDeceleration":
		return s.steadyDeceleration(window), true
	default:
		return nil, false
	}
}

// baseline is the oldest ground-truth entry inside the window.
func (s *riderSubject) baseline(window time.Duration) (tracker.RiderPosition, bool) {
	cutoff := s.now.Add(-window)
	for _, h := range s.history {
		if h.Timestamp.Before(cutoff) {
			continue
		}
		return h, true
	}
	return tracker.RiderPosition{}, false
}

// steadyDeceleration is 1 when the windowed speed samples only ever slow
// down, with a small jitter allowance.
func (s *riderSubject) steadyDeceleration(window time.Duration) float64 {
	cutoff := s.now.Add(-window)
	var speeds []float64
	for _, h := range s.history {
		if h.Timestamp.Before(cutoff) || h.Speed <= 0 {
			continue
		}
		speeds = append(speeds, h.Speed)
	}
	if len(speeds) < 3 {
		return 0
	}
	for i := 1; i < len(speeds); i++ {
		if speeds[i] > speeds[i-1]+0.5 {
			return 0
		}
	}
	if speeds[len(speeds)-1] >= speeds[0] {
		return 0
	}
	return 1
}

// sample is one timestamped observation in a group time series.
type sample struct {
	t time.Time
	v float64
}

// groupTrack accumulates a group's gap and speed series across detection
// cycles so sustain and trend fields have something to look back on.
type groupTrack struct {
	holdSince time.Time
	gaps      []sample
	speeds    []sample
	lastSeen  time.Time
}

func (g *groupTrack) observe(now time.Time, gap float64, haveGap bool, avgSpeed float64) {
	g.lastSeen = now
	if haveGap {
		g.gaps = append(g.gaps, sample{now, gap})
		if gap > breakawayHoldGap {
			if g.holdSince.IsZero() {
				g.holdSince = now
			}
		} else {
			g.holdSince = time.Time{}
		}
	} else {
		g.holdSince = time.Time{}
	}
	if avgSpeed > 0 {
		g.speeds = append(g.speeds, sample{now, avgSpeed})
	}
	g.trim(now)
}

func (g *groupTrack) trim(now time.Time) {
	cutoff := now.Add(-trackHorizon)
	g.gaps = dropBefore(g.gaps, cutoff)
	g.speeds = dropBefore(g.speeds, cutoff)
}

func dropBefore(s []sample, cutoff time.Time) []sample {
	i := 0
	for i < len(s) && s[i].t.Before(cutoff) {
		i++
	}
	return s[i:]
}

func (g *groupTrack) sustainedFor(now time.Time) float64 {
	if g.holdSince.IsZero() {
		return 0
	}
	return now.Sub(g.holdSince).Seconds()
}

// delta over a windowed series: newest value minus the oldest in-window
// value. ok=false without two distinct observations.
func windowedDelta(series []sample, now time.Time, window time.Duration) (float64, bool) {
	cutoff := now.Add(-window)
	inWindow := dropBefore(series, cutoff)
	if len(inWindow) < 2 {
		return 0, false
	}
	return inWindow[len(inWindow)-1].v - inWindow[0].v, true
}

// groupSubject answers pattern fields for one group and its rolling
// track.
type groupSubject struct {
	now              time.Time
	group            tracker.Group
	track            *groupTrack
	compactness      float64 // meters; negative when unknown
	centroidLat      float64
	centroidLon      float64
	gapToPeloton     float64 // seconds; negative when unknown
	distanceToFinish float64 // meters; negative when unknown
}

func (s *groupSubject) field(name string, window time.Duration) (any, bool) {
	if window <= 0 {
		window = defaultDeltaWindow
	}
	switch name {
	case "size":
		return float64(s.group.Size), true
	case "minPosition":
		if s.group.MinPosition <= 0 {
			return nil, false
		}
		return float64(s.group.MinPosition), true
	case "avgSpeed":
		return s.group.AvgSpeed, true
	case "compactness":
		if s.compactness < 0 {
			return nil, false
		}
		return s.compactness, true
	case "gapToPeloton":
		if s.gapToPeloton < 0 {
			return nil, false
		}
		return s.gapToPeloton, true
	case "sustainedFor":
		return s.track.sustainedFor(s.now), true
	case "gapTrend":
		d, ok := windowedDelta(s.track.gaps, s.now, window)
		if !ok {
			return nil, false
		}
		return d, true
	case "speedDelta":
		d, ok := windowedDelta(s.track.speeds, s.now, window)
		if !ok {
			return nil, false
		}
		return d, true
	case "distanceToFinish":
		if s.distanceToFinish < 0 {
			return nil, false
		}
		return s.distanceToFinish, true
	default:
		return nil, false
	}
}

// spread returns the members' centroid and the largest distance from it.
// ok=false without any GPS fix.
func spread(members []tracker.RiderPosition) (radius, lat, lon float64, ok bool) {
	var latSum, lonSum float64
	var fixes []tracker.RiderPosition
	for _, m := range members {
		if m.Latitude != 0 || m.Longitude != 0 {
			latSum += m.Latitude
			lonSum += m.Longitude
			fixes = append(fixes, m)
		}
	}
	if len(fixes) == 0 {
		return 0, 0, 0, false
	}
	lat = latSum / float64(len(fixes))
	lon = lonSum / float64(len(fixes))
	for _, m := range fixes {
		if d := geo.Distance(lat, lon, m.Latitude, m.Longitude); d > radius {
			radius = d
		}
	}
	return radius, lat, lon, true
}
