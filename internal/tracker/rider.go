package tracker

import (
	"sync"
	"time"

	"github.com/vardaan112/PelotonIQ-sub000/internal/geo"
)

const (
	// historySize bounds the per-rider position ring.
	historySize = 100

	// interpolationMinAge is the silence threshold below which the last
	// fix is still considered live and no projection happens.
	interpolationMinAge = 5 * time.Second
)

// RiderPosition is one rider's state at an instant. RiderID and Timestamp
// are required; everything else is optional wire data. Zero means
// unreported for Position and TimeFromStart, and a (0,0) lat/lon pair is
// treated as no GPS fix.
type RiderPosition struct {
	RiderID           string    `json:"riderId"`
	Timestamp         time.Time `json:"timestamp"`
	Position          int       `json:"position,omitempty"`
	Latitude          float64   `json:"latitude,omitempty"`
	Longitude         float64   `json:"longitude,omitempty"`
	Altitude          float64   `json:"altitude,omitempty"`
	Speed             float64   `json:"speed,omitempty"`
	Heading           float64   `json:"heading,omitempty"`
	DistanceFromStart float64   `json:"distanceFromStart,omitempty"`
	TimeFromStart     float64   `json:"timeFromStart,omitempty"`
	SourceID          string    `json:"sourceId,omitempty"`
	AccuracyTier      string    `json:"accuracyTier,omitempty"`
	Confidence        float64   `json:"confidence,omitempty"`
	GroupID           string    `json:"groupId,omitempty"`
	Interpolated      bool      `json:"interpolated,omitempty"`
}

func (p RiderPosition) hasGPS() bool {
	return p.Latitude != 0 || p.Longitude != 0
}

// historyRing keeps the last historySize ground-truth positions.
type historyRing struct {
	buf  [historySize]RiderPosition
	head int
	n    int
}

func (r *historyRing) push(p RiderPosition) {
	r.buf[r.head] = p
	r.head = (r.head + 1) % historySize
	if r.n < historySize {
		r.n++
	}
}

// tail returns up to limit newest entries in chronological order.
func (r *historyRing) tail(limit int) []RiderPosition {
	if limit <= 0 || limit > r.n {
		limit = r.n
	}
	out := make([]RiderPosition, 0, limit)
	start := r.head - limit
	if start < 0 {
		start += historySize
	}
	for i := 0; i < limit; i++ {
		out = append(out, r.buf[(start+i)%historySize])
	}
	return out
}

// riderState is the per-rider record. real is the last accepted ground
// truth; interp is a synthetic view projected from it during short
// silences and is never pushed into the history ring.
type riderState struct {
	mu        sync.Mutex
	real      RiderPosition
	interp    RiderPosition
	hasInterp bool
	hist      historyRing
	dirty     bool
}

// apply stores p if it is newer than the current ground truth.
func (rs *riderState) apply(p RiderPosition) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.real.Timestamp.IsZero() && !p.Timestamp.After(rs.real.Timestamp) {
		return false
	}
	rs.real = p
	rs.hasInterp = false
	rs.hist.push(p)
	rs.dirty = true
	return true
}

// current returns the freshest view, preferring an interpolated one.
func (rs *riderState) current() RiderPosition {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.hasInterp {
		return rs.interp
	}
	return rs.real
}

// view refreshes and returns the rider's position for this tick. When the
// last fix has been silent for more than interpolationMinAge but no longer
// than maxInterp, it is projected along its heading at the last known
// speed with confidence scaled by 0.8. Outside that window any synthetic
// view is dropped and the ground truth is returned as is.
func (rs *riderState) view(now time.Time, maxInterp time.Duration) (RiderPosition, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	age := now.Sub(rs.real.Timestamp)
	if age <= interpolationMinAge || age > maxInterp {
		rs.hasInterp = false
		return rs.real, false
	}
	if !rs.real.hasGPS() || rs.real.Speed <= 0 {
		rs.hasInterp = false
		return rs.real, false
	}

	p := rs.real
	dist := p.Speed * age.Seconds()
	p.Latitude, p.Longitude = geo.Destination(p.Latitude, p.Longitude, p.Heading, dist)
	if p.DistanceFromStart > 0 {
		p.DistanceFromStart += dist
	}
	conf := p.Confidence
	if conf == 0 {
		conf = 1
	}
	p.Confidence = conf * 0.8
	p.Timestamp = now
	p.Interpolated = true

	rs.interp = p
	rs.hasInterp = true
	return p, true
}

func (rs *riderState) setGroup(id string) {
	rs.mu.Lock()
	rs.real.GroupID = id
	if rs.hasInterp {
		rs.interp.GroupID = id
	}
	rs.mu.Unlock()
}

func (rs *riderState) tail(limit int) []RiderPosition {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.hist.tail(limit)
}

func (rs *riderState) staleFor(now time.Time) time.Duration {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return now.Sub(rs.real.Timestamp)
}

// takeDirty hands out the ground truth for persistence exactly once per
// accepted update.
func (rs *riderState) takeDirty() (RiderPosition, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.dirty {
		return RiderPosition{}, false
	}
	rs.dirty = false
	return rs.real, true
}
