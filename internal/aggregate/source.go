package aggregate

import (
	"sync"
	"time"
)

// Reliability bounds; a source never drops below the floor so it can earn
// trust back after a bad stretch.
const (
	reliabilityFloor = 0.1
	reliabilityCeil  = 1.0

	// Multiplicative penalty for deviating from the resolved value and the
	// additive reward for agreeing with it.
	reliabilityPenalty = 0.95
	reliabilityReward  = 0.01

	sourceLatencyAlpha = 0.3
)

// Source is one registered telemetry provider. Priority and accuracy are
// declared at registration; reliability moves dynamically as the source
// agrees with or deviates from resolved values.
type Source struct {
	ID       string
	Priority int
	Accuracy float64
	DataType string

	mu          sync.Mutex
	reliability float64
	active      bool
	lastSeen    time.Time
	latencyMS   float64
	ingests     uint64
	drops       uint64
	conflicts   uint64
	baseline    float64
	registered  time.Time
	inactiveFor time.Duration
}

// SourceInfo is a point-in-time snapshot for stats and logs.
type SourceInfo struct {
	ID           string        `json:"id"`
	Priority     int           `json:"priority"`
	Accuracy     float64       `json:"accuracy"`
	DataType     string        `json:"dataType"`
	Reliability  float64       `json:"reliability"`
	Active       bool          `json:"active"`
	LastSeen     time.Time     `json:"lastSeen"`
	AvgLatencyMS float64       `json:"avgLatencyMs"`
	Ingests      uint64        `json:"ingests"`
	Drops        uint64        `json:"drops"`
	ConflictRate float64       `json:"conflictRate"`
	Uptime       float64       `json:"uptime"`
	InactiveFor  time.Duration `json:"-"`
}

func newSource(id string, priority int, accuracy float64, dataType string) *Source {
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}
	rel := clampReliability(accuracy)
	return &Source{
		ID:          id,
		Priority:    priority,
		Accuracy:    accuracy,
		DataType:    dataType,
		reliability: rel,
		active:      true,
		lastSeen:    time.Now(),
		baseline:    rel,
		registered:  time.Now(),
	}
}

func clampReliability(v float64) float64 {
	if v < reliabilityFloor {
		return reliabilityFloor
	}
	if v > reliabilityCeil {
		return reliabilityCeil
	}
	return v
}

// recencyFactor decays linearly from 1 at age zero to 0.1 at maxAge.
func recencyFactor(age, maxAge time.Duration) float64 {
	if age <= 0 || maxAge <= 0 {
		return 1
	}
	f := 1 - 0.9*(float64(age)/float64(maxAge))
	if f < 0.1 {
		return 0.1
	}
	return f
}

// Trust computes the trust score for a sample of the given age:
// reliability × priority/10 × recency, bounded to [0,1].
func (s *Source) Trust(sampleAge, maxAge time.Duration) float64 {
	s.mu.Lock()
	rel := s.reliability
	s.mu.Unlock()
	t := rel * float64(s.Priority) / 10 * recencyFactor(sampleAge, maxAge)
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

func (s *Source) Reliability() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reliability
}

func (s *Source) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// markSeen records an ingest attempt. Called even for drops so the health
// sweep can reactivate a source that resumed sending.
func (s *Source) markSeen(latency time.Duration) {
	s.mu.Lock()
	s.lastSeen = time.Now()
	ms := float64(latency.Microseconds()) / 1000.0
	if ms > 0 {
		if s.latencyMS == 0 {
			s.latencyMS = ms
		} else {
			s.latencyMS = (1-sourceLatencyAlpha)*s.latencyMS + sourceLatencyAlpha*ms
		}
	}
	s.mu.Unlock()
}

func (s *Source) markIngest() {
	s.mu.Lock()
	s.ingests++
	s.mu.Unlock()
}

func (s *Source) markDrop() {
	s.mu.Lock()
	s.drops++
	s.mu.Unlock()
}

// rewardAgreement nudges reliability up after matching the resolved value.
func (s *Source) rewardAgreement() {
	s.mu.Lock()
	s.reliability = clampReliability(s.reliability + reliabilityReward)
	s.mu.Unlock()
}

// penalizeDeviation cuts reliability after deviating from the resolved value
// beyond the conflict threshold.
func (s *Source) penalizeDeviation() {
	s.mu.Lock()
	s.conflicts++
	s.reliability = clampReliability(s.reliability * reliabilityPenalty)
	s.mu.Unlock()
}

// sweep updates the active flag from silence and accumulates downtime.
// Returns (active, reliability) after the update.
func (s *Source) sweep(now time.Time, maxAge, interval time.Duration) (bool, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	silent := now.Sub(s.lastSeen) > maxAge
	if silent {
		s.active = false
		s.inactiveFor += interval
	} else {
		s.active = true
	}
	return s.active, s.reliability
}

// driftCheck compares reliability against the last baseline and re-baselines.
// Returns the drop and true when the drop reached the threshold.
func (s *Source) driftCheck(threshold float64) (float64, float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := s.baseline - s.reliability
	baseline := s.baseline
	s.baseline = s.reliability
	return baseline, drop, threshold > 0 && drop >= threshold
}

// uptime is the fraction of the source's lifetime spent active.
func (s *Source) uptime(now time.Time) float64 {
	total := now.Sub(s.registered)
	if total <= 0 {
		return 1
	}
	up := 1 - float64(s.inactiveFor)/float64(total)
	if up < 0 {
		return 0
	}
	return up
}

func (s *Source) snapshot(now time.Time) SourceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var conflictRate float64
	if s.ingests > 0 {
		conflictRate = float64(s.conflicts) / float64(s.ingests)
	}
	total := now.Sub(s.registered)
	uptime := 1.0
	if total > 0 {
		uptime = 1 - float64(s.inactiveFor)/float64(total)
		if uptime < 0 {
			uptime = 0
		}
	}
	return SourceInfo{
		ID:           s.ID,
		Priority:     s.Priority,
		Accuracy:     s.Accuracy,
		DataType:     s.DataType,
		Reliability:  s.reliability,
		Active:       s.active,
		LastSeen:     s.lastSeen,
		AvgLatencyMS: s.latencyMS,
		Ingests:      s.ingests,
		Drops:        s.drops,
		ConflictRate: conflictRate,
		Uptime:       uptime,
	}
}
