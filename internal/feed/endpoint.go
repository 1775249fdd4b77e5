package feed

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Role distinguishes the preferred endpoint from its backups.
type Role string

const (
	RolePrimary  Role = "primary"
	RoleFallback Role = "fallback"
)

// Status is the lifecycle state of a single endpoint.
type Status string

const (
	StatusInactive   Status = "inactive"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusFailed     Status = "failed"
)

// EWMA smoothing for probe latency.
const latencyAlpha = 0.3

// Endpoint is one registered telemetry source with its health bookkeeping
// and circuit breaker. ID, Addr, Role and Weight are immutable after
// registration; everything else is guarded by mu.
type Endpoint struct {
	ID     string
	Addr   string
	Role   Role
	Weight float64

	breaker *gobreaker.CircuitBreaker

	mu        sync.Mutex
	status    Status
	health    float64
	latencyMS float64
	frames    uint64
	probeErrs uint64
	lastSeen  time.Time
}

// EndpointInfo is a point-in-time snapshot of an endpoint, safe to hand to
// stats endpoints and logs.
type EndpointInfo struct {
	ID        string    `json:"id"`
	Addr      string    `json:"addr"`
	Role      Role      `json:"role"`
	Weight    float64   `json:"weight"`
	Status    Status    `json:"status"`
	Health    float64   `json:"health"`
	LatencyMS float64   `json:"latencyMs"`
	Breaker   string    `json:"breaker"`
	Frames    uint64    `json:"frames"`
	ProbeErrs uint64    `json:"probeErrors"`
	LastSeen  time.Time `json:"lastSeen"`
}

func (e *Endpoint) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

func (e *Endpoint) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Endpoint) Health() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health
}

func (e *Endpoint) LastSeen() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeen
}

// Score ranks the endpoint for selection: 40% health, 30% latency headroom,
// 30% configured weight. Latency headroom hits zero at 1000ms.
func (e *Endpoint) Score() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	latFactor := 100 - e.latencyMS/10
	if latFactor < 0 {
		latFactor = 0
	}
	return 0.4*e.health + 0.3*latFactor + 0.3*e.Weight
}

// markConnected restores the health baseline after a successful connect.
// The breaker has already reset its failure count by this point.
func (e *Endpoint) markConnected() {
	e.mu.Lock()
	e.status = StatusConnected
	e.health = 100
	e.lastSeen = time.Now()
	e.mu.Unlock()
}

// markFrame records delivery of an accepted frame.
func (e *Endpoint) markFrame() {
	e.mu.Lock()
	e.frames++
	e.lastSeen = time.Now()
	e.mu.Unlock()
}

// recordProbe folds a successful probe into the rolling latency and adjusts
// health: +1 when latency is under half the threshold, -5 when over it.
func (e *Endpoint) recordProbe(lat, threshold time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms := float64(lat.Microseconds()) / 1000.0
	if e.latencyMS == 0 {
		e.latencyMS = ms
	} else {
		e.latencyMS = (1-latencyAlpha)*e.latencyMS + latencyAlpha*ms
	}
	switch {
	case lat > threshold:
		e.health -= 5
	case lat < threshold/2:
		e.health += 1
	}
	if e.health > 100 {
		e.health = 100
	}
	if e.health < 0 {
		e.health = 0
	}
	e.lastSeen = time.Now()
}

// recordProbeFailure penalizes a failed probe with -10 health.
func (e *Endpoint) recordProbeFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.probeErrs++
	e.health -= 10
	if e.health < 0 {
		e.health = 0
	}
}

func (e *Endpoint) snapshot() EndpointInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EndpointInfo{
		ID:        e.ID,
		Addr:      e.Addr,
		Role:      e.Role,
		Weight:    e.Weight,
		Status:    e.status,
		Health:    e.health,
		LatencyMS: e.latencyMS,
		Breaker:   e.breaker.State().String(),
		Frames:    e.frames,
		ProbeErrs: e.probeErrs,
		LastSeen:  e.lastSeen,
	}
}
