package limits

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/vardaan112/PelotonIQ-sub000/internal/monitoring"
)

// GuardConfig holds the static admission ceilings. Limits are configured,
// never derived from measurements.
type GuardConfig struct {
	MaxGoroutines      int
	CPURejectThreshold float64
}

func (c *GuardConfig) withDefaults() GuardConfig {
	cfg := *c
	if cfg.MaxGoroutines <= 0 {
		cfg.MaxGoroutines = 5000
	}
	if cfg.CPURejectThreshold <= 0 {
		cfg.CPURejectThreshold = 75.0
	}
	return cfg
}

// Sampler provides the resource reading the guard admits against.
type Sampler interface {
	Snapshot() monitoring.SystemMetrics
}

// ResourceGuard rejects new sessions once the process crosses its static
// ceilings, and hands out bounded worker slots for short-lived goroutines.
// CPU readings come from the shared system monitor rather than a second
// measurement path.
type ResourceGuard struct {
	cfg     GuardConfig
	logger  zerolog.Logger
	sampler Sampler
	slots   chan struct{}
}

func NewResourceGuard(cfg GuardConfig, sampler Sampler, logger zerolog.Logger) *ResourceGuard {
	cfg = cfg.withDefaults()
	return &ResourceGuard{
		cfg:     cfg,
		logger:  logger.With().Str("component", "guard").Logger(),
		sampler: sampler,
		slots:   make(chan struct{}, cfg.MaxGoroutines),
	}
}

// Admit reports whether a new session may be accepted. The returned reason
// is empty on acceptance.
func (g *ResourceGuard) Admit() (bool, string) {
	if g.sampler != nil {
		if snap := g.sampler.Snapshot(); snap.CPUPercent > g.cfg.CPURejectThreshold {
			monitoring.FanoutConnectionsRejected.WithLabelValues("cpu").Inc()
			g.logger.Debug().
				Float64("cpu", snap.CPUPercent).
				Float64("threshold", g.cfg.CPURejectThreshold).
				Msg("connection rejected, CPU over threshold")
			return false, fmt.Sprintf("cpu %.1f%% over %.1f%%", snap.CPUPercent, g.cfg.CPURejectThreshold)
		}
	}
	if n := runtime.NumGoroutine(); n > g.cfg.MaxGoroutines {
		monitoring.FanoutConnectionsRejected.WithLabelValues("goroutines").Inc()
		g.logger.Debug().
			Int("goroutines", n).
			Int("max", g.cfg.MaxGoroutines).
			Msg("connection rejected, goroutine ceiling reached")
		return false, fmt.Sprintf("goroutines %d over %d", n, g.cfg.MaxGoroutines)
	}
	return true, ""
}

// Acquire reserves a worker slot. Callers that get true must Release when
// the goroutine finishes.
func (g *ResourceGuard) Acquire() bool {
	select {
	case g.slots <- struct{}{}:
		return true
	default:
		g.logger.Warn().
			Int("in_flight", len(g.slots)).
			Int("max", cap(g.slots)).
			Msg("worker slot limit reached")
		return false
	}
}

// Release returns a worker slot taken by Acquire.
func (g *ResourceGuard) Release() {
	<-g.slots
}

// InFlight returns the number of reserved worker slots.
func (g *ResourceGuard) InFlight() int {
	return len(g.slots)
}
