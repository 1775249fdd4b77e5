package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// SystemMetrics holds one sample of process resource usage.
type SystemMetrics struct {
	CPUPercent  float64
	MemoryBytes uint64
	Goroutines  int
	Timestamp   time.Time
}

// SystemMonitor samples CPU, memory, and goroutine counts on a fixed
// interval. One instance serves the whole process: the admission guard and
// the system.status broadcast both read the latest snapshot instead of
// measuring independently.
type SystemMonitor struct {
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.RWMutex
	metrics SystemMetrics
}

func NewSystemMonitor(interval time.Duration, logger zerolog.Logger) *SystemMonitor {
	return &SystemMonitor{
		interval: interval,
		logger:   logger.With().Str("component", "sysmon").Logger(),
	}
}

// Start launches the sampling loop. It returns immediately; the loop stops
// when ctx is cancelled.
func (m *SystemMonitor) Start(ctx context.Context) {
	m.sample()

	go func() {
		defer RecoverPanic(m.logger, "system-monitor")

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

func (m *SystemMonitor) sample() {
	// Non-blocking sample over the previous interval; the first call
	// returns the since-boot average, acceptable for a startup reading.
	var cpuPct float64
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPct = percents[0]
	} else if err != nil {
		m.logger.Debug().Err(err).Msg("CPU sample failed")
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	sampled := SystemMetrics{
		CPUPercent:  cpuPct,
		MemoryBytes: ms.HeapInuse,
		Goroutines:  runtime.NumGoroutine(),
		Timestamp:   time.Now(),
	}

	m.mu.Lock()
	m.metrics = sampled
	m.mu.Unlock()

	SystemCPUPercent.Set(sampled.CPUPercent)
	SystemMemoryBytes.Set(float64(sampled.MemoryBytes))
	SystemGoroutines.Set(float64(sampled.Goroutines))
}

// Snapshot returns the most recent sample.
func (m *SystemMonitor) Snapshot() SystemMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}
