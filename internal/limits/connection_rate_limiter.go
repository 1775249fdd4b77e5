package limits

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vardaan112/PelotonIQ-sub000/internal/monitoring"
)

// ConnRateConfig bounds the connection accept rate. Rates are connections
// per second; each bucket's burst is twice its sustained rate.
type ConnRateConfig struct {
	PerIPRate     int
	GlobalRate    int
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

func (c *ConnRateConfig) withDefaults() ConnRateConfig {
	cfg := *c
	if cfg.PerIPRate <= 0 {
		cfg.PerIPRate = 5
	}
	if cfg.GlobalRate <= 0 {
		cfg.GlobalRate = 100
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return cfg
}

// ConnectionRateLimiter gates connection attempts twice: a global token
// bucket protects the process from distributed floods, then a per-IP bucket
// isolates a single noisy peer. Per-IP buckets are created on first sight
// and swept out after IdleTTL of silence.
type ConnectionRateLimiter struct {
	cfg    ConnRateConfig
	logger zerolog.Logger

	global *rate.Limiter

	mu    sync.Mutex
	perIP map[string]*ipBucket

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewConnectionRateLimiter(cfg ConnRateConfig, logger zerolog.Logger) *ConnectionRateLimiter {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionRateLimiter{
		cfg:    cfg,
		logger: logger.With().Str("component", "connlimit").Logger(),
		global: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalRate*2),
		perIP:  make(map[string]*ipBucket),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Allow reports whether a connection attempt from ip may proceed. The
// global bucket is checked first so a flood never reaches the per-IP map.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		monitoring.FanoutConnectionsRejected.WithLabelValues("rate_global").Inc()
		l.logger.Debug().Str("ip", ip).Msg("connection rejected, global rate limit")
		return false
	}
	if !l.bucketFor(ip, time.Now()).Allow() {
		monitoring.FanoutConnectionsRejected.WithLabelValues("rate_ip").Inc()
		l.logger.Debug().Str("ip", ip).Msg("connection rejected, per-IP rate limit")
		return false
	}
	return true
}

func (l *ConnectionRateLimiter) bucketFor(ip string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.perIP[ip]
	if b == nil {
		b = &ipBucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.PerIPRate), l.cfg.PerIPRate*2)}
		l.perIP[ip] = b
	}
	b.lastSeen = now
	return b.limiter
}

// TrackedIPs returns the number of live per-IP buckets.
func (l *ConnectionRateLimiter) TrackedIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perIP)
}

// Start launches the idle-bucket sweep loop.
func (l *ConnectionRateLimiter) Start() {
	l.wg.Add(1)
	go l.sweepLoop()
}

func (l *ConnectionRateLimiter) Close() {
	l.cancel()
	l.wg.Wait()
}

func (l *ConnectionRateLimiter) sweepLoop() {
	defer l.wg.Done()
	defer monitoring.RecoverPanic(l.logger, "connlimit-sweep")
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.sweep(time.Now())
		}
	}
}

func (l *ConnectionRateLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, b := range l.perIP {
		if now.Sub(b.lastSeen) > l.cfg.IdleTTL {
			delete(l.perIP, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.perIP)).
			Msg("idle per-IP buckets swept")
	}
}
