package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/vardaan112/PelotonIQ-sub000/internal/monitoring"
)

var (
	ErrUnknownEndpoint = errors.New("feed: unknown endpoint")
	ErrCircuitOpen     = errors.New("feed: circuit breaker open")
	ErrServiceDegraded = errors.New("feed: service degraded, no endpoint available")
)

// State describes which leg of the failover chain is serving the feed.
type State string

const (
	StateNormal   State = "normal"
	StateFallback State = "fallback"
	StateDegraded State = "degraded"
)

// Endpoints whose health drops below this are failed over.
const failoverHealthFloor = 10.0

type Config struct {
	HealthCheckInterval   time.Duration
	ConnectionTimeout     time.Duration
	FailoverTimeout       time.Duration
	MaxRetryAttempts      int
	RetryDelay            time.Duration
	BackoffMultiplier     float64
	MaxRetryDelay         time.Duration
	FailureThreshold      int
	CircuitBreakerTimeout time.Duration
	LatencyThreshold      time.Duration
	DuplicateWindow       time.Duration
	QueueSize             int
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 10 * time.Second
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if cfg.FailoverTimeout <= 0 {
		cfg.FailoverTimeout = 15 * time.Second
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 30 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CircuitBreakerTimeout <= 0 {
		cfg.CircuitBreakerTimeout = time.Minute
	}
	if cfg.LatencyThreshold <= 0 {
		cfg.LatencyThreshold = 500 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	return cfg
}

// Manager owns the endpoint registry and the single active connection. One
// endpoint serves frames at a time; the health loop probes it and fails over
// to the best remaining candidate when it degrades.
type Manager struct {
	cfg    Config
	logger zerolog.Logger
	dialer Dialer

	endpoints *xsync.MapOf[string, *Endpoint]
	integrity *Integrity

	mu        sync.Mutex
	currentID string
	conn      Conn
	state     State
	pumpStop  context.CancelFunc

	out     chan RawFrame
	dropLog *monitoring.DropSampler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg Config, dialer Dialer, logger zerolog.Logger) (*Manager, error) {
	cfg = cfg.withDefaults()
	integrity, err := NewIntegrity(cfg.DuplicateWindow)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		logger:    logger.With().Str("component", "feed").Logger(),
		dialer:    dialer,
		endpoints: xsync.NewMapOf[string, *Endpoint](),
		integrity: integrity,
		state:     StateDegraded,
		out:       make(chan RawFrame, cfg.QueueSize),
		dropLog:   monitoring.NewDropSampler(1000),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Register adds an endpoint to the registry. Registering an existing id
// returns the already-registered endpoint unchanged.
func (m *Manager) Register(id, addr string, role Role, weight float64) *Endpoint {
	ep := &Endpoint{
		ID:     id,
		Addr:   addr,
		Role:   role,
		Weight: weight,
		status: StatusInactive,
		health: 100,
	}
	ep.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 1,
		Timeout:     m.cfg.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(m.cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn().
				Str("endpoint", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			if to == gobreaker.StateOpen {
				monitoring.FeedBreakerOpen.WithLabelValues(name).Set(1)
			} else {
				monitoring.FeedBreakerOpen.WithLabelValues(name).Set(0)
			}
		},
	})
	actual, loaded := m.endpoints.LoadOrStore(id, ep)
	if !loaded {
		m.logger.Info().
			Str("endpoint", id).
			Str("addr", addr).
			Str("role", string(role)).
			Float64("weight", weight).
			Msg("endpoint registered")
	}
	return actual
}

// Start launches the health loop. Connect may be called before or after.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.healthLoop()
}

// Frames is the stream of validated frames from whichever endpoint is
// currently active. Bounded; oldest frames are dropped on overflow.
func (m *Manager) Frames() <-chan RawFrame {
	return m.out
}

// Current reports the active endpoint id (empty when none) and the
// failover state.
func (m *Manager) Current() (string, State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentID, m.state
}

// Endpoints returns a snapshot of every registered endpoint.
func (m *Manager) Endpoints() []EndpointInfo {
	infos := make([]EndpointInfo, 0, 4)
	m.endpoints.Range(func(_ string, ep *Endpoint) bool {
		infos = append(infos, ep.snapshot())
		return true
	})
	return infos
}

// Connect dials the endpoint through its circuit breaker with exponential
// backoff, and on success adopts it as the active feed. An open breaker
// fails immediately with ErrCircuitOpen and performs no I/O.
func (m *Manager) Connect(ctx context.Context, id string) error {
	ep, ok := m.endpoints.Load(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
	}
	ep.setStatus(StatusConnecting)

	delay := m.cfg.RetryDelay
	var conn Conn
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRetryAttempts; attempt++ {
		res, err := ep.breaker.Execute(func() (any, error) {
			dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectionTimeout)
			defer cancel()
			return m.dialer.Dial(dctx, ep.Addr)
		})
		if err == nil {
			conn = res.(Conn)
			break
		}
		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			monitoring.FeedConnectsTotal.WithLabelValues(id, "circuit_open").Inc()
			lastErr = fmt.Errorf("%w: %s", ErrCircuitOpen, id)
			break
		}
		monitoring.FeedConnectsTotal.WithLabelValues(id, "failure").Inc()
		m.logger.Warn().
			Str("endpoint", id).
			Int("attempt", attempt).
			Dur("next_delay", delay).
			Err(err).
			Msg("connect attempt failed")
		if attempt == m.cfg.MaxRetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			ep.setStatus(StatusFailed)
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * m.cfg.BackoffMultiplier)
		if delay > m.cfg.MaxRetryDelay {
			delay = m.cfg.MaxRetryDelay
		}
	}
	if conn == nil {
		ep.setStatus(StatusFailed)
		return lastErr
	}

	ep.markConnected()
	monitoring.FeedConnectsTotal.WithLabelValues(id, "success").Inc()
	m.adopt(ep, conn)
	return nil
}

// adopt makes conn the active feed, replacing any previous connection.
func (m *Manager) adopt(ep *Endpoint, conn Conn) {
	m.mu.Lock()
	if m.pumpStop != nil {
		m.pumpStop()
	}
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.conn = conn
	m.currentID = ep.ID
	if ep.Role == RoleFallback {
		m.state = StateFallback
	} else {
		m.state = StateNormal
	}
	state := m.state
	pumpCtx, cancel := context.WithCancel(m.ctx)
	m.pumpStop = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.pump(pumpCtx, ep, conn)

	m.logger.Info().
		Str("endpoint", ep.ID).
		Str("role", string(ep.Role)).
		Str("state", string(state)).
		Msg("feed connected")
}

func (m *Manager) pump(ctx context.Context, ep *Endpoint, conn Conn) {
	defer m.wg.Done()
	defer monitoring.RecoverPanic(m.logger, "feed-pump")
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-conn.Frames():
			if !ok {
				// Transport closed underneath us; the health loop will
				// notice the stale endpoint and fail over.
				return
			}
			if err := m.integrity.Validate(&f); err != nil {
				monitoring.FeedFramesRejected.WithLabelValues(rejectReason(err)).Inc()
				if !errors.Is(err, ErrDuplicateFrame) {
					m.logger.Debug().Str("endpoint", ep.ID).Err(err).Msg("frame rejected")
				}
				continue
			}
			if f.SourceID == "" {
				f.SourceID = ep.ID
			}
			ep.markFrame()
			monitoring.FeedFramesAccepted.Inc()
			m.emit(f)
		}
	}
}

// emit delivers to the bounded output, evicting the oldest frame when full.
func (m *Manager) emit(f RawFrame) {
	for {
		select {
		case m.out <- f:
			return
		default:
		}
		select {
		case <-m.out:
			monitoring.FeedFramesDropped.Inc()
			if ok, n := m.dropLog.Allow(); ok {
				m.logger.Warn().Int64("dropped", n).Msg("feed queue full, dropping oldest frames")
			}
		default:
		}
	}
}

// SelectBest returns the highest-scoring endpoint whose breaker is not open,
// or nil when every endpoint is unavailable.
func (m *Manager) SelectBest() *Endpoint {
	return m.selectBestExcept("")
}

func (m *Manager) selectBestExcept(excludeID string) *Endpoint {
	var best *Endpoint
	var bestScore float64
	m.endpoints.Range(func(id string, ep *Endpoint) bool {
		if id == excludeID {
			return true
		}
		if ep.breaker.State() == gobreaker.StateOpen {
			return true
		}
		score := ep.Score()
		if best == nil || score > bestScore {
			best, bestScore = ep, score
		}
		return true
	})
	return best
}

// Failover abandons failedID and connects the best remaining endpoint within
// the failover deadline. Returns ErrServiceDegraded when no candidate exists.
func (m *Manager) Failover(ctx context.Context, failedID string) error {
	fctx, cancel := context.WithTimeout(ctx, m.cfg.FailoverTimeout)
	defer cancel()

	if ep, ok := m.endpoints.Load(failedID); ok {
		ep.setStatus(StatusFailed)
	}
	m.mu.Lock()
	if m.currentID == failedID {
		if m.pumpStop != nil {
			m.pumpStop()
			m.pumpStop = nil
		}
		if m.conn != nil {
			_ = m.conn.Close()
			m.conn = nil
		}
		m.currentID = ""
	}
	m.mu.Unlock()

	monitoring.FeedFailoversTotal.Inc()
	m.logger.Warn().Str("endpoint", failedID).Msg("failing over")

	best := m.selectBestExcept(failedID)
	if best == nil {
		m.setState(StateDegraded)
		return ErrServiceDegraded
	}
	if err := m.Connect(fctx, best.ID); err != nil {
		m.setState(StateDegraded)
		return fmt.Errorf("feed: failover to %s: %w", best.ID, err)
	}
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if changed && s == StateDegraded {
		m.logger.Error().Msg("feed degraded, no healthy endpoint")
	}
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()
	defer monitoring.RecoverPanic(m.logger, "feed-health")
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

// checkHealth probes the active endpoint and fails over when it drops below
// the health floor or goes stale. With no active connection it attempts
// recovery through the best available endpoint.
func (m *Manager) checkHealth() {
	m.mu.Lock()
	id, conn := m.currentID, m.conn
	m.mu.Unlock()

	if conn == nil {
		best := m.SelectBest()
		if best == nil {
			m.setState(StateDegraded)
			return
		}
		if err := m.Connect(m.ctx, best.ID); err != nil {
			m.logger.Warn().Str("endpoint", best.ID).Err(err).Msg("recovery connect failed")
			m.setState(StateDegraded)
		}
		return
	}

	ep, ok := m.endpoints.Load(id)
	if !ok {
		return
	}

	pctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectionTimeout)
	lat, err := conn.Probe(pctx)
	cancel()

	if err != nil {
		ep.recordProbeFailure()
		m.logger.Warn().
			Str("endpoint", id).
			Float64("health", ep.Health()).
			Err(err).
			Msg("probe failed")
	} else {
		ep.recordProbe(lat, m.cfg.LatencyThreshold)
	}
	monitoring.FeedEndpointHealth.WithLabelValues(id).Set(ep.Health())

	stale := time.Since(ep.LastSeen()) > m.cfg.ConnectionTimeout
	if ep.Health() < failoverHealthFloor || stale {
		m.logger.Warn().
			Str("endpoint", id).
			Float64("health", ep.Health()).
			Bool("stale", stale).
			Msg("endpoint unhealthy")
		if err := m.Failover(m.ctx, id); err != nil {
			m.logger.Error().Err(err).Msg("failover failed")
		}
	}
}

// Close stops the health loop and pump, closes the active connection, and
// releases the dedup cache. The frame channel is left open but quiescent.
func (m *Manager) Close() error {
	m.cancel()
	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.currentID = ""
	m.mu.Unlock()
	m.wg.Wait()
	m.integrity.Close()
	m.logger.Info().Msg("feed manager stopped")
	return nil
}
