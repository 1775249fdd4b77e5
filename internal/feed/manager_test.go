package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct {
	frames chan RawFrame

	mu       sync.Mutex
	probeLat time.Duration
	probeErr error
	closed   bool
}

func (c *stubConn) Probe(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.probeErr != nil {
		return 0, c.probeErr
	}
	return c.probeLat, nil
}

func (c *stubConn) Frames() <-chan RawFrame { return c.frames }

func (c *stubConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *stubConn) setProbeErr(err error) {
	c.mu.Lock()
	c.probeErr = err
	c.mu.Unlock()
}

type stubDialer struct {
	mu    sync.Mutex
	fail  map[string]bool
	dials map[string]int
	conns map[string]*stubConn
}

func newStubDialer() *stubDialer {
	return &stubDialer{
		fail:  make(map[string]bool),
		dials: make(map[string]int),
		conns: make(map[string]*stubConn),
	}
}

func (d *stubDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[addr]++
	if d.fail[addr] {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}
	c := &stubConn{
		frames:   make(chan RawFrame, 64),
		probeLat: 10 * time.Millisecond,
	}
	d.conns[addr] = c
	return c, nil
}

func (d *stubDialer) setFail(addr string, fail bool) {
	d.mu.Lock()
	d.fail[addr] = fail
	d.mu.Unlock()
}

func (d *stubDialer) dialCount(addr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[addr]
}

func (d *stubDialer) conn(addr string) *stubConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[addr]
}

func newTestManager(t *testing.T, dialer Dialer, mutate ...func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		HealthCheckInterval:   20 * time.Millisecond,
		ConnectionTimeout:     200 * time.Millisecond,
		FailoverTimeout:       500 * time.Millisecond,
		MaxRetryAttempts:      3,
		RetryDelay:            5 * time.Millisecond,
		BackoffMultiplier:     2,
		MaxRetryDelay:         20 * time.Millisecond,
		FailureThreshold:      3,
		CircuitBreakerTimeout: 250 * time.Millisecond,
		LatencyThreshold:      100 * time.Millisecond,
		DuplicateWindow:       time.Second,
		QueueSize:             64,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := NewManager(cfg, dialer, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func recvFrame(t *testing.T, ch <-chan RawFrame) RawFrame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return RawFrame{}
	}
}

func TestConnectFailuresOpenBreakerThenFallbackServes(t *testing.T) {
	d := newStubDialer()
	d.setFail("nats://primary", true)
	m := newTestManager(t, d)
	m.Register("P", "nats://primary", RolePrimary, 100)
	m.Register("F", "nats://fallback", RoleFallback, 50)

	err := m.Connect(context.Background(), "P")
	require.Error(t, err)
	require.Equal(t, 3, d.dialCount("nats://primary"))

	ep, ok := m.endpoints.Load("P")
	require.True(t, ok)
	assert.Equal(t, gobreaker.StateOpen, ep.breaker.State())
	assert.Equal(t, StatusFailed, ep.Status())

	best := m.SelectBest()
	require.NotNil(t, best)
	assert.Equal(t, "F", best.ID)

	require.NoError(t, m.Failover(context.Background(), "P"))
	id, state := m.Current()
	assert.Equal(t, "F", id)
	assert.Equal(t, StateFallback, state)
	assert.Equal(t, 3, d.dialCount("nats://primary"), "failover must not dial the open-breaker endpoint")
}

func TestOpenBreakerFailsFastWithoutIO(t *testing.T) {
	d := newStubDialer()
	d.setFail("nats://primary", true)
	m := newTestManager(t, d)
	m.Register("P", "nats://primary", RolePrimary, 100)

	require.Error(t, m.Connect(context.Background(), "P"))
	require.Equal(t, 3, d.dialCount("nats://primary"))

	err := m.Connect(context.Background(), "P")
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, d.dialCount("nats://primary"), "open breaker must not dial")
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	d := newStubDialer()
	d.setFail("nats://primary", true)
	m := newTestManager(t, d, func(cfg *Config) {
		cfg.CircuitBreakerTimeout = 50 * time.Millisecond
	})
	m.Register("P", "nats://primary", RolePrimary, 100)

	require.Error(t, m.Connect(context.Background(), "P"))

	d.setFail("nats://primary", false)
	time.Sleep(80 * time.Millisecond)

	require.NoError(t, m.Connect(context.Background(), "P"))
	id, state := m.Current()
	assert.Equal(t, "P", id)
	assert.Equal(t, StateNormal, state)

	ep, _ := m.endpoints.Load("P")
	assert.Equal(t, gobreaker.StateClosed, ep.breaker.State())
	assert.Equal(t, 100.0, ep.Health())
}

func TestFramesFlowThroughIntegrityGate(t *testing.T) {
	d := newStubDialer()
	m := newTestManager(t, d)
	m.Register("P", "nats://primary", RolePrimary, 100)
	require.NoError(t, m.Connect(context.Background(), "P"))

	conn := d.conn("nats://primary")
	require.NotNil(t, conn)

	now := time.Now()
	conn.frames <- RawFrame{ID: "f1", Type: "position", Key: "r1", Timestamp: now, Value: json.RawMessage(`{"v":1}`)}
	conn.frames <- RawFrame{ID: "f1", Type: "position", Key: "r1", Timestamp: now, Value: json.RawMessage(`{"v":1}`)}
	conn.frames <- RawFrame{Key: "r1", Timestamp: now}
	conn.frames <- RawFrame{ID: "f2", Type: "position", Key: "r1", Timestamp: now.Add(time.Millisecond)}

	got := recvFrame(t, m.Frames())
	assert.Equal(t, "f1", got.ID)
	assert.Equal(t, "P", got.SourceID, "frames without a source inherit the endpoint id")

	got = recvFrame(t, m.Frames())
	assert.Equal(t, "f2", got.ID)

	select {
	case f := <-m.Frames():
		t.Fatalf("unexpected frame %q passed the gate", f.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitEvictsOldestWhenFull(t *testing.T) {
	m := newTestManager(t, newStubDialer(), func(cfg *Config) {
		cfg.QueueSize = 4
	})

	for i := 0; i < 8; i++ {
		m.emit(RawFrame{ID: fmt.Sprintf("f%d", i), Type: "position", Timestamp: time.Now()})
	}

	require.Len(t, m.out, 4)
	for i := 4; i < 8; i++ {
		got := <-m.out
		assert.Equal(t, fmt.Sprintf("f%d", i), got.ID)
	}
}

func TestFailoverWithoutCandidateReportsDegraded(t *testing.T) {
	d := newStubDialer()
	d.setFail("nats://primary", true)
	m := newTestManager(t, d)
	m.Register("P", "nats://primary", RolePrimary, 100)

	require.Error(t, m.Connect(context.Background(), "P"))

	err := m.Failover(context.Background(), "P")
	require.ErrorIs(t, err, ErrServiceDegraded)

	id, state := m.Current()
	assert.Empty(t, id)
	assert.Equal(t, StateDegraded, state)
}

func TestHealthLoopFailsOverUnhealthyEndpoint(t *testing.T) {
	d := newStubDialer()
	m := newTestManager(t, d)
	m.Register("P", "nats://primary", RolePrimary, 100)
	m.Register("F", "nats://fallback", RoleFallback, 50)
	require.NoError(t, m.Connect(context.Background(), "P"))

	d.conn("nats://primary").setProbeErr(errors.New("probe timeout"))
	m.Start()

	require.Eventually(t, func() bool {
		id, _ := m.Current()
		return id == "F"
	}, 3*time.Second, 20*time.Millisecond)

	_, state := m.Current()
	assert.Equal(t, StateFallback, state)
	ep, _ := m.endpoints.Load("P")
	assert.Equal(t, StatusFailed, ep.Status())
}

func TestHealthLoopRecoversAfterBreakerWindow(t *testing.T) {
	d := newStubDialer()
	d.setFail("nats://fallback", true)
	m := newTestManager(t, d, func(cfg *Config) {
		cfg.CircuitBreakerTimeout = 100 * time.Millisecond
	})
	m.Register("F", "nats://fallback", RoleFallback, 50)

	require.Error(t, m.Connect(context.Background(), "F"))
	d.setFail("nats://fallback", false)
	m.Start()

	require.Eventually(t, func() bool {
		id, state := m.Current()
		return id == "F" && state == StateFallback
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRegisterIsIdempotent(t *testing.T) {
	m := newTestManager(t, newStubDialer())
	first := m.Register("P", "nats://primary", RolePrimary, 100)
	second := m.Register("P", "nats://other", RoleFallback, 10)

	assert.Same(t, first, second)
	assert.Equal(t, "nats://primary", second.Addr)
	assert.Len(t, m.Endpoints(), 1)
}

func TestConnectUnknownEndpoint(t *testing.T) {
	m := newTestManager(t, newStubDialer())
	err := m.Connect(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrUnknownEndpoint)
}

func TestSelectBestPrefersHealthAndWeight(t *testing.T) {
	m := newTestManager(t, newStubDialer())
	m.Register("P", "nats://primary", RolePrimary, 100)
	m.Register("F", "nats://fallback", RoleFallback, 50)

	best := m.SelectBest()
	require.NotNil(t, best)
	assert.Equal(t, "P", best.ID, "equal health and latency, higher weight wins")

	ep, _ := m.endpoints.Load("P")
	for i := 0; i < 12; i++ {
		ep.recordProbeFailure()
	}
	best = m.SelectBest()
	require.NotNil(t, best)
	assert.Equal(t, "F", best.ID, "collapsed health outweighs the weight edge")
}
