package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/vardaan112/PelotonIQ-sub000/internal/auth"
	"github.com/vardaan112/PelotonIQ-sub000/internal/limits"
	"github.com/vardaan112/PelotonIQ-sub000/internal/monitoring"
)

const (
	writeWait      = 5 * time.Second
	reconnectDelay = 5 * time.Second
)

// TokenVerifier authenticates the WebSocket handshake. Satisfied by
// auth.JWTManager.
type TokenVerifier interface {
	WebSocketAuth(r *http.Request) (*auth.Claims, error)
}

type Config struct {
	Addr              string
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	RateLimitWindow   time.Duration
	RateLimitMax      int
	MaxConnections    int
	SendBuffer        int
	ShutdownGrace     time.Duration

	Verifier    TokenVerifier
	ConnLimiter *limits.ConnectionRateLimiter
	Guard       *limits.ResourceGuard
	Monitor     *monitoring.SystemMonitor
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Addr == "" {
		out.Addr = ":8080"
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 30 * time.Second
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = 30 * time.Second
	}
	if out.RateLimitWindow <= 0 {
		out.RateLimitWindow = time.Minute
	}
	if out.RateLimitMax <= 0 {
		out.RateLimitMax = 100
	}
	if out.MaxConnections <= 0 {
		out.MaxConnections = 1000
	}
	if out.SendBuffer <= 0 {
		out.SendBuffer = 256
	}
	if out.ShutdownGrace <= 0 {
		out.ShutdownGrace = 10 * time.Second
	}
	return out
}

type serverStats struct {
	totalConnections    atomic.Int64
	messagesSent        atomic.Int64
	messagesReceived    atomic.Int64
	rateLimitViolations atomic.Int64
	slowClientsClosed   atomic.Int64
	subscriptions       atomic.Int64
}

// ServerStats is the admin-facing counter snapshot.
type ServerStats struct {
	ActiveConnections   int     `json:"activeConnections"`
	TotalConnections    int64   `json:"totalConnections"`
	Subscriptions       int64   `json:"subscriptions"`
	MessagesSent        int64   `json:"messagesSent"`
	MessagesReceived    int64   `json:"messagesReceived"`
	RateLimitViolations int64   `json:"rateLimitViolations"`
	SlowClientsClosed   int64   `json:"slowClientsClosed"`
	UptimeSeconds       float64 `json:"uptimeSeconds"`
	CPUPercent          float64 `json:"cpuPercent"`
	MemoryBytes         uint64  `json:"memoryBytes"`
	Goroutines          int     `json:"goroutines"`
}

// Server owns the WebSocket edge: handshake admission, one session per
// connection with dedicated read and write pumps, topic subscriptions,
// and heartbeat sweeping. Broadcasts fan out through the subscription
// index; see broadcast.go.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	sessions *xsync.MapOf[string, *Session]
	index    *SubscriptionIndex
	connSem  chan struct{}

	listener   net.Listener
	httpServer *http.Server

	stats   serverStats
	dropLog *monitoring.DropSampler
	started time.Time
	extra   map[string]http.Handler

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

func NewServer(cfg Config, logger zerolog.Logger) (*Server, error) {
	cfg = cfg.withDefaults()
	if cfg.Verifier == nil {
		return nil, errors.New("fanout: token verifier is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		logger:   logger.With().Str("component", "fanout").Logger(),
		sessions: xsync.NewMapOf[string, *Session](),
		index:    NewSubscriptionIndex(),
		connSem:  make(chan struct{}, cfg.MaxConnections),
		dropLog:  monitoring.NewDropSampler(100),
		started:  time.Now(),
		extra:    make(map[string]http.Handler),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Mount registers an additional route on the server mux, for sibling
// surfaces that share the listener. Must be called before Start.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.extra[pattern] = h
}

// Handler exposes the HTTP surface: the WebSocket endpoint plus health and
// metrics, so tests can drive the server without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", monitoring.MetricsHandler())
	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
	}
	return mux
}

// Start binds the listener and launches the serve and heartbeat loops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("fanout: listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.heartbeatLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, "fanout-serve")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("WebSocket server stopped")
		}
	}()

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("max_connections", s.cfg.MaxConnections).
		Dur("heartbeat_interval", s.cfg.HeartbeatInterval).
		Msg("WebSocket fanout listening")
	return nil
}

// Addr returns the bound listen address once Start has run.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// ActiveConnections returns the number of live sessions.
func (s *Server) ActiveConnections() int {
	return s.sessions.Size()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleWS runs the admission chain, upgrades the connection and starts
// the session pumps. Every rejection is counted under its reason.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if s.cfg.ConnLimiter != nil && !s.cfg.ConnLimiter.Allow(ip) {
		http.Error(w, "connection rate exceeded", http.StatusTooManyRequests)
		return
	}

	if s.cfg.Guard != nil {
		if ok, reason := s.cfg.Guard.Admit(); !ok {
			s.logger.Debug().Str("reason", reason).Msg("Connection rejected by resource guard")
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}
	}

	claims, err := s.cfg.Verifier.WebSocketAuth(r)
	if err != nil {
		monitoring.FanoutConnectionsRejected.WithLabelValues("auth").Inc()
		s.logger.Debug().Err(err).Str("ip", ip).Msg("Handshake auth failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !claims.HasPermission(auth.PermRealtime) {
		monitoring.FanoutConnectionsRejected.WithLabelValues("permission").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	select {
	case s.connSem <- struct{}{}:
	default:
		monitoring.FanoutConnectionsRejected.WithLabelValues("capacity").Inc()
		s.logger.Warn().
			Int("active_connections", s.sessions.Size()).
			Int("max_connections", s.cfg.MaxConnections).
			Msg("Connection rejected at capacity")
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connSem
		monitoring.FanoutConnectionsRejected.WithLabelValues("upgrade").Inc()
		s.logger.Error().Err(err).Str("ip", ip).Msg("WebSocket upgrade failed")
		return
	}

	sess := newSession(conn, claims, s.cfg.SendBuffer)
	s.sessions.Store(sess.id, sess)
	s.stats.totalConnections.Add(1)
	monitoring.FanoutConnectionsTotal.Inc()
	monitoring.FanoutConnectionsActive.Inc()

	s.logger.Info().
		Str("connection_id", sess.id).
		Str("user_id", claims.UserID).
		Str("role", claims.Role).
		Str("ip", ip).
		Msg("Connection established")

	sess.sendFrame(s.welcome(sess))

	s.wg.Add(2)
	go s.writePump(sess)
	go s.readPump(sess)
}

func (s *Server) welcome(sess *Session) welcomeFrame {
	capabilities := []string{TypePing, TypeSubscribe, TypeUnsubscribe, TypeGetSubscriptions}
	if sess.claims.IsAdmin() {
		capabilities = append(capabilities, TypeGetStats)
	}
	return welcomeFrame{
		envelope:     sess.stamp(TypeWelcome),
		ServerTime:   time.Now().UTC().Format(time.RFC3339),
		Capabilities: capabilities,
	}
}

// readPump consumes client frames until the connection dies. Any frame,
// control or data, refreshes the session's liveness clock.
func (s *Server) readPump(sess *Session) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "fanout-read")
	defer s.disconnect(sess, "connection_closed")

	reader := wsutil.NewReader(sess.conn, ws.StateServerSide)
	idle := s.cfg.ConnectionTimeout + s.cfg.HeartbeatInterval

	for {
		sess.conn.SetReadDeadline(time.Now().Add(idle))
		head, err := reader.NextFrame()
		if err != nil {
			return
		}
		now := time.Now()
		sess.markPong(now)

		switch head.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			if err := drainFrame(reader, head.Length); err != nil {
				return
			}
			if err := sess.writeFrame(ws.OpPong, nil); err != nil {
				return
			}
		case ws.OpPong:
			if err := drainFrame(reader, head.Length); err != nil {
				return
			}
		case ws.OpText:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
			s.stats.messagesReceived.Add(1)
			monitoring.FanoutMessagesReceived.Inc()

			if !sess.allowMessage(now, s.cfg.RateLimitMax, s.cfg.RateLimitWindow) {
				s.stats.rateLimitViolations.Add(1)
				monitoring.FanoutRateLimited.Inc()
				s.sendError(sess, CodeRateLimitExceeded, "too many messages, slow down")
				continue
			}
			s.handleMessage(sess, payload)
		default:
			if err := drainFrame(reader, head.Length); err != nil {
				return
			}
		}
	}
}

func drainFrame(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, n)
	return err
}

// writePump owns outbound traffic: queued frames plus the periodic
// protocol-level ping. It exits when the session closes or a write fails.
func (s *Server) writePump(sess *Session) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "fanout-write")
	defer sess.closeConn()

	ticker := time.NewTicker(s.pingPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case data := <-sess.send:
			if err := sess.writeFrame(ws.OpText, data); err != nil {
				s.logger.Debug().
					Str("connection_id", sess.id).
					Err(err).
					Msg("Write failed")
				return
			}
			s.stats.messagesSent.Add(1)
			monitoring.FanoutMessagesSent.Inc()
		case <-ticker.C:
			if err := sess.writeFrame(ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// pingPeriod keeps pings comfortably inside the pong deadline.
func (s *Server) pingPeriod() time.Duration {
	return s.cfg.ConnectionTimeout * 9 / 10
}

// disconnect tears a session down exactly once: drops its subscriptions,
// closes the connection and releases the capacity slot.
func (s *Server) disconnect(sess *Session, reason string) {
	if _, loaded := s.sessions.LoadAndDelete(sess.id); !loaded {
		return
	}
	dropped := s.index.DropSession(sess)
	if dropped > 0 {
		s.stats.subscriptions.Add(int64(-dropped))
		monitoring.FanoutSubscriptions.Sub(float64(dropped))
	}
	sess.closeConn()
	<-s.connSem
	monitoring.FanoutConnectionsActive.Dec()

	s.logger.Info().
		Str("connection_id", sess.id).
		Str("user_id", sess.claims.UserID).
		Str("reason", reason).
		Int("subscriptions_dropped", dropped).
		Dur("connected_for", time.Since(sess.connectedAt)).
		Msg("Connection closed")
}

func (s *Server) heartbeatLoop() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "fanout-heartbeat")

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.sweepStale(now)
		}
	}
}

// sweepStale closes any session whose last sign of life predates the
// connection timeout.
func (s *Server) sweepStale(now time.Time) {
	s.sessions.Range(func(_ string, sess *Session) bool {
		if age := sess.pongAge(now); age > s.cfg.ConnectionTimeout {
			s.logger.Warn().
				Str("connection_id", sess.id).
				Dur("pong_age", age).
				Msg("Closing unresponsive connection")
			sess.closeWith(ws.StatusPolicyViolation, "heartbeat timeout")
			s.disconnect(sess, "heartbeat_timeout")
		}
		return true
	})
}

// Stats snapshots the server counters plus host health from the monitor.
func (s *Server) Stats() ServerStats {
	out := ServerStats{
		ActiveConnections:   s.sessions.Size(),
		TotalConnections:    s.stats.totalConnections.Load(),
		Subscriptions:       s.stats.subscriptions.Load(),
		MessagesSent:        s.stats.messagesSent.Load(),
		MessagesReceived:    s.stats.messagesReceived.Load(),
		RateLimitViolations: s.stats.rateLimitViolations.Load(),
		SlowClientsClosed:   s.stats.slowClientsClosed.Load(),
		UptimeSeconds:       time.Since(s.started).Seconds(),
	}
	if s.cfg.Monitor != nil {
		sys := s.cfg.Monitor.Snapshot()
		out.CPUPercent = sys.CPUPercent
		out.MemoryBytes = sys.MemoryBytes
		out.Goroutines = sys.Goroutines
	}
	return out
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.shuttingDown.Load() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":         status,
		"connections":    s.sessions.Size(),
		"uptime_seconds": time.Since(s.started).Seconds(),
	})
}

// Close drains the server: notifies every session, waits up to the grace
// period for clients to hang up, then force-closes the rest.
func (s *Server) Close() {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info().
		Int("active_connections", s.sessions.Size()).
		Dur("grace", s.cfg.ShutdownGrace).
		Msg("Fanout shutting down")

	s.sessions.Range(func(_ string, sess *Session) bool {
		sess.sendFrame(shutdownFrame{
			envelope:         sess.stamp(TypeServerShutdown),
			Message:          "server shutting down",
			ReconnectDelayMs: reconnectDelay.Milliseconds(),
		})
		return true
	})

	deadline := time.NewTimer(s.cfg.ShutdownGrace)
	defer deadline.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()
drain:
	for s.sessions.Size() > 0 {
		select {
		case <-deadline.C:
			break drain
		case <-poll.C:
		}
	}

	s.sessions.Range(func(_ string, sess *Session) bool {
		sess.closeWith(ws.StatusGoingAway, "server shutdown")
		s.disconnect(sess, "server_shutdown")
		return true
	})

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		s.httpServer.Shutdown(ctx)
		cancel()
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Fanout stopped")
}
