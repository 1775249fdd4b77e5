// Command pelotonbench drives a fleet of WebSocket subscribers against a
// running pelotond to measure fanout capacity: ramp to a target connection
// count, hold the load, and report delivery counters along the way.
//
// Per-session sequence numbers let the bench count frames the server shed
// for slow clients: the gap between the highest sequence seen and the
// frames actually received is the server-side drop count.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/vardaan112/PelotonIQ-sub000/internal/auth"
	"github.com/vardaan112/PelotonIQ-sub000/internal/fanout"
)

const (
	// readTimeout covers two server ping intervals before a connection is
	// declared dead.
	readTimeout = 60 * time.Second
	writeWait   = 5 * time.Second

	// heartbeatEvery is half the server's 30s liveness window.
	heartbeatEvery = 15 * time.Second

	phaseRamping    = "ramping"
	phaseSustaining = "sustaining"
	phaseDone       = "completed"
)

type benchConfig struct {
	URL         string
	HealthURL   string
	Secret      string
	Connections int
	RampRate    int
	Sustain     time.Duration
	ReportEvery time.Duration
	HealthEvery time.Duration
	Topics      []string
	Mode        string
	PerClient   int
}

func parseFlags() (benchConfig, bool) {
	var cfg benchConfig
	var topics string
	var debug bool

	flag.StringVar(&cfg.URL, "url", "ws://localhost:8080/ws", "WebSocket endpoint")
	flag.StringVar(&cfg.HealthURL, "health", "http://localhost:8080/healthz", "health endpoint")
	flag.StringVar(&cfg.Secret, "secret", "dev-secret-change-me", "JWT secret shared with the server")
	flag.IntVar(&cfg.Connections, "connections", 500, "target connection count")
	flag.IntVar(&cfg.RampRate, "ramp-rate", 50, "connections opened per second during ramp-up")
	flag.DurationVar(&cfg.Sustain, "sustain", 5*time.Minute, "how long to hold the load after ramp-up")
	flag.DurationVar(&cfg.ReportEvery, "report-interval", 10*time.Second, "progress report interval")
	flag.DurationVar(&cfg.HealthEvery, "health-interval", 5*time.Second, "server health poll interval")
	flag.StringVar(&topics, "topics", "race.positions,race.gaps,race.tactical-events", "comma-separated topics to subscribe")
	flag.StringVar(&cfg.Mode, "mode", "all", "subscription mode: all, single, random")
	flag.IntVar(&cfg.PerClient, "topics-per-client", 2, "topics per client in random mode")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	for _, t := range strings.Split(topics, ",") {
		if t = strings.TrimSpace(t); t != "" {
			cfg.Topics = append(cfg.Topics, t)
		}
	}
	return cfg, debug
}

type clientMessage struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
}

// serverFrame is the subset of the envelope the bench inspects. Domain
// broadcasts carry their topic as the type.
type serverFrame struct {
	Type          string   `json:"type"`
	Seq           int64    `json:"seq"`
	ValidTopics   []string `json:"validTopics"`
	InvalidTopics []string `json:"invalidTopics"`
	Code          string   `json:"code"`
}

type healthSnapshot struct {
	Status        string  `json:"status"`
	Connections   int     `json:"connections"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type bench struct {
	cfg    benchConfig
	logger zerolog.Logger
	wsURL  string

	clients   []*client
	clientsMu sync.Mutex

	created       atomic.Int64
	failed        atomic.Int64
	active        atomic.Int64
	dataFrames    atomic.Int64
	errorFrames   atomic.Int64
	subsSent      atomic.Int64
	subsConfirmed atomic.Int64
	subsRejected  atomic.Int64

	phase  atomic.Value
	health atomic.Pointer[healthSnapshot]
	start  time.Time
}

type client struct {
	id    int
	bench *bench
	conn  net.Conn
	rd    io.Reader

	frames atomic.Int64
	maxSeq atomic.Int64

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

var healthClient = &http.Client{Timeout: 5 * time.Second}

func main() {
	cfg, debug := parseFlags()

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).
		With().Timestamp().Logger()

	if cfg.Mode != "all" && cfg.Mode != "single" && cfg.Mode != "random" {
		logger.Fatal().Str("mode", cfg.Mode).Msg("Unknown subscription mode")
	}
	if len(cfg.Topics) == 0 {
		logger.Fatal().Msg("At least one topic is required")
	}

	// One token for the whole fleet, holding every topic permission so any
	// -topics choice is subscribable.
	tokens := auth.NewJWTManager(cfg.Secret, 2*time.Hour)
	token, err := tokens.Generate("bench", "bench", "service", []string{
		auth.PermRealtime,
		auth.PermRaceData,
		auth.PermTeamData,
		auth.PermRiderData,
		auth.PermNotifications,
		auth.PermSystemMonitor,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Token generation failed")
	}

	b := &bench{
		cfg:    cfg,
		logger: logger,
		wsURL:  cfg.URL + "?token=" + url.QueryEscape(token),
		start:  time.Now(),
	}
	b.phase.Store(phaseRamping)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := b.checkHealth(); err != nil {
		logger.Fatal().Err(err).Str("url", cfg.HealthURL).Msg("Server health check failed")
	}
	logger.Info().
		Int("connections", cfg.Connections).
		Int("ramp_rate", cfg.RampRate).
		Dur("sustain", cfg.Sustain).
		Strs("topics", cfg.Topics).
		Str("mode", cfg.Mode).
		Msg("Starting load run")

	go b.healthLoop(ctx)
	go b.reportLoop(ctx)

	if err := b.ramp(ctx); err == nil {
		b.logger.Info().
			Int64("active", b.active.Load()).
			Dur("sustain", cfg.Sustain).
			Msg("Ramp complete, holding load")
		select {
		case <-time.After(cfg.Sustain):
		case <-ctx.Done():
			b.logger.Warn().Msg("Sustain phase interrupted")
		}
	}

	b.phase.Store(phaseDone)
	b.shutdown()
	b.report()
	logger.Info().Msg("Load run finished")
}

// ramp opens connections in 100ms batches until the target is reached.
func (b *bench) ramp(ctx context.Context) error {
	batch := b.cfg.RampRate / 10
	if batch < 1 {
		batch = 1
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	next := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if b.created.Load() >= int64(b.cfg.Connections) {
				b.phase.Store(phaseSustaining)
				return nil
			}
			var wg sync.WaitGroup
			for i := 0; i < batch && b.created.Load() < int64(b.cfg.Connections); i++ {
				id := next
				next++
				b.created.Add(1)
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := b.connect(id); err != nil {
						b.failed.Add(1)
						b.logger.Debug().Int("client", id).Err(err).Msg("Connect failed")
					}
				}()
			}
			wg.Wait()
		}
	}
}

func (b *bench) connect(id int) error {
	dialer := ws.Dialer{Timeout: 10 * time.Second}
	conn, br, _, err := dialer.Dial(context.Background(), b.wsURL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c := &client{id: id, bench: b, conn: conn, done: make(chan struct{})}
	// The dialer may have read past the handshake; drain its buffer first.
	c.rd = conn
	if br != nil {
		c.rd = br
	}

	b.clientsMu.Lock()
	b.clients = append(b.clients, c)
	b.clientsMu.Unlock()
	b.active.Add(1)

	if err := c.send(clientMessage{Type: fanout.TypeSubscribe, Topics: b.topicsFor(id)}); err != nil {
		c.close()
		return fmt.Errorf("subscribe: %w", err)
	}
	b.subsSent.Add(1)

	go c.readLoop()
	go c.heartbeatLoop()
	return nil
}

func (b *bench) topicsFor(id int) []string {
	switch b.cfg.Mode {
	case "single":
		return []string{b.cfg.Topics[id%len(b.cfg.Topics)]}
	case "random":
		n := min(b.cfg.PerClient, len(b.cfg.Topics))
		perm := rand.Perm(len(b.cfg.Topics))
		out := make([]string, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, b.cfg.Topics[perm[i]])
		}
		return out
	default:
		return b.cfg.Topics
	}
}

// readLoop consumes server frames until the connection dies, answering
// protocol pings itself. The server writes whole text frames, so
// continuation frames are not in play.
func (c *client) readLoop() {
	defer c.close()

	for {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		frame, err := ws.ReadFrame(c.rd)
		if err != nil {
			return
		}
		switch frame.Header.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			if err := c.write(ws.OpPong, frame.Payload); err != nil {
				return
			}
		case ws.OpText:
			c.handleText(frame.Payload)
		}
	}
}

func (c *client) handleText(payload []byte) {
	var f serverFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return
	}
	c.frames.Add(1)
	if f.Seq > c.maxSeq.Load() {
		c.maxSeq.Store(f.Seq)
	}

	b := c.bench
	switch f.Type {
	case fanout.TypeSubscriptionResult:
		b.subsConfirmed.Add(int64(len(f.ValidTopics)))
		b.subsRejected.Add(int64(len(f.InvalidTopics)))
		if len(f.InvalidTopics) > 0 {
			b.logger.Warn().
				Int("client", c.id).
				Strs("invalid_topics", f.InvalidTopics).
				Msg("Subscription partially rejected")
		}
	case fanout.TypeWelcome, fanout.TypePong,
		fanout.TypeSubscriptions, fanout.TypeUnsubscriptionResult, fanout.TypeStats:
	case fanout.TypeError:
		b.errorFrames.Add(1)
		b.logger.Debug().Int("client", c.id).Str("code", f.Code).Msg("Server error frame")
	case fanout.TypeServerShutdown:
		b.logger.Debug().Int("client", c.id).Msg("Server announced shutdown")
	default:
		b.dataFrames.Add(1)
	}
}

func (c *client) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.send(clientMessage{Type: fanout.TypePing}); err != nil {
				c.bench.logger.Debug().Int("client", c.id).Err(err).Msg("Heartbeat write failed")
				c.close()
				return
			}
		}
	}
}

func (c *client) send(msg clientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(ws.OpText, data)
}

// write masks and writes one whole frame in a single conn write, so the
// read loop's pong replies and the heartbeat ticker never interleave.
func (c *client) write(op ws.OpCode, payload []byte) error {
	var buf bytes.Buffer
	frame := ws.MaskFrameInPlace(ws.NewFrame(op, true, payload))
	if err := ws.WriteFrame(&buf, frame); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_, err := c.conn.Write(buf.Bytes())
	return err
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.bench.active.Add(-1)

		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		frame := ws.MaskFrameInPlace(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
		ws.WriteFrame(c.conn, frame)
		c.writeMu.Unlock()

		c.conn.Close()
	})
}

func (b *bench) shutdown() {
	b.clientsMu.Lock()
	clients := b.clients
	b.clientsMu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (b *bench) checkHealth() error {
	resp, err := healthClient.Get(b.cfg.HealthURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var h healthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return err
	}
	b.health.Store(&h)
	if h.Status != "ok" {
		b.logger.Warn().Str("status", h.Status).Msg("Server reports degraded status")
	}
	return nil
}

func (b *bench) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.HealthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.checkHealth(); err != nil {
				b.logger.Warn().Err(err).Msg("Health poll failed")
			}
		}
	}
}

func (b *bench) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.ReportEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.report()
		}
	}
}

func (b *bench) report() {
	elapsed := time.Since(b.start)

	var sent, received int64
	b.clientsMu.Lock()
	for _, c := range b.clients {
		sent += c.maxSeq.Load()
		received += c.frames.Load()
	}
	b.clientsMu.Unlock()
	dropped := sent - received
	if dropped < 0 {
		dropped = 0
	}

	data := b.dataFrames.Load()
	rate := float64(data) / elapsed.Seconds()

	ev := b.logger.Info().
		Str("phase", b.phase.Load().(string)).
		Dur("elapsed", elapsed.Round(time.Second)).
		Int64("active", b.active.Load()).
		Int64("created", b.created.Load()).
		Int64("failed", b.failed.Load()).
		Int64("data_frames", data).
		Float64("frames_per_sec", rate).
		Int64("dropped_by_server", dropped).
		Int64("subs_confirmed", b.subsConfirmed.Load()).
		Int64("subs_rejected", b.subsRejected.Load()).
		Int64("error_frames", b.errorFrames.Load())
	if h := b.health.Load(); h != nil {
		ev = ev.Int("server_connections", h.Connections).Str("server_status", h.Status)
	}
	ev.Msg("Load report")
}
