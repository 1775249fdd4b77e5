package fanout

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/vardaan112/PelotonIQ-sub000/internal/auth"
)

// Session is one authenticated WebSocket connection. The read pump owns the
// rate-limit window, the write pump owns the connection's writes; everything
// crossing goroutines is atomic or guarded.
type Session struct {
	id          string
	conn        net.Conn
	claims      *auth.Claims
	subs        *SubscriptionSet
	send        chan []byte
	done        chan struct{}
	connectedAt time.Time

	seq      atomic.Int64
	lastPong atomic.Int64 // unix nanos of the newest pong or client frame
	strikes  atomic.Int32 // consecutive full-buffer broadcast drops

	// Fixed-window message budget, read-pump only.
	windowStart time.Time
	windowCount int

	writeMu   sync.Mutex // serializes raw frame writes on conn
	closeOnce sync.Once
}

func newSession(conn net.Conn, claims *auth.Claims, buffer int) *Session {
	s := &Session{
		id:          uuid.NewString(),
		conn:        conn,
		claims:      claims,
		subs:        NewSubscriptionSet(),
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
	s.lastPong.Store(s.connectedAt.UnixNano())
	return s
}

// ID is the connection id carried in every outbound frame.
func (s *Session) ID() string { return s.id }

// Claims returns the principal presented at the handshake.
func (s *Session) Claims() *auth.Claims { return s.claims }

// stamp fills the envelope for one outbound frame, consuming the next
// sequence number.
func (s *Session) stamp(typ string) envelope {
	return envelope{
		Type:         typ,
		Timestamp:    time.Now().UnixMilli(),
		ConnectionID: s.id,
		Seq:          s.seq.Add(1),
	}
}

// allowMessage charges one inbound message against the fixed window. The
// window resets once it has fully elapsed; a rejected message does not
// consume budget.
func (s *Session) allowMessage(now time.Time, max int, window time.Duration) bool {
	if now.Sub(s.windowStart) >= window {
		s.windowStart = now
		s.windowCount = 0
	}
	if s.windowCount >= max {
		return false
	}
	s.windowCount++
	return true
}

func (s *Session) markPong(t time.Time) {
	s.lastPong.Store(t.UnixNano())
}

func (s *Session) pongAge(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastPong.Load()))
}

// trySend queues a frame without blocking; a full buffer drops the frame.
func (s *Session) trySend(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// sendFrame marshals and queues one control frame, best effort.
func (s *Session) sendFrame(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return s.trySend(data)
}

// writeFrame writes one frame on the connection under the write mutex, so
// the write pump, ping replies and close frames never interleave.
func (s *Session) writeFrame(op ws.OpCode, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(s.conn, op, payload)
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// closeWith sends a close frame before tearing the connection down. Only
// the first close of a session wins.
func (s *Session) closeWith(code ws.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteFrame(s.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
		s.writeMu.Unlock()
		s.conn.Close()
	})
}
