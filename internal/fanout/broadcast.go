package fanout

import (
	"encoding/json"

	"github.com/gobwas/ws"

	"github.com/vardaan112/PelotonIQ-sub000/internal/monitoring"
)

// slowClientStrikes is how many consecutive full-buffer drops a session
// survives before it is disconnected.
const slowClientStrikes = 3

// BroadcastFilter narrows a broadcast beyond topic subscription.
type BroadcastFilter func(*Session) bool

// WithPermission delivers only to sessions holding the permission.
func WithPermission(perm string) BroadcastFilter {
	return func(sess *Session) bool {
		return sess.claims.HasPermission(perm)
	}
}

// WithUsers delivers only to the named user ids.
func WithUsers(userIDs ...string) BroadcastFilter {
	allowed := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		allowed[id] = struct{}{}
	}
	return func(sess *Session) bool {
		_, ok := allowed[sess.claims.UserID]
		return ok
	}
}

// Broadcast sends a payload to every subscriber of the topic and returns
// the delivered count. The payload is serialized once; only the thin
// per-session envelope is marshaled per receiver. A session that cannot
// keep up loses the frame, and three consecutive losses disconnect it.
func (s *Server) Broadcast(topic string, payload any, filters ...BroadcastFilter) int {
	sessions := s.index.Sessions(topic)
	if len(sessions) == 0 {
		return 0
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("topic", topic).Msg("Broadcast payload not serializable")
		return 0
	}

	sent := 0
next:
	for _, sess := range sessions {
		for _, keep := range filters {
			if !keep(sess) {
				continue next
			}
		}

		frame, err := json.Marshal(broadcastFrame{
			envelope: sess.stamp(topic),
			Data:     data,
		})
		if err != nil {
			continue
		}

		if sess.trySend(frame) {
			sess.strikes.Store(0)
			sent++
			continue
		}

		monitoring.FanoutDroppedBroadcasts.WithLabelValues(topic).Inc()
		if ok, total := s.dropLog.Allow(); ok {
			s.logger.Warn().
				Str("connection_id", sess.id).
				Str("topic", topic).
				Int64("total_dropped", total).
				Msg("Broadcast dropped, send buffer full")
		}

		if sess.strikes.Add(1) >= slowClientStrikes {
			s.stats.slowClientsClosed.Add(1)
			monitoring.FanoutSlowClientsDisconnected.Inc()
			s.logger.Warn().
				Str("connection_id", sess.id).
				Str("user_id", sess.claims.UserID).
				Msg("Disconnecting slow client")
			sess.closeWith(ws.StatusPolicyViolation, "too slow to keep up")
			s.disconnect(sess, "slow_client")
		}
	}
	return sent
}
