package fanout

import (
	"encoding/json"

	"github.com/vardaan112/PelotonIQ-sub000/internal/monitoring"
)

// handleMessage dispatches one rate-limit-cleared client message.
func (s *Server) handleMessage(sess *Session, payload []byte) {
	var msg clientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.sendError(sess, CodeInvalidJSON, "message is not valid JSON")
		return
	}

	switch msg.Type {
	case TypePing:
		sess.sendFrame(pongFrame{envelope: sess.stamp(TypePong)})
	case TypeSubscribe:
		s.handleSubscribe(sess, msg.Topics)
	case TypeUnsubscribe:
		s.handleUnsubscribe(sess, msg.Topics)
	case TypeGetSubscriptions:
		topics := sess.subs.List()
		sess.sendFrame(subscriptionsFrame{
			envelope: sess.stamp(TypeSubscriptions),
			Topics:   topics,
			Count:    len(topics),
		})
	case TypeGetStats:
		// The stats surface only exists for admins; everyone else sees
		// the same error an unknown type gets.
		if !sess.claims.IsAdmin() {
			s.sendError(sess, CodeUnknownMessageType, "unknown message type: "+msg.Type)
			return
		}
		sess.sendFrame(statsFrame{
			envelope: sess.stamp(TypeStats),
			Stats:    s.Stats(),
		})
	default:
		s.sendError(sess, CodeUnknownMessageType, "unknown message type: "+msg.Type)
	}
}

// handleSubscribe authorizes the requested topics against the session's
// permissions and registers the valid ones. An entirely invalid request
// is an error; a mixed one succeeds partially and reports both lists.
func (s *Server) handleSubscribe(sess *Session, topics []string) {
	if len(topics) == 0 {
		s.sendError(sess, CodeInvalidTopics, "no topics requested")
		return
	}

	valid, invalid := authorizeTopics(sess.claims, topics)
	if len(valid) == 0 {
		s.sendError(sess, CodeInvalidTopics, "no valid topics in request")
		return
	}

	added := sess.subs.AddAll(valid)
	if len(added) > 0 {
		s.index.AddAll(added, sess)
		s.stats.subscriptions.Add(int64(len(added)))
		monitoring.FanoutSubscriptions.Add(float64(len(added)))
	}

	s.logger.Debug().
		Str("connection_id", sess.id).
		Strs("topics", valid).
		Int("invalid", len(invalid)).
		Msg("Subscribed")

	sess.sendFrame(subscriptionResultFrame{
		envelope:           sess.stamp(TypeSubscriptionResult),
		ValidTopics:        valid,
		InvalidTopics:      invalid,
		TotalSubscriptions: sess.subs.Count(),
	})
}

// handleUnsubscribe drops the given topics. Unsubscribing is permission
// free: the wildcard expands to every race topic and unknown or unheld
// topics are simply not in the removed list.
func (s *Server) handleUnsubscribe(sess *Session, topics []string) {
	if len(topics) == 0 {
		s.sendError(sess, CodeInvalidTopics, "no topics requested")
		return
	}

	removed := sess.subs.RemoveAll(expandTopics(topics))
	if len(removed) > 0 {
		s.index.RemoveAll(removed, sess)
		s.stats.subscriptions.Add(int64(-len(removed)))
		monitoring.FanoutSubscriptions.Sub(float64(len(removed)))
	}

	sess.sendFrame(unsubscriptionResultFrame{
		envelope:           sess.stamp(TypeUnsubscriptionResult),
		RemovedTopics:      removed,
		TotalSubscriptions: sess.subs.Count(),
	})
}

func (s *Server) sendError(sess *Session, code, message string) {
	sess.sendFrame(errorFrame{
		envelope: sess.stamp(TypeError),
		Code:     code,
		Message:  message,
	})
}
