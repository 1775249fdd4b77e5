// Package fanout is the subscriber-facing edge of the pipeline: an
// authenticated WebSocket server with topic-filtered broadcasts, per-session
// rate limiting, heartbeats, and a bridge pulling events off the bus.
package fanout

import "encoding/json"

// Client-to-server message types.
const (
	TypePing             = "ping"
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypeGetSubscriptions = "get-subscriptions"
	TypeGetStats         = "get-stats"
)

// Server-to-client message types. Domain broadcasts carry their wire topic
// as the type instead.
const (
	TypeWelcome              = "welcome"
	TypePong                 = "pong"
	TypeSubscriptionResult   = "subscription-result"
	TypeUnsubscriptionResult = "unsubscription-result"
	TypeSubscriptions        = "subscriptions"
	TypeStats                = "stats"
	TypeError                = "error"
	TypeServerShutdown       = "server-shutdown"
)

// Error frame codes.
const (
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeInvalidJSON        = "INVALID_JSON"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeInvalidTopics      = "INVALID_TOPICS"
)

// clientMessage is the inbound wire shape. Topics is only meaningful for
// subscribe and unsubscribe.
type clientMessage struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
}

// envelope is stamped onto every outbound frame: the session's connection
// id and a per-session sequence so receivers can detect gaps.
type envelope struct {
	Type         string `json:"type"`
	Timestamp    int64  `json:"timestamp"`
	ConnectionID string `json:"connectionId"`
	Seq          int64  `json:"seq"`
}

type welcomeFrame struct {
	envelope
	ServerTime   string   `json:"serverTime"`
	Capabilities []string `json:"capabilities"`
}

type pongFrame struct {
	envelope
}

type subscriptionResultFrame struct {
	envelope
	ValidTopics        []string `json:"validTopics"`
	InvalidTopics      []string `json:"invalidTopics,omitempty"`
	TotalSubscriptions int      `json:"totalSubscriptions"`
}

type unsubscriptionResultFrame struct {
	envelope
	RemovedTopics      []string `json:"removedTopics"`
	TotalSubscriptions int      `json:"totalSubscriptions"`
}

type subscriptionsFrame struct {
	envelope
	Topics []string `json:"topics"`
	Count  int      `json:"count"`
}

type statsFrame struct {
	envelope
	Stats ServerStats `json:"stats"`
}

type errorFrame struct {
	envelope
	Code    string `json:"code"`
	Message string `json:"message"`
}

type shutdownFrame struct {
	envelope
	Message          string `json:"message"`
	ReconnectDelayMs int64  `json:"reconnectDelayMs"`
}

// broadcastFrame wraps a shared payload in the per-session envelope. The
// payload bytes are serialized once per broadcast, not once per session.
type broadcastFrame struct {
	envelope
	Data json.RawMessage `json:"data,omitempty"`
}
