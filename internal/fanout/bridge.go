package fanout

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/vardaan112/PelotonIQ-sub000/internal/bus"
)

// wireTopics maps bus topics to the topic names clients subscribe to.
// Most are identical; tactical events live under the race namespace on
// the wire.
var wireTopics = map[string]string{
	bus.TopicPositions:        bus.TopicPositions,
	bus.TopicGaps:             bus.TopicGaps,
	bus.TopicWeather:          bus.TopicWeather,
	bus.TopicSplits:           bus.TopicSplits,
	bus.TopicRaceStatus:       bus.TopicRaceStatus,
	bus.TopicTacticalEvents:   TopicTacticalEvents,
	bus.TopicTeamTactics:      bus.TopicTeamTactics,
	bus.TopicRiderPerformance: bus.TopicRiderPerformance,
	bus.TopicAlerts:           bus.TopicAlerts,
	bus.TopicSystemStatus:     bus.TopicSystemStatus,
}

// bridgedTopics fixes the subscription order so consumer group names are
// stable across restarts.
var bridgedTopics = []string{
	bus.TopicPositions,
	bus.TopicGaps,
	bus.TopicWeather,
	bus.TopicSplits,
	bus.TopicRaceStatus,
	bus.TopicTacticalEvents,
	bus.TopicTeamTactics,
	bus.TopicRiderPerformance,
	bus.TopicAlerts,
	bus.TopicSystemStatus,
}

// Bridge consumes the event bus and rebroadcasts each event's payload to
// WebSocket subscribers of the matching wire topic. One consumer group
// per topic keeps delivery ordered within a topic.
type Bridge struct {
	server *Server
	logger zerolog.Logger
	groups []*bus.ConsumerGroup
}

func NewBridge(b *bus.Bus, server *Server, logger zerolog.Logger) (*Bridge, error) {
	br := &Bridge{
		server: server,
		logger: logger.With().Str("component", "fanout-bridge").Logger(),
	}
	for _, busTopic := range bridgedTopics {
		wire := wireTopics[busTopic]
		group, err := b.Subscribe(
			"fanout:"+busTopic,
			[]string{busTopic},
			bus.HandlerMap{"*": br.forwardTo(wire)},
		)
		if err != nil {
			br.Close()
			return nil, err
		}
		br.groups = append(br.groups, group)
	}
	br.logger.Info().Int("topics", len(br.groups)).Msg("Bus bridge attached")
	return br, nil
}

// forwardTo rebroadcasts every event on the group's topic under the given
// wire topic. Payloads pass through untouched.
func (br *Bridge) forwardTo(wireTopic string) bus.Handler {
	return func(_ context.Context, ev bus.Event) error {
		br.server.Broadcast(wireTopic, ev.Payload)
		return nil
	}
}

func (br *Bridge) Close() {
	for _, group := range br.groups {
		group.Close(time.Second)
	}
	br.groups = nil
}
