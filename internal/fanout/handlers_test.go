package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vardaan112/PelotonIQ-sub000/internal/auth"
	"github.com/vardaan112/PelotonIQ-sub000/internal/bus"
)

func TestSubscribeLifecycle(t *testing.T) {
	s, tokens, url := newTestServer(t)

	c := dialWS(t, url, viewerToken(t, tokens, auth.PermRaceData))
	c.readType(TypeWelcome)

	// Mixed request: the valid topic is granted, the rest reported back.
	c.send(map[string]any{
		"type":   TypeSubscribe,
		"topics": []string{"race.positions", "team.tactics", "bogus.topic"},
	})
	result := c.readType(TypeSubscriptionResult)
	assert.Equal(t, []any{"race.positions"}, result["validTopics"])
	assert.ElementsMatch(t, []any{"team.tactics", "bogus.topic"}, result["invalidTopics"])
	assert.EqualValues(t, 1, result["totalSubscriptions"])

	c.send(map[string]any{"type": TypeGetSubscriptions})
	subs := c.readType(TypeSubscriptions)
	assert.Equal(t, []any{"race.positions"}, subs["topics"])
	assert.EqualValues(t, 1, subs["count"])

	// A broadcast on the subscribed topic reaches the client.
	require.Equal(t, 1, s.Broadcast(bus.TopicPositions, map[string]any{"riders": 3}))
	frame := c.readType(bus.TopicPositions)
	data, ok := frame["data"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, data["riders"])

	c.send(map[string]any{
		"type":   TypeUnsubscribe,
		"topics": []string{"race.positions"},
	})
	unsub := c.readType(TypeUnsubscriptionResult)
	assert.Equal(t, []any{"race.positions"}, unsub["removedTopics"])
	assert.EqualValues(t, 0, unsub["totalSubscriptions"])

	// Nobody listens anymore.
	assert.Equal(t, 0, s.Broadcast(bus.TopicPositions, map[string]any{"riders": 4}))
}

func TestSubscribeWildcard(t *testing.T) {
	_, tokens, url := newTestServer(t)

	c := dialWS(t, url, viewerToken(t, tokens, auth.PermRaceData))
	c.readType(TypeWelcome)

	c.send(map[string]any{"type": TypeSubscribe, "topics": []string{"race.*"}})
	result := c.readType(TypeSubscriptionResult)
	assert.Len(t, result["validTopics"], 6)
	assert.EqualValues(t, 6, result["totalSubscriptions"])
	assert.Nil(t, result["invalidTopics"])

	// The wildcard also works for unsubscribe.
	c.send(map[string]any{"type": TypeUnsubscribe, "topics": []string{"race.*"}})
	unsub := c.readType(TypeUnsubscriptionResult)
	assert.Len(t, unsub["removedTopics"], 6)
	assert.EqualValues(t, 0, unsub["totalSubscriptions"])
}

func TestSubscribeRejectsUnauthorized(t *testing.T) {
	_, tokens, url := newTestServer(t)

	// Realtime access only, no topic permissions.
	c := dialWS(t, url, viewerToken(t, tokens))
	c.readType(TypeWelcome)

	c.send(map[string]any{"type": TypeSubscribe, "topics": []string{"race.positions"}})
	errFrame := c.readType(TypeError)
	assert.Equal(t, CodeInvalidTopics, errFrame["code"])
}

func TestSubscribeEmptyTopics(t *testing.T) {
	_, tokens, url := newTestServer(t)

	c := dialWS(t, url, viewerToken(t, tokens, auth.PermRaceData))
	c.readType(TypeWelcome)

	c.send(map[string]any{"type": TypeSubscribe})
	assert.Equal(t, CodeInvalidTopics, c.readType(TypeError)["code"])

	c.send(map[string]any{"type": TypeUnsubscribe, "topics": []string{}})
	assert.Equal(t, CodeInvalidTopics, c.readType(TypeError)["code"])
}

func TestUnsubscribeNotHeld(t *testing.T) {
	_, tokens, url := newTestServer(t)

	c := dialWS(t, url, viewerToken(t, tokens, auth.PermRaceData))
	c.readType(TypeWelcome)

	c.send(map[string]any{"type": TypeUnsubscribe, "topics": []string{"race.positions"}})
	unsub := c.readType(TypeUnsubscriptionResult)
	assert.Equal(t, []any{}, unsub["removedTopics"])
	assert.EqualValues(t, 0, unsub["totalSubscriptions"])
}

func TestGetStatsAdminOnly(t *testing.T) {
	_, tokens, url := newTestServer(t)

	admin := dialWS(t, url, adminToken(t, tokens))
	admin.readType(TypeWelcome)

	admin.send(map[string]any{"type": TypeGetStats})
	frame := admin.readType(TypeStats)
	stats, ok := frame["stats"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, stats["activeConnections"])

	viewer := dialWS(t, url, viewerToken(t, tokens))
	viewer.readType(TypeWelcome)

	viewer.send(map[string]any{"type": TypeGetStats})
	assert.Equal(t, CodeUnknownMessageType, viewer.readType(TypeError)["code"])
}

func TestInvalidJSON(t *testing.T) {
	_, tokens, url := newTestServer(t)

	c := dialWS(t, url, viewerToken(t, tokens))
	c.readType(TypeWelcome)

	c.sendRaw("{not json")
	assert.Equal(t, CodeInvalidJSON, c.readType(TypeError)["code"])
}

func TestUnknownMessageType(t *testing.T) {
	_, tokens, url := newTestServer(t)

	c := dialWS(t, url, viewerToken(t, tokens))
	c.readType(TypeWelcome)

	c.send(map[string]any{"type": "teleport"})
	assert.Equal(t, CodeUnknownMessageType, c.readType(TypeError)["code"])
}

func TestEnvelopeSequenceMonotonic(t *testing.T) {
	_, tokens, url := newTestServer(t)

	c := dialWS(t, url, viewerToken(t, tokens))
	c.readType(TypeWelcome)

	last := float64(1)
	for i := 0; i < 5; i++ {
		c.send(map[string]any{"type": TypePing})
		seq, ok := c.readType(TypePong)["seq"].(float64)
		require.True(t, ok)
		assert.Greater(t, seq, last)
		last = seq
	}
}
