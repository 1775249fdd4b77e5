package fanout

import (
	"sort"
	"strings"

	"github.com/vardaan112/PelotonIQ-sub000/internal/auth"
	"github.com/vardaan112/PelotonIQ-sub000/internal/bus"
)

// TopicTacticalEvents is the wire name of the internal tactical-events
// stream; every other bus topic keeps its name on the wire.
const TopicTacticalEvents = "race.tactical-events"

// WildcardRace subscribes to every race.* topic in one request.
const WildcardRace = "race.*"

// topicPermissions gates subscribe per wire topic. Admins bypass the
// table; topics absent from it cannot be subscribed at all.
var topicPermissions = map[string]string{
	bus.TopicPositions:        auth.PermRaceData,
	bus.TopicGaps:             auth.PermRaceData,
	bus.TopicWeather:          auth.PermRaceData,
	bus.TopicSplits:           auth.PermRaceData,
	bus.TopicRaceStatus:       auth.PermRaceData,
	TopicTacticalEvents:       auth.PermRaceData,
	bus.TopicTeamTactics:      auth.PermTeamData,
	bus.TopicRiderPerformance: auth.PermRiderData,
	bus.TopicAlerts:           auth.PermNotifications,
	bus.TopicSystemStatus:     auth.PermSystemMonitor,
}

var raceTopics = func() []string {
	topics := make([]string, 0, 6)
	for topic := range topicPermissions {
		if strings.HasPrefix(topic, "race.") {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	return topics
}()

// authorizeTopics splits a subscribe request into grantable and rejected
// topics for the given principal. The race.* wildcard expands to every
// race topic when the principal holds race-data.
func authorizeTopics(claims *auth.Claims, requested []string) (valid, invalid []string) {
	seen := make(map[string]struct{}, len(requested))
	grant := func(topic string) {
		if _, dup := seen[topic]; !dup {
			seen[topic] = struct{}{}
			valid = append(valid, topic)
		}
	}

	for _, topic := range requested {
		if topic == WildcardRace {
			if claims.HasPermission(auth.PermRaceData) {
				for _, t := range raceTopics {
					grant(t)
				}
			} else {
				invalid = append(invalid, topic)
			}
			continue
		}
		perm, known := topicPermissions[topic]
		if !known || !claims.HasPermission(perm) {
			invalid = append(invalid, topic)
			continue
		}
		grant(topic)
	}
	return valid, invalid
}

// expandTopics resolves the race.* wildcard without any permission check,
// for unsubscribe requests.
func expandTopics(requested []string) []string {
	out := make([]string, 0, len(requested))
	for _, topic := range requested {
		if topic == WildcardRace {
			out = append(out, raceTopics...)
			continue
		}
		out = append(out, topic)
	}
	return out
}
