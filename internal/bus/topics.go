package bus

// Well-known topic names shared across the pipeline. Producers and the
// WebSocket bridge agree on these; ad-hoc topics are still allowed.
const (
	TopicPositions        = "race.positions"
	TopicGaps             = "race.gaps"
	TopicWeather          = "race.weather"
	TopicSplits           = "race.splits"
	TopicRaceStatus       = "race.status"
	TopicTacticalEvents   = "tactical-events"
	TopicTeamTactics      = "team.tactics"
	TopicRiderPerformance = "rider.performance"
	TopicAlerts           = "notifications.alerts"
	TopicSystemStatus     = "system.status"
	TopicModelTriggers    = "model-triggers"
)
