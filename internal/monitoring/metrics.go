package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the live pipeline, scraped from /metrics.
var (
	// Feed (upstream connection resilience)
	FeedConnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peloton_feed_connects_total",
		Help: "Connect attempts per endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	FeedFailoversTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peloton_feed_failovers_total",
		Help: "Total failover operations",
	})

	FeedEndpointHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "peloton_feed_endpoint_health",
		Help: "Current health score (0-100) per endpoint",
	}, []string{"endpoint"})

	FeedBreakerOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "peloton_feed_breaker_open",
		Help: "Circuit breaker state per endpoint (1=open, 0=closed/half-open)",
	}, []string{"endpoint"})

	FeedFramesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peloton_feed_frames_accepted_total",
		Help: "Frames that passed the integrity gate",
	})

	FeedFramesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peloton_feed_frames_rejected_total",
		Help: "Frames rejected by the integrity gate, by reason",
	}, []string{"reason"})

	FeedFramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peloton_feed_frames_dropped_total",
		Help: "Accepted frames dropped because the intake queue was full",
	})

	// Aggregation
	AggregatePointsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peloton_aggregate_points_ingested_total",
		Help: "Telemetry points accepted into the aggregation buffer",
	})

	AggregatePointsResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peloton_aggregate_points_resolved_total",
		Help: "Resolved points by strategy",
	}, []string{"strategy"})

	AggregatePointsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peloton_aggregate_points_dropped_total",
		Help: "Ingested points dropped before buffering",
	}, []string{"reason"})

	AggregateConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peloton_aggregate_conflicts_total",
		Help: "Resolutions by conflict level",
	}, []string{"level"})

	AggregateResolutionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peloton_aggregate_resolution_errors_total",
		Help: "Points dropped because resolution failed",
	})

	AggregateActiveSources = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peloton_aggregate_active_sources",
		Help: "Currently active data sources",
	})

	AggregateDataQuality = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peloton_aggregate_data_quality_score",
		Help: "Composite data quality score (0-1)",
	})

	// Position tracking
	TrackerPositionsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peloton_tracker_positions_applied_total",
		Help: "Rider positions stored",
	})

	TrackerPositionsDiscarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peloton_tracker_positions_discarded_total",
		Help: "Rider positions discarded by validation reason",
	}, []string{"reason"})

	TrackerInterpolations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peloton_tracker_interpolations_total",
		Help: "Positions synthesized by interpolation",
	})

	TrackerActiveRiders = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peloton_tracker_active_riders",
		Help: "Riders with a live position",
	})

	TrackerGroups = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peloton_tracker_groups",
		Help: "Groups detected in the last tick",
	})

	// Tactical detection
	TacticsEventsDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peloton_tactics_events_detected_total",
		Help: "Tactical events emitted by type",
	}, []string{"type"})

	TacticsEventsMerged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peloton_tactics_events_merged_total",
		Help: "Detections merged into existing events",
	})

	TacticsEventsCorrelated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peloton_tactics_events_correlated_total",
		Help: "Event pairs linked by correlation rules",
	})

	TacticsActiveEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peloton_tactics_active_events",
		Help: "Events currently retained",
	})

	// Event bus
	BusPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peloton_bus_published_total",
		Help: "Events published per topic",
	}, []string{"topic"})

	BusPublishRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peloton_bus_publish_rejected_total",
		Help: "Publishes rejected per topic (queue full, unknown topic)",
	}, []string{"topic", "reason"})

	BusDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peloton_bus_delivered_total",
		Help: "Events delivered per consumer group",
	}, []string{"group"})

	BusRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peloton_bus_retries_total",
		Help: "Delivery retries per consumer group",
	}, []string{"group"})

	BusDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peloton_bus_dead_lettered_total",
		Help: "Events routed to the dead-letter topic per source topic",
	}, []string{"topic"})

	BusQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "peloton_bus_queue_depth",
		Help: "Buffered events per topic",
	}, []string{"topic"})

	BusKafkaMirrored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peloton_bus_kafka_mirrored_total",
		Help: "Events mirrored to Kafka",
	})

	BusKafkaErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peloton_bus_kafka_errors_total",
		Help: "Kafka mirror produce errors",
	})

	// WebSocket fanout
	FanoutConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peloton_fanout_connections_total",
		Help: "WebSocket sessions established",
	})

	FanoutConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peloton_fanout_connections_active",
		Help: "Open WebSocket sessions",
	})

	FanoutConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peloton_fanout_connections_rejected_total",
		Help: "Rejected connection attempts by reason",
	}, []string{"reason"})

	FanoutMessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peloton_fanout_messages_sent_total",
		Help: "Frames sent to subscribers",
	})

	FanoutMessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peloton_fanout_messages_received_total",
		Help: "Frames received from subscribers",
	})

	FanoutRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peloton_fanout_rate_limited_total",
		Help: "Client messages rejected by the per-session rate limit",
	})

	FanoutSlowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peloton_fanout_slow_clients_disconnected_total",
		Help: "Sessions closed after repeated full send buffers",
	})

	FanoutDroppedBroadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peloton_fanout_dropped_broadcasts_total",
		Help: "Broadcast frames dropped per topic",
	}, []string{"topic"})

	FanoutSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peloton_fanout_subscriptions",
		Help: "Live topic subscriptions across all sessions",
	})

	// Notifications
	NotifySent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peloton_notify_sent_total",
		Help: "Notifications delivered per channel",
	}, []string{"channel"})

	NotifyFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peloton_notify_failed_total",
		Help: "Notification deliveries that failed per channel",
	}, []string{"channel"})

	NotifyFiltered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peloton_notify_filtered_total",
		Help: "Subscriptions skipped during targeting by reason",
	}, []string{"reason"})

	// System
	SystemCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peloton_system_cpu_percent",
		Help: "Process CPU usage percentage",
	})

	SystemMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peloton_system_memory_bytes",
		Help: "Heap memory in use",
	})

	SystemGoroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peloton_system_goroutines",
		Help: "Active goroutines",
	})
)

func init() {
	prometheus.MustRegister(FeedConnectsTotal)
	prometheus.MustRegister(FeedFailoversTotal)
	prometheus.MustRegister(FeedEndpointHealth)
	prometheus.MustRegister(FeedBreakerOpen)
	prometheus.MustRegister(FeedFramesAccepted)
	prometheus.MustRegister(FeedFramesRejected)
	prometheus.MustRegister(FeedFramesDropped)

	prometheus.MustRegister(AggregatePointsIngested)
	prometheus.MustRegister(AggregatePointsResolved)
	prometheus.MustRegister(AggregatePointsDropped)
	prometheus.MustRegister(AggregateConflicts)
	prometheus.MustRegister(AggregateResolutionErrors)
	prometheus.MustRegister(AggregateActiveSources)
	prometheus.MustRegister(AggregateDataQuality)

	prometheus.MustRegister(TrackerPositionsApplied)
	prometheus.MustRegister(TrackerPositionsDiscarded)
	prometheus.MustRegister(TrackerInterpolations)
	prometheus.MustRegister(TrackerActiveRiders)
	prometheus.MustRegister(TrackerGroups)

	prometheus.MustRegister(TacticsEventsDetected)
	prometheus.MustRegister(TacticsEventsMerged)
	prometheus.MustRegister(TacticsEventsCorrelated)
	prometheus.MustRegister(TacticsActiveEvents)

	prometheus.MustRegister(BusPublished)
	prometheus.MustRegister(BusPublishRejected)
	prometheus.MustRegister(BusDelivered)
	prometheus.MustRegister(BusRetries)
	prometheus.MustRegister(BusDeadLettered)
	prometheus.MustRegister(BusQueueDepth)
	prometheus.MustRegister(BusKafkaMirrored)
	prometheus.MustRegister(BusKafkaErrors)

	prometheus.MustRegister(FanoutConnectionsTotal)
	prometheus.MustRegister(FanoutConnectionsActive)
	prometheus.MustRegister(FanoutConnectionsRejected)
	prometheus.MustRegister(FanoutMessagesSent)
	prometheus.MustRegister(FanoutMessagesReceived)
	prometheus.MustRegister(FanoutRateLimited)
	prometheus.MustRegister(FanoutSlowClientsDisconnected)
	prometheus.MustRegister(FanoutDroppedBroadcasts)
	prometheus.MustRegister(FanoutSubscriptions)

	prometheus.MustRegister(NotifySent)
	prometheus.MustRegister(NotifyFailed)
	prometheus.MustRegister(NotifyFiltered)

	prometheus.MustRegister(SystemCPUPercent)
	prometheus.MustRegister(SystemMemoryBytes)
	prometheus.MustRegister(SystemGoroutines)
}

// MetricsHandler returns the Prometheus scrape handler for /metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
