package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/vardaan112/PelotonIQ-sub000/internal/aggregate"
	"github.com/vardaan112/PelotonIQ-sub000/internal/auth"
	"github.com/vardaan112/PelotonIQ-sub000/internal/bus"
	"github.com/vardaan112/PelotonIQ-sub000/internal/config"
	"github.com/vardaan112/PelotonIQ-sub000/internal/fanout"
	"github.com/vardaan112/PelotonIQ-sub000/internal/feed"
	"github.com/vardaan112/PelotonIQ-sub000/internal/limits"
	"github.com/vardaan112/PelotonIQ-sub000/internal/monitoring"
	"github.com/vardaan112/PelotonIQ-sub000/internal/notify"
	"github.com/vardaan112/PelotonIQ-sub000/internal/store"
	"github.com/vardaan112/PelotonIQ-sub000/internal/tactics"
	"github.com/vardaan112/PelotonIQ-sub000/internal/tracker"
)

const (
	tokenDuration = 24 * time.Hour
	weatherTTL    = 30 * time.Minute

	// Standing given to telemetry sources that appear on the wire before
	// anyone catalogued them. The health sweep re-scores them from there.
	defaultSourcePriority = 5
	defaultSourceAccuracy = 0.8
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLog := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})
	cfg, err := config.Load(&bootLog)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Configuration failed")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("pelotond exited with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence is optional; every consumer is nil-safe without it.
	var st *store.Store
	if cfg.RedisAddr != "" {
		var err error
		st, err = store.New(ctx, store.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		defer st.Close()
	}

	monitor := monitoring.NewSystemMonitor(cfg.MetricsInterval, logger)
	monitor.Start(ctx)

	guard := limits.NewResourceGuard(limits.GuardConfig{
		MaxGoroutines:      cfg.MaxGoroutines,
		CPURejectThreshold: cfg.CPURejectThreshold,
	}, monitor, logger)

	connLimiter := limits.NewConnectionRateLimiter(limits.ConnRateConfig{
		PerIPRate:  cfg.ConnRatePerIP,
		GlobalRate: cfg.ConnRateGlobal,
	}, logger)
	connLimiter.Start()
	defer connLimiter.Close()

	b := bus.New(bus.Config{
		PartitionCount: cfg.PartitionCount,
		QueueCapacity:  cfg.QueueCapacity,
		Retention:      cfg.StreamRetention,
		DLQTopic:       cfg.DLQTopic,
		BatchSize:      cfg.BatchSize,
		BatchTimeout:   cfg.BatchTimeout,
		MaxAttempts:    cfg.MaxDeliveryAttempts,
		Concurrency:    cfg.MaxConcurrentUpdates,
	}, logger)

	var kafka *bus.KafkaBridge
	if len(cfg.KafkaBrokers) > 0 {
		var err error
		kafka, err = bus.NewKafkaBridge(b, bus.KafkaBridgeConfig{
			Brokers: cfg.KafkaBrokers,
			Topics: []string{
				bus.TopicPositions,
				bus.TopicGaps,
				bus.TopicRaceStatus,
				bus.TopicTacticalEvents,
				bus.TopicModelTriggers,
			},
		}, logger)
		if err != nil {
			return fmt.Errorf("kafka bridge: %w", err)
		}
	}

	dialer := &feed.NATSDialer{
		Subject:   cfg.FeedSubject,
		QueueSize: cfg.QueueCapacity,
		Logger:    logger,
	}
	feedMgr, err := feed.NewManager(feed.Config{
		HealthCheckInterval:   cfg.HealthCheckInterval,
		ConnectionTimeout:     cfg.ConnectionTimeout,
		FailoverTimeout:       cfg.FailoverTimeout,
		MaxRetryAttempts:      cfg.MaxRetryAttempts,
		RetryDelay:            cfg.RetryDelay,
		BackoffMultiplier:     cfg.BackoffMultiplier,
		MaxRetryDelay:         cfg.MaxRetryDelay,
		FailureThreshold:      cfg.FailureThreshold,
		CircuitBreakerTimeout: cfg.CircuitBreakerTimeout,
		LatencyThreshold:      cfg.LatencyThreshold,
		DuplicateWindow:       cfg.DuplicateDetectionWindow,
		QueueSize:             cfg.QueueCapacity,
	}, dialer, logger)
	if err != nil {
		return fmt.Errorf("feed manager: %w", err)
	}
	feedMgr.Register("primary", cfg.FeedPrimaryURL, feed.RolePrimary, 100)
	for i, addr := range cfg.FeedFallbackURLs {
		feedMgr.Register(fmt.Sprintf("fallback-%d", i+1), addr, feed.RoleFallback, 50)
	}

	agg := aggregate.New(aggregate.Config{
		RaceID:            cfg.RaceID,
		Window:            cfg.AggregationWindow,
		MaxDataAge:        cfg.MaxDataAge,
		ConflictThreshold: cfg.ConflictThreshold,
		MinSources:        cfg.MinSources,
		DriftThreshold:    cfg.DriftThreshold,
		HealthInterval:    cfg.HealthCheckInterval,
		QueueSize:         cfg.QueueCapacity,
		Publisher:         b,
	}, logger)

	// The detector reads tracker state through late-bound closures; tr is
	// assigned before either component starts.
	var tr *tracker.Tracker
	det := tactics.New(tactics.Config{
		RaceID:              cfg.RaceID,
		DetectionInterval:   cfg.DetectionInterval,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		EventRetention:      cfg.EventRetention,
		RouteLengthKM:       cfg.RouteLengthKM,
		Publisher:           b,
		Store:               st,
		History: func(riderID string, limit int) []tracker.RiderPosition {
			return tr.RiderHistory(riderID, limit)
		},
		Groups: func() []tracker.Group {
			return tr.Groups()
		},
	}, logger)

	tr = tracker.New(tracker.Config{
		RaceID:                 cfg.RaceID,
		UpdateInterval:         cfg.UpdateInterval,
		PositionTimeout:        cfg.PositionTimeout,
		GroupDistanceThreshold: cfg.GroupDistanceThreshold,
		GroupTimeThreshold:     cfg.GroupTimeThreshold,
		MaxInterpolationTime:   cfg.MaxInterpolationTime,
		RouteLengthKM:          cfg.RouteLengthKM,
		Publisher:              b,
		Store:                  st,
		OnSnapshot: func(s tracker.Snapshot) {
			det.OnPositionBatch(s.Positions)
			det.OnRaceState(s.State)
		},
	}, logger)

	tokens := auth.NewJWTManager(cfg.JWTSecret, tokenDuration)
	server, err := fanout.NewServer(fanout.Config{
		Addr:              cfg.Addr,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ConnectionTimeout: cfg.ConnectionTimeout,
		RateLimitWindow:   cfg.RateLimitWindow,
		RateLimitMax:      cfg.RateLimitMax,
		MaxConnections:    cfg.MaxConnections,
		ShutdownGrace:     cfg.ShutdownGrace,
		Verifier:          tokens,
		ConnLimiter:       connLimiter,
		Guard:             guard,
		Monitor:           monitor,
	}, logger)
	if err != nil {
		return fmt.Errorf("fanout: %w", err)
	}
	bridge, err := fanout.NewBridge(b, server, logger)
	if err != nil {
		return fmt.Errorf("fanout bridge: %w", err)
	}

	dispatcher := notify.New(notify.Config{
		MaxIdleTime:     cfg.MaxIdleTime,
		CleanupSchedule: cfg.CleanupSchedule,
		Broadcaster:     server,
		Guard:           guard,
	}, logger)
	if err := dispatcher.ConsumeTactical(b); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	server.Mount("/sse", dispatcher.SSEHandler())

	// Sinks come up before sources so nothing lands on a dead stage.
	dispatcher.Start()
	if err := server.Start(); err != nil {
		return err
	}
	det.Start()
	tr.Start()
	agg.Start()
	feedMgr.Start()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		pumpFrames(ctx, feedMgr, agg, logger)
	}()
	go func() {
		defer pumps.Done()
		pumpResolved(ctx, cfg, agg, tr, b, st, logger)
	}()

	logger.Info().Str("addr", server.Addr()).Msg("pelotond running")
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	// Drain front to back: stop producing, let each stage flush, then close
	// the client edge last so subscribers see the final snapshots.
	feedMgr.Close()
	agg.Close()
	pumps.Wait()
	logger.Info().
		Int("feed_frames", len(feedMgr.Frames())).
		Int("resolved_points", len(agg.Out())).
		Msg("Pipeline drained")

	tr.Close()
	det.Close()
	dispatcher.Close()
	bridge.Close()
	if kafka != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		kafka.Close(flushCtx)
		cancel()
	}
	b.Close(cfg.ShutdownGrace)
	server.Close()
	return nil
}

// pumpFrames moves raw frames from the feed into the fusion layer,
// registering sources on first sight.
func pumpFrames(ctx context.Context, mgr *feed.Manager, agg *aggregate.Service, logger zerolog.Logger) {
	defer monitoring.RecoverPanic(logger, "frame-pump")
	dropLog := monitoring.NewDropSampler(100)
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-mgr.Frames():
			err := agg.IngestFrame(f)
			if errors.Is(err, aggregate.ErrUnknownSource) {
				agg.RegisterSource(f.SourceID, defaultSourcePriority, defaultSourceAccuracy, f.Type)
				err = agg.IngestFrame(f)
			}
			if err != nil {
				if ok, skipped := dropLog.Allow(); ok {
					logger.Warn().
						Err(err).
						Str("source", f.SourceID).
						Str("type", f.Type).
						Int64("skipped", skipped).
						Msg("Frame rejected by fusion layer")
				}
			}
		}
	}
}

// pumpResolved routes resolved points by data type: positions and race
// status feed the tracker, weather and splits go straight to the bus.
func pumpResolved(ctx context.Context, cfg *config.Config, agg *aggregate.Service, tr *tracker.Tracker, b *bus.Bus, st *store.Store, logger zerolog.Logger) {
	defer monitoring.RecoverPanic(logger, "resolved-pump")
	dropLog := monitoring.NewDropSampler(100)
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-agg.Out():
			if err := routeResolved(ctx, cfg, r, tr, b, st); err != nil {
				if ok, skipped := dropLog.Allow(); ok {
					logger.Warn().
						Err(err).
						Str("data_type", r.DataType).
						Str("key", r.Key).
						Int64("skipped", skipped).
						Msg("Resolved point dropped")
				}
			}
		}
	}
}

func routeResolved(ctx context.Context, cfg *config.Config, r aggregate.Resolved, tr *tracker.Tracker, b *bus.Bus, st *store.Store) error {
	switch r.DataType {
	case "position":
		p, err := positionFrom(r)
		if err != nil {
			return err
		}
		return tr.ApplyPosition(p)

	case "status":
		s, ok := r.Value.(string)
		if !ok {
			return fmt.Errorf("status value has type %T", r.Value)
		}
		tr.SetStatus(tracker.RaceStatus(s))
		return nil

	case "weather":
		rec, err := aggregate.DecodeWeather(r)
		if err != nil {
			return err
		}
		if st != nil {
			if err := st.SaveWeather(ctx, store.WeatherCurrent, rec.LocationKey, weatherTTL, rec); err != nil {
				return err
			}
		}
		ev, err := bus.NewEvent("weather_update", cfg.RaceID, "aggregate", rec)
		if err != nil {
			return err
		}
		return b.Publish(bus.TopicWeather, ev)

	case "split":
		ev, err := bus.NewEvent("split_update", cfg.RaceID, "aggregate", r)
		if err != nil {
			return err
		}
		return b.Publish(bus.TopicSplits, ev)

	default:
		return nil
	}
}

// positionFrom maps a resolved point onto a rider position. Scalar values
// are race positions; object values carry the full reading.
func positionFrom(r aggregate.Resolved) (tracker.RiderPosition, error) {
	p := tracker.RiderPosition{
		RiderID:    r.Key,
		Timestamp:  r.OriginTime,
		Confidence: r.Confidence,
	}
	if len(r.Sources) > 0 {
		p.SourceID = r.Sources[0]
	}
	switch v := r.Value.(type) {
	case float64:
		p.Position = int(v)
	case map[string]any:
		raw, err := json.Marshal(v)
		if err != nil {
			return tracker.RiderPosition{}, fmt.Errorf("encode position value: %w", err)
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return tracker.RiderPosition{}, fmt.Errorf("decode position value: %w", err)
		}
		if p.RiderID == "" {
			p.RiderID = r.Key
		}
		if p.Timestamp.IsZero() {
			p.Timestamp = r.OriginTime
		}
		if p.Confidence == 0 {
			p.Confidence = r.Confidence
		}
	default:
		return tracker.RiderPosition{}, fmt.Errorf("position value has type %T", r.Value)
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = r.Timestamp
	}
	return p, nil
}
