package aggregate

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vardaan112/PelotonIQ-sub000/internal/bus"
	"github.com/vardaan112/PelotonIQ-sub000/internal/feed"
)

type capturingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []bus.Event
}

func (p *capturingPublisher) Publish(topic string, ev bus.Event) error {
	p.mu.Lock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func newTestService(t *testing.T, mutate ...func(*Config)) *Service {
	t.Helper()
	cfg := Config{
		RaceID:            "race-test",
		Window:            20 * time.Millisecond,
		MaxDataAge:        500 * time.Millisecond,
		ConflictThreshold: 0.1,
		MinSources:        2,
		DriftThreshold:    0.2,
		HealthInterval:    25 * time.Millisecond,
		QueueSize:         64,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	s := New(cfg, zerolog.Nop())
	t.Cleanup(s.Close)
	return s
}

func TestConflictingSourcesResolveByWeightedAverage(t *testing.T) {
	s := newTestService(t)
	s.RegisterSource("A", 9, 0.95, "position")
	s.RegisterSource("B", 4, 0.6, "position")

	now := time.Now()
	require.NoError(t, s.Ingest("A", "position", "r42", 3.0, now, Metadata{}))
	require.NoError(t, s.Ingest("B", "position", "r42", 5.0, now, Metadata{}))

	s.resolveDue(time.Now())

	res, ok := s.Resolved("position:r42")
	require.True(t, ok)
	assert.Equal(t, StrategyWeightedAverage, res.Method)

	// Trusts at full recency: 0.95*0.9 = 0.855 and 0.6*0.4 = 0.24.
	want := (3.0*0.855 + 5.0*0.24) / (0.855 + 0.24)
	assert.InDelta(t, want, res.Value.(float64), 0.01)
	assert.InDelta(t, (0.855+0.24)/2, res.Confidence, 0.01)
	assert.Equal(t, ConflictHigh, res.Conflict, "values 3 and 5 spread far past the cv threshold")
	assert.ElementsMatch(t, []string{"A", "B"}, res.Sources)
}

func TestHighestPriorityChainOverride(t *testing.T) {
	s := newTestService(t)
	s.RegisterSource("A", 9, 0.95, "position")
	s.RegisterSource("B", 4, 0.6, "position")
	require.NoError(t, s.SetChain("position", StrategyHighestPriority))

	now := time.Now()
	require.NoError(t, s.Ingest("A", "position", "r42", 3.0, now, Metadata{}))
	require.NoError(t, s.Ingest("B", "position", "r42", 5.0, now, Metadata{}))

	s.resolveDue(time.Now())

	res, ok := s.Resolved("position:r42")
	require.True(t, ok)
	assert.Equal(t, StrategyHighestPriority, res.Method)
	assert.Equal(t, 3.0, res.Value)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
}

func TestSetChainRejectsUnknownStrategy(t *testing.T) {
	s := newTestService(t)
	require.Error(t, s.SetChain("position", "coin_flip"))
	require.Error(t, s.SetChain("position"))
}

func TestPointWaitsForMinSourcesThenAgesOut(t *testing.T) {
	s := newTestService(t)
	s.RegisterSource("A", 5, 0.8, "speed")

	now := time.Now()
	require.NoError(t, s.Ingest("A", "speed", "r1", 12.5, now, Metadata{}))

	s.resolveDue(now)
	_, ok := s.Resolved("speed:r1")
	assert.False(t, ok, "single source below minSources must keep buffering")

	s.resolveDue(now.Add(600 * time.Millisecond))
	res, ok := s.Resolved("speed:r1")
	require.True(t, ok, "aged-out point resolves regardless of source count")
	assert.InDelta(t, 12.5, res.Value.(float64), 1e-9)
}

func TestIngestUnknownSourceDropped(t *testing.T) {
	s := newTestService(t)
	err := s.Ingest("ghost", "speed", "r1", 10.0, time.Now(), Metadata{})
	require.ErrorIs(t, err, ErrUnknownSource)

	s.resolveDue(time.Now().Add(time.Second))
	_, ok := s.Resolved("speed:r1")
	assert.False(t, ok)
}

func TestInactiveSourceDropsThenReactivates(t *testing.T) {
	s := newTestService(t)
	src := s.RegisterSource("A", 5, 0.8, "speed")

	src.mu.Lock()
	src.lastSeen = time.Now().Add(-2 * time.Second)
	src.mu.Unlock()
	s.sweepSources(time.Now())
	require.False(t, src.IsActive())

	err := s.Ingest("A", "speed", "r1", 10.0, time.Now(), Metadata{})
	require.ErrorIs(t, err, ErrInactiveSource)

	// The dropped ingest refreshed lastSeen; the next sweep reactivates.
	s.sweepSources(time.Now())
	require.True(t, src.IsActive())
	require.NoError(t, s.Ingest("A", "speed", "r1", 10.0, time.Now(), Metadata{}))
}

func TestFallbackWhenNoStrategyApplies(t *testing.T) {
	s := newTestService(t)
	s.RegisterSource("A", 5, 0.8, "label")
	s.RegisterSource("B", 5, 0.8, "label")
	require.NoError(t, s.SetChain("label", StrategyWeightedAverage))

	now := time.Now()
	require.NoError(t, s.Ingest("A", "label", "k", "alpha", now, Metadata{}))
	require.NoError(t, s.Ingest("B", "label", "k", "beta", now, Metadata{}))

	s.resolveDue(time.Now())

	res, ok := s.Resolved("label:k")
	require.True(t, ok)
	assert.Equal(t, "fallback", res.Method)
	assert.Equal(t, "alpha", res.Value, "fallback takes the first source's raw value")
	assert.Equal(t, 0.5, res.Confidence)
}

func TestReliabilityRewardsAgreementPenalizesDeviation(t *testing.T) {
	s := newTestService(t)
	a := s.RegisterSource("A", 5, 0.8, "speed")
	b := s.RegisterSource("B", 5, 0.8, "speed")
	c := s.RegisterSource("C", 5, 0.8, "speed")
	d := s.RegisterSource("D", 5, 0.8, "speed")

	now := time.Now()
	require.NoError(t, s.Ingest("A", "speed", "r1", 10.0, now, Metadata{}))
	require.NoError(t, s.Ingest("B", "speed", "r1", 10.0, now, Metadata{}))
	require.NoError(t, s.Ingest("C", "speed", "r1", 10.0, now, Metadata{}))
	require.NoError(t, s.Ingest("D", "speed", "r1", 12.0, now, Metadata{}))

	s.resolveDue(time.Now())

	// Resolved ≈ 10.5; 10.0 deviates ~4.8%, 12.0 deviates ~14%.
	assert.InDelta(t, 0.81, a.Reliability(), 1e-9)
	assert.InDelta(t, 0.81, b.Reliability(), 1e-9)
	assert.InDelta(t, 0.81, c.Reliability(), 1e-9)
	assert.InDelta(t, 0.8*0.95, d.Reliability(), 1e-9)
}

func TestPerformanceDriftPublishedOnceThenRebaselined(t *testing.T) {
	pub := &capturingPublisher{}
	s := newTestService(t, func(cfg *Config) {
		cfg.Publisher = pub
	})
	src := s.RegisterSource("A", 5, 1.0, "speed")

	for i := 0; i < 5; i++ {
		src.penalizeDeviation()
	}
	require.InDelta(t, 0.7738, src.Reliability(), 0.001)

	s.sweepSources(time.Now())
	require.Equal(t, 1, pub.count(), "drop of ~0.23 past threshold 0.2 must trigger")
	assert.Equal(t, bus.TopicModelTriggers, pub.topics[0])
	assert.Equal(t, "performance_drift", pub.events[0].Type)

	var payload DriftEvent
	require.NoError(t, json.Unmarshal(pub.events[0].Payload, &payload))
	assert.Equal(t, "A", payload.SourceID)
	assert.InDelta(t, 1.0, payload.Baseline, 1e-9)

	s.sweepSources(time.Now())
	assert.Equal(t, 1, pub.count(), "rebaselined source must not re-trigger")
}

func TestResolvedPointsArriveOnOutInOrder(t *testing.T) {
	s := newTestService(t)
	s.RegisterSource("A", 5, 0.8, "speed")
	s.RegisterSource("B", 5, 0.8, "speed")

	now := time.Now()
	require.NoError(t, s.Ingest("A", "speed", "r1", 10.0, now, Metadata{}))
	require.NoError(t, s.Ingest("B", "speed", "r1", 10.0, now, Metadata{}))
	require.NoError(t, s.Ingest("A", "speed", "r2", 11.0, now, Metadata{}))
	require.NoError(t, s.Ingest("B", "speed", "r2", 11.0, now, Metadata{}))

	s.resolveDue(time.Now())

	first := <-s.Out()
	second := <-s.Out()
	assert.Equal(t, "r1", first.Key, "same tick resolves in key order")
	assert.Equal(t, "r2", second.Key)
	assert.False(t, second.Timestamp.Before(first.Timestamp))
}

func TestIngestFrameDecodesValue(t *testing.T) {
	s := newTestService(t)
	s.RegisterSource("gps-1", 8, 0.9, "position")
	s.RegisterSource("gps-2", 8, 0.9, "position")

	frame := feed.RawFrame{
		SourceID:   "gps-1",
		Type:       "position",
		Key:        "r7",
		Value:      json.RawMessage(`22.5`),
		Timestamp:  time.Now(),
		Confidence: 0.9,
		Units:      "m/s",
	}
	require.NoError(t, s.IngestFrame(frame))
	frame.SourceID = "gps-2"
	frame.Value = json.RawMessage(`22.7`)
	require.NoError(t, s.IngestFrame(frame))

	s.resolveDue(time.Now())

	res, ok := s.Resolved("position:r7")
	require.True(t, ok)
	assert.InDelta(t, 22.6, res.Value.(float64), 0.1)
	assert.Equal(t, "m/s", res.Units)
}

func TestIngestFrameRejectsBadJSON(t *testing.T) {
	s := newTestService(t)
	s.RegisterSource("gps-1", 8, 0.9, "position")
	err := s.IngestFrame(feed.RawFrame{
		SourceID:  "gps-1",
		Type:      "position",
		Key:       "r7",
		Value:     json.RawMessage(`{broken`),
		Timestamp: time.Now(),
	})
	require.Error(t, err)
}

func TestServiceLoopsEndToEnd(t *testing.T) {
	s := newTestService(t)
	s.RegisterSource("A", 9, 0.95, "position")
	s.RegisterSource("B", 4, 0.6, "position")
	s.Start()

	now := time.Now()
	require.NoError(t, s.Ingest("A", "position", "r42", 3.0, now, Metadata{}))
	require.NoError(t, s.Ingest("B", "position", "r42", 5.0, now, Metadata{}))

	require.Eventually(t, func() bool {
		_, ok := s.Resolved("position:r42")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	infos := s.Sources()
	require.Len(t, infos, 2)
	assert.True(t, infos[0].Active)
	require.Eventually(t, func() bool {
		return s.DataQuality() > 0
	}, 2*time.Second, 10*time.Millisecond, "health sweep fills the quality score")
}

func TestDecodeWeatherFromWireShape(t *testing.T) {
	res := Resolved{
		DataType:   "weather",
		Key:        "km42",
		OriginTime: time.Now(),
		Value: map[string]any{
			"temperatureC": 28.5,
			"windSpeedMs":  6.2,
			"humidity":     0.55,
			"condition":    "sunny",
		},
	}
	w, err := DecodeWeather(res)
	require.NoError(t, err)
	assert.Equal(t, "km42", w.LocationKey)
	assert.Equal(t, 28.5, w.TemperatureC)
	assert.Equal(t, 6.2, w.WindSpeedMS)
	assert.Equal(t, "sunny", w.Condition)
	assert.False(t, w.Timestamp.IsZero())

	_, err = DecodeWeather(Resolved{Value: 42.0})
	require.Error(t, err)
}
