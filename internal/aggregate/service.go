package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/vardaan112/PelotonIQ-sub000/internal/bus"
	"github.com/vardaan112/PelotonIQ-sub000/internal/feed"
	"github.com/vardaan112/PelotonIQ-sub000/internal/monitoring"
)

var (
	ErrUnknownSource  = errors.New("aggregate: unknown source")
	ErrInactiveSource = errors.New("aggregate: inactive source")
)

// Metadata rides along with an ingested value.
type Metadata struct {
	Confidence float64
	Units      string
	Latency    time.Duration
}

// Resolved is one fused point, the output of the aggregation layer.
type Resolved struct {
	DataType   string        `json:"dataType"`
	Key        string        `json:"key"`
	Value      any           `json:"value"`
	Confidence float64       `json:"confidence"`
	Conflict   ConflictLevel `json:"conflictLevel"`
	Method     string        `json:"method"`
	Sources    []string      `json:"sources"`
	Units      string        `json:"units,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	OriginTime time.Time     `json:"originTime"`
}

// CompositeKey is the buffer key, `<dataType>:<key>`.
func (r Resolved) CompositeKey() string {
	return r.DataType + ":" + r.Key
}

// DriftEvent is published on the model-triggers topic when a source's
// reliability drops past the drift threshold since its last baseline.
type DriftEvent struct {
	SourceID  string  `json:"sourceId"`
	Baseline  float64 `json:"baseline"`
	Current   float64 `json:"current"`
	Drop      float64 `json:"drop"`
	Threshold float64 `json:"threshold"`
}

type entry struct {
	value    any
	ts       time.Time
	ingested time.Time
	meta     Metadata
}

type point struct {
	dataType string
	key      string
	entries  map[string]entry
	order    []string
	earliest time.Time
}

// Publisher is the slice of the event bus the service needs.
type Publisher interface {
	Publish(topic string, ev bus.Event) error
}

type Config struct {
	RaceID            string
	Window            time.Duration
	MaxDataAge        time.Duration
	ConflictThreshold float64
	MinSources        int
	DriftThreshold    float64
	HealthInterval    time.Duration
	QueueSize         int
	Publisher         Publisher
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.MaxDataAge <= 0 {
		cfg.MaxDataAge = 30 * time.Second
	}
	if cfg.ConflictThreshold <= 0 {
		cfg.ConflictThreshold = 0.1
	}
	if cfg.MinSources <= 0 {
		cfg.MinSources = 2
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return cfg
}

// Service fuses parallel source streams into a single resolved time-series
// keyed by `<dataType>:<key>`. Points buffer until enough distinct sources
// reported or the oldest sample ages out, then one resolver pass picks a
// value through the data type's strategy chain.
type Service struct {
	cfg    Config
	logger zerolog.Logger

	sources *xsync.MapOf[string, *Source]

	mu       sync.Mutex
	points   map[string]*point
	chains   map[string][]string
	resolved map[string]Resolved
	quality  float64

	out     chan Resolved
	dropLog *monitoring.DropSampler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, logger zerolog.Logger) *Service {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	chains := make(map[string][]string, len(defaultChains))
	for dt, chain := range defaultChains {
		chains[dt] = append([]string(nil), chain...)
	}
	return &Service{
		cfg:      cfg,
		logger:   logger.With().Str("component", "aggregate").Logger(),
		sources:  xsync.NewMapOf[string, *Source](),
		points:   make(map[string]*point),
		chains:   chains,
		resolved: make(map[string]Resolved),
		out:      make(chan Resolved, cfg.QueueSize),
		dropLog:  monitoring.NewDropSampler(1000),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterSource adds a provider. Registering an existing id returns the
// already-registered source unchanged.
func (s *Service) RegisterSource(id string, priority int, accuracy float64, dataType string) *Source {
	src := newSource(id, priority, accuracy, dataType)
	actual, loaded := s.sources.LoadOrStore(id, src)
	if !loaded {
		s.logger.Info().
			Str("source", id).
			Int("priority", actual.Priority).
			Float64("accuracy", accuracy).
			Str("data_type", dataType).
			Msg("source registered")
	}
	return actual
}

// SetChain overrides the strategy order for a data type.
func (s *Service) SetChain(dataType string, names ...string) error {
	if len(names) == 0 {
		return fmt.Errorf("aggregate: empty strategy chain for %q", dataType)
	}
	for _, n := range names {
		if _, ok := strategyRegistry[n]; !ok {
			return fmt.Errorf("aggregate: unknown strategy %q", n)
		}
	}
	s.mu.Lock()
	s.chains[dataType] = append([]string(nil), names...)
	s.mu.Unlock()
	return nil
}

func (s *Service) chainFor(dataType string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chain, ok := s.chains[dataType]; ok {
		return chain
	}
	return fallbackChain
}

// Ingest buffers one sample under `<dataType>:<key>`. Samples from unknown
// or inactive sources are dropped; an inactive source still refreshes its
// last-seen time so the next health sweep can reactivate it.
func (s *Service) Ingest(sourceID, dataType, key string, value any, ts time.Time, md Metadata) error {
	src, ok := s.sources.Load(sourceID)
	if !ok {
		monitoring.AggregatePointsDropped.WithLabelValues("unknown_source").Inc()
		s.logger.Warn().Str("source", sourceID).Msg("ingest from unknown source dropped")
		return fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}
	src.markSeen(md.Latency)
	if !src.IsActive() {
		src.markDrop()
		monitoring.AggregatePointsDropped.WithLabelValues("inactive_source").Inc()
		s.logger.Warn().Str("source", sourceID).Msg("ingest from inactive source dropped")
		return fmt.Errorf("%w: %s", ErrInactiveSource, sourceID)
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	src.markIngest()

	pk := dataType + ":" + key
	s.mu.Lock()
	p := s.points[pk]
	if p == nil {
		p = &point{
			dataType: dataType,
			key:      key,
			entries:  make(map[string]entry, 2),
			earliest: ts,
		}
		s.points[pk] = p
	}
	if _, seen := p.entries[sourceID]; !seen {
		p.order = append(p.order, sourceID)
	}
	p.entries[sourceID] = entry{value: value, ts: ts, ingested: time.Now(), meta: md}
	if ts.Before(p.earliest) {
		p.earliest = ts
	}
	s.mu.Unlock()

	monitoring.AggregatePointsIngested.Inc()
	return nil
}

// IngestFrame adapts a validated feed frame into the buffer.
func (s *Service) IngestFrame(f feed.RawFrame) error {
	var value any
	if len(f.Value) > 0 {
		if err := json.Unmarshal(f.Value, &value); err != nil {
			monitoring.AggregatePointsDropped.WithLabelValues("decode").Inc()
			return fmt.Errorf("aggregate: decode frame value: %w", err)
		}
	}
	md := Metadata{Confidence: f.Confidence, Units: f.Units}
	return s.Ingest(f.SourceID, f.Type, f.Key, value, f.Timestamp, md)
}

// Resolved returns the latest resolved point for a composite key.
func (s *Service) Resolved(compositeKey string) (Resolved, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resolved[compositeKey]
	return r, ok
}

// AllResolved returns every resolved point, sorted by composite key.
func (s *Service) AllResolved() []Resolved {
	s.mu.Lock()
	out := make([]Resolved, 0, len(s.resolved))
	for _, r := range s.resolved {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CompositeKey() < out[j].CompositeKey() })
	return out
}

// Sources returns a snapshot of every registered source, sorted by id.
func (s *Service) Sources() []SourceInfo {
	now := time.Now()
	infos := make([]SourceInfo, 0, 8)
	s.sources.Range(func(_ string, src *Source) bool {
		infos = append(infos, src.snapshot(now))
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// DataQuality is the composite score from the last health sweep:
// mean(reliability) × mean(uptime) × active/registered.
func (s *Service) DataQuality() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

// Out is the stream of resolved points in resolution order. Bounded; the
// oldest point is dropped on overflow.
func (s *Service) Out() <-chan Resolved {
	return s.out
}

// Start launches the resolver and health loops.
func (s *Service) Start() {
	s.wg.Add(2)
	go s.resolverLoop()
	go s.healthLoop()
}

func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("aggregation service stopped")
}

func (s *Service) resolverLoop() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "aggregate-resolver")
	ticker := time.NewTicker(s.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.resolveDue(time.Now())
		}
	}
}

// resolveDue resolves every point that has enough distinct sources or whose
// oldest sample aged out. Per-point failures are isolated.
func (s *Service) resolveDue(now time.Time) {
	s.mu.Lock()
	due := make([]*point, 0, 4)
	for pk, p := range s.points {
		if len(p.entries) >= s.cfg.MinSources || now.Sub(p.earliest) > s.cfg.MaxDataAge {
			due = append(due, p)
			delete(s.points, pk)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		return due[i].dataType+":"+due[i].key < due[j].dataType+":"+due[j].key
	})

	for _, p := range due {
		res, err := s.resolvePoint(p, now)
		if err != nil {
			monitoring.AggregateResolutionErrors.Inc()
			s.logger.Warn().
				Str("key", p.dataType+":"+p.key).
				Err(err).
				Msg("resolution failed, point dropped")
			continue
		}
		s.mu.Lock()
		s.resolved[res.CompositeKey()] = res
		s.mu.Unlock()
		s.emit(res)
	}
}

func (s *Service) resolvePoint(p *point, now time.Time) (Resolved, error) {
	cands := make([]Candidate, 0, len(p.entries))
	bySource := make(map[string]*Source, len(p.entries))
	var units string
	for _, id := range p.order {
		e, ok := p.entries[id]
		if !ok {
			continue
		}
		src, ok := s.sources.Load(id)
		if !ok {
			continue
		}
		if units == "" {
			units = e.meta.Units
		}
		cands = append(cands, Candidate{
			SourceID:       id,
			Value:          e.value,
			Timestamp:      e.ts,
			Trust:          src.Trust(now.Sub(e.ts), s.cfg.MaxDataAge),
			Priority:       src.Priority,
			Reliability:    src.Reliability(),
			MetaConfidence: e.meta.Confidence,
		})
		bySource[id] = src
	}
	if len(cands) == 0 {
		return Resolved{}, errors.New("no live sources for point")
	}

	var bestVal any
	var bestConf float64
	bestMethod := ""
	for _, name := range s.chainFor(p.dataType) {
		fn, ok := strategyRegistry[name]
		if !ok {
			continue
		}
		val, conf, err := runStrategy(fn, cands, now, s.cfg.MaxDataAge)
		if err != nil {
			if !errors.Is(err, ErrNoResult) {
				s.logger.Warn().Str("strategy", name).Err(err).Msg("strategy failed, skipping")
			}
			continue
		}
		if bestMethod == "" || conf > bestConf {
			bestVal, bestConf, bestMethod = val, conf, name
		}
	}
	if bestMethod == "" {
		bestVal, bestConf, bestMethod = cands[0].Value, 0.5, methodFallback
	}

	values := make([]any, len(cands))
	sources := make([]string, len(cands))
	for i, c := range cands {
		values[i] = c.Value
		sources[i] = c.SourceID
	}
	level := classifyConflict(values)
	s.updateReliability(cands, bySource, bestVal)

	monitoring.AggregatePointsResolved.WithLabelValues(bestMethod).Inc()
	monitoring.AggregateConflicts.WithLabelValues(string(level)).Inc()

	return Resolved{
		DataType:   p.dataType,
		Key:        p.key,
		Value:      bestVal,
		Confidence: bestConf,
		Conflict:   level,
		Method:     bestMethod,
		Sources:    sources,
		Units:      units,
		Timestamp:  now,
		OriginTime: p.earliest,
	}, nil
}

// runStrategy isolates a strategy invocation; a panicking strategy is
// reported as an error and skipped.
func runStrategy(fn strategyFn, cands []Candidate, now time.Time, maxAge time.Duration) (val any, conf float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panic: %v", r)
		}
	}()
	return fn(cands, now, maxAge)
}

// updateReliability moves each contributing source's reliability toward or
// away from the resolved value. Single-source points carry no signal.
func (s *Service) updateReliability(cands []Candidate, bySource map[string]*Source, resolvedVal any) {
	if len(cands) < 2 {
		return
	}
	rv, numeric := toFloat(resolvedVal)
	for _, c := range cands {
		src := bySource[c.SourceID]
		if src == nil {
			continue
		}
		if numeric {
			cv, ok := toFloat(c.Value)
			if !ok {
				src.penalizeDeviation()
				continue
			}
			denom := math.Abs(rv)
			if denom < 1e-9 {
				denom = 1
			}
			if math.Abs(cv-rv)/denom > s.cfg.ConflictThreshold {
				src.penalizeDeviation()
			} else {
				src.rewardAgreement()
			}
			continue
		}
		if valueKey(c.Value) == valueKey(resolvedVal) {
			src.rewardAgreement()
		} else {
			src.penalizeDeviation()
		}
	}
}

// emit delivers to the bounded output, evicting the oldest point when full.
func (s *Service) emit(r Resolved) {
	for {
		select {
		case s.out <- r:
			return
		default:
		}
		select {
		case <-s.out:
			if ok, n := s.dropLog.Allow(); ok {
				s.logger.Warn().Int64("dropped", n).Msg("resolved queue full, dropping oldest")
			}
		default:
		}
	}
}

func (s *Service) healthLoop() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "aggregate-health")
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepSources(time.Now())
		}
	}
}

// sweepSources flips the active flag on silence, recomputes the composite
// quality score, and checks each source for performance drift.
func (s *Service) sweepSources(now time.Time) {
	var total, active int
	var relSum, upSum float64
	s.sources.Range(func(id string, src *Source) bool {
		total++
		wasActive := src.IsActive()
		isActive, rel := src.sweep(now, s.cfg.MaxDataAge, s.cfg.HealthInterval)
		if wasActive && !isActive {
			s.logger.Warn().Str("source", id).Msg("source marked inactive, silent past max data age")
		}
		if isActive {
			active++
		}
		relSum += rel
		upSum += src.uptime(now)
		if baseline, drop, drifted := src.driftCheck(s.cfg.DriftThreshold); drifted {
			s.publishDrift(id, baseline, rel, drop)
		}
		return true
	})
	if total == 0 {
		return
	}
	quality := (relSum / float64(total)) * (upSum / float64(total)) * (float64(active) / float64(total))
	monitoring.AggregateActiveSources.Set(float64(active))
	monitoring.AggregateDataQuality.Set(quality)
	s.mu.Lock()
	s.quality = quality
	s.mu.Unlock()
}

func (s *Service) publishDrift(sourceID string, baseline, current, drop float64) {
	s.logger.Warn().
		Str("source", sourceID).
		Float64("baseline", baseline).
		Float64("current", current).
		Float64("drop", drop).
		Msg("source performance drift")
	if s.cfg.Publisher == nil {
		return
	}
	ev, err := bus.NewEvent("performance_drift", s.cfg.RaceID, sourceID, DriftEvent{
		SourceID:  sourceID,
		Baseline:  baseline,
		Current:   current,
		Drop:      drop,
		Threshold: s.cfg.DriftThreshold,
	})
	if err != nil {
		return
	}
	if err := s.cfg.Publisher.Publish(bus.TopicModelTriggers, ev); err != nil {
		s.logger.Warn().Err(err).Msg("publish drift event failed")
	}
}
