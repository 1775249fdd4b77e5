package tactics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/vardaan112/PelotonIQ-sub000/internal/bus"
	"github.com/vardaan112/PelotonIQ-sub000/internal/monitoring"
	"github.com/vardaan112/PelotonIQ-sub000/internal/store"
	"github.com/vardaan112/PelotonIQ-sub000/internal/tracker"
)

var (
	ErrUnknownEvent = errors.New("tactics: unknown event")
	ErrBadStatus    = errors.New("tactics: invalid verification status")
)

// historyTail is how much per-rider history one detection cycle reads.
const historyTail = 50

// Publisher is the slice of the event bus the detector publishes to.
type Publisher interface {
	Publish(topic string, ev bus.Event) error
}

// Config wires the detector. History and Groups read the position
// tracker's state; both may be nil, which disables the fields that need
// them. Publisher and Store are optional as well.
type Config struct {
	RaceID              string
	DetectionInterval   time.Duration
	ConfidenceThreshold float64
	EventRetention      time.Duration
	RouteLengthKM       float64
	SweepSchedule       string
	Publisher           Publisher
	Store               *store.Store
	History             func(riderID string, limit int) []tracker.RiderPosition
	Groups              func() []tracker.Group
}

func (c Config) withDefaults() Config {
	if c.DetectionInterval <= 0 {
		c.DetectionInterval = 2 * time.Second
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.6
	}
	if c.EventRetention <= 0 {
		c.EventRetention = 24 * time.Hour
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 1m"
	}
	return c
}

// Detector runs the detection cycle over the latest position batch and
// group list, and owns the live tactical event set.
type Detector struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	patterns map[string]Pattern
	events   map[string]*TacticalEvent
	batch    []tracker.RiderPosition
	state    tracker.RaceState
	rules    []correlationRule

	// tracks is touched only by the detection cycle.
	tracks map[string]*groupTrack

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, logger zerolog.Logger) *Detector {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Detector{
		cfg:      cfg,
		logger:   logger.With().Str("component", "tactics").Logger(),
		patterns: make(map[string]Pattern),
		events:   make(map[string]*TacticalEvent),
		tracks:   make(map[string]*groupTrack),
		rules:    defaultCorrelations(),
		cron:     cron.New(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, p := range defaultPatterns() {
		d.patterns[p.Name] = p
	}
	if _, err := d.cron.AddFunc(cfg.SweepSchedule, d.sweep); err != nil {
		d.logger.Warn().Err(err).Str("schedule", cfg.SweepSchedule).Msg("invalid sweep schedule")
	}
	return d
}

// OnPositionBatch replaces the batch the next cycle evaluates.
func (d *Detector) OnPositionBatch(batch []tracker.RiderPosition) {
	cp := make([]tracker.RiderPosition, len(batch))
	copy(cp, batch)
	d.mu.Lock()
	d.batch = cp
	d.mu.Unlock()
}

// OnRaceState replaces the race state the next cycle evaluates.
func (d *Detector) OnRaceState(state tracker.RaceState) {
	d.mu.Lock()
	d.state = state
	d.mu.Unlock()
}

// AddPattern registers or replaces a detection pattern under name.
func (d *Detector) AddPattern(name string, p Pattern) error {
	p.Name = name
	if err := p.validate(); err != nil {
		return fmt.Errorf("pattern %q: %w", name, err)
	}
	d.mu.Lock()
	d.patterns[name] = p
	d.mu.Unlock()
	d.logger.Info().Str("pattern", name).Str("scope", string(p.Scope)).Msg("pattern registered")
	return nil
}

// Verify sets an event's manual review status.
func (d *Detector) Verify(eventID string, status VerificationStatus) error {
	switch status {
	case VerificationUnverified, VerificationPending, VerificationVerified, VerificationFalsePositive:
	default:
		return fmt.Errorf("%w: %q", ErrBadStatus, status)
	}

	d.mu.Lock()
	e, ok := d.events[eventID]
	if !ok {
		d.mu.Unlock()
		return ErrUnknownEvent
	}
	e.Verification = status
	e.UpdatedAt = time.Now()
	cp := cloneEvent(e)
	d.mu.Unlock()

	d.persist(cp)
	d.logger.Info().Str("event", eventID).Str("status", string(status)).Msg("verification updated")
	return nil
}

// Active returns live events newest first, excluding false positives.
func (d *Detector) Active() []TacticalEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TacticalEvent, 0, len(d.events))
	for _, e := range d.events {
		if e.Verification == VerificationFalsePositive {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	sortEventsByTime(out)
	return out
}

// ByType returns up to limit events of one type, newest first.
func (d *Detector) ByType(eventType string, limit int) []TacticalEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []TacticalEvent
	for _, e := range d.events {
		if e.Type != eventType || e.Verification == VerificationFalsePositive {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	sortEventsByTime(out)
	return clip(out, limit)
}

// ByRider returns up to limit events involving the rider, newest first.
func (d *Detector) ByRider(riderID string, limit int) []TacticalEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []TacticalEvent
	for _, e := range d.events {
		if e.Verification == VerificationFalsePositive || !e.involves(riderID) {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	sortEventsByTime(out)
	return clip(out, limit)
}

// Start launches the detection loop and the retention sweep.
func (d *Detector) Start() {
	d.cron.Start()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer monitoring.RecoverPanic(d.logger, "tactics-detect")
		ticker := time.NewTicker(d.cfg.DetectionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.ctx.Done():
				return
			case now := <-ticker.C:
				d.detect(now)
			}
		}
	}()
}

// Close stops the loop and the sweep scheduler.
func (d *Detector) Close() {
	d.cancel()
	d.wg.Wait()
	d.cron.Stop()
}

// detect runs one cycle: evaluate every pattern against every subject,
// admit matches through dedup/merge, correlate the newcomers, publish and
// persist.
func (d *Detector) detect(now time.Time) {
	d.mu.Lock()
	batch := make([]tracker.RiderPosition, len(d.batch))
	copy(batch, d.batch)
	state := d.state
	patterns := make([]Pattern, 0, len(d.patterns))
	for _, p := range d.patterns {
		patterns = append(patterns, p)
	}
	d.mu.Unlock()

	var groups []tracker.Group
	if d.cfg.Groups != nil {
		groups = d.cfg.Groups()
	}
	members := make(map[string][]tracker.RiderPosition)
	for _, p := range batch {
		if p.GroupID != "" {
			members[p.GroupID] = append(members[p.GroupID], p)
		}
	}
	d.updateTracks(groups, now)

	var candidates []*TacticalEvent
	for _, p := range batch {
		subj := &riderSubject{now: now, current: p, gapToGroup: riderGap(p, groups)}
		if d.cfg.History != nil {
			subj.history = d.cfg.History(p.RiderID, historyTail)
		}
		for _, pat := range patterns {
			if pat.Scope != ScopeRider {
				continue
			}
			conf, matched, ok := pat.match(subj.field)
			if !ok || conf < d.cfg.ConfidenceThreshold {
				continue
			}
			candidates = append(candidates, riderCandidate(pat, p, conf, matched, now))
		}
	}
	for _, g := range groups {
		subj := d.groupSubject(g, groups, members[g.ID], state, now)
		for _, pat := range patterns {
			if pat.Scope != ScopeGroup {
				continue
			}
			conf, matched, ok := pat.match(subj.field)
			if !ok || conf < d.cfg.ConfidenceThreshold {
				continue
			}
			candidates = append(candidates, groupCandidate(pat, g, subj, conf, matched, now))
		}
	}

	var fresh []*TacticalEvent
	for _, c := range candidates {
		ev, merged := d.admit(c)
		if !merged {
			fresh = append(fresh, ev)
		}
		d.mu.Lock()
		cp := cloneEvent(ev)
		d.mu.Unlock()
		d.publish(cp)
		d.persist(cp)
	}
	d.correlate(fresh)

	d.mu.Lock()
	monitoring.TacticsActiveEvents.Set(float64(len(d.events)))
	d.mu.Unlock()
}

func (d *Detector) updateTracks(groups []tracker.Group, now time.Time) {
	for _, g := range groups {
		if len(g.Riders) == 0 {
			continue
		}
		// The front rider anchors the series across regrouped ids.
		key := g.Riders[0]
		tr := d.tracks[key]
		if tr == nil {
			tr = &groupTrack{}
			d.tracks[key] = tr
		}
		gap, have := gapToPeloton(g, groups)
		tr.observe(now, gap, have, g.AvgSpeed)
	}
	for key, tr := range d.tracks {
		if now.Sub(tr.lastSeen) > trackHorizon {
			delete(d.tracks, key)
		}
	}
}

func (d *Detector) groupSubject(g tracker.Group, groups []tracker.Group, members []tracker.RiderPosition, state tracker.RaceState, now time.Time) *groupSubject {
	subj := &groupSubject{
		now:              now,
		group:            g,
		track:            &groupTrack{},
		compactness:      -1,
		gapToPeloton:     -1,
		distanceToFinish: -1,
	}
	if len(g.Riders) > 0 {
		if tr := d.tracks[g.Riders[0]]; tr != nil {
			subj.track = tr
		}
	}
	if radius, lat, lon, ok := spread(members); ok {
		subj.compactness = radius
		subj.centroidLat = lat
		subj.centroidLon = lon
	}
	if gap, ok := gapToPeloton(g, groups); ok {
		subj.gapToPeloton = gap
	}
	subj.distanceToFinish = d.distanceToFinish(members, state)
	return subj
}

func (d *Detector) distanceToFinish(members []tracker.RiderPosition, state tracker.RaceState) float64 {
	if d.cfg.RouteLengthKM <= 0 {
		return -1
	}
	var covered float64
	for _, m := range members {
		if m.DistanceFromStart > covered {
			covered = m.DistanceFromStart
		}
	}
	if covered <= 0 {
		if state.KilometersCovered <= 0 {
			return -1
		}
		covered = state.KilometersCovered * 1000
	}
	rem := d.cfg.RouteLengthKM*1000 - covered
	if rem < 0 {
		rem = 0
	}
	return rem
}

// riderGap is the rider's group separation from its nearest neighbor
// group, in seconds. Negative when unknown.
func riderGap(p tracker.RiderPosition, groups []tracker.Group) float64 {
	for _, g := range groups {
		if g.ID != p.GroupID {
			continue
		}
		best := -1.0
		if g.GapToNext != nil {
			best = *g.GapToNext
		}
		if g.GapToPrevious != nil && (best < 0 || *g.GapToPrevious < best) {
			best = *g.GapToPrevious
		}
		return best
	}
	return -1
}

// gapToPeloton measures a group's separation from the peloton, falling
// back to the largest other group when none is typed peloton.
func gapToPeloton(g tracker.Group, groups []tracker.Group) (float64, bool) {
	var peloton *tracker.Group
	for i := range groups {
		og := &groups[i]
		if og.ID == g.ID {
			continue
		}
		if og.Type == tracker.GroupPeloton {
			peloton = og
			break
		}
		if peloton == nil || og.Size > peloton.Size {
			peloton = og
		}
	}
	if peloton == nil {
		return 0, false
	}
	if g.MaxTimeFromStart > 0 && peloton.MinTimeFromStart >= g.MaxTimeFromStart {
		return peloton.MinTimeFromStart - g.MaxTimeFromStart, true
	}
	if g.MinTimeFromStart > 0 && peloton.MaxTimeFromStart > 0 && g.MinTimeFromStart >= peloton.MaxTimeFromStart {
		return g.MinTimeFromStart - peloton.MaxTimeFromStart, true
	}
	return 0, false
}

func riderCandidate(pat Pattern, p tracker.RiderPosition, conf float64, matched []map[string]any, now time.Time) *TacticalEvent {
	return &TacticalEvent{
		Type:         pat.EventType,
		Severity:     pat.Severity,
		Confidence:   conf,
		Timestamp:    now,
		Latitude:     p.Latitude,
		Longitude:    p.Longitude,
		RaceDistance: p.DistanceFromStart,
		Riders:       []string{p.RiderID},
		TriggerData:  []map[string]any{{"pattern": pat.Name, "conditions": matched}},
	}
}

func groupCandidate(pat Pattern, g tracker.Group, subj *groupSubject, conf float64, matched []map[string]any, now time.Time) *TacticalEvent {
	ev := &TacticalEvent{
		Type:        pat.EventType,
		Severity:    pat.Severity,
		Confidence:  conf,
		Timestamp:   now,
		Riders:      append([]string(nil), g.Riders...),
		TriggerData: []map[string]any{{"pattern": pat.Name, "group": g.ID, "conditions": matched}},
	}
	if subj.compactness >= 0 {
		ev.Latitude = subj.centroidLat
		ev.Longitude = subj.centroidLon
	}
	if subj.distanceToFinish >= 0 {
		ev.RaceDistance = subj.distanceToFinish
	}
	return ev
}

func (d *Detector) publish(e TacticalEvent) {
	if d.cfg.Publisher == nil {
		return
	}
	ev, err := bus.NewEvent(e.Type, d.cfg.RaceID, "tactics", e)
	if err == nil {
		switch e.Severity {
		case SeverityCritical:
			ev.Priority = bus.PriorityCritical
		case SeverityHigh:
			ev.Priority = bus.PriorityHigh
		}
		err = d.cfg.Publisher.Publish(bus.TopicTacticalEvents, ev)
	}
	if err != nil {
		d.logger.Warn().Err(err).Str("type", e.Type).Msg("event publish failed")
	}
}

func (d *Detector) persist(e TacticalEvent) {
	if d.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, 2*time.Second)
	defer cancel()
	if err := d.cfg.Store.SaveTacticalEvent(ctx, e.ID, e.Timestamp, d.cfg.EventRetention, e); err != nil {
		d.logger.Warn().Err(err).Str("event", e.ID).Msg("event persist failed")
	}
}

// sweep drops events past retention and trims the store timelines.
func (d *Detector) sweep() {
	now := time.Now()
	horizon := now.Add(-d.cfg.EventRetention)

	removed := 0
	d.mu.Lock()
	for id, e := range d.events {
		ref := e.Timestamp
		if e.UpdatedAt.After(ref) {
			ref = e.UpdatedAt
		}
		if ref.Before(horizon) {
			delete(d.events, id)
			removed++
		}
	}
	active := len(d.events)
	d.mu.Unlock()

	monitoring.TacticsActiveEvents.Set(float64(active))
	if removed > 0 {
		d.logger.Debug().Int("removed", removed).Msg("expired events swept")
	}
	if d.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
		defer cancel()
		if err := d.cfg.Store.TrimTimelines(ctx, horizon); err != nil {
			d.logger.Warn().Err(err).Msg("timeline trim failed")
		}
	}
}

func cloneEvent(e *TacticalEvent) TacticalEvent {
	cp := *e
	cp.Riders = append([]string(nil), e.Riders...)
	cp.Tags = append([]string(nil), e.Tags...)
	cp.Links = append([]EventLink(nil), e.Links...)
	cp.TriggerData = append([]map[string]any(nil), e.TriggerData...)
	return cp
}

func sortEventsByTime(events []TacticalEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.After(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})
}

func clip(events []TacticalEvent, limit int) []TacticalEvent {
	if limit > 0 && len(events) > limit {
		return events[:limit]
	}
	return events
}
