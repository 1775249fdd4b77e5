// Package tracker holds the authoritative per-rider race picture and
// derives rider groups, time gaps, and the overall race state from it on
// a fixed cadence.
package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/vardaan112/PelotonIQ-sub000/internal/bus"
	"github.com/vardaan112/PelotonIQ-sub000/internal/monitoring"
	"github.com/vardaan112/PelotonIQ-sub000/internal/store"
)

var (
	ErrMissingRiderID   = errors.New("tracker: missing rider id")
	ErrMissingTimestamp = errors.New("tracker: missing timestamp")
	ErrClockSkew        = errors.New("tracker: timestamp too far from now")
	ErrPositionRange    = errors.New("tracker: race position out of range")
	ErrGPSRange         = errors.New("tracker: gps coordinates out of range")
	ErrSpeedRange       = errors.New("tracker: speed out of range")
	ErrStalePosition    = errors.New("tracker: older than stored position")
)

const (
	maxClockSkew    = time.Hour
	minRacePosition = 1
	maxRacePosition = 300
	// maxRiderSpeedMS is 100 km/h, above any plausible descent.
	maxRiderSpeedMS = 27.78
)

// Publisher is the slice of the event bus the tracker publishes to.
type Publisher interface {
	Publish(topic string, ev bus.Event) error
}

// Snapshot is the output of one tick, handed to the tactical detector.
type Snapshot struct {
	Positions []RiderPosition
	Groups    []Group
	Gaps      []RiderGap
	State     RaceState
	Timestamp time.Time
}

// PositionsSnapshot is the wire payload published on the positions topic.
type PositionsSnapshot struct {
	RaceID    string          `json:"raceId"`
	Positions []RiderPosition `json:"positions"`
	Groups    []Group         `json:"groups"`
	Timestamp time.Time       `json:"timestamp"`
}

// GapsSnapshot is the wire payload published on the gaps topic.
type GapsSnapshot struct {
	RaceID    string     `json:"raceId"`
	Gaps      []RiderGap `json:"gaps"`
	Timestamp time.Time  `json:"timestamp"`
}

// Config wires the tracker. Publisher, Store, and OnSnapshot are optional;
// a nil Store skips persistence and OnSnapshot must return quickly since
// it runs on the tick goroutine.
type Config struct {
	RaceID                 string
	UpdateInterval         time.Duration
	PositionTimeout        time.Duration
	GroupDistanceThreshold float64
	GroupTimeThreshold     time.Duration
	MaxInterpolationTime   time.Duration
	RouteLengthKM          float64
	Publisher              Publisher
	Store                  *store.Store
	OnSnapshot             func(Snapshot)
}

func (c Config) withDefaults() Config {
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = time.Second
	}
	if c.PositionTimeout <= 0 {
		c.PositionTimeout = 30 * time.Second
	}
	if c.GroupDistanceThreshold <= 0 {
		c.GroupDistanceThreshold = 50
	}
	if c.GroupTimeThreshold <= 0 {
		c.GroupTimeThreshold = 3 * time.Second
	}
	if c.MaxInterpolationTime <= 0 {
		c.MaxInterpolationTime = 10 * time.Second
	}
	return c
}

// Tracker ingests validated rider positions and recomputes the derived
// race picture every UpdateInterval.
type Tracker struct {
	cfg    Config
	logger zerolog.Logger

	riders *xsync.MapOf[string, *riderState]
	seen   atomic.Int64

	mu     sync.Mutex
	groups []Group
	gaps   []RiderGap
	state  RaceState

	dropLog *monitoring.DropSampler
	ioLog   *monitoring.DropSampler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, logger zerolog.Logger) *Tracker {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		cfg:    cfg,
		logger: logger.With().Str("component", "tracker").Logger(),
		riders: xsync.NewMapOf[string, *riderState](),
		state: RaceState{
			RaceID:    cfg.RaceID,
			Status:    StatusNotStarted,
			Situation: SituationStable,
			Timestamp: time.Now(),
		},
		dropLog: monitoring.NewDropSampler(100),
		ioLog:   monitoring.NewDropSampler(50),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ApplyPosition validates p and stores it if it is newer than the rider's
// current position. Discards are counted by reason and reported as a
// sentinel error.
func (t *Tracker) ApplyPosition(p RiderPosition) error {
	if err := validate(p, time.Now()); err != nil {
		monitoring.TrackerPositionsDiscarded.WithLabelValues(discardReason(err)).Inc()
		if ok, skipped := t.dropLog.Allow(); ok {
			t.logger.Debug().
				Err(err).
				Str("rider", p.RiderID).
				Int64("skipped", skipped).
				Msg("position discarded")
		}
		return err
	}

	rs, loaded := t.riders.LoadOrStore(p.RiderID, &riderState{})
	if !loaded {
		t.seen.Add(1)
		t.mu.Lock()
		if t.state.Status == StatusNotStarted {
			t.state.Status = StatusRacing
		}
		t.mu.Unlock()
	}
	if !rs.apply(p) {
		monitoring.TrackerPositionsDiscarded.WithLabelValues("stale").Inc()
		return ErrStalePosition
	}
	monitoring.TrackerPositionsApplied.Inc()
	return nil
}

func validate(p RiderPosition, now time.Time) error {
	if p.RiderID == "" {
		return ErrMissingRiderID
	}
	if p.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	skew := now.Sub(p.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxClockSkew {
		return ErrClockSkew
	}
	if p.Position != 0 && (p.Position < minRacePosition || p.Position > maxRacePosition) {
		return ErrPositionRange
	}
	if p.hasGPS() {
		if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
			return ErrGPSRange
		}
	}
	if p.Speed < 0 || p.Speed > maxRiderSpeedMS {
		return ErrSpeedRange
	}
	return nil
}

func discardReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingRiderID):
		return "missing_rider"
	case errors.Is(err, ErrMissingTimestamp):
		return "missing_timestamp"
	case errors.Is(err, ErrClockSkew):
		return "clock_skew"
	case errors.Is(err, ErrPositionRange):
		return "position_range"
	case errors.Is(err, ErrGPSRange):
		return "gps_range"
	case errors.Is(err, ErrSpeedRange):
		return "speed_range"
	case errors.Is(err, ErrStalePosition):
		return "stale"
	default:
		return "invalid"
	}
}

// Rider returns the rider's current best view, interpolated or real.
func (t *Tracker) Rider(id string) (RiderPosition, bool) {
	rs, ok := t.riders.Load(id)
	if !ok {
		return RiderPosition{}, false
	}
	return rs.current(), true
}

// AllPositions returns every live rider's current view sorted by race
// position, unknown positions last.
func (t *Tracker) AllPositions() []RiderPosition {
	var out []RiderPosition
	t.riders.Range(func(_ string, rs *riderState) bool {
		out = append(out, rs.current())
		return true
	})
	sortByRaceOrder(out)
	return out
}

// RiderHistory returns up to limit ground-truth positions for the rider
// in chronological order. limit <= 0 returns the whole ring.
func (t *Tracker) RiderHistory(id string, limit int) []RiderPosition {
	rs, ok := t.riders.Load(id)
	if !ok {
		return nil
	}
	return rs.tail(limit)
}

// Groups returns the group list from the last completed tick.
func (t *Tracker) Groups() []Group {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Group, len(t.groups))
	copy(out, t.groups)
	return out
}

// RaceGaps returns the rider gap table from the last completed tick.
func (t *Tracker) RaceGaps() []RiderGap {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RiderGap, len(t.gaps))
	copy(out, t.gaps)
	return out
}

// RaceState returns the race summary from the last completed tick.
func (t *Tracker) RaceState() RaceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetStatus overrides the administrative race phase, for neutralizations
// and the finish.
func (t *Tracker) SetStatus(s RaceStatus) {
	t.mu.Lock()
	t.state.Status = s
	t.mu.Unlock()
	t.logger.Info().Str("status", string(s)).Msg("race status set")
}

// Start launches the tick loop.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer monitoring.RecoverPanic(t.logger, "tracker-loop")
		ticker := time.NewTicker(t.cfg.UpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.ctx.Done():
				return
			case now := <-ticker.C:
				t.tick(now)
			}
		}
	}()
}

// Close stops the tick loop and waits for it to drain.
func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
}

// tick recomputes the derived race picture: prune silent riders, refresh
// views with interpolation, partition groups, compute gaps, derive the
// race state, then persist and publish.
func (t *Tracker) tick(now time.Time) {
	var positions []RiderPosition
	t.riders.Range(func(id string, rs *riderState) bool {
		if rs.staleFor(now) > t.cfg.PositionTimeout {
			t.riders.Delete(id)
			t.logger.Debug().Str("rider", id).Msg("rider pruned")
			return true
		}
		p, interpolated := rs.view(now, t.cfg.MaxInterpolationTime)
		if interpolated {
			monitoring.TrackerInterpolations.Inc()
		}
		positions = append(positions, p)
		return true
	})
	sortByRaceOrder(positions)

	groups := buildGroups(positions, t.cfg.GroupTimeThreshold, t.cfg.GroupDistanceThreshold)

	byRider := make(map[string]string, len(positions))
	for _, g := range groups {
		for _, id := range g.Riders {
			byRider[id] = g.ID
		}
	}
	for i := range positions {
		gid := byRider[positions[i].RiderID]
		positions[i].GroupID = gid
		if rs, ok := t.riders.Load(positions[i].RiderID); ok {
			rs.setGroup(gid)
		}
	}

	gaps := buildRiderGaps(positions)
	state := t.buildState(positions, groups, now)

	t.mu.Lock()
	t.groups = groups
	t.gaps = gaps
	t.state = state
	t.mu.Unlock()

	monitoring.TrackerActiveRiders.Set(float64(len(positions)))
	monitoring.TrackerGroups.Set(float64(len(groups)))

	t.persist(positions)
	t.publish(positions, groups, gaps, state, now)

	if t.cfg.OnSnapshot != nil {
		t.cfg.OnSnapshot(Snapshot{
			Positions: positions,
			Groups:    groups,
			Gaps:      gaps,
			State:     state,
			Timestamp: now,
		})
	}
}

func (t *Tracker) buildState(positions []RiderPosition, groups []Group, now time.Time) RaceState {
	t.mu.Lock()
	status := t.state.Status
	t.mu.Unlock()

	state := RaceState{
		RaceID:       t.cfg.RaceID,
		Status:       status,
		Situation:    t.deriveSituation(positions, groups, now),
		TotalRiders:  int(t.seen.Load()),
		ActiveRiders: len(positions),
		GroupCount:   len(groups),
		Timestamp:    now,
	}
	if len(groups) > 0 {
		state.LeadingGroupID = groups[0].ID
	}

	var speedSum float64
	var speedN int
	for _, p := range positions {
		if p.Speed > 0 {
			speedSum += p.Speed
			speedN++
		}
		if p.DistanceFromStart/1000 > state.KilometersCovered {
			state.KilometersCovered = p.DistanceFromStart / 1000
		}
	}
	if speedN > 0 {
		state.AverageSpeed = speedSum / float64(speedN)
	}
	if t.cfg.RouteLengthKM > 0 && t.cfg.RouteLengthKM > state.KilometersCovered {
		state.KilometersRemaining = t.cfg.RouteLengthKM - state.KilometersCovered
	}
	return state
}

// persist writes each rider's ground truth accepted since the last tick.
func (t *Tracker) persist(positions []RiderPosition) {
	if t.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(t.ctx, 3*time.Second)
	defer cancel()
	for _, p := range positions {
		rs, ok := t.riders.Load(p.RiderID)
		if !ok {
			continue
		}
		real, dirty := rs.takeDirty()
		if !dirty {
			continue
		}
		if err := t.cfg.Store.SavePosition(ctx, real.RiderID, real.Timestamp, real); err != nil {
			if ok, skipped := t.ioLog.Allow(); ok {
				t.logger.Warn().
					Err(err).
					Str("rider", real.RiderID).
					Int64("skipped", skipped).
					Msg("position persist failed")
			}
		}
	}
}

func (t *Tracker) publish(positions []RiderPosition, groups []Group, gaps []RiderGap, state RaceState, now time.Time) {
	if t.cfg.Publisher == nil {
		return
	}
	t.publishEvent("positions_snapshot", bus.TopicPositions, PositionsSnapshot{
		RaceID:    t.cfg.RaceID,
		Positions: positions,
		Groups:    groups,
		Timestamp: now,
	})
	t.publishEvent("gaps_update", bus.TopicGaps, GapsSnapshot{
		RaceID:    t.cfg.RaceID,
		Gaps:      gaps,
		Timestamp: now,
	})
	t.publishEvent("race_state", bus.TopicRaceStatus, state)
}

func (t *Tracker) publishEvent(eventType, topic string, payload any) {
	ev, err := bus.NewEvent(eventType, t.cfg.RaceID, "tracker", payload)
	if err == nil {
		err = t.cfg.Publisher.Publish(topic, ev)
	}
	if err != nil {
		if ok, skipped := t.ioLog.Allow(); ok {
			t.logger.Warn().
				Err(err).
				Str("topic", topic).
				Int64("skipped", skipped).
				Msg("snapshot publish failed")
		}
	}
}

