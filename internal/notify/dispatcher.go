// Package notify routes categorized notifications to dashboard
// subscriptions. Each subscription filters by category, priority, and
// race/rider/team allow-lists, caps deliveries per minute, and declares
// how it wants to be reached: the WebSocket alerts topic, a server-sent
// event stream, or a webhook.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/vardaan112/PelotonIQ-sub000/internal/bus"
	"github.com/vardaan112/PelotonIQ-sub000/internal/limits"
	"github.com/vardaan112/PelotonIQ-sub000/internal/monitoring"
	"github.com/vardaan112/PelotonIQ-sub000/internal/tactics"
)

// Priority orders notifications; subscriptions set a floor.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Channel selects how a subscription receives deliveries.
type Channel string

const (
	ChannelFanout  Channel = "fanout"
	ChannelSSE     Channel = "sse"
	ChannelWebhook Channel = "webhook"
)

// Well-known notification categories. The category set is open; these are
// the ones the pipeline itself produces.
const (
	CategoryTactical = "tactical"
	CategoryWeather  = "weather"
	CategorySystem   = "system"
	CategoryRace     = "race"
)

// DisplayHints are pass-through rendering hints for dashboards.
type DisplayHints struct {
	Icon   string `json:"icon,omitempty"`
	Color  string `json:"color,omitempty"`
	Sticky bool   `json:"sticky,omitempty"`
}

// DeliveryStats summarizes one notification's dispatch.
type DeliveryStats struct {
	Recipients   int     `json:"recipients"`
	Successes    int     `json:"successes"`
	Failures     int     `json:"failures"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

// Notification is one routed message. Race, rider, and team context are
// optional; ExpiresAt bounds how long the dispatcher retains it.
type Notification struct {
	ID        string         `json:"id"`
	Category  string         `json:"category"`
	Priority  Priority       `json:"priority"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	RaceID    string         `json:"raceId,omitempty"`
	RiderID   string         `json:"riderId,omitempty"`
	TeamID    string         `json:"teamId,omitempty"`
	Display   DisplayHints   `json:"display,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
	Delivery  *DeliveryStats `json:"delivery,omitempty"`
}

// Subscription is one dashboard's standing filter. The dispatcher owns
// every field after Subscribe; mutations go through its operations.
type Subscription struct {
	ID           string    `json:"id"`
	Categories   []string  `json:"categories"`
	MinPriority  Priority  `json:"minPriority"`
	Races        []string  `json:"races,omitempty"`
	Riders       []string  `json:"riders,omitempty"`
	Teams        []string  `json:"teams,omitempty"`
	MaxPerMinute int       `json:"maxPerMinute"`
	Channel      Channel   `json:"channel"`
	WebhookURL   string    `json:"webhookUrl,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`

	lastSeen    time.Time
	windowStart time.Time
	windowCount int
	stream      chan []byte // sse consumer, nil when none attached
}

// matches applies the target predicate and charges the per-minute budget
// when it passes. The returned reason names the first failing filter.
func (s *Subscription) matches(n *Notification, now time.Time) (bool, string) {
	if !s.Active {
		return false, "inactive"
	}
	if !slices.Contains(s.Categories, n.Category) {
		return false, "category"
	}
	if n.Priority < s.MinPriority {
		return false, "priority"
	}
	if !allowlisted(s.Races, n.RaceID) || !allowlisted(s.Riders, n.RiderID) || !allowlisted(s.Teams, n.TeamID) {
		return false, "allowlist"
	}
	if !s.allowDelivery(now) {
		return false, "rate_limited"
	}
	return true, ""
}

// allowlisted treats an empty list as match-all; a non-empty list requires
// the notification to carry a matching value.
func allowlisted(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	return value != "" && slices.Contains(list, value)
}

func (s *Subscription) allowDelivery(now time.Time) bool {
	if s.MaxPerMinute <= 0 {
		return true
	}
	if now.Sub(s.windowStart) >= time.Minute {
		s.windowStart = now
		s.windowCount = 0
	}
	if s.windowCount >= s.MaxPerMinute {
		return false
	}
	s.windowCount++
	return true
}

type Config struct {
	MaxIdleTime      time.Duration // evict subscriptions idle this long
	CleanupSchedule  string        // cron spec for the sweep
	DefaultRetention time.Duration // ExpiresAt when the sender sets none
	WebhookTimeout   time.Duration
	SSEBuffer        int

	Broadcaster Broadcaster
	Guard       *limits.ResourceGuard
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxIdleTime <= 0 {
		out.MaxIdleTime = 30 * time.Minute
	}
	if out.CleanupSchedule == "" {
		out.CleanupSchedule = "@every 1m"
	}
	if out.DefaultRetention <= 0 {
		out.DefaultRetention = time.Hour
	}
	if out.WebhookTimeout <= 0 {
		out.WebhookTimeout = 5 * time.Second
	}
	if out.SSEBuffer <= 0 {
		out.SSEBuffer = 16
	}
	return out
}

type dispatcherCounters struct {
	sent      atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	filtered  atomic.Int64
}

// Stats is the dispatcher's counter snapshot.
type Stats struct {
	ActiveSubscriptions int   `json:"activeSubscriptions"`
	StoredNotifications int   `json:"storedNotifications"`
	Sent                int64 `json:"sent"`
	Delivered           int64 `json:"delivered"`
	Failed              int64 `json:"failed"`
	Filtered            int64 `json:"filtered"`
}

// Dispatcher owns the subscription registry and the notification store.
// Target selection runs under one lock; deliveries run outside it, one
// goroutine per recipient.
type Dispatcher struct {
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	subs  map[string]*Subscription
	store map[string]*Notification

	webhook  *webhookSender
	counters dispatcherCounters

	cron  *cron.Cron
	group *bus.ConsumerGroup
}

func New(cfg Config, logger zerolog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:    cfg,
		logger: logger.With().Str("component", "notify").Logger(),
		subs:   make(map[string]*Subscription),
		store:  make(map[string]*Notification),
		cron:   cron.New(),
	}
	d.webhook = newWebhookSender(cfg.WebhookTimeout, cfg.Guard, d.logger)
	if _, err := d.cron.AddFunc(cfg.CleanupSchedule, d.cleanup); err != nil {
		d.logger.Warn().Err(err).Str("schedule", cfg.CleanupSchedule).Msg("invalid cleanup schedule")
	}
	return d
}

// Subscribe registers a dashboard. A zero ID gets a generated one; the
// channel defaults to fanout and the priority floor to low.
func (d *Dispatcher) Subscribe(sub Subscription) (*Subscription, error) {
	if len(sub.Categories) == 0 {
		return nil, errors.New("notify: subscription needs at least one category")
	}
	if sub.Channel == "" {
		sub.Channel = ChannelFanout
	}
	switch sub.Channel {
	case ChannelFanout, ChannelSSE:
	case ChannelWebhook:
		if sub.WebhookURL == "" {
			return nil, errors.New("notify: webhook subscription needs a URL")
		}
	default:
		return nil, fmt.Errorf("notify: unknown channel %q", sub.Channel)
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.MinPriority == 0 {
		sub.MinPriority = PriorityLow
	}
	now := time.Now()
	sub.Active = true
	sub.CreatedAt = now
	sub.lastSeen = now

	d.mu.Lock()
	if prior, ok := d.subs[sub.ID]; ok && prior.stream != nil {
		close(prior.stream)
	}
	stored := sub
	d.subs[sub.ID] = &stored
	d.mu.Unlock()

	d.logger.Info().
		Str("subscription_id", stored.ID).
		Strs("categories", stored.Categories).
		Str("channel", string(stored.Channel)).
		Msg("Subscription registered")
	return &stored, nil
}

// Unsubscribe removes a dashboard and closes any attached stream.
func (d *Dispatcher) Unsubscribe(id string) bool {
	d.mu.Lock()
	sub, ok := d.subs[id]
	if ok {
		if sub.stream != nil {
			close(sub.stream)
			sub.stream = nil
		}
		delete(d.subs, id)
	}
	d.mu.Unlock()
	if ok {
		d.logger.Info().Str("subscription_id", id).Msg("Subscription removed")
	}
	return ok
}

// SetActive pauses or resumes a subscription without losing its filters.
func (d *Dispatcher) SetActive(id string, active bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subs[id]
	if !ok {
		return false
	}
	sub.Active = active
	return true
}

// Send stores the notification, computes its target set, and dispatches
// through each target's channel. Delivery statistics are attached to the
// returned notification.
func (d *Dispatcher) Send(ctx context.Context, n Notification) (*Notification, error) {
	if n.Category == "" {
		return nil, errors.New("notify: category is required")
	}
	if n.Priority == 0 {
		n.Priority = PriorityNormal
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.ExpiresAt.IsZero() {
		n.ExpiresAt = now.Add(d.cfg.DefaultRetention)
	}

	d.mu.Lock()
	targets := make([]*Subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		ok, reason := sub.matches(&n, now)
		if !ok {
			d.counters.filtered.Add(1)
			monitoring.NotifyFiltered.WithLabelValues(reason).Inc()
			continue
		}
		sub.lastSeen = now
		targets = append(targets, sub)
	}
	stored := &n
	d.store[n.ID] = stored
	d.mu.Unlock()

	d.counters.sent.Add(1)
	stats := DeliveryStats{Recipients: len(targets)}

	if len(targets) > 0 {
		var (
			wg           sync.WaitGroup
			statsMu      sync.Mutex
			totalLatency time.Duration
		)
		for _, sub := range targets {
			wg.Add(1)
			go func(sub *Subscription) {
				defer wg.Done()
				start := time.Now()
				err := d.deliver(ctx, sub, stored)
				elapsed := time.Since(start)

				statsMu.Lock()
				defer statsMu.Unlock()
				if err != nil {
					stats.Failures++
					d.counters.failed.Add(1)
					monitoring.NotifyFailed.WithLabelValues(string(sub.Channel)).Inc()
					d.logger.Warn().
						Err(err).
						Str("notification_id", stored.ID).
						Str("subscription_id", sub.ID).
						Str("channel", string(sub.Channel)).
						Msg("Delivery failed")
					return
				}
				stats.Successes++
				totalLatency += elapsed
				d.counters.delivered.Add(1)
				monitoring.NotifySent.WithLabelValues(string(sub.Channel)).Inc()
			}(sub)
		}
		wg.Wait()
		if stats.Successes > 0 {
			stats.AvgLatencyMs = float64(totalLatency.Microseconds()) / float64(stats.Successes) / 1000
		}
	}

	d.mu.Lock()
	stored.Delivery = &stats
	d.mu.Unlock()

	d.logger.Debug().
		Str("notification_id", stored.ID).
		Str("category", stored.Category).
		Int("recipients", stats.Recipients).
		Int("failures", stats.Failures).
		Msg("Notification dispatched")
	return stored, nil
}

// Lookup returns a copy of a stored notification.
func (d *Dispatcher) Lookup(id string) (Notification, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.store[id]
	if !ok {
		return Notification{}, false
	}
	return *n, true
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	active := 0
	for _, sub := range d.subs {
		if sub.Active {
			active++
		}
	}
	storedCount := len(d.store)
	d.mu.Unlock()

	return Stats{
		ActiveSubscriptions: active,
		StoredNotifications: storedCount,
		Sent:                d.counters.sent.Load(),
		Delivered:           d.counters.delivered.Load(),
		Failed:              d.counters.failed.Load(),
		Filtered:            d.counters.filtered.Load(),
	}
}

// ConsumeTactical bridges high-severity tactical events into alerts.
func (d *Dispatcher) ConsumeTactical(b *bus.Bus) error {
	group, err := b.Subscribe("notify:tactical", []string{bus.TopicTacticalEvents},
		bus.HandlerMap{"*": d.handleTactical})
	if err != nil {
		return err
	}
	d.group = group
	return nil
}

func (d *Dispatcher) handleTactical(ctx context.Context, ev bus.Event) error {
	var evt struct {
		ID         string           `json:"id"`
		Type       string           `json:"type"`
		Severity   tactics.Severity `json:"severity"`
		Confidence float64          `json:"confidence"`
		Riders     []string         `json:"involvedRiders"`
	}
	if err := json.Unmarshal(ev.Payload, &evt); err != nil {
		return fmt.Errorf("notify: decode tactical event: %w", err)
	}
	if evt.Severity != tactics.SeverityHigh && evt.Severity != tactics.SeverityCritical {
		return nil
	}

	priority := PriorityHigh
	if evt.Severity == tactics.SeverityCritical {
		priority = PriorityCritical
	}
	_, err := d.Send(ctx, Notification{
		Category: CategoryTactical,
		Priority: priority,
		Title:    "Tactical event: " + evt.Type,
		Body: fmt.Sprintf("%s detected with %.0f%% confidence, %d riders involved",
			evt.Type, evt.Confidence*100, len(evt.Riders)),
		RaceID: ev.RaceID,
		Display: DisplayHints{
			Icon:   "alert",
			Sticky: evt.Severity == tactics.SeverityCritical,
		},
	})
	return err
}

// cleanup drops expired notifications and idle subscriptions. Runs on the
// cron schedule.
func (d *Dispatcher) cleanup() {
	now := time.Now()
	expired, idle := 0, 0

	d.mu.Lock()
	for id, n := range d.store {
		if now.After(n.ExpiresAt) {
			delete(d.store, id)
			expired++
		}
	}
	for id, sub := range d.subs {
		if now.Sub(sub.lastSeen) > d.cfg.MaxIdleTime {
			if sub.stream != nil {
				close(sub.stream)
				sub.stream = nil
			}
			delete(d.subs, id)
			idle++
		}
	}
	d.mu.Unlock()

	if expired > 0 || idle > 0 {
		d.logger.Info().
			Int("expired_notifications", expired).
			Int("idle_subscriptions", idle).
			Msg("Cleanup pass")
	}
}

func (d *Dispatcher) Start() {
	d.cron.Start()
	d.logger.Info().Str("cleanup_schedule", d.cfg.CleanupSchedule).Msg("Dispatcher started")
}

func (d *Dispatcher) Close() {
	d.cron.Stop()
	if d.group != nil {
		d.group.Close(time.Second)
	}
	d.mu.Lock()
	for _, sub := range d.subs {
		if sub.stream != nil {
			close(sub.stream)
			sub.stream = nil
		}
	}
	d.mu.Unlock()
	d.logger.Info().Msg("Dispatcher stopped")
}
