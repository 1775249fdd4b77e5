// Package bus is the in-process event stream connecting the pipeline
// stages: topic-partitioned publish/subscribe with per-partition FIFO,
// consumer groups, batched delivery, bounded retries, and a dead-letter
// topic as the terminal sink for poison events.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/vardaan112/PelotonIQ-sub000/internal/monitoring"
)

var (
	// ErrQueueFull rejects a publish against a full partition; the caller
	// decides whether to retry, the bus never blocks a producer.
	ErrQueueFull = errors.New("bus: partition queue full")

	// ErrBusClosed rejects operations after Close.
	ErrBusClosed = errors.New("bus: closed")

	// ErrMovedToDLQ marks a delivery that exhausted its retries and was
	// captured on the dead-letter topic. Consumers treat it as an
	// acknowledged outcome and advance.
	ErrMovedToDLQ = errors.New("bus: moved to dead-letter topic")

	// ErrGroupExists rejects a duplicate consumer-group subscription.
	ErrGroupExists = errors.New("bus: consumer group already subscribed")
)

// Priority orders nothing inside the bus itself; it travels with the event
// for downstream delivery decisions.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Event is the unit of publication. Immutable once published: consumers
// must not mutate the payload slice or the metadata map.
type Event struct {
	ID           string            `json:"eventId"`
	Type         string            `json:"eventType"`
	PartitionKey string            `json:"partitionKey,omitempty"`
	RaceID       string            `json:"raceId,omitempty"`
	Source       string            `json:"source,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Priority     Priority          `json:"priority,omitempty"`
	Payload      json.RawMessage   `json:"payload"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// NewEvent fills the bookkeeping fields around a payload. The partition
// key convention is "<raceId>_<eventType>" so one race's stream of a given
// type stays strictly ordered.
func NewEvent(eventType, raceID, source string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Event{
		ID:           uuid.NewString(),
		Type:         eventType,
		PartitionKey: raceID + "_" + eventType,
		RaceID:       raceID,
		Source:       source,
		Timestamp:    time.Now(),
		Priority:     PriorityNormal,
		Payload:      data,
	}, nil
}

// Config sets the per-topic defaults; EnsureTopic can override partition
// count and retention per topic.
type Config struct {
	PartitionCount int
	QueueCapacity  int
	Retention      time.Duration
	DLQTopic       string

	// Consumer defaults, overridable per subscription.
	BatchSize      int
	BatchTimeout   time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration
	Concurrency    int
	HandlerTimeout time.Duration
}

// Bus owns the topic set and the consumer groups.
type Bus struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.RWMutex
	topics map[string]*topic
	groups map[string]*ConsumerGroup
	closed bool

	janitorStop chan struct{}
	janitorDone chan struct{}
}

func New(cfg Config, logger zerolog.Logger) *Bus {
	if cfg.PartitionCount < 1 {
		cfg.PartitionCount = 1
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 1024
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	if cfg.DLQTopic == "" {
		cfg.DLQTopic = "dead-letter"
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}

	b := &Bus{
		cfg:         cfg,
		logger:      logger.With().Str("component", "bus").Logger(),
		topics:      make(map[string]*topic),
		groups:      make(map[string]*ConsumerGroup),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}

	// The dead-letter topic always exists; a single partition keeps its
	// capture order inspectable.
	b.topics[cfg.DLQTopic] = newTopic(cfg.DLQTopic, 1, cfg.QueueCapacity, cfg.Retention)

	go b.janitor()

	return b
}

// EnsureTopic creates a topic if absent. Existing topics keep their
// original partition count; retention is not renegotiated.
func (b *Bus) EnsureTopic(name string, partitions int, retention time.Duration) {
	if partitions < 1 {
		partitions = b.cfg.PartitionCount
	}
	if retention <= 0 {
		retention = b.cfg.Retention
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; ok {
		return
	}
	b.topics[name] = newTopic(name, partitions, b.cfg.QueueCapacity, retention)
}

func (b *Bus) lookupOrCreate(name string) (*topic, error) {
	b.mu.RLock()
	t, ok := b.topics[name]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrBusClosed
	}
	if ok {
		return t, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if t, ok = b.topics[name]; ok {
		return t, nil
	}
	t = newTopic(name, b.cfg.PartitionCount, b.cfg.QueueCapacity, b.cfg.Retention)
	b.topics[name] = t
	return t, nil
}

func (t *topic) partitionFor(key string) *partitionLog {
	if len(t.partitions) == 1 {
		return t.partitions[0]
	}
	idx := xxh3.HashString(key) % uint64(len(t.partitions))
	return t.partitions[idx]
}

// Publish appends an event to the topic partition selected by its
// partition key. Idempotent by event id inside the dedup window; rejects
// with ErrQueueFull instead of blocking.
func (b *Bus) Publish(topicName string, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.PartitionKey == "" {
		ev.PartitionKey = ev.ID
	}
	if ev.Priority == "" {
		ev.Priority = PriorityNormal
	}

	t, err := b.lookupOrCreate(topicName)
	if err != nil {
		monitoring.BusPublishRejected.WithLabelValues(topicName, "closed").Inc()
		return err
	}

	appended, err := t.partitionFor(ev.PartitionKey).append(ev, time.Now())
	if err != nil {
		reason := "queue_full"
		if errors.Is(err, ErrBusClosed) {
			reason = "closed"
		}
		monitoring.BusPublishRejected.WithLabelValues(topicName, reason).Inc()
		return fmt.Errorf("publish to %s: %w", topicName, err)
	}
	if appended {
		monitoring.BusPublished.WithLabelValues(topicName).Inc()
	}
	return nil
}

// PublishBatch publishes every event, collecting per-event failures rather
// than stopping at the first.
func (b *Bus) PublishBatch(topicName string, events []Event) error {
	var errs []error
	for i := range events {
		if err := b.Publish(topicName, events[i]); err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", events[i].ID, err))
		}
	}
	return errors.Join(errs...)
}

// publishDeadLetter captures a poison event with its failure metadata. The
// dead-letter topic is the terminal sink: when even it is full the record
// is dropped with an error log.
func (b *Bus) publishDeadLetter(srcTopic string, ev Event, attempts int, cause error) {
	meta := make(map[string]string, len(ev.Metadata)+5)
	for k, v := range ev.Metadata {
		meta[k] = v
	}
	meta["dlq-source-topic"] = srcTopic
	meta["dlq-event-id"] = ev.ID
	meta["dlq-event-type"] = ev.Type
	meta["dlq-attempts"] = fmt.Sprintf("%d", attempts)
	meta["dlq-error"] = cause.Error()

	dead := Event{
		ID:           uuid.NewString(),
		Type:         ev.Type,
		PartitionKey: ev.PartitionKey,
		RaceID:       ev.RaceID,
		Source:       ev.Source,
		Timestamp:    time.Now(),
		Priority:     ev.Priority,
		Payload:      ev.Payload,
		Metadata:     meta,
	}

	if err := b.Publish(b.cfg.DLQTopic, dead); err != nil {
		b.logger.Error().
			Err(err).
			Str("topic", srcTopic).
			Str("event_id", ev.ID).
			Msg("Dead-letter capture failed, record dropped")
		return
	}
	monitoring.BusDeadLettered.WithLabelValues(srcTopic).Inc()
}

// janitor trims expired records on a fraction of the shortest retention.
func (b *Bus) janitor() {
	defer close(b.janitorDone)
	defer monitoring.RecoverPanic(b.logger, "bus-janitor")

	ticker := time.NewTicker(b.cfg.Retention / 4)
	defer ticker.Stop()

	for {
		select {
		case <-b.janitorStop:
			return
		case now := <-ticker.C:
			b.mu.RLock()
			topics := make([]*topic, 0, len(b.topics))
			for _, t := range b.topics {
				topics = append(topics, t)
			}
			b.mu.RUnlock()

			for _, t := range topics {
				trimmed := 0
				for _, p := range t.partitions {
					trimmed += p.trim(now.Add(-t.retention))
				}
				monitoring.BusQueueDepth.WithLabelValues(t.name).Set(float64(t.depth()))
				if trimmed > 0 {
					b.logger.Debug().
						Str("topic", t.name).
						Int("trimmed", trimmed).
						Msg("Retention sweep")
				}
			}
		}
	}
}

// Depths reports buffered record counts per topic.
func (b *Bus) Depths() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]int, len(b.topics))
	for name, t := range b.topics {
		out[name] = t.depth()
	}
	return out
}

// DeadLetters returns up to max captured records from the dead-letter
// topic, oldest first, without consuming them.
func (b *Bus) DeadLetters(max int) []Event {
	b.mu.RLock()
	t := b.topics[b.cfg.DLQTopic]
	b.mu.RUnlock()
	if t == nil {
		return nil
	}

	recs, _, _, _ := t.partitions[0].collect(0, max)
	out := make([]Event, len(recs))
	for i, r := range recs {
		out[i] = r.event
	}
	return out
}

// Close stops the consumer groups, waiting up to grace for in-flight
// batches, then closes every partition. Remaining depths are logged so an
// aborted drain is visible.
func (b *Bus) Close(grace time.Duration) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	groups := make([]*ConsumerGroup, 0, len(b.groups))
	for _, g := range b.groups {
		groups = append(groups, g)
	}
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, g := range groups {
		g.stop(grace)
	}

	for _, t := range topics {
		for _, p := range t.partitions {
			p.close()
		}
		if depth := t.depth(); depth > 0 {
			b.logger.Warn().
				Str("topic", t.name).
				Int("remaining", depth).
				Msg("Bus closed with undelivered records")
		}
	}

	close(b.janitorStop)
	<-b.janitorDone
}
