package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vardaan112/PelotonIQ-sub000/internal/monitoring"
)

// Handler processes one delivered event. Returning an error triggers the
// retry path; exhausting retries moves the event to the dead-letter topic.
type Handler func(ctx context.Context, ev Event) error

// HandlerMap routes deliveries by event type. The "*" entry, when present,
// catches every type without an exact match.
type HandlerMap map[string]Handler

// SubscribeOptions tune one consumer group. Zero values inherit the bus
// defaults.
type SubscribeOptions struct {
	BatchSize      int
	BatchTimeout   time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration
	Concurrency    int
	HandlerTimeout time.Duration
	FromStart      bool
}

type SubscribeOption func(*SubscribeOptions)

func WithBatch(size int, timeout time.Duration) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.BatchSize = size
		o.BatchTimeout = timeout
	}
}

func WithMaxAttempts(n int) SubscribeOption {
	return func(o *SubscribeOptions) { o.MaxAttempts = n }
}

func WithRetryDelay(d time.Duration) SubscribeOption {
	return func(o *SubscribeOptions) { o.RetryDelay = d }
}

func WithConcurrency(n int) SubscribeOption {
	return func(o *SubscribeOptions) { o.Concurrency = n }
}

func WithHandlerTimeout(d time.Duration) SubscribeOption {
	return func(o *SubscribeOptions) { o.HandlerTimeout = d }
}

// WithFromStart delivers everything still retained instead of only events
// published after the subscription.
func WithFromStart() SubscribeOption {
	return func(o *SubscribeOptions) { o.FromStart = true }
}

// ConsumerGroup delivers each event once per group, at least once per
// event. One goroutine per subscribed partition keeps per-key FIFO intact.
type ConsumerGroup struct {
	name     string
	bus      *Bus
	handlers HandlerMap
	opts     SubscribeOptions
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	cursors map[string][]int64 // topic → next offset per partition
	tails   map[string]*topic
}

// Subscribe registers a consumer group over the given topics. Missing
// topics are created with the bus defaults. Group names are unique per bus.
func (b *Bus) Subscribe(group string, topicNames []string, handlers HandlerMap, opts ...SubscribeOption) (*ConsumerGroup, error) {
	options := SubscribeOptions{
		BatchSize:      b.cfg.BatchSize,
		BatchTimeout:   b.cfg.BatchTimeout,
		MaxAttempts:    b.cfg.MaxAttempts,
		RetryDelay:     b.cfg.RetryDelay,
		Concurrency:    b.cfg.Concurrency,
		HandlerTimeout: b.cfg.HandlerTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &ConsumerGroup{
		name:     group,
		bus:      b,
		handlers: handlers,
		opts:     options,
		logger:   b.logger.With().Str("group", group).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		cursors:  make(map[string][]int64, len(topicNames)),
		tails:    make(map[string]*topic, len(topicNames)),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, ErrBusClosed
	}
	if _, exists := b.groups[group]; exists {
		b.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrGroupExists, group)
	}
	b.groups[group] = g
	b.mu.Unlock()

	for _, name := range topicNames {
		t, err := b.lookupOrCreate(name)
		if err != nil {
			g.Close(0)
			return nil, err
		}

		g.mu.Lock()
		g.tails[name] = t
		g.cursors[name] = make([]int64, len(t.partitions))
		g.mu.Unlock()

		for idx := range t.partitions {
			start := t.partitions[idx].tailOffset()
			if options.FromStart {
				start = t.partitions[idx].earliestOffset()
			}
			g.setCursor(name, idx, start)

			g.wg.Add(1)
			go g.consumePartition(t, idx, start)
		}
	}

	return g, nil
}

func (p *partitionLog) tailOffset() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextOffset
}

func (p *partitionLog) earliestOffset() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firstOffset
}

func (g *ConsumerGroup) consumePartition(t *topic, idx int, from int64) {
	defer g.wg.Done()
	defer monitoring.RecoverPanic(g.logger, "bus-consumer")

	p := t.partitions[idx]
	cursor := from
	for {
		batch, next, err := p.fetchBatch(g.ctx, cursor, g.opts.BatchSize, g.opts.BatchTimeout)
		if len(batch) > 0 {
			g.processBatch(t.name, batch)
			cursor = next
			g.setCursor(t.name, idx, next)
		}
		if err != nil {
			return
		}
	}
}

// processBatch runs the batch with bounded concurrency while keeping
// events that share a partition key in publish order: each key gets a
// serial lane, lanes run in parallel under the semaphore.
func (g *ConsumerGroup) processBatch(topicName string, batch []record) {
	order := make([]string, 0, len(batch))
	lanes := make(map[string][]record, len(batch))
	for _, rec := range batch {
		key := rec.event.PartitionKey
		if _, seen := lanes[key]; !seen {
			order = append(order, key)
		}
		lanes[key] = append(lanes[key], rec)
	}

	sem := make(chan struct{}, g.opts.Concurrency)
	var wg sync.WaitGroup
	for _, key := range order {
		recs := lanes[key]
		wg.Add(1)
		sem <- struct{}{}
		go func(recs []record) {
			defer wg.Done()
			defer func() { <-sem }()
			defer monitoring.RecoverPanic(g.logger, "bus-lane")

			for _, rec := range recs {
				g.deliver(topicName, rec.event)
			}
		}(recs)
	}
	wg.Wait()
}

// deliver attempts the routed handler with bounded retries. A delivery
// that exhausts its attempts is captured on the dead-letter topic and the
// group advances; failure of one event never aborts its batch.
func (g *ConsumerGroup) deliver(topicName string, ev Event) {
	handler := g.handlerFor(ev.Type)
	if handler == nil {
		return
	}

	var lastErr error
	for attempt := 1; attempt <= g.opts.MaxAttempts; attempt++ {
		actx, cancel := context.WithTimeout(g.ctx, g.opts.HandlerTimeout)
		lastErr = invoke(actx, handler, ev)
		cancel()

		if lastErr == nil {
			monitoring.BusDelivered.WithLabelValues(g.name).Inc()
			return
		}
		if g.ctx.Err() != nil {
			// Shutdown, not poison: leave the event uncaptured.
			return
		}
		if attempt < g.opts.MaxAttempts {
			monitoring.BusRetries.WithLabelValues(g.name).Inc()
			select {
			case <-g.ctx.Done():
				return
			case <-time.After(g.opts.RetryDelay):
			}
		}
	}

	g.logger.Warn().
		Str("topic", topicName).
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Int("attempts", g.opts.MaxAttempts).
		Err(lastErr).
		Msg("Delivery exhausted retries, capturing on dead-letter topic")
	g.bus.publishDeadLetter(topicName, ev, g.opts.MaxAttempts, lastErr)
}

// invoke runs the handler on its own goroutine so a stalled handler
// surfaces as a deadline error and delivery keeps moving. Panics become
// ordinary errors feeding the retry path.
func invoke(ctx context.Context, h Handler, ev Event) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- h(ctx, ev)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("handler stalled: %w", ctx.Err())
	}
}

func (g *ConsumerGroup) handlerFor(eventType string) Handler {
	if h, ok := g.handlers[eventType]; ok {
		return h
	}
	return g.handlers["*"]
}

func (g *ConsumerGroup) setCursor(topicName string, idx int, next int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cursors, ok := g.cursors[topicName]; ok && idx < len(cursors) {
		cursors[idx] = next
	}
}

// Lag reports undelivered records per topic for this group.
func (g *ConsumerGroup) Lag() map[string]int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]int64, len(g.cursors))
	for name, cursors := range g.cursors {
		t := g.tails[name]
		var lag int64
		for idx, cursor := range cursors {
			tail := t.partitions[idx].tailOffset()
			if tail > cursor {
				lag += tail - cursor
			}
		}
		out[name] = lag
	}
	return out
}

// Close cancels delivery and waits up to grace for in-flight batches.
func (g *ConsumerGroup) Close(grace time.Duration) {
	g.stop(grace)

	g.bus.mu.Lock()
	delete(g.bus.groups, g.name)
	g.bus.mu.Unlock()
}

func (g *ConsumerGroup) stop(grace time.Duration) {
	g.cancel()

	if grace <= 0 {
		g.wg.Wait()
		return
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		g.logger.Warn().Msg("Consumer group drain exceeded grace period")
	}
}
