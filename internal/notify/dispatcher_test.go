package notify

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vardaan112/PelotonIQ-sub000/internal/bus"
	"github.com/vardaan112/PelotonIQ-sub000/internal/fanout"
	"github.com/vardaan112/PelotonIQ-sub000/internal/tactics"
)

type stubBroadcaster struct {
	mu      sync.Mutex
	topics  []string
	returns int
}

func (s *stubBroadcaster) Broadcast(topic string, _ any, _ ...fanout.BroadcastFilter) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	return s.returns
}

func (s *stubBroadcaster) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics)
}

func newTestDispatcher(t *testing.T, mutate ...func(*Config)) (*Dispatcher, *stubBroadcaster) {
	t.Helper()
	b := &stubBroadcaster{returns: 1}
	cfg := Config{
		MaxIdleTime:      time.Minute,
		DefaultRetention: time.Minute,
		Broadcaster:      b,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	d := New(cfg, zerolog.Nop())
	t.Cleanup(d.Close)
	return d, b
}

func tacticalSub(mutate ...func(*Subscription)) Subscription {
	sub := Subscription{
		ID:         "dash-1",
		Categories: []string{CategoryTactical},
	}
	for _, m := range mutate {
		m(&sub)
	}
	return sub
}

func TestSubscribeValidation(t *testing.T) {
	d, _ := newTestDispatcher(t)

	_, err := d.Subscribe(Subscription{ID: "dash-1"})
	assert.Error(t, err)

	_, err = d.Subscribe(tacticalSub(func(s *Subscription) { s.Channel = ChannelWebhook }))
	assert.Error(t, err)

	_, err = d.Subscribe(tacticalSub(func(s *Subscription) { s.Channel = "pigeon" }))
	assert.Error(t, err)

	sub, err := d.Subscribe(tacticalSub())
	require.NoError(t, err)
	assert.Equal(t, ChannelFanout, sub.Channel)
	assert.Equal(t, PriorityLow, sub.MinPriority)
	assert.True(t, sub.Active)

	anon, err := d.Subscribe(Subscription{Categories: []string{CategoryRace}})
	require.NoError(t, err)
	assert.NotEmpty(t, anon.ID)
}

func TestSendTargetsByCategoryAndPriority(t *testing.T) {
	d, b := newTestDispatcher(t)
	_, err := d.Subscribe(tacticalSub(func(s *Subscription) { s.MinPriority = PriorityHigh }))
	require.NoError(t, err)

	n, err := d.Send(context.Background(), Notification{Category: CategoryWeather, Title: "rain"})
	require.NoError(t, err)
	assert.Equal(t, 0, n.Delivery.Recipients)

	n, err = d.Send(context.Background(), Notification{Category: CategoryTactical, Priority: PriorityNormal})
	require.NoError(t, err)
	assert.Equal(t, 0, n.Delivery.Recipients)

	n, err = d.Send(context.Background(), Notification{Category: CategoryTactical, Priority: PriorityCritical})
	require.NoError(t, err)
	assert.Equal(t, 1, n.Delivery.Recipients)
	assert.Equal(t, 1, n.Delivery.Successes)
	assert.Equal(t, 1, b.calls())

	stats := d.Stats()
	assert.EqualValues(t, 3, stats.Sent)
	assert.EqualValues(t, 1, stats.Delivered)
	assert.EqualValues(t, 2, stats.Filtered)
}

func TestSendAllowlists(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, err := d.Subscribe(tacticalSub(func(s *Subscription) { s.Races = []string{"tdf-2026"} }))
	require.NoError(t, err)

	// No race context cannot satisfy a race allow-list.
	n, _ := d.Send(context.Background(), Notification{Category: CategoryTactical})
	assert.Equal(t, 0, n.Delivery.Recipients)

	n, _ = d.Send(context.Background(), Notification{Category: CategoryTactical, RaceID: "giro-2026"})
	assert.Equal(t, 0, n.Delivery.Recipients)

	n, _ = d.Send(context.Background(), Notification{Category: CategoryTactical, RaceID: "tdf-2026"})
	assert.Equal(t, 1, n.Delivery.Recipients)
}

func TestSendRateCap(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, err := d.Subscribe(tacticalSub(func(s *Subscription) { s.MaxPerMinute = 2 }))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		n, _ := d.Send(context.Background(), Notification{Category: CategoryTactical})
		assert.Equal(t, 1, n.Delivery.Recipients)
	}
	n, _ := d.Send(context.Background(), Notification{Category: CategoryTactical})
	assert.Equal(t, 0, n.Delivery.Recipients)
	assert.EqualValues(t, 1, d.Stats().Filtered)
}

func TestSendInactiveSubscription(t *testing.T) {
	d, _ := newTestDispatcher(t)
	sub, err := d.Subscribe(tacticalSub())
	require.NoError(t, err)

	require.True(t, d.SetActive(sub.ID, false))
	n, _ := d.Send(context.Background(), Notification{Category: CategoryTactical})
	assert.Equal(t, 0, n.Delivery.Recipients)

	require.True(t, d.SetActive(sub.ID, true))
	n, _ = d.Send(context.Background(), Notification{Category: CategoryTactical})
	assert.Equal(t, 1, n.Delivery.Recipients)
}

func TestSendRecordsFailures(t *testing.T) {
	d, b := newTestDispatcher(t)
	b.returns = 0 // no live session picks up the broadcast
	_, err := d.Subscribe(tacticalSub())
	require.NoError(t, err)

	n, err := d.Send(context.Background(), Notification{Category: CategoryTactical, Title: "attack"})
	require.NoError(t, err)
	assert.Equal(t, 1, n.Delivery.Recipients)
	assert.Equal(t, 0, n.Delivery.Successes)
	assert.Equal(t, 1, n.Delivery.Failures)

	// The stored copy carries the same stats.
	stored, ok := d.Lookup(n.ID)
	require.True(t, ok)
	assert.Equal(t, 1, stored.Delivery.Failures)
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(ws.Close)

	d, _ := newTestDispatcher(t)
	_, err := d.Subscribe(tacticalSub(func(s *Subscription) {
		s.Channel = ChannelWebhook
		s.WebhookURL = ws.URL
	}))
	require.NoError(t, err)

	n, err := d.Send(context.Background(), Notification{Category: CategoryTactical, Title: "crash in the peloton"})
	require.NoError(t, err)
	assert.Equal(t, 1, n.Delivery.Successes)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "crash in the peloton")
}

func TestWebhookFailureCounted(t *testing.T) {
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(ws.Close)

	d, _ := newTestDispatcher(t)
	_, err := d.Subscribe(tacticalSub(func(s *Subscription) {
		s.Channel = ChannelWebhook
		s.WebhookURL = ws.URL
	}))
	require.NoError(t, err)

	n, err := d.Send(context.Background(), Notification{Category: CategoryTactical})
	require.NoError(t, err)
	assert.Equal(t, 1, n.Delivery.Failures)
	assert.EqualValues(t, 1, d.Stats().Failed)
}

func TestSSEDelivery(t *testing.T) {
	d, _ := newTestDispatcher(t)
	sub, err := d.Subscribe(tacticalSub(func(s *Subscription) {
		s.ID = "dash-sse"
		s.Channel = ChannelSSE
	}))
	require.NoError(t, err)

	ts := httptest.NewServer(d.SSEHandler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"?dashboard="+sub.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.subs[sub.ID].stream != nil
	}, time.Second, 10*time.Millisecond)

	n, err := d.Send(context.Background(), Notification{Category: CategoryTactical, Title: "breakaway forming"})
	require.NoError(t, err)
	assert.Equal(t, 1, n.Delivery.Successes)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			assert.Contains(t, line, "breakaway forming")
			return
		}
	}
	t.Fatal("no sse event received")
}

func TestSSERequiresAttachedStream(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, err := d.Subscribe(tacticalSub(func(s *Subscription) { s.Channel = ChannelSSE }))
	require.NoError(t, err)

	n, err := d.Send(context.Background(), Notification{Category: CategoryTactical})
	require.NoError(t, err)
	assert.Equal(t, 1, n.Delivery.Failures)
}

func TestSSEHandlerRejectsUnknownDashboard(t *testing.T) {
	d, _ := newTestDispatcher(t)

	rec := httptest.NewRecorder()
	d.SSEHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/?dashboard=ghost", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	d.SSEHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCleanup(t *testing.T) {
	d, _ := newTestDispatcher(t, func(c *Config) {
		c.MaxIdleTime = time.Minute
		c.DefaultRetention = time.Minute
	})
	sub, err := d.Subscribe(tacticalSub())
	require.NoError(t, err)

	n, err := d.Send(context.Background(), Notification{Category: CategoryTactical})
	require.NoError(t, err)

	// Nothing is old enough yet.
	d.cleanup()
	_, ok := d.Lookup(n.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, d.Stats().ActiveSubscriptions)

	d.mu.Lock()
	d.store[n.ID].ExpiresAt = time.Now().Add(-time.Second)
	d.subs[sub.ID].lastSeen = time.Now().Add(-2 * time.Minute)
	d.mu.Unlock()

	d.cleanup()
	_, ok = d.Lookup(n.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, d.Stats().ActiveSubscriptions)
}

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(bus.Config{
		PartitionCount: 2,
		QueueCapacity:  64,
		BatchSize:      8,
		BatchTimeout:   10 * time.Millisecond,
		RetryDelay:     5 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(func() { b.Close(time.Second) })
	return b
}

func TestConsumeTacticalHighSeverity(t *testing.T) {
	d, b := newTestDispatcher(t)
	_, err := d.Subscribe(tacticalSub())
	require.NoError(t, err)

	eventBus := newTestBus(t)
	require.NoError(t, d.ConsumeTactical(eventBus))

	publish := func(severity tactics.Severity) {
		ev, err := bus.NewEvent("attack", "tdf-2026", "tactics", map[string]any{
			"id":             "evt-1",
			"type":           "attack",
			"severity":       severity,
			"confidence":     0.85,
			"involvedRiders": []string{"r7"},
		})
		require.NoError(t, err)
		require.NoError(t, eventBus.Publish(bus.TopicTacticalEvents, ev))
	}

	publish(tactics.SeverityLow)
	publish(tactics.SeverityHigh)

	require.Eventually(t, func() bool {
		return d.Stats().Sent == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.EqualValues(t, 1, b.calls())
	assert.EqualValues(t, 1, d.Stats().Delivered)
}
