package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoisonEventMovesToDeadLetterExactlyOnce(t *testing.T) {
	b := newTestBus(t)

	var attempts atomic.Int64
	poisoned := errors.New("cannot process")
	_, err := b.Subscribe("g1", []string{"T"}, HandlerMap{
		"*": func(ctx context.Context, ev Event) error {
			attempts.Add(1)
			return poisoned
		},
	}, WithMaxAttempts(3), WithRetryDelay(time.Millisecond))
	require.NoError(t, err)

	payload := json.RawMessage(`{"value":"e1"}`)
	require.NoError(t, b.Publish("T", Event{ID: "e1", Type: "tick", PartitionKey: "k", Payload: payload}))

	var dead []Event
	require.Eventually(t, func() bool {
		dead = b.DeadLetters(10)
		return len(dead) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Exactly the configured attempts, exactly one capture.
	assert.Equal(t, int64(3), attempts.Load())
	assert.JSONEq(t, string(payload), string(dead[0].Payload))
	assert.Equal(t, "e1", dead[0].Metadata["dlq-event-id"])
	assert.Equal(t, "T", dead[0].Metadata["dlq-source-topic"])
	assert.Equal(t, "3", dead[0].Metadata["dlq-attempts"])
	assert.Contains(t, dead[0].Metadata["dlq-error"], "cannot process")

	// The consumer advanced past the poison event.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, b.DeadLetters(10), 1)
}

func TestConsumerAdvancesPastPoisonEvent(t *testing.T) {
	b := newTestBus(t)

	got := make(chan Event, 8)
	_, err := b.Subscribe("g1", []string{"T"}, HandlerMap{
		"*": func(ctx context.Context, ev Event) error {
			if ev.ID == "poison" {
				return errors.New("boom")
			}
			got <- ev
			return nil
		},
	}, WithMaxAttempts(2), WithRetryDelay(time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, b.Publish("T", Event{ID: "poison", Type: "tick", PartitionKey: "k", Payload: json.RawMessage(`{}`)}))
	require.NoError(t, b.Publish("T", Event{ID: "healthy", Type: "tick", PartitionKey: "k", Payload: json.RawMessage(`{}`)}))

	events := drain(t, got, 1, 2*time.Second)
	assert.Equal(t, "healthy", events[0].ID)
	assert.Eventually(t, func() bool { return len(b.DeadLetters(10)) == 1 }, time.Second, 10*time.Millisecond)
}

func TestTransientFailureRecoversWithoutDeadLetter(t *testing.T) {
	b := newTestBus(t)

	var attempts atomic.Int64
	got := make(chan Event, 8)
	_, err := b.Subscribe("g1", []string{"T"}, HandlerMap{
		"*": func(ctx context.Context, ev Event) error {
			if attempts.Add(1) == 1 {
				return errors.New("transient")
			}
			got <- ev
			return nil
		},
	}, WithMaxAttempts(3), WithRetryDelay(time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, b.Publish("T", Event{ID: "e1", Type: "tick", PartitionKey: "k", Payload: json.RawMessage(`{}`)}))

	drain(t, got, 1, time.Second)
	assert.Equal(t, int64(2), attempts.Load())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, b.DeadLetters(10))
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Subscribe("g1", []string{"T"}, HandlerMap{
		"*": func(ctx context.Context, ev Event) error {
			panic("handler bug")
		},
	}, WithMaxAttempts(2), WithRetryDelay(time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, b.Publish("T", Event{ID: "e1", Type: "tick", PartitionKey: "k", Payload: json.RawMessage(`{}`)}))

	var dead []Event
	require.Eventually(t, func() bool {
		dead = b.DeadLetters(10)
		return len(dead) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, dead[0].Metadata["dlq-error"], "handler bug")
}

func TestStalledHandlerTimesOut(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Subscribe("g1", []string{"T"}, HandlerMap{
		"*": func(ctx context.Context, ev Event) error {
			<-ctx.Done() // honor cancellation, but never succeed
			return ctx.Err()
		},
	}, WithMaxAttempts(1), WithHandlerTimeout(30*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, b.Publish("T", Event{ID: "slow", Type: "tick", PartitionKey: "k", Payload: json.RawMessage(`{}`)}))

	var dead []Event
	require.Eventually(t, func() bool {
		dead = b.DeadLetters(10)
		return len(dead) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, dead[0].Metadata["dlq-error"], "deadline")
}

func TestBatchFailureIsolation(t *testing.T) {
	b := newTestBus(t)

	got := make(chan Event, 32)
	_, err := b.Subscribe("g1", []string{"T"}, HandlerMap{
		"*": func(ctx context.Context, ev Event) error {
			if ev.ID == "bad" {
				return errors.New("boom")
			}
			got <- ev
			return nil
		},
	}, WithMaxAttempts(1), WithBatch(16, 50*time.Millisecond))
	require.NoError(t, err)

	ids := []string{"a", "bad", "b", "c"}
	for _, id := range ids {
		require.NoError(t, b.Publish("T", Event{ID: id, Type: "tick", PartitionKey: id, Payload: json.RawMessage(`{}`)}))
	}

	events := drain(t, got, 3, 2*time.Second)
	seen := map[string]bool{}
	for _, ev := range events {
		seen[ev.ID] = true
	}
	assert.True(t, seen["a"] && seen["b"] && seen["c"], "healthy events delivered despite the failure: %v", seen)
}

func TestLagReporting(t *testing.T) {
	b := newTestBus(t)

	block := make(chan struct{})
	g, err := b.Subscribe("g1", []string{"T"}, HandlerMap{
		"*": func(ctx context.Context, ev Event) error {
			select {
			case <-block:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}, WithMaxAttempts(1), WithHandlerTimeout(10*time.Second))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish("T", Event{
			ID:           string(rune('a' + i)),
			Type:         "tick",
			PartitionKey: "k",
			Payload:      json.RawMessage(`{}`),
		}))
	}

	assert.Eventually(t, func() bool { return g.Lag()["T"] > 0 }, time.Second, 10*time.Millisecond)

	close(block)
	assert.Eventually(t, func() bool { return g.Lag()["T"] == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGroupCloseStopsDelivery(t *testing.T) {
	b := newTestBus(t)

	got := make(chan Event, 8)
	g, err := b.Subscribe("g1", []string{"T"}, HandlerMap{"*": collectInto(got)})
	require.NoError(t, err)

	require.NoError(t, b.Publish("T", Event{ID: "before", Type: "tick", PartitionKey: "k", Payload: json.RawMessage(`{}`)}))
	drain(t, got, 1, time.Second)

	g.Close(time.Second)

	require.NoError(t, b.Publish("T", Event{ID: "after", Type: "tick", PartitionKey: "k", Payload: json.RawMessage(`{}`)}))
	select {
	case ev := <-got:
		t.Fatalf("delivery after close: %s", ev.ID)
	case <-time.After(100 * time.Millisecond):
	}

	// The group name is free again.
	_, err = b.Subscribe("g1", []string{"T"}, HandlerMap{"*": collectInto(got)})
	assert.NoError(t, err)
}
