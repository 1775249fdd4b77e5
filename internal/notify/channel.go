package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vardaan112/PelotonIQ-sub000/internal/bus"
	"github.com/vardaan112/PelotonIQ-sub000/internal/fanout"
	"github.com/vardaan112/PelotonIQ-sub000/internal/limits"
)

// Broadcaster pushes a payload to live WebSocket subscribers of a topic.
// Satisfied by fanout.Server.
type Broadcaster interface {
	Broadcast(topic string, payload any, filters ...fanout.BroadcastFilter) int
}

// deliver routes one notification through the subscription's channel.
func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, n *Notification) error {
	switch sub.Channel {
	case ChannelFanout:
		return d.deliverFanout(sub, n)
	case ChannelSSE:
		return d.deliverSSE(sub, n)
	case ChannelWebhook:
		return d.webhook.deliver(ctx, sub.WebhookURL, n)
	default:
		return fmt.Errorf("notify: unknown channel %q", sub.Channel)
	}
}

// deliverFanout broadcasts on the alerts topic, scoped to the dashboard's
// user. No live session subscribed to alerts counts as a failed delivery.
func (d *Dispatcher) deliverFanout(sub *Subscription, n *Notification) error {
	if d.cfg.Broadcaster == nil {
		return errors.New("notify: no broadcaster wired")
	}
	if d.cfg.Broadcaster.Broadcast(bus.TopicAlerts, n, fanout.WithUsers(sub.ID)) == 0 {
		return fmt.Errorf("notify: dashboard %s has no live session", sub.ID)
	}
	return nil
}

// deliverSSE pushes onto the subscription's attached event stream without
// blocking. Attach and close both happen under the dispatcher lock, so a
// push can never hit a closed channel.
func (d *Dispatcher) deliverSSE(sub *Subscription, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if sub.stream == nil {
		return fmt.Errorf("notify: dashboard %s has no event stream attached", sub.ID)
	}
	select {
	case sub.stream <- data:
		return nil
	default:
		return fmt.Errorf("notify: dashboard %s stream is full", sub.ID)
	}
}

// SSEHandler serves the server-sent-events stream for one dashboard,
// selected by the dashboard query parameter. One stream per dashboard; a
// new consumer replaces a stale one.
func (d *Dispatcher) SSEHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("dashboard")
		if id == "" {
			http.Error(w, "dashboard query parameter required", http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		stream, err := d.attachStream(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		defer d.detachStream(id, stream)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case data, open := <-stream:
				if !open {
					return
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
}

func (d *Dispatcher) attachStream(id string) (chan []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subs[id]
	if !ok {
		return nil, fmt.Errorf("notify: unknown dashboard %q", id)
	}
	if sub.Channel != ChannelSSE {
		return nil, fmt.Errorf("notify: dashboard %q is not an sse subscription", id)
	}
	if sub.stream != nil {
		close(sub.stream)
	}
	stream := make(chan []byte, d.cfg.SSEBuffer)
	sub.stream = stream
	sub.lastSeen = time.Now()
	return stream, nil
}

func (d *Dispatcher) detachStream(id string, stream chan []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sub, ok := d.subs[id]; ok && sub.stream == stream {
		sub.stream = nil
	}
}

// webhookSender posts notifications as JSON. Each delivery takes a worker
// slot from the resource guard so a slow receiver cannot pile up
// goroutines.
type webhookSender struct {
	client *http.Client
	guard  *limits.ResourceGuard
	logger zerolog.Logger
}

func newWebhookSender(timeout time.Duration, guard *limits.ResourceGuard, logger zerolog.Logger) *webhookSender {
	return &webhookSender{
		client: &http.Client{Timeout: timeout},
		guard:  guard,
		logger: logger,
	}
}

func (w *webhookSender) deliver(ctx context.Context, url string, n *Notification) error {
	if w.guard != nil {
		if !w.guard.Acquire() {
			return errors.New("notify: webhook workers exhausted")
		}
		defer w.guard.Release()
	}

	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	}
	return nil
}
