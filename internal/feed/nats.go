package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/vardaan112/PelotonIQ-sub000/internal/monitoring"
)

// NATSDialer connects to NATS-fronted telemetry endpoints. Each connection
// carries one subscription on Subject; messages are JSON-decoded RawFrames.
type NATSDialer struct {
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
	PingInterval  time.Duration
	MaxPingsOut   int
	QueueSize     int
	Logger        zerolog.Logger
}

func (d *NATSDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	queueSize := d.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}

	opts := []nats.Option{
		nats.MaxReconnects(d.MaxReconnects),
		nats.ReconnectWait(d.ReconnectWait),
		nats.ReconnectJitter(d.ReconnectWait/2, d.ReconnectWait/2),
		nats.MaxPingsOutstanding(d.MaxPingsOut),
		nats.PingInterval(d.PingInterval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			d.Logger.Warn().Str("addr", addr).Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			d.Logger.Info().Str("addr", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			d.Logger.Error().Str("addr", addr).Err(err).Msg("nats async error")
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("feed: connect %s: %w", addr, err)
	}

	c := &natsConn{
		nc:     nc,
		frames: make(chan RawFrame, queueSize),
		logger: d.Logger,
	}
	sub, err := nc.Subscribe(d.Subject, c.onMessage)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("feed: subscribe %s: %w", d.Subject, err)
	}
	c.sub = sub
	return c, nil
}

type natsConn struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	frames chan RawFrame
	logger zerolog.Logger
}

func (c *natsConn) onMessage(msg *nats.Msg) {
	var f RawFrame
	if err := json.Unmarshal(msg.Data, &f); err != nil {
		monitoring.FeedFramesRejected.WithLabelValues("decode").Inc()
		return
	}
	// Never block the NATS callback; overflow counts as a drop.
	select {
	case c.frames <- f:
	default:
		monitoring.FeedFramesDropped.Inc()
	}
}

func (c *natsConn) Probe(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !c.nc.IsConnected() {
		return 0, fmt.Errorf("feed: nats not connected (status %v)", c.nc.Status())
	}
	rtt, err := c.nc.RTT()
	if err != nil {
		return 0, fmt.Errorf("feed: nats rtt: %w", err)
	}
	return rtt, nil
}

func (c *natsConn) Frames() <-chan RawFrame {
	return c.frames
}

func (c *natsConn) Close() error {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	c.nc.Close()
	return nil
}
