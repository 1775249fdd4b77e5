package feed

import (
	"context"
	"encoding/json"
	"time"
)

// RawFrame is a single telemetry reading as it arrives from an upstream
// endpoint, before aggregation. Value stays raw JSON so the fusion layer can
// decode it per data type.
type RawFrame struct {
	ID         string          `json:"id,omitempty"`
	SourceID   string          `json:"sourceId,omitempty"`
	Type       string          `json:"type"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Timestamp  time.Time       `json:"timestamp"`
	Confidence float64         `json:"confidence,omitempty"`
	Units      string          `json:"units,omitempty"`
	Checksum   string          `json:"checksum,omitempty"`
}

// Conn is a live connection to one telemetry endpoint.
type Conn interface {
	// Probe measures round-trip latency to the endpoint. An error means the
	// transport is unhealthy, not merely slow.
	Probe(ctx context.Context) (time.Duration, error)

	// Frames returns the stream of decoded frames. The channel is owned by
	// the connection and is not closed on Close; readers must select on
	// their own cancellation.
	Frames() <-chan RawFrame

	Close() error
}

// Dialer establishes connections to telemetry endpoints. Implementations
// must honor the context deadline during connection setup.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}
