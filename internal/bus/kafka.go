package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/vardaan112/PelotonIQ-sub000/internal/monitoring"
)

// schemaVersion stamps every mirrored record so external consumers can
// gate on payload compatibility.
const schemaVersion = "1.0"

// wireRecord is the on-wire shape of a mirrored event.
type wireRecord struct {
	EventID       string            `json:"eventId"`
	EventType     string            `json:"eventType"`
	Timestamp     string            `json:"timestamp"` // ISO-8601
	Source        string            `json:"source"`
	RaceID        string            `json:"raceId"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	SchemaVersion string            `json:"schema_version"`
}

// KafkaBridgeConfig configures the one-way mirror from the in-process bus
// to an external Kafka cluster.
type KafkaBridgeConfig struct {
	Brokers     []string
	Topics      []string // bus topics to mirror
	TopicPrefix string   // external topic = prefix + bus topic
}

// KafkaBridge republishes selected bus topics to Kafka with acks=all and
// idempotent produce, so downstream consumers (archival, AI triggers) see
// the same stream the live subscribers do.
type KafkaBridge struct {
	client *kgo.Client
	bus    *Bus
	cfg    KafkaBridgeConfig
	groups []*ConsumerGroup
	logger zerolog.Logger
}

// NewKafkaBridge connects the producer and subscribes one mirror group per
// bus topic.
func NewKafkaBridge(b *Bus, cfg KafkaBridgeConfig, logger zerolog.Logger) (*KafkaBridge, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka bridge: no brokers configured")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "peloton."
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.MaxBufferedRecords(10000),
		kgo.ProduceRequestTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka bridge: create client: %w", err)
	}

	k := &KafkaBridge{
		client: client,
		bus:    b,
		cfg:    cfg,
		logger: logger.With().Str("component", "kafka-bridge").Logger(),
	}

	for _, topicName := range cfg.Topics {
		external := cfg.TopicPrefix + topicName
		group, err := b.Subscribe(
			"kafka-mirror:"+topicName,
			[]string{topicName},
			HandlerMap{"*": k.mirrorHandler(external)},
		)
		if err != nil {
			k.Close(context.Background())
			return nil, fmt.Errorf("kafka bridge: subscribe %s: %w", topicName, err)
		}
		k.groups = append(k.groups, group)
	}

	k.logger.Info().
		Strs("brokers", cfg.Brokers).
		Strs("topics", cfg.Topics).
		Msg("Kafka mirror started")

	return k, nil
}

func (k *KafkaBridge) mirrorHandler(externalTopic string) Handler {
	return func(ctx context.Context, ev Event) error {
		value, err := json.Marshal(wireRecord{
			EventID:       ev.ID,
			EventType:     ev.Type,
			Timestamp:     ev.Timestamp.UTC().Format(time.RFC3339Nano),
			Source:        ev.Source,
			RaceID:        ev.RaceID,
			Payload:       ev.Payload,
			Metadata:      ev.Metadata,
			SchemaVersion: schemaVersion,
		})
		if err != nil {
			return fmt.Errorf("marshal wire record: %w", err)
		}

		rec := &kgo.Record{
			Topic: externalTopic,
			Key:   []byte(ev.PartitionKey),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "event-type", Value: []byte(ev.Type)},
				{Key: "source", Value: []byte(ev.Source)},
				{Key: "race-id", Value: []byte(ev.RaceID)},
				{Key: "priority", Value: []byte(ev.Priority)},
				{Key: "timestamp", Value: []byte(ev.Timestamp.UTC().Format(time.RFC3339Nano))},
			},
		}

		// Synchronous produce keeps the mirror at-least-once: a failed
		// record rides the bus retry path instead of being forgotten.
		if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
			monitoring.BusKafkaErrors.Inc()
			return fmt.Errorf("produce %s: %w", externalTopic, err)
		}
		monitoring.BusKafkaMirrored.Inc()
		return nil
	}
}

// Close flushes buffered records and releases the client.
func (k *KafkaBridge) Close(ctx context.Context) {
	for _, g := range k.groups {
		g.Close(time.Second)
	}
	if err := k.client.Flush(ctx); err != nil {
		k.logger.Warn().Err(err).Msg("Kafka flush on close failed")
	}
	k.client.Close()
}
