package messagepipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-streambridge/pkg/types"
	"github.com/rs/zerolog"
)

// Attribute keys set on every published message.
const (
	AttrRoutingKey   = "routing_key"
	AttrDestination  = "destination"
	AttrEventID      = "event_id"
	AttrStreamOffset = "stream_offset"
	AttrTimestamp    = "timestamp"
)

// GooglePubsubRecordProducerConfig holds configuration for the Google Pub/Sub producer.
type GooglePubsubRecordProducerConfig struct {
	ProjectID  string
	TopicID    string
	BatchSize  int           // Corresponds to Pub/Sub's CountThreshold.
	BatchDelay time.Duration // Corresponds to Pub/Sub's DelayThreshold.
	// EnableOrdering publishes with the routing key as ordering key, so each
	// queue's records arrive downstream in stream order.
	EnableOrdering     bool
	TopicExistsTimeout time.Duration
}

// NewGooglePubsubRecordProducerDefaults provides a config with sensible defaults.
func NewGooglePubsubRecordProducerDefaults() *GooglePubsubRecordProducerConfig {
	return &GooglePubsubRecordProducerConfig{
		BatchSize:          100,
		BatchDelay:         50 * time.Millisecond,
		EnableOrdering:     true,
		TopicExistsTimeout: 15 * time.Second,
	}
}

// GooglePubsubRecordProducer implements RecordProducer for Google Cloud Pub/Sub.
// It leverages the built-in batching capabilities of the official Go client.
type GooglePubsubRecordProducer struct {
	topic    *pubsub.Topic
	ordering bool
	logger   zerolog.Logger
}

// NewGooglePubsubRecordProducer creates a new producer.
// It validates the topic's existence before returning a functional producer.
func NewGooglePubsubRecordProducer(
	ctx context.Context,
	cfg *GooglePubsubRecordProducerConfig,
	client *pubsub.Client,
	logger zerolog.Logger,
) (*GooglePubsubRecordProducer, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil for producer")
	}

	topic := client.Topic(cfg.TopicID)
	topic.PublishSettings.DelayThreshold = cfg.BatchDelay
	topic.PublishSettings.CountThreshold = cfg.BatchSize
	topic.PublishSettings.Timeout = 10 * time.Second
	topic.EnableMessageOrdering = cfg.EnableOrdering

	existsCtx, cancel := context.WithTimeout(ctx, cfg.TopicExistsTimeout)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	logger.Info().Str("topic_id", cfg.TopicID).Bool("ordering", cfg.EnableOrdering).Msg("GooglePubsubRecordProducer initialized successfully.")
	return &GooglePubsubRecordProducer{
		topic:    topic,
		ordering: cfg.EnableOrdering,
		logger:   logger.With().Str("component", "GooglePubsubRecordProducer").Str("topic_id", cfg.TopicID).Logger(),
	}, nil
}

// Publish serializes the record's event as the message data and its metadata
// as attributes. It does not wait for the publish to complete.
func (p *GooglePubsubRecordProducer) Publish(ctx context.Context, rec *types.NormalizedRecord) PublishResult {
	data, err := json.Marshal(rec.Value)
	if err != nil {
		p.logger.Error().Err(err).Str("event_id", rec.Key).Msg("Failed to marshal record for publishing.")
		return failedResult{err: fmt.Errorf("marshal record %s: %w", rec.Key, err)}
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: RecordAttributes(rec),
	}
	if p.ordering {
		msg.OrderingKey = rec.PartitionKey
	}
	res := p.topic.Publish(ctx, msg)
	if !p.ordering {
		return res
	}
	return &orderedResult{res: res, topic: p.topic, key: rec.PartitionKey, logger: p.logger}
}

// Stop flushes any buffered messages, respecting the context's timeout.
func (p *GooglePubsubRecordProducer) Stop(ctx context.Context) error {
	p.logger.Info().Msg("Flushing remaining messages and stopping Pub/Sub topic...")
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()
	select {
	case <-stopDone:
		p.logger.Info().Msg("Pub/Sub topic stopped.")
		return nil
	case <-ctx.Done():
		p.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for Pub/Sub topic to flush and stop.")
		return ctx.Err()
	}
}

// RecordAttributes flattens a record's metadata into Pub/Sub attributes.
// The delivery tag header is broker-local and is not forwarded.
func RecordAttributes(rec *types.NormalizedRecord) map[string]string {
	attrs := make(map[string]string, len(rec.Headers)+5)
	for _, h := range rec.Headers {
		if h.Key == types.HeaderDeliveryTag {
			continue
		}
		attrs[h.Key] = h.Value.String()
	}
	attrs[AttrRoutingKey] = rec.PartitionKey
	attrs[AttrDestination] = rec.Destination
	attrs[AttrEventID] = rec.Key
	attrs[AttrTimestamp] = rec.Timestamp.UTC().Format(time.RFC3339Nano)
	if rec.StreamOffset != nil {
		attrs[AttrStreamOffset] = strconv.FormatInt(*rec.StreamOffset, 10)
	}
	return attrs
}

// orderedResult resumes publishing for the ordering key after a failure;
// the client pauses a key after its first error.
type orderedResult struct {
	res    *pubsub.PublishResult
	topic  *pubsub.Topic
	key    string
	logger zerolog.Logger
}

func (r *orderedResult) Get(ctx context.Context) (string, error) {
	id, err := r.res.Get(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Str("ordering_key", r.key).Msg("Publish failed, resuming ordering key.")
		r.topic.ResumePublish(r.key)
	}
	return id, err
}

type failedResult struct{ err error }

func (r failedResult) Get(context.Context) (string, error) { return "", r.err }
