package streambridge

import (
	"context"

	"github.com/illmade-knight/go-streambridge/pkg/types"
	"github.com/rs/zerolog"
)

// DeliveryTracker records a delivery tag as outstanding so that a later
// acknowledgment can be checked against it.
type DeliveryTracker interface {
	Track(tag uint64)
}

// QuarantineSink receives deliveries that could not be normalized. The
// delivery is still left unacknowledged after it has been quarantined.
// Quarantine runs on the delivery goroutine and must not wait on storage.
type QuarantineSink interface {
	Quarantine(ctx context.Context, d types.Delivery, cause error) error
}

// DeliveryConsumer is the per-delivery callback. It normalizes each delivery
// and hands the result to the HandoffQueue without ever waiting on the reader.
type DeliveryConsumer struct {
	normalizer *Normalizer
	queue      *HandoffQueue
	tracker    DeliveryTracker
	quarantine QuarantineSink
	metrics    *Metrics
	logger     zerolog.Logger
}

// NewDeliveryConsumer creates a consumer. tracker, quarantine and metrics may be nil.
func NewDeliveryConsumer(
	normalizer *Normalizer,
	queue *HandoffQueue,
	tracker DeliveryTracker,
	quarantine QuarantineSink,
	metrics *Metrics,
	logger zerolog.Logger,
) *DeliveryConsumer {
	return &DeliveryConsumer{
		normalizer: normalizer,
		queue:      queue,
		tracker:    tracker,
		quarantine: quarantine,
		metrics:    metrics,
		logger:     logger.With().Str("component", "DeliveryConsumer").Logger(),
	}
}

// HandleDelivery processes one inbound delivery. A normalization failure is
// logged and returned, and the delivery is not acknowledged, so the broker
// redelivers it. No error returned here should terminate the delivery loop.
func (c *DeliveryConsumer) HandleDelivery(ctx context.Context, d types.Delivery) error {
	c.metrics.deliveryReceived(d.Envelope.RoutingKey)

	rec, err := c.normalizer.Normalize(d)
	if err != nil {
		c.metrics.normalizationFailed(d.Envelope.RoutingKey)
		c.logger.Warn().Err(err).
			Str("routing_key", d.Envelope.RoutingKey).
			Uint64("delivery_tag", d.Envelope.DeliveryTag).
			Str("consumer_tag", d.ConsumerTag).
			Msg("Failed to normalize delivery, leaving it unacknowledged.")
		if c.quarantine != nil {
			if qErr := c.quarantine.Quarantine(ctx, d, err); qErr != nil {
				c.logger.Error().Err(qErr).
					Uint64("delivery_tag", d.Envelope.DeliveryTag).
					Msg("Failed to quarantine malformed delivery.")
			}
		}
		return err
	}

	// Track before enqueue so the tag is known by the time a poller can see the record.
	if c.tracker != nil {
		c.tracker.Track(d.Envelope.DeliveryTag)
	}
	c.queue.Enqueue(rec)
	c.metrics.recordEnqueued(d.Envelope.RoutingKey, c.queue.Len())

	c.logger.Debug().
		Str("routing_key", d.Envelope.RoutingKey).
		Uint64("delivery_tag", d.Envelope.DeliveryTag).
		Msg("Delivery normalized and enqueued.")
	return nil
}
