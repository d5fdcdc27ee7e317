package streambridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-streambridge/pkg/types"
	"github.com/rs/zerolog"
)

// StreamOffsetFirst asks the broker to deliver from the earliest retained offset.
const StreamOffsetFirst = "first"

// BrokerChannel is the subset of a broker channel the bridge needs. Consume
// returns deliveries for one queue in broker order; the channel is closed when
// the subscription ends.
type BrokerChannel interface {
	Qos(prefetchCount int, global bool) error
	Consume(ctx context.Context, queue, consumerTag string, args map[string]any) (<-chan types.Delivery, error)
	Ack(tag uint64, multiple bool) error
	NotifyClose() <-chan error
	Close() error
}

// ResumeReader looks up the last offset the host durably recorded for a
// routing key. found is false when nothing has been recorded.
type ResumeReader interface {
	ReadOffset(ctx context.Context, routingKey string) (offset int64, found bool, err error)
}

// OffsetAckManager owns the broker channel. It subscribes queues at their
// resume position and acknowledges deliveries once the host confirms them.
// Channel operations are serialized by an internal mutex.
type OffsetAckManager struct {
	ch             BrokerChannel
	resume         ResumeReader
	prefetchCount  int
	prefetchGlobal bool
	metrics        *Metrics
	logger         zerolog.Logger

	mu          sync.Mutex
	outstanding map[uint64]struct{}
	closed      bool
}

// NewOffsetAckManager creates a manager over ch. resume may be nil, in which
// case every queue starts from the earliest offset.
func NewOffsetAckManager(
	ch BrokerChannel,
	resume ResumeReader,
	prefetchCount int,
	prefetchGlobal bool,
	metrics *Metrics,
	logger zerolog.Logger,
) *OffsetAckManager {
	return &OffsetAckManager{
		ch:             ch,
		resume:         resume,
		prefetchCount:  prefetchCount,
		prefetchGlobal: prefetchGlobal,
		metrics:        metrics,
		logger:         logger.With().Str("component", "OffsetAckManager").Logger(),
		outstanding:    make(map[uint64]struct{}),
	}
}

// ResumeArgument returns the stream offset argument for a subscription:
// the position right after the persisted offset, or the earliest position.
func ResumeArgument(offset int64, found bool) any {
	if !found {
		return StreamOffsetFirst
	}
	return offset + 1
}

// Subscribe applies flow control and starts consuming queue from its resume
// position. Any error is fatal to the task.
func (m *OffsetAckManager) Subscribe(ctx context.Context, queue, consumerTag string) (<-chan types.Delivery, error) {
	var (
		offset int64
		found  bool
	)
	if m.resume != nil {
		var err error
		offset, found, err = m.resume.ReadOffset(ctx, queue)
		if err != nil {
			return nil, fmt.Errorf("failed to read resume offset for queue %q: %w", queue, err)
		}
	}
	start := ResumeArgument(offset, found)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrTaskStopped
	}

	if err := m.ch.Qos(m.prefetchCount, m.prefetchGlobal); err != nil {
		return nil, fmt.Errorf("failed to set prefetch for queue %q: %w", queue, err)
	}
	deliveries, err := m.ch.Consume(ctx, queue, consumerTag, map[string]any{types.HeaderStreamOffset: start})
	if err != nil {
		return nil, fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	m.logger.Info().
		Str("queue", queue).
		Str("consumer_tag", consumerTag).
		Interface("stream_offset", start).
		Int("prefetch_count", m.prefetchCount).
		Bool("prefetch_global", m.prefetchGlobal).
		Msg("Subscribed to queue.")
	return deliveries, nil
}

// Track marks tag as delivered and awaiting acknowledgment.
func (m *OffsetAckManager) Track(tag uint64) {
	m.mu.Lock()
	m.outstanding[tag] = struct{}{}
	n := len(m.outstanding)
	m.mu.Unlock()
	m.metrics.outstanding(n)
}

// Commit acknowledges the single delivery the record was built from. It is
// safe to call from any goroutine. ErrAckFailed means the broker was not told
// and the message will be redelivered.
func (m *OffsetAckManager) Commit(_ context.Context, rec *types.NormalizedRecord) error {
	tag, ok := rec.DeliveryTag()
	if !ok {
		return fmt.Errorf("%w: partition %q key %q", ErrMissingDeliveryTag, rec.PartitionKey, rec.Key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrTaskStopped
	}
	if _, ok := m.outstanding[tag]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDeliveryTag, tag)
	}

	err := m.ch.Ack(tag, false)
	if err == nil {
		delete(m.outstanding, tag)
	}
	m.metrics.ackResult(err, len(m.outstanding))
	if err != nil {
		return fmt.Errorf("%w: delivery tag %d: %w", ErrAckFailed, tag, err)
	}

	m.logger.Debug().Uint64("delivery_tag", tag).Str("routing_key", rec.PartitionKey).Msg("Delivery acknowledged.")
	return nil
}

// Outstanding reports the number of deliveries awaiting acknowledgment.
func (m *OffsetAckManager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outstanding)
}

// Close closes the channel. Errors are logged, not returned.
func (m *OffsetAckManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if err := m.ch.Close(); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error().Err(err).Msg("Error closing broker channel.")
	}
	clear(m.outstanding)
	m.logger.Info().Msg("Broker channel closed.")
}
