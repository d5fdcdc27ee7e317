package streambridge

import (
	"context"
	"sync"
	"time"

	"github.com/illmade-knight/go-streambridge/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultPollBatchSize bounds the number of records returned by one Poll.
	DefaultPollBatchSize = 4096
	// DefaultPollIdleWait is how long Poll waits on an empty queue before returning.
	DefaultPollIdleWait = time.Second
)

// PollingBridge is the task-facing side of the HandoffQueue.
type PollingBridge struct {
	queue     *HandoffQueue
	batchSize int
	idleWait  time.Duration
	metrics   *Metrics
	logger    zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewPollingBridge creates a bridge. Non-positive batchSize or idleWait fall
// back to the defaults.
func NewPollingBridge(queue *HandoffQueue, batchSize int, idleWait time.Duration, metrics *Metrics, logger zerolog.Logger) *PollingBridge {
	if batchSize <= 0 {
		batchSize = DefaultPollBatchSize
	}
	if idleWait <= 0 {
		idleWait = DefaultPollIdleWait
	}
	return &PollingBridge{
		queue:     queue,
		batchSize: batchSize,
		idleWait:  idleWait,
		metrics:   metrics,
		logger:    logger.With().Str("component", "PollingBridge").Logger(),
		stop:      make(chan struct{}),
	}
}

// Poll returns the next batch of records. When the queue is empty it waits for
// the idle interval and returns nil, which means "no records" rather than an
// error. The wait ends early when ctx is cancelled or Close is called.
func (p *PollingBridge) Poll(ctx context.Context) []*types.NormalizedRecord {
	batch := p.queue.DrainAll(p.batchSize)
	if len(batch) > 0 {
		p.metrics.recordsPolled(len(batch), p.queue.Len())
		p.logger.Debug().Int("batch_size", len(batch)).Msg("Drained batch from handoff queue.")
		return batch
	}

	timer := time.NewTimer(p.idleWait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-p.stop:
	}
	return nil
}

// Close wakes any Poll that is currently idling. It is safe to call more than once.
func (p *PollingBridge) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}
