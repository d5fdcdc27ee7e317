package messagepipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-streambridge/pkg/types"
	"github.com/rs/zerolog"
)

// ForwardingServiceConfig holds configuration for a ForwardingService.
type ForwardingServiceConfig struct {
	// ConfirmWorkers is the number of goroutines waiting on publish results.
	ConfirmWorkers int
	// PendingBuffer bounds the number of publishes awaiting confirmation.
	PendingBuffer int
	// ConfirmationTimeout bounds the wait for one publish result.
	ConfirmationTimeout time.Duration
}

// NewForwardingServiceDefaults provides a config with sensible defaults.
func NewForwardingServiceDefaults() ForwardingServiceConfig {
	return ForwardingServiceConfig{
		ConfirmWorkers:      5,
		PendingBuffer:       1024,
		ConfirmationTimeout: 20 * time.Second,
	}
}

type pendingPublish struct {
	rec    *types.NormalizedRecord
	result PublishResult
}

// ForwardingService is the host loop around a RecordSource: it polls records,
// publishes each to the producer and, once the publish is confirmed, records
// the offset and commits the record back to the source. A failed publish
// leaves the record uncommitted so the broker redelivers it. A failed commit
// stops the service.
//
// The stored offset for a routing key only covers records whose predecessors
// on that key are all confirmed. After a failed publish the key's offset is
// frozen so a restart replays from the failed record.
type ForwardingService struct {
	cfg      ForwardingServiceConfig
	source   RecordSource
	producer RecordProducer
	offsets  OffsetWriter
	tracker  *offsetTracker
	filter   RecordFilter
	logger   zerolog.Logger

	pending  chan pendingPublish
	loopWG   sync.WaitGroup
	workerWG sync.WaitGroup
	cancel   context.CancelFunc
	done     chan struct{}

	mu  sync.Mutex
	err error
}

// NewForwardingService creates a new ForwardingService. offsets and filter may be nil.
func NewForwardingService(
	cfg ForwardingServiceConfig,
	source RecordSource,
	producer RecordProducer,
	offsets OffsetWriter,
	filter RecordFilter,
	logger zerolog.Logger,
) (*ForwardingService, error) {
	if source == nil {
		return nil, fmt.Errorf("record source cannot be nil")
	}
	if producer == nil {
		return nil, fmt.Errorf("record producer cannot be nil")
	}
	defaults := NewForwardingServiceDefaults()
	if cfg.ConfirmWorkers <= 0 {
		cfg.ConfirmWorkers = defaults.ConfirmWorkers
	}
	if cfg.PendingBuffer <= 0 {
		cfg.PendingBuffer = defaults.PendingBuffer
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = defaults.ConfirmationTimeout
	}

	return &ForwardingService{
		cfg:      cfg,
		source:   source,
		producer: producer,
		offsets:  offsets,
		tracker:  newOffsetTracker(),
		filter:   filter,
		logger:   logger.With().Str("service", "ForwardingService").Logger(),
		pending:  make(chan pendingPublish, cfg.PendingBuffer),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the poll loop and the confirmation workers.
func (s *ForwardingService) Start(ctx context.Context) error {
	s.logger.Info().Int("worker_count", s.cfg.ConfirmWorkers).Msg("Starting forwarding service...")
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.workerWG.Add(s.cfg.ConfirmWorkers)
	for i := 0; i < s.cfg.ConfirmWorkers; i++ {
		go s.confirmWorker(i)
	}
	s.loopWG.Add(1)
	go s.pollLoop(runCtx)

	go func() {
		s.loopWG.Wait()
		close(s.pending)
		s.workerWG.Wait()
		close(s.done)
	}()

	s.logger.Info().Msg("Forwarding service started successfully.")
	return nil
}

func (s *ForwardingService) pollLoop(ctx context.Context) {
	defer s.loopWG.Done()
	for ctx.Err() == nil {
		batch, err := s.source.Poll(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(fmt.Errorf("record source stopped: %w", err))
			}
			return
		}
		for _, rec := range batch {
			if !s.forward(ctx, rec) {
				return
			}
		}
	}
}

// forward filters and publishes one record. It returns false when the loop must stop.
func (s *ForwardingService) forward(ctx context.Context, rec *types.NormalizedRecord) bool {
	if rec.StreamOffset != nil {
		s.tracker.track(rec.PartitionKey, *rec.StreamOffset)
	}

	if s.filter != nil {
		drop, err := s.filter(ctx, rec)
		if err != nil {
			s.logger.Error().Err(err).Str("event_id", rec.Key).Msg("Record filter failed, leaving record unacknowledged.")
			s.freezeOffset(rec)
			return true
		}
		if drop {
			s.recordOffset(ctx, rec)
			if err := s.source.CommitRecord(ctx, rec); err != nil {
				s.fail(fmt.Errorf("commit dropped record %s: %w", rec.Key, err))
				return false
			}
			s.logger.Debug().Str("event_id", rec.Key).Msg("Record dropped by filter and committed.")
			return true
		}
	}

	res := s.producer.Publish(ctx, rec)
	select {
	case s.pending <- pendingPublish{rec: rec, result: res}:
		return true
	case <-ctx.Done():
		s.logger.Warn().Str("event_id", rec.Key).Msg("Shutdown in progress, record left unacknowledged.")
		return false
	}
}

func (s *ForwardingService) confirmWorker(workerID int) {
	defer s.workerWG.Done()
	s.logger.Debug().Int("worker_id", workerID).Msg("Confirmation worker started.")
	for p := range s.pending {
		s.confirm(p)
	}
}

// confirm waits for one publish result. It uses its own timeout so that
// records already published during shutdown can still be committed.
func (s *ForwardingService) confirm(p pendingPublish) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConfirmationTimeout)
	defer cancel()

	msgID, err := p.result.Get(ctx)
	if err != nil {
		s.logger.Error().Err(err).
			Str("event_id", p.rec.Key).
			Str("routing_key", p.rec.PartitionKey).
			Msg("Failed to publish record, leaving it unacknowledged for redelivery.")
		s.freezeOffset(p.rec)
		return
	}

	s.recordOffset(ctx, p.rec)

	if err := s.source.CommitRecord(ctx, p.rec); err != nil {
		s.fail(fmt.Errorf("commit record %s: %w", p.rec.Key, err))
		return
	}
	s.logger.Debug().Str("event_id", p.rec.Key).Str("pubsub_msg_id", msgID).Msg("Record published and committed.")
}

// recordOffset confirms rec's offset and writes the key's new contiguous
// offset when it advanced.
func (s *ForwardingService) recordOffset(ctx context.Context, rec *types.NormalizedRecord) {
	if rec.StreamOffset == nil {
		return
	}
	offset, ok := s.tracker.confirm(rec.PartitionKey, *rec.StreamOffset)
	if !ok || s.offsets == nil {
		return
	}
	if err := s.offsets.WriteOffset(ctx, rec.PartitionKey, offset); err != nil {
		s.logger.Warn().Err(err).
			Str("routing_key", rec.PartitionKey).
			Int64("stream_offset", offset).
			Msg("Failed to record stream offset, a restart may replay this record.")
	}
}

func (s *ForwardingService) freezeOffset(rec *types.NormalizedRecord) {
	if rec.StreamOffset == nil {
		return
	}
	s.tracker.fail(rec.PartitionKey, *rec.StreamOffset)
	s.logger.Warn().
		Str("routing_key", rec.PartitionKey).
		Int64("stream_offset", *rec.StreamOffset).
		Msg("Stream offset frozen for routing key until restart.")
}

func (s *ForwardingService) fail(err error) {
	s.mu.Lock()
	first := s.err == nil
	if first {
		s.err = err
	}
	cancel := s.cancel
	s.mu.Unlock()

	if first {
		s.logger.Error().Err(err).Msg("Forwarding service failed, stopping.")
	}
	if cancel != nil {
		cancel()
	}
}

// Stop halts polling, waits for in-flight confirmations and stops the producer.
func (s *ForwardingService) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping forwarding service...")
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-s.done:
			s.logger.Info().Msg("All confirmation workers completed gracefully.")
		case <-ctx.Done():
			s.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for confirmation workers to finish.")
			return ctx.Err()
		}
	}

	if err := s.producer.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop producer: %w", err)
	}
	s.logger.Info().Msg("Forwarding service stopped.")
	return nil
}

// Done is closed once the poll loop and all confirmation workers have exited.
func (s *ForwardingService) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that stopped the service, if any.
func (s *ForwardingService) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
