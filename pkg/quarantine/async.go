package quarantine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/illmade-knight/go-streambridge/pkg/types"
	"github.com/rs/zerolog"
)

// Sink writes one malformed delivery to durable storage.
type Sink interface {
	Quarantine(ctx context.Context, d types.Delivery, cause error) error
}

// AsyncConfig holds configuration for an AsyncQuarantine.
type AsyncConfig struct {
	// QueueSize bounds the deliveries waiting to be written. Further deliveries are dropped.
	QueueSize int
	Workers   int
	// WriteTimeout bounds a single write to the underlying sink.
	WriteTimeout time.Duration
}

// NewAsyncConfigDefaults provides a config with sensible defaults.
func NewAsyncConfigDefaults() AsyncConfig {
	return AsyncConfig{
		QueueSize:    256,
		Workers:      2,
		WriteTimeout: 30 * time.Second,
	}
}

type job struct {
	d     types.Delivery
	cause error
}

// AsyncQuarantine hands deliveries to background workers so that the delivery
// goroutine never waits on storage I/O. When the queue is full the delivery is
// dropped from quarantine; it remains unacknowledged at the broker either way.
type AsyncQuarantine struct {
	sink   Sink
	cfg    AsyncConfig
	jobs   chan job
	wg     sync.WaitGroup
	logger zerolog.Logger

	mu      sync.RWMutex
	stopped bool
}

// NewAsyncQuarantine starts cfg.Workers goroutines writing to sink.
func NewAsyncQuarantine(sink Sink, cfg AsyncConfig, logger zerolog.Logger) (*AsyncQuarantine, error) {
	if sink == nil {
		return nil, errors.New("quarantine sink cannot be nil")
	}
	defaults := NewAsyncConfigDefaults()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}

	a := &AsyncQuarantine{
		sink:   sink,
		cfg:    cfg,
		jobs:   make(chan job, cfg.QueueSize),
		logger: logger.With().Str("component", "AsyncQuarantine").Logger(),
	}
	a.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go a.worker()
	}
	return a, nil
}

// Quarantine queues the delivery and returns immediately.
func (a *AsyncQuarantine) Quarantine(_ context.Context, d types.Delivery, cause error) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.stopped {
		a.logger.Warn().Uint64("delivery_tag", d.Envelope.DeliveryTag).Msg("Quarantine stopped, delivery not quarantined.")
		return nil
	}
	select {
	case a.jobs <- job{d: d, cause: cause}:
	default:
		a.logger.Warn().
			Str("routing_key", d.Envelope.RoutingKey).
			Uint64("delivery_tag", d.Envelope.DeliveryTag).
			Int("queue_size", a.cfg.QueueSize).
			Msg("Quarantine queue full, delivery not quarantined.")
	}
	return nil
}

func (a *AsyncQuarantine) worker() {
	defer a.wg.Done()
	for j := range a.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.WriteTimeout)
		if err := a.sink.Quarantine(ctx, j.d, j.cause); err != nil {
			a.logger.Error().Err(err).
				Str("routing_key", j.d.Envelope.RoutingKey).
				Uint64("delivery_tag", j.d.Envelope.DeliveryTag).
				Msg("Failed to quarantine malformed delivery.")
		}
		cancel()
	}
}

// Stop rejects new deliveries and waits for queued ones to be written,
// respecting the context's deadline.
func (a *AsyncQuarantine) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.stopped {
		a.stopped = true
		close(a.jobs)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		a.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for quarantine writes to finish.")
		return ctx.Err()
	}
}
