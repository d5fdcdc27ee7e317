package streambridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-streambridge/pkg/types"
	"github.com/rs/zerolog"
)

// Version is reported by Task.Version.
const Version = "1.0.0"

// Dialer opens a broker channel. Each Task dials exactly once.
type Dialer interface {
	Dial(ctx context.Context) (BrokerChannel, error)
}

// TaskConfig holds the settings consumed by a Task.
type TaskConfig struct {
	// Queues are the stream queues to consume. Each queue name doubles as the
	// routing key under which its resume offset is stored.
	Queues            []string
	Destination       string
	PrefetchCount     int
	PrefetchGlobal    bool
	ConsumerTagPrefix string
	PollBatchSize     int
	PollIdleWait      time.Duration
}

// Task wires the bridge components together and exposes the lifecycle a host
// pipeline drives: Start, then Poll and CommitRecord concurrently, then Stop.
type Task struct {
	cfg        TaskConfig
	dialer     Dialer
	resume     ResumeReader
	quarantine QuarantineSink
	metrics    *Metrics
	base       zerolog.Logger
	logger     zerolog.Logger

	queue    *HandoffQueue
	poller   *PollingBridge
	consumer *DeliveryConsumer

	mu      sync.Mutex
	started bool
	stopped bool
	manager *OffsetAckManager
	cancel  context.CancelFunc
	err     error

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// NewTask creates a task. resume, quarantine and metrics may be nil.
func NewTask(
	cfg TaskConfig,
	dialer Dialer,
	resume ResumeReader,
	quarantine QuarantineSink,
	metrics *Metrics,
	logger zerolog.Logger,
) *Task {
	queue := NewHandoffQueue()
	return &Task{
		cfg:        cfg,
		dialer:     dialer,
		resume:     resume,
		quarantine: quarantine,
		metrics:    metrics,
		base:       logger,
		logger:     logger.With().Str("component", "StreamBridgeTask").Logger(),
		queue:      queue,
		poller:     NewPollingBridge(queue, cfg.PollBatchSize, cfg.PollIdleWait, metrics, logger),
		done:       make(chan struct{}),
	}
}

// Version returns the task version string.
func (t *Task) Version() string { return Version }

// Start dials the broker and subscribes every configured queue. It fails fast:
// if any step fails the channel is closed and the error returned.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("task already started")
	}
	t.started = true
	t.mu.Unlock()

	select {
	case <-t.done:
		return ErrTaskStopped
	default:
	}

	if len(t.cfg.Queues) == 0 {
		return errors.New("no queues configured")
	}

	ch, err := t.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to open broker channel: %w", err)
	}
	closed := ch.NotifyClose()

	manager := NewOffsetAckManager(ch, t.resume, t.cfg.PrefetchCount, t.cfg.PrefetchGlobal, t.metrics, t.base)
	t.consumer = NewDeliveryConsumer(NewNormalizer(t.cfg.Destination), t.queue, manager, t.quarantine, t.metrics, t.base)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	subs := make(map[string]<-chan types.Delivery, len(t.cfg.Queues))
	for _, q := range t.cfg.Queues {
		deliveries, err := manager.Subscribe(ctx, q, t.consumerTag(q))
		if err != nil {
			cancel()
			manager.Close()
			return err
		}
		subs[q] = deliveries
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		cancel()
		manager.Close()
		return ErrTaskStopped
	}
	t.manager = manager
	t.cancel = cancel
	t.mu.Unlock()

	for q, deliveries := range subs {
		t.wg.Add(1)
		go t.consumeLoop(runCtx, q, deliveries)
	}
	go t.watchChannel(runCtx, closed)

	t.logger.Info().Strs("queues", t.cfg.Queues).Str("destination", t.cfg.Destination).Msg("Task started.")
	return nil
}

func (t *Task) consumerTag(queue string) string {
	prefix := t.cfg.ConsumerTagPrefix
	if prefix == "" {
		prefix = "streambridge"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, queue, uuid.NewString())
}

// consumeLoop handles one queue's deliveries serially, preserving broker order.
func (t *Task) consumeLoop(ctx context.Context, queue string, deliveries <-chan types.Delivery) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					t.halt(fmt.Errorf("subscription to queue %q ended unexpectedly", queue))
				}
				return
			}
			// Errors are logged by the consumer and the delivery stays unacknowledged.
			_ = t.consumer.HandleDelivery(ctx, d)
		}
	}
}

func (t *Task) watchChannel(ctx context.Context, closed <-chan error) {
	select {
	case <-ctx.Done():
	case err, ok := <-closed:
		if ctx.Err() != nil {
			return
		}
		if !ok || err == nil {
			err = errors.New("broker channel closed")
		}
		t.logger.Error().Err(err).Msg("Broker channel closed unexpectedly, stopping task.")
		t.halt(fmt.Errorf("broker channel lost: %w", err))
	}
}

// Poll returns the next batch of records, or nil when none are available.
// After the task has stopped it returns the fatal error that stopped it, or
// ErrTaskStopped.
func (t *Task) Poll(ctx context.Context) ([]*types.NormalizedRecord, error) {
	select {
	case <-t.done:
		if err := t.Err(); err != nil {
			return nil, err
		}
		return nil, ErrTaskStopped
	default:
	}
	return t.poller.Poll(ctx), nil
}

// CommitRecord acknowledges the delivery behind rec. The host calls it once rec
// is durably committed downstream or deliberately dropped. A returned error
// should be treated as fatal.
func (t *Task) CommitRecord(ctx context.Context, rec *types.NormalizedRecord) error {
	t.mu.Lock()
	manager := t.manager
	t.mu.Unlock()
	if manager == nil {
		return ErrTaskStopped
	}
	return manager.Commit(ctx, rec)
}

// Stop interrupts a waiting Poll, closes the broker channel and waits for the
// delivery goroutines to exit. It is idempotent.
func (t *Task) Stop() {
	t.halt(nil)
	t.wg.Wait()
}

func (t *Task) halt(cause error) {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		t.err = cause
		cancel := t.cancel
		manager := t.manager
		t.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		t.poller.Close()
		if manager != nil {
			manager.Close()
		}
		close(t.done)
		t.logger.Info().Msg("Task stopped.")
	})
}

// Done is closed once the task has stopped, either through Stop or because of
// a fatal broker error.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the error that stopped the task, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
