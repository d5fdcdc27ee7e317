package streambridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-streambridge/pkg/types"
)

// ====================================================================================
// Fakes for the broker-facing interfaces used by the bridge.
// ====================================================================================

// --- fakeChannel ---

type consumeCall struct {
	Queue       string
	ConsumerTag string
	Args        map[string]any
}

// fakeChannel is an in-memory BrokerChannel. Deliveries are pushed per queue
// with deliver and every operation is recorded in ops.
type fakeChannel struct {
	mu          sync.Mutex
	ops         []string
	consumes    []consumeCall
	acks        []uint64
	qosErr      error
	ackErr      error
	closeErr    error
	consumeErrs map[string]error
	deliveries  map[string]chan types.Delivery
	notify      chan error
	closed      bool
	closeCount  int
	prefetch    int
	global      bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		consumeErrs: make(map[string]error),
		deliveries:  make(map[string]chan types.Delivery),
		notify:      make(chan error, 1),
	}
}

func (f *fakeChannel) Qos(prefetchCount int, global bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, fmt.Sprintf("qos:%d:%t", prefetchCount, global))
	if f.qosErr != nil {
		return f.qosErr
	}
	f.prefetch = prefetchCount
	f.global = global
	return nil
}

func (f *fakeChannel) Consume(_ context.Context, queue, consumerTag string, args map[string]any) (<-chan types.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "consume:"+queue)
	if err := f.consumeErrs[queue]; err != nil {
		return nil, err
	}
	f.consumes = append(f.consumes, consumeCall{Queue: queue, ConsumerTag: consumerTag, Args: args})
	return f.queueLocked(queue), nil
}

func (f *fakeChannel) queueLocked(queue string) chan types.Delivery {
	ch, ok := f.deliveries[queue]
	if !ok {
		ch = make(chan types.Delivery, 256)
		f.deliveries[queue] = ch
	}
	return ch
}

func (f *fakeChannel) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if multiple {
		return errors.New("multiple ack not expected")
	}
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acks = append(f.acks, tag)
	return nil
}

func (f *fakeChannel) NotifyClose() <-chan error {
	return f.notify
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	if !f.closed {
		f.closed = true
		for _, ch := range f.deliveries {
			close(ch)
		}
	}
	return f.closeErr
}

// deliver pushes a delivery onto the queue's subscription.
func (f *fakeChannel) deliver(queue string, d types.Delivery) {
	f.mu.Lock()
	ch := f.queueLocked(queue)
	f.mu.Unlock()
	ch <- d
}

// kill simulates the broker closing the channel with an error.
func (f *fakeChannel) kill(err error) {
	f.notify <- err
}

func (f *fakeChannel) ackedTags() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.acks...)
}

func (f *fakeChannel) opLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeChannel) consumeCalls() []consumeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]consumeCall(nil), f.consumes...)
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// --- fakeDialer ---

// fakeDialer hands out ch. When gate is set, Dial closes dialing and then
// blocks until gate is closed.
type fakeDialer struct {
	ch      *fakeChannel
	err     error
	dialing chan struct{}
	gate    chan struct{}
}

func (d *fakeDialer) Dial(_ context.Context) (BrokerChannel, error) {
	if d.gate != nil {
		close(d.dialing)
		<-d.gate
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.ch, nil
}

// --- fakeResume ---

type fakeResume struct {
	offsets map[string]int64
	err     error
}

func (r *fakeResume) ReadOffset(_ context.Context, routingKey string) (int64, bool, error) {
	if r.err != nil {
		return 0, false, r.err
	}
	off, ok := r.offsets[routingKey]
	return off, ok, nil
}

// --- recordingTracker / recordingQuarantine ---

type recordingTracker struct {
	mu   sync.Mutex
	tags []uint64
}

func (r *recordingTracker) Track(tag uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, tag)
}

type quarantined struct {
	Delivery types.Delivery
	Cause    error
}

type recordingQuarantine struct {
	mu    sync.Mutex
	items []quarantined
	err   error
}

func (r *recordingQuarantine) Quarantine(_ context.Context, d types.Delivery, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, quarantined{Delivery: d, Cause: cause})
	return r.err
}

func (r *recordingQuarantine) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// --- delivery builders ---

func testEventBody(eventID string) []byte {
	return []byte(fmt.Sprintf(`{"event_id":%q,"timestamp":"t1","command_id":"c1","payload":{"x":1}}`, eventID))
}

func newDelivery(queue string, tag uint64, body []byte) types.Delivery {
	return types.Delivery{
		ConsumerTag: "ctag-" + queue,
		Envelope:    types.Envelope{RoutingKey: queue, DeliveryTag: tag},
		Body:        body,
	}
}
