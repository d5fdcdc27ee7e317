package streambridge

import (
	"sync"

	"github.com/illmade-knight/go-streambridge/pkg/types"
)

// HandoffQueue decouples the delivery goroutines from the polling goroutine.
// Enqueue never blocks on the reader; growth is bounded upstream by the broker
// prefetch limit, which caps unacknowledged deliveries.
type HandoffQueue struct {
	mu    sync.Mutex
	items []*types.NormalizedRecord
}

// NewHandoffQueue creates an empty queue.
func NewHandoffQueue() *HandoffQueue {
	return &HandoffQueue{}
}

// Enqueue appends a record. It is safe to call from several goroutines.
func (q *HandoffQueue) Enqueue(rec *types.NormalizedRecord) {
	q.mu.Lock()
	q.items = append(q.items, rec)
	q.mu.Unlock()
}

// DrainAll atomically removes and returns up to maxItems records in FIFO order.
// It returns nil when the queue is empty or maxItems is not positive.
func (q *HandoffQueue) DrainAll(maxItems int) []*types.NormalizedRecord {
	if maxItems <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(maxItems, len(q.items))
	if n == 0 {
		return nil
	}
	out := make([]*types.NormalizedRecord, n)
	copy(out, q.items[:n])
	clear(q.items[:n])
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return out
}

// Len reports the number of queued records.
func (q *HandoffQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
