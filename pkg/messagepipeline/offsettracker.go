package messagepipeline

import "sync"

// offsetTracker computes, per routing key, the highest stream offset whose
// record and every earlier record polled for that key are confirmed. Offsets
// must be tracked in poll order. A failed offset is never confirmed, so the key
// stops advancing below it for the lifetime of the tracker and the next
// startup replays the failed record.
type offsetTracker struct {
	mu   sync.Mutex
	keys map[string]*keyOffsets
}

type keyOffsets struct {
	pending []trackedOffset
	blocked bool
}

type trackedOffset struct {
	offset    int64
	confirmed bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{keys: make(map[string]*keyOffsets)}
}

func (t *offsetTracker) key(routingKey string) *keyOffsets {
	k, ok := t.keys[routingKey]
	if !ok {
		k = &keyOffsets{}
		t.keys[routingKey] = k
	}
	return k
}

// track registers an offset as in flight.
func (t *offsetTracker) track(routingKey string, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := t.key(routingKey)
	if k.blocked {
		return
	}
	k.pending = append(k.pending, trackedOffset{offset: offset})
}

// confirm marks offset as durably forwarded. It returns the offset the key
// may now be advanced to, if the confirmed prefix grew.
func (t *offsetTracker) confirm(routingKey string, offset int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := t.key(routingKey)
	i := k.find(offset)
	if i < 0 {
		return 0, false
	}
	k.pending[i].confirmed = true

	n := 0
	for n < len(k.pending) && k.pending[n].confirmed {
		n++
	}
	if n == 0 {
		return 0, false
	}
	advanced := k.pending[n-1].offset
	k.pending = k.pending[n:]
	return advanced, true
}

// fail pins the key below offset. Offsets tracked before it can still be
// confirmed; offsets after it are forgotten and no new ones are tracked.
func (t *offsetTracker) fail(routingKey string, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := t.key(routingKey)
	k.blocked = true
	if i := k.find(offset); i >= 0 {
		k.pending = k.pending[:i+1]
	}
}

// find returns the index of the unconfirmed entry for offset, or -1.
func (k *keyOffsets) find(offset int64) int {
	for i := range k.pending {
		if k.pending[i].offset == offset && !k.pending[i].confirmed {
			return i
		}
	}
	return -1
}
