package streambridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-streambridge/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTask(ch *fakeChannel, resume ResumeReader, queues ...string) *Task {
	cfg := TaskConfig{
		Queues:            queues,
		Destination:       "events",
		PrefetchCount:     100,
		ConsumerTagPrefix: "test",
		PollBatchSize:     16,
		PollIdleWait:      10 * time.Millisecond,
	}
	return NewTask(cfg, &fakeDialer{ch: ch}, resume, nil, nil, zerolog.Nop())
}

// pollUntil polls the task until n records have been collected.
func pollUntil(t *testing.T, task *Task, n int) []*types.NormalizedRecord {
	t.Helper()
	var out []*types.NormalizedRecord
	require.Eventually(t, func() bool {
		batch, err := task.Poll(context.Background())
		if err != nil {
			return false
		}
		out = append(out, batch...)
		return len(out) >= n
	}, 5*time.Second, time.Millisecond)
	return out
}

func TestTask_EndToEnd_OrderAndAck(t *testing.T) {
	// --- Arrange ---
	ch := newFakeChannel()
	task := newTestTask(ch, &fakeResume{offsets: map[string]int64{"orders": 10}}, "orders", "payments")
	require.NoError(t, task.Start(context.Background()))
	t.Cleanup(task.Stop)

	const perQueue = 50
	var tag uint64
	var wg sync.WaitGroup
	for _, q := range []string{"orders", "payments"} {
		var tags []uint64
		for i := 0; i < perQueue; i++ {
			tag++
			tags = append(tags, tag)
		}
		wg.Add(1)
		go func(q string, tags []uint64) {
			defer wg.Done()
			for i, tg := range tags {
				ch.deliver(q, newDelivery(q, tg, testEventBody(fmt.Sprintf("%s-%d", q, i))))
			}
		}(q, tags)
	}
	wg.Wait()

	// --- Act ---
	records := pollUntil(t, task, 2*perQueue)
	for _, rec := range records {
		require.NoError(t, task.CommitRecord(context.Background(), rec))
	}

	// --- Assert ---
	require.Len(t, records, 2*perQueue)
	perPartition := map[string][]string{}
	for _, rec := range records {
		perPartition[rec.PartitionKey] = append(perPartition[rec.PartitionKey], rec.Key)
		assert.Equal(t, "events", rec.Destination)
	}
	for _, q := range []string{"orders", "payments"} {
		got := perPartition[q]
		require.Len(t, got, perQueue)
		for i, key := range got {
			assert.Equal(t, fmt.Sprintf("%s-%d", q, i), key)
		}
	}
	assert.ElementsMatch(t, seq(1, 2*perQueue), ch.ackedTags())

	calls := ch.consumeCalls()
	require.Len(t, calls, 2)
	starts := map[string]any{}
	for _, c := range calls {
		starts[c.Queue] = c.Args[types.HeaderStreamOffset]
		assert.True(t, strings.HasPrefix(c.ConsumerTag, "test-"+c.Queue+"-"))
	}
	assert.Equal(t, int64(11), starts["orders"])
	assert.Equal(t, StreamOffsetFirst, starts["payments"])
}

func seq(from, to int) []uint64 {
	out := make([]uint64, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, uint64(i))
	}
	return out
}

func TestTask_MalformedDeliveryDoesNotStopQueue(t *testing.T) {
	// --- Arrange ---
	ch := newFakeChannel()
	task := newTestTask(ch, nil, "orders")
	require.NoError(t, task.Start(context.Background()))
	t.Cleanup(task.Stop)

	// --- Act ---
	ch.deliver("orders", newDelivery("orders", 1, testEventBody("e1")))
	ch.deliver("orders", newDelivery("orders", 2, []byte("garbage")))
	ch.deliver("orders", newDelivery("orders", 3, testEventBody("e3")))
	records := pollUntil(t, task, 2)

	// --- Assert ---
	require.Len(t, records, 2)
	assert.Equal(t, "e1", records[0].Key)
	assert.Equal(t, "e3", records[1].Key)
	for _, rec := range records {
		require.NoError(t, task.CommitRecord(context.Background(), rec))
	}
	assert.Equal(t, []uint64{1, 3}, ch.ackedTags(), "the malformed delivery is never acknowledged")
	assert.NoError(t, task.Err())
}

func TestTask_Start_FailsFast(t *testing.T) {
	t.Run("dial failure", func(t *testing.T) {
		task := NewTask(TaskConfig{Queues: []string{"orders"}}, &fakeDialer{err: errors.New("connection refused")}, nil, nil, nil, zerolog.Nop())

		err := task.Start(context.Background())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("subscription failure closes the channel", func(t *testing.T) {
		ch := newFakeChannel()
		ch.consumeErrs["payments"] = errors.New("NOT_FOUND - no queue 'payments'")
		task := newTestTask(ch, nil, "orders", "payments")

		err := task.Start(context.Background())

		require.ErrorIs(t, err, ch.consumeErrs["payments"])
		assert.True(t, ch.isClosed())
	})

	t.Run("no queues", func(t *testing.T) {
		task := newTestTask(newFakeChannel(), nil)
		require.Error(t, task.Start(context.Background()))
	})

	t.Run("second start", func(t *testing.T) {
		task := newTestTask(newFakeChannel(), nil, "orders")
		require.NoError(t, task.Start(context.Background()))
		t.Cleanup(task.Stop)
		require.Error(t, task.Start(context.Background()))
	})
}

func TestTask_Stop(t *testing.T) {
	// --- Arrange ---
	ch := newFakeChannel()
	task := NewTask(TaskConfig{Queues: []string{"orders"}, PollIdleWait: time.Minute}, &fakeDialer{ch: ch}, nil, nil, nil, zerolog.Nop())
	require.NoError(t, task.Start(context.Background()))

	polled := make(chan error, 1)
	go func() {
		_, err := task.Poll(context.Background())
		polled <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// --- Act ---
	task.Stop()
	task.Stop()

	// --- Assert ---
	select {
	case err := <-polled:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not wake the idle poll")
	}
	assert.True(t, ch.isClosed())
	assert.Equal(t, 1, ch.closeCount)
	_, err := task.Poll(context.Background())
	assert.ErrorIs(t, err, ErrTaskStopped)
	assert.ErrorIs(t, task.CommitRecord(context.Background(), normalized(t, "orders", 1)), ErrTaskStopped)
	assert.NoError(t, task.Err())
	assert.Equal(t, Version, task.Version())
}

func TestTask_ChannelLossStopsTask(t *testing.T) {
	// --- Arrange ---
	ch := newFakeChannel()
	task := newTestTask(ch, nil, "orders")
	require.NoError(t, task.Start(context.Background()))
	t.Cleanup(task.Stop)

	// --- Act ---
	ch.kill(errors.New("CHANNEL_ERROR - connection reset"))

	// --- Assert ---
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not stop after channel loss")
	}
	require.Error(t, task.Err())
	assert.Contains(t, task.Err().Error(), "connection reset")
	_, err := task.Poll(context.Background())
	assert.Error(t, err)
}

func TestTask_StopDuringStartClosesChannel(t *testing.T) {
	// --- Arrange ---
	ch := newFakeChannel()
	dialer := &fakeDialer{ch: ch, dialing: make(chan struct{}), gate: make(chan struct{})}
	task := NewTask(TaskConfig{Queues: []string{"orders", "payments"}}, dialer, nil, nil, nil, zerolog.Nop())

	started := make(chan error, 1)
	go func() { started <- task.Start(context.Background()) }()
	<-dialer.dialing

	// --- Act ---
	task.Stop()
	close(dialer.gate)

	// --- Assert ---
	select {
	case err := <-started:
		assert.ErrorIs(t, err, ErrTaskStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
	assert.True(t, ch.isClosed(), "channel opened during Start must be closed")
	_, err := task.Poll(context.Background())
	assert.ErrorIs(t, err, ErrTaskStopped)
}
