package messagepipeline_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/illmade-knight/go-streambridge/pkg/messagepipeline"
	"github.com/illmade-knight/go-streambridge/pkg/types"
)

// ====================================================================================
// This file contains mocks for the interfaces defined in this package.
// ====================================================================================

// --- MockRecordSource ---

// MockRecordSource hands out queued batches from Poll and records commits.
type MockRecordSource struct {
	mu        sync.Mutex
	batches   [][]*types.NormalizedRecord
	committed []*types.NormalizedRecord
	commitErr error
	pollErr   error
}

func NewMockRecordSource(batches ...[]*types.NormalizedRecord) *MockRecordSource {
	return &MockRecordSource{batches: batches}
}

func (m *MockRecordSource) Poll(ctx context.Context) ([]*types.NormalizedRecord, error) {
	m.mu.Lock()
	if m.pollErr != nil {
		err := m.pollErr
		m.mu.Unlock()
		return nil, err
	}
	if len(m.batches) > 0 {
		batch := m.batches[0]
		m.batches = m.batches[1:]
		m.mu.Unlock()
		return batch, nil
	}
	m.mu.Unlock()

	// Behave like an idle task: wait briefly, then report no records.
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Millisecond):
	}
	return nil, nil
}

func (m *MockRecordSource) CommitRecord(_ context.Context, rec *types.NormalizedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	m.committed = append(m.committed, rec)
	return nil
}

func (m *MockRecordSource) SetPollError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollErr = err
}

func (m *MockRecordSource) SetCommitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitErr = err
}

// GetCommitted returns a copy of the committed records.
func (m *MockRecordSource) GetCommitted() []*types.NormalizedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.NormalizedRecord, len(m.committed))
	copy(out, m.committed)
	return out
}

// --- MockRecordProducer ---

type mockResult struct {
	id  string
	err error
}

func (r mockResult) Get(context.Context) (string, error) { return r.id, r.err }

// MockRecordProducer succeeds for every record except those whose key is in failKeys.
type MockRecordProducer struct {
	mu        sync.Mutex
	published []*types.NormalizedRecord
	failKeys  map[string]bool
	stopCount int
}

func NewMockRecordProducer(failKeys ...string) *MockRecordProducer {
	m := &MockRecordProducer{failKeys: make(map[string]bool)}
	for _, k := range failKeys {
		m.failKeys[k] = true
	}
	return m
}

func (m *MockRecordProducer) Publish(_ context.Context, rec *types.NormalizedRecord) messagepipeline.PublishResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, rec)
	if m.failKeys[rec.Key] {
		return mockResult{err: errors.New("publish rejected")}
	}
	return mockResult{id: "msg-" + rec.Key}
}

func (m *MockRecordProducer) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCount++
	return nil
}

func (m *MockRecordProducer) GetPublished() []*types.NormalizedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.NormalizedRecord, len(m.published))
	copy(out, m.published)
	return out
}

func (m *MockRecordProducer) GetStopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCount
}

// --- MockOffsetWriter ---

type MockOffsetWriter struct {
	mu      sync.Mutex
	offsets map[string]int64
	err     error
}

func NewMockOffsetWriter() *MockOffsetWriter {
	return &MockOffsetWriter{offsets: make(map[string]int64)}
}

func (m *MockOffsetWriter) WriteOffset(_ context.Context, routingKey string, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if cur, ok := m.offsets[routingKey]; !ok || offset > cur {
		m.offsets[routingKey] = offset
	}
	return nil
}

func (m *MockOffsetWriter) Get(routingKey string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, ok := m.offsets[routingKey]
	return off, ok
}
