package quarantine

import (
	"bytes"
	"context"
	"errors"
	"sync"
)

// --- Mock GCS Client Components ---

// mockGCSWriter is a mock GCSWriter that writes to an in-memory buffer.
type mockGCSWriter struct {
	buf      bytes.Buffer
	closed   bool
	writeErr error
}

func (m *mockGCSWriter) Write(p []byte) (n int, err error) {
	if m.closed {
		return 0, errors.New("write on closed writer")
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.buf.Write(p)
}

func (m *mockGCSWriter) Close() error {
	if m.closed {
		return errors.New("already closed")
	}
	m.closed = true
	return nil
}

// mockGCSObjectHandle is a mock GCSObjectHandle.
type mockGCSObjectHandle struct {
	writer *mockGCSWriter
}

func (m *mockGCSObjectHandle) NewWriter(_ context.Context) GCSWriter {
	if m.writer == nil {
		m.writer = &mockGCSWriter{}
	}
	return m.writer
}

// mockGCSBucketHandle is a mock GCSBucketHandle that stores created objects in a map.
type mockGCSBucketHandle struct {
	sync.Mutex
	objects  map[string]*mockGCSObjectHandle
	writeErr error
}

func (m *mockGCSBucketHandle) Object(name string) GCSObjectHandle {
	m.Lock()
	defer m.Unlock()
	if m.objects == nil {
		m.objects = make(map[string]*mockGCSObjectHandle)
	}
	if _, ok := m.objects[name]; !ok {
		m.objects[name] = &mockGCSObjectHandle{writer: &mockGCSWriter{writeErr: m.writeErr}}
	}
	return m.objects[name]
}

// mockGCSClient is a mock GCSClient.
type mockGCSClient struct {
	bucketName string
	bucket     *mockGCSBucketHandle
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{
		bucket: &mockGCSBucketHandle{},
	}
}

func (m *mockGCSClient) Bucket(name string) GCSBucketHandle {
	m.bucketName = name
	return m.bucket
}
