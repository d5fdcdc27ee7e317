package messagepipeline

import (
	"context"

	"github.com/illmade-knight/go-streambridge/pkg/types"
)

// ====================================================================================
// This file defines the contracts between the forwarding host, the record source
// it drives, and the downstream log it publishes to.
// ====================================================================================

// --- Stage 1: Source ---

// RecordSource is the task the host polls. Poll returns nil when nothing is
// available; an error means the source has stopped and the host must stop too.
type RecordSource interface {
	Poll(ctx context.Context) ([]*types.NormalizedRecord, error)
	// CommitRecord confirms that a record was durably written or deliberately
	// dropped. An error is fatal to the host.
	CommitRecord(ctx context.Context, rec *types.NormalizedRecord) error
}

// --- Stage 2: Filter ---

// RecordFilter decides whether a record is dropped instead of published.
// Dropped records are still committed so the source can acknowledge them.
type RecordFilter func(ctx context.Context, rec *types.NormalizedRecord) (drop bool, err error)

// --- Stage 3: Producer ---

// PublishResult resolves to the downstream message ID once the publish is durable.
type PublishResult interface {
	Get(ctx context.Context) (string, error)
}

// RecordProducer publishes records to the downstream log. Publish must not block
// on the network; the outcome is delivered through the PublishResult.
type RecordProducer interface {
	Publish(ctx context.Context, rec *types.NormalizedRecord) PublishResult
	// Stop flushes outstanding publishes, respecting the context's deadline.
	Stop(ctx context.Context) error
}

// --- Stage 4: Resume state ---

// OffsetWriter records the stream offset of a durably forwarded record.
type OffsetWriter interface {
	WriteOffset(ctx context.Context, routingKey string, offset int64) error
}
