package messagepipeline

import (
	"context"

	"github.com/illmade-knight/go-streambridge/pkg/types"
	"github.com/rs/zerolog"
)

// WithPayloadSizeLimit is a decorator. It returns a RecordFilter that drops
// records whose event payload is outside [minSize, maxSize] bytes before
// consulting inner. inner may be nil.
func WithPayloadSizeLimit(
	inner RecordFilter,
	minSize int,
	maxSize int,
	logger zerolog.Logger,
) RecordFilter {
	return func(ctx context.Context, rec *types.NormalizedRecord) (bool, error) {
		size := len(rec.Value.Payload)
		if size < minSize || size > maxSize {
			logger.Warn().
				Str("event_id", rec.Key).
				Str("routing_key", rec.PartitionKey).
				Int("payload_size", size).
				Msg("Dropping record due to invalid payload size.")
			return true, nil
		}
		if inner == nil {
			return false, nil
		}
		return inner(ctx, rec)
	}
}

// DropCommands returns a RecordFilter that drops records whose command_id is in commandIDs.
func DropCommands(commandIDs ...string) RecordFilter {
	drop := make(map[string]struct{}, len(commandIDs))
	for _, id := range commandIDs {
		drop[id] = struct{}{}
	}
	return func(_ context.Context, rec *types.NormalizedRecord) (bool, error) {
		_, ok := drop[rec.Value.CommandID]
		return ok, nil
	}
}
