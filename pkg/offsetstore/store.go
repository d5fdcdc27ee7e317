// Package offsetstore persists the last stream offset the host pipeline has
// durably forwarded, per routing key, so that a restarted task resumes after it.
package offsetstore

import "context"

// Store reads and writes resume offsets. Writes never move an offset backwards.
type Store interface {
	// ReadOffset returns the stored offset for routingKey. found is false when
	// nothing has been stored yet.
	ReadOffset(ctx context.Context, routingKey string) (offset int64, found bool, err error)
	// WriteOffset records offset for routingKey unless a higher offset is already stored.
	WriteOffset(ctx context.Context, routingKey string, offset int64) error
	Close() error
}
