package streambridge

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedBody marks a message body that does not match the expected event structure.
	ErrMalformedBody = errors.New("malformed message body")
	// ErrMissingDeliveryTag is returned when a committed record has no delivery tag header.
	ErrMissingDeliveryTag = errors.New("record has no delivery tag header")
	// ErrUnknownDeliveryTag is returned when a committed record's tag was already
	// acknowledged or was never delivered on the current channel.
	ErrUnknownDeliveryTag = errors.New("delivery tag is not outstanding")
	// ErrAckFailed wraps a channel error raised while acknowledging a delivery.
	ErrAckFailed = errors.New("broker acknowledgment failed")
	// ErrTaskStopped is returned by operations invoked after the task stopped.
	ErrTaskStopped = errors.New("task stopped")
)

// NormalizationError reports a delivery that could not be turned into a record.
type NormalizationError struct {
	RoutingKey  string
	DeliveryTag uint64
	Err         error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize delivery %d from %q: %v", e.DeliveryTag, e.RoutingKey, e.Err)
}

func (e *NormalizationError) Unwrap() error { return e.Err }
