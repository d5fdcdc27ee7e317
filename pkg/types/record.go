package types

import (
	"encoding/json"
	"time"
)

const (
	// HeaderDeliveryTag is the record header that carries the broker delivery tag
	// through the host pipeline to the acknowledgment path.
	HeaderDeliveryTag = "deliveryTag"
	// HeaderStreamOffset is the broker header holding a stream position marker.
	// It is also the key used in the record's offset map.
	HeaderStreamOffset = "x-stream-offset"
	// PartitionRoutingKey is the key used in the record's partition map.
	PartitionRoutingKey = "routingKey"
)

// Envelope is the broker-assigned identity of one delivered message.
type Envelope struct {
	RoutingKey  string
	DeliveryTag uint64
	Exchange    string
	Redelivered bool
}

// Properties holds the producer-supplied metadata of a message. A zero
// Timestamp means the producer did not set one.
type Properties struct {
	Timestamp time.Time
	Headers   map[string]any
}

// Delivery is a single inbound message as handed to the delivery callback.
type Delivery struct {
	ConsumerTag string
	Envelope    Envelope
	Properties  Properties
	Body        []byte
}

// Event is the structured value parsed from a message body.
type Event struct {
	EventID   string          `json:"event_id"`
	Timestamp string          `json:"timestamp"`
	CommandID string          `json:"command_id"`
	Comment   string          `json:"comment,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// NormalizedRecord is the unit handed to the host pipeline.
type NormalizedRecord struct {
	// PartitionKey is the routing key the message was delivered with.
	PartitionKey string
	// StreamOffset is nil when the delivery carried no stream position.
	StreamOffset *int64
	// Destination identifies the downstream log the record is bound for.
	Destination string
	// Key is the record key, taken from the event id.
	Key       string
	Value     Event
	Timestamp time.Time
	Headers   Headers
}

// SourcePartition returns the partition map used to persist and look up resume state.
func (r *NormalizedRecord) SourcePartition() map[string]any {
	return map[string]any{PartitionRoutingKey: r.PartitionKey}
}

// SourceOffset returns the offset map for the record. The value is nil when
// the delivery had no stream offset.
func (r *NormalizedRecord) SourceOffset() map[string]any {
	if r.StreamOffset == nil {
		return map[string]any{HeaderStreamOffset: nil}
	}
	return map[string]any{HeaderStreamOffset: *r.StreamOffset}
}

// DeliveryTag returns the delivery tag carried in the record headers.
func (r *NormalizedRecord) DeliveryTag() (uint64, bool) {
	return r.Headers.DeliveryTag()
}
