package streambridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/illmade-knight/go-streambridge/pkg/types"
)

// Normalizer maps a broker delivery onto a NormalizedRecord. It holds no
// mutable state and is safe for concurrent use.
type Normalizer struct {
	destination string
	now         func() time.Time
}

// NewNormalizer creates a Normalizer whose records are bound for destination.
func NewNormalizer(destination string) *Normalizer {
	return &Normalizer{destination: destination, now: time.Now}
}

// eventBody mirrors the producer contract. Pointers distinguish absent fields
// from empty strings.
type eventBody struct {
	EventID   *string         `json:"event_id"`
	Timestamp *string         `json:"timestamp"`
	CommandID *string         `json:"command_id"`
	Comment   *string         `json:"comment"`
	Payload   json.RawMessage `json:"payload"`
}

// Normalize produces exactly one record for the delivery or fails. A body that
// does not parse into the event structure yields an error wrapping ErrMalformedBody.
func (n *Normalizer) Normalize(d types.Delivery) (*types.NormalizedRecord, error) {
	event, err := parseEvent(d.Body)
	if err != nil {
		return nil, &NormalizationError{
			RoutingKey:  d.Envelope.RoutingKey,
			DeliveryTag: d.Envelope.DeliveryTag,
			Err:         err,
		}
	}

	ts := d.Properties.Timestamp
	if ts.IsZero() {
		ts = n.now()
	}

	headers := convertHeaders(d.Properties.Headers)
	headers = append(headers, types.Header{
		Key:   types.HeaderDeliveryTag,
		Value: types.OpaqueHeader(d.Envelope.DeliveryTag),
	})

	return &types.NormalizedRecord{
		PartitionKey: d.Envelope.RoutingKey,
		StreamOffset: streamOffset(d.Properties.Headers),
		Destination:  n.destination,
		Key:          event.EventID,
		Value:        event,
		Timestamp:    ts,
		Headers:      headers,
	}, nil
}

func parseEvent(body []byte) (types.Event, error) {
	var raw eventBody
	if err := json.Unmarshal(body, &raw); err != nil {
		return types.Event{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if raw.EventID == nil || raw.Timestamp == nil || raw.CommandID == nil {
		return types.Event{}, fmt.Errorf("%w: event_id, timestamp and command_id are required", ErrMalformedBody)
	}
	if len(raw.Payload) == 0 {
		return types.Event{}, fmt.Errorf("%w: payload field is missing", ErrMalformedBody)
	}

	var payload bytes.Buffer
	if err := json.Compact(&payload, raw.Payload); err != nil {
		return types.Event{}, fmt.Errorf("%w: payload: %v", ErrMalformedBody, err)
	}

	event := types.Event{
		EventID:   *raw.EventID,
		Timestamp: *raw.Timestamp,
		CommandID: *raw.CommandID,
		Payload:   json.RawMessage(payload.Bytes()),
	}
	if raw.Comment != nil {
		event.Comment = *raw.Comment
	}
	return event, nil
}

// convertHeaders applies the header coercion rule. A producer-supplied header
// named like the delivery tag header is dropped so each record carries exactly one.
func convertHeaders(in map[string]any) types.Headers {
	if len(in) == 0 {
		return make(types.Headers, 0, 1)
	}
	out := make(types.Headers, 0, len(in)+1)
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if k == types.HeaderDeliveryTag {
			continue
		}
		out = append(out, types.Header{Key: k, Value: CoerceHeaderValue(in[k])})
	}
	return out
}

// CoerceHeaderValue converts a broker header value. String-like values become
// scalars, sequences made only of string-like values become lists, and
// everything else passes through unchanged.
func CoerceHeaderValue(v any) types.HeaderValue {
	switch val := v.(type) {
	case string:
		return types.ScalarHeader(val)
	case []byte:
		return types.ScalarHeader(string(val))
	case []string:
		return types.ListHeader(append([]string(nil), val...))
	case []any:
		list := make([]string, 0, len(val))
		for _, item := range val {
			switch s := item.(type) {
			case string:
				list = append(list, s)
			case []byte:
				list = append(list, string(s))
			default:
				return types.OpaqueHeader(v)
			}
		}
		return types.ListHeader(list)
	default:
		return types.OpaqueHeader(v)
	}
}

// streamOffset reads the stream position header. Non-integer values are
// treated as absent.
func streamOffset(headers map[string]any) *int64 {
	raw, ok := headers[types.HeaderStreamOffset]
	if !ok {
		return nil
	}
	var off int64
	switch v := raw.(type) {
	case int64:
		off = v
	case int32:
		off = int64(v)
	case int16:
		off = int64(v)
	case int8:
		off = int64(v)
	case int:
		off = int64(v)
	case uint32:
		off = int64(v)
	case uint16:
		off = int64(v)
	case uint8:
		off = int64(v)
	case uint64:
		if v > 1<<63-1 {
			return nil
		}
		off = int64(v)
	default:
		return nil
	}
	return &off
}
