// Package quarantine stores deliveries that could not be normalized so that
// an operator can inspect them. Quarantining never acknowledges a delivery.
package quarantine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-streambridge/pkg/types"
	"github.com/rs/zerolog"
)

// GCSQuarantineConfig holds configuration for the GCS quarantine writer.
type GCSQuarantineConfig struct {
	BucketName   string
	ObjectPrefix string
}

// Entry is the JSON document written for one quarantined delivery.
type Entry struct {
	RoutingKey    string         `json:"routing_key"`
	DeliveryTag   uint64         `json:"delivery_tag"`
	ConsumerTag   string         `json:"consumer_tag,omitempty"`
	Redelivered   bool           `json:"redelivered"`
	StreamOffset  any            `json:"stream_offset,omitempty"`
	Headers       map[string]any `json:"headers,omitempty"`
	Error         string         `json:"error"`
	Body          []byte         `json:"body"`
	QuarantinedAt time.Time      `json:"quarantined_at"`
}

// GCSQuarantine writes one object per malformed delivery.
type GCSQuarantine struct {
	client GCSClient
	config GCSQuarantineConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewGCSQuarantine creates a quarantine writer for Google Cloud Storage.
func NewGCSQuarantine(gcsClient GCSClient, config GCSQuarantineConfig, logger zerolog.Logger) (*GCSQuarantine, error) {
	if gcsClient == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSQuarantine{
		client: gcsClient,
		config: config,
		logger: logger.With().Str("component", "GCSQuarantine").Logger(),
		now:    time.Now,
	}, nil
}

// Quarantine writes the delivery and the cause of its rejection to the bucket.
func (q *GCSQuarantine) Quarantine(ctx context.Context, d types.Delivery, cause error) error {
	now := q.now().UTC()
	entry := Entry{
		RoutingKey:    d.Envelope.RoutingKey,
		DeliveryTag:   d.Envelope.DeliveryTag,
		ConsumerTag:   d.ConsumerTag,
		Redelivered:   d.Envelope.Redelivered,
		StreamOffset:  d.Properties.Headers[types.HeaderStreamOffset],
		Headers:       d.Properties.Headers,
		Body:          d.Body,
		QuarantinedAt: now,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		// Headers can hold values encoding/json rejects; keep the rest.
		entry.Headers = nil
		if data, err = json.Marshal(entry); err != nil {
			return fmt.Errorf("marshal quarantine entry: %w", err)
		}
	}

	objectName := q.objectName(d, now)
	w := q.client.Bucket(q.config.BucketName).Object(objectName).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write quarantine object %s: %w", objectName, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close quarantine object %s: %w", objectName, err)
	}

	q.logger.Info().
		Str("object_name", objectName).
		Str("routing_key", d.Envelope.RoutingKey).
		Uint64("delivery_tag", d.Envelope.DeliveryTag).
		Msg("Malformed delivery quarantined.")
	return nil
}

// objectName lays entries out as prefix/routing-key/yyyy/mm/dd/tag-uuid.json.
func (q *GCSQuarantine) objectName(d types.Delivery, now time.Time) string {
	routingKey := d.Envelope.RoutingKey
	if routingKey == "" {
		routingKey = "_unrouted"
	}
	file := strconv.FormatUint(d.Envelope.DeliveryTag, 10) + "-" + uuid.NewString() + ".json"
	return path.Join(q.config.ObjectPrefix, routingKey, now.Format("2006/01/02"), file)
}
