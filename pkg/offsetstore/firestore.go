package offsetstore

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore client.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

type offsetDoc struct {
	RoutingKey   string    `firestore:"routingKey"`
	StreamOffset int64     `firestore:"streamOffset"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// FirestoreStore keeps one document per routing key. It suits low volume
// deployments; use Redis when offsets are written at high rates.
type FirestoreStore struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreStore creates a FirestoreStore over an injected client.
func NewFirestoreStore(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name cannot be empty")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStore initialized.")

	return &FirestoreStore{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreOffsetStore").Logger(),
	}, nil
}

// docRef maps a routing key to a document. Routing keys may contain '/',
// which Firestore forbids in document IDs.
func (s *FirestoreStore) docRef(routingKey string) *firestore.DocumentRef {
	return s.client.Collection(s.collectionName).Doc(url.PathEscape(routingKey))
}

// ReadOffset returns the stored offset for routingKey.
func (s *FirestoreStore) ReadOffset(ctx context.Context, routingKey string) (int64, bool, error) {
	snap, err := s.docRef(routingKey).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, false, nil
		}
		s.logger.Error().Err(err).Str("routing_key", routingKey).Msg("Failed to get offset document from Firestore.")
		return 0, false, fmt.Errorf("firestore get for %s: %w", routingKey, err)
	}
	var doc offsetDoc
	if err := snap.DataTo(&doc); err != nil {
		return 0, false, fmt.Errorf("firestore DataTo for %s: %w", routingKey, err)
	}
	return doc.StreamOffset, true, nil
}

// WriteOffset stores offset in a transaction unless a higher offset is present.
func (s *FirestoreStore) WriteOffset(ctx context.Context, routingKey string, offset int64) error {
	ref := s.docRef(routingKey)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			var cur offsetDoc
			if err := snap.DataTo(&cur); err != nil {
				return err
			}
			if cur.StreamOffset >= offset {
				return nil
			}
		}
		return tx.Set(ref, offsetDoc{RoutingKey: routingKey, StreamOffset: offset, UpdatedAt: time.Now().UTC()})
	})
	if err != nil {
		s.logger.Error().Err(err).Str("routing_key", routingKey).Msg("Failed to write offset document to Firestore.")
		return fmt.Errorf("firestore write offset for %s: %w", routingKey, err)
	}
	return nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreStore) Close() error {
	return nil
}
