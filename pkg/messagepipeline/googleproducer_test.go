package messagepipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-streambridge/pkg/messagepipeline"
	"github.com/illmade-knight/go-streambridge/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// =============================================================================
//  Test Helpers for Producer
// =============================================================================

func sanitizedTestName(t *testing.T) string {
	name := t.Name()
	reg := regexp.MustCompile(`[^a-zA-Z0-9-]+`)
	sanitized := reg.ReplaceAllString(name, "-")
	sanitized = regexp.MustCompile(`^-+|-+$`).ReplaceAllString(sanitized, "")
	if len(sanitized) > 20 {
		sanitized = sanitized[:20]
	}
	return sanitized
}

// setupTestPubsub creates a mock Pub/Sub server, client, topic, and subscription for testing.
func setupTestPubsub(t *testing.T, projectID, topicID, subID string) (*pubsub.Client, *pubsub.Topic, *pubsub.Subscription) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	opts := []option.ClientOption{option.WithGRPCConn(conn)}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, topicID)
	require.NoError(t, err)

	sub, err := client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{
		Topic:                 topic,
		EnableMessageOrdering: true,
	})
	require.NoError(t, err)

	return client, topic, sub
}

// =============================================================================
//  Test Cases for GooglePubsubRecordProducer
// =============================================================================

func TestGooglePubsubRecordProducer_PublishAndStop(t *testing.T) {
	// --- Arrange ---
	testCtx, testCancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(testCancel)

	uniqueSuffix := fmt.Sprintf("%s-%d", sanitizedTestName(t), time.Now().UnixNano())
	projectID := "proj-" + uniqueSuffix
	topicID := "topic-" + uniqueSuffix
	subID := "sub-" + uniqueSuffix

	pubsubClient, _, subscription := setupTestPubsub(t, projectID, topicID, subID)

	producerConfig := messagepipeline.NewGooglePubsubRecordProducerDefaults()
	producerConfig.TopicID = topicID

	producer, err := messagepipeline.NewGooglePubsubRecordProducer(testCtx, producerConfig, pubsubClient, zerolog.Nop())
	require.NoError(t, err)

	rec := testRecord("e1", "orders", 17)
	rec.Headers = types.Headers{
		{Key: "source", Value: types.ScalarHeader("sensor-a")},
		{Key: "tags", Value: types.ListHeader([]string{"a", "b"})},
		{Key: types.HeaderDeliveryTag, Value: types.OpaqueHeader(uint64(42))},
	}

	// --- Act ---
	msgID, err := producer.Publish(testCtx, rec).Get(testCtx)
	require.NoError(t, err)
	require.NotEmpty(t, msgID)

	// --- Assert ---
	var mu sync.Mutex
	var receivedMsg *pubsub.Message

	receiveCtx, receiveCancel := context.WithCancel(testCtx)
	t.Cleanup(receiveCancel)

	go func() {
		err := subscription.Receive(receiveCtx, func(ctx context.Context, msg *pubsub.Message) {
			mu.Lock()
			receivedMsg = msg
			mu.Unlock()
			msg.Ack()
			receiveCancel()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Receive error")
		}
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return receivedMsg != nil
	}, 5*time.Second, 50*time.Millisecond, "Did not receive message from subscription")

	mu.Lock()
	defer mu.Unlock()
	var event types.Event
	require.NoError(t, json.Unmarshal(receivedMsg.Data, &event))
	assert.Equal(t, "e1", event.EventID)
	assert.JSONEq(t, `{"x":1}`, string(event.Payload))
	assert.Equal(t, "orders", receivedMsg.OrderingKey)
	assert.Equal(t, "orders", receivedMsg.Attributes[messagepipeline.AttrRoutingKey])
	assert.Equal(t, "17", receivedMsg.Attributes[messagepipeline.AttrStreamOffset])
	assert.Equal(t, "sensor-a", receivedMsg.Attributes["source"])
	assert.Equal(t, "a,b", receivedMsg.Attributes["tags"])
	assert.NotContains(t, receivedMsg.Attributes, types.HeaderDeliveryTag)

	// --- Act & Assert: Stop ---
	stopCtx, stopCancel := context.WithTimeout(testCtx, 2*time.Second)
	t.Cleanup(stopCancel)
	require.NoError(t, producer.Stop(stopCtx))
}

func TestNewGooglePubsubRecordProducer_MissingTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	client, _, _ := setupTestPubsub(t, "proj-missing", "topic-present", "sub-present")

	cfg := messagepipeline.NewGooglePubsubRecordProducerDefaults()
	cfg.TopicID = "topic-absent"

	_, err := messagepipeline.NewGooglePubsubRecordProducer(ctx, cfg, client, zerolog.Nop())
	assert.Error(t, err)
}

func TestRecordAttributes_NoStreamOffset(t *testing.T) {
	rec := testRecord("e9", "orders", 0)
	rec.StreamOffset = nil

	attrs := messagepipeline.RecordAttributes(rec)

	assert.Equal(t, "e9", attrs[messagepipeline.AttrEventID])
	assert.Equal(t, "events", attrs[messagepipeline.AttrDestination])
	assert.NotContains(t, attrs, messagepipeline.AttrStreamOffset)
}
