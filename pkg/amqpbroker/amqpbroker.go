// Package amqpbroker adapts github.com/rabbitmq/amqp091-go to the
// streambridge.BrokerChannel interface.
package amqpbroker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-streambridge/pkg/streambridge"
	"github.com/illmade-knight/go-streambridge/pkg/types"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Config holds the connection settings for the broker.
type Config struct {
	URL               string
	ConnectionName    string
	Heartbeat         time.Duration
	DeliveryQueueSize int
}

// Dialer opens one connection and one channel per Dial call.
type Dialer struct {
	cfg    Config
	logger zerolog.Logger
}

// NewDialer creates a Dialer for cfg.
func NewDialer(cfg Config, logger zerolog.Logger) *Dialer {
	return &Dialer{
		cfg:    cfg,
		logger: logger.With().Str("component", "AMQPDialer").Logger(),
	}
}

// Dial connects to the broker and opens a channel.
func (d *Dialer) Dial(ctx context.Context) (streambridge.BrokerChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	props := amqp.NewConnectionProperties()
	if d.cfg.ConnectionName != "" {
		props.SetClientConnectionName(d.cfg.ConnectionName)
	}
	amqpCfg := amqp.Config{Properties: props, Heartbeat: d.cfg.Heartbeat}

	conn, err := amqp.DialConfig(d.cfg.URL, amqpCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	d.logger.Info().Str("connection_name", d.cfg.ConnectionName).Msg("Connected to broker.")
	return newChannel(conn, ch, d.cfg.DeliveryQueueSize), nil
}

// Channel wraps an AMQP connection and its single channel.
type Channel struct {
	conn      *amqp.Connection
	ch        *amqp.Channel
	queueSize int
	closed    chan *amqp.Error
	done      chan struct{}
	closeOnce sync.Once
}

func newChannel(conn *amqp.Connection, ch *amqp.Channel, queueSize int) *Channel {
	return &Channel{
		conn:      conn,
		ch:        ch,
		queueSize: queueSize,
		closed:    ch.NotifyClose(make(chan *amqp.Error, 1)),
		done:      make(chan struct{}),
	}
}

// Qos sets the prefetch count. global applies the limit to the whole channel.
func (c *Channel) Qos(prefetchCount int, global bool) error {
	return c.ch.Qos(prefetchCount, 0, global)
}

// Consume starts a manual-ack subscription and converts deliveries. ctx only
// bounds the setup; the subscription lives until the channel is closed.
func (c *Channel) Consume(ctx context.Context, queue, consumerTag string, args map[string]any) (<-chan types.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgs, err := c.ch.Consume(queue, consumerTag, false, false, false, false, amqp.Table(args))
	if err != nil {
		return nil, err
	}
	out := make(chan types.Delivery, c.queueSize)
	go func() {
		defer close(out)
		for m := range msgs {
			select {
			case out <- toDelivery(m):
			case <-c.done:
				return
			}
		}
	}()
	return out, nil
}

// Ack acknowledges a delivery.
func (c *Channel) Ack(tag uint64, multiple bool) error {
	return c.ch.Ack(tag, multiple)
}

// NotifyClose returns a channel that receives the error the broker closed the
// channel with. It is closed without a value on a graceful close.
func (c *Channel) NotifyClose() <-chan error {
	out := make(chan error, 1)
	go func() {
		defer close(out)
		if amqpErr, ok := <-c.closed; ok && amqpErr != nil {
			out <- amqpErr
		}
	}()
	return out
}

// Close closes the channel and then the connection.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	var errs []error
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	return errors.Join(errs...)
}

// toDelivery converts an AMQP delivery to the bridge's representation.
func toDelivery(m amqp.Delivery) types.Delivery {
	var headers map[string]any
	if len(m.Headers) > 0 {
		headers = make(map[string]any, len(m.Headers))
		for k, v := range m.Headers {
			headers[k] = v
		}
	}
	return types.Delivery{
		ConsumerTag: m.ConsumerTag,
		Envelope: types.Envelope{
			RoutingKey:  m.RoutingKey,
			DeliveryTag: m.DeliveryTag,
			Exchange:    m.Exchange,
			Redelivered: m.Redelivered,
		},
		Properties: types.Properties{
			Timestamp: m.Timestamp,
			Headers:   headers,
		},
		Body: m.Body,
	}
}
