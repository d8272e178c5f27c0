package messaging

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// partitionKeyHeader carries the message key (tenant id) so downstream
// consumers can shard while preserving per-tenant ordering.
const partitionKeyHeader = "x-partition-key"

// Confirmation is the pending broker acknowledgment for one submitted
// message. Wait blocks until the broker confirms or the context ends and
// reports whether the message was acked.
type Confirmation interface {
	Wait(ctx context.Context) (bool, error)
}

// Sender submits a serialized message to a topic and returns the pending
// delivery confirmation. It exists as an interface so the event publisher can
// be exercised in tests without a broker.
type Sender interface {
	Submit(ctx context.Context, routingKey, key, correlationID, eventID string, body []byte) (Confirmation, error)
}

// ChannelSender implements Sender on an AMQP channel in confirm mode.
type ChannelSender struct {
	channel *amqp.Channel
}

// NewChannelSender opens a channel on the connection and puts it in publisher
// confirm mode.
func NewChannelSender(conn *Connection) (*ChannelSender, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		return nil, err
	}
	return &ChannelSender{channel: ch}, nil
}

func (s *ChannelSender) Submit(ctx context.Context, routingKey, key, correlationID, eventID string, body []byte) (Confirmation, error) {
	dc, err := s.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		ExchangeName,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			MessageId:     eventID,
			CorrelationId: correlationID,
			Headers:       amqp.Table{partitionKeyHeader: key},
			Body:          body,
			DeliveryMode:  amqp.Persistent,
			Timestamp:     time.Now(),
		},
	)
	if err != nil {
		return nil, err
	}
	return deferredConfirmation{dc: dc}, nil
}

// Close closes the publisher channel.
func (s *ChannelSender) Close() error {
	if s.channel != nil {
		return s.channel.Close()
	}
	return nil
}

type deferredConfirmation struct {
	dc *amqp.DeferredConfirmation
}

func (d deferredConfirmation) Wait(ctx context.Context) (bool, error) {
	return d.dc.WaitContext(ctx)
}
