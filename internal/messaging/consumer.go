package messaging

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// ConsumerConfig holds configuration for setting up a consumer.
type ConsumerConfig struct {
	QueueName    string
	DLQName      string
	RoutingKeys  []string
	ConsumerName string
}

// DeliveryHandler processes one delivery. The handler owns acknowledgment:
// it must Ack or Nack the delivery itself, which is what lets the idempotency
// protocol decide between drop, no-op completion, and broker-level retry.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// Consume declares the queue (main + DLQ), binds it to the topic exchange,
// and dispatches deliveries to the handler until the context is cancelled or
// the channel closes.
func Consume(ctx context.Context, conn *Connection, cfg ConsumerConfig, handler DeliveryHandler) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	// Declare DLQ first so the main queue's dead-letter args have a target.
	_, err = ch.QueueDeclare(
		cfg.DLQName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return err
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "", // default exchange
		"x-dead-letter-routing-key": cfg.DLQName,
	}
	_, err = ch.QueueDeclare(
		cfg.QueueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		args,
	)
	if err != nil {
		return err
	}

	for _, key := range cfg.RoutingKeys {
		if err := ch.QueueBind(cfg.QueueName, key, ExchangeName, false, nil); err != nil {
			return err
		}
	}

	// One unacked delivery at a time per consumer; concurrency comes from
	// running multiple consumer instances, not from in-process fan-out.
	if err := ch.Qos(1, 0, false); err != nil {
		return err
	}

	deliveries, err := ch.Consume(
		cfg.QueueName,
		cfg.ConsumerName,
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return err
	}

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					log.Warn().Str("queue", cfg.QueueName).Msg("Delivery channel closed")
					return
				}
				handler(ctx, delivery)
			}
		}
	}()

	log.Info().
		Str("consumer", cfg.ConsumerName).
		Str("queue", cfg.QueueName).
		Msg("Consumer started")
	return nil
}
