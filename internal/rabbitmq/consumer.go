// Package rabbitmq wraps the AMQP connection used to receive authorization
// requests and publish their replies.
package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Consumer consumes authorization requests from a durable queue and
// publishes replies on the same channel.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	logger  *zap.Logger
}

// NewConsumer creates a new RabbitMQ consumer
func NewConsumer(amqpURL string, queue string, prefetchCount int, logger *zap.Logger) (*Consumer, error) {
	logger.Info("connecting to RabbitMQ", zap.String("queue", queue))

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Set QoS (prefetch count)
	if err := channel.Qos(prefetchCount, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	// Declare queue (idempotent)
	_, err = channel.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	logger.Info("connected to RabbitMQ", zap.String("queue", queue))

	return &Consumer{
		conn:    conn,
		channel: channel,
		queue:   queue,
		logger:  logger,
	}, nil
}

// ConsumerTag identifies this service's consumer on the broker.
const ConsumerTag = "ai-authz-engine"

// Consume starts consuming messages from the queue. Deliveries must be
// acknowledged by the caller. The delivery channel closes when ctx is done
// or the connection drops.
func (c *Consumer) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	msgs, err := c.channel.ConsumeWithContext(ctx,
		c.queue,     // queue
		ConsumerTag, // consumer tag
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("started consuming messages", zap.String("queue", c.queue))
	return msgs, nil
}

// Publish sends msg to the default exchange with the given routing key,
// which for replies is the requester's reply-to queue.
func (c *Consumer) Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if err := c.channel.PublishWithContext(ctx,
		"",         // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		msg,
	); err != nil {
		return fmt.Errorf("failed to publish to %q: %w", routingKey, err)
	}
	return nil
}

// Close closes the channel and connection
func (c *Consumer) Close() error {
	c.logger.Info("closing RabbitMQ connection")

	if err := c.channel.Close(); err != nil {
		c.logger.Error("failed to close channel", zap.Error(err))
	}

	if err := c.conn.Close(); err != nil {
		c.logger.Error("failed to close connection", zap.Error(err))
		return err
	}

	c.logger.Info("RabbitMQ connection closed")
	return nil
}

// NotifyClose returns a channel that receives connection close notifications
func (c *Consumer) NotifyClose() chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error))
}
