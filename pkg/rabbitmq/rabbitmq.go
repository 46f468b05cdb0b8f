package rabbitmq

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/streadway/amqp"
)

const (
	// OrdersExchange is the topic exchange order lifecycle events are published to.
	OrdersExchange = "orders"
	// OrderEventsQueue receives every "order.*" event.
	OrderEventsQueue = "order_events"
	// CallbackQueue buffers raw payment provider callbacks for asynchronous processing.
	CallbackQueue = "mpesa_callbacks"
)

// Client holds the RabbitMQ connection and channel.
type Client struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.Mutex // serializes publishes on the shared channel
}

// Config holds RabbitMQ connection details.
type Config struct {
	URL string
}

// NewClient creates a new RabbitMQ client.
// It connects to RabbitMQ, opens a channel and declares the exchange and queues the service uses.
func NewClient(cfg Config) (*Client, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	c := &Client{conn: conn, channel: ch}
	if err := c.setup(); err != nil {
		c.Close()
		return nil, err
	}

	slog.Info("RabbitMQ client connected", "exchange", OrdersExchange, "queues", []string{OrderEventsQueue, CallbackQueue})
	return c, nil
}

func (c *Client) setup() error {
	if err := c.channel.ExchangeDeclare(
		OrdersExchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", OrdersExchange, err)
	}

	for _, queue := range []string{OrderEventsQueue, CallbackQueue} {
		if _, err := c.channel.QueueDeclare(
			queue,
			true,  // durable (persists messages across broker restarts)
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,
		); err != nil {
			return fmt.Errorf("failed to declare %s: %w", queue, err)
		}
	}

	if err := c.channel.QueueBind(OrderEventsQueue, "order.#", OrdersExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind %s: %w", OrderEventsQueue, err)
	}
	return nil
}

// Close closes the RabbitMQ connection and channel.
func (c *Client) Close() error {
	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("multiple errors occurred during RabbitMQ client close: %v", errs)
	}
	return nil
}

// Publish sends a persistent JSON message. An empty exchange routes straight to the queue
// named by routingKey.
func (c *Client) Publish(exchange, routingKey string, body []byte) error {
	if c.channel == nil {
		return fmt.Errorf("RabbitMQ channel is not available")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.channel.Publish(
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		})
	if err != nil {
		return fmt.Errorf("failed to publish message to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

// PublishJSON marshals v and publishes it.
func (c *Client) PublishJSON(exchange, routingKey string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message to JSON: %w", err)
	}
	return c.Publish(exchange, routingKey, body)
}

// Consume starts a goroutine that hands every delivery on queue to handler.
// Deliveries are acked when handler returns nil and requeued otherwise. Handlers return nil
// for messages that can never succeed so they are not redelivered.
func (c *Client) Consume(queue, consumerTag string, handler func(msg amqp.Delivery) error) error {
	if c.channel == nil {
		return fmt.Errorf("RabbitMQ channel is not available for consumption")
	}

	msgs, err := c.channel.Consume(
		queue,
		consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer on %s: %w", queue, err)
	}

	slog.Info("Waiting for messages", "queue", queue, "consumer", consumerTag)

	go func() {
		for msg := range msgs {
			settle(queue, msg, handler(msg))
		}
		slog.Info("Consumer stopped", "queue", queue, "consumer", consumerTag)
	}()

	return nil
}

// settle acks msg on success and nacks it back onto its queue when processing failed.
func settle(queue string, msg amqp.Delivery, handlerErr error) {
	if handlerErr != nil {
		slog.Error("Error processing message, requeueing", "queue", queue, "tag", msg.DeliveryTag, "redelivered", msg.Redelivered, "error", handlerErr)
		if err := msg.Nack(false, true); err != nil {
			slog.Error("Error nacking message", "queue", queue, "tag", msg.DeliveryTag, "error", err)
		}
		return
	}
	if err := msg.Ack(false); err != nil {
		slog.Error("Error acking message", "queue", queue, "tag", msg.DeliveryTag, "error", err)
	}
}
