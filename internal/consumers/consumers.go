// Package consumers connects the RabbitMQ queues to the services.
package consumers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rehoboth/internal/apperrors"
	"rehoboth/internal/services"
	"rehoboth/pkg/rabbitmq"

	amqp "github.com/streadway/amqp"
)

// Broker is the subset of *rabbitmq.Client the consumers use.
type Broker interface {
	Publish(exchange, routingKey string, body []byte) error
	Consume(queue, consumerTag string, handler func(msg amqp.Delivery) error) error
}

// CallbackProcessor applies a raw provider callback. *services.PaymentService implements it.
type CallbackProcessor interface {
	ProcessCallback(ctx context.Context, body []byte) error
}

// CallbackQueue buffers provider callbacks on rabbitmq.CallbackQueue.
type CallbackQueue struct {
	broker Broker
}

// NewCallbackQueue creates a CallbackQueue on broker.
func NewCallbackQueue(broker Broker) *CallbackQueue {
	return &CallbackQueue{broker: broker}
}

// DispatchCallback enqueues a raw callback body through the default exchange.
func (q *CallbackQueue) DispatchCallback(body []byte) error {
	return q.broker.Publish("", rabbitmq.CallbackQueue, body)
}

// StartCallbackConsumer processes queued callbacks with processor. Malformed callbacks and callbacks
// for unknown attempts are acknowledged after logging; storage failures are requeued.
func StartCallbackConsumer(broker Broker, processor CallbackProcessor) error {
	return broker.Consume(rabbitmq.CallbackQueue, "rehoboth-callbacks", func(msg amqp.Delivery) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := processor.ProcessCallback(ctx, msg.Body); err != nil {
			return handleCallbackError(err)
		}
		return nil
	})
}

func handleCallbackError(err error) error {
	if errors.Is(err, apperrors.ErrValidation) || errors.Is(err, apperrors.ErrNotFound) {
		slog.Warn("Discarding unprocessable callback", "error", err)
		return nil
	}
	return fmt.Errorf("callback processing failed: %w", err)
}

// StartOrderEventLogger consumes rabbitmq.OrderEventsQueue and logs every lifecycle event.
func StartOrderEventLogger(broker Broker) error {
	return broker.Consume(rabbitmq.OrderEventsQueue, "rehoboth-order-events", func(msg amqp.Delivery) error {
		var event services.OrderEvent
		if err := json.Unmarshal(msg.Body, &event); err != nil {
			slog.Warn("Discarding invalid order event", "event", msg.RoutingKey, "error", err)
			return nil
		}
		slog.Info("Order event", "event", msg.RoutingKey, "order_id", event.OrderID, "status", event.Status, "paid", event.IsPaid)
		return nil
	})
}
