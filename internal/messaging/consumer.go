package messaging

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"thunderstorm.io/auth/internal/auth"
	"thunderstorm.io/auth/internal/events"
	"thunderstorm.io/auth/internal/obs"
)

// DefaultPrefetch bounds unacknowledged deliveries per consumer.
const DefaultPrefetch = 10

// QueueName is the durable queue a service consumes group and role data from.
func QueueName(service string) string {
	return service + ".ts_auth.group"
}

// Consumer reads deliveries from the service queue and hands them to a Dispatcher.
type Consumer struct {
	ch         Channel
	dispatcher *Dispatcher
	queue      string
	tag        string
	prefetch   int
	log        *zap.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithPrefetch sets the channel QoS prefetch count.
func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.prefetch = n
		}
	}
}

// WithConsumerLogger overrides the component logger.
func WithConsumerLogger(l *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		if l != nil {
			c.log = l
		}
	}
}

// NewConsumer returns a consumer for the queue of service.
func NewConsumer(ch Channel, d *Dispatcher, service string, opts ...ConsumerOption) (*Consumer, error) {
	if service == "" {
		return nil, auth.Errorf(auth.ErrConfiguration, "service name is required for the consumer queue")
	}
	c := &Consumer{
		ch:         ch,
		dispatcher: d,
		queue:      QueueName(service),
		tag:        service + ".ts_auth",
		prefetch:   DefaultPrefetch,
		log:        obs.Component("consumer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Queue returns the consumed queue name.
func (c *Consumer) Queue() string { return c.queue }

// Setup declares the exchange and queue and binds every handled routing key.
func (c *Consumer) Setup() error {
	if err := declareExchange(c.ch); err != nil {
		return err
	}
	if _, err := c.ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}
	for _, key := range c.dispatcher.RoutingKeys() {
		if err := c.ch.QueueBind(c.queue, key, events.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", c.queue, key, err)
		}
	}
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	return nil
}

// Run consumes until ctx is done or the broker closes the delivery channel.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	c.log.Info("consumer started", zap.String("queue", c.queue))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	err := c.dispatcher.Handle(ctx, d.RoutingKey, d.Body)
	outcome := Outcome(err, d.Redelivered)
	fields := []zap.Field{
		zap.String("routing_key", d.RoutingKey),
		zap.Uint64("delivery_tag", d.DeliveryTag),
		zap.Bool("redelivered", d.Redelivered),
	}

	var ackErr error
	switch outcome {
	case OutcomeAck:
		ackErr = d.Ack(false)
	case OutcomeReject:
		c.log.Warn("rejecting delivery", append(fields, zap.Error(err))...)
		ackErr = d.Reject(false)
	default:
		c.log.Error("delivery failed, requeueing", append(fields, zap.Error(err))...)
		ackErr = d.Nack(false, true)
	}
	if ackErr != nil {
		c.log.Error("acknowledge failed", append(fields, zap.Error(ackErr))...)
	}
	obs.ObserveDelivery(d.RoutingKey, outcome)
}

// Delivery outcomes.
const (
	OutcomeAck     = "ack"
	OutcomeRequeue = "requeue"
	OutcomeReject  = "reject"
)

// Outcome maps a handler error to how the delivery is settled. Invalid
// payloads are dropped. Conflicts and integrity failures are retried once and
// dropped on redelivery. Anything else is retried.
func Outcome(err error, redelivered bool) string {
	switch {
	case err == nil:
		return OutcomeAck
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, auth.ErrConfiguration):
		return OutcomeReject
	case errors.Is(err, auth.ErrConflict), errors.Is(err, auth.ErrIntegrity):
		if redelivered {
			return OutcomeReject
		}
		return OutcomeRequeue
	default:
		return OutcomeRequeue
	}
}
