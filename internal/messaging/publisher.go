package messaging

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"thunderstorm.io/auth/internal/events"
	"thunderstorm.io/auth/internal/obs"
)

// Publisher sends events to the ts.messaging exchange.
type Publisher struct {
	ch      Channel
	limiter *rate.Limiter
	appID   string
	log     *zap.Logger
	now     func() time.Time
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithRateLimit caps outgoing messages at perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) PublisherOption {
	return func(p *Publisher) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithAppID stamps messages with the publishing service name.
func WithAppID(id string) PublisherOption {
	return func(p *Publisher) { p.appID = id }
}

// WithPublisherLogger overrides the component logger.
func WithPublisherLogger(l *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.log = l
		}
	}
}

// NewPublisher declares the exchange on ch and returns a publisher for it.
func NewPublisher(ch Channel, opts ...PublisherOption) (*Publisher, error) {
	p := &Publisher{ch: ch, log: obs.Component("publisher"), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	if err := declareExchange(ch); err != nil {
		return nil, err
	}
	return p, nil
}

// Publish sends ev as a persistent JSON message, waiting for the rate
// limiter first when one is configured.
func (p *Publisher) Publish(ctx context.Context, ev events.Event) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("publish %s: %w", ev.RoutingKey, err)
		}
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    p.now().UTC(),
		AppId:        p.appID,
		Body:         ev.Body,
	}
	if ev.TTL > 0 {
		msg.Expiration = strconv.FormatInt(ev.TTL.Milliseconds(), 10)
	}
	if err := p.ch.PublishWithContext(ctx, events.Exchange, ev.RoutingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.RoutingKey, err)
	}
	p.log.Debug("event published", zap.String("routing_key", ev.RoutingKey), zap.String("message_id", msg.MessageId))
	return nil
}
