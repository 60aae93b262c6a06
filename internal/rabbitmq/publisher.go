package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Ack describes the broker's answer to a single publish.
type Ack struct {
	Confirmed   bool   // broker acknowledged the message in confirm mode
	DeliveryTag uint64 // confirm sequence number, 0 without confirms
}

// PublishMessage represents a message to be published
type PublishMessage struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Message    amqp.Publishing
}

// Publisher performs single publish attempts over channels leased from a
// CachingConnectionManager. Retrying is the caller's concern.
type Publisher struct {
	manager        *CachingConnectionManager
	confirms       bool
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithConfirmMode enables publisher confirms
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirms = enabled
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(manager *CachingConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:        manager,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish leases a channel, publishes msg once and returns the channel.
//
// The channel is put in confirm mode when confirms are enabled or the message
// is mandatory, so that a basic.return is always observed before the ack that
// follows it. A returned message yields *UnroutableMessageError. Once in
// confirm mode a channel stays there, so every later publish on it awaits its
// own confirm.
func (p *Publisher) Publish(ctx context.Context, msg PublishMessage) (Ack, error) {
	ch, err := p.manager.Checkout(ctx, PurposePublish)
	if err != nil {
		return Ack{}, p.publishError(msg, err)
	}
	defer p.manager.Checkin(ch)

	return p.publishOn(ctx, ch, msg)
}

func (p *Publisher) publishOn(ctx context.Context, ch *PooledChannel, msg PublishMessage) (Ack, error) {
	raw, err := ch.Raw("publish")
	if err != nil {
		return Ack{}, p.publishError(msg, err)
	}

	confirming := p.confirms || msg.Mandatory || ch.confirming
	if confirming {
		if err := ch.enableConfirms(); err != nil {
			ch.MarkStale()
			return Ack{}, p.publishError(msg, &ChannelError{
				Op:        "confirm.select",
				ChannelID: ch.id,
				Err:       err,
				Timestamp: time.Now(),
			})
		}
	}

	if err := raw.PublishWithContext(ctx, msg.Exchange, msg.RoutingKey, msg.Mandatory, false, msg.Message); err != nil {
		if confirming {
			// A half-sent publish may still be confirmed later.
			ch.MarkStale()
		}
		return Ack{}, p.publishError(msg, &ChannelError{
			Op:        "publish",
			ChannelID: ch.id,
			Err:       err,
			Timestamp: time.Now(),
		})
	}

	if !confirming {
		return Ack{}, nil
	}

	return p.awaitConfirm(ctx, ch, msg)
}

func (p *Publisher) awaitConfirm(ctx context.Context, ch *PooledChannel, msg PublishMessage) (Ack, error) {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	var returned *amqp.Return
	for {
		select {
		case ret, ok := <-ch.returns:
			if !ok {
				ch.MarkStale()
				return Ack{}, p.publishError(msg, p.channelClosed(ch))
			}
			returned = &ret

		case confirm, ok := <-ch.confirms:
			if !ok {
				ch.MarkStale()
				return Ack{}, p.publishError(msg, p.channelClosed(ch))
			}
			// amqp091-go dispatches basic.return before the matching ack.
			if returned == nil {
				select {
				case ret, ok := <-ch.returns:
					if ok {
						returned = &ret
					}
				default:
				}
			}
			if returned != nil {
				p.logger.Warn("message returned by broker",
					"exchange", msg.Exchange,
					"routingKey", msg.RoutingKey,
					"replyCode", returned.ReplyCode,
					"replyText", returned.ReplyText)
				return Ack{}, p.publishError(msg, &UnroutableMessageError{
					Exchange:   msg.Exchange,
					RoutingKey: msg.RoutingKey,
					ReplyCode:  returned.ReplyCode,
					ReplyText:  returned.ReplyText,
				})
			}
			if !confirm.Ack {
				return Ack{}, p.publishError(msg, fmt.Errorf("%w: delivery tag %d", ErrMessageNacked, confirm.DeliveryTag))
			}
			return Ack{Confirmed: true, DeliveryTag: confirm.DeliveryTag}, nil

		case <-timer.C:
			ch.MarkStale()
			return Ack{}, p.publishError(msg, fmt.Errorf("%w after %v", ErrConfirmTimeout, p.confirmTimeout))

		case <-ctx.Done():
			ch.MarkStale()
			return Ack{}, p.publishError(msg, ctx.Err())
		}
	}
}

func (p *Publisher) channelClosed(ch *PooledChannel) error {
	return &ChannelError{
		Op:        "confirm",
		ChannelID: ch.id,
		Err:       ErrConnectionClosed,
		Timestamp: time.Now(),
	}
}

func (p *Publisher) publishError(msg PublishMessage, err error) error {
	return &PublishError{
		Exchange:   msg.Exchange,
		RoutingKey: msg.RoutingKey,
		Mandatory:  msg.Mandatory,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
