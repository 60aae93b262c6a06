package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DirectReplyTo is the pseudo-queue used for request/reply without a
// dedicated reply queue.
const DirectReplyTo = "amq.rabbitmq.reply-to"

const defaultPollInterval = 20 * time.Millisecond

// Consumer pulls single messages with basic.get and performs request/reply
// calls over direct reply-to.
type Consumer struct {
	manager      *CachingConnectionManager
	publisher    *Publisher
	pollInterval time.Duration
	logger       *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPollInterval sets the pause between empty basic.get polls
func WithPollInterval(interval time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.pollInterval = interval
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer. Requests sent by Call go through
// publisher.
func NewConsumer(manager *CachingConnectionManager, publisher *Publisher, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:      manager,
		publisher:    publisher,
		pollInterval: defaultPollInterval,
		logger:       slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Get receives one message from queue. A zero timeout polls once, a negative
// timeout waits until ctx is done. When nothing arrives in time the error
// wraps ErrReceiveTimeout. Messages are auto-acknowledged.
func (c *Consumer) Get(ctx context.Context, queue string, timeout time.Duration) (amqp.Delivery, error) {
	ch, err := c.manager.Checkout(ctx, PurposeReceive)
	if err != nil {
		return amqp.Delivery{}, err
	}
	defer c.manager.Checkin(ch)

	raw, err := ch.Raw("get")
	if err != nil {
		return amqp.Delivery{}, err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		delivery, ok, err := raw.Get(queue, true)
		if err != nil {
			return amqp.Delivery{}, &ChannelError{
				Op:        "get " + queue,
				ChannelID: ch.id,
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		if ok {
			return delivery, nil
		}

		if timeout == 0 || (timeout > 0 && !time.Now().Before(deadline)) {
			return amqp.Delivery{}, fmt.Errorf("%w: queue %q empty after %v", ErrReceiveTimeout, queue, timeout)
		}

		wait := c.pollInterval
		if timeout > 0 {
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return amqp.Delivery{}, ctx.Err()
		}
	}
}

// Call publishes msg with a fresh correlation id and waits up to replyTimeout
// for the reply on DirectReplyTo. Request and reply share one leased channel.
func (c *Consumer) Call(ctx context.Context, msg PublishMessage, replyTimeout time.Duration) (amqp.Delivery, error) {
	ch, err := c.manager.Checkout(ctx, PurposePublish)
	if err != nil {
		return amqp.Delivery{}, c.publisher.publishError(msg, err)
	}
	defer c.manager.Checkin(ch)

	raw, err := ch.Raw("call")
	if err != nil {
		return amqp.Delivery{}, err
	}

	tag := "reply-" + uuid.New().String()
	replies, err := raw.Consume(DirectReplyTo, tag, true, false, false, false, nil)
	if err != nil {
		return amqp.Delivery{}, &ChannelError{
			Op:        "consume " + DirectReplyTo,
			ChannelID: ch.id,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	correlationID := msg.Message.CorrelationId
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	msg.Message.CorrelationId = correlationID
	msg.Message.ReplyTo = DirectReplyTo

	if _, err := c.publisher.publishOn(ctx, ch, msg); err != nil {
		c.cancel(raw, ch, tag)
		return amqp.Delivery{}, err
	}

	timer := time.NewTimer(replyTimeout)
	defer timer.Stop()

	for {
		select {
		case d, ok := <-replies:
			if !ok {
				ch.MarkStale()
				return amqp.Delivery{}, &ChannelError{
					Op:        "await reply",
					ChannelID: ch.id,
					Err:       ErrConnectionClosed,
					Timestamp: time.Now(),
				}
			}
			if d.CorrelationId != correlationID {
				c.logger.Warn("discarding reply with unexpected correlation id",
					"expected", correlationID,
					"got", d.CorrelationId)
				continue
			}
			c.cancel(raw, ch, tag)
			return d, nil

		case <-timer.C:
			c.cancel(raw, ch, tag)
			return amqp.Delivery{}, fmt.Errorf("%w: no reply for %s within %v", ErrReplyTimeout, correlationID, replyTimeout)

		case <-ctx.Done():
			c.cancel(raw, ch, tag)
			return amqp.Delivery{}, ctx.Err()
		}
	}
}

func (c *Consumer) cancel(raw RawChannel, ch *PooledChannel, tag string) {
	if err := raw.Cancel(tag, false); err != nil {
		ch.MarkStale()
		c.logger.Debug("failed to cancel reply consumer", "consumerTag", tag, "error", err)
	}
}
