package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rabbit/config"
	"github.com/glimte/mmate-rabbit/internal/rabbitmq"
	"github.com/glimte/mmate-rabbit/internal/reliability"
)

// Ack reports the broker's acknowledgement of a sent message.
type Ack = rabbitmq.Ack

// Template sends and receives messages over channels borrowed from the
// connection cache. Every attempt of every operation checks out exactly one
// channel and returns it before the operation (or the next backoff wait)
// continues. A Template is safe for concurrent use.
type Template struct {
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	settings  config.TemplateSettings
	retry     *reliability.RetryPolicy
	converter MessageConverter
	logger    *slog.Logger

	beforePublish []MessagePostProcessor
	afterReceive  []MessagePostProcessor
}

// TemplateOption configures a Template
type TemplateOption func(*Template)

// WithRetryPolicy sets the policy applied to every operation. Without it
// operations are attempted once.
func WithRetryPolicy(policy *reliability.RetryPolicy) TemplateOption {
	return func(t *Template) {
		if policy != nil {
			t.retry = policy
		}
	}
}

// WithMessageConverter sets the converter used by the Convert* operations.
func WithMessageConverter(converter MessageConverter) TemplateOption {
	return func(t *Template) {
		if converter != nil {
			t.converter = converter
		}
	}
}

// WithTemplateLogger sets the logger
func WithTemplateLogger(logger *slog.Logger) TemplateOption {
	return func(t *Template) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTemplate creates a template with the given defaults.
func NewTemplate(publisher *rabbitmq.Publisher, consumer *rabbitmq.Consumer, settings config.TemplateSettings, opts ...TemplateOption) *Template {
	t := &Template{
		publisher: publisher,
		consumer:  consumer,
		settings:  settings,
		converter: NewJSONConverter(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.retry == nil {
		t.retry = reliability.NewRetryPolicy(config.RetryConfig{},
			reliability.WithClassifier(rabbitmq.IsTransient),
			reliability.WithRetryLogger(t.logger))
	}
	return t
}

// Settings returns the template defaults.
func (t *Template) Settings() config.TemplateSettings {
	return t.settings
}

// Converter returns the message converter.
func (t *Template) Converter() MessageConverter {
	return t.converter
}

type sendOptions struct {
	exchange     string
	routingKey   string
	mandatory    bool
	replyTimeout time.Duration
}

// SendOption overrides a template default for one send.
type SendOption func(*sendOptions)

// WithExchange sets the exchange name
func WithExchange(exchange string) SendOption {
	return func(o *sendOptions) {
		o.exchange = exchange
	}
}

// WithRoutingKey sets the routing key
func WithRoutingKey(routingKey string) SendOption {
	return func(o *sendOptions) {
		o.routingKey = routingKey
	}
}

// WithMandatory sets the mandatory flag
func WithMandatory(mandatory bool) SendOption {
	return func(o *sendOptions) {
		o.mandatory = mandatory
	}
}

// WithReplyTimeout sets how long SendAndReceive waits for the reply.
func WithReplyTimeout(timeout time.Duration) SendOption {
	return func(o *sendOptions) {
		o.replyTimeout = timeout
	}
}

func (t *Template) sendOptions(opts []SendOption) sendOptions {
	o := sendOptions{
		exchange:     t.settings.Exchange,
		routingKey:   t.settings.RoutingKey,
		mandatory:    t.settings.Mandatory,
		replyTimeout: t.settings.ReplyTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Send publishes msg to the default exchange and routing key unless
// overridden. Transient failures are retried by the retry policy; when it
// gives up the error is a *SendFailedError.
func (t *Template) Send(ctx context.Context, msg Message, opts ...SendOption) (Ack, error) {
	o := t.sendOptions(opts)
	msg, err := t.process(ctx, t.beforePublish, msg)
	if err != nil {
		return Ack{}, err
	}
	pub := t.publishMessage(msg, o)

	var ack Ack
	err = t.retry.Do(ctx, "send", func(ctx context.Context, attempt int) error {
		var err error
		ack, err = t.publisher.Publish(ctx, pub)
		return err
	})
	if err != nil {
		return Ack{}, t.sendError(o, err)
	}

	t.logger.Debug("message sent",
		"exchange", o.exchange,
		"routingKey", o.routingKey,
		"messageId", pub.Message.MessageId,
		"confirmed", ack.Confirmed)
	return ack, nil
}

// ConvertAndSend converts payload with the template's converter and sends it.
func (t *Template) ConvertAndSend(ctx context.Context, payload any, opts ...SendOption) (Ack, error) {
	msg, err := t.converter.ToMessage(payload)
	if err != nil {
		return Ack{}, err
	}
	return t.Send(ctx, msg, opts...)
}

type receiveOptions struct {
	queue   string
	timeout time.Duration
}

// ReceiveOption overrides a template default for one receive.
type ReceiveOption func(*receiveOptions)

// FromQueue sets the queue to receive from
func FromQueue(queue string) ReceiveOption {
	return func(o *receiveOptions) {
		o.queue = queue
	}
}

// WithReceiveTimeout sets how long to poll for a message. Zero polls once,
// a negative timeout waits until the context is done.
func WithReceiveTimeout(timeout time.Duration) ReceiveOption {
	return func(o *receiveOptions) {
		o.timeout = timeout
	}
}

// Receive takes one message from the queue. When no message arrives within
// the timeout the error wraps ErrReceiveTimeout.
func (t *Template) Receive(ctx context.Context, opts ...ReceiveOption) (Message, error) {
	o := receiveOptions{queue: t.settings.DefaultReceiveQueue, timeout: t.settings.ReceiveTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.queue == "" {
		return Message{}, ErrNoQueue
	}

	var msg Message
	err := t.retry.Do(ctx, "receive", func(ctx context.Context, attempt int) error {
		d, err := t.consumer.Get(ctx, o.queue, o.timeout)
		if err != nil {
			return err
		}
		msg = fromDelivery(d)
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return t.process(ctx, t.afterReceive, msg)
}

// ReceiveAndConvert receives one message and decodes it into target.
func (t *Template) ReceiveAndConvert(ctx context.Context, target any, opts ...ReceiveOption) (Message, error) {
	msg, err := t.Receive(ctx, opts...)
	if err != nil {
		return Message{}, err
	}
	if err := t.converter.FromMessage(msg, target); err != nil {
		return msg, err
	}
	return msg, nil
}

// SendAndReceive sends msg with a correlation id over direct reply-to and
// waits for the reply. A missing reply is reported as ErrReplyTimeout.
func (t *Template) SendAndReceive(ctx context.Context, msg Message, opts ...SendOption) (Message, error) {
	o := t.sendOptions(opts)
	msg, err := t.process(ctx, t.beforePublish, msg)
	if err != nil {
		return Message{}, err
	}
	pub := t.publishMessage(msg, o)

	var reply Message
	err = t.retry.Do(ctx, "sendAndReceive", func(ctx context.Context, attempt int) error {
		d, err := t.consumer.Call(ctx, pub, o.replyTimeout)
		if err != nil {
			return err
		}
		reply = fromDelivery(d)
		return nil
	})
	if err != nil {
		return Message{}, t.sendError(o, err)
	}
	return t.process(ctx, t.afterReceive, reply)
}

// ConvertSendAndReceive converts request, performs SendAndReceive and decodes
// the reply into reply.
func (t *Template) ConvertSendAndReceive(ctx context.Context, request, reply any, opts ...SendOption) error {
	msg, err := t.converter.ToMessage(request)
	if err != nil {
		return err
	}
	resp, err := t.SendAndReceive(ctx, msg, opts...)
	if err != nil {
		return err
	}
	return t.converter.FromMessage(resp, reply)
}

// publishMessage fixes the message id once so that retried attempts carry
// the same id.
func (t *Template) publishMessage(msg Message, o sendOptions) rabbitmq.PublishMessage {
	pub := msg.publishing()
	if pub.MessageId == "" {
		pub.MessageId = NewMessage(nil).MessageID
	}
	return rabbitmq.PublishMessage{
		Exchange:   o.exchange,
		RoutingKey: o.routingKey,
		Mandatory:  o.mandatory,
		Message:    pub,
	}
}

func (t *Template) sendError(o sendOptions, err error) error {
	var retryErr *reliability.RetryError
	if !errors.As(err, &retryErr) {
		return err
	}
	return &SendFailedError{
		Exchange:   o.exchange,
		RoutingKey: o.routingKey,
		Attempts:   retryErr.Attempts,
		Err:        retryErr,
	}
}
