package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v5"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Admin declares and removes broker topology (exchanges, queues, bindings)
// over channels leased from a CachingConnectionManager.
type Admin struct {
	manager  *CachingConnectionManager
	attempts uint
	delay    time.Duration
	logger   *slog.Logger
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of declarations applied together
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// AdminOption configures the Admin
type AdminOption func(*Admin)

// WithDeclareRetry sets how often DeclareTopology is attempted and the base
// delay between attempts.
func WithDeclareRetry(attempts uint, delay time.Duration) AdminOption {
	return func(a *Admin) {
		a.attempts = attempts
		a.delay = delay
	}
}

// WithAdminLogger sets the logger
func WithAdminLogger(logger *slog.Logger) AdminOption {
	return func(a *Admin) {
		a.logger = logger
	}
}

// NewAdmin creates a new admin
func NewAdmin(manager *CachingConnectionManager, options ...AdminOption) *Admin {
	a := &Admin{
		manager:  manager,
		attempts: 3,
		delay:    500 * time.Millisecond,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// execute runs fn on a leased channel. A channel the broker closed because of
// a failed declaration is discarded on checkin.
func (a *Admin) execute(ctx context.Context, op string, fn func(RawChannel) error) error {
	ch, err := a.manager.Checkout(ctx, PurposeAdmin)
	if err != nil {
		return err
	}
	defer a.manager.Checkin(ch)

	raw, err := ch.Raw(op)
	if err != nil {
		return err
	}
	if err := fn(raw); err != nil {
		return &ChannelError{Op: op, ChannelID: ch.id, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeclareTopology declares exchanges, then queues, then bindings. Transient
// failures are retried; a rejected declaration is returned immediately.
func (a *Admin) DeclareTopology(ctx context.Context, topology Topology) error {
	retrier := retry.New(
		retry.Attempts(a.attempts),
		retry.Delay(a.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsTransient),
		retry.OnRetry(func(n uint, err error) {
			a.logger.Warn("topology declaration failed, retrying",
				"attempt", n+1,
				"error", err)
		}),
	)

	return retrier.Do(func() error {
		return a.execute(ctx, "declare topology", func(ch RawChannel) error {
			for _, exchange := range topology.Exchanges {
				if err := declareExchange(ch, exchange); err != nil {
					return fmt.Errorf("exchange %q: %w", exchange.Name, err)
				}
			}
			for _, queue := range topology.Queues {
				if _, err := declareQueue(ch, queue); err != nil {
					return fmt.Errorf("queue %q: %w", queue.Name, err)
				}
			}
			for _, binding := range topology.Bindings {
				if err := bindQueue(ch, binding); err != nil {
					return fmt.Errorf("binding %q->%q: %w", binding.Exchange, binding.Queue, err)
				}
			}
			return nil
		})
	})
}

// DeclareExchange declares a single exchange
func (a *Admin) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	return a.execute(ctx, "exchange.declare", func(ch RawChannel) error {
		return declareExchange(ch, exchange)
	})
}

// DeclareQueue declares a single queue. An empty name lets the broker pick
// one, which is returned.
func (a *Admin) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := a.execute(ctx, "queue.declare", func(ch RawChannel) error {
		var err error
		q, err = declareQueue(ch, queue)
		return err
	})
	return q, err
}

// DeclareBinding binds a queue to an exchange
func (a *Admin) DeclareBinding(ctx context.Context, binding Binding) error {
	return a.execute(ctx, "queue.bind", func(ch RawChannel) error {
		return bindQueue(ch, binding)
	})
}

// DeleteQueue deletes a queue and returns the number of messages purged
func (a *Admin) DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) (int, error) {
	var n int
	err := a.execute(ctx, "queue.delete", func(ch RawChannel) error {
		var err error
		n, err = ch.QueueDelete(name, ifUnused, ifEmpty, false)
		return err
	})
	return n, err
}

// PurgeQueue removes all ready messages from a queue
func (a *Admin) PurgeQueue(ctx context.Context, name string) (int, error) {
	var n int
	err := a.execute(ctx, "queue.purge", func(ch RawChannel) error {
		var err error
		n, err = ch.QueuePurge(name, false)
		return err
	})
	return n, err
}

func declareExchange(ch RawChannel, exchange ExchangeDeclaration) error {
	kind := exchange.Type
	if kind == "" {
		kind = amqp.ExchangeDirect
	}
	return ch.ExchangeDeclare(
		exchange.Name,
		kind,
		exchange.Durable,
		exchange.AutoDelete,
		exchange.Internal,
		false, // no-wait
		exchange.Arguments,
	)
}

func declareQueue(ch RawChannel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

func bindQueue(ch RawChannel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}
