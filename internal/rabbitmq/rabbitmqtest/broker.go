// Package rabbitmqtest provides an in-memory broker implementing the raw
// connection interfaces of package rabbitmq, for tests.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-rabbit/internal/rabbitmq"
)

// Responder answers a request published to the queue it is registered for.
type Responder func(req amqp.Publishing) amqp.Publishing

// Broker is a minimal in-memory broker. The default exchange routes to the
// queue named by the routing key, other exchanges route through bindings.
type Broker struct {
	mu         sync.Mutex
	exchanges  map[string]string // name -> kind
	queues     map[string][]amqp.Delivery
	bindings   map[string]string // exchange + "\x00" + key -> queue
	responders map[string]Responder
	conns      []*Conn
	dials      []rabbitmq.DialParams
	queueSeq   int

	// DialErr, when set, fails every dial.
	DialErr error
	// FailDials fails that many dials with a transient connection error.
	FailDials atomic.Int32
	// PublishErr, when set, fails publishes while FailPublishes > 0.
	PublishErr    error
	FailPublishes atomic.Int32
	// Nack makes the broker negatively acknowledge every publish.
	Nack atomic.Bool
	// WithholdConfirms makes the broker never confirm.
	WithholdConfirms atomic.Bool

	Publishes atomic.Int64
	Connects  atomic.Int64
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges:  map[string]string{"": amqp.ExchangeDirect},
		queues:     make(map[string][]amqp.Delivery),
		bindings:   make(map[string]string),
		responders: make(map[string]Responder),
	}
}

// Connect implements rabbitmq.ConnectionOpener
func (b *Broker) Connect(ctx context.Context) (rabbitmq.RawConnection, error) {
	return b.Dial(ctx, rabbitmq.DialParams{})
}

// Dial implements rabbitmq.RawConnectionFactory
func (b *Broker) Dial(ctx context.Context, params rabbitmq.DialParams) (rabbitmq.RawConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials = append(b.dials, params)
	if b.DialErr != nil {
		return nil, b.DialErr
	}
	if b.FailDials.Load() > 0 {
		b.FailDials.Add(-1)
		return nil, &rabbitmq.ConnectionError{Op: "connect", Endpoint: params.Endpoint, Err: errors.New("connection refused"), Timestamp: time.Now()}
	}
	c := &Conn{broker: b}
	b.conns = append(b.conns, c)
	b.Connects.Add(1)
	return c, nil
}

// Dialer returns the broker as a rabbitmq.RawConnectionFactory
func (b *Broker) Dialer() rabbitmq.RawConnectionFactory {
	return rabbitmq.RawConnectionFactoryFunc(b.Dial)
}

// Dials returns the parameters of every dial attempt
func (b *Broker) Dials() []rabbitmq.DialParams {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]rabbitmq.DialParams(nil), b.dials...)
}

// Conns returns every connection opened so far
func (b *Broker) Conns() []*Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Conn(nil), b.conns...)
}

// OpenConnections counts connections that are not closed
func (b *Broker) OpenConnections() int {
	n := 0
	for _, c := range b.Conns() {
		if !c.IsClosed() {
			n++
		}
	}
	return n
}

// DeclareQueue creates a queue, if missing
func (b *Broker) DeclareQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = nil
	}
}

// Bind routes exchange/key to queue, declaring both
func (b *Broker) Bind(exchange, key, queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; !ok {
		b.exchanges[exchange] = amqp.ExchangeDirect
	}
	if _, ok := b.queues[queue]; !ok {
		b.queues[queue] = nil
	}
	b.bindings[exchange+"\x00"+key] = queue
}

// Respond registers a responder for requests routed to queue
func (b *Broker) Respond(queue string, r Responder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[queue]; !ok {
		b.queues[queue] = nil
	}
	b.responders[queue] = r
}

// Enqueue puts a message directly on queue
func (b *Broker) Enqueue(queue string, msg amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[queue] = append(b.queues[queue], deliveryOf("", queue, msg))
}

// Messages returns the messages waiting on queue
func (b *Broker) Messages(queue string) []amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Delivery(nil), b.queues[queue]...)
}

// HasExchange reports whether exchange was declared
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// HasQueue reports whether queue exists
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// KillConnections closes every open connection as the broker would on a
// forced shutdown.
func (b *Broker) KillConnections() {
	for _, c := range b.Conns() {
		c.kill(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true, Recover: true})
	}
}

// route returns the destination queue, or false when unroutable.
func (b *Broker) route(exchange, key string) (string, bool, error) {
	if exchange == "" {
		_, ok := b.queues[key]
		return key, ok, nil
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return "", false, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange)}
	}
	queue, ok := b.bindings[exchange+"\x00"+key]
	return queue, ok, nil
}

func deliveryOf(exchange, key string, msg amqp.Publishing) amqp.Delivery {
	return amqp.Delivery{
		Headers:         msg.Headers,
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		DeliveryMode:    msg.DeliveryMode,
		Priority:        msg.Priority,
		CorrelationId:   msg.CorrelationId,
		ReplyTo:         msg.ReplyTo,
		Expiration:      msg.Expiration,
		MessageId:       msg.MessageId,
		Timestamp:       msg.Timestamp,
		Type:            msg.Type,
		UserId:          msg.UserId,
		AppId:           msg.AppId,
		Exchange:        exchange,
		RoutingKey:      key,
		Body:            msg.Body,
	}
}

// Conn is an in-memory connection
type Conn struct {
	broker *Broker

	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*Channel
}

// OpenChannel implements rabbitmq.RawConnection
func (c *Conn) OpenChannel() (rabbitmq.RawChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{conn: c, consumers: make(map[string]chan amqp.Delivery)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose implements rabbitmq.RawConnection
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed implements rabbitmq.RawConnection
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.RawConnection
func (c *Conn) Close() error {
	return c.shutdown(nil)
}

// Channels returns every channel opened on the connection
func (c *Conn) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

func (c *Conn) kill(err *amqp.Error) {
	_ = c.shutdown(err)
}

func (c *Conn) shutdown(err *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	notify := c.notify
	c.notify = nil
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	for _, n := range notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
	return nil
}

// Channel is an in-memory channel
type Channel struct {
	conn *Conn

	mu        sync.Mutex
	closed    bool
	confirm   bool
	seq       uint64
	confirms  []chan amqp.Confirmation
	returns   []chan amqp.Return
	consumers map[string]chan amqp.Delivery
}

// PublishWithContext implements rabbitmq.RawChannel
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.conn.broker

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	b.Publishes.Add(1)
	if b.PublishErr != nil && b.FailPublishes.Load() > 0 {
		b.FailPublishes.Add(-1)
		return b.PublishErr
	}

	b.mu.Lock()
	queue, routed, err := b.route(exchange, key)
	if err != nil {
		b.mu.Unlock()
		ch.closeLocked()
		return err
	}
	responder := b.responders[queue]
	if routed && responder == nil {
		b.queues[queue] = append(b.queues[queue], deliveryOf(exchange, key, msg))
	}
	b.mu.Unlock()

	if !routed && mandatory {
		for _, r := range ch.returns {
			r <- amqp.Return{
				ReplyCode:     amqp.NoRoute,
				ReplyText:     "NO_ROUTE",
				Exchange:      exchange,
				RoutingKey:    key,
				CorrelationId: msg.CorrelationId,
				Body:          msg.Body,
			}
		}
	}

	if routed && responder != nil && msg.ReplyTo == rabbitmq.DirectReplyTo {
		reply := responder(msg)
		reply.CorrelationId = msg.CorrelationId
		for _, c := range ch.consumers {
			c <- deliveryOf("", rabbitmq.DirectReplyTo, reply)
		}
	}

	if ch.confirm {
		ch.seq++
		if !b.WithholdConfirms.Load() {
			for _, c := range ch.confirms {
				c <- amqp.Confirmation{DeliveryTag: ch.seq, Ack: !b.Nack.Load()}
			}
		}
	}
	return nil
}

// Confirm implements rabbitmq.RawChannel
func (ch *Channel) Confirm(bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

// NotifyPublish implements rabbitmq.RawChannel
func (ch *Channel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.confirms = append(ch.confirms, c)
	return c
}

// NotifyReturn implements rabbitmq.RawChannel
func (ch *Channel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.returns = append(ch.returns, c)
	return c
}

// Get implements rabbitmq.RawChannel
func (ch *Channel) Get(queue string, _ bool) (amqp.Delivery, bool, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs, ok := b.queues[queue]
	if !ok {
		ch.closeLocked()
		return amqp.Delivery{}, false, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queue)}
	}
	if len(msgs) == 0 {
		return amqp.Delivery{}, false, nil
	}
	b.queues[queue] = msgs[1:]
	return msgs[0], true, nil
}

// Consume implements rabbitmq.RawChannel. Only direct reply-to is supported.
func (ch *Channel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if queue != rabbitmq.DirectReplyTo {
		return nil, fmt.Errorf("rabbitmqtest: consume from %q not supported", queue)
	}
	c := make(chan amqp.Delivery, 8)
	ch.consumers[consumer] = c
	return c, nil
}

// Cancel implements rabbitmq.RawChannel
func (ch *Channel) Cancel(consumer string, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if c, ok := ch.consumers[consumer]; ok {
		close(c)
		delete(ch.consumers, consumer)
	}
	return nil
}

// ExchangeDeclare implements rabbitmq.RawChannel
func (ch *Channel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		ch.closeLocked()
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name)}
	}
	b.exchanges[name] = kind
	return nil
}

// QueueDeclare implements rabbitmq.RawChannel
func (ch *Channel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == "" {
		b.queueSeq++
		name = fmt.Sprintf("amq.gen-%d", b.queueSeq)
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = nil
	}
	return amqp.Queue{Name: name, Messages: len(b.queues[name])}, nil
}

// QueueBind implements rabbitmq.RawChannel
func (ch *Channel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; !ok {
		ch.closeLocked()
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange)}
	}
	if _, ok := b.queues[name]; !ok {
		ch.closeLocked()
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
	}
	b.bindings[exchange+"\x00"+key] = name
	return nil
}

// QueueDelete implements rabbitmq.RawChannel
func (ch *Channel) QueueDelete(name string, _, _, _ bool) (int, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return 0, amqp.ErrClosed
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.queues[name])
	delete(b.queues, name)
	return n, nil
}

// QueuePurge implements rabbitmq.RawChannel
func (ch *Channel) QueuePurge(name string, _ bool) (int, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return 0, amqp.ErrClosed
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.queues[name])
	if _, ok := b.queues[name]; ok {
		b.queues[name] = nil
	}
	return n, nil
}

// IsClosed implements rabbitmq.RawChannel
func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Close implements rabbitmq.RawChannel
func (ch *Channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked()
	return nil
}

func (ch *Channel) closeLocked() {
	ch.closed = true
	for _, c := range ch.confirms {
		close(c)
	}
	for _, r := range ch.returns {
		close(r)
	}
	for tag, c := range ch.consumers {
		close(c)
		delete(ch.consumers, tag)
	}
	ch.confirms = nil
	ch.returns = nil
}
