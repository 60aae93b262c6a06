package rabbitmq

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-rabbit/config"
)

// RawChannel is the subset of *amqp.Channel the manager and template use.
type RawChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	QueuePurge(name string, noWait bool) (int, error)
	IsClosed() bool
	Close() error
}

// RawConnection is a broker connection as provided by the protocol layer.
type RawConnection interface {
	OpenChannel() (RawChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// DialParams carries everything needed to open one connection to one
// endpoint.
type DialParams struct {
	Endpoint       string // host:port
	Config         config.ConnectionConfig
	TLS            *tls.Config // nil when TLS is disabled
	ConnectionName string
}

// RawConnectionFactory opens raw connections. The default implementation
// dials with amqp091-go; tests substitute an in-memory broker.
type RawConnectionFactory interface {
	Connect(ctx context.Context, params DialParams) (RawConnection, error)
}

// RawConnectionFactoryFunc adapts a function to RawConnectionFactory.
type RawConnectionFactoryFunc func(ctx context.Context, params DialParams) (RawConnection, error)

// Connect implements RawConnectionFactory
func (f RawConnectionFactoryFunc) Connect(ctx context.Context, params DialParams) (RawConnection, error) {
	return f(ctx, params)
}

const defaultDialTimeout = 30 * time.Second

// AMQPDialer is the amqp091-go backed RawConnectionFactory.
type AMQPDialer struct{}

// Connect implements RawConnectionFactory
func (AMQPDialer) Connect(ctx context.Context, p DialParams) (RawConnection, error) {
	host, portStr, err := net.SplitHostPort(p.Endpoint)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     host,
		Port:     port,
		Username: p.Config.Username,
		Password: p.Config.Password,
		Vhost:    p.Config.VirtualHost,
	}
	if uri.Vhost == "" {
		uri.Vhost = "/"
	}

	timeout := p.Config.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	cfg := amqp.Config{
		SASL:      []amqp.Authentication{&amqp.PlainAuth{Username: p.Config.Username, Password: p.Config.Password}},
		Vhost:     uri.Vhost,
		Heartbeat: p.Config.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	}
	if p.TLS != nil {
		uri.Scheme = "amqps"
		tlsCfg := p.TLS.Clone()
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = host
		}
		cfg.TLSClientConfig = tlsCfg
	}
	if p.ConnectionName != "" {
		cfg.Properties = amqp.Table{"connection_name": p.ConnectionName}
	}

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(uri.String(), cfg)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return amqpConnection{conn}, nil
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		// The dial goroutine may still succeed; make sure that connection
		// does not leak.
		go func() {
			select {
			case conn := <-connChan:
				conn.Close()
			case <-errChan:
			}
		}()
		return nil, ctx.Err()
	}
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) OpenChannel() (RawChannel, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
