// Package rabbitmq provides the RabbitMQ connection layer of mmate-rabbit.
//
// This package includes:
//   - ConnectionFactoryBuilder: Validates connection settings and prepares TLS material
//   - CachingConnectionManager: Pools connections and channels in CHANNEL or CONNECTION mode
//   - Publisher: Single publish attempts with publisher confirms and mandatory returns
//   - Consumer: basic.get receives and direct reply-to request/reply
//   - Admin: Declares exchanges, queues, and bindings
//
// The wire protocol is delegated to github.com/rabbitmq/amqp091-go behind the
// RawConnectionFactory, RawConnection and RawChannel interfaces. Errors are
// classified as transient or fatal by IsTransient.
package rabbitmq
