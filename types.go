package mmate

import "github.com/glimte/mmate-rabbit/internal/rabbitmq"

// Connection layer types exposed to callers.
type (
	Admin                   = rabbitmq.Admin
	Topology                = rabbitmq.Topology
	ExchangeDeclaration     = rabbitmq.ExchangeDeclaration
	QueueDeclaration        = rabbitmq.QueueDeclaration
	Binding                 = rabbitmq.Binding
	Stats                   = rabbitmq.Stats
	ConnectionStateListener = rabbitmq.ConnectionStateListener
	RawConnectionFactory    = rabbitmq.RawConnectionFactory
	RawConnection           = rabbitmq.RawConnection
	RawChannel              = rabbitmq.RawChannel
	DialParams              = rabbitmq.DialParams
	TLSConfigError          = rabbitmq.TLSConfigError
)

// Startup errors
var (
	ErrTLSConfig            = rabbitmq.ErrTLSConfig
	ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration
	ErrManagerClosed        = rabbitmq.ErrManagerClosed
)
