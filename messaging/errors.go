package messaging

import (
	"errors"
	"fmt"

	"github.com/glimte/mmate-rabbit/internal/rabbitmq"
	"github.com/glimte/mmate-rabbit/internal/reliability"
)

var (
	// ErrNoQueue is returned by receive operations without a queue and
	// without a default receive queue.
	ErrNoQueue = errors.New("messaging: no queue specified")
	// ErrUnsupportedContentType is returned when a converter cannot read a
	// message body.
	ErrUnsupportedContentType = errors.New("messaging: unsupported content type")
)

// Errors raised by the connection layer, re-exported for callers.
var (
	ErrPoolExhausted     = rabbitmq.ErrPoolExhausted
	ErrManagerClosed     = rabbitmq.ErrManagerClosed
	ErrResourceClosed    = rabbitmq.ErrResourceClosed
	ErrUnroutableMessage = rabbitmq.ErrUnroutableMessage
	ErrMessageNacked     = rabbitmq.ErrMessageNacked
	ErrConfirmTimeout    = rabbitmq.ErrConfirmTimeout
	ErrReceiveTimeout    = rabbitmq.ErrReceiveTimeout
	ErrReplyTimeout      = rabbitmq.ErrReplyTimeout
	ErrRetryExhausted    = reliability.ErrRetryExhausted
)

type (
	// UnroutableMessageError is returned for mandatory messages the broker
	// could not route.
	UnroutableMessageError = rabbitmq.UnroutableMessageError
	// PoolExhaustedError is returned when no channel became available in time.
	PoolExhaustedError = rabbitmq.PoolExhaustedError
)

// SendFailedError is returned when a send kept failing with transient errors
// until the retry policy gave up.
type SendFailedError struct {
	Exchange   string
	RoutingKey string
	Attempts   int
	Err        error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("send to exchange %q with routing key %q failed after %d attempts: %v",
		e.Exchange, e.RoutingKey, e.Attempts, e.Err)
}

func (e *SendFailedError) Unwrap() error {
	return e.Err
}

// ConversionError is returned when a payload cannot be encoded or decoded.
type ConversionError struct {
	Op          string
	ContentType string
	Err         error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert: %s %q: %v", e.Op, e.ContentType, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return rabbitmq.IsTransient(err)
}
