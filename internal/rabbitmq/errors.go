package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-rabbit/config"
)

var (
	// Connection errors
	ErrConnectionClosed  = errors.New("rabbitmq: connection is closed")
	ErrConnectionTimeout = errors.New("rabbitmq: connection timeout")
	ErrNoEndpoints       = errors.New("rabbitmq: no broker endpoints configured")

	// Cache errors
	ErrPoolExhausted  = errors.New("rabbitmq: pool exhausted")
	ErrManagerClosed  = errors.New("rabbitmq: connection manager is closed")
	ErrResourceClosed = errors.New("rabbitmq: resource is closed")

	// Publisher errors
	ErrUnroutableMessage = errors.New("rabbitmq: message unroutable")
	ErrMessageNacked     = errors.New("rabbitmq: message nacked by broker")
	ErrConfirmTimeout    = errors.New("rabbitmq: timeout waiting for publisher confirm")

	// Receive errors
	ErrReceiveTimeout = errors.New("rabbitmq: receive timeout")
	ErrReplyTimeout   = errors.New("rabbitmq: reply timeout")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
	ErrTLSConfig            = errors.New("rabbitmq: invalid tls configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	Endpoint  string    // host:port, never credentials
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of endpoints tried
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	ChannelID string    // Channel identifier
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Mandatory  bool      // Whether mandatory flag was set
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s (mandatory=%v): %v",
		e.Exchange, e.RoutingKey, e.Mandatory, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// TLSConfigError reports unusable TLS trust or identity material. It is fatal
// at startup.
type TLSConfigError struct {
	Field string // ssl property at fault
	Path  string // file involved, if any
	Err   error
}

func (e *TLSConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("rabbitmq tls config error: %s (%s): %v", e.Field, e.Path, e.Err)
	}
	return fmt.Sprintf("rabbitmq tls config error: %s: %v", e.Field, e.Err)
}

func (e *TLSConfigError) Unwrap() error {
	return e.Err
}

func (e *TLSConfigError) Is(target error) bool {
	return target == ErrTLSConfig
}

// PoolExhaustedError is returned when a checkout could not be satisfied
// before its deadline.
type PoolExhaustedError struct {
	Mode    config.CacheMode
	Waited  time.Duration // time spent waiting
	Limit   int           // capacity that was exhausted
	Cause   error         // context error, if the caller's context ended first
	Purpose Purpose
}

func (e *PoolExhaustedError) Error() string {
	msg := fmt.Sprintf("rabbitmq: pool exhausted: no %s available for %s within %v (limit %d)",
		e.resource(), e.Purpose, e.Waited.Round(time.Millisecond), e.Limit)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PoolExhaustedError) resource() string {
	if e.Mode == config.CacheModeConnection {
		return "connection"
	}
	return "channel"
}

func (e *PoolExhaustedError) Unwrap() error {
	return e.Cause
}

func (e *PoolExhaustedError) Is(target error) bool {
	return target == ErrPoolExhausted
}

// ResourceClosedError is returned when a pooled resource is used outside of
// its lease.
type ResourceClosedError struct {
	Resource string // "channel" or "connection"
	ID       string
	State    ResourceState
	Op       string
}

func (e *ResourceClosedError) Error() string {
	return fmt.Sprintf("rabbitmq: cannot %s: %s %s is %s", e.Op, e.Resource, e.ID, e.State)
}

func (e *ResourceClosedError) Is(target error) bool {
	return target == ErrResourceClosed
}

// UnroutableMessageError is returned when the broker returns a mandatory
// message because no queue was bound to receive it.
type UnroutableMessageError struct {
	Exchange   string
	RoutingKey string
	ReplyCode  uint16
	ReplyText  string
}

func (e *UnroutableMessageError) Error() string {
	return fmt.Sprintf("rabbitmq: message unroutable on %s/%s: %d %s", e.Exchange, e.RoutingKey, e.ReplyCode, e.ReplyText)
}

func (e *UnroutableMessageError) Is(target error) bool {
	return target == ErrUnroutableMessage
}

// AMQP reply codes that describe a broken connection or channel rather than a
// rejected operation.
var transientReplyCodes = map[int]bool{
	amqp.ConnectionForced: true,
	amqp.ChannelError:     true,
	amqp.FrameError:       true,
	amqp.UnexpectedFrame:  true,
	amqp.ResourceError:    true,
	amqp.InternalError:    true,
}

// IsTransient classifies err as retryable. The classification is explicit:
// anything not listed here is treated as fatal so that retries never mask
// programming errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Fatal regardless of what they wrap.
	switch {
	case errors.Is(err, ErrUnroutableMessage),
		errors.Is(err, ErrMessageNacked),
		errors.Is(err, ErrManagerClosed),
		errors.Is(err, ErrResourceClosed),
		errors.Is(err, ErrTLSConfig),
		errors.Is(err, ErrInvalidConfiguration),
		errors.Is(err, context.Canceled):
		return false
	}

	switch {
	case errors.Is(err, ErrPoolExhausted),
		errors.Is(err, ErrConfirmTimeout),
		errors.Is(err, ErrConnectionClosed),
		errors.Is(err, ErrConnectionTimeout),
		errors.Is(err, amqp.ErrClosed),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Recover || transientReplyCodes[amqpErr.Code]
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}

	var chanErr *ChannelError
	if errors.As(err, &chanErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return err != nil && !IsTransient(err)
}
