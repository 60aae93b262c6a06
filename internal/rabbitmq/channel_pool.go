package rabbitmq

import (
	"sync/atomic"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ResourceState is the lifecycle state of a pooled channel or connection.
type ResourceState int32

const (
	StateIdle ResourceState = iota
	StateLeased
	StateClosed
)

func (s ResourceState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLeased:
		return "leased"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Purpose labels what a checkout is for. It is recorded on the lease and in
// the manager statistics.
type Purpose string

const (
	PurposePublish Purpose = "publish"
	PurposeReceive Purpose = "receive"
	PurposeAdmin   Purpose = "admin"
	PurposeHealth  Purpose = "health"
)

// PooledChannel is a leased AMQP channel. It is only usable between Checkout
// and Checkin; afterwards every operation fails with ResourceClosedError.
type PooledChannel struct {
	id   string
	raw  RawChannel
	conn *PooledConnection

	// guarded by conn.mu
	state   ResourceState
	purpose Purpose

	stale atomic.Bool

	// Confirm-mode plumbing, touched only by the lease holder.
	confirming bool
	confirms   chan amqp.Confirmation
	returns    chan amqp.Return
}

func newPooledChannel(raw RawChannel, conn *PooledConnection) *PooledChannel {
	return &PooledChannel{
		id:    uuid.New().String(),
		raw:   raw,
		conn:  conn,
		state: StateLeased,
	}
}

// ID returns the channel's pool identifier
func (ch *PooledChannel) ID() string {
	return ch.id
}

// ConnectionID returns the identifier of the owning connection
func (ch *PooledChannel) ConnectionID() string {
	return ch.conn.id
}

// State returns the current lifecycle state
func (ch *PooledChannel) State() ResourceState {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	return ch.state
}

// Purpose returns the purpose of the current (or last) lease
func (ch *PooledChannel) Purpose() Purpose {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	return ch.purpose
}

// MarkStale flags the channel so that Checkin closes it instead of caching it.
// Used when the channel may hold unconsumed confirms or returns.
func (ch *PooledChannel) MarkStale() {
	ch.stale.Store(true)
}

// Raw returns the underlying channel for op, or ResourceClosedError when the
// channel is not currently leased.
func (ch *PooledChannel) Raw(op string) (RawChannel, error) {
	ch.conn.mu.Lock()
	state := ch.state
	ch.conn.mu.Unlock()

	if state != StateLeased {
		return nil, &ResourceClosedError{Resource: "channel", ID: ch.id, State: state, Op: op}
	}
	return ch.raw, nil
}

// enableConfirms puts the channel in confirm mode once and registers the
// confirm and return listeners for the channel's lifetime.
func (ch *PooledChannel) enableConfirms() error {
	if ch.confirming {
		return nil
	}
	if err := ch.raw.Confirm(false); err != nil {
		return err
	}
	ch.confirms = ch.raw.NotifyPublish(make(chan amqp.Confirmation, 1))
	ch.returns = ch.raw.NotifyReturn(make(chan amqp.Return, 1))
	ch.confirming = true
	return nil
}
