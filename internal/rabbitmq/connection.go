package rabbitmq

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications in
// the order they happened. OnDisconnected is called once per connection; err
// is nil when the manager closed the connection itself.
type ConnectionStateListener interface {
	OnConnected(connectionID string)
	OnDisconnected(connectionID string, err error)
}

// PooledConnection is a broker connection owned by a CachingConnectionManager.
// It never outlives the manager and its channels never outlive it.
type PooledConnection struct {
	id       string
	raw      RawConnection
	reported atomic.Bool // disconnect delivered to listeners

	mu     sync.Mutex
	idle   []*PooledChannel // FIFO, oldest first
	open   int              // open or opening channels, leased included
	leased int
	stale  bool
	closed bool

	notifyClose chan *amqp.Error
}

func newPooledConnection(raw RawConnection) *PooledConnection {
	c := &PooledConnection{
		id:  uuid.New().String(),
		raw: raw,
	}
	c.notifyClose = raw.NotifyClose(make(chan *amqp.Error, 1))
	return c
}

// ID returns the connection's pool identifier
func (c *PooledConnection) ID() string {
	return c.id
}

// takeIdle leases the oldest usable idle channel. Channels closed by the
// broker while idle are discarded and returned in dead.
func (c *PooledConnection) takeIdle(purpose Purpose) (ch *PooledChannel, dead []*PooledChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stale || c.closed {
		return nil, nil
	}
	for len(c.idle) > 0 {
		next := c.idle[0]
		c.idle[0] = nil
		c.idle = c.idle[1:]

		if next.stale.Load() || next.raw.IsClosed() {
			next.state = StateClosed
			c.open--
			dead = append(dead, next)
			continue
		}

		next.state = StateLeased
		next.purpose = purpose
		c.leased++
		return next, dead
	}
	return nil, dead
}

// reserve claims room for one more leased channel. limit <= 0 means no limit.
func (c *PooledConnection) reserve(limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stale || c.closed {
		return false
	}
	if limit > 0 && c.open >= limit {
		return false
	}
	c.open++
	c.leased++
	return true
}

func (c *PooledConnection) unreserve() {
	c.mu.Lock()
	c.open--
	c.leased--
	c.mu.Unlock()
}

func (c *PooledConnection) markStale() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

func (c *PooledConnection) isStale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale || c.closed
}

// drainIdle removes every idle channel so the caller can close them.
func (c *PooledConnection) drainIdle() []*PooledChannel {
	c.mu.Lock()
	defer c.mu.Unlock()

	idle := c.idle
	c.idle = nil
	for _, ch := range idle {
		ch.state = StateClosed
	}
	c.open -= len(idle)
	return idle
}

// retireIfUnused marks the connection closed when nothing is leased from it.
// It reports whether the caller must now close the raw connection.
func (c *PooledConnection) retireIfUnused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.leased > 0 {
		return false
	}
	c.closed = true
	return true
}

func (c *PooledConnection) counts() (open, idle, leased int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open, len(c.idle), c.leased
}

func closeChannels(channels []*PooledChannel) {
	for _, ch := range channels {
		_ = ch.raw.Close()
	}
}

// AddStateListener adds a connection state listener
func (m *CachingConnectionManager) AddStateListener(listener ConnectionStateListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.stateListeners = append(m.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (m *CachingConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	for i, l := range m.stateListeners {
		if l == listener {
			m.stateListeners = append(m.stateListeners[:i], m.stateListeners[i+1:]...)
			break
		}
	}
}

func (m *CachingConnectionManager) notifyConnected(id string) {
	m.dispatch(func(l ConnectionStateListener) { l.OnConnected(id) })
}

// notifyDisconnected reports c once, whichever of the broker or the manager
// closed it first.
func (m *CachingConnectionManager) notifyDisconnected(c *PooledConnection, err error) {
	if !c.reported.CompareAndSwap(false, true) {
		return
	}
	m.dispatch(func(l ConnectionStateListener) { l.OnDisconnected(c.id, err) })
}

// dispatch queues an event for every current listener. Events run on one
// goroutine at a time so listeners see them in order without blocking the
// caller.
func (m *CachingConnectionManager) dispatch(event func(ConnectionStateListener)) {
	m.listenersMu.RLock()
	listeners := append([]ConnectionStateListener(nil), m.stateListeners...)
	m.listenersMu.RUnlock()
	if len(listeners) == 0 {
		return
	}

	m.eventsMu.Lock()
	m.events = append(m.events, func() {
		for _, l := range listeners {
			event(l)
		}
	})
	running := m.dispatching
	m.dispatching = true
	m.eventsMu.Unlock()

	if !running {
		go m.drainEvents()
	}
}

func (m *CachingConnectionManager) drainEvents() {
	for {
		m.eventsMu.Lock()
		if len(m.events) == 0 {
			m.dispatching = false
			m.eventsMu.Unlock()
			return
		}
		next := m.events[0]
		m.events[0] = nil
		m.events = m.events[1:]
		m.eventsMu.Unlock()

		next()
	}
}

// watch waits for the broker to close the connection. A graceful close we
// initiated ends the watch silently.
func (m *CachingConnectionManager) watch(c *PooledConnection) {
	amqpErr, ok := <-c.notifyClose

	c.mu.Lock()
	ours := c.closed
	c.stale = true
	c.mu.Unlock()

	if ours && !ok {
		return
	}

	var err error
	if amqpErr != nil {
		err = amqpErr
		m.logger.Error("connection closed", "connectionId", c.id, "error", amqpErr)
	} else {
		err = ErrConnectionClosed
		m.logger.Warn("connection closed", "connectionId", c.id)
	}

	m.mu.Lock()
	m.removeLocked(c)
	m.signalLocked()
	m.mu.Unlock()

	closeChannels(c.drainIdle())
	if c.retireIfUnused() {
		_ = c.raw.Close()
	}
	m.notifyDisconnected(c, err)
}
