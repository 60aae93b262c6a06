package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-rabbit/config"
)

// ConnectionOpener opens raw broker connections. *ConnectionFactory
// implements it.
type ConnectionOpener interface {
	Connect(ctx context.Context) (RawConnection, error)
}

// ManagerOption configures the CachingConnectionManager
type ManagerOption func(*CachingConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *CachingConnectionManager) {
		m.logger = logger
	}
}

// Stats is a point-in-time view of the manager's pool.
type Stats struct {
	Mode           config.CacheMode
	Closed         bool
	Connections    int
	OpenChannels   int
	IdleChannels   int
	LeasedChannels int
	Checkouts      uint64
	Checkins       uint64
	Exhausted      uint64
	ByPurpose      map[Purpose]uint64
}

// CachingConnectionManager hands out channels over a bounded set of cached
// connections.
//
// In CHANNEL mode a fixed number of connections is shared and each keeps up
// to ChannelCacheSize idle channels. In CONNECTION mode every lease gets a
// connection with a single channel. With a positive ChannelCheckoutTimeout
// the cache sizes are hard limits and Checkout blocks; otherwise extra
// resources are opened on demand and closed again on Checkin.
//
// Lock order is manager then connection.
type CachingConnectionManager struct {
	opener          ConnectionOpener
	mode            config.CacheMode
	channelSize     int
	connectionSize  int
	checkoutTimeout time.Duration
	logger          *slog.Logger

	mu      sync.Mutex
	conns   []*PooledConnection
	opening int
	avail   chan struct{} // closed and replaced whenever capacity is released
	closed  atomic.Bool   // written under mu

	checkouts atomic.Uint64
	checkins  atomic.Uint64
	exhausted atomic.Uint64
	purposeMu sync.Mutex
	purposes  map[Purpose]uint64

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex

	eventsMu    sync.Mutex
	events      []func()
	dispatching bool
}

// NewCachingConnectionManager creates a manager. No connection is opened
// until the first Checkout.
func NewCachingConnectionManager(opener ConnectionOpener, cache config.CacheConfig, options ...ManagerOption) (*CachingConnectionManager, error) {
	if opener == nil {
		return nil, fmt.Errorf("%w: connection opener is required", ErrInvalidConfiguration)
	}
	mode := cache.Mode
	if mode == "" {
		mode = config.CacheModeChannel
	}
	if mode != config.CacheModeChannel && mode != config.CacheModeConnection {
		return nil, fmt.Errorf("%w: unknown cache mode %q", ErrInvalidConfiguration, cache.Mode)
	}
	if cache.ChannelCacheSize < 1 {
		return nil, fmt.Errorf("%w: channel cache size must be at least 1", ErrInvalidConfiguration)
	}
	if cache.ConnectionCacheSize < 1 {
		return nil, fmt.Errorf("%w: connection cache size must be at least 1", ErrInvalidConfiguration)
	}
	if cache.ChannelCheckoutTimeout < 0 {
		return nil, fmt.Errorf("%w: channel checkout timeout must not be negative", ErrInvalidConfiguration)
	}

	m := &CachingConnectionManager{
		opener:          opener,
		mode:            mode,
		channelSize:     cache.ChannelCacheSize,
		connectionSize:  cache.ConnectionCacheSize,
		checkoutTimeout: cache.ChannelCheckoutTimeout,
		logger:          slog.Default(),
		avail:           make(chan struct{}),
		purposes:        make(map[Purpose]uint64),
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// Mode returns the cache mode
func (m *CachingConnectionManager) Mode() config.CacheMode {
	return m.mode
}

func (m *CachingConnectionManager) limited() bool {
	return m.checkoutTimeout > 0
}

// channelLimit is the per-connection open channel cap, 0 meaning none.
func (m *CachingConnectionManager) channelLimit() int {
	if m.mode == config.CacheModeConnection {
		return 1
	}
	if m.limited() {
		return m.channelSize
	}
	return 0
}

// idleLimit is how many idle channels a connection may keep.
func (m *CachingConnectionManager) idleLimit() int {
	if m.mode == config.CacheModeConnection {
		return 1
	}
	return m.channelSize
}

// Checkout leases a channel. It waits for capacity until ctx is done or
// ChannelCheckoutTimeout elapses, whichever comes first, and then fails with
// a PoolExhaustedError.
func (m *CachingConnectionManager) Checkout(ctx context.Context, purpose Purpose) (*PooledChannel, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, m.exhaustedError(purpose, start, err)
	}

	deadline := m.checkoutDeadline(ctx, start)
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		m.mu.Lock()
		if m.closed.Load() {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}

		ch, dead := m.takeIdleLocked(purpose)
		if ch != nil {
			m.mu.Unlock()
			closeChannels(dead)
			m.leased(ch, purpose)
			return ch, nil
		}

		if c := m.reserveLocked(); c != nil {
			m.mu.Unlock()
			closeChannels(dead)
			return m.openChannel(c, purpose)
		}

		if m.canOpenConnectionLocked() {
			m.opening++
			m.mu.Unlock()
			closeChannels(dead)
			return m.openConnection(ctx, purpose)
		}

		wait := m.avail
		m.mu.Unlock()
		closeChannels(dead)

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, m.exhaustedError(purpose, start, nil)
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, m.exhaustedError(purpose, start, ctx.Err())
		case <-timeout:
			return nil, m.exhaustedError(purpose, start, nil)
		}
	}
}

func (m *CachingConnectionManager) checkoutDeadline(ctx context.Context, start time.Time) time.Time {
	var deadline time.Time
	if m.limited() {
		deadline = start.Add(m.checkoutTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}

func (m *CachingConnectionManager) exhaustedError(purpose Purpose, start time.Time, cause error) error {
	m.exhausted.Add(1)
	limit := m.connectionSize
	if m.mode == config.CacheModeChannel {
		limit = m.connectionSize * m.channelSize
	}
	m.logger.Warn("channel checkout timed out",
		"mode", m.mode,
		"purpose", purpose,
		"waited", time.Since(start),
		"limit", limit)
	return &PoolExhaustedError{
		Mode:    m.mode,
		Waited:  time.Since(start),
		Limit:   limit,
		Cause:   cause,
		Purpose: purpose,
	}
}

func (m *CachingConnectionManager) takeIdleLocked(purpose Purpose) (*PooledChannel, []*PooledChannel) {
	var dead []*PooledChannel
	for _, c := range m.conns {
		ch, discarded := c.takeIdle(purpose)
		dead = append(dead, discarded...)
		if ch != nil {
			return ch, dead
		}
	}
	return nil, dead
}

// reserveLocked picks the least loaded connection with spare channel room.
func (m *CachingConnectionManager) reserveLocked() *PooledConnection {
	limit := m.channelLimit()
	var best *PooledConnection
	bestOpen := -1
	for _, c := range m.conns {
		open, _, _ := c.counts()
		if limit > 0 && open >= limit {
			continue
		}
		if best == nil || open < bestOpen {
			best, bestOpen = c, open
		}
	}
	if best == nil || !best.reserve(limit) {
		return nil
	}
	return best
}

func (m *CachingConnectionManager) canOpenConnectionLocked() bool {
	if m.mode == config.CacheModeConnection && !m.limited() {
		return true
	}
	return len(m.conns)+m.opening < m.connectionSize
}

func (m *CachingConnectionManager) openChannel(c *PooledConnection, purpose Purpose) (*PooledChannel, error) {
	raw, err := c.raw.OpenChannel()
	if err != nil {
		c.unreserve()
		if c.raw.IsClosed() {
			c.markStale()
		}
		m.released(c)
		return nil, &ChannelError{
			Op:        "open",
			ChannelID: c.id,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch := newPooledChannel(raw, c)
	ch.purpose = purpose
	m.leased(ch, purpose)
	return ch, nil
}

func (m *CachingConnectionManager) openConnection(ctx context.Context, purpose Purpose) (*PooledChannel, error) {
	raw, err := m.opener.Connect(ctx)

	m.mu.Lock()
	m.opening--
	if err != nil {
		m.signalLocked()
		m.mu.Unlock()
		return nil, err
	}
	if m.closed.Load() {
		m.signalLocked()
		m.mu.Unlock()
		_ = raw.Close()
		return nil, ErrManagerClosed
	}
	c := newPooledConnection(raw)
	c.open, c.leased = 1, 1
	m.conns = append(m.conns, c)
	m.mu.Unlock()

	m.logger.Debug("connection cached", "connectionId", c.id, "mode", m.mode)
	m.notifyConnected(c.id)
	go m.watch(c)

	return m.openChannel(c, purpose)
}

func (m *CachingConnectionManager) leased(ch *PooledChannel, purpose Purpose) {
	m.checkouts.Add(1)
	m.purposeMu.Lock()
	m.purposes[purpose]++
	m.purposeMu.Unlock()
	m.logger.Debug("channel checked out",
		"channelId", ch.id,
		"connectionId", ch.conn.id,
		"purpose", purpose)
}

// Checkin returns a leased channel. The channel is cached for reuse unless it
// is stale, closed, beyond the cache size or the manager is shut down, in
// which case it is closed. Checking in a channel that is not leased is a no-op.
func (m *CachingConnectionManager) Checkin(ch *PooledChannel) {
	if ch == nil {
		return
	}
	c := ch.conn

	c.mu.Lock()
	if ch.state != StateLeased {
		c.mu.Unlock()
		return
	}
	c.leased--

	var reason string
	switch {
	case m.closed.Load():
		reason = "manager closed"
	case c.stale || c.closed:
		reason = "connection stale"
	case ch.stale.Load():
		reason = "channel stale"
	case ch.raw.IsClosed():
		reason = "channel closed"
	case len(c.idle) >= m.idleLimit():
		reason = "cache full"
	}
	if reason != "" {
		ch.state = StateClosed
		c.open--
	} else {
		ch.state = StateIdle
		c.idle = append(c.idle, ch)
	}
	c.mu.Unlock()

	m.checkins.Add(1)
	if reason != "" {
		m.logger.Debug("channel closed on checkin", "channelId", ch.id, "reason", reason)
		_ = ch.raw.Close()
	}
	m.released(c)
}

// released wakes waiters and retires c when it should no longer be cached.
func (m *CachingConnectionManager) released(c *PooledConnection) {
	m.mu.Lock()
	stale := c.isStale()
	if stale {
		m.removeLocked(c)
	}
	retire := stale || m.closed.Load()
	if !retire && m.mode == config.CacheModeConnection && len(m.conns) > m.connectionSize {
		_, _, leased := c.counts()
		retire = leased == 0
	}
	var closeConn bool
	var idle []*PooledChannel
	if retire {
		if c.retireIfUnused() {
			m.removeLocked(c)
			idle = c.drainIdle()
			closeConn = true
		}
	}
	m.signalLocked()
	m.mu.Unlock()

	if closeConn {
		closeChannels(idle)
		if err := c.raw.Close(); err != nil && !errors.Is(err, ErrConnectionClosed) {
			m.logger.Debug("error closing connection", "connectionId", c.id, "error", err)
		}
		m.logger.Debug("connection closed", "connectionId", c.id)
		m.notifyDisconnected(c, nil)
	}
}

func (m *CachingConnectionManager) removeLocked(c *PooledConnection) {
	for i, other := range m.conns {
		if other == c {
			m.conns = append(m.conns[:i], m.conns[i+1:]...)
			return
		}
	}
}

func (m *CachingConnectionManager) signalLocked() {
	close(m.avail)
	m.avail = make(chan struct{})
}

// Shutdown closes idle channels and unused connections. Connections with
// leases outstanding are closed when their last channel is checked in.
// Further checkouts fail with ErrManagerClosed. Shutdown is idempotent.
func (m *CachingConnectionManager) Shutdown() error {
	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		return nil
	}
	m.closed.Store(true)

	var idle []*PooledChannel
	var retired []*PooledConnection
	keep := m.conns[:0]
	for _, c := range m.conns {
		idle = append(idle, c.drainIdle()...)
		if c.retireIfUnused() {
			retired = append(retired, c)
		} else {
			keep = append(keep, c)
		}
	}
	m.conns = keep
	inFlight := len(keep)
	m.signalLocked()
	m.mu.Unlock()

	closeChannels(idle)

	var errs []error
	for _, c := range retired {
		if err := c.raw.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection %s: %w", c.id, err))
		}
		m.notifyDisconnected(c, nil)
	}

	m.logger.Info("connection manager shut down",
		"closedConnections", len(retired),
		"connectionsWithLeases", inFlight)
	return errors.Join(errs...)
}

// IsClosed reports whether Shutdown has been called
func (m *CachingConnectionManager) IsClosed() bool {
	return m.closed.Load()
}

// Stats returns the current pool statistics
func (m *CachingConnectionManager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		Mode:        m.mode,
		Closed:      m.closed.Load(),
		Connections: len(m.conns),
	}
	for _, c := range m.conns {
		open, idle, leased := c.counts()
		s.OpenChannels += open
		s.IdleChannels += idle
		s.LeasedChannels += leased
	}
	m.mu.Unlock()

	s.Checkouts = m.checkouts.Load()
	s.Checkins = m.checkins.Load()
	s.Exhausted = m.exhausted.Load()

	m.purposeMu.Lock()
	s.ByPurpose = make(map[Purpose]uint64, len(m.purposes))
	for p, n := range m.purposes {
		s.ByPurpose[p] = n
	}
	m.purposeMu.Unlock()
	return s
}
