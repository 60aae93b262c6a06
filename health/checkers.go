package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-rabbit/internal/rabbitmq"
)

// ConnectionCacheChecker checks out a channel from the connection cache,
// returns it, and reports the cache statistics.
type ConnectionCacheChecker struct {
	manager       *rabbitmq.CachingConnectionManager
	lastExhausted atomic.Uint64
}

// NewConnectionCacheChecker creates a connection cache health checker
func NewConnectionCacheChecker(manager *rabbitmq.CachingConnectionManager) *ConnectionCacheChecker {
	return &ConnectionCacheChecker{manager: manager}
}

func (c *ConnectionCacheChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionCacheChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}
	defer func() {
		stats := c.manager.Stats()
		result.Details["mode"] = string(stats.Mode)
		result.Details["connections"] = stats.Connections
		result.Details["openChannels"] = stats.OpenChannels
		result.Details["idleChannels"] = stats.IdleChannels
		result.Details["leasedChannels"] = stats.LeasedChannels
		result.Details["exhausted"] = stats.Exhausted
	}()

	if c.manager.IsClosed() {
		result.Status = StatusUnhealthy
		result.Message = "Connection cache is shut down"
		result.Duration = time.Since(start)
		return result
	}

	ch, err := c.manager.Checkout(ctx, rabbitmq.PurposeHealth)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to check out a channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	raw, err := ch.Raw("health")
	if err == nil && raw.IsClosed() {
		err = rabbitmq.ErrConnectionClosed
	}
	c.manager.Checkin(ch)

	result.Duration = time.Since(start)
	result.Details["responseTimeMs"] = result.Duration.Milliseconds()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Checked out channel is unusable"
		result.Error = err.Error()
		return result
	}

	exhausted := c.manager.Stats().Exhausted
	if prev := c.lastExhausted.Swap(exhausted); exhausted > prev {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Pool exhausted %d times since the last check", exhausted-prev)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Connection cache is healthy"
	return result
}

// ConnectionStateChecker follows connection state changes. Register it with
// the manager's AddStateListener.
type ConnectionStateChecker struct {
	mu             sync.Mutex
	connected      map[string]struct{}
	disconnects    int
	lastError      error
	lastDisconnect time.Time
	window         time.Duration
}

// NewConnectionStateChecker creates a checker that reports degraded for
// window after an unexpected disconnect.
func NewConnectionStateChecker(window time.Duration) *ConnectionStateChecker {
	return &ConnectionStateChecker{
		connected: make(map[string]struct{}),
		window:    window,
	}
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (c *ConnectionStateChecker) OnConnected(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected[id] = struct{}{}
}

// OnDisconnected implements rabbitmq.ConnectionStateListener. A nil err is a
// connection the manager retired itself and does not count as a loss.
func (c *ConnectionStateChecker) OnDisconnected(id string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.connected, id)
	if err == nil {
		return
	}
	c.disconnects++
	c.lastError = err
	c.lastDisconnect = time.Now()
}

func (c *ConnectionStateChecker) Name() string {
	return "connections"
}

func (c *ConnectionStateChecker) Check(ctx context.Context) CheckResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Status:    StatusHealthy,
		Message:   "No connection loss observed",
		Details: map[string]interface{}{
			"connected":   len(c.connected),
			"disconnects": c.disconnects,
		},
	}
	if c.disconnects == 0 {
		return result
	}

	result.Details["lastDisconnect"] = c.lastDisconnect
	if c.lastError != nil {
		result.Error = c.lastError.Error()
	}
	switch {
	case len(c.connected) == 0:
		result.Status = StatusUnhealthy
		result.Message = "All connections lost"
	case time.Since(c.lastDisconnect) < c.window:
		result.Status = StatusDegraded
		result.Message = "Connection lost recently"
	default:
		result.Message = "Recovered from connection loss"
	}
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
