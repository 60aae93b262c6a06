package rabbitmq_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rabbit/config"
	"github.com/glimte/mmate-rabbit/internal/rabbitmq"
	"github.com/glimte/mmate-rabbit/internal/rabbitmq/rabbitmqtest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(t *testing.T, broker *rabbitmqtest.Broker, cache config.CacheConfig) *rabbitmq.CachingConnectionManager {
	t.Helper()
	m, err := rabbitmq.NewCachingConnectionManager(broker, cache, rabbitmq.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func channelCache(size int, timeout time.Duration) config.CacheConfig {
	return config.CacheConfig{
		Mode:                   config.CacheModeChannel,
		ChannelCacheSize:       size,
		ConnectionCacheSize:    1,
		ChannelCheckoutTimeout: timeout,
	}
}

func TestNewCachingConnectionManager(t *testing.T) {
	broker := rabbitmqtest.NewBroker()

	t.Run("rejects invalid cache settings", func(t *testing.T) {
		cases := map[string]config.CacheConfig{
			"unknown mode":         {Mode: "PER_QUEUE", ChannelCacheSize: 1, ConnectionCacheSize: 1},
			"zero channel size":    {Mode: config.CacheModeChannel, ChannelCacheSize: 0, ConnectionCacheSize: 1},
			"zero connection size": {Mode: config.CacheModeChannel, ChannelCacheSize: 1, ConnectionCacheSize: 0},
			"negative timeout":     {Mode: config.CacheModeChannel, ChannelCacheSize: 1, ConnectionCacheSize: 1, ChannelCheckoutTimeout: -time.Second},
		}
		for name, cache := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := rabbitmq.NewCachingConnectionManager(broker, cache)
				assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
			})
		}
	})

	t.Run("opens nothing until first checkout", func(t *testing.T) {
		newManager(t, broker, channelCache(2, 0))
		assert.Equal(t, int64(0), broker.Connects.Load())
	})
}

func TestCheckoutChannelMode(t *testing.T) {
	t.Run("idle channels are reused", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		m := newManager(t, broker, channelCache(2, 0))

		ch, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
		require.NoError(t, err)
		id := ch.ID()
		m.Checkin(ch)

		again, err := m.Checkout(context.Background(), rabbitmq.PurposeReceive)
		require.NoError(t, err)
		assert.Equal(t, id, again.ID())
		assert.Equal(t, rabbitmq.PurposeReceive, again.Purpose())
		m.Checkin(again)

		assert.Equal(t, int64(1), broker.Connects.Load())
		stats := m.Stats()
		assert.Equal(t, 1, stats.Connections)
		assert.Equal(t, 1, stats.IdleChannels)
		assert.Equal(t, uint64(2), stats.Checkouts)
		assert.Equal(t, uint64(1), stats.ByPurpose[rabbitmq.PurposeReceive])
	})

	t.Run("N+1th checkout blocks until a checkin", func(t *testing.T) {
		const n = 3
		broker := rabbitmqtest.NewBroker()
		m := newManager(t, broker, channelCache(n, 2*time.Second))

		var leased []*rabbitmq.PooledChannel
		for i := 0; i < n; i++ {
			ch, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
			require.NoError(t, err)
			leased = append(leased, ch)
		}

		got := make(chan *rabbitmq.PooledChannel, 1)
		go func() {
			ch, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
			if err == nil {
				got <- ch
			}
			close(got)
		}()

		select {
		case <-got:
			t.Fatal("checkout beyond capacity did not block")
		case <-time.After(100 * time.Millisecond):
		}

		m.Checkin(leased[0])
		select {
		case ch, ok := <-got:
			require.True(t, ok)
			assert.Equal(t, leased[0].ID(), ch.ID())
			m.Checkin(ch)
		case <-time.After(time.Second):
			t.Fatal("blocked checkout was not woken by checkin")
		}

		for _, ch := range leased[1:] {
			m.Checkin(ch)
		}
		assert.Equal(t, n, m.Stats().OpenChannels)
	})

	t.Run("N+1th checkout times out with PoolExhaustedError", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		m := newManager(t, broker, channelCache(1, 50*time.Millisecond))

		ch, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
		require.NoError(t, err)
		defer m.Checkin(ch)

		start := time.Now()
		_, err = m.Checkout(context.Background(), rabbitmq.PurposePublish)
		elapsed := time.Since(start)

		var exhausted *rabbitmq.PoolExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, config.CacheModeChannel, exhausted.Mode)
		assert.Equal(t, 1, exhausted.Limit)
		assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
		assert.Less(t, elapsed, time.Second)
		assert.True(t, rabbitmq.IsTransient(err))
		assert.Equal(t, uint64(1), m.Stats().Exhausted)
	})

	t.Run("context deadline shorter than checkout timeout wins", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		m := newManager(t, broker, channelCache(1, 10*time.Second))

		ch, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
		require.NoError(t, err)
		defer m.Checkin(ch)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err = m.Checkout(ctx, rabbitmq.PurposePublish)
		assert.ErrorIs(t, err, rabbitmq.ErrPoolExhausted)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("expired deadline fails immediately", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		m := newManager(t, broker, channelCache(1, time.Minute))

		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()

		start := time.Now()
		_, err := m.Checkout(ctx, rabbitmq.PurposePublish)
		assert.ErrorIs(t, err, rabbitmq.ErrPoolExhausted)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 50*time.Millisecond)
		assert.Equal(t, int64(0), broker.Connects.Load())
	})

	t.Run("without checkout timeout excess channels are opened and closed on checkin", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		m := newManager(t, broker, channelCache(1, 0))

		a, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
		require.NoError(t, err)
		b, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
		require.NoError(t, err)
		assert.NotEqual(t, a.ID(), b.ID())

		m.Checkin(a)
		m.Checkin(b)

		stats := m.Stats()
		assert.Equal(t, 1, stats.IdleChannels)
		assert.Equal(t, 1, stats.OpenChannels)
		assert.Equal(t, rabbitmq.StateClosed, b.State())
		assert.Equal(t, int64(1), broker.Connects.Load())
	})

	t.Run("concurrent checkouts never exceed capacity", func(t *testing.T) {
		const size = 4
		broker := rabbitmqtest.NewBroker()
		m := newManager(t, broker, config.CacheConfig{
			Mode:                   config.CacheModeChannel,
			ChannelCacheSize:       size,
			ConnectionCacheSize:    2,
			ChannelCheckoutTimeout: 5 * time.Second,
		})

		var mu sync.Mutex
		var current, peak int
		var wg sync.WaitGroup
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ch, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				current++
				if current > peak {
					peak = current
				}
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				current--
				mu.Unlock()
				m.Checkin(ch)
			}()
		}
		wg.Wait()

		assert.LessOrEqual(t, peak, 2*size)
		stats := m.Stats()
		assert.LessOrEqual(t, stats.Connections, 2)
		assert.LessOrEqual(t, stats.OpenChannels, 2*size)
		assert.Equal(t, 0, stats.LeasedChannels)
	})
}

func TestCheckoutConnectionMode(t *testing.T) {
	cache := config.CacheConfig{
		Mode:                   config.CacheModeConnection,
		ChannelCacheSize:       25,
		ConnectionCacheSize:    2,
		ChannelCheckoutTimeout: 50 * time.Millisecond,
	}

	t.Run("one channel per connection up to the connection limit", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		m := newManager(t, broker, cache)

		a, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
		require.NoError(t, err)
		b, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
		require.NoError(t, err)
		assert.NotEqual(t, a.ConnectionID(), b.ConnectionID())

		_, err = m.Checkout(context.Background(), rabbitmq.PurposePublish)
		var exhausted *rabbitmq.PoolExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, config.CacheModeConnection, exhausted.Mode)
		assert.Equal(t, 2, exhausted.Limit)

		m.Checkin(a)
		c, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
		require.NoError(t, err)
		assert.Equal(t, a.ConnectionID(), c.ConnectionID())

		m.Checkin(b)
		m.Checkin(c)
		assert.Equal(t, int64(2), broker.Connects.Load())
	})

	t.Run("unlimited mode closes surplus connections", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		m := newManager(t, broker, config.CacheConfig{
			Mode:                config.CacheModeConnection,
			ChannelCacheSize:    1,
			ConnectionCacheSize: 1,
		})

		a, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
		require.NoError(t, err)
		b, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
		require.NoError(t, err)

		m.Checkin(a)
		m.Checkin(b)

		assert.Equal(t, 1, m.Stats().Connections)
		assert.Equal(t, 1, broker.OpenConnections())
	})
}

func TestCheckin(t *testing.T) {
	t.Run("stale channel is closed", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		m := newManager(t, broker, channelCache(2, 0))

		ch, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
		require.NoError(t, err)
		ch.MarkStale()
		m.Checkin(ch)

		assert.Equal(t, rabbitmq.StateClosed, ch.State())
		assert.Equal(t, 0, m.Stats().IdleChannels)
	})

	t.Run("channel closed by the broker is not cached", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		m := newManager(t, broker, channelCache(2, 0))

		ch, err := m.Checkout(context.Background(), rabbitmq.PurposeReceive)
		require.NoError(t, err)
		raw, err := ch.Raw("get")
		require.NoError(t, err)
		_, _, err = raw.Get("missing-queue", true)
		require.Error(t, err)

		m.Checkin(ch)
		assert.Equal(t, 0, m.Stats().OpenChannels)
	})

	t.Run("use after checkin fails with ResourceClosedError", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		m := newManager(t, broker, channelCache(2, 0))

		ch, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
		require.NoError(t, err)
		m.Checkin(ch)

		_, err = ch.Raw("publish")
		var closedErr *rabbitmq.ResourceClosedError
		require.ErrorAs(t, err, &closedErr)
		assert.Equal(t, rabbitmq.StateIdle, closedErr.State)
		assert.True(t, rabbitmq.IsFatal(err))
	})

	t.Run("double checkin is a no-op", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		m := newManager(t, broker, channelCache(2, 0))

		ch, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
		require.NoError(t, err)
		m.Checkin(ch)
		m.Checkin(ch)
		m.Checkin(nil)

		stats := m.Stats()
		assert.Equal(t, uint64(1), stats.Checkins)
		assert.Equal(t, 1, stats.IdleChannels)
		assert.Equal(t, 0, stats.LeasedChannels)
	})
}

type mockListener struct {
	mock.Mock
}

func (m *mockListener) OnConnected(id string) {
	m.Called(id)
}

func (m *mockListener) OnDisconnected(id string, err error) {
	m.Called(id, err)
}

func TestConnectionLoss(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	m := newManager(t, broker, channelCache(2, time.Second))

	listener := &mockListener{}
	connected := make(chan struct{}, 1)
	disconnected := make(chan error, 1)
	listener.On("OnConnected", mock.Anything).Run(func(mock.Arguments) { connected <- struct{}{} }).Return()
	listener.On("OnDisconnected", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		disconnected <- args.Error(1)
	}).Return()
	m.AddStateListener(listener)

	leased, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
	require.NoError(t, err)
	idle, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
	require.NoError(t, err)
	m.Checkin(idle)
	<-connected

	broker.KillConnections()

	select {
	case err := <-disconnected:
		assert.True(t, rabbitmq.IsTransient(err))
	case <-time.After(time.Second):
		t.Fatal("listener not notified of connection loss")
	}

	require.Eventually(t, func() bool { return m.Stats().Connections == 0 }, time.Second, 5*time.Millisecond)

	// The lease on the dead connection is closed on checkin.
	m.Checkin(leased)
	assert.Equal(t, rabbitmq.StateClosed, leased.State())

	// A fresh connection replaces the stale one.
	ch, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
	require.NoError(t, err)
	assert.NotEqual(t, leased.ConnectionID(), ch.ConnectionID())
	m.Checkin(ch)
	assert.Equal(t, int64(2), broker.Connects.Load())
}

func TestStateListenerSeesManagerClosedConnections(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	m := newManager(t, broker, config.CacheConfig{Mode: config.CacheModeConnection, ChannelCacheSize: 1, ConnectionCacheSize: 1})

	events := make(chan string, 16)
	listener := &mockListener{}
	listener.On("OnConnected", mock.Anything).Run(func(args mock.Arguments) {
		events <- "up " + args.String(0)
	}).Return()
	listener.On("OnDisconnected", mock.Anything, nil).Run(func(args mock.Arguments) {
		events <- "down " + args.String(0)
	}).Return()
	m.AddStateListener(listener)

	first, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
	require.NoError(t, err)
	surplus, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
	require.NoError(t, err)
	m.Checkin(surplus)
	m.Checkin(first)
	require.NoError(t, m.Shutdown())

	want := []string{
		"up " + first.ConnectionID(),
		"up " + surplus.ConnectionID(),
		"down " + surplus.ConnectionID(),
		"down " + first.ConnectionID(),
	}
	for _, w := range want {
		select {
		case got := <-events:
			assert.Equal(t, w, got)
		case <-time.After(time.Second):
			t.Fatalf("missing event %q", w)
		}
	}
	select {
	case extra := <-events:
		t.Fatalf("unexpected event %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestShutdown(t *testing.T) {
	t.Run("in-flight lease completes and is closed on checkin", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		m := newManager(t, broker, channelCache(2, time.Second))

		ch, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
		require.NoError(t, err)

		require.NoError(t, m.Shutdown())
		assert.True(t, m.IsClosed())

		raw, err := ch.Raw("publish")
		require.NoError(t, err, "lease stays usable until checkin")
		assert.False(t, raw.IsClosed())
		assert.Equal(t, 1, broker.OpenConnections())

		m.Checkin(ch)
		assert.Equal(t, rabbitmq.StateClosed, ch.State())
		assert.True(t, raw.IsClosed())
		assert.Equal(t, 0, broker.OpenConnections())

		_, err = m.Checkout(context.Background(), rabbitmq.PurposePublish)
		assert.ErrorIs(t, err, rabbitmq.ErrManagerClosed)
		assert.True(t, rabbitmq.IsFatal(err))
	})

	t.Run("idle resources are closed immediately", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		m := newManager(t, broker, channelCache(2, 0))

		ch, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
		require.NoError(t, err)
		m.Checkin(ch)

		require.NoError(t, m.Shutdown())
		assert.Equal(t, 0, broker.OpenConnections())
		assert.Equal(t, 0, m.Stats().Connections)
	})

	t.Run("idempotent and safe under concurrent checkouts", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		m := newManager(t, broker, channelCache(2, 200*time.Millisecond))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ch, err := m.Checkout(context.Background(), rabbitmq.PurposePublish)
				if err != nil {
					return
				}
				time.Sleep(time.Millisecond)
				m.Checkin(ch)
			}()
		}
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, m.Shutdown())
			}()
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("shutdown deadlocked")
		}

		assert.Eventually(t, func() bool { return broker.OpenConnections() == 0 }, time.Second, 5*time.Millisecond)
		assert.NoError(t, m.Shutdown())
	})
}
