package rabbitmq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rabbit/config"
)

type mockDialer struct {
	mock.Mock
}

func (m *mockDialer) Connect(ctx context.Context, params DialParams) (RawConnection, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(RawConnection), args.Error(1)
}

type stubConnection struct {
	closed bool
}

func (s *stubConnection) OpenChannel() (RawChannel, error) { return &stubChannel{}, nil }
func (s *stubConnection) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	return c
}
func (s *stubConnection) IsClosed() bool { return s.closed }
func (s *stubConnection) Close() error   { s.closed = true; return nil }

// stubChannel only implements lifecycle methods; anything else panics.
type stubChannel struct {
	RawChannel
	closed bool
}

func (s *stubChannel) IsClosed() bool { return s.closed }
func (s *stubChannel) Close() error   { s.closed = true; return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnectionFactoryBuilder(t *testing.T) {
	t.Run("Build keeps exact host, port and vhost", func(t *testing.T) {
		cases := []config.ConnectionConfig{
			{Host: "localhost", Port: 5672, VirtualHost: "/"},
			{Host: "rabbit.internal", Port: 15672, VirtualHost: "orders", Username: "svc", Password: "secret"},
			{Host: "10.0.0.7", Port: 1, VirtualHost: ""},
			{Host: "::1", Port: 65535, VirtualHost: "a/b"},
		}
		for _, cfg := range cases {
			f, err := BuildConnectionFactory(cfg)
			require.NoError(t, err)
			got := f.Config()
			assert.Equal(t, cfg.Host, got.Host)
			assert.Equal(t, cfg.Port, got.Port)
			assert.Equal(t, cfg.VirtualHost, got.VirtualHost)
			assert.Nil(t, f.TLSConfig())
		}
	})

	t.Run("Build rejects invalid endpoints", func(t *testing.T) {
		cases := map[string]config.ConnectionConfig{
			"empty host":     {Host: "", Port: 5672},
			"host with path": {Host: "a/b", Port: 5672},
			"port zero":      {Host: "localhost", Port: 0},
			"port too large": {Host: "localhost", Port: 70000},
			"bad address":    {Addresses: []string{"localhost"}},
			"bad addr port":  {Addresses: []string{"localhost:abc"}},
		}
		for name, cfg := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := BuildConnectionFactory(cfg)
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidConfiguration)
				assert.True(t, IsFatal(err))
			})
		}
	})

	t.Run("Build copies the configuration", func(t *testing.T) {
		cfg := config.ConnectionConfig{Host: "localhost", Port: 5672, Addresses: []string{"a:1", "b:2"}}
		f, err := BuildConnectionFactory(cfg)
		require.NoError(t, err)

		cfg.Addresses[0] = "mutated:1"
		assert.Equal(t, []string{"a:1", "b:2"}, f.Config().Addresses)
	})

	t.Run("Build performs no network I/O", func(t *testing.T) {
		dialer := &mockDialer{}
		_, err := BuildConnectionFactory(config.ConnectionConfig{Host: "localhost", Port: 5672}, WithDialer(dialer))
		require.NoError(t, err)
		dialer.AssertNotCalled(t, "Connect", mock.Anything, mock.Anything)
	})
}

func TestConnectionFactoryConnect(t *testing.T) {
	t.Run("Connect fails over to the next address", func(t *testing.T) {
		dialer := &mockDialer{}
		conn := &stubConnection{}
		dialer.On("Connect", mock.Anything, mock.MatchedBy(func(p DialParams) bool { return p.Endpoint == "a:5672" })).
			Return(nil, errors.New("connection refused")).Once()
		dialer.On("Connect", mock.Anything, mock.MatchedBy(func(p DialParams) bool { return p.Endpoint == "b:5672" })).
			Return(conn, nil).Once()

		f, err := BuildConnectionFactory(
			config.ConnectionConfig{Addresses: []string{"a:5672", "b:5672"}, VirtualHost: "v"},
			WithDialer(dialer), WithBuilderLogger(quietLogger()))
		require.NoError(t, err)

		got, err := f.Connect(context.Background())
		require.NoError(t, err)
		assert.Same(t, conn, got)
		dialer.AssertExpectations(t)
	})

	t.Run("Connect reports every attempt when all endpoints fail", func(t *testing.T) {
		dialer := &mockDialer{}
		dialer.On("Connect", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

		f, err := BuildConnectionFactory(
			config.ConnectionConfig{Addresses: []string{"a:5672", "b:5672", "c:5672"}},
			WithDialer(dialer), WithBuilderLogger(quietLogger()))
		require.NoError(t, err)

		_, err = f.Connect(context.Background())
		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, 3, connErr.Attempts)
		assert.True(t, IsTransient(err))
		dialer.AssertNumberOfCalls(t, "Connect", 3)
	})

	t.Run("Connect stops on context timeout", func(t *testing.T) {
		dialer := &mockDialer{}
		dialer.On("Connect", mock.Anything, mock.Anything).Return(nil, context.DeadlineExceeded)

		f, err := BuildConnectionFactory(
			config.ConnectionConfig{Addresses: []string{"a:5672", "b:5672"}},
			WithDialer(dialer), WithBuilderLogger(quietLogger()))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		<-ctx.Done()

		_, err = f.Connect(ctx)
		assert.ErrorIs(t, err, ErrConnectionTimeout)
		dialer.AssertNumberOfCalls(t, "Connect", 1)
	})

	t.Run("Connect names connections with a sequence", func(t *testing.T) {
		dialer := &mockDialer{}
		var names []string
		dialer.On("Connect", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				names = append(names, args.Get(1).(DialParams).ConnectionName)
			}).
			Return(&stubConnection{}, nil)

		f, err := BuildConnectionFactory(
			config.ConnectionConfig{Host: "localhost", Port: 5672, ConnectionName: "orders"},
			WithDialer(dialer), WithBuilderLogger(quietLogger()))
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			_, err := f.Connect(context.Background())
			require.NoError(t, err)
		}
		assert.Equal(t, []string{"orders#1", "orders#2"}, names)
	})

	t.Run("Connection names need the capability", func(t *testing.T) {
		dialer := &mockDialer{}
		dialer.On("Connect", mock.Anything, mock.MatchedBy(func(p DialParams) bool { return p.ConnectionName == "" })).
			Return(&stubConnection{}, nil)

		f, err := BuildConnectionFactory(
			config.ConnectionConfig{Host: "localhost", Port: 5672, ConnectionName: "orders"},
			WithDialer(dialer), WithCapabilities(Capabilities{}), WithBuilderLogger(quietLogger()))
		require.NoError(t, err)

		_, err = f.Connect(context.Background())
		require.NoError(t, err)
		dialer.AssertExpectations(t)
	})
}

func TestCapabilities(t *testing.T) {
	t.Run("declared version supports everything", func(t *testing.T) {
		assert.True(t, DefaultCapabilities.HostnameVerification)
		assert.True(t, DefaultCapabilities.ConnectionName)
		assert.Equal(t, ProtocolLibraryVersion, DefaultCapabilities.Version)
	})

	t.Run("any 1.x release qualifies", func(t *testing.T) {
		caps, err := ResolveCapabilities("1.5.0")
		require.NoError(t, err)
		assert.True(t, caps.HostnameVerification)
		assert.True(t, caps.ConnectionName)
	})

	t.Run("pre-release zero versions have nothing", func(t *testing.T) {
		caps, err := ResolveCapabilities("0.9.0")
		require.NoError(t, err)
		assert.False(t, caps.HostnameVerification)
		assert.False(t, caps.ConnectionName)
	})

	t.Run("invalid version", func(t *testing.T) {
		_, err := ResolveCapabilities("not-a-version")
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})
}
