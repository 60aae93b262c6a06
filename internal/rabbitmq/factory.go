package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-rabbit/config"
)

// ConnectionFactoryBuilder turns a ConnectionConfig into a ConnectionFactory.
// Building performs no network I/O.
type ConnectionFactoryBuilder struct {
	dialer RawConnectionFactory
	caps   Capabilities
	logger *slog.Logger
}

// BuilderOption configures the ConnectionFactoryBuilder
type BuilderOption func(*ConnectionFactoryBuilder)

// WithDialer replaces the amqp091-go dialer
func WithDialer(dialer RawConnectionFactory) BuilderOption {
	return func(b *ConnectionFactoryBuilder) {
		b.dialer = dialer
	}
}

// WithCapabilities overrides the protocol library capabilities
func WithCapabilities(caps Capabilities) BuilderOption {
	return func(b *ConnectionFactoryBuilder) {
		b.caps = caps
	}
}

// WithBuilderLogger sets the logger handed to built factories
func WithBuilderLogger(logger *slog.Logger) BuilderOption {
	return func(b *ConnectionFactoryBuilder) {
		b.logger = logger
	}
}

// NewConnectionFactoryBuilder creates a builder with the amqp091-go dialer
// and DefaultCapabilities.
func NewConnectionFactoryBuilder(options ...BuilderOption) *ConnectionFactoryBuilder {
	b := &ConnectionFactoryBuilder{
		dialer: AMQPDialer{},
		caps:   DefaultCapabilities,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Build validates cfg and prepares TLS material. The returned factory holds a
// private copy of cfg in which ssl.verifyHostname has been resolved.
func (b *ConnectionFactoryBuilder) Build(cfg config.ConnectionConfig) (*ConnectionFactory, error) {
	cfg = cloneConnectionConfig(cfg)

	if err := validateEndpoints(cfg); err != nil {
		return nil, err
	}

	f := &ConnectionFactory{
		cfg:    cfg,
		dialer: b.dialer,
		caps:   b.caps,
		logger: b.logger,
	}

	if cfg.TLSEnabled() {
		tlsCfg, verifyHostname, err := buildTLS(cfg.TLS, b.caps)
		if err != nil {
			return nil, err
		}
		f.tlsConfig = tlsCfg
		f.cfg.TLS.VerifyHostname = verifyHostname
	}

	return f, nil
}

// BuildConnectionFactory is shorthand for NewConnectionFactoryBuilder(options...).Build(cfg).
func BuildConnectionFactory(cfg config.ConnectionConfig, options ...BuilderOption) (*ConnectionFactory, error) {
	return NewConnectionFactoryBuilder(options...).Build(cfg)
}

func validateEndpoints(cfg config.ConnectionConfig) error {
	if len(cfg.Addresses) == 0 {
		if err := validateHost(cfg.Host); err != nil {
			return err
		}
		return validatePort(strconv.Itoa(cfg.Port))
	}
	for _, addr := range cfg.Addresses {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("%w: address %q: %v", ErrInvalidConfiguration, addr, err)
		}
		if err := validateHost(host); err != nil {
			return err
		}
		if err := validatePort(port); err != nil {
			return err
		}
	}
	return nil
}

func validateHost(host string) error {
	if host == "" || strings.ContainsAny(host, " \t\r\n/") {
		return fmt.Errorf("%w: invalid host %q", ErrInvalidConfiguration, host)
	}
	return nil
}

func validatePort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("%w: invalid port %q", ErrInvalidConfiguration, port)
	}
	return nil
}

func cloneConnectionConfig(cfg config.ConnectionConfig) config.ConnectionConfig {
	if cfg.Addresses != nil {
		cfg.Addresses = append([]string(nil), cfg.Addresses...)
	}
	if cfg.TLS != nil {
		tc := *cfg.TLS
		if tc.VerifyHostname != nil {
			v := *tc.VerifyHostname
			tc.VerifyHostname = &v
		}
		cfg.TLS = &tc
	}
	return cfg
}

// ConnectionFactory opens raw connections to the configured broker endpoints.
type ConnectionFactory struct {
	cfg       config.ConnectionConfig
	tlsConfig *tls.Config
	dialer    RawConnectionFactory
	caps      Capabilities
	logger    *slog.Logger
	seq       atomic.Int64
}

// Config returns a copy of the effective connection settings.
func (f *ConnectionFactory) Config() config.ConnectionConfig {
	return cloneConnectionConfig(f.cfg)
}

// TLSConfig returns a copy of the client TLS configuration, or nil.
func (f *ConnectionFactory) TLSConfig() *tls.Config {
	if f.tlsConfig == nil {
		return nil
	}
	return f.tlsConfig.Clone()
}

// Capabilities returns the protocol capabilities the factory was built with.
func (f *ConnectionFactory) Capabilities() Capabilities {
	return f.caps
}

// Connect dials the configured endpoints in order and returns the first
// connection established.
func (f *ConnectionFactory) Connect(ctx context.Context) (RawConnection, error) {
	endpoints := f.cfg.Endpoints()
	if len(endpoints) == 0 {
		return nil, &ConnectionError{Op: "connect", Err: ErrNoEndpoints, Timestamp: time.Now()}
	}

	name := f.nextConnectionName()

	var lastErr error
	for i, endpoint := range endpoints {
		conn, err := f.dialer.Connect(ctx, DialParams{
			Endpoint:       endpoint,
			Config:         f.cfg,
			TLS:            f.tlsConfig,
			ConnectionName: name,
		})
		if err == nil {
			f.logger.Info("connected to RabbitMQ",
				"endpoint", endpoint,
				"vhost", f.cfg.VirtualHost,
				"tls", f.tlsConfig != nil,
				"connectionName", name)
			return conn, nil
		}

		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &ConnectionError{
				Op:        "connect",
				Endpoint:  endpoint,
				Err:       timeoutOrCancel(ctxErr),
				Timestamp: time.Now(),
				Attempts:  i + 1,
			}
		}
		f.logger.Warn("connection attempt failed",
			"endpoint", endpoint,
			"error", err)
	}

	return nil, &ConnectionError{
		Op:        "connect",
		Endpoint:  endpoints[len(endpoints)-1],
		Err:       lastErr,
		Timestamp: time.Now(),
		Attempts:  len(endpoints),
	}
}

func (f *ConnectionFactory) nextConnectionName() string {
	if f.cfg.ConnectionName == "" || !f.caps.ConnectionName {
		return ""
	}
	return fmt.Sprintf("%s#%d", f.cfg.ConnectionName, f.seq.Add(1))
}

func timeoutOrCancel(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
	}
	return err
}
