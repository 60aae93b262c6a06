// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rabbit/config"
	"github.com/glimte/mmate-rabbit/health"
	"github.com/glimte/mmate-rabbit/internal/rabbitmq"
	"github.com/glimte/mmate-rabbit/internal/reliability"
	"github.com/glimte/mmate-rabbit/messaging"
)

// ErrAdminDisabled is returned by topology operations when the client was
// created with dynamic=false.
var ErrAdminDisabled = errors.New("mmate: topology administration disabled")

// Client wires the connection factory, connection cache, template and admin
// built from one set of properties.
type Client struct {
	effective config.Effective
	factory   *rabbitmq.ConnectionFactory
	manager   *rabbitmq.CachingConnectionManager
	template  *messaging.Template
	admin     *rabbitmq.Admin
	retry     *reliability.RetryPolicy
	health    *health.Registry
	logger    *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewClient resolves props and builds every component. Nothing connects to
// the broker until the first operation; configuration and TLS errors are
// reported here and no client is returned.
func NewClient(props *config.Properties, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:           slog.Default(),
		disconnectWindow: time.Minute,
	}
	for _, opt := range options {
		opt(cfg)
	}

	eff, err := config.Resolve(props)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve properties: %w", err)
	}

	builderOpts := []rabbitmq.BuilderOption{rabbitmq.WithBuilderLogger(cfg.logger)}
	if cfg.dialer != nil {
		builderOpts = append(builderOpts, rabbitmq.WithDialer(cfg.dialer))
	}
	factory, err := rabbitmq.BuildConnectionFactory(eff.Connection, builderOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build connection factory: %w", err)
	}

	manager, err := rabbitmq.NewCachingConnectionManager(factory, eff.Cache, rabbitmq.WithLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection cache: %w", err)
	}

	publisher := rabbitmq.NewPublisher(manager,
		rabbitmq.WithConfirmMode(eff.Publisher.Confirms),
		rabbitmq.WithConfirmTimeout(eff.Publisher.ConfirmTimeout),
		rabbitmq.WithPublisherLogger(cfg.logger))
	consumer := rabbitmq.NewConsumer(manager, publisher, rabbitmq.WithConsumerLogger(cfg.logger))

	retry := reliability.NewRetryPolicy(eff.Retry,
		reliability.WithClassifier(rabbitmq.IsTransient),
		reliability.WithRetryLogger(cfg.logger))

	templateOpts := []messaging.TemplateOption{
		messaging.WithRetryPolicy(retry),
		messaging.WithTemplateLogger(cfg.logger),
	}
	if cfg.converter != nil {
		templateOpts = append(templateOpts, messaging.WithMessageConverter(cfg.converter))
	}

	c := &Client{
		effective: *eff,
		factory:   factory,
		manager:   manager,
		template:  messaging.NewTemplate(publisher, consumer, eff.Template, templateOpts...),
		retry:     retry,
		health:    health.NewRegistry(),
		logger:    cfg.logger,
	}
	if eff.Dynamic {
		c.admin = rabbitmq.NewAdmin(manager, rabbitmq.WithAdminLogger(cfg.logger))
	}
	c.registerHealthChecks(cfg.disconnectWindow)

	cfg.logger.Info("client created",
		"endpoints", eff.Connection.Endpoints(),
		"virtualHost", eff.Connection.VirtualHost,
		"tls", eff.Connection.TLSEnabled(),
		"cacheMode", eff.Cache.Mode,
		"dynamic", eff.Dynamic)
	return c, nil
}

func (c *Client) registerHealthChecks(window time.Duration) {
	c.health.Register(health.NewConnectionCacheChecker(c.manager))

	state := health.NewConnectionStateChecker(window)
	c.manager.AddStateListener(state)
	c.health.Register(state)

	var lastExhausted int64
	var mu sync.Mutex
	c.health.Register(health.NewComponentChecker("retry", func(ctx context.Context) (health.Status, string, map[string]interface{}, error) {
		snap := c.retry.Metrics().Snapshot()
		details := map[string]interface{}{
			"maxAttempts":     c.retry.MaxAttempts(),
			"retryableErrors": snap.RetryableErrors,
			"fatalErrors":     snap.FatalErrors,
			"exhausted":       snap.Exhausted,
		}

		mu.Lock()
		defer mu.Unlock()
		if snap.Exhausted > lastExhausted {
			lastExhausted = snap.Exhausted
			return health.StatusDegraded, "Retries exhausted since the last check", details, nil
		}
		return health.StatusHealthy, "Retry policy is healthy", details, nil
	}))

	c.health.SetMetadata("virtualHost", c.effective.Connection.VirtualHost)
	c.health.SetMetadata("cacheMode", string(c.effective.Cache.Mode))
}

// Template returns the messaging template
func (c *Client) Template() *messaging.Template {
	return c.template
}

// Admin returns the topology admin, or nil when dynamic=false.
func (c *Client) Admin() *Admin {
	return c.admin
}

// DeclareTopology declares exchanges, queues and bindings through the admin.
func (c *Client) DeclareTopology(ctx context.Context, topology Topology) error {
	if c.admin == nil {
		return ErrAdminDisabled
	}
	return c.admin.DeclareTopology(ctx, topology)
}

// Health returns the health check registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// Config returns the effective configuration the client was built from.
func (c *Client) Config() config.Effective {
	return c.effective
}

// Stats returns connection cache statistics
func (c *Client) Stats() Stats {
	return c.manager.Stats()
}

// AddConnectionListener registers a listener for connection state changes.
func (c *Client) AddConnectionListener(listener ConnectionStateListener) {
	c.manager.AddStateListener(listener)
}

// Close shuts down the connection cache. In-flight operations finish on
// their current channel, which is closed when returned. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.manager.Shutdown()
		c.logger.Info("client closed")
	})
	return c.closeErr
}

// clientConfig holds client configuration
type clientConfig struct {
	logger           *slog.Logger
	dialer           rabbitmq.RawConnectionFactory
	converter        messaging.MessageConverter
	disconnectWindow time.Duration
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithRawConnectionFactory replaces the amqp091 dialer.
func WithRawConnectionFactory(factory RawConnectionFactory) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = factory
	}
}

// WithMessageConverter sets the template's message converter
func WithMessageConverter(converter messaging.MessageConverter) ClientOption {
	return func(cfg *clientConfig) {
		cfg.converter = converter
	}
}

// WithDisconnectWindow sets how long the connection health check stays
// degraded after a connection is lost. Defaults to one minute.
func WithDisconnectWindow(window time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.disconnectWindow = window
	}
}
