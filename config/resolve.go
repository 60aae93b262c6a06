package config

import (
	"errors"
	"time"
)

// Resolve applies defaults and validates ranges, producing the effective
// configuration. It has no side effects and does not touch the filesystem or
// network; TLS material is loaded later by the connection factory builder.
func Resolve(p *Properties) (*Effective, error) {
	if p == nil {
		p = &Properties{}
	}

	eff := &Effective{
		Connection: resolveConnection(p),
		Cache: CacheConfig{
			Mode:                   valueOr(p.Cache.ConnectionMode, CacheModeChannel),
			ChannelCacheSize:       valueOr(p.Cache.ChannelSize, DefaultChannelCacheSize),
			ConnectionCacheSize:    valueOr(p.Cache.ConnectionSize, DefaultConnectionCacheSize),
			ChannelCheckoutTimeout: valueOr(p.Cache.ChannelCheckoutTimeout, 0),
		},
		Retry: RetryConfig{
			Enabled:         valueOr(p.Template.Retry.Enabled, false),
			MaxAttempts:     valueOr(p.Template.Retry.MaxAttempts, DefaultMaxAttempts),
			InitialInterval: valueOr(p.Template.Retry.InitialInterval, DefaultInitialInterval),
			Multiplier:      valueOr(p.Template.Retry.Multiplier, DefaultMultiplier),
			MaxInterval:     valueOr(p.Template.Retry.MaxInterval, DefaultMaxInterval),
		},
		Publisher: PublisherSettings{
			Confirms:       valueOr(p.Publisher.Confirms, false),
			Returns:        valueOr(p.Publisher.Returns, false),
			ConfirmTimeout: valueOr(p.Publisher.ConfirmTimeout, DefaultConfirmTimeout),
		},
		Dynamic: valueOr(p.Dynamic, true),
	}

	eff.Template = TemplateSettings{
		Exchange:            valueOr(p.Template.Exchange, ""),
		RoutingKey:          valueOr(p.Template.RoutingKey, ""),
		DefaultReceiveQueue: valueOr(p.Template.DefaultReceiveQueue, ""),
		// An explicit template.mandatory always wins over publisherReturns.
		Mandatory:      valueOr(p.Template.Mandatory, eff.Publisher.Returns),
		ReceiveTimeout: valueOr(p.Template.ReceiveTimeout, 0),
		ReplyTimeout:   valueOr(p.Template.ReplyTimeout, DefaultReplyTimeout),
	}

	if err := eff.validate(); err != nil {
		return nil, err
	}
	return eff, nil
}

func resolveConnection(p *Properties) ConnectionConfig {
	cc := ConnectionConfig{
		Host:           valueOr(p.Host, DefaultHost),
		Username:       valueOr(p.Username, ""),
		Password:       valueOr(p.Password, ""),
		VirtualHost:    valueOr(p.VirtualHost, ""),
		Heartbeat:      valueOr(p.RequestedHeartbeat, 0),
		ConnectTimeout: valueOr(p.ConnectionTimeout, 0),
		ConnectionName: valueOr(p.ConnectionName, ""),
	}
	if p.Addresses != nil {
		cc.Addresses = append([]string(nil), p.Addresses...)
	}

	if p.SSL.anySet() {
		s := p.SSL
		tc := &TLSConfig{
			Enabled:                   valueOr(s.Enabled, false),
			Algorithm:                 valueOr(s.Algorithm, DefaultTLSAlgorithm),
			KeyStore:                  valueOr(s.KeyStore, ""),
			KeyStoreType:              valueOr(s.KeyStoreType, StoreTypePEM),
			KeyStorePassword:          valueOr(s.KeyStorePassword, ""),
			TrustStore:                valueOr(s.TrustStore, ""),
			TrustStoreType:            valueOr(s.TrustStoreType, StoreTypePEM),
			TrustStorePassword:        valueOr(s.TrustStorePassword, ""),
			ValidateServerCertificate: valueOr(s.ValidateServerCertificate, true),
		}
		if s.VerifyHostname != nil {
			v := *s.VerifyHostname
			tc.VerifyHostname = &v
		}
		cc.TLS = tc
	}

	defaultPort := DefaultPort
	if cc.TLSEnabled() {
		defaultPort = DefaultTLSPort
	}
	cc.Port = valueOr(p.Port, defaultPort)
	return cc
}

func (e *Effective) validate() error {
	var errs []error
	if e.Cache.ChannelCacheSize < 1 {
		errs = append(errs, invalid("cache.channel.size", "must be at least 1"))
	}
	if e.Cache.ConnectionCacheSize < 1 {
		errs = append(errs, invalid("cache.connection.size", "must be at least 1"))
	}
	if e.Cache.ChannelCheckoutTimeout < 0 {
		errs = append(errs, invalid("cache.channel.checkoutTimeout", "must not be negative"))
	}
	if e.Retry.MaxAttempts < 1 {
		errs = append(errs, invalid("template.retry.maxAttempts", "must be at least 1"))
	}
	if e.Retry.Multiplier < 1.0 {
		errs = append(errs, invalid("template.retry.multiplier", "must be at least 1.0"))
	}
	if e.Retry.InitialInterval < 0 {
		errs = append(errs, invalid("template.retry.initialInterval", "must not be negative"))
	}
	if e.Retry.MaxInterval < e.Retry.InitialInterval {
		errs = append(errs, invalid("template.retry.maxInterval", "must not be below initialInterval"))
	}
	for key, d := range map[string]time.Duration{
		"requestedHeartbeat":       e.Connection.Heartbeat,
		"connectionTimeout":        e.Connection.ConnectTimeout,
		"template.receiveTimeout":  e.Template.ReceiveTimeout,
		"template.replyTimeout":    e.Template.ReplyTimeout,
		"publisher.confirmTimeout": e.Publisher.ConfirmTimeout,
	} {
		if d < 0 {
			errs = append(errs, invalid(key, "must not be negative"))
		}
	}
	return errors.Join(errs...)
}

// ToProperties converts an effective configuration back to fully populated
// Properties, so that Resolve(ToProperties(e)) == e.
func (e *Effective) ToProperties() *Properties {
	p := e.Connection.toProperties()
	p.Cache = CacheProperties{
		ChannelSize:            ptr(e.Cache.ChannelCacheSize),
		ChannelCheckoutTimeout: ptr(e.Cache.ChannelCheckoutTimeout),
		ConnectionMode:         ptr(e.Cache.Mode),
		ConnectionSize:         ptr(e.Cache.ConnectionCacheSize),
	}
	p.Publisher = PublisherProperties{
		Confirms:       ptr(e.Publisher.Confirms),
		Returns:        ptr(e.Publisher.Returns),
		ConfirmTimeout: ptr(e.Publisher.ConfirmTimeout),
	}
	p.Template = TemplateProperties{
		Retry: RetryProperties{
			Enabled:         ptr(e.Retry.Enabled),
			MaxAttempts:     ptr(e.Retry.MaxAttempts),
			InitialInterval: ptr(e.Retry.InitialInterval),
			Multiplier:      ptr(e.Retry.Multiplier),
			MaxInterval:     ptr(e.Retry.MaxInterval),
		},
		Mandatory:           ptr(e.Template.Mandatory),
		Exchange:            ptr(e.Template.Exchange),
		RoutingKey:          ptr(e.Template.RoutingKey),
		DefaultReceiveQueue: ptr(e.Template.DefaultReceiveQueue),
		ReceiveTimeout:      ptr(e.Template.ReceiveTimeout),
		ReplyTimeout:        ptr(e.Template.ReplyTimeout),
	}
	p.Dynamic = ptr(e.Dynamic)
	return p
}

// ToMap serializes the effective configuration to property keys.
func (e *Effective) ToMap() map[string]string {
	return e.ToProperties().ToMap()
}

// ToMap serializes the connection settings to property keys.
func (c ConnectionConfig) ToMap() map[string]string {
	return c.toProperties().ToMap()
}

func (c ConnectionConfig) toProperties() *Properties {
	p := &Properties{
		Host:               ptr(c.Host),
		Port:               ptr(c.Port),
		Username:           ptr(c.Username),
		Password:           ptr(c.Password),
		VirtualHost:        ptr(c.VirtualHost),
		RequestedHeartbeat: ptr(c.Heartbeat),
		ConnectionTimeout:  ptr(c.ConnectTimeout),
		ConnectionName:     ptr(c.ConnectionName),
	}
	if len(c.Addresses) > 0 {
		p.Addresses = append([]string(nil), c.Addresses...)
	}
	if t := c.TLS; t != nil {
		p.SSL = SSLProperties{
			Enabled:                   ptr(t.Enabled),
			Algorithm:                 ptr(t.Algorithm),
			KeyStore:                  ptr(t.KeyStore),
			KeyStoreType:              ptr(t.KeyStoreType),
			KeyStorePassword:          ptr(t.KeyStorePassword),
			TrustStore:                ptr(t.TrustStore),
			TrustStoreType:            ptr(t.TrustStoreType),
			TrustStorePassword:        ptr(t.TrustStorePassword),
			ValidateServerCertificate: ptr(t.ValidateServerCertificate),
		}
		if t.VerifyHostname != nil {
			p.SSL.VerifyHostname = ptr(*t.VerifyHostname)
		}
	}
	return p
}

func valueOr[T any](v *T, def T) T {
	if v == nil {
		return def
	}
	return *v
}

func ptr[T any](v T) *T {
	return &v
}
