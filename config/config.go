// Package config turns externally supplied broker properties into the
// effective configuration consumed by the connection factory, the caching
// connection manager and the template.
//
// Properties are an optional-field struct: a nil field means "not supplied".
// Defaults are applied in exactly one place, Resolve, which is a pure function
// executed once at startup.
package config

import (
	"net"
	"strconv"
	"time"
)

// Defaults applied by Resolve when the corresponding property is unset.
const (
	DefaultHost                = "localhost"
	DefaultPort                = 5672
	DefaultTLSPort             = 5671
	DefaultChannelCacheSize    = 25
	DefaultConnectionCacheSize = 1
	DefaultMaxAttempts         = 3
	DefaultInitialInterval     = time.Second
	DefaultMultiplier          = 1.0
	DefaultMaxInterval         = 10 * time.Second
	DefaultReplyTimeout        = 5 * time.Second
	DefaultConfirmTimeout      = 5 * time.Second
	DefaultTLSAlgorithm        = "TLSv1.2"
	StoreTypePEM               = "PEM"
)

// CacheMode selects the pooling granularity of the connection manager.
type CacheMode string

const (
	// CacheModeChannel caches channels on a small set of shared connections.
	CacheModeChannel CacheMode = "CHANNEL"
	// CacheModeConnection leases a dedicated connection (with one channel) per checkout.
	CacheModeConnection CacheMode = "CONNECTION"
)

// ConnectionConfig describes how to reach the broker. It is immutable once
// resolved.
type ConnectionConfig struct {
	Host           string
	Port           int
	Addresses      []string
	Username       string
	Password       string
	VirtualHost    string
	Heartbeat      time.Duration
	ConnectTimeout time.Duration
	ConnectionName string
	TLS            *TLSConfig
}

// Endpoints returns the ordered host:port list to dial.
func (c ConnectionConfig) Endpoints() []string {
	if len(c.Addresses) > 0 {
		out := make([]string, len(c.Addresses))
		copy(out, c.Addresses)
		return out
	}
	return []string{net.JoinHostPort(c.Host, strconv.Itoa(c.Port))}
}

// TLSEnabled reports whether TLS is configured and switched on.
func (c ConnectionConfig) TLSEnabled() bool {
	return c.TLS != nil && c.TLS.Enabled
}

// TLSConfig holds TLS trust and identity material locations.
//
// VerifyHostname is tri-state: nil means "use the protocol library default",
// which the connection factory builder resolves once at build time.
type TLSConfig struct {
	Enabled                   bool
	Algorithm                 string
	KeyStore                  string
	KeyStoreType              string
	KeyStorePassword          string
	TrustStore                string
	TrustStoreType            string
	TrustStorePassword        string
	VerifyHostname            *bool
	ValidateServerCertificate bool
}

// CacheConfig sizes the caching connection manager.
type CacheConfig struct {
	Mode                   CacheMode
	ChannelCacheSize       int
	ConnectionCacheSize    int
	ChannelCheckoutTimeout time.Duration
}

// RetryConfig is the template's publish retry policy.
type RetryConfig struct {
	Enabled         bool
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

// TemplateSettings are the template's default send/receive parameters.
type TemplateSettings struct {
	Exchange            string
	RoutingKey          string
	DefaultReceiveQueue string
	Mandatory           bool
	ReceiveTimeout      time.Duration
	ReplyTimeout        time.Duration
}

// PublisherSettings control broker acknowledgements of published messages.
type PublisherSettings struct {
	Confirms       bool
	Returns        bool
	ConfirmTimeout time.Duration
}

// Effective is the fully resolved configuration.
type Effective struct {
	Connection ConnectionConfig
	Cache      CacheConfig
	Retry      RetryConfig
	Template   TemplateSettings
	Publisher  PublisherSettings
	Dynamic    bool
}
