package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Properties is the optional-field view of the supported configuration keys.
// A nil pointer (or nil slice) means the key was not supplied.
type Properties struct {
	Host               *string
	Port               *int
	Addresses          []string
	Username           *string
	Password           *string
	VirtualHost        *string
	RequestedHeartbeat *time.Duration
	ConnectionTimeout  *time.Duration
	ConnectionName     *string

	SSL       SSLProperties
	Cache     CacheProperties
	Publisher PublisherProperties
	Template  TemplateProperties

	Dynamic *bool
}

// SSLProperties are the ssl.* keys.
type SSLProperties struct {
	Enabled                   *bool
	Algorithm                 *string
	KeyStore                  *string
	KeyStoreType              *string
	KeyStorePassword          *string
	TrustStore                *string
	TrustStoreType            *string
	TrustStorePassword        *string
	ValidateServerCertificate *bool
	VerifyHostname            *bool
}

func (s SSLProperties) anySet() bool {
	return s.Enabled != nil || s.Algorithm != nil || s.KeyStore != nil || s.KeyStoreType != nil ||
		s.KeyStorePassword != nil || s.TrustStore != nil || s.TrustStoreType != nil ||
		s.TrustStorePassword != nil || s.ValidateServerCertificate != nil || s.VerifyHostname != nil
}

// CacheProperties are the cache.* keys.
type CacheProperties struct {
	ChannelSize            *int
	ChannelCheckoutTimeout *time.Duration
	ConnectionMode         *CacheMode
	ConnectionSize         *int
}

// PublisherProperties are the publisher acknowledgement keys.
type PublisherProperties struct {
	Confirms       *bool
	Returns        *bool
	ConfirmTimeout *time.Duration
}

// RetryProperties are the template.retry.* keys.
type RetryProperties struct {
	Enabled         *bool
	MaxAttempts     *int
	InitialInterval *time.Duration
	Multiplier      *float64
	MaxInterval     *time.Duration
}

// TemplateProperties are the template.* keys.
type TemplateProperties struct {
	Retry               RetryProperties
	Mandatory           *bool
	Exchange            *string
	RoutingKey          *string
	DefaultReceiveQueue *string
	ReceiveTimeout      *time.Duration
	ReplyTimeout        *time.Duration
}

// binding ties a property key to its field.
type binding struct {
	key string
	set func(p *Properties, value string) error
	get func(p *Properties) (string, bool)
}

var bindings = []binding{
	stringKey("host", func(p *Properties) **string { return &p.Host }),
	intKey("port", func(p *Properties) **int { return &p.Port }),
	{
		key: "addresses",
		set: func(p *Properties, v string) error {
			p.Addresses = splitList(v)
			return nil
		},
		get: func(p *Properties) (string, bool) {
			if p.Addresses == nil {
				return "", false
			}
			return strings.Join(p.Addresses, ","), true
		},
	},
	stringKey("username", func(p *Properties) **string { return &p.Username }),
	stringKey("password", func(p *Properties) **string { return &p.Password }),
	stringKey("virtualHost", func(p *Properties) **string { return &p.VirtualHost }),
	durationKey("requestedHeartbeat", time.Second, func(p *Properties) **time.Duration { return &p.RequestedHeartbeat }),
	durationKey("connectionTimeout", time.Millisecond, func(p *Properties) **time.Duration { return &p.ConnectionTimeout }),
	stringKey("connectionName", func(p *Properties) **string { return &p.ConnectionName }),

	boolKey("ssl.enabled", func(p *Properties) **bool { return &p.SSL.Enabled }),
	stringKey("ssl.algorithm", func(p *Properties) **string { return &p.SSL.Algorithm }),
	stringKey("ssl.keyStore", func(p *Properties) **string { return &p.SSL.KeyStore }),
	stringKey("ssl.keyStoreType", func(p *Properties) **string { return &p.SSL.KeyStoreType }),
	stringKey("ssl.keyStorePassword", func(p *Properties) **string { return &p.SSL.KeyStorePassword }),
	stringKey("ssl.trustStore", func(p *Properties) **string { return &p.SSL.TrustStore }),
	stringKey("ssl.trustStoreType", func(p *Properties) **string { return &p.SSL.TrustStoreType }),
	stringKey("ssl.trustStorePassword", func(p *Properties) **string { return &p.SSL.TrustStorePassword }),
	boolKey("ssl.validateServerCertificate", func(p *Properties) **bool { return &p.SSL.ValidateServerCertificate }),
	boolKey("ssl.verifyHostname", func(p *Properties) **bool { return &p.SSL.VerifyHostname }),

	intKey("cache.channel.size", func(p *Properties) **int { return &p.Cache.ChannelSize }),
	durationKey("cache.channel.checkoutTimeout", time.Millisecond, func(p *Properties) **time.Duration { return &p.Cache.ChannelCheckoutTimeout }),
	{
		key: "cache.connection.mode",
		set: func(p *Properties, v string) error {
			mode, err := ParseCacheMode(v)
			if err != nil {
				return err
			}
			p.Cache.ConnectionMode = &mode
			return nil
		},
		get: func(p *Properties) (string, bool) {
			if p.Cache.ConnectionMode == nil {
				return "", false
			}
			return string(*p.Cache.ConnectionMode), true
		},
	},
	intKey("cache.connection.size", func(p *Properties) **int { return &p.Cache.ConnectionSize }),

	boolKey("publisherConfirms", func(p *Properties) **bool { return &p.Publisher.Confirms }),
	boolKey("publisherReturns", func(p *Properties) **bool { return &p.Publisher.Returns }),
	durationKey("publisher.confirmTimeout", time.Millisecond, func(p *Properties) **time.Duration { return &p.Publisher.ConfirmTimeout }),

	boolKey("template.retry.enabled", func(p *Properties) **bool { return &p.Template.Retry.Enabled }),
	intKey("template.retry.maxAttempts", func(p *Properties) **int { return &p.Template.Retry.MaxAttempts }),
	durationKey("template.retry.initialInterval", time.Millisecond, func(p *Properties) **time.Duration { return &p.Template.Retry.InitialInterval }),
	floatKey("template.retry.multiplier", func(p *Properties) **float64 { return &p.Template.Retry.Multiplier }),
	durationKey("template.retry.maxInterval", time.Millisecond, func(p *Properties) **time.Duration { return &p.Template.Retry.MaxInterval }),
	boolKey("template.mandatory", func(p *Properties) **bool { return &p.Template.Mandatory }),
	stringKey("template.exchange", func(p *Properties) **string { return &p.Template.Exchange }),
	stringKey("template.routingKey", func(p *Properties) **string { return &p.Template.RoutingKey }),
	stringKey("template.defaultReceiveQueue", func(p *Properties) **string { return &p.Template.DefaultReceiveQueue }),
	durationKey("template.receiveTimeout", time.Millisecond, func(p *Properties) **time.Duration { return &p.Template.ReceiveTimeout }),
	durationKey("template.replyTimeout", time.Millisecond, func(p *Properties) **time.Duration { return &p.Template.ReplyTimeout }),

	boolKey("dynamic", func(p *Properties) **bool { return &p.Dynamic }),
}

var bindingIndex = func() map[string]*binding {
	idx := make(map[string]*binding, len(bindings))
	for i := range bindings {
		idx[canonicalKey(bindings[i].key)] = &bindings[i]
	}
	return idx
}()

// canonicalKey lower-cases a key and drops '-' and '_' so that
// "virtual-host", "virtual_host" and "virtualHost" bind to the same field.
func canonicalKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.NewReplacer("-", "", "_", "").Replace(key)
}

// Keys returns every recognized property key in declaration order.
func Keys() []string {
	keys := make([]string, len(bindings))
	for i, b := range bindings {
		keys[i] = b.key
	}
	return keys
}

// FromMap parses a flat key/value map into Properties.
func FromMap(values map[string]string) (*Properties, error) {
	p := &Properties{}
	if err := p.Overlay(values); err != nil {
		return nil, err
	}
	return p, nil
}

// Set assigns a single property, overriding any previous value. String
// values are kept verbatim; numeric, boolean, duration and mode values may
// carry surrounding whitespace.
func (p *Properties) Set(key, value string) error {
	b, ok := bindingIndex[canonicalKey(key)]
	if !ok {
		return &PropertyError{Key: key, Value: value, Err: ErrUnknownProperty}
	}
	if err := b.set(p, value); err != nil {
		return &PropertyError{Key: b.key, Value: value, Err: fmt.Errorf("%w: %v", ErrInvalidProperty, err)}
	}
	return nil
}

// ToMap serializes every supplied property back to its key form.
func (p *Properties) ToMap() map[string]string {
	out := make(map[string]string)
	for _, b := range bindings {
		if v, ok := b.get(p); ok {
			out[b.key] = v
		}
	}
	return out
}

func stringKey(key string, field func(*Properties) **string) binding {
	return binding{
		key: key,
		set: func(p *Properties, v string) error {
			*field(p) = &v
			return nil
		},
		get: func(p *Properties) (string, bool) {
			if f := *field(p); f != nil {
				return *f, true
			}
			return "", false
		},
	}
}

func intKey(key string, field func(*Properties) **int) binding {
	return binding{
		key: key,
		set: func(p *Properties, v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return err
			}
			*field(p) = &n
			return nil
		},
		get: func(p *Properties) (string, bool) {
			if f := *field(p); f != nil {
				return strconv.Itoa(*f), true
			}
			return "", false
		},
	}
}

func boolKey(key string, field func(*Properties) **bool) binding {
	return binding{
		key: key,
		set: func(p *Properties, v string) error {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return err
			}
			*field(p) = &b
			return nil
		},
		get: func(p *Properties) (string, bool) {
			if f := *field(p); f != nil {
				return strconv.FormatBool(*f), true
			}
			return "", false
		},
	}
}

func floatKey(key string, field func(*Properties) **float64) binding {
	return binding{
		key: key,
		set: func(p *Properties, v string) error {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return err
			}
			*field(p) = &f
			return nil
		},
		get: func(p *Properties) (string, bool) {
			if f := *field(p); f != nil {
				return strconv.FormatFloat(*f, 'g', -1, 64), true
			}
			return "", false
		},
	}
}

// durationKey accepts Go duration syntax or a bare integer in unit.
func durationKey(key string, unit time.Duration, field func(*Properties) **time.Duration) binding {
	return binding{
		key: key,
		set: func(p *Properties, v string) error {
			d, err := parseDuration(strings.TrimSpace(v), unit)
			if err != nil {
				return err
			}
			*field(p) = &d
			return nil
		},
		get: func(p *Properties) (string, bool) {
			if f := *field(p); f != nil {
				return f.String(), true
			}
			return "", false
		},
	}
}

func parseDuration(v string, unit time.Duration) (time.Duration, error) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * unit, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseCacheMode accepts CHANNEL/CONNECTION as well as PER_CHANNEL/PER_CONNECTION.
func ParseCacheMode(v string) (CacheMode, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "CHANNEL", "PER_CHANNEL":
		return CacheModeChannel, nil
	case "CONNECTION", "PER_CONNECTION":
		return CacheModeConnection, nil
	}
	return "", fmt.Errorf("unknown cache mode %q", v)
}
