package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDefaults(t *testing.T) {
	eff, err := Resolve(nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultHost, eff.Connection.Host)
	assert.Equal(t, DefaultPort, eff.Connection.Port)
	assert.Nil(t, eff.Connection.TLS)
	assert.Equal(t, CacheConfig{
		Mode:                CacheModeChannel,
		ChannelCacheSize:    DefaultChannelCacheSize,
		ConnectionCacheSize: DefaultConnectionCacheSize,
	}, eff.Cache)
	assert.Equal(t, RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		Multiplier:      1.0,
		MaxInterval:     10 * time.Second,
	}, eff.Retry)
	assert.Equal(t, 5*time.Second, eff.Template.ReplyTimeout)
	assert.Zero(t, eff.Template.ReceiveTimeout)
	assert.False(t, eff.Template.Mandatory)
	assert.True(t, eff.Dynamic)
}

func TestResolveTLSPort(t *testing.T) {
	p, err := FromMap(map[string]string{"ssl.enabled": "true"})
	require.NoError(t, err)
	eff, err := Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, DefaultTLSPort, eff.Connection.Port)
	require.NotNil(t, eff.Connection.TLS)
	assert.True(t, eff.Connection.TLS.ValidateServerCertificate)
	assert.Nil(t, eff.Connection.TLS.VerifyHostname)
	assert.Equal(t, StoreTypePEM, eff.Connection.TLS.TrustStoreType)

	p, err = FromMap(map[string]string{"ssl.enabled": "true", "port": "5672"})
	require.NoError(t, err)
	eff, err = Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, 5672, eff.Connection.Port)
}

func TestMandatoryPrecedence(t *testing.T) {
	cases := []struct {
		name      string
		values    map[string]string
		mandatory bool
	}{
		{"nothing set", map[string]string{}, false},
		{"publisher returns", map[string]string{"publisherReturns": "true"}, true},
		{"explicit false wins", map[string]string{"publisherReturns": "true", "template.mandatory": "false"}, false},
		{"explicit true wins", map[string]string{"publisherReturns": "false", "template.mandatory": "true"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := FromMap(tc.values)
			require.NoError(t, err)
			eff, err := Resolve(p)
			require.NoError(t, err)
			assert.Equal(t, tc.mandatory, eff.Template.Mandatory)
		})
	}
}

func TestFromMap(t *testing.T) {
	t.Run("binds every key", func(t *testing.T) {
		p, err := FromMap(map[string]string{
			"host":                          "rabbit",
			"addresses":                     "a:1, b:2",
			"virtualHost":                   "orders",
			"requestedHeartbeat":            "30",
			"connectionTimeout":             "250ms",
			"cache.channel.size":            "5",
			"cache.channel.checkoutTimeout": "1500",
			"cache.connection.mode":         "PER_CONNECTION",
			"cache.connection.size":         "3",
			"template.retry.multiplier":     "2.5",
		})
		require.NoError(t, err)

		eff, err := Resolve(p)
		require.NoError(t, err)
		assert.Equal(t, []string{"a:1", "b:2"}, eff.Connection.Endpoints())
		assert.Equal(t, 30*time.Second, eff.Connection.Heartbeat)
		assert.Equal(t, 250*time.Millisecond, eff.Connection.ConnectTimeout)
		assert.Equal(t, CacheModeConnection, eff.Cache.Mode)
		assert.Equal(t, 1500*time.Millisecond, eff.Cache.ChannelCheckoutTimeout)
		assert.Equal(t, 3, eff.Cache.ConnectionCacheSize)
		assert.Equal(t, 2.5, eff.Retry.Multiplier)
	})

	t.Run("rejects unknown keys", func(t *testing.T) {
		_, err := FromMap(map[string]string{"hots": "x"})
		var propErr *PropertyError
		require.ErrorAs(t, err, &propErr)
		assert.Equal(t, "hots", propErr.Key)
		assert.ErrorIs(t, err, ErrUnknownProperty)
	})

	t.Run("rejects malformed values", func(t *testing.T) {
		for key, value := range map[string]string{
			"port":                  "abc",
			"ssl.enabled":           "maybe",
			"cache.connection.mode": "PER_QUEUE",
			"connectionTimeout":     "soon",
		} {
			_, err := FromMap(map[string]string{key: value})
			assert.ErrorIs(t, err, ErrInvalidProperty, key)
		}
	})
}

func TestResolveValidation(t *testing.T) {
	for key, value := range map[string]string{
		"cache.channel.size":             "0",
		"cache.connection.size":          "-1",
		"template.retry.maxAttempts":     "0",
		"template.retry.multiplier":      "0.5",
		"template.retry.maxInterval":     "10ms",
		"cache.channel.checkoutTimeout":  "-5",
		"template.retry.initialInterval": "-1",
	} {
		t.Run(key, func(t *testing.T) {
			p, err := FromMap(map[string]string{key: value})
			require.NoError(t, err)
			_, err = Resolve(p)
			assert.ErrorIs(t, err, ErrInvalidProperty)
		})
	}
}

func TestConnectionConfigRoundTrip(t *testing.T) {
	verify := false
	cases := []ConnectionConfig{
		{Host: "localhost", Port: 5672},
		{Host: "rabbit", Port: 15672, VirtualHost: "orders", Username: "svc", Password: "pw", ConnectionName: "billing",
			Heartbeat: 10 * time.Second, ConnectTimeout: 3 * time.Second},
		{Host: "h", Port: 5671, Addresses: []string{"a:1", "b:2"}, TLS: &TLSConfig{
			Enabled: true, Algorithm: "TLSv1.3", KeyStore: "/k.pem", KeyStoreType: StoreTypePEM, KeyStorePassword: "kp",
			TrustStore: "/t.pem", TrustStoreType: StoreTypePEM, ValidateServerCertificate: true, VerifyHostname: &verify,
		}},
		{Host: "rabbit", Port: 5672, Username: " svc", Password: " s3cret ", VirtualHost: "/ orders ", ConnectionName: "billing "},
	}
	for _, cfg := range cases {
		p, err := FromMap(cfg.ToMap())
		require.NoError(t, err)
		eff, err := Resolve(p)
		require.NoError(t, err)
		assert.Equal(t, cfg, eff.Connection)
	}
}

func TestSetKeepsStringValuesVerbatim(t *testing.T) {
	p, err := FromMap(map[string]string{
		"password":                      "  pass word  ",
		"port":                          " 5673 ",
		"template.retry.enabled":        " true",
		"cache.channel.checkoutTimeout": "250ms ",
	})
	require.NoError(t, err)
	assert.Equal(t, "  pass word  ", *p.Password)
	assert.Equal(t, 5673, *p.Port)
	assert.True(t, *p.Template.Retry.Enabled)
	assert.Equal(t, 250*time.Millisecond, *p.Cache.ChannelCheckoutTimeout)
}

func TestEffectiveRoundTrip(t *testing.T) {
	p, err := FromMap(map[string]string{
		"host":                  "rabbit",
		"cache.connection.mode": "CONNECTION",
		"template.exchange":     "events",
		"publisherReturns":      "true",
		"dynamic":               "false",
	})
	require.NoError(t, err)
	eff, err := Resolve(p)
	require.NoError(t, err)

	again, err := FromMap(eff.ToMap())
	require.NoError(t, err)
	eff2, err := Resolve(again)
	require.NoError(t, err)
	assert.Equal(t, eff, eff2)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
spring:
  ignored: true
rabbitmq:
  host: yaml-host
  addresses:
    - "a:1"
    - "b:2"
  ssl:
    enabled: true
    verifyHostname: false
  cache:
    channel:
      size: 7
  template:
    retry:
      enabled: true
      maxAttempts: 4
`), 0o600))

	p, err := LoadFile(path, "rabbitmq")
	require.NoError(t, err)
	eff, err := Resolve(p)
	require.NoError(t, err)

	assert.Equal(t, "yaml-host", eff.Connection.Host)
	assert.Equal(t, []string{"a:1", "b:2"}, eff.Connection.Addresses)
	require.NotNil(t, eff.Connection.TLS.VerifyHostname)
	assert.False(t, *eff.Connection.TLS.VerifyHostname)
	assert.Equal(t, 7, eff.Cache.ChannelCacheSize)
	assert.True(t, eff.Retry.Enabled)
	assert.Equal(t, 4, eff.Retry.MaxAttempts)

	_, err = LoadFile(path, "")
	assert.ErrorIs(t, err, ErrUnknownProperty)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MMATE_RABBITMQ_HOST":                  "env-host",
		"MMATE_RABBITMQ_CACHE_CHANNEL_SIZE":    "9",
		"MMATE_RABBITMQ_TEMPLATE_RETRY_ENABLED": "true",
		"UNRELATED":                            "x",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	host := "file-host"
	p := &Properties{Host: &host}
	require.NoError(t, p.ApplyEnv("", lookup))

	eff, err := Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, "env-host", eff.Connection.Host)
	assert.Equal(t, 9, eff.Cache.ChannelCacheSize)
	assert.True(t, eff.Retry.Enabled)

	assert.Equal(t, "MMATE_RABBITMQ_CACHE_CHANNEL_CHECKOUTTIMEOUT", EnvName("", "cache.channel.checkoutTimeout"))
	assert.Equal(t, "APP_HOST", EnvName("APP", "host"))
}
