package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mmate "github.com/glimte/mmate-rabbit"
	"github.com/glimte/mmate-rabbit/internal/rabbitmq/rabbitmqtest"
)

func noEnv(string) (string, bool) { return "", false }

func run(t *testing.T, broker *rabbitmqtest.Broker, env func(string) (string, bool), args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out, env, mmate.WithRawConnectionFactory(broker.Dialer()))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSendAndReceive(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	broker.DeclareQueue("orders")

	out, err := run(t, broker, noEnv, "send", "--routing-key", "orders", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "sent ")
	require.Len(t, broker.Messages("orders"), 1)

	out, err = run(t, broker, noEnv, "--set", "template.defaultReceiveQueue=orders", "receive")
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, `routingKey="orders"`)

	out, err = run(t, broker, noEnv, "receive", "--queue", "orders")
	require.NoError(t, err)
	assert.Contains(t, out, "no message")
}

func TestSendRequest(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	broker.Respond("rpc", func(req amqp.Publishing) amqp.Publishing {
		return amqp.Publishing{Body: append([]byte("re: "), req.Body...)}
	})

	out, err := run(t, broker, noEnv, "send", "-k", "rpc", "--request", "ping")
	require.NoError(t, err)
	assert.Contains(t, out, "re: ping")
}

func TestSendUnroutable(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	broker.Bind("events", "known", "q")

	_, err := run(t, broker, noEnv, "send", "-e", "events", "-k", "unknown", "--mandatory", "lost")
	assert.ErrorContains(t, err, "unroutable")
}

func TestConfigLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rabbitmq:
  host: file-host
  port: 5673
  password: secret
  cache:
    channel:
      size: 10
`), 0o600))

	env := func(key string) (string, bool) {
		if key == "MMATE_RABBITMQ_CACHE_CHANNEL_SIZE" {
			return "12", true
		}
		return "", false
	}

	out, err := run(t, rabbitmqtest.NewBroker(), env,
		"--config", path, "--prefix", "rabbitmq", "--set", "port=5674", "config")
	require.NoError(t, err)
	assert.Contains(t, out, "host: file-host")
	assert.Regexp(t, `port: ["']?5674["']?`, out)
	assert.Regexp(t, `cache\.channel\.size: ["']?12["']?`, out)
	assert.Contains(t, out, "******")
	assert.NotContains(t, out, "secret")
}

func TestConfigErrors(t *testing.T) {
	_, err := run(t, rabbitmqtest.NewBroker(), noEnv, "--set", "novalue", "config")
	assert.ErrorContains(t, err, "expected key=value")

	_, err = run(t, rabbitmqtest.NewBroker(), noEnv, "--set", "no.such.key=1", "config")
	assert.Error(t, err)

	_, err = run(t, rabbitmqtest.NewBroker(), noEnv, "--set", "cache.channel.size=0", "config")
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	out, err := run(t, rabbitmqtest.NewBroker(), noEnv, "health")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "healthy"`)

	broker := rabbitmqtest.NewBroker()
	broker.DialErr = assert.AnError
	out, err = run(t, broker, noEnv, "health")
	assert.Error(t, err)
	assert.Contains(t, out, `"status": "unhealthy"`)
}
