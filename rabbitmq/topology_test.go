package rabbitmq_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BranchIntl/rmqworker/config"
	"github.com/BranchIntl/rmqworker/errors"
	"github.com/BranchIntl/rmqworker/internal/amqptest"
)

func openChannel(t *testing.T, s *stack) *amqptest.Channel {
	t.Helper()
	ch, err := s.registry.GetChannel(context.Background(), config.DefaultName)
	require.NoError(t, err)
	return ch.(*amqptest.Channel)
}

func TestSetupChannelDeclaresTopology(t *testing.T) {
	s := newStack(newConfigBuilder().Build())
	ch := openChannel(t, s)

	resolved, err := s.topology.SetupChannel(config.DefaultName, ch)
	require.NoError(t, err)

	assert.True(t, s.broker.HasExchange("app.default"))
	assert.True(t, s.broker.HasQueue("default_queue"))
	assert.True(t, s.broker.Bound("app.default", "default_queue", "default_queue"))
	assert.Equal(t, 1, ch.Prefetch())
	assert.Equal(t, []string{"ExchangeDeclare", "QueueDeclare", "QueueBind", "Qos"}, s.broker.Calls())

	assert.Equal(t, "default_queue", resolved.Queue.Name)
	assert.Equal(t, "app.default", resolved.Exchange.Name)
	assert.Equal(t, "default_queue", resolved.RoutingKey())
}

func TestSetupChannelIsIdempotent(t *testing.T) {
	s := newStack(newConfigBuilder().Build())
	ch := openChannel(t, s)

	_, err := s.topology.SetupChannel(config.DefaultName, ch)
	require.NoError(t, err)
	_, err = s.topology.SetupChannel(config.DefaultName, ch)
	require.NoError(t, err)

	assert.False(t, ch.IsClosed())
}

func TestSetupChannelUnknownNames(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *config.Config
		queueKey string
		kind     string
	}{
		{
			name:     "unknown queue",
			cfg:      newConfigBuilder().Build(),
			queueKey: "missing",
			kind:     "queue",
		},
		{
			name: "unknown exchange",
			cfg: newConfigBuilder().
				WithQueue("orders", config.QueueConfig{Exchange: "nope", Name: "orders"}).
				Build(),
			queueKey: "orders",
			kind:     "exchange",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStack(tt.cfg)
			ch := openChannel(t, s)

			_, err := s.topology.SetupChannel(tt.queueKey, ch)

			var cfgErr *errors.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.kind, cfgErr.Kind)
			assert.ErrorIs(t, err, errors.ErrNotConfigured)
			assert.Empty(t, s.broker.Calls())
		})
	}
}

func TestSetupChannelInvalidExchangeType(t *testing.T) {
	cfg := newConfigBuilder().
		WithExchange(config.DefaultName, config.ExchangeConfig{Name: "app.default", Type: "direkt"}).
		Build()
	s := newStack(cfg)
	ch := openChannel(t, s)

	_, err := s.topology.SetupChannel(config.DefaultName, ch)

	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.True(t, errors.IsConfiguration(err))
	assert.Empty(t, s.broker.Calls())
}

func TestSetupChannelConflicts(t *testing.T) {
	t.Run("exchange type", func(t *testing.T) {
		cfg := newConfigBuilder().Build()
		s := newStack(cfg)
		ch := openChannel(t, s)
		require.NoError(t, ch.ExchangeDeclare("app.default", config.ExchangeFanout, true, false, false, false, nil))

		_, err := s.topology.SetupChannel(config.DefaultName, ch)

		var conflict *errors.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "exchange", conflict.Kind)
		assert.Equal(t, "app.default", conflict.Name)
		assert.ErrorIs(t, err, errors.ErrConflict)

		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.PreconditionFailed, amqpErr.Code)
	})

	t.Run("queue durability", func(t *testing.T) {
		s := newStack(newConfigBuilder().Build())
		ch := openChannel(t, s)
		_, err := ch.QueueDeclare("default_queue", false, false, false, false, nil)
		require.NoError(t, err)

		_, err = s.topology.SetupChannel(config.DefaultName, ch)

		var conflict *errors.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "queue", conflict.Kind)
		assert.True(t, ch.IsClosed())
	})
}

func TestSetupChannelPassive(t *testing.T) {
	cfg := newConfigBuilder().Build()
	exchange := cfg.Exchanges[config.DefaultName]
	exchange.Passive = true
	cfg.Exchanges[config.DefaultName] = exchange

	s := newStack(cfg)
	ch := openChannel(t, s)

	_, err := s.topology.SetupChannel(config.DefaultName, ch)
	var brokerErr *errors.BrokerError
	require.ErrorAs(t, err, &brokerErr)
	assert.Equal(t, "declare_exchange", brokerErr.Op)

	ch = openChannel(t, s)
	require.NoError(t, ch.ExchangeDeclare("app.default", config.ExchangeDirect, true, false, false, false, nil))
	_, err = s.topology.SetupChannel(config.DefaultName, ch)
	require.NoError(t, err)
	assert.Contains(t, s.broker.Calls(), "ExchangeDeclarePassive")
}

func TestSetupChannelBrokerFailure(t *testing.T) {
	s := newStack(newConfigBuilder().Build())
	ch := openChannel(t, s)
	s.broker.Fail("Qos", fmt.Errorf("channel is not open"))

	_, err := s.topology.SetupChannel(config.DefaultName, ch)

	var brokerErr *errors.BrokerError
	require.ErrorAs(t, err, &brokerErr)
	assert.Equal(t, "qos", brokerErr.Op)
	assert.Equal(t, "default_queue", brokerErr.Queue)
}

func TestSetupChannelPrefetchAndRoutingKey(t *testing.T) {
	cfg := newConfigBuilder().
		WithQueue("bulk", config.QueueConfig{
			Name:     "bulk",
			Durable:  true,
			Prefetch: config.PrefetchConfig{Count: 25},
		}).
		Build()
	s := newStack(cfg)
	ch := openChannel(t, s)

	resolved, err := s.topology.SetupChannel("bulk", ch)
	require.NoError(t, err)

	assert.Equal(t, 25, ch.Prefetch())
	assert.Equal(t, "bulk", resolved.RoutingKey())
	assert.True(t, s.broker.Bound("app.default", "bulk", "bulk"))
}

func TestResolvedConsumerTag(t *testing.T) {
	cfg := newConfigBuilder().
		WithQueue("tagged", config.QueueConfig{Name: "tagged", ConsumerTag: "consumer.app.host"}).
		WithQueue("untagged", config.QueueConfig{Name: "untagged"}).
		Build()
	s := newStack(cfg)

	tagged, err := s.topology.Resolve("tagged")
	require.NoError(t, err)
	assert.Equal(t, "consumer.app.host", tagged.ConsumerTag())

	untagged, err := s.topology.Resolve("untagged")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(untagged.ConsumerTag(), "consumer_"))
	assert.Equal(t, untagged.ConsumerTag(), untagged.ConsumerTag())

	other, err := s.topology.Resolve("untagged")
	require.NoError(t, err)
	assert.NotEqual(t, untagged.ConsumerTag(), other.ConsumerTag())
}
