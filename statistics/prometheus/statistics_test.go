package prometheus

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BranchIntl/rmqworker/config"
	"github.com/BranchIntl/rmqworker/core"
	rmqerrors "github.com/BranchIntl/rmqworker/errors"
	"github.com/BranchIntl/rmqworker/rabbitmq"
)

var _ core.Statistics = (*PrometheusStatistics)(nil)

func newMessage() *rabbitmq.Message {
	return rabbitmq.NewMessage(amqp.Delivery{Body: []byte(`{}`)}, config.QueueConfig{Name: "emails"})
}

func TestPrometheusStatistics_Lifecycle(t *testing.T) {
	stats := NewStatistics(DefaultOptions())
	ctx := context.Background()

	assert.ErrorIs(t, stats.Health(), rmqerrors.ErrNotConnected)
	require.NoError(t, stats.Connect(ctx))
	require.NoError(t, stats.Connect(ctx))
	assert.NoError(t, stats.Health())
	assert.Equal(t, "prometheus", stats.Type())

	require.NoError(t, stats.Close())
	assert.ErrorIs(t, stats.Health(), rmqerrors.ErrNotConnected)
	assert.NoError(t, stats.Close())
}

func TestPrometheusStatistics_Counters(t *testing.T) {
	stats := NewStatistics(DefaultOptions())
	require.NoError(t, stats.Connect(context.Background()))
	defer stats.Close()

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stats.now = func() time.Time { return clock }

	ctx := context.Background()
	ok := newMessage()
	bad := newMessage()

	stats.Processing(ctx, ok, "emails")
	stats.Processing(ctx, bad, "emails")
	assert.Equal(t, 2.0, testutil.ToFloat64(stats.inFlight.WithLabelValues("emails")))

	clock = clock.Add(250 * time.Millisecond)
	stats.Processed(ctx, ok, "emails")
	stats.Failed(ctx, bad, "emails", errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(stats.started.WithLabelValues("emails")))
	assert.Equal(t, 1.0, testutil.ToFloat64(stats.processed.WithLabelValues("emails")))
	assert.Equal(t, 1.0, testutil.ToFloat64(stats.failed.WithLabelValues("emails")))
	assert.Equal(t, 0.0, testutil.ToFloat64(stats.inFlight.WithLabelValues("emails")))
	assert.Equal(t, 1, testutil.CollectAndCount(stats.duration))
}

func TestPrometheusStatistics_FinishWithoutStart(t *testing.T) {
	stats := NewStatistics(DefaultOptions())
	require.NoError(t, stats.Connect(context.Background()))
	defer stats.Close()

	stats.Processed(context.Background(), newMessage(), "emails")

	assert.Equal(t, 1.0, testutil.ToFloat64(stats.processed.WithLabelValues("emails")))
	assert.Equal(t, 0.0, testutil.ToFloat64(stats.inFlight.WithLabelValues("emails")))
}

func TestPrometheusStatistics_DuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	opts := DefaultOptions()
	opts.Registerer = registry
	opts.Gatherer = registry

	first := NewStatistics(opts)
	require.NoError(t, first.Connect(context.Background()))
	defer first.Close()

	second := NewStatistics(opts)
	err := second.Connect(context.Background())
	var connErr *rmqerrors.ConnectionError
	assert.ErrorAs(t, err, &connErr)

	// the partial registration was rolled back, the first set still works
	assert.NoError(t, first.Health())
}

func TestPrometheusStatistics_Handler(t *testing.T) {
	stats := NewStatistics(DefaultOptions())
	require.NoError(t, stats.Connect(context.Background()))
	defer stats.Close()

	stats.Processed(context.Background(), newMessage(), "emails")

	rec := httptest.NewRecorder()
	stats.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `rmqworker_messages_processed_total{queue="emails"} 1`))
}
