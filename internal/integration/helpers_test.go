//go:build integration

package integration_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/couchcryptid/amp-association-service/internal/adapter/store"
	"github.com/couchcryptid/amp-association-service/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startKafka runs a single-node Kafka container and returns its broker address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("amp-test"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

// createTopic creates a single-partition topic through the cluster controller.
func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	cc, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer cc.Close()

	require.NoError(t, cc.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

// startPostgres runs a Postgres container and returns an initialized store.
func startPostgres(ctx context.Context, t *testing.T) *store.Store {
	t.Helper()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("amps"),
		tcpostgres.WithUsername("amps"),
		tcpostgres.WithPassword("amps"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := store.Open("postgres", dsn, domain.DefaultWindow(), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Init(ctx))
	return s
}

// amplitudeDoc renders a two-component document for station NC.<code>.
func amplitudeDoc(code string, ts time.Time, lat, lon float64) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="ISO-8859-1"?>
<amplitudes agency="NC">
  <record>
    <timing><reference zone="GMT"><PGMTime>%s</PGMTime></reference></timing>
    <station code="%s" name="Station %s" lat="%g" lon="%g" net="NC"/>
    <component name="HNE"><pga value="9.81"/><pgv value="1.5"/><sa period="0.3" value="4.905"/></component>
    <component name="HNZ"><pga value="4.905"/><pgv value="0.5"/><sa period="1.0" value="0.981"/></component>
  </record>
</amplitudes>`, ts.UTC().Format(domain.TimeLayout), code, code, lat, lon))
}
