//go:build integration

package mqtt

import (
	"context"
	"fmt"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/c360/dataflow/source"
	"github.com/c360/dataflow/value"
)

func startBroker(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "eclipse-mosquitto:2.0",
			ExposedPorts: []string{"1883/tcp"},
			Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
			WaitingFor:   wait.ForListeningPort("1883/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "1883")
	require.NoError(t, err)
	return fmt.Sprintf("tcp://%s:%s", host, port.Port())
}

func TestIntegration_SubscribeAndSend(t *testing.T) {
	broker := startBroker(t)

	s, err := New("plant", Config{
		Broker:       broker,
		Topics:       []string{"sensors/#"},
		QoS:          1,
		IncludeTopic: true,
		PublishTopic: "sensors/echo",
	})
	require.NoError(t, err)
	sub := s.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()
	require.Eventually(t, func() bool { return s.Status().State == source.Connected },
		10*time.Second, 20*time.Millisecond)

	pub := pahomqtt.NewClient(pahomqtt.NewClientOptions().AddBroker(broker).SetClientID("publisher"))
	tok := pub.Connect()
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())
	defer pub.Disconnect(100)

	tok = pub.Publish("sensors/t1", 1, false, `{"temp":20}`)
	require.True(t, tok.WaitTimeout(5*time.Second))

	u, err := sub.Recv(ctx)
	require.NoError(t, err)
	topic, _ := u.Data.Field("topic")
	assert.Equal(t, value.String("sensors/t1"), topic)

	require.NoError(t, s.Send(ctx, "echo"))
	for {
		u, err := sub.Recv(ctx)
		require.NoError(t, err)
		if topic, _ := u.Data.Field("topic"); topic.Equal(value.String("sensors/echo")) {
			break
		}
	}
}
