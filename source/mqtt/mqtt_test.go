package mqtt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dataflow/errors"
	"github.com/c360/dataflow/source"
	"github.com/c360/dataflow/value"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestConfig_Validate(t *testing.T) {
	assert.ErrorIs(t, Config{}.Validate(), errors.ErrMissingConfig)
	assert.ErrorIs(t, Config{Broker: "tcp://b:1883"}.Validate(), errors.ErrMissingConfig)
	assert.ErrorIs(t, Config{Broker: "tcp://b:1883", Topics: []string{""}}.Validate(), errors.ErrInvalidConfig)
	assert.ErrorIs(t, Config{Broker: "tcp://b:1883", Topics: []string{"a"}, QoS: 3}.Validate(),
		errors.ErrInvalidConfig)
	assert.NoError(t, Config{Broker: "tcp://b:1883", Topics: []string{"sensors/#"}}.Validate())
}

func TestHandler_PublishesDecodedPayload(t *testing.T) {
	s, err := New("plant", Config{Broker: "tcp://b:1883", Topics: []string{"sensors/#"}})
	require.NoError(t, err)
	sub := s.Subscribe()

	s.handler(nil)(nil, fakeMessage{topic: "sensors/t1", payload: []byte(`{"t":21}`)})

	u, ok := sub.TryRecv()
	require.True(t, ok)
	assert.Equal(t, "plant", u.SourceID)
	got, _ := u.Data.Field("t")
	assert.Equal(t, value.Int(21), got)
}

func TestHandler_IncludeTopic(t *testing.T) {
	s, err := New("plant", Config{Broker: "tcp://b:1883", Topics: []string{"sensors/#"}, IncludeTopic: true})
	require.NoError(t, err)
	sub := s.Subscribe()

	s.handler(nil)(nil, fakeMessage{topic: "sensors/t1", payload: []byte("on")})

	u, ok := sub.TryRecv()
	require.True(t, ok)
	want := value.ObjectOf(value.Pair("topic", value.String("sensors/t1")), value.Pair("payload", value.String("on")))
	assert.True(t, want.Equal(u.Data), "got %s", u.Data)
}

func TestSend_RequiresTopicAndConnection(t *testing.T) {
	s, err := New("plant", Config{Broker: "tcp://b:1883", Topics: []string{"a"}})
	require.NoError(t, err)
	err = s.Send(context.Background(), "x")
	assert.True(t, errors.IsInvalid(err))

	s, err = New("plant", Config{Broker: "tcp://b:1883", Topics: []string{"a"}, PublishTopic: "cmd"})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Send(context.Background(), "x"), ErrNotConnected)
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrNotConnected)
}

func TestNew_Defaults(t *testing.T) {
	s, err := New("plant", Config{Broker: "tcp://b:1883", Topics: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, "dataflow-plant", s.cfg.ClientID)
	assert.Equal(t, source.KindMQTT, s.Kind())
	assert.Equal(t, source.Disconnected, s.Status().State)
}
