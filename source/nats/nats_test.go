package nats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dataflow/errors"
	"github.com/c360/dataflow/natsclient"
	"github.com/c360/dataflow/value"
)

func TestConfig_Validate(t *testing.T) {
	assert.ErrorIs(t, Config{}.Validate(), errors.ErrMissingConfig)
	assert.ErrorIs(t, Config{URL: "nats://localhost:4222"}.Validate(), errors.ErrMissingConfig)
	assert.ErrorIs(t, Config{URL: "nats://localhost:4222", Subjects: []string{""}}.Validate(), errors.ErrInvalidConfig)
	assert.NoError(t, Config{URL: "nats://localhost:4222", Subjects: []string{"sensors.>"}}.Validate())
}

func TestDecode(t *testing.T) {
	s, err := New("bus", Config{URL: "nats://localhost:4222", Subjects: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, value.String("hi"), s.decode("a", []byte("hi")))

	s.cfg.IncludeTopic = true
	got := s.decode("a", []byte(`[1]`))
	want := value.ObjectOf(value.Pair("topic", value.String("a")), value.Pair("payload", value.Array(value.Int(1))))
	assert.True(t, want.Equal(got))
}

func TestNotConnected(t *testing.T) {
	s, err := New("bus", Config{URL: "nats://localhost:4222", Subjects: []string{"a"},
		PublishSubject: "out", RefreshSubject: "snapshot"})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Send(context.Background(), "x"), natsclient.ErrNotConnected)
	assert.ErrorIs(t, s.Refresh(context.Background()), natsclient.ErrNotConnected)
}

func TestSendWithoutSubject(t *testing.T) {
	s, err := New("bus", Config{URL: "nats://localhost:4222", Subjects: []string{"a"}})
	require.NoError(t, err)
	assert.True(t, errors.IsInvalid(s.Send(context.Background(), "x")))
	assert.NoError(t, s.Refresh(context.Background()))
}
