package source

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dataflow/metric"
	"github.com/c360/dataflow/value"
)

func TestBase_LaunchGuardsSingleTask(t *testing.T) {
	b := NewBase("s1", KindTimer, Schema{})
	assert.Equal(t, "s1", b.Schema().Name, "schema name defaults to id")

	block := make(chan struct{})
	task := func(ctx context.Context, run *Run) {
		run.SetStatus(Status{State: Connected})
		select {
		case <-ctx.Done():
		case <-block:
		}
	}

	require.NoError(t, b.Launch(context.Background(), task))
	assert.ErrorIs(t, b.Launch(context.Background(), task), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return b.Status().State == Connected }, time.Second, time.Millisecond)

	require.NoError(t, b.Halt())
	assert.Equal(t, Disconnected, b.Status().State)
	assert.False(t, b.Running())

	require.NoError(t, b.Launch(context.Background(), task), "restart after stop")
	close(block)
	require.Eventually(t, func() bool { return !b.Running() }, time.Second, time.Millisecond)
}

func TestBase_StoppedRunIsMuted(t *testing.T) {
	b := NewBase("s1", KindTimer, Schema{})
	sub := b.Subscribe()

	runs := make(chan *Run, 1)
	release := make(chan struct{})
	require.NoError(t, b.Launch(context.Background(), func(_ context.Context, run *Run) {
		runs <- run
		<-release
	}))
	run := <-runs

	require.NoError(t, b.Halt())
	run.SetStatus(StatusError(assert.AnError))
	run.Publish(value.Int(1))
	close(release)

	assert.Equal(t, Disconnected, b.Status().State)
	_, ok := sub.TryRecv()
	assert.False(t, ok)
}

func TestBase_NothingPublishedAfterHalt(t *testing.T) {
	b := NewBase("s1", KindTimer, Schema{})
	sub := b.Subscribe()

	publishing := make(chan struct{})
	var once sync.Once
	require.NoError(t, b.Launch(context.Background(), func(ctx context.Context, run *Run) {
		for ctx.Err() == nil {
			run.Publish(value.Int(1))
			once.Do(func() { close(publishing) })
		}
		for range 1000 {
			run.Publish(value.Int(2))
		}
	}))
	<-publishing
	require.NoError(t, b.Halt())

	for {
		if _, ok := sub.TryRecv(); !ok {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	_, ok := sub.TryRecv()
	assert.False(t, ok, "update published after Halt returned")
}

func TestBase_TaskExitKeepsLastStatus(t *testing.T) {
	b := NewBase("s1", KindWebSocket, Schema{})
	require.NoError(t, b.Launch(context.Background(), func(_ context.Context, run *Run) {
		run.SetStatus(Status{State: Error, Message: "gave up"})
	}))

	require.Eventually(t, func() bool { return !b.Running() }, time.Second, time.Millisecond)
	assert.Equal(t, Status{State: Error, Message: "gave up"}, b.Status())
	assert.Equal(t, "error: gave up", b.Status().String())
}

func TestBase_PublishFansOutAndCounts(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	b := NewBase("api", KindHTTP, Schema{}, WithMetrics(registry), WithBacklog(4))
	a, c := b.Subscribe(), b.Subscribe()

	b.Publish(value.String("x"))

	for _, sub := range []interface {
		Recv(context.Context) (Update, error)
	}{a, c} {
		u, err := sub.Recv(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "api", u.SourceID)
		assert.Equal(t, Full, u.Type)
		assert.Equal(t, value.String("x"), u.Data)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().SourceUpdates.WithLabelValues("api")))
}

func TestBase_CloseEndsSubscriptions(t *testing.T) {
	b := NewBase("s", KindTimer, Schema{})
	sub := b.Subscribe()
	b.Close()

	_, err := sub.Recv(context.Background())
	assert.Error(t, err)
}

func TestStatusAndKindStrings(t *testing.T) {
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "full", Full.String())
	assert.Equal(t, "partial", Partial.String())
	assert.Len(t, Kinds(), 7)
	assert.Equal(t, "connected", Status{State: Connected}.String())
}
