package engine

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dataflow/action"
	"github.com/c360/dataflow/binding"
	"github.com/c360/dataflow/datapath"
	"github.com/c360/dataflow/errors"
	"github.com/c360/dataflow/metric"
	"github.com/c360/dataflow/repository"
	"github.com/c360/dataflow/source"
	"github.com/c360/dataflow/transform"
	"github.com/c360/dataflow/value"
)

// fakeSource publishes whatever the test hands it.
type fakeSource struct {
	*source.Base
	startErr error
	refresh  value.Value
}

func newFakeSource(id string) *fakeSource {
	return &fakeSource{Base: source.NewBase(id, source.KindHTTP, source.Schema{})}
}

func (f *fakeSource) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	return f.Launch(ctx, func(ctx context.Context, run *source.Run) {
		run.SetStatus(source.Status{State: source.Connected})
		<-ctx.Done()
	})
}

func (f *fakeSource) Stop() error { return f.Halt() }

func (f *fakeSource) Refresh(context.Context) error {
	f.Publish(f.refresh)
	return nil
}

type recordingSink struct {
	mu      sync.Mutex
	updates []binding.Update
}

func (s *recordingSink) SetProperty(componentID, property string, v value.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, binding.Update{
		Target: binding.Target{ComponentID: componentID, Property: property},
		Value:  v,
	})
	return nil
}

func (s *recordingSink) snapshot() []binding.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]binding.Update(nil), s.updates...)
}

func mustJSON(t *testing.T, s string) value.Value {
	t.Helper()
	v, err := value.FromJSON([]byte(s))
	require.NoError(t, err)
	return v
}

func runEngine(t *testing.T, e *Engine) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	t.Cleanup(func() {
		e.Shutdown()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
}

func TestProcessUpdate_FullWritesSourceSubtree(t *testing.T) {
	e := New(Config{})

	require.NoError(t, e.ProcessUpdate(context.Background(), source.FullUpdate("api", mustJSON(t, `{"temp":23.5}`))))

	got, ok := e.Repository().GetString("data.api.temp")
	require.True(t, ok)
	assert.True(t, value.Float(23.5).Equal(got))
}

func TestProcessUpdate_PipelineFailureDropsUpdate(t *testing.T) {
	e := New(Config{})
	require.NoError(t, e.ProcessUpdate(context.Background(), source.FullUpdate("api", value.Int(1))))

	e.SetPipeline("api", transform.NewPipeline(
		transform.Func("explode", func(value.Value, transform.Context) (value.Value, error) {
			return value.Value{}, assert.AnError
		}),
	))
	err := e.ProcessUpdate(context.Background(), source.FullUpdate("api", value.Int(2)))
	require.Error(t, err)

	var pe *transform.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "explode", pe.Name)
	assert.True(t, errors.IsInvalid(err))

	got, _ := e.Repository().GetString("data.api")
	assert.True(t, value.Int(1).Equal(got), "repository keeps the previous value")

	assert.True(t, e.RemovePipeline("api"))
	require.NoError(t, e.ProcessUpdate(context.Background(), source.FullUpdate("api", value.Int(3))))
	got, _ = e.Repository().GetString("data.api")
	assert.True(t, value.Int(3).Equal(got))
}

func TestProcessUpdate_PipelineStages(t *testing.T) {
	e := New(Config{})
	stages := []transform.StageConfig{
		{Type: "filter", Params: mustJSON(t, `{"field":"ok","value":true}`)},
		{Type: "take", Params: mustJSON(t, `{"n":1}`)},
	}
	require.NoError(t, e.SetPipelineStages("list", stages))

	require.NoError(t, e.ProcessUpdate(context.Background(),
		source.FullUpdate("list", mustJSON(t, `[{"ok":false,"n":1},{"ok":true,"n":2},{"ok":true,"n":3}]`))))

	got, _ := e.Repository().GetString("data.list")
	assert.True(t, mustJSON(t, `[{"ok":true,"n":2}]`).Equal(got))

	err := e.SetPipelineStages("list", []transform.StageConfig{{Type: "nope"}})
	assert.True(t, errors.IsInvalid(err))
}

func TestProcessUpdate_PartialMerges(t *testing.T) {
	e := New(Config{})
	ctx := context.Background()

	require.NoError(t, e.ProcessUpdate(ctx, source.FullUpdate("dev", mustJSON(t, `{"a":1,"b":2}`))))
	require.NoError(t, e.ProcessUpdate(ctx, source.PartialUpdate("dev", mustJSON(t, `{"b":3,"c":4}`))))

	got, _ := e.Repository().GetString("data.dev")
	assert.True(t, mustJSON(t, `{"a":1,"b":3,"c":4}`).Equal(got))
}

func TestProcessUpdate_CanceledContext(t *testing.T) {
	e := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, e.ProcessUpdate(ctx, source.FullUpdate("api", value.Int(1))), context.Canceled)
}

func TestSourceRegistry(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	e := New(Config{}, WithMetrics(registry))

	require.NoError(t, e.RegisterSource(newFakeSource("b")))
	require.NoError(t, e.RegisterSource(newFakeSource("a")))

	err := e.RegisterSource(newFakeSource("a"))
	assert.ErrorIs(t, err, errors.ErrAlreadyExists)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, e.RegisterSource(nil), errors.ErrMissingConfig)

	require.NoError(t, e.SetPipelineStages("a", []transform.StageConfig{{Type: "take", Params: mustJSON(t, `{"n":1}`)}}))

	infos := e.Sources()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].ID)
	assert.Equal(t, []string{"take"}, infos[0].Stages)
	assert.Equal(t, source.Disconnected, infos[0].Status.State)
	assert.Equal(t, float64(2), testutil.ToFloat64(e.metrics.sources))

	require.NoError(t, e.UnregisterSource("a"))
	assert.False(t, e.RemovePipeline("a"), "pipeline removed with its source")
	assert.ErrorIs(t, e.UnregisterSource("a"), errors.ErrNotFound)
	assert.ErrorIs(t, e.StartSource(context.Background(), "a"), errors.ErrNotFound)

	_, ok := e.Source("b")
	assert.True(t, ok)
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.sources))
}

func TestStartAllStopAll(t *testing.T) {
	e := New(Config{})
	good := newFakeSource("good")
	bad := newFakeSource("bad")
	bad.startErr = stderrors.New("refused")
	require.NoError(t, e.RegisterSource(good))
	require.NoError(t, e.RegisterSource(bad))

	failed := e.StartAll(context.Background())
	require.Len(t, failed, 1)
	assert.EqualError(t, failed["bad"], "refused")

	require.Eventually(t, func() bool { return good.Status().State == source.Connected }, time.Second, time.Millisecond)

	assert.Empty(t, e.StopAll())
	assert.Equal(t, source.Disconnected, good.Status().State)
}

func TestRun_PropagatesToSink(t *testing.T) {
	sink := &recordingSink{}
	e := New(Config{TickInterval: 5 * time.Millisecond}, WithPropertySink(sink))
	src := newFakeSource("api")
	require.NoError(t, e.RegisterSource(src))

	target := binding.Target{ComponentID: "label", Property: "text"}
	e.Bindings().Create("data.api.temp", target, binding.Config{Mode: binding.OneWay})

	runEngine(t, e)

	src.Publish(mustJSON(t, `{"temp":23.5}`))
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// same value again is not re-delivered
	src.Publish(mustJSON(t, `{"temp":23.5}`))
	src.Publish(mustJSON(t, `{"temp":24}`))
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)

	updates := sink.snapshot()
	assert.Equal(t, target, updates[0].Target)
	assert.True(t, value.Float(23.5).Equal(updates[0].Value))
	assert.True(t, value.Int(24).Equal(updates[1].Value))
}

func TestRun_SourceRegisteredWhileRunning(t *testing.T) {
	e := New(Config{TickInterval: 5 * time.Millisecond})
	runEngine(t, e)

	src := newFakeSource("late")
	src.refresh = value.String("hello")
	require.NoError(t, e.RegisterSource(src))
	require.NoError(t, e.RefreshSource(context.Background(), "late"))

	require.Eventually(t, func() bool {
		got, ok := e.Repository().GetString("data.late")
		return ok && value.String("hello").Equal(got)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRun_DispatchesActions(t *testing.T) {
	e := New(Config{TickInterval: 5 * time.Millisecond})

	var (
		mu    sync.Mutex
		seen  []string
		paths []string
	)
	require.NoError(t, e.Actions().Register(action.Func("record", func(_ context.Context, params value.Value, ac action.Context) (value.Value, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ac.TriggerID)
		paths = append(paths, ac.Change.Path.String())
		return value.Null(), nil
	})))
	require.NoError(t, e.Actions().AddTrigger(action.Trigger{
		ID:        "hot",
		Condition: action.OnThreshold("data.sensor.temp", value.Int(30), action.Above),
		Action:    "record",
	}))
	require.NoError(t, e.Actions().AddTrigger(action.Trigger{
		ID:        "any",
		Condition: action.OnAnyUpdate("data.*"),
		Action:    "record",
	}))

	runEngine(t, e)

	repo := e.Repository()
	require.NoError(t, repo.SetString("data.sensor.temp", value.Int(25)))
	require.NoError(t, repo.SetString("data.sensor.temp", value.Int(35)))
	require.NoError(t, repo.SetString("data.other", value.Bool(true)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hot", "any"}, seen)
	assert.Equal(t, []string{"data.sensor.temp", "data.other"}, paths)
}

func TestRun_SubtreeTriggerFiresOnSourceUpdate(t *testing.T) {
	e := New(Config{TickInterval: 5 * time.Millisecond})

	fired := make(chan action.Context, 4)
	require.NoError(t, e.Actions().Register(action.Func("record", func(_ context.Context, _ value.Value, ac action.Context) (value.Value, error) {
		fired <- ac
		return value.Null(), nil
	})))
	cond := action.OnThreshold("data.sensor.temp", value.Int(30), action.Above)
	cond.Subtree = true
	require.NoError(t, e.Actions().AddTrigger(action.Trigger{ID: "hot", Condition: cond, Action: "record"}))

	runEngine(t, e)

	ctx := context.Background()
	reading := func(temp int64) value.Value {
		return value.ObjectOf(value.Pair("temp", value.Int(temp)))
	}
	require.NoError(t, e.ProcessUpdate(ctx, source.FullUpdate("sensor", reading(25))))
	require.NoError(t, e.ProcessUpdate(ctx, source.FullUpdate("sensor", reading(35))))

	select {
	case ac := <-fired:
		assert.Equal(t, "hot", ac.TriggerID)
		assert.Equal(t, "data.sensor", ac.Change.Path.String())
	case <-time.After(2 * time.Second):
		t.Fatal("subtree trigger did not fire")
	}
	assert.Empty(t, fired)
}

func TestRun_TwiceFails(t *testing.T) {
	e := New(Config{})
	runEngine(t, e)

	require.Eventually(t, func() bool { return e.running.Load() }, time.Second, time.Millisecond)
	assert.ErrorIs(t, e.Run(context.Background()), errors.ErrAlreadyStarted)
}

func TestRun_ContextCancelStops(t *testing.T) {
	e := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestOnUIChanged_WritesBack(t *testing.T) {
	e := New(Config{})
	target := binding.Target{ComponentID: "form", Property: "name"}
	e.Bindings().Create("state.user.name", target, binding.Config{Mode: binding.TwoWay})

	require.NoError(t, e.OnUIChanged(target, value.String("ada")))
	got, ok := e.Repository().GetString("state.user.name")
	require.True(t, ok)
	assert.True(t, value.String("ada").Equal(got))

	other := binding.Target{ComponentID: "label", Property: "text"}
	e.Bindings().Create("data.x", other, binding.Config{Mode: binding.OneWay})
	assert.ErrorIs(t, e.OnUIChanged(other, value.Int(1)), binding.ErrInvalidMode)
}

func TestMarkDirty_LatestPerPath(t *testing.T) {
	change := func(path string, n int64) repository.Change {
		v := value.Int(n)
		return repository.Change{Path: datapath.Parse(path), NewValue: &v}
	}

	var dirty []repository.Change
	dirty = markDirty(dirty, change("data.a", 1))
	dirty = markDirty(dirty, change("data.b", 1))
	dirty = markDirty(dirty, change("data.a", 2))

	require.Len(t, dirty, 2)
	assert.Equal(t, "data.b", dirty[0].Path.String())
	assert.Equal(t, "data.a", dirty[1].Path.String())
	assert.True(t, value.Int(2).Equal(*dirty[1].NewValue))
}
