package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dataflow/datapath"
	"github.com/c360/dataflow/errors"
	"github.com/c360/dataflow/metric"
	"github.com/c360/dataflow/value"
)

func recv(t *testing.T, r interface {
	Recv(context.Context) (Change, error)
}) Change {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := r.Recv(ctx)
	require.NoError(t, err)
	return c
}

func TestNew_Namespaces(t *testing.T) {
	r := New()
	for _, ns := range []string{NamespaceData, NamespaceState, NamespaceVar} {
		v, ok := r.GetString(ns)
		require.True(t, ok, ns)
		assert.True(t, value.EmptyObject().Equal(v))
	}
}

func TestSetGet(t *testing.T) {
	r := New()
	sub := r.Subscribe()

	require.NoError(t, r.SetString("var.user.name", value.String("ada")))
	got, ok := r.GetString("var.user.name")
	require.True(t, ok)
	assert.Equal(t, value.String("ada"), got)

	c := recv(t, sub)
	assert.Equal(t, "var.user.name", c.Path.String())
	assert.Nil(t, c.OldValue)
	require.NotNil(t, c.NewValue)
	assert.Equal(t, value.String("ada"), *c.NewValue)

	require.NoError(t, r.SetString("var.user.name", value.String("grace")))
	c = recv(t, sub)
	require.NotNil(t, c.OldValue)
	assert.Equal(t, value.String("ada"), *c.OldValue)
	assert.Equal(t, value.String("grace"), *c.NewValue)
}

func TestGet_ReturnsCopy(t *testing.T) {
	r := New()
	require.NoError(t, r.SetString("state.list", value.Array(value.Int(1))))

	got, _ := r.GetString("state.list")
	*got.Index(0) = value.Int(99)

	again, _ := r.GetString("state.list")
	assert.True(t, value.Array(value.Int(1)).Equal(again))
}

func TestDelete_StoresNull(t *testing.T) {
	r := New()
	require.NoError(t, r.SetString("var.x", value.Int(5)))
	sub := r.Subscribe()

	require.NoError(t, r.Delete(datapath.Parse("var.x")))
	got, ok := r.GetString("var.x")
	require.True(t, ok, "key is kept")
	assert.True(t, got.IsNull())

	c := recv(t, sub)
	assert.True(t, c.IsDelete())
	require.NotNil(t, c.OldValue)
	assert.Equal(t, value.Int(5), *c.OldValue)
}

func TestSet_Errors(t *testing.T) {
	r := New()
	require.NoError(t, r.SetString("var.n", value.Int(1)))

	err := r.SetString("var.n.inner", value.Int(2))
	assert.ErrorIs(t, err, datapath.ErrTypeMismatch)
	assert.True(t, errors.IsInvalid(err))

	assert.ErrorIs(t, r.SetString("", value.Int(1)), datapath.ErrInvalidPath)
	assert.ErrorIs(t, r.SetString("var.*", value.Int(1)), datapath.ErrInvalidPath)

	_, ok := r.GetString("var.*")
	assert.False(t, ok)
}

func TestSet_FailedWriteLeavesNoTrace(t *testing.T) {
	r := New()
	sub := r.Subscribe()
	defer sub.Close()

	err := r.SetString("data.fresh.0", value.Int(1))
	require.ErrorIs(t, err, datapath.ErrTypeMismatch)

	_, ok := r.GetString("data.fresh")
	assert.False(t, ok)
	_, ok = sub.TryRecv()
	assert.False(t, ok, "failed write emitted a change")
}

func TestUpdateAndMergeFromSource(t *testing.T) {
	r := New()
	require.NoError(t, r.UpdateFromSource("api", value.ObjectOf(
		value.Pair("a", value.Int(1)),
		value.Pair("b", value.ObjectOf(value.Pair("x", value.Int(1)))),
	)))

	require.NoError(t, r.MergeFromSource("api", value.ObjectOf(
		value.Pair("b", value.ObjectOf(value.Pair("y", value.Int(2)))),
		value.Pair("c", value.Bool(true)),
	)))
	got, _ := r.GetString("data.api")
	want := value.ObjectOf(
		value.Pair("a", value.Int(1)),
		value.Pair("b", value.ObjectOf(value.Pair("y", value.Int(2)))),
		value.Pair("c", value.Bool(true)),
	)
	assert.True(t, want.Equal(got), "shallow merge replaces nested objects, got %s", got)

	require.NoError(t, r.MergeFromSource("api", value.Int(7)))
	got, _ = r.GetString("data.api")
	assert.Equal(t, value.Int(7), got)

	require.NoError(t, r.MergeFromSource("fresh", value.ObjectOf(value.Pair("k", value.Int(1)))))
	got, _ = r.GetString("data.fresh.k")
	assert.Equal(t, value.Int(1), got)
}

func TestTryGet_Contended(t *testing.T) {
	r := New()
	require.NoError(t, r.SetString("var.x", value.Int(1)))

	v, ok, err := r.TryGet(datapath.Parse("var.x"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, value.Int(1), v)

	r.mu.Lock()
	_, _, err = r.TryGet(datapath.Parse("var.x"))
	r.mu.Unlock()
	assert.ErrorIs(t, err, ErrLockContended)
}

func TestChanges_WriterOrderPreserved(t *testing.T) {
	r := New(WithBacklog(1024))
	sub := r.Subscribe()

	const writers, perWriter = 4, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = r.SetString("var.counter", value.Int(int64(i)))
			}
		}()
	}
	wg.Wait()

	// each change's OldValue is the previous change's NewValue
	var prev *value.Value
	for i := 0; i < writers*perWriter; i++ {
		c := recv(t, sub)
		if prev != nil {
			require.NotNil(t, c.OldValue)
			assert.Equal(t, *prev, *c.OldValue)
		}
		prev = c.NewValue
	}
	final, _ := r.GetString("var.counter")
	assert.Equal(t, *prev, final)
}

func TestSubscribe_SlowSubscriberLags(t *testing.T) {
	r := New(WithBacklog(2))
	sub := r.Subscribe()
	for i := 0; i < 5; i++ {
		require.NoError(t, r.SetString("var.i", value.Int(int64(i))))
	}
	assert.Equal(t, int64(3), sub.Lagged())
	c := recv(t, sub)
	assert.Equal(t, value.Int(3), *c.NewValue)
}

func TestMetrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	r := New(WithMetrics(reg))
	require.NoError(t, r.SetString("var.a", value.Int(1)))
	require.NoError(t, r.Delete(datapath.Parse("var.a")))
	assert.Equal(t, float64(2), testutil.ToFloat64(reg.Metrics.RepositoryChanges))
}

func TestStores(t *testing.T) {
	r := New()
	mem := NewMemoryStore(0)
	t.Cleanup(mem.Close)

	require.NoError(t, r.RegisterStore("session", mem))
	assert.ErrorIs(t, r.RegisterStore("session", mem), errors.ErrAlreadyExists)
	assert.Error(t, r.RegisterStore("", mem))
	require.NoError(t, r.RegisterStore("cache", NewMemoryStore(0)))
	assert.Equal(t, []string{"cache", "session"}, r.Stores())

	s, ok := r.Store("session")
	require.True(t, ok)
	_, ok = r.Store("missing")
	assert.False(t, ok)

	sub := r.Subscribe()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "token", value.String("abc")))
	_, ok = sub.TryRecv()
	assert.False(t, ok, "stores do not touch the tree")
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	t.Cleanup(s.Close)

	require.NoError(t, s.Set(ctx, "b", value.Int(2)))
	require.NoError(t, s.Set(ctx, "a", value.ObjectOf(value.Pair("k", value.Int(1)))))

	got, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	obj, _ := got.AsObject()
	obj.Set("k", value.Int(9))
	again, _, _ := s.Get(ctx, "a")
	assert.True(t, value.ObjectOf(value.Pair("k", value.Int(1))).Equal(again))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, s.Delete(ctx, "a"))
	_, ok, _ = s.Get(ctx, "a")
	assert.False(t, ok)

	require.NoError(t, s.Clear(ctx))
	keys, _ = s.Keys(ctx)
	assert.Empty(t, keys)
}

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(30 * time.Millisecond)
	t.Cleanup(s.Close)

	require.NoError(t, s.Set(ctx, "k", value.Int(1)))
	_, ok, _ := s.Get(ctx, "k")
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok, _ := s.Get(ctx, "k")
		return !ok
	}, time.Second, 10*time.Millisecond)
}
