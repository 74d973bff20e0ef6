//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dataflow/natsclient"
	"github.com/c360/dataflow/value"
)

func TestKVStore_Integration(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := NewKVStore(ctx, tc.Client, "dataflow_test_store")
	require.NoError(t, err)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	doc := value.ObjectOf(
		value.Pair("temp", value.Float(21.5)),
		value.Pair("tags", value.Array(value.String("a"), value.String("b"))),
	)
	require.NoError(t, store.Set(ctx, "sensor1", doc))
	require.NoError(t, store.Set(ctx, "sensor2", value.Int(3)))

	got, ok, err := store.Get(ctx, "sensor1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, doc.Equal(got), "got %s", got)

	_, ok, err = store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err = store.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sensor1", "sensor2"}, keys)

	require.NoError(t, store.Delete(ctx, "sensor2"))
	_, ok, err = store.Get(ctx, "sensor2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Clear(ctx))
	keys, err = store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	r := New()
	require.NoError(t, r.RegisterStore("kv", store))
	s, ok := r.Store("kv")
	require.True(t, ok)
	require.NoError(t, s.Set(ctx, "x", value.Bool(true)))
}
