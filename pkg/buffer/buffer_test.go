package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dataflow/errors"
)

func TestCircularBuffer_BasicOperations(t *testing.T) {
	buf := NewCircularBuffer[string](3)

	for _, s := range []string{"first", "second", "third"} {
		dropped, err := buf.Write(s)
		require.NoError(t, err)
		assert.False(t, dropped)
	}
	assert.Equal(t, 3, buf.Size())
	assert.Equal(t, 3, buf.Capacity())

	item, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, "first", item)

	assert.Equal(t, []string{"second", "third"}, buf.ReadBatch(10))
	_, ok = buf.Read()
	assert.False(t, ok)
	assert.Nil(t, buf.ReadBatch(1))
}

func TestCircularBuffer_DropOldest(t *testing.T) {
	var dropped []int
	buf := NewCircularBuffer[int](2, WithDropCallback[int](func(i int) { dropped = append(dropped, i) }))

	for i := 1; i <= 5; i++ {
		_, err := buf.Write(i)
		require.NoError(t, err)
	}

	assert.Equal(t, []int{4, 5}, buf.ReadBatch(5))
	assert.Equal(t, []int{1, 2, 3}, dropped)
	assert.Equal(t, int64(3), buf.Drops())
	assert.Equal(t, int64(3), buf.TakeDropped())
	assert.Equal(t, int64(0), buf.TakeDropped())
	assert.Equal(t, int64(5), buf.Writes())
}

func TestCircularBuffer_DropNewest(t *testing.T) {
	buf := NewCircularBuffer[int](2, WithOverflowPolicy[int](DropNewest))

	for i := 1; i <= 4; i++ {
		_, err := buf.Write(i)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{1, 2}, buf.ReadBatch(5))
	assert.Equal(t, int64(2), buf.Drops())
}

func TestCircularBuffer_Close(t *testing.T) {
	buf := NewCircularBuffer[int](2)
	_, err := buf.Write(1)
	require.NoError(t, err)
	require.NoError(t, buf.Close())

	_, err = buf.Write(2)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
	assert.True(t, errors.IsInvalid(err))

	item, ok := buf.Read()
	assert.True(t, ok)
	assert.Equal(t, 1, item)
}

func TestCircularBuffer_Clear(t *testing.T) {
	buf := NewCircularBuffer[int](3)
	_, _ = buf.Write(1)
	_, _ = buf.Write(2)
	buf.Clear()
	assert.Equal(t, 0, buf.Size())
	_, _ = buf.Write(3)
	assert.Equal(t, []int{3}, buf.ReadBatch(3))
}

func TestCircularBuffer_ConcurrentWriters(t *testing.T) {
	buf := NewCircularBuffer[int](100)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = buf.Write(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, buf.Size())
	assert.Equal(t, int64(200), buf.Writes())
	assert.Equal(t, int64(100), buf.Drops())
}

func TestOverflowPolicy_String(t *testing.T) {
	assert.Equal(t, "DropOldest", DropOldest.String())
	assert.Equal(t, "DropNewest", DropNewest.String())
	assert.Equal(t, "Unknown", OverflowPolicy(9).String())
}
