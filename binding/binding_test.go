package binding

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dataflow/datapath"
	"github.com/c360/dataflow/repository"
	"github.com/c360/dataflow/value"
)

func change(path string, v value.Value) repository.Change {
	return repository.Change{Path: datapath.Parse(path), NewValue: &v, Timestamp: time.Now()}
}

type fakeClock struct{ t time.Time }

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0)} }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestOnDataChanged_Deduplicates(t *testing.T) {
	s := NewSystem()
	target := Target{ComponentID: "label", Property: "text"}
	id := s.Create("data.sensor.temperature", target, Config{})

	first := s.OnDataChanged(change("data.sensor.temperature", value.Float(23.5)))
	require.Len(t, first, 1)
	assert.Equal(t, Update{BindingID: id, Target: target, Value: value.Float(23.5)}, first[0])

	assert.Empty(t, s.OnDataChanged(change("data.sensor.temperature", value.Float(23.5))))
	assert.Len(t, s.OnDataChanged(change("data.sensor.temperature", value.Float(24))), 1)
}

func TestOnDataChanged_LiteralPathOnly(t *testing.T) {
	s := NewSystem()
	s.Create("data.sensor.temperature", Target{"a", "b"}, Config{})

	assert.Empty(t, s.OnDataChanged(change("data.sensor", value.ObjectOf(value.Pair("temperature", value.Int(1))))))
	assert.Empty(t, s.OnDataChanged(change("data.sensor.humidity", value.Int(1))))
}

func TestOnDataChanged_OneTime(t *testing.T) {
	s := NewSystem()
	s.Create("var.title", Target{"header", "text"}, Config{Mode: OneTime})

	total := 0
	for i := 0; i < 5; i++ {
		total += len(s.OnDataChanged(change("var.title", value.Int(int64(i)))))
	}
	assert.Equal(t, 1, total)
}

func TestOnDataChanged_DeleteBecomesNull(t *testing.T) {
	s := NewSystem()
	s.Create("var.x", Target{"c", "p"}, Config{})
	s.OnDataChanged(change("var.x", value.Int(1)))

	updates := s.OnDataChanged(repository.Change{Path: datapath.Parse("var.x")})
	require.Len(t, updates, 1)
	assert.True(t, updates[0].Value.IsNull())
}

func TestOnDataChanged_Transform(t *testing.T) {
	s := NewSystem()
	s.Create("data.api", Target{"temp", "text"}, Config{Transform: "reading.temp"})
	s.Create("data.api", Target{"unit", "text"}, Config{Transform: "value °C"})

	updates := s.OnDataChanged(change("data.api", value.ObjectOf(
		value.Pair("reading", value.ObjectOf(value.Pair("temp", value.Float(21.5)))),
	)))
	require.Len(t, updates, 2)
	byTarget := map[string]value.Value{}
	for _, u := range updates {
		byTarget[u.Target.ComponentID] = u.Value
	}
	assert.Equal(t, value.Float(21.5), byTarget["temp"])
	assert.Equal(t, value.String(`{"reading":{"temp":21.5}} °C`), byTarget["unit"])
}

func TestOnSubtreeChanged(t *testing.T) {
	s := NewSystem()
	temp := s.Create("data.sensor.temperature", Target{"t", "text"}, Config{})
	s.Create("data.sensor.readings[1]", Target{"r", "text"}, Config{})
	s.Create("data.other.x", Target{"o", "text"}, Config{})

	updates := s.OnSubtreeChanged(change("data.sensor", value.ObjectOf(
		value.Pair("temperature", value.Float(23.5)),
		value.Pair("readings", value.Array(value.Int(1), value.Int(2))),
	)))
	require.Len(t, updates, 2)
	got := map[ID]value.Value{}
	for _, u := range updates {
		got[u.BindingID] = u.Value
	}
	assert.Equal(t, value.Float(23.5), got[temp])

	// same subtree again: nothing changed below
	assert.Empty(t, s.OnSubtreeChanged(change("data.sensor", value.ObjectOf(
		value.Pair("temperature", value.Float(23.5)),
		value.Pair("readings", value.Array(value.Int(1), value.Int(2))),
	))))

	updates = s.OnSubtreeChanged(change("data.sensor", value.EmptyObject()))
	require.Len(t, updates, 2)
	for _, u := range updates {
		assert.True(t, u.Value.IsNull(), "missing field is Null")
	}
}

func TestCreate_TargetIndexLastWins(t *testing.T) {
	s := NewSystem()
	target := Target{"input", "value"}
	first := s.Create("var.a", target, Config{Mode: TwoWay})
	second := s.Create("var.b", target, Config{Mode: TwoWay})
	assert.NotEqual(t, first, second)

	id, ok := s.ForTarget(target)
	require.True(t, ok)
	assert.Equal(t, second, id)

	path, _, err := s.OnUIChanged(target, value.String("x"))
	require.NoError(t, err)
	assert.Equal(t, "var.b", path)

	// the first binding still receives data changes
	assert.Len(t, s.OnDataChanged(change("var.a", value.Int(1))), 1)
	assert.Equal(t, 2, s.Len())

	assert.True(t, s.Remove(second))
	_, ok = s.ForTarget(target)
	assert.False(t, ok)
	assert.False(t, s.Remove(second))
	assert.Empty(t, s.OnDataChanged(change("var.b", value.Int(1))))
}

func TestOnUIChanged(t *testing.T) {
	s := NewSystem()
	s.Create("var.name", Target{"field", "text"}, Config{Mode: TwoWay, InverseTransform: "user:value"})
	s.Create("var.ro", Target{"label", "text"}, Config{})

	path, v, err := s.OnUIChanged(Target{"field", "text"}, value.String("ada"))
	require.NoError(t, err)
	assert.Equal(t, "var.name", path)
	assert.Equal(t, value.String("user:ada"), v)

	_, _, err = s.OnUIChanged(Target{"label", "text"}, value.String("x"))
	assert.ErrorIs(t, err, ErrInvalidMode)

	_, _, err = s.OnUIChanged(Target{"nope", "text"}, value.String("x"))
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestOnUIChanged_SuppressesEcho(t *testing.T) {
	s := NewSystem()
	s.Create("var.name", Target{"field", "text"}, Config{Mode: TwoWay})

	path, v, err := s.OnUIChanged(Target{"field", "text"}, value.String("ada"))
	require.NoError(t, err)
	assert.Empty(t, s.OnDataChanged(change(path, v)))
}

func TestThrottle(t *testing.T) {
	clock := newClock()
	s := NewSystem(WithClock(clock.now))
	s.Create("var.n", Target{"c", "p"}, Config{Throttle: 100 * time.Millisecond})

	assert.Len(t, s.OnDataChanged(change("var.n", value.Int(1))), 1)

	clock.advance(10 * time.Millisecond)
	assert.Empty(t, s.OnDataChanged(change("var.n", value.Int(2))))
	assert.Empty(t, s.OnDataChanged(change("var.n", value.Int(3))))
	assert.Empty(t, s.Flush(), "window still open")

	clock.advance(100 * time.Millisecond)
	flushed := s.Flush()
	require.Len(t, flushed, 1)
	assert.Equal(t, value.Int(3), flushed[0].Value, "latest held value wins")
	assert.Empty(t, s.Flush())
}

func TestThrottle_HeldValueEqualToShownIsDropped(t *testing.T) {
	clock := newClock()
	s := NewSystem(WithClock(clock.now))
	s.Create("var.n", Target{"c", "p"}, Config{Throttle: time.Second})

	require.Len(t, s.OnDataChanged(change("var.n", value.Int(1))), 1)

	clock.advance(100 * time.Millisecond)
	assert.Empty(t, s.OnDataChanged(change("var.n", value.Int(2))))
	clock.advance(100 * time.Millisecond)
	assert.Empty(t, s.OnDataChanged(change("var.n", value.Int(1))))

	clock.advance(2 * time.Second)
	assert.Empty(t, s.Flush(), "target already shows 1")

	assert.Len(t, s.OnDataChanged(change("var.n", value.Int(2))), 1)
}

func TestTryPropagate(t *testing.T) {
	clock := newClock()
	s := NewSystem(WithClock(clock.now))
	s.Create("data.api.status", Target{"s", "text"}, Config{})
	s.Create("var.n", Target{"n", "text"}, Config{Throttle: time.Second})

	s.OnDataChanged(change("var.n", value.Int(1)))
	s.OnDataChanged(change("var.n", value.Int(2)))
	clock.advance(2 * time.Second)

	updates, ok := s.TryPropagate([]repository.Change{
		change("data.api", value.ObjectOf(value.Pair("status", value.String("ok")))),
	})
	require.True(t, ok)
	assert.Len(t, updates, 2, "subtree change plus the due throttled value")

	s.mu.Lock()
	_, ok = s.TryPropagate(nil)
	s.mu.Unlock()
	assert.False(t, ok)
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": OneWay, "one_way": OneWay, "TwoWay": TwoWay, "one_time": OneTime} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("sideways")
	assert.Error(t, err)

	var m Mode
	require.NoError(t, m.UnmarshalText([]byte("two_way")))
	assert.Equal(t, TwoWay, m)
}

func TestSinkFunc(t *testing.T) {
	var got []string
	sink := SinkFunc(func(componentID, property string, v value.Value) error {
		got = append(got, componentID+"."+property+"="+v.Text())
		return nil
	})
	require.NoError(t, sink.SetProperty("label", "text", value.Int(3)))
	assert.Equal(t, []string{"label.text=3"}, got)
}
