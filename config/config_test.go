package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dataflow/action"
	"github.com/c360/dataflow/binding"
	"github.com/c360/dataflow/errors"
	"github.com/c360/dataflow/source"
	"github.com/c360/dataflow/value"
)

const fullYAML = `
version: "1.0.0"
engine:
  tick_interval: 50ms
  action_workers: 2
nats:
  url: nats://localhost:4222
stores:
  - {name: cache, kind: memory, ttl: 1m}
  - {name: shared, kind: kv, bucket: dataflow_shared}
sources:
  - id: api
    kind: http
    config: {url: "http://localhost:8080/temp", interval: 5s}
    pipeline:
      - {type: select, fields: [temp]}
  - id: clock
    kind: timer
    config: {interval: 1s}
bindings:
  - source: data.api.temp
    target: {component_id: label, property: text}
    transform: "value °C"
    throttle: 100ms
  - source: state.form.name
    target: {component_id: form, property: name}
    mode: two_way
triggers:
  - id: hot
    condition: {kind: threshold, path: data.api.temp, threshold: 30, direction: above, subtree: true}
    action: webhook
    params: {url: "http://localhost:9000/hook"}
    debounce: 2s
  - id: tick
    condition: {kind: any_update, path: "data.*"}
    action: log
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "dataflow.yaml", fullYAML))
	require.NoError(t, err)

	assert.Equal(t, "1.0.0", cfg.Version)
	assert.Equal(t, 50*time.Millisecond, cfg.Engine.TickInterval.Std())
	assert.Equal(t, 2, cfg.Engine.ActionWorkers)
	assert.Equal(t, 1024, cfg.Engine.ActionQueueSize, "defaults fill omitted fields")
	assert.Equal(t, 5*time.Second, cfg.Engine.ShutdownTimeout.Std())
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.True(t, cfg.Server.Metrics)

	require.Len(t, cfg.Stores, 2)
	assert.Equal(t, time.Minute, cfg.Stores[0].TTL.Std())
	assert.Equal(t, "dataflow_shared", cfg.Stores[1].Bucket)

	require.Len(t, cfg.Sources, 2)
	api, ok := cfg.Source("api")
	require.True(t, ok)
	assert.Equal(t, source.KindHTTP, api.Kind)
	assert.JSONEq(t, `{"url":"http://localhost:8080/temp","interval":"5s"}`, string(api.Config))
	require.Len(t, api.Pipeline, 1)
	assert.Equal(t, "select", api.Pipeline[0].Type)

	require.Len(t, cfg.Bindings, 2)
	path, target, bc := cfg.Bindings[0].Binding()
	assert.Equal(t, "data.api.temp", path)
	assert.Equal(t, binding.Target{ComponentID: "label", Property: "text"}, target)
	assert.Equal(t, binding.OneWay, bc.Mode)
	assert.Equal(t, 100*time.Millisecond, bc.Throttle)
	assert.Equal(t, binding.TwoWay, cfg.Bindings[1].Mode)

	require.Len(t, cfg.Triggers, 2)
	hot, err := cfg.Triggers[0].Trigger()
	require.NoError(t, err)
	assert.Equal(t, action.Threshold, hot.Condition.Kind)
	assert.Equal(t, action.Above, hot.Condition.Direction)
	assert.True(t, hot.Condition.Subtree)
	assert.True(t, value.Int(30).Equal(hot.Condition.Threshold))
	assert.Equal(t, 2*time.Second, hot.Debounce)
	u, ok := hot.Params.Field("url")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:9000/hook", u.Text())

	tick, err := cfg.Triggers[1].Trigger()
	require.NoError(t, err)
	assert.Equal(t, action.AnyUpdate, tick.Condition.Kind)
	assert.True(t, tick.Condition.Path.HasWildcard())
	assert.False(t, tick.Condition.Subtree)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "dataflow.json", `{
		"sources": [{"id": "clock", "kind": "timer", "config": {"interval": "1s"}}],
		"server": {"addr": ":8081"}
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8081", cfg.Server.Addr)
	assert.True(t, cfg.Server.Metrics, "unset fields keep their default")
	assert.Len(t, cfg.Sources, 1)
}

func TestLoad_EmptyYAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "empty.yml", ""))
	require.NoError(t, err)
	assert.Empty(t, cfg.Sources)
	assert.Equal(t, 1, cfg.Engine.ActionWorkers)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{"unknown extension", "dataflow.toml", `x = 1`, "unsupported config file extension"},
		{"unknown top-level key", "bad.json", `{"platform": {}}`, "platform"},
		{"unknown source kind", "bad.yaml", "sources: [{id: a, kind: ftp}]", "kind"},
		{"bad duration", "bad.yaml", "engine: {tick_interval: soon}", "tick_interval"},
		{"missing trigger action", "bad.yaml", "triggers: [{id: t, condition: {kind: any, path: data.a}}]", "action"},
		{"duplicate source", "bad.yaml", "sources: [{id: a, kind: timer}, {id: a, kind: timer}]", "duplicate source id"},
		{"kv store without nats", "bad.yaml", "stores: [{name: s, kind: kv, bucket: b}]", "needs nats.url"},
		{"threshold without value", "bad.yaml", "triggers: [{id: t, action: log, condition: {kind: threshold, path: data.a}}]", "threshold value"},
		{"wildcard binding", "bad.yaml", "bindings: [{source: 'data.*', target: {component_id: c, property: p}}]", "wildcards"},
		{"broken yaml", "bad.yaml", "sources: [", "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.body))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), "got %v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot stat config file")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATAFLOW_NATS_URL", "nats://override:4222")
	t.Setenv("DATAFLOW_SERVER_ADDR", "")

	cfg, err := Parse([]byte(`{"nats": {"url": "nats://file:4222"}}`), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "nats://override:4222", cfg.NATS.URL)
	assert.Equal(t, ":9090", cfg.Server.Addr, "empty variables are ignored")

	cfg = Default()
	err = applyEnvOverrides(cfg, func(string) (string, bool) { return "a\x00b", true })
	assert.ErrorContains(t, err, "null byte")
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Sources = []SourceConfig{{ID: "", Kind: "timer"}, {ID: "x", Kind: "bogus"}}
	cfg.Triggers = []TriggerConfig{{ID: "t", Action: "log", Condition: ConditionConfig{Kind: "sometimes"}}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	for _, want := range []string{"id is required", "unknown source kind", "unknown condition"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(Default())

	got := sc.Get()
	got.Server.Addr = ":1"
	assert.Equal(t, ":9090", sc.Get().Server.Addr, "Get returns a copy")

	bad := Default()
	bad.Stores = []StoreConfig{{Name: "s", Kind: "disk"}}
	assert.Error(t, sc.Update(bad))
	assert.ErrorIs(t, sc.Update(nil), errors.ErrMissingConfig)

	next := Default()
	next.Server.Addr = ":2"
	require.NoError(t, sc.Update(next))
	assert.Equal(t, ":2", sc.Get().Server.Addr)
}

func TestString_MasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.NATS.Password = "hunter2"
	cfg.NATS.Token = "tok"

	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, `"tok"`)
	assert.True(t, strings.Contains(out, `"***"`))
	assert.Equal(t, "hunter2", cfg.NATS.Password, "original untouched")
}

func TestClone_RoundTripsSources(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML), FormatYAML)
	require.NoError(t, err)

	clone := cfg.Clone()
	assert.Equal(t, cfg.Sources[0].Pipeline[0].Type, clone.Sources[0].Pipeline[0].Type)
	assert.JSONEq(t, string(cfg.Sources[0].Config), string(clone.Sources[0].Config))
	assert.True(t, cfg.Triggers[0].Params.Equal(clone.Triggers[0].Params))
}

func TestSchemaIsExported(t *testing.T) {
	s := Schema()
	assert.Contains(t, string(s), `"sources"`)
	s[0] = 'x'
	assert.NotEqual(t, byte('x'), Schema()[0])
}
