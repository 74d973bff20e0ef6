package duration

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_JSON(t *testing.T) {
	var cfg struct {
		Interval Duration `json:"interval"`
		Timeout  Duration `json:"timeout"`
		Unset    Duration `json:"unset"`
	}
	err := json.Unmarshal([]byte(`{"interval":"250ms","timeout":1000000000}`), &cfg)
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Interval.Std())
	assert.Equal(t, time.Second, cfg.Timeout.Std())
	assert.Zero(t, cfg.Unset)

	out, err := json.Marshal(cfg.Interval)
	require.NoError(t, err)
	assert.Equal(t, `"250ms"`, string(out))
}

func TestDuration_YAML(t *testing.T) {
	var cfg struct {
		Interval Duration `yaml:"interval"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("interval: 2s\n"), &cfg))
	assert.Equal(t, 2*time.Second, cfg.Interval.Std())
}

func TestDuration_Invalid(t *testing.T) {
	var d Duration
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
}
