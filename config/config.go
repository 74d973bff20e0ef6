package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/c360/dataflow/action"
	"github.com/c360/dataflow/binding"
	"github.com/c360/dataflow/datapath"
	"github.com/c360/dataflow/errors"
	"github.com/c360/dataflow/pkg/duration"
	"github.com/c360/dataflow/source"
	"github.com/c360/dataflow/transform"
	"github.com/c360/dataflow/value"
)

// Store kinds
const (
	StoreMemory = "memory" // in-process, optional TTL
	StoreKV     = "kv"     // NATS JetStream key-value bucket
)

// Config is the complete application configuration.
type Config struct {
	Version  string          `json:"version,omitempty"`
	Engine   EngineConfig    `json:"engine"`
	NATS     NATSConfig      `json:"nats"`
	Server   ServerConfig    `json:"server"`
	Webhook  WebhookConfig   `json:"webhook"`
	Stores   []StoreConfig   `json:"stores,omitempty"`
	Sources  []SourceConfig  `json:"sources"`
	Bindings []BindingConfig `json:"bindings,omitempty"`
	Triggers []TriggerConfig `json:"triggers,omitempty"`
}

// EngineConfig tunes the engine loops.
type EngineConfig struct {
	TickInterval    duration.Duration `json:"tick_interval,omitempty"`
	ActionWorkers   int               `json:"action_workers,omitempty"`
	ActionQueueSize int               `json:"action_queue_size,omitempty"`
	ShutdownTimeout duration.Duration `json:"shutdown_timeout,omitempty"`
}

// NATSConfig defines the optional NATS connection. An empty URL disables NATS, the
// publish action and KV stores.
type NATSConfig struct {
	URL           string            `json:"url,omitempty"`
	Name          string            `json:"name,omitempty"`
	MaxReconnects int               `json:"max_reconnects,omitempty"`
	ReconnectWait duration.Duration `json:"reconnect_wait,omitempty"`
	Username      string            `json:"username,omitempty"`
	Password      string            `json:"password,omitempty"`
	Token         string            `json:"token,omitempty"`
}

// ServerConfig defines the HTTP server for /metrics, /status and /healthz. An empty
// address disables it.
type ServerConfig struct {
	Addr    string `json:"addr,omitempty"`
	Metrics bool   `json:"metrics"`
}

// WebhookConfig configures the webhook action.
type WebhookConfig struct {
	Timeout       duration.Duration `json:"timeout,omitempty"`
	RatePerSecond float64           `json:"rate_per_second,omitempty"`
	Burst         int               `json:"burst,omitempty"`
}

// StoreConfig declares a named auxiliary store.
type StoreConfig struct {
	Name   string            `json:"name"`
	Kind   string            `json:"kind"`
	TTL    duration.Duration `json:"ttl,omitempty"`    // memory only, 0 = no expiry
	Bucket string            `json:"bucket,omitempty"` // kv only
}

// SourceConfig declares a source. Config is decoded by the factory for Kind.
type SourceConfig struct {
	ID       string                  `json:"id"`
	Kind     source.Kind             `json:"kind"`
	Config   json.RawMessage         `json:"config,omitempty"`
	Pipeline []transform.StageConfig `json:"pipeline,omitempty"`
}

// BindingConfig declares a binding from a repository path to a component property.
type BindingConfig struct {
	Source           string            `json:"source"`
	Target           binding.Target    `json:"target"`
	Mode             binding.Mode      `json:"mode"`
	Transform        string            `json:"transform,omitempty"`
	InverseTransform string            `json:"inverse_transform,omitempty"`
	Throttle         duration.Duration `json:"throttle,omitempty"`
}

// Binding converts the declaration to binding.System.Create arguments.
func (b BindingConfig) Binding() (string, binding.Target, binding.Config) {
	return b.Source, b.Target, binding.Config{
		Mode:             b.Mode,
		Transform:        b.Transform,
		InverseTransform: b.InverseTransform,
		Throttle:         b.Throttle.Std(),
	}
}

// ConditionConfig declares a trigger condition.
type ConditionConfig struct {
	Kind      string      `json:"kind"`
	Path      string      `json:"path"`
	Threshold value.Value `json:"threshold,omitempty"`
	Direction string      `json:"direction,omitempty"`
	Subtree   bool        `json:"subtree,omitempty"`
}

// TriggerConfig declares a trigger.
type TriggerConfig struct {
	ID        string            `json:"id"`
	Condition ConditionConfig   `json:"condition"`
	Action    string            `json:"action"`
	Params    value.Value       `json:"params,omitempty"`
	Debounce  duration.Duration `json:"debounce,omitempty"`
	Throttle  duration.Duration `json:"throttle,omitempty"`
}

// Trigger converts the declaration to an action.Trigger.
func (t TriggerConfig) Trigger() (action.Trigger, error) {
	kind, err := action.ParseConditionKind(t.Condition.Kind)
	if err != nil {
		return action.Trigger{}, err
	}
	cond := action.Condition{Kind: kind, Path: datapath.Parse(t.Condition.Path), Subtree: t.Condition.Subtree}
	if kind == action.Threshold {
		dir, err := action.ParseDirection(t.Condition.Direction)
		if err != nil {
			return action.Trigger{}, err
		}
		if t.Condition.Threshold.IsNull() {
			return action.Trigger{}, fmt.Errorf("threshold condition needs a threshold value")
		}
		cond.Threshold = t.Condition.Threshold
		cond.Direction = dir
	}
	return action.Trigger{
		ID:        t.ID,
		Condition: cond,
		Action:    t.Action,
		Params:    t.Params,
		Debounce:  t.Debounce.Std(),
		Throttle:  t.Throttle.Std(),
	}, nil
}

// Default returns the configuration used for fields a document leaves out.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			TickInterval:    duration.Duration(20 * time.Millisecond),
			ActionWorkers:   1,
			ActionQueueSize: 1024,
			ShutdownTimeout: duration.Duration(5 * time.Second),
		},
		NATS: NATSConfig{
			Name:          "dataflow",
			MaxReconnects: -1,
			ReconnectWait: duration.Duration(2 * time.Second),
		},
		Server: ServerConfig{
			Addr:    ":9090",
			Metrics: true,
		},
		Webhook: WebhookConfig{
			Timeout: duration.Duration(10 * time.Second),
		},
	}
}

// Validate checks the semantic rules the schema cannot express. It reports every problem
// it finds.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Engine.TickInterval < 0 || c.Engine.ShutdownTimeout < 0 {
		fail("engine durations must not be negative")
	}

	stores := make(map[string]bool, len(c.Stores))
	for i, s := range c.Stores {
		switch {
		case s.Name == "":
			fail("stores[%d]: name is required", i)
		case stores[s.Name]:
			fail("stores[%d]: duplicate store %q", i, s.Name)
		}
		stores[s.Name] = true
		switch s.Kind {
		case StoreMemory:
			if s.TTL < 0 {
				fail("stores[%d]: ttl must not be negative", i)
			}
		case StoreKV:
			if s.Bucket == "" {
				fail("stores[%d]: kv store needs a bucket", i)
			}
			if c.NATS.URL == "" {
				fail("stores[%d]: kv store needs nats.url", i)
			}
		default:
			fail("stores[%d]: unknown store kind %q", i, s.Kind)
		}
	}

	known := make(map[source.Kind]bool)
	for _, k := range source.Kinds() {
		known[k] = true
	}
	ids := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		switch {
		case s.ID == "":
			fail("sources[%d]: id is required", i)
		case ids[s.ID]:
			fail("sources[%d]: duplicate source id %q", i, s.ID)
		}
		ids[s.ID] = true
		if !known[s.Kind] {
			fail("sources[%d]: unknown source kind %q", i, s.Kind)
		}
		for j, stage := range s.Pipeline {
			if stage.Type == "" {
				fail("sources[%d].pipeline[%d]: type is required", i, j)
			}
		}
	}

	for i, b := range c.Bindings {
		if b.Source == "" {
			fail("bindings[%d]: source path is required", i)
		}
		if b.Target.ComponentID == "" || b.Target.Property == "" {
			fail("bindings[%d]: target needs component_id and property", i)
		}
		if datapath.Parse(b.Source).HasWildcard() {
			fail("bindings[%d]: source path %q must not contain wildcards", i, b.Source)
		}
	}

	triggers := make(map[string]bool, len(c.Triggers))
	for i, t := range c.Triggers {
		switch {
		case t.ID == "":
			fail("triggers[%d]: id is required", i)
		case triggers[t.ID]:
			fail("triggers[%d]: duplicate trigger id %q", i, t.ID)
		}
		triggers[t.ID] = true
		if t.Action == "" {
			fail("triggers[%d]: action is required", i)
		}
		if _, err := t.Trigger(); err != nil {
			fail("triggers[%d]: %v", i, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, stderrors.Join(errs...)),
		"Config", "Validate", "validate configuration")
}

// Source returns the declaration of source id.
func (c *Config) Source(id string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns the configuration as indented JSON with credentials masked.
func (c *Config) String() string {
	masked := c.Clone()
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps cfg.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update replaces the configuration after validating it.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "validate input")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
