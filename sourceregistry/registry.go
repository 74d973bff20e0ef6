// Package sourceregistry creates sources from raw JSON configuration by kind.
package sourceregistry

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/c360/dataflow/errors"
	"github.com/c360/dataflow/metric"
	"github.com/c360/dataflow/source"
	"github.com/c360/dataflow/source/file"
	"github.com/c360/dataflow/source/httpsource"
	"github.com/c360/dataflow/source/mqtt"
	"github.com/c360/dataflow/source/nats"
	"github.com/c360/dataflow/source/redis"
	"github.com/c360/dataflow/source/timer"
	"github.com/c360/dataflow/source/websocket"
)

// Dependencies are handed to every factory.
type Dependencies struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

func (d Dependencies) options() []source.Option {
	return []source.Option{source.WithLogger(d.Logger), source.WithMetrics(d.MetricsRegistry)}
}

// Factory builds a source with the given id from its raw configuration. Factories do no
// I/O; connecting happens in Start.
type Factory func(id string, rawConfig json.RawMessage, deps Dependencies) (source.Source, error)

// Registry maps source kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[source.Kind]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[source.Kind]Factory)}
}

// Default returns a registry with every built-in kind registered.
func Default() *Registry {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		panic(err)
	}
	return r
}

// Register adds a factory for kind.
func (r *Registry) Register(kind source.Kind, factory Factory) error {
	if kind == "" || factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "factory validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return errors.WrapInvalid(fmt.Errorf("%w: source kind %q", errors.ErrAlreadyExists, kind),
			"Registry", "Register", "duplicate factory check")
	}
	r.factories[kind] = factory
	return nil
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []source.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]source.Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Create builds a source of kind.
func (r *Registry) Create(id string, kind source.Kind, rawConfig json.RawMessage, deps Dependencies) (source.Source, error) {
	if id == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: source id is required", errors.ErrMissingConfig),
			"Registry", "Create", "id validation")
	}

	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: unknown source kind %q", errors.ErrInvalidConfig, kind),
			"Registry", "Create", "factory lookup")
	}

	src, err := factory(id, rawConfig, deps)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Create", fmt.Sprintf("create %s source %q", kind, id))
	}
	return src, nil
}

// Decode strictly unmarshals raw into target. Unknown fields are rejected so a typo in a
// source block fails at load time.
func Decode(raw json.RawMessage, target any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return errors.WrapInvalid(err, "Registry", "Decode", "parse source config")
	}
	if dec.More() {
		return errors.WrapInvalid(stderrors.New("trailing data after config object"),
			"Registry", "Decode", "parse source config")
	}
	return nil
}

// RegisterBuiltins registers the timer, file, http, websocket, mqtt, redis and nats kinds.
func RegisterBuiltins(r *Registry) error {
	if r == nil {
		return errors.WrapFatal(stderrors.New("registry cannot be nil"), "Registry", "RegisterBuiltins",
			"registry validation")
	}

	builtins := map[source.Kind]Factory{
		source.KindTimer: func(id string, raw json.RawMessage, deps Dependencies) (source.Source, error) {
			var cfg timer.Config
			if err := Decode(raw, &cfg); err != nil {
				return nil, err
			}
			return timer.New(id, cfg, deps.options()...)
		},
		source.KindFile: func(id string, raw json.RawMessage, deps Dependencies) (source.Source, error) {
			var cfg file.Config
			if err := Decode(raw, &cfg); err != nil {
				return nil, err
			}
			return file.New(id, cfg, deps.options()...)
		},
		source.KindHTTP: func(id string, raw json.RawMessage, deps Dependencies) (source.Source, error) {
			var cfg httpsource.Config
			if err := Decode(raw, &cfg); err != nil {
				return nil, err
			}
			return httpsource.New(id, cfg, nil, deps.options()...)
		},
		source.KindWebSocket: func(id string, raw json.RawMessage, deps Dependencies) (source.Source, error) {
			var cfg websocket.Config
			if err := Decode(raw, &cfg); err != nil {
				return nil, err
			}
			return websocket.New(id, cfg, deps.options()...)
		},
		source.KindMQTT: func(id string, raw json.RawMessage, deps Dependencies) (source.Source, error) {
			var cfg mqtt.Config
			if err := Decode(raw, &cfg); err != nil {
				return nil, err
			}
			return mqtt.New(id, cfg, deps.options()...)
		},
		source.KindRedis: func(id string, raw json.RawMessage, deps Dependencies) (source.Source, error) {
			var cfg redis.Config
			if err := Decode(raw, &cfg); err != nil {
				return nil, err
			}
			return redis.New(id, cfg, deps.options()...)
		},
		source.KindNATS: func(id string, raw json.RawMessage, deps Dependencies) (source.Source, error) {
			var cfg nats.Config
			if err := Decode(raw, &cfg); err != nil {
				return nil, err
			}
			return nats.New(id, cfg, deps.options()...)
		},
	}

	for _, kind := range source.Kinds() {
		if err := r.Register(kind, builtins[kind]); err != nil {
			return errors.Wrap(err, "Registry", "RegisterBuiltins", "register "+string(kind))
		}
	}
	return nil
}
