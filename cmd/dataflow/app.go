package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/dataflow/action"
	"github.com/c360/dataflow/binding"
	"github.com/c360/dataflow/config"
	"github.com/c360/dataflow/engine"
	"github.com/c360/dataflow/metric"
	"github.com/c360/dataflow/natsclient"
	"github.com/c360/dataflow/repository"
	"github.com/c360/dataflow/sourceregistry"
	"github.com/c360/dataflow/value"
)

const natsConnectTimeout = 10 * time.Second

// app is everything built from one configuration document.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	nats     *natsclient.Client
	engine   *engine.Engine
	closers  []func()
}

// logSink is the property sink used when no UI is attached: updates are logged.
func logSink(logger *slog.Logger) binding.PropertySink {
	logger = logger.With("component", "sink")
	return binding.SinkFunc(func(componentID, property string, v value.Value) error {
		logger.Debug("Property updated", "component_id", componentID, "property", property, "value", v.Text())
		return nil
	})
}

// buildApp creates the NATS client (if configured), the engine, stores, actions, sources,
// bindings and triggers. On error everything already created is released.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, sink binding.PropertySink) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, registry: metric.NewMetricsRegistry()}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if cfg.NATS.URL != "" {
		if err := a.connectNATS(ctx); err != nil {
			return nil, err
		}
	}

	a.engine = engine.New(engine.Config{
		TickInterval:    cfg.Engine.TickInterval.Std(),
		ActionWorkers:   cfg.Engine.ActionWorkers,
		ActionQueueSize: cfg.Engine.ActionQueueSize,
		ShutdownTimeout: cfg.Engine.ShutdownTimeout.Std(),
	},
		engine.WithLogger(logger),
		engine.WithMetrics(a.registry),
		engine.WithPropertySink(sink),
	)

	if err := a.setupStores(ctx); err != nil {
		return nil, err
	}
	if err := a.setupActions(); err != nil {
		return nil, err
	}
	if err := a.setupSources(); err != nil {
		return nil, err
	}
	for _, b := range cfg.Bindings {
		a.engine.Bindings().Create(b.Binding())
	}
	for _, tc := range cfg.Triggers {
		t, err := tc.Trigger()
		if err != nil {
			return nil, fmt.Errorf("trigger %s: %w", tc.ID, err)
		}
		if err := a.engine.Actions().AddTrigger(t); err != nil {
			return nil, fmt.Errorf("trigger %s: %w", tc.ID, err)
		}
	}

	logger.Info("Dataflow configured",
		"sources", len(cfg.Sources),
		"bindings", len(cfg.Bindings),
		"triggers", len(cfg.Triggers),
		"stores", len(cfg.Stores),
		"actions", a.engine.Actions().Actions())
	return a, nil
}

func (a *app) connectNATS(ctx context.Context) error {
	opts := []natsclient.ClientOption{
		natsclient.WithClientName(a.cfg.NATS.Name),
		natsclient.WithMaxReconnects(a.cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(a.cfg.NATS.ReconnectWait.Std()),
		natsclient.WithLogger(a.logger),
	}
	if a.cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(a.cfg.NATS.Username, a.cfg.NATS.Password))
	}
	if a.cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(a.cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(a.cfg.NATS.URL, opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, natsConnectTimeout)
	defer cancel()
	if err := client.Connect(connCtx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	a.nats = client
	return nil
}

func (a *app) setupStores(ctx context.Context) error {
	repo := a.engine.Repository()
	for _, sc := range a.cfg.Stores {
		var store repository.Store
		switch sc.Kind {
		case config.StoreMemory:
			mem := repository.NewMemoryStore(sc.TTL.Std())
			a.closers = append(a.closers, mem.Close)
			store = mem
		case config.StoreKV:
			if a.nats == nil {
				return fmt.Errorf("store %s: kv store needs a NATS connection", sc.Name)
			}
			kv, err := repository.NewKVStore(ctx, a.nats, sc.Bucket)
			if err != nil {
				return fmt.Errorf("store %s: %w", sc.Name, err)
			}
			store = kv
		default:
			return fmt.Errorf("store %s: unknown kind %q", sc.Name, sc.Kind)
		}
		if err := repo.RegisterStore(sc.Name, store); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) setupActions() error {
	var publisher action.Publisher
	if a.nats != nil {
		publisher = a.nats
	}
	return action.RegisterBuiltins(a.engine.Actions(), a.logger, publisher, action.WebhookConfig{
		Timeout:       a.cfg.Webhook.Timeout.Std(),
		RatePerSecond: a.cfg.Webhook.RatePerSecond,
		Burst:         a.cfg.Webhook.Burst,
	})
}

func (a *app) setupSources() error {
	factories := sourceregistry.Default()
	deps := sourceregistry.Dependencies{Logger: a.logger, MetricsRegistry: a.registry}
	for _, sc := range a.cfg.Sources {
		src, err := factories.Create(sc.ID, sc.Kind, sc.Config, deps)
		if err != nil {
			return err
		}
		if err := a.engine.RegisterSource(src); err != nil {
			return err
		}
		if len(sc.Pipeline) > 0 {
			if err := a.engine.SetPipelineStages(sc.ID, sc.Pipeline); err != nil {
				return err
			}
		}
	}
	return nil
}

// run starts every source and runs the engine until ctx ends. Sources that fail to start
// are logged and left stopped.
func (a *app) run(ctx context.Context) error {
	for id, err := range a.engine.StartAll(ctx) {
		a.logger.Error("Source failed to start", "source", id, "error", err)
	}
	err := a.engine.Run(ctx)
	for id, stopErr := range a.engine.StopAll() {
		a.logger.Warn("Source failed to stop", "source", id, "error", stopErr)
	}
	return err
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.engine != nil {
		a.engine.Repository().Close()
	}
	if a.nats != nil {
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Warn("Closing NATS failed", "error", err)
		}
	}
}
