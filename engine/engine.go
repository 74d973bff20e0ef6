package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/dataflow/action"
	"github.com/c360/dataflow/binding"
	"github.com/c360/dataflow/errors"
	"github.com/c360/dataflow/metric"
	"github.com/c360/dataflow/pkg/broadcast"
	"github.com/c360/dataflow/pkg/worker"
	"github.com/c360/dataflow/repository"
	"github.com/c360/dataflow/source"
	"github.com/c360/dataflow/transform"
	"github.com/c360/dataflow/value"
)

// Config tunes the engine loops.
type Config struct {
	// TickInterval is the binding propagation period.
	TickInterval time.Duration
	// ActionWorkers runs actions concurrently when above one. One worker keeps change
	// order.
	ActionWorkers int
	// ActionQueueSize bounds changes waiting for the action workers.
	ActionQueueSize int
	// ShutdownTimeout bounds how long Run waits for queued actions after shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		TickInterval:    20 * time.Millisecond,
		ActionWorkers:   1,
		ActionQueueSize: 1024,
		ShutdownTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.ActionWorkers <= 0 {
		c.ActionWorkers = d.ActionWorkers
	}
	if c.ActionQueueSize <= 0 {
		c.ActionQueueSize = d.ActionQueueSize
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used by the engine and the systems it creates.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics exports engine, repository, binding and action metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(e *Engine) { e.registry = registry }
}

// WithPropertySink delivers binding updates to sink.
func WithPropertySink(sink binding.PropertySink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithRepository uses repo instead of a new repository.
func WithRepository(repo *repository.Repository) Option {
	return func(e *Engine) { e.repo = repo }
}

// WithTransforms builds pipelines from registry instead of the built-in one.
func WithTransforms(registry *transform.Registry) Option {
	return func(e *Engine) { e.transforms = registry }
}

type managedSource struct {
	src  source.Source
	sub  *broadcast.Subscription[source.Update]
	done chan struct{}
}

// Engine wires sources, pipelines, the repository, bindings and actions together.
type Engine struct {
	cfg Config

	repo       *repository.Repository
	bindings   *binding.System
	actions    *action.System
	transforms *transform.Registry
	sink       binding.PropertySink

	sourcesMu sync.RWMutex
	sources   map[string]*managedSource
	runCtx    context.Context

	pipelinesMu sync.RWMutex
	pipelines   map[string]*transform.Pipeline

	changes *broadcast.Subscription[repository.Change]
	pool    *worker.Pool[repository.Change]

	// dirty is owned by the propagation loop
	dirty []repository.Change

	running      atomic.Bool
	shutdown     chan struct{}
	shutdownOnce sync.Once
	loops        sync.WaitGroup

	logger   *slog.Logger
	registry *metric.MetricsRegistry
	core     *metric.Metrics
	metrics  *engineMetrics
}

// New creates an engine. It owns a repository, a binding system and an action system
// unless options supply them.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg.withDefaults(),
		sources:   make(map[string]*managedSource),
		pipelines: make(map[string]*transform.Pipeline),
		shutdown:  make(chan struct{}),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.repo == nil {
		e.repo = repository.New(repository.WithLogger(e.logger), repository.WithMetrics(e.registry))
	}
	if e.transforms == nil {
		e.transforms = transform.NewRegistry()
	}
	e.bindings = binding.NewSystem(binding.WithLogger(e.logger))
	e.actions = action.NewSystem(action.WithLogger(e.logger), action.WithMetrics(e.registry))
	e.core = e.registry.CoreMetrics()

	metrics, err := newEngineMetrics(e.registry)
	if err != nil {
		e.logger.Error("Failed to initialize engine metrics", "error", err)
	}
	e.metrics = metrics

	e.logger = e.logger.With("component", "engine")
	e.changes = e.repo.Subscribe()
	e.pool = worker.NewPool(e.cfg.ActionWorkers, e.cfg.ActionQueueSize, e.dispatch,
		worker.WithMetricsRegistry[repository.Change](e.registry, "dataflow_actions"))
	return e
}

// Repository returns the engine's repository.
func (e *Engine) Repository() *repository.Repository { return e.repo }

// Bindings returns the engine's binding system.
func (e *Engine) Bindings() *binding.System { return e.bindings }

// Actions returns the engine's action system.
func (e *Engine) Actions() *action.System { return e.actions }

// Transforms returns the registry pipelines are built from.
func (e *Engine) Transforms() *transform.Registry { return e.transforms }

// RegisterSource adds a source. Its updates are consumed once Run is active, including
// updates published between registration and Run.
func (e *Engine) RegisterSource(src source.Source) error {
	if src == nil || src.ID() == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Engine", "RegisterSource", "validate source")
	}
	e.sourcesMu.Lock()
	defer e.sourcesMu.Unlock()
	if _, exists := e.sources[src.ID()]; exists {
		return errors.WrapInvalid(fmt.Errorf("%w: source %q", errors.ErrAlreadyExists, src.ID()),
			"Engine", "RegisterSource", "register source")
	}
	ms := &managedSource{src: src, sub: src.Subscribe(), done: make(chan struct{})}
	e.sources[src.ID()] = ms
	if e.runCtx != nil {
		e.startConsumer(e.runCtx, ms)
	}
	e.metrics.setSources(len(e.sources))
	e.logger.Info("Registered source", "source", src.ID(), "kind", string(src.Kind()))
	return nil
}

// UnregisterSource stops a source, ends its consumption loop and drops its pipeline.
func (e *Engine) UnregisterSource(id string) error {
	e.sourcesMu.Lock()
	ms, ok := e.sources[id]
	if ok {
		delete(e.sources, id)
	}
	n := len(e.sources)
	e.sourcesMu.Unlock()
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: source %q", errors.ErrNotFound, id),
			"Engine", "UnregisterSource", "lookup source")
	}

	err := ms.src.Stop()
	close(ms.done)
	ms.sub.Close()
	e.RemovePipeline(id)
	e.metrics.setSources(n)
	e.logger.Info("Unregistered source", "source", id)
	return err
}

func (e *Engine) source(method, id string) (source.Source, error) {
	e.sourcesMu.RLock()
	defer e.sourcesMu.RUnlock()
	ms, ok := e.sources[id]
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: source %q", errors.ErrNotFound, id), "Engine", method, "lookup source")
	}
	return ms.src, nil
}

// Source returns a registered source.
func (e *Engine) Source(id string) (source.Source, bool) {
	src, err := e.source("Source", id)
	return src, err == nil
}

// SourceInfo is a snapshot of one source.
type SourceInfo struct {
	ID     string        `json:"id"`
	Kind   source.Kind   `json:"kind"`
	Status source.Status `json:"status"`
	Stages []string      `json:"pipeline,omitempty"`
}

// Sources lists the registered sources sorted by id.
func (e *Engine) Sources() []SourceInfo {
	e.sourcesMu.RLock()
	infos := make([]SourceInfo, 0, len(e.sources))
	for _, ms := range e.sources {
		infos = append(infos, SourceInfo{ID: ms.src.ID(), Kind: ms.src.Kind(), Status: ms.src.Status()})
	}
	e.sourcesMu.RUnlock()

	e.pipelinesMu.RLock()
	for i := range infos {
		infos[i].Stages = e.pipelines[infos[i].ID].Names()
	}
	e.pipelinesMu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// StartSource starts one source.
func (e *Engine) StartSource(ctx context.Context, id string) error {
	src, err := e.source("StartSource", id)
	if err != nil {
		return err
	}
	err = src.Start(ctx)
	e.metrics.recordSourceOp("start", err)
	return err
}

// StopSource stops one source.
func (e *Engine) StopSource(id string) error {
	src, err := e.source("StopSource", id)
	if err != nil {
		return err
	}
	err = src.Stop()
	e.metrics.recordSourceOp("stop", err)
	return err
}

// RefreshSource asks one source for a fresh value.
func (e *Engine) RefreshSource(ctx context.Context, id string) error {
	src, err := e.source("RefreshSource", id)
	if err != nil {
		return err
	}
	return src.Refresh(ctx)
}

// StartAll starts every source concurrently. Failures do not stop the others; the
// returned map holds one entry per failed source.
func (e *Engine) StartAll(ctx context.Context) map[string]error {
	return e.each(func(id string) error { return e.StartSource(ctx, id) })
}

// StopAll stops every source. It returns one entry per source that failed to stop.
func (e *Engine) StopAll() map[string]error {
	return e.each(e.StopSource)
}

func (e *Engine) each(fn func(id string) error) map[string]error {
	e.sourcesMu.RLock()
	ids := make([]string, 0, len(e.sources))
	for id := range e.sources {
		ids = append(ids, id)
	}
	e.sourcesMu.RUnlock()

	var (
		mu     sync.Mutex
		failed = make(map[string]error)
		g      errgroup.Group
	)
	for _, id := range ids {
		g.Go(func() error {
			if err := fn(id); err != nil {
				mu.Lock()
				failed[id] = err
				mu.Unlock()
				e.logger.Warn("Source operation failed", "source", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// SetPipeline installs the pipeline applied to updates of source id.
func (e *Engine) SetPipeline(id string, p *transform.Pipeline) {
	e.pipelinesMu.Lock()
	defer e.pipelinesMu.Unlock()
	e.pipelines[id] = p
}

// SetPipelineStages builds a pipeline from stage configs and installs it.
func (e *Engine) SetPipelineStages(id string, stages []transform.StageConfig) error {
	p, err := e.transforms.BuildPipeline(stages)
	if err != nil {
		return errors.WrapInvalid(err, "Engine", "SetPipelineStages", "build pipeline for "+id)
	}
	e.SetPipeline(id, p)
	return nil
}

// RemovePipeline removes the pipeline of source id. It reports whether one existed.
func (e *Engine) RemovePipeline(id string) bool {
	e.pipelinesMu.Lock()
	defer e.pipelinesMu.Unlock()
	_, ok := e.pipelines[id]
	delete(e.pipelines, id)
	return ok
}

// ProcessUpdate runs u through its source's pipeline and writes the result to
// data.<source id>. A failing pipeline drops the update and returns the *PipelineError.
func (e *Engine) ProcessUpdate(ctx context.Context, u source.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.pipelinesMu.RLock()
	p := e.pipelines[u.SourceID]
	e.pipelinesMu.RUnlock()

	start := time.Now()
	data, err := p.Execute(u.Data, transform.Context{SourceID: u.SourceID, Timestamp: u.Timestamp})
	e.core.RecordPipeline(u.SourceID, time.Since(start), err)
	if err != nil {
		e.logger.Warn("Pipeline dropped update", "source", u.SourceID, "error", err)
		return errors.WrapInvalid(err, "Engine", "ProcessUpdate", "run pipeline for "+u.SourceID)
	}

	if u.Type == source.Partial {
		err = e.repo.MergeFromSource(u.SourceID, data)
	} else {
		err = e.repo.UpdateFromSource(u.SourceID, data)
	}
	if err != nil {
		return errors.Wrap(err, "Engine", "ProcessUpdate", "store update for "+u.SourceID)
	}
	return nil
}

// OnUIChanged writes a two-way binding edit back into the repository.
func (e *Engine) OnUIChanged(target binding.Target, v value.Value) error {
	path, nv, err := e.bindings.OnUIChanged(target, v)
	if err != nil {
		return err
	}
	return e.repo.SetString(path, nv)
}

// Run consumes source updates and propagates repository changes until ctx ends or
// Shutdown is called. It returns after every loop has exited.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "Run", "start loops")
	}
	select {
	case <-e.shutdown:
		return errors.WrapInvalid(errors.ErrShuttingDown, "Engine", "Run", "start loops")
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := e.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Engine", "Run", "start action workers")
	}

	e.sourcesMu.Lock()
	e.runCtx = ctx
	for _, ms := range e.sources {
		e.startConsumer(ctx, ms)
	}
	e.sourcesMu.Unlock()

	e.loops.Add(1)
	go e.propagate(ctx)

	e.logger.Info("Engine running", "tick", e.cfg.TickInterval, "action_workers", e.cfg.ActionWorkers)

	select {
	case <-ctx.Done():
	case <-e.shutdown:
	}
	cancel()
	e.sourcesMu.Lock()
	e.runCtx = nil
	e.sourcesMu.Unlock()
	e.loops.Wait()

	if err := e.pool.Stop(e.cfg.ShutdownTimeout); err != nil {
		e.logger.Warn("Action workers did not drain", "error", err)
	}
	e.logger.Info("Engine stopped")
	return nil
}

// Shutdown ends Run. Every loop observes it; sources keep their own state and should be
// stopped with StopAll.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() { close(e.shutdown) })
}

// startConsumer must be called with sourcesMu held.
func (e *Engine) startConsumer(ctx context.Context, ms *managedSource) {
	e.loops.Add(1)
	go e.consume(ctx, ms)
}

func (e *Engine) consume(ctx context.Context, ms *managedSource) {
	defer e.loops.Done()
	for {
		e.drain(ctx, ms)

		select {
		case <-ctx.Done():
			return
		case <-e.shutdown:
			return
		case <-ms.done:
			return
		case <-ms.sub.Done():
			e.drain(ctx, ms)
			return
		case <-ms.sub.Ready():
		}
	}
}

func (e *Engine) drain(ctx context.Context, ms *managedSource) {
	id := ms.src.ID()
	for {
		u, ok := ms.sub.TryRecv()
		if !ok {
			break
		}
		if err := e.ProcessUpdate(ctx, u); err != nil && ctx.Err() == nil {
			e.logger.Debug("Update not applied", "source", id, "error", err)
		}
	}
	e.core.RecordLag("source:"+id, ms.sub.Lagged())
}

func (e *Engine) propagate(ctx context.Context) {
	defer e.loops.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.shutdown:
			return
		case <-e.changes.Ready():
			e.collect()
		case <-ticker.C:
			e.collect()
			e.tick()
		}
	}
}

// collect moves pending repository changes into the dirty set and hands them to the
// action workers.
func (e *Engine) collect() {
	var batch []repository.Change
	for {
		c, ok := e.changes.TryRecv()
		if !ok {
			break
		}
		batch = append(batch, c)
		if err := e.pool.Submit(c); err != nil {
			e.metrics.recordDispatchDrop()
			if stderrors.Is(err, worker.ErrQueueFull) {
				e.logger.Warn("Action queue full, change not dispatched", "path", c.Path.String())
			}
		}
	}
	e.core.RecordLag("propagation", e.changes.Lagged())
	if len(batch) == 0 {
		return
	}

	for _, c := range batch {
		e.dirty = markDirty(e.dirty, c)
	}
	e.metrics.setDirty(len(e.dirty))
}

// markDirty keeps the latest change per path, ordered by the time of that latest change.
func markDirty(dirty []repository.Change, c repository.Change) []repository.Change {
	key := c.Path.String()
	for i := range dirty {
		if dirty[i].Path.String() == key {
			dirty = append(dirty[:i], dirty[i+1:]...)
			break
		}
	}
	return append(dirty, c)
}

// tick pushes the dirty set through the binding system. When the binding system is busy
// the tick is skipped and the dirty set is kept for the next one.
func (e *Engine) tick() {
	updates, ok := e.bindings.TryPropagate(e.dirty)
	if !ok {
		e.core.RecordPropagationSkip()
		return
	}
	e.dirty = nil
	e.metrics.setDirty(0)
	e.deliver(updates)
}

func (e *Engine) deliver(updates []binding.Update) {
	if len(updates) == 0 || e.sink == nil {
		return
	}
	for _, u := range updates {
		if err := e.sink.SetProperty(u.Target.ComponentID, u.Target.Property, u.Value); err != nil {
			e.logger.Warn("Property sink rejected update", "binding", uint64(u.BindingID),
				"target", u.Target.String(), "error", err)
		}
	}
	e.core.RecordBindingUpdates(len(updates))
}

func (e *Engine) dispatch(ctx context.Context, c repository.Change) error {
	var errs []error
	for _, r := range e.actions.OnDataChanged(ctx, c) {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("trigger %s: %w", r.TriggerID, r.Err))
		}
	}
	return stderrors.Join(errs...)
}
