package source

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/dataflow/metric"
	"github.com/c360/dataflow/pkg/broadcast"
	"github.com/c360/dataflow/value"
)

// Option configures a Base.
type Option func(*Base)

// WithLogger sets the logger. A "component" and "source" attribute are added.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Base) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics records update counts and status transitions in registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(b *Base) {
		b.registry = registry
	}
}

// WithBacklog sets the per-subscriber update backlog.
func WithBacklog(n int) Option {
	return func(b *Base) {
		b.backlog = n
	}
}

// Base implements identity, status, fan-out and the single-task lifecycle. Variants embed
// it and supply the task body to Launch.
type Base struct {
	id     string
	kind   Kind
	schema Schema

	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	backlog  int
	hub      *broadcast.Hub[Update]

	mu      sync.Mutex
	status  Status
	running bool
	cancel  context.CancelFunc
	token   uint64
}

// NewBase creates a Base in the Disconnected state.
func NewBase(id string, kind Kind, schema Schema, opts ...Option) *Base {
	b := &Base{
		id:     id,
		kind:   kind,
		schema: schema,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.schema.Name == "" {
		b.schema.Name = id
	}
	b.logger = b.logger.With("component", "source", "source", id, "kind", string(kind))
	b.metrics = b.registry.CoreMetrics()
	b.hub = broadcast.NewHub[Update](b.backlog)
	return b
}

// ID returns the source id.
func (b *Base) ID() string { return b.id }

// Kind returns the variant.
func (b *Base) Kind() Kind { return b.kind }

// Schema returns the value schema.
func (b *Base) Schema() Schema { return b.schema }

// Logger returns the source logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// Registry returns the metrics registry, possibly nil.
func (b *Base) Registry() *metric.MetricsRegistry { return b.registry }

// Subscribe returns a stream of future updates.
func (b *Base) Subscribe() *broadcast.Subscription[Update] {
	return b.hub.Subscribe()
}

// Status returns the current status.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Running reports whether a background task is live.
func (b *Base) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// SetStatus updates the status unconditionally.
func (b *Base) SetStatus(s Status) {
	b.mu.Lock()
	b.setStatusLocked(s)
	b.mu.Unlock()
}

func (b *Base) setStatusLocked(s Status) {
	if b.status == s {
		return
	}
	b.status = s
	b.metrics.RecordSourceStatus(b.id, int(s.State))
	if s.State == Error {
		b.logger.Warn("Source error", "error", s.Message)
	} else {
		b.logger.Debug("Source status changed", "status", s.State.String())
	}
}

// Publish emits data as a Full update.
func (b *Base) Publish(data value.Value) {
	b.PublishUpdate(FullUpdate(b.id, data))
}

// PublishUpdate emits u to every subscriber.
func (b *Base) PublishUpdate(u Update) {
	b.metrics.RecordSourceUpdate(b.id)
	b.hub.Publish(u)
}

// Run is the handle given to a background task. Once the task has been stopped its status
// changes and updates are ignored.
type Run struct {
	base  *Base
	token uint64
}

func (r *Run) live() bool {
	return r.base.token == r.token && r.base.running
}

// SetStatus updates the status if the run is still current.
func (r *Run) SetStatus(s Status) {
	r.base.mu.Lock()
	defer r.base.mu.Unlock()
	if r.live() {
		r.base.setStatusLocked(s)
	}
}

// Publish emits a Full update if the run is still current. Nothing is published once Halt
// has returned.
func (r *Run) Publish(data value.Value) {
	r.base.mu.Lock()
	defer r.base.mu.Unlock()
	if r.live() {
		r.base.Publish(data)
	}
}

// Logger returns the source logger.
func (r *Run) Logger() *slog.Logger { return r.base.logger }

// Launch starts task on its own goroutine. ctx bounds the task in addition to Stop. When the
// task returns on its own the source is no longer running; its last status is kept.
func (b *Base) Launch(ctx context.Context, task func(ctx context.Context, run *Run)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return ErrAlreadyRunning
	}

	taskCtx, cancel := context.WithCancel(ctx)
	b.token++
	b.running = true
	b.cancel = cancel
	run := &Run{base: b, token: b.token}
	b.setStatusLocked(Status{State: Connecting})

	go func() {
		defer cancel()
		task(taskCtx, run)

		b.mu.Lock()
		if run.live() {
			b.running = false
			b.cancel = nil
		}
		b.mu.Unlock()
	}()
	return nil
}

// Halt cancels the background task and sets Disconnected. It does not wait for the task to
// exit; a task that outlives Halt can no longer publish.
func (b *Base) Halt() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.running = false
	b.token++
	b.setStatusLocked(Status{State: Disconnected})
	return nil
}

// Close stops the task and closes every subscription.
func (b *Base) Close() {
	_ = b.Halt()
	b.hub.Close()
}
