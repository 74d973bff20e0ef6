// Package repository holds the shared, path-addressed data tree and the named pluggable
// stores that sit next to it.
//
// The tree root is an object with three namespaces: "data" (one subtree per source),
// "state" (component state) and "var" (user variables). Every write is announced as a
// Change on a lossy broadcast hub. Writers never wait for subscribers; a subscriber that
// falls behind loses its oldest changes.
package repository

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/c360/dataflow/datapath"
	"github.com/c360/dataflow/errors"
	"github.com/c360/dataflow/metric"
	"github.com/c360/dataflow/pkg/broadcast"
	"github.com/c360/dataflow/value"
)

// ErrLockContended is returned by TryGet when the tree is locked by a writer.
var ErrLockContended = stderrors.New("repository lock contended")

// Namespaces present in every repository.
const (
	NamespaceData  = "data"
	NamespaceState = "state"
	NamespaceVar   = "var"
)

// Change describes one write. OldValue is nil when nothing was stored at Path before,
// NewValue is nil for a delete.
type Change struct {
	Path      datapath.Path
	OldValue  *value.Value
	NewValue  *value.Value
	Timestamp time.Time
}

// IsDelete reports whether the change removed the value at Path.
func (c Change) IsDelete() bool { return c.NewValue == nil }

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records repository changes in the core metrics of registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Repository) { r.metrics = registry.CoreMetrics() }
}

// WithBacklog sets how many changes each subscriber may buffer.
func WithBacklog(n int) Option {
	return func(r *Repository) { r.backlog = n }
}

// Repository is the shared data tree.
type Repository struct {
	mu   sync.Mutex
	root value.Value

	// pubMu is taken before mu is released so changes are published in write order.
	pubMu sync.Mutex
	hub   *broadcast.Hub[Change]

	storesMu sync.RWMutex
	stores   map[string]Store

	backlog int
	logger  *slog.Logger
	metrics *metric.Metrics
}

// New creates a repository with empty data, state and var namespaces.
func New(opts ...Option) *Repository {
	r := &Repository{
		root: value.ObjectOf(
			value.Pair(NamespaceData, value.EmptyObject()),
			value.Pair(NamespaceState, value.EmptyObject()),
			value.Pair(NamespaceVar, value.EmptyObject()),
		),
		stores:  make(map[string]Store),
		backlog: broadcast.DefaultCapacity,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "repository")
	r.hub = broadcast.NewHub[Change](r.backlog)
	return r
}

// Get returns a deep copy of the value at path.
func (r *Repository) Get(path datapath.Path) (value.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(path)
}

// GetString parses path and calls Get.
func (r *Repository) GetString(path string) (value.Value, bool) {
	return r.Get(datapath.Parse(path))
}

// TryGet is Get without waiting. It fails with ErrLockContended while a writer holds the
// tree.
func (r *Repository) TryGet(path datapath.Path) (value.Value, bool, error) {
	if !r.mu.TryLock() {
		return value.Value{}, false, ErrLockContended
	}
	defer r.mu.Unlock()
	v, ok := r.lookup(path)
	return v, ok, nil
}

func (r *Repository) lookup(path datapath.Path) (value.Value, bool) {
	if path.HasWildcard() {
		return value.Value{}, false
	}
	got, ok := path.Get(&r.root)
	if !ok {
		return value.Value{}, false
	}
	return got.Clone(), true
}

// Snapshot returns a deep copy of the whole tree.
func (r *Repository) Snapshot() value.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root.Clone()
}

// Set stores v at path, creating intermediate objects as needed, and announces the change.
func (r *Repository) Set(path datapath.Path, v value.Value) error {
	return r.write("Set", path, func(cur *value.Value) (value.Value, error) { return v.Clone(), nil }, false)
}

// SetString parses path and calls Set.
func (r *Repository) SetString(path string, v value.Value) error {
	return r.Set(datapath.Parse(path), v)
}

// Delete stores Null at path. The key stays in its parent; the change carries a nil
// NewValue.
func (r *Repository) Delete(path datapath.Path) error {
	return r.write("Delete", path, func(*value.Value) (value.Value, error) { return value.Null(), nil }, true)
}

// UpdateFromSource replaces the data.<id> subtree.
func (r *Repository) UpdateFromSource(id string, v value.Value) error {
	return r.Set(datapath.FromSource(id), v)
}

// MergeFromSource merges the fields of v into the data.<id> subtree, one level deep. When
// either side is not an object the subtree is replaced instead.
func (r *Repository) MergeFromSource(id string, v value.Value) error {
	patch, ok := v.AsObject()
	if !ok {
		return r.UpdateFromSource(id, v)
	}
	return r.write("MergeFromSource", datapath.FromSource(id), func(cur *value.Value) (value.Value, error) {
		if cur == nil {
			return v.Clone(), nil
		}
		existing, ok := cur.AsObject()
		if !ok {
			return v.Clone(), nil
		}
		merged := existing.Clone()
		patch.Range(func(k string, field value.Value) bool {
			merged.Set(k, field.Clone())
			return true
		})
		return value.ObjectValue(merged), nil
	}, false)
}

// write applies next to the value at path under the tree lock. The lock is handed over to
// pubMu before the change is published.
func (r *Repository) write(method string, path datapath.Path, next func(cur *value.Value) (value.Value, error), isDelete bool) error {
	r.mu.Lock()
	var old *value.Value
	cur, found := path.Get(&r.root)
	if found {
		c := cur.Clone()
		old = &c
	} else {
		cur = nil
	}
	nv, err := next(cur)
	if err == nil {
		err = path.Set(&r.root, nv)
	}
	if err != nil {
		r.mu.Unlock()
		return errors.WrapInvalid(err, "Repository", method, fmt.Sprintf("write %q", path))
	}

	change := Change{Path: slices.Clone(path), OldValue: old, Timestamp: time.Now()}
	if !isDelete {
		c := nv.Clone()
		change.NewValue = &c
	}
	r.pubMu.Lock()
	r.mu.Unlock()
	r.hub.Publish(change)
	r.pubMu.Unlock()

	r.metrics.RecordRepositoryChange()
	return nil
}

// Subscribe returns a stream of future changes.
func (r *Repository) Subscribe() *broadcast.Subscription[Change] {
	return r.hub.Subscribe()
}

// Close ends every subscription. Buffered changes stay receivable.
func (r *Repository) Close() {
	r.hub.Close()
}

// RegisterStore adds a named store. Names are unique.
func (r *Repository) RegisterStore(name string, s Store) error {
	if name == "" || s == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Repository", "RegisterStore", "validate store")
	}
	r.storesMu.Lock()
	defer r.storesMu.Unlock()
	if _, exists := r.stores[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("%w: store %q", errors.ErrAlreadyExists, name),
			"Repository", "RegisterStore", "register store")
	}
	r.stores[name] = s
	r.logger.Debug("Registered store", "store", name)
	return nil
}

// Store returns the named store.
func (r *Repository) Store(name string) (Store, bool) {
	r.storesMu.RLock()
	defer r.storesMu.RUnlock()
	s, ok := r.stores[name]
	return s, ok
}

// Stores lists the registered store names in sorted order.
func (r *Repository) Stores() []string {
	r.storesMu.RLock()
	defer r.storesMu.RUnlock()
	names := make([]string, 0, len(r.stores))
	for n := range r.stores {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
