// Package timer implements a source that emits a tick on a fixed interval.
package timer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/c360/dataflow/errors"
	"github.com/c360/dataflow/pkg/duration"
	"github.com/c360/dataflow/source"
	"github.com/c360/dataflow/value"
)

// Config configures a timer source.
type Config struct {
	Interval duration.Duration `json:"interval" yaml:"interval"`
	// Payload is attached to every tick under "payload".
	Payload *value.Value `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Interval.Std() <= 0 {
		return fmt.Errorf("%w: interval must be positive", errors.ErrInvalidConfig)
	}
	return nil
}

// Source emits {"count": n, "timestamp": unix_ms} every interval.
type Source struct {
	*source.Base
	cfg   Config
	count atomic.Int64
}

var _ source.Source = (*Source)(nil)

// New creates a timer source.
func New(id string, cfg Config, opts ...source.Option) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "timer", "New", "validate config")
	}
	return &Source{
		Base: source.NewBase(id, source.KindTimer, source.Schema{
			Description: fmt.Sprintf("tick every %s", cfg.Interval),
			ValueType:   "object",
		}, opts...),
		cfg: cfg,
	}, nil
}

// Start begins ticking.
func (s *Source) Start(ctx context.Context) error {
	return s.Launch(ctx, s.run)
}

// Stop stops ticking.
func (s *Source) Stop() error {
	return s.Halt()
}

// Refresh emits one tick immediately.
func (s *Source) Refresh(_ context.Context) error {
	s.Publish(s.tick(time.Now()))
	return nil
}

func (s *Source) run(ctx context.Context, run *source.Run) {
	ticker := time.NewTicker(s.cfg.Interval.Std())
	defer ticker.Stop()

	run.SetStatus(source.Status{State: source.Connected})
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			run.Publish(s.tick(now))
		}
	}
}

func (s *Source) tick(now time.Time) value.Value {
	n := s.count.Add(1)
	members := []value.Member{
		value.Pair("count", value.Int(n)),
		value.Pair("timestamp", value.Int(now.UnixMilli())),
	}
	if s.cfg.Payload != nil {
		members = append(members, value.Pair("payload", s.cfg.Payload.Clone()))
	}
	return value.ObjectOf(members...)
}
