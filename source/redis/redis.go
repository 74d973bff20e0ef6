// Package redis implements a source fed by Redis pub/sub channels or by polling keys.
package redis

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/c360/dataflow/errors"
	"github.com/c360/dataflow/pkg/duration"
	"github.com/c360/dataflow/pkg/retry"
	"github.com/c360/dataflow/source"
	"github.com/c360/dataflow/value"
)

// ErrNotConnected is returned by Send and Refresh before the client is up.
var ErrNotConnected = stderrors.New("redis client not connected")

// Config configures a Redis source. Exactly one of the subscribe mode (Channels and/or
// Patterns) or the poll mode (Keys) is used.
type Config struct {
	Addr     string `json:"addr" yaml:"addr"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`

	Channels []string `json:"channels,omitempty" yaml:"channels,omitempty"`
	Patterns []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	// IncludeTopic wraps each message as {"topic": channel, "payload": p}.
	IncludeTopic bool `json:"include_topic,omitempty" yaml:"include_topic,omitempty"`

	Keys     []string          `json:"keys,omitempty" yaml:"keys,omitempty"`
	Interval duration.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`

	// PublishChannel is where Send publishes.
	PublishChannel string            `json:"publish_channel,omitempty" yaml:"publish_channel,omitempty"`
	RetryDelay     duration.Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	MaxRetryDelay  duration.Duration `json:"max_retry_delay,omitempty" yaml:"max_retry_delay,omitempty"`
}

func (c Config) subscribes() bool { return len(c.Channels)+len(c.Patterns) > 0 }

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: addr is required", errors.ErrMissingConfig)
	}
	switch {
	case c.subscribes() && len(c.Keys) > 0:
		return fmt.Errorf("%w: keys cannot be combined with channels or patterns", errors.ErrInvalidConfig)
	case !c.subscribes() && len(c.Keys) == 0:
		return fmt.Errorf("%w: channels, patterns or keys are required", errors.ErrMissingConfig)
	}
	if c.Interval < 0 {
		return fmt.Errorf("%w: interval must not be negative", errors.ErrInvalidConfig)
	}
	return nil
}

// Source emits Redis messages or key snapshots as Full updates.
type Source struct {
	*source.Base
	cfg Config

	mu     sync.Mutex
	client *goredis.Client
}

var (
	_ source.Source = (*Source)(nil)
	_ source.Sender = (*Source)(nil)
)

// New creates a Redis source.
func New(id string, cfg Config, opts ...source.Option) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "redis", "New", "validate config")
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = duration.Duration(time.Second)
	}
	if cfg.MaxRetryDelay == 0 {
		cfg.MaxRetryDelay = duration.Duration(30 * time.Second)
	}
	return &Source{
		Base: source.NewBase(id, source.KindRedis, source.Schema{
			Description: cfg.Addr,
		}, opts...),
		cfg: cfg,
	}, nil
}

// Start connects and subscribes or polls in the background.
func (s *Source) Start(ctx context.Context) error {
	return s.Launch(ctx, s.run)
}

// Stop closes the client.
func (s *Source) Stop() error {
	return s.Halt()
}

// Refresh reads the configured keys once. In subscribe mode there is nothing to re-fetch.
func (s *Source) Refresh(ctx context.Context) error {
	if s.cfg.subscribes() {
		return nil
	}
	client := s.current()
	if client == nil {
		return errors.WrapTransient(ErrNotConnected, "redis", "Refresh", "read keys")
	}
	v, err := s.readKeys(ctx, client)
	if err != nil {
		s.SetStatus(source.StatusError(err))
		return err
	}
	s.SetStatus(source.Status{State: source.Connected})
	s.Publish(v)
	return nil
}

// Send publishes text on PublishChannel.
func (s *Source) Send(ctx context.Context, text string) error {
	if s.cfg.PublishChannel == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: publish_channel is not set", errors.ErrMissingConfig), "redis", "Send", "publish")
	}
	client := s.current()
	if client == nil {
		return errors.WrapTransient(ErrNotConnected, "redis", "Send", "publish")
	}
	if err := client.Publish(ctx, s.cfg.PublishChannel, text).Err(); err != nil {
		return errors.WrapTransient(err, "redis", "Send", "publish")
	}
	return nil
}

func (s *Source) current() *goredis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *Source) run(ctx context.Context, run *source.Run) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     s.cfg.Addr,
		Username: s.cfg.Username,
		Password: s.cfg.Password,
		DB:       s.cfg.DB,
	})
	defer client.Close()

	backoff := retry.NewBackoff(s.cfg.RetryDelay.Std(), s.cfg.MaxRetryDelay.Std(), 2)
	for {
		err := client.Ping(ctx).Err()
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			break
		}
		run.SetStatus(source.StatusError(errors.WrapTransient(err, "redis", "run", "ping "+s.cfg.Addr)))
		if retry.Sleep(ctx, backoff.Next()) != nil {
			return
		}
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.client == client {
			s.client = nil
		}
		s.mu.Unlock()
	}()

	if s.cfg.subscribes() {
		s.subscribe(ctx, run, client)
		return
	}
	s.poll(ctx, run, client)
}

func (s *Source) subscribe(ctx context.Context, run *source.Run, client *goredis.Client) {
	ps := client.Subscribe(ctx, s.cfg.Channels...)
	defer ps.Close()
	if len(s.cfg.Patterns) > 0 {
		if err := ps.PSubscribe(ctx, s.cfg.Patterns...); err != nil {
			run.SetStatus(source.StatusError(errors.WrapTransient(err, "redis", "subscribe", "psubscribe")))
			return
		}
	}
	// Wait for the subscription confirmation before reporting Connected.
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			run.SetStatus(source.StatusError(errors.WrapTransient(err, "redis", "subscribe", "subscribe")))
		}
		return
	}
	run.SetStatus(source.Status{State: source.Connected})
	run.Logger().Info("Redis subscribed", "channels", s.cfg.Channels, "patterns", s.cfg.Patterns)

	messages := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			run.Publish(s.decode(msg))
		}
	}
}

func (s *Source) decode(msg *goredis.Message) value.Value {
	v := value.Decode([]byte(msg.Payload))
	if s.cfg.IncludeTopic {
		return source.TopicPayload(msg.Channel, v)
	}
	return v
}

func (s *Source) poll(ctx context.Context, run *source.Run, client *goredis.Client) {
	apply := func() {
		v, err := s.readKeys(ctx, client)
		if err != nil {
			if ctx.Err() == nil {
				run.SetStatus(source.StatusError(err))
			}
			return
		}
		run.SetStatus(source.Status{State: source.Connected})
		run.Publish(v)
	}

	apply()
	if s.cfg.Interval <= 0 {
		// Single read; keep the client for Refresh until stopped.
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.cfg.Interval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			apply()
		}
	}
}

func (s *Source) readKeys(ctx context.Context, client *goredis.Client) (value.Value, error) {
	vals, err := client.MGet(ctx, s.cfg.Keys...).Result()
	if err != nil {
		return value.Value{}, errors.WrapTransient(err, "redis", "readKeys", "mget")
	}
	return snapshot(s.cfg.Keys, vals), nil
}

// snapshot builds an object keyed by key name. Missing keys are Null.
func snapshot(keys []string, vals []any) value.Value {
	o := value.NewObject()
	for i, k := range keys {
		v := value.Null()
		if i < len(vals) {
			switch raw := vals[i].(type) {
			case string:
				v = value.Decode([]byte(raw))
			case []byte:
				v = value.Decode(raw)
			}
		}
		o.Set(k, v)
	}
	return value.ObjectValue(o)
}
