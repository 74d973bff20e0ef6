// Package nats implements a source that subscribes to NATS subjects.
package nats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/dataflow/errors"
	"github.com/c360/dataflow/natsclient"
	"github.com/c360/dataflow/pkg/duration"
	"github.com/c360/dataflow/pkg/retry"
	"github.com/c360/dataflow/source"
	"github.com/c360/dataflow/value"
)

// Config configures a NATS source.
type Config struct {
	URL      string   `json:"url" yaml:"url"`
	Subjects []string `json:"subjects" yaml:"subjects"`
	// IncludeTopic wraps each message as {"topic": subject, "payload": p}.
	IncludeTopic bool   `json:"include_topic,omitempty" yaml:"include_topic,omitempty"`
	Username     string `json:"username,omitempty" yaml:"username,omitempty"`
	Password     string `json:"password,omitempty" yaml:"password,omitempty"`
	Token        string `json:"token,omitempty" yaml:"token,omitempty"`
	// PublishSubject is where Send publishes.
	PublishSubject string `json:"publish_subject,omitempty" yaml:"publish_subject,omitempty"`
	// RefreshSubject, when set, is requested by Refresh and the reply is published.
	RefreshSubject string            `json:"refresh_subject,omitempty" yaml:"refresh_subject,omitempty"`
	Timeout        duration.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RetryDelay     duration.Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	MaxRetryDelay  duration.Duration `json:"max_retry_delay,omitempty" yaml:"max_retry_delay,omitempty"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: url is required", errors.ErrMissingConfig)
	}
	if len(c.Subjects) == 0 {
		return fmt.Errorf("%w: at least one subject is required", errors.ErrMissingConfig)
	}
	for _, s := range c.Subjects {
		if s == "" {
			return fmt.Errorf("%w: empty subject", errors.ErrInvalidConfig)
		}
	}
	return nil
}

// Source publishes every message on its subjects as a Full update.
type Source struct {
	*source.Base
	cfg Config

	mu     sync.Mutex
	client *natsclient.Client
}

var (
	_ source.Source = (*Source)(nil)
	_ source.Sender = (*Source)(nil)
)

// New creates a NATS source.
func New(id string, cfg Config, opts ...source.Option) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "nats", "New", "validate config")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = duration.Duration(5 * time.Second)
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = duration.Duration(time.Second)
	}
	if cfg.MaxRetryDelay == 0 {
		cfg.MaxRetryDelay = duration.Duration(30 * time.Second)
	}
	return &Source{
		Base: source.NewBase(id, source.KindNATS, source.Schema{
			Description: cfg.URL,
		}, opts...),
		cfg: cfg,
	}, nil
}

// Start connects and subscribes in the background.
func (s *Source) Start(ctx context.Context) error {
	return s.Launch(ctx, s.run)
}

// Stop drains and closes the connection.
func (s *Source) Stop() error {
	return s.Halt()
}

// Refresh requests RefreshSubject and publishes the reply. Without one it does nothing.
func (s *Source) Refresh(ctx context.Context) error {
	if s.cfg.RefreshSubject == "" {
		return nil
	}
	client := s.current()
	if client == nil || client.Connection() == nil {
		return errors.WrapTransient(natsclient.ErrNotConnected, "nats", "Refresh", "request")
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout.Std())
	defer cancel()
	msg, err := client.Connection().RequestWithContext(reqCtx, s.cfg.RefreshSubject, nil)
	if err != nil {
		return errors.WrapTransient(err, "nats", "Refresh", "request "+s.cfg.RefreshSubject)
	}
	s.Publish(s.decode(msg.Subject, msg.Data))
	return nil
}

// Send publishes text on PublishSubject.
func (s *Source) Send(ctx context.Context, text string) error {
	if s.cfg.PublishSubject == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: publish_subject is not set", errors.ErrMissingConfig), "nats", "Send", "publish")
	}
	client := s.current()
	if client == nil {
		return errors.WrapTransient(natsclient.ErrNotConnected, "nats", "Send", "publish")
	}
	return client.Publish(ctx, s.cfg.PublishSubject, []byte(text))
}

func (s *Source) current() *natsclient.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *Source) decode(subject string, data []byte) value.Value {
	v := value.Decode(data)
	if s.cfg.IncludeTopic {
		return source.TopicPayload(subject, v)
	}
	return v
}

func (s *Source) newClient(run *source.Run) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithClientName("dataflow-" + s.ID()),
		natsclient.WithTimeout(s.cfg.Timeout.Std()),
		natsclient.WithLogger(run.Logger()),
		natsclient.WithDisconnectCallback(func(err error) {
			if err == nil {
				err = fmt.Errorf("disconnected")
			}
			run.SetStatus(source.StatusError(err))
		}),
		natsclient.WithReconnectCallback(func() {
			run.SetStatus(source.Status{State: source.Connected})
		}),
	}
	if s.cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(s.cfg.Username, s.cfg.Password))
	}
	if s.cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(s.cfg.Token))
	}
	return natsclient.NewClient(s.cfg.URL, opts...)
}

func (s *Source) run(ctx context.Context, run *source.Run) {
	client, err := s.newClient(run)
	if err != nil {
		run.SetStatus(source.StatusError(err))
		return
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout.Std())
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			run.Logger().Debug("NATS close failed", "error", err)
		}
	}()

	backoff := retry.NewBackoff(s.cfg.RetryDelay.Std(), s.cfg.MaxRetryDelay.Std(), 2)
	for {
		err := client.Connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			break
		}
		run.SetStatus(source.StatusError(err))
		if retry.Sleep(ctx, backoff.Next()) != nil {
			return
		}
	}

	handler := func(_ context.Context, subject string, data []byte) {
		run.Publish(s.decode(subject, data))
	}
	for _, subject := range s.cfg.Subjects {
		if _, err := client.Subscribe(ctx, subject, handler); err != nil {
			run.SetStatus(source.StatusError(errors.Wrap(err, "nats", "run", "subscribe "+subject)))
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

	run.SetStatus(source.Status{State: source.Connected})
	run.Logger().Info("NATS subscribed", "subjects", s.cfg.Subjects)
	<-ctx.Done()
}
