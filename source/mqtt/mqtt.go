// Package mqtt implements a source that subscribes to MQTT topic filters.
package mqtt

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/c360/dataflow/errors"
	"github.com/c360/dataflow/pkg/duration"
	"github.com/c360/dataflow/pkg/retry"
	"github.com/c360/dataflow/source"
	"github.com/c360/dataflow/value"
)

// ErrNotConnected is returned by Send and Refresh while the client is offline.
var ErrNotConnected = stderrors.New("mqtt client not connected")

// Config configures an MQTT source.
type Config struct {
	Broker   string   `json:"broker" yaml:"broker"`
	Topics   []string `json:"topics" yaml:"topics"`
	QoS      byte     `json:"qos,omitempty" yaml:"qos,omitempty"`
	ClientID string   `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	Username string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password string   `json:"password,omitempty" yaml:"password,omitempty"`
	// IncludeTopic wraps each payload as {"topic": t, "payload": p}.
	IncludeTopic bool `json:"include_topic,omitempty" yaml:"include_topic,omitempty"`
	// PublishTopic is where Send publishes. Send fails when it is empty.
	PublishTopic   string            `json:"publish_topic,omitempty" yaml:"publish_topic,omitempty"`
	ConnectTimeout duration.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	KeepAlive      duration.Duration `json:"keep_alive,omitempty" yaml:"keep_alive,omitempty"`
	RetryDelay     duration.Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	MaxRetryDelay  duration.Duration `json:"max_retry_delay,omitempty" yaml:"max_retry_delay,omitempty"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("%w: broker is required", errors.ErrMissingConfig)
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("%w: at least one topic is required", errors.ErrMissingConfig)
	}
	for _, t := range c.Topics {
		if t == "" {
			return fmt.Errorf("%w: empty topic filter", errors.ErrInvalidConfig)
		}
	}
	if c.QoS > 2 {
		return fmt.Errorf("%w: qos must be 0, 1 or 2", errors.ErrInvalidConfig)
	}
	return nil
}

// Source subscribes to topic filters and publishes each message as a Full update.
type Source struct {
	*source.Base
	cfg Config

	mu     sync.Mutex
	client pahomqtt.Client
}

var (
	_ source.Source = (*Source)(nil)
	_ source.Sender = (*Source)(nil)
)

// New creates an MQTT source.
func New(id string, cfg Config, opts ...source.Option) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "mqtt", "New", "validate config")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "dataflow-" + id
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = duration.Duration(10 * time.Second)
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = duration.Duration(time.Second)
	}
	if cfg.MaxRetryDelay == 0 {
		cfg.MaxRetryDelay = duration.Duration(30 * time.Second)
	}
	return &Source{
		Base: source.NewBase(id, source.KindMQTT, source.Schema{
			Description: cfg.Broker,
		}, opts...),
		cfg: cfg,
	}, nil
}

// Start connects and subscribes in the background.
func (s *Source) Start(ctx context.Context) error {
	return s.Launch(ctx, s.run)
}

// Stop disconnects.
func (s *Source) Stop() error {
	return s.Halt()
}

// Refresh re-subscribes, which makes the broker resend retained messages.
func (s *Source) Refresh(ctx context.Context) error {
	client := s.current()
	if client == nil || !client.IsConnected() {
		return errors.WrapTransient(ErrNotConnected, "mqtt", "Refresh", "resubscribe")
	}
	return s.wait(ctx, client.SubscribeMultiple(s.filters(), s.handler(nil)), "Refresh", "resubscribe")
}

// Send publishes text to PublishTopic.
func (s *Source) Send(ctx context.Context, text string) error {
	if s.cfg.PublishTopic == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: publish_topic is not set", errors.ErrMissingConfig), "mqtt", "Send", "publish")
	}
	client := s.current()
	if client == nil || !client.IsConnected() {
		return errors.WrapTransient(ErrNotConnected, "mqtt", "Send", "publish")
	}
	return s.wait(ctx, client.Publish(s.cfg.PublishTopic, s.cfg.QoS, false, text), "Send", "publish")
}

func (s *Source) current() pahomqtt.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *Source) wait(ctx context.Context, tok pahomqtt.Token, method, action string) error {
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return errors.WrapTransient(err, "mqtt", method, action)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Source) filters() map[string]byte {
	filters := make(map[string]byte, len(s.cfg.Topics))
	for _, t := range s.cfg.Topics {
		filters[t] = s.cfg.QoS
	}
	return filters
}

// handler publishes through run when given, else through the base directly.
func (s *Source) handler(run *source.Run) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		v := s.decode(msg.Topic(), msg.Payload())
		if run != nil {
			run.Publish(v)
			return
		}
		s.Publish(v)
	}
}

func (s *Source) decode(topic string, payload []byte) value.Value {
	v := value.Decode(payload)
	if s.cfg.IncludeTopic {
		return source.TopicPayload(topic, v)
	}
	return v
}

func (s *Source) clientOptions(run *source.Run) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectTimeout(s.cfg.ConnectTimeout.Std()).
		SetMaxReconnectInterval(s.cfg.MaxRetryDelay.Std())
	if s.cfg.KeepAlive > 0 {
		opts.SetKeepAlive(s.cfg.KeepAlive.Std())
	}
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}

	// Subscriptions are not kept across clean sessions, so every (re)connect subscribes.
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		tok := c.SubscribeMultiple(s.filters(), s.handler(run))
		if tok.WaitTimeout(s.cfg.ConnectTimeout.Std()) && tok.Error() == nil {
			run.SetStatus(source.Status{State: source.Connected})
			return
		}
		err := tok.Error()
		if err == nil {
			err = fmt.Errorf("subscribe timed out")
		}
		run.SetStatus(source.StatusError(errors.WrapTransient(err, "mqtt", "onConnect", "subscribe")))
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		run.SetStatus(source.StatusError(errors.WrapTransient(err, "mqtt", "run", "connection lost")))
	})
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		run.SetStatus(source.Status{State: source.Connecting})
	})
	return opts
}

func (s *Source) run(ctx context.Context, run *source.Run) {
	client := pahomqtt.NewClient(s.clientOptions(run))
	backoff := retry.NewBackoff(s.cfg.RetryDelay.Std(), s.cfg.MaxRetryDelay.Std(), 2)

	// paho reconnects on its own once a first connection succeeds; the initial connect is
	// retried here.
	for {
		err := s.wait(ctx, client.Connect(), "run", "connect "+s.cfg.Broker)
		if ctx.Err() != nil {
			client.Disconnect(0)
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

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	run.Logger().Info("MQTT connected", "broker", s.cfg.Broker, "topics", s.cfg.Topics)

	<-ctx.Done()

	s.mu.Lock()
	if s.client == client {
		s.client = nil
	}
	s.mu.Unlock()
	client.Disconnect(250)
}
