// Package websocket implements a streaming source over a WebSocket client connection
package websocket

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/dataflow/errors"
	"github.com/c360/dataflow/metric"
	"github.com/c360/dataflow/pkg/duration"
	"github.com/c360/dataflow/pkg/retry"
	"github.com/c360/dataflow/source"
	"github.com/c360/dataflow/value"
)

// ErrNotConnected is returned by Send while no connection is open.
var ErrNotConnected = stderrors.New("websocket not connected")

const writeTimeout = 10 * time.Second

// ReconnectConfig holds the reconnect policy
type ReconnectConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Delay is the first wait; each failed attempt doubles it up to MaxDelay.
	Delay    duration.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`
	MaxDelay duration.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	// MaxAttempts bounds consecutive failed attempts (0=unlimited).
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// HeartbeatConfig sends Message every Interval while connected
type HeartbeatConfig struct {
	Interval duration.Duration `json:"interval" yaml:"interval"`
	Message  string            `json:"message" yaml:"message"`
}

// Config holds configuration for a WebSocket source
type Config struct {
	URL       string            `json:"url" yaml:"url"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Heartbeat *HeartbeatConfig  `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`
	// Reconnect defaults to DefaultReconnectConfig when nil.
	Reconnect        *ReconnectConfig  `json:"reconnect,omitempty" yaml:"reconnect,omitempty"`
	QueueSize        int               `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	HandshakeTimeout duration.Duration `json:"handshake_timeout,omitempty" yaml:"handshake_timeout,omitempty"`
	// RefreshMessage, when set, is sent by Refresh to ask the peer for a snapshot.
	RefreshMessage string `json:"refresh_message,omitempty" yaml:"refresh_message,omitempty"`
}

// DefaultReconnectConfig returns the reconnect policy used when none is configured
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Enabled:  true,
		Delay:    duration.Duration(time.Second),
		MaxDelay: duration.Duration(30 * time.Second),
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: url is required", errors.ErrMissingConfig)
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%w: url %q must be an absolute ws(s) URL", errors.ErrInvalidConfig, c.URL)
	}
	if c.Heartbeat != nil && c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("%w: heartbeat.interval must be positive", errors.ErrInvalidConfig)
	}
	if r := c.Reconnect; r != nil {
		if r.Delay < 0 || r.MaxDelay < 0 || r.MaxAttempts < 0 {
			return fmt.Errorf("%w: reconnect values must not be negative", errors.ErrInvalidConfig)
		}
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("%w: queue_size must not be negative", errors.ErrInvalidConfig)
	}
	return nil
}

// Metrics holds Prometheus metrics for a WebSocket source
type Metrics struct {
	messagesReceived  prometheus.Counter
	framesDropped     prometheus.Counter
	connectionsTotal  prometheus.Counter
	reconnectAttempts prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry, sourceID string) *Metrics {
	if registry == nil {
		return nil
	}

	labels := prometheus.Labels{"source": sourceID}
	metrics := &Metrics{
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dataflow",
			Subsystem:   "websocket_source",
			Name:        "messages_received_total",
			Help:        "Total frames received from the peer",
			ConstLabels: labels,
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dataflow",
			Subsystem:   "websocket_source",
			Name:        "frames_dropped_total",
			Help:        "Outbound frames dropped because the queue was full",
			ConstLabels: labels,
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dataflow",
			Subsystem:   "websocket_source",
			Name:        "connections_total",
			Help:        "Total successful connections",
			ConstLabels: labels,
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dataflow",
			Subsystem:   "websocket_source",
			Name:        "reconnect_attempts_total",
			Help:        "Total reconnection attempts",
			ConstLabels: labels,
		}),
	}

	service := "websocket." + sourceID
	_ = registry.RegisterCounter(service, "messages_received", metrics.messagesReceived)
	_ = registry.RegisterCounter(service, "frames_dropped", metrics.framesDropped)
	_ = registry.RegisterCounter(service, "connections_total", metrics.connectionsTotal)
	_ = registry.RegisterCounter(service, "reconnect_attempts", metrics.reconnectAttempts)

	return metrics
}

func (m *Metrics) inc(pick func(*Metrics) prometheus.Counter) {
	if m != nil {
		pick(m).Inc()
	}
}

func receivedCounter(m *Metrics) prometheus.Counter { return m.messagesReceived }
func droppedCounter(m *Metrics) prometheus.Counter { return m.framesDropped }
func connectedCounter(m *Metrics) prometheus.Counter { return m.connectionsTotal }
func reconnectCounter(m *Metrics) prometheus.Counter { return m.reconnectAttempts }

type frame struct {
	kind int
	data []byte
}

// connection is the per-connection outbound side. out is owned by the writer goroutine.
type connection struct {
	out  chan frame
	done <-chan struct{}
}

// Source streams frames from a WebSocket server
type Source struct {
	*source.Base
	cfg       Config
	reconnect ReconnectConfig
	dialer    *websocket.Dialer
	headers   http.Header
	metrics   *Metrics

	connMu sync.Mutex
	conn   *connection
}

var (
	_ source.Source = (*Source)(nil)
	_ source.Sender = (*Source)(nil)
)

// New creates a WebSocket source
func New(id string, cfg Config, opts ...source.Option) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "websocket", "New", "validate config")
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 64
	}
	reconnect := DefaultReconnectConfig()
	if cfg.Reconnect != nil {
		reconnect = *cfg.Reconnect
	}

	handshake := cfg.HandshakeTimeout.Std()
	if handshake == 0 {
		handshake = 45 * time.Second
	}

	headers := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}

	s := &Source{
		Base: source.NewBase(id, source.KindWebSocket, source.Schema{
			Description: cfg.URL,
		}, opts...),
		cfg:       cfg,
		reconnect: reconnect,
		dialer:    &websocket.Dialer{HandshakeTimeout: handshake, Proxy: http.ProxyFromEnvironment},
		headers:   headers,
	}
	s.metrics = newMetrics(s.Registry(), id)
	return s, nil
}

// Start launches the connect loop
func (s *Source) Start(ctx context.Context) error {
	return s.Launch(ctx, s.connectLoop)
}

// Stop closes the connection and ends the loop
func (s *Source) Stop() error {
	return s.Halt()
}

// Refresh sends RefreshMessage when one is configured. The stream itself has nothing to
// re-fetch.
func (s *Source) Refresh(ctx context.Context) error {
	if s.cfg.RefreshMessage == "" {
		return nil
	}
	return s.Send(ctx, s.cfg.RefreshMessage)
}

// Send queues a text frame for the writer. It waits for queue space until ctx is done.
func (s *Source) Send(ctx context.Context, text string) error {
	s.connMu.Lock()
	c := s.conn
	s.connMu.Unlock()
	if c == nil {
		return errors.WrapTransient(ErrNotConnected, "websocket", "Send", "queue frame")
	}

	select {
	case c.out <- frame{kind: websocket.TextMessage, data: []byte(text)}:
		return nil
	case <-c.done:
		return errors.WrapTransient(ErrNotConnected, "websocket", "Send", "queue frame")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue is the non-blocking path used by heartbeats and pong replies.
func (s *Source) enqueue(c *connection, f frame) {
	select {
	case c.out <- f:
	default:
		s.metrics.inc(droppedCounter)
		s.Logger().Debug("Outbound queue full, frame dropped", "kind", f.kind)
	}
}

func (s *Source) connectLoop(ctx context.Context, run *source.Run) {
	backoff := retry.NewBackoff(s.reconnect.Delay.Std(), s.reconnect.MaxDelay.Std(), 2)
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}
		run.SetStatus(source.Status{State: source.Connecting})

		conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, s.headers)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			err = errors.WrapTransient(err, "websocket", "connectLoop", "dial "+s.cfg.URL)
			if !s.shouldReconnect(failures) {
				run.SetStatus(source.StatusError(fmt.Errorf("giving up after %d attempts: %w", failures, err)))
				return
			}
			run.SetStatus(source.StatusError(err))
			if retry.Sleep(ctx, backoff.Next()) != nil {
				return
			}
			continue
		}

		failures = 0
		backoff.Reset()
		s.metrics.inc(connectedCounter)
		run.SetStatus(source.Status{State: source.Connected})
		run.Logger().Info("WebSocket connected", "url", s.cfg.URL)

		err = s.serve(ctx, run, conn)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("connection closed by peer")
		}
		run.Logger().Info("WebSocket disconnected", "error", err)

		if !s.reconnect.Enabled {
			run.SetStatus(source.StatusError(err))
			return
		}
		run.SetStatus(source.StatusError(err))
		if retry.Sleep(ctx, backoff.Next()) != nil {
			return
		}
	}
}

func (s *Source) shouldReconnect(failures int) bool {
	if !s.reconnect.Enabled {
		return false
	}
	if s.reconnect.MaxAttempts > 0 && failures >= s.reconnect.MaxAttempts {
		return false
	}
	s.metrics.inc(reconnectCounter)
	return true
}

// serve runs the writer, the optional heartbeat and the read loop for one connection. It
// returns when the read loop ends; helpers are cancelled and awaited before returning.
func (s *Source) serve(ctx context.Context, run *source.Run, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &connection{out: make(chan frame, s.cfg.QueueSize), done: connCtx.Done()}
	s.connMu.Lock()
	s.conn = c
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		if s.conn == c {
			s.conn = nil
		}
		s.connMu.Unlock()
	}()

	// Unblocks ReadMessage on Stop.
	stop := context.AfterFunc(connCtx, func() { _ = conn.Close() })
	defer stop()

	conn.SetPingHandler(func(appData string) error {
		s.enqueue(c, frame{kind: websocket.PongMessage, data: []byte(appData)})
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(connCtx, conn, c.out)
	}()
	if hb := s.cfg.Heartbeat; hb != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.heartbeatLoop(connCtx, c, hb)
		}()
	}

	err := s.readLoop(run, conn)
	cancel()
	wg.Wait()
	_ = conn.Close()
	return err
}

func (s *Source) readLoop(run *source.Run, conn *websocket.Conn) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return errors.WrapTransient(err, "websocket", "readLoop", "read frame")
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		s.metrics.inc(receivedCounter)
		run.Publish(value.Decode(data))
	}
}

func (s *Source) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan frame) {
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case f := <-out:
			if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(f.kind, f.data); err != nil {
				s.Logger().Debug("WebSocket write failed", "error", err)
				return
			}
		}
	}
}

func (s *Source) heartbeatLoop(ctx context.Context, c *connection, hb *HeartbeatConfig) {
	ticker := time.NewTicker(hb.Interval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.enqueue(c, frame{kind: websocket.TextMessage, data: []byte(hb.Message)})
		}
	}
}
