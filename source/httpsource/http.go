// Package httpsource implements a source that fetches a URL once at start and optionally
// polls it on a fixed interval.
package httpsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/dataflow/errors"
	"github.com/c360/dataflow/pkg/duration"
	"github.com/c360/dataflow/pkg/retry"
	"github.com/c360/dataflow/source"
	"github.com/c360/dataflow/value"
)

// maxBodySize caps how much of a response body is read.
const maxBodySize = 16 << 20

// RetryConfig controls retries of a single fetch. MaxAttempts of 0 or 1 disables retry.
type RetryConfig struct {
	MaxAttempts  int               `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialDelay duration.Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	MaxDelay     duration.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Multiplier   float64           `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	Jitter       bool              `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

func (r RetryConfig) toRetry() retry.Config {
	return retry.Config{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay.Std(),
		MaxDelay:     r.MaxDelay.Std(),
		Multiplier:   r.Multiplier,
		AddJitter:    r.Jitter,
	}
}

// Config configures an HTTP source.
type Config struct {
	URL     string            `json:"url" yaml:"url"`
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`
	// Interval enables polling after the initial fetch. Zero fetches once.
	Interval duration.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	Timeout  duration.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry    RetryConfig       `json:"retry,omitempty" yaml:"retry,omitempty"`
	// MinRefreshInterval rate limits Refresh calls. Zero means unlimited.
	MinRefreshInterval duration.Duration `json:"min_refresh_interval,omitempty" yaml:"min_refresh_interval,omitempty"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: url is required", errors.ErrMissingConfig)
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url %q must be an absolute http(s) URL", errors.ErrInvalidConfig, c.URL)
	}
	if c.Interval < 0 || c.Timeout < 0 || c.MinRefreshInterval < 0 {
		return fmt.Errorf("%w: durations must not be negative", errors.ErrInvalidConfig)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("%w: retry.max_attempts must not be negative", errors.ErrInvalidConfig)
	}
	return nil
}

// Source fetches a URL and publishes the decoded body.
type Source struct {
	*source.Base
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

var _ source.Source = (*Source)(nil)

// Option configures the HTTP client used by a Source.
type Option func(*Source)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) {
		if c != nil {
			s.client = c
		}
	}
}

// New creates an HTTP source.
func New(id string, cfg Config, opts []Option, baseOpts ...source.Option) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "httpsource", "New", "validate config")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	timeout := cfg.Timeout.Std()
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.MinRefreshInterval > 0 {
		limit = rate.Every(cfg.MinRefreshInterval.Std())
	}

	s := &Source{
		Base: source.NewBase(id, source.KindHTTP, source.Schema{
			Description: cfg.Method + " " + cfg.URL,
		}, baseOpts...),
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start performs the initial fetch and, if an interval is set, keeps polling.
func (s *Source) Start(ctx context.Context) error {
	return s.Launch(ctx, s.run)
}

// Stop aborts polling and any in-flight request.
func (s *Source) Stop() error {
	return s.Halt()
}

// Refresh fetches once, independent of the poll loop.
func (s *Source) Refresh(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return errors.WrapTransient(err, "httpsource", "Refresh", "wait for rate limit")
	}
	v, err := s.fetchWithRetry(ctx)
	if err != nil {
		s.SetStatus(source.StatusError(err))
		return err
	}
	s.SetStatus(source.Status{State: source.Connected})
	s.Publish(v)
	return nil
}

func (s *Source) run(ctx context.Context, run *source.Run) {
	s.poll(ctx, run)
	if s.cfg.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.Interval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx, run)
		}
	}
}

// poll performs one fetch. Failures only set Error; the next tick tries again.
func (s *Source) poll(ctx context.Context, run *source.Run) {
	v, err := s.fetchWithRetry(ctx)
	if err != nil {
		if ctx.Err() == nil {
			run.SetStatus(source.StatusError(err))
		}
		return
	}
	run.SetStatus(source.Status{State: source.Connected})
	run.Publish(v)
}

func (s *Source) fetchWithRetry(ctx context.Context) (value.Value, error) {
	return retry.DoWithResult(ctx, s.cfg.Retry.toRetry(), func() (value.Value, error) {
		return s.fetch(ctx)
	})
}

func (s *Source) fetch(ctx context.Context) (value.Value, error) {
	var body io.Reader
	if s.cfg.Body != "" {
		body = strings.NewReader(s.cfg.Body)
	}
	req, err := http.NewRequestWithContext(ctx, s.cfg.Method, s.cfg.URL, body)
	if err != nil {
		return value.Value{}, retry.NonRetryable(errors.WrapInvalid(err, "httpsource", "fetch", "build request"))
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return value.Value{}, errors.WrapTransient(err, "httpsource", "fetch", "request "+s.cfg.URL)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return value.Value{}, errors.WrapTransient(err, "httpsource", "fetch", "read body")
	}

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("unexpected status %s", resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return value.Value{}, errors.WrapTransient(err, "httpsource", "fetch", "request "+s.cfg.URL)
		}
		return value.Value{}, retry.NonRetryable(errors.WrapInvalid(err, "httpsource", "fetch", "request "+s.cfg.URL))
	}

	return value.Decode(data), nil
}
