package action

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/dataflow/errors"
	"github.com/c360/dataflow/value"
)

// Event builds the document the publish and webhook actions send: the trigger, the change
// and the action parameters.
func Event(params value.Value, ac Context) value.Value {
	old, nv := value.Null(), value.Null()
	if ac.Change.OldValue != nil {
		old = *ac.Change.OldValue
	}
	if ac.Change.NewValue != nil {
		nv = *ac.Change.NewValue
	}
	return value.ObjectOf(
		value.Pair("trigger", value.String(ac.TriggerID)),
		value.Pair("execution_id", value.String(ac.ExecutionID)),
		value.Pair("path", value.String(ac.Change.Path.String())),
		value.Pair("old", old),
		value.Pair("new", nv),
		value.Pair("params", params),
		value.Pair("timestamp", value.String(ac.FiredAt.UTC().Format(time.RFC3339Nano))),
	)
}

func stringParam(params value.Value, key string) (string, bool) {
	v, ok := params.Field(key)
	if !ok {
		return "", false
	}
	s, ok := v.AsString()
	return s, ok && s != ""
}

// LogAction writes the change to a logger. The optional "message" parameter replaces the
// default message and "level" selects debug, info, warn or error.
type LogAction struct {
	logger *slog.Logger
}

// NewLogAction creates the "log" action.
func NewLogAction(logger *slog.Logger) *LogAction {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAction{logger: logger.With("component", "action.log")}
}

func (*LogAction) Name() string { return "log" }

func (a *LogAction) Execute(ctx context.Context, params value.Value, ac Context) (value.Value, error) {
	msg, ok := stringParam(params, "message")
	if !ok {
		msg = "Trigger fired"
	}
	level := slog.LevelInfo
	if name, ok := stringParam(params, "level"); ok {
		if err := level.UnmarshalText([]byte(name)); err != nil {
			return value.Value{}, fmt.Errorf("%w: level %q", ErrInvalidParams, name)
		}
	}
	attrs := []any{"trigger", ac.TriggerID, "execution_id", ac.ExecutionID, "path", ac.Change.Path.String()}
	if ac.Change.NewValue != nil {
		attrs = append(attrs, "value", ac.Change.NewValue.Text())
	}
	a.logger.Log(ctx, level, msg, attrs...)
	return value.Null(), nil
}

// Publisher sends a message on a subject. *natsclient.Client implements it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// PublishAction publishes the trigger event as JSON to the "subject" parameter.
type PublishAction struct {
	publisher Publisher
}

// NewPublishAction creates the "publish" action.
func NewPublishAction(p Publisher) *PublishAction {
	return &PublishAction{publisher: p}
}

func (*PublishAction) Name() string { return "publish" }

func (a *PublishAction) Execute(ctx context.Context, params value.Value, ac Context) (value.Value, error) {
	subject, ok := stringParam(params, "subject")
	if !ok {
		return value.Value{}, fmt.Errorf("%w: publish needs a \"subject\"", ErrInvalidParams)
	}
	data, err := Event(params, ac).MarshalJSON()
	if err != nil {
		return value.Value{}, errors.WrapInvalid(err, "PublishAction", "Execute", "encode event")
	}
	if err := a.publisher.Publish(ctx, subject, data); err != nil {
		return value.Value{}, errors.WrapTransient(err, "PublishAction", "Execute", "publish to "+subject)
	}
	return value.ObjectOf(value.Pair("subject", value.String(subject)), value.Pair("bytes", value.Int(int64(len(data))))), nil
}

// WebhookConfig configures the webhook action.
type WebhookConfig struct {
	Timeout time.Duration
	// RatePerSecond bounds outgoing requests across all triggers. Zero means unlimited.
	RatePerSecond float64
	Burst         int
	Client        *http.Client
}

// WebhookAction sends the trigger event to the "url" parameter. "method" defaults to POST
// and "headers" adds request headers.
type WebhookAction struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookAction creates the "webhook" action.
func NewWebhookAction(cfg WebhookConfig) *WebhookAction {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limit, burst := rate.Inf, cfg.Burst
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &WebhookAction{client: client, limiter: rate.NewLimiter(limit, burst)}
}

func (*WebhookAction) Name() string { return "webhook" }

func (a *WebhookAction) Execute(ctx context.Context, params value.Value, ac Context) (value.Value, error) {
	target, ok := stringParam(params, "url")
	if !ok {
		return value.Value{}, fmt.Errorf("%w: webhook needs a \"url\"", ErrInvalidParams)
	}
	if u, err := url.Parse(target); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return value.Value{}, fmt.Errorf("%w: webhook url %q", ErrInvalidParams, target)
	}
	method, ok := stringParam(params, "method")
	if !ok {
		method = http.MethodPost
	}

	body, err := Event(params, ac).MarshalJSON()
	if err != nil {
		return value.Value{}, errors.WrapInvalid(err, "WebhookAction", "Execute", "encode event")
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return value.Value{}, errors.WrapTransient(err, "WebhookAction", "Execute", "wait for rate limiter")
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return value.Value{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dataflow-Execution", ac.ExecutionID)
	if headers, ok := params.Field("headers"); ok {
		if obj, ok := headers.AsObject(); ok {
			obj.Range(func(k string, v value.Value) bool {
				req.Header.Set(k, v.Text())
				return true
			})
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return value.Value{}, errors.WrapTransient(err, "WebhookAction", "Execute", "send request")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("webhook returned %s", resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return value.Value{}, errors.WrapTransient(err, "WebhookAction", "Execute", "check response")
		}
		return value.Value{}, errors.WrapInvalid(err, "WebhookAction", "Execute", "check response")
	}
	return value.ObjectOf(value.Pair("status", value.Int(int64(resp.StatusCode)))), nil
}

// RegisterBuiltins registers log, webhook and, when publisher is not nil, publish.
func RegisterBuiltins(s *System, logger *slog.Logger, publisher Publisher, webhook WebhookConfig) error {
	builtins := []Action{NewLogAction(logger), NewWebhookAction(webhook)}
	if publisher != nil {
		builtins = append(builtins, NewPublishAction(publisher))
	}
	for _, a := range builtins {
		if err := s.Register(a); err != nil {
			return err
		}
	}
	return nil
}
