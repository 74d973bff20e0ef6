// Package source defines the Source capability shared by every external feed and the Base
// type that implements its lifecycle.
//
// A Source owns at most one background task. Start launches it and fails with
// ErrAlreadyRunning while a task is live; Stop cancels it without draining and moves the
// status to Disconnected. Updates are fanned out to any number of subscribers through a
// lossy broadcast hub, so a slow consumer never stalls the feed.
package source

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/c360/dataflow/pkg/broadcast"
	"github.com/c360/dataflow/value"
)

var (
	// ErrAlreadyRunning is returned by Start while a background task is live.
	ErrAlreadyRunning = stderrors.New("source already running")
	// ErrNotStarted is returned by operations that need a running task.
	ErrNotStarted = stderrors.New("source not started")
)

// Kind names a source variant.
type Kind string

// Source kinds.
const (
	KindTimer     Kind = "timer"
	KindFile      Kind = "file"
	KindHTTP      Kind = "http"
	KindWebSocket Kind = "websocket"
	KindMQTT      Kind = "mqtt"
	KindRedis     Kind = "redis"
	KindNATS      Kind = "nats"
)

// Kinds lists every known kind.
func Kinds() []Kind {
	return []Kind{KindTimer, KindFile, KindHTTP, KindWebSocket, KindMQTT, KindRedis, KindNATS}
}

// State is the connection state of a source.
type State int

// Source states.
const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a state plus an optional message, set for Error.
type Status struct {
	State   State  `json:"state"`
	Message string `json:"message,omitempty"`
}

func (s Status) String() string {
	if s.Message == "" {
		return s.State.String()
	}
	return fmt.Sprintf("%s: %s", s.State, s.Message)
}

// StatusError builds an Error status from err.
func StatusError(err error) Status {
	return Status{State: Error, Message: err.Error()}
}

// Schema describes the values a source produces.
type Schema struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ValueType   string `json:"value_type,omitempty"`
}

// UpdateType distinguishes full replacements from incremental merges.
type UpdateType int

const (
	// Full replaces the source subtree.
	Full UpdateType = iota
	// Partial merges into the source subtree. Built-in sources only emit Full.
	Partial
)

func (t UpdateType) String() string {
	if t == Partial {
		return "partial"
	}
	return "full"
}

// Update is one value produced by a source.
type Update struct {
	SourceID  string
	Data      value.Value
	Type      UpdateType
	Timestamp time.Time
}

// FullUpdate builds a Full update stamped with the current time.
func FullUpdate(sourceID string, data value.Value) Update {
	return Update{SourceID: sourceID, Data: data, Type: Full, Timestamp: time.Now()}
}

// PartialUpdate builds a Partial update stamped with the current time.
func PartialUpdate(sourceID string, data value.Value) Update {
	return Update{SourceID: sourceID, Data: data, Type: Partial, Timestamp: time.Now()}
}

// Source is an active producer of updates.
type Source interface {
	ID() string
	Kind() Kind
	Schema() Schema

	// Start launches the background task.
	Start(ctx context.Context) error
	// Stop aborts the background task.
	Stop() error
	// Refresh performs a one-shot fetch independent of any running loop.
	Refresh(ctx context.Context) error
	// Subscribe returns a stream of future updates.
	Subscribe() *broadcast.Subscription[Update]
	// Status returns the current status without blocking.
	Status() Status
}

// Sender is implemented by sources that can write back to their peer.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// TopicPayload wraps a message payload with the topic, channel or subject it arrived on.
func TopicPayload(topic string, payload value.Value) value.Value {
	return value.ObjectOf(value.Pair("topic", value.String(topic)), value.Pair("payload", payload))
}
