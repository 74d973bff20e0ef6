// Package health turns source and connection states into an aggregated health report.
package health

import (
	"regexp"
	"strings"
	"time"

	"github.com/c360/dataflow/source"
)

// State is a health level.
type State string

// Health levels, ordered from best to worst.
const (
	Healthy   State = "healthy"
	Degraded  State = "degraded"
	Unhealthy State = "unhealthy"
)

func (s State) rank() int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	default:
		return 2
	}
}

// Status is the health of one component and, for aggregates, of its parts.
type Status struct {
	Component string    `json:"component"`
	State     State     `json:"state"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Checks    []Status  `json:"checks,omitempty"`
}

// IsHealthy reports whether the state is Healthy.
func (s Status) IsHealthy() bool { return s.State == Healthy }

// New creates a status stamped with the current time.
func New(component string, state State, message string) Status {
	return Status{Component: component, State: state, Message: message, Timestamp: time.Now()}
}

// Aggregate reports the worst state among checks. No checks is healthy.
func Aggregate(component string, checks []Status) Status {
	worst := Healthy
	for _, c := range checks {
		if c.State.rank() > worst.rank() {
			worst = c.State
		}
	}
	msg := "all checks healthy"
	switch worst {
	case Degraded:
		msg = "one or more checks degraded"
	case Unhealthy:
		msg = "one or more checks unhealthy"
	}
	st := New(component, worst, msg)
	st.Checks = append([]Status(nil), checks...)
	return st
}

// FromSource maps a source status. A stopped or connecting source is degraded, a source in
// Error is unhealthy. Error messages are sanitized.
func FromSource(id string, st source.Status) Status {
	switch st.State {
	case source.Connected:
		return New("source:"+id, Healthy, "connected")
	case source.Connecting:
		return New("source:"+id, Degraded, "connecting")
	case source.Disconnected:
		return New("source:"+id, Degraded, "stopped")
	default:
		return New("source:"+id, Unhealthy, Sanitize(st.Message))
	}
}

// FromConnection maps a connection check such as NATS.
func FromConnection(name string, connected bool, detail string) Status {
	if connected {
		return New(name, Healthy, detail)
	}
	return New(name, Unhealthy, detail)
}

var (
	urlPattern        = regexp.MustCompile(`(?i)\b(https?|wss?|nats|mqtt|tcp|redis|rediss)://[^\s]+`)
	pathPattern       = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipPattern         = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portPattern       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialPattern = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Sanitize removes endpoints, file paths and credentials from a message so it can be
// served on an unauthenticated endpoint.
func Sanitize(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlPattern.ReplaceAllString(msg, "[URL]")
	msg = pathPattern.ReplaceAllString(msg, "[PATH]")
	msg = ipPattern.ReplaceAllString(msg, "[IP]")
	msg = portPattern.ReplaceAllString(msg, "[PORT]")
	lower := strings.ToLower(msg)
	for _, word := range []string{"password", "token", "key", "secret", "credential"} {
		if strings.Contains(lower, word) {
			return credentialPattern.ReplaceAllString(msg, "[REDACTED]")
		}
	}
	return msg
}
