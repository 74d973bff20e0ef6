package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/c360/dataflow/engine"
	"github.com/c360/dataflow/health"
)

type statusResponse struct {
	Health   health.Status       `json:"health"`
	Version  string              `json:"version"`
	Uptime   string              `json:"uptime"`
	NATS     string              `json:"nats,omitempty"`
	Sources  []engine.SourceInfo `json:"sources"`
	Bindings int                 `json:"bindings"`
	Actions  []string            `json:"actions"`
	Stores   []string            `json:"stores"`
}

// newServeMux serves /metrics (when enabled), /status and /healthz.
func (a *app) newServeMux(started time.Time) *http.ServeMux {
	mux := http.NewServeMux()
	if a.cfg.Server.Metrics {
		mux.Handle("GET /metrics", a.registry.Handler())
	}
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		resp := statusResponse{
			Health:   a.report(),
			Version:  Version,
			Uptime:   time.Since(started).Round(time.Second).String(),
			Sources:  a.engine.Sources(),
			Bindings: a.engine.Bindings().Len(),
			Actions:  a.engine.Actions().Actions(),
			Stores:   a.engine.Repository().Stores(),
		}
		if a.nats != nil {
			resp.NATS = a.nats.Status().String()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := a.report()
		w.Header().Set("Content-Type", "application/json")
		if st.State == health.Unhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	})
	return mux
}

// report aggregates NATS and every source. Stopped sources only degrade the report;
// /healthz fails when something is unhealthy.
func (a *app) report() health.Status {
	var checks []health.Status
	if a.nats != nil {
		checks = append(checks, health.FromConnection("nats", a.nats.IsHealthy(), a.nats.Status().String()))
	}
	for _, s := range a.engine.Sources() {
		checks = append(checks, health.FromSource(s.ID, s.Status))
	}
	return health.Aggregate(appName, checks)
}
