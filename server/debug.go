// File: server/debug.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Diagnostic routes, served only when Options.Debug is set.

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	metricHealthCheck        = "phab.core.HealthCheck"
	metricServiceHealthCheck = "phab.core.ServiceHealthCheck"
)

type serviceHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

type healthReport struct {
	Healthy  bool            `json:"healthy"`
	Services []serviceHealth `json:"services"`
}

type statusReport struct {
	Uptime      string   `json:"uptime"`
	Connections int      `json:"connections"`
	Inflight    int      `json:"inflight"`
	Services    int      `json:"services"`
	Routes      []string `json:"routes"`
	Pool        any      `json:"pool"`
}

// DebugHandler returns the diagnostic router.
func (s *Server) DebugHandler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Get("/healthz", s.handleHealthz)
	mux.Method(http.MethodGet, "/metricz", s.ctx.Metrics().Handler())
	mux.Get("/varz", s.handleVarz)
	mux.Get("/flagz", s.handleFlagz)
	mux.Get("/statusz", s.handleStatusz)
	return mux
}

// DebugAddress returns the bound address of the debug server once Run has
// started it, or "".
func (s *Server) DebugAddress() string { return s.debugAddr.Load() }

func (s *Server) startDebug() (*http.Server, error) {
	ln, err := net.Listen("tcp", s.opts.DebugAddr)
	if err != nil {
		return nil, fmt.Errorf("listen debug %s: %w", s.opts.DebugAddr, err)
	}
	srv := &http.Server{
		Handler:           s.DebugHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.debugAddr.Store(ln.Addr().String())
	s.logger.Warn("debug routes enabled, they may leak private data", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("debug server", "error", err)
		}
	}()
	return srv, nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	mr := s.ctx.Metrics()
	mr.Counter(metricHealthCheck).Inc()
	perService := mr.CounterVec(metricServiceHealthCheck, "service")
	report := healthReport{Healthy: true, Services: []serviceHealth{}}
	for _, svc := range s.ctx.Services() {
		ok := svc.Healthy()
		perService.WithLabel(svc.Name()).Inc()
		report.Healthy = report.Healthy && ok
		report.Services = append(report.Services, serviceHealth{Name: svc.Name(), Healthy: ok})
	}
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, status, report)
		return
	}
	var b strings.Builder
	for _, svc := range report.Services {
		health := "ok"
		if !svc.Healthy {
			health = "unhealthy"
		}
		fmt.Fprintf(&b, "Server: %s Health: %s\n", svc.Name, health)
	}
	if report.Healthy {
		b.WriteString("ok\n")
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(b.String()))
}

func (s *Server) handleVarz(w http.ResponseWriter, _ *http.Request) {
	mr := s.ctx.Metrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": mr.Values(),
		"values":  mr.GetSnapshot(),
		"probes":  s.ctx.Probes().DumpState(),
	})
}

func (s *Server) handleFlagz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.GetSnapshot())
}

func (s *Server) handleStatusz(w http.ResponseWriter, _ *http.Request) {
	network := s.ctx.Network()
	writeJSON(w, http.StatusOK, statusReport{
		Uptime:      s.ctx.Uptime().Round(time.Millisecond).String(),
		Connections: network.NumConnections(),
		Inflight:    network.Context().InflightResponses(),
		Services:    len(s.ctx.Services()),
		Routes:      s.Routes(),
		Pool:        network.Pool().Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
