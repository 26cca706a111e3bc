// Package health exposes liveness and readiness endpoints for the
// extension host: /health answers as soon as the process is up, /ready
// flips once the registry, supervisor and gateway are started and stays
// green only while every registered check passes.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// CheckFunc probes one dependency, returning pass/fail and a message.
type CheckFunc func() (bool, string)

// Check is the serialized result of one readiness check.
type Check struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// StatusResponse is the body of both endpoints.
type StatusResponse struct {
	Status string           `json:"status"`
	Uptime string           `json:"uptime"`
	Checks map[string]Check `json:"checks,omitempty"`
}

// Server serves the health and readiness endpoints.
type Server struct {
	addr    string
	started time.Time

	mu     sync.RWMutex
	ready  bool
	checks map[string]CheckFunc

	httpSrv *http.Server
}

// NewServer creates a health server bound to host:port.
func NewServer(host string, port int) *Server {
	return &Server{
		addr:    fmt.Sprintf("%s:%d", host, port),
		started: time.Now(),
		checks:  make(map[string]CheckFunc),
	}
}

// SetReady flips the readiness gate.
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()
}

// RegisterCheck adds a named readiness check.
func (s *Server) RegisterCheck(name string, fn CheckFunc) {
	s.mu.Lock()
	s.checks[name] = fn
	s.mu.Unlock()
}

// Start serves until the context is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)

	s.httpSrv = &http.Server{Addr: s.addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}()

	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down and marks it not ready.
func (s *Server) Stop(ctx context.Context) error {
	s.SetReady(false)
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatusResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.ready
	names := make([]string, 0, len(s.checks))
	fns := make([]CheckFunc, 0, len(s.checks))
	for name, fn := range s.checks {
		names = append(names, name)
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	checks := make(map[string]Check, len(fns))
	allPassing := true
	for i, fn := range fns {
		ok, message := fn()
		if !ok {
			allPassing = false
		}
		checks[names[i]] = Check{
			Name:      names[i],
			Status:    statusString(ok),
			Message:   message,
			Timestamp: time.Now(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !ready || !allPassing {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(StatusResponse{
			Status: "not ready",
			Uptime: time.Since(s.started).Round(time.Second).String(),
			Checks: checks,
		})
		return
	}

	json.NewEncoder(w).Encode(StatusResponse{
		Status: "ready",
		Uptime: time.Since(s.started).Round(time.Second).String(),
		Checks: checks,
	})
}

func statusString(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}
