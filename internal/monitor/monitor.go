// ============================================================================
// FEP Monitor - HTTP status API
// ============================================================================
//
// Package: internal/monitor
// File: monitor.go
// Purpose: Serves the state of a running participant over HTTP.
//
// Routes:
//   GET /metrics            Prometheus metrics
//   GET /api/status         participant, role, state, simulation time
//   GET /api/steps          step configurations by name
//   GET /api/steps/{name}   one step configuration
//   GET /api/schedule       resolved schedule map (master only)
//   GET /api/incidents      recent incidents, ?limit=N
//   GET /api/resource       CPU and RSS of this process
//
// ============================================================================

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/process"

	"github.com/audi/fep-participant-sub001/internal/incident"
	"github.com/audi/fep-participant-sub001/internal/schedule"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

// Status is the reply of /api/status.
type Status struct {
	Participant string            `json:"participant"`
	Role        string            `json:"role"`
	State       string            `json:"state"`
	TriggerMode types.TriggerMode `json:"trigger_mode,omitempty"`
	SimTime     int64             `json:"sim_time_us"`
	ErrorEvents int               `json:"error_events"`
	Steps       int               `json:"steps"`
}

// Source is the participant as seen by the monitor.
type Source interface {
	Status() Status
	Steps() map[string]types.StepConfig
	Schedule() []schedule.Slot
	Incidents() []incident.Incident
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

// Server serves the monitor routes.
type Server struct {
	src    Source
	router *mux.Router
	logger *slog.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// New builds the router for src.
func New(src Source) *Server {
	s := &Server{src: src, logger: slog.With("component", "monitor")}
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.status).Methods(http.MethodGet)
	api.HandleFunc("/steps", s.steps).Methods(http.MethodGet)
	api.HandleFunc("/steps/{name}", s.step).Methods(http.MethodGet)
	api.HandleFunc("/schedule", s.schedule).Methods(http.MethodGet)
	api.HandleFunc("/incidents", s.incidents).Methods(http.MethodGet)
	api.HandleFunc("/resource", s.resource).Methods(http.MethodGet)
	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr and serves in the background. ":0" picks a port.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return fmt.Errorf("%w: monitor already running", types.ErrInvalidState)
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitor listen %s: %w", addr, err)
	}
	s.listener = l
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	srv := s.srv
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("monitor stopped", "error", err)
		}
	}()
	s.logger.Info("monitor listening", "addr", l.Addr().String())
	return nil
}

// Addr returns the listen address, or "" when not started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.listener = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Status())
}

func (s *Server) steps(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Steps())
}

func (s *Server) step(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	cfg, ok := s.src.Steps()[name]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("step %q not found", name))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) schedule(w http.ResponseWriter, _ *http.Request) {
	slots := s.src.Schedule()
	if slots == nil {
		slots = []schedule.Slot{}
	}
	writeJSON(w, http.StatusOK, slots)
}

func (s *Server) incidents(w http.ResponseWriter, r *http.Request) {
	list := s.src.Incidents()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if n < len(list) {
			list = list[len(list)-n:]
		}
	}
	if list == nil {
		list = []incident.Incident{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) resource(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resourceRsp{CPUPercent: cpuPercent, MemorySize: mem.RSS})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("monitor reply not written", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
