// Package httpserver serves daemon status, control endpoints and the event stream.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/skobkin/fasd/internal/api"
	"github.com/skobkin/fasd/internal/config"
	"github.com/skobkin/fasd/internal/cpufreq"
	"github.com/skobkin/fasd/internal/extension"
	"github.com/skobkin/fasd/internal/looper"
	"github.com/skobkin/fasd/internal/profile"
	"github.com/skobkin/fasd/internal/sampler"
	"github.com/skobkin/fasd/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	maxOffsetBody     = 1 << 10
)

// StatusSource exposes the control loop snapshot.
type StatusSource interface {
	Status() looper.Status
}

// FrequencySource exposes the requested frequency and its bounds.
type FrequencySource interface {
	Requested() int64
	Range() (minFreq, maxFreq int64)
}

// ProfileSource exposes the active profile.
type ProfileSource interface {
	Snapshot() profile.Data
}

// ReadySource reports whether a background component has produced data.
type ReadySource interface {
	Ready() bool
}

// ForegroundSource exposes the foreground pid set.
type ForegroundSource interface {
	ReadySource
	TopappPIDs() sets.Set[int]
}

// Deps bundles the components the HTTP surface reads from. Nil fields disable
// the endpoints or fields that need them.
type Deps struct {
	Looper     StatusSource
	Controller FrequencySource
	Policies   []cpufreq.Policy
	Table      *cpufreq.Table
	Sampler    *sampler.Manager
	Profiles   ProfileSource
	Topapp     ForegroundSource
	Extensions *extension.Broadcaster
	Registry   *prometheus.Registry
}

// Server wraps the HTTP surface area of the daemon.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	deps       Deps
	hub        *wsHub

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
}

// New assembles a Server with its handlers. When deps.Extensions is set the
// websocket hub is registered as an extension listener.
func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		deps:   deps,
		hub:    newWSHub(logger),
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}
	if deps.Extensions != nil {
		deps.Extensions.Register(s.hub)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/policies", s.handlePolicies)
	mux.HandleFunc("POST /api/policies/{id}/offset", s.handleSetOffset)
	mux.HandleFunc("GET /ws", s.handleWS)

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.withRequestLogging(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	info := s.readiness()

	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, statusCode, info)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.status())
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.policyStates())
}

func (s *Server) handleSetOffset(w http.ResponseWriter, r *http.Request) {
	logger := s.loggerFromContext(r.Context())
	if s.deps.Table == nil {
		http.Error(w, "policy table unavailable", http.StatusServiceUnavailable)
		return
	}

	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid policy id", http.StatusBadRequest)
		return
	}

	var req api.OffsetRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOffsetBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid offset payload", http.StatusBadRequest)
		return
	}

	if err := s.deps.Table.SetOffset(id, req.OffsetKHz); err != nil {
		if errors.Is(err, cpufreq.ErrUnknownPolicy) {
			http.NotFound(w, r)
			return
		}
		logger.Error("failed to set policy offset", "policy", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	logger.Info("policy offset updated", "policy", id, "offset_khz", req.OffsetKHz)

	for _, state := range s.policyStates() {
		if state.ID == id {
			s.writeJSON(w, r, http.StatusOK, state)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func (s *Server) status() api.StatusResponse {
	var resp api.StatusResponse
	if s.deps.Looper != nil {
		resp.Status = s.deps.Looper.Status()
	}
	if s.deps.Controller != nil {
		resp.RequestedKHz = s.deps.Controller.Requested()
		resp.MinKHz, resp.MaxKHz = s.deps.Controller.Range()
	}
	if s.deps.Profiles != nil {
		data := s.deps.Profiles.Snapshot()
		resp.Profiles = len(data.GameList)
		resp.KeepStd = data.Config.KeepStd
	}
	if s.deps.Topapp != nil {
		resp.Foreground = sets.List(s.deps.Topapp.TopappPIDs())
	}
	return resp
}

func (s *Server) policyStates() []api.PolicyState {
	current := make(map[int]*int64)
	if s.deps.Sampler != nil {
		if sample, ok := s.deps.Sampler.Latest(); ok {
			for _, ps := range sample.Policies {
				current[ps.ID] = ps.CurKHz
			}
		}
	}

	states := make([]api.PolicyState, 0, len(s.deps.Policies))
	for _, p := range s.deps.Policies {
		state := api.PolicyState{
			Policy:   p,
			LimitKHz: p.DefaultMax,
			Weight:   1,
			CurKHz:   current[p.ID],
		}
		if s.deps.Table != nil {
			state.LimitKHz = s.deps.Table.Current(p.ID)
			state.OffsetKHz = s.deps.Table.Offset(p.ID)
			state.Weight = s.deps.Table.Weight(p.ID)
		}
		states = append(states, state)
	}
	return states
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func (s *Server) readiness() readyResponse {
	resp := readyResponse{
		Policies: len(s.deps.Policies),
	}

	switch {
	case len(s.deps.Policies) == 0:
		resp.Status = "degraded"
		resp.Reason = "no_cpufreq_policies"
	case s.deps.Topapp != nil && !s.deps.Topapp.Ready():
		resp.Status = "initializing"
		resp.Reason = "waiting_for_topapp"
	case s.deps.Sampler != nil && !s.deps.Sampler.Ready():
		resp.Status = "initializing"
		resp.Reason = "waiting_for_samples"
	default:
		resp.Status = "ok"
	}
	return resp
}

type readyResponse struct {
	Status   string `json:"status"`
	Policies int    `json:"policies"`
	Reason   string `json:"reason,omitempty"`
}
