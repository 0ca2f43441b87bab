// Package control serves the local HTTP API an external user interface
// uses to watch and steer the agent.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/robobridge/internal/agent"
	"github.com/HerbHall/robobridge/internal/detect"
	"github.com/HerbHall/robobridge/internal/serialmon"
	"github.com/HerbHall/robobridge/internal/store"
	"github.com/HerbHall/robobridge/internal/version"
	"github.com/HerbHall/robobridge/pkg/events"
	"github.com/HerbHall/robobridge/pkg/models"
)

const addressHistoryLimit = 10

// Controller is the agent as seen by the API.
type Controller interface {
	SelectRobot(key string) error
	Connect() error
	Disconnect() error
	Rescan()
	SetServerAddress(ctx context.Context, address string) error
	ResetServerAddress(ctx context.Context)
	Snapshot() agent.Snapshot
	Candidates() []models.Robot
}

// AddressHistory lists previously used server addresses.
type AddressHistory interface {
	RecentAddresses(ctx context.Context, limit int) ([]store.AddressEntry, error)
}

// SerialControl starts and stops the serial monitor.
type SerialControl interface {
	Start(port string, baud int) error
	Stop()
	Status() (port string, running bool)
}

// IDTableReport reports the lines rejected by the last Arduino ID table load.
type IDTableReport interface {
	Report() events.IDTableErrors
}

// Options carries the optional collaborators of the server.
type Options struct {
	History AddressHistory
	Serial  SerialControl
	IDTable IDTableReport
	Metrics http.Handler
}

// Server is the control API server.
type Server struct {
	httpServer *http.Server
	controller Controller
	bus        events.EventBus
	opts       Options
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New creates a server listening on addr.
func New(addr string, controller Controller, bus events.EventBus, opts Options, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		controller: controller,
		bus:        bus,
		opts:       opts,
		logger:     logger,
		mux:        mux,
	}
	s.registerRoutes()
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/v1/robots", s.handleRobots)
	s.mux.HandleFunc("POST /api/v1/robots/select", s.handleSelect)
	s.mux.HandleFunc("POST /api/v1/connect", s.handleConnect)
	s.mux.HandleFunc("POST /api/v1/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("POST /api/v1/rescan", s.handleRescan)
	s.mux.HandleFunc("PUT /api/v1/server-address", s.handleSetAddress)
	s.mux.HandleFunc("DELETE /api/v1/server-address", s.handleResetAddress)
	s.mux.HandleFunc("GET /api/v1/server-address/history", s.handleAddressHistory)
	s.mux.HandleFunc("GET /api/v1/serial", s.handleSerialStatus)
	s.mux.HandleFunc("POST /api/v1/serial", s.handleSerialStart)
	s.mux.HandleFunc("DELETE /api/v1/serial", s.handleSerialStop)
	s.mux.HandleFunc("GET /api/v1/arduino/id-errors", s.handleIDErrors)
	s.mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", s.opts.Metrics)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting control API", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("control API: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	s.logger.Info("shutting down control API")
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "robobridge",
		"version": version.Map(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleRobots(w http.ResponseWriter, _ *http.Request) {
	robots := s.controller.Candidates()
	out := make([]models.RobotInfo, 0, len(robots))
	for _, r := range robots {
		out = append(out, models.Describe(r))
	}
	writeJSON(w, http.StatusOK, out)
}

type selectRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Key == "" {
		BadRequest(w, "key is required", r.URL.Path)
		return
	}
	if err := s.controller.SelectRobot(req.Key); err != nil {
		if errors.Is(err, detect.ErrUnknownRobot) {
			NotFound(w, err.Error(), r.URL.Path)
			return
		}
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.sessionControl(w, r, s.controller.Connect)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.sessionControl(w, r, s.controller.Disconnect)
}

func (s *Server) sessionControl(w http.ResponseWriter, r *http.Request, fn func() error) {
	if err := fn(); err != nil {
		if errors.Is(err, agent.ErrNoSession) {
			Conflict(w, err.Error(), r.URL.Path)
			return
		}
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRescan(w http.ResponseWriter, _ *http.Request) {
	s.controller.Rescan()
	w.WriteHeader(http.StatusAccepted)
}

type addressRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleSetAddress(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.controller.SetServerAddress(r.Context(), req.Address); err != nil {
		BadRequest(w, err.Error(), r.URL.Path)
		return
	}
	s.writeAddress(w)
}

func (s *Server) handleResetAddress(w http.ResponseWriter, r *http.Request) {
	s.controller.ResetServerAddress(r.Context())
	s.writeAddress(w)
}

func (s *Server) writeAddress(w http.ResponseWriter) {
	snap := s.controller.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"address": snap.ServerAddress,
		"custom":  snap.CustomAddress,
	})
}

func (s *Server) handleAddressHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		Disabled(w, "address history is not available", r.URL.Path)
		return
	}
	entries, err := s.opts.History.RecentAddresses(r.Context(), addressHistoryLimit)
	if err != nil {
		s.logger.Error("listing address history failed", zap.Error(err))
		InternalError(w, "listing address history failed", r.URL.Path)
		return
	}
	if entries == nil {
		entries = []store.AddressEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type serialRequest struct {
	Port string `json:"port"`
	Baud int    `json:"baud"`
}

type serialStatus struct {
	Port    string `json:"port,omitempty"`
	Running bool   `json:"running"`
}

func (s *Server) handleSerialStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Serial == nil {
		Disabled(w, "serial monitor is not available", r.URL.Path)
		return
	}
	port, running := s.opts.Serial.Status()
	writeJSON(w, http.StatusOK, serialStatus{Port: port, Running: running})
}

func (s *Server) handleSerialStart(w http.ResponseWriter, r *http.Request) {
	if s.opts.Serial == nil {
		Disabled(w, "serial monitor is not available", r.URL.Path)
		return
	}
	var req serialRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if err := s.opts.Serial.Start(req.Port, req.Baud); err != nil {
		if errors.Is(err, serialmon.ErrNoPort) {
			Conflict(w, err.Error(), r.URL.Path)
			return
		}
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	port, running := s.opts.Serial.Status()
	writeJSON(w, http.StatusAccepted, serialStatus{Port: port, Running: running})
}

func (s *Server) handleSerialStop(w http.ResponseWriter, r *http.Request) {
	if s.opts.Serial == nil {
		Disabled(w, "serial monitor is not available", r.URL.Path)
		return
	}
	s.opts.Serial.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIDErrors(w http.ResponseWriter, r *http.Request) {
	if s.opts.IDTable == nil {
		Disabled(w, "arduino support is not enabled", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.IDTable.Report())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		BadRequest(w, "invalid request body: "+err.Error(), r.URL.Path)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Robobridge-Version", version.Short())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
