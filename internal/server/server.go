// Package server exposes the run registry as a read-only JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"spare/internal/errs"
	"spare/internal/fit"
	"spare/internal/registry"
)

// Server serves run, pass and result listings.
type Server struct {
	addr   string
	reg    *registry.Registry
	log    *slog.Logger
	server *http.Server
}

// RunResponse is a run together with its description.
type RunResponse struct {
	registry.Run
	Description string `json:"description,omitempty"`
}

// NewServer creates a server for reg listening on addr.
func NewServer(addr string, reg *registry.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{addr: addr, reg: reg, log: log}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id:[0-9]+}", s.handleRun).Methods("GET")
	r.HandleFunc("/runs/{id:[0-9]+}/passes", s.handlePasses).Methods("GET")
	r.HandleFunc("/runs/{id:[0-9]+}/results", s.handleResults).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.reg.Runs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if runs == nil {
		runs = []registry.Run{}
	}
	writeJSON(w, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	run, err := s.reg.Run(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	desc, err := s.reg.RunDescription(r.Context(), id)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		s.writeError(w, err)
		return
	}
	writeJSON(w, RunResponse{Run: run, Description: desc})
}

func (s *Server) handlePasses(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	passes, err := s.reg.Passes(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if passes == nil {
		passes = []registry.PassRecord{}
	}
	writeJSON(w, passes)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	results, err := s.reg.Results(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if results == nil {
		results = []fit.ObjectResult{}
	}
	writeJSON(w, results)
}

// runID parses the {id} route variable and checks that the run exists.
func (s *Server) runID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return 0, false
	}
	if _, err := s.reg.Run(r.Context(), id); err != nil {
		s.writeError(w, err)
		return 0, false
	}
	return id, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errs.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.log.Error("request failed", "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
