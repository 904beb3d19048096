package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mcclellann/loansync/pkg/ledger"
	"github.com/mcclellann/loansync/pkg/models"
	"github.com/mcclellann/loansync/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger reports whether a backing database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes operational endpoints for a running reconciler.
type Server struct {
	ledger      *ledger.Ledger
	deadLetters store.DeadLetters
	db          Pinger
	gatherer    prometheus.Gatherer
	log         *zap.Logger
}

func NewServer(l *ledger.Ledger, dl store.DeadLetters, db Pinger, g prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{ledger: l, deadLetters: dl, db: db, gatherer: g, log: logger}
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/runs/last", s.lastRunHandler).Methods("GET")
	router.HandleFunc("/dead-letters/{track}", s.deadLettersHandler).Methods("GET")
	return router
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) lastRunHandler(w http.ResponseWriter, r *http.Request) {
	stats, ok := s.ledger.LastRun()
	if !ok {
		http.Error(w, "No run has finished yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) deadLettersHandler(w http.ResponseWriter, r *http.Request) {
	track, err := models.ParseTrack(mux.Vars(r)["track"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := s.deadLetters.ListDeadLetters(r.Context(), track)
	if err != nil {
		s.log.Error("listing dead letters failed", zap.String("track", string(track)), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []models.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
