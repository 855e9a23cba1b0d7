package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"quickpaste/svc/util"
)

// Pinger is anything whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthResponse struct {
	Status string `json:"status"`
}
type ReadyResponse struct {
	Ready   bool   `json:"ready"`
	Store   string `json:"store"`
	Limiter string `json:"limiter"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Ready fails when the record store is down. A down shared rate counter
// only degrades limiting to per-IP buckets and keeps the service ready.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{Ready: true, Store: "up", Limiter: "local"}
	storeCtx, storeCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer storeCancel()
	if err := s.paste.Ping(storeCtx); err != nil {
		util.Error().Err(err).Msg("record store health check failed")
		resp.Store = "down"
		resp.Ready = false
	}
	if s.counter != nil {
		resp.Limiter = "global"
		counterCtx, counterCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer counterCancel()
		if err := s.counter.Ping(counterCtx); err != nil {
			util.Warn().Err(err).Msg("rate counter health check failed")
			resp.Limiter = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
