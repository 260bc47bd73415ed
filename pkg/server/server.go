package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/burrow/pkg/datastore"
	"github.com/cuemby/burrow/pkg/metrics"
)

// AdminServer serves the daemon's HTTP admin endpoints: /health,
// /ready, and /metrics. The client-facing datastore protocol is a
// separate transport and not part of this server.
type AdminServer struct {
	store *datastore.Datastore
	mux   *http.ServeMux
}

// New creates an admin server over the datastore service.
func New(store *datastore.Datastore) *AdminServer {
	mux := http.NewServeMux()
	s := &AdminServer{store: store, mux: mux}

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Start serves until the listener fails.
func (s *AdminServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// Handler exposes the mux for tests.
func (s *AdminServer) Handler() http.Handler { return s.mux }

func (s *AdminServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.store.Health())
}

func (s *AdminServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ready":      true,
		"content_id": s.store.ContentID(),
	})
}
