// Package stats serves the daemon's read-only statistics endpoint.
package stats

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/gdnsd/gdnsd-core/internal/monitor"
	"github.com/gdnsd/gdnsd-core/internal/monitor/history"
)

// Snapshot is the JSON shape served at GET /stats.
type Snapshot struct {
	QueriesServed uint64              `json:"queries_served"`
	QueriesUDP    uint64              `json:"queries_udp"`
	QueriesTCP    uint64              `json:"queries_tcp"`
	MonitorsUp    int                 `json:"monitors_up"`
	MonitorsDown  int                 `json:"monitors_down"`
	Recent        []history.Transition `json:"recent_transitions,omitempty"`
}

// Counters are the process-wide query counters, updated by the DNS I/O
// threads and read by the stats handler.
type Counters struct {
	Served atomic.Uint64
	UDP    atomic.Uint64
	TCP    atomic.Uint64
}

// Server serves the stats endpoint.
type Server struct {
	counters *Counters
	monitors *monitor.Table
	history  *history.DB // may be nil
}

// NewServer builds a stats Server.
func NewServer(counters *Counters, monitors *monitor.Table, hist *history.DB) *Server {
	return &Server{counters: counters, monitors: monitors, history: hist}
}

// Router returns the chi router this server answers on.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/stats", s.handleStats)
	return r
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := Snapshot{
		QueriesServed: s.counters.Served.Load(),
		QueriesUDP:    s.counters.UDP.Load(),
		QueriesTCP:    s.counters.TCP.Load(),
	}
	for _, sttl := range s.monitors.Snapshot() {
		if sttl.Down() {
			snap.MonitorsDown++
		} else {
			snap.MonitorsUp++
		}
	}
	if s.history != nil {
		if recent, err := s.history.Recent(20); err == nil {
			snap.Recent = recent
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}
