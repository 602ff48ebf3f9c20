// Package operator implements the loopback-only control surface: a plain
// JSON/HTTP API for health, circuit reset, and geo cache invalidation,
// plus a WebSocket stream of live health snapshots for an attached
// operator console.
package operator

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ocx/backend/internal/healthprobe"
	"github.com/ocx/backend/internal/writer"
)

// GeoCacheClearer is satisfied by geocache.Cache.
type GeoCacheClearer interface {
	Clear()
}

// Server is the loopback operator HTTP API.
type Server struct {
	breaker *writer.Breaker
	probe *healthprobe.Probe
	geoCache GeoCacheClearer
	started time.Time

	logger *log.Logger
	upgrader websocket.Upgrader

	mu sync.RWMutex
	streams map[*websocket.Conn]struct{}
}

// New wires an operator Server.
func New(breaker *writer.Breaker, probe *healthprobe.Probe, geoCache GeoCacheClearer) *Server {
	return &Server{
		breaker: breaker,
		probe: probe,
		geoCache: geoCache,
		started: time.Now(),
		logger: log.New(log.Writer(), "[OPERATOR] ", log.LstdFlags),
		streams: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return isLoopback(r) },
		},
	}
}

// Register mounts the operator routes onto r, wrapped in loopback
// enforcement.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/internal/health", s.loopbackOnly(s.handleHealth)).Methods(http.MethodGet)
	r.HandleFunc("/internal/circuit-reset", s.loopbackOnly(s.handleCircuitReset)).Methods(http.MethodPost)
	r.HandleFunc("/internal/geo-cache/clear", s.loopbackOnly(s.handleGeoCacheClear)).Methods(http.MethodPost)
	r.HandleFunc("/internal/health/stream", s.loopbackOnly(s.handleHealthStream)).Methods(http.MethodGet)
}

// loopbackOnly wraps a handler with a single enforcement rule: refuse
// anything that didn't originate from 127.0.0.1/::1 with a 404, so the
// operator surface is invisible to the outside rather than merely
// unauthorized.
func (s *Server) loopbackOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isLoopback(r) {
			http.NotFound(w, r)
			return
		}
		next(w, r)
	}
}

func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type healthResponse struct {
	Circuit string `json:"circuit"`
	LastTripReason string `json:"last_trip_reason,omitempty"`
	QueueDepth int `json:"queue_depth"`
	UptimeSeconds int64 `json:"uptime_seconds"`
	IsReachable bool `json:"is_reachable"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{IsReachable: true, UptimeSeconds: int64(time.Since(s.started).Seconds())}

	if s.breaker != nil {
		resp.Circuit = s.breaker.State().String()
		resp.LastTripReason = s.breaker.LastTrip().Reason
	}
	if s.probe != nil {
		snap := s.probe.LastSnapshot()
		for _, depth := range snap.HandoffDepths {
			resp.QueueDepth += depth
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	if s.breaker == nil {
		http.Error(w, "no writer circuit configured", http.StatusServiceUnavailable)
		return
	}
	s.breaker.Reset()
	s.logger.Printf("circuit reset via operator endpoint from %s", r.RemoteAddr)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGeoCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.geoCache == nil {
		http.Error(w, "no geo cache configured", http.StatusServiceUnavailable)
		return
	}
	s.geoCache.Clear()
	s.logger.Printf("geo cache cleared via operator endpoint from %s", r.RemoteAddr)
	w.WriteHeader(http.StatusOK)
}

// handleHealthStream upgrades to a WebSocket and registers the connection
// on a single outbound topic — no per-client filtering needed for one
// snapshot type. Snapshots reach it only through BroadcastSnapshot;
// cmd/forge does not call BroadcastSnapshot, so there the stream carries
// no snapshots.
func (s *Server) handleHealthStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	s.streams[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.streams, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// BroadcastSnapshot pushes snap to every attached health-stream client;
// call this once per probe tick (e.g. from a small adapter wrapping
// healthprobe.Probe.Run).
func (s *Server) BroadcastSnapshot(snap healthprobe.Snapshot) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for conn := range s.streams {
		if err := conn.WriteJSON(snap); err != nil {
			s.logger.Printf("websocket write failed: %v", err)
		}
	}
}
