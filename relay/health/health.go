// Package health implements the relay's liveness/readiness endpoints.
//
// Grounded on the teacher's relay/health contract (NewStatusHandler,
// ServeHTTP/ServeLive/ServeReady, connection counters, upstream gauge),
// extended with a peer-count gauge reported in the Status document, per
// SPEC_FULL.md's AMBIENT STACK "Health" section. Readiness depends only
// on the upstream gauge; the peer count does not affect it.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshrelay/meshrelay/internal/version"
)

// Status is the JSON body served from ServeHTTP.
type Status struct {
	Status            string    `json:"status"`
	Timestamp         time.Time `json:"timestamp"`
	Uptime            string    `json:"uptime"`
	ActiveConnections int64     `json:"active_connections"`
	UpstreamConnected bool      `json:"upstream_connected"`
	PeerCount         int64     `json:"peer_count"`
	Version           string    `json:"version"`
}

// StatusHandler tracks connection counts and upstream/peer reachability
// and serves them as liveness/readiness HTTP endpoints.
type StatusHandler struct {
	startedAt time.Time

	activeConnections atomic.Int64
	peerCount         atomic.Int64

	mu                sync.RWMutex
	upstreamRequired  bool
	upstreamConnected bool
}

// NewStatusHandler creates a StatusHandler with zero connections and
// upstream not required.
func NewStatusHandler() *StatusHandler {
	return &StatusHandler{startedAt: time.Now()}
}

// IncrementConnections records a new client connection.
func (h *StatusHandler) IncrementConnections() { h.activeConnections.Add(1) }

// DecrementConnections records a closed client connection.
func (h *StatusHandler) DecrementConnections() { h.activeConnections.Add(-1) }

// SetPeerCount reports the number of currently connected peer sessions,
// returned as PeerCount by GetStatus. ServeReady does not consult it.
func (h *StatusHandler) SetPeerCount(n int) { h.peerCount.Store(int64(n)) }

// SetUpstreamRequired marks whether readiness depends on an upstream
// connection (e.g. a single configured peer this relay must reach).
func (h *StatusHandler) SetUpstreamRequired(required bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.upstreamRequired = required
}

// SetUpstreamConnected updates the upstream connection gauge.
func (h *StatusHandler) SetUpstreamConnected(connected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.upstreamConnected = connected
}

// GetStatus returns a snapshot of the current health state.
func (h *StatusHandler) GetStatus() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	if h.upstreamRequired && !h.upstreamConnected {
		status = "degraded"
	}

	return Status{
		Status:            status,
		Timestamp:         time.Now(),
		Uptime:            time.Since(h.startedAt).String(),
		ActiveConnections: h.activeConnections.Load(),
		UpstreamConnected: h.upstreamConnected,
		PeerCount:         h.peerCount.Load(),
		Version:           version.Version(),
	}
}

func (h *StatusHandler) writeJSON(w http.ResponseWriter, r *http.Request, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// ServeHTTP answers GET/HEAD /health with the full Status document.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, r, http.StatusOK, h.GetStatus())
}

// ServeLive answers GET/HEAD /health/live: always alive once the process
// is serving requests.
func (h *StatusHandler) ServeLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

// ServeReady answers GET/HEAD /health/ready: not ready while a required
// upstream is disconnected.
func (h *StatusHandler) ServeReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	h.mu.RLock()
	required, connected := h.upstreamRequired, h.upstreamConnected
	h.mu.RUnlock()

	if required && !connected {
		h.writeJSON(w, r, http.StatusServiceUnavailable, map[string]interface{}{
			"ready":  false,
			"reason": "upstream_not_connected",
		})
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]interface{}{"ready": true})
}
