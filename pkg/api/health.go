package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kb-labs/runtime/pkg/degrade"
	"github.com/kb-labs/runtime/pkg/metrics"
	"github.com/kb-labs/runtime/pkg/pool"
)

// HealthServer provides HTTP health check endpoints, served on a separate
// listener so probes keep answering while the REST host drains.
type HealthServer struct {
	pool    *pool.Pool
	degrade *degrade.Controller
	mux     *http.ServeMux
}

// NewHealthServer creates a new health check HTTP server.
func NewHealthServer(p *pool.Pool, ctl *degrade.Controller) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		pool:    p,
		degrade: ctl,
		mux:     mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start starts the health check HTTP server.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint.
// This is a simple liveness check - returns 200 if the process is alive.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler implements the /ready endpoint.
// This checks if the service is ready to accept traffic.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	// Check 1: worker pool
	if hs.pool != nil {
		workers := hs.pool.Workers()
		healthy := 0
		for _, w := range workers {
			if w.Healthy {
				healthy++
			}
		}
		checks["pool"] = fmt.Sprintf("%d/%d workers healthy", healthy, len(workers))
		if len(workers) > 0 && healthy == 0 {
			ready = false
			message = "No healthy workers"
		}
	} else {
		checks["pool"] = "in-process backend"
	}

	// Check 2: load shedding
	if hs.degrade != nil {
		state := hs.degrade.State()
		checks["load"] = string(state)
		if hs.degrade.ShouldReject() {
			ready = false
			if message == "" {
				message = "Shedding load under critical pressure"
			}
		}
	} else {
		checks["load"] = "not monitored"
	}

	status := "ready"
	statusCode := http.StatusOK

	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
