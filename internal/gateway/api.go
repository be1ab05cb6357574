// ABOUTME: HTTP API handlers for health and user listing
// ABOUTME: Health reports process stats; /api/users backs the contact picker

package gateway

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/tnetapp/message-gateway/internal/auth"
)

// healthResponse is the JSON body for GET /health.
type healthResponse struct {
	Status        string      `json:"status"`
	UptimeSeconds float64     `json:"uptimeSeconds"`
	PID           int         `json:"pid"`
	OnlineUsers   int         `json:"onlineUsers"`
	Memory        memoryStats `json:"memory"`
}

type memoryStats struct {
	AllocBytes uint64 `json:"allocBytes"`
	SysBytes   uint64 `json:"sysBytes"`
	NumGC      uint32 `json:"numGC"`
}

// handleHealth reports liveness plus basic process stats. During shutdown it
// flips to 503 so load balancers drain the instance.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(g.startedAt).Seconds(),
		PID:           os.Getpid(),
		OnlineUsers:   g.presence.UserCount(),
		Memory: memoryStats{
			AllocBytes: m.Alloc,
			SysBytes:   m.Sys,
			NumGC:      m.NumGC,
		},
	}

	status := http.StatusOK
	if g.shuttingDown.Load() {
		resp.Status = "shutting_down"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

// handleListUsers returns every registered user except the caller.
func (g *Gateway) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := auth.MustFromContext(r.Context())

	users, err := g.store.ListUsers(r.Context(), id.UserID)
	if err != nil {
		g.logger.Error("listing users failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, users)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
