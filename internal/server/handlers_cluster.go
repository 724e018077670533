package server

import (
	"net/http"

	"github.com/sraths91/atlas-sub003/internal/httprouter"
	"github.com/sraths91/atlas-sub003/internal/metrics"
)

func (a *App) registerClusterRoutes(r *httprouter.Router) {
	mw := a.Auth.RequireSession
	r.HandleFunc(http.MethodGet, "/api/fleet/cluster/status", a.handleClusterStatus, mw)
	r.HandleFunc(http.MethodGet, "/api/fleet/cluster/health", a.handleClusterHealth, mw)
	r.HandleFunc(http.MethodGet, "/api/fleet/cluster/nodes", a.handleClusterNodes, mw)
	r.HandleFunc(http.MethodPost, "/api/fleet/cluster/health-check", a.handleClusterHealthCheck, mw)
}

func (a *App) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	if a.Cluster == nil {
		httprouter.WriteJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{
		"enabled": true,
		"self":    a.Cluster.Self(),
		"peers":   a.Cluster.Peers(),
	})
}

func (a *App) handleClusterHealth(w http.ResponseWriter, r *http.Request) {
	if a.Cluster == nil {
		httprouter.WriteJSON(w, http.StatusOK, map[string]any{"status": "disabled"})
		return
	}
	health := a.Cluster.Health()
	metrics.ClusterNodesActive.Set(float64(health.ActiveNodes))

	connected := true
	if a.Backend != nil {
		if _, err := a.Backend.List(); err != nil {
			connected = false
		}
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{
		"status":            health.Status,
		"active_nodes":      health.ActiveNodes,
		"total_nodes":       health.TotalNodes,
		"backend_connected": connected,
	})
}

func (a *App) handleClusterNodes(w http.ResponseWriter, r *http.Request) {
	if a.Cluster == nil {
		httprouter.WriteJSON(w, http.StatusOK, map[string]any{"nodes": []any{}})
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{
		"self":  a.Cluster.Self(),
		"peers": a.Cluster.Peers(),
	})
}

// handleClusterHealthCheck probes a single peer machine's reachability on
// an operator's request, distinct from the automatic heartbeat loop.
func (a *App) handleClusterHealthCheck(w http.ResponseWriter, r *http.Request) {
	machineID := r.URL.Query().Get("machine_id")
	if machineID == "" {
		httprouter.WriteError(w, r, http.StatusBadRequest, "machine_id is required")
		return
	}
	m := a.Fleet.GetMachine(machineID)
	if m == nil {
		httprouter.WriteError(w, r, http.StatusNotFound, "machine not found")
		return
	}
	status := "healthy"
	if m.Status != "online" {
		status = "unreachable"
	}
	a.Fleet.UpdateHealthCheck(machineID, status, nil, 0, "")
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"machine_id": machineID, "status": status})
}
