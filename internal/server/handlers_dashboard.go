package server

import (
	"net/http"
	"runtime"

	"github.com/sraths91/atlas-sub003/internal/httprouter"
	"github.com/sraths91/atlas-sub003/internal/metrics"
)

func (a *App) registerDashboardRoutes(r *httprouter.Router) {
	mw := a.Auth.RequireSession
	r.HandleFunc(http.MethodGet, "/api/fleet/machines", a.handleListMachines, mw)
	r.HandleFunc(http.MethodGet, "/api/fleet/summary", a.handleFleetSummary, mw)
	r.HandleFunc(http.MethodGet, "/api/fleet/server-resources", a.handleServerResources, mw)
	r.HandleFunc(http.MethodGet, "/api/fleet/agents", a.handleListAgents, mw)
	r.HandleFunc(http.MethodGet, "/api/fleet/storage", a.handleStorageInfo, mw)
}

func (a *App) handleListMachines(w http.ResponseWriter, r *http.Request) {
	machines := a.Fleet.GetAllMachines()
	metrics.MachinesTotal.Set(float64(len(machines)))
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"machines": machines})
}

func (a *App) handleFleetSummary(w http.ResponseWriter, r *http.Request) {
	summary := a.Fleet.GetFleetSummary()
	metrics.MachinesOnline.WithLabelValues("online").Set(float64(summary.OnlineCount))
	metrics.MachinesOnline.WithLabelValues("warning").Set(float64(summary.WarningCount))
	metrics.MachinesOnline.WithLabelValues("offline").Set(float64(summary.OfflineCount))
	metrics.MachinesOnline.WithLabelValues("stopped").Set(float64(summary.StoppedCount))
	httprouter.WriteJSON(w, http.StatusOK, summary)
}

// handleServerResources reports the fleet server process's own resource
// footprint, distinct from any machine's agent-reported metrics.
func (a *App) handleServerResources(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{
		"goroutines":   runtime.NumGoroutine(),
		"heap_alloc":   mem.HeapAlloc,
		"heap_objects": mem.HeapObjects,
		"num_gc":       mem.NumGC,
	})
}

func (a *App) handleListAgents(w http.ResponseWriter, r *http.Request) {
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"agents": a.Fleet.GetRegisteredAgents()})
}

// handleStorageInfo reports how many export-log entries the server has
// retained, since the export log (unlike the history/widget rings) is
// unbounded and worth surfacing to an operator.
func (a *App) handleStorageInfo(w http.ResponseWriter, r *http.Request) {
	exports := a.Fleet.GetExportLogs("", 0)
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"export_log_entries": len(exports)})
}
