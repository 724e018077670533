package server

import (
	"net/http"
	"strconv"

	"github.com/sraths91/atlas-sub003/internal/httprouter"
)

func (a *App) registerAnalysisRoutes(r *httprouter.Router) {
	mw := a.Auth.RequireSession
	r.HandleFunc(http.MethodGet, "/api/fleet/speedtest/summary", a.handleSpeedtestSummary, mw)
	r.HandleFunc(http.MethodGet, "/api/fleet/speedtest/machine/{id}", a.handleSpeedtestMachine, mw)
	r.HandleFunc(http.MethodGet, "/api/fleet/speedtest/comparison", a.handleSpeedtestComparison, mw)
	r.HandleFunc(http.MethodGet, "/api/fleet/speedtest/anomalies", a.handleSpeedtestAnomalies, mw)
	r.HandleFunc(http.MethodGet, "/api/fleet/speedtest/recent", a.handleSpeedtestRecent(10), mw)
	r.HandleFunc(http.MethodGet, "/api/fleet/speedtest/recent20", a.handleSpeedtestRecent(20), mw)
	r.HandleFunc(http.MethodGet, "/api/fleet/speedtest/subnet", a.handleSpeedtestSubnet, mw)
	r.HandleFunc(http.MethodGet, "/api/fleet/network-analysis", a.handleNetworkAnalysis, mw)
	r.HandleFunc(http.MethodGet, "/api/fleet/network-analysis/{id}", a.handleNetworkAnalysisMachine, mw)
	r.HandleFunc(http.MethodGet, "/api/fleet/widget-logs", a.handleWidgetLogsRead, mw)
}

func (a *App) hoursParam(r *http.Request, def float64) float64 {
	v := r.URL.Query().Get("hours")
	if v == "" {
		return def
	}
	h, err := strconv.ParseFloat(v, 64)
	if err != nil || h <= 0 {
		return def
	}
	return h
}

// handleSpeedtestSummary aggregates the throughput network-test kind
// across the fleet over a window (default 24h).
func (a *App) handleSpeedtestSummary(w http.ResponseWriter, r *http.Request) {
	hours := a.hoursParam(r, 24)
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{
		"summary": a.Fleet.GetFleetNetworkTestSummary("throughput", hours),
	})
}

func (a *App) handleSpeedtestMachine(w http.ResponseWriter, r *http.Request) {
	machineID, ok := a.resolveMachine(r)
	if !ok {
		httprouter.WriteError(w, r, http.StatusNotFound, "machine not found")
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{
		"results": a.Fleet.GetNetworkTestMetrics(machineID, "throughput"),
	})
}

// handleSpeedtestComparison reports every network-test kind's fleet-wide
// summary side by side, so a dashboard can compare kinds in one call.
func (a *App) handleSpeedtestComparison(w http.ResponseWriter, r *http.Request) {
	hours := a.hoursParam(r, 24)
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{
		"comparison": a.Fleet.GetFleetNetworkTestSummary("", hours),
	})
}

// handleSpeedtestAnomalies flags machines whose most recent throughput
// sample falls far below the fleet average for that window — a cheap
// single-pass outlier check rather than a statistical model.
func (a *App) handleSpeedtestAnomalies(w http.ResponseWriter, r *http.Request) {
	hours := a.hoursParam(r, 24)
	summaries := a.Fleet.GetFleetNetworkTestSummary("throughput", hours)
	if len(summaries) == 0 {
		httprouter.WriteJSON(w, http.StatusOK, map[string]any{"anomalies": []any{}})
		return
	}
	avg := summaries[0].Avg

	type anomaly struct {
		MachineID string  `json:"machine_id"`
		Latest    float64 `json:"latest_download_mbps"`
		FleetAvg  float64 `json:"fleet_avg_download_mbps"`
	}
	var anomalies []anomaly
	for _, m := range a.Fleet.GetAllMachines() {
		samples := a.Fleet.GetNetworkTestMetrics(m.MachineID, "throughput")
		if len(samples) == 0 {
			continue
		}
		latest, ok := samples[len(samples)-1].Metrics["download_mbps"].(float64)
		if !ok {
			continue
		}
		if avg > 0 && latest < avg*0.5 {
			anomalies = append(anomalies, anomaly{MachineID: m.MachineID, Latest: latest, FleetAvg: avg})
		}
	}
	if anomalies == nil {
		anomalies = []anomaly{}
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"anomalies": anomalies})
}

// handleSpeedtestRecent returns a handler bound to a fixed sample count,
// backing both /recent (10) and /recent20 (20) without duplicating logic.
func (a *App) handleSpeedtestRecent(count int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var all []any
		for _, m := range a.Fleet.GetAllMachines() {
			for _, sample := range a.Fleet.GetNetworkTestMetrics(m.MachineID, "throughput") {
				all = append(all, map[string]any{
					"machine_id": m.MachineID,
					"timestamp":  sample.Timestamp,
					"metrics":    sample.Metrics,
				})
			}
		}
		if len(all) > count {
			all = all[len(all)-count:]
		}
		httprouter.WriteJSON(w, http.StatusOK, map[string]any{"recent": all})
	}
}

// handleSpeedtestSubnet buckets every machine's most recent throughput
// sample by the /24 of its reported local IP.
func (a *App) handleSpeedtestSubnet(w http.ResponseWriter, r *http.Request) {
	buckets := map[string][]float64{}
	for _, m := range a.Fleet.GetAllMachines() {
		localIP, _ := m.Info["local_ip"].(string)
		subnet := subnet24(localIP)
		samples := a.Fleet.GetNetworkTestMetrics(m.MachineID, "throughput")
		if len(samples) == 0 || subnet == "" {
			continue
		}
		val, ok := samples[len(samples)-1].Metrics["download_mbps"].(float64)
		if !ok {
			continue
		}
		buckets[subnet] = append(buckets[subnet], val)
	}

	type subnetSummary struct {
		Subnet string  `json:"subnet"`
		Count  int     `json:"count"`
		Avg    float64 `json:"avg_download_mbps"`
	}
	out := make([]subnetSummary, 0, len(buckets))
	for subnet, vals := range buckets {
		var sum float64
		for _, v := range vals {
			sum += v
		}
		out = append(out, subnetSummary{Subnet: subnet, Count: len(vals), Avg: sum / float64(len(vals))})
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"subnets": out})
}

func subnet24(ip string) string {
	parts := []byte(ip)
	dots := 0
	for i, c := range parts {
		if c == '.' {
			dots++
			if dots == 3 {
				return ip[:i]
			}
		}
	}
	return ""
}

func (a *App) handleNetworkAnalysis(w http.ResponseWriter, r *http.Request) {
	hours := a.hoursParam(r, 24)
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{
		"analysis": a.Fleet.GetFleetNetworkTestSummary("", hours),
	})
}

func (a *App) handleNetworkAnalysisMachine(w http.ResponseWriter, r *http.Request) {
	machineID, ok := a.resolveMachine(r)
	if !ok {
		httprouter.WriteError(w, r, http.StatusNotFound, "machine not found")
		return
	}
	out := map[string]any{}
	for _, kind := range []string{"udp_quality", "connection_rate", "throughput", "mos"} {
		out[kind] = a.Fleet.GetNetworkTestMetrics(machineID, kind)
	}
	httprouter.WriteJSON(w, http.StatusOK, out)
}

func (a *App) handleWidgetLogsRead(w http.ResponseWriter, r *http.Request) {
	machineID := r.URL.Query().Get("machine_id")
	limit := parseLimit(r, 100)
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"logs": a.Fleet.GetWidgetLogs(machineID, limit)})
}
