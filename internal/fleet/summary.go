package fleet

import "time"

// ResourceAlert flags one (machine, resource) pair whose utilization
// exceeds the critical threshold.
type ResourceAlert struct {
	MachineID string  `json:"machine_id"`
	Resource  string  `json:"resource"`
	Percent   float64 `json:"percent"`
	Severity  string  `json:"severity"`
}

const alertThresholdPercent = 90.0

// FleetSummary aggregates fleet-wide counts and resource utilization.
type FleetSummary struct {
	TotalMachines   int              `json:"total_machines"`
	OnlineCount     int              `json:"online_count"`
	WarningCount    int              `json:"warning_count"`
	OfflineCount    int              `json:"offline_count"`
	StoppedCount    int              `json:"stopped_count"`
	AvgCPUPercent   float64          `json:"avg_cpu_percent"`
	AvgMemPercent   float64          `json:"avg_memory_percent"`
	AvgDiskPercent  float64          `json:"avg_disk_percent"`
	Alerts          []ResourceAlert  `json:"alerts"`
}

func metricPercent(metrics map[string]any, section string) (float64, bool) {
	sub, ok := metrics[section].(map[string]any)
	if !ok {
		return 0, false
	}
	pct, ok := sub["percent"].(float64)
	return pct, ok
}

// GetFleetSummary aggregates counts-by-status across every machine and
// CPU/memory/disk averages over online machines only. Safe on an empty
// fleet: averages are 0 and alerts is an empty slice.
func (s *Store) GetFleetSummary() FleetSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	summary := FleetSummary{Alerts: []ResourceAlert{}}
	var cpuSum, memSum, diskSum float64
	var onlineCount int

	for _, m := range s.machines {
		status := deriveStatus(m.LastSeen, m.Status, now)
		summary.TotalMachines++
		switch status {
		case StatusOnline:
			summary.OnlineCount++
		case StatusWarning:
			summary.WarningCount++
		case StatusOffline:
			summary.OfflineCount++
		case StatusStopped:
			summary.StoppedCount++
		}

		if status != StatusOnline {
			continue
		}
		onlineCount++
		if pct, ok := metricPercent(m.LatestMetrics, "cpu"); ok {
			cpuSum += pct
			if pct > alertThresholdPercent {
				summary.Alerts = append(summary.Alerts, ResourceAlert{MachineID: m.MachineID, Resource: "cpu", Percent: pct, Severity: "critical"})
			}
		}
		if pct, ok := metricPercent(m.LatestMetrics, "memory"); ok {
			memSum += pct
			if pct > alertThresholdPercent {
				summary.Alerts = append(summary.Alerts, ResourceAlert{MachineID: m.MachineID, Resource: "memory", Percent: pct, Severity: "critical"})
			}
		}
		if pct, ok := metricPercent(m.LatestMetrics, "disk"); ok {
			diskSum += pct
			if pct > alertThresholdPercent {
				summary.Alerts = append(summary.Alerts, ResourceAlert{MachineID: m.MachineID, Resource: "disk", Percent: pct, Severity: "critical"})
			}
		}
	}

	if onlineCount > 0 {
		summary.AvgCPUPercent = cpuSum / float64(onlineCount)
		summary.AvgMemPercent = memSum / float64(onlineCount)
		summary.AvgDiskPercent = diskSum / float64(onlineCount)
	}
	return summary
}
