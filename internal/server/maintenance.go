package server

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sraths91/atlas-sub003/internal/cluster"
)

// StartMaintenance schedules the periodic housekeeping spec.md's
// concurrency model leaves implicit: expired session GC, stale login
// attempt pruning, stale command expiry, and (when clustering is
// enabled) the heartbeat publish/sync cycle. It returns the running
// scheduler so callers (cmd/fleet-server) can Stop it on shutdown.
func (a *App) StartMaintenance() *cron.Cron {
	c := cron.New()

	_, _ = c.AddFunc("@every 5m", func() {
		if n := a.Auth.Sessions.GC(); n > 0 {
			a.Log.Info("session gc", "removed", n)
		}
	})

	_, _ = c.AddFunc("@every 24h", func() {
		if err := a.Users.PruneLoginAttempts(30 * 24 * time.Hour); err != nil {
			a.Log.Warn("prune login attempts failed", "error", err)
		}
	})

	_, _ = c.AddFunc("@every 1h", func() {
		if n := a.Fleet.ExpireStaleCommands(24 * time.Hour); n > 0 {
			a.Log.Info("expired stale commands", "count", n)
		}
	})

	if a.Cluster != nil && a.Backend != nil {
		interval := a.Config.ClusterNodeTimeout / 3
		if interval <= 0 {
			interval = 10 * time.Second
		}
		_, _ = c.AddFunc("@every "+interval.String(), func() {
			a.clusterHeartbeat()
		})
	}

	c.Start()
	return c
}

// clusterHeartbeat signs and publishes this node's presence, then ingests
// whatever peer records the shared backend currently holds. A failed
// publish or ingest is logged and retried on the next tick rather than
// treated as fatal, per the cluster side's best-effort write guarantee.
func (a *App) clusterHeartbeat() {
	rejected, err := a.Cluster.Sync(a.Backend, cluster.NodeHealthy)
	if err != nil {
		a.Log.Warn("cluster sync failed", "error", err)
		return
	}
	for nodeID, rejectErr := range rejected {
		a.Log.Warn("rejected peer heartbeat", "node", nodeID, "error", rejectErr)
	}
}
