// Package cluster tracks peer fleet-server nodes via signed heartbeats and
// time-bounded liveness, a best-effort eventually-consistent membership
// view rather than a strongly consistent quorum.
package cluster

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sraths91/atlas-sub003/internal/cryptoutil"
)

const (
	// DefaultNodeTimeout is how long without a heartbeat before a node is
	// considered inactive.
	DefaultNodeTimeout = 30 * time.Second

	// nodeRecordReplayWindow bounds how far a node record's _timestamp may
	// drift from now before it is rejected as a replay.
	nodeRecordReplayWindow = 300 * time.Second
	// heartbeatReplayWindow is the tighter bound applied to heartbeats,
	// which are expected to arrive far more frequently than full records.
	heartbeatReplayWindow = 30 * time.Second

	securityVersion = "1"
)

// NodeStatus is a peer's self-reported operating condition.
type NodeStatus string

const (
	NodeHealthy  NodeStatus = "healthy"
	NodeDegraded NodeStatus = "degraded"
)

// Node is one peer server's signed presence record.
type Node struct {
	NodeID        string            `json:"node_id"`
	Hostname      string            `json:"hostname"`
	Port          int               `json:"port"`
	IsLeader      bool              `json:"is_leader"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Status        NodeStatus        `json:"status"`
	Version       string            `json:"version"`
}

// toSignable flattens Node into the map shape cryptoutil signs/verifies.
func (n Node) toSignable() map[string]any {
	return map[string]any{
		"node_id":        n.NodeID,
		"hostname":       n.Hostname,
		"port":           n.Port,
		"is_leader":      n.IsLeader,
		"metadata":       n.Metadata,
		"last_heartbeat": n.LastHeartbeat.Unix(),
		"status":         string(n.Status),
		"version":        n.Version,
	}
}

func nodeFromSignable(m map[string]any) (Node, error) {
	n := Node{}
	n.NodeID, _ = m["node_id"].(string)
	n.Hostname, _ = m["hostname"].(string)
	if port, ok := m["port"].(float64); ok {
		n.Port = int(port)
	}
	n.IsLeader, _ = m["is_leader"].(bool)
	if md, ok := m["metadata"].(map[string]any); ok {
		n.Metadata = make(map[string]string, len(md))
		for k, v := range md {
			if s, ok := v.(string); ok {
				n.Metadata[k] = s
			}
		}
	}
	if ts, ok := m["last_heartbeat"].(float64); ok {
		n.LastHeartbeat = time.Unix(int64(ts), 0).UTC()
	}
	status, _ := m["status"].(string)
	n.Status = NodeStatus(status)
	n.Version, _ = m["version"].(string)
	if n.NodeID == "" {
		return Node{}, fmt.Errorf("cluster: node record missing node_id")
	}
	return n, nil
}

// SignedRecord is the wire form of a Node: its fields plus the signature
// envelope cryptoutil.SignRecord attaches.
type SignedRecord map[string]any

// NewNodeID returns a fresh random node identifier.
func NewNodeID() string {
	return uuid.NewString()
}

// SignNode signs node under secret, injecting _timestamp/_security_version
// and a fresh _signature.
func SignNode(secret []byte, node Node) (SignedRecord, error) {
	signed, err := cryptoutil.SignRecord(secret, node.toSignable(), securityVersion)
	if err != nil {
		return nil, fmt.Errorf("cluster: sign node record: %w", err)
	}
	return SignedRecord(signed), nil
}

// VerifyNode checks a signed record's HMAC and replay window, returning the
// decoded Node on success.
func VerifyNode(secret []byte, rec SignedRecord, maxAge time.Duration) (Node, error) {
	ok, reason := cryptoutil.VerifyRecord(secret, rec, maxAge)
	if !ok {
		return Node{}, fmt.Errorf("cluster: reject node record: %s", reason)
	}
	return nodeFromSignable(rec)
}

// Registry holds the local view of cluster membership: this node's own
// record plus the most recent verified record from every peer. Membership
// is best-effort and eventually consistent — there is no leader-election
// or quorum guarantee here, only liveness bookkeeping.
type Registry struct {
	mu         sync.RWMutex
	secret     []byte
	self       Node
	peers      map[string]Node
	nodeTimeout time.Duration
}

// NewRegistry creates a Registry for self, signing under secret. secret
// must be at least 32 bytes (cryptoutil.ValidateSecret).
func NewRegistry(secret []byte, self Node, nodeTimeout time.Duration) (*Registry, error) {
	if err := cryptoutil.ValidateSecret(secret); err != nil {
		return nil, err
	}
	if nodeTimeout <= 0 {
		nodeTimeout = DefaultNodeTimeout
	}
	return &Registry{
		secret:      secret,
		self:        self,
		peers:       make(map[string]Node),
		nodeTimeout: nodeTimeout,
	}, nil
}

// Heartbeat refreshes this node's own LastHeartbeat and returns its newly
// signed record, ready to publish to the shared backend.
func (r *Registry) Heartbeat(status NodeStatus) (SignedRecord, error) {
	r.mu.Lock()
	r.self.LastHeartbeat = time.Now()
	r.self.Status = status
	self := r.self
	r.mu.Unlock()
	return SignNode(r.secret, self)
}

// Ingest verifies a peer's signed record and, if it passes, updates the
// local view of that peer. Node records use the wider replay window;
// bare-heartbeat-only updates (no other fields changed) may instead be
// validated via IngestHeartbeat for the tighter window.
func (r *Registry) Ingest(rec SignedRecord) error {
	node, err := VerifyNode(r.secret, rec, nodeRecordReplayWindow)
	if err != nil {
		return err
	}
	if node.NodeID == r.self.NodeID {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[node.NodeID] = node
	return nil
}

// IngestHeartbeat is Ingest with the tighter heartbeat replay window,
// used for high-frequency liveness-only pings rather than full records.
func (r *Registry) IngestHeartbeat(rec SignedRecord) error {
	node, err := VerifyNode(r.secret, rec, heartbeatReplayWindow)
	if err != nil {
		return err
	}
	if node.NodeID == r.self.NodeID {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[node.NodeID] = node
	return nil
}

// IsActive reports whether node is within the liveness window as of now.
func (r *Registry) IsActive(node Node) bool {
	return time.Since(node.LastHeartbeat) < r.nodeTimeout
}

// Self returns a copy of this node's current record.
func (r *Registry) Self() Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self
}

// Peers returns a snapshot of every known peer, active or not.
func (r *Registry) Peers() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.peers))
	for _, n := range r.peers {
		out = append(out, n)
	}
	return out
}

// ActivePeers returns only peers currently within the liveness window.
func (r *Registry) ActivePeers() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.peers))
	for _, n := range r.peers {
		if r.IsActive(n) {
			out = append(out, n)
		}
	}
	return out
}

// Prune removes peers that have been inactive for longer than staleAfter,
// intended for a cron-driven sweep rather than a per-request check.
func (r *Registry) Prune(staleAfter time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, n := range r.peers {
		if time.Since(n.LastHeartbeat) > staleAfter {
			delete(r.peers, id)
			removed++
		}
	}
	return removed
}

// HealthSummary synthesizes an overall cluster health verdict from self
// plus active peers: healthy if every counted node reports healthy,
// degraded if self or at least one active peer reports degraded, critical
// if peers are known but none has been heard from within the liveness
// window. A node with no known peers is rated on its own status alone.
type HealthSummary struct {
	Status      string `json:"status"`
	ActiveNodes int    `json:"active_nodes"`
	TotalNodes  int    `json:"total_nodes"`
}

// Health computes the current cluster health synthesis.
func (r *Registry) Health() HealthSummary {
	active := r.ActivePeers()
	r.mu.RLock()
	total := len(r.peers) + 1
	selfStatus := r.self.Status
	r.mu.RUnlock()

	status := "healthy"
	if selfStatus == NodeDegraded {
		status = "degraded"
	}
	for _, n := range active {
		if n.Status == NodeDegraded {
			status = "degraded"
		}
	}
	if len(active) == 0 && total > 1 {
		status = "critical"
	}
	return HealthSummary{Status: status, ActiveNodes: len(active) + 1, TotalNodes: total}
}
