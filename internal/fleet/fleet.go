// Package fleet is the per-machine data store: current state, bounded
// metric history, derived online/warning/offline status, the per-machine
// command queue, and widget/export logs. A single process-wide Store
// instance owns every machine, history, command, and log map exclusively;
// callers only ever see copies or snapshots.
package fleet

import (
	"log/slog"
	"sync"
	"time"
)

// Status is the derived lifecycle state of a machine.
type Status string

const (
	StatusOnline  Status = "online"
	StatusWarning Status = "warning"
	StatusOffline Status = "offline"
	StatusStopped Status = "stopped"
)

const (
	onlineThreshold  = 30 * time.Second
	warningThreshold = 60 * time.Second

	defaultHistoryCapacity = 1000
)

// HealthCheck is the most recent server->agent probe result.
type HealthCheck struct {
	Status    string         `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
	LatencyMS int64          `json:"latency_ms,omitempty"`
	Error     string         `json:"error,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// Machine is one host's current state. Info and LatestMetrics are opaque
// structured JSON as produced by the agent; the server never interprets
// their internal schema beyond the handful of named fields (serial
// number, computer name, local IP) the projections below need.
type Machine struct {
	MachineID     string         `json:"machine_id"`
	SerialNumber  string         `json:"serial_number,omitempty"`
	Info          map[string]any `json:"info"`
	LatestMetrics map[string]any `json:"metrics"`
	FirstSeen     time.Time      `json:"first_seen"`
	LastSeen      time.Time      `json:"last_seen"`
	Status        Status         `json:"status"`
	HealthCheck   *HealthCheck   `json:"health_check,omitempty"`
	AgentDBKey    string         `json:"-"`
}

// clone returns a deep-enough copy safe to hand to callers outside the lock.
func (m Machine) clone() Machine {
	out := m
	out.Info = cloneMap(m.Info)
	out.LatestMetrics = cloneMap(m.LatestMetrics)
	if m.HealthCheck != nil {
		hc := *m.HealthCheck
		hc.Data = cloneMap(m.HealthCheck.Data)
		out.HealthCheck = &hc
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// deriveStatus recomputes status from now-lastSeen, leaving an explicit
// "stopped" untouched — stopped is a sticky operator action, not a
// function of elapsed time.
func deriveStatus(lastSeen time.Time, current Status, now time.Time) Status {
	if current == StatusStopped {
		return StatusStopped
	}
	age := now.Sub(lastSeen)
	switch {
	case age < onlineThreshold:
		return StatusOnline
	case age < warningThreshold:
		return StatusWarning
	default:
		return StatusOffline
	}
}

// NewAgentFunc is fired outside the store's lock the first time a machine
// ID is ever seen.
type NewAgentFunc func(machineID string, info map[string]any, dashboardURL string)

// Store is the single process-wide fleet data store.
type Store struct {
	mu       sync.Mutex
	machines map[string]*Machine
	history  map[string]*historyRing
	netTests map[string]map[string]*networkTestRing
	commands map[string][]*Command
	widget   *widgetLogRing
	export   []ExportLogEntry

	onNewAgent NewAgentFunc
	log        *slog.Logger
}

// NewStore builds an empty fleet data store. onNewAgent may be nil.
func NewStore(log *slog.Logger, onNewAgent NewAgentFunc) *Store {
	return &Store{
		machines:   make(map[string]*Machine),
		history:    make(map[string]*historyRing),
		netTests:   make(map[string]map[string]*networkTestRing),
		commands:   make(map[string][]*Command),
		widget:     newWidgetLogRing(defaultHistoryCapacity),
		onNewAgent: onNewAgent,
		log:        log,
	}
}

func dashboardURL(m *Machine) string {
	id := m.MachineID
	if m.SerialNumber != "" {
		id = m.SerialNumber
	}
	return "/machine/" + id + "/dashboard"
}

// UpdateMachine upserts machineID: bumps LastSeen to now, forces status to
// online, appends {now, metrics} to the bounded history ring, and — only
// on the very first insertion of this machine ID — fires onNewAgent
// outside the lock.
func (s *Store) UpdateMachine(machineID string, info, metrics map[string]any) {
	now := time.Now()

	s.mu.Lock()
	m, existed := s.machines[machineID]
	if !existed {
		m = &Machine{MachineID: machineID, FirstSeen: now}
		s.machines[machineID] = m
		s.history[machineID] = newHistoryRing(defaultHistoryCapacity)
	}
	if serial, ok := info["serial_number"].(string); ok && serial != "" {
		m.SerialNumber = serial
	}
	m.Info = info
	m.LatestMetrics = metrics
	m.LastSeen = now
	m.Status = StatusOnline
	s.history[machineID].push(historyEntry{Timestamp: now, Metrics: metrics})
	infoCopy := cloneMap(info)
	url := dashboardURL(m)
	s.mu.Unlock()

	if !existed && s.onNewAgent != nil {
		s.onNewAgent(machineID, infoCopy, url)
	}
}

// GetMachine returns a copy of machineID's record with status recomputed,
// or nil if unknown.
func (s *Store) GetMachine(machineID string) *Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[machineID]
	if !ok {
		return nil
	}
	out := m.clone()
	out.Status = deriveStatus(m.LastSeen, m.Status, time.Now())
	return &out
}

// FindBySerial resolves the machine-identifier ambiguity spec.md names for
// /machine/{identifier} routes: try as a machine_id first, then scan for a
// serial_number match.
func (s *Store) FindBySerial(identifier string) *Machine {
	if m := s.GetMachine(identifier); m != nil {
		return m
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, m := range s.machines {
		if m.SerialNumber == identifier {
			out := m.clone()
			out.Status = deriveStatus(m.LastSeen, m.Status, now)
			return &out
		}
	}
	return nil
}

// GetAllMachines returns a status-recomputed copy of every known machine.
func (s *Store) GetAllMachines() []Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make([]Machine, 0, len(s.machines))
	for _, m := range s.machines {
		c := m.clone()
		c.Status = deriveStatus(m.LastSeen, m.Status, now)
		out = append(out, c)
	}
	return out
}

// RegisteredAgent is the dashboard-list projection of a Machine.
type RegisteredAgent struct {
	MachineID    string    `json:"machine_id"`
	SerialNumber string    `json:"serial_number,omitempty"`
	ComputerName string    `json:"computer_name,omitempty"`
	LocalIP      string    `json:"local_ip,omitempty"`
	DashboardURL string    `json:"dashboard_url"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	Status       Status    `json:"status"`
}

// GetRegisteredAgents returns the dashboard-list projection for every
// machine.
func (s *Store) GetRegisteredAgents() []RegisteredAgent {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make([]RegisteredAgent, 0, len(s.machines))
	for _, m := range s.machines {
		computerName, _ := m.Info["computer_name"].(string)
		localIP, _ := m.Info["local_ip"].(string)
		out = append(out, RegisteredAgent{
			MachineID:    m.MachineID,
			SerialNumber: m.SerialNumber,
			ComputerName: computerName,
			LocalIP:      localIP,
			DashboardURL: dashboardURL(m),
			FirstSeen:    m.FirstSeen,
			LastSeen:     m.LastSeen,
			Status:       deriveStatus(m.LastSeen, m.Status, now),
		})
	}
	return out
}

// SetStopped marks machineID as explicitly stopped, a sticky operator
// action that status recomputation must never override.
func (s *Store) SetStopped(machineID string, stopped bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[machineID]
	if !ok {
		return false
	}
	if stopped {
		m.Status = StatusStopped
	} else {
		m.Status = deriveStatus(m.LastSeen, "", time.Now())
	}
	return true
}

// UpdateHealthCheck overwrites machineID's embedded health-check sub-record.
func (s *Store) UpdateHealthCheck(machineID, status string, data map[string]any, latencyMS int64, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[machineID]
	if !ok {
		return false
	}
	m.HealthCheck = &HealthCheck{
		Status:    status,
		Data:      data,
		LatencyMS: latencyMS,
		Error:     errMsg,
		CheckedAt: time.Now(),
	}
	return true
}

// StoreAgentDBKey records machineID's local-DB wrap key. Callers must only
// invoke this once E2EE has been verified for that machine's report.
func (s *Store) StoreAgentDBKey(machineID, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[machineID]
	if !ok {
		return false
	}
	m.AgentDBKey = key
	return true
}

// GetAgentDBKey returns machineID's stored wrap key, or "" if none.
func (s *Store) GetAgentDBKey(machineID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[machineID]
	if !ok {
		return ""
	}
	return m.AgentDBKey
}
