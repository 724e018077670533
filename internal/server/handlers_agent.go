package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sraths91/atlas-sub003/internal/cryptoutil"
	"github.com/sraths91/atlas-sub003/internal/fleet"
	"github.com/sraths91/atlas-sub003/internal/httprouter"
	"github.com/sraths91/atlas-sub003/internal/metrics"
)

func (a *App) registerAgentRoutes(r *httprouter.Router) {
	r.HandleFunc(http.MethodPost, "/api/fleet/report", a.handleAgentReport, a.Auth.RequireAPIKey)
	r.HandleFunc(http.MethodGet, "/api/fleet/commands/{id}", a.handleAgentCommands, a.Auth.RequireAPIKey)
	r.HandleFunc(http.MethodPost, "/api/fleet/command/{id}/ack", a.handleAgentCommandAck, a.Auth.RequireAPIKey)
	r.HandleFunc(http.MethodPost, "/api/fleet/widget-logs", a.handleWidgetLogIngest, a.Auth.RequireAPIKey)
}

// envelopeBody is the shape of an E2EE-protected agent payload:
// {encrypted: true, version, nonce, ciphertext}.
type envelopeBody struct {
	Encrypted  bool   `json:"encrypted"`
	Version    string `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// agentReportBody is the plaintext agent-ingest payload, either sent
// directly or recovered by decrypting an envelopeBody.
type agentReportBody struct {
	MachineID   string         `json:"machine_id"`
	MachineInfo map[string]any `json:"machine_info"`
	Metrics     map[string]any `json:"metrics"`
	AgentDBKey  string         `json:"agent_db_key,omitempty"`
}

// handleAgentReport implements the agent-ingest contract: decrypt if
// needed, require machine_id, tag e2ee_enabled, update the store, and
// opportunistically persist the agent's DB wrap key.
func (a *App) handleAgentReport(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { metrics.ReportDuration.Observe(time.Since(start).Seconds()) }()

	raw, err := readAll(r)
	if err != nil {
		metrics.ReportsTotal.WithLabelValues("rejected").Inc()
		httprouter.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	var envelope envelopeBody
	_ = json.Unmarshal(raw, &envelope)

	body := raw
	e2eeVerified := false
	if envelope.Encrypted {
		key := a.Keys.CurrentKey()
		if key == nil {
			metrics.ReportsTotal.WithLabelValues("rejected").Inc()
			httprouter.WriteJSON(w, http.StatusInternalServerError, map[string]any{"e2ee_verified": false, "error": "server has no encryption key configured"})
			return
		}
		plaintext, err := cryptoutil.Open(key, cryptoutil.Envelope{
			Encrypted:  true,
			Version:    envelope.Version,
			Nonce:      envelope.Nonce,
			Ciphertext: envelope.Ciphertext,
		})
		if err != nil {
			metrics.ReportsTotal.WithLabelValues("rejected").Inc()
			metrics.CryptoRejectionsTotal.WithLabelValues("decryption_failed").Inc()
			httprouter.WriteJSON(w, http.StatusBadRequest, map[string]any{"e2ee_verified": false, "error": "decryption failed"})
			return
		}
		body = plaintext
		e2eeVerified = true
	}

	var report agentReportBody
	if err := json.Unmarshal(body, &report); err != nil {
		metrics.ReportsTotal.WithLabelValues("rejected").Inc()
		httprouter.WriteError(w, r, http.StatusBadRequest, "invalid report body")
		return
	}
	if report.MachineID == "" {
		metrics.ReportsTotal.WithLabelValues("rejected").Inc()
		httprouter.WriteError(w, r, http.StatusBadRequest, "machine_id is required")
		return
	}

	info := report.MachineInfo
	if info == nil {
		info = map[string]any{}
	}
	info["e2ee_enabled"] = e2eeVerified

	a.Fleet.UpdateMachine(report.MachineID, info, report.Metrics)

	dbKeyStored := false
	if report.AgentDBKey != "" && e2eeVerified {
		dbKeyStored = a.Fleet.StoreAgentDBKey(report.MachineID, report.AgentDBKey)
	}

	metrics.ReportsTotal.WithLabelValues("accepted").Inc()
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"e2ee_verified": e2eeVerified,
		"db_key_stored": dbKeyStored,
	})
}

// handleAgentCommands returns and marks delivered every pending command
// for the machine named by the {id} path parameter.
func (a *App) handleAgentCommands(w http.ResponseWriter, r *http.Request) {
	machineID := httprouter.Param(r, "id")
	cmds := a.Fleet.GetPendingCommands(machineID)
	metrics.CommandQueueDepth.Set(float64(len(cmds)))
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

// ackBody is the agent's acknowledgement of a delivered command.
type ackBody struct {
	Status string         `json:"status"`
	Result map[string]any `json:"result,omitempty"`
}

// handleAgentCommandAck records a command's terminal state. Acks for an
// unknown command ID are accepted (not rejected) since the server may have
// pruned it already; that is logged, not surfaced as an error.
func (a *App) handleAgentCommandAck(w http.ResponseWriter, r *http.Request) {
	machineID := r.URL.Query().Get("machine_id")
	cmdID := httprouter.Param(r, "id")

	var body ackBody
	if err := decodeJSON(r, &body); err != nil {
		httprouter.WriteError(w, r, http.StatusBadRequest, "invalid ack body")
		return
	}
	status := fleet.CommandStatus(body.Status)
	switch status {
	case fleet.CommandCompleted, fleet.CommandFailed:
	default:
		status = fleet.CommandCompleted
	}

	found := a.Fleet.AcknowledgeCommand(machineID, cmdID, status, body.Result)
	if !found {
		a.Log.Warn("ack for unknown command", "command_id", cmdID, "machine_id", machineID)
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// widgetLogBody is a single widget/monitor log line reported by an agent.
type widgetLogBody struct {
	MachineID string `json:"machine_id"`
	Widget    string `json:"widget"`
	Message   string `json:"message"`
	Level     string `json:"level"`
}

func (a *App) handleWidgetLogIngest(w http.ResponseWriter, r *http.Request) {
	var body widgetLogBody
	if err := decodeJSON(r, &body); err != nil {
		httprouter.WriteError(w, r, http.StatusBadRequest, "invalid widget log body")
		return
	}
	a.Fleet.StoreWidgetLog(fleet.WidgetLogEntry{
		MachineID: body.MachineID,
		Widget:    body.Widget,
		Message:   body.Message,
		Level:     body.Level,
		Timestamp: time.Now(),
	})
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
