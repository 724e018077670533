package server

import (
	"net/http"
	"strconv"

	"github.com/sraths91/atlas-sub003/internal/cryptoutil"
	"github.com/sraths91/atlas-sub003/internal/httprouter"
)

func (a *App) registerMachineRoutes(r *httprouter.Router) {
	mw := a.Auth.RequireSession
	r.HandleFunc(http.MethodGet, "/api/fleet/machine/{id}", a.handleMachineDetail, mw)
	r.HandleFunc(http.MethodGet, "/api/fleet/history/{id}", a.handleMachineHistory, mw)
	r.HandleFunc(http.MethodGet, "/api/fleet/recent-commands/{id}", a.handleMachineRecentCommands, mw)
	r.HandleFunc(http.MethodPost, "/api/fleet/machine/{id}/decrypt-db-data", a.handleDecryptDBData, mw)
	r.HandleFunc(http.MethodPost, "/api/fleet/decrypt-export", a.handleDecryptExport, mw)
}

// resolveMachine implements the machine-identifier resolution rule: try
// the path parameter as a machine_id first, then fall back to a
// serial_number scan.
func (a *App) resolveMachine(r *http.Request) (id string, ok bool) {
	identifier := httprouter.Param(r, "id")
	m := a.Fleet.FindBySerial(identifier)
	if m == nil {
		return "", false
	}
	return m.MachineID, true
}

func (a *App) handleMachineDetail(w http.ResponseWriter, r *http.Request) {
	identifier := httprouter.Param(r, "id")
	m := a.Fleet.FindBySerial(identifier)
	if m == nil {
		httprouter.WriteError(w, r, http.StatusNotFound, "machine not found")
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, m)
}

func (a *App) handleMachineHistory(w http.ResponseWriter, r *http.Request) {
	machineID, ok := a.resolveMachine(r)
	if !ok {
		httprouter.WriteError(w, r, http.StatusNotFound, "machine not found")
		return
	}
	limit := parseLimit(r, 0)
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"history": a.Fleet.GetMachineHistory(machineID, limit)})
}

func (a *App) handleMachineRecentCommands(w http.ResponseWriter, r *http.Request) {
	machineID, ok := a.resolveMachine(r)
	if !ok {
		httprouter.WriteError(w, r, http.StatusNotFound, "machine not found")
		return
	}
	limit := parseLimit(r, 20)
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"commands": a.Fleet.GetRecentCommands(machineID, limit)})
}

// decryptRequest carries an operator-supplied envelope (e.g. a DB export
// blob an agent produced) the server should open using that machine's
// stored agent_db_key.
type decryptRequest struct {
	Envelope cryptoutil.Envelope `json:"envelope"`
}

func (a *App) handleDecryptDBData(w http.ResponseWriter, r *http.Request) {
	machineID, ok := a.resolveMachine(r)
	if !ok {
		httprouter.WriteError(w, r, http.StatusNotFound, "machine not found")
		return
	}
	wrapKeyHex := a.Fleet.GetAgentDBKey(machineID)
	if wrapKeyHex == "" {
		httprouter.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "no agent db key stored for this machine"})
		return
	}
	var req decryptRequest
	if err := decodeJSON(r, &req); err != nil {
		httprouter.WriteError(w, r, http.StatusBadRequest, "invalid decrypt request")
		return
	}
	plaintext, err := cryptoutil.Open([]byte(wrapKeyHex), req.Envelope)
	if err != nil {
		httprouter.WriteJSON(w, http.StatusBadRequest, map[string]any{"e2ee_verified": false, "error": "decryption failed"})
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"data": string(plaintext)})
}

// handleDecryptExport decrypts an arbitrary export blob under the server's
// own current E2EE key, for exports the server itself produced (as opposed
// to a per-agent wrap key).
func (a *App) handleDecryptExport(w http.ResponseWriter, r *http.Request) {
	key := a.Keys.CurrentKey()
	if key == nil {
		httprouter.WriteJSON(w, http.StatusInternalServerError, map[string]any{"e2ee_verified": false, "error": "no encryption key configured"})
		return
	}
	var req decryptRequest
	if err := decodeJSON(r, &req); err != nil {
		httprouter.WriteError(w, r, http.StatusBadRequest, "invalid decrypt request")
		return
	}
	plaintext, err := cryptoutil.Open(key, req.Envelope)
	if err != nil {
		httprouter.WriteJSON(w, http.StatusBadRequest, map[string]any{"e2ee_verified": false, "error": "decryption failed"})
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"data": string(plaintext)})
}

func parseLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
