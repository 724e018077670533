package server

import (
	"net/http"

	"github.com/sraths91/atlas-sub003/internal/authn"
	"github.com/sraths91/atlas-sub003/internal/httprouter"
)

func (a *App) registerE2EERoutes(r *httprouter.Router) {
	mw := a.Auth.RequireSession
	admin := authn.RequireAdmin

	r.HandleFunc(http.MethodPost, "/api/fleet/e2ee/verify-and-get-encryption-key", a.handleE2EEVerifyAndGetKey, mw, admin)
	r.HandleFunc(http.MethodPost, "/api/fleet/e2ee/generate-key", a.handleE2EEGenerateKey, mw, admin)
	r.HandleFunc(http.MethodPost, "/api/fleet/e2ee/regenerate-key", a.handleE2EERegenerateKey, mw, admin)
	r.HandleFunc(http.MethodPost, "/api/fleet/e2ee/rotate-key", a.handleE2EERotateKey, mw, admin)
	r.HandleFunc(http.MethodGet, "/api/fleet/e2ee/key-rotation-status/{id}", a.handleE2EERotationStatus, mw, admin)
}

// handleE2EEVerifyAndGetKey confirms the operator's password and returns
// the current key, generating one first if E2EE has never been configured.
func (a *App) handleE2EEVerifyAndGetKey(w http.ResponseWriter, r *http.Request) {
	rc := authn.FromContext(r.Context())
	var req adminPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		httprouter.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := a.Users.Authenticate(rc.Username, req.Password, clientIPFromRequest(r)); err != nil {
		httprouter.WriteError(w, r, http.StatusUnauthorized, "invalid password")
		return
	}
	if !a.Keys.Configured() {
		key, err := a.Keys.GenerateKey(req.Password)
		if err != nil {
			httprouter.WriteError(w, r, http.StatusInternalServerError, "failed to generate key")
			return
		}
		httprouter.WriteJSON(w, http.StatusOK, map[string]any{"key": encodeKey(key), "generated": true})
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"key": encodeKey(a.Keys.CurrentKey()), "generated": false})
}

// handleE2EEGenerateKey is the first-time setup path: fails if a key
// already exists, since callers should use rotate-key or regenerate-key
// once E2EE is configured.
func (a *App) handleE2EEGenerateKey(w http.ResponseWriter, r *http.Request) {
	if a.Keys.Configured() {
		httprouter.WriteError(w, r, http.StatusConflict, "encryption key already configured")
		return
	}
	var req adminPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		httprouter.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	key, err := a.Keys.GenerateKey(req.Password)
	if err != nil {
		httprouter.WriteError(w, r, http.StatusInternalServerError, "failed to generate key")
		return
	}
	httprouter.WriteJSON(w, http.StatusCreated, map[string]any{"key": encodeKey(key)})
}

// handleE2EERegenerateKey discards the current key unconditionally, without
// notifying agents via the command queue. Existing agents encrypting under
// the old key will fail verification until rekeyed out of band; prefer
// rotate-key for a fleet-aware rotation.
func (a *App) handleE2EERegenerateKey(w http.ResponseWriter, r *http.Request) {
	rc := authn.FromContext(r.Context())
	var req adminPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		httprouter.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := a.Users.Authenticate(rc.Username, req.Password, clientIPFromRequest(r)); err != nil {
		httprouter.WriteError(w, r, http.StatusUnauthorized, "invalid password")
		return
	}
	key, err := a.Keys.GenerateKey(req.Password)
	if err != nil {
		httprouter.WriteError(w, r, http.StatusInternalServerError, "failed to generate key")
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"key": encodeKey(key)})
}

// handleE2EERotateKey runs the fleet-aware rotation: K_new sealed under
// K_old is queued to every machine as a rotate_encryption_key command.
func (a *App) handleE2EERotateKey(w http.ResponseWriter, r *http.Request) {
	rc := authn.FromContext(r.Context())
	var req adminPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		httprouter.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := a.Users.Authenticate(rc.Username, req.Password, clientIPFromRequest(r)); err != nil {
		httprouter.WriteError(w, r, http.StatusUnauthorized, "invalid password")
		return
	}
	statuses, err := a.Keys.Rotate(req.Password, a.Fleet)
	if err != nil {
		httprouter.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"rotations": statuses})
}

func (a *App) handleE2EERotationStatus(w http.ResponseWriter, r *http.Request) {
	machineID, ok := a.resolveMachine(r)
	if !ok {
		httprouter.WriteError(w, r, http.StatusNotFound, "machine not found")
		return
	}
	cmd, found := RotationStatusFor(a.Fleet, machineID)
	if !found {
		httprouter.WriteJSON(w, http.StatusOK, map[string]any{"status": "none"})
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"status": string(cmd.Status), "command_id": cmd.ID})
}
