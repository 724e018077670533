package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/sraths91/atlas-sub003/internal/cryptoutil"
)

// Whitelisted command actions. Anything else acks with a failure message
// rather than executing.
const (
	ActionKillProcess        = "kill_process"
	ActionRestartAgent       = "restart_agent"
	ActionClearDNSCache      = "clear_dns_cache"
	ActionRotateEncryptionKey = "rotate_encryption_key"
)

// execute dispatches one command to its action handler. exitFn is called
// to perform the delayed self-exit restart_agent schedules; tests
// substitute a no-op so they don't actually exit the process.
func (p *Poller) execute(cmd CommandDescriptor) (result map[string]any, status string) {
	switch cmd.Action {
	case ActionKillProcess:
		return p.killProcess(cmd.Params)
	case ActionRestartAgent:
		return p.restartAgent()
	case ActionClearDNSCache:
		return p.clearDNSCache()
	case ActionRotateEncryptionKey:
		return p.rotateEncryptionKey(cmd.Params)
	default:
		return map[string]any{"success": false, "message": "Unknown action"}, "failed"
	}
}

func (p *Poller) killProcess(params map[string]any) (map[string]any, string) {
	pidVal, ok := params["pid"]
	if !ok {
		return map[string]any{"success": false, "message": "missing pid"}, "failed"
	}
	pid, err := toInt(pidVal)
	if err != nil {
		return map[string]any{"success": false, "message": "invalid pid"}, "failed"
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return map[string]any{"success": false, "message": err.Error()}, "failed"
	}
	if err := proc.Signal(os.Interrupt); err != nil {
		return map[string]any{"success": false, "message": err.Error()}, "failed"
	}
	return map[string]any{"success": true, "pid": pid}, "completed"
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unsupported pid type %T", v)
	}
}

// restartAgent acks success immediately, then schedules a delayed
// self-exit so the process supervisor (systemd, launchd, etc.) restarts
// it — the ack must reach the server before the process disappears.
func (p *Poller) restartAgent() (map[string]any, string) {
	go func() {
		time.Sleep(2 * time.Second)
		p.exitFn(0)
	}()
	return map[string]any{"success": true}, "completed"
}

// clearDNSCache is platform-specific best effort: Linux systemd-resolved
// or macOS's dscacheutil; other platforms report a failed "unsupported
// platform" result.
func (p *Poller) clearDNSCache() (map[string]any, string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("resolvectl", "flush-caches")
	case "darwin":
		cmd = exec.Command("dscacheutil", "-flushcache")
	default:
		return map[string]any{"success": false, "message": "unsupported platform"}, "failed"
	}
	if err := cmd.Run(); err != nil {
		return map[string]any{"success": false, "message": err.Error()}, "failed"
	}
	return map[string]any{"success": true}, "completed"
}

// rotateEncryptionKey decrypts params.encrypted_new_key under the
// current key, persists the new key atomically, and reinstantiates the
// encryptor so the next report cycle uses it.
func (p *Poller) rotateEncryptionKey(params map[string]any) (map[string]any, string) {
	envRaw, ok := params["encrypted_new_key"]
	if !ok {
		return map[string]any{"success": false, "message": "missing encrypted_new_key"}, "failed"
	}
	envBytes, err := json.Marshal(envRaw)
	if err != nil {
		return map[string]any{"success": false, "message": "invalid envelope"}, "failed"
	}
	var env cryptoutil.Envelope
	if err := json.Unmarshal(envBytes, &env); err != nil {
		return map[string]any{"success": false, "message": "invalid envelope"}, "failed"
	}
	plaintext, err := p.enc.Open(env)
	if err != nil {
		return map[string]any{"success": false, "message": "decryption failed"}, "failed"
	}
	var payload struct {
		NewKey string `json:"new_key"`
	}
	if err := json.Unmarshal(plaintext, &payload); err != nil || payload.NewKey == "" {
		return map[string]any{"success": false, "message": "malformed rotation payload"}, "failed"
	}
	newKey := []byte(payload.NewKey)
	if p.keyPath != "" {
		if err := SaveKeyFile(p.keyPath, newKey); err != nil {
			return map[string]any{"success": false, "message": "persist failed"}, "failed"
		}
	}
	p.enc.SetKey(newKey)
	return map[string]any{"success": true}, "completed"
}
