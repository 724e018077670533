package fleet

import (
	"time"

	"github.com/google/uuid"
)

// CommandStatus is a command's lifecycle stage.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandDelivered CommandStatus = "delivered"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandExpired   CommandStatus = "expired"
)

// Command is one queued action for a machine.
type Command struct {
	ID         string         `json:"id"`
	MachineID  string         `json:"machine_id"`
	Action     string         `json:"action"`
	Params     map[string]any `json:"params,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Status     CommandStatus  `json:"status"`
	ExecutedAt *time.Time     `json:"executed_at,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
}

// AddPendingCommand enqueues a new command for machineID and returns its
// generated UUID.
func (s *Store) AddPendingCommand(machineID, action string, params map[string]any) string {
	cmd := &Command{
		ID:        uuid.NewString(),
		MachineID: machineID,
		Action:    action,
		Params:    params,
		CreatedAt: time.Now(),
		Status:    CommandPending,
	}
	s.mu.Lock()
	s.commands[machineID] = append(s.commands[machineID], cmd)
	s.mu.Unlock()
	return cmd.ID
}

// GetPendingCommands atomically returns and marks as delivered every
// pending command queued for machineID. A poll is at-most-once per
// command: once delivered, a command will not be handed out again even if
// the agent never acks it.
func (s *Store) GetPendingCommands(machineID string) []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	var delivered []Command
	for _, cmd := range s.commands[machineID] {
		if cmd.Status == CommandPending {
			cmd.Status = CommandDelivered
			delivered = append(delivered, *cmd)
		}
	}
	return delivered
}

// AcknowledgeCommand transitions cmdID to a terminal status with its
// result. Acks for an unknown command ID are accepted (logged by the
// caller) rather than rejected, since the server may have pruned it.
func (s *Store) AcknowledgeCommand(machineID, cmdID string, status CommandStatus, result map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cmd := range s.commands[machineID] {
		if cmd.ID == cmdID {
			now := time.Now()
			cmd.Status = status
			cmd.ExecutedAt = &now
			cmd.Result = result
			return true
		}
	}
	return false
}

// ExpireStaleCommands marks every command older than grace that is still
// pending or delivered as expired, intended for a cron-driven sweep.
func (s *Store) ExpireStaleCommands(grace time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-grace)
	expired := 0
	for _, cmds := range s.commands {
		for _, cmd := range cmds {
			if (cmd.Status == CommandPending || cmd.Status == CommandDelivered) && cmd.CreatedAt.Before(cutoff) {
				cmd.Status = CommandExpired
				expired++
			}
		}
	}
	return expired
}

// GetRecentCommands returns the most recent `limit` commands for
// machineID, newest first.
func (s *Store) GetRecentCommands(machineID string, limit int) []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmds := s.commands[machineID]
	out := make([]Command, 0, len(cmds))
	for i := len(cmds) - 1; i >= 0; i-- {
		out = append(out, *cmds[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
