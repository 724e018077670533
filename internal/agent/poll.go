package agent

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Poller runs the independent command-poll loop: fetch pending commands,
// execute each sequentially, and ack the outcome. It shares the
// transport and encryptor with the Reporter but owns no sample state of
// its own.
type Poller struct {
	cfg       Config
	transport *Transport
	enc       *Encryptor
	keyPath   string
	log       *slog.Logger
	exitFn    func(code int)
}

// NewPoller builds a Poller. keyPath, if non-empty, is where a
// rotate_encryption_key command persists the new shared key.
func NewPoller(cfg Config, transport *Transport, enc *Encryptor, keyPath string, log *slog.Logger) *Poller {
	return &Poller{
		cfg:       cfg.withDefaults(),
		transport: transport,
		enc:       enc,
		keyPath:   keyPath,
		log:       log,
		exitFn:    os.Exit,
	}
}

// Run drives the poll loop until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	cmds, err := p.transport.PollCommands(ctx, p.cfg.MachineID)
	if err != nil {
		p.log.Warn("command poll failed", "error", err)
		return
	}
	for _, cmd := range cmds {
		result, status := p.execute(cmd)
		if err := p.transport.Ack(ctx, p.cfg.MachineID, cmd.ID, status, result); err != nil {
			p.log.Warn("command ack failed", "command_id", cmd.ID, "action", cmd.Action, "error", err)
		}
	}
}
