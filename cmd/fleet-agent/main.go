// Command fleet-agent runs the endpoint-side reporter: it samples local
// health signals, encrypts and sends them to a fleet server on an
// interval, and polls for and executes whitelisted commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sraths91/atlas-sub003/internal/agent"
	"github.com/sraths91/atlas-sub003/internal/config"
	"github.com/sraths91/atlas-sub003/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		serverURL      = flag.String("server", "", "fleet server base URL, e.g. https://fleet.example.com:8443")
		apiKey         = flag.String("api-key", "", "API key shared with the fleet server")
		machineID      = flag.String("machine-id", "", "stable machine identifier (defaults to hostname)")
		reportInterval = flag.Duration("report-interval", 0, "metric report interval (default 10s)")
		pollInterval   = flag.Duration("poll-interval", 0, "command poll interval (default 30s)")
		lockPath       = flag.String("lock-path", "", "singleton advisory lock file path")
		keyPath        = flag.String("key-path", "", "path to the shared E2EE key file")
		dbKeyPath      = flag.String("db-key-path", "", "path to this agent's local db wrap key")
		insecure       = flag.Bool("insecure-skip-verify", false, "accept self-signed server certificates (dev only)")
		logJSON        = flag.Bool("log-json", true, "emit JSON-formatted logs")
	)
	flag.Parse()

	log := logging.New(*logJSON)

	if *serverURL == "" {
		fmt.Fprintln(os.Stderr, "configuration error: --server is required")
		return config.ExitConfigError
	}

	hostID := *machineID
	if hostID == "" {
		hostID, _ = os.Hostname()
	}

	cfg := agent.Config{
		ServerURL:          *serverURL,
		APIKey:             *apiKey,
		MachineID:          hostID,
		ReportInterval:     *reportInterval,
		PollInterval:       *pollInterval,
		LockPath:           lockPathOrDefault(*lockPath),
		KeyPath:            *keyPath,
		DBKeyPath:          *dbKeyPath,
		InsecureSkipVerify: *insecure,
	}

	a, err := agent.New(cfg, agent.NewBasicSampler(), log.Logger)
	if err != nil {
		log.Error("failed to start agent", "error", err)
		return config.ExitConfigError
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	log.Info("fleet-agent started", "server", cfg.ServerURL, "machine_id", cfg.MachineID)

	a.Run(ctx)

	return config.ExitOK
}

func lockPathOrDefault(p string) string {
	if p != "" {
		return p
	}
	return config.DefaultAgentLockPath()
}
