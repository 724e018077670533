// Package agent implements the endpoint-side reporter: a sampling loop
// that encrypts and sends metric reports with bounded retries, a command
// poll loop that executes a whitelisted action set, and the singleton
// lock that keeps exactly one agent process running per host.
package agent

import "time"

// Config holds everything the agent needs to talk to a fleet server. The
// zero value is not usable; callers build one from CLI flags or a config
// file the way cmd/fleet-agent does.
type Config struct {
	ServerURL string // e.g. https://fleet.example.com:8443
	APIKey    string
	MachineID string

	ReportInterval time.Duration // default 10s
	PollInterval   time.Duration // default 30s

	LockPath string // singleton advisory lock file
	KeyPath  string // local file holding the shared E2EE key, if any
	DBKeyPath string // local file holding this agent's db wrap key

	InsecureSkipVerify bool // dev-only: accept self-signed server certs
}

const (
	defaultReportInterval = 10 * time.Second
	defaultPollInterval   = 30 * time.Second
)

// withDefaults fills in the interval fields spec.md names as defaults,
// leaving everything else as the caller set it.
func (c Config) withDefaults() Config {
	if c.ReportInterval <= 0 {
		c.ReportInterval = defaultReportInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}
