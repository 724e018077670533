package agent

import (
	"os"
	"runtime"
	"time"
)

// Sampler collects one cycle's machine_info and metrics payload. Both
// halves are opaque to the server past the documented top-level fields,
// so any implementation satisfying this interface is a valid reporter
// source; tests substitute a fixed-output fake.
type Sampler interface {
	Sample() (machineInfo map[string]any, metrics map[string]any, err error)
}

// BasicSampler reports the host-identifying fields the ingest contract
// requires plus process uptime. It intentionally does not probe
// hardware-specific signals (disk, wifi, battery, temperature) since
// those are platform-specific and the server treats the whole metrics
// object as opaque; a richer sampler can be swapped in without touching
// the reporter or poller loops.
type BasicSampler struct {
	startedAt time.Time
}

// NewBasicSampler returns a sampler whose uptime_seconds is measured from
// the moment it is constructed.
func NewBasicSampler() *BasicSampler {
	return &BasicSampler{startedAt: time.Now()}
}

func (s *BasicSampler) Sample() (map[string]any, map[string]any, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	info := map[string]any{
		"hostname":     hostname,
		"os":           runtime.GOOS,
		"architecture": runtime.GOARCH,
		"cpu_count":    runtime.NumCPU(),
		"cpu_threads":  runtime.GOMAXPROCS(0),
	}
	metrics := map[string]any{
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	}
	return info, metrics, nil
}
