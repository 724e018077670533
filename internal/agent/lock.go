package agent

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// SingletonLock is the agent's exclusive advisory lock, held for the
// lifetime of the process so exactly one agent runs per host.
type SingletonLock struct {
	fl   *flock.Flock
	path string
}

// AcquireSingleton takes a non-blocking exclusive lock at path. On
// failure it attempts to read the PID the previous holder recorded in
// the lock file (best effort — advisory locks do not portably expose the
// current holder's PID) so the caller can log who is already running.
func AcquireSingleton(path string) (*SingletonLock, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		holder := readHolderPID(path)
		if holder != "" {
			return nil, fmt.Errorf("another agent instance is already running (pid %s)", holder)
		}
		return nil, fmt.Errorf("another agent instance is already running")
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("write lock pid: %w", err)
	}
	return &SingletonLock{fl: fl, path: path}, nil
}

func readHolderPID(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Release drops the lock. Callers should defer this immediately after a
// successful AcquireSingleton.
func (s *SingletonLock) Release() error {
	return s.fl.Unlock()
}
