package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Agent wires the sampler, encryptor, transport, reporter, and poller
// into two cooperating loops (sample reporting and command polling),
// guarded by the host's singleton lock.
type Agent struct {
	cfg      Config
	lock     *SingletonLock
	reporter *Reporter
	poller   *Poller
	log      *slog.Logger
}

// New acquires the singleton lock and assembles an Agent ready to Run.
// Callers are responsible for calling Close (directly, or via the
// process exiting) to release the lock.
func New(cfg Config, sampler Sampler, log *slog.Logger) (*Agent, error) {
	cfg = cfg.withDefaults()

	lock, err := AcquireSingleton(cfg.LockPath)
	if err != nil {
		return nil, fmt.Errorf("singleton lock: %w", err)
	}

	key, err := LoadKeyFile(cfg.KeyPath)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("load encryption key: %w", err)
	}
	enc := NewEncryptor(key)

	var dbKey []byte
	if enc.Active() && cfg.DBKeyPath != "" {
		dbKey, err = LoadOrCreateDBKey(cfg.DBKeyPath)
		if err != nil {
			_ = lock.Release()
			return nil, fmt.Errorf("load db key: %w", err)
		}
	}

	transport := NewTransport(cfg.ServerURL, cfg.APIKey, cfg.InsecureSkipVerify)

	return &Agent{
		cfg:      cfg,
		lock:     lock,
		reporter: NewReporter(cfg, sampler, enc, transport, dbKey, log),
		poller:   NewPoller(cfg, transport, enc, cfg.KeyPath, log),
		log:      log,
	}, nil
}

// Run starts the report and poll loops and blocks until ctx is
// cancelled, at which point both loops exit within one interval.
func (a *Agent) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.reporter.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.poller.Run(ctx)
	}()
	wg.Wait()
}

// Close releases the singleton lock.
func (a *Agent) Close() error {
	return a.lock.Release()
}
