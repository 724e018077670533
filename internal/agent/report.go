package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"math/rand"
	"sync/atomic"
	"time"
)

// Reporter runs the sampling loop: every ReportInterval it collects one
// sample, encrypts it if E2EE is active, and sends it with bounded
// retries. It owns its in-flight sample exclusively until the send
// succeeds or is dropped, per the fleet's ownership model.
type Reporter struct {
	cfg       Config
	sampler   Sampler
	enc       *Encryptor
	transport *Transport
	dbKey     []byte
	log       *slog.Logger

	consecutiveFailures atomic.Int64
}

// NewReporter builds a Reporter. dbKey may be nil if no local database
// wrap key is being attached to reports.
func NewReporter(cfg Config, sampler Sampler, enc *Encryptor, transport *Transport, dbKey []byte, log *slog.Logger) *Reporter {
	return &Reporter{cfg: cfg.withDefaults(), sampler: sampler, enc: enc, transport: transport, dbKey: dbKey, log: log}
}

// Run drives the report loop until ctx is cancelled, sleeping
// ReportInterval between cycles.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

// cycle samples once and attempts to send it, applying the retry policy.
func (r *Reporter) cycle(ctx context.Context) {
	info, metrics, err := r.sampler.Sample()
	if err != nil {
		r.log.Warn("sample collection failed", "error", err)
		return
	}

	payload := map[string]any{
		"machine_id":   r.cfg.MachineID,
		"machine_info": info,
		"metrics":      metrics,
	}
	if r.enc.Active() && len(r.dbKey) > 0 {
		payload["agent_db_key"] = string(r.dbKey)
	}

	body, err := r.encodeReport(payload)
	if err != nil {
		r.log.Error("encode report failed", "error", err)
		return
	}

	if err := r.sendWithRetry(ctx, body); err != nil {
		failures := r.consecutiveFailures.Add(1)
		r.log.Warn("report send failed, dropping sample", "error", err, "consecutive_failures", failures)
		if failures >= 5 {
			r.log.Error("fleet server unreachable", "consecutive_failures", failures)
		}
		return
	}
	r.consecutiveFailures.Store(0)
}

func (r *Reporter) encodeReport(payload map[string]any) ([]byte, error) {
	if !r.enc.Active() {
		return json.Marshal(payload)
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env, err := r.enc.Seal(plaintext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// retryDelay computes the 2^attempt + U(0,1) seconds backoff. A package
// variable so tests can substitute a near-zero delay without changing
// the retry policy itself.
var retryDelay = func(attempt int) time.Duration {
	return time.Duration(float64(time.Second) * (math.Pow(2, float64(attempt)) + rand.Float64()))
}

// sendWithRetry makes one send attempt plus up to 3 retries, waiting
// 2^attempt + U(0,1) seconds before each retry, per the reporter's retry
// policy.
func (r *Reporter) sendWithRetry(ctx context.Context, body []byte) error {
	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay(attempt)):
			}
		}
		lastErr = r.transport.Report(ctx, body)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}
