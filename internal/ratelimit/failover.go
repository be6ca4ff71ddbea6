package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Failover serves decisions from the primary store and degrades to the
// fallback when the primary errors. Admission keeps working either way; the
// degradation is logged once per failure window instead of per request.
type Failover struct {
	primary  Limiter
	fallback Limiter
	logEvery time.Duration

	mu       sync.Mutex
	degraded bool
	lastLog  time.Time
}

func NewFailover(primary, fallback Limiter) *Failover {
	return &Failover{
		primary:  primary,
		fallback: fallback,
		logEvery: time.Minute,
	}
}

func (f *Failover) Allow(ctx context.Context, identity string) (Decision, error) {
	d, err := f.primary.Allow(ctx, identity)
	if err == nil {
		f.noteRecovery()
		return d, nil
	}
	f.noteFailure(err)
	return f.fallback.Allow(ctx, identity)
}

func (f *Failover) noteFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.degraded || time.Since(f.lastLog) >= f.logEvery {
		slog.Warn("rate limit store unavailable, serving from memory", "error", err)
		f.lastLog = time.Now()
	}
	f.degraded = true
}

func (f *Failover) noteRecovery() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.degraded {
		slog.Info("rate limit store recovered")
		f.degraded = false
	}
}
