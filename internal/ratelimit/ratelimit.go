// Package ratelimit admits requests against per-identity sliding windows.
// A minute and an hour window are tracked together and the tighter one
// decides the verdict. Memory and Redis backed stores share the same
// semantics; the failover wrapper keeps admission local when Redis is
// unreachable.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour

	sweepInterval = time.Minute
)

type Limits struct {
	PerMinute int
	PerHour   int
}

// Decision is the admission verdict. Limit, Remaining and ResetAt describe
// the tighter of the two windows; RetryAfter is set only on denial and
// reports the longer wait when both windows block.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, identity string) (Decision, error)
}

// IdentityFromRequest derives the rate-limit identity: explicit tenant
// header, tenant query parameter, first X-Forwarded-For hop, then the socket
// peer address.
func IdentityFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return "tenant:" + v
	}
	if v := r.URL.Query().Get("tenant_id"); v != "" {
		return "tenant:" + v
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return "ip:" + first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// verdict folds both window states into one decision. Counts exclude the
// request being decided; oldest timestamps are zero for empty windows.
func (l Limits) verdict(now time.Time, minuteCount, hourCount int, minuteOldest, hourOldest time.Time) Decision {
	minute := windowVerdict(now, minuteWindow, l.PerMinute, minuteCount, minuteOldest)
	hour := windowVerdict(now, hourWindow, l.PerHour, hourCount, hourOldest)

	d := Decision{Allowed: minute.Allowed && hour.Allowed}
	tight := minute
	if hour.Remaining < minute.Remaining {
		tight = hour
	}
	d.Limit, d.Remaining, d.ResetAt = tight.Limit, tight.Remaining, tight.ResetAt

	if !d.Allowed {
		worst := minute
		if !hour.Allowed && (minute.Allowed || hour.RetryAfter > minute.RetryAfter) {
			worst = hour
		}
		d.Limit, d.Remaining, d.ResetAt, d.RetryAfter = worst.Limit, worst.Remaining, worst.ResetAt, worst.RetryAfter
	}
	return d
}

func windowVerdict(now time.Time, window time.Duration, limit, count int, oldest time.Time) Decision {
	d := Decision{Limit: limit, Allowed: count < limit}
	switch {
	case d.Allowed:
		d.Remaining = limit - count - 1
		if count == 0 {
			// This request becomes the oldest entry once admitted.
			d.ResetAt = now.Add(window)
		} else {
			d.ResetAt = oldest.Add(window)
		}
	default:
		d.Remaining = limit - count
		if d.Remaining < 0 {
			d.Remaining = 0
		}
		if oldest.IsZero() {
			d.ResetAt = now.Add(window)
		} else {
			d.ResetAt = oldest.Add(window)
		}
		if wait := d.ResetAt.Sub(now); wait > 0 {
			d.RetryAfter = wait
		}
	}
	return d
}

// Memory is the process-local store: one timestamp slice per identity,
// pruned to the hour window on every probe.
type Memory struct {
	limits Limits

	mu        sync.Mutex
	hits      map[string][]time.Time
	lastSweep time.Time

	now func() time.Time
}

func NewMemory(limits Limits) *Memory {
	return &Memory{
		limits: limits,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

func (m *Memory) Allow(_ context.Context, identity string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)

	hits := pruneBefore(m.hits[identity], now.Add(-hourWindow))

	minuteStart := now.Add(-minuteWindow)
	minuteCount := 0
	var minuteOldest time.Time
	for _, t := range hits {
		if !t.Before(minuteStart) {
			if minuteCount == 0 {
				minuteOldest = t
			}
			minuteCount++
		}
	}
	var hourOldest time.Time
	if len(hits) > 0 {
		hourOldest = hits[0]
	}

	d := m.limits.verdict(now, minuteCount, len(hits), minuteOldest, hourOldest)
	if d.Allowed {
		hits = append(hits, now)
	}
	if len(hits) == 0 {
		delete(m.hits, identity)
	} else {
		m.hits[identity] = hits
	}
	return d, nil
}

func (m *Memory) sweep(now time.Time) {
	if now.Sub(m.lastSweep) < sweepInterval {
		return
	}
	m.lastSweep = now
	cutoff := now.Add(-hourWindow)
	for id, hits := range m.hits {
		pruned := pruneBefore(hits, cutoff)
		if len(pruned) == 0 {
			delete(m.hits, id)
		} else {
			m.hits[id] = pruned
		}
	}
}

func pruneBefore(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && hits[i].Before(cutoff) {
		i++
	}
	return hits[i:]
}
