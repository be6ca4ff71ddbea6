// Package circuitbreaker gates provider selection on recent failure history.
//
// States:
//   - Closed: requests pass through
//   - Open: provider is skipped until the probe deadline
//   - Half-Open: exactly one probe request is allowed through
//
// A probe success closes the circuit and resets the backoff; a probe failure
// reopens it and doubles the backoff up to a cap.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing fast until the probe deadline
	StateHalfOpen              // single probe in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config defines circuit breaker behavior.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	BaseBackoff      time.Duration // first open interval
	MaxBackoff       time.Duration // backoff cap for repeated reopens
}

// DefaultConfig returns sensible defaults for most use cases.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		BaseBackoff:      30 * time.Second,
		MaxBackoff:       10 * time.Minute,
	}
}

// Snapshot is a point-in-time view of a breaker, used by the health surface.
type Snapshot struct {
	State         State
	Failures      int
	ProbeDeadline time.Time
	LastSuccess   time.Time
}

// Breaker tracks consecutive failures for a single provider.
type Breaker struct {
	mu            sync.Mutex
	config        Config
	state         State
	failures      int
	backoff       time.Duration
	probeDeadline time.Time
	lastSuccess   time.Time

	now func() time.Time
}

// New creates a closed breaker with the given config.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = 10 * time.Minute
	}
	return &Breaker{
		config:  cfg,
		state:   StateClosed,
		backoff: cfg.BaseBackoff,
		now:     time.Now,
	}
}

// Allow reports whether a request may go to the provider. When the open
// interval has elapsed it moves the breaker to half-open and admits exactly
// one probe; concurrent callers are refused until the probe is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Before(b.probeDeadline) {
			return false
		}
		b.state = StateHalfOpen
		return true
	case StateHalfOpen:
		// Probe already in flight.
		return false
	}
	return true
}

// RecordSuccess closes the circuit and resets failure count and backoff.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.backoff = b.config.BaseBackoff
	b.lastSuccess = b.now()
}

// RecordFailure counts a transferable failure. Reaching the threshold opens
// the circuit; a failed probe reopens it with doubled backoff.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.state = StateOpen
			b.probeDeadline = b.now().Add(b.backoff)
		}
	case StateHalfOpen:
		b.failures++
		b.backoff = min(b.backoff*2, b.config.MaxBackoff)
		b.state = StateOpen
		b.probeDeadline = b.now().Add(b.backoff)
	case StateOpen:
		b.failures++
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's current view for the health surface.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:         b.state,
		Failures:      b.failures,
		ProbeDeadline: b.probeDeadline,
		LastSuccess:   b.lastSuccess,
	}
}

// Manager holds one breaker per provider.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewManager creates a manager that lazily builds breakers per provider ID.
func NewManager(cfg Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the circuit breaker for a provider, creating one if it doesn't exist.
func (m *Manager) Get(providerID string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[providerID]
	m.mu.RUnlock()

	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[providerID]; ok {
		return existing
	}

	b = New(m.config)
	m.breakers[providerID] = b
	return b
}

// Snapshots returns the current view of every known breaker.
func (m *Manager) Snapshots() map[string]Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Snapshot, len(m.breakers))
	for id, b := range m.breakers {
		out[id] = b.Snapshot()
	}
	return out
}

// States returns provider -> state name, for the health endpoint body.
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]string, len(m.breakers))
	for id, b := range m.breakers {
		states[id] = b.State().String()
	}
	return states
}
