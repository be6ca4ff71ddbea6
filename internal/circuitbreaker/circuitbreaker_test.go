package circuitbreaker

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		BaseBackoff:      time.Minute,
		MaxBackoff:       8 * time.Minute,
	}
}

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreakerAt(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := New(cfg)
	b.now = clock.now
	return b, clock
}

func TestBreaker_StartsClosed(t *testing.T) {
	b, _ := newBreakerAt(testConfig())

	if b.State() != StateClosed {
		t.Errorf("expected StateClosed, got %v", b.State())
	}
	if !b.Allow() {
		t.Error("closed breaker must allow requests")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newBreakerAt(testConfig())

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed below threshold, got %v", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Errorf("expected StateOpen after 3 failures, got %v", b.State())
	}
	if b.Allow() {
		t.Error("open breaker must refuse requests before the probe deadline")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newBreakerAt(testConfig())

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Errorf("expected StateClosed, got %v", b.State())
	}
}

func TestBreaker_SingleProbeAfterDeadline(t *testing.T) {
	b, clock := newBreakerAt(testConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.advance(61 * time.Second)

	if !b.Allow() {
		t.Fatal("expected probe to be admitted after the deadline")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State())
	}
	if b.Allow() {
		t.Error("only one probe may be in flight")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b, clock := newBreakerAt(testConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.advance(61 * time.Second)
	b.Allow()
	b.RecordSuccess()

	if b.State() != StateClosed {
		t.Errorf("expected StateClosed after probe success, got %v", b.State())
	}

	snap := b.Snapshot()
	if snap.Failures != 0 {
		t.Errorf("expected failures reset, got %d", snap.Failures)
	}
	if !snap.LastSuccess.Equal(clock.t) {
		t.Errorf("expected last success %v, got %v", clock.t, snap.LastSuccess)
	}
}

func TestBreaker_ProbeFailureDoublesBackoff(t *testing.T) {
	b, clock := newBreakerAt(testConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	// First probe fails: backoff doubles to 2 minutes.
	clock.advance(61 * time.Second)
	if !b.Allow() {
		t.Fatal("expected probe to be admitted")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen after failed probe, got %v", b.State())
	}

	clock.advance(time.Minute)
	if b.Allow() {
		t.Error("doubled backoff must still refuse at +1m")
	}
	clock.advance(time.Minute + time.Second)
	if !b.Allow() {
		t.Error("expected probe at +2m after reopen")
	}
}

func TestBreaker_BackoffCapped(t *testing.T) {
	b, clock := newBreakerAt(testConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	// Fail enough probes to exceed the 8 minute cap.
	for i := 0; i < 5; i++ {
		clock.advance(20 * time.Minute)
		if !b.Allow() {
			t.Fatalf("probe %d not admitted", i)
		}
		b.RecordFailure()
	}

	snap := b.Snapshot()
	wait := snap.ProbeDeadline.Sub(clock.t)
	if wait > 8*time.Minute {
		t.Errorf("backoff %v exceeds cap", wait)
	}
}

func TestManager_GetCreatesBreaker(t *testing.T) {
	m := NewManager(DefaultConfig())

	b1 := m.Get("anthropic")
	b2 := m.Get("anthropic")
	if b1 != b2 {
		t.Error("expected the same breaker for the same provider")
	}

	other := m.Get("groq")
	if other == b1 {
		t.Error("expected distinct breakers per provider")
	}
}

func TestManager_States(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 1, BaseBackoff: time.Minute, MaxBackoff: time.Hour})

	m.Get("ollama")
	m.Get("gemini").RecordFailure()

	states := m.States()
	if states["ollama"] != "closed" {
		t.Errorf("expected ollama closed, got %q", states["ollama"])
	}
	if states["gemini"] != "open" {
		t.Errorf("expected gemini open, got %q", states["gemini"])
	}
}
