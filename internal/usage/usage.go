// Package usage records per-request accounting: token counts, latency, and
// the outcome of every generation. Recording is best-effort and never blocks
// or fails a request.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Record is one completed generation, successful or not.
type Record struct {
	RequestID    string    `json:"request_id"`
	TenantID     string    `json:"tenant_id"`
	Agent        string    `json:"agent,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	LatencyMs    int64     `json:"latency_ms"`
	Stream       bool      `json:"stream"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Summary aggregates a tenant's records for the usage endpoint.
type Summary struct {
	Requests     int            `json:"requests"`
	Failures     int            `json:"failures"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	ByProvider   map[string]int `json:"by_provider"`
}

type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Reader serves tenant summaries. Only stores that retain records
// implement it; publish-only sinks do not.
type Reader interface {
	Summarize(ctx context.Context, tenantID string, since time.Time) (Summary, error)
}

const defaultMemoryCap = 10000

// Memory retains the most recent records in a bounded slice. It backs
// deployments without Postgres and the test suite.
type Memory struct {
	mu      sync.Mutex
	records []Record
	cap     int
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = defaultMemoryCap
	}
	return &Memory{cap: capacity}
}

func (m *Memory) Record(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, rec)
	if len(m.records) > m.cap {
		m.records = m.records[len(m.records)-m.cap:]
	}
	return nil
}

func (m *Memory) Summarize(_ context.Context, tenantID string, since time.Time) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sum := Summary{ByProvider: map[string]int{}}
	for _, rec := range m.records {
		if rec.TenantID != tenantID || rec.CreatedAt.Before(since) {
			continue
		}
		sum.Requests++
		if rec.ErrorKind != "" {
			sum.Failures++
		}
		sum.InputTokens += rec.InputTokens
		sum.OutputTokens += rec.OutputTokens
		sum.ByProvider[rec.Provider]++
	}
	return sum, nil
}

// Fanout records to every sink, logging failures instead of propagating
// them: one broken sink must not starve the others.
type Fanout struct {
	sinks  []Recorder
	logger *slog.Logger
}

func NewFanout(logger *slog.Logger, sinks ...Recorder) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{sinks: sinks, logger: logger}
}

func (f *Fanout) Record(ctx context.Context, rec Record) error {
	for _, sink := range f.sinks {
		if err := sink.Record(ctx, rec); err != nil {
			f.logger.Warn("usage sink failed", "request_id", rec.RequestID, "error", err)
		}
	}
	return nil
}

// Async decouples recording from the request path with a bounded queue.
// When the queue is full the record is dropped and counted, never blocked
// on.
type Async struct {
	queue   chan Record
	next    Recorder
	logger  *slog.Logger
	wg      sync.WaitGroup
	dropped int64
	mu      sync.Mutex
}

func NewAsync(next Recorder, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		queue:  make(chan Record, buffer),
		next:   next,
		logger: logger,
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) run() {
	defer a.wg.Done()
	for rec := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.next.Record(ctx, rec); err != nil {
			a.logger.Warn("usage record failed", "request_id", rec.RequestID, "error", err)
		}
		cancel()
	}
}

func (a *Async) Record(_ context.Context, rec Record) error {
	select {
	case a.queue <- rec:
	default:
		a.mu.Lock()
		a.dropped++
		dropped := a.dropped
		a.mu.Unlock()
		a.logger.Warn("usage queue full, dropping record", "dropped_total", dropped)
	}
	return nil
}

// Close drains the queue and stops the worker.
func (a *Async) Close() {
	close(a.queue)
	a.wg.Wait()
}
