package model

import (
	"sync"
	"time"
)

// Metrics tracks rolling per-model runtime metrics. Counters are monotonic;
// AvgLatencyMs is recomputed as a running mean over inference count.
type Metrics struct {
	mu sync.Mutex

	loadTimeMs     int64
	inferenceCount int64
	totalTokens    int64
	avgLatencyMs   float64
	lastUsed       time.Time
	inFlight       int64
}

// MetricsSnapshot is a point-in-time copy of a model's metrics.
type MetricsSnapshot struct {
	LoadTimeMs     int64     `json:"load_time_ms"`
	InferenceCount int64     `json:"inference_count"`
	TotalTokens    int64     `json:"total_tokens"`
	AvgLatencyMs   float64   `json:"avg_latency_ms"`
	LastUsed       time.Time `json:"last_used"`
	InFlight       int64     `json:"in_flight"`
}

// RecordLoad stores the duration of a completed load.
func (m *Metrics) RecordLoad(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadTimeMs = d.Milliseconds()
}

// RecordInference folds one completed inference into the rolling metrics.
// start is the monotonic start time of the call; tokens the tokens produced.
func (m *Metrics) RecordInference(start time.Time, tokens int) {
	latencyMs := float64(time.Since(start).Milliseconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	m.inferenceCount++
	m.totalTokens += int64(tokens)
	// Running mean keeps avgLatency exact without retaining history.
	m.avgLatencyMs += (latencyMs - m.avgLatencyMs) / float64(m.inferenceCount)
	m.lastUsed = time.Now()
}

// Touch marks the model as used without recording an inference.
func (m *Metrics) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUsed = time.Now()
}

// IncInFlight and DecInFlight track concurrent operations for least-loaded
// routing and backpressure.
func (m *Metrics) IncInFlight() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight++
}

func (m *Metrics) DecInFlight() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight > 0 {
		m.inFlight--
	}
}

// InFlight returns the number of operations currently in flight.
func (m *Metrics) InFlight() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

// LastUsed returns the last-used timestamp; zero when never used.
func (m *Metrics) LastUsed() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUsed
}

// AvgLatencyMs returns the current running-mean latency.
func (m *Metrics) AvgLatencyMs() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avgLatencyMs
}

// SetAvgLatencyMs seeds the running mean, for snapshot restore and tests.
func (m *Metrics) SetAvgLatencyMs(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.avgLatencyMs = v
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		LoadTimeMs:     m.loadTimeMs,
		InferenceCount: m.inferenceCount,
		TotalTokens:    m.totalTokens,
		AvgLatencyMs:   m.avgLatencyMs,
		LastUsed:       m.lastUsed,
		InFlight:       m.inFlight,
	}
}
