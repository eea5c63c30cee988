package assembler

import "sync/atomic"

// Metrics tracks assembly counters across calls.
type Metrics struct {
	assemblies atomic.Int64
	degraded   atomic.Int64
	failures   atomic.Int64
	included   atomic.Int64
	compressed atomic.Int64
	dropped    atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Assemblies int64 `json:"assemblies"`
	Degraded   int64 `json:"degraded"`
	Failures   int64 `json:"failures"`
	Included   int64 `json:"included"`
	Compressed int64 `json:"compressed"`
	Dropped    int64 `json:"dropped"`
}

func (m *Metrics) observe(included, compressed, dropped int, degraded bool) {
	m.assemblies.Add(1)
	m.included.Add(int64(included))
	m.compressed.Add(int64(compressed))
	m.dropped.Add(int64(dropped))
	if degraded {
		m.degraded.Add(1)
	}
}

func (m *Metrics) fail() { m.failures.Add(1) }

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Assemblies: m.assemblies.Load(),
		Degraded:   m.degraded.Load(),
		Failures:   m.failures.Load(),
		Included:   m.included.Load(),
		Compressed: m.compressed.Load(),
		Dropped:    m.dropped.Load(),
	}
}
