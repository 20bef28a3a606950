package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight feed observability.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	framesReceived    atomic.Uint64
	framesSkipped     atomic.Uint64
	envelopesApplied  atomic.Uint64
	envelopesRejected atomic.Uint64
	applyErrors       atomic.Uint64
	replaceFailures   atomic.Uint64
	resyncs           atomic.Uint64
	reconnects        atomic.Uint64

	// Reconcile latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordFrame records a frame read from the feed.
func (m *Metrics) RecordFrame() {
	m.framesReceived.Add(1)
}

// RecordSkipped records a frame that did not decode as an L3 envelope.
func (m *Metrics) RecordSkipped() {
	m.framesSkipped.Add(1)
}

// RecordRejected records an envelope that failed validation.
func (m *Metrics) RecordRejected() {
	m.envelopesRejected.Add(1)
}

// RecordApplied records a reconciled envelope with its latency.
func (m *Metrics) RecordApplied(latencyNs int64) {
	m.envelopesApplied.Add(1)
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordApplyError records a book operation failure.
func (m *Metrics) RecordApplyError() {
	m.applyErrors.Add(1)
}

// RecordReplaceFailure records a duplicate-id replace whose re-add failed,
// leaving the order missing from the replica.
func (m *Metrics) RecordReplaceFailure() {
	m.replaceFailures.Add(1)
}

// RecordResync records a replica rebuild after an apply error.
func (m *Metrics) RecordResync() {
	m.resyncs.Add(1)
}

// RecordReconnect records a reconnect after the session was lost.
func (m *Metrics) RecordReconnect() {
	m.reconnects.Add(1)
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	FramesReceived    uint64
	FramesSkipped     uint64
	EnvelopesApplied  uint64
	EnvelopesRejected uint64
	ApplyErrors       uint64
	ReplaceFailures   uint64
	Resyncs           uint64
	Reconnects        uint64
	AvgReconcileNs    int64
	ActiveConnections int32
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		FramesReceived:    m.framesReceived.Load(),
		FramesSkipped:     m.framesSkipped.Load(),
		EnvelopesApplied:  m.envelopesApplied.Load(),
		EnvelopesRejected: m.envelopesRejected.Load(),
		ApplyErrors:       m.applyErrors.Load(),
		ReplaceFailures:   m.replaceFailures.Load(),
		Resyncs:           m.resyncs.Load(),
		Reconnects:        m.reconnects.Load(),
		AvgReconcileNs:    avgLatency,
		ActiveConnections: m.activeConnections.Load(),
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.framesReceived.Store(0)
	m.framesSkipped.Store(0)
	m.envelopesApplied.Store(0)
	m.envelopesRejected.Store(0)
	m.applyErrors.Store(0)
	m.replaceFailures.Store(0)
	m.resyncs.Store(0)
	m.reconnects.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeConnections.Store(0)
}
