package rembashd

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the handshake-latency histogram buckets in
// nanoseconds. Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks server-wide operational statistics for rembashd.
type Metrics struct {
	// Session lifecycle counters.
	Accepted        atomic.Uint64
	HandshakeOK     atomic.Uint64
	HandshakeFailed atomic.Uint64
	Terminated      atomic.Uint64

	// Relay counters, across both directions (the Observer contract
	// does not distinguish client->shell from shell->client; the
	// Client Table's per-record Unwritten state is the source of truth
	// for which direction is currently stalled).
	BytesRelayed  atomic.Uint64
	PartialWrites atomic.Uint64

	// Handshake latency tracking.
	TotalLatencyNs atomic.Uint64
	LatencyCount   atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Server lifecycle.
	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordAccept records one successful accept(2).
func (m *Metrics) RecordAccept() {
	m.Accepted.Add(1)
}

// RecordHandshake records the outcome of a handshake attempt: a bad
// secret, a handshake timeout, and a shell-spawn failure all count as
// !success, matching every case ctrl.Controller reports through
// ObserveHandshake.
func (m *Metrics) RecordHandshake(latencyNs uint64, success bool) {
	if success {
		m.HandshakeOK.Add(1)
	} else {
		m.HandshakeFailed.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordRelay records one relay write. partial indicates the write did
// not complete in full (the carry-over buffer absorbed the remainder).
func (m *Metrics) RecordRelay(bytes uint64, partial bool) {
	m.BytesRelayed.Add(bytes)
	if partial {
		m.PartialWrites.Add(1)
	}
}

// RecordTerminate records one session teardown, for any reason.
func (m *Metrics) RecordTerminate() {
	m.Terminated.Add(1)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.LatencyCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the server as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics
// suitable for logging or a status endpoint.
type MetricsSnapshot struct {
	Accepted        uint64
	HandshakeOK     uint64
	HandshakeFailed uint64
	Terminated      uint64
	ActiveSessions  uint64

	BytesRelayed  uint64
	PartialWrites uint64

	AvgHandshakeLatencyNs uint64
	LatencyHistogram      [numLatencyBuckets]uint64

	UptimeNs uint64
}

// Snapshot creates a point-in-time snapshot of metrics. active is the
// caller-supplied current session count (the Client Table, not
// Metrics, is the source of truth for how many sessions are live).
func (m *Metrics) Snapshot(active uint64) MetricsSnapshot {
	snap := MetricsSnapshot{
		Accepted:        m.Accepted.Load(),
		HandshakeOK:     m.HandshakeOK.Load(),
		HandshakeFailed: m.HandshakeFailed.Load(),
		Terminated:      m.Terminated.Load(),
		ActiveSessions:  active,
		BytesRelayed:    m.BytesRelayed.Load(),
		PartialWrites:   m.PartialWrites.Load(),
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	latencyCount := m.LatencyCount.Load()
	if latencyCount > 0 {
		snap.AvgHandshakeLatencyNs = totalLatencyNs / latencyCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	return snap
}

// Reset resets all counters, useful for testing.
func (m *Metrics) Reset() {
	m.Accepted.Store(0)
	m.HandshakeOK.Store(0)
	m.HandshakeFailed.Store(0)
	m.Terminated.Store(0)
	m.BytesRelayed.Store(0)
	m.PartialWrites.Store(0)
	m.TotalLatencyNs.Store(0)
	m.LatencyCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// MetricsObserver implements interfaces.Observer by recording every
// lifecycle/relay event into a *Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an Observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

// ObserveAccept implements interfaces.Observer.
func (o *MetricsObserver) ObserveAccept() {
	o.metrics.RecordAccept()
}

// ObserveHandshake implements interfaces.Observer.
func (o *MetricsObserver) ObserveHandshake(latencyNs uint64, success bool) {
	o.metrics.RecordHandshake(latencyNs, success)
}

// ObserveRelay implements interfaces.Observer.
func (o *MetricsObserver) ObserveRelay(bytes uint64, partial bool) {
	o.metrics.RecordRelay(bytes, partial)
}

// ObserveTerminate implements interfaces.Observer.
func (o *MetricsObserver) ObserveTerminate(reason string) {
	o.metrics.RecordTerminate()
}
