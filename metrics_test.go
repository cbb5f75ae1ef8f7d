package rembashd

import "testing"

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot(0)
	if snap.Accepted != 0 || snap.HandshakeOK != 0 {
		t.Fatalf("expected zeroed snapshot, got %+v", snap)
	}

	m.RecordAccept()
	m.RecordAccept()
	m.RecordHandshake(1_000_000, true)
	m.RecordHandshake(500_000, false)
	m.RecordRelay(4096, false)
	m.RecordRelay(10, true)
	m.RecordTerminate()

	snap = m.Snapshot(1)

	if snap.Accepted != 2 {
		t.Errorf("Accepted = %d, want 2", snap.Accepted)
	}
	if snap.HandshakeOK != 1 {
		t.Errorf("HandshakeOK = %d, want 1", snap.HandshakeOK)
	}
	if snap.HandshakeFailed != 1 {
		t.Errorf("HandshakeFailed = %d, want 1", snap.HandshakeFailed)
	}
	if snap.BytesRelayed != 4106 {
		t.Errorf("BytesRelayed = %d, want 4106", snap.BytesRelayed)
	}
	if snap.PartialWrites != 1 {
		t.Errorf("PartialWrites = %d, want 1", snap.PartialWrites)
	}
	if snap.Terminated != 1 {
		t.Errorf("Terminated = %d, want 1", snap.Terminated)
	}
	if snap.ActiveSessions != 1 {
		t.Errorf("ActiveSessions = %d, want 1", snap.ActiveSessions)
	}
	if snap.AvgHandshakeLatencyNs == 0 {
		t.Error("expected non-zero average handshake latency")
	}
}

func TestMetricsLatencyHistogram(t *testing.T) {
	m := NewMetrics()
	m.RecordHandshake(5_000, true)       // falls in the 10us bucket and above
	m.RecordHandshake(50_000_000, true) // falls in the 100ms bucket and above

	snap := m.Snapshot(0)
	if snap.LatencyHistogram[1] == 0 { // 10us bucket should include the 5us sample
		t.Error("expected 10us+ bucket to have at least one sample")
	}
	if snap.LatencyHistogram[numLatencyBuckets-1] != 2 {
		t.Errorf("top bucket = %d, want 2 (cumulative)", snap.LatencyHistogram[numLatencyBuckets-1])
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordAccept()
	m.RecordHandshake(1000, true)
	m.Reset()

	snap := m.Snapshot(0)
	if snap.Accepted != 0 || snap.HandshakeOK != 0 || snap.AvgHandshakeLatencyNs != 0 {
		t.Errorf("expected all-zero snapshot after Reset, got %+v", snap)
	}
}

func TestMetricsObserverBridgesToMetrics(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)

	obs.ObserveAccept()
	obs.ObserveHandshake(2_000_000, true)
	obs.ObserveRelay(128, false)
	obs.ObserveTerminate("peer closed connection")

	snap := m.Snapshot(0)
	if snap.Accepted != 1 {
		t.Errorf("Accepted = %d, want 1", snap.Accepted)
	}
	if snap.HandshakeOK != 1 {
		t.Errorf("HandshakeOK = %d, want 1", snap.HandshakeOK)
	}
	if snap.BytesRelayed != 128 {
		t.Errorf("BytesRelayed = %d, want 128", snap.BytesRelayed)
	}
	if snap.Terminated != 1 {
		t.Errorf("Terminated = %d, want 1", snap.Terminated)
	}
}

func TestMetricsUptimeAfterStop(t *testing.T) {
	m := NewMetrics()
	m.Stop()
	snap := m.Snapshot(0)
	if snap.UptimeNs == 0 {
		t.Error("expected non-zero uptime once stopped")
	}
}
