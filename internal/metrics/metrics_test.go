package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}

	if m.SessionsActive == nil {
		t.Error("SessionsActive metric is nil")
	}
	if m.EnvelopesSent == nil {
		t.Error("EnvelopesSent metric is nil")
	}
	if m.WorkerTerminations == nil {
		t.Error("WorkerTerminations metric is nil")
	}
}

func TestRecordSessionOpenClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSessionOpen()
	m.RecordSessionOpen()
	m.RecordSessionOpen()
	m.RecordSessionClose("transport")

	if v := testutil.ToFloat64(m.SessionsActive); v != 2 {
		t.Errorf("SessionsActive = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.SessionsOpened); v != 3 {
		t.Errorf("SessionsOpened = %v, want 3", v)
	}
	if v := testutil.ToFloat64(m.SessionsClosed.WithLabelValues("transport")); v != 1 {
		t.Errorf("SessionsClosed{transport} = %v, want 1", v)
	}
}

func TestRecordPacketDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordPacketDropped(DropUnknownType)
	m.RecordPacketDropped(DropUnknownType)
	m.RecordPacketDropped(DropNotApplication)

	if v := testutil.ToFloat64(m.PacketsDropped.WithLabelValues(DropUnknownType)); v != 2 {
		t.Errorf("PacketsDropped{unknown_type} = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.PacketsDropped.WithLabelValues(DropNotApplication)); v != 1 {
		t.Errorf("PacketsDropped{not_application} = %v, want 1", v)
	}
}

func TestRecordEnvelopeSent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordEnvelopeSent("normal")
	m.RecordEnvelopeSent("immediate")
	m.RecordEnvelopeSent("normal")
	m.RecordPacketBatched()

	if v := testutil.ToFloat64(m.EnvelopesSent.WithLabelValues("normal")); v != 2 {
		t.Errorf("EnvelopesSent{normal} = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.PacketsBatched); v != 1 {
		t.Errorf("PacketsBatched = %v, want 1", v)
	}
}

func TestRecordBandwidth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBandwidth(100, 50)
	m.RecordBandwidth(10, 5)

	if v := testutil.ToFloat64(m.BytesSent); v != 110 {
		t.Errorf("BytesSent = %v, want 110", v)
	}
	if v := testutil.ToFloat64(m.BytesReceived); v != 55 {
		t.Errorf("BytesReceived = %v, want 55", v)
	}
	if v := testutil.ToFloat64(m.BandwidthUp); v != 10 {
		t.Errorf("BandwidthUp = %v, want 10", v)
	}
	if v := testutil.ToFloat64(m.BandwidthDown); v != 5 {
		t.Errorf("BandwidthDown = %v, want 5", v)
	}
}

func TestRecordFailuresAndTerminations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordDispatchFailure()
	m.RecordAddressBlock()
	m.RecordACK()
	m.RecordControlDrop()
	m.RecordWorkerTermination("drain")
	m.RecordDrain(0.002)

	if v := testutil.ToFloat64(m.DispatchFailures); v != 1 {
		t.Errorf("DispatchFailures = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.AddressBlocks); v != 1 {
		t.Errorf("AddressBlocks = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.ACKsConfirmed); v != 1 {
		t.Errorf("ACKsConfirmed = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.ControlDrops); v != 1 {
		t.Errorf("ControlDrops = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.WorkerTerminations.WithLabelValues("drain")); v != 1 {
		t.Errorf("WorkerTerminations{drain} = %v, want 1", v)
	}
	if n := testutil.CollectAndCount(m.DrainDuration); n != 1 {
		t.Errorf("DrainDuration series = %d, want 1", n)
	}
}

func TestDefault(t *testing.T) {
	m1 := Default()
	m2 := Default()
	if m1 != m2 {
		t.Error("Default() should return the same instance")
	}
}
