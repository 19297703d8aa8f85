package game

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/postalsys/rakgate/internal/logging"
)

type fakeSource struct {
	ticks     int
	processes int
	shutdown  bool
	emergency bool
	tickErr   error
}

func (f *fakeSource) DoTick() error {
	f.ticks++
	return f.tickErr
}

func (f *fakeSource) Process() (bool, error) {
	f.processes++
	return false, nil
}

func (f *fakeSource) Shutdown()          { f.shutdown = true }
func (f *fakeSource) EmergencyShutdown() { f.emergency = true }

func TestNetwork_RegisterUnregister(t *testing.T) {
	n := NewNetwork(0, logging.NopLogger())
	a, b := &fakeSource{}, &fakeSource{}
	n.RegisterInterface(a)
	n.RegisterInterface(b)
	n.UnregisterInterface(a)
	n.UnregisterInterface(a)

	if n.Interfaces() != 1 {
		t.Fatalf("Interfaces() = %d, want 1", n.Interfaces())
	}
	if err := n.Tick(); err != nil {
		t.Fatal(err)
	}
	if a.ticks != 0 || b.ticks != 1 || b.processes != 1 {
		t.Errorf("a ticks %d, b ticks %d processes %d", a.ticks, b.ticks, b.processes)
	}
}

func TestNetwork_PacketLookup(t *testing.T) {
	n := NewNetwork(0, nil)
	for _, id := range []uint8{LoginPacketID, PlayStatusPacketID, DisconnectPacketID, BatchPacketID,
		TextPacketID, ServerHandshakePacketID, ClientHandshakePacketID} {
		pk, ok := n.Packet(id)
		if !ok || pk.ID() != id {
			t.Errorf("Packet(0x%02x) = %v, %v", id, pk, ok)
		}
	}
	if _, ok := n.Packet(0x01); ok {
		t.Error("unregistered id resolved")
	}
}

func TestNetwork_Statistics(t *testing.T) {
	n := NewNetwork(0, nil)
	n.AddStatistics(1024, 2048)
	st := n.Statistics()
	if st.Upload != 1024 || st.Download != 2048 || st.Updated.IsZero() {
		t.Errorf("Statistics() = %+v", st)
	}
}

func TestNetwork_TickErrorContinues(t *testing.T) {
	n := NewNetwork(0, nil)
	boom := errors.New("boom")
	bad, good := &fakeSource{tickErr: boom}, &fakeSource{}
	n.RegisterInterface(bad)
	n.RegisterInterface(good)

	if err := n.Tick(); !errors.Is(err, boom) {
		t.Errorf("Tick() = %v, want boom", err)
	}
	if bad.processes != 0 || good.processes != 1 {
		t.Errorf("bad processes %d, good processes %d", bad.processes, good.processes)
	}
}

func TestNetwork_RunFailureIsEmergency(t *testing.T) {
	n := NewNetwork(time.Millisecond, nil)
	src := &fakeSource{tickErr: errors.New("crashed")}
	n.RegisterInterface(src)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Run(ctx); err == nil {
		t.Fatal("Run() returned nil after a failed tick")
	}
	if !src.emergency || src.shutdown {
		t.Errorf("emergency %v, shutdown %v", src.emergency, src.shutdown)
	}
}

func TestNetwork_RunCancelShutsDown(t *testing.T) {
	ts := newTestServer(t, testConfig())
	p := ts.join(t, "alice")
	src := &fakeSource{}
	ts.network.RegisterInterface(src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.network.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return")
	}

	if !src.shutdown || src.emergency {
		t.Errorf("shutdown %v, emergency %v", src.shutdown, src.emergency)
	}
	if !p.Closed() || ts.gateway.closes[p] != ReasonServerShutdown {
		t.Errorf("player closed %v, reason %q", p.Closed(), ts.gateway.closes[p])
	}
}

func TestNetwork_DoRunsOnTick(t *testing.T) {
	ts := newTestServer(t, testConfig())
	ts.join(t, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.network.Run(ctx) }()

	var names []string
	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	err := ts.network.Do(dctx, func() {
		for _, p := range ts.server.Players() {
			names = append(names, p.Username())
		}
	})
	cancel()
	<-done

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if len(names) != 1 || names[0] != "alice" {
		t.Errorf("names = %v", names)
	}
}

func TestNetwork_DoHonoursContext(t *testing.T) {
	n := NewNetwork(time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// Nothing ticks, so the task never runs.
	if err := n.Do(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want deadline exceeded", err)
	}
}

func TestNetwork_DoTimedOutTaskSkipped(t *testing.T) {
	n := NewNetwork(time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	ran := false
	if err := n.Do(ctx, func() { ran = true }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do() error = %v, want deadline exceeded", err)
	}

	if err := n.Tick(); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if ran {
		t.Error("task ran after Do gave up on it")
	}

	// The queue keeps working for later callers.
	done := make(chan error, 1)
	go func() {
		done <- n.Do(context.Background(), func() { ran = true })
	}()
	deadline := time.Now().Add(time.Second)
	for {
		if err := n.Tick(); err != nil {
			t.Fatalf("Tick() error = %v", err)
		}
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Do() error = %v", err)
			}
			if !ran {
				t.Error("task did not run")
			}
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("Do() did not return")
		}
		time.Sleep(time.Millisecond)
	}
}
