package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/postalsys/rakgate/internal/certutil"
	"github.com/postalsys/rakgate/internal/logging"
	"github.com/postalsys/rakgate/internal/protocol"
	"github.com/postalsys/rakgate/internal/transport"
)

const testTimeout = 5 * time.Second

type harness struct {
	t      *testing.T
	w      *Worker
	ch     *transport.Channel
	client *tls.Config
}

func newHarness(t *testing.T, tweak func(*Config)) *harness {
	t.Helper()

	cert, err := certutil.Generate(certutil.ServerOptions("rakgate-test"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	tlsCert, err := cert.TLSCertificate()
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		Address:           "127.0.0.1:0",
		TLS:               &tls.Config{Certificates: []tls.Certificate{tlsCert}},
		BandwidthInterval: time.Hour,
		Logger:            logging.NopLogger(),
	}
	if tweak != nil {
		tweak(&cfg)
	}

	ch := transport.NewChannel(256)
	w, err := New(cfg, ch)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		_ = ch.Send(transport.EmergencyShutdownCommand{}, true)
		select {
		case <-w.Done():
		case <-time.After(testTimeout):
		}
	})

	return &harness{
		t:      t,
		w:      w,
		ch:     ch,
		client: certutil.PinnedClientConfig(cert.Fingerprint(), DefaultALPN),
	}
}

func (h *harness) port() int {
	return h.w.Addr().(*net.UDPAddr).Port
}

func (h *harness) dial(clientID int64) *Client {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	c, err := Dial(ctx, h.w.Addr().String(), h.client, Handshake{ClientID: clientID, ServerPort: uint16(h.port())})
	if err != nil {
		h.t.Fatalf("Dial() error = %v", err)
	}
	h.t.Cleanup(func() { _ = c.Close() })
	return c
}

// next polls the channel until an event matching keep arrives.
func (h *harness) next(keep func(transport.Event) bool) transport.Event {
	h.t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		ev, ok := h.ch.Poll()
		if !ok {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if keep(ev) {
			return ev
		}
	}
	h.t.Fatal("timed out waiting for event")
	return nil
}

func (h *harness) open(clientID int64) (*Client, transport.OpenEvent) {
	h.t.Helper()
	c := h.dial(clientID)
	ev := h.next(func(ev transport.Event) bool {
		_, ok := ev.(transport.OpenEvent)
		return ok
	}).(transport.OpenEvent)
	return c, ev
}

func (h *harness) send(cmd transport.Command, urgent bool) {
	h.t.Helper()
	if err := h.ch.Send(cmd, urgent); err != nil {
		h.t.Fatalf("Send(%T) error = %v", cmd, err)
	}
}

func TestNew_Validation(t *testing.T) {
	ch := transport.NewChannel(8)
	if _, err := New(Config{Address: "127.0.0.1:0"}, ch); err == nil {
		t.Error("New() without TLS should fail")
	}
	if _, err := New(Config{TLS: &tls.Config{Certificates: []tls.Certificate{{}}}}, ch); err == nil {
		t.Error("New() without address should fail")
	}
	if _, err := New(Config{Address: "127.0.0.1:0", TLS: &tls.Config{Certificates: []tls.Certificate{{}}}}, nil); err == nil {
		t.Error("New() without channel should fail")
	}
}

func TestWorker_OpenAndInbound(t *testing.T) {
	h := newHarness(t, nil)
	c, open := h.open(77)

	if open.ClientID != 77 {
		t.Errorf("ClientID = %d, want 77", open.ClientID)
	}
	if open.Address != "127.0.0.1" || open.Port == 0 {
		t.Errorf("OpenEvent address = %s:%d", open.Address, open.Port)
	}
	if h.w.SessionCount() != 1 {
		t.Errorf("SessionCount() = %d, want 1", h.w.SessionCount())
	}

	if err := c.Send([]byte{protocol.Marker, 0x20, 0x01}); err != nil {
		t.Fatal(err)
	}
	ev := h.next(func(ev transport.Event) bool {
		_, ok := ev.(transport.EncapsulatedEvent)
		return ok
	}).(transport.EncapsulatedEvent)

	if ev.ID != open.ID {
		t.Errorf("ID = %d, want %d", ev.ID, open.ID)
	}
	if !bytes.Equal(ev.Envelope.Payload, []byte{protocol.Marker, 0x20, 0x01}) {
		t.Errorf("Payload = %x", ev.Envelope.Payload)
	}
	if ev.Envelope.Reliability != protocol.ReliableOrdered {
		t.Errorf("Reliability = %s", ev.Envelope.Reliability)
	}

	if err := c.SendUnreliable([]byte{protocol.Marker, 0x21}); err != nil {
		t.Fatal(err)
	}
	ev = h.next(func(ev transport.Event) bool {
		_, ok := ev.(transport.EncapsulatedEvent)
		return ok
	}).(transport.EncapsulatedEvent)
	if ev.Envelope.Reliability != protocol.UnreliableSequenced {
		t.Errorf("datagram Reliability = %s", ev.Envelope.Reliability)
	}
}

func TestWorker_OutboundWithACK(t *testing.T) {
	h := newHarness(t, nil)
	c, open := h.open(1)

	env := protocol.Envelope{
		Payload:     []byte{protocol.Marker, 0x90, 0x00},
		Reliability: protocol.ReliableOrdered,
		ACKID:       3,
	}
	h.send(transport.EncapsulatedCommand{ID: open.ID, Envelope: env, Flags: transport.FlagsFor(true, false)}, false)

	got, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if !bytes.Equal(got, env.Payload) {
		t.Errorf("Receive() = %x, want %x", got, env.Payload)
	}

	ack := h.next(func(ev transport.Event) bool {
		_, ok := ev.(transport.ACKEvent)
		return ok
	}).(transport.ACKEvent)
	if ack.ID != open.ID || ack.ACKID != 3 {
		t.Errorf("ACKEvent = %+v", ack)
	}
}

func TestWorker_OutboundUnreliable(t *testing.T) {
	h := newHarness(t, nil)
	c, open := h.open(1)

	env := protocol.Envelope{
		Payload:     []byte{protocol.Marker, 0x93, 'h', 'i'},
		Reliability: protocol.UnreliableSequenced,
		ACKID:       protocol.NoACK,
	}
	h.send(transport.EncapsulatedCommand{ID: open.ID, Envelope: env}, false)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	got, err := c.ReceiveUnreliable(ctx)
	if err != nil {
		t.Fatalf("ReceiveUnreliable() error = %v", err)
	}
	if !bytes.Equal(got, env.Payload) {
		t.Errorf("ReceiveUnreliable() = %x", got)
	}
}

func TestWorker_OversizedUnreliableFallsBackToStream(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxDatagramSize = 64 })
	c, open := h.open(1)

	payload := append([]byte{protocol.Marker}, bytes.Repeat([]byte{0x55}, 200)...)
	h.send(transport.EncapsulatedCommand{ID: open.ID, Envelope: protocol.Envelope{
		Payload:     payload,
		Reliability: protocol.UnreliableSequenced,
		ACKID:       protocol.NoACK,
	}}, false)

	got, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("oversized datagram did not arrive on the stream")
	}
}

func TestWorker_ClientDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	c, open := h.open(1)

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	ev := h.next(func(ev transport.Event) bool {
		_, ok := ev.(transport.CloseEvent)
		return ok
	}).(transport.CloseEvent)

	if ev.ID != open.ID {
		t.Errorf("CloseEvent ID = %d, want %d", ev.ID, open.ID)
	}
	if ev.Reason != ReasonClientDisconnect {
		t.Errorf("Reason = %q, want %q", ev.Reason, ReasonClientDisconnect)
	}
}

func TestWorker_CloseSessionCommand(t *testing.T) {
	h := newHarness(t, nil)
	c, open := h.open(1)

	h.send(transport.CloseSessionCommand{ID: open.ID, Reason: "kicked"}, false)

	select {
	case <-c.Done():
	case <-time.After(testTimeout):
		t.Fatal("client was not disconnected")
	}

	// Adapter-initiated closes are not echoed back
	time.Sleep(50 * time.Millisecond)
	for {
		ev, ok := h.ch.Poll()
		if !ok {
			break
		}
		if _, isClose := ev.(transport.CloseEvent); isClose {
			t.Errorf("unexpected CloseEvent %+v", ev)
		}
	}
}

func TestWorker_CloseSessionFlushesQueue(t *testing.T) {
	h := newHarness(t, nil)
	c, open := h.open(1)

	last := []byte{protocol.Marker, 0x05, 'b', 'y', 'e'}
	h.send(transport.EncapsulatedCommand{ID: open.ID, Envelope: protocol.Envelope{
		Payload:     last,
		Reliability: protocol.ReliableOrdered,
		ACKID:       protocol.NoACK,
	}}, true)
	h.send(transport.CloseSessionCommand{ID: open.ID, Reason: "kicked"}, false)

	got, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if !bytes.Equal(got, last) {
		t.Errorf("Receive() = %x, want %x", got, last)
	}
	select {
	case <-c.Done():
	case <-time.After(testTimeout):
		t.Fatal("client was not disconnected")
	}
}

func TestWorker_BlockAddress(t *testing.T) {
	h := newHarness(t, nil)
	_, open := h.open(1)

	h.send(transport.BlockAddressCommand{Address: "127.0.0.1", Duration: time.Minute}, false)

	ev := h.next(func(ev transport.Event) bool {
		_, ok := ev.(transport.CloseEvent)
		return ok
	}).(transport.CloseEvent)
	if ev.ID != open.ID || ev.Reason != ReasonBlocked {
		t.Errorf("CloseEvent = %+v", ev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := Dial(ctx, h.w.Addr().String(), h.client, Handshake{ClientID: 2, ServerPort: uint16(h.port())})
	if err == nil {
		select {
		case <-c.Done():
		case <-time.After(testTimeout):
			t.Error("blocked address was able to stay connected")
		}
	}
}

func TestWorker_PortChecking(t *testing.T) {
	h := newHarness(t, nil)
	h.send(transport.OptionCommand{Name: protocol.OptionPortChecking, Value: "true"}, false)
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	c, err := Dial(ctx, h.w.Addr().String(), h.client, Handshake{ClientID: 5, ServerPort: 1})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	select {
	case <-c.Done():
	case <-time.After(testTimeout):
		t.Fatal("mismatched port was accepted")
	}
	if h.w.SessionCount() != 0 {
		t.Errorf("SessionCount() = %d, want 0", h.w.SessionCount())
	}
}

func TestWorker_PingAndRaw(t *testing.T) {
	h := newHarness(t, nil)
	name := "MCPE;Lifeboat;70;0.14.3;0;20"
	h.send(transport.OptionCommand{Name: protocol.OptionName, Value: name}, false)
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	pong, _, err := Ping(ctx, h.w.Addr().String())
	if err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if pong.Name != name {
		t.Errorf("pong name = %q, want %q", pong.Name, name)
	}

	udp, err := net.Dial("udp", h.w.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer udp.Close()
	if _, err := udp.Write([]byte{0x05, 'q', 'r', 'y'}); err != nil {
		t.Fatal(err)
	}

	raw := h.next(func(ev transport.Event) bool {
		_, ok := ev.(transport.RawEvent)
		return ok
	}).(transport.RawEvent)
	if !bytes.Equal(raw.Payload, []byte{0x05, 'q', 'r', 'y'}) {
		t.Errorf("RawEvent payload = %x", raw.Payload)
	}
	localPort := udp.LocalAddr().(*net.UDPAddr).Port
	if raw.Address != "127.0.0.1" || raw.Port != localPort {
		t.Errorf("RawEvent from %s:%d, want 127.0.0.1:%d", raw.Address, raw.Port, localPort)
	}

	// Raw replies go back through the worker's socket
	h.send(transport.RawCommand{Address: raw.Address, Port: raw.Port, Payload: []byte{0x06, 'o', 'k'}}, false)
	_ = udp.SetReadDeadline(time.Now().Add(testTimeout))
	buf := make([]byte, 64)
	n, err := udp.Read(buf)
	if err != nil {
		t.Fatalf("read raw reply: %v", err)
	}
	if string(buf[:n]) != "\x06ok" {
		t.Errorf("raw reply = %q", buf[:n])
	}
}

func TestWorker_BandwidthReports(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.BandwidthInterval = 20 * time.Millisecond })
	c, _ := h.open(1)
	if err := c.Send([]byte{protocol.Marker, 0x20}); err != nil {
		t.Fatal(err)
	}

	var total protocol.Bandwidth
	deadline := time.Now().Add(testTimeout)
	for total.Down == 0 && time.Now().Before(deadline) {
		ev := h.next(func(ev transport.Event) bool {
			opt, ok := ev.(transport.OptionEvent)
			return ok && opt.Name == protocol.OptionBandwidth
		}).(transport.OptionEvent)
		bw, err := protocol.DecodeBandwidth(ev.Value)
		if err != nil {
			t.Fatalf("DecodeBandwidth() error = %v", err)
		}
		total.Up += bw.Up
		total.Down += bw.Down
	}
	if total.Down == 0 {
		t.Error("no received bytes reported")
	}
}

func TestWorker_GracefulShutdown(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.open(1)

	h.send(transport.ShutdownCommand{}, false)

	select {
	case <-h.w.Done():
	case <-time.After(testTimeout):
		t.Fatal("worker did not stop")
	}
	select {
	case <-c.Done():
	case <-time.After(testTimeout):
		t.Fatal("client was not disconnected")
	}
	if h.ch.Terminated() {
		t.Error("graceful shutdown must not terminate the channel")
	}
}

func TestWorker_PanicTerminates(t *testing.T) {
	h := newHarness(t, nil)

	h.w.spawn("probe", func() { panic("boom") })

	select {
	case <-h.ch.Done():
	case <-time.After(testTimeout):
		t.Fatal("channel was not terminated")
	}
	info := h.ch.Info()
	if info.Scope != "probe" {
		t.Errorf("Scope = %q, want probe", info.Scope)
	}
	if info.Message != "panic: boom" {
		t.Errorf("Message = %q", info.Message)
	}
	if info.Line == 0 {
		t.Error("panic site line not recorded")
	}

	select {
	case <-h.w.Done():
	case <-time.After(testTimeout):
		t.Fatal("worker did not stop after the panic")
	}
	if err := h.ch.Send(transport.TickCommand{}, false); err == nil {
		t.Error("Send() after termination should fail")
	}
}

func TestBandwidthRate(t *testing.T) {
	tests := []struct {
		name     string
		up, down uint64
		interval time.Duration
		want     protocol.Bandwidth
	}{
		{"one second", 1000, 500, time.Second, protocol.Bandwidth{Up: 1000, Down: 500}},
		{"five seconds", 5000, 2500, 5 * time.Second, protocol.Bandwidth{Up: 1000, Down: 500}},
		{"half second", 100, 0, 500 * time.Millisecond, protocol.Bandwidth{Up: 200, Down: 0}},
		{"zero interval", 300, 30, 0, protocol.Bandwidth{Up: 300, Down: 30}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bandwidthRate(tt.up, tt.down, tt.interval); got != tt.want {
				t.Errorf("bandwidthRate() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSplitAddr(t *testing.T) {
	host, port := splitAddr(&net.UDPAddr{IP: net.ParseIP("192.168.1.5"), Port: 19132})
	if host != "192.168.1.5" || port != 19132 {
		t.Errorf("splitAddr() = %s:%d", host, port)
	}

	host, port = splitAddr(fakeAddr("[::1]:" + strconv.Itoa(7)))
	if host != "::1" || port != 7 {
		t.Errorf("splitAddr(ipv6) = %s:%d", host, port)
	}
}

type fakeAddr string

func (a fakeAddr) Network() string { return "udp" }
func (a fakeAddr) String() string  { return string(a) }
