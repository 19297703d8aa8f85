package adapter

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/postalsys/rakgate/internal/fault"
	"github.com/postalsys/rakgate/internal/metrics"
	"github.com/postalsys/rakgate/internal/protocol"
	"github.com/postalsys/rakgate/internal/session"
	"github.com/postalsys/rakgate/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const (
	testPacketID  uint8 = 0x20
	panicPacketID uint8 = 0x21
)

type testPacket struct {
	protocol.Buffer
	id   uint8
	Body []byte
}

func newTestPacket(body []byte) *testPacket {
	return &testPacket{id: testPacketID, Body: body}
}

func (p *testPacket) ID() uint8                     { return p.id }
func (p *testPacket) EncodeBody(w *protocol.Writer) { w.PutRaw(p.Body) }

func (p *testPacket) DecodeBody(r *protocol.Reader) error {
	p.Body = r.Rest()
	return nil
}

type mockSession struct {
	id        session.ID
	address   string
	port      int
	encrypted bool

	closed  bool
	closes  []string
	packets []protocol.Packet
	acks    []int
}

func (m *mockSession) SetIdentifier(id session.ID) { m.id = id }
func (m *mockSession) Identifier() session.ID      { return m.id }
func (m *mockSession) Address() string             { return m.address }
func (m *mockSession) Port() int                   { return m.port }
func (m *mockSession) Closed() bool                { return m.closed }
func (m *mockSession) LeaveMessage() string        { return "left" }
func (m *mockSession) HandleACK(ackID int)         { m.acks = append(m.acks, ackID) }
func (m *mockSession) EncryptionEnabled() bool     { return m.encrypted }

func (m *mockSession) Close(message, reason string) {
	m.closed = true
	m.closes = append(m.closes, message+"|"+reason)
}

func (m *mockSession) HandlePacket(pk protocol.Packet) error {
	if pk.ID() == panicPacketID {
		panic("handler exploded")
	}
	m.packets = append(m.packets, pk)
	return nil
}

func (m *mockSession) Encrypt(b []byte) ([]byte, error) { return xor(b), nil }
func (m *mockSession) Decrypt(b []byte) ([]byte, error) { return xor(b), nil }

func xor(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ 0xAA
	}
	return out
}

type mockNetwork struct {
	types        *protocol.Registry
	unregistered []SourceInterface
	stats        [][2]float64
}

func newMockNetwork() *mockNetwork {
	types := protocol.NewRegistry()
	types.Register(testPacketID, func() protocol.Packet { return &testPacket{id: testPacketID} })
	types.Register(panicPacketID, func() protocol.Packet { return &testPacket{id: panicPacketID} })
	return &mockNetwork{types: types}
}

func (n *mockNetwork) UnregisterInterface(iface SourceInterface) {
	n.unregistered = append(n.unregistered, iface)
}

func (n *mockNetwork) Packet(id uint8) (protocol.Packet, bool) { return n.types.Packet(id) }

func (n *mockNetwork) AddStatistics(up, down float64) {
	n.stats = append(n.stats, [2]float64{up, down})
}

type batchCall struct {
	recipients []session.Session
	packets    []protocol.Packet
	sync       bool
}

type mockServer struct {
	added   map[session.ID]session.Session
	raw     [][]byte
	batches []batchCall
}

func (s *mockServer) AddSession(id session.ID, sess session.Session) {
	if s.added == nil {
		s.added = make(map[session.ID]session.Session)
	}
	s.added[id] = sess
}

func (s *mockServer) HandleRaw(address string, port int, payload []byte) {
	s.raw = append(s.raw, payload)
}

func (s *mockServer) BatchPackets(recipients []session.Session, packets []protocol.Packet, sync bool) {
	s.batches = append(s.batches, batchCall{recipients, packets, sync})
}

type harness struct {
	iface    *Interface
	ch       *transport.Channel
	network  *mockNetwork
	server   *mockServer
	faults   []fault.Fault
	metrics  *metrics.Metrics
	sessions map[session.ID]*mockSession
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		ch:       transport.NewChannel(64),
		network:  newMockNetwork(),
		server:   &mockServer{},
		metrics:  metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
		sessions: make(map[session.ID]*mockSession),
	}

	factory := session.FactoryFunc(func(p session.Params) (session.Session, error) {
		if p.Address == "fail" {
			return nil, errors.New("refused")
		}
		return &mockSession{address: p.Address, port: p.Port, encrypted: p.ClientID < 0}, nil
	})

	iface, err := New(Options{
		Config:   cfg,
		Network:  h.network,
		Server:   h.server,
		Factory:  factory,
		Channel:  h.ch,
		Reporter: fault.ReporterFunc(func(f fault.Fault) { h.faults = append(h.faults, f) }),
		Metrics:  h.metrics,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.iface = iface
	return h
}

func noBatching() Config {
	cfg := DefaultConfig()
	cfg.BatchThreshold = -1
	return cfg
}

// open delivers an open event through the channel and returns the session.
func (h *harness) open(t *testing.T, id session.ID, address string, encrypted bool) *mockSession {
	t.Helper()
	clientID := int64(1)
	if encrypted {
		clientID = -1
	}
	h.emit(t, transport.OpenEvent{ID: id, Address: address, Port: 19132, ClientID: clientID})
	s, ok := h.iface.Registry().Lookup(id)
	if !ok {
		t.Fatalf("session %d not registered", id)
	}
	ms := s.(*mockSession)
	h.sessions[id] = ms
	return ms
}

func (h *harness) emit(t *testing.T, events ...transport.Event) {
	t.Helper()
	for _, ev := range events {
		if err := h.ch.Emit(context.Background(), ev); err != nil {
			t.Fatalf("Emit() error = %v", err)
		}
	}
	if _, err := h.iface.Process(); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
}

// commands drains both command queues, urgent first.
func (h *harness) commands() []transport.Command {
	var out []transport.Command
	for len(h.ch.Urgent()) > 0 {
		out = append(out, <-h.ch.Urgent())
	}
	for len(h.ch.Commands()) > 0 {
		out = append(out, <-h.ch.Commands())
	}
	return out
}

func (h *harness) envelopes(t *testing.T) []transport.EncapsulatedCommand {
	t.Helper()
	var out []transport.EncapsulatedCommand
	for _, cmd := range h.commands() {
		if c, ok := cmd.(transport.EncapsulatedCommand); ok {
			out = append(out, c)
		}
	}
	return out
}

func encodedPayload(t *testing.T, pk protocol.Packet) []byte {
	t.Helper()
	if err := protocol.Encode(pk); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return protocol.Frame(pk.Base().Bytes())
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New() with empty options should fail")
	}
}

func TestACKScenario(t *testing.T) {
	h := newHarness(t, noBatching())
	s := h.open(t, 7, "10.0.0.1", false)

	if h.server.added[7] != s {
		t.Fatal("server did not receive the opened session")
	}

	for want := 0; want < 3; want++ {
		ack, err := h.iface.PutPacket(s, newTestPacket([]byte("hi")), true, false)
		if err != nil {
			t.Fatalf("PutPacket() error = %v", err)
		}
		if ack != want {
			t.Errorf("PutPacket() ack = %d, want %d", ack, want)
		}
	}

	envs := h.envelopes(t)
	if len(envs) != 3 {
		t.Fatalf("got %d envelopes, want 3", len(envs))
	}
	for i, c := range envs {
		if c.ID != 7 {
			t.Errorf("envelope %d ID = %d, want 7", i, c.ID)
		}
		if c.Envelope.ACKID != i {
			t.Errorf("envelope %d ACKID = %d, want %d", i, c.Envelope.ACKID, i)
		}
		if c.Envelope.Reliability != protocol.ReliableOrdered {
			t.Errorf("envelope %d reliability = %s", i, c.Envelope.Reliability)
		}
		if !c.Flags.NeedACK() || c.Flags.Immediate() {
			t.Errorf("envelope %d flags = %d", i, c.Flags)
		}
	}

	h.emit(t, transport.CloseEvent{ID: 7, Reason: "timeout"})
	if len(s.closes) != 1 || s.closes[0] != "left|timeout" {
		t.Errorf("closes = %v, want [left|timeout]", s.closes)
	}

	ack, err := h.iface.PutPacket(s, newTestPacket([]byte("late")), true, false)
	if err != nil || ack != protocol.NoACK {
		t.Errorf("PutPacket() after close = (%d, %v), want no-op", ack, err)
	}
	if cmds := h.commands(); len(cmds) != 0 {
		t.Errorf("commands after close = %v, want none", cmds)
	}

	// Events racing the close are dropped silently.
	h.emit(t,
		transport.EncapsulatedEvent{ID: 7, Envelope: protocol.Envelope{Payload: []byte{protocol.Marker, testPacketID}}},
		transport.ACKEvent{ID: 7, ACKID: 0},
		transport.CloseEvent{ID: 7, Reason: "timeout"},
	)
	if len(s.packets) != 0 || len(s.acks) != 0 || len(s.closes) != 1 {
		t.Errorf("closed session received events: packets=%d acks=%v closes=%v", len(s.packets), s.acks, s.closes)
	}
}

func TestPutPacket_NoACKDoesNotConsumeCounter(t *testing.T) {
	h := newHarness(t, noBatching())
	s := h.open(t, 1, "10.0.0.1", false)

	h.iface.PutPacket(s, newTestPacket([]byte("a")), false, false)
	h.iface.PutPacket(s, newTestPacket([]byte("b")), false, false)
	ack, _ := h.iface.PutPacket(s, newTestPacket([]byte("c")), true, false)
	if ack != 0 {
		t.Errorf("first ACK id = %d, want 0", ack)
	}

	envs := h.envelopes(t)
	if len(envs) != 3 {
		t.Fatalf("got %d envelopes, want 3", len(envs))
	}
	for _, c := range envs[:2] {
		if c.Envelope.NeedsACK() || c.Flags.NeedACK() {
			t.Errorf("no-ACK envelope carries ACK: %v flags=%d", c.Envelope, c.Flags)
		}
	}
}

func TestPutPacket_Batching(t *testing.T) {
	body := bytes.Repeat([]byte{1}, 9) // 10 encoded bytes with the id

	tests := []struct {
		name      string
		threshold int
		id        uint8
		needACK   bool
		immediate bool
		batched   bool
	}{
		{"at threshold", 10, testPacketID, false, false, true},
		{"above threshold", 4, testPacketID, false, false, true},
		{"zero threshold", 0, testPacketID, false, false, true},
		{"below threshold", 11, testPacketID, false, false, false},
		{"disabled", -1, testPacketID, false, false, false},
		{"immediate", 0, testPacketID, false, true, false},
		{"needs ACK", 0, testPacketID, true, false, false},
		{"batch container", 0, protocol.BatchPacketID, false, false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.BatchThreshold = tc.threshold
			h := newHarness(t, cfg)
			s := h.open(t, 1, "10.0.0.1", false)

			pk := &testPacket{id: tc.id, Body: body}
			ack, err := h.iface.PutPacket(s, pk, tc.needACK, tc.immediate)
			if err != nil {
				t.Fatalf("PutPacket() error = %v", err)
			}

			envs := h.envelopes(t)
			if tc.batched {
				if len(h.server.batches) != 1 {
					t.Fatalf("batches = %d, want 1", len(h.server.batches))
				}
				call := h.server.batches[0]
				if len(call.recipients) != 1 || call.recipients[0] != session.Session(s) {
					t.Error("batch recipient is not the session")
				}
				if len(call.packets) != 1 || call.packets[0] != protocol.Packet(pk) || !call.sync {
					t.Errorf("batch call = %+v", call)
				}
				if len(envs) != 0 || ack != protocol.NoACK {
					t.Errorf("batched packet was also sent directly: envs=%d ack=%d", len(envs), ack)
				}
				if v := testutil.ToFloat64(h.metrics.PacketsBatched); v != 1 {
					t.Errorf("PacketsBatched = %v, want 1", v)
				}
				return
			}

			if len(h.server.batches) != 0 {
				t.Errorf("batches = %d, want 0", len(h.server.batches))
			}
			if len(envs) != 1 {
				t.Fatalf("envelopes = %d, want 1", len(envs))
			}
		})
	}
}

func TestPutPacket_CachedEnvelopeShared(t *testing.T) {
	h := newHarness(t, noBatching())
	a := h.open(t, 1, "10.0.0.1", false)
	b := h.open(t, 2, "10.0.0.2", false)

	pk := newTestPacket([]byte("broadcast"))
	want := encodedPayload(t, pk)

	h.iface.PutPacket(a, pk, false, false)
	h.iface.PutPacket(b, pk, false, false)

	envs := h.envelopes(t)
	if len(envs) != 2 {
		t.Fatalf("envelopes = %d, want 2", len(envs))
	}
	for _, c := range envs {
		if c.Envelope.Reliability != protocol.UnreliableSequenced {
			t.Errorf("reliability = %s, want UNRELIABLE_SEQUENCED", c.Envelope.Reliability)
		}
		if !bytes.Equal(c.Envelope.Payload, want) {
			t.Errorf("payload = %x, want %x", c.Envelope.Payload, want)
		}
	}
	if &envs[0].Envelope.Payload[0] != &envs[1].Envelope.Payload[0] {
		t.Error("cached envelope payload was rebuilt between sends")
	}
}

func TestPutPacket_FirstSendEncodesReliably(t *testing.T) {
	h := newHarness(t, noBatching())
	s := h.open(t, 1, "10.0.0.1", false)

	pk := newTestPacket([]byte("x"))
	h.iface.PutPacket(s, pk, false, false)

	if !pk.IsEncoded() {
		t.Fatal("packet was not encoded")
	}
	envs := h.envelopes(t)
	if len(envs) != 1 || envs[0].Envelope.Reliability != protocol.ReliableOrdered {
		t.Fatalf("first send envelopes = %+v", envs)
	}
	if pk.HasCachedEnvelope() {
		t.Error("first send must not build the cached envelope")
	}
}

func TestPutPacket_EncryptionAppliesToEveryBranch(t *testing.T) {
	h := newHarness(t, noBatching())
	plain := h.open(t, 1, "10.0.0.1", false)
	secure := h.open(t, 2, "10.0.0.2", true)

	pk := newTestPacket([]byte("secret"))
	framed := encodedPayload(t, pk)
	sealed := append([]byte{protocol.Marker}, xor(framed[1:])...)

	// cached branch
	h.iface.PutPacket(plain, pk, false, false)
	h.iface.PutPacket(secure, pk, false, false)
	// reliable branch
	h.iface.PutPacket(secure, pk, true, false)

	envs := h.envelopes(t)
	if len(envs) != 3 {
		t.Fatalf("envelopes = %d, want 3", len(envs))
	}
	if !bytes.Equal(envs[0].Envelope.Payload, framed) {
		t.Errorf("plain payload = %x, want %x", envs[0].Envelope.Payload, framed)
	}
	for _, c := range envs[1:] {
		if !bytes.Equal(c.Envelope.Payload, sealed) {
			t.Errorf("encrypted payload = %x, want %x", c.Envelope.Payload, sealed)
		}
	}
	if cached := pk.CachedEnvelope(); !bytes.Equal(cached.Payload, framed) {
		t.Errorf("cached envelope mutated: %x", cached.Payload)
	}
}

func TestPutPacket_ImmediateUsesUrgentQueue(t *testing.T) {
	h := newHarness(t, noBatching())
	s := h.open(t, 1, "10.0.0.1", false)

	h.iface.PutPacket(s, newTestPacket([]byte("normal")), false, false)
	h.iface.PutPacket(s, newTestPacket([]byte("now")), false, true)

	if n := len(h.ch.Urgent()); n != 1 {
		t.Fatalf("urgent queue = %d, want 1", n)
	}
	c := (<-h.ch.Urgent()).(transport.EncapsulatedCommand)
	if !c.Flags.Immediate() || c.Envelope.Priority != protocol.PriorityImmediate {
		t.Errorf("immediate envelope flags=%d priority=%s", c.Flags, c.Envelope.Priority)
	}
	if v := testutil.ToFloat64(h.metrics.EnvelopesSent.WithLabelValues("immediate")); v != 1 {
		t.Errorf("EnvelopesSent{immediate} = %v, want 1", v)
	}
}

func TestPutReadyPacket(t *testing.T) {
	h := newHarness(t, noBatching())
	s := h.open(t, 1, "10.0.0.1", true)

	raw := []byte{protocol.BatchPacketID, 1, 2, 3}
	if err := h.iface.PutReadyPacket(s, raw); err != nil {
		t.Fatalf("PutReadyPacket() error = %v", err)
	}

	envs := h.envelopes(t)
	if len(envs) != 1 {
		t.Fatalf("envelopes = %d, want 1", len(envs))
	}
	c := envs[0]
	want := append([]byte{protocol.Marker}, xor(raw)...)
	if !bytes.Equal(c.Envelope.Payload, want) {
		t.Errorf("payload = %x, want %x", c.Envelope.Payload, want)
	}
	if c.Flags != transport.PriorityNormal || c.Envelope.NeedsACK() {
		t.Errorf("flags = %d, ack = %d", c.Flags, c.Envelope.ACKID)
	}
	if c.Envelope.Reliability != protocol.ReliableOrdered {
		t.Errorf("reliability = %s", c.Envelope.Reliability)
	}

	if err := h.iface.PutReadyPacket(&mockSession{}, raw); err != nil {
		t.Errorf("PutReadyPacket() for unknown session error = %v", err)
	}
	if cmds := h.commands(); len(cmds) != 0 {
		t.Errorf("unknown session produced commands: %v", cmds)
	}
}

func TestHandleEncapsulated_Dispatch(t *testing.T) {
	h := newHarness(t, noBatching())
	plain := h.open(t, 1, "10.0.0.1", false)
	secure := h.open(t, 2, "10.0.0.2", true)

	framed := encodedPayload(t, newTestPacket([]byte("hello")))
	sealed := append([]byte{protocol.Marker}, xor(framed[1:])...)

	h.emit(t,
		transport.EncapsulatedEvent{ID: 1, Envelope: protocol.Envelope{Payload: framed}},
		transport.EncapsulatedEvent{ID: 2, Envelope: protocol.Envelope{Payload: sealed}},
	)

	for _, s := range []*mockSession{plain, secure} {
		if len(s.packets) != 1 {
			t.Fatalf("session %d received %d packets, want 1", s.id, len(s.packets))
		}
		if got := s.packets[0].(*testPacket).Body; string(got) != "hello" {
			t.Errorf("session %d body = %q, want hello", s.id, got)
		}
	}
	if v := testutil.ToFloat64(h.metrics.PacketsReceived); v != 2 {
		t.Errorf("PacketsReceived = %v, want 2", v)
	}
}

func TestHandleEncapsulated_DropsSilently(t *testing.T) {
	h := newHarness(t, noBatching())
	s := h.open(t, 1, "10.0.0.1", false)

	h.emit(t,
		transport.EncapsulatedEvent{ID: 1, Envelope: protocol.Envelope{}},
		transport.EncapsulatedEvent{ID: 1, Envelope: protocol.Envelope{Payload: []byte{0x01, 0x02}}},
		transport.EncapsulatedEvent{ID: 1, Envelope: protocol.Envelope{Payload: []byte{protocol.Marker, 0x7F}}},
		transport.EncapsulatedEvent{ID: 99, Envelope: protocol.Envelope{Payload: []byte{protocol.Marker, testPacketID}}},
	)

	if len(s.packets) != 0 {
		t.Errorf("session received %d packets, want 0", len(s.packets))
	}
	if cmds := h.commands(); len(cmds) != 0 {
		t.Errorf("drops produced commands: %v", cmds)
	}
	for reason, want := range map[string]float64{
		metrics.DropEmpty:          1,
		metrics.DropNotApplication: 1,
		metrics.DropUnknownType:    1,
		metrics.DropUnknownSession: 1,
	} {
		if v := testutil.ToFloat64(h.metrics.PacketsDropped.WithLabelValues(reason)); v != want {
			t.Errorf("PacketsDropped{%s} = %v, want %v", reason, v, want)
		}
	}
}

func TestHandleEncapsulated_FailureBlocksAndContinues(t *testing.T) {
	h := newHarness(t, noBatching())
	s := h.open(t, 1, "10.0.0.9", false)

	bad := encodedPayload(t, &testPacket{id: panicPacketID})
	good := encodedPayload(t, newTestPacket([]byte("ok")))

	h.emit(t,
		transport.EncapsulatedEvent{ID: 1, Envelope: protocol.Envelope{Payload: bad}},
		transport.EncapsulatedEvent{ID: 1, Envelope: protocol.Envelope{Payload: good}},
	)

	if len(s.packets) != 1 {
		t.Fatalf("packets after failure = %d, want 1", len(s.packets))
	}

	cmds := h.commands()
	if len(cmds) != 1 {
		t.Fatalf("commands = %v, want one block", cmds)
	}
	block, ok := cmds[0].(transport.BlockAddressCommand)
	if !ok {
		t.Fatalf("command = %T, want BlockAddressCommand", cmds[0])
	}
	if block.Address != "10.0.0.9" || block.Duration != DefaultBlockCooldown {
		t.Errorf("block = %+v, want 10.0.0.9 for %v", block, DefaultBlockCooldown)
	}
	if v := testutil.ToFloat64(h.metrics.DispatchFailures); v != 1 {
		t.Errorf("DispatchFailures = %v, want 1", v)
	}
}

func TestHandleEncapsulated_DebugLevelLogsFailure(t *testing.T) {
	cfg := noBatching()
	cfg.DebugLevel = 2
	h := newHarness(t, cfg)
	h.open(t, 1, "10.0.0.9", false)

	truncated := []byte{protocol.Marker, panicPacketID}
	h.emit(t, transport.EncapsulatedEvent{ID: 1, Envelope: protocol.Envelope{Payload: truncated}})

	if v := testutil.ToFloat64(h.metrics.AddressBlocks); v != 1 {
		t.Errorf("AddressBlocks = %v, want 1", v)
	}
}

func TestNotifyACK(t *testing.T) {
	h := newHarness(t, noBatching())
	s := h.open(t, 1, "10.0.0.1", false)

	h.emit(t,
		transport.ACKEvent{ID: 1, ACKID: 4},
		transport.ACKEvent{ID: 2, ACKID: 5},
	)
	if len(s.acks) != 1 || s.acks[0] != 4 {
		t.Errorf("acks = %v, want [4]", s.acks)
	}
}

func TestHandleRawAndOptions(t *testing.T) {
	h := newHarness(t, noBatching())

	value, err := protocol.EncodeBandwidth(protocol.Bandwidth{Up: 300, Down: 120})
	if err != nil {
		t.Fatalf("EncodeBandwidth() error = %v", err)
	}

	h.emit(t,
		transport.RawEvent{Address: "10.0.0.1", Port: 1, Payload: []byte{0x01}},
		transport.OptionEvent{Name: protocol.OptionBandwidth, Value: value},
		transport.OptionEvent{Name: protocol.OptionBandwidth, Value: "garbage"},
		transport.OptionEvent{Name: "unknown", Value: "x"},
	)

	if len(h.server.raw) != 1 {
		t.Errorf("raw payloads = %d, want 1", len(h.server.raw))
	}
	if len(h.network.stats) != 1 || h.network.stats[0] != [2]float64{300, 120} {
		t.Errorf("stats = %v, want [[300 120]]", h.network.stats)
	}
	if v := testutil.ToFloat64(h.metrics.BytesSent); v != 300 {
		t.Errorf("BytesSent = %v, want 300", v)
	}
}

func TestProcess_WorkerTermination(t *testing.T) {
	h := newHarness(t, noBatching())
	s := h.open(t, 1, "10.0.0.1", false)

	h.ch.TryEmit(transport.ACKEvent{ID: 1, ACKID: 0})
	h.ch.Terminate(transport.TerminationInfo{Scope: "worker", Message: "segfault", File: "engine.go", Line: 77})

	work, err := h.iface.Process()
	if !work {
		t.Error("Process() did not drain events buffered before the crash")
	}
	if len(s.acks) != 1 {
		t.Errorf("acks = %v, want the buffered ACK", s.acks)
	}

	var crash *fault.CrashError
	if !errors.As(err, &crash) {
		t.Fatalf("Process() error = %v, want *fault.CrashError", err)
	}
	if crash.Fault.Kind != fault.KindDrain || crash.Fault.Scope != "worker" ||
		crash.Fault.Message != "segfault" || crash.Fault.File != "engine.go" || crash.Fault.Line != 77 {
		t.Errorf("fault = %+v", crash.Fault)
	}

	if len(h.network.unregistered) != 1 || h.network.unregistered[0] != SourceInterface(h.iface) {
		t.Errorf("unregistered = %v, want the adapter once", h.network.unregistered)
	}
	if len(h.faults) != 1 {
		t.Errorf("reported faults = %d, want 1", len(h.faults))
	}

	if work, err := h.iface.Process(); work || err != nil {
		t.Errorf("Process() after crash = (%v, %v), want no-op", work, err)
	}
	if err := h.iface.DoTick(); err != nil {
		t.Errorf("DoTick() after crash error = %v", err)
	}
	if len(h.network.unregistered) != 1 || len(h.faults) != 1 {
		t.Errorf("crash raised more than once: unregistered=%d faults=%d",
			len(h.network.unregistered), len(h.faults))
	}
}

func TestDoTick(t *testing.T) {
	h := newHarness(t, noBatching())

	if err := h.iface.DoTick(); err != nil {
		t.Fatalf("DoTick() error = %v", err)
	}
	cmds := h.commands()
	if len(cmds) != 1 {
		t.Fatalf("commands = %v, want one tick", cmds)
	}
	if _, ok := cmds[0].(transport.TickCommand); !ok {
		t.Errorf("command = %T, want TickCommand", cmds[0])
	}

	h.ch.Terminate(transport.TerminationInfo{Scope: "worker"})
	err := h.iface.DoTick()
	var crash *fault.CrashError
	if !errors.As(err, &crash) || crash.Fault.Kind != fault.KindTick {
		t.Fatalf("DoTick() error = %v, want tick crash", err)
	}
	if len(h.network.unregistered) != 1 {
		t.Errorf("unregistered = %d, want 1", len(h.network.unregistered))
	}
	if v := testutil.ToFloat64(h.metrics.WorkerTerminations.WithLabelValues("tick")); v != 1 {
		t.Errorf("WorkerTerminations{tick} = %v, want 1", v)
	}
}

func TestShutdownIsNotTermination(t *testing.T) {
	h := newHarness(t, noBatching())
	h.iface.Shutdown()

	if _, err := h.iface.Process(); err != nil {
		t.Errorf("Process() after shutdown error = %v", err)
	}
	cmds := h.commands()
	if len(cmds) != 1 {
		t.Fatalf("commands = %v", cmds)
	}
	if _, ok := cmds[0].(transport.ShutdownCommand); !ok {
		t.Errorf("command = %T, want ShutdownCommand", cmds[0])
	}

	h.iface.EmergencyShutdown()
	if _, ok := (<-h.ch.Urgent()).(transport.EmergencyShutdownCommand); !ok {
		t.Error("emergency shutdown not on urgent queue")
	}
}

func TestOpenSession_FactoryFailure(t *testing.T) {
	h := newHarness(t, noBatching())
	h.emit(t, transport.OpenEvent{ID: 3, Address: "fail", Port: 1})

	if _, ok := h.iface.Registry().Lookup(3); ok {
		t.Error("failed session was registered")
	}
	cmds := h.commands()
	if len(cmds) != 1 {
		t.Fatalf("commands = %v, want a close", cmds)
	}
	if c, ok := cmds[0].(transport.CloseSessionCommand); !ok || c.ID != 3 {
		t.Errorf("command = %#v, want close of 3", cmds[0])
	}
}

func TestOpenSession_DuplicateReplaces(t *testing.T) {
	h := newHarness(t, noBatching())
	first := h.open(t, 4, "10.0.0.1", false)
	second := h.open(t, 4, "10.0.0.2", false)

	if first == second {
		t.Fatal("duplicate open returned the same session")
	}
	if !first.closed {
		t.Error("evicted session was not closed")
	}
	if v := testutil.ToFloat64(h.metrics.SessionsActive); v != 1 {
		t.Errorf("SessionsActive = %v, want 1", v)
	}
}

func TestClose_GameInitiated(t *testing.T) {
	h := newHarness(t, noBatching())
	s := h.open(t, 5, "10.0.0.1", false)

	h.iface.Close(s, "kicked")
	h.iface.Close(s, "kicked")

	if _, ok := h.iface.Registry().Lookup(5); ok {
		t.Error("session still registered after Close")
	}
	cmds := h.commands()
	if len(cmds) != 1 {
		t.Fatalf("commands = %v, want one close", cmds)
	}
	if c, ok := cmds[0].(transport.CloseSessionCommand); !ok || c.ID != 5 || c.Reason != "kicked" {
		t.Errorf("command = %#v", cmds[0])
	}

	h.emit(t, transport.CloseEvent{ID: 5, Reason: "client disconnect"})
	if len(s.closes) != 0 {
		t.Errorf("late transport close reached the session: %v", s.closes)
	}
}

func TestBlockAddress(t *testing.T) {
	h := newHarness(t, noBatching())

	h.iface.BlockAddress("10.0.0.1", 0)
	h.iface.BlockAddress("10.0.0.2", time.Minute)

	cmds := h.commands()
	if len(cmds) != 2 {
		t.Fatalf("commands = %v", cmds)
	}
	if c := cmds[0].(transport.BlockAddressCommand); c.Duration != DefaultBlockDuration {
		t.Errorf("default duration = %v, want %v", c.Duration, DefaultBlockDuration)
	}
	if c := cmds[1].(transport.BlockAddressCommand); c.Duration != time.Minute {
		t.Errorf("duration = %v, want 1m", c.Duration)
	}
}

func TestAdvertisedName(t *testing.T) {
	cfg := noBatching()
	cfg.Name = "Lifeboat;Network"
	cfg.Protocol = 70
	cfg.Version = "0.14.3"
	h := newHarness(t, cfg)

	h.iface.SetCount(3, 100)
	h.iface.SetName("x")
	h.iface.SetName("Other")
	h.iface.SetPortCheck(false)
	if err := h.iface.SendRawPacket("10.0.0.1", 19132, []byte{0x1c}); err != nil {
		t.Fatalf("SendRawPacket() error = %v", err)
	}

	cmds := h.commands()
	if len(cmds) != 4 {
		t.Fatalf("commands = %v, want 4", cmds)
	}
	want := []transport.OptionCommand{
		{Name: protocol.OptionName, Value: `MCPE;Lifeboat\;Network;70;0.14.3;3;100`},
		{Name: protocol.OptionName, Value: "MCPE;Other;70;0.14.3;3;100"},
		{Name: protocol.OptionPortChecking, Value: "false"},
	}
	for i, w := range want {
		if got := cmds[i].(transport.OptionCommand); got != w {
			t.Errorf("option %d = %+v, want %+v", i, got, w)
		}
	}
	if raw, ok := cmds[3].(transport.RawCommand); !ok || raw.Port != 19132 {
		t.Errorf("raw command = %#v", cmds[3])
	}
}

func TestControlQueueFull(t *testing.T) {
	h := newHarness(t, noBatching())
	s := h.open(t, 1, "10.0.0.1", false)

	var err error
	for i := 0; i < 100 && err == nil; i++ {
		_, err = h.iface.PutPacket(s, newTestPacket([]byte("flood")), false, false)
	}
	if !errors.Is(err, transport.ErrControlQueueFull) {
		t.Fatalf("PutPacket() error = %v, want ErrControlQueueFull", err)
	}
	if v := testutil.ToFloat64(h.metrics.ControlDrops); v != 1 {
		t.Errorf("ControlDrops = %v, want 1", v)
	}
}
