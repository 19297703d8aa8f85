package transport

import (
	"time"

	"github.com/postalsys/rakgate/internal/protocol"
	"github.com/postalsys/rakgate/internal/session"
)

// Bridge is the adapter's facade over a Channel. Every call is
// non-blocking.
type Bridge struct {
	ch      *Channel
	handler Handler
}

// NewBridge creates a bridge that dispatches inbound events to h.
func NewBridge(ch *Channel, h Handler) *Bridge {
	return &Bridge{ch: ch, handler: h}
}

// HandlePacket dispatches one buffered event to the handler and reports
// whether there was one.
func (b *Bridge) HandlePacket() bool {
	ev, ok := b.ch.Poll()
	if !ok {
		return false
	}
	ev.dispatch(b.handler)
	return true
}

// SendTick asks the worker to advance its clock.
func (b *Bridge) SendTick() error {
	return b.ch.Send(TickCommand{}, false)
}

// SendEncapsulated queues an envelope for id. Immediate envelopes use the
// urgent queue.
func (b *Bridge) SendEncapsulated(id session.ID, env protocol.Envelope, flags Flags) error {
	return b.ch.Send(EncapsulatedCommand{ID: id, Envelope: env, Flags: flags}, flags.Immediate())
}

// CloseSession closes id at the worker. It satisfies session.Closer.
func (b *Bridge) CloseSession(id session.ID, reason string) error {
	return b.ch.Send(CloseSessionCommand{ID: id, Reason: reason}, false)
}

// BlockAddress drops traffic from address for d.
func (b *Bridge) BlockAddress(address string, d time.Duration) error {
	return b.ch.Send(BlockAddressCommand{Address: address, Duration: d}, false)
}

// SendRaw sends a payload outside any session.
func (b *Bridge) SendRaw(address string, port int, payload []byte) error {
	return b.ch.Send(RawCommand{Address: address, Port: port, Payload: payload}, false)
}

// SendOption sets a worker option.
func (b *Bridge) SendOption(name, value string) error {
	return b.ch.Send(OptionCommand{Name: name, Value: value}, false)
}

// Shutdown asks the worker to stop after flushing queued commands.
func (b *Bridge) Shutdown() error {
	return b.ch.Send(ShutdownCommand{}, false)
}

// EmergencyShutdown asks the worker to stop immediately.
func (b *Bridge) EmergencyShutdown() error {
	return b.ch.Send(EmergencyShutdownCommand{}, true)
}

// IsTerminated reports whether the worker has died.
func (b *Bridge) IsTerminated() bool {
	return b.ch.Terminated()
}

// TerminationInfo returns why the worker died.
func (b *Bridge) TerminationInfo() TerminationInfo {
	return b.ch.Info()
}
