package adapter

import (
	"strconv"
	"time"

	"github.com/postalsys/rakgate/internal/logging"
	"github.com/postalsys/rakgate/internal/protocol"
	"github.com/postalsys/rakgate/internal/session"
	"github.com/postalsys/rakgate/internal/transport"
)

// PutPacket sends pk to s and returns the ACK id assigned to it, or
// protocol.NoACK when none was requested or the packet went to the
// batching facility. Unregistered sessions are a no-op.
func (a *Interface) PutPacket(s session.Session, pk protocol.Packet, needACK, immediate bool) (int, error) {
	id, ok := a.registry.IdentifierOf(s)
	if !ok {
		return protocol.NoACK, nil
	}

	buf := pk.Base()
	var env protocol.Envelope
	cached := false

	if !buf.IsEncoded() {
		if err := protocol.Encode(pk); err != nil {
			return protocol.NoACK, err
		}
	} else if !needACK {
		// The same encoded instance is often sent to many sessions; its
		// unreliable envelope is built once and shared.
		env = buf.CachedEnvelope()
		cached = true
	}

	if !immediate && !needACK && pk.ID() != protocol.BatchPacketID &&
		a.cfg.BatchThreshold >= 0 && buf.Len() >= a.cfg.BatchThreshold {
		a.metrics.RecordPacketBatched()
		a.server.BatchPackets([]session.Session{s}, []protocol.Packet{pk}, true)
		return protocol.NoACK, nil
	}

	if !cached {
		env = protocol.Envelope{
			Payload:     protocol.Frame(buf.Bytes()),
			Reliability: protocol.ReliableOrdered,
			ACKID:       protocol.NoACK,
		}
		if needACK {
			env.ACKID, _ = a.registry.NextACK(id)
		}
	}

	payload, err := protocol.Seal(env.Payload, s)
	if err != nil {
		return protocol.NoACK, err
	}
	env.Payload = payload
	env.Priority = protocol.PriorityNormal
	if immediate {
		env.Priority = protocol.PriorityImmediate
	}

	if err := a.bridge.SendEncapsulated(id, env, transport.FlagsFor(needACK, immediate)); err != nil {
		return env.ACKID, a.controlError("send encapsulated", err)
	}
	a.metrics.RecordEnvelopeSent(env.Priority.String())
	return env.ACKID, nil
}

// PutReadyPacket sends an already serialized payload, such as a finished
// batch, reliably at normal priority without an ACK.
func (a *Interface) PutReadyPacket(s session.Session, raw []byte) error {
	id, ok := a.registry.IdentifierOf(s)
	if !ok {
		return nil
	}

	payload, err := protocol.Seal(protocol.Frame(raw), s)
	if err != nil {
		return err
	}
	env := protocol.Envelope{
		Payload:     payload,
		Reliability: protocol.ReliableOrdered,
		ACKID:       protocol.NoACK,
		Priority:    protocol.PriorityNormal,
	}
	if err := a.bridge.SendEncapsulated(id, env, transport.PriorityNormal); err != nil {
		return a.controlError("send ready packet", err)
	}
	a.metrics.RecordEnvelopeSent(env.Priority.String())
	return nil
}

// Close ends s from the game side and closes its identifier at the worker.
func (a *Interface) Close(s session.Session, reason string) {
	if a.registry.Close(s, reason) {
		a.metrics.RecordSessionClose("server")
	}
}

// BlockAddress drops traffic from address for d, or DefaultBlockDuration
// when d is not positive.
func (a *Interface) BlockAddress(address string, d time.Duration) {
	if d <= 0 {
		d = DefaultBlockDuration
	}
	if err := a.bridge.BlockAddress(address, d); err != nil {
		a.controlError("block address", err)
		return
	}
	a.metrics.RecordAddressBlock()
}

// SendRawPacket sends payload to address:port outside any session.
func (a *Interface) SendRawPacket(address string, port int, payload []byte) error {
	if err := a.bridge.SendRaw(address, port, payload); err != nil {
		return a.controlError("send raw", err)
	}
	return nil
}

// SetCount updates the advertised player counts.
func (a *Interface) SetCount(count, maxCount int) {
	a.count = count
	a.cfg.MaxPlayers = maxCount
	a.advertise()
}

// SetName updates the advertised server name. Names of one character or
// less are ignored.
func (a *Interface) SetName(name string) {
	if len(name) <= 1 {
		return
	}
	a.cfg.Name = name
	a.advertise()
}

// SetPortCheck toggles the worker's port checking.
func (a *Interface) SetPortCheck(enabled bool) {
	if err := a.bridge.SendOption(protocol.OptionPortChecking, strconv.FormatBool(enabled)); err != nil {
		a.controlError("send option", err)
	}
}

func (a *Interface) advertise() {
	if err := a.bridge.SendOption(protocol.OptionName, a.Descriptor().String()); err != nil {
		a.controlError("send option", err)
	}
}

// Shutdown asks the worker to stop gracefully.
func (a *Interface) Shutdown() {
	if err := a.bridge.Shutdown(); err != nil {
		a.controlError("shutdown", err)
		return
	}
	a.logger.Info("transport shutdown requested", logging.KeyCount, a.registry.Count())
}

// EmergencyShutdown asks the worker to stop immediately.
func (a *Interface) EmergencyShutdown() {
	if err := a.bridge.EmergencyShutdown(); err != nil {
		a.controlError("emergency shutdown", err)
	}
}
