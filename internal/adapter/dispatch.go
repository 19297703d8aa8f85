package adapter

import (
	"encoding/hex"
	"errors"
	"time"

	"github.com/postalsys/rakgate/internal/fault"
	"github.com/postalsys/rakgate/internal/logging"
	"github.com/postalsys/rakgate/internal/metrics"
	"github.com/postalsys/rakgate/internal/protocol"
	"github.com/postalsys/rakgate/internal/recovery"
	"github.com/postalsys/rakgate/internal/session"
	"github.com/postalsys/rakgate/internal/transport"
)

// DoTick advances the worker. Once the worker has died the adapter
// unregisters itself and returns a *fault.CrashError; every later call is
// a no-op.
func (a *Interface) DoTick() error {
	if a.crashed {
		return nil
	}
	if !a.bridge.IsTerminated() {
		if err := a.bridge.SendTick(); err != nil {
			a.controlError("tick", err)
		}
		return nil
	}
	return a.crash(fault.KindTick)
}

// Process drains every buffered worker event and reports whether any was
// handled. A worker found dead afterwards is fatal, as in DoTick.
func (a *Interface) Process() (bool, error) {
	if a.crashed {
		return false, nil
	}

	start := time.Now()
	work := false
	for a.bridge.HandlePacket() {
		work = true
	}
	if work {
		a.metrics.RecordDrain(time.Since(start).Seconds())
	}

	if a.bridge.IsTerminated() {
		return work, a.crash(fault.KindDrain)
	}
	return work, nil
}

// crash unregisters the adapter before raising so no further tick or
// drain reaches the dead worker.
func (a *Interface) crash(kind fault.Kind) error {
	a.crashed = true
	a.network.UnregisterInterface(a)

	info := a.bridge.TerminationInfo()
	f := fault.Fault{
		Kind:    kind,
		Scope:   info.Scope,
		Message: info.Message,
		File:    info.File,
		Line:    info.Line,
	}
	a.metrics.RecordWorkerTermination(string(kind))
	a.reporter.Report(f)
	return &fault.CrashError{Fault: f}
}

// OpenSession registers a session for a new transport identifier.
func (a *Interface) OpenSession(id session.ID, address string, port int, clientID int64) {
	_, replacing := a.registry.Lookup(id)

	s, err := a.registry.Open(id, address, port, clientID)
	if err != nil {
		a.logger.Warn("session creation failed",
			logging.KeySessionID, uint64(id),
			logging.KeyAddress, address,
			logging.KeyPort, port,
			logging.KeyError, err)
		if err := a.bridge.CloseSession(id, "session creation failed"); err != nil {
			a.controlError("close session", err)
		}
		return
	}

	if replacing {
		a.metrics.RecordSessionClose(session.ReasonReplaced)
	}
	a.metrics.RecordSessionOpen()
	a.logger.Debug("session opened",
		logging.KeySessionID, uint64(id),
		logging.KeyAddress, address,
		logging.KeyPort, port,
		logging.KeyClientID, clientID)

	a.server.AddSession(id, s)
}

// CloseSession handles a close reported by the worker.
func (a *Interface) CloseSession(id session.ID, reason string) {
	if a.registry.CloseSession(id, reason) {
		a.metrics.RecordSessionClose("transport")
		a.logger.Debug("session closed",
			logging.KeySessionID, uint64(id),
			logging.KeyReason, reason)
	}
}

// HandleEncapsulated decodes an inbound payload and hands the packet to its
// session. Failures stay inside this call: the sender's address is blocked
// for the configured cooldown and the drain continues.
func (a *Interface) HandleEncapsulated(id session.ID, env protocol.Envelope, flags transport.Flags) {
	s, ok := a.registry.Lookup(id)
	if !ok {
		a.metrics.RecordPacketDropped(metrics.DropUnknownSession)
		return
	}
	if len(env.Payload) == 0 {
		a.metrics.RecordPacketDropped(metrics.DropEmpty)
		return
	}

	var pk protocol.Packet
	err := recovery.Guard(func() error {
		var err error
		pk, err = protocol.Decode(env.Payload, s, a.network)
		if err != nil || pk == nil {
			return err
		}
		if err := protocol.DecodePacket(pk); err != nil {
			return err
		}
		return s.HandlePacket(pk)
	})

	if err == nil {
		if pk == nil {
			a.recordUndecodable(env.Payload)
		} else {
			a.metrics.RecordPacketReceived()
		}
		return
	}

	a.metrics.RecordDispatchFailure()
	if a.cfg.DebugLevel > 1 {
		a.logDispatchFailure(id, pk, env.Payload, err)
	}
	if s, ok := a.registry.Lookup(id); ok {
		a.BlockAddress(s.Address(), a.cfg.BlockCooldown)
	}
}

func (a *Interface) recordUndecodable(payload []byte) {
	if payload[0] != protocol.Marker {
		a.metrics.RecordPacketDropped(metrics.DropNotApplication)
		return
	}
	a.metrics.RecordPacketDropped(metrics.DropUnknownType)
}

func (a *Interface) logDispatchFailure(id session.ID, pk protocol.Packet, payload []byte, err error) {
	attrs := []any{
		logging.KeySessionID, uint64(id),
		"payload", hex.EncodeToString(payload),
		logging.KeyError, err,
	}
	if pk != nil {
		attrs = append(attrs, logging.KeyPacketID, pk.ID())
	} else {
		attrs = append(attrs, logging.KeyPacketID, "unknown")
	}
	var perr *recovery.PanicError
	if errors.As(err, &perr) {
		attrs = append(attrs, "file", perr.File, "line", perr.Line, "stack", perr.Stack)
	}
	a.logger.Debug("packet dispatch failed", attrs...)
}

// NotifyACK tells the owning session that ackID was written to the
// reliable stream.
func (a *Interface) NotifyACK(id session.ID, ackID int) {
	s, ok := a.registry.Lookup(id)
	if !ok {
		return
	}
	a.metrics.RecordACK()
	s.HandleACK(ackID)
}

// HandleRaw forwards a payload received outside any session.
func (a *Interface) HandleRaw(address string, port int, payload []byte) {
	a.server.HandleRaw(address, port, payload)
}

// HandleOption applies an option reported by the worker. Malformed values
// and unknown options are ignored.
func (a *Interface) HandleOption(name, value string) {
	switch name {
	case protocol.OptionBandwidth:
		b, err := protocol.DecodeBandwidth(value)
		if err != nil {
			a.logger.Debug("ignoring malformed option",
				logging.KeyOption, name,
				logging.KeyError, err)
			return
		}
		a.metrics.RecordBandwidth(b.Up, b.Down)
		a.network.AddStatistics(b.Up, b.Down)
	default:
		a.logger.Debug("ignoring unknown option", logging.KeyOption, name)
	}
}
