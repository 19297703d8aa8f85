// Package transport is the boundary between the rakgate adapter and the
// reliable-UDP worker. The two sides share nothing but a Channel: the
// worker emits events into it and consumes commands from it, and the
// adapter polls it through a Bridge.
package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/postalsys/rakgate/internal/protocol"
	"github.com/postalsys/rakgate/internal/session"
)

// Flags accompany encapsulated envelopes in both directions.
type Flags uint8

const (
	PriorityNormal    Flags = 0
	PriorityImmediate Flags = 1
	FlagNeedACK       Flags = 0x08
)

// Immediate reports whether the immediate priority bit is set.
func (f Flags) Immediate() bool { return f&PriorityImmediate != 0 }

// NeedACK reports whether an ACK event was requested for the envelope.
func (f Flags) NeedACK() bool { return f&FlagNeedACK != 0 }

// FlagsFor builds flags from the two outbound policy switches.
func FlagsFor(needACK, immediate bool) Flags {
	f := PriorityNormal
	if immediate {
		f |= PriorityImmediate
	}
	if needACK {
		f |= FlagNeedACK
	}
	return f
}

var (
	// ErrControlQueueFull is returned when a command cannot be queued
	// without blocking.
	ErrControlQueueFull = errors.New("transport control queue full")

	// ErrTerminated is returned for commands sent after the worker died.
	ErrTerminated = errors.New("transport worker terminated")
)

// Handler is the inbound callback contract. The Bridge calls it from
// HandlePacket, on the goroutine that polls the channel.
type Handler interface {
	OpenSession(id session.ID, address string, port int, clientID int64)
	CloseSession(id session.ID, reason string)
	HandleEncapsulated(id session.ID, env protocol.Envelope, flags Flags)
	HandleRaw(address string, port int, payload []byte)
	NotifyACK(id session.ID, ackID int)
	HandleOption(name, value string)
}

// TerminationInfo describes why the worker died.
type TerminationInfo struct {
	Scope   string
	Message string
	File    string
	Line    int
}

func (t TerminationInfo) String() string {
	msg := t.Message
	if msg == "" {
		msg = "no message"
	}
	return fmt.Sprintf("[%s] %s (%s:%d)", t.Scope, msg, t.File, t.Line)
}

// Event is something the worker reports to the adapter.
type Event interface {
	dispatch(h Handler)
}

type OpenEvent struct {
	ID       session.ID
	Address  string
	Port     int
	ClientID int64
}

type CloseEvent struct {
	ID     session.ID
	Reason string
}

type EncapsulatedEvent struct {
	ID       session.ID
	Envelope protocol.Envelope
	Flags    Flags
}

type RawEvent struct {
	Address string
	Port    int
	Payload []byte
}

// ACKEvent is emitted once an envelope that asked for an ACK has been
// written to the session's reliable stream.
type ACKEvent struct {
	ID    session.ID
	ACKID int
}

type OptionEvent struct {
	Name  string
	Value string
}

func (e OpenEvent) dispatch(h Handler)  { h.OpenSession(e.ID, e.Address, e.Port, e.ClientID) }
func (e CloseEvent) dispatch(h Handler) { h.CloseSession(e.ID, e.Reason) }
func (e EncapsulatedEvent) dispatch(h Handler) {
	h.HandleEncapsulated(e.ID, e.Envelope, e.Flags)
}
func (e RawEvent) dispatch(h Handler)    { h.HandleRaw(e.Address, e.Port, e.Payload) }
func (e ACKEvent) dispatch(h Handler)    { h.NotifyACK(e.ID, e.ACKID) }
func (e OptionEvent) dispatch(h Handler) { h.HandleOption(e.Name, e.Value) }

// Command is something the adapter asks the worker to do.
type Command interface {
	command()
}

type TickCommand struct{}

type EncapsulatedCommand struct {
	ID       session.ID
	Envelope protocol.Envelope
	Flags    Flags
}

type CloseSessionCommand struct {
	ID     session.ID
	Reason string
}

type BlockAddressCommand struct {
	Address  string
	Duration time.Duration
}

type RawCommand struct {
	Address string
	Port    int
	Payload []byte
}

type OptionCommand struct {
	Name  string
	Value string
}

type ShutdownCommand struct{}

type EmergencyShutdownCommand struct{}

func (TickCommand) command()              {}
func (EncapsulatedCommand) command()      {}
func (CloseSessionCommand) command()      {}
func (BlockAddressCommand) command()      {}
func (RawCommand) command()               {}
func (OptionCommand) command()            {}
func (ShutdownCommand) command()          {}
func (EmergencyShutdownCommand) command() {}
