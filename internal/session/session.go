// Package session maps transport-assigned connection identifiers to game
// sessions for rakgate.
package session

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/postalsys/rakgate/internal/protocol"
)

// ID is the opaque handle the transport worker assigns to a connection.
type ID uint64

// String returns the decimal form of the identifier.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Session is the game-layer session contract. Implementations are created
// by a Factory and only touched from the host's control loop.
type Session interface {
	protocol.Encryption

	// SetIdentifier binds the transport identifier onto the session.
	SetIdentifier(id ID)
	Identifier() ID

	Address() string
	Port() int

	// Closed reports whether the session already ran its close behavior.
	Closed() bool
	// Close runs the session's close behavior with a leave message and the
	// reason the connection ended.
	Close(message, reason string)
	LeaveMessage() string

	// HandlePacket receives a decoded inbound packet.
	HandlePacket(pk protocol.Packet) error
	// HandleACK reports that the worker handed the envelope with ackID to
	// its reliable stream. The peer has not necessarily processed it yet.
	HandleACK(ackID int)
}

// Params are the validated parameters a session is created from.
type Params struct {
	Address  string
	Port     int
	ClientID int64
}

// Validate checks that the parameters describe a reachable endpoint.
func (p Params) Validate() error {
	if p.Address == "" {
		return errors.New("address is required")
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("port %d out of range", p.Port)
	}
	return nil
}

// Factory constructs sessions.
type Factory interface {
	NewSession(p Params) (Session, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(p Params) (Session, error)

// NewSession calls f(p).
func (f FactoryFunc) NewSession(p Params) (Session, error) {
	return f(p)
}

// CreationEvent is handed to creation hooks before a session is built.
// Hooks may replace Factory to substitute their own session type, or adjust
// Params; the registry validates the result afterwards.
type CreationEvent struct {
	Params  Params
	Factory Factory
}

// CreationHook intercepts session creation.
type CreationHook func(ev *CreationEvent)

// Closer closes an identifier at the transport worker.
type Closer interface {
	CloseSession(id ID, reason string) error
}
