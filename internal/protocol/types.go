// Package protocol defines application packet framing for rakgate: the
// magic marker, packet encoding state, transport envelopes and the option
// payloads exchanged with the transport worker.
package protocol

import "errors"

// Marker is the leading byte of every application payload. Traffic that
// does not start with it belongs to some other protocol sharing the channel.
const Marker byte = 0xFE

// Well-known packet identifiers handled by the adapter itself.
const (
	// BatchPacketID is the container packet that carries several
	// compressed packets. It is never re-batched.
	BatchPacketID uint8 = 0x92
)

// Reliability is the delivery mode requested from the transport worker.
type Reliability uint8

const (
	// UnreliableSequenced delivers at most once and drops stale datagrams.
	UnreliableSequenced Reliability = 1
	// ReliableOrdered delivers exactly once, in order.
	ReliableOrdered Reliability = 3
)

// String returns a human-readable name for the reliability mode.
func (r Reliability) String() string {
	switch r {
	case UnreliableSequenced:
		return "UNRELIABLE_SEQUENCED"
	case ReliableOrdered:
		return "RELIABLE_ORDERED"
	default:
		return "UNKNOWN"
	}
}

// Priority controls whether the worker queues an envelope or sends it
// ahead of queued traffic.
type Priority uint8

const (
	PriorityNormal    Priority = 0
	PriorityImmediate Priority = 1
)

// String returns a human-readable name for the priority.
func (p Priority) String() string {
	if p == PriorityImmediate {
		return "immediate"
	}
	return "normal"
}

// NoACK is the ACKID of an envelope that does not request a delivery
// confirmation.
const NoACK = -1

var (
	// ErrShortBuffer is returned when a packet body ends before a field does.
	ErrShortBuffer = errors.New("buffer too short")

	// ErrFieldTooLong is returned when a field does not fit its length prefix.
	ErrFieldTooLong = errors.New("field exceeds maximum length")

	// ErrDecrypt is returned when an encrypted payload cannot be decrypted.
	ErrDecrypt = errors.New("payload decryption failed")

	// ErrNotFramed is returned when a payload to seal lacks the marker.
	ErrNotFramed = errors.New("payload is not framed")
)
