package protocol

import "fmt"

// Envelope is the transport-level container for one application payload.
type Envelope struct {
	Payload     []byte
	Reliability Reliability
	ACKID       int // NoACK when no delivery confirmation is requested
	Priority    Priority
}

// NeedsACK reports whether the envelope carries an ACK identifier.
func (e Envelope) NeedsACK() bool {
	return e.ACKID != NoACK
}

// String returns a debug representation of the envelope.
func (e Envelope) String() string {
	return fmt.Sprintf("Envelope{Reliability=%s, ACKID=%d, Priority=%s, PayloadLen=%d}",
		e.Reliability, e.ACKID, e.Priority, len(e.Payload))
}

// Frame prefixes encoded packet bytes with the marker. The result is a new
// slice; the input is never modified.
func Frame(encoded []byte) []byte {
	buf := make([]byte, 1+len(encoded))
	buf[0] = Marker
	copy(buf[1:], encoded)
	return buf
}

// Seal encrypts everything after the marker of a framed payload when enc
// has encryption enabled. Without encryption the framed slice is returned
// as is. With encryption a new slice is allocated, so framed payloads shared
// between sessions (cached envelopes) are never mutated.
func Seal(framed []byte, enc Encryption) ([]byte, error) {
	if enc == nil || !enc.EncryptionEnabled() {
		return framed, nil
	}
	if len(framed) == 0 || framed[0] != Marker {
		return nil, fmt.Errorf("seal: %w", ErrNotFramed)
	}

	ciphertext, err := enc.Encrypt(framed[1:])
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	out := make([]byte, 1+len(ciphertext))
	out[0] = Marker
	copy(out[1:], ciphertext)
	return out, nil
}
